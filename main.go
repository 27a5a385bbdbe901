package main

import (
	"os"

	_ "go.uber.org/automaxprocs"

	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/cmd"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/errors"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(errors.GetExitCode(err))
	}
}
