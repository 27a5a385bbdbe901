package sandbox

import (
	"context"
	"time"

	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/logging"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/runtime"
)

// cleanupTimeout bounds teardown after a failed provision, which may run
// after the request context is gone.
const cleanupTimeout = 30 * time.Second

// Cleanup destroys a sandbox left behind by a failed provision. Errors are
// logged; the caller is already reporting the original failure.
func Cleanup(rt runtime.Runtime, sandboxID string) {
	if rt == nil || sandboxID == "" {
		return
	}
	logging.Debug("cleaning up sandbox", "sandbox", sandboxID)

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if err := rt.Destroy(ctx, sandboxID); err != nil {
		logging.Warn("failed to destroy sandbox during cleanup", "sandbox", sandboxID, "error", err)
	}
}
