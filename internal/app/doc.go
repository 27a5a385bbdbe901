// Package app provides the application context for forage-orchestrator.
//
// This package builds the component graph using the functional options
// pattern, enabling easy testing through dependency injection.
//
// # App Context
//
// The App struct holds every long-lived component:
//
//	Config        configuration
//	Runtime       sandbox provider
//	Registry      live sessions
//	Provisioner   sandbox setup and worker launch
//	Orchestrator  one chat request end to end
//	Server        HTTP surface
//	Monitor       idle-session reaper
//	Metrics       Prometheus collectors
//	Audit         JSONL lifecycle log
//
// # Creating an App
//
//	// Production usage
//	a, err := app.New(app.WithConfig(cfg))
//
//	// Testing with custom dependencies
//	a, err := app.New(
//	    app.WithConfig(testConfig),
//	    app.WithRuntime(mockRuntime),
//	)
//
// Registry transitions are counted in Metrics, and closed sessions are
// written to the audit log whichever component closed them.
package app
