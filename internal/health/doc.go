// Package health builds the orchestrator's health report.
//
// # Health Status
//
//	StatusHealthy  - the sandbox provider answered
//	StatusDegraded - the provider could not list its sandboxes
//
// # Report
//
//	checker := health.NewChecker(registry, rt)
//	report := checker.Check(ctx)
//	// report.Sessions, .Sandboxes, .ByState, .Runtime, .Uptime
//
// Sessions and sandboxes are counted from the session registry, so a report
// reflects what the orchestrator owns, not everything the provider runs.
package health
