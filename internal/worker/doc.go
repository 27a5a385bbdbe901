// Package worker implements the persistent worker that runs inside a
// sandbox as "forage-orchestrator worker".
//
// The worker consumes the command queue written by the orchestrator one
// record at a time, in append order. For each command it runs the agent
// CLI with the prompt on stdin and appends every output line to the
// response log, followed by a command_complete marker carrying the exit
// code. Malformed queue lines are logged and skipped.
//
// The queue cursor is persisted after each command, so a restarted worker
// resumes where it stopped. A command interrupted by a crash is run again
// on restart: delivery is at-least-once.
//
// A brand-new session starts the worker with a prompt file; that prompt is
// run first as a one-shot command before the queue is polled.
package worker
