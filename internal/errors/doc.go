// Package errors provides coded errors for forage-orchestrator.
//
// # Error Types
//
// OrchestratorError carries a code, a message and an optional cause:
//
//	type OrchestratorError struct {
//	    Code    int    // Exit code and taxonomy class
//	    Message string // User-facing message
//	    Cause   error  // Wrapped error
//	}
//
// # Taxonomy
//
//	ExitSessionNotFound = 2  // session_not_found
//	ExitProvision       = 3  // provision_error: sandbox could not be created
//	ExitChannelWrite    = 4  // channel_write_error: command file append failed
//	ExitChannelRead     = 5  // channel_read_error: response log unreadable
//	ExitConflict        = 6  // conflict: session already executing
//	ExitTimeout         = 7  // timeout: a bounded operation ran out of budget
//	ExitWorkerProtocol  = 8  // worker_protocol_error: malformed response line
//	ExitConfigError     = 9  // config_error
//	ExitValidation      = 10 // validation_error: bad request body or flags
//	ExitRuntime         = 11 // runtime_error: provider call on a live sandbox
//
// Kind returns the taxonomy name used in error events. HTTPStatus maps a code
// to the status used when a request fails before its stream starts.
//
// # Extracting Exit Codes
//
//	if err != nil {
//	    os.Exit(errors.GetExitCode(err))
//	}
package errors
