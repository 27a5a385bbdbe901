package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Exit codes for forage-orchestrator. The same codes classify errors that
// surface inside an event stream.
const (
	ExitSuccess         = 0
	ExitGeneralError    = 1
	ExitSessionNotFound = 2
	ExitProvision       = 3
	ExitChannelWrite    = 4
	ExitChannelRead     = 5
	ExitConflict        = 6
	ExitTimeout         = 7
	ExitWorkerProtocol  = 8
	ExitConfigError     = 9
	ExitValidation      = 10
	ExitRuntime         = 11
)

// kinds names each code the way it appears in the "code" field of error events.
var kinds = map[int]string{
	ExitGeneralError:    "internal",
	ExitSessionNotFound: "session_not_found",
	ExitProvision:       "provision_error",
	ExitChannelWrite:    "channel_write_error",
	ExitChannelRead:     "channel_read_error",
	ExitConflict:        "conflict",
	ExitTimeout:         "timeout",
	ExitWorkerProtocol:  "worker_protocol_error",
	ExitConfigError:     "config_error",
	ExitValidation:      "validation_error",
	ExitRuntime:         "runtime_error",
}

// OrchestratorError is the base error type for forage-orchestrator
type OrchestratorError struct {
	Code    int
	Message string
	Cause   error
}

func (e *OrchestratorError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *OrchestratorError) Unwrap() error {
	return e.Cause
}

// ExitCode returns the exit code for this error
func (e *OrchestratorError) ExitCode() int {
	return e.Code
}

// Kind returns the taxonomy name of this error
func (e *OrchestratorError) Kind() string {
	if k, ok := kinds[e.Code]; ok {
		return k
	}
	return kinds[ExitGeneralError]
}

// New creates a new OrchestratorError
func New(code int, message string) *OrchestratorError {
	return &OrchestratorError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an OrchestratorError
func Wrap(code int, message string, cause error) *OrchestratorError {
	return &OrchestratorError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// SessionNotFound returns an error for an unknown session id
func SessionNotFound(id string) *OrchestratorError {
	return New(ExitSessionNotFound, fmt.Sprintf("session not found: %s", id))
}

// ProvisionFailed returns an error for a sandbox that could not be created or reached
func ProvisionFailed(cause error) *OrchestratorError {
	return Wrap(ExitProvision, "sandbox provisioning failed", cause)
}

// ChannelWriteFailed returns an error for a failed write into the command channel
func ChannelWriteFailed(path string, cause error) *OrchestratorError {
	return Wrap(ExitChannelWrite, fmt.Sprintf("command channel write to %s failed", path), cause)
}

// ChannelReadFailed returns an error for a failed read of the response log
func ChannelReadFailed(path string, cause error) *OrchestratorError {
	return Wrap(ExitChannelRead, fmt.Sprintf("response log read from %s failed", path), cause)
}

// Conflict returns an error for a request against a session that is already executing
func Conflict(id string) *OrchestratorError {
	return New(ExitConflict, fmt.Sprintf("session %s is already executing a request", id))
}

// Timeout returns an error for an operation that exceeded its budget
func Timeout(op string, cause error) *OrchestratorError {
	return Wrap(ExitTimeout, fmt.Sprintf("%s timed out", op), cause)
}

// WorkerProtocol returns an error for a malformed response log line
func WorkerProtocol(line int, cause error) *OrchestratorError {
	return Wrap(ExitWorkerProtocol, fmt.Sprintf("malformed response record at line %d", line), cause)
}

// ConfigError returns an error for configuration issues
func ConfigError(message string, cause error) *OrchestratorError {
	return Wrap(ExitConfigError, message, cause)
}

// ValidationError returns an error for input validation failures
func ValidationError(message string) *OrchestratorError {
	return New(ExitValidation, message)
}

// RuntimeFailed returns an error for a sandbox provider call on an existing sandbox
func RuntimeFailed(op string, cause error) *OrchestratorError {
	return Wrap(ExitRuntime, fmt.Sprintf("sandbox %s failed", op), cause)
}

// GetExitCode extracts the exit code from an error
func GetExitCode(err error) int {
	var oErr *OrchestratorError
	if errors.As(err, &oErr) {
		return oErr.ExitCode()
	}
	return ExitGeneralError
}

// HasCode reports whether any OrchestratorError in err's chain carries code.
func HasCode(err error, code int) bool {
	for err != nil {
		var oErr *OrchestratorError
		if !errors.As(err, &oErr) {
			return false
		}
		if oErr.Code == code {
			return true
		}
		err = oErr.Cause
	}
	return false
}

// Kind returns the taxonomy name for err, "internal" when err is not coded.
func Kind(err error) string {
	var oErr *OrchestratorError
	if errors.As(err, &oErr) {
		return oErr.Kind()
	}
	return kinds[ExitGeneralError]
}

// FromKind rebuilds a coded error from a taxonomy name received over the
// wire. Unknown kinds map to ExitGeneralError.
func FromKind(kind, message string) *OrchestratorError {
	for code, k := range kinds {
		if k == kind {
			return New(code, message)
		}
	}
	return New(ExitGeneralError, message)
}

// HTTPStatus maps an error to the status returned before a stream has started.
func HTTPStatus(err error) int {
	switch GetExitCode(err) {
	case ExitValidation:
		return http.StatusBadRequest
	case ExitSessionNotFound:
		return http.StatusNotFound
	case ExitConflict:
		return http.StatusConflict
	case ExitProvision, ExitRuntime:
		return http.StatusBadGateway
	case ExitTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Is checks if an error is of a specific type
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target any) bool {
	return errors.As(err, target)
}
