package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestOrchestratorError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *OrchestratorError
		wantMsg string
	}{
		{
			name:    "without cause",
			err:     New(ExitGeneralError, "something went wrong"),
			wantMsg: "something went wrong",
		},
		{
			name:    "with cause",
			err:     Wrap(ExitGeneralError, "operation failed", fmt.Errorf("underlying error")),
			wantMsg: "operation failed: underlying error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestOrchestratorError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := Wrap(ExitGeneralError, "wrapped", cause)

	if unwrapped := err.Unwrap(); unwrapped != cause {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, cause)
	}

	if unwrapped := New(ExitGeneralError, "no cause").Unwrap(); unwrapped != nil {
		t.Errorf("Unwrap() = %v, want nil", unwrapped)
	}
}

func TestConstructors(t *testing.T) {
	cause := fmt.Errorf("boom")
	tests := []struct {
		name     string
		err      *OrchestratorError
		wantCode int
		wantKind string
		wantMsg  string
	}{
		{"session not found", SessionNotFound("abc"), ExitSessionNotFound, "session_not_found", "session not found: abc"},
		{"provision", ProvisionFailed(cause), ExitProvision, "provision_error", "sandbox provisioning failed: boom"},
		{"channel write", ChannelWriteFailed("/q", cause), ExitChannelWrite, "channel_write_error", "command channel write to /q failed: boom"},
		{"channel read", ChannelReadFailed("/r", cause), ExitChannelRead, "channel_read_error", "response log read from /r failed: boom"},
		{"conflict", Conflict("abc"), ExitConflict, "conflict", "session abc is already executing a request"},
		{"timeout", Timeout("request", cause), ExitTimeout, "timeout", "request timed out: boom"},
		{"worker protocol", WorkerProtocol(3, cause), ExitWorkerProtocol, "worker_protocol_error", "malformed response record at line 3: boom"},
		{"config", ConfigError("bad config", cause), ExitConfigError, "config_error", "bad config: boom"},
		{"validation", ValidationError("prompt is required"), ExitValidation, "validation_error", "prompt is required"},
		{"runtime", RuntimeFailed("exec", cause), ExitRuntime, "runtime_error", "sandbox exec failed: boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.wantCode {
				t.Errorf("Code = %d, want %d", tt.err.Code, tt.wantCode)
			}
			if got := tt.err.Kind(); got != tt.wantKind {
				t.Errorf("Kind() = %q, want %q", got, tt.wantKind)
			}
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"coded", SessionNotFound("x"), ExitSessionNotFound},
		{"wrapped coded", fmt.Errorf("outer: %w", Conflict("x")), ExitConflict},
		{"regular error", fmt.Errorf("some error"), ExitGeneralError},
		{"nil error", nil, ExitGeneralError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetExitCode(tt.err); got != tt.wantCode {
				t.Errorf("GetExitCode() = %d, want %d", got, tt.wantCode)
			}
		})
	}
}

func TestHasCode(t *testing.T) {
	inner := Timeout("exec", fmt.Errorf("deadline"))
	outer := ChannelWriteFailed("/q", inner)

	if !HasCode(outer, ExitChannelWrite) {
		t.Error("HasCode should find the outer code")
	}
	if !HasCode(outer, ExitTimeout) {
		t.Error("HasCode should find a code deeper in the chain")
	}
	if HasCode(outer, ExitConflict) {
		t.Error("HasCode should not report an absent code")
	}
	if HasCode(fmt.Errorf("plain"), ExitGeneralError) {
		t.Error("HasCode should be false for uncoded errors")
	}
}

func TestKind(t *testing.T) {
	if got := Kind(fmt.Errorf("plain")); got != "internal" {
		t.Errorf("Kind(plain) = %q, want internal", got)
	}
	if got := Kind(fmt.Errorf("wrap: %w", ProvisionFailed(nil))); got != "provision_error" {
		t.Errorf("Kind(wrapped) = %q, want provision_error", got)
	}
	if got := New(99, "odd").Kind(); got != "internal" {
		t.Errorf("Kind(unknown code) = %q, want internal", got)
	}
}

func TestFromKind(t *testing.T) {
	tests := []struct {
		kind string
		code int
	}{
		{"session_not_found", ExitSessionNotFound},
		{"conflict", ExitConflict},
		{"timeout", ExitTimeout},
		{"internal", ExitGeneralError},
		{"something_new", ExitGeneralError},
	}
	for _, tt := range tests {
		err := FromKind(tt.kind, "msg")
		if err.Code != tt.code {
			t.Errorf("FromKind(%q).Code = %d, want %d", tt.kind, err.Code, tt.code)
		}
		if err.Message != "msg" {
			t.Errorf("FromKind(%q).Message = %q", tt.kind, err.Message)
		}
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ValidationError("bad"), http.StatusBadRequest},
		{SessionNotFound("x"), http.StatusNotFound},
		{Conflict("x"), http.StatusConflict},
		{ProvisionFailed(nil), http.StatusBadGateway},
		{Timeout("x", nil), http.StatusGatewayTimeout},
		{fmt.Errorf("plain"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestErrorChaining(t *testing.T) {
	root := fmt.Errorf("root cause")
	middle := Wrap(ExitConfigError, "config error", root)
	outer := fmt.Errorf("operation failed: %w", middle)

	if !errors.Is(outer, root) {
		t.Error("errors.Is should find root cause")
	}

	var oErr *OrchestratorError
	if !As(outer, &oErr) {
		t.Fatal("As should find OrchestratorError")
	}
	if oErr.Code != ExitConfigError {
		t.Errorf("Code = %d, want %d", oErr.Code, ExitConfigError)
	}
	if !Is(outer, root) {
		t.Error("Is should find root cause")
	}
}
