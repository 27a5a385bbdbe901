package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestSetup_Formats(t *testing.T) {
	tests := []struct {
		name     string
		json     bool
		wantFrag string
	}{
		{"text", false, "msg=\"request accepted\""},
		{"json", true, "\"msg\":\"request accepted\""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			Setup(false, tt.json, &buf)

			Info("request accepted", "session", "s1")

			output := buf.String()
			if !strings.Contains(output, tt.wantFrag) {
				t.Errorf("expected %q in output, got: %s", tt.wantFrag, output)
			}
			if !strings.Contains(output, "s1") {
				t.Errorf("expected attribute value in output, got: %s", output)
			}
		})
	}
}

func TestSetup_Verbosity(t *testing.T) {
	var buf bytes.Buffer
	Setup(true, false, &buf)

	if !Verbose {
		t.Error("Verbose should be true after Setup(true, ...)")
	}
	Debug("poll tick")
	if !strings.Contains(buf.String(), "poll tick") {
		t.Errorf("debug message should appear in verbose mode, got: %s", buf.String())
	}

	buf.Reset()
	Setup(false, false, &buf)
	if Verbose {
		t.Error("Verbose should be false after Setup(false, ...)")
	}
	Debug("poll tick")
	if strings.Contains(buf.String(), "poll tick") {
		t.Errorf("debug message should not appear in non-verbose mode, got: %s", buf.String())
	}
}

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	Setup(false, false, &buf)

	Warn("warn test")
	Error("error test")

	output := buf.String()
	for _, want := range []string{"level=WARN", "warn test", "level=ERROR", "error test"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestWith(t *testing.T) {
	var buf bytes.Buffer
	Setup(false, false, &buf)

	With("component", "watch").Info("with test")

	output := buf.String()
	if !strings.Contains(output, "component=watch") {
		t.Errorf("expected component attribute, got: %s", output)
	}
}

func TestForSession(t *testing.T) {
	var buf bytes.Buffer
	Setup(false, false, &buf)

	ForSession("s1", "").Info("no sandbox yet")
	ForSession("s1", "sb1").Info("with sandbox")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), buf.String())
	}
	if strings.Contains(lines[0], "sandbox=") {
		t.Errorf("first line should not carry a sandbox attribute: %s", lines[0])
	}
	if !strings.Contains(lines[1], "session=s1") || !strings.Contains(lines[1], "sandbox=sb1") {
		t.Errorf("second line should carry session and sandbox: %s", lines[1])
	}
}

func TestSetup_NilWriter(t *testing.T) {
	Setup(false, false, nil)

	if Logger == nil {
		t.Error("Logger should not be nil after Setup with nil writer")
	}
}

func TestUserOutput(t *testing.T) {
	var out, errOut bytes.Buffer
	Stdout, Stderr = &out, &errOut
	t.Cleanup(ResetOutput)

	UserInfo("connecting to %s", "localhost")
	UserSuccess("done")
	UserText("hello ")
	UserWarning("port %d unavailable", 3000)
	UserError("failed")

	if !strings.Contains(out.String(), "connecting to localhost") {
		t.Errorf("stdout missing info line: %q", out.String())
	}
	if !strings.Contains(out.String(), "done") || !strings.Contains(out.String(), "hello ") {
		t.Errorf("stdout missing success or text output: %q", out.String())
	}
	if !strings.Contains(errOut.String(), "port 3000 unavailable") || !strings.Contains(errOut.String(), "failed") {
		t.Errorf("stderr missing warning or error: %q", errOut.String())
	}
	if strings.Contains(out.String(), "failed") {
		t.Error("error output should not go to stdout")
	}
}
