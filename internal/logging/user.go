package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
)

// User-facing output for CLI commands, separate from the structured log.
// Stdout and Stderr are variables so tests can capture output.
var (
	Stdout io.Writer = os.Stdout
	Stderr io.Writer = os.Stderr
)

var (
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Faint(true)
)

func userLine(w io.Writer, style lipgloss.Style, prefix, format string, args ...interface{}) {
	fmt.Fprintf(w, "%s %s\n", style.Render(prefix), fmt.Sprintf(format, args...))
}

// UserInfo prints an info message to stdout.
func UserInfo(format string, args ...interface{}) {
	userLine(Stdout, infoStyle, "ℹ", format, args...)
}

// UserSuccess prints a success message to stdout.
func UserSuccess(format string, args ...interface{}) {
	userLine(Stdout, successStyle, "✓", format, args...)
}

// UserWarning prints a warning message to stderr.
func UserWarning(format string, args ...interface{}) {
	userLine(Stderr, warningStyle, "⚠", format, args...)
}

// UserError prints an error message to stderr.
func UserError(format string, args ...interface{}) {
	userLine(Stderr, errorStyle, "✗", format, args...)
}

// UserDim prints secondary detail, such as agent lifecycle markers, to stdout.
func UserDim(format string, args ...interface{}) {
	fmt.Fprintln(Stdout, dimStyle.Render(fmt.Sprintf(format, args...)))
}

// UserText writes streamed text to stdout verbatim, without a newline.
func UserText(text string) {
	fmt.Fprint(Stdout, text)
}

// ResetOutput restores the process stdout and stderr as user output targets.
func ResetOutput() {
	Stdout = os.Stdout
	Stderr = os.Stderr
}
