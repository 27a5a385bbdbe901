package runtime

import (
	"fmt"
	"path"

	"github.com/kballard/go-shellquote"
)

// Shell wraps a script for execution by the sandbox's POSIX shell.
func Shell(script string) []string {
	return []string{"sh", "-c", script}
}

// Quote joins words into a single shell-safe string.
func Quote(words ...string) string {
	return shellquote.Join(words...)
}

// InDir prefixes a script with a cd into dir.
func InDir(dir, script string) string {
	return fmt.Sprintf("cd %s && %s", shellquote.Join(dir), script)
}

// SplitCommand parses a configured command line ("pnpm install") into words.
func SplitCommand(line string) ([]string, error) {
	words, err := shellquote.Split(line)
	if err != nil {
		return nil, fmt.Errorf("invalid command %q: %w", line, err)
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return words, nil
}

// writeScript returns a script that stores stdin at p, truncating or
// appending, after making sure the parent directory exists.
func writeScript(p string, appendMode bool) string {
	redirect := ">"
	if appendMode {
		redirect = ">>"
	}
	return fmt.Sprintf("mkdir -p %s && cat %s %s",
		shellquote.Join(path.Dir(p)), redirect, shellquote.Join(p))
}

// readScript prints p, exiting with a distinctive status when it is missing.
func readScript(p string) string {
	q := shellquote.Join(p)
	return fmt.Sprintf("if [ -e %s ]; then cat %s; else exit %d; fi", q, q, exitFileMissing)
}

// exitFileMissing is the exit status readScript uses for a missing file.
const exitFileMissing = 44

