package runner

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
)

// ActionOutputs publishes step outputs the two ways GitHub Actions reads
// them: a ::set-output workflow command on stdout, and a line appended to
// the $GITHUB_OUTPUT file when one is configured.
type ActionOutputs struct {
	stdout io.Writer
	file   string
}

// NewActionOutputs writes commands to stdout and, when file is not empty,
// appends to it as well.
func NewActionOutputs(stdout io.Writer, file string) *ActionOutputs {
	return &ActionOutputs{stdout: stdout, file: file}
}

// SetOutput publishes name=value.
func (o *ActionOutputs) SetOutput(name, value string) error {
	if _, err := fmt.Fprintf(o.stdout, "::set-output name=%s::%s\n", name, escapeCommand(value)); err != nil {
		return fmt.Errorf("writing workflow command: %w", err)
	}

	if o.file == "" {
		return nil
	}

	f, err := os.OpenFile(o.file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening output file: %w", err)
	}

	if _, err := io.WriteString(f, fileEntry(name, value)); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing output file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing output file: %w", err)
	}
	return nil
}

// fileEntry formats one $GITHUB_OUTPUT entry.  Multi-line values use the
// heredoc form with a random delimiter.
func fileEntry(name, value string) string {
	if !strings.ContainsAny(value, "\r\n") {
		return name + "=" + value + "\n"
	}
	delim := "ghadelimiter_" + uuid.NewString()
	return name + "<<" + delim + "\n" + value + "\n" + delim + "\n"
}

// escapeCommand escapes a workflow command value.
func escapeCommand(s string) string {
	return strings.NewReplacer("%", "%25", "\r", "%0D", "\n", "%0A").Replace(s)
}
