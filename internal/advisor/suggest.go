package advisor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// CodeSuggester runs an external command (a local coding agent CLI) to
// produce a suggestion for a ticket. The prompt is written to the command's
// stdin and stdout is returned. Each invocation is one-shot and bounded by
// the configured timeout.
type CodeSuggester struct {
	command string
	timeout time.Duration
}

// NewCodeSuggester creates a suggester for the given shell command. Returns
// nil when command is empty, making nil a safe "feature disabled" value.
func NewCodeSuggester(command string, timeout time.Duration) *CodeSuggester {
	if command == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &CodeSuggester{command: command, timeout: timeout}
}

// Suggest runs the command with the prompt on stdin. A nil CodeSuggester
// returns an empty suggestion.
func (s *CodeSuggester) Suggest(ctx context.Context, prompt string) (string, error) {
	if s == nil {
		return "", nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", s.command)
	cmd.Stdin = strings.NewReader(prompt)

	// sh spawns children; killing only the shell leaves them holding our
	// pipes and Run never returns. Put the command in its own process group
	// and take the whole group down on cancellation.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("suggest command timed out after %v", s.timeout)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("suggest command failed: %s", msg)
	}

	return strings.TrimSpace(stdout.String()), nil
}
