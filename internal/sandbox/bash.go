package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/astrid-app/astrid-agent/internal/errors"
)

// sensitiveEnvMarkers strip credentials from the environment a command sees.
var sensitiveEnvMarkers = []string{"KEY", "TOKEN", "SECRET", "PASSWORD", "CREDENTIAL"}

// cappedBuffer keeps at most limit bytes and remembers whether it dropped any.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	remaining := c.limit - c.buf.Len()
	if remaining <= 0 {
		c.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		c.buf.Write(p[:remaining])
		c.truncated = true
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (s *Sandbox) runBash(ctx context.Context, raw json.RawMessage) (ToolResult, error) {
	var args struct {
		Command string `json:"command"`
	}
	if err := decodeArgs(ToolRunBash, raw, &args); err != nil {
		return ToolResult{}, err
	}
	if strings.TrimSpace(args.Command) == "" {
		return ToolResult{}, errors.NewToolExecutionError(ToolRunBash, "command is required", errors.ErrInvalidInput)
	}
	if pattern := s.deny.Match(args.Command); pattern != "" {
		return ToolResult{}, errors.NewSandboxViolationError(ToolRunBash, args.Command,
			errors.Wrapf(errors.ErrBlockedCommand, "matched %q", pattern))
	}

	out, code, err := s.run(ctx, s.cfg.BashTimeout, s.cfg.MaxBashOutputBytes, "bash", "-c", args.Command)
	if err != nil {
		return ToolResult{}, err
	}
	out = s.redactor.Redact(out)

	if code != 0 {
		return ToolResult{Success: false, Result: fmt.Sprintf("Command failed with exit code %d:\n%s", code, out)}, nil
	}
	if strings.TrimSpace(out) == "" {
		out = "(no output)"
	}
	return ToolResult{Success: true, Result: out}, nil
}

// run executes name in the sandbox root with a timeout and an output cap.
// A non-zero exit is reported through the exit code, not the error.
func (s *Sandbox) run(ctx context.Context, timeout time.Duration, limit int, name string, argv ...string) (string, int, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, argv...)
	cmd.Dir = s.root
	cmd.Env = scrubEnv(os.Environ())
	// Run in its own process group so a timeout kills everything the
	// command spawned, not just the shell.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 500 * time.Millisecond

	out := &cappedBuffer{limit: limit}
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	text := out.buf.String()
	if out.truncated {
		text += fmt.Sprintf("\n[output capped at %d bytes]", limit)
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return "", 0, errors.NewTimeoutError(name, timeout).WithCause(runCtx.Err())
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return text, exitErr.ExitCode(), nil
		}
		return "", 0, errors.NewToolExecutionError(name, "failed to start command", err)
	}
	return text, 0, nil
}

func scrubEnv(env []string) []string {
	kept := make([]string, 0, len(env))
	for _, kv := range env {
		key, _, _ := strings.Cut(kv, "=")
		upper := strings.ToUpper(key)
		sensitive := false
		for _, marker := range sensitiveEnvMarkers {
			if strings.Contains(upper, marker) {
				sensitive = true
				break
			}
		}
		if !sensitive {
			kept = append(kept, kv)
		}
	}
	return kept
}
