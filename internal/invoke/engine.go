// Package invoke executes bound commands as subprocesses and classifies the
// outcome. A non-zero exit is not an error here; only conditions the engine
// cannot recover from surface as one.
package invoke

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/wrapbench/wrapbench/internal/bind"
)

// Class is the terminal state of one invocation.
type Class string

const (
	Succeeded         Class = "succeeded"
	ToolFailed        Class = "tool-failed"
	TimedOut          Class = "timed-out"
	EnvironmentFailed Class = "environment-failed"
	IncompleteOutput  Class = "incomplete-output"
)

// CaptureLimit bounds in-memory stdout/stderr capture per stream.
const CaptureLimit = 64 * 1024

// DefaultGrace is how long a timed-out subprocess gets between SIGTERM and
// SIGKILL.
const DefaultGrace = 2 * time.Second

// Result is the immutable outcome of one invocation.
type Result struct {
	ID       string
	Class    Class
	ExitCode int
	Stdout   string
	Stderr   string
	LogPath  string
	Duration time.Duration
	Err      error
}

func (r Result) Succeeded() bool {
	return r.Class == Succeeded
}

// Engine runs bound commands. Timeout bounds the subprocess step when the
// caller's context carries no earlier deadline; zero means unbounded.
type Engine struct {
	Timeout time.Duration
	Grace   time.Duration
	Audit   *Audit
}

// Invoke executes the command and reports one deterministic terminal state.
// The returned error is non-nil only for conditions the engine itself cannot
// recover from: inability to open the log target, to spawn the process, or
// to stat a declared output.
func (e *Engine) Invoke(ctx context.Context, cmd bind.Command) (Result, error) {
	result := Result{ID: uuid.NewString(), LogPath: cmd.LogPath}
	logger := log.FromContext(ctx)

	if len(cmd.Argv) == 0 {
		return result, errors.New("empty command")
	}

	if e.Timeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, e.Timeout)
			defer cancel()
		}
	}

	proc := exec.CommandContext(ctx, cmd.Argv[0], cmd.Argv[1:]...)
	proc.Dir = cmd.Dir
	proc.Env = cmd.Env.Environ()
	proc.Cancel = func() error {
		return proc.Process.Signal(syscall.SIGTERM)
	}
	proc.WaitDelay = e.grace()

	stdout := &capBuffer{limit: CaptureLimit}
	stderr := &capBuffer{limit: CaptureLimit}
	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()

	var logFile *os.File
	if cmd.LogPath != "" {
		file, err := openLog(cmd.Dir, cmd.LogPath)
		if err != nil {
			return result, fmt.Errorf("open log target: %w", err)
		}
		closers = append(closers, file)
		logFile = file
	}

	switch {
	case cmd.StdoutPath != "" && logFile != nil:
		out, err := createOutput(cmd.Dir, cmd.StdoutPath)
		if err != nil {
			return result, err
		}
		closers = append(closers, out)
		proc.Stdout = out
		proc.Stderr = logFile
	case cmd.StdoutPath != "":
		out, err := createOutput(cmd.Dir, cmd.StdoutPath)
		if err != nil {
			return result, err
		}
		closers = append(closers, out)
		proc.Stdout = out
		proc.Stderr = stderr
	case logFile != nil:
		proc.Stdout = logFile
		proc.Stderr = logFile
	default:
		proc.Stdout = stdout
		proc.Stderr = stderr
	}

	logger.Debug("invoking", "wrapper", cmd.Wrapper, "argv", strings.Join(cmd.Argv, " "))
	start := time.Now()
	err := proc.Run()
	result.Duration = time.Since(start)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	switch {
	case err == nil:
		result.Class = Succeeded
		result.ExitCode = 0
		if missing, statErr := missingOutputs(cmd); statErr != nil {
			return result, statErr
		} else if len(missing) > 0 {
			result.Class = IncompleteOutput
			result.Err = fmt.Errorf("declared outputs missing after success: %s", strings.Join(missing, ", "))
		}
	case ctx.Err() == context.DeadlineExceeded:
		result.Class = TimedOut
		result.ExitCode = -1
		result.Err = fmt.Errorf("timed out after %s", result.Duration.Round(time.Millisecond))
	default:
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			result.Class = ToolFailed
			result.ExitCode = exitErr.ExitCode()
			result.Err = err
		case errors.Is(err, exec.ErrNotFound):
			// A missing tool binary is an environment problem, not an
			// engine one.
			result.Class = EnvironmentFailed
			result.ExitCode = -1
			result.Err = err
		default:
			return result, fmt.Errorf("spawn %s: %w", cmd.Argv[0], err)
		}
	}

	logger.Debug("invocation finished",
		"wrapper", cmd.Wrapper, "class", string(result.Class),
		"exit", result.ExitCode, "duration", result.Duration.Round(time.Millisecond))
	e.Audit.Record(cmd, result)
	return result, nil
}

func (e *Engine) grace() time.Duration {
	if e.Grace > 0 {
		return e.Grace
	}
	return DefaultGrace
}

func missingOutputs(cmd bind.Command) ([]string, error) {
	var missing []string
	for _, path := range cmd.RequiredOutputs {
		resolved := path
		if !filepath.IsAbs(resolved) && cmd.Dir != "" {
			resolved = filepath.Join(cmd.Dir, resolved)
		}
		if _, err := os.Stat(resolved); err != nil {
			if os.IsNotExist(err) {
				missing = append(missing, path)
				continue
			}
			return nil, fmt.Errorf("stat declared output %s: %w", path, err)
		}
	}
	return missing, nil
}

func openLog(dir, path string) (*os.File, error) {
	resolved := path
	if !filepath.IsAbs(resolved) && dir != "" {
		resolved = filepath.Join(dir, resolved)
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(resolved, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

func createOutput(dir, path string) (*os.File, error) {
	resolved := path
	if !filepath.IsAbs(resolved) && dir != "" {
		resolved = filepath.Join(dir, resolved)
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return nil, err
	}
	return os.Create(resolved)
}

// capBuffer keeps at most limit bytes and marks truncation instead of
// failing the write.
type capBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *capBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
			b.truncated = true
		} else {
			b.buf.Write(p)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *capBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[truncated]"
	}
	return b.buf.String()
}
