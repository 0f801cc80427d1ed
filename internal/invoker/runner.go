package invoker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"task-controller/internal/progress"
	"task-controller/pkg/models"
)

type Command struct {
	Name string
	Args []string
	Dir  string
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

type Runner interface {
	// Run blocks until the command exits. A non-zero exit is returned as a
	// *TaskError with CodeWorkerFailed.
	Run(ctx context.Context, cmd Command) error
}

// ExecRunner runs commands on the local host, appending their output to
// worker.log in the command's directory.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, c Command) error {
	if err := os.MkdirAll(c.Dir, os.ModePerm); err != nil {
		return WrapError(models.CodeInternal, err, "failed to create work dir %s", c.Dir)
	}

	logFile, err := os.OpenFile(filepath.Join(c.Dir, "worker.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return WrapError(models.CodeInternal, err, "failed to open worker log in %s", c.Dir)
	}
	defer logFile.Close()

	tail := newTailBuffer(progress.MaxTraceLines)

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdout = logFile
	cmd.Stderr = io.MultiWriter(logFile, tail)

	start := time.Now()
	slog.Info("running worker command", "cmd", c.String(), "dir", c.Dir)

	err = cmd.Run()
	if err == nil {
		slog.Info("worker command finished", "cmd", c.Name, "duration", time.Since(start))
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		slog.Error("worker command failed", "cmd", c.Name, "exit_code", exitErr.ExitCode(), "duration", time.Since(start))
		return &TaskError{
			Code:    models.CodeWorkerFailed,
			Message: fmt.Sprintf("%s exited with status %d", c.Name, exitErr.ExitCode()),
			Trace:   tail.Lines(),
			Err:     err,
		}
	}
	return WrapError(models.CodeWorkerFailed, err, "failed to run %s", c.Name)
}

// tailBuffer keeps the last max lines written to it.
type tailBuffer struct {
	mu      sync.Mutex
	max     int
	lines   []string
	partial bytes.Buffer
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.partial.Write(p)
	for {
		line, err := t.partial.ReadString('\n')
		if err != nil {
			// incomplete line, keep it for the next write
			t.partial.Reset()
			t.partial.WriteString(line)
			break
		}
		t.push(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

func (t *tailBuffer) push(line string) {
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *tailBuffer) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := append([]string(nil), t.lines...)
	if t.partial.Len() > 0 {
		out = append(out, t.partial.String())
		if len(out) > t.max {
			out = out[len(out)-t.max:]
		}
	}
	return out
}
