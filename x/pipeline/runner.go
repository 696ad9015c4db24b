package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sfkit/orchestrator/x/supervisor"
)

const (
	// RunnerWaitDelay bounds how long Run waits for output after the command
	// exits or is cancelled.
	RunnerWaitDelay = 5 * time.Second
	// maxLogLine splits longer output lines into several log entries.
	maxLogLine = 64 * 1024
)

// ExecRunner runs auxiliary commands, logging their output line by line. It
// applies no output classification or inactivity timeout.
type ExecRunner struct {
	log       zerolog.Logger
	waitDelay time.Duration
}

func NewExecRunner(logger zerolog.Logger) *ExecRunner {
	return &ExecRunner{
		log:       logger.With().Str("component", "runner").Logger(),
		waitDelay: RunnerWaitDelay,
	}
}

// Run blocks until cmd exits. Cancelling ctx kills the command's whole process
// group.
func (r *ExecRunner) Run(ctx context.Context, cmd supervisor.Command) error {
	if len(cmd.Argv) == 0 {
		return errors.New("runner: empty command")
	}
	proc := exec.CommandContext(ctx, cmd.Argv[0], cmd.Argv[1:]...) //nolint:gosec // argv comes from protocol descriptors
	proc.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		proc.Env = supervisor.BuildEnv(proc.Environ(), cmd.Env)
	}
	supervisor.SetProcessGroup(proc)
	proc.Cancel = func() error { return supervisor.KillProcessGroup(proc.Process) }
	proc.WaitDelay = r.waitDelay

	log := r.log.With().Strs("argv", cmd.Argv).Logger()
	stdout := &lineWriter{log: log, stream: "stdout"}
	stderr := &lineWriter{log: log, stream: "stderr"}
	proc.Stdout = stdout
	proc.Stderr = stderr

	err := proc.Run()
	stdout.flush()
	stderr.flush()
	if err != nil {
		return fmt.Errorf("%s: %w", strings.Join(cmd.Argv, " "), err)
	}
	return nil
}

// lineWriter logs each complete line written to it. It is fed by a single
// copying goroutine, so it needs no locking.
type lineWriter struct {
	log    zerolog.Logger
	stream string
	buf    []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	for len(w.buf) >= maxLogLine {
		w.emit(w.buf[:maxLogLine])
		w.buf = w.buf[maxLogLine:]
	}
	if len(w.buf) == 0 {
		w.buf = nil
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) emit(line []byte) {
	w.log.Info().Str("stream", w.stream).Msg(string(bytes.TrimRight(line, "\r")))
}
