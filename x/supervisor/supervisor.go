package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sfkit/orchestrator/x/party"
)

// supervisor implements Supervisor. Each call owns exactly one child process;
// output from both streams is funneled into a single select loop that also
// owns the inactivity timer.
type supervisor struct {
	log zerolog.Logger

	timeout          time.Duration
	milestoneTimeout time.Duration

	onProgress  ProgressHook
	onTerminate TerminateHook
	metrics     *Metrics
}

// New creates a Supervisor using the provided config.
func New(cfg Config) Supervisor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MilestoneTimeout <= 0 {
		cfg.MilestoneTimeout = DefaultMilestoneTimeout
	}
	return &supervisor{
		log:              cfg.Logger,
		timeout:          cfg.Timeout,
		milestoneTimeout: cfg.MilestoneTimeout,
		onProgress:       cfg.OnProgress,
		onTerminate:      cfg.OnTerminate,
		metrics:          cfg.Metrics,
	}
}

// processHandle is the state of one running child.
type processHandle struct {
	cmd     Command
	proc    *exec.Cmd
	timeout time.Duration

	killOnce sync.Once
	reapOnce sync.Once
	waitErr  error
}

type rawLine struct {
	stream Stream
	text   string
}

// Supervise starts cmd and blocks until it finishes or is aborted.
func (s *supervisor) Supervise(ctx context.Context, cmd Command, protocol string, p party.Party) error {
	if len(cmd.Argv) == 0 {
		return errors.New("supervisor: empty command")
	}

	proc := exec.Command(cmd.Argv[0], cmd.Argv[1:]...) //nolint:gosec // argv comes from protocol descriptors
	proc.Dir = cmd.Dir
	proc.Env = BuildEnv(os.Environ(), cmd.Env)
	SetProcessGroup(proc)

	stdout, err := proc.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := proc.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	log := s.log.With().
		Str("protocol", protocol).
		Int("role", p.Role).
		Strs("argv", cmd.Argv).
		Str("dir", cmd.Dir).
		Logger()

	if err := proc.Start(); err != nil {
		return fmt.Errorf("start %s: %w", cmd.Argv[0], err)
	}

	h := &processHandle{cmd: cmd, proc: proc, timeout: s.timeout}
	log.Info().Int("pid", proc.Process.Pid).Dur("timeout", h.timeout).Msg("process started")

	started := time.Now()
	s.metrics.recordStart()

	err = s.watch(ctx, log, h, NewClassifier(cmd.Milestones...), protocol, stdout, stderr)

	outcome := "success"
	if pf, ok := AsFailure(err); ok {
		outcome = pf.Kind.String()
	} else if err != nil {
		outcome = "error"
	}
	s.metrics.recordEnd(protocol, outcome, time.Since(started))

	if err != nil {
		log.Error().Err(err).Str("outcome", outcome).Dur("elapsed", time.Since(started)).Msg("process failed")
		return err
	}
	log.Info().Dur("elapsed", time.Since(started)).Msg("process finished")
	return nil
}

func (s *supervisor) watch(
	ctx context.Context,
	log zerolog.Logger,
	h *processHandle,
	classifier Classifier,
	protocol string,
	stdout, stderr io.Reader,
) error {
	done := make(chan struct{})
	defer close(done)

	lines := make(chan rawLine)
	var wg sync.WaitGroup
	wg.Add(2)
	go readLines(stdout, Stdout, lines, done, &wg)
	go readLines(stderr, Stderr, lines, done, &wg)
	go func() {
		wg.Wait()
		close(lines)
	}()

	timer := time.NewTimer(h.timeout)
	defer timer.Stop()

	for {
		select {
		case raw, ok := <-lines:
			if !ok {
				return h.exitStatus(protocol)
			}

			ev := classifier.Classify(raw.stream, raw.text)
			s.metrics.recordLine(ev)

			switch ev.Kind {
			case EventProgress:
				log.Info().Str("task", ev.Task).Msg("progress")
				if s.onProgress != nil {
					s.onProgress(ctx, ev.Task)
				}
			case EventMilestone:
				if h.timeout > s.milestoneTimeout {
					h.timeout = s.milestoneTimeout
					log.Info().Str("line", ev.Line).Dur("timeout", h.timeout).Msg("milestone reached, shortening inactivity timeout")
				}
			case EventFatal:
				log.Error().Str("command", strings.Join(h.cmd.Argv, " ")).Str("line", ev.Line).Msg("unexpected stderr output")
				s.terminate(log, h)
				h.reap()
				return &ProtocolFailure{
					Kind:     FailureFatalOutput,
					Protocol: protocol,
					Command:  h.cmd.Argv,
					Line:     ev.Line,
				}
			default:
				log.Debug().Str("stream", raw.stream.String()).Msg(ev.Line)
			}

			timer.Reset(h.timeout)

		case <-timer.C:
			log.Warn().Dur("timeout", h.timeout).Msg("no output within timeout, killing process")
			s.terminate(log, h)
			h.reap()
			return &ProtocolFailure{
				Kind:     FailureStalled,
				Protocol: protocol,
				Command:  h.cmd.Argv,
				Timeout:  h.timeout,
			}

		case <-ctx.Done():
			s.terminate(log, h)
			h.reap()
			return ctx.Err()
		}
	}
}

// terminate kills the child's process group at most once, so helpers the
// executable forked cannot keep its output pipes open.
func (s *supervisor) terminate(log zerolog.Logger, h *processHandle) {
	h.killOnce.Do(func() {
		pid := h.proc.Process.Pid
		if s.onTerminate != nil {
			s.onTerminate(h.cmd, pid)
		}
		if err := KillProcessGroup(h.proc.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
			log.Warn().Err(err).Int("pid", pid).Msg("failed to kill process")
		}
	})
}

func (h *processHandle) reap() error {
	h.reapOnce.Do(func() {
		h.waitErr = h.proc.Wait()
	})
	return h.waitErr
}

func (h *processHandle) exitStatus(protocol string) error {
	err := h.reap()
	if err == nil {
		return nil
	}
	pf := &ProtocolFailure{
		Kind:     FailureExitNonZero,
		Protocol: protocol,
		Command:  h.cmd.Argv,
		ExitCode: -1,
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		pf.ExitCode = exitErr.ExitCode()
	} else {
		pf.Cause = err
	}
	return pf
}

func readLines(r io.Reader, stream Stream, out chan<- rawLine, done <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			select {
			case out <- rawLine{stream: stream, text: strings.TrimSpace(line)}:
			case <-done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// BuildEnv copies base and applies overrides, which replace any inherited
// value of the same key.
func BuildEnv(base []string, overrides map[string]string) []string {
	set := make(map[string]string, len(overrides))
	for k, v := range overrides {
		set[k] = v
	}

	env := make([]string, 0, len(base)+len(set))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, replaced := set[key]; replaced {
			continue
		}
		env = append(env, kv)
	}

	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+set[k])
	}
	return env
}
