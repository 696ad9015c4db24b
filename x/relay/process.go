package relay

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// Process is a running relay.
type Process interface {
	Pid() int
	// Terminate asks the relay to exit. It must not fail if the relay has
	// already exited.
	Terminate() error
}

// Starter launches a detached relay process without waiting for it.
type Starter interface {
	Start(argv []string) (Process, error)
}

// ExecStarter starts relays with os/exec, inheriting stdout and stderr.
type ExecStarter struct{}

func (ExecStarter) Start(argv []string) (Process, error) {
	if len(argv) == 0 {
		return nil, errors.New("relay: empty command")
	}
	cmd := exec.Command(argv[0], argv[1:]...) //nolint:gosec // argv is built from config
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start relay: %w", err)
	}

	p := &execProcess{cmd: cmd, exited: make(chan struct{})}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	exited  chan struct{}
	waitErr error
	mu      sync.Mutex
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.exited:
		return nil
	default:
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
