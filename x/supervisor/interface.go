package supervisor

import (
	"context"

	"github.com/sfkit/orchestrator/x/party"
)

// Command describes one executable invocation. Dir is applied to the child
// only; the orchestrator's own working directory is never changed.
type Command struct {
	Argv []string
	Dir  string
	Env  map[string]string
	// Milestones are output substrings that switch the inactivity budget to
	// the milestone timeout.
	Milestones []string
}

// Supervisor runs an external executable to completion while watching its output.
type Supervisor interface {
	// Supervise blocks until the process exits, stalls, or emits fatal output.
	Supervise(ctx context.Context, cmd Command, protocol string, p party.Party) error
}

// ProgressHook receives task descriptions parsed from progress lines.
type ProgressHook func(ctx context.Context, task string)

// TerminateHook is called when the supervisor signals a process to stop.
type TerminateHook func(cmd Command, pid int)
