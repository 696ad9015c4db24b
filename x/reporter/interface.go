package reporter

import (
	"context"
	"time"
)

// Reporter invokes its handler on a fixed cadence until stopped.
type Reporter interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Callback is invoked once per tick. Returning an error stops the reporter.
type Callback func(context.Context, Tick) error

// Tick describes one report.
type Tick struct {
	// Seq counts ticks since the reporter started, from 1.
	Seq uint64
	// At is the scheduled time of the tick.
	At time.Time
	// Elapsed is the time since the reporter started.
	Elapsed time.Duration
}
