package reporter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Periodic fires at start + K*Interval for K = 1, 2, ... Ticks missed while
// the handler was slow are collapsed into the latest one.
type Periodic struct {
	log      zerolog.Logger
	handler  Callback
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func New(cfg Config) (*Periodic, error) {
	if cfg.Handler == nil {
		return nil, errors.New("reporter: handler is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Periodic{
		log:      cfg.Logger,
		handler:  cfg.Handler,
		interval: cfg.Interval,
		now:      cfg.Now,
	}, nil
}

// Start begins ticking in the background until ctx is done or Stop is called.
func (r *Periodic) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.started = true

	go r.run(runCtx, r.now(), r.done)
	return nil
}

// Stop halts the reporter and waits for an in-flight handler to return.
func (r *Periodic) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	r.cancel()
	done := r.done
	r.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Periodic) run(ctx context.Context, start time.Time, done chan struct{}) {
	defer close(done)

	var seq uint64
	timer := time.NewTimer(r.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			now := r.now()
			elapsed := now.Sub(start)
			seq = uint64(elapsed / r.interval)
			if seq == 0 {
				seq = 1
			}
			at := start.Add(time.Duration(seq) * r.interval)

			if err := r.handler(ctx, Tick{Seq: seq, At: at, Elapsed: elapsed}); err != nil {
				r.log.Error().Err(err).Uint64("seq", seq).Msg("report handler returned error")
				return
			}

			delay := start.Add(time.Duration(seq+1) * r.interval).Sub(r.now())
			if delay < 0 {
				delay = 0
			}
			timer.Reset(delay)
		}
	}
}

var _ Reporter = (*Periodic)(nil)
