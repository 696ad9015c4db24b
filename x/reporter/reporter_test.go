package reporter

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestPeriodicTicksInOrder(t *testing.T) {
	t.Parallel()

	ticks := make(chan Tick, 10)
	cfg := DefaultConfig(zerolog.Nop())
	cfg.Interval = 20 * time.Millisecond
	cfg.Handler = func(_ context.Context, tick Tick) error {
		ticks <- tick
		return nil
	}
	r, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))

	var last Tick
	for i := 0; i < 3; i++ {
		select {
		case tick := <-ticks:
			require.Greater(t, tick.Seq, last.Seq)
			require.GreaterOrEqual(t, tick.Elapsed, time.Duration(tick.Seq)*cfg.Interval-time.Millisecond)
			last = tick
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for tick %d", i+1)
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	require.NoError(t, r.Stop(stopCtx))
	require.NoError(t, r.Stop(stopCtx))
}

func TestPeriodicStopsOnHandlerError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	cfg := DefaultConfig(zerolog.Nop())
	cfg.Interval = 10 * time.Millisecond
	cfg.Handler = func(context.Context, Tick) error {
		calls.Add(1)
		return errors.New("boom")
	}
	r, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), calls.Load())
}

func TestPeriodicStopsWithContext(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig(zerolog.Nop())
	cfg.Interval = time.Hour
	cfg.Handler = func(context.Context, Tick) error { return nil }
	r, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	cancel()

	select {
	case <-r.done:
	case <-time.After(time.Second):
		t.Fatal("reporter did not stop after cancel")
	}
}

func TestNewRequiresHandler(t *testing.T) {
	t.Parallel()

	_, err := New(DefaultConfig(zerolog.Nop()))
	require.Error(t, err)
}
