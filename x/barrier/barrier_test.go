package barrier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sfkit/orchestrator/x/coordination"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) Fetch(ctx context.Context) (*coordination.Record, error) {
	args := m.Called(ctx)
	rec, _ := args.Get(0).(*coordination.Record)
	return rec, args.Error(1)
}

func (m *mockClient) Update(ctx context.Context, field, value string) error {
	args := m.Called(ctx, field, value)
	return args.Error(0)
}

func statuses(kv ...string) *coordination.Record {
	rec := &coordination.Record{Status: map[string]string{}}
	for i := 0; i+1 < len(kv); i += 2 {
		rec.Participants = append(rec.Participants, kv[i])
		rec.Status[kv[i]] = kv[i+1]
	}
	return rec
}

func newTestSynchronizer(client coordination.Client, sleeps *int) *Synchronizer {
	cfg := DefaultConfig(zerolog.Nop())
	cfg.Sleep = func(context.Context, time.Duration) error {
		*sleeps++
		return nil
	}
	return New(cfg, client)
}

func TestAwaitStatusAnnouncesThenPollsUntilAllEqual(t *testing.T) {
	t.Parallel()

	client := &mockClient{}
	client.On("Update", mock.Anything, coordination.FieldStatus, coordination.StatusSyncingUp).Return(nil).Once()
	client.On("Fetch", mock.Anything).Return(statuses("a", "syncing up", "b", "", "c", "syncing up"), nil).Once()
	client.On("Fetch", mock.Anything).Return(statuses("a", "syncing up", "b", "Finished protocol!", "c", "syncing up"), nil).Once()
	client.On("Fetch", mock.Anything).Return(statuses("a", "syncing up", "b", "syncing up", "c", "syncing up"), nil).Once()

	sleeps := 0
	syncer := newTestSynchronizer(client, &sleeps)

	require.NoError(t, syncer.AwaitStatus(context.Background(), coordination.StatusSyncingUp))
	require.Equal(t, 2, sleeps)
	client.AssertExpectations(t)
	client.AssertNumberOfCalls(t, "Fetch", 3)
}

func TestAwaitStatusRepollsOnEmptySnapshot(t *testing.T) {
	t.Parallel()

	client := &mockClient{}
	client.On("Update", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	client.On("Fetch", mock.Anything).Return(statuses(), nil).Once()
	client.On("Fetch", mock.Anything).Return(statuses("a", "go"), nil).Once()

	sleeps := 0
	require.NoError(t, newTestSynchronizer(client, &sleeps).AwaitStatus(context.Background(), "go"))
	require.Equal(t, 1, sleeps)
}

func TestAwaitStatusWaitsForParticipantWithoutStatus(t *testing.T) {
	t.Parallel()

	partial := statuses("a", "syncing up", "b", "syncing up")
	partial.Participants = append(partial.Participants, "c")

	client := &mockClient{}
	client.On("Update", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	client.On("Fetch", mock.Anything).Return(partial, nil).Once()
	client.On("Fetch", mock.Anything).Return(statuses("a", "syncing up", "b", "syncing up", "c", "syncing up"), nil).Once()

	sleeps := 0
	require.NoError(t, newTestSynchronizer(client, &sleeps).AwaitStatus(context.Background(), coordination.StatusSyncingUp))
	require.Equal(t, 1, sleeps)
	client.AssertNumberOfCalls(t, "Fetch", 2)
}

func sample(t *testing.T, m prometheus.Metric) *dto.Metric {
	t.Helper()
	out := &dto.Metric{}
	require.NoError(t, m.Write(out))
	return out
}

func TestAwaitStatusRecordsPollMetrics(t *testing.T) {
	t.Parallel()

	client := &mockClient{}
	client.On("Update", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	client.On("Fetch", mock.Anything).Return(statuses("a", "", "b", "go"), nil).Twice()
	client.On("Fetch", mock.Anything).Return(statuses("a", "go", "b", "go"), nil).Once()

	reg := prometheus.NewRegistry()
	cfg := DefaultConfig(zerolog.Nop())
	cfg.Sleep = func(context.Context, time.Duration) error { return nil }
	cfg.Metrics = NewMetricsWith(reg)

	require.NoError(t, New(cfg, client).AwaitStatus(context.Background(), "go"))
	require.Equal(t, 3.0, sample(t, cfg.Metrics.PollsTotal).GetCounter().GetValue())
	require.Zero(t, sample(t, cfg.Metrics.Waiting).GetGauge().GetValue())

	families, err := reg.Gather()
	require.NoError(t, err)
	var perWait *dto.Histogram
	for _, mf := range families {
		if mf.GetName() == "sfkit_barrier_polls_per_wait" {
			perWait = mf.GetMetric()[0].GetHistogram()
		}
	}
	require.NotNil(t, perWait)
	require.Equal(t, uint64(1), perWait.GetSampleCount())
	require.Equal(t, 3.0, perWait.GetSampleSum())
}

func TestAwaitStatusPropagatesFetchError(t *testing.T) {
	t.Parallel()

	client := &mockClient{}
	client.On("Update", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	client.On("Fetch", mock.Anything).Return(nil, coordination.ErrUpstreamUnavailable)

	sleeps := 0
	err := newTestSynchronizer(client, &sleeps).AwaitStatus(context.Background(), "go")
	require.ErrorIs(t, err, coordination.ErrUpstreamUnavailable)
	require.Zero(t, sleeps)
}

func TestAwaitStatusAnnounceFailure(t *testing.T) {
	t.Parallel()

	client := &mockClient{}
	client.On("Update", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("denied"))

	sleeps := 0
	require.Error(t, newTestSynchronizer(client, &sleeps).AwaitStatus(context.Background(), "go"))
	client.AssertNotCalled(t, "Fetch", mock.Anything)
}

func TestAwaitStatusWithMemoryStorePeers(t *testing.T) {
	t.Parallel()

	store := coordination.NewMemory(&coordination.Record{
		Participants: []string{"a", "b"},
		Status:       map[string]string{"a": "", "b": ""},
	})

	cfg := DefaultConfig(zerolog.Nop())
	cfg.PollInterval = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errs := make(chan error, 2)
	for _, id := range []string{"a", "b"} {
		s := New(cfg, store.Party(id))
		go func() { errs <- s.AwaitStatus(ctx, coordination.StatusSyncingUp) }()
	}
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
}

func TestAwaitStatusHonoursContext(t *testing.T) {
	t.Parallel()

	store := coordination.NewMemory(&coordination.Record{
		Participants: []string{"a", "b"},
		Status:       map[string]string{"a": "", "b": ""},
	})
	cfg := DefaultConfig(zerolog.Nop())
	cfg.PollInterval = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := New(cfg, store.Party("a")).AwaitStatus(ctx, coordination.StatusSyncingUp)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
