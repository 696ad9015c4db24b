package barrier

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/sfkit/orchestrator/metrics"
	"github.com/sfkit/orchestrator/x/clock"
	"github.com/sfkit/orchestrator/x/coordination"
)

// DefaultPollInterval is the delay between record fetches while waiting.
const DefaultPollInterval = 5 * time.Second

// Config configures a Synchronizer.
type Config struct {
	Logger       zerolog.Logger
	PollInterval time.Duration
	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep   clock.SleepFunc
	Metrics *Metrics
}

// DefaultConfig returns a config with the default poll interval.
func DefaultConfig(logger zerolog.Logger) Config {
	return Config{
		Logger:       logger.With().Str("component", "barrier").Logger(),
		PollInterval: DefaultPollInterval,
	}
}

// Synchronizer blocks a party until every participant reports the same status.
// There is no upper bound on the wait: parties are brought up by people, and
// a stuck barrier is resolved by them, not by a timeout.
type Synchronizer struct {
	client   coordination.Client
	log      zerolog.Logger
	interval time.Duration
	sleep    clock.SleepFunc
	metrics  *Metrics
}

// New creates a Synchronizer over client.
func New(cfg Config, client coordination.Client) *Synchronizer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Sleep == nil {
		cfg.Sleep = clock.Sleep
	}
	return &Synchronizer{
		client:   client,
		log:      cfg.Logger,
		interval: cfg.PollInterval,
		sleep:    cfg.Sleep,
		metrics:  cfg.Metrics,
	}
}

// AwaitStatus writes expected as this party's status, then polls until every
// participant status in a fresh snapshot equals expected.
func (s *Synchronizer) AwaitStatus(ctx context.Context, expected string) error {
	if err := s.client.Update(ctx, coordination.FieldStatus, expected); err != nil {
		return fmt.Errorf("announce status %q: %w", expected, err)
	}

	s.log.Info().Str("status", expected).Msg("waiting for all participants")
	start := time.Now()
	if s.metrics != nil {
		s.metrics.Waiting.Inc()
		defer s.metrics.Waiting.Dec()
	}

	for polls := 1; ; polls++ {
		rec, err := s.client.Fetch(ctx)
		if err != nil {
			return fmt.Errorf("poll barrier %q: %w", expected, err)
		}
		if s.metrics != nil {
			s.metrics.PollsTotal.Inc()
		}

		if rec.AllStatusesEqual(expected) {
			s.log.Info().Str("status", expected).Int("polls", polls).Dur("waited", time.Since(start)).Msg("all participants reached barrier")
			if s.metrics != nil {
				s.metrics.WaitDuration.Observe(time.Since(start).Seconds())
				s.metrics.PollsPerWait.Observe(float64(polls))
			}
			return nil
		}

		s.log.Debug().Interface("statuses", rec.Status).Int("polls", polls).Msg("waiting for all participants to sync up")
		if err := s.sleep(ctx, s.interval); err != nil {
			return err
		}
	}
}

// Metrics holds barrier metrics.
type Metrics struct {
	PollsTotal   prometheus.Counter
	Waiting      prometheus.Gauge
	WaitDuration prometheus.Histogram
	PollsPerWait prometheus.Histogram
}

// NewMetrics creates barrier metrics on the shared registry.
func NewMetrics() *Metrics {
	return newMetrics(metrics.NewComponentRegistry("sfkit", "barrier"))
}

// NewMetricsWith creates barrier metrics on r.
func NewMetricsWith(r prometheus.Registerer) *Metrics {
	return newMetrics(metrics.NewComponentRegistryWith(r, "sfkit", "barrier"))
}

func newMetrics(reg *metrics.ComponentRegistry) *Metrics {
	return &Metrics{
		PollsTotal: reg.NewCounter(prometheus.CounterOpts{
			Name: "polls_total",
			Help: "Coordination record fetches made while waiting at a barrier",
		}),
		Waiting: reg.NewGauge(prometheus.GaugeOpts{
			Name: "waiting",
			Help: "1 while this party is blocked at a barrier",
		}),
		WaitDuration: reg.NewHistogram(prometheus.HistogramOpts{
			Name:    "wait_duration_seconds",
			Help:    "Time spent waiting at barriers",
			Buckets: metrics.DurationBuckets,
		}),
		PollsPerWait: reg.NewHistogram(prometheus.HistogramOpts{
			Name:    "polls_per_wait",
			Help:    "Record fetches needed before all participants matched",
			Buckets: metrics.CountBuckets,
		}),
	}
}
