package pipeline

import (
	"context"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/sfkit/orchestrator/x/clock"
	"github.com/sfkit/orchestrator/x/coordination"
	"github.com/sfkit/orchestrator/x/party"
	"github.com/sfkit/orchestrator/x/relay"
	"github.com/sfkit/orchestrator/x/supervisor"
)

const (
	DefaultSettleDelay    = 100 * time.Second
	DefaultIPPollInterval = 5 * time.Second
	DataPathFile          = "data_path.txt"
	SyncTask              = "Syncing up machines"
)

// Barrier blocks until every party published the same status.
type Barrier interface {
	AwaitStatus(ctx context.Context, expected string) error
}

// Relay runs a body with the network relay up for its whole duration.
type Relay interface {
	With(ctx context.Context, p party.Party, protocol string, body relay.Body) error
}

// Runner executes a short auxiliary command to completion.
type Runner interface {
	Run(ctx context.Context, cmd supervisor.Command) error
}

// Config wires one pipeline run.
type Config struct {
	Logger   zerolog.Logger
	Party    party.Party
	Protocol Protocol

	// ExecutablesPrefix is prepended to every protocol-relative path.
	ExecutablesPrefix string
	// SfkitDir holds data_path.txt.
	SfkitDir string

	SettleDelay    time.Duration
	IPPollInterval time.Duration

	Client     coordination.Client
	Uploader   coordination.Uploader
	Barrier    Barrier
	Relay      Relay
	Supervisor supervisor.Supervisor
	Runner     Runner

	NumCPU  func() int
	Sleep   clock.SleepFunc
	Now     func() time.Time
	Metrics *Metrics
}

// DefaultConfig returns a config with production timings. Collaborators are
// left for the caller to set.
func DefaultConfig(logger zerolog.Logger) Config {
	return Config{
		Logger:         logger.With().Str("component", "pipeline").Logger(),
		Protocol:       DTI,
		SettleDelay:    DefaultSettleDelay,
		IPPollInterval: DefaultIPPollInterval,
		NumCPU:         runtime.NumCPU,
		Sleep:          clock.Sleep,
		Now:            time.Now,
	}
}
