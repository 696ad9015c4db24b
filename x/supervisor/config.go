package supervisor

import (
	"time"

	"github.com/rs/zerolog"
)

// Config contains all dependencies for the process supervisor.
type Config struct {
	Logger zerolog.Logger

	// Timeout is the inactivity budget before a milestone is observed.
	Timeout time.Duration
	// MilestoneTimeout replaces Timeout once a milestone line is observed.
	MilestoneTimeout time.Duration

	// OnProgress mirrors task descriptions upward; optional.
	OnProgress ProgressHook
	// OnTerminate observes kill signals sent to the child; optional.
	OnTerminate TerminateHook

	Metrics *Metrics
}

// DefaultConfig returns a config with the production timeouts.
func DefaultConfig(logger zerolog.Logger) Config {
	return Config{
		Logger:           logger.With().Str("component", "process-supervisor").Logger(),
		Timeout:          DefaultTimeout,
		MilestoneTimeout: DefaultMilestoneTimeout,
	}
}
