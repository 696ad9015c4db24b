package reporter

import (
	"time"

	"github.com/rs/zerolog"
)

// Config configures a Reporter.
type Config struct {
	Handler  Callback
	Interval time.Duration
	// Now returns the current time. Defaults to time.Now if nil.
	Now    func() time.Time
	Logger zerolog.Logger
}

// DefaultConfig returns a config with the default interval.
func DefaultConfig(logger zerolog.Logger) Config {
	return Config{
		Interval: DefaultInterval,
		Now:      time.Now,
		Logger:   logger.With().Str("component", "reporter").Logger(),
	}
}
