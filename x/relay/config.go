package relay

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/sfkit/orchestrator/x/clock"
)

const (
	DefaultBinary              = "sfkit-proxy"
	DefaultProxychainsBinary   = "proxychains"
	DefaultProxychainsTemplate = "/etc/proxychains.conf"
	DefaultProxyPort           = 8000
	DefaultStartupGrace        = time.Second
	// StudyIDKeyPrefix marks auth keys that must not be passed to the relay.
	StudyIDKeyPrefix = "study_id:"
)

// Config contains all dependencies for the relay Manager.
type Config struct {
	Logger zerolog.Logger

	// Enabled turns relay mode on; when false bodies run without proxying.
	Enabled bool

	Binary string
	// APIURL is the https base of the coordination API; the signaling
	// endpoint is derived from it.
	APIURL string
	// AuthKeyFile holds the relay credential on its first line.
	AuthKeyFile string
	// MPCConfigPattern is the protocol network config passed with -mpc. A %s
	// verb, if present, is replaced by the protocol name.
	MPCConfigPattern string

	ProxyPort           int
	ProxychainsBinary   string
	ProxychainsTemplate string
	// WorkDir receives the generated proxychains.conf.
	WorkDir string

	// StartupGrace is how long to wait for the relay's local listener.
	StartupGrace time.Duration

	// Starter launches the relay; defaults to an os/exec implementation.
	Starter Starter
	// Sleep waits for d or until ctx is done; defaults to a timer.
	Sleep clock.SleepFunc

	Metrics *Metrics
}

// DefaultConfig returns a disabled relay config with default paths.
func DefaultConfig(logger zerolog.Logger) Config {
	return Config{
		Logger:              logger.With().Str("component", "relay").Logger(),
		Binary:              DefaultBinary,
		ProxyPort:           DefaultProxyPort,
		ProxychainsBinary:   DefaultProxychainsBinary,
		ProxychainsTemplate: DefaultProxychainsTemplate,
		StartupGrace:        DefaultStartupGrace,
	}
}
