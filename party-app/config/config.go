package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sfkit/orchestrator/x/pipeline"
)

const (
	BackendHTTP = "http"
	BackendFile = "file"
)

// Config holds the complete application configuration
type Config struct {
	Party        PartyConfig        `mapstructure:"party"        yaml:"party"`
	Coordination CoordinationConfig `mapstructure:"coordination" yaml:"coordination"`
	Supervisor   SupervisorConfig   `mapstructure:"supervisor"   yaml:"supervisor"`
	Relay        RelayConfig        `mapstructure:"relay"        yaml:"relay"`
	Paths        PathsConfig        `mapstructure:"paths"        yaml:"paths"`
	Pipeline     PipelineConfig     `mapstructure:"pipeline"     yaml:"pipeline"`
	API          APIServerConfig    `mapstructure:"api"          yaml:"api"`
	Metrics      MetricsConfig      `mapstructure:"metrics"      yaml:"metrics"`
	Log          LogConfig          `mapstructure:"log"          yaml:"log"`
}

// PartyConfig identifies the local participant
type PartyConfig struct {
	Role     int    `mapstructure:"role"     yaml:"role"     env:"PARTY_ROLE"`
	Demo     bool   `mapstructure:"demo"     yaml:"demo"     env:"PARTY_DEMO"`
	Protocol string `mapstructure:"protocol" yaml:"protocol" env:"PARTY_PROTOCOL"`
}

// CoordinationConfig selects and configures the coordination store
type CoordinationConfig struct {
	// Backend is "http" for the hosted API or "file" for a local YAML record.
	Backend        string        `mapstructure:"backend"         yaml:"backend"         env:"COORDINATION_BACKEND"`
	APIURL         string        `mapstructure:"api_url"         yaml:"api_url"         env:"COORDINATION_API_URL"`
	AuthKeyFile    string        `mapstructure:"auth_key_file"   yaml:"auth_key_file"   env:"COORDINATION_AUTH_KEY_FILE"`
	StudyID        string        `mapstructure:"study_id"        yaml:"study_id"        env:"COORDINATION_STUDY_ID"`
	RecordFile     string        `mapstructure:"record_file"     yaml:"record_file"     env:"COORDINATION_RECORD_FILE"`
	UserID         string        `mapstructure:"user_id"         yaml:"user_id"         env:"COORDINATION_USER_ID"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout" env:"COORDINATION_REQUEST_TIMEOUT"`
	PollInterval   time.Duration `mapstructure:"poll_interval"   yaml:"poll_interval"   env:"COORDINATION_POLL_INTERVAL"`
	IPPollInterval time.Duration `mapstructure:"ip_poll_interval" yaml:"ip_poll_interval" env:"COORDINATION_IP_POLL_INTERVAL"` //nolint: lll // tags
}

// SupervisorConfig holds subprocess inactivity budgets
type SupervisorConfig struct {
	Timeout          time.Duration `mapstructure:"timeout"           yaml:"timeout"           env:"SUPERVISOR_TIMEOUT"`
	MilestoneTimeout time.Duration `mapstructure:"milestone_timeout" yaml:"milestone_timeout" env:"SUPERVISOR_MILESTONE_TIMEOUT"`
}

// RelayConfig holds network relay configuration
type RelayConfig struct {
	Enabled             bool          `mapstructure:"enabled"              yaml:"enabled"              env:"RELAY_ENABLED"`
	Binary              string        `mapstructure:"binary"               yaml:"binary"               env:"RELAY_BINARY"`
	APIURL              string        `mapstructure:"api_url"              yaml:"api_url"              env:"RELAY_API_URL"`
	MPCConfig           string        `mapstructure:"mpc_config"           yaml:"mpc_config"           env:"RELAY_MPC_CONFIG"`
	ProxyPort           int           `mapstructure:"proxy_port"           yaml:"proxy_port"           env:"RELAY_PROXY_PORT"`
	ProxychainsBinary   string        `mapstructure:"proxychains_binary"   yaml:"proxychains_binary"   env:"RELAY_PROXYCHAINS_BINARY"`     //nolint: lll // tags
	ProxychainsTemplate string        `mapstructure:"proxychains_template" yaml:"proxychains_template" env:"RELAY_PROXYCHAINS_TEMPLATE"`   //nolint: lll // tags
	StartupGrace        time.Duration `mapstructure:"startup_grace"        yaml:"startup_grace"        env:"RELAY_STARTUP_GRACE"`
}

// PathsConfig locates executables and local state
type PathsConfig struct {
	ExecutablesPrefix string `mapstructure:"executables_prefix" yaml:"executables_prefix" env:"PATHS_EXECUTABLES_PREFIX"`
	SfkitDir          string `mapstructure:"sfkit_dir"          yaml:"sfkit_dir"          env:"PATHS_SFKIT_DIR"`
}

// PipelineConfig holds pipeline timing
type PipelineConfig struct {
	SettleDelay time.Duration `mapstructure:"settle_delay" yaml:"settle_delay" env:"PIPELINE_SETTLE_DELAY"`
}

// APIServerConfig holds local status API configuration
type APIServerConfig struct {
	Enabled           bool          `mapstructure:"enabled"             yaml:"enabled"`
	ListenAddr        string        `mapstructure:"listen_addr"         yaml:"listen_addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"        yaml:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"       yaml:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"        yaml:"idle_timeout"`
	MaxHeaderBytes    int           `mapstructure:"max_header_bytes"    yaml:"max_header_bytes"`
	CORS              bool          `mapstructure:"cors"                yaml:"cors"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled" env:"METRICS_ENABLED"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"  env:"LOG_LEVEL"`
	Pretty bool   `mapstructure:"pretty" yaml:"pretty" env:"LOG_PRETTY"`
}

// Load reads and validates configuration from configPath, if set, and the
// environment.
func Load(configPath string) (*Config, error) {
	cfg, err := Read(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Read is Load without validation, for callers that apply further overrides.
func Read(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvAliases(&cfg)
	for _, p := range []*string{
		&cfg.Coordination.AuthKeyFile,
		&cfg.Coordination.RecordFile,
		&cfg.Paths.SfkitDir,
		&cfg.Paths.ExecutablesPrefix,
		&cfg.Relay.ProxychainsTemplate,
	} {
		*p = expandHome(*p)
	}

	return &cfg, nil
}

// applyEnvAliases honours the environment names the sfkit CLI uses.
func applyEnvAliases(cfg *Config) {
	if apiURL := strings.TrimSpace(os.Getenv("SFKIT_API_URL")); apiURL != "" {
		if strings.TrimSpace(cfg.Coordination.APIURL) == "" {
			cfg.Coordination.APIURL = apiURL
		}
		if strings.TrimSpace(cfg.Relay.APIURL) == "" {
			cfg.Relay.APIURL = apiURL
		}
	}
	if strings.TrimSpace(cfg.Relay.APIURL) == "" {
		cfg.Relay.APIURL = cfg.Coordination.APIURL
	}
	if on, err := strconv.ParseBool(strings.TrimSpace(os.Getenv("SFKIT_PROXY_ON"))); err == nil && on {
		cfg.Relay.Enabled = true
	}
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("party.role", 0)
	v.SetDefault("party.demo", false)
	v.SetDefault("party.protocol", pipeline.DTI.Name)

	v.SetDefault("coordination.backend", BackendHTTP)
	v.SetDefault("coordination.api_url", "")
	v.SetDefault("coordination.auth_key_file", "")
	v.SetDefault("coordination.study_id", "")
	v.SetDefault("coordination.record_file", "")
	v.SetDefault("coordination.user_id", "")
	v.SetDefault("coordination.request_timeout", "30s")
	v.SetDefault("coordination.poll_interval", "5s")
	v.SetDefault("coordination.ip_poll_interval", "5s")

	v.SetDefault("supervisor.timeout", "24h")
	v.SetDefault("supervisor.milestone_timeout", "30s")

	v.SetDefault("relay.enabled", false)
	v.SetDefault("relay.binary", "sfkit-proxy")
	v.SetDefault("relay.api_url", "")
	v.SetDefault("relay.mpc_config", "configs/%s/configGlobal.toml")
	v.SetDefault("relay.proxy_port", 8000)
	v.SetDefault("relay.proxychains_binary", "proxychains")
	v.SetDefault("relay.proxychains_template", "/etc/proxychains.conf")
	v.SetDefault("relay.startup_grace", "1s")

	v.SetDefault("paths.executables_prefix", "")
	v.SetDefault("paths.sfkit_dir", defaultSfkitDir())

	v.SetDefault("pipeline.settle_delay", "100s")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen_addr", "127.0.0.1:8090")
	v.SetDefault("api.read_header_timeout", "5s")
	v.SetDefault("api.read_timeout", "15s")
	v.SetDefault("api.write_timeout", "30s")
	v.SetDefault("api.idle_timeout", "120s")
	v.SetDefault("api.max_header_bytes", 1048576)
	v.SetDefault("api.cors", false)

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

func defaultSfkitDir() string {
	return expandHome("~/.sfkit")
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.validateParty(); err != nil {
		return err
	}
	if err := c.validateCoordination(); err != nil {
		return err
	}
	if err := c.validateSupervisor(); err != nil {
		return err
	}
	if err := c.validateRelay(); err != nil {
		return err
	}
	if c.Pipeline.SettleDelay < 0 {
		return fmt.Errorf("pipeline.settle_delay must not be negative")
	}
	if c.API.Enabled && strings.TrimSpace(c.API.ListenAddr) == "" {
		return fmt.Errorf("api.listen_addr is required when api.enabled is true")
	}
	return nil
}

func (c *Config) validateParty() error {
	proto, err := pipeline.Lookup(c.Party.Protocol)
	if err != nil {
		return fmt.Errorf("party.protocol: %w", err)
	}
	if c.Party.Role < 0 || c.Party.Role >= proto.Parties {
		return fmt.Errorf("party.role must be between 0 and %d for %s, got %d", proto.Parties-1, proto.Name, c.Party.Role)
	}
	return nil
}

func (c *Config) validateCoordination() error {
	switch c.Coordination.Backend {
	case BackendHTTP:
		if strings.TrimSpace(c.Coordination.APIURL) == "" {
			return fmt.Errorf("coordination.api_url is required for the http backend")
		}
		if strings.TrimSpace(c.Coordination.StudyID) == "" {
			return fmt.Errorf("coordination.study_id is required for the http backend")
		}
	case BackendFile:
		if strings.TrimSpace(c.Coordination.RecordFile) == "" {
			return fmt.Errorf("coordination.record_file is required for the file backend")
		}
	default:
		return fmt.Errorf("coordination.backend must be %q or %q, got %q", BackendHTTP, BackendFile, c.Coordination.Backend)
	}
	if c.Coordination.PollInterval <= 0 || c.Coordination.IPPollInterval <= 0 {
		return fmt.Errorf("coordination poll intervals must be positive")
	}
	return nil
}

func (c *Config) validateSupervisor() error {
	if c.Supervisor.Timeout <= 0 {
		return fmt.Errorf("supervisor.timeout must be positive")
	}
	if c.Supervisor.MilestoneTimeout <= 0 {
		return fmt.Errorf("supervisor.milestone_timeout must be positive")
	}
	if c.Supervisor.MilestoneTimeout > c.Supervisor.Timeout {
		return fmt.Errorf("supervisor.milestone_timeout (%s) must not exceed supervisor.timeout (%s)",
			c.Supervisor.MilestoneTimeout, c.Supervisor.Timeout)
	}
	return nil
}

func (c *Config) validateRelay() error {
	if !c.Relay.Enabled {
		return nil
	}
	if strings.TrimSpace(c.Relay.APIURL) == "" {
		return fmt.Errorf("relay.api_url is required when relay.enabled is true")
	}
	if strings.TrimSpace(c.Relay.Binary) == "" {
		return fmt.Errorf("relay.binary is required when relay.enabled is true")
	}
	if c.Relay.ProxyPort <= 0 || c.Relay.ProxyPort > 65535 {
		return fmt.Errorf("relay.proxy_port must be between 1-65535, got %d", c.Relay.ProxyPort)
	}
	return nil
}
