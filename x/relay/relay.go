package relay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sfkit/orchestrator/x/clock"
	"github.com/sfkit/orchestrator/x/coordination"
	"github.com/sfkit/orchestrator/x/parfile"
	"github.com/sfkit/orchestrator/x/party"
)

// Route tells a body how to reach peers. The zero Route means direct access.
type Route struct {
	// Prefix is prepended to protocol command lines, e.g. a proxychains launcher.
	Prefix []string
	// ProxyConfig is the generated proxy configuration file, if any.
	ProxyConfig string
}

// Wrap returns argv routed through the relay.
func (r Route) Wrap(argv []string) []string {
	if len(r.Prefix) == 0 {
		return argv
	}
	out := make([]string, 0, len(r.Prefix)+len(argv))
	out = append(out, r.Prefix...)
	return append(out, argv...)
}

// Body is the work run while the relay is up.
type Body func(ctx context.Context, route Route) error

// Manager starts relays around protocol invocations and guarantees each one
// is signalled to stop exactly once, including when the orchestrator itself
// is shutting down.
type Manager struct {
	cfg    Config
	log    zerolog.Logger
	client coordination.Client

	mu     sync.Mutex
	active map[*handle]struct{}
}

type handle struct {
	proc Process
	once sync.Once
}

// NewManager creates a relay Manager. client is used to resolve the study id.
func NewManager(cfg Config, client coordination.Client) *Manager {
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.ProxychainsBinary == "" {
		cfg.ProxychainsBinary = DefaultProxychainsBinary
	}
	if cfg.ProxychainsTemplate == "" {
		cfg.ProxychainsTemplate = DefaultProxychainsTemplate
	}
	if cfg.ProxyPort == 0 {
		cfg.ProxyPort = DefaultProxyPort
	}
	if cfg.Starter == nil {
		cfg.Starter = ExecStarter{}
	}
	if cfg.Sleep == nil {
		cfg.Sleep = clock.Sleep
	}
	return &Manager{
		cfg:    cfg,
		log:    cfg.Logger,
		client: client,
		active: make(map[*handle]struct{}),
	}
}

// With runs body behind a relay when relay mode is enabled, and directly
// otherwise. The relay is terminated when With returns or panics.
func (m *Manager) With(ctx context.Context, p party.Party, protocol string, body Body) error {
	if !m.cfg.Enabled {
		return body(ctx, Route{})
	}

	argv, err := m.relayArgv(ctx, p, protocol)
	if err != nil {
		return err
	}

	route, err := m.writeProxyConfig()
	if err != nil {
		return err
	}

	m.log.Info().Strs("argv", redact(argv)).Msg("starting relay")
	proc, err := m.cfg.Starter.Start(argv)
	if err != nil {
		m.recordStart("error")
		return fmt.Errorf("%w: %v", coordination.ErrUpstreamUnavailable, err)
	}
	m.recordStart("ok")

	h := m.track(proc)
	defer m.terminate(h)

	if err := m.cfg.Sleep(ctx, m.cfg.StartupGrace); err != nil {
		return err
	}
	m.log.Info().Int("pid", proc.Pid()).Msg("relay is running")

	return body(ctx, route)
}

// Shutdown terminates every relay still running. It is safe to call from a
// signal handler path and more than once.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	handles := make([]*handle, 0, len(m.active))
	for h := range m.active {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		m.terminate(h)
	}
}

func (m *Manager) track(proc Process) *handle {
	h := &handle{proc: proc}
	m.mu.Lock()
	m.active[h] = struct{}{}
	m.mu.Unlock()
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.Active.Inc()
	}
	return h
}

func (m *Manager) terminate(h *handle) {
	h.once.Do(func() {
		m.mu.Lock()
		delete(m.active, h)
		m.mu.Unlock()

		if err := h.proc.Terminate(); err != nil {
			m.log.Warn().Err(err).Int("pid", h.proc.Pid()).Msg("failed to terminate relay")
		} else {
			m.log.Info().Int("pid", h.proc.Pid()).Msg("relay terminated")
		}
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.TerminationsTotal.Inc()
			m.cfg.Metrics.Active.Dec()
		}
	})
}

func (m *Manager) recordStart(result string) {
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.StartsTotal.WithLabelValues(result).Inc()
	}
}

func (m *Manager) relayArgv(ctx context.Context, p party.Party, protocol string) ([]string, error) {
	rec, err := m.client.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve study id: %w", err)
	}
	if rec.StudyID == "" {
		return nil, errors.New("relay: coordination record has no study id")
	}

	authKey, err := coordination.ReadAuthKey(m.cfg.AuthKeyFile)
	if err != nil {
		return nil, err
	}

	argv := []string{
		m.cfg.Binary,
		"-v",
		"-api", SignalingURL(m.cfg.APIURL),
		"-study", rec.StudyID,
		"-pid", strconv.Itoa(p.Role),
		"-mpc", m.mpcConfig(protocol),
	}
	if authKey != "" && !strings.HasPrefix(authKey, StudyIDKeyPrefix) {
		argv = append(argv, "-auth-key", authKey)
	}
	return argv, nil
}

func (m *Manager) mpcConfig(protocol string) string {
	if strings.Contains(m.cfg.MPCConfigPattern, "%s") {
		return fmt.Sprintf(m.cfg.MPCConfigPattern, protocol)
	}
	return m.cfg.MPCConfigPattern
}

// writeProxyConfig copies the proxychains template into WorkDir, pointing its
// socks entries at the relay's local listener.
func (m *Manager) writeProxyConfig() (Route, error) {
	in, err := os.Open(m.cfg.ProxychainsTemplate)
	if err != nil {
		return Route{}, fmt.Errorf("open proxychains template: %w", err)
	}
	defer in.Close()

	dest := filepath.Join(m.cfg.WorkDir, "proxychains.conf")
	out, err := os.Create(dest)
	if err != nil {
		return Route{}, fmt.Errorf("create %s: %w", dest, err)
	}

	socks := fmt.Sprintf("socks5 127.0.0.1 %d", m.cfg.ProxyPort)
	_, err = parfile.Transform(in, out, func(line string) (string, bool) {
		return socks, strings.HasPrefix(line, "socks")
	})
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Route{}, fmt.Errorf("write %s: %w", dest, err)
	}

	return Route{
		Prefix:      []string{m.cfg.ProxychainsBinary, "-f", dest},
		ProxyConfig: dest,
	}, nil
}

// SignalingURL derives the relay's websocket signaling endpoint from the API URL.
func SignalingURL(apiURL string) string {
	return strings.ReplaceAll(apiURL, "https", "wss") + "/ice"
}

func redact(argv []string) []string {
	out := append([]string(nil), argv...)
	for i := 0; i < len(out)-1; i++ {
		if out[i] == "-auth-key" {
			out[i+1] = "***"
		}
	}
	return out
}
