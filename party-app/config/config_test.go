package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const minimalHTTP = `
party:
  role: 2
coordination:
  api_url: https://sfkit.example.org/api
  study_id: study-1
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalHTTP))
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Party.Role)
	assert.Equal(t, "dti", cfg.Party.Protocol)
	assert.Equal(t, BackendHTTP, cfg.Coordination.Backend)
	assert.Equal(t, 5*time.Second, cfg.Coordination.PollInterval)
	assert.Equal(t, 24*time.Hour, cfg.Supervisor.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Supervisor.MilestoneTimeout)
	assert.Equal(t, 100*time.Second, cfg.Pipeline.SettleDelay)
	assert.Equal(t, time.Second, cfg.Relay.StartupGrace)
	assert.Equal(t, 8000, cfg.Relay.ProxyPort)
	assert.Equal(t, "https://sfkit.example.org/api", cfg.Relay.APIURL)
	assert.False(t, cfg.Relay.Enabled)
	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("PARTY_ROLE", "1")
	t.Setenv("SUPERVISOR_MILESTONE_TIMEOUT", "10s")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(writeConfig(t, minimalHTTP))
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Party.Role)
	assert.Equal(t, 10*time.Second, cfg.Supervisor.MilestoneTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadSfkitAliases(t *testing.T) {
	t.Setenv("SFKIT_API_URL", "https://alias.example.org")
	t.Setenv("SFKIT_PROXY_ON", "true")

	cfg, err := Load(writeConfig(t, `
coordination:
  study_id: study-1
`))
	require.NoError(t, err)
	assert.Equal(t, "https://alias.example.org", cfg.Coordination.APIURL)
	assert.Equal(t, "https://alias.example.org", cfg.Relay.APIURL)
	assert.True(t, cfg.Relay.Enabled)
}

func TestLoadFileBackend(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
party:
  role: 3
  demo: true
coordination:
  backend: file
  record_file: /tmp/record.yaml
`))
	require.NoError(t, err)
	assert.Equal(t, BackendFile, cfg.Coordination.Backend)
	assert.True(t, cfg.Party.Demo)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "unknown protocol",
			body: "party:\n  protocol: sfgwas\ncoordination:\n  api_url: https://x\n  study_id: s\n",
			want: "party.protocol",
		},
		{
			name: "role out of range",
			body: "party:\n  role: 4\ncoordination:\n  api_url: https://x\n  study_id: s\n",
			want: "party.role",
		},
		{
			name: "http without study",
			body: "coordination:\n  api_url: https://x\n",
			want: "coordination.study_id",
		},
		{
			name: "file without record",
			body: "coordination:\n  backend: file\n",
			want: "coordination.record_file",
		},
		{
			name: "bad backend",
			body: "coordination:\n  backend: grpc\n",
			want: "coordination.backend",
		},
		{
			name: "milestone exceeds timeout",
			body: minimalHTTP + "supervisor:\n  timeout: 10s\n  milestone_timeout: 1m\n",
			want: "supervisor.milestone_timeout",
		},
		{
			name: "relay port",
			body: minimalHTTP + "relay:\n  enabled: true\n  proxy_port: 70000\n",
			want: "relay.proxy_port",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".sfkit", "auth_key.txt"), expandHome("~/.sfkit/auth_key.txt"))
	assert.Equal(t, home, expandHome("~"))
	assert.Equal(t, "/etc/proxychains.conf", expandHome("/etc/proxychains.conf"))
	assert.Equal(t, "~user/x", expandHome("~user/x"))
}
