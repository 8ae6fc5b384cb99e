package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pzverkov/sealtunnel/internal/constants"
	"github.com/pzverkov/sealtunnel/pkg/config"
)

const (
	clientKeyHex = "3b6a27bcceb6a42d62a3a8d02a6f0d73653215771de243a63ac048a18b59da29"
	serverKeyHex = "d75a980182b10ab7d54bfed3c964073a0ee172f3daa62325af021a68f707511a"
)

const fullConfig = `
identity_key_file: /etc/sealtunnel/identity.pem
log:
  level: debug
  format: json
metrics:
  listen: 127.0.0.1:9090
server:
  listen_host: 0.0.0.0
  listen_port: 8443
  allowed_clients:
    - ` + clientKeyHex + `
  max_clients: 2
  idle_timeout: 90s
  handshake_rate: -1
client:
  server_host: vpn.example.com
  server_public_key: ` + serverKeyHex + `
  retry_interval: 500ms
  heartbeat_interval: 1s
  heartbeat_timeout: 4s
tunnels:
  - id: ssh
    local: 127.0.0.1:2222
    remote: 10.0.0.5:22
    enabled: true
  - id: web
    local: 127.0.0.1:8080
    remote: 10.0.0.6:80
`

func TestParseFull(t *testing.T) {
	cfg, err := config.Parse([]byte(fullConfig))
	require.NoError(t, err)

	assert.Equal(t, "/etc/sealtunnel/identity.pem", cfg.IdentityKeyFile)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "127.0.0.1:9090", cfg.Metrics.Listen)

	assert.Equal(t, "0.0.0.0:8443", cfg.ListenAddress())
	assert.Equal(t, 2, cfg.Server.MaxClients)
	assert.Equal(t, 90*time.Second, cfg.Server.IdleTimeout.D())
	assert.Equal(t, -1.0, cfg.Server.HandshakeRate)
	assert.Equal(t, constants.DefaultHandshakeTimeout, cfg.Server.HandshakeTimeout.D())

	keys, err := cfg.AllowedClientKeys()
	require.NoError(t, err)
	require.Len(t, keys, 1)

	assert.Equal(t, "vpn.example.com:7443", cfg.ServerAddress())
	pin, err := cfg.ServerKey()
	require.NoError(t, err)
	assert.Len(t, pin, 32)
	assert.Equal(t, 500*time.Millisecond, cfg.Client.RetryInterval.D())
	assert.Equal(t, 4*time.Second, cfg.Client.HeartbeatTimeout.D())

	require.Len(t, cfg.Tunnels, 2)
	enabled := cfg.EnabledTunnels()
	require.Len(t, enabled, 1)
	assert.Equal(t, "ssh", enabled[0].ID)
}

func TestParseEmptyUsesDefaults(t *testing.T) {
	cfg, err := config.Parse(nil)
	require.NoError(t, err)

	assert.Equal(t, config.Default(), cfg)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, ":7443", cfg.ListenAddress())
	assert.Equal(t, constants.DefaultMaxActiveClients, cfg.Server.MaxClients)
	assert.Equal(t, constants.DefaultHandshakeRate, cfg.Server.HandshakeRate)
	assert.Equal(t, constants.DefaultRetryInterval, cfg.Client.RetryInterval.D())
	assert.Equal(t, constants.DefaultHeartbeatInterval, cfg.Client.HeartbeatInterval.D())
	assert.Empty(t, cfg.ServerAddress())

	pin, err := cfg.ServerKey()
	require.NoError(t, err)
	assert.Nil(t, pin)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown key", "bogus: 1\n", "bogus"},
		{"bad duration", "client:\n  retry_interval: soon\n", "invalid duration"},
		{"bad level", "log:\n  level: loud\n", "log.level"},
		{"bad format", "log:\n  format: xml\n", "log.format"},
		{"bad port", "server:\n  listen_port: 70000\n", "server.listen_port"},
		{"bad allowed key", "server:\n  allowed_clients: [abcd]\n", "allowed_clients[0]"},
		{"bad pin", "client:\n  server_public_key: zz\n", "server_public_key"},
		{"heartbeat order", "client:\n  heartbeat_interval: 10s\n  heartbeat_timeout: 5s\n", "heartbeat_timeout"},
		{"bad metrics addr", "metrics:\n  listen: nowhere\n", "metrics.listen"},
		{"duplicate tunnel", "tunnels:\n  - {id: a, local: 'h:1', remote: 'h:2'}\n  - {id: a, local: 'h:3', remote: 'h:4'}\n", "duplicate"},
		{"tunnel without id", "tunnels:\n  - {local: 'h:1', remote: 'h:2'}\n", "tunnels[0].id"},
		{"tunnel bad address", "tunnels:\n  - {id: a, local: 'h', remote: 'h:0'}\n", "tunnels[0].local"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)

			var le *config.LoadError
			assert.True(t, errors.As(err, &le))
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sealtunnel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fullConfig), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8443, cfg.Server.ListenPort)

	_, err = config.Load(filepath.Join(dir, "missing.yaml"))
	var le *config.LoadError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, filepath.Join(dir, "missing.yaml"), le.Path)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("log:\n  level: loud\n"), 0o600))
	_, err = config.Load(bad)
	require.True(t, errors.As(err, &le))
	assert.Equal(t, bad, le.Path)
	assert.Contains(t, err.Error(), bad)
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg, err := config.Parse([]byte(fullConfig))
	require.NoError(t, err)

	out, err := cfg.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(out), "retry_interval: 500ms")

	again, err := config.Parse(out)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}
