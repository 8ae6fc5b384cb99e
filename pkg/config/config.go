// Package config loads sealtunnel endpoint configuration from YAML.
//
// Example file:
//
//	identity_key_file: /etc/sealtunnel/identity.pem
//	log:
//	  level: info
//	  format: json
//	metrics:
//	  listen: 127.0.0.1:9090
//	server:
//	  listen_port: 7443
//	  allowed_clients:
//	    - 3b6a27bcceb6a42d62a3a8d02a6f0d73653215771de243a63ac048a18b59da29
//	client:
//	  server_host: vpn.example.com
//	  server_public_key: d75a980182b10ab7d54bfed3c964073a0ee172f3daa62325af021a68f707511a
//	  retry_interval: 2s
//	tunnels:
//	  - id: ssh
//	    local: 127.0.0.1:2222
//	    remote: 10.0.0.5:22
//	    enabled: true
package config

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pzverkov/sealtunnel/internal/constants"
	"github.com/pzverkov/sealtunnel/pkg/crypto"
)

// Config is the root of a configuration file.
type Config struct {
	IdentityKeyFile string         `yaml:"identity_key_file"`
	Log             LogConfig      `yaml:"log"`
	Metrics         MetricsConfig  `yaml:"metrics"`
	Server          ServerConfig   `yaml:"server"`
	Client          ClientConfig   `yaml:"client"`
	Tunnels         []TunnelConfig `yaml:"tunnels"`
}

// LogConfig selects log verbosity and encoding.
type LogConfig struct {
	Level  string `yaml:"level"`  // trace, debug, info, warn, error, silent
	Format string `yaml:"format"` // text or json
}

// MetricsConfig configures the observability HTTP endpoint. An empty Listen
// disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// ServerConfig is the accepting side.
type ServerConfig struct {
	ListenHost     string   `yaml:"listen_host"`
	ListenPort     int      `yaml:"listen_port"`
	AllowedClients []string `yaml:"allowed_clients"` // hex Ed25519 public keys
	MaxClients     int      `yaml:"max_clients"`

	HandshakeTimeout Duration `yaml:"handshake_timeout"`
	IdleTimeout      Duration `yaml:"idle_timeout"`

	// HandshakeRate is handshakes per second; negative disables limiting.
	HandshakeRate  float64 `yaml:"handshake_rate"`
	HandshakeBurst int     `yaml:"handshake_burst"`
}

// ClientConfig is the connecting side.
type ClientConfig struct {
	ServerHost      string `yaml:"server_host"`
	ServerPort      int    `yaml:"server_port"`
	ServerPublicKey string `yaml:"server_public_key"` // optional hex pin

	RetryInterval     Duration `yaml:"retry_interval"`
	DialTimeout       Duration `yaml:"dial_timeout"`
	HandshakeTimeout  Duration `yaml:"handshake_timeout"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  Duration `yaml:"heartbeat_timeout"`
}

// TunnelConfig declares a forwarded port. Tunnels are validated and listed
// but not yet acted on.
type TunnelConfig struct {
	ID      string `yaml:"id"`
	Local   string `yaml:"local"`
	Remote  string `yaml:"remote"`
	Enabled bool   `yaml:"enabled"`
}

// Duration is a time.Duration written as a Go duration string ("2s").
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// LoadError reports a file that could not be read, decoded or validated.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	if e.Path == "" {
		return "config: " + e.Err.Error()
	}
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Load reads, decodes, defaults and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	cfg, err := Parse(data)
	if err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			le.Path = path
			return nil, le
		}
		return nil, &LoadError{Path: path, Err: err}
	}
	return cfg, nil
}

// Parse decodes YAML, applies defaults and validates. Unknown keys are
// rejected; an empty document yields the defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, &LoadError{Err: err}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, &LoadError{Err: err}
	}
	return &cfg, nil
}

// Default returns a configuration holding only defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	s := &c.Server
	if s.ListenPort == 0 {
		s.ListenPort = constants.DefaultListenPort
	}
	if s.MaxClients == 0 {
		s.MaxClients = constants.DefaultMaxActiveClients
	}
	setDuration(&s.HandshakeTimeout, constants.DefaultHandshakeTimeout)
	setDuration(&s.IdleTimeout, constants.DefaultServerIdleTimeout)
	if s.HandshakeRate == 0 {
		s.HandshakeRate = constants.DefaultHandshakeRate
	}
	if s.HandshakeBurst == 0 {
		s.HandshakeBurst = constants.DefaultHandshakeBurst
	}

	cl := &c.Client
	if cl.ServerPort == 0 {
		cl.ServerPort = constants.DefaultListenPort
	}
	setDuration(&cl.RetryInterval, constants.DefaultRetryInterval)
	setDuration(&cl.DialTimeout, constants.DefaultDialTimeout)
	setDuration(&cl.HandshakeTimeout, constants.DefaultHandshakeTimeout)
	setDuration(&cl.HeartbeatInterval, constants.DefaultHeartbeatInterval)
	setDuration(&cl.HeartbeatTimeout, constants.DefaultHeartbeatTimeout)
}

func setDuration(d *Duration, def time.Duration) {
	if *d == 0 {
		*d = Duration(def)
	}
}

var (
	validLevels  = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true, "silent": true}
	validFormats = map[string]bool{"text": true, "json": true}
)

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if !validLevels[strings.ToLower(c.Log.Level)] {
		add("log.level: unknown level %q", c.Log.Level)
	}
	if !validFormats[strings.ToLower(c.Log.Format)] {
		add("log.format: unknown format %q", c.Log.Format)
	}
	if c.Metrics.Listen != "" {
		if err := checkHostPort(c.Metrics.Listen); err != nil {
			add("metrics.listen: %v", err)
		}
	}

	s := c.Server
	if !validPort(s.ListenPort) {
		add("server.listen_port: %d out of range", s.ListenPort)
	}
	if s.MaxClients < 1 {
		add("server.max_clients: must be at least 1")
	}
	if s.HandshakeTimeout < 0 || s.IdleTimeout < 0 {
		add("server: timeouts must not be negative")
	}
	if s.HandshakeBurst < 1 {
		add("server.handshake_burst: must be at least 1")
	}
	for i, k := range s.AllowedClients {
		if _, err := crypto.ParsePublicKey(k); err != nil {
			add("server.allowed_clients[%d]: %v", i, err)
		}
	}

	cl := c.Client
	if !validPort(cl.ServerPort) {
		add("client.server_port: %d out of range", cl.ServerPort)
	}
	if cl.ServerPublicKey != "" {
		if _, err := crypto.ParsePublicKey(cl.ServerPublicKey); err != nil {
			add("client.server_public_key: %v", err)
		}
	}
	for name, d := range map[string]Duration{
		"retry_interval":     cl.RetryInterval,
		"dial_timeout":       cl.DialTimeout,
		"handshake_timeout":  cl.HandshakeTimeout,
		"heartbeat_interval": cl.HeartbeatInterval,
		"heartbeat_timeout":  cl.HeartbeatTimeout,
	} {
		if d <= 0 {
			add("client.%s: must be positive", name)
		}
	}
	if cl.HeartbeatTimeout <= cl.HeartbeatInterval {
		add("client.heartbeat_timeout: must exceed heartbeat_interval")
	}

	seen := make(map[string]bool, len(c.Tunnels))
	for i, t := range c.Tunnels {
		if t.ID == "" {
			add("tunnels[%d].id: required", i)
		} else if seen[t.ID] {
			add("tunnels[%d].id: duplicate %q", i, t.ID)
		}
		seen[t.ID] = true
		if err := checkHostPort(t.Local); err != nil {
			add("tunnels[%d].local: %v", i, err)
		}
		if err := checkHostPort(t.Remote); err != nil {
			add("tunnels[%d].remote: %v", i, err)
		}
	}

	return errors.Join(errs...)
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

func checkHostPort(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(port)
	if err != nil || !validPort(n) {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}

// ListenAddress is the server's host:port.
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.Server.ListenHost, strconv.Itoa(c.Server.ListenPort))
}

// ServerAddress is the client's dial target. It is empty when no server
// host is configured.
func (c *Config) ServerAddress() string {
	if c.Client.ServerHost == "" {
		return ""
	}
	return net.JoinHostPort(c.Client.ServerHost, strconv.Itoa(c.Client.ServerPort))
}

// AllowedClientKeys decodes server.allowed_clients.
func (c *Config) AllowedClientKeys() ([]ed25519.PublicKey, error) {
	keys := make([]ed25519.PublicKey, 0, len(c.Server.AllowedClients))
	for _, s := range c.Server.AllowedClients {
		k, err := crypto.ParsePublicKey(s)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// ServerKey decodes client.server_public_key. It returns nil when unset.
func (c *Config) ServerKey() (ed25519.PublicKey, error) {
	if c.Client.ServerPublicKey == "" {
		return nil, nil
	}
	return crypto.ParsePublicKey(c.Client.ServerPublicKey)
}

// EnabledTunnels returns the tunnels marked enabled.
func (c *Config) EnabledTunnels() []TunnelConfig {
	var out []TunnelConfig
	for _, t := range c.Tunnels {
		if t.Enabled {
			out = append(out, t)
		}
	}
	return out
}

// Marshal encodes c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
