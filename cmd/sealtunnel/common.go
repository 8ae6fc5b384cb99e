package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/pzverkov/sealtunnel/pkg/config"
	"github.com/pzverkov/sealtunnel/pkg/crypto"
	"github.com/pzverkov/sealtunnel/pkg/metrics"
	pkgversion "github.com/pzverkov/sealtunnel/pkg/version"
)

// commonFlags are shared by the server and client commands. Flags override
// values from the config file only when given explicitly.
type commonFlags struct {
	configPath string
	identity   string
	logLevel   string
	logFormat  string
	metrics    string
	tracing    string
}

func (f *commonFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.configPath, "config", "c", "", "YAML configuration file")
	fs.StringVarP(&f.identity, "identity", "i", "", "Identity key file (PEM)")
	fs.StringVar(&f.logLevel, "log-level", "info", "Log level: trace, debug, info, warn, error, silent")
	fs.StringVar(&f.logFormat, "log-format", "text", "Log format: text or json")
	fs.StringVar(&f.metrics, "metrics-listen", "", "Observability server address, e.g. 127.0.0.1:9090. Empty disables")
	fs.StringVar(&f.tracing, "tracing", "none", "Tracing mode: none, simple or otel")
}

// load reads the config file (or defaults) and applies explicit flags.
func (f *commonFlags) load(fs *pflag.FlagSet) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return nil, err
		}
	}

	if fs.Changed("identity") {
		cfg.IdentityKeyFile = f.identity
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if fs.Changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
	if fs.Changed("metrics-listen") {
		cfg.Metrics.Listen = f.metrics
	}
	return cfg, nil
}

// setupObservability installs the process-wide logger, tracer and collector
// and returns an observer for the given role.
func setupObservability(cfg *config.Config, tracing, role string) (*metrics.Collector, *metrics.TunnelObserver, *metrics.Logger, error) {
	logger := metrics.NewLogger(
		metrics.WithOutput(os.Stderr),
		metrics.WithLevel(metrics.ParseLevel(cfg.Log.Level)),
		metrics.WithFormat(metrics.ParseFormat(cfg.Log.Format)),
		metrics.WithFields(metrics.Fields{"app": "sealtunnel"}),
	)
	metrics.SetLogger(logger)

	switch strings.ToLower(tracing) {
	case "none", "":
		metrics.SetTracer(metrics.NoOpTracer{})
	case "simple":
		metrics.SetTracer(metrics.NewSimpleTracer())
	case "otel":
		metrics.SetTracer(metrics.NewOTelTracer("sealtunnel"))
	default:
		return nil, nil, nil, fmt.Errorf("invalid tracing mode: %s (use none, simple, or otel)", tracing)
	}

	collector := metrics.NewCollector(metrics.Labels{
		"service": "sealtunnel",
		"role":    role,
	})
	metrics.SetGlobal(collector)

	observer := metrics.NewTunnelObserver(metrics.TunnelObserverConfig{
		Collector: collector,
		Logger:    logger,
		Role:      role,
	})
	return collector, observer, logger, nil
}

// loadIdentity runs the self-test and reads the configured identity key.
func loadIdentity(cfg *config.Config) (*crypto.IdentityKey, error) {
	if result := crypto.RunSelfTest(); !result.Passed {
		return nil, fmt.Errorf("cryptographic self-test failed: %s", strings.Join(result.Errors, "; "))
	}
	if cfg.IdentityKeyFile == "" {
		return nil, errors.New("no identity key: set identity_key_file or pass --identity")
	}
	id, err := crypto.LoadIdentity(cfg.IdentityKeyFile)
	if err != nil {
		return nil, err
	}
	if err := crypto.PairwiseConsistencyCheck(id); err != nil {
		return nil, err
	}
	return id, nil
}

// serveMetrics runs the observability server until ctx is done. It is a no-op
// when no listen address is configured.
func serveMetrics(ctx context.Context, cfg *config.Config, collector *metrics.Collector, logger *metrics.Logger, checks map[string]metrics.CheckFunc) error {
	if cfg.Metrics.Listen == "" {
		return nil
	}

	srv := metrics.NewServer(metrics.ServerConfig{
		Collector: collector,
		Version:   getVersion(),
	})
	for name, check := range checks {
		srv.Health().AddCheck(name, check)
	}

	logger.Info("observability server listening", metrics.Fields{"addr": cfg.Metrics.Listen})
	if err := srv.ListenAndServe(ctx, cfg.Metrics.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("observability server: %w", err)
	}
	return nil
}

func logTunnels(cfg *config.Config, logger *metrics.Logger) {
	for _, t := range cfg.EnabledTunnels() {
		logger.Info("tunnel declared", metrics.Fields{
			"tunnel": t.ID,
			"local":  t.Local,
			"remote": t.Remote,
		})
	}
}

func versionField() metrics.Fields {
	return metrics.Fields{"version": getVersion(), "protocol": pkgversion.Full()}
}
