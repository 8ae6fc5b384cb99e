package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/pzverkov/sealtunnel/pkg/metrics"
	"github.com/pzverkov/sealtunnel/pkg/server"
	"github.com/pzverkov/sealtunnel/pkg/tunnel"
)

func serverCommand(args []string) error {
	fs := pflag.NewFlagSet("server", pflag.ExitOnError)
	var common commonFlags
	common.register(fs)
	listen := fs.StringP("listen", "l", "", "Listen address host:port (default :7443)")
	allow := fs.StringSlice("allow", nil, "Hex public key of an allowed client (repeatable)")
	maxClients := fs.Int("max-clients", 0, "Concurrently admitted clients (default 1)")

	fs.Usage = func() {
		fmt.Println(`USAGE: sealtunnel server [options]

Accept sealtunnel clients. Only one client is admitted at a time unless
max_clients says otherwise; extra connections are closed before any
handshake work.

OPTIONS:`)
		fs.PrintDefaults()
	}
	_ = fs.Parse(args)

	cfg, err := common.load(fs)
	if err != nil {
		return err
	}
	if fs.Changed("listen") {
		host, port, err := net.SplitHostPort(*listen)
		if err != nil {
			return fmt.Errorf("--listen: %w", err)
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("--listen: invalid port %q", port)
		}
		cfg.Server.ListenHost, cfg.Server.ListenPort = host, p
	}
	if fs.Changed("allow") {
		cfg.Server.AllowedClients = *allow
	}
	if fs.Changed("max-clients") {
		cfg.Server.MaxClients = *maxClients
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	collector, observer, logger, err := setupObservability(cfg, common.tracing, "server")
	if err != nil {
		return err
	}
	logger.Info("starting server", versionField())

	id, err := loadIdentity(cfg)
	if err != nil {
		return err
	}
	defer id.Zeroize()
	logger.Info("identity loaded", metrics.Fields{"fingerprint": id.Fingerprint()})

	keys, err := cfg.AllowedClientKeys()
	if err != nil {
		return err
	}
	var authz tunnel.Authorizer
	if len(keys) > 0 {
		authz = tunnel.NewAllowList(keys...)
	}

	srv, err := server.New(server.Config{
		ListenAddress:    cfg.ListenAddress(),
		Identity:         id,
		Authorizer:       authz,
		MaxActiveClients: cfg.Server.MaxClients,
		HandshakeTimeout: cfg.Server.HandshakeTimeout.D(),
		IdleTimeout:      cfg.Server.IdleTimeout.D(),
		HandshakeRate:    cfg.Server.HandshakeRate,
		HandshakeBurst:   cfg.Server.HandshakeBurst,
		FrameHandler:     logFrames(logger),
		Logger:           logger,
		Observer:         observer,
	})
	if err != nil {
		return err
	}
	logTunnels(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := srv.ListenAndServe(gctx)
		if errors.Is(err, server.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return serveMetrics(gctx, cfg, collector, logger, map[string]metrics.CheckFunc{
			"listener": func() error {
				if !srv.Listening() {
					return errors.New("not accepting connections")
				}
				return nil
			},
		})
	})

	err = g.Wait()
	logger.Info("server stopped", metrics.Fields{"sessions_total": collector.Snapshot().SessionsTotal})
	return err
}

// logFrames is the default Data frame handler: it records receipt and
// discards the payload.
func logFrames(logger *metrics.Logger) tunnel.FrameHandler {
	log := logger.Named("frames")
	return tunnel.FrameHandlerFunc(func(_ context.Context, payload []byte) error {
		log.Debug("data frame", metrics.Fields{"bytes": len(payload)})
		return nil
	})
}
