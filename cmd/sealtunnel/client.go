package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/pzverkov/sealtunnel/pkg/client"
	"github.com/pzverkov/sealtunnel/pkg/config"
	"github.com/pzverkov/sealtunnel/pkg/metrics"
	"github.com/pzverkov/sealtunnel/pkg/tunnel"
)

func clientCommand(args []string) error {
	fs := pflag.NewFlagSet("client", pflag.ExitOnError)
	var common commonFlags
	common.register(fs)
	serverAddr := fs.StringP("server", "s", "", "Server address host:port")
	serverKey := fs.String("server-key", "", "Hex public key to pin the server identity")
	retry := fs.Duration("retry-interval", 0, "Delay between connection attempts (default 2s)")
	autoConnect := fs.Bool("connect", false, "Request a connection at startup")

	fs.Usage = func() {
		fmt.Println(`USAGE: sealtunnel client [options]

Connect to a sealtunnel server. Commands are read from standard input:

    connect       request a connection (retries until it succeeds)
    disconnect    close the connection and stop retrying
    status        print the connection state and statistics
    send <text>   send a Data frame
    quit          exit

OPTIONS:`)
		fs.PrintDefaults()
	}
	_ = fs.Parse(args)

	cfg, err := common.load(fs)
	if err != nil {
		return err
	}
	address := cfg.ServerAddress()
	if fs.Changed("server") {
		address = *serverAddr
	}
	if address == "" {
		return errors.New("no server address: set client.server_host or pass --server")
	}
	if fs.Changed("server-key") {
		cfg.Client.ServerPublicKey = *serverKey
	}
	if fs.Changed("retry-interval") {
		cfg.Client.RetryInterval = config.Duration(*retry)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	collector, observer, logger, err := setupObservability(cfg, common.tracing, "client")
	if err != nil {
		return err
	}
	logger.Info("starting client", versionField())

	id, err := loadIdentity(cfg)
	if err != nil {
		return err
	}
	defer id.Zeroize()

	pin, err := cfg.ServerKey()
	if err != nil {
		return err
	}
	if pin == nil {
		logger.Warn("server key not pinned, accepting any signed server")
	}

	c, err := client.New(client.Config{
		Address:           address,
		Identity:          id,
		ServerKey:         pin,
		Backoff:           backoff.NewConstantBackOff(cfg.Client.RetryInterval.D()),
		DialTimeout:       cfg.Client.DialTimeout.D(),
		HandshakeTimeout:  cfg.Client.HandshakeTimeout.D(),
		HeartbeatInterval: cfg.Client.HeartbeatInterval.D(),
		HeartbeatTimeout:  cfg.Client.HeartbeatTimeout.D(),
		FrameHandler: tunnel.FrameHandlerFunc(func(_ context.Context, payload []byte) error {
			fmt.Printf("< %s\n", payload)
			return nil
		}),
		Logger:   logger,
		Observer: observer,
	})
	if err != nil {
		return err
	}
	c.OnConnectionChange(func(connected bool) {
		if connected {
			fmt.Println("* connected")
		} else {
			fmt.Println("* disconnected")
		}
	})
	logTunnels(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := c.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return serveMetrics(gctx, cfg, collector, logger, map[string]metrics.CheckFunc{
			"connected": func() error {
				if s := c.State(); s != client.StateConnected {
					return fmt.Errorf("client is %s", s)
				}
				return nil
			},
		})
	})

	if *autoConnect {
		c.RequestConnect()
	}
	go func() {
		if quit := readCommands(os.Stdin, c); quit {
			stop()
		}
	}()

	err = g.Wait()
	c.RequestDisconnect()
	return err
}

// readCommands drives c from r. It reports whether the user asked to quit;
// on end of input the client keeps running until a signal arrives.
func readCommands(r io.Reader, c *client.Client) bool {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		cmd, arg, _ := strings.Cut(line, " ")

		switch strings.ToLower(cmd) {
		case "":
		case "connect":
			c.RequestConnect()
		case "disconnect":
			c.RequestDisconnect()
		case "status":
			printStatus(c)
		case "send":
			if err := c.Send([]byte(arg)); err != nil {
				fmt.Printf("send failed: %v\n", err)
			}
		case "quit", "exit":
			return true
		default:
			fmt.Printf("unknown command %q (connect, disconnect, status, send, quit)\n", cmd)
		}
	}
	return false
}

func printStatus(c *client.Client) {
	fmt.Printf("state: %s\n", c.State())
	stats, ok := c.Stats()
	if !ok {
		return
	}
	fmt.Printf("uptime: %v\n", stats.Uptime.Round(time.Second))
	fmt.Printf("frames: %d sent, %d received\n", stats.FramesSent, stats.FramesReceived)
	fmt.Printf("bytes: %s sent, %s received\n", formatSize(int64(stats.BytesSent)), formatSize(int64(stats.BytesReceived)))
	if stats.LastRTT > 0 {
		fmt.Printf("rtt: %v\n", stats.LastRTT.Round(time.Microsecond))
	}
}
