package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/pzverkov/sealtunnel/pkg/crypto"
	"github.com/pzverkov/sealtunnel/pkg/protocol"
	"github.com/pzverkov/sealtunnel/pkg/tunnel"
)

func benchCommand(args []string) error {
	fs := pflag.NewFlagSet("bench", pflag.ExitOnError)
	handshakes := fs.Int("handshakes", 100, "Number of handshakes to benchmark (0 = skip)")
	throughput := fs.Bool("throughput", false, "Run frame throughput benchmark")
	size := fs.String("size", "100MB", "Data size for throughput test (e.g., 100MB, 1GB)")
	duration := fs.Duration("duration", 10*time.Second, "Upper bound for the throughput test")

	fs.Usage = func() {
		fmt.Println(`USAGE: sealtunnel bench [options]

Run handshakes and encrypted Data frames over loopback TCP.

OPTIONS:`)
		fs.PrintDefaults()
		fmt.Println(`
EXAMPLES:
    sealtunnel bench --handshakes 500
    sealtunnel bench --handshakes 0 --throughput --size 1GB --duration 30s`)
	}
	_ = fs.Parse(args)

	if *handshakes == 0 && !*throughput {
		fs.Usage()
		return errors.New("nothing to benchmark")
	}

	serverID, err := crypto.GenerateIdentity(nil)
	if err != nil {
		return err
	}
	clientID, err := crypto.GenerateIdentity(nil)
	if err != nil {
		return err
	}
	b := &benchPair{serverID: serverID, clientID: clientID}

	if *handshakes > 0 {
		if err := b.handshakes(*handshakes); err != nil {
			return err
		}
	}
	if *throughput {
		if *handshakes > 0 {
			fmt.Println()
		}
		total := parseSize(*size)
		if total <= 0 {
			return fmt.Errorf("invalid size %q", *size)
		}
		if err := b.throughput(total, *duration); err != nil {
			return err
		}
	}
	return nil
}

type benchPair struct {
	serverID *crypto.IdentityKey
	clientID *crypto.IdentityKey
}

// connect returns an authenticated session pair over loopback TCP.
func (b *benchPair) connect(ln net.Listener, handler tunnel.FrameHandler) (*tunnel.Session, *tunnel.Session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var serverSession *tunnel.Session
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		result, err := tunnel.ServerHandshake(gctx, conn, tunnel.HandshakeConfig{
			Identity:   b.serverID,
			Authorizer: tunnel.PinnedKey(b.clientID.PublicKey()),
		})
		if err != nil {
			_ = conn.Close()
			return err
		}
		serverSession, err = tunnel.NewSession(conn, protocol.RoleServer, result, tunnel.SessionConfig{Handler: handler})
		return err
	})

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", ln.Addr().String())
	if err != nil {
		cancel()
		_ = g.Wait()
		return nil, nil, err
	}
	result, err := tunnel.ClientHandshake(ctx, conn, tunnel.HandshakeConfig{
		Identity:   b.clientID,
		Authorizer: tunnel.PinnedKey(b.serverID.PublicKey()),
	})
	if err != nil {
		_ = conn.Close()
		_ = g.Wait()
		return nil, nil, err
	}
	clientSession, err := tunnel.NewSession(conn, protocol.RoleClient, result, tunnel.SessionConfig{})
	if err != nil {
		_ = conn.Close()
		_ = g.Wait()
		return nil, nil, err
	}
	if err := g.Wait(); err != nil {
		_ = clientSession.Close("setup failed")
		return nil, nil, err
	}
	return clientSession, serverSession, nil
}

func (b *benchPair) handshakes(count int) error {
	fmt.Printf("Benchmarking Handshakes\n")
	fmt.Println(strings.Repeat("─", 60))
	fmt.Printf("Count: %d\n\n", count)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}
	defer func() { _ = ln.Close() }()

	durations := make([]time.Duration, count)
	failed := 0
	startTime := time.Now()

	for i := 0; i < count; i++ {
		handshakeStart := time.Now()
		c, s, err := b.connect(ln, nil)
		if err != nil {
			failed++
			continue
		}
		durations[i] = time.Since(handshakeStart)
		_ = c.Close("bench")
		_ = s.Close("bench")

		// Progress indicator every 10% (or every iteration if count < 10)
		step := count / 10
		if step == 0 {
			step = 1
		}
		if (i+1)%step == 0 || i == count-1 {
			fmt.Printf("Progress: %d/%d (%.0f%%)\r", i+1, count, float64(i+1)/float64(count)*100)
		}
	}
	fmt.Println()

	return printHandshakeResults(count, count-failed, failed, time.Since(startTime), durations)
}

func printHandshakeResults(total, successful, failed int, totalTime time.Duration, durations []time.Duration) error {
	if failed == total {
		return errors.New("all handshakes failed")
	}

	var sum, min, max time.Duration
	min = time.Hour

	for _, d := range durations {
		if d == 0 {
			continue
		}
		sum += d
		if d < min {
			min = d
		}
		if d > max {
			max = d
		}
	}

	avg := sum / time.Duration(successful)

	fmt.Println("\nResults:")
	fmt.Printf("  Total handshakes: %d\n", total)
	fmt.Printf("  Successful: %d\n", successful)
	fmt.Printf("  Failed: %d\n", failed)
	fmt.Printf("  Total time: %v\n", totalTime)
	fmt.Println()
	fmt.Println("Handshake Performance:")
	fmt.Printf("  Average: %v\n", avg)
	fmt.Printf("  Minimum: %v\n", min)
	fmt.Printf("  Maximum: %v\n", max)
	fmt.Printf("  Throughput: %.2f handshakes/sec\n", float64(successful)/totalTime.Seconds())
	fmt.Println()

	printHandshakeRating(avg)
	return nil
}

func printHandshakeRating(avg time.Duration) {
	switch {
	case avg < time.Millisecond:
		fmt.Println("✓ Performance: Excellent (< 1ms avg)")
	case avg < 3*time.Millisecond:
		fmt.Println("✓ Performance: Good (< 3ms avg)")
	case avg < 10*time.Millisecond:
		fmt.Println("⚠ Performance: Acceptable (< 10ms avg)")
	default:
		fmt.Println("⚠ Performance: Slow (> 10ms avg)")
	}
}

func (b *benchPair) throughput(totalBytes int64, limit time.Duration) error {
	fmt.Printf("Benchmarking Throughput\n")
	fmt.Println(strings.Repeat("─", 60))
	fmt.Printf("Target: %s within %v\n", formatSize(totalBytes), limit)
	fmt.Printf("Cipher: ChaCha20-Poly1305\n\n")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}
	defer func() { _ = ln.Close() }()

	var received atomic.Int64
	client, server, err := b.connect(ln, tunnel.FrameHandlerFunc(func(_ context.Context, payload []byte) error {
		received.Add(int64(len(payload)))
		return nil
	}))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serverDone := make(chan error, 1)
	go func() { serverDone <- server.Run(ctx) }()

	// Data chunk (8KB)
	chunk := make([]byte, 8192)
	for i := range chunk {
		chunk[i] = byte(i % 256)
	}

	var sent int64
	start := time.Now()
	lastProgress := start
	for sent < totalBytes && time.Since(start) < limit {
		if err := client.Send(chunk); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		sent += int64(len(chunk))
		if time.Since(lastProgress) >= time.Second {
			fmt.Printf("Sent: %s\r", formatSize(sent))
			lastProgress = time.Now()
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for received.Load() < sent && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	elapsed := time.Since(start)
	_ = client.Close("bench")
	cancel()
	<-serverDone

	fmt.Println()
	fmt.Println("Results:")
	fmt.Printf("  Sent: %s\n", formatSize(sent))
	fmt.Printf("  Received: %s\n", formatSize(received.Load()))
	fmt.Printf("  Duration: %v\n", elapsed.Round(time.Millisecond))
	fmt.Printf("  Throughput: %.2f MB/s\n", float64(received.Load())/elapsed.Seconds()/(1024*1024))
	return nil
}

func parseSize(s string) int64 {
	// Simple parser for sizes like "100MB", "1GB"
	var value int64
	var unit string
	_, _ = fmt.Sscanf(s, "%d%s", &value, &unit)

	switch unit {
	case "KB", "kb", "K", "k":
		return value * 1024
	case "MB", "mb", "M", "m":
		return value * 1024 * 1024
	case "GB", "gb", "G", "g":
		return value * 1024 * 1024 * 1024
	default:
		return value
	}
}

func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	units := []string{"KB", "MB", "GB", "TB"}
	return fmt.Sprintf("%.2f %s", float64(bytes)/float64(div), units[exp])
}
