// Package sealtunnel is a secure point-to-point tunnel control channel.
//
// Two endpoints holding long-term Ed25519 identity keys run a two-message
// handshake over TCP, exchanging ephemeral X25519 keys in signed Hellos. Session
// keys are derived with HKDF-SHA256 salted by the transcript hash, and every
// frame after the handshake is sealed with ChaCha20-Poly1305 under a
// per-direction counter nonce.
//
// # Quick Start
//
// Server:
//
//	srv, _ := server.New(server.Config{
//		ListenAddress: ":7443",
//		Identity:      serverKey,
//		Authorizer:    tunnel.NewAllowList(clientPub),
//	})
//	go srv.ListenAndServe(ctx)
//
// Client:
//
//	c, _ := client.New(client.Config{
//		Address:   "vpn.example.com:7443",
//		Identity:  clientKey,
//		ServerKey: serverPub,
//	})
//	c.OnConnectionChange(func(up bool) { log.Println("connected:", up) })
//	go c.Run(ctx)
//	c.RequestConnect()
//
// # Package Structure
//
//   - pkg/crypto: identity keys, X25519, HKDF, AEAD, nonce sequences, self-tests
//   - pkg/protocol: Hello codec, frame header, CBOR control payloads
//   - pkg/tunnel: handshake, secure channel, framed transport, heartbeats, admission
//   - pkg/client: reconnecting client state machine
//   - pkg/server: single-tenant accept loop
//   - pkg/config: YAML configuration
//   - pkg/metrics: logging, metrics, tracing, health endpoints
//   - internal/constants: protocol constants and defaults
//   - internal/errors: error taxonomy
//
// # Security Properties
//
//   - Mutual authentication: each Hello is signed by its sender's identity key
//   - Forward secrecy: fresh X25519 keys for every handshake
//   - Key binding: the transcript hash salts key derivation
//   - Nonce safety: counters never wrap; exhaustion ends the session
//   - No plaintext is surfaced from a frame that fails authentication
//
// # Testing
//
//	go test ./...                                    # All tests
//	go test -fuzz=FuzzHelloFromBytes ./pkg/protocol  # Fuzz tests
//	go test -run TestRunSelfTest ./pkg/crypto         # Known Answer Tests
//	go test -bench=. ./pkg/tunnel                    # Benchmarks
//
// # References
//
//   - RFC 7748: Elliptic Curves for Security
//   - RFC 8032: Edwards-Curve Digital Signature Algorithm
//   - RFC 5869: HMAC-based Extract-and-Expand Key Derivation Function
//   - RFC 8439: ChaCha20 and Poly1305 for IETF Protocols
package sealtunnel
