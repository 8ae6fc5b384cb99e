package main

import (
	"fmt"
	"os"

	pkgversion "github.com/pzverkov/sealtunnel/pkg/version"
)

// Build-time variables (set via -ldflags)
var (
	version   = ""        // Set via -ldflags "-X main.version=x.y.z"
	buildTime = "unknown" // Set via -ldflags "-X main.buildTime=..."
	gitCommit = "unknown" // Set via -ldflags "-X main.gitCommit=..."
)

func getVersion() string {
	if version != "" {
		return version
	}
	return pkgversion.String()
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	var err error
	switch command {
	case "keygen":
		err = keygenCommand(args)
	case "server":
		err = serverCommand(args)
	case "client":
		err = clientCommand(args)
	case "selftest":
		err = selftestCommand(args)
	case "bench":
		err = benchCommand(args)
	case "version":
		fmt.Printf("sealtunnel version %s\n", getVersion())
		fmt.Println(pkgversion.Full())
		if buildTime != "unknown" {
			fmt.Printf("Built: %s\n", buildTime)
		}
		commit := gitCommit
		build := pkgversion.ReadBuild()
		if commit == "unknown" {
			commit = build.ShortRevision()
		}
		if commit != "" {
			fmt.Printf("Commit: %s\n", commit)
		}
		if build.GoVersion != "" {
			fmt.Printf("Go: %s\n", build.GoVersion)
		}
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`sealtunnel - authenticated point-to-point tunnel control channel

USAGE:
    sealtunnel <command> [options]

COMMANDS:
    keygen    Generate an Ed25519 identity key
    server    Accept a single client
    client    Connect to a server (interactive)
    selftest  Run the cryptographic known-answer tests
    bench     Measure handshake and frame throughput over loopback
    version   Print version information
    help      Show this help message

Run 'sealtunnel <command> --help' for more information on a command.

EXAMPLES:
    # Create identities for both ends
    sealtunnel keygen --out server.pem
    sealtunnel keygen --out client.pem

    # Start the server, admitting only the client key
    sealtunnel server --identity server.pem --allow <client-public-key>

    # Connect, pinning the server key
    sealtunnel client --identity client.pem --server vpn.example.com:7443 \
        --server-key <server-public-key> --connect

    # Everything from a file
    sealtunnel server --config /etc/sealtunnel/sealtunnel.yaml

SECURITY:
    X25519 ephemeral key exchange (RFC 7748), Ed25519 identities (RFC 8032),
    HKDF-SHA256 (RFC 5869), ChaCha20-Poly1305 frames (RFC 8439)`)
}
