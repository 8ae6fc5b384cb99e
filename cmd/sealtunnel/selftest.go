package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"

	"github.com/pzverkov/sealtunnel/pkg/crypto"
)

func selftestCommand(args []string) error {
	fs := pflag.NewFlagSet("selftest", pflag.ExitOnError)
	fs.Usage = func() {
		fmt.Println(`USAGE: sealtunnel selftest

Run the X25519, Ed25519, HKDF and ChaCha20-Poly1305 known-answer tests.`)
	}
	_ = fs.Parse(args)

	result := crypto.RunSelfTest()

	fmt.Println("Cryptographic self-test")
	fmt.Println(strings.Repeat("─", 40))
	printCheck("X25519 (RFC 7748)", result.X25519Passed)
	printCheck("Ed25519 (RFC 8032)", result.Ed25519Passed)
	printCheck("HKDF-SHA256 (RFC 5869)", result.HKDFPassed)
	printCheck("ChaCha20-Poly1305 (RFC 8439)", result.AEADPassed)

	if !result.Passed {
		for _, e := range result.Errors {
			fmt.Printf("  %s\n", e)
		}
		return errors.New("self-test failed")
	}
	fmt.Println("\nAll tests passed")
	return nil
}

func printCheck(name string, ok bool) {
	mark := "✓"
	if !ok {
		mark = "✗"
	}
	fmt.Printf("%s %s\n", mark, name)
}
