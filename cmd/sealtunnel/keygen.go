package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/pzverkov/sealtunnel/pkg/crypto"
)

func keygenCommand(args []string) error {
	fs := pflag.NewFlagSet("keygen", pflag.ExitOnError)
	out := fs.StringP("out", "o", "identity.pem", "Private key output file; the public key goes to <out>.pub")
	force := fs.BoolP("force", "f", false, "Overwrite an existing key file")

	fs.Usage = func() {
		fmt.Println(`USAGE: sealtunnel keygen [options]

Generate an Ed25519 identity key. The hex public key printed on success is
what the peer puts in allowed_clients or server_public_key.

OPTIONS:`)
		fs.PrintDefaults()
	}
	_ = fs.Parse(args)

	if !*force {
		if _, err := os.Stat(*out); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", *out)
		}
	}

	id, err := crypto.GenerateIdentity(nil)
	if err != nil {
		return err
	}
	defer id.Zeroize()

	if err := crypto.PairwiseConsistencyCheck(id); err != nil {
		return err
	}
	if err := crypto.SaveIdentity(*out, id); err != nil {
		return err
	}

	fmt.Printf("Private key: %s\n", *out)
	fmt.Printf("Public key:  %s.pub\n", *out)
	fmt.Printf("Fingerprint: %s\n", id.Fingerprint())
	fmt.Println()
	fmt.Println(hex.EncodeToString(id.PublicKey()))
	return nil
}
