// Command kiln-token prints a bearer token for a build client.
package main

import (
	"fmt"
	"os"

	"github.com/k11v/kiln/internal/auth"
)

func main() {
	if err := run(os.Environ()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func run(environ []string) error {
	cfg, err := parseConfig(environ)
	if err != nil {
		return err
	}

	key, err := auth.ReadPrivateKeyFile(cfg.JWTSignatureKeyFile)
	if err != nil {
		return err
	}
	token, err := auth.Sign(key, cfg.Subject, cfg.ttl())
	if err != nil {
		return err
	}

	_, err = fmt.Println(token)
	return err
}
