package main

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/k11v/kiln/internal/build"
	"github.com/k11v/kiln/internal/client"
	"github.com/k11v/kiln/internal/remotebuild"
)

func newBuildCmd(cfg *config) *cobra.Command {
	var (
		serverURL string
		token     string
		vcordova  string
		release   bool
		device    bool
		outputDir string
		certFile  string
		keyFile   string
		caFile    string
	)

	cmd := &cobra.Command{
		Use:   "build <platform> [project]",
		Short: "Build the project for a platform remotely",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectRoot := "."
			if len(args) == 2 {
				projectRoot = args[1]
			}
			if vcordova == "" {
				return errors.New("missing toolchain version, set --vcordova or KILN_VCORDOVA")
			}

			tlsConfig, err := loadTLSConfig(certFile, keyFile, caFile)
			if err != nil {
				return err
			}
			c, err := client.New(&client.NewParams{
				ServerURL: serverURL,
				Token:     token,
				TLSConfig: tlsConfig,
			})
			if err != nil {
				return err
			}

			configuration := build.ConfigurationDebug
			if release {
				configuration = build.ConfigurationRelease
			}

			info, err := remotebuild.Run(cmd.Context(), c, &remotebuild.RunParams{
				ProjectRoot:   projectRoot,
				Platform:      args[0],
				Configuration: configuration,
				Vcordova:      vcordova,
				Device:        device,
				OutputDir:     outputDir,
				PollInterval:  cfg.pollInterval(),
				Log:           cmd.OutOrStdout(),
			})
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "build %d: %s\n", info.BuildNumber, info.Status)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&serverURL, "server", cfg.serverURL(), "Build server URL (KILN_SERVER_URL)")
	flags.StringVar(&token, "token", cfg.Token, "Bearer token (KILN_TOKEN)")
	flags.StringVar(&vcordova, "vcordova", cfg.Vcordova, "Toolchain version (KILN_VCORDOVA)")
	flags.BoolVar(&release, "release", false, "Build the release configuration")
	flags.BoolVar(&device, "device", false, "Build for a device and download the artifact")
	flags.StringVarP(&outputDir, "output", "o", "", "Output directory, defaults to <project>/.kiln/<platform>")
	flags.StringVar(&certFile, "cert", cfg.CertFile, "Client certificate file (KILN_CERT_FILE)")
	flags.StringVar(&keyFile, "key", cfg.KeyFile, "Client key file (KILN_KEY_FILE)")
	flags.StringVar(&caFile, "ca", cfg.CAFile, "Server CA certificate file (KILN_CA_FILE)")
	return cmd
}

// loadTLSConfig returns nil when no file is set.
func loadTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	if certFile == "" && keyFile == "" && caFile == "" {
		return nil, nil
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if certFile != "" || keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("CA certificate: no certificates in %s", caFile)
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}
