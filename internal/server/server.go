// Package server serves the build API over HTTP.
//
//	@title			kiln build API
//	@version		1.0
//	@description	Remote builds of hybrid mobile projects.
//	@BasePath		/
package server

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/k11v/kiln/internal/auth"

	_ "github.com/k11v/kiln/docs" // registers the API docs served under /swagger/
)

type NewParams struct {
	Config      *Config      // required
	Service     Service      // required
	Logger      *slog.Logger // required
	Development bool         // serves the API docs
}

// New returns a new HTTP server.
// It should be started with http.Server's ListenAndServe.
func New(params *NewParams) (*http.Server, error) {
	cfg := params.Config
	addr := net.JoinHostPort(cfg.host(), strconv.Itoa(cfg.port()))

	subLogger := params.Logger.With("component", "server")
	subLogLogger := slog.NewLogLogger(subLogger.Handler(), slog.LevelError)

	hp := &handlerParams{
		Service:        params.Service,
		Logger:         subLogger,
		MaxArchiveSize: cfg.maxArchiveSize(),
		Development:    params.Development,
	}
	if cfg.JWTVerificationKeyFile != "" {
		key, err := auth.ReadPublicKeyFile(cfg.JWTVerificationKeyFile)
		if err != nil {
			return nil, fmt.Errorf("server: %w", err)
		}
		hp.JWTVerificationKey = key
	} else {
		subLogger.Warn("serving build routes without token checks")
	}

	return &http.Server{
		Addr:              addr,
		ErrorLog:          subLogLogger,
		Handler:           newHandler(hp),
		ReadHeaderTimeout: cfg.readHeaderTimeout(),
	}, nil
}
