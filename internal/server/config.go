package server

import (
	"time"
)

// Config holds the server configuration.
type Config struct {
	Host              string        `env:"HOST"`                // default: "127.0.0.1"
	Port              int           `env:"PORT"`                // default: 8080
	ReadHeaderTimeout time.Duration `env:"READ_HEADER_TIMEOUT"` // default: 10s
	MaxArchiveSize    int64         `env:"MAX_ARCHIVE_SIZE"`    // default: 1GiB

	// JWTVerificationKeyFile enables bearer token checks on build routes.
	JWTVerificationKeyFile string `env:"JWT_VERIFICATION_KEY_FILE"`
}

func (c *Config) host() string {
	h := c.Host
	if h == "" {
		h = "127.0.0.1"
	}
	return h
}

func (c *Config) port() int {
	p := c.Port
	if p == 0 {
		p = 8080
	}
	return p
}

func (c *Config) readHeaderTimeout() time.Duration {
	if c.ReadHeaderTimeout == 0 {
		return 10 * time.Second
	}
	return c.ReadHeaderTimeout
}

func (c *Config) maxArchiveSize() int64 {
	if c.MaxArchiveSize <= 0 {
		return 1 << 30
	}
	return c.MaxArchiveSize
}
