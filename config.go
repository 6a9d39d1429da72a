package consoled

import (
	"fmt"
	"path/filepath"
	"strings"
)

const (
	// DefaultSocketDir is where per-console listening sockets are created.
	DefaultSocketDir = "/run/consoled"
	// DefaultBufferSize is the shared ring buffer capacity handed to each
	// console when the configuration does not override it.
	DefaultBufferSize = 128 << 10
	// DefaultMetricsListen is the metrics endpoint bind address; empty
	// disables metrics.
	DefaultMetricsListen = ""
)

// Config describes one console server instance.
type Config struct {
	// ConsoleID names the console; the socket path is derived from it.
	ConsoleID string
	// SocketDir overrides the directory sockets are created in.
	SocketDir string
	// SocketPath, when set, is used verbatim instead of the derived path.
	SocketPath string
	// Device is the serial device backing the console (for example
	// /dev/ttyS4). Ignored when a sink is injected via WithSink.
	Device string
	// BufferSize caps the shared ring buffer in bytes.
	BufferSize int64
	// MetricsListen is the Prometheus scrape endpoint; empty disables it.
	MetricsListen string
}

// Validate checks the configuration and fills defaults in place.
func (c *Config) Validate() error {
	if c.SocketDir == "" {
		c.SocketDir = DefaultSocketDir
	}
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.BufferSize < 4096 {
		return fmt.Errorf("consoled: buffer size %d below 4096 byte minimum", c.BufferSize)
	}
	if c.SocketPath == "" {
		if c.ConsoleID == "" {
			return fmt.Errorf("consoled: console id required when no socket path is set")
		}
		if strings.ContainsRune(c.ConsoleID, filepath.Separator) {
			return fmt.Errorf("consoled: console id %q must not contain path separators", c.ConsoleID)
		}
	}
	return nil
}

// ResolvedSocketPath returns the listening socket path for this config.
func (c Config) ResolvedSocketPath() string {
	if c.SocketPath != "" {
		return c.SocketPath
	}
	dir := c.SocketDir
	if dir == "" {
		dir = DefaultSocketDir
	}
	return filepath.Join(dir, c.ConsoleID+".sock")
}
