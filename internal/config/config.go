// Package config holds the runtime configuration for the legion server and
// the defaults for its resource limits.
package config

import (
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// Resource-limit defaults, named after the constants in the design.
const (
	DefaultMaxFD         = 4096
	DefaultMaxQueueConn  = 64
	DefaultMaxAliveConn  = 256
	DefaultTaskQueueSize = 64
	DefaultThreadCount   = 16
	DefaultEpollTimeout  = time.Second
	DefaultTLSTimeout    = 5 * time.Second
	DefaultRTTTimeout    = 200 * time.Millisecond
	DefaultBufferSize    = 8192
	DefaultPort          = 443
)

// Config configuration to run the server.
//
// Default settings should satisfy the majority of legion users. Adjust
// resource-limit fields only if you really understand the consequences.
type Config struct { // nolint:maligned
	// IP is the bind address. Empty means the dual-stack wildcard.
	IP string

	// Port is the bind port. Zero means DefaultPort.
	Port int

	// AssetRoot is the directory walked once at startup to populate the
	// asset cache.
	AssetRoot string

	// Daemonize records a request to run detached. legion only logs the
	// request after startup checks pass and keeps running in the
	// foreground; the fork/setsid plumbing is an external collaborator
	// (see spec §1).
	Daemonize bool

	// CertFile / KeyFile locate the TLS certificate and private key.
	CertFile string
	KeyFile  string

	// Resource limits (see spec §5).
	MaxFD         int
	MaxQueueConn  int
	MaxAliveConn  int
	TaskQueueSize int
	ThreadCount   int

	// Timeouts.
	EpollTimeout time.Duration
	TLSTimeout   time.Duration
	RTTTimeout   time.Duration

	// BufferSize is the per-connection receive buffer size.
	BufferSize int

	// Logger receives all structured log output. Required.
	Logger *logrus.Logger
}

// WithDefaults returns a copy of cfg with zero-valued resource-limit and
// timeout fields replaced by their defaults.
func (cfg Config) WithDefaults() Config {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.MaxFD == 0 {
		cfg.MaxFD = DefaultMaxFD
	}
	if cfg.MaxQueueConn == 0 {
		cfg.MaxQueueConn = DefaultMaxQueueConn
	}
	if cfg.MaxAliveConn == 0 {
		cfg.MaxAliveConn = DefaultMaxAliveConn
	}
	if cfg.TaskQueueSize == 0 {
		cfg.TaskQueueSize = DefaultTaskQueueSize
	}
	if cfg.ThreadCount == 0 {
		cfg.ThreadCount = DefaultThreadCount
	}
	if cfg.EpollTimeout == 0 {
		cfg.EpollTimeout = DefaultEpollTimeout
	}
	if cfg.TLSTimeout == 0 {
		cfg.TLSTimeout = DefaultTLSTimeout
	}
	if cfg.RTTTimeout == 0 {
		cfg.RTTTimeout = DefaultRTTTimeout
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	return cfg
}

// Validate checks the fields that can fail startup outright (spec §6 Exit
// codes, §4.4 address resolution).
func (cfg Config) Validate() error {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("config: port %d out of range [0, 65535]", cfg.Port)
	}
	if cfg.IP != "" && net.ParseIP(cfg.IP) == nil {
		return fmt.Errorf("config: %q is not a valid IP literal", cfg.IP)
	}
	if cfg.AssetRoot == "" {
		return fmt.Errorf("config: asset root must not be empty")
	}
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return fmt.Errorf("config: both cert and key files are required")
	}
	if cfg.Logger == nil {
		return fmt.Errorf("config: logger must not be nil")
	}
	return nil
}

// Network returns the listener network ("tcp4", "tcp6" or "tcp") implied by
// the IP literal, following spec §4.4's three address forms.
func (cfg Config) Network() string {
	if cfg.IP == "" {
		return "tcp"
	}
	ip := net.ParseIP(cfg.IP)
	if ip != nil && ip.To4() == nil {
		return "tcp6"
	}
	return "tcp4"
}
