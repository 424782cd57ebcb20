// Package config loads the bastion's flat, environment-variable driven
// configuration (spec.md §6 "Configuration").
//
// Grounded on github.com/gravitational/configure, a teacher dependency
// (go.mod, vendored tests under Godeps/_workspace/.../configure) whose
// ParseEnv populates a struct from `env:"VAR_NAME"`-tagged fields. This
// replaces hand-rolled os.Getenv/strconv parsing, following the rule
// that ambient concerns use the teacher's own libraries.
package config

import (
	"time"

	"github.com/gravitational/configure"
	"github.com/gravitational/trace"
)

// Config is the flat configuration surface described in spec.md §6.
type Config struct {
	// BindAddress is the address the downstream SSH listener binds to.
	BindAddress string `env:"BIND_ADDRESS"`
	// BindPort is the port the downstream SSH listener binds to.
	BindPort int `env:"BIND_PORT"`
	// MaxConnections caps the number of downstream connections handled
	// at once; connections beyond it are accepted and closed immediately.
	// It does not set the listener's accept-queue backlog.
	MaxConnections int `env:"MAX_CONNECTIONS"`
	// ServerKeyFile is the path to the persistent RSA host key presented
	// to downstream clients.
	ServerKeyFile string `env:"SERVER_KEY_FILE"`

	// DBHost is the MariaDB/MySQL host backing the directory resolver
	// and audit sink.
	DBHost string `env:"DB_HOST"`
	// DBPort is the MariaDB/MySQL port.
	DBPort int `env:"DB_PORT"`
	// DBUsername authenticates to the database.
	DBUsername string `env:"DB_USERNAME"`
	// DBPassword authenticates to the database.
	DBPassword string `env:"DB_PASSWORD"`
	// DBName is the schema holding volum_vms and volum_ssh_logs.
	DBName string `env:"DB_NAME"`

	// MaxCommandLength is the chunk size, in bytes, audit records are
	// split into before insertion (spec.md §4.B).
	MaxCommandLength int `env:"MAX_COMMAND_LENGTH"`
	// TargetSSHPort is the port dialed on resolved target VMs.
	TargetSSHPort int `env:"TARGET_SSH_PORT"`

	// LogDir is where per-session shell transcripts are written.
	LogDir string `env:"LOG_DIR"`
}

const (
	defaultBindAddress      = "0.0.0.0"
	defaultBindPort         = 32
	defaultMaxConnections   = 100
	defaultMaxCommandLength = 10000
	defaultTargetSSHPort    = 22
	defaultLogDir           = "logs"

	// AwaitSessionTimeout bounds how long the supervisor waits, after
	// successful downstream auth, for a shell/exec/subsystem request
	// before tearing the connection down (spec.md §4.D, state machine).
	AwaitSessionTimeout = 30 * time.Second

	// ShellDialTimeout bounds the upstream SSH dial for interactive
	// shell sessions (spec.md §4.E).
	ShellDialTimeout = 30 * time.Second

	// FileTransferDialTimeout bounds the upstream SSH dial for exec and
	// subsystem sessions (spec.md §4.E).
	FileTransferDialTimeout = 10 * time.Second

	// DownstreamKeepAlive is the keepalive interval advertised to
	// downstream clients (spec.md §6).
	DownstreamKeepAlive = 60 * time.Second

	// ShellBufferSize is the pump buffer size used in shell mode
	// (spec.md §4.G) -- intentionally small so the command extractor
	// sees input at fine granularity.
	ShellBufferSize = 1024

	// FileTransferBufferSize is the pump buffer size used in exec and
	// subsystem mode (spec.md §4.G).
	FileTransferBufferSize = 32768
)

// Load reads the configuration from the process environment and applies
// defaults for anything left unset.
func Load() (*Config, error) {
	var cfg Config
	if err := configure.ParseEnv(&cfg); err != nil {
		return nil, trace.Wrap(err, "parsing environment configuration")
	}
	cfg.CheckAndSetDefaults()
	return &cfg, nil
}

// CheckAndSetDefaults fills in defaults for anything Load did not find
// set in the environment, following the teacher's Config +
// CheckAndSetDefaults convention.
func (c *Config) CheckAndSetDefaults() {
	if c.BindAddress == "" {
		c.BindAddress = defaultBindAddress
	}
	if c.BindPort == 0 {
		c.BindPort = defaultBindPort
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = defaultMaxConnections
	}
	if c.MaxCommandLength == 0 {
		c.MaxCommandLength = defaultMaxCommandLength
	}
	if c.TargetSSHPort == 0 {
		c.TargetSSHPort = defaultTargetSSHPort
	}
	if c.LogDir == "" {
		c.LogDir = defaultLogDir
	}
}
