// Copyright 2026 The Keyrelay Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable that locates the config file
// when no --config flag is given.
const EnvVar = "KEYRELAY_CONFIG"

// Config is the daemon configuration. All fields have working
// defaults; an absent config file is not an error.
type Config struct {
	// Socket configures the client-facing agent socket.
	Socket SocketConfig `yaml:"socket"`

	// Backend selects and configures the command executor.
	Backend BackendConfig `yaml:"backend"`

	// Relay bounds per-request behavior.
	Relay RelayConfig `yaml:"relay"`

	// Log configures diagnostic output.
	Log LogConfig `yaml:"log"`
}

// SocketConfig configures the listening socket.
type SocketConfig struct {
	// Path is the filesystem path of the agent socket, conventionally
	// the path the real agent itself would publish (for gpg-agent,
	// the output of `gpgconf --list-dirs agent-socket`).
	Path string `yaml:"path"`

	// Mode is the socket file mode as an octal string, e.g. "0600".
	Mode string `yaml:"mode"`

	// AllowedUIDs restricts connections to the listed numeric user
	// IDs, verified via SO_PEERCRED. Empty means any local user the
	// file mode admits.
	AllowedUIDs []int `yaml:"allowed_uids"`
}

// Backend kinds accepted by BackendConfig.Kind.
const (
	// BackendUnix relays to a local agent socket.
	BackendUnix = "unix"
	// BackendExec spawns a command (typically ssh to the host holding
	// the agent) and speaks the wire protocol over its stdio.
	BackendExec = "exec"
	// BackendStdio speaks the wire protocol on the daemon's own
	// stdin/stdout, for embedding under a tunnel-owning parent.
	BackendStdio = "stdio"
)

// BackendConfig selects the command executor.
type BackendConfig struct {
	// Kind is one of "unix", "exec", or "stdio".
	Kind string `yaml:"kind"`

	// Socket is the upstream agent socket path (kind "unix").
	Socket string `yaml:"socket"`

	// Command is the tunnel command and its arguments (kind "exec").
	Command []string `yaml:"command"`
}

// RelayConfig bounds per-request behavior.
type RelayConfig struct {
	// RequestTimeout bounds one executor call. Zero disables the
	// bound; the default keeps a hung backend from stalling a session
	// forever.
	RequestTimeout Duration `yaml:"request_timeout"`

	// MaxInquiryBytes caps the total decoded data a client may attach
	// to one request across inquiry rounds.
	MaxInquiryBytes int `yaml:"max_inquiry_bytes"`

	// MaxInquiryRounds caps inquiry round-trips per request.
	MaxInquiryRounds int `yaml:"max_inquiry_rounds"`
}

// LogConfig configures diagnostic output.
type LogConfig struct {
	// Level is "debug", "info", "warn", or "error".
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file and no flags
// are given. The socket path is left empty — the caller decides
// whether an empty path is an error or has a platform convention.
func Default() *Config {
	return &Config{
		Socket: SocketConfig{Mode: "0600"},
		Backend: BackendConfig{
			Kind: BackendUnix,
		},
		Relay: RelayConfig{
			RequestTimeout:   Duration(2 * time.Minute),
			MaxInquiryBytes:  1 << 20,
			MaxInquiryRounds: 8,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads and validates the config file at path, applied on top of
// Default(). There is no search path or fallback location: the file is
// named explicitly by flag or by the KEYRELAY_CONFIG environment
// variable, keeping configuration deterministic and auditable.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config data on top of Default(). Unknown fields
// are rejected so a typo fails loudly instead of silently using a
// default.
func Parse(data []byte) (*Config, error) {
	config := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	switch c.Backend.Kind {
	case BackendUnix, BackendStdio:
	case BackendExec:
		if len(c.Backend.Command) == 0 {
			return fmt.Errorf("backend kind %q requires a command", BackendExec)
		}
	default:
		return fmt.Errorf("unknown backend kind %q", c.Backend.Kind)
	}
	if _, err := c.SocketMode(); err != nil {
		return err
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	if c.Relay.MaxInquiryBytes <= 0 {
		return fmt.Errorf("max_inquiry_bytes must be positive")
	}
	if c.Relay.MaxInquiryRounds <= 0 {
		return fmt.Errorf("max_inquiry_rounds must be positive")
	}
	return nil
}

// SocketMode parses the octal mode string.
func (c *Config) SocketMode() (os.FileMode, error) {
	mode, err := strconv.ParseUint(c.Socket.Mode, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid socket mode %q: %w", c.Socket.Mode, err)
	}
	return os.FileMode(mode), nil
}

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "2m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }
