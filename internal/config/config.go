// Package config holds the runtime configuration for the talels and
// taledap binaries.
//
// Precedence, lowest to highest: built-in defaults, config file
// (talekit.toml or talekit.yaml, selected by extension), TALEKIT_*
// environment variables, command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Errors returned by configuration operations.
var (
	// ErrFileNotFound indicates the configuration file doesn't exist.
	ErrFileNotFound = errors.New("config file not found")

	// ErrUnsupportedFormat indicates the file extension is not a known
	// config format.
	ErrUnsupportedFormat = errors.New("unsupported config format")

	// ErrValidationFailed indicates a setting has an invalid value.
	ErrValidationFailed = errors.New("validation failed")
)

// ParseError represents an error while parsing a configuration file.
type ParseError struct {
	// Path is the file path that failed to parse.
	Path string
	// Message describes the parse error.
	Message string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error in %s: %s", e.Path, e.Message)
}

// Unwrap returns the underlying error.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// ValidationError describes an invalid setting value.
type ValidationError struct {
	// Path is the setting path, e.g. "server.mode".
	Path string
	// Message describes what is wrong.
	Message string
	// Value is the offending value.
	Value any
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (value: %v)", e.Path, e.Message, e.Value)
}

// Is reports validation errors as ErrValidationFailed.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// Duration is a time.Duration that reads from strings like "30s" in
// both TOML and YAML files.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Mode names for ServerConfig.Mode.
const (
	ModeStdio = "stdio"
	ModeTCP   = "tcp"
	ModeWS    = "ws"
)

// ServerConfig selects the transport binding.
type ServerConfig struct {
	// Mode is stdio, tcp, or ws.
	Mode string `toml:"mode" yaml:"mode"`
	Host string `toml:"host" yaml:"host"`
	Port int    `toml:"port" yaml:"port"`
}

// PoolConfig sizes the handler worker pool.
type PoolConfig struct {
	Workers int `toml:"workers" yaml:"workers"`
	Queue   int `toml:"queue" yaml:"queue"`
}

// TimeoutConfig holds operation deadlines. A zero request timeout means
// outbound calls wait indefinitely.
type TimeoutConfig struct {
	Request  Duration `toml:"request" yaml:"request"`
	Shutdown Duration `toml:"shutdown" yaml:"shutdown"`
	Launch   Duration `toml:"launch" yaml:"launch"`
}

// LogConfig configures the logging backend.
type LogConfig struct {
	Level      string `toml:"level" yaml:"level"`
	File       string `toml:"file" yaml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" yaml:"max_age_days"`
}

// DebugConfig configures how the debug adapter starts the test runner.
type DebugConfig struct {
	// Runner is the executable launched for a debug session.
	Runner string `toml:"runner" yaml:"runner"`
	// RunnerArgs are passed before the generated --debug-port flag.
	RunnerArgs []string `toml:"runner_args" yaml:"runner_args"`
	// AttachTimeout bounds connecting to an already-running debuggee.
	AttachTimeout Duration `toml:"attach_timeout" yaml:"attach_timeout"`
}

// DiagnosticsConfig throttles publishDiagnostics traffic.
type DiagnosticsConfig struct {
	// PublishPerSecond caps sustained publish rate per document.
	PublishPerSecond float64 `toml:"publish_per_second" yaml:"publish_per_second"`
	// Burst is the number of publishes allowed to go out back to back.
	Burst int `toml:"burst" yaml:"burst"`
}

// Config is the root configuration shared by both binaries.
type Config struct {
	Server      ServerConfig      `toml:"server" yaml:"server"`
	Pool        PoolConfig        `toml:"pool" yaml:"pool"`
	Timeouts    TimeoutConfig     `toml:"timeouts" yaml:"timeouts"`
	Log         LogConfig         `toml:"log" yaml:"log"`
	Debug       DebugConfig       `toml:"debug" yaml:"debug"`
	Diagnostics DiagnosticsConfig `toml:"diagnostics" yaml:"diagnostics"`
}

// Default port assignments for the two services.
const (
	DefaultLSPPort = 6610
	DefaultDAPPort = 6611
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Mode: ModeStdio,
			Host: "127.0.0.1",
			Port: DefaultLSPPort,
		},
		Pool: PoolConfig{
			Workers: 8,
			Queue:   64,
		},
		Timeouts: TimeoutConfig{
			Request:  0,
			Shutdown: Duration(5 * time.Second),
			Launch:   Duration(15 * time.Second),
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 2,
		},
		Debug: DebugConfig{
			Runner:        "tale",
			RunnerArgs:    []string{"run", "--debug"},
			AttachTimeout: Duration(15 * time.Second),
		},
		Diagnostics: DiagnosticsConfig{
			PublishPerSecond: 2,
			Burst:            1,
		},
	}
}

// Load builds a Config from defaults, the file at path (when non-empty),
// and the environment, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile merges the file at path into the receiver. The format is
// selected by extension: .toml, .yaml, or .yml.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	switch filepath.Ext(path) {
	case ".toml":
		if err := toml.Unmarshal(data, c); err != nil {
			return &ParseError{Path: path, Message: err.Error(), Err: err}
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return &ParseError{Path: path, Message: err.Error(), Err: err}
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	return nil
}

// Validate checks setting values after all sources were applied.
func (c *Config) Validate() error {
	switch c.Server.Mode {
	case ModeStdio, ModeTCP, ModeWS:
	default:
		return &ValidationError{Path: "server.mode", Message: "must be stdio, tcp, or ws", Value: c.Server.Mode}
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return &ValidationError{Path: "server.port", Message: "out of range", Value: c.Server.Port}
	}
	if c.Pool.Workers < 0 {
		return &ValidationError{Path: "pool.workers", Message: "must not be negative", Value: c.Pool.Workers}
	}
	if c.Pool.Queue < 0 {
		return &ValidationError{Path: "pool.queue", Message: "must not be negative", Value: c.Pool.Queue}
	}
	if c.Timeouts.Request < 0 || c.Timeouts.Shutdown < 0 || c.Timeouts.Launch < 0 {
		return &ValidationError{Path: "timeouts", Message: "must not be negative", Value: c.Timeouts}
	}
	if c.Diagnostics.PublishPerSecond <= 0 {
		return &ValidationError{Path: "diagnostics.publish_per_second", Message: "must be positive", Value: c.Diagnostics.PublishPerSecond}
	}
	if c.Diagnostics.Burst < 1 {
		return &ValidationError{Path: "diagnostics.burst", Message: "must be at least 1", Value: c.Diagnostics.Burst}
	}
	return nil
}
