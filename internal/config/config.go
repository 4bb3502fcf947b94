// Package config provides Viper-based configuration loading for the message bus.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment variable overrides, e.g.
// MSGBUS_SERVER_PORT for server.port.
const EnvPrefix = "MSGBUS"

// ServerConfig holds the client-facing listener settings.
type ServerConfig struct {
	// Host is the bind address for the TCP listener.
	Host string `mapstructure:"host" yaml:"host"`
	// Port is the TCP port for the listener.
	Port int `mapstructure:"port" yaml:"port"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// TransportConfig holds per-connection framing and socket settings.
type TransportConfig struct {
	// ReadTimeout bounds the wait for the next frame. Zero disables it.
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	// WriteTimeout bounds each frame write. Zero disables it.
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	// MaxFrameSize is the largest accepted payload in bytes.
	MaxFrameSize int `mapstructure:"max_frame_size" yaml:"max_frame_size"`
	// KeepAlivePeriod is the TCP keep-alive interval. Negative disables keep-alive.
	KeepAlivePeriod time.Duration `mapstructure:"keepalive_period" yaml:"keepalive_period"`
	// OutboxSize is the number of outbound frames buffered per session.
	OutboxSize int `mapstructure:"outbox_size" yaml:"outbox_size"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level" yaml:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format" yaml:"format"`
}

// HealthConfig holds the gRPC health service settings.
type HealthConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Host    string `mapstructure:"host" yaml:"host"`
	Port    int    `mapstructure:"port" yaml:"port"`
}

// Addr returns the "host:port" gRPC address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (h HealthConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// ScriptingConfig holds Lua handler settings.
type ScriptingConfig struct {
	// Dir holds *.lua scripts. Empty disables scripted handlers.
	Dir string `mapstructure:"dir" yaml:"dir"`
	// InstructionLimit caps Lua instructions per handler call.
	InstructionLimit int `mapstructure:"instruction_limit" yaml:"instruction_limit"`
}

// DiagnosticsConfig holds the unregistered-type tracker settings.
type DiagnosticsConfig struct {
	// Window is how long an unregistered type is counted before it is
	// reported at warn level again.
	Window time.Duration `mapstructure:"window" yaml:"window"`
	// CleanupInterval is how often expired entries are purged.
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
}

// Config is the top-level application configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Transport   TransportConfig   `mapstructure:"transport" yaml:"transport"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
	Health      HealthConfig      `mapstructure:"health" yaml:"health"`
	Scripting   ScriptingConfig   `mapstructure:"scripting" yaml:"scripting"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics" yaml:"diagnostics"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	for _, err := range []error{
		validatePort("server.port", c.Server.Port),
		validateTransport(c.Transport),
		validateLogging(c.Logging),
		validateHealth(c.Health, c.Server),
		validateScripting(c.Scripting),
		validateDiagnostics(c.Diagnostics),
	} {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validatePort(key string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be 1-65535, got %d", key, port)
	}
	return nil
}

func validateTransport(t TransportConfig) error {
	var errs []string
	if t.ReadTimeout < 0 {
		errs = append(errs, "transport.read_timeout must not be negative")
	}
	if t.WriteTimeout < 0 {
		errs = append(errs, "transport.write_timeout must not be negative")
	}
	if t.MaxFrameSize < 1 {
		errs = append(errs, fmt.Sprintf("transport.max_frame_size must be >= 1, got %d", t.MaxFrameSize))
	}
	if t.OutboxSize < 1 {
		errs = append(errs, fmt.Sprintf("transport.outbox_size must be >= 1, got %d", t.OutboxSize))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func validateHealth(h HealthConfig, s ServerConfig) error {
	if !h.Enabled {
		return nil
	}
	if err := validatePort("health.port", h.Port); err != nil {
		return err
	}
	if h.Port == s.Port && h.Host == s.Host {
		return fmt.Errorf("health address %s collides with server address", h.Addr())
	}
	return nil
}

func validateScripting(s ScriptingConfig) error {
	if s.InstructionLimit < 0 {
		return fmt.Errorf("scripting.instruction_limit must be >= 0, got %d", s.InstructionLimit)
	}
	return nil
}

func validateDiagnostics(d DiagnosticsConfig) error {
	if d.Window <= 0 {
		return errors.New("diagnostics.window must be positive")
	}
	if d.CleanupInterval < 0 {
		return errors.New("diagnostics.cleanup_interval must not be negative")
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result. An empty path uses defaults and
// environment overrides only.
//
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()

	// Environment variable overrides with MSGBUS_ prefix
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the built-in defaults, ignoring files and environment.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return cfg
}

// Dump renders cfg as YAML in the same layout Load accepts.
//
// Postcondition: Returns the YAML document or a marshalling error.
func Dump(cfg Config) ([]byte, error) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshalling config: %w", err)
	}
	return out, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("transport.read_timeout", "5m")
	v.SetDefault("transport.write_timeout", "10s")
	v.SetDefault("transport.max_frame_size", 1<<20)
	v.SetDefault("transport.keepalive_period", "30s")
	v.SetDefault("transport.outbox_size", 64)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("health.enabled", true)
	v.SetDefault("health.host", "0.0.0.0")
	v.SetDefault("health.port", 8081)

	v.SetDefault("scripting.dir", "")
	v.SetDefault("scripting.instruction_limit", 0)

	v.SetDefault("diagnostics.window", "1m")
	v.SetDefault("diagnostics.cleanup_interval", "5m")
}
