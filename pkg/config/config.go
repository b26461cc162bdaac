// Package config loads the chatstream settings file: YAML with Go-template
// environment expansion, defaults applied for anything omitted.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the umbrella configuration object handed to main.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Stream    StreamConfig    `yaml:"stream"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Websocket WebsocketConfig `yaml:"websocket"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StreamConfig tunes the multiplexer.
type StreamConfig struct {
	// CancelWhenEmpty cancels a stream's execution once its last subscriber
	// detaches instead of letting it finish naturally.
	CancelWhenEmpty bool `yaml:"cancel_when_empty"`
}

// ReconnectConfig bounds the retry backoff.
type ReconnectConfig struct {
	BackoffBase Duration `yaml:"backoff_base"`
	BackoffMax  Duration `yaml:"backoff_max"`
}

// WebsocketConfig tunes the observer endpoint.
type WebsocketConfig struct {
	WriteTimeout   Duration `yaml:"write_timeout"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Duration decodes YAML duration strings like "500ms" or "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8000},
		Reconnect: ReconnectConfig{
			BackoffBase: Duration(500 * time.Millisecond),
			BackoffMax:  Duration(30 * time.Second),
		},
		Websocket: WebsocketConfig{
			WriteTimeout: Duration(10 * time.Second),
		},
	}
}

// Load reads the settings file at path, expands environment variables, and
// applies defaults and overrides. A missing file is not an error: defaults
// are used and the absence is logged.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		slog.Info("no settings file found, using defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("read settings file: %w", err)
	default:
		if err := yaml.Unmarshal(ExpandEnv(data), cfg); err != nil {
			return nil, fmt.Errorf("parse settings file %s: %w", path, err)
		}
	}

	// PORT wins over the file so container platforms can inject it.
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT %q: %w", port, err)
		}
		cfg.Server.Port = p
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Reconnect.BackoffBase <= 0 {
		return fmt.Errorf("reconnect backoff_base must be positive")
	}
	if c.Reconnect.BackoffMax < c.Reconnect.BackoffBase {
		return fmt.Errorf("reconnect backoff_max must be at least backoff_base")
	}
	if c.Websocket.WriteTimeout <= 0 {
		return fmt.Errorf("websocket write_timeout must be positive")
	}
	return nil
}
