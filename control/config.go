// File: control/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// YAML configuration for a reactor process. Components never see this
// type; the accessors below translate sections into their options.

package control

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/momentics/hioload-reactor/client"
	"github.com/momentics/hioload-reactor/db"
	"github.com/momentics/hioload-reactor/db/pgwire"
	"github.com/momentics/hioload-reactor/protocol"
	"github.com/momentics/hioload-reactor/reactor"
	"github.com/momentics/hioload-reactor/server"
)

// Config is the whole process configuration.
type Config struct {
	Reactor   ReactorConfig   `yaml:"reactor"`
	HTTP      HTTPConfig      `yaml:"http"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Database  DatabaseConfig  `yaml:"database"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ReactorConfig tunes the event loop.
type ReactorConfig struct {
	MaxDescriptors int           `yaml:"max_descriptors"`
	CallbackBudget time.Duration `yaml:"callback_budget"`
	StallWindow    time.Duration `yaml:"stall_window"`
	PollBatch      int           `yaml:"poll_batch"`
	CPU            int           `yaml:"cpu"` // pin the loop thread, -1 = off
}

// HTTPConfig covers both the server and the outbound client.
type HTTPConfig struct {
	Listen         string        `yaml:"listen"`
	TLSCert        string        `yaml:"tls_cert"`
	TLSKey         string        `yaml:"tls_key"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
}

// WebSocketConfig tunes sessions.
type WebSocketConfig struct {
	PingInterval   time.Duration `yaml:"ping_interval"`
	MaxMessageSize int           `yaml:"max_message_size"`
}

// DatabaseConfig names the PostgreSQL server. An empty User leaves the
// database disabled.
type DatabaseConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"`
	Database       string        `yaml:"database"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PipelineDepth  int           `yaml:"pipeline_depth"`
}

// LogConfig selects level and encoding.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Reactor: ReactorConfig{
			MaxDescriptors: reactor.DefaultMaxDescriptors,
			CallbackBudget: reactor.DefaultCallbackBudget,
			StallWindow:    reactor.DefaultStallWindow,
			PollBatch:      reactor.DefaultPollBatch,
			CPU:            -1,
		},
		HTTP: HTTPConfig{
			Listen:         ":8080",
			RequestTimeout: 30 * time.Second,
			IdleTimeout:    60 * time.Second,
			MaxBodyBytes:   8 << 20,
		},
		WebSocket: WebSocketConfig{
			PingInterval:   protocol.DefaultPingInterval,
			MaxMessageSize: protocol.MaxMessageSize,
		},
		Database: DatabaseConfig{
			Host:           "127.0.0.1",
			Port:           5432,
			ConnectTimeout: 10 * time.Second,
			PipelineDepth:  1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// LoadConfig reads path over the defaults. Unknown keys are rejected.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("control: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML over the defaults and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("control: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("control: "+format, args...))
	}
	if c.Reactor.MaxDescriptors <= 0 {
		bad("reactor.max_descriptors must be positive, got %d", c.Reactor.MaxDescriptors)
	}
	if c.Reactor.PollBatch <= 0 {
		bad("reactor.poll_batch must be positive, got %d", c.Reactor.PollBatch)
	}
	if c.Reactor.CallbackBudget < 0 || c.Reactor.StallWindow < 0 {
		bad("reactor durations must not be negative")
	}
	if c.HTTP.Listen == "" {
		bad("http.listen is required")
	}
	if (c.HTTP.TLSCert == "") != (c.HTTP.TLSKey == "") {
		bad("http.tls_cert and http.tls_key must be set together")
	}
	if c.HTTP.MaxHeaderBytes < 0 || c.HTTP.MaxBodyBytes < 0 {
		bad("http size limits must not be negative")
	}
	if c.WebSocket.PingInterval < 0 {
		bad("websocket.ping_interval must not be negative")
	}
	if c.Database.Port < 0 || c.Database.Port > 65535 {
		bad("database.port out of range: %d", c.Database.Port)
	}
	if c.Database.PipelineDepth < 1 {
		bad("database.pipeline_depth must be at least 1, got %d", c.Database.PipelineDepth)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		bad("log.level: %v", err)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		bad("log.format must be json or console, got %q", c.Log.Format)
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		bad("metrics.path must start with /, got %q", c.Metrics.Path)
	}
	return errors.Join(errs...)
}

// ReactorOptions translates the reactor section.
func (c *Config) ReactorOptions() []reactor.Option {
	return []reactor.Option{
		reactor.WithMaxDescriptors(c.Reactor.MaxDescriptors),
		reactor.WithCallbackBudget(c.Reactor.CallbackBudget),
		reactor.WithStallWindow(c.Reactor.StallWindow),
		reactor.WithPollBatch(c.Reactor.PollBatch),
		reactor.WithCPU(c.Reactor.CPU),
	}
}

// ServerConfig translates the http section for server.New.
func (c *Config) ServerConfig() *server.Config {
	cfg := server.DefaultConfig()
	cfg.ListenAddr = c.HTTP.Listen
	cfg.TLSCert = c.HTTP.TLSCert
	cfg.TLSKey = c.HTTP.TLSKey
	cfg.MaxHeaderBytes = c.HTTP.MaxHeaderBytes
	cfg.MaxBodyBytes = c.HTTP.MaxBodyBytes
	cfg.IdleTimeout = c.HTTP.IdleTimeout
	return cfg
}

// ClientConfig translates the http section for client.New.
func (c *Config) ClientConfig() *client.Config {
	cfg := client.DefaultConfig()
	cfg.Timeout = c.HTTP.RequestTimeout
	if c.HTTP.MaxBodyBytes > 0 {
		cfg.MaxBodyBytes = c.HTTP.MaxBodyBytes
	}
	return cfg
}

// WebSocketOptions translates the websocket section.
func (c *Config) WebSocketOptions() []protocol.Option {
	opts := []protocol.Option{protocol.WithPingInterval(c.WebSocket.PingInterval)}
	if c.WebSocket.MaxMessageSize > 0 {
		opts = append(opts, protocol.WithMaxMessageSize(c.WebSocket.MaxMessageSize))
	}
	return opts
}

// DatabaseEnabled reports whether a database user is configured.
func (c *Config) DatabaseEnabled() bool { return c.Database.User != "" }

// PGConfig translates the database section for pgwire.Dial.
func (c *Config) PGConfig() pgwire.Config {
	return pgwire.Config{
		Host:            c.Database.Host,
		Port:            c.Database.Port,
		User:            c.Database.User,
		Password:        c.Database.Password,
		Database:        c.Database.Database,
		ApplicationName: "hubd",
	}
}

// DBOptions translates the database section for db.New.
func (c *Config) DBOptions() []db.Option {
	return []db.Option{db.WithPipelineDepth(c.Database.PipelineDepth)}
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}
