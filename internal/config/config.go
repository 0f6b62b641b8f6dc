// Package config loads despotctl settings from TOML over built-in defaults.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/despot/internal/client"
	"github.com/danmuck/despot/internal/logging"
	"github.com/danmuck/despot/internal/protocol/frame"
	"github.com/danmuck/despot/internal/transport"
)

var ErrInvalid = errors.New("config: invalid")

// Config is everything despotctl needs besides the password.
type Config struct {
	Username    string
	StorePath   string
	StoreMaxAge time.Duration
	MetricsAddr string
	LogLevel    string
	Client      client.Config
}

func Default() Config {
	return Config{
		LogLevel: "info",
		Client:   client.DefaultConfig(),
	}
}

// fileConfig mirrors the TOML layout. Durations are Go duration strings.
type fileConfig struct {
	Address         string        `toml:"address"`
	Username        string        `toml:"username"`
	RequestTimeout  string        `toml:"request_timeout"`
	ConnectAttempts int           `toml:"connect_attempts"`
	StorePath       string        `toml:"store_path"`
	StoreMaxAge     string        `toml:"store_max_age"`
	MetricsAddr     string        `toml:"metrics_addr"`
	LogLevel        string        `toml:"log_level"`
	Transport       fileTransport `toml:"transport"`
}

type fileTransport struct {
	ConnectTimeout    string      `toml:"connect_timeout"`
	HandshakeTimeout  string      `toml:"handshake_timeout"`
	WriteTimeout      string      `toml:"write_timeout"`
	HeartbeatInterval string      `toml:"heartbeat_interval"`
	SessionDeadAfter  string      `toml:"session_dead_after"`
	Compress          bool        `toml:"compress"`
	Encrypt           bool        `toml:"encrypt"`
	MaxPayloadBytes   uint32      `toml:"max_payload_bytes"`
	Backoff           fileBackoff `toml:"backoff"`
	TLS               fileTLS     `toml:"tls"`
}

type fileBackoff struct {
	InitialDelay string  `toml:"initial_delay"`
	Multiplier   float64 `toml:"multiplier"`
	MaxDelay     string  `toml:"max_delay"`
	Jitter       bool    `toml:"jitter"`
}

type fileTLS struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CAFile             string `toml:"ca_file"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// Load reads path and overlays every key it defines onto Default().
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg, err := apply(Default(), raw, meta)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Decode is Load for in-memory TOML.
func Decode(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed: %w", err)
	}
	cfg, err := apply(Default(), raw, meta)
	if err != nil {
		return Config{}, err
	}
	return cfg, Validate(cfg)
}

func apply(cfg Config, raw fileConfig, meta toml.MetaData) (Config, error) {
	var err error
	durations := []struct {
		key []string
		val string
		dst *time.Duration
	}{
		{[]string{"request_timeout"}, raw.RequestTimeout, &cfg.Client.RequestTimeout},
		{[]string{"store_max_age"}, raw.StoreMaxAge, &cfg.StoreMaxAge},
		{[]string{"transport", "connect_timeout"}, raw.Transport.ConnectTimeout, &cfg.Client.Transport.ConnectTimeout},
		{[]string{"transport", "handshake_timeout"}, raw.Transport.HandshakeTimeout, &cfg.Client.Transport.HandshakeTimeout},
		{[]string{"transport", "write_timeout"}, raw.Transport.WriteTimeout, &cfg.Client.Transport.WriteTimeout},
		{[]string{"transport", "heartbeat_interval"}, raw.Transport.HeartbeatInterval, &cfg.Client.Transport.HeartbeatInterval},
		{[]string{"transport", "session_dead_after"}, raw.Transport.SessionDeadAfter, &cfg.Client.Transport.SessionDeadAfter},
		{[]string{"transport", "backoff", "initial_delay"}, raw.Transport.Backoff.InitialDelay, &cfg.Client.Transport.Backoff.InitialDelay},
		{[]string{"transport", "backoff", "max_delay"}, raw.Transport.Backoff.MaxDelay, &cfg.Client.Transport.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key...) {
			continue
		}
		if *d.dst, err = time.ParseDuration(strings.TrimSpace(d.val)); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", strings.Join(d.key, "."), err)
		}
	}

	if meta.IsDefined("address") {
		cfg.Client.Address = strings.TrimSpace(raw.Address)
	}
	if meta.IsDefined("username") {
		cfg.Username = strings.TrimSpace(raw.Username)
	}
	if meta.IsDefined("connect_attempts") {
		cfg.Client.ConnectAttempts = raw.ConnectAttempts
	}
	if meta.IsDefined("store_path") {
		cfg.StorePath = strings.TrimSpace(raw.StorePath)
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	t := &cfg.Client.Transport
	if meta.IsDefined("transport", "compress") {
		t.Compress = raw.Transport.Compress
	}
	if meta.IsDefined("transport", "encrypt") {
		t.Encrypt = raw.Transport.Encrypt
	}
	if meta.IsDefined("transport", "max_payload_bytes") {
		t.Limits = frame.Limits{MaxPayloadBytes: raw.Transport.MaxPayloadBytes}
	}
	if meta.IsDefined("transport", "backoff", "multiplier") {
		t.Backoff.Multiplier = raw.Transport.Backoff.Multiplier
	}
	if meta.IsDefined("transport", "backoff", "jitter") {
		t.Backoff.Jitter = raw.Transport.Backoff.Jitter
	}
	if meta.IsDefined("transport", "tls") {
		t.TLS = transport.TLSConfig{
			Enabled:            raw.Transport.TLS.Enabled,
			Mutual:             raw.Transport.TLS.Mutual,
			CAFile:             strings.TrimSpace(raw.Transport.TLS.CAFile),
			CertFile:           strings.TrimSpace(raw.Transport.TLS.CertFile),
			KeyFile:            strings.TrimSpace(raw.Transport.TLS.KeyFile),
			ServerName:         strings.TrimSpace(raw.Transport.TLS.ServerName),
			InsecureSkipVerify: raw.Transport.TLS.InsecureSkipVerify,
		}
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	addr := strings.TrimSpace(cfg.Client.Address)
	if addr == "" {
		return fmt.Errorf("%w: address is required", ErrInvalid)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%w: address %q: %v", ErrInvalid, addr, err)
	}
	if cfg.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.MetricsAddr); err != nil {
			return fmt.Errorf("%w: metrics_addr %q: %v", ErrInvalid, cfg.MetricsAddr, err)
		}
	}
	if cfg.Client.RequestTimeout <= 0 {
		return fmt.Errorf("%w: request_timeout must be positive", ErrInvalid)
	}
	if cfg.Client.ConnectAttempts < 0 {
		return fmt.Errorf("%w: connect_attempts must not be negative", ErrInvalid)
	}
	t := cfg.Client.Transport
	if t.HeartbeatInterval > 0 && t.SessionDeadAfter > 0 && t.SessionDeadAfter <= t.HeartbeatInterval {
		return fmt.Errorf("%w: session_dead_after must exceed heartbeat_interval", ErrInvalid)
	}
	if t.Limits.MaxPayloadBytes == 0 {
		return fmt.Errorf("%w: max_payload_bytes must be positive", ErrInvalid)
	}
	if _, ok := logging.ParseLevel(cfg.LogLevel); !ok {
		return fmt.Errorf("%w: log_level %q", ErrInvalid, cfg.LogLevel)
	}
	if err := t.TLS.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}
