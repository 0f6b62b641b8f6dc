package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

const templateHeader = `# despotctl configuration
# durations use Go syntax (250ms, 5s, 1m30s)
# the password is never read from this file; set DESPOT_PASSWORD or pipe it on stdin

`

// Template renders Default() as a TOML document that Load accepts.
func Template() (string, error) {
	var buf bytes.Buffer
	buf.WriteString(templateHeader)
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(true)
	if err := enc.Encode(toFile(Default())); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return buf.String(), nil
}

func WriteTemplate(path string, overwrite bool) error {
	template, err := Template()
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

func toFile(cfg Config) fileConfig {
	t := cfg.Client.Transport
	return fileConfig{
		Address:         cfg.Client.Address,
		Username:        cfg.Username,
		RequestTimeout:  cfg.Client.RequestTimeout.String(),
		ConnectAttempts: cfg.Client.ConnectAttempts,
		StorePath:       cfg.StorePath,
		StoreMaxAge:     cfg.StoreMaxAge.String(),
		MetricsAddr:     cfg.MetricsAddr,
		LogLevel:        cfg.LogLevel,
		Transport: fileTransport{
			ConnectTimeout:    t.ConnectTimeout.String(),
			HandshakeTimeout:  t.HandshakeTimeout.String(),
			WriteTimeout:      t.WriteTimeout.String(),
			HeartbeatInterval: t.HeartbeatInterval.String(),
			SessionDeadAfter:  t.SessionDeadAfter.String(),
			Compress:          t.Compress,
			Encrypt:           t.Encrypt,
			MaxPayloadBytes:   t.Limits.MaxPayloadBytes,
			Backoff: fileBackoff{
				InitialDelay: t.Backoff.InitialDelay.String(),
				Multiplier:   t.Backoff.Multiplier,
				MaxDelay:     t.Backoff.MaxDelay.String(),
				Jitter:       t.Backoff.Jitter,
			},
			TLS: fileTLS{
				Enabled:            t.TLS.Enabled,
				Mutual:             t.TLS.Mutual,
				CAFile:             t.TLS.CAFile,
				CertFile:           t.TLS.CertFile,
				KeyFile:            t.TLS.KeyFile,
				ServerName:         t.TLS.ServerName,
				InsecureSkipVerify: t.TLS.InsecureSkipVerify,
			},
		},
	}
}
