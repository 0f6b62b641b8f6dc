package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

// DialFunc opens a fresh byte stream to the service.
type DialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// Dialer opens TCP connections, optionally wrapped in TLS.
type Dialer struct {
	Address string
	Config  Config
}

func (d Dialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	cfg := d.Config.WithDefaults()
	if err := cfg.TLS.Validate(); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrNotConnected, d.Address, err)
	}
	if !cfg.TLS.Enabled {
		return rawConn, nil
	}

	tlsCfg, err := cfg.TLS.ClientTLS(d.Address)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, fmt.Errorf("%w: tls handshake: %v", ErrProtocol, err)
	}
	return conn, nil
}

// ConnectWithRetry dials and authenticates, backing off between attempts.
// Rejected credentials are returned immediately. maxAttempts <= 0 retries
// until ctx is done.
func (s *Session) ConnectWithRetry(ctx context.Context, dial DialFunc, creds Credentials, maxAttempts int) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for attempt := 1; ; attempt++ {
		conn, err := dial(ctx)
		if err == nil {
			err = s.Connect(ctx, conn, creds)
			if err == nil {
				return nil
			}
		}
		if errors.Is(err, ErrAuth) || errors.Is(err, ErrAlreadyConnected) || ctx.Err() != nil {
			return err
		}
		if maxAttempts > 0 && attempt >= maxAttempts {
			return err
		}
		delay := NextBackoffDelay(s.cfg.Backoff, attempt, rng)
		log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("transport.ConnectWithRetry retrying")
		if err := sleepContext(ctx, delay); err != nil {
			return err
		}
	}
}
