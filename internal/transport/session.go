package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/despot/internal/observability"
	"github.com/danmuck/despot/internal/protocol/frame"
	"github.com/danmuck/despot/internal/protocol/handshake"
	"github.com/danmuck/despot/internal/protocol/payload"
	"github.com/danmuck/despot/internal/protocol/schema"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Handler receives every inbound frame that is not keep-alive traffic.
type Handler func(frame.Frame)

type Option func(*Session)

// WithFailureHook registers fn to run once per unexpected failure of an
// authenticated session. It runs on the goroutine that detected the failure.
func WithFailureHook(fn func(error)) Option {
	return func(s *Session) { s.onFail = fn }
}

func WithClientID(id uuid.UUID) Option {
	return func(s *Session) { s.clientID = id }
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

type Session struct {
	cfg      Config
	handler  Handler
	onFail   func(error)
	clientID uuid.UUID

	mu     sync.Mutex
	state  State
	gen    uint64
	conn   io.ReadWriteCloser
	sealer *payload.Sealer
	cancel context.CancelFunc

	writeMu  sync.Mutex
	wg       sync.WaitGroup
	lastSeen atomic.Int64
	events   chan Event
}

func NewSession(cfg Config, handler Handler, opts ...Option) *Session {
	cfg = cfg.WithDefaults()
	s := &Session{
		cfg:      cfg,
		handler:  handler,
		clientID: uuid.New(),
		events:   make(chan Event, cfg.EventBuffer),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.handler == nil {
		s.handler = func(frame.Frame) {}
	}
	observability.RecordSessionState(StateDisconnected.String())
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) ClientID() uuid.UUID {
	return s.clientID
}

// Events delivers state transitions. Events are dropped when the buffer is full.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Connect runs the handshake over conn and, on success, takes ownership of it.
// A session in Disconnected or Failed state may Connect again.
func (s *Session) Connect(ctx context.Context, conn io.ReadWriteCloser, creds Credentials) error {
	if conn == nil {
		return fmt.Errorf("%w: nil connection", ErrNotConnected)
	}
	s.mu.Lock()
	if s.state == StateHandshaking || s.state == StateAuthenticated {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.gen++
	gen := s.gen
	s.setStateLocked(StateHandshaking, nil)
	s.mu.Unlock()

	// goroutines of a previous connection exit once their conn is closed
	s.wg.Wait()

	reader := frame.NewReader(conn, s.cfg.Limits)
	type result struct {
		sealer *payload.Sealer
		err    error
	}
	done := make(chan result, 1)
	go func() {
		sealer, err := s.handshake(conn, reader, creds)
		done <- result{sealer: sealer, err: err}
	}()

	timer := time.NewTimer(s.cfg.HandshakeTimeout)
	defer timer.Stop()
	var res result
	select {
	case res = <-done:
	case <-timer.C:
		res.err = fmt.Errorf("%w: handshake exceeded %s", ErrTimeout, s.cfg.HandshakeTimeout)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.err = fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		} else {
			res.err = ctx.Err()
		}
	}

	if res.err != nil {
		_ = conn.Close()
		next := StateFailed
		if errors.Is(res.err, ErrAuth) || errors.Is(res.err, context.Canceled) {
			next = StateDisconnected
		}
		s.mu.Lock()
		if s.gen == gen {
			s.setStateLocked(next, res.err)
		}
		s.mu.Unlock()
		log.Warn().Err(res.err).Str("user", creds.Username).Msg("transport.Connect handshake failed")
		return res.err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		cancel()
		_ = conn.Close()
		return ErrClosed
	}
	s.conn = conn
	s.sealer = res.sealer
	s.cancel = cancel
	s.lastSeen.Store(time.Now().UnixNano())
	s.setStateLocked(StateAuthenticated, nil)
	s.mu.Unlock()

	s.wg.Add(2)
	go s.readLoop(runCtx, gen, reader, res.sealer)
	go s.keepAlive(runCtx, gen)
	log.Info().Str("user", creds.Username).Str("client_id", s.clientID.String()).Msg("transport.Connect authenticated")
	return nil
}

// Send writes one frame. It is only valid while Authenticated.
func (s *Session) Send(f frame.Frame) error {
	s.mu.Lock()
	if s.state != StateAuthenticated {
		s.mu.Unlock()
		return ErrNotConnected
	}
	conn, sealer, gen := s.conn, s.sealer, s.gen
	s.mu.Unlock()

	out, err := s.outbound(f, sealer)
	if err != nil {
		return err
	}
	if err := s.write(conn, out); err != nil {
		observability.RecordFrame("out", "error")
		s.fail(gen, fmt.Errorf("%w: write: %v", ErrConnectionLost, err))
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	observability.RecordFrame("out", observability.OutcomeOK)
	return nil
}

// Close tears down the connection and returns the session to Disconnected.
// It must not be called from the Handler.
func (s *Session) Close() error {
	s.mu.Lock()
	conn, cancel := s.conn, s.cancel
	s.conn, s.sealer, s.cancel = nil, nil, nil
	s.gen++
	if s.state != StateDisconnected {
		s.setStateLocked(StateDisconnected, nil)
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Session) handshake(conn io.Writer, r *frame.Reader, creds Credentials) (*payload.Sealer, error) {
	nonce, err := handshake.NewNonce()
	if err != nil {
		return nil, err
	}
	hello, err := handshake.Hello{
		Username:        creds.Username,
		ClientID:        s.clientID.String(),
		ClientNonce:     nonce,
		ProtocolVersion: handshake.ProtocolVersion,
	}.Frame()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if err := s.write(conn, hello); err != nil {
		return nil, fmt.Errorf("%w: send hello: %v", ErrConnectionLost, err)
	}

	reply, err := s.readHandshake(r)
	if err != nil {
		return nil, err
	}
	if reply.Type == schema.MsgAuthResult {
		// early rejection, e.g. unknown user
		return nil, authFailure(reply)
	}
	challenge, err := handshake.DecodeChallenge(reply)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	authKey, err := handshake.DeriveAuthKey(creds.Password, challenge.Salt)
	if err != nil {
		return nil, err
	}
	proof := handshake.ComputeProof(authKey, nonce, challenge.ServerNonce, creds.Username)
	if err := s.write(conn, handshake.Proof{MAC: proof}.Frame()); err != nil {
		return nil, fmt.Errorf("%w: send proof: %v", ErrConnectionLost, err)
	}

	reply, err = s.readHandshake(r)
	if err != nil {
		return nil, err
	}
	if err := authFailure(reply); err != nil {
		return nil, err
	}
	key, err := payload.DeriveSessionKey(authKey, nonce, challenge.ServerNonce)
	if err != nil {
		return nil, err
	}
	return payload.NewSealer(key, payload.ClientToServer)
}

func (s *Session) readHandshake(r *frame.Reader) (frame.Frame, error) {
	f, err := r.Next()
	if err != nil {
		var malformed *frame.MalformedError
		if errors.As(err, &malformed) {
			return frame.Frame{}, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		return frame.Frame{}, fmt.Errorf("%w: handshake read: %v", ErrConnectionLost, err)
	}
	f, err = s.inbound(f, nil)
	if err != nil {
		return frame.Frame{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return f, nil
}

// authFailure returns nil for an accepted AuthResult.
func authFailure(f frame.Frame) error {
	res, err := handshake.DecodeAuthResult(f)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if !res.OK {
		return &AuthError{Code: res.Code, Message: res.Message}
	}
	return nil
}

func (s *Session) readLoop(ctx context.Context, gen uint64, r *frame.Reader, sealer *payload.Sealer) {
	defer s.wg.Done()
	for {
		f, err := r.Next()
		if err != nil {
			var malformed *frame.MalformedError
			if errors.As(err, &malformed) && !malformed.Fatal {
				observability.RecordFrame("in", "malformed")
				log.Warn().Err(err).Msg("transport.readLoop skipped malformed frame")
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if malformed != nil {
				s.fail(gen, fmt.Errorf("%w: %v", ErrProtocol, err))
			} else {
				s.fail(gen, fmt.Errorf("%w: %v", ErrConnectionLost, err))
			}
			return
		}
		s.lastSeen.Store(time.Now().UnixNano())

		f, err = s.inbound(f, sealer)
		if err != nil {
			observability.RecordFrame("in", "rejected")
			if errors.Is(err, payload.ErrOpen) || errors.Is(err, payload.ErrShortSeal) {
				s.fail(gen, fmt.Errorf("%w: %v", ErrProtocol, err))
				return
			}
			log.Warn().Err(err).Uint32("seq", f.Sequence).Msg("transport.readLoop dropped frame")
			continue
		}
		observability.RecordFrame("in", observability.OutcomeOK)

		switch f.Type {
		case schema.MsgPing:
			if ctx.Err() != nil {
				return
			}
			pong := frame.New(schema.MsgPong, frame.FlagResponse, f.Sequence, nil)
			// readLoop holds a wg slot, so Close cannot be past Wait here.
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if err := s.Send(pong); err != nil {
					log.Debug().Err(err).Msg("transport.readLoop pong not sent")
				}
			}()
		case schema.MsgPong:
		default:
			s.handler(f)
		}
	}
}

func (s *Session) keepAlive(ctx context.Context, gen uint64) {
	defer s.wg.Done()
	if s.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		idle := time.Since(time.Unix(0, s.lastSeen.Load()))
		if s.cfg.SessionDeadAfter > 0 && idle > s.cfg.SessionDeadAfter {
			s.fail(gen, fmt.Errorf("%w: no traffic for %s", ErrTimeout, idle.Round(time.Millisecond)))
			return
		}
		if err := s.Send(frame.New(schema.MsgPing, 0, 0, nil)); err != nil {
			return
		}
	}
}

// Fail marks the current connection Failed with err, as if the transport had
// detected it. It is a no-op unless the session is Authenticated.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	s.fail(gen, err)
}

func (s *Session) fail(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen || s.state != StateAuthenticated {
		s.mu.Unlock()
		return
	}
	conn, cancel := s.conn, s.cancel
	s.conn, s.sealer, s.cancel = nil, nil, nil
	s.setStateLocked(StateFailed, err)
	s.mu.Unlock()

	cancel()
	_ = conn.Close()
	log.Error().Err(err).Msg("transport session failed")
	if s.onFail != nil {
		s.onFail(err)
	}
}

func (s *Session) setStateLocked(next State, err error) {
	prev := s.state
	s.state = next
	observability.RecordSessionState(next.String())
	ev := Event{From: prev, To: next, Err: err, At: time.Now()}
	select {
	case s.events <- ev:
	default:
		log.Debug().Str("to", next.String()).Msg("transport event dropped")
	}
}

func (s *Session) write(w io.Writer, f frame.Frame) error {
	b, err := frame.Encode(f, s.cfg.Limits)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if d, ok := w.(writeDeadliner); ok && s.cfg.WriteTimeout > 0 {
		_ = d.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	_, err = w.Write(b)
	return err
}

func (s *Session) outbound(f frame.Frame, sealer *payload.Sealer) (frame.Frame, error) {
	body := f.Payload
	flags := f.Flags
	if s.cfg.Compress && len(body) >= payload.CompressThreshold {
		packed, err := payload.Compress(body)
		if err != nil {
			return frame.Frame{}, err
		}
		body = packed
		flags |= frame.FlagCompressed
	}
	if s.cfg.Encrypt && sealer != nil {
		flags |= frame.FlagEncrypted
		body = sealer.Seal(body, payload.AdditionalData(f.Type, f.Sequence, flags))
	}
	return frame.New(f.Type, flags, f.Sequence, body), nil
}

func (s *Session) inbound(f frame.Frame, sealer *payload.Sealer) (frame.Frame, error) {
	body := f.Payload
	flags := f.Flags
	if flags&frame.FlagEncrypted != 0 {
		if sealer == nil {
			return f, fmt.Errorf("%w: sealed frame before key agreement", payload.ErrOpen)
		}
		opened, err := sealer.Open(body, payload.AdditionalData(f.Type, f.Sequence, flags))
		if err != nil {
			return f, err
		}
		body = opened
		flags &^= frame.FlagEncrypted
	}
	if flags&frame.FlagCompressed != 0 {
		inflated, err := payload.Decompress(body, s.cfg.MaxInflateBytes)
		if err != nil {
			return f, err
		}
		body = inflated
		flags &^= frame.FlagCompressed
	}
	return frame.New(f.Type, flags, f.Sequence, body), nil
}
