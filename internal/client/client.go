// Package client is the public face of despot: log in, fetch artists, albums
// and tracks by id, and walk them through lazy views.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/despot/internal/cache"
	"github.com/danmuck/despot/internal/correlator"
	"github.com/danmuck/despot/internal/metadata"
	"github.com/danmuck/despot/internal/protocol/frame"
	"github.com/danmuck/despot/internal/protocol/schema"
	"github.com/danmuck/despot/internal/protocol/tlv"
	"github.com/danmuck/despot/internal/transport"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Address        string
	RequestTimeout time.Duration
	// ConnectAttempts above one retries dial and handshake with backoff.
	ConnectAttempts int
	Transport       transport.Config
}

func DefaultConfig() Config {
	return Config{
		Address:         "127.0.0.1:4070",
		RequestTimeout:  10 * time.Second,
		ConnectAttempts: 1,
		Transport:       transport.DefaultConfig(),
	}
}

type Option func(*Client)

// WithDialer replaces the TCP/TLS dialer, e.g. with an in-memory pipe.
func WithDialer(dial transport.DialFunc) Option {
	return func(c *Client) { c.dial = dial }
}

// WithStore adds a persistent second-level cache.
func WithStore(s cache.Store) Option {
	return func(c *Client) { c.store = s }
}

type Client struct {
	cfg     Config
	dial    transport.DialFunc
	store   cache.Store
	session *transport.Session
	corr    *correlator.Correlator
	cache   *cache.Cache
}

func New(cfg Config, opts ...Option) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	cfg.Transport = cfg.Transport.WithDefaults()

	c := &Client{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	if c.dial == nil {
		c.dial = transport.Dialer{Address: cfg.Address, Config: cfg.Transport}.Dial
	}
	var cacheOpts []cache.Option
	if c.store != nil {
		cacheOpts = append(cacheOpts, cache.WithStore(c.store))
	}
	c.cache = cache.New(cacheOpts...)
	c.session = transport.NewSession(cfg.Transport, c.dispatch, transport.WithFailureHook(c.onFailure))
	c.corr = correlator.New(c.session, cfg.RequestTimeout)
	return c
}

// Login dials the service and authenticates. Credentials are not retained.
func (c *Client) Login(ctx context.Context, username, password string) error {
	if strings.TrimSpace(username) == "" {
		return fmt.Errorf("%w: empty username", ErrAuth)
	}
	creds := transport.Credentials{Username: username, Password: password}
	if c.cfg.ConnectAttempts > 1 {
		return c.session.ConnectWithRetry(ctx, c.dial, creds, c.cfg.ConnectAttempts)
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	return c.session.Connect(ctx, conn, creds)
}

// Logout closes the session and empties the in-memory cache. Outstanding
// requests fail with ErrNotConnected. A configured store keeps its rows.
func (c *Client) Logout() error {
	err := c.session.Close()
	c.corr.FailAll(fmt.Errorf("%w: logged out", ErrNotConnected))
	c.cache.Reset()
	return err
}

func (c *Client) State() transport.State {
	return c.session.State()
}

func (c *Client) Events() <-chan transport.Event {
	return c.session.Events()
}

func (c *Client) GetArtist(ctx context.Context, id metadata.ID) (metadata.Artist, error) {
	if _, err := c.Resolve(ctx, metadata.KindArtist, id); err != nil {
		return metadata.Artist{}, err
	}
	return metadata.NewArtist(c, id), nil
}

func (c *Client) GetAlbum(ctx context.Context, id metadata.ID) (metadata.Album, error) {
	if _, err := c.Resolve(ctx, metadata.KindAlbum, id); err != nil {
		return metadata.Album{}, err
	}
	return metadata.NewAlbum(c, id), nil
}

func (c *Client) GetTrack(ctx context.Context, id metadata.ID) (metadata.Track, error) {
	if _, err := c.Resolve(ctx, metadata.KindTrack, id); err != nil {
		return metadata.Track{}, err
	}
	return metadata.NewTrack(c, id), nil
}

// GetImage returns the image blob with id, such as an artist portrait or an
// album cover. Blobs are cached in memory until Invalidate or Logout.
func (c *Client) GetImage(ctx context.Context, id metadata.ID) ([]byte, error) {
	if st := c.session.State(); st != transport.StateAuthenticated {
		return nil, fmt.Errorf("%w: session %s", ErrNotConnected, st)
	}
	return c.cache.GetOrFetchImage(ctx, id, func(ctx context.Context) ([]byte, error) {
		return c.fetchImage(ctx, id)
	})
}

// Invalidate drops id so the next access fetches it again.
func (c *Client) Invalidate(id metadata.ID) {
	c.cache.Invalidate(id)
}

// Resolve returns the current entity for (kind, id), fetching on a cache miss.
func (c *Client) Resolve(ctx context.Context, kind metadata.Kind, id metadata.ID) (*metadata.Entity, error) {
	if st := c.session.State(); st != transport.StateAuthenticated {
		return nil, fmt.Errorf("%w: session %s", ErrNotConnected, st)
	}
	return c.cache.GetOrFetch(ctx, kind, id, func(ctx context.Context) (*metadata.Entity, error) {
		return c.fetch(ctx, kind, id)
	})
}

// Outstanding reports requests awaiting a response.
func (c *Client) Outstanding() int {
	return c.corr.Outstanding()
}

func (c *Client) RequestStats() correlator.Stats {
	return c.corr.Stats()
}

func (c *Client) fetch(ctx context.Context, kind metadata.Kind, id metadata.ID) (*metadata.Entity, error) {
	replyType, ok := kind.ReplyType()
	if !ok {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrProtocol, kind)
	}
	fields := []tlv.Field{
		tlv.U8(schema.FieldBrowseKind, uint8(kind)),
		tlv.Bytes(schema.FieldEntityID, id[:]),
	}
	f, err := c.request(ctx, schema.MsgBrowse, fields, replyType)
	if err != nil {
		return nil, c.requestError(kind, id, err)
	}
	e, err := metadata.ParseEntity(kind, f.Payload)
	if err != nil {
		log.Warn().Err(err).Str("kind", kind.String()).Str("id", id.Hex()).Msg("client.fetch invalid record")
		return nil, err
	}
	return e, nil
}

func (c *Client) fetchImage(ctx context.Context, id metadata.ID) ([]byte, error) {
	fields := []tlv.Field{tlv.Bytes(schema.FieldEntityID, id[:])}
	f, err := c.request(ctx, schema.MsgImage, fields, schema.MsgImageReply)
	if err != nil {
		return nil, c.requestError(metadata.KindImage, id, err)
	}
	data, err := metadata.ParseImage(id, f.Payload)
	if err != nil {
		log.Warn().Err(err).Str("id", id.Hex()).Msg("client.fetchImage invalid reply")
		return nil, err
	}
	return data, nil
}

// request runs one correlated exchange. A reply the protocol does not allow
// fails the whole session, releasing every other waiter.
func (c *Client) request(ctx context.Context, msgType uint16, fields []tlv.Field, expected uint16) (frame.Frame, error) {
	f, err := c.corr.Request(ctx, msgType, fields, expected, c.cfg.RequestTimeout)
	if errors.Is(err, ErrProtocol) && !errors.Is(err, ErrNotConnected) {
		c.session.Fail(err)
	}
	return f, err
}

func (c *Client) requestError(kind metadata.Kind, id metadata.ID, err error) error {
	var remote *correlator.RemoteError
	if errors.As(err, &remote) && remote.Code == schema.ErrCodeNotFound {
		return fmt.Errorf("%w: %s %s: %w", ErrNotFound, kind, id.Hex(), err)
	}
	return err
}

func (c *Client) dispatch(f frame.Frame) {
	c.corr.Dispatch(f)
}

// onFailure releases waiters as soon as the transport fails.
func (c *Client) onFailure(err error) {
	c.corr.FailAll(fmt.Errorf("%w: %w", ErrNotConnected, err))
}
