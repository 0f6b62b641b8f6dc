// Package fakeserver is an in-process metadata service speaking the despot
// wire protocol. Tests connect to it over net.Pipe or a real listener.
package fakeserver

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/despot/internal/protocol/frame"
	"github.com/danmuck/despot/internal/protocol/handshake"
	"github.com/danmuck/despot/internal/protocol/payload"
	"github.com/danmuck/despot/internal/protocol/schema"
	"github.com/danmuck/despot/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

type entry struct {
	kind   uint8
	fields []tlv.Field
}

type Option func(*Server)

// WithDelay holds every browse and image reply for d before writing it.
func WithDelay(d time.Duration) Option {
	return func(s *Server) { s.delay = d }
}

// WithCompression compresses replies at or above the compression threshold.
func WithCompression(on bool) Option {
	return func(s *Server) { s.compress = on }
}

// WithSilentHandshake makes the server swallow Hello without replying.
func WithSilentHandshake() Option {
	return func(s *Server) { s.silent = true }
}

type Server struct {
	mu       sync.Mutex
	users    map[string]string
	salt     []byte
	entities map[[16]byte]entry
	images   map[[16]byte][]byte
	browses  map[[16]byte]int
	fetches  map[[16]byte]int
	drops    map[[16]byte]int
	delays   map[[16]byte]time.Duration
	conns    map[*conn]struct{}
	pongs    int
	logins   int
	delay    time.Duration
	compress bool
	silent   bool
	wg       sync.WaitGroup
}

func New(opts ...Option) *Server {
	s := &Server{
		users:    make(map[string]string),
		salt:     []byte("despot-fake-salt"),
		entities: make(map[[16]byte]entry),
		images:   make(map[[16]byte][]byte),
		browses:  make(map[[16]byte]int),
		fetches:  make(map[[16]byte]int),
		drops:    make(map[[16]byte]int),
		delays:   make(map[[16]byte]time.Duration),
		conns:    make(map[*conn]struct{}),
		compress: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) AddUser(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = password
}

// Put stores a record served for browse requests of kind. The entity id field
// is added automatically.
func (s *Server) Put(kind uint8, id [16]byte, fields ...tlv.Field) {
	all := append([]tlv.Field{tlv.Bytes(schema.FieldEntityID, id[:])}, fields...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[id] = entry{kind: kind, fields: all}
}

func (s *Server) PutArtist(id [16]byte, name string, albums ...[16]byte) {
	fields := []tlv.Field{tlv.String(schema.FieldName, name)}
	if len(albums) > 0 {
		fields = append(fields, tlv.IDList(schema.FieldAlbumIDs, albums))
	}
	s.Put(schema.BrowseArtist, id, fields...)
}

func (s *Server) PutAlbum(id [16]byte, name string, artist [16]byte, tracks ...[16]byte) {
	fields := []tlv.Field{
		tlv.String(schema.FieldName, name),
		tlv.Bytes(schema.FieldArtistID, artist[:]),
	}
	if len(tracks) > 0 {
		fields = append(fields, tlv.IDList(schema.FieldTrackIDs, tracks))
	}
	s.Put(schema.BrowseAlbum, id, fields...)
}

func (s *Server) PutTrack(id [16]byte, title string, album [16]byte, lengthMS uint32) {
	s.Put(schema.BrowseTrack, id,
		tlv.String(schema.FieldTitle, title),
		tlv.Bytes(schema.FieldAlbumID, album[:]),
		tlv.U32(schema.FieldLengthMS, lengthMS),
	)
}

// PutImage stores an image blob served for image requests of id.
func (s *Server) PutImage(id [16]byte, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[id] = append([]byte(nil), data...)
}

// DropNext silently discards the next n replies for id.
func (s *Server) DropNext(id [16]byte, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drops[id] = n
}

// DelayFor holds replies for id for d.
func (s *Server) DelayFor(id [16]byte, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[id] = d
}

// Browses reports how many browse requests for id reached the server.
func (s *Server) Browses(id [16]byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.browses[id]
}

// ImageFetches reports how many image requests for id reached the server.
func (s *Server) ImageFetches(id [16]byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches[id]
}

func (s *Server) Pongs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pongs
}

// Logins reports completed successful handshakes.
func (s *Server) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

// Dial returns the client end of a fresh in-memory connection.
func (s *Server) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, server := net.Pipe()
	s.ServeConn(server)
	return client, nil
}

// ServeListener accepts connections until ln is closed.
func (s *Server) ServeListener(ln net.Listener) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			s.ServeConn(nc)
		}
	}()
}

func (s *Server) ServeConn(nc net.Conn) {
	c := &conn{
		srv:  s,
		nc:   nc,
		out:  make(chan frame.Frame, 64),
		done: make(chan struct{}),
	}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(2)
	go c.writeLoop()
	go c.serve()
}

// Ping sends a keep-alive ping to every authenticated connection.
func (s *Server) Ping() {
	for _, c := range s.live() {
		c.send(frame.New(schema.MsgPing, 0, 0, nil), false)
	}
}

// WriteRaw writes b verbatim to every live connection.
func (s *Server) WriteRaw(b []byte) {
	for _, c := range s.live() {
		c.raw(b)
	}
}

// Disconnect closes every live connection from the server side.
func (s *Server) Disconnect() {
	for _, c := range s.live() {
		c.close()
	}
}

func (s *Server) Close() {
	s.Disconnect()
	s.wg.Wait()
}

func (s *Server) live() []*conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

type conn struct {
	srv     *Server
	nc      net.Conn
	out     chan frame.Frame
	done    chan struct{}
	once    sync.Once
	writeMu sync.Mutex

	mu     sync.Mutex
	sealer *payload.Sealer
	sealed bool
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.nc.Close()
		c.srv.mu.Lock()
		delete(c.srv.conns, c)
		c.srv.mu.Unlock()
	})
}

func (c *conn) writeLoop() {
	defer c.srv.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case f := <-c.out:
			c.writeMu.Lock()
			err := frame.WriteFrame(c.nc, f, frame.DefaultLimits())
			c.writeMu.Unlock()
			if err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *conn) raw(b []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, _ = c.nc.Write(b)
}

// reject writes the rejection synchronously so it lands before the close.
func (c *conn) reject(msg string) {
	f := handshake.AuthResult{Code: handshake.CodeBadCredentials, Message: msg}.Frame()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = frame.WriteFrame(c.nc, f, frame.DefaultLimits())
}

func (c *conn) enqueue(f frame.Frame) {
	select {
	case c.out <- f:
	case <-c.done:
	}
}

// send applies the negotiated payload transforms and queues f.
func (c *conn) send(f frame.Frame, compress bool) {
	body := f.Payload
	flags := f.Flags
	if compress && len(body) >= payload.CompressThreshold {
		packed, err := payload.Compress(body)
		if err == nil {
			body = packed
			flags |= frame.FlagCompressed
		}
	}
	c.mu.Lock()
	sealer, sealed := c.sealer, c.sealed
	c.mu.Unlock()
	if sealer != nil && sealed {
		flags |= frame.FlagEncrypted
		body = sealer.Seal(body, payload.AdditionalData(f.Type, f.Sequence, flags))
	}
	c.enqueue(frame.New(f.Type, flags, f.Sequence, body))
}

func (c *conn) serve() {
	defer c.srv.wg.Done()
	defer c.close()

	r := frame.NewReader(c.nc, frame.DefaultLimits())
	ok, err := c.authenticate(r)
	if err != nil || !ok {
		if err != nil && !errors.Is(err, io.EOF) {
			log.Debug().Err(err).Msg("fakeserver handshake ended")
		}
		return
	}

	for {
		f, err := r.Next()
		if err != nil {
			var malformed *frame.MalformedError
			if errors.As(err, &malformed) && !malformed.Fatal {
				continue
			}
			return
		}
		f, err = c.open(f)
		if err != nil {
			log.Debug().Err(err).Msg("fakeserver dropped frame")
			continue
		}
		switch f.Type {
		case schema.MsgPing:
			c.send(frame.New(schema.MsgPong, frame.FlagResponse, f.Sequence, nil), false)
		case schema.MsgPong:
			c.srv.mu.Lock()
			c.srv.pongs++
			c.srv.mu.Unlock()
		case schema.MsgBrowse:
			c.browse(f)
		case schema.MsgImage:
			c.image(f)
		default:
			c.send(errorReply(f.Sequence, schema.ErrCodeBadRequest, "unsupported message"), false)
		}
	}
}

func (c *conn) authenticate(r *frame.Reader) (bool, error) {
	f, err := r.Next()
	if err != nil {
		return false, err
	}
	if c.srv.silent {
		_, err := r.Next()
		return false, err
	}
	hello, err := handshake.DecodeHello(f)
	if err != nil {
		return false, err
	}
	c.srv.mu.Lock()
	password, known := c.srv.users[hello.Username]
	salt := c.srv.salt
	c.srv.mu.Unlock()
	if !known {
		c.reject("unknown user")
		return false, nil
	}

	serverNonce, err := handshake.NewNonce()
	if err != nil {
		return false, err
	}
	challenge, err := handshake.Challenge{ServerNonce: serverNonce, Salt: salt}.Frame()
	if err != nil {
		return false, err
	}
	c.enqueue(challenge)

	f, err = r.Next()
	if err != nil {
		return false, err
	}
	proof, err := handshake.DecodeProof(f)
	if err != nil {
		return false, err
	}
	authKey, err := handshake.DeriveAuthKey(password, salt)
	if err != nil {
		return false, err
	}
	if !handshake.VerifyProof(authKey, hello.ClientNonce, serverNonce, hello.Username, proof.MAC) {
		c.reject("bad credentials")
		return false, nil
	}

	key, err := payload.DeriveSessionKey(authKey, hello.ClientNonce, serverNonce)
	if err != nil {
		return false, err
	}
	sealer, err := payload.NewSealer(key, payload.ServerToClient)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	c.sealer = sealer
	c.mu.Unlock()
	c.enqueue(handshake.AuthResult{OK: true}.Frame())

	c.srv.mu.Lock()
	c.srv.logins++
	c.srv.mu.Unlock()
	return true, nil
}

// open reverses client payload transforms. A sealed request switches replies
// on this connection to sealed as well.
func (c *conn) open(f frame.Frame) (frame.Frame, error) {
	body := f.Payload
	flags := f.Flags
	if flags&frame.FlagEncrypted != 0 {
		c.mu.Lock()
		sealer := c.sealer
		c.sealed = true
		c.mu.Unlock()
		opened, err := sealer.Open(body, payload.AdditionalData(f.Type, f.Sequence, flags))
		if err != nil {
			return f, err
		}
		body = opened
		flags &^= frame.FlagEncrypted
	}
	if flags&frame.FlagCompressed != 0 {
		inflated, err := payload.Decompress(body, 16<<20)
		if err != nil {
			return f, err
		}
		body = inflated
		flags &^= frame.FlagCompressed
	}
	return frame.New(f.Type, flags, f.Sequence, body), nil
}

func (c *conn) browse(f frame.Frame) {
	fields, ok := c.request(f, schema.MsgBrowse)
	if !ok {
		return
	}
	kindField, _ := tlv.GetField(fields, schema.FieldBrowseKind)
	kind, _ := kindField.AsU8()
	id := requestedID(fields)

	s := c.srv
	s.mu.Lock()
	s.browses[id]++
	rec, found := s.entities[id]
	s.mu.Unlock()

	reply := errorReply(f.Sequence, schema.ErrCodeNotFound, "not found")
	if found && rec.kind == kind {
		msgType, _ := schema.ReplyType(kind)
		reply = frame.New(msgType, frame.FlagResponse, f.Sequence, tlv.EncodeFields(rec.fields))
	}
	c.deliver(id, reply)
}

func (c *conn) image(f frame.Frame) {
	fields, ok := c.request(f, schema.MsgImage)
	if !ok {
		return
	}
	id := requestedID(fields)

	s := c.srv
	s.mu.Lock()
	s.fetches[id]++
	data, found := s.images[id]
	s.mu.Unlock()

	reply := errorReply(f.Sequence, schema.ErrCodeNotFound, "no such image")
	if found {
		body := tlv.EncodeFields([]tlv.Field{
			tlv.Bytes(schema.FieldEntityID, id[:]),
			tlv.Bytes(schema.FieldImageData, data),
		})
		reply = frame.New(schema.MsgImageReply, frame.FlagResponse, f.Sequence, body)
	}
	c.deliver(id, reply)
}

// request decodes and validates f, answering bad requests itself.
func (c *conn) request(f frame.Frame, msgType uint16) ([]tlv.Field, bool) {
	fields, err := tlv.DecodeFields(f.Payload)
	if err == nil {
		err = schema.Validate(msgType, fields)
	}
	if err != nil {
		c.send(errorReply(f.Sequence, schema.ErrCodeBadRequest, err.Error()), false)
		return nil, false
	}
	return fields, true
}

func requestedID(fields []tlv.Field) [16]byte {
	var id [16]byte
	if f, ok := tlv.GetField(fields, schema.FieldEntityID); ok {
		copy(id[:], f.Value)
	}
	return id
}

// deliver writes reply for id, honoring DropNext and any configured delay.
func (c *conn) deliver(id [16]byte, reply frame.Frame) {
	s := c.srv
	s.mu.Lock()
	drop := s.drops[id] > 0
	if drop {
		s.drops[id]--
	}
	delay := s.delay
	if d, ok := s.delays[id]; ok {
		delay = d
	}
	compress := s.compress
	s.mu.Unlock()

	if drop {
		return
	}
	if delay <= 0 {
		c.send(reply, compress)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			c.send(reply, compress)
		case <-c.done:
		}
	}()
}

func errorReply(seq uint32, code uint32, msg string) frame.Frame {
	fields := []tlv.Field{tlv.U32(schema.FieldCode, code), tlv.String(schema.FieldMessage, msg)}
	return frame.New(schema.MsgErrorReply, frame.FlagResponse|frame.FlagError, seq, tlv.EncodeFields(fields))
}
