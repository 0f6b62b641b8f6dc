package payload

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Direction separates the nonce spaces of the two peers sharing a key.
type Direction byte

const (
	ClientToServer Direction = 'C'
	ServerToClient Direction = 'S'
)

const counterLen = 8

var (
	ErrOpen       = errors.New("payload: open sealed payload failed")
	ErrShortSeal  = errors.New("payload: sealed payload too short")
	ErrKeyLength  = errors.New("payload: invalid key length")
	sessionKeyTag = []byte("despot session v1")
)

// DeriveSessionKey expands the handshake auth key and both nonces into the
// payload sealing key.
func DeriveSessionKey(authKey, clientNonce, serverNonce []byte) ([]byte, error) {
	salt := make([]byte, 0, len(clientNonce)+len(serverNonce))
	salt = append(salt, clientNonce...)
	salt = append(salt, serverNonce...)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, authKey, salt, sessionKeyTag), key); err != nil {
		return nil, err
	}
	return key, nil
}

// Sealer encrypts outbound payloads for one direction and opens inbound
// payloads from the other. The sealed form is counter(8) || ciphertext.
type Sealer struct {
	aead    cipher.AEAD
	send    Direction
	recv    Direction
	counter atomic.Uint64
}

func NewSealer(key []byte, send Direction) (*Sealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrKeyLength
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	recv := ServerToClient
	if send == ServerToClient {
		recv = ClientToServer
	}
	return &Sealer{aead: aead, send: send, recv: recv}, nil
}

// Seal encrypts plaintext; ad binds the ciphertext to its frame header.
func (s *Sealer) Seal(plaintext, ad []byte) []byte {
	n := s.counter.Add(1)
	out := make([]byte, counterLen, counterLen+len(plaintext)+s.aead.Overhead())
	binary.BigEndian.PutUint64(out, n)
	return s.aead.Seal(out, s.nonce(s.send, n), plaintext, ad)
}

func (s *Sealer) Open(sealed, ad []byte) ([]byte, error) {
	if len(sealed) < counterLen+s.aead.Overhead() {
		return nil, ErrShortSeal
	}
	n := binary.BigEndian.Uint64(sealed[:counterLen])
	out, err := s.aead.Open(nil, s.nonce(s.recv, n), sealed[counterLen:], ad)
	if err != nil {
		return nil, ErrOpen
	}
	return out, nil
}

func (s *Sealer) nonce(dir Direction, n uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	nonce[0] = byte(dir)
	binary.BigEndian.PutUint64(nonce[4:], n)
	return nonce
}

// AdditionalData binds a sealed payload to its frame header.
func AdditionalData(msgType uint16, seq uint32, flags uint8) []byte {
	ad := make([]byte, 7)
	binary.BigEndian.PutUint16(ad[0:2], msgType)
	binary.BigEndian.PutUint32(ad[2:6], seq)
	ad[6] = flags
	return ad
}
