package handshake

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/danmuck/despot/internal/protocol/frame"
	"github.com/danmuck/despot/internal/protocol/schema"
	"github.com/danmuck/despot/internal/protocol/tlv"
	"golang.org/x/crypto/hkdf"
)

const (
	NonceLen        = 16
	ProtocolVersion = 1
)

// Auth result codes carried in AuthResult.Code.
const (
	CodeOK                 uint32 = 0
	CodeBadCredentials     uint32 = 1
	CodeAccountUnavailable uint32 = 2
	CodeVersionMismatch    uint32 = 3
)

var (
	ErrMalformed      = errors.New("handshake: malformed message")
	ErrUnexpectedType = errors.New("handshake: unexpected message type")
	authKeyTag        = []byte("despot auth v1")
)

// Hello opens the handshake. The password never appears on the wire.
type Hello struct {
	Username        string
	ClientID        string
	ClientNonce     []byte
	ProtocolVersion uint8
}

func (h Hello) Validate() error {
	if strings.TrimSpace(h.Username) == "" {
		return fmt.Errorf("%w: hello missing username", ErrMalformed)
	}
	if strings.TrimSpace(h.ClientID) == "" {
		return fmt.Errorf("%w: hello missing client_id", ErrMalformed)
	}
	if len(h.ClientNonce) != NonceLen {
		return fmt.Errorf("%w: hello nonce length %d", ErrMalformed, len(h.ClientNonce))
	}
	return nil
}

type Challenge struct {
	ServerNonce []byte
	Salt        []byte
}

func (c Challenge) Validate() error {
	if len(c.ServerNonce) != NonceLen {
		return fmt.Errorf("%w: challenge nonce length %d", ErrMalformed, len(c.ServerNonce))
	}
	if len(c.Salt) == 0 {
		return fmt.Errorf("%w: challenge missing salt", ErrMalformed)
	}
	return nil
}

type Proof struct {
	MAC []byte
}

type AuthResult struct {
	OK      bool
	Code    uint32
	Message string
}

func (h Hello) Frame() (frame.Frame, error) {
	if err := h.Validate(); err != nil {
		return frame.Frame{}, err
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldUsername, h.Username),
		tlv.String(schema.FieldClientID, h.ClientID),
		tlv.Bytes(schema.FieldClientNonce, h.ClientNonce),
		tlv.U8(schema.FieldProtocolVer, h.ProtocolVersion),
	}
	return frame.New(schema.MsgHello, 0, 0, tlv.EncodeFields(fields)), nil
}

func (c Challenge) Frame() (frame.Frame, error) {
	if err := c.Validate(); err != nil {
		return frame.Frame{}, err
	}
	fields := []tlv.Field{
		tlv.Bytes(schema.FieldServerNonce, c.ServerNonce),
		tlv.Bytes(schema.FieldSalt, c.Salt),
	}
	return frame.New(schema.MsgChallenge, frame.FlagResponse, 0, tlv.EncodeFields(fields)), nil
}

func (p Proof) Frame() frame.Frame {
	return frame.New(schema.MsgProof, 0, 0, tlv.EncodeFields([]tlv.Field{tlv.Bytes(schema.FieldProof, p.MAC)}))
}

func (r AuthResult) Frame() frame.Frame {
	fields := []tlv.Field{
		tlv.Bool(schema.FieldAuthOK, r.OK),
		tlv.U32(schema.FieldCode, r.Code),
	}
	if r.Message != "" {
		fields = append(fields, tlv.String(schema.FieldMessage, r.Message))
	}
	return frame.New(schema.MsgAuthResult, frame.FlagResponse, 0, tlv.EncodeFields(fields))
}

func DecodeHello(f frame.Frame) (Hello, error) {
	fields, err := decode(f, schema.MsgHello)
	if err != nil {
		return Hello{}, err
	}
	h := Hello{
		Username:    stringField(fields, schema.FieldUsername),
		ClientID:    stringField(fields, schema.FieldClientID),
		ClientNonce: bytesField(fields, schema.FieldClientNonce),
	}
	if v, ok := tlv.GetField(fields, schema.FieldProtocolVer); ok {
		if h.ProtocolVersion, err = v.AsU8(); err != nil {
			return Hello{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	return h, h.Validate()
}

func DecodeChallenge(f frame.Frame) (Challenge, error) {
	fields, err := decode(f, schema.MsgChallenge)
	if err != nil {
		return Challenge{}, err
	}
	c := Challenge{
		ServerNonce: bytesField(fields, schema.FieldServerNonce),
		Salt:        bytesField(fields, schema.FieldSalt),
	}
	return c, c.Validate()
}

func DecodeProof(f frame.Frame) (Proof, error) {
	fields, err := decode(f, schema.MsgProof)
	if err != nil {
		return Proof{}, err
	}
	return Proof{MAC: bytesField(fields, schema.FieldProof)}, nil
}

func DecodeAuthResult(f frame.Frame) (AuthResult, error) {
	fields, err := decode(f, schema.MsgAuthResult)
	if err != nil {
		return AuthResult{}, err
	}
	okField, _ := tlv.GetField(fields, schema.FieldAuthOK)
	ok, err := okField.AsBool()
	if err != nil {
		return AuthResult{}, fmt.Errorf("%w: auth_ok: %v", ErrMalformed, err)
	}
	r := AuthResult{OK: ok, Message: stringField(fields, schema.FieldMessage)}
	if codeField, found := tlv.GetField(fields, schema.FieldCode); found {
		if r.Code, err = codeField.AsU32(); err != nil {
			return AuthResult{}, fmt.Errorf("%w: code: %v", ErrMalformed, err)
		}
	}
	return r, nil
}

// NewNonce returns NonceLen random bytes.
func NewNonce() ([]byte, error) {
	n := make([]byte, NonceLen)
	if _, err := io.ReadFull(rand.Reader, n); err != nil {
		return nil, err
	}
	return n, nil
}

// DeriveAuthKey stretches the password with the server salt. Both peers run
// this; only the proof derived from it crosses the wire.
func DeriveAuthKey(password string, salt []byte) ([]byte, error) {
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(password), salt, authKeyTag), key); err != nil {
		return nil, err
	}
	return key, nil
}

func ComputeProof(authKey, clientNonce, serverNonce []byte, username string) []byte {
	mac := hmac.New(sha256.New, authKey)
	mac.Write(clientNonce)
	mac.Write(serverNonce)
	mac.Write([]byte(username))
	return mac.Sum(nil)
}

func VerifyProof(authKey, clientNonce, serverNonce []byte, username string, proof []byte) bool {
	return hmac.Equal(ComputeProof(authKey, clientNonce, serverNonce, username), proof)
}

func decode(f frame.Frame, want uint16) ([]tlv.Field, error) {
	if f.Type != want {
		return nil, fmt.Errorf("%w: got=%s want=%s", ErrUnexpectedType, schema.MessageName(f.Type), schema.MessageName(want))
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := schema.Validate(want, fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return fields, nil
}

func stringField(fields []tlv.Field, id uint16) string {
	f, _ := tlv.GetField(fields, id)
	return string(f.Value)
}

func bytesField(fields []tlv.Field, id uint16) []byte {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return nil
	}
	return f.Value
}
