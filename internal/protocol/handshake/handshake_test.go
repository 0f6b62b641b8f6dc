package handshake

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/despot/internal/protocol/frame"
	"github.com/danmuck/despot/internal/protocol/schema"
	"github.com/danmuck/despot/internal/testutil/testlog"
)

func wire(t *testing.T, f frame.Frame) frame.Frame {
	t.Helper()
	b, err := frame.Encode(f, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, _, err := frame.Decode(b, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestHelloRoundTrip(t *testing.T) {
	testlog.Start(t)
	nonce, err := NewNonce()
	if err != nil {
		t.Fatalf("nonce: %v", err)
	}
	in := Hello{Username: "alice", ClientID: "c-1", ClientNonce: nonce, ProtocolVersion: ProtocolVersion}
	f, err := in.Frame()
	if err != nil {
		t.Fatalf("hello frame: %v", err)
	}
	got, err := DecodeHello(wire(t, f))
	if err != nil {
		t.Fatalf("decode hello: %v", err)
	}
	if got.Username != "alice" || got.ClientID != "c-1" || !bytes.Equal(got.ClientNonce, nonce) || got.ProtocolVersion != 1 {
		t.Fatalf("unexpected hello: %+v", got)
	}
}

func TestHelloValidation(t *testing.T) {
	testlog.Start(t)
	if _, err := (Hello{ClientID: "c", ClientNonce: make([]byte, NonceLen)}).Frame(); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for missing username, got %v", err)
	}
	if _, err := (Hello{Username: "a", ClientID: "c", ClientNonce: []byte{1}}).Frame(); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for short nonce, got %v", err)
	}
}

func TestChallengeAndAuthResultRoundTrip(t *testing.T) {
	testlog.Start(t)
	cf, err := Challenge{ServerNonce: make([]byte, NonceLen), Salt: []byte("salt")}.Frame()
	if err != nil {
		t.Fatalf("challenge frame: %v", err)
	}
	c, err := DecodeChallenge(wire(t, cf))
	if err != nil || string(c.Salt) != "salt" {
		t.Fatalf("decode challenge: %+v err=%v", c, err)
	}

	r, err := DecodeAuthResult(wire(t, AuthResult{OK: false, Code: CodeBadCredentials, Message: "bad credentials"}.Frame()))
	if err != nil {
		t.Fatalf("decode auth result: %v", err)
	}
	if r.OK || r.Code != CodeBadCredentials || r.Message != "bad credentials" {
		t.Fatalf("unexpected auth result: %+v", r)
	}
}

func TestDecodeRejectsWrongTypeAndMissingFields(t *testing.T) {
	testlog.Start(t)
	pf := Proof{MAC: []byte{1}}.Frame()
	if _, err := DecodeChallenge(pf); !errors.Is(err, ErrUnexpectedType) {
		t.Fatalf("expected ErrUnexpectedType, got %v", err)
	}
	empty := frame.New(schema.MsgAuthResult, frame.FlagResponse, 0, nil)
	if _, err := DecodeAuthResult(empty); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestProofVerification(t *testing.T) {
	testlog.Start(t)
	salt := []byte("user-salt")
	cn, sn := make([]byte, NonceLen), bytes.Repeat([]byte{7}, NonceLen)
	key, err := DeriveAuthKey("secret", salt)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	proof := ComputeProof(key, cn, sn, "alice")
	if !VerifyProof(key, cn, sn, "alice", proof) {
		t.Fatalf("expected proof to verify")
	}
	wrongKey, _ := DeriveAuthKey("wrongpass", salt)
	if VerifyProof(wrongKey, cn, sn, "alice", proof) {
		t.Fatalf("proof verified with wrong password")
	}
	if VerifyProof(key, cn, sn, "bob", proof) {
		t.Fatalf("proof verified for another user")
	}
}
