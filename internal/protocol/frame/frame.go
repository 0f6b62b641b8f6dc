package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

const (
	Magic     uint16 = 0xD5F7
	Version   uint8  = 1
	HeaderLen        = 18

	FlagResponse   uint8 = 0x01
	FlagError      uint8 = 0x02
	FlagCompressed uint8 = 0x04
	FlagEncrypted  uint8 = 0x08
)

var (
	ErrNeedMoreData    = errors.New("frame: need more data")
	ErrUnrecoverable   = errors.New("frame: unrecoverable stream")
	ErrChecksum        = errors.New("frame: checksum mismatch")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
)

// MalformedError reports a frame that could not be decoded. When Fatal is
// false the caller advances Skip bytes and keeps reading.
type MalformedError struct {
	Reason string
	Skip   int
	Fatal  bool
	cause  error
}

func (e *MalformedError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("frame: malformed (fatal): %s", e.Reason)
	}
	return fmt.Sprintf("frame: malformed: %s (skip=%d)", e.Reason, e.Skip)
}

func (e *MalformedError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.cause != nil {
		out = append(out, e.cause)
	}
	if e.Fatal {
		out = append(out, ErrUnrecoverable)
	}
	return out
}

// Frame is one complete wire message. Construct with New so the payload is
// owned by the frame.
type Frame struct {
	Type     uint16
	Flags    uint8
	Sequence uint32
	Payload  []byte
}

func New(msgType uint16, flags uint8, seq uint32, payload []byte) Frame {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	return Frame{Type: msgType, Flags: flags, Sequence: seq, Payload: buf}
}

func (f Frame) IsResponse() bool { return f.Flags&FlagResponse != 0 }
func (f Frame) IsError() bool    { return f.Flags&FlagError != 0 }

// WithPayload returns a copy of f carrying payload and flags.
func (f Frame) WithPayload(flags uint8, payload []byte) Frame {
	return New(f.Type, flags, f.Sequence, payload)
}

// Equal reports whether two frames carry the same header and payload.
func (f Frame) Equal(o Frame) bool {
	if f.Type != o.Type || f.Flags != o.Flags || f.Sequence != o.Sequence {
		return false
	}
	if len(f.Payload) != len(o.Payload) {
		return false
	}
	for i := range f.Payload {
		if f.Payload[i] != o.Payload[i] {
			return false
		}
	}
	return true
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 4 * 1024 * 1024}
}

func Encode(f Frame, limits Limits) ([]byte, error) {
	if uint64(len(f.Payload)) > uint64(limits.MaxPayloadBytes) {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, HeaderLen+len(f.Payload))
	binary.BigEndian.PutUint16(buf[0:2], Magic)
	buf[2] = Version
	buf[3] = f.Flags
	binary.BigEndian.PutUint16(buf[4:6], f.Type)
	binary.BigEndian.PutUint32(buf[6:10], f.Sequence)
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(f.Payload)))
	copy(buf[HeaderLen:], f.Payload)
	binary.BigEndian.PutUint32(buf[14:18], checksum(buf[0:14], f.Payload))
	return buf, nil
}

// Decode parses one frame from the front of buf. It returns the frame and the
// unconsumed remainder. buf is not modified.
func Decode(buf []byte, limits Limits) (Frame, []byte, error) {
	if len(buf) < 2 {
		return Frame{}, buf, ErrNeedMoreData
	}
	if binary.BigEndian.Uint16(buf[0:2]) != Magic {
		return Frame{}, buf, &MalformedError{Reason: "bad magic", Fatal: true}
	}
	if len(buf) < HeaderLen {
		return Frame{}, buf, ErrNeedMoreData
	}
	if buf[2] != Version {
		return Frame{}, buf, &MalformedError{Reason: fmt.Sprintf("unsupported version %d", buf[2]), Fatal: true}
	}
	payloadLen := binary.BigEndian.Uint32(buf[10:14])
	if payloadLen > limits.MaxPayloadBytes {
		return Frame{}, buf, &MalformedError{
			Reason: fmt.Sprintf("payload length %d over limit", payloadLen),
			Fatal:  true,
			cause:  ErrPayloadTooLarge,
		}
	}
	total := HeaderLen + int(payloadLen)
	if len(buf) < total {
		return Frame{}, buf, ErrNeedMoreData
	}
	payload := buf[HeaderLen:total]
	want := binary.BigEndian.Uint32(buf[14:18])
	if got := checksum(buf[0:14], payload); got != want {
		return Frame{}, buf[total:], &MalformedError{
			Reason: fmt.Sprintf("checksum got=%08x want=%08x", got, want),
			Skip:   total,
			cause:  ErrChecksum,
		}
	}
	f := New(
		binary.BigEndian.Uint16(buf[4:6]),
		buf[3],
		binary.BigEndian.Uint32(buf[6:10]),
		payload,
	)
	return f, buf[total:], nil
}

func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	b, err := Encode(f, limits)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func checksum(head, payload []byte) uint32 {
	h := crc32.NewIEEE()
	_, _ = h.Write(head)
	_, _ = h.Write(payload)
	return h.Sum32()
}
