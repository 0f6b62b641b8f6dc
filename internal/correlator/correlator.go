// Package correlator matches responses to outstanding requests by sequence id.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/despot/internal/observability"
	"github.com/danmuck/despot/internal/protocol/frame"
	"github.com/danmuck/despot/internal/protocol/schema"
	"github.com/danmuck/despot/internal/protocol/tlv"
	"github.com/danmuck/despot/internal/transport"
	"github.com/rs/zerolog/log"
)

var (
	ErrRemote    = errors.New("correlator: remote error")
	ErrExhausted = errors.New("correlator: no free sequence id")
)

// RemoteError is an error reply from the service. errors.Is(err, ErrRemote) holds.
type RemoteError struct {
	Code    uint32
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("correlator: remote error code=%d", e.Code)
	}
	return fmt.Sprintf("correlator: remote error code=%d: %s", e.Code, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote
}

// Sender writes one frame to the peer.
type Sender interface {
	Send(frame.Frame) error
}

// PendingRequest is one registered request awaiting its response.
type PendingRequest struct {
	Sequence    uint32
	MessageType uint16
	Expected    uint16
	IssuedAt    time.Time
	Deadline    time.Time

	done chan result
}

type result struct {
	frame frame.Frame
	err   error
}

type Stats struct {
	Completed uint64
	TimedOut  uint64
	Late      uint64
	Unmatched uint64
	Failed    uint64
}

// DefaultLateWindow bounds how long a timed-out sequence id is remembered so
// its response can be told apart from an unmatched one.
const DefaultLateWindow = time.Minute

type Correlator struct {
	sender     Sender
	timeout    time.Duration
	lateWindow time.Duration

	mu      sync.Mutex
	next    uint32
	pending map[uint32]*PendingRequest
	expired map[uint32]time.Time
	stats   Stats
}

func New(sender Sender, defaultTimeout time.Duration) *Correlator {
	if defaultTimeout <= 0 {
		defaultTimeout = 10 * time.Second
	}
	return &Correlator{
		sender:     sender,
		timeout:    defaultTimeout,
		lateWindow: DefaultLateWindow,
		pending:    make(map[uint32]*PendingRequest),
		expired:    make(map[uint32]time.Time),
	}
}

// Request sends msgType with fields and waits for the response carrying the
// same sequence id. A zero timeout uses the default.
func (c *Correlator) Request(ctx context.Context, msgType uint16, fields []tlv.Field, expected uint16, timeout time.Duration) (frame.Frame, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	name := schema.MessageName(msgType)
	p, err := c.register(msgType, expected, timeout)
	if err != nil {
		return frame.Frame{}, err
	}

	if err := c.sender.Send(frame.New(msgType, 0, p.Sequence, tlv.EncodeFields(fields))); err != nil {
		c.remove(p.Sequence)
		observability.RecordRequest(name, observability.OutcomeClosed, time.Since(p.IssuedAt))
		return frame.Frame{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var res result
	select {
	case res = <-p.done:
	case <-timer.C:
		if !c.expire(p.Sequence) {
			// completed between the timer firing and the lock
			res = <-p.done
			break
		}
		observability.RecordRequest(name, observability.OutcomeTimeout, time.Since(p.IssuedAt))
		log.Debug().Str("message", name).Uint32("seq", p.Sequence).Dur("timeout", timeout).Msg("correlator.Request timed out")
		return frame.Frame{}, fmt.Errorf("%w: %s seq=%d after %s", transport.ErrTimeout, name, p.Sequence, timeout)
	case <-ctx.Done():
		if !c.expire(p.Sequence) {
			res = <-p.done
			break
		}
		observability.RecordRequest(name, observability.OutcomeTimeout, time.Since(p.IssuedAt))
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return frame.Frame{}, fmt.Errorf("%w: %s seq=%d: %v", transport.ErrTimeout, name, p.Sequence, ctx.Err())
		}
		return frame.Frame{}, ctx.Err()
	}

	f, err := interpret(res, expected)
	observability.RecordRequest(name, outcomeOf(err), time.Since(p.IssuedAt))
	return f, err
}

// Dispatch completes the waiter for f.Sequence. It never blocks; responses
// for unknown or timed-out sequence ids are discarded.
func (c *Correlator) Dispatch(f frame.Frame) {
	c.mu.Lock()
	p, ok := c.pending[f.Sequence]
	late := false
	if ok {
		delete(c.pending, f.Sequence)
		c.stats.Completed++
	} else if _, late = c.expired[f.Sequence]; late {
		delete(c.expired, f.Sequence)
		c.stats.Late++
	} else {
		c.stats.Unmatched++
	}
	c.mu.Unlock()

	switch {
	case ok:
		p.done <- result{frame: f}
	case late:
		observability.RecordDiscard(observability.OutcomeLate)
		log.Debug().Uint32("seq", f.Sequence).Str("message", schema.MessageName(f.Type)).Msg("correlator.Dispatch discarded late response")
	default:
		observability.RecordDiscard(observability.OutcomeUnmatch)
	}
}

// FailAll completes every outstanding request with err.
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	waiters := c.pending
	c.pending = make(map[uint32]*PendingRequest)
	c.stats.Failed += uint64(len(waiters))
	c.mu.Unlock()

	for _, p := range waiters {
		p.done <- result{err: err}
	}
	if len(waiters) > 0 {
		log.Debug().Int("count", len(waiters)).Err(err).Msg("correlator.FailAll")
	}
}

func (c *Correlator) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) Pending() []PendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PendingRequest, 0, len(c.pending))
	for _, p := range c.pending {
		cp := *p
		cp.done = nil
		out = append(out, cp)
	}
	return out
}

func (c *Correlator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Correlator) register(msgType, expected uint16, timeout time.Duration) (*PendingRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seq, ok := c.allocLocked()
	if !ok {
		return nil, ErrExhausted
	}
	now := time.Now()
	p := &PendingRequest{
		Sequence:    seq,
		MessageType: msgType,
		Expected:    expected,
		IssuedAt:    now,
		Deadline:    now.Add(timeout),
		done:        make(chan result, 1),
	}
	c.pending[seq] = p
	return p, nil
}

// allocLocked returns the next free sequence id. Zero is reserved for
// keep-alive traffic; ids still pending or recently expired are skipped.
// It fails only after the counter wraps back to where it started.
func (c *Correlator) allocLocked() (uint32, bool) {
	start := c.next
	for {
		c.next++
		if c.next == start {
			return 0, false
		}
		if c.next == 0 {
			continue
		}
		if _, busy := c.pending[c.next]; busy {
			continue
		}
		if _, busy := c.expired[c.next]; busy {
			continue
		}
		return c.next, true
	}
}

func (c *Correlator) remove(seq uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, seq)
}

// expire moves seq from pending to expired. It reports false when the
// request already completed.
func (c *Correlator) expire(seq uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[seq]; !ok {
		return false
	}
	delete(c.pending, seq)
	now := time.Now()
	for s, at := range c.expired {
		if now.Sub(at) > c.lateWindow {
			delete(c.expired, s)
		}
	}
	c.expired[seq] = now
	c.stats.TimedOut++
	return true
}

func interpret(res result, expected uint16) (frame.Frame, error) {
	if res.err != nil {
		return frame.Frame{}, res.err
	}
	f := res.frame
	if f.IsError() || f.Type == schema.MsgErrorReply {
		return frame.Frame{}, decodeRemote(f)
	}
	if f.Type != expected {
		return frame.Frame{}, fmt.Errorf("%w: expected %s, got %s (seq=%d)",
			transport.ErrProtocol, schema.MessageName(expected), schema.MessageName(f.Type), f.Sequence)
	}
	return f, nil
}

func decodeRemote(f frame.Frame) error {
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return fmt.Errorf("%w: undecodable error reply: %v", transport.ErrProtocol, err)
	}
	remote := &RemoteError{}
	if code, ok := tlv.GetField(fields, schema.FieldCode); ok {
		remote.Code, _ = code.AsU32()
	}
	if msg, ok := tlv.GetField(fields, schema.FieldMessage); ok {
		remote.Message = string(msg.Value)
	}
	return remote
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return observability.OutcomeOK
	case errors.Is(err, ErrRemote):
		return observability.OutcomeRemote
	case errors.Is(err, transport.ErrProtocol):
		return observability.OutcomeProtocol
	default:
		return observability.OutcomeClosed
	}
}
