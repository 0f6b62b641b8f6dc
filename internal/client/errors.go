package client

import (
	"github.com/danmuck/despot/internal/correlator"
	"github.com/danmuck/despot/internal/metadata"
	"github.com/danmuck/despot/internal/transport"
)

// Error taxonomy surfaced by the client. All values match with errors.Is.
var (
	ErrAuth         = transport.ErrAuth
	ErrProtocol     = transport.ErrProtocol
	ErrTimeout      = transport.ErrTimeout
	ErrNotConnected = transport.ErrNotConnected
	ErrMetadata     = metadata.ErrMetadata
	ErrNotFound     = metadata.ErrNotFound
	ErrRemote       = correlator.ErrRemote
)
