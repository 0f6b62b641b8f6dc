package transport

import (
	"errors"
	"fmt"
)

var (
	ErrAuth             = errors.New("transport: authentication rejected")
	ErrProtocol         = errors.New("transport: protocol error")
	ErrTimeout          = errors.New("transport: timeout")
	ErrNotConnected     = errors.New("transport: not connected")
	ErrAlreadyConnected = errors.New("transport: session already connected")
	ErrConnectionLost   = errors.New("transport: connection lost")
	ErrClosed           = errors.New("transport: session closed")
)

// AuthError carries the server's rejection. errors.Is(err, ErrAuth) holds.
type AuthError struct {
	Code    uint32
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("transport: authentication rejected (code=%d)", e.Code)
	}
	return fmt.Sprintf("transport: authentication rejected (code=%d): %s", e.Code, e.Message)
}

func (e *AuthError) Is(target error) bool {
	return target == ErrAuth
}
