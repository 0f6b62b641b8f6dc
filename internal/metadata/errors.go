package metadata

import (
	"errors"
	"fmt"
)

var (
	ErrMetadata  = errors.New("metadata: invalid record")
	ErrInvalidID = errors.New("metadata: invalid id")
	ErrNotFound  = errors.New("metadata: not found")
)

// MetadataError names the record and field that failed to decode.
// errors.Is(err, ErrMetadata) holds.
type MetadataError struct {
	Kind   Kind
	ID     ID
	Field  string
	Reason string
	cause  error
}

func (e *MetadataError) Error() string {
	id := "unknown"
	if !e.ID.IsZero() {
		id = e.ID.Hex()
	}
	msg := fmt.Sprintf("metadata: %s %s field %s", e.Kind, id, e.Field)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *MetadataError) Unwrap() error {
	return e.cause
}

func (e *MetadataError) Is(target error) bool {
	return target == ErrMetadata
}
