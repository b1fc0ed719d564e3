package moq

import (
	"errors"
	"fmt"
)

// Sentinel errors for MoQ subscriber handling. These enable callers to
// programmatically distinguish failure modes using errors.Is.
var (
	ErrVersionMismatch   = errors.New("moq: no compatible version")
	ErrUnexpectedMessage = errors.New("moq: unexpected control message")
	ErrUnknownStreamType = errors.New("moq: unknown data stream type")
	ErrInvalidConfig     = errors.New("moq: invalid decoder configuration record")
	ErrTooLarge          = errors.New("moq: length exceeds limit")
)

// ParseError indicates a failure to parse a MoQ message field.
// It wraps the underlying I/O or format error and records which field
// was being parsed when the error occurred.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("moq: parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// SubscribeError is a SUBSCRIBE_ERROR received from the publisher. It
// satisfies the error interface so a rejected subscription can be returned
// directly to the caller.
type SubscribeError struct {
	RequestID    uint64
	ErrorCode    uint64
	ReasonPhrase string
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("moq: subscribe rejected (code %d): %s", e.ErrorCode, e.ReasonPhrase)
}
