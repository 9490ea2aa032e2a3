package pump

import (
	"errors"
	"fmt"
)

// Pump errors.
var (
	// ErrNullOutputBuffer indicates the encoder handed out an index whose buffer is missing.
	ErrNullOutputBuffer = errors.New("encoder output buffer was null")

	// ErrNullInputBuffer indicates the encoder handed out an index whose input buffer is missing.
	ErrNullInputBuffer = errors.New("encoder input buffer was null")

	// ErrBufferBounds indicates output buffer info describing bytes outside the buffer.
	ErrBufferBounds = errors.New("output buffer info out of bounds")

	// ErrUnexpectedStatus indicates a negative dequeue result outside the known codes.
	ErrUnexpectedStatus = errors.New("unexpected result from dequeue")
)

// ProtocolViolation reports an encoder that broke the queue contract.
type ProtocolViolation struct {
	Status int
	Err    error
}

// Error implements the error interface.
func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("encoder protocol violation (status %d): %v", e.Status, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProtocolViolation) Unwrap() error {
	return e.Err
}

// IsProtocolViolation reports whether err is or wraps a *ProtocolViolation.
func IsProtocolViolation(err error) bool {
	var pv *ProtocolViolation
	return errors.As(err, &pv)
}
