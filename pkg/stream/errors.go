package stream

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrEmptyBody is returned (wrapped in a *TransportError) when the agent
// answered without a readable body.
var ErrEmptyBody = errors.New("response has no readable body")

// TransportError reports a network failure or a non-OK response from the
// agent service. Status is 0 when no response was received.
type TransportError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Op
	if msg == "" {
		msg = "transport"
	}
	if e.Status > 0 {
		msg = fmt.Sprintf("%s: status %d", msg, e.Status)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewEmptyBodyError builds the TransportError variant used for bodiless responses.
func NewEmptyBodyError(op string, status int) *TransportError {
	return &TransportError{Op: op, Status: status, Err: ErrEmptyBody}
}

// IsTransportError reports whether err carries a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
