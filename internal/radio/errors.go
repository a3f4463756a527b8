package radio

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a radio operation failure so callers can decide
// between retrying, surfacing, or rephrasing the error.
type ErrorKind int

const (
	// KindTimeout: a BLE connect attempt exceeded its deadline.
	KindTimeout ErrorKind = iota
	// KindTransport: a recognized driver or stack failure.
	KindTransport
	// KindUnexpected: anything uncategorized; logged in full, surfaced
	// generically.
	KindUnexpected
	// KindNotConnected: the operation needs an active link and none
	// exists. Never retried.
	KindNotConnected
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport"
	case KindNotConnected:
		return "not_connected"
	default:
		return "unexpected"
	}
}

// Error is a classified radio failure. Message is safe to show to the
// operator; Err carries the full underlying detail for the log.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the ErrorKind from err, defaulting to KindUnexpected.
func KindOf(err error) ErrorKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindUnexpected
}

// notConnectedErr is the uniform "no active link" failure.
func notConnectedErr() *Error {
	return &Error{Kind: KindNotConnected, Message: "not connected to a radio"}
}

// ErrNoRadioSelected is returned by Connect before any transport has
// been chosen.
var ErrNoRadioSelected = errors.New("radio: no radio type selected")

// ErrConnectInFlight rejects a connect issued while another connect is
// still running; attempts are never run in parallel.
var ErrConnectInFlight = errors.New("radio: connection already in progress")
