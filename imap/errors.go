package imap

import (
	"fmt"

	"github.com/pkg/errors"
)

// Structs

// FramingError signals a malformed token stream: an unterminated quote
// or bracket run, a literal whose payload length does not match its
// declared size, or trailing garbage after a complete response. It is
// fatal to the current parse but the connection remains usable if the
// byte stream itself was fully consumed.
type FramingError struct {
	Reason string
}

// ProtocolError signals that the command/response state machine lost
// synchronization with the server, e.g. an unexpected reply while a
// continuation request was pending, or a second command issued while
// one was still in flight. The connection is no longer usable.
type ProtocolError struct {
	Reason string
}

// TransportError wraps an I/O failure or an unexpected EOF on the
// underlying connection. The connection is no longer usable.
type TransportError struct {
	Op  string
	Err error
}

// CommandError carries a NO or BAD completion the server sent for a
// syntactically well-formed exchange. The connection remains usable.
type CommandError struct {
	Verb   string
	Status string
	Text   string
}

// Functions

func (e *FramingError) Error() string {
	return fmt.Sprintf("framing error: %s", e.Reason)
}

// Fatal reports that the connection survives a framing error as long
// as the response bytes were fully drained off the wire.
func (e *FramingError) Fatal() bool { return false }

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol state error: %s", e.Reason)
}

func (e *ProtocolError) Fatal() bool { return true }

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Fatal() bool { return true }

func (e *TransportError) Unwrap() error { return e.Err }

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s failed with %s: %s", e.Verb, e.Status, e.Text)
}

func (e *CommandError) Fatal() bool { return false }

// fatality is implemented by all errors of this package.
type fatality interface {
	Fatal() bool
}

// IsFatal reports whether err poisons the connection it occurred on.
// Errors outside this package's taxonomy are treated as fatal because
// their effect on framing synchronization is unknown.
func IsFatal(err error) bool {

	if err == nil {
		return false
	}

	if f, ok := errors.Cause(err).(fatality); ok {
		return f.Fatal()
	}

	return true
}

// IsCommandError reports whether err is a recoverable server NO/BAD
// completion and hands out the typed error if so.
func IsCommandError(err error) (*CommandError, bool) {

	if err == nil {
		return nil, false
	}

	ce, ok := errors.Cause(err).(*CommandError)

	return ce, ok
}
