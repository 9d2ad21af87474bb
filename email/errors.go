package email

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConnClosed is returned when a Conn is used after it has been closed.
var ErrConnClosed = errors.New("the relay connection is already closed")

// ConnectError means we could not open a stream to the relay at all, e.g.,
// DNS failed or the port refused us. Attempts holds the socket error of
// each dial attempt in the order we made them.
type ConnectError struct {
	Addr     string
	Attempts []error
}

func (e *ConnectError) Error() string {
	msgs := make([]string, len(e.Attempts))
	for i := range e.Attempts {
		msgs[i] = e.Attempts[i].Error()
	}
	return fmt.Sprintf("could not connect to %v: %v", e.Addr, strings.Join(msgs, "; "))
}

// Unwrap returns the error of the last attempt, which is the one that
// decided the outcome.
func (e *ConnectError) Unwrap() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1]
}

// TLSError means the relay accepted STARTTLS (or we dialed it with implicit
// TLS) but the handshake didn't complete.
type TLSError struct {
	Err error
}

func (e *TLSError) Error() string {
	return fmt.Sprintf("could not negotiate TLS with the relay: %v", e.Err)
}

func (e *TLSError) Unwrap() error { return e.Err }

// ProtocolError means the relay answered a stage with a code other than the
// one the stage requires, or sent something we could not read as a reply.
type ProtocolError struct {
	Stage Stage
	Reply Reply
	// Err is set instead of Reply when the reply was malformed.
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf(
		"%v: expected %v but the relay replied %v",
		e.Stage,
		e.Stage.ExpectedCode(),
		e.Reply,
	)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// AuthError means the relay rejected one of the three AUTH LOGIN steps.
type AuthError struct {
	Step  Stage
	Reply Reply
}

func (e *AuthError) Error() string {
	return fmt.Sprintf(
		"authentication failed at the %v step: %v",
		authStepNames[e.Step],
		e.Reply,
	)
}

// TransportError means a read or write on an established stream failed,
// including timeouts.
type TransportError struct {
	Op  string // "read" or "write"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("relay %v failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a deadline being exceeded.
func (e *TransportError) Timeout() bool {
	var t interface{ Timeout() bool }
	return errors.As(e.Err, &t) && t.Timeout()
}
