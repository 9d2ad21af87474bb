package email

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// State tracks how far a Conn has progressed through an SMTP session.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateTLSUpgraded
	StateAuthenticated
	StateInTransaction
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateTLSUpgraded:
		return "tls-upgraded"
	case StateAuthenticated:
		return "authenticated"
	case StateInTransaction:
		return "in-transaction"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Conn is a command/response channel over a single stream to the relay. A
// Conn belongs to exactly one send and must not be shared between
// goroutines.
type Conn struct {
	nc      net.Conn
	r       *bufio.Reader
	w       *bufio.Writer
	timeout time.Duration // applies to every read and write, 0 disables
	state   State
	log     zerolog.Logger
}

// NewConn wraps an established stream. The stream is owned by the Conn from
// here on, and callers must Close the Conn rather than the stream.
func NewConn(nc net.Conn, timeout time.Duration, logger zerolog.Logger) *Conn {
	return &Conn{
		nc:      nc,
		r:       bufio.NewReaderSize(nc, maxReplyLineLen),
		w:       bufio.NewWriter(nc),
		timeout: timeout,
		state:   StateDisconnected,
		log:     logger,
	}
}

// State returns the current session state.
func (c *Conn) State() State {
	return c.state
}

// IsTLS reports whether the stream is encrypted, either because it was
// dialed with implicit TLS or because of a STARTTLS upgrade.
func (c *Conn) IsTLS() bool {
	_, ok := c.nc.(*tls.Conn)
	return ok
}

func (c *Conn) setState(s State) {
	c.log.Debug().
		Str("from", c.state.String()).
		Str("to", s.String()).
		Msg("relay connection state change")
	c.state = s
}

func (c *Conn) deadline() time.Time {
	if c.timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.timeout)
}

// writeLine sends line terminated by CRLF. If secret is true the line is
// not logged.
func (c *Conn) writeLine(line string, secret bool) error {
	if c.state == StateClosed {
		return ErrConnClosed
	}
	if strings.ContainsAny(line, "\r\n") {
		return errors.New("a command line must not contain CR or LF")
	}

	if secret {
		c.log.Debug().Msg("C: <redacted>")
	} else {
		c.log.Debug().Msg("C: " + line)
	}

	if err := c.nc.SetWriteDeadline(c.deadline()); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	if _, err := c.w.WriteString(line + "\r\n"); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	if err := c.w.Flush(); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// ReadReply reads one complete reply. A reply ends with the first line whose
// code is followed by a space. Every line must carry the same code.
func (c *Conn) ReadReply() (Reply, error) {
	if c.state == StateClosed {
		return Reply{}, ErrConnClosed
	}

	var rep Reply
	for {
		if err := c.nc.SetReadDeadline(c.deadline()); err != nil {
			return Reply{}, &TransportError{Op: "read", Err: err}
		}
		// The reader's buffer is maxReplyLineLen bytes, so a relay can't
		// make us hold more than that while we wait for a line break.
		b, err := c.r.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			return Reply{}, fmt.Errorf(
				"%w: no line break within %v bytes",
				errMalformedReply,
				maxReplyLineLen,
			)
		}
		if err != nil {
			return Reply{}, &TransportError{Op: "read", Err: err}
		}
		line := strings.TrimRight(string(b), "\r\n")
		c.log.Debug().Msg("S: " + line)

		code, text, last, err := parseReplyLine(line)
		if err != nil {
			return Reply{}, err
		}
		if len(rep.Lines) > 0 && code != rep.Code {
			return Reply{}, fmt.Errorf(
				"%w: continuation code %v doesn't match %v",
				errMalformedReply,
				code,
				rep.Code,
			)
		}
		rep.Code = code
		rep.Lines = append(rep.Lines, text)
		if last {
			return rep, nil
		}
	}
}

// Exchange writes a command line and returns the relay's reply without
// judging the code.
func (c *Conn) Exchange(line string) (Reply, error) {
	if err := c.writeLine(line, false); err != nil {
		return Reply{}, err
	}
	return c.ReadReply()
}

// Expect sends line (or only reads, if line is empty) and fails with a
// *ProtocolError unless the relay answers with the code stage requires.
func (c *Conn) Expect(stage Stage, line string) (Reply, error) {
	return c.expect(stage, line, false)
}

func (c *Conn) expect(stage Stage, line string, secret bool) (Reply, error) {
	if line != "" {
		if err := c.writeLine(line, secret); err != nil {
			return Reply{}, err
		}
	}
	rep, err := c.ReadReply()
	if errors.Is(err, errMalformedReply) {
		return Reply{}, &ProtocolError{Stage: stage, Err: err}
	}
	if err != nil {
		return Reply{}, err
	}
	if rep.Code != stage.ExpectedCode() {
		return rep, &ProtocolError{Stage: stage, Reply: rep}
	}
	return rep, nil
}

// StartTLS asks the relay to upgrade the stream and performs the client
// handshake on the same socket.
func (c *Conn) StartTLS(config *tls.Config) error {
	if c.IsTLS() {
		return &TLSError{Err: errors.New("the stream is already encrypted")}
	}
	if _, err := c.Expect(StageStartTLS, "STARTTLS"); err != nil {
		return err
	}

	// Anything the relay pipelined after its 220 would be read as if it came
	// over TLS, so we refuse to go on.
	// https://www.rfc-editor.org/rfc/rfc3207#section-4.2
	if c.r.Buffered() > 0 {
		return &TLSError{Err: errors.New("the relay sent data before the TLS handshake")}
	}

	tc := tls.Client(c.nc, config)
	if err := tc.SetDeadline(c.deadline()); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	if err := tc.Handshake(); err != nil {
		return &TLSError{Err: err}
	}

	c.nc = tc
	c.r = bufio.NewReaderSize(tc, maxReplyLineLen)
	c.w = bufio.NewWriter(tc)
	c.setState(StateTLSUpgraded)
	return nil
}

// WriteData sends a message payload after a 354 and then the terminating
// dot line. Lines starting with a dot are escaped with another dot per
// RFC 5321 §4.5.2. The payload is expected to use CRLF line breaks.
func (c *Conn) WriteData(payload []byte) (Reply, error) {
	if c.state == StateClosed {
		return Reply{}, ErrConnClosed
	}
	if err := c.nc.SetWriteDeadline(c.deadline()); err != nil {
		return Reply{}, &TransportError{Op: "write", Err: err}
	}

	n := 0
	for _, l := range bytes.SplitAfter(payload, []byte("\n")) {
		if len(l) == 0 {
			continue
		}
		if l[0] == '.' {
			if err := c.w.WriteByte('.'); err != nil {
				return Reply{}, &TransportError{Op: "write", Err: err}
			}
		}
		if _, err := c.w.Write(l); err != nil {
			return Reply{}, &TransportError{Op: "write", Err: err}
		}
		n += len(l)
	}

	term := ".\r\n"
	if !bytes.HasSuffix(payload, []byte("\r\n")) {
		term = "\r\n.\r\n"
	}
	if _, err := c.w.WriteString(term); err != nil {
		return Reply{}, &TransportError{Op: "write", Err: err}
	}
	if err := c.w.Flush(); err != nil {
		return Reply{}, &TransportError{Op: "write", Err: err}
	}
	c.log.Debug().Int("bytes", n).Msg("C: <message data>")
	c.log.Debug().Msg("C: .")

	return c.Expect(StageDataEnd, "")
}

// Close closes the underlying stream. Only the first call closes it; later
// calls are no-ops.
func (c *Conn) Close() error {
	if c.state == StateClosed {
		return nil
	}
	c.setState(StateClosed)
	return c.nc.Close()
}
