package email

import (
	"crypto/tls"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultTimeout bounds connecting and each socket operation unless the
// caller sets something else.
const DefaultTimeout = 30 * time.Second

// Outcome is the result of one Send.
type Outcome struct {
	OK bool
	// Err describes the failure. It's meant for logs and operator alerts,
	// not for the person who submitted the message.
	Err string
}

// Client sends messages through one relay with fixed credentials. Each Send
// opens and closes its own connection, so a Client can be used from several
// goroutines at once.
type Client struct {
	creds          Credentials
	transport      Transport
	mode           Mode
	timeout        time.Duration
	connectTimeout time.Duration
	tlsConfig      *tls.Config
	helloName      string
	builder        Builder
	signer         Signer
	maxSize        int64
	log            zerolog.Logger

	mu   sync.Mutex // guards last
	last Outcome
}

// Option configures a Client.
type Option func(*Client)

// WithTransport replaces the Dialer built from the other options, e.g., to
// add a retry policy.
func WithTransport(t Transport) Option {
	return func(c *Client) { c.transport = t }
}

// WithMode sets how the stream is secured. The default is ModeAuto.
func WithMode(m Mode) Option {
	return func(c *Client) { c.mode = m }
}

// WithTimeout bounds every read and write on the stream.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithConnectTimeout bounds each dial attempt.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) { c.connectTimeout = d }
}

// WithTLSConfig is used both for implicit TLS and STARTTLS.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Client) { c.tlsConfig = cfg }
}

// WithHelloName sets the identifier sent with EHLO. It defaults to the
// hostname.
func WithHelloName(name string) Option {
	return func(c *Client) { c.helloName = name }
}

// WithLogger replaces the global zerolog logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithBuilder replaces the zero Builder.
func WithBuilder(b Builder) Option {
	return func(c *Client) { c.builder = b }
}

// WithSigner signs every rendered message before it's sent.
func WithSigner(s Signer) Option {
	return func(c *Client) { c.signer = s }
}

// WithMaxMessageSize makes Send fail before connecting if the rendered
// message is larger than n bytes. Zero means no limit.
func WithMaxMessageSize(n int64) Option {
	return func(c *Client) { c.maxSize = n }
}

// NewClient returns a Client for the relay at host:port that authenticates
// with AUTH LOGIN.
func NewClient(host string, port int, username, password string, opts ...Option) *Client {
	c := &Client{
		creds: Credentials{
			Host:     host,
			Port:     port,
			Username: username,
			Password: password,
		},
		timeout:        DefaultTimeout,
		connectTimeout: DefaultTimeout,
		log:            log.Logger,
	}
	for _, o := range opts {
		o(c)
	}

	if c.helloName == "" {
		c.helloName = defaultHelloName()
	}
	if c.transport == nil {
		c.transport = Dialer{
			Mode:           c.mode,
			ConnectTimeout: c.connectTimeout,
			TLSConfig:      c.tlsConfig,
		}
	}
	c.log = c.log.With().
		Str("relay", fmt.Sprintf("%v:%v", host, port)).
		Logger()
	return c
}

func defaultHelloName() string {
	h, err := os.Hostname()
	if err != nil || h == "" || strings.ContainsAny(h, " \r\n") {
		return "localhost"
	}
	return h
}

// Send delivers m and reports the outcome instead of an error. The outcome
// is also kept for LastOutcome and LastError until the next Send. A panic
// during delivery becomes a failed Outcome.
func (c *Client) Send(m Message) Outcome {
	err := c.deliverRecovered(m)

	o := Outcome{OK: err == nil}
	if err != nil {
		o.Err = err.Error()
		c.log.Error().
			Err(err).
			Str("to", m.To).
			Msg("could not deliver the message")
	} else {
		c.log.Info().
			Str("to", m.To).
			Msg("delivered the message to the relay")
	}

	c.mu.Lock()
	c.last = o
	c.mu.Unlock()
	return o
}

func (c *Client) deliverRecovered(m Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while delivering the message: %v", r)
		}
	}()
	return c.Deliver(m)
}

// LastOutcome returns the outcome of the most recent Send.
func (c *Client) LastOutcome() Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// LastError returns the diagnostic of the most recent Send, or an empty
// string if it succeeded.
func (c *Client) LastError() string {
	return c.LastOutcome().Err
}

// Deliver sends m in a single SMTP session. A nil error means the relay
// accepted the message and the session ended cleanly. Otherwise the error
// is one of *ConnectError, *TLSError, *ProtocolError, *AuthError or
// *TransportError, or a validation error raised before connecting.
//
// The connection is closed before Deliver returns, whatever happens.
func (c *Client) Deliver(m Message) error {
	header, body, err := c.builder.Build(m)
	if err != nil {
		return fmt.Errorf("can't build the message: %w", err)
	}
	payload := Render(header, body)
	if c.signer != nil {
		payload, err = c.signer.Sign(payload)
		if err != nil {
			return err
		}
	}
	if c.maxSize > 0 && int64(len(payload)) > c.maxSize {
		return fmt.Errorf(
			"the message is %v bytes but the limit is %v",
			len(payload),
			c.maxSize,
		)
	}

	nc, err := c.transport.Connect(c.creds.Host, c.creds.Port)
	if err != nil {
		return err
	}
	conn := NewConn(nc, c.timeout, c.log)
	defer conn.Close()

	return c.converse(conn, m, payload)
}

// converse runs the session over conn, stopping at the first stage that
// fails.
func (c *Client) converse(conn *Conn, m Message, payload []byte) error {
	if _, err := conn.Expect(StageGreeting, ""); err != nil {
		return err
	}
	conn.setState(StateConnected)

	hello := "EHLO " + c.helloName
	if _, err := conn.Expect(StageHello, hello); err != nil {
		return err
	}

	if !conn.IsTLS() && c.mode != ModeNone {
		if err := conn.StartTLS(tlsConfigFor(c.tlsConfig, c.creds.Host)); err != nil {
			return err
		}
		// The relay forgets everything from before the upgrade.
		// https://www.rfc-editor.org/rfc/rfc3207#section-4.2
		if _, err := conn.Expect(StageHello, hello); err != nil {
			return err
		}
	}

	if err := authenticate(conn, c.creds); err != nil {
		return err
	}

	if _, err := conn.Expect(StageSender, "MAIL FROM:<"+m.From+">"); err != nil {
		return err
	}
	conn.setState(StateInTransaction)

	if _, err := conn.Expect(StageRecipient, "RCPT TO:<"+m.To+">"); err != nil {
		return err
	}
	if _, err := conn.Expect(StageDataStart, "DATA"); err != nil {
		return err
	}
	if _, err := conn.WriteData(payload); err != nil {
		return err
	}
	conn.setState(StateAuthenticated)

	_, err := conn.Expect(StageQuit, "QUIT")
	return err
}
