package smtptest

import (
	"crypto/tls"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// maxEmailSize is doubtful to be reached in a test, but we need a limit.
const maxEmailSize int64 = 100 * units.MiB

// ErrAuthFailed is what the relay answers to bad credentials.
var ErrAuthFailed = &smtp.SMTPError{
	Code:         535,
	EnhancedCode: smtp.EnhancedCode{5, 7, 8},
	Message:      "Authentication credentials invalid",
}

// Message is an email received by the InProcessServer.
type Message struct {
	created time.Time
	From    string
	To      []string
	Body    string
}

// Backend implements smtp.Backend. It's a thin authentication wrapper
// for an InMemoryEmailStore.
type Backend struct {
	*InMemoryEmailStore
	// Username and Password are the only accepted credentials. If both are
	// empty, any non-empty username and password are fine, since we don't
	// want to couple this with specific test configurations.
	Username string
	Password string
}

// Login implements smtp.Backend.
func (be *Backend) Login(_ *smtp.ConnectionState, username string, password string) (smtp.Session, error) {
	if username == "" || password == "" {
		return nil, ErrAuthFailed
	}
	if be.Username != "" || be.Password != "" {
		if username != be.Username || password != be.Password {
			return nil, ErrAuthFailed
		}
	}
	return &session{store: be.InMemoryEmailStore}, nil
}

// AnonymousLogin implements smtp.Backend. Not supported since we want to
// enforce AUTH.
func (be *Backend) AnonymousLogin(_ *smtp.ConnectionState) (smtp.Session, error) {
	return nil, smtp.ErrAuthUnsupported
}

// session implements smtp.Session for one authenticated connection and hands
// complete messages to the store.
type session struct {
	store *InMemoryEmailStore
	from  string
	to    []string
}

// Reset implements smtp.Session.
func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

// Logout implements smtp.Session. No-op here.
func (s *session) Logout() error { return nil }

// Mail implements smtp.Session.
func (s *session) Mail(from string, _ smtp.MailOptions) error {
	if err := s.store.injected(&s.store.MailErr); err != nil {
		return err
	}
	s.from = from
	return nil
}

// Rcpt implements smtp.Session.
func (s *session) Rcpt(to string) error {
	if err := s.store.injected(&s.store.RcptErr); err != nil {
		return err
	}
	s.to = append(s.to, to)
	return nil
}

// Data implements smtp.Session. Stores the email data in memory for
// retrieval at the end of the test.
func (s *session) Data(r io.Reader) error {
	buf, err := io.ReadAll(io.LimitReader(r, maxEmailSize))
	if err != nil {
		return err
	}
	if err := s.store.injected(&s.store.DataErr); err != nil {
		return err
	}

	str := &strings.Builder{}
	if _, err := str.Write(buf); err != nil {
		return err
	}
	s.store.saveEmail(Message{
		From: s.from,
		To:   append([]string(nil), s.to...),
		Body: str.String(),
	})
	return nil
}

// InMemoryEmailStore retains email bodies in memory for comparison against
// a test's expected output. Designed to be goroutine safe since we don't
// know how many goroutines will be hitting the server at once.
type InMemoryEmailStore struct {
	mu       *sync.Mutex
	messages []Message

	// Errors to answer the matching command with. Set them before the
	// client connects.
	MailErr *smtp.SMTPError
	RcptErr *smtp.SMTPError
	DataErr *smtp.SMTPError
}

// injected returns the configured error for a command, or nil. The
// indirection keeps a nil *SMTPError from becoming a non-nil error.
func (es *InMemoryEmailStore) injected(e **smtp.SMTPError) error {
	es.mu.Lock()
	defer es.mu.Unlock()
	if *e == nil {
		return nil
	}
	return *e
}

// saveEmail stores the message along with a timestamp created just prior to
// saving
func (es *InMemoryEmailStore) saveEmail(m Message) {
	es.mu.Lock()
	defer es.mu.Unlock()

	m.created = time.Now()
	es.messages = append(es.messages, m)
}

// RetrieveEmails returns a slice of all message bodies (as strings)
// sent after epoch nanoseconds t.
// Satisfies smtptest.Server but isn't expected to return an error.
func (es *InMemoryEmailStore) RetrieveEmails(t int64) ([]string, error) {
	ms := es.RetrieveMessages(t)
	r := make([]string, 0, len(ms))
	for _, m := range ms {
		r = append(r, m.Body)
	}
	return r, nil
}

// RetrieveMessages is like RetrieveEmails but includes the envelope.
func (es *InMemoryEmailStore) RetrieveMessages(t int64) []Message {
	es.mu.Lock()
	defer es.mu.Unlock()

	r := make([]Message, 0, len(es.messages))
	for _, m := range es.messages {
		if m.created.UnixNano() >= t {
			r = append(r, m)
		}
	}
	return r
}

// InProcessServer is an SMTP relay that runs in the same process as the
// test suite, letting us inspect sent emails. It offers STARTTLS and only
// accepts AUTH LOGIN once the stream is encrypted. You must initialize this
// via NewInProcessServer.
type InProcessServer struct {
	*smtp.Server
	*InMemoryEmailStore
	ln net.Listener
}

// NewInProcessServer creates an InProcessServer listening on a random local
// port, including configuring its SMTP server to store incoming messages in
// memory. Must provide the paths to the key and cert used for TLS. Pass a
// username and password to only accept those credentials.
func NewInProcessServer(keypath string, certpath string, creds ...string) *InProcessServer {
	is := &InMemoryEmailStore{
		mu:       &sync.Mutex{},
		messages: []Message{},
	}

	be := &Backend{InMemoryEmailStore: is}
	if len(creds) == 2 {
		be.Username, be.Password = creds[0], creds[1]
	}

	srv := smtp.NewServer(be)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = false // need STARTTLS before AUTH here
	srv.AuthDisabled = false      // need AUTH here
	srv.ReadTimeout = 10 * time.Second
	srv.WriteTimeout = 10 * time.Second
	srv.MaxMessageBytes = int(maxEmailSize)
	// Strict is undocumented, but it looks like it enforces <address> syntax
	// in messages:
	// https://github.com/emersion/go-smtp/blob/f92bf7f1a25777bcdaa28a142b1cd1a54b74c8f4/conn.go#L321-L325
	srv.Strict = true

	srv.EnableAuth(loginMechanism, func(conn *smtp.Conn) sasl.Server {
		return &loginServer{
			authenticate: func(username, password string) error {
				state := conn.State()
				s, err := be.Login(&state, username, password)
				if err != nil {
					return err
				}
				conn.SetSession(s)
				return nil
			},
		}
	})

	cert, err := tls.LoadX509KeyPair(certpath, keypath)

	// No way to carry on without a cert, so we panic. We're in a test
	// suite, so this should be fine.
	if err != nil {
		panic(err)
	}

	srv.TLSConfig = &tls.Config{
		Certificates: []tls.Certificate{cert},
	}

	// Listening right away means Address works before Start is called and
	// parallel tests don't fight over a port.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	srv.Addr = ln.Addr().String()

	return &InProcessServer{
		Server:             srv,
		InMemoryEmailStore: is,
		ln:                 ln,
	}
}

// Start starts the test server. Blocking.
func (is *InProcessServer) Start() error {
	// Not using implicit TLS--the client should upgrade the connection
	// with STARTTLS
	return is.Server.Serve(is.ln)
}

// Close shuts down the test server daemon. You must initialize a new
// InProcessServer instead of restarting this one.
func (is *InProcessServer) Close() {
	is.Server.Close()
}

// Address returns the host:port of the test SMTP server.
func (is *InProcessServer) Address() string {
	return is.ln.Addr().String()
}
