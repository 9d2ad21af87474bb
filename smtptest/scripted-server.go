package smtptest

import (
	"bufio"
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Keys of a ScriptedServer reply table. Commands are keyed by their verb,
// except for the two AUTH LOGIN responses and the end of the message data.
const (
	KeyGreeting     = "greeting"
	KeyEHLO         = "EHLO"
	KeySTARTTLS     = "STARTTLS"
	KeyAuth         = "AUTH"
	KeyAuthUsername = "AUTH-USERNAME"
	KeyAuthPassword = "AUTH-PASSWORD"
	KeyMail         = "MAIL"
	KeyRcpt         = "RCPT"
	KeyData         = "DATA"
	KeyDataEnd      = "."
	KeyQuit         = "QUIT"
)

// Stall makes a ScriptedServer read a command and never answer it.
const Stall = "<stall>"

// DefaultReplies accept every step of a plaintext session with AUTH LOGIN.
var DefaultReplies = map[string]string{
	KeyGreeting:     "220 relay.test ESMTP ready",
	KeyEHLO:         "250-relay.test greets you\r\n250-AUTH LOGIN\r\n250 STARTTLS",
	KeySTARTTLS:     "220 2.0.0 ready to start TLS",
	KeyAuth:         "334 VXNlcm5hbWU6",
	KeyAuthUsername: "334 UGFzc3dvcmQ6",
	KeyAuthPassword: "235 2.7.0 Authentication successful",
	KeyMail:         "250 2.1.0 OK",
	KeyRcpt:         "250 2.1.5 OK",
	KeyData:         "354 Start mail input; end with <CRLF>.<CRLF>",
	KeyDataEnd:      "250 2.0.0 OK queued",
	KeyQuit:         "221 2.0.0 Bye",
}

// ScriptedServer is a fake relay that answers each command from a fixed
// reply table, whatever the command says. It's meant for driving a client
// into a particular failure. It records every line it receives.
//
// Implements Server. Create it with NewScriptedServer.
type ScriptedServer struct {
	ln        net.Listener
	replies   map[string]string
	tlsConfig *tls.Config

	wg           sync.WaitGroup
	mu           sync.Mutex
	commands     []string
	messages     []messageData
	clientClosed int
}

// messageData is the payload of one DATA command and when it ended.
type messageData struct {
	created time.Time
	body    string
}

// NewScriptedServer listens on a random local port. overrides replace
// entries of DefaultReplies. If tlsConfig is nil and the table accepts
// STARTTLS, the server hangs up instead of negotiating.
func NewScriptedServer(overrides map[string]string, tlsConfig *tls.Config) *ScriptedServer {
	r := make(map[string]string, len(DefaultReplies))
	for k, v := range DefaultReplies {
		r[k] = v
	}
	for k, v := range overrides {
		r[k] = v
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	// We're in a test suite, so panicking should be fine.
	if err != nil {
		panic(err)
	}

	return &ScriptedServer{
		ln:        ln,
		replies:   r,
		tlsConfig: tlsConfig,
	}
}

// Start accepts connections until Close is called. Blocking.
func (s *ScriptedServer) Start() error {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go s.handle(nc)
	}
}

// Close stops listening and waits for open sessions to end.
func (s *ScriptedServer) Close() {
	s.ln.Close()
	s.wg.Wait()
}

// Address returns the host:port of the server.
func (s *ScriptedServer) Address() string {
	return s.ln.Addr().String()
}

// Port returns the port the server listens on.
func (s *ScriptedServer) Port() int {
	_, p, _ := net.SplitHostPort(s.Address())
	n, _ := strconv.Atoi(p)
	return n
}

// Commands returns every line received so far, in order.
func (s *ScriptedServer) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// ClientClosed returns how many sessions ended because the client closed
// the connection.
func (s *ScriptedServer) ClientClosed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientClosed
}

// RetrieveEmails returns the message data received after epoch nanoseconds
// t, still dot-stuffed.
func (s *ScriptedServer) RetrieveEmails(t int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := make([]string, 0, len(s.messages))
	for _, m := range s.messages {
		if m.created.UnixNano() >= t {
			r = append(r, m.body)
		}
	}
	return r, nil
}

func (s *ScriptedServer) record(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, line)
}

// respond writes the reply for key. It returns false if the session should
// end.
func (s *ScriptedServer) respond(nc net.Conn, key string) bool {
	rep, ok := s.replies[key]
	if !ok {
		rep = "500 5.5.2 unrecognized command"
	}
	if rep == Stall {
		return true
	}
	if !strings.HasSuffix(rep, "\r\n") {
		rep += "\r\n"
	}
	_, err := nc.Write([]byte(rep))
	return err == nil
}

func (s *ScriptedServer) accepted(key, prefix string) bool {
	return strings.HasPrefix(s.replies[key], prefix)
}

func (s *ScriptedServer) handle(nc net.Conn) {
	defer s.wg.Done()
	defer func() { nc.Close() }()

	r := bufio.NewReader(nc)
	if !s.respond(nc, KeyGreeting) {
		return
	}

	authStep := 0
	for {
		nc.SetReadDeadline(time.Now().Add(5 * time.Second))
		line, err := r.ReadString('\n')
		if err != nil {
			var ne net.Error
			if !(errors.As(err, &ne) && ne.Timeout()) {
				s.mu.Lock()
				s.clientClosed++
				s.mu.Unlock()
			}
			return
		}
		line = strings.TrimRight(line, "\r\n")
		s.record(line)

		var key string
		switch authStep {
		case 1:
			key = KeyAuthUsername
		case 2:
			key = KeyAuthPassword
		default:
			key = strings.ToUpper(strings.SplitN(line, " ", 2)[0])
			if strings.HasPrefix(key, "MAIL") {
				key = KeyMail
			} else if strings.HasPrefix(key, "RCPT") {
				key = KeyRcpt
			}
		}

		if !s.respond(nc, key) {
			return
		}

		switch key {
		case KeyAuth:
			if s.accepted(KeyAuth, "334") {
				authStep = 1
			}
		case KeyAuthUsername:
			authStep = 0
			if s.accepted(KeyAuthUsername, "334") {
				authStep = 2
			}
		case KeyAuthPassword:
			authStep = 0
		case KeySTARTTLS:
			if !s.accepted(KeySTARTTLS, "220") {
				continue
			}
			if s.tlsConfig == nil {
				return
			}
			tc := tls.Server(nc, s.tlsConfig)
			tc.SetDeadline(time.Now().Add(5 * time.Second))
			if err := tc.Handshake(); err != nil {
				return
			}
			nc = tc
			r = bufio.NewReader(tc)
		case KeyData:
			if !s.accepted(KeyData, "354") {
				continue
			}
			var body strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				body.WriteString(l)
			}
			s.record(".")
			s.mu.Lock()
			s.messages = append(s.messages, messageData{
				created: time.Now(),
				body:    body.String(),
			})
			s.mu.Unlock()
			if !s.respond(nc, KeyDataEnd) {
				return
			}
		}
	}
}
