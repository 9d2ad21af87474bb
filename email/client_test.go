package email

import (
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptgott/relaymail/smtptest"
)

func startScripted(t *testing.T, overrides map[string]string, tlsConfig *tls.Config) *smtptest.ScriptedServer {
	t.Helper()
	srv := smtptest.NewScriptedServer(overrides, tlsConfig)
	go srv.Start()
	t.Cleanup(srv.Close)
	return srv
}

// scriptedClient talks to srv in plaintext without upgrading.
func scriptedClient(srv *smtptest.ScriptedServer, opts ...Option) *Client {
	o := []Option{
		WithMode(ModeNone),
		WithTimeout(2 * time.Second),
		WithConnectTimeout(2 * time.Second),
		WithHelloName("client.test"),
		WithLogger(zerolog.Nop()),
	}
	return NewClient("127.0.0.1", srv.Port(), "user", "pass", append(o, opts...)...)
}

func sendMessage() Message {
	return Message{
		From:     "from@example.com",
		FromName: "Web Form",
		To:       "to@example.com",
		Subject:  "New Demo Request - School - Ann",
		HTMLBody: "<h1>New Demo Request</h1>\n\n<p>.leading dot</p>",
		ReplyTo:  "ann@example.org",
	}
}

// countingTransport records how many streams it opened and closed.
type countingTransport struct {
	Transport
	mu     sync.Mutex
	dials  int
	closes int
}

type countedConn struct {
	net.Conn
	t *countingTransport
}

func (c *countedConn) Close() error {
	c.t.mu.Lock()
	c.t.closes++
	c.t.mu.Unlock()
	return c.Conn.Close()
}

func (ct *countingTransport) Connect(host string, port int) (net.Conn, error) {
	nc, err := ct.Transport.Connect(host, port)
	if err != nil {
		return nil, err
	}
	ct.mu.Lock()
	ct.dials++
	ct.mu.Unlock()
	return &countedConn{Conn: nc, t: ct}, nil
}

func (ct *countingTransport) counts() (int, int) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.dials, ct.closes
}

func TestSend_Success(t *testing.T) {
	srv := startScripted(t, nil, nil)
	c := scriptedClient(srv)

	o := c.Send(sendMessage())
	require.True(t, o.OK, o.Err)
	assert.Equal(t, "", o.Err)
	assert.Equal(t, o, c.LastOutcome())
	assert.Equal(t, "", c.LastError())

	assert.Equal(t, []string{
		"EHLO client.test",
		"AUTH LOGIN",
		"dXNlcg==",
		"cGFzcw==",
		"MAIL FROM:<from@example.com>",
		"RCPT TO:<to@example.com>",
		"DATA",
		".",
		"QUIT",
	}, srv.Commands())

	assert.Eventually(t, func() bool {
		return srv.ClientClosed() == 1
	}, 2*time.Second, 10*time.Millisecond)

	bodies, err := srv.RetrieveEmails(0)
	require.NoError(t, err)
	require.Len(t, bodies, 1)

	h, _, parts, err := smtptest.ParseEmail(bodies[0])
	require.NoError(t, err)
	assert.Equal(t, "ann@example.org", h.Get("Reply-To"))
	require.Len(t, parts, 2)
	assert.Equal(t, "New Demo Request\n\n.leading dot", string(parts[0].Decoded))
	assert.Equal(t, sendMessage().HTMLBody, string(parts[1].Decoded))
}

func TestSend_FailingStage(t *testing.T) {
	testCases := []struct {
		description string
		key         string
		reply       string
		// lastCommand is the final line the relay should see. Empty means
		// the client must not send anything.
		lastCommand string
		check       func(t *testing.T, err error)
	}{
		{
			description: "greeting refused",
			key:         smtptest.KeyGreeting,
			reply:       "554 5.3.2 no service",
			lastCommand: "",
			check:       wantProtocolError(StageGreeting, 554),
		},
		{
			description: "EHLO refused",
			key:         smtptest.KeyEHLO,
			reply:       "502 5.5.1 not implemented",
			lastCommand: "EHLO client.test",
			check:       wantProtocolError(StageHello, 502),
		},
		{
			description: "AUTH LOGIN unsupported",
			key:         smtptest.KeyAuth,
			reply:       "504 5.5.4 unrecognized authentication type",
			lastCommand: "AUTH LOGIN",
			check:       wantAuthError(StageAuthBegin, 504),
		},
		{
			description: "username refused",
			key:         smtptest.KeyAuthUsername,
			reply:       "535 5.7.8 no such user",
			lastCommand: "dXNlcg==",
			check:       wantAuthError(StageAuthUsername, 535),
		},
		{
			description: "bad password",
			key:         smtptest.KeyAuthPassword,
			reply:       "535 5.7.8 Authentication credentials invalid",
			lastCommand: "cGFzcw==",
			check:       wantAuthError(StageAuthPassword, 535),
		},
		{
			description: "sender refused",
			key:         smtptest.KeyMail,
			reply:       "550 5.7.1 sender rejected",
			lastCommand: "MAIL FROM:<from@example.com>",
			check:       wantProtocolError(StageSender, 550),
		},
		{
			description: "recipient refused",
			key:         smtptest.KeyRcpt,
			reply:       "550 5.1.1 no such user",
			lastCommand: "RCPT TO:<to@example.com>",
			check:       wantProtocolError(StageRecipient, 550),
		},
		{
			description: "DATA refused",
			key:         smtptest.KeyData,
			reply:       "554 5.5.1 no valid recipients",
			lastCommand: "DATA",
			check:       wantProtocolError(StageDataStart, 554),
		},
		{
			description: "message refused",
			key:         smtptest.KeyDataEnd,
			reply:       "552 5.3.4 message too big",
			lastCommand: ".",
			check:       wantProtocolError(StageDataEnd, 552),
		},
		{
			description: "QUIT answered wrongly",
			key:         smtptest.KeyQuit,
			reply:       "500 5.5.2 what",
			lastCommand: "QUIT",
			check:       wantProtocolError(StageQuit, 500),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			srv := startScripted(t, map[string]string{tc.key: tc.reply}, nil)
			ct := &countingTransport{Transport: Dialer{Mode: ModeNone, ConnectTimeout: time.Second}}
			c := scriptedClient(srv, WithTransport(ct))

			err := c.Deliver(sendMessage())
			require.Error(t, err)
			tc.check(t, err)
			assert.Contains(t, err.Error(), tc.reply[:3])

			cmds := srv.Commands()
			if tc.lastCommand == "" {
				assert.Empty(t, cmds)
			} else {
				require.NotEmpty(t, cmds)
				assert.Equal(t, tc.lastCommand, cmds[len(cmds)-1])
			}

			dials, closes := ct.counts()
			assert.Equal(t, 1, dials)
			assert.Equal(t, 1, closes, "the stream must be closed exactly once")

			// Send reports the same failure as a diagnostic.
			o := c.Send(sendMessage())
			assert.False(t, o.OK)
			assert.Equal(t, err.Error(), o.Err)
			assert.Equal(t, o.Err, c.LastError())
		})
	}
}

func wantProtocolError(stage Stage, code int) func(*testing.T, error) {
	return func(t *testing.T, err error) {
		t.Helper()
		var pe *ProtocolError
		require.True(t, errors.As(err, &pe), "wanted a *ProtocolError but got %T: %v", err, err)
		assert.Equal(t, stage, pe.Stage)
		assert.Equal(t, code, pe.Reply.Code)
	}
}

func wantAuthError(step Stage, code int) func(*testing.T, error) {
	return func(t *testing.T, err error) {
		t.Helper()
		var ae *AuthError
		require.True(t, errors.As(err, &ae), "wanted an *AuthError but got %T: %v", err, err)
		assert.Equal(t, step, ae.Step)
		assert.Equal(t, code, ae.Reply.Code)
	}
}

func TestSend_MalformedGreeting(t *testing.T) {
	srv := startScripted(t, map[string]string{
		smtptest.KeyGreeting: "hello, this is not SMTP",
	}, nil)

	err := scriptedClient(srv).Deliver(sendMessage())
	var pe *ProtocolError
	require.True(t, errors.As(err, &pe), "got %v", err)
	assert.Equal(t, StageGreeting, pe.Stage)
	assert.Empty(t, srv.Commands())
}

// explodingTransport hands out streams that panic on the first write.
type explodingTransport struct {
	Transport
}

type explodingConn struct {
	net.Conn
}

func (explodingConn) Write([]byte) (int, error) {
	panic("write exploded")
}

func (et explodingTransport) Connect(host string, port int) (net.Conn, error) {
	nc, err := et.Transport.Connect(host, port)
	if err != nil {
		return nil, err
	}
	return explodingConn{Conn: nc}, nil
}

func TestSend_PanicBecomesOutcome(t *testing.T) {
	srv := startScripted(t, nil, nil)
	ct := &countingTransport{Transport: explodingTransport{
		Transport: Dialer{Mode: ModeNone, ConnectTimeout: time.Second},
	}}
	c := scriptedClient(srv, WithTransport(ct))

	var o Outcome
	require.NotPanics(t, func() { o = c.Send(sendMessage()) })
	assert.False(t, o.OK)
	assert.Contains(t, o.Err, "write exploded")
	assert.Equal(t, o.Err, c.LastError())

	dials, closes := ct.counts()
	assert.Equal(t, 1, dials)
	assert.Equal(t, 1, closes, "the stream must be closed when delivery panics")
}

func TestSend_Unreachable(t *testing.T) {
	// Find a port nothing listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, p, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(p)
	ln.Close()

	c := NewClient("127.0.0.1", port, "user", "pass",
		WithConnectTimeout(2*time.Second),
		WithLogger(zerolog.Nop()),
	)

	start := time.Now()
	o := c.Send(sendMessage())
	assert.False(t, o.OK)
	assert.Less(t, time.Since(start), 2*time.Second)

	err = c.Deliver(sendMessage())
	var ce *ConnectError
	require.True(t, errors.As(err, &ce), "got %v", err)
	require.Len(t, ce.Attempts, 2, "auto mode tries implicit TLS and then plaintext")
	assert.Contains(t, ce.Attempts[0].Error(), "implicit TLS")
	assert.Contains(t, ce.Attempts[1].Error(), "plaintext")
	assert.Contains(t, o.Err, "refused")
}

// silentListener accepts connections and never writes to them, like a relay
// that swallows the TLS handshake.
func silentListener(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	var mu sync.Mutex
	var held []net.Conn
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		for _, nc := range held {
			nc.Close()
		}
	})
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			held = append(held, nc)
			mu.Unlock()
		}
	}()

	_, p, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(p)
	return port
}

func TestSend_ConnectTimeoutCoversEveryAttempt(t *testing.T) {
	port := silentListener(t)
	c := NewClient("127.0.0.1", port, "user", "pass",
		WithConnectTimeout(300*time.Millisecond),
		WithTimeout(5*time.Second),
		WithLogger(zerolog.Nop()),
	)

	start := time.Now()
	err := c.Deliver(sendMessage())
	elapsed := time.Since(start)

	var ce *ConnectError
	require.True(t, errors.As(err, &ce), "got %v", err)
	require.Len(t, ce.Attempts, 2)
	assert.Contains(t, ce.Attempts[0].Error(), "implicit TLS")
	assert.Contains(t, ce.Attempts[1].Error(), "plaintext")
	assert.Less(t, elapsed, 600*time.Millisecond, "both attempts must fit in one connect timeout")
}

func TestSend_Timeout(t *testing.T) {
	srv := startScripted(t, map[string]string{
		smtptest.KeyMail: smtptest.Stall,
	}, nil)
	c := scriptedClient(srv, WithTimeout(200*time.Millisecond))

	start := time.Now()
	err := c.Deliver(sendMessage())
	var te *TransportError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.True(t, te.Timeout())
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.NotContains(t, srv.Commands(), "RCPT TO:<to@example.com>")
}

func TestSend_InvalidMessage(t *testing.T) {
	ct := &countingTransport{Transport: Dialer{Mode: ModeNone}}
	c := NewClient("127.0.0.1", 25, "user", "pass",
		WithTransport(ct),
		WithLogger(zerolog.Nop()),
	)

	m := sendMessage()
	m.Subject = "Hi\r\nBcc: everyone@example.com"
	o := c.Send(m)
	assert.False(t, o.OK)

	dials, _ := ct.counts()
	assert.Equal(t, 0, dials, "an invalid message must fail before connecting")
}

func TestSend_DisplayNameInAddress(t *testing.T) {
	srv := startScripted(t, nil, nil)
	c := scriptedClient(srv)

	m := sendMessage()
	m.From = "Mallory <from@example.com>"
	o := c.Send(m)
	assert.False(t, o.OK)
	assert.Contains(t, o.Err, "bare address")
	assert.Empty(t, srv.Commands(), "nothing should reach the relay")
}

func TestSend_MaxMessageSize(t *testing.T) {
	srv := startScripted(t, nil, nil)
	c := scriptedClient(srv, WithMaxMessageSize(100))

	err := c.Deliver(sendMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit")
	assert.Empty(t, srv.Commands())
}

func TestSend_STARTTLS(t *testing.T) {
	t.Run("upgrade", func(t *testing.T) {
		srv := startScripted(t, nil, smtptest.ServerTLSConfig(t))
		c := scriptedClient(srv,
			WithMode(ModeSTARTTLS),
			WithTLSConfig(&tls.Config{InsecureSkipVerify: true}),
		)

		o := c.Send(sendMessage())
		require.True(t, o.OK, o.Err)
		assert.Equal(t, []string{
			"EHLO client.test",
			"STARTTLS",
			"EHLO client.test",
			"AUTH LOGIN",
		}, srv.Commands()[:4])
	})

	t.Run("refused", func(t *testing.T) {
		srv := startScripted(t, map[string]string{
			smtptest.KeySTARTTLS: "454 4.7.0 TLS not available",
		}, nil)
		c := scriptedClient(srv, WithMode(ModeSTARTTLS))

		err := c.Deliver(sendMessage())
		var pe *ProtocolError
		require.True(t, errors.As(err, &pe), "got %v", err)
		assert.Equal(t, StageStartTLS, pe.Stage)
		assert.NotContains(t, srv.Commands(), "AUTH LOGIN", "credentials must not go out in plaintext")
	})

	t.Run("handshake fails", func(t *testing.T) {
		// Without a TLS config the relay hangs up after its 220.
		srv := startScripted(t, nil, nil)
		c := scriptedClient(srv, WithMode(ModeSTARTTLS))

		err := c.Deliver(sendMessage())
		var te *TLSError
		require.True(t, errors.As(err, &te), "got %v", err)
		assert.NotContains(t, srv.Commands(), "AUTH LOGIN")
	})
}

func TestSend_Concurrent(t *testing.T) {
	srv := startScripted(t, nil, nil)
	c := scriptedClient(srv)

	const n = 5
	var wg sync.WaitGroup
	outcomes := make([]Outcome, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = c.Send(sendMessage())
		}(i)
	}
	wg.Wait()

	for i, o := range outcomes {
		assert.True(t, o.OK, "send %v: %v", i, o.Err)
	}
	bodies, err := srv.RetrieveEmails(0)
	require.NoError(t, err)
	assert.Len(t, bodies, n)
}

// inProcessConfig returns a config for srv with AUTH credentials user/pass.
func inProcessConfig(t *testing.T, srv *smtptest.InProcessServer) UserConfig {
	t.Helper()
	host, p, err := net.SplitHostPort(srv.Address())
	require.NoError(t, err)
	port, err := strconv.Atoi(p)
	require.NoError(t, err)

	uc, err := UserConfig{
		SMTPServerHost:       host,
		SMTPServerPort:       port,
		UserName:             "user",
		Password:             "pass",
		FromAddress:          "from@example.com",
		FromName:             "Web Form",
		ToAddress:            "to@example.com",
		HelloName:            "client.test",
		Timeout:              5 * time.Second,
		SkipCertVerification: true,
	}.CheckAndSetDefaults()
	require.NoError(t, err)
	return uc
}

// startInProcess runs configure, if any, before the relay accepts
// connections.
func startInProcess(t *testing.T, configure ...func(*smtptest.InProcessServer)) *smtptest.InProcessServer {
	t.Helper()
	k, c, err := smtptest.GenerateTLSFiles(t)
	require.NoError(t, err)
	srv := smtptest.NewInProcessServer(k, c, "user", "pass")
	for _, f := range configure {
		f(srv)
	}
	go srv.Start()
	t.Cleanup(srv.Close)
	return srv
}

func TestSend_InProcessRelay(t *testing.T) {
	srv := startInProcess(t)
	uc := inProcessConfig(t, srv)

	c, err := uc.NewClient(WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	start := time.Now().UnixNano()
	m := uc.Message("New Demo Request - School - Ann", "<p>Hi <b>there</b></p>", "")
	m.ReplyTo = "ann@example.org"
	o := c.Send(m)
	require.True(t, o.OK, o.Err)

	ms := srv.RetrieveMessages(start)
	require.Len(t, ms, 1)
	assert.Equal(t, "from@example.com", ms[0].From)
	assert.Equal(t, []string{"to@example.com"}, ms[0].To)

	h, _, parts, err := smtptest.ParseEmail(ms[0].Body)
	require.NoError(t, err)
	assert.Equal(t, "New Demo Request - School - Ann", h.Get("Subject"))
	require.Len(t, parts, 2)
	assert.Equal(t, "Hi there", string(parts[0].Decoded))
}

func TestSend_InProcessRelayFailures(t *testing.T) {
	t.Run("bad password", func(t *testing.T) {
		srv := startInProcess(t)
		uc := inProcessConfig(t, srv)
		uc.Password = "wrong"
		c, err := uc.NewClient(WithLogger(zerolog.Nop()))
		require.NoError(t, err)

		err = c.Deliver(uc.Message("s", "<p>x</p>", ""))
		wantAuthError(StageAuthPassword, 535)(t, err)
		assert.Empty(t, srv.RetrieveMessages(0))
	})

	t.Run("message rejected", func(t *testing.T) {
		srv := startInProcess(t, func(s *smtptest.InProcessServer) {
			s.DataErr = &smtp.SMTPError{
				Code:         552,
				EnhancedCode: smtp.EnhancedCode{5, 3, 4},
				Message:      "Message size exceeds fixed limit",
			}
		})
		uc := inProcessConfig(t, srv)
		c, err := uc.NewClient(WithLogger(zerolog.Nop()))
		require.NoError(t, err)

		o := c.Send(uc.Message("s", "<p>x</p>", ""))
		assert.False(t, o.OK)
		assert.True(t, strings.Contains(o.Err, "552"), o.Err)
	})
}
