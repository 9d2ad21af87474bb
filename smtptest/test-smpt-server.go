package smtptest

// Server contains state information for an SMTP relay that a test sends
// mail to. The relay should be able to return the payloads of messages sent
// to it during the test suite. The server is meant to start during a test
// (or test suite) and stop right after.
type Server interface {
	// Start serves connections until Close is called. Blocking, so callers
	// run it in a goroutine.
	Start() error

	// Close terminates the server and any required resources. While this
	// is designed not to return an error so it's easier to use with defer,
	// implementations should panic on failures to close so the test
	// operator can chase down rogue listeners.
	Close()

	// RetrieveEmails returns the payloads of all email messages sent to the
	// server during the test/suite after time t in Unix epoch nanoseconds.
	RetrieveEmails(t int64) ([]string, error)

	// Address returns the host:port of the server.
	Address() string
}

var (
	_ Server = (*InProcessServer)(nil)
	_ Server = (*ScriptedServer)(nil)
)
