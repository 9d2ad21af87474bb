package e2e

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/emersion/go-smtp"

	"github.com/ptgott/relaymail/smtptest"
	"github.com/ptgott/relaymail/userconfig"
)

// testEnvironmentConfig exposes options that should be available and
// perhaps changeable when spinning up a test environment. While they
// may not vary between tests, they shouldn't be buried inside
// functions.
type testEnvironmentConfig struct {
	withAlertRelay bool
	// primaryRcptErr makes the primary relay refuse the recipient.
	primaryRcptErr   *smtp.SMTPError
	confirmRequester bool
}

// testEnvironment manages all dependencies required to simulate a "real"
// environment and run the e2e tests. Callers should create this via
// startTestEnvironment.
type testEnvironment struct {
	SMTPServer  *smtptest.InProcessServer
	AlertServer *smtptest.InProcessServer // nil unless requested
	tempDirPath string                    // must be populated programmatically
	configPath  string
}

// startTestEnvironment spins up the relays and writes an application config
// pointing at them. Everything is torn down when the test ends.
func startTestEnvironment(t *testing.T, c testEnvironmentConfig) (*testEnvironment, error) {
	te := &testEnvironment{
		tempDirPath: t.TempDir(),
	}

	start := func(rcptErr *smtp.SMTPError) (*smtptest.InProcessServer, error) {
		key, cert, err := smtptest.GenerateTLSFiles(t)
		if err != nil {
			return nil, err
		}
		ts := smtptest.NewInProcessServer(key, cert, "user", "pass")
		ts.RcptErr = rcptErr
		go ts.Start()
		t.Cleanup(ts.Close)
		return ts, nil
	}

	var err error
	te.SMTPServer, err = start(c.primaryRcptErr)
	if err != nil {
		return nil, fmt.Errorf("could not start the relay: %w", err)
	}

	opts := appConfigOptions{
		RelayAddress:     te.SMTPServer.Address(),
		StorageDir:       filepath.Join(te.tempDirPath, "journal"),
		SiteName:         "Example Tickets",
		ConfirmRequester: c.confirmRequester,
	}

	if c.withAlertRelay {
		te.AlertServer, err = start(nil)
		if err != nil {
			return nil, fmt.Errorf("could not start the alert relay: %w", err)
		}
		opts.AlertRelayAddress = te.AlertServer.Address()
	}

	te.configPath = filepath.Join(te.tempDirPath, "config.yaml")
	if err := createAppConfig(te.configPath, opts); err != nil {
		return nil, err
	}

	return te, nil
}

// loadConfig reads the written config the way main does.
func (te *testEnvironment) loadConfig() (userconfig.Meta, error) {
	f, err := os.Open(te.configPath)
	if err != nil {
		return userconfig.Meta{}, err
	}
	defer f.Close()

	m, err := userconfig.Parse(f)
	if err != nil {
		return userconfig.Meta{}, err
	}
	return m.CheckAndSetDefaults()
}
