package email

import (
	"encoding/base64"
	"errors"
)

// Credentials identify the relay and the account we send through.
type Credentials struct {
	Host     string
	Port     int
	Username string
	Password string
}

// authenticate runs AUTH LOGIN over c: the command, then the username and
// the password, each base64-encoded in reply to a 334 challenge. We don't
// read the challenge text since relays word it differently.
//
// Protocol errors are reported as *AuthError naming the step that failed.
// Transport errors are returned as they are.
func authenticate(c *Conn, creds Credentials) error {
	steps := []struct {
		stage  Stage
		line   string
		secret bool
	}{
		{StageAuthBegin, "AUTH LOGIN", false},
		{StageAuthUsername, base64.StdEncoding.EncodeToString([]byte(creds.Username)), true},
		{StageAuthPassword, base64.StdEncoding.EncodeToString([]byte(creds.Password)), true},
	}

	for _, s := range steps {
		_, err := c.expect(s.stage, s.line, s.secret)
		var pe *ProtocolError
		if errors.As(err, &pe) && pe.Err == nil {
			return &AuthError{Step: s.stage, Reply: pe.Reply}
		}
		if err != nil {
			return err
		}
	}

	c.setState(StateAuthenticated)
	return nil
}
