package smtptest

import "errors"

const loginMechanism = "LOGIN"

// loginServer is the server side of the LOGIN SASL mechanism, which
// go-smtp doesn't offer out of the box. It asks for the username and then
// the password, both of which the relay connection decodes from base64
// before handing them over.
//
// Implements sasl.Server.
type loginServer struct {
	step         int
	username     string
	authenticate func(username, password string) error
}

// Next implements sasl.Server.
func (s *loginServer) Next(response []byte) (challenge []byte, done bool, err error) {
	switch s.step {
	case 0:
		s.step++
		// Some clients send the username along with AUTH LOGIN
		if len(response) > 0 {
			s.username = string(response)
			s.step++
			return []byte("Password:"), false, nil
		}
		return []byte("Username:"), false, nil
	case 1:
		s.step++
		s.username = string(response)
		return []byte("Password:"), false, nil
	case 2:
		s.step++
		return nil, true, s.authenticate(s.username, string(response))
	}
	return nil, false, errors.New("unexpected client response")
}
