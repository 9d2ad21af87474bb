package email

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	units "github.com/docker/go-units"
)

const (
	smtpScheme  string = "smtp"
	smtpsScheme string = "smtps"
)

// UserConfig represents the relay settings provided by the user. Not meant
// to be used for sending email without calling CheckAndSetDefaults.
type UserConfig struct {
	SMTPServerHost string
	SMTPServerPort int
	Security       Mode
	UserName       string
	Password       string
	FromAddress    string
	FromName       string
	ToAddress      string
	HelloName      string
	Timeout        time.Duration
	ConnectTimeout time.Duration
	// SkipCertVerification accepts any certificate from the relay. Only
	// meant for self-signed test relays.
	SkipCertVerification bool
	// MaxMessageSize in bytes, 0 for no limit. Written as e.g. "10MiB".
	MaxMessageSize int64
	DKIMDomain     string
	DKIMSelector   string
	DKIMKeyPath    string
}

// UnmarshalYAML implements yaml.Unmarshaler. Validation that doesn't depend
// on defaults happens here.
func (uc *UserConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	v := make(map[string]string)
	err := unmarshal(&v)

	if err != nil {
		return fmt.Errorf("can't parse the email config: %v", err)
	}

	a, ok := v["smtpServerAddress"]
	if !ok || a == "" {
		return errors.New("the email config must include an smtpServerAddress")
	}

	// Don't require the user to include a scheme. If we can't find one, use
	// the one for SMTP.
	if !strings.Contains(a, "://") {
		a = smtpScheme + "://" + a
	}
	u, err := url.Parse(a)
	if err != nil {
		return fmt.Errorf("can't parse the SMTP server address: %v", err)
	}
	if u.Scheme != smtpScheme && u.Scheme != smtpsScheme {
		return fmt.Errorf(
			"the SMTP server address must use the %v:// or %v:// scheme, not %v://",
			smtpScheme,
			smtpsScheme,
			u.Scheme,
		)
	}
	if u.Hostname() == "" {
		return errors.New("the SMTP server address must include a host")
	}
	if u.Port() == "" {
		return errors.New("the SMTP server address must include a port")
	}
	p, err := strconv.Atoi(u.Port())
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("%q is not a valid port", u.Port())
	}
	uc.SMTPServerHost = u.Hostname()
	uc.SMTPServerPort = p

	if s, ok := v["security"]; ok {
		m, err := ParseMode(s)
		if err != nil {
			return err
		}
		uc.Security = m
	} else if u.Scheme == smtpsScheme {
		uc.Security = ModeImplicitTLS
	}

	uc.UserName = v["username"]
	uc.Password = v["password"]
	if uc.UserName == "" || uc.Password == "" {
		return errors.New("must supply a username and password")
	}

	uc.FromAddress = v["fromAddress"]
	uc.ToAddress = v["toAddress"]
	if uc.FromAddress == "" || uc.ToAddress == "" {
		return errors.New("must supply a \"to\" address and a \"from\" address")
	}
	uc.FromName = v["fromName"]
	uc.HelloName = v["helloName"]

	for k, d := range map[string]*time.Duration{
		"timeout":        &uc.Timeout,
		"connectTimeout": &uc.ConnectTimeout,
	} {
		s, ok := v[k]
		if !ok {
			continue
		}
		pd, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("can't parse %v as a duration: %v", k, err)
		}
		if pd < 0 {
			return fmt.Errorf("%v can't be negative", k)
		}
		*d = pd
	}

	if s, ok := v["skipCertVerification"]; ok {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("skipCertVerification must be true or false: %v", err)
		}
		uc.SkipCertVerification = b
	}

	if s, ok := v["maxMessageSize"]; ok {
		n, err := units.RAMInBytes(s)
		if err != nil {
			return fmt.Errorf("can't parse maxMessageSize: %v", err)
		}
		uc.MaxMessageSize = n
	}

	uc.DKIMDomain = v["dkimDomain"]
	uc.DKIMSelector = v["dkimSelector"]
	uc.DKIMKeyPath = v["dkimKeyPath"]
	if uc.DKIMKeyPath != "" && (uc.DKIMDomain == "" || uc.DKIMSelector == "") {
		return errors.New("dkimKeyPath requires dkimDomain and dkimSelector")
	}

	return nil
}

// CheckAndSetDefaults validates uc and either returns a copy of uc with
// default settings applied or returns an error due to an invalid
// configuration.
func (uc UserConfig) CheckAndSetDefaults() (UserConfig, error) {
	if uc.SMTPServerHost == "" || uc.SMTPServerPort == 0 {
		return UserConfig{}, errors.New("must supply an SMTP server address")
	}
	if uc.UserName == "" || uc.Password == "" {
		return UserConfig{}, errors.New("must supply a username and password")
	}
	if uc.FromAddress == "" || uc.ToAddress == "" {
		return UserConfig{}, errors.New("must supply a \"to\" address and a \"from\" address")
	}
	if uc.Timeout == 0 {
		uc.Timeout = DefaultTimeout
	}
	if uc.ConnectTimeout == 0 {
		uc.ConnectTimeout = uc.Timeout
	}
	if uc.MaxMessageSize < 0 {
		return UserConfig{}, errors.New("maxMessageSize can't be negative")
	}
	return uc, nil
}

// NewClient returns a Client for the relay described by uc. Call
// CheckAndSetDefaults first. opts are applied after the settings from uc.
func (uc UserConfig) NewClient(opts ...Option) (*Client, error) {
	o := []Option{
		WithMode(uc.Security),
		WithTimeout(uc.Timeout),
		WithConnectTimeout(uc.ConnectTimeout),
		WithMaxMessageSize(uc.MaxMessageSize),
		WithTLSConfig(&tls.Config{
			ServerName:         uc.SMTPServerHost,
			InsecureSkipVerify: uc.SkipCertVerification,
		}),
	}
	if uc.HelloName != "" {
		o = append(o, WithHelloName(uc.HelloName))
	}
	if uc.DKIMKeyPath != "" {
		k, err := os.ReadFile(uc.DKIMKeyPath)
		if err != nil {
			return nil, fmt.Errorf("can't read the DKIM key: %v", err)
		}
		s, err := NewDKIMSigner(uc.DKIMDomain, uc.DKIMSelector, k)
		if err != nil {
			return nil, err
		}
		o = append(o, WithSigner(s))
	}

	return NewClient(
		uc.SMTPServerHost,
		uc.SMTPServerPort,
		uc.UserName,
		uc.Password,
		append(o, opts...)...,
	), nil
}

// Message returns a Message from the configured sender to the configured
// recipient.
func (uc UserConfig) Message(subject, htmlBody, textBody string) Message {
	return Message{
		From:     uc.FromAddress,
		FromName: uc.FromName,
		To:       uc.ToAddress,
		Subject:  subject,
		HTMLBody: htmlBody,
		TextBody: textBody,
	}
}
