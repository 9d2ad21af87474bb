package userconfig

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/rs/zerolog/log"
	yaml "gopkg.in/yaml.v2"

	"github.com/ptgott/relaymail/email"
	"github.com/ptgott/relaymail/storage"
)

// Meta represents all current config options that the application can use,
// i.e., after validation and parsing
type Meta struct {
	// EmailSettings is the relay that receives contact requests.
	EmailSettings email.UserConfig `yaml:"email"`
	// Alert is an optional second relay used to tell an operator that
	// EmailSettings failed. It shares nothing with EmailSettings so a
	// broken primary relay doesn't take the alert down with it.
	Alert *email.UserConfig `yaml:"alert"`
	// Storage enables the submission journal. Optional.
	Storage *storage.KVConfig `yaml:"storage"`
	Site    Site              `yaml:"site"`
	// Print the rendered email to stdout instead of sending it, and leave
	// the journal alone. Set from the command line.
	NoEmail bool `yaml:"-"`
}

// Site contains config options about the website the requests come from
type Site struct {
	// Name appears in the bodies and subjects of every email
	Name string
	// ConfirmRequester sends an acknowledgement to the requester once the
	// notification was delivered
	ConfirmRequester bool
}

// UnmarshalYAML parses a user-provided YAML configuration, returning any
// parsing errors.
func (s *Site) UnmarshalYAML(unmarshal func(interface{}) error) error {
	v := make(map[string]string)
	err := unmarshal(&v)

	if err != nil {
		return fmt.Errorf("can't parse the site config: %v", err)
	}

	s.Name = v["name"]

	cr, ok := v["confirmRequester"]
	if !ok {
		cr = "false"
	}
	b, err := strconv.ParseBool(cr)
	if err != nil {
		return fmt.Errorf("confirmRequester must be true or false: %v", err)
	}
	s.ConfirmRequester = b

	return nil
}

// CheckAndSetDefaults validates m and either returns a copy of m with default
// settings applied or returns an error due to an invalid configuration
func (m *Meta) CheckAndSetDefaults() (Meta, error) {
	c := Meta{
		Site:    m.Site,
		NoEmail: m.NoEmail,
	}

	e, err := m.EmailSettings.CheckAndSetDefaults()
	if err != nil {
		return Meta{}, err
	}
	c.EmailSettings = e

	if m.Alert != nil {
		a, err := m.Alert.CheckAndSetDefaults()
		if err != nil {
			return Meta{}, fmt.Errorf("invalid alert relay: %v", err)
		}
		c.Alert = &a
	}

	if m.Storage != nil {
		s, err := m.Storage.CheckAndSetDefaults()
		if err != nil {
			return Meta{}, err
		}
		c.Storage = &s
	}

	return c, nil

}

// Parse generates usable configurations from possibly arbitrary user input.
// An error indicates a problem with parsing or validation. The Reader r
// can be either JSON or YAML.
func Parse(r io.Reader) (*Meta, error) {
	var m Meta
	err := yaml.NewDecoder(r).Decode(&m)
	if err != nil {
		return &Meta{}, fmt.Errorf("can't read the config file as YAML: %v", err)
	}

	var es email.UserConfig = email.UserConfig{}
	if m.EmailSettings == es {
		return &Meta{}, errors.New("must include an \"email\" section")
	}

	if m.Storage == nil {
		log.Debug().Msg(
			"no storage section, so submissions won't be journaled",
		)
	}
	if m.Alert == nil {
		log.Debug().Msg(
			"no alert section, so delivery failures will only be logged",
		)
	}

	return &m, nil

}
