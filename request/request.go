package request

import (
	"errors"
	"fmt"
	"io"
	"net/mail"
	"strings"
	"unicode/utf8"

	yaml "gopkg.in/yaml.v2"
)

// Placeholders for optional fields the requester left empty.
const (
	NotProvided  = "Not provided"
	NotSpecified = "Not specified"
)

// Maximum lengths of each field, in characters.
const (
	maxNameLen         = 100
	maxEmailLen        = 254
	maxPhoneLen        = 30
	maxOrganizationLen = 200
	maxOrgTypeLen      = 50
	maxAttendeesLen    = 50
	maxTimelineLen     = 50
	maxMessageLen      = 5000
)

// ContactRequest is a demo request as submitted through the website form.
// The form has already checked the CAPTCHA, so everything here is untrusted
// text but not spam.
type ContactRequest struct {
	Name         string `yaml:"name"`
	Email        string `yaml:"email"`
	Phone        string `yaml:"phone"`
	Organization string `yaml:"organization"`
	// OrgType, Attendees and Timeline are usually one of the codes listed
	// in display.go, but free text is kept as it is.
	OrgType   string `yaml:"org_type"`
	Attendees string `yaml:"attendees"`
	Timeline  string `yaml:"timeline"`
	Message   string `yaml:"message"`
}

// Parse reads a ContactRequest from a YAML document. The result still needs
// to be sanitized and validated.
func Parse(r io.Reader) (ContactRequest, error) {
	var cr ContactRequest
	if err := yaml.NewDecoder(r).Decode(&cr); err != nil {
		return ContactRequest{}, fmt.Errorf("can't read the request as YAML: %v", err)
	}
	return cr, nil
}

// Sanitize returns a copy of cr that is safe to put in an email: leading and
// trailing space is gone, line breaks are removed from the fields that end
// up in headers, every field is cut to its maximum length, and empty
// optional fields get a placeholder.
//
// HTML escaping is left to the templates that render the fields.
func (cr ContactRequest) Sanitize() ContactRequest {
	return ContactRequest{
		Name:         truncate(strings.TrimSpace(stripLineBreaks(cr.Name)), maxNameLen),
		Email:        truncate(sanitizeEmail(strings.TrimSpace(stripLineBreaks(cr.Email))), maxEmailLen),
		Phone:        orDefault(truncate(strings.TrimSpace(cr.Phone), maxPhoneLen), NotProvided),
		Organization: orDefault(truncate(strings.TrimSpace(cr.Organization), maxOrganizationLen), NotProvided),
		OrgType:      orDefault(truncate(strings.TrimSpace(cr.OrgType), maxOrgTypeLen), NotSpecified),
		Attendees:    orDefault(truncate(strings.TrimSpace(cr.Attendees), maxAttendeesLen), NotSpecified),
		Timeline:     orDefault(truncate(strings.TrimSpace(cr.Timeline), maxTimelineLen), NotSpecified),
		Message:      truncate(strings.TrimSpace(cr.Message), maxMessageLen),
	}
}

// Validate reports every missing or invalid required field at once, so the
// form can show them together. Call it after Sanitize.
func (cr ContactRequest) Validate() error {
	var problems []string
	if cr.Name == "" {
		problems = append(problems, "Name is required")
	}
	if cr.Email == "" || !validEmail(cr.Email) {
		problems = append(problems, "Valid email is required")
	}
	if cr.Message == "" {
		problems = append(problems, "Message is required")
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, ", "))
	}
	return nil
}

func stripLineBreaks(s string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}

// truncate cuts s to at most n characters, never in the middle of one.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for p := range s {
		if i == n {
			return s[:p]
		}
		i++
	}
	return s
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// sanitizeEmail drops every character that can't appear in an email
// address: anything but ASCII letters, digits and !#$%&'*+-=?^_`{|}~@.[]
func sanitizeEmail(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case strings.ContainsRune("!#$%&'*+-=?^_`{|}~@.[]", r):
			return r
		}
		return -1
	}, s)
}

// validEmail accepts a bare addr-spec with a dotted domain, e.g.,
// ann@example.org, but not "Ann <ann@example.org>" or ann@localhost.
func validEmail(s string) bool {
	a, err := mail.ParseAddress(s)
	if err != nil || a.Address != s || a.Name != "" {
		return false
	}
	at := strings.LastIndex(s, "@")
	d := s[at+1:]
	return strings.Contains(d, ".") &&
		!strings.HasPrefix(d, ".") &&
		!strings.HasSuffix(d, ".") &&
		!strings.Contains(d, "..")
}
