package email

import (
	"errors"
	"fmt"
	"net/mail"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Version is reported in the X-Mailer header.
const Version = "1.0"

// Message holds the fields of a single email. The Client doesn't modify a
// Message once Send is called.
type Message struct {
	From     string // envelope and header sender address
	FromName string
	To       string
	Subject  string
	HTMLBody string
	// TextBody is derived from HTMLBody if it's empty.
	TextBody    string
	ReplyTo     string
	ReplyToName string
}

// Validate makes sure m can be rendered and sent. Fields that end up in a
// header or a command line must not contain line breaks, otherwise a caller
// could inject headers or commands.
func (m Message) Validate() error {
	if m.From == "" || m.To == "" {
		return errors.New("must supply a \"to\" address and a \"from\" address")
	}
	if m.HTMLBody == "" {
		return errors.New("must supply an HTML body")
	}

	fields := map[string]string{
		"from address":  m.From,
		"from name":     m.FromName,
		"to address":    m.To,
		"subject":       m.Subject,
		"reply-to":      m.ReplyTo,
		"reply-to name": m.ReplyToName,
	}
	for n, v := range fields {
		if strings.ContainsAny(v, "\r\n") {
			return fmt.Errorf("the %v must not contain a line break", n)
		}
	}

	for n, v := range map[string]string{
		"from address": m.From,
		"to address":   m.To,
		"reply-to":     m.ReplyTo,
	} {
		if v == "" {
			continue
		}
		a, err := mail.ParseAddress(v)
		if err != nil {
			return fmt.Errorf("can't parse the %v %q: %v", n, v, err)
		}
		// Names have their own fields. Only a bare address can go into
		// the envelope.
		if a.Name != "" || a.Address != v {
			return fmt.Errorf("the %v %q must be a bare address without a display name", n, v)
		}
	}
	return nil
}

// Builder renders a Message into MIME headers and a multipart/alternative
// body. The zero value is ready to use. The function fields exist so tests
// can pin the output.
type Builder struct {
	Now       func() time.Time
	Boundary  func() string
	MessageID func(from string) string
	// Mailer is the value of the X-Mailer header.
	Mailer string
}

// Build returns the header block (each field ending in CRLF, without the
// blank separator line) and the body of m.
func (b Builder) Build(m Message) (header []byte, body []byte, err error) {
	if err := m.Validate(); err != nil {
		return nil, nil, err
	}

	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	newBoundary := NewBoundary
	if b.Boundary != nil {
		newBoundary = b.Boundary
	}
	newID := NewMessageID
	if b.MessageID != nil {
		newID = b.MessageID
	}
	mailer := b.Mailer
	if mailer == "" {
		mailer = "relaymail/" + Version
	}

	bnd := newBoundary()

	var h strings.Builder
	field := func(k, v string) {
		h.WriteString(k + ": " + v + "\r\n")
	}
	field("Date", now().Format(time.RFC1123Z))
	field("From", formatAddress(m.FromName, m.From))
	field("To", formatAddress("", m.To))
	field("Subject", EncodeHeader(m.Subject))
	if m.ReplyTo != "" {
		if m.ReplyToName != "" {
			field("Reply-To", formatAddress(m.ReplyToName, m.ReplyTo))
		} else {
			field("Reply-To", m.ReplyTo)
		}
	}
	field("Message-ID", newID(m.From))
	field("MIME-Version", "1.0")
	field("Content-Type", `multipart/alternative; boundary="`+bnd+`"`)
	field("X-Mailer", mailer)

	text := m.TextBody
	if text == "" {
		text = PlainText(m.HTMLBody)
	}

	var bd strings.Builder
	part := func(contentType, content string) {
		bd.WriteString("--" + bnd + "\r\n")
		bd.WriteString("Content-Type: " + contentType + "; charset=UTF-8\r\n")
		bd.WriteString("Content-Transfer-Encoding: base64\r\n")
		bd.WriteString("\r\n")
		bd.WriteString(wrapBase64([]byte(content)))
	}
	part("text/plain", text)
	part("text/html", m.HTMLBody)
	bd.WriteString("--" + bnd + "--\r\n")

	return []byte(h.String()), []byte(bd.String()), nil
}

// NewBoundary returns a random multipart boundary. The "=_" prefix can't
// appear in base64 text, so the boundary never collides with a part.
func NewBoundary() string {
	u := uuid.New()
	return fmt.Sprintf("=_%x", u[:])
}

// NewMessageID returns a Message-ID with a random local part and the domain
// of the sender address, falling back to the hostname.
func NewMessageID(from string) string {
	domain := ""
	if i := strings.LastIndex(from, "@"); i >= 0 {
		domain = from[i+1:]
	}
	if domain == "" {
		domain, _ = os.Hostname()
	}
	if domain == "" {
		domain = "localhost"
	}
	return "<" + uuid.NewString() + "@" + domain + ">"
}

// Render joins header and body into a complete RFC 5322 message.
func Render(header, body []byte) []byte {
	msg := make([]byte, 0, len(header)+2+len(body))
	msg = append(msg, header...)
	msg = append(msg, "\r\n"...)
	return append(msg, body...)
}
