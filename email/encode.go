package email

import (
	"encoding/base64"
	"strings"

	css "github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// base64LineLen is the MIME line length for base64 bodies.
// https://www.rfc-editor.org/rfc/rfc2045#section-6.8
const base64LineLen = 76

// EncodeHeader returns s unchanged if every byte is printable ASCII
// (0x20-0x7E). Otherwise it returns s as a single RFC 2047 encoded-word,
// e.g. =?UTF-8?B?Sm9zw6kgUmFtw61yZXo=?= for "José Ramírez".
func EncodeHeader(s string) string {
	if isPrintableASCII(s) {
		return s
	}
	return "=?UTF-8?B?" + base64.StdEncoding.EncodeToString([]byte(s)) + "?="
}

func isPrintableASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

// specials from RFC 5322 §3.2.3. A display name containing any of them has
// to be a quoted string.
const specials = `()<>[]:;@\,."`

// formatAddress renders a mailbox for an address header, e.g.
// `Ann <ann@example.com>`. Without a name it renders `<ann@example.com>`.
func formatAddress(name, addr string) string {
	if name == "" {
		return "<" + addr + ">"
	}
	dn := EncodeHeader(name)
	if dn == name && strings.ContainsAny(name, specials) {
		r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
		dn = `"` + r.Replace(name) + `"`
	}
	return dn + " <" + addr + ">"
}

// wrapBase64 encodes b and breaks the result into CRLF-terminated lines of
// at most base64LineLen characters.
func wrapBase64(b []byte) string {
	enc := base64.StdEncoding.EncodeToString(b)
	var sb strings.Builder
	sb.Grow(len(enc) + 2*(len(enc)/base64LineLen+1))
	for len(enc) > base64LineLen {
		sb.WriteString(enc[:base64LineLen])
		sb.WriteString("\r\n")
		enc = enc[base64LineLen:]
	}
	if enc != "" {
		sb.WriteString(enc)
		sb.WriteString("\r\n")
	}
	return sb.String()
}

// nonTextSelector matches elements whose content a reader never sees as
// text.
var nonTextSelector = css.MustCompile("head, script, style, template")

// PlainText derives a text/plain rendition of an HTML body by dropping the
// markup, e.g. "<p>Hi <b>there</b></p>" becomes "Hi there". Entities are
// decoded, surrounding whitespace is trimmed from each line, and runs of
// blank lines are collapsed into one.
func PlainText(h string) string {
	n, err := html.Parse(strings.NewReader(h))
	// html.Parse only fails if the reader does, which a strings.Reader
	// never does. Keep the input so we never send an empty part.
	if err != nil {
		return h
	}

	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && nonTextSelector.Match(n) {
			return
		}
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)

	lines := strings.Split(sb.String(), "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
