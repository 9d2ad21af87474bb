package smtptest

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"
)

// Part is one part of a multipart message as it appeared on the wire, plus
// its decoded content.
type Part struct {
	ContentType string // media type without parameters
	Encoding    string
	Raw         string
	Decoded     []byte
}

// ParseEmail reads a raw multipart message and returns its header, its
// boundary and its parts in order, with base64 parts decoded.
func ParseEmail(raw string) (mail.Header, string, []Part, error) {
	m, err := mail.ReadMessage(strings.NewReader(raw))
	if err != nil {
		return nil, "", nil, fmt.Errorf("can't read the message: %v", err)
	}

	mt, params, err := mime.ParseMediaType(m.Header.Get("Content-Type"))
	if err != nil {
		return nil, "", nil, fmt.Errorf("can't parse the Content-Type: %v", err)
	}
	if !strings.HasPrefix(mt, "multipart/") {
		return nil, "", nil, fmt.Errorf("expected a multipart message but got %v", mt)
	}
	bnd := params["boundary"]

	var parts []Part
	rdr := multipart.NewReader(m.Body, bnd)
	for {
		p, err := rdr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, "", nil, err
		}
		b, err := io.ReadAll(p)
		if err != nil {
			return nil, "", nil, err
		}
		ct, _, _ := mime.ParseMediaType(p.Header.Get("Content-Type"))
		pt := Part{
			ContentType: ct,
			Encoding:    p.Header.Get("Content-Transfer-Encoding"),
			Raw:         string(b),
			Decoded:     b,
		}
		if strings.EqualFold(pt.Encoding, "base64") {
			s := strings.NewReplacer("\r", "", "\n", "").Replace(pt.Raw)
			d, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, "", nil, fmt.Errorf("can't decode the %v part: %v", ct, err)
			}
			pt.Decoded = d
		}
		parts = append(parts, pt)
	}
	return m.Header, bnd, parts, nil
}
