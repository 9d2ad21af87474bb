package email

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/emersion/go-msgauth/dkim"
)

// Signer transforms a rendered message before it's sent, e.g., by adding a
// signature header.
type Signer interface {
	Sign(msg []byte) ([]byte, error)
}

// DKIMSigner adds a DKIM-Signature header. Create it with NewDKIMSigner.
type DKIMSigner struct {
	opts *dkim.SignOptions
}

// signedHeaders are the header fields covered by the signature. Reply-To is
// listed even though it's optional--signing an absent field prevents it from
// being added later.
var signedHeaders = []string{
	"from",
	"to",
	"subject",
	"date",
	"message-id",
	"reply-to",
	"mime-version",
	"content-type",
}

// NewDKIMSigner parses a PEM-encoded RSA or Ed25519 private key (PKCS #1 or
// PKCS #8) and returns a Signer for domain and selector.
func NewDKIMSigner(domain, selector string, keyPEM []byte) (*DKIMSigner, error) {
	if domain == "" || selector == "" {
		return nil, errors.New("DKIM signing needs a domain and a selector")
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("the DKIM key is not PEM-encoded")
	}

	var signer crypto.Signer
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		signer = k
	} else {
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("can't parse the DKIM key: %v", err)
		}
		s, ok := k.(crypto.Signer)
		if !ok {
			return nil, errors.New("the DKIM key can't be used for signing")
		}
		signer = s
	}

	return &DKIMSigner{
		opts: &dkim.SignOptions{
			Domain:     domain,
			Selector:   selector,
			Signer:     signer,
			HeaderKeys: signedHeaders,
		},
	}, nil
}

// Sign implements Signer.
func (s *DKIMSigner) Sign(msg []byte) ([]byte, error) {
	var out bytes.Buffer
	if err := dkim.Sign(&out, bytes.NewReader(msg), s.opts); err != nil {
		return nil, fmt.Errorf("can't sign the message: %v", err)
	}
	return out.Bytes(), nil
}
