package email

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"testing"

	"github.com/emersion/go-msgauth/dkim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDKIMSigner(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	rsaPub, err := x509.MarshalPKIXPublicKey(&rsaKey.PublicKey)
	require.NoError(t, err)

	edPub, edKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	edDER, err := x509.MarshalPKCS8PrivateKey(edKey)
	require.NoError(t, err)

	testCases := []struct {
		description string
		keyPEM      []byte
		record      string
	}{
		{
			description: "RSA PKCS #1",
			keyPEM: pem.EncodeToMemory(&pem.Block{
				Type:  "RSA PRIVATE KEY",
				Bytes: x509.MarshalPKCS1PrivateKey(rsaKey),
			}),
			record: "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(rsaPub),
		},
		{
			description: "Ed25519 PKCS #8",
			keyPEM: pem.EncodeToMemory(&pem.Block{
				Type:  "PRIVATE KEY",
				Bytes: edDER,
			}),
			record: "v=DKIM1; k=ed25519; p=" + base64.StdEncoding.EncodeToString(edPub),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			s, err := NewDKIMSigner("example.com", "mail", tc.keyPEM)
			require.NoError(t, err)

			h, b, err := pinnedBuilder.Build(testMessage())
			require.NoError(t, err)
			signed, err := s.Sign(Render(h, b))
			require.NoError(t, err)
			assert.True(t, bytes.HasPrefix(signed, []byte("DKIM-Signature: ")))

			vs, err := dkim.VerifyWithOptions(bytes.NewReader(signed), &dkim.VerifyOptions{
				LookupTXT: func(domain string) ([]string, error) {
					assert.Equal(t, "mail._domainkey.example.com", domain)
					return []string{tc.record}, nil
				},
			})
			require.NoError(t, err)
			require.Len(t, vs, 1)
			assert.NoError(t, vs[0].Err)
			assert.Equal(t, "example.com", vs[0].Domain)
		})
	}
}

func TestNewDKIMSigner_Invalid(t *testing.T) {
	_, err := NewDKIMSigner("", "mail", nil)
	assert.Error(t, err)

	_, err = NewDKIMSigner("example.com", "mail", []byte("not a key"))
	assert.Error(t, err)

	_, err = NewDKIMSigner("example.com", "mail", pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: []byte("garbage"),
	}))
	assert.Error(t, err)
}
