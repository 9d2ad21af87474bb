package smtptest

import (
	"crypto/tls"
	"path/filepath"
	"testing"
	"time"

	"github.com/flashmob/go-guerrilla/tests/testcert"
)

// certHost is the host the test certificate is issued for.
const certHost = "127.0.0.1"

// GenerateTLSFiles writes a TLS key and certificate to a temporary test
// directory that is removed after the test suite runs. It returns the file
// paths of the key and certificate. The certificate is a root cert.
func GenerateTLSFiles(t *testing.T) (keyPath string, certPath string, err error) {
	// testcert concatenates the prefix and the file name, so the prefix
	// needs its trailing separator.
	d := t.TempDir() + string(filepath.Separator)
	err = testcert.GenerateCert(
		certHost,
		"",                         // defaults to now
		time.Duration(1)*time.Hour, // the test suite won't run for this long
		true,                       // is a CA cert
		2048,                       // usually seen in online tutorials
		"",                         // using the default ecdsa curve,
		d,
	)

	if err != nil {
		return
	}

	// These path names are hardcoded into testcert.GenerateCert
	keyPath = d + certHost + ".key.pem"
	certPath = d + certHost + ".cert.pem"

	return
}

// ServerTLSConfig generates a certificate and returns a server-side TLS
// config using it. The test fails if the certificate can't be created.
func ServerTLSConfig(t *testing.T) *tls.Config {
	t.Helper()
	k, c, err := GenerateTLSFiles(t)
	if err != nil {
		t.Fatalf("can't generate the TLS files: %v", err)
	}
	cert, err := tls.LoadX509KeyPair(c, k)
	if err != nil {
		t.Fatalf("can't load the TLS key pair: %v", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}
}
