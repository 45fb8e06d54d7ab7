package tap

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"testing"
)

// newRSASigner generates an RSA-PSS signer and the PKIX-encoded public key
// a registry would serve for it.
func newRSASigner(t *testing.T) (*Signer, []byte) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa key generation failed: %v", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("public key encoding failed: %v", err)
	}

	signer, err := NewRSAPSSSigner("rsa-1", key)
	if err != nil {
		t.Fatalf("NewRSAPSSSigner failed: %v", err)
	}

	return signer, pubDER
}
