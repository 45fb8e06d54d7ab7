package tap

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// DefaultSignatureWindow is how long a signature stays valid after
// creation when no custom window is configured.
const DefaultSignatureWindow = 5 * time.Minute

// DefaultTag identifies the signing context.
const DefaultTag = "tap"

// SignFunc produces a detached signature over the signature base.
type SignFunc func(base []byte) ([]byte, error)

// Signer builds Signature-Input and Signature header values for outbound
// requests. Construct one per identity key.
type Signer struct {
	keyID     string
	algorithm string
	sign      SignFunc
	tag       string
	window    time.Duration
	now       func() time.Time
	newNonce  func() string
}

// SignerOption customizes a Signer.
type SignerOption func(*Signer)

// WithTag overrides the signature tag.
func WithTag(tag string) SignerOption {
	return func(s *Signer) { s.tag = tag }
}

// WithSignatureWindow overrides how long signatures remain valid.
func WithSignatureWindow(window time.Duration) SignerOption {
	return func(s *Signer) { s.window = window }
}

// WithClock overrides the time source (used by tests).
func WithClock(now func() time.Time) SignerOption {
	return func(s *Signer) { s.now = now }
}

// WithNonceFunc overrides nonce generation (used by tests).
func WithNonceFunc(fn func() string) SignerOption {
	return func(s *Signer) { s.newNonce = fn }
}

// NewSigner creates a signer from an algorithm identifier and a raw
// signing callback. Prefer NewEd25519Signer / NewRSAPSSSigner.
func NewSigner(keyID, algorithm string, sign SignFunc, opts ...SignerOption) (*Signer, error) {
	if keyID == "" {
		return nil, fmt.Errorf("key id is required")
	}
	if sign == nil {
		return nil, fmt.Errorf("sign callback is required")
	}

	s := &Signer{
		keyID:     keyID,
		algorithm: algorithm,
		sign:      sign,
		tag:       DefaultTag,
		window:    DefaultSignatureWindow,
		now:       time.Now,
		newNonce:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewEd25519Signer creates a signer producing ed25519 detached signatures
// over the raw signature base.
func NewEd25519Signer(keyID string, key ed25519.PrivateKey, opts ...SignerOption) (*Signer, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid ed25519 private key")
	}
	sign := func(base []byte) ([]byte, error) {
		return ed25519.Sign(key, base), nil
	}
	return NewSigner(keyID, AlgorithmEd25519, sign, opts...)
}

// NewRSAPSSSigner creates a signer producing RSA-PSS signatures over the
// SHA-256 digest of the signature base.
func NewRSAPSSSigner(keyID string, key *rsa.PrivateKey, opts ...SignerOption) (*Signer, error) {
	if key == nil {
		return nil, fmt.Errorf("rsa private key is required")
	}
	sign := func(base []byte) ([]byte, error) {
		digest := sha256.Sum256(base)
		return rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], nil)
	}
	return NewSigner(keyID, AlgorithmRSAPSS, sign, opts...)
}

// Sign produces the two header values for the given request components.
// A content-digest component is covered whenever body is non-nil.
func (s *Signer) Sign(authority, path string, body []byte) (signatureInput, signature string, err error) {
	components := []string{ComponentAuthority, ComponentPath}
	if body != nil {
		components = append(components, ComponentContentDigest)
	}

	now := s.now()
	params := &Params{
		Components: components,
		Created:    now.Unix(),
		Expires:    now.Add(s.window).Unix(),
		KeyID:      s.keyID,
		Algorithm:  s.algorithm,
		Nonce:      s.newNonce(),
		Tag:        s.tag,
	}

	base, err := BuildSignatureBase(SignedRequest{
		Authority: authority,
		Path:      path,
		Body:      body,
	}, params)
	if err != nil {
		return "", "", err
	}

	sig, err := s.sign(base)
	if err != nil {
		return "", "", fmt.Errorf("failed to sign request: %w", err)
	}

	return params.String(), FormatSignature(sig), nil
}

// SignHTTPRequest signs r in place, attaching the signature headers.
// Body, when non-nil, must be the bytes the request will actually send.
func (s *Signer) SignHTTPRequest(r *http.Request, body []byte) error {
	authority := r.Host
	if authority == "" && r.URL != nil {
		authority = r.URL.Host
	}
	input, sig, err := s.Sign(authority, r.URL.Path, body)
	if err != nil {
		return err
	}
	r.Header.Set(HeaderSignatureInput, input)
	r.Header.Set(HeaderSignature, sig)
	return nil
}
