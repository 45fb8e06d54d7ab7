package tap

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"time"

	x402 "github.com/x402-upl/x402/go"
	"github.com/x402-upl/x402/go/replay"
)

// DefaultClockSkew is the tolerance applied to the [created, expires]
// window to absorb clock drift between requester and verifier.
const DefaultClockSkew = 30 * time.Second

// DefaultNonceTTLCeiling caps how long a consumed nonce is remembered,
// regardless of how far out the signature's expiry is.
const DefaultNonceTTLCeiling = 24 * time.Hour

// VerifierConfig configures a Verifier. Registry and Nonces are required.
type VerifierConfig struct {
	Registry x402.IdentityRegistry
	Nonces   replay.Store

	// ClockSkew tolerance for the signature time window. Defaults to
	// DefaultClockSkew.
	ClockSkew time.Duration

	// IdentityTTL bounds how long resolved identities stay cached.
	// Defaults to DefaultIdentityTTL.
	IdentityTTL time.Duration

	// NonceTTLCeiling caps the replay-store TTL for consumed nonces.
	// Defaults to DefaultNonceTTLCeiling.
	NonceTTLCeiling time.Duration
}

// Verifier checks request signatures. Verification rejections are
// *x402.ProtocolError values; a replay-store or registry outage is
// returned as a hard error so callers fail closed.
type Verifier struct {
	nonces  replay.Store
	cache   *IdentityCache
	skew    time.Duration
	ceiling time.Duration
	now     func() time.Time
}

// NewVerifier creates a Verifier from config.
func NewVerifier(config VerifierConfig) (*Verifier, error) {
	if config.Registry == nil {
		return nil, fmt.Errorf("identity registry is required")
	}
	if config.Nonces == nil {
		return nil, fmt.Errorf("nonce store is required")
	}

	skew := config.ClockSkew
	if skew <= 0 {
		skew = DefaultClockSkew
	}
	ceiling := config.NonceTTLCeiling
	if ceiling <= 0 {
		ceiling = DefaultNonceTTLCeiling
	}

	return &Verifier{
		nonces:  config.Nonces,
		cache:   NewIdentityCache(config.Registry, config.IdentityTTL),
		skew:    skew,
		ceiling: ceiling,
		now:     time.Now,
	}, nil
}

// Verify checks the signature on req and returns the resolved identity.
//
// Checks run in order and short-circuit on first failure: parameter
// parsing, time window, nonce replay, identity resolution, cryptographic
// verification. The nonce is recorded only after the cryptographic check
// succeeds, via an atomic insert-if-absent, so a malformed request never
// burns a nonce and a concurrent reuse still loses the race.
func (v *Verifier) Verify(ctx context.Context, req SignedRequest) (*x402.Identity, error) {
	if req.SignatureInput == "" || req.Signature == "" {
		return nil, x402.NewProtocolError(x402.KindMalformedSignature, "signature headers missing", nil)
	}

	params, err := ParseSignatureInput(req.SignatureInput)
	if err != nil {
		return nil, x402.NewProtocolError(x402.KindMalformedSignature, err.Error(), nil)
	}
	sig, err := ParseSignature(req.Signature)
	if err != nil {
		return nil, x402.NewProtocolError(x402.KindMalformedSignature, err.Error(), nil)
	}

	now := v.now()
	if now.Before(time.Unix(params.Created, 0).Add(-v.skew)) {
		return nil, x402.NewProtocolError(x402.KindExpired, "signature not yet valid", nil)
	}
	if now.After(time.Unix(params.Expires, 0).Add(v.skew)) {
		return nil, x402.NewProtocolError(x402.KindExpired, "signature expired", nil)
	}

	seen, err := v.nonces.Has(ctx, params.Nonce)
	if err != nil {
		// Fail closed: an unreachable store must never admit a replay.
		return nil, fmt.Errorf("nonce store check failed: %w", err)
	}
	if seen {
		return nil, x402.NewProtocolError(x402.KindReplayed, "nonce already used", map[string]interface{}{
			"nonce": params.Nonce,
		})
	}

	identity, err := v.cache.Resolve(ctx, params.KeyID)
	if err != nil {
		if err == x402.ErrIdentityNotFound {
			return nil, x402.NewProtocolError(x402.KindUnknownIdentity, "unknown key id", map[string]interface{}{
				"keyId": params.KeyID,
			})
		}
		return nil, fmt.Errorf("identity resolution failed: %w", err)
	}
	if identity.Algorithm != params.Algorithm {
		return nil, x402.NewProtocolError(x402.KindInvalidSignature, "algorithm mismatch", nil)
	}

	base, err := BuildSignatureBase(req, params)
	if err != nil {
		return nil, x402.NewProtocolError(x402.KindMalformedSignature, err.Error(), nil)
	}

	if !verifySignature(params.Algorithm, identity.PublicKey, base, sig) {
		return nil, x402.NewProtocolError(x402.KindInvalidSignature, "signature verification failed", nil)
	}

	inserted, err := v.nonces.AddIfAbsent(ctx, params.Nonce, v.nonceTTL(params, now))
	if err != nil {
		return nil, fmt.Errorf("nonce store insert failed: %w", err)
	}
	if !inserted {
		// Lost the race against a concurrent request carrying the same nonce.
		return nil, x402.NewProtocolError(x402.KindReplayed, "nonce already used", map[string]interface{}{
			"nonce": params.Nonce,
		})
	}

	return identity, nil
}

// nonceTTL is the remaining signature lifetime, capped at the ceiling.
func (v *Verifier) nonceTTL(params *Params, now time.Time) time.Duration {
	ttl := time.Unix(params.Expires, 0).Add(v.skew).Sub(now)
	if ttl <= 0 || ttl > v.ceiling {
		return v.ceiling
	}
	return ttl
}

// verifySignature dispatches on the algorithm family.
func verifySignature(algorithm string, publicKey, base, sig []byte) bool {
	switch algorithm {
	case AlgorithmEd25519:
		if len(publicKey) != ed25519.PublicKeySize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(publicKey), base, sig)

	case AlgorithmRSAPSS:
		pub, err := x509.ParsePKIXPublicKey(publicKey)
		if err != nil {
			return false
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return false
		}
		digest := sha256.Sum256(base)
		return rsa.VerifyPSS(rsaPub, crypto.SHA256, digest[:], sig, nil) == nil

	default:
		return false
	}
}
