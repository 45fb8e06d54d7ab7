package ledger

import (
	"fmt"

	solana "github.com/gagliardetto/solana-go"

	x402 "github.com/x402-upl/x402/go"
)

// SignFunc is the callback used to sign transaction messages.
type SignFunc func(message []byte) ([]byte, error)

// CallbackSigner implements x402.Signer by delegating to a signing
// callback, so keys held in external systems (KMS, hardware wallets) can
// sign settlements without the key material passing through this package.
type CallbackSigner struct {
	publicKey solana.PublicKey
	sign      SignFunc
}

// NewCallbackSigner creates a signer from a public key and a callback.
func NewCallbackSigner(publicKey solana.PublicKey, sign SignFunc) (*CallbackSigner, error) {
	if publicKey.IsZero() {
		return nil, fmt.Errorf("ledger: public key is required")
	}
	if sign == nil {
		return nil, fmt.Errorf("ledger: sign callback is required")
	}
	return &CallbackSigner{publicKey: publicKey, sign: sign}, nil
}

// NewSignerFromPrivateKey creates a signer from a base58-encoded Solana
// private key held in memory.
func NewSignerFromPrivateKey(privateKeyBase58 string) (*CallbackSigner, error) {
	privateKey, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("ledger: invalid private key: %w", err)
	}
	sign := func(message []byte) ([]byte, error) {
		signature, err := privateKey.Sign(message)
		if err != nil {
			return nil, err
		}
		return signature[:], nil
	}
	return NewCallbackSigner(privateKey.PublicKey(), sign)
}

// Address returns the signer's base58 public key.
func (s *CallbackSigner) Address() string {
	return s.publicKey.String()
}

// Sign signs message through the callback.
func (s *CallbackSigner) Sign(message []byte) ([]byte, error) {
	return s.sign(message)
}

// Ensure CallbackSigner implements Signer
var _ x402.Signer = (*CallbackSigner)(nil)
