package x402

import (
	"context"
	"errors"
)

// Signer is an opaque signing capability over raw message bytes. The core
// never sees key material; ledger implementations decide what the message
// is (for Solana it is the serialized transaction message).
type Signer interface {
	// Address returns the on-chain address the signature authenticates.
	Address() string

	// Sign produces a detached signature over message.
	Sign(message []byte) ([]byte, error)
}

// Ledger is the external read/write collaborator for on-chain state.
// The core treats it as a trusted, eventually-consistent oracle of truth.
type Ledger interface {
	// SubmitTransfer signs and submits a transfer of amount (smallest
	// units) of asset from -> to, returning the transaction id.
	// Submission failures surface the ledger error verbatim.
	SubmitTransfer(ctx context.Context, from, to string, amount uint64, asset string, signer Signer) (string, error)

	// GetTransactionStatus maps a transaction id to confirmed|failed|pending.
	// Pure query, no side effects.
	GetTransactionStatus(ctx context.Context, txID string) (TransactionStatus, error)

	// GetTransactionDetails resolves the transaction's finalized record,
	// or nil when the ledger has no record of it yet.
	GetTransactionDetails(ctx context.Context, txID string) (*TransactionRecord, error)
}

// ErrIdentityNotFound is returned by IdentityRegistry.ResolveKey when the
// key id is unknown to the registry (as opposed to the registry being
// unreachable, which is any other error).
var ErrIdentityNotFound = errors.New("identity not found")

// IdentityRegistry resolves request-signing key ids to identities.
type IdentityRegistry interface {
	ResolveKey(ctx context.Context, keyID string) (*Identity, error)
}
