package x402

import (
	"fmt"
	"strings"
	"time"
)

// Network represents a blockchain network identifier in CAIP-2 format
// Format: namespace:reference (e.g., "solana:mainnet" for Solana mainnet-beta)
type Network string

// Parse splits the network into namespace and reference components
func (n Network) Parse() (namespace, reference string, err error) {
	parts := strings.Split(string(n), ":")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid network format: %s", n)
	}
	return parts[0], parts[1], nil
}

// Match checks if this network matches a pattern (supports wildcards)
// e.g., "solana:mainnet" matches "solana:*" and "solana:*" matches "solana:mainnet"
func (n Network) Match(pattern Network) bool {
	if n == pattern {
		return true
	}

	nStr := string(n)
	patternStr := string(pattern)

	if strings.HasSuffix(patternStr, ":*") {
		prefix := strings.TrimSuffix(patternStr, "*")
		return strings.HasPrefix(nStr, prefix)
	}

	if strings.HasSuffix(nStr, ":*") {
		prefix := strings.TrimSuffix(nStr, "*")
		return strings.HasPrefix(patternStr, prefix)
	}

	return false
}

// PaymentRequirement defines what payment satisfies a protected resource.
// It is issued to a requester once per invocation and is immutable after
// that. Amount is denominated in the asset's smallest unit.
type PaymentRequirement struct {
	Scheme    string    `json:"scheme"`
	Network   Network   `json:"network"`
	Asset     string    `json:"asset"`
	PayTo     string    `json:"payTo"`
	Amount    uint64    `json:"amount,string"`
	Resource  string    `json:"resource"`
	ExpiresAt time.Time `json:"expiresAt"`
	Nonce     string    `json:"nonce,omitempty"`
}

// Expired reports whether the requirement can no longer be satisfied at t.
func (r PaymentRequirement) Expired(t time.Time) bool {
	return !r.ExpiresAt.IsZero() && t.After(r.ExpiresAt)
}

// PaymentProof is the requester-supplied reference to an on-chain
// transaction claimed to satisfy a PaymentRequirement. Every field is
// untrusted until the verifier has checked it against the ledger.
type PaymentProof struct {
	TransactionID string    `json:"transaction"`
	Payer         string    `json:"payer"`
	Amount        uint64    `json:"amount,string"`
	Asset         string    `json:"asset"`
	Timestamp     time.Time `json:"timestamp"`
}

// VerificationResult is produced exactly once per proof and never mutated.
// When Valid is false, Reason carries the enumerated failure kind.
type VerificationResult struct {
	Valid         bool            `json:"valid"`
	Reason        Kind            `json:"reason,omitempty"`
	Message       string          `json:"message,omitempty"`
	TransactionID string          `json:"transaction,omitempty"`
	Receipt       *PaymentReceipt `json:"receipt,omitempty"`
}

// PaymentReceipt records a completed on-chain transfer.
type PaymentReceipt struct {
	TransactionID string    `json:"transactionId"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	Amount        uint64    `json:"amount,string"`
	Asset         string    `json:"asset"`
	Timestamp     time.Time `json:"timestamp"`
}

// Identity is a resolved request-signing identity, sourced from the
// identity registry and cached with a TTL by the signature protocol.
type Identity struct {
	KeyID     string `json:"keyId"`
	Algorithm string `json:"algorithm"`
	PublicKey []byte `json:"publicKey"`
	Domain    string `json:"domain,omitempty"`
}

// SettlementResult records one executed settlement batch. It is an
// immutable record appended to the merchant's history.
type SettlementResult struct {
	SettlementID     string    `json:"settlementId"`
	TotalAmount      uint64    `json:"totalAmount,string"`
	MerchantAmount   uint64    `json:"merchantAmount,string"`
	PlatformFee      uint64    `json:"platformFee,string"`
	Transaction      string    `json:"transaction"`
	TransactionCount int       `json:"transactionCount"`
	CompletedAt      time.Time `json:"completedAt"`
}

// TransactionStatus is the ledger's view of a submitted transaction.
type TransactionStatus string

const (
	StatusConfirmed TransactionStatus = "confirmed"
	StatusFailed    TransactionStatus = "failed"
	StatusPending   TransactionStatus = "pending"
)

// TransactionRecord is the ledger's detail view of a finalized (or
// in-flight) transfer, as resolved by GetTransactionDetails.
type TransactionRecord struct {
	ID        string
	Payer     string
	Recipient string
	Asset     string
	Amount    uint64
	Slot      uint64
	Finalized bool
	Failed    bool
}
