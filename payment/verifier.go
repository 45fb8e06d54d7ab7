// Package payment verifies on-ledger payment proofs against payment
// requirements and coordinates settlement transfers.
package payment

import (
	"context"
	"fmt"
	"time"

	x402 "github.com/x402-upl/x402/go"
	"github.com/x402-upl/x402/go/replay"
)

// DefaultProofMaxAge bounds how old a proof timestamp may be before the
// proof is rejected as malformed.
const DefaultProofMaxAge = 5 * time.Minute

// DefaultConsumedTTL is how long a consumed transaction id is retained in
// the replay store.
const DefaultConsumedTTL = 24 * time.Hour

// DefaultConfirmationPoll is the interval between ledger queries while
// waiting for a transaction to finalize.
const DefaultConfirmationPoll = time.Second

// VerifierConfig configures a payment Verifier.
type VerifierConfig struct {
	// Ledger resolves submitted transaction ids to finalized transfers.
	Ledger x402.Ledger

	// Consumed records transaction ids that have already been redeemed.
	// Each id buys exactly one resource access.
	Consumed replay.Store

	// ConsumedTTL overrides DefaultConsumedTTL.
	ConsumedTTL time.Duration

	// ProofMaxAge overrides DefaultProofMaxAge.
	ProofMaxAge time.Duration

	// ConfirmationTimeout bounds how long Verify waits for the ledger to
	// report the transaction as finalized. Zero means a single query with
	// no polling.
	ConfirmationTimeout time.Duration

	// ConfirmationPoll overrides DefaultConfirmationPoll.
	ConfirmationPoll time.Duration

	// Network, when set, is the CAIP-2 network the configured ledger
	// serves; wildcards are accepted (e.g. "solana:*"). Requirements
	// naming any other network are rejected as malformed.
	Network x402.Network
}

// Verifier checks that a payment proof corresponds to a finalized ledger
// transfer satisfying a payment requirement, and consumes the transaction
// id so it cannot be redeemed twice.
type Verifier struct {
	ledger      x402.Ledger
	consumed    replay.Store
	network     x402.Network
	consumedTTL time.Duration
	maxAge      time.Duration
	confirmWait time.Duration
	poll        time.Duration
	now         func() time.Time
}

// NewVerifier creates a Verifier. Ledger and Consumed are required.
func NewVerifier(config VerifierConfig) (*Verifier, error) {
	if config.Ledger == nil {
		return nil, fmt.Errorf("payment: ledger is required")
	}
	if config.Consumed == nil {
		return nil, fmt.Errorf("payment: consumed store is required")
	}
	v := &Verifier{
		ledger:      config.Ledger,
		consumed:    config.Consumed,
		network:     config.Network,
		consumedTTL: config.ConsumedTTL,
		maxAge:      config.ProofMaxAge,
		confirmWait: config.ConfirmationTimeout,
		poll:        config.ConfirmationPoll,
		now:         time.Now,
	}
	if v.consumedTTL <= 0 {
		v.consumedTTL = DefaultConsumedTTL
	}
	if v.maxAge <= 0 {
		v.maxAge = DefaultProofMaxAge
	}
	if v.poll <= 0 {
		v.poll = DefaultConfirmationPoll
	}
	return v, nil
}

// Verify checks proof against requirement. Protocol-level rejections are
// reported through the result with Valid false and a Reason; a non-nil
// error means the verdict could not be reached at all (ledger or store
// unavailable) and the caller may retry.
func (v *Verifier) Verify(ctx context.Context, proof x402.PaymentProof, requirement x402.PaymentRequirement) (x402.VerificationResult, error) {
	if reason, msg := v.checkStructure(proof); reason != "" {
		return invalid(reason, msg, proof.TransactionID), nil
	}
	if v.network != "" {
		if _, _, err := requirement.Network.Parse(); err != nil {
			return invalid(x402.KindMalformedInput, err.Error(), proof.TransactionID), nil
		}
		if !requirement.Network.Match(v.network) {
			msg := fmt.Sprintf("requirement is for network %s, ledger serves %s", requirement.Network, v.network)
			return invalid(x402.KindMalformedInput, msg, proof.TransactionID), nil
		}
	}

	seen, err := v.consumed.Has(ctx, proof.TransactionID)
	if err != nil {
		return unavailable(proof.TransactionID), fmt.Errorf("payment: consumed store: %w", err)
	}
	if seen {
		return invalid(x402.KindAlreadyConsumed, "transaction already redeemed", proof.TransactionID), nil
	}

	record, err := v.awaitTransaction(ctx, proof.TransactionID)
	if err != nil {
		return unavailable(proof.TransactionID), fmt.Errorf("payment: ledger query: %w", err)
	}
	if record == nil {
		return invalid(x402.KindNotConfirmed, "transaction not found on ledger", proof.TransactionID), nil
	}
	if record.Failed {
		return invalid(x402.KindNotConfirmed, "transaction failed on ledger", proof.TransactionID), nil
	}
	if !record.Finalized {
		return invalid(x402.KindNotConfirmed, "transaction not finalized", proof.TransactionID), nil
	}

	if record.Amount < requirement.Amount {
		msg := fmt.Sprintf("paid %d, required %d", record.Amount, requirement.Amount)
		return invalid(x402.KindAmountMismatch, msg, proof.TransactionID), nil
	}
	if record.Asset != requirement.Asset {
		msg := fmt.Sprintf("paid in %s, required %s", record.Asset, requirement.Asset)
		return invalid(x402.KindAssetMismatch, msg, proof.TransactionID), nil
	}
	if record.Recipient != requirement.PayTo {
		return invalid(x402.KindRecipientMismatch, "payment sent to wrong recipient", proof.TransactionID), nil
	}

	if requirement.Expired(v.now()) {
		return invalid(x402.KindExpired, "payment requirement expired", proof.TransactionID), nil
	}

	inserted, err := v.consumed.AddIfAbsent(ctx, proof.TransactionID, v.consumedTTL)
	if err != nil {
		return unavailable(proof.TransactionID), fmt.Errorf("payment: consumed store: %w", err)
	}
	if !inserted {
		return invalid(x402.KindAlreadyConsumed, "transaction already redeemed", proof.TransactionID), nil
	}

	return x402.VerificationResult{
		Valid:         true,
		TransactionID: proof.TransactionID,
		Receipt: &x402.PaymentReceipt{
			TransactionID: record.ID,
			From:          record.Payer,
			To:            record.Recipient,
			Amount:        record.Amount,
			Asset:         record.Asset,
			Timestamp:     v.now(),
		},
	}, nil
}

func (v *Verifier) checkStructure(proof x402.PaymentProof) (x402.Kind, string) {
	if proof.TransactionID == "" {
		return x402.KindMalformedInput, "missing transaction id"
	}
	if proof.Payer == "" {
		return x402.KindMalformedInput, "missing payer"
	}
	if proof.Asset == "" {
		return x402.KindMalformedInput, "missing asset"
	}
	if proof.Timestamp.IsZero() {
		return x402.KindMalformedInput, "missing timestamp"
	}
	now := v.now()
	if proof.Timestamp.After(now.Add(DefaultProofMaxAge)) {
		return x402.KindMalformedInput, "proof timestamp in the future"
	}
	if now.Sub(proof.Timestamp) > v.maxAge {
		return x402.KindMalformedInput, "proof timestamp too old"
	}
	return "", ""
}

// awaitTransaction queries the ledger for the transaction, polling until
// it is finalized or the confirmation window elapses. A nil record with a
// nil error means the transaction was not observed in time.
func (v *Verifier) awaitTransaction(ctx context.Context, txID string) (*x402.TransactionRecord, error) {
	record, err := v.ledger.GetTransactionDetails(ctx, txID)
	if err != nil {
		return nil, err
	}
	if v.confirmWait <= 0 || (record != nil && (record.Finalized || record.Failed)) {
		return record, nil
	}

	deadline := v.now().Add(v.confirmWait)
	ticker := time.NewTicker(v.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		record, err = v.ledger.GetTransactionDetails(ctx, txID)
		if err != nil {
			return nil, err
		}
		if record != nil && (record.Finalized || record.Failed) {
			return record, nil
		}
		if v.now().After(deadline) {
			return record, nil
		}
	}
}

func invalid(reason x402.Kind, message, txID string) x402.VerificationResult {
	return x402.VerificationResult{
		Valid:         false,
		Reason:        reason,
		Message:       message,
		TransactionID: txID,
	}
}

func unavailable(txID string) x402.VerificationResult {
	return invalid(x402.KindVerificationUnavailable, "verification temporarily unavailable", txID)
}
