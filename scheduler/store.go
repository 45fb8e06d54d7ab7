// Package scheduler runs cron-driven settlement of verified payments,
// batching unsettled transactions per (service, merchant) into a single
// treasury transfer minus the platform fee.
package scheduler

import (
	"context"
	"time"

	x402 "github.com/x402-upl/x402/go"
)

// Transaction is one verified payment awaiting settlement.
type Transaction struct {
	ID             string
	ServiceID      string
	MerchantWallet string
	Payer          string
	Asset          string
	Amount         uint64
	ConfirmedAt    time.Time

	// Settlement linkage, zero until the transaction is settled.
	SettledAt    time.Time
	SettlementID string
}

// Settled reports whether the transaction has been paid out.
func (t Transaction) Settled() bool {
	return !t.SettledAt.IsZero()
}

// TransactionStore persists verified transactions and settlement history.
type TransactionStore interface {
	// Record stores a newly verified transaction.
	Record(ctx context.Context, tx Transaction) error

	// ListUnsettled returns confirmed, unsettled transactions for the
	// (service, merchant) pair.
	ListUnsettled(ctx context.Context, serviceID, merchantWallet string) ([]Transaction, error)

	// MarkSettled links the given transactions to a completed settlement.
	MarkSettled(ctx context.Context, ids []string, settlementID string, at time.Time) error

	// AppendSettlement records a completed settlement batch.
	AppendSettlement(ctx context.Context, serviceID, merchantWallet string, result x402.SettlementResult) error

	// Settlements returns the settlement history for the pair, newest first.
	Settlements(ctx context.Context, serviceID, merchantWallet string) ([]x402.SettlementResult, error)
}
