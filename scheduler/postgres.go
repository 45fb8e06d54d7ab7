package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	x402 "github.com/x402-upl/x402/go"
)

// PostgresStore implements TransactionStore on PostgreSQL.
//
// Expected schema:
//
//	CREATE TABLE transactions (
//	    id              TEXT PRIMARY KEY,
//	    service_id      TEXT NOT NULL,
//	    merchant_wallet TEXT NOT NULL,
//	    payer           TEXT NOT NULL,
//	    asset           TEXT NOT NULL,
//	    amount          BIGINT NOT NULL,
//	    confirmed_at    TIMESTAMPTZ NOT NULL,
//	    settled_at      TIMESTAMPTZ,
//	    settlement_id   TEXT
//	);
//	CREATE INDEX transactions_unsettled_idx
//	    ON transactions (service_id, merchant_wallet) WHERE settled_at IS NULL;
//
//	CREATE TABLE settlements (
//	    settlement_id     TEXT PRIMARY KEY,
//	    service_id        TEXT NOT NULL,
//	    merchant_wallet   TEXT NOT NULL,
//	    total_amount      BIGINT NOT NULL,
//	    merchant_amount   BIGINT NOT NULL,
//	    platform_fee      BIGINT NOT NULL,
//	    transaction_sig   TEXT NOT NULL,
//	    transaction_count INT NOT NULL,
//	    completed_at      TIMESTAMPTZ NOT NULL
//	);
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Record inserts a verified transaction.
func (s *PostgresStore) Record(ctx context.Context, tx Transaction) error {
	query := `
		INSERT INTO transactions (
			id, service_id, merchant_wallet, payer, asset, amount, confirmed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.ExecContext(ctx, query,
		tx.ID,
		tx.ServiceID,
		tx.MerchantWallet,
		tx.Payer,
		tx.Asset,
		int64(tx.Amount),
		tx.ConfirmedAt,
	)
	if err != nil {
		return fmt.Errorf("scheduler: record transaction: %w", err)
	}
	return nil
}

// ListUnsettled returns unsettled transactions for the pair, oldest first.
func (s *PostgresStore) ListUnsettled(ctx context.Context, serviceID, merchantWallet string) ([]Transaction, error) {
	query := `
		SELECT id, service_id, merchant_wallet, payer, asset, amount, confirmed_at
		FROM transactions
		WHERE service_id = $1 AND merchant_wallet = $2 AND settled_at IS NULL
		ORDER BY confirmed_at`

	rows, err := s.db.QueryContext(ctx, query, serviceID, merchantWallet)
	if err != nil {
		return nil, fmt.Errorf("scheduler: list unsettled: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var tx Transaction
		var amount int64
		if err := rows.Scan(&tx.ID, &tx.ServiceID, &tx.MerchantWallet, &tx.Payer, &tx.Asset, &amount, &tx.ConfirmedAt); err != nil {
			return nil, fmt.Errorf("scheduler: scan transaction: %w", err)
		}
		tx.Amount = uint64(amount)
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scheduler: list unsettled: %w", err)
	}
	return out, nil
}

// MarkSettled stamps the given transactions with the settlement id.
func (s *PostgresStore) MarkSettled(ctx context.Context, ids []string, settlementID string, at time.Time) error {
	query := `
		UPDATE transactions
		SET settled_at = $1, settlement_id = $2
		WHERE id = ANY($3)`

	result, err := s.db.ExecContext(ctx, query, at, settlementID, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("scheduler: mark settled: %w", err)
	}
	affected, err := result.RowsAffected()
	if err == nil && int(affected) != len(ids) {
		return fmt.Errorf("scheduler: marked %d of %d transactions settled", affected, len(ids))
	}
	return nil
}

// AppendSettlement records a completed settlement batch.
func (s *PostgresStore) AppendSettlement(ctx context.Context, serviceID, merchantWallet string, result x402.SettlementResult) error {
	query := `
		INSERT INTO settlements (
			settlement_id, service_id, merchant_wallet, total_amount,
			merchant_amount, platform_fee, transaction_sig, transaction_count,
			completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.db.ExecContext(ctx, query,
		result.SettlementID,
		serviceID,
		merchantWallet,
		int64(result.TotalAmount),
		int64(result.MerchantAmount),
		int64(result.PlatformFee),
		result.Transaction,
		result.TransactionCount,
		result.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("scheduler: append settlement: %w", err)
	}
	return nil
}

// Settlements returns the pair's history, newest first.
func (s *PostgresStore) Settlements(ctx context.Context, serviceID, merchantWallet string) ([]x402.SettlementResult, error) {
	query := `
		SELECT settlement_id, total_amount, merchant_amount, platform_fee,
			transaction_sig, transaction_count, completed_at
		FROM settlements
		WHERE service_id = $1 AND merchant_wallet = $2
		ORDER BY completed_at DESC`

	rows, err := s.db.QueryContext(ctx, query, serviceID, merchantWallet)
	if err != nil {
		return nil, fmt.Errorf("scheduler: list settlements: %w", err)
	}
	defer rows.Close()

	var out []x402.SettlementResult
	for rows.Next() {
		var r x402.SettlementResult
		var total, merchant, fee int64
		if err := rows.Scan(&r.SettlementID, &total, &merchant, &fee, &r.Transaction, &r.TransactionCount, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("scheduler: scan settlement: %w", err)
		}
		r.TotalAmount = uint64(total)
		r.MerchantAmount = uint64(merchant)
		r.PlatformFee = uint64(fee)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scheduler: list settlements: %w", err)
	}
	return out, nil
}

// Ensure PostgresStore implements TransactionStore
var _ TransactionStore = (*PostgresStore)(nil)
