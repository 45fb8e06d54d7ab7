package payment

import (
	"context"
	"fmt"
	"time"

	x402 "github.com/x402-upl/x402/go"
)

// DefaultStatusPoll is the interval between status queries while waiting
// for a submitted settlement transfer to confirm.
const DefaultStatusPoll = time.Second

// Coordinator submits settlement transfers to a ledger and tracks their
// confirmation. It supports both direct settlement, where the payer signs,
// and facilitated settlement, where a configured facilitator signer
// executes the transfer on the payer's behalf.
type Coordinator struct {
	ledger      x402.Ledger
	facilitator x402.Signer
	poll        time.Duration
	now         func() time.Time
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithFacilitator sets the signer used for facilitated settlements.
func WithFacilitator(signer x402.Signer) CoordinatorOption {
	return func(c *Coordinator) {
		c.facilitator = signer
	}
}

// WithStatusPoll overrides DefaultStatusPoll.
func WithStatusPoll(interval time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if interval > 0 {
			c.poll = interval
		}
	}
}

// NewCoordinator creates a Coordinator backed by ledger.
func NewCoordinator(ledger x402.Ledger, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		ledger: ledger,
		poll:   DefaultStatusPoll,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Settle submits a transfer signed by the payer's own signer and returns a
// receipt referencing the submitted transaction. The transfer may not yet
// be confirmed; use WaitForConfirmation to block until it is.
func (c *Coordinator) Settle(ctx context.Context, to string, amount uint64, asset string, signer x402.Signer) (*x402.PaymentReceipt, error) {
	if signer == nil {
		return nil, fmt.Errorf("payment: signer is required")
	}
	return c.submit(ctx, signer.Address(), to, amount, asset, signer)
}

// SettleFacilitated submits a transfer executed by the coordinator's
// facilitator signer on behalf of from.
func (c *Coordinator) SettleFacilitated(ctx context.Context, from, to string, amount uint64, asset string) (*x402.PaymentReceipt, error) {
	if c.facilitator == nil {
		return nil, fmt.Errorf("payment: no facilitator signer configured")
	}
	return c.submit(ctx, from, to, amount, asset, c.facilitator)
}

func (c *Coordinator) submit(ctx context.Context, from, to string, amount uint64, asset string, signer x402.Signer) (*x402.PaymentReceipt, error) {
	if amount == 0 {
		return nil, fmt.Errorf("payment: settlement amount must be positive")
	}
	txID, err := c.ledger.SubmitTransfer(ctx, from, to, amount, asset, signer)
	if err != nil {
		return nil, fmt.Errorf("payment: submit transfer: %w", err)
	}
	return &x402.PaymentReceipt{
		TransactionID: txID,
		From:          from,
		To:            to,
		Amount:        amount,
		Asset:         asset,
		Timestamp:     c.now(),
	}, nil
}

// TransactionStatus reports the ledger's current view of txID.
func (c *Coordinator) TransactionStatus(ctx context.Context, txID string) (x402.TransactionStatus, error) {
	return c.ledger.GetTransactionStatus(ctx, txID)
}

// WaitForConfirmation polls the ledger until txID confirms, fails, or
// timeout elapses. It returns true only on confirmation; a failed or
// still-pending transaction returns false with a nil error. Query errors
// are treated as pending and retried until the deadline.
func (c *Coordinator) WaitForConfirmation(ctx context.Context, txID string, timeout time.Duration) (bool, error) {
	deadline := c.now().Add(timeout)
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		status, err := c.ledger.GetTransactionStatus(ctx, txID)
		if err == nil {
			switch status {
			case x402.StatusConfirmed:
				return true, nil
			case x402.StatusFailed:
				return false, nil
			}
		}
		if !c.now().Before(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}
