// Package webhook delivers signed event notifications to merchant
// endpoints with bounded retries.
package webhook

import "time"

// Event types emitted by the payment pipeline. The payload for each type
// is the corresponding struct below; no other shapes are delivered.
const (
	EventSettlementCompleted = "settlement.completed"
	EventPaymentVerified     = "payment.verified"
	EventSettlementFailed    = "settlement.failed"
)

// SettlementCompletedEvent notifies a merchant that a settlement batch
// transferred funds to their wallet.
type SettlementCompletedEvent struct {
	ServiceID        string    `json:"serviceId"`
	MerchantWallet   string    `json:"merchantWallet"`
	SettlementID     string    `json:"settlementId"`
	TotalAmount      uint64    `json:"totalAmount,string"`
	MerchantAmount   uint64    `json:"merchantAmount,string"`
	PlatformFee      uint64    `json:"platformFee,string"`
	Transaction      string    `json:"transaction"`
	TransactionCount int       `json:"transactionCount"`
	CompletedAt      time.Time `json:"completedAt"`
}

// PaymentVerifiedEvent notifies a merchant that a payment proof for one of
// their resources passed verification.
type PaymentVerifiedEvent struct {
	TransactionID string    `json:"transaction"`
	Payer         string    `json:"payer"`
	Amount        uint64    `json:"amount,string"`
	Asset         string    `json:"asset"`
	Resource      string    `json:"resource"`
	VerifiedAt    time.Time `json:"verifiedAt"`
}

// SettlementFailedEvent notifies a merchant that a scheduled settlement
// cycle could not complete. The batch stays unsettled and is retried on
// the next cycle.
type SettlementFailedEvent struct {
	ServiceID      string    `json:"serviceId"`
	MerchantWallet string    `json:"merchantWallet"`
	Reason         string    `json:"reason"`
	FailedAt       time.Time `json:"failedAt"`
}
