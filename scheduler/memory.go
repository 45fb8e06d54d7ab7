package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	x402 "github.com/x402-upl/x402/go"
)

// MemoryStore is an in-process TransactionStore for single-instance
// deployments and tests.
type MemoryStore struct {
	mu           sync.Mutex
	transactions map[string]Transaction
	settlements  map[string][]x402.SettlementResult
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string]Transaction),
		settlements:  make(map[string][]x402.SettlementResult),
	}
}

func pairKey(serviceID, merchantWallet string) string {
	return serviceID + "/" + merchantWallet
}

// Record stores tx, rejecting duplicate ids.
func (s *MemoryStore) Record(_ context.Context, tx Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transactions[tx.ID]; ok {
		return fmt.Errorf("scheduler: transaction %s already recorded", tx.ID)
	}
	s.transactions[tx.ID] = tx
	return nil
}

// ListUnsettled returns unsettled transactions for the pair, oldest first.
func (s *MemoryStore) ListUnsettled(_ context.Context, serviceID, merchantWallet string) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Transaction
	for _, tx := range s.transactions {
		if tx.ServiceID == serviceID && tx.MerchantWallet == merchantWallet && !tx.Settled() {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConfirmedAt.Before(out[j].ConfirmedAt) })
	return out, nil
}

// MarkSettled stamps the given transactions with the settlement id.
func (s *MemoryStore) MarkSettled(_ context.Context, ids []string, settlementID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		tx, ok := s.transactions[id]
		if !ok {
			return fmt.Errorf("scheduler: unknown transaction %s", id)
		}
		tx.SettledAt = at
		tx.SettlementID = settlementID
		s.transactions[id] = tx
	}
	return nil
}

// AppendSettlement prepends result to the pair's history.
func (s *MemoryStore) AppendSettlement(_ context.Context, serviceID, merchantWallet string, result x402.SettlementResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(serviceID, merchantWallet)
	s.settlements[key] = append([]x402.SettlementResult{result}, s.settlements[key]...)
	return nil
}

// Settlements returns the pair's history, newest first.
func (s *MemoryStore) Settlements(_ context.Context, serviceID, merchantWallet string) ([]x402.SettlementResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.settlements[pairKey(serviceID, merchantWallet)]
	out := make([]x402.SettlementResult, len(history))
	copy(out, history)
	return out, nil
}

// Ensure MemoryStore implements TransactionStore
var _ TransactionStore = (*MemoryStore)(nil)
