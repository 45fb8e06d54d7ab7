package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	x402 "github.com/x402-upl/x402/go"
	"github.com/x402-upl/x402/go/webhook"
)

type recordingSettler struct {
	mu     sync.Mutex
	calls  int
	to     string
	amount uint64
	asset  string
	err    error
	txID   string
}

func (r *recordingSettler) Settle(_ context.Context, to string, amount uint64, asset string, _ x402.Signer) (*x402.PaymentReceipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.to = to
	r.amount = amount
	r.asset = asset
	if r.err != nil {
		return nil, r.err
	}
	txID := r.txID
	if txID == "" {
		txID = "settlement-tx"
	}
	return &x402.PaymentReceipt{TransactionID: txID, To: to, Amount: amount, Asset: asset}, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingNotifier) Enqueue(url, eventType string, payload interface{}) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
	return "job-1", nil
}

// blockingSettler parks inside Settle until released, so tests can hold a
// cycle open and observe what happens to concurrent ones.
type blockingSettler struct {
	recordingSettler
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSettler) Settle(ctx context.Context, to string, amount uint64, asset string, signer x402.Signer) (*x402.PaymentReceipt, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.recordingSettler.Settle(ctx, to, amount, asset, signer)
}

type treasurySigner struct{}

func (treasurySigner) Address() string             { return "treasury" }
func (treasurySigner) Sign([]byte) ([]byte, error) { return []byte("sig"), nil }

func seedStore(t *testing.T, store TransactionStore, amounts ...uint64) {
	t.Helper()
	for i, amount := range amounts {
		err := store.Record(context.Background(), Transaction{
			ID:             string(rune('a' + i)),
			ServiceID:      "svc-1",
			MerchantWallet: "merchant-wallet",
			Payer:          "payer",
			Asset:          "usdc-mint",
			Amount:         amount,
			ConfirmedAt:    time.Now().Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
}

func testConfig() ScheduleConfig {
	return ScheduleConfig{
		ServiceID:      "svc-1",
		MerchantWallet: "merchant-wallet",
		Schedule:       "0 * * * *",
		Enabled:        true,
		WebhookURL:     "https://merchant.example/webhook",
	}
}

func newTestScheduler(t *testing.T, store TransactionStore, settler Settler, notifier Notifier) *Scheduler {
	t.Helper()
	s, err := New(Config{
		Store:    store,
		Settler:  settler,
		Treasury: treasurySigner{},
		Asset:    "usdc-mint",
		Webhooks: notifier,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSettleNow(t *testing.T) {
	store := NewMemoryStore()
	seedStore(t, store, 1000, 2000, 3000)
	settler := &recordingSettler{}
	notifier := &recordingNotifier{}
	s := newTestScheduler(t, store, settler, notifier)

	if err := s.SettleNow(context.Background(), testConfig()); err != nil {
		t.Fatalf("SettleNow: %v", err)
	}

	// 2% of 6000 is 120, merchant receives the remainder.
	if settler.amount != 5880 {
		t.Errorf("merchant amount = %d, want 5880", settler.amount)
	}
	if settler.to != "merchant-wallet" || settler.asset != "usdc-mint" {
		t.Errorf("unexpected transfer target: to=%s asset=%s", settler.to, settler.asset)
	}

	unsettled, err := store.ListUnsettled(context.Background(), "svc-1", "merchant-wallet")
	if err != nil {
		t.Fatalf("ListUnsettled: %v", err)
	}
	if len(unsettled) != 0 {
		t.Errorf("expected empty batch after settlement, got %d", len(unsettled))
	}

	history, err := store.Settlements(context.Background(), "svc-1", "merchant-wallet")
	if err != nil {
		t.Fatalf("Settlements: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 settlement, got %d", len(history))
	}
	result := history[0]
	if result.TotalAmount != 6000 || result.PlatformFee != 120 || result.MerchantAmount != 5880 {
		t.Errorf("unexpected amounts: %+v", result)
	}
	if result.TransactionCount != 3 || result.Transaction != "settlement-tx" {
		t.Errorf("unexpected settlement record: %+v", result)
	}

	if len(notifier.events) != 1 || notifier.events[0] != webhook.EventSettlementCompleted {
		t.Errorf("expected settlement.completed event, got %v", notifier.events)
	}
}

func TestSettleNow_FeeRoundsDown(t *testing.T) {
	store := NewMemoryStore()
	seedStore(t, store, 999)
	settler := &recordingSettler{}
	s := newTestScheduler(t, store, settler, nil)

	if err := s.SettleNow(context.Background(), testConfig()); err != nil {
		t.Fatalf("SettleNow: %v", err)
	}

	// 2% of 999 is 19.98; the fee truncates to 19.
	if settler.amount != 980 {
		t.Errorf("merchant amount = %d, want 980", settler.amount)
	}
}

func TestSettleNow_FeeExactForLargeBatch(t *testing.T) {
	store := NewMemoryStore()
	seedStore(t, store, 1<<62, 1<<62)
	settler := &recordingSettler{}
	s := newTestScheduler(t, store, settler, nil)

	if err := s.SettleNow(context.Background(), testConfig()); err != nil {
		t.Fatalf("SettleNow: %v", err)
	}

	// 2% of 2^63, computed without overflowing the fee product.
	const wantFee = uint64(184467440737095516)
	total := uint64(1) << 63
	if settler.amount != total-wantFee {
		t.Errorf("merchant amount = %d, want %d", settler.amount, total-wantFee)
	}
	history, _ := store.Settlements(context.Background(), "svc-1", "merchant-wallet")
	if len(history) != 1 || history[0].PlatformFee != wantFee {
		t.Errorf("unexpected settlement history: %+v", history)
	}
}

func TestSettleNow_ConcurrentCyclesSettleOnce(t *testing.T) {
	store := NewMemoryStore()
	seedStore(t, store, 1000)
	settler := &blockingSettler{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	s := newTestScheduler(t, store, settler, nil)

	first := make(chan error, 1)
	go func() { first <- s.SettleNow(context.Background(), testConfig()) }()
	select {
	case <-settler.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first cycle never reached the settler")
	}

	// The pair is mid-cycle, so a second call must return without reading
	// the batch or transferring.
	if err := s.SettleNow(context.Background(), testConfig()); err != nil {
		t.Fatalf("concurrent SettleNow: %v", err)
	}
	select {
	case <-settler.entered:
		t.Fatal("concurrent cycle reached the settler")
	default:
	}

	close(settler.release)
	if err := <-first; err != nil {
		t.Fatalf("SettleNow: %v", err)
	}
	if settler.calls != 1 {
		t.Errorf("settler called %d times, want 1", settler.calls)
	}
	history, _ := store.Settlements(context.Background(), "svc-1", "merchant-wallet")
	if len(history) != 1 {
		t.Errorf("expected a single settlement, got %d", len(history))
	}
}

func TestScheduleFires_SkipsOverlappingCycle(t *testing.T) {
	store := NewMemoryStore()
	seedStore(t, store, 1000)
	settler := &blockingSettler{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	s := newTestScheduler(t, store, settler, nil)
	defer s.StopAll()

	config := testConfig()
	config.Schedule = "@every 10ms"
	if err := s.AddSchedule(config); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}

	select {
	case <-settler.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("schedule never fired")
	}

	// Several fires elapse while the first cycle is parked in the settler;
	// none may start a second transfer.
	select {
	case <-settler.entered:
		t.Fatal("overlapping fire reached the settler")
	case <-time.After(100 * time.Millisecond):
	}

	close(settler.release)
	deadline := time.Now().Add(2 * time.Second)
	for {
		history, _ := store.Settlements(context.Background(), "svc-1", "merchant-wallet")
		if len(history) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("settlement was never recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSettleNow_EmptyBatch(t *testing.T) {
	settler := &recordingSettler{}
	s := newTestScheduler(t, NewMemoryStore(), settler, nil)

	if err := s.SettleNow(context.Background(), testConfig()); err != nil {
		t.Fatalf("SettleNow: %v", err)
	}
	if settler.calls != 0 {
		t.Errorf("empty batch must not transfer, got %d calls", settler.calls)
	}
}

func TestSettleNow_BelowMinimum(t *testing.T) {
	store := NewMemoryStore()
	seedStore(t, store, 100, 200)
	settler := &recordingSettler{}
	s := newTestScheduler(t, store, settler, nil)

	config := testConfig()
	config.MinimumAmount = 1000

	if err := s.SettleNow(context.Background(), config); err != nil {
		t.Fatalf("SettleNow: %v", err)
	}
	if settler.calls != 0 {
		t.Error("below-minimum batch must not transfer")
	}

	unsettled, _ := store.ListUnsettled(context.Background(), "svc-1", "merchant-wallet")
	if len(unsettled) != 2 {
		t.Errorf("batch should remain for the next cycle, got %d", len(unsettled))
	}
}

func TestSettleNow_TransferFailure(t *testing.T) {
	store := NewMemoryStore()
	seedStore(t, store, 1000)
	settler := &recordingSettler{err: errors.New("blockhash expired")}
	notifier := &recordingNotifier{}
	s := newTestScheduler(t, store, settler, notifier)

	if err := s.SettleNow(context.Background(), testConfig()); err == nil {
		t.Fatal("expected transfer error to propagate")
	}

	unsettled, _ := store.ListUnsettled(context.Background(), "svc-1", "merchant-wallet")
	if len(unsettled) != 1 {
		t.Errorf("failed batch must stay unsettled, got %d", len(unsettled))
	}
	history, _ := store.Settlements(context.Background(), "svc-1", "merchant-wallet")
	if len(history) != 0 {
		t.Errorf("failed settlement must not be recorded, got %d", len(history))
	}
	if len(notifier.events) != 1 || notifier.events[0] != webhook.EventSettlementFailed {
		t.Errorf("expected settlement.failed event, got %v", notifier.events)
	}
}

func TestAddSchedule(t *testing.T) {
	s := newTestScheduler(t, NewMemoryStore(), &recordingSettler{}, nil)
	defer s.StopAll()

	if err := s.AddSchedule(testConfig()); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}

	config := testConfig()
	config.Schedule = "not a cron expression"
	if err := s.AddSchedule(config); err == nil {
		t.Error("expected an error for an invalid cron expression")
	}

	disabled := testConfig()
	disabled.ServiceID = "svc-2"
	disabled.Enabled = false
	if err := s.AddSchedule(disabled); err != nil {
		t.Errorf("disabled schedule should be ignored, got %v", err)
	}
}

func TestRemoveSchedule(t *testing.T) {
	s := newTestScheduler(t, NewMemoryStore(), &recordingSettler{}, nil)

	if err := s.AddSchedule(testConfig()); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	s.RemoveSchedule("svc-1", "merchant-wallet")
	// Removing an unknown pair is a no-op.
	s.RemoveSchedule("svc-unknown", "merchant-wallet")
	s.StopAll()
}

func TestStopAll_WaitsForCompletion(t *testing.T) {
	s := newTestScheduler(t, NewMemoryStore(), &recordingSettler{}, nil)
	for _, svc := range []string{"svc-1", "svc-2", "svc-3"} {
		config := testConfig()
		config.ServiceID = svc
		if err := s.AddSchedule(config); err != nil {
			t.Fatalf("AddSchedule(%s): %v", svc, err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.StopAll()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("StopAll did not return")
	}
}
