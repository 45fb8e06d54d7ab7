package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	x402 "github.com/x402-upl/x402/go"
)

const testSecret = "whsec_test"

func testSecrets(string) (string, bool) { return testSecret, true }

func fastDelays() []time.Duration {
	return []time.Duration{10 * time.Millisecond, 10 * time.Millisecond, 10 * time.Millisecond}
}

func waitForState(t *testing.T, s *Service, jobID string, want JobState) JobStatus {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		status, ok := s.Status(jobID)
		if !ok {
			t.Fatalf("unknown job %s", jobID)
		}
		if status.State == want {
			return status
		}
		time.Sleep(5 * time.Millisecond)
	}
	status, _ := s.Status(jobID)
	t.Fatalf("job never reached %s, stuck at %s after %d attempts (%s)",
		want, status.State, status.Attempts, status.LastError)
	return JobStatus{}
}

func TestDeliver_Success(t *testing.T) {
	type received struct {
		event     string
		signature string
		timestamp string
		body      []byte
		userAgent string
	}
	got := make(chan received, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{
			event:     r.Header.Get(HeaderEvent),
			signature: r.Header.Get(HeaderSignature),
			timestamp: r.Header.Get(HeaderTimestamp),
			body:      body,
			userAgent: r.Header.Get("User-Agent"),
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s, err := NewService(testSecrets, WithRetryDelays(fastDelays()))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	defer s.Close()

	event := PaymentVerifiedEvent{TransactionID: "tx-1", Payer: "payer", Amount: 100, Asset: "usdc"}
	jobID, err := s.Enqueue(server.URL, EventPaymentVerified, event)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	status := waitForState(t, s, jobID, JobCompleted)
	if status.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", status.Attempts)
	}

	r := <-got
	if r.event != EventPaymentVerified {
		t.Errorf("event header = %q", r.event)
	}
	if r.userAgent != "x402-facilitator/2.0" {
		t.Errorf("user agent = %q", r.userAgent)
	}
	if err := VerifySignature(testSecret, r.body, r.signature, r.timestamp, 0); err != nil {
		t.Errorf("delivered signature does not verify: %v", err)
	}
}

func TestDeliver_RetriesThenExhausted(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	s, err := NewService(testSecrets, WithRetryDelays(fastDelays()))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	defer s.Close()

	jobID, err := s.Enqueue(server.URL, EventSettlementFailed, SettlementFailedEvent{Reason: "test"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	status := waitForState(t, s, jobID, JobExhausted)
	if status.Attempts != len(fastDelays()) {
		t.Errorf("expected %d attempts, got %d", len(fastDelays()), status.Attempts)
	}
	if got := attempts.Load(); int(got) != len(fastDelays()) {
		t.Errorf("server saw %d attempts, want %d", got, len(fastDelays()))
	}
	if status.LastError == "" {
		t.Error("exhausted job should record its last error")
	}
}

func TestDeliver_SucceedsOnRetry(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s, err := NewService(testSecrets, WithRetryDelays(fastDelays()))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	defer s.Close()

	jobID, err := s.Enqueue(server.URL, EventSettlementCompleted, SettlementCompletedEvent{SettlementID: "s-1"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	status := waitForState(t, s, jobID, JobCompleted)
	if status.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", status.Attempts)
	}
}

func TestDeliver_MissingConfiguration(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
	}))
	defer server.Close()

	noSecret := func(string) (string, bool) { return "", false }
	s, err := NewService(noSecret, WithRetryDelays(fastDelays()))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	defer s.Close()

	jobID, err := s.Enqueue(server.URL, EventPaymentVerified, PaymentVerifiedEvent{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitForState(t, s, jobID, JobExhausted)
	if attempts.Load() != 0 {
		t.Errorf("unconfigured target should never be called, saw %d requests", attempts.Load())
	}
}

func TestRetryExhausted(t *testing.T) {
	var healthy atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	s, err := NewService(testSecrets, WithRetryDelays(fastDelays()))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	defer s.Close()

	jobID, err := s.Enqueue(server.URL, EventSettlementCompleted, SettlementCompletedEvent{SettlementID: "s-2"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitForState(t, s, jobID, JobExhausted)

	healthy.Store(true)
	if n := s.RetryExhausted(context.Background()); n != 1 {
		t.Fatalf("expected 1 re-armed job, got %d", n)
	}
	waitForState(t, s, jobID, JobCompleted)
}

func TestEnqueue_AfterClose(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s, err := NewService(testSecrets, WithRetryDelays(fastDelays()))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	s.Close()

	if _, err := s.Enqueue(server.URL, EventPaymentVerified, PaymentVerifiedEvent{TransactionID: "tx-1"}); err == nil {
		t.Fatal("expected an error enqueueing on a closed service")
	}
	if n := s.RetryExhausted(context.Background()); n != 0 {
		t.Errorf("RetryExhausted on a closed service re-armed %d jobs", n)
	}

	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 0 {
		t.Errorf("closed service delivered %d requests", calls.Load())
	}
}

func TestStatus_UnknownJob(t *testing.T) {
	s, err := NewService(testSecrets)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	defer s.Close()

	if _, ok := s.Status("nope"); ok {
		t.Error("expected unknown job to report ok=false")
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"settlementId":"s-1"}`)
	ts := time.Now().Unix()
	sig := Sign(testSecret, ts, body)
	tsStr := formatTS(ts)

	if err := VerifySignature(testSecret, body, sig, tsStr, 0); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	if err := VerifySignature(testSecret, []byte(`{"settlementId":"s-2"}`), sig, tsStr, 0); err == nil {
		t.Error("tampered body accepted")
	} else if x402.KindOf(err) != x402.KindInvalidSignature {
		t.Errorf("expected invalid_signature, got %v", err)
	}

	if err := VerifySignature("wrong-secret", body, sig, tsStr, 0); err == nil {
		t.Error("wrong secret accepted")
	}

	stale := time.Now().Add(-10 * time.Minute).Unix()
	if err := VerifySignature(testSecret, body, Sign(testSecret, stale, body), formatTS(stale), 0); err == nil {
		t.Error("stale timestamp accepted")
	} else if x402.KindOf(err) != x402.KindExpired {
		t.Errorf("expected expired, got %v", err)
	}

	if err := VerifySignature(testSecret, body, sig, "not-a-number", 0); err == nil {
		t.Error("malformed timestamp accepted")
	}
}

func formatTS(ts int64) string {
	return strconv.FormatInt(ts, 10)
}
