package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"

	x402 "github.com/x402-upl/x402/go"
)

func TestCheck_AdmitsExactlyMaxPerWindow(t *testing.T) {
	l := New(3, time.Minute)

	for i := 0; i < 3; i++ {
		if _, err := l.Check("caller-1"); err != nil {
			t.Fatalf("request %d rejected: %v", i+1, err)
		}
	}

	_, err := l.Check("caller-1")
	if err == nil {
		t.Fatal("expected the fourth request to be rejected")
	}
	if x402.KindOf(err) != x402.KindAdmissionRejected {
		t.Errorf("expected admission_rejected, got %v", err)
	}
	pe, ok := err.(*x402.ProtocolError)
	if !ok {
		t.Fatalf("expected *ProtocolError, got %T", err)
	}
	if _, ok := pe.Details["retryAfterSeconds"]; !ok {
		t.Error("rejection should carry retry-after metadata")
	}
}

func TestCheck_KeysAreIndependent(t *testing.T) {
	l := New(1, time.Minute)

	if _, err := l.Check("caller-1"); err != nil {
		t.Fatalf("caller-1: %v", err)
	}
	if _, err := l.Check("caller-2"); err != nil {
		t.Fatalf("caller-2 should have its own window: %v", err)
	}
	if _, err := l.Check("caller-1"); err == nil {
		t.Fatal("caller-1 should be over its limit")
	}
}

func TestCheck_WindowResets(t *testing.T) {
	now := time.Now()
	l := New(1, time.Minute)
	l.now = func() time.Time { return now }

	if _, err := l.Check("caller-1"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if _, err := l.Check("caller-1"); err == nil {
		t.Fatal("second request in the window should be rejected")
	}

	now = now.Add(time.Minute + time.Second)
	if _, err := l.Check("caller-1"); err != nil {
		t.Fatalf("request after window reset rejected: %v", err)
	}
}

func TestCheck_Status(t *testing.T) {
	l := New(5, time.Minute)

	status, err := l.Check("caller-1")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if status.Limit != 5 || status.Remaining != 4 {
		t.Errorf("status = %+v, want limit 5 remaining 4", status)
	}
	if status.ResetAt.IsZero() {
		t.Error("status should carry the window reset time")
	}
}

func TestCleanup(t *testing.T) {
	now := time.Now()
	l := New(10, time.Minute)
	l.now = func() time.Time { return now }

	l.Check("caller-1")
	l.Check("caller-2")

	if reclaimed := l.Cleanup(); reclaimed != 0 {
		t.Errorf("live windows reclaimed: %d", reclaimed)
	}

	now = now.Add(2 * time.Minute)
	if reclaimed := l.Cleanup(); reclaimed != 2 {
		t.Errorf("expected 2 reclaimed windows, got %d", reclaimed)
	}
}

func TestKeyByIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "203.0.113.7:4321"
	if got := KeyByIP(r); got != "203.0.113.7" {
		t.Errorf("KeyByIP = %q", got)
	}

	r.Header.Set("X-Forwarded-For", "198.51.100.2, 203.0.113.7")
	if got := KeyByIP(r); got != "198.51.100.2" {
		t.Errorf("KeyByIP with forwarded header = %q", got)
	}
}
