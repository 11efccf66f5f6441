package webhooks

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestDispatcherDeliversSignedPayload(t *testing.T) {
	type received struct {
		signature string
		event     string
		body      []byte
	}
	got := make(chan received, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{
			signature: r.Header.Get("X-Escrow-Signature"),
			event:     r.Header.Get("X-Escrow-Event"),
			body:      body,
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	dispatcher, err := NewDispatcher(server.URL, []byte("secret"))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	if err := dispatcher.EnqueueReady(AuditReadyPayload{FromSequence: 10, LastSequence: 42, Deals: 3, OpenDeals: 1}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	dispatcher.Close()

	select {
	case rec := <-got:
		if rec.event != string(EventAuditReady) {
			t.Fatalf("unexpected event header %q", rec.event)
		}
		if !strings.HasPrefix(rec.signature, "sha256=") {
			t.Fatalf("unexpected signature %q", rec.signature)
		}
		var payload AuditReadyPayload
		if err := json.Unmarshal(rec.body, &payload); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if payload.Type != EventAuditReady || payload.FromSequence != 10 || payload.LastSequence != 42 {
			t.Fatalf("unexpected payload %+v", payload)
		}
		if payload.DeliveryID == "" {
			t.Fatalf("expected a delivery id")
		}
	default:
		t.Fatalf("no delivery received before close returned")
	}
}

func TestDispatcherRetriesUntilAccepted(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	dispatcher, err := NewDispatcher(server.URL, []byte("secret"), WithRetryPolicy(5, 5*time.Millisecond, 10*time.Millisecond))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	payload := AuditAnomaliesPayload{LastSequence: 7, Count: 2, Kinds: []string{"digest_mismatch", "sequence_gap"}}
	if err := dispatcher.EnqueueAnomalies(payload); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	dispatcher.Close()
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestDispatcherCloseDrainsQueue(t *testing.T) {
	var delivered int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&delivered, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	dispatcher, err := NewDispatcher(server.URL, []byte("secret"))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := dispatcher.EnqueueReady(AuditReadyPayload{LastSequence: uint64(i + 1)}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	dispatcher.Close()
	if got := atomic.LoadInt32(&delivered); got != 5 {
		t.Fatalf("expected 5 deliveries after close, got %d", got)
	}
	if err := dispatcher.EnqueueReady(AuditReadyPayload{LastSequence: 99}); err == nil {
		t.Fatalf("expected enqueue after close to fail")
	}
}
