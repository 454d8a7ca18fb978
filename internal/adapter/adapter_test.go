package adapter

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestNormalizeState(t *testing.T) {
	cases := map[string]string{
		"pending":   StateQueued,
		"NEW":       StateQueued,
		"active":    StateRunning,
		"running":   StateRunning,
		"suspended": StatePaused,
		"halting":   StateStopping,
		"filled":    StateStopped,
		"CANCELED":  StateStopped,
		"done":      StateStopped,
		"exploded":  StateFailed,
		"":          StateFailed,
	}
	for raw, want := range cases {
		if got := NormalizeState(raw); got != want {
			t.Errorf("NormalizeState(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(&Error{StatusCode: 400, Retryable: false}) {
		t.Error("4xx must not be retryable")
	}
	if !IsRetryable(&Error{StatusCode: 503, Retryable: true}) {
		t.Error("5xx must be retryable")
	}
	wrapped := fmt.Errorf("dispatch: %w", &Error{StatusCode: 422, Retryable: false})
	if IsRetryable(wrapped) {
		t.Error("classification must survive wrapping")
	}
	if !IsRetryable(errors.New("connection reset")) {
		t.Error("unclassified transport errors default to retryable")
	}
}

func TestMockAdapterDedupesByIdempotencyKey(t *testing.T) {
	m := NewMockAdapter()
	ctx := context.Background()

	first, err := m.PlaceOrder(ctx, OrderRequest{Scope: "acme", Symbol: "BTCUSDT", Side: "buy", Qty: 1, Price: 100}, "key-1")
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	second, err := m.PlaceOrder(ctx, OrderRequest{Scope: "acme", Symbol: "BTCUSDT", Side: "buy", Qty: 1, Price: 100}, "key-1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if first.ProviderRef != second.ProviderRef {
		t.Fatalf("same key produced different orders: %s vs %s", first.ProviderRef, second.ProviderRef)
	}

	third, err := m.PlaceOrder(ctx, OrderRequest{Scope: "acme", Symbol: "BTCUSDT", Side: "buy", Qty: 1, Price: 100}, "key-2")
	if err != nil {
		t.Fatalf("new key: %v", err)
	}
	if third.ProviderRef == first.ProviderRef {
		t.Fatal("a new key must produce a new order")
	}
}
