package state

import (
	"context"
	"testing"
	"time"
)

func TestMemoryQueueClaimAckNackAndRequeueExpired(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	now := time.Now().UTC()

	_ = q.Enqueue(ctx, QueueItem{Ref: RunRef{Tenant: "acme", RunID: "r1"}, Priority: 3, EnqueuedAt: now})
	_ = q.Enqueue(ctx, QueueItem{Ref: RunRef{Tenant: "acme", RunID: "r2"}, Priority: 3, EnqueuedAt: now.Add(time.Millisecond)})

	claims, err := q.Claim(ctx, 2, "w1", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claims) != 2 {
		t.Fatalf("expected 2 claims, got %d", len(claims))
	}

	if err := q.Ack(ctx, []QueueClaim{claims[0]}); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := q.Nack(ctx, []QueueClaim{claims[1]}, "not_ready"); err != nil {
		t.Fatalf("nack: %v", err)
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("nacked item should be back in the queue, depth=%d", depth)
	}

	claims, err = q.Claim(ctx, 1, "w1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(claims) != 1 || claims[0].Item.Ref.RunID != "r2" {
		t.Fatalf("expected to reclaim r2, got %+v", claims)
	}

	// Let the claim expire without an ack; the reaper path must requeue it.
	moved, err := q.RequeueExpired(ctx, time.Now().UTC().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if moved != 1 {
		t.Fatalf("expected 1 expired claim requeued, got %d", moved)
	}
}

func TestMemoryQueueDispatchOrder(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	now := time.Now().UTC()

	_ = q.Enqueue(ctx, QueueItem{Ref: RunRef{Tenant: "acme", RunID: "low"}, Priority: 5, EnqueuedAt: now})
	_ = q.Enqueue(ctx, QueueItem{Ref: RunRef{Tenant: "acme", RunID: "later"}, Priority: 1, EnqueuedAt: now.Add(time.Second)})
	_ = q.Enqueue(ctx, QueueItem{Ref: RunRef{Tenant: "acme", RunID: "bbb"}, Priority: 1, EnqueuedAt: now})
	_ = q.Enqueue(ctx, QueueItem{Ref: RunRef{Tenant: "acme", RunID: "aaa"}, Priority: 1, EnqueuedAt: now})

	want := []string{"aaa", "bbb", "later", "low"}
	claims, err := q.Claim(ctx, len(want), "w1", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claims) != len(want) {
		t.Fatalf("expected %d claims, got %d", len(want), len(claims))
	}
	for i, expected := range want {
		if claims[i].Item.Ref.RunID != expected {
			t.Fatalf("position %d: got %s, want %s", i, claims[i].Item.Ref.RunID, expected)
		}
	}
}

func TestMemoryQueueRemove(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	ref := RunRef{Tenant: "acme", RunID: "r1"}
	_ = q.Enqueue(ctx, QueueItem{Ref: ref, Priority: 3})

	removed, err := q.Remove(ctx, ref)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !removed {
		t.Fatal("expected pending item to be removed")
	}

	// Already gone: removal is a no-op, not an error.
	removed, err = q.Remove(ctx, ref)
	if err != nil {
		t.Fatalf("second remove: %v", err)
	}
	if removed {
		t.Fatal("second remove should report nothing removed")
	}
}
