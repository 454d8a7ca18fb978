package state

import (
	"sort"
	"testing"
	"time"
)

func TestEncodeQueueItemSortsLikeComparator(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	items := []QueueItem{
		{Ref: RunRef{Tenant: "acme", RunID: "r-high"}, Priority: 100, EnqueuedAt: base},
		{Ref: RunRef{Tenant: "acme", RunID: "r-neg"}, Priority: -1, EnqueuedAt: base},
		{Ref: RunRef{Tenant: "acme", RunID: "r-mid"}, Priority: 5, EnqueuedAt: base},
		{Ref: RunRef{Tenant: "acme", RunID: "r-big"}, Priority: 1000, EnqueuedAt: base},
		{Ref: RunRef{Tenant: "acme", RunID: "r-mid-late"}, Priority: 5, EnqueuedAt: base.Add(time.Second)},
	}

	members := make([]string, len(items))
	for i, it := range items {
		members[i] = encodeQueueItem(it)
	}
	sort.Strings(members)

	want := []string{"r-neg", "r-mid", "r-mid-late", "r-high", "r-big"}
	for i, member := range members {
		item, ok := decodeQueueItem(member)
		if !ok {
			t.Fatalf("decode %q failed", member)
		}
		if item.Ref.RunID != want[i] {
			t.Fatalf("position %d: got %s, want %s (members %v)", i, item.Ref.RunID, want[i], members)
		}
	}
}

func TestQueueItemEncodingRoundTrip(t *testing.T) {
	item := QueueItem{
		Ref:        RunRef{Tenant: "acme", RunID: "run-1"},
		Priority:   -42,
		EnqueuedAt: time.Date(2026, 8, 1, 12, 0, 0, 123456789, time.UTC),
	}
	decoded, ok := decodeQueueItem(encodeQueueItem(item))
	if !ok {
		t.Fatal("decode failed")
	}
	if decoded.Ref != item.Ref || decoded.Priority != item.Priority || !decoded.EnqueuedAt.Equal(item.EnqueuedAt) {
		t.Fatalf("round trip mismatch: %+v vs %+v", decoded, item)
	}
}

func TestEncodeQueueItemClampsOutOfRangePriority(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	over := encodeQueueItem(QueueItem{Ref: RunRef{Tenant: "acme", RunID: "r1"}, Priority: priorityMax + 5, EnqueuedAt: base})
	under := encodeQueueItem(QueueItem{Ref: RunRef{Tenant: "acme", RunID: "r2"}, Priority: priorityMin - 5, EnqueuedAt: base})

	if item, ok := decodeQueueItem(over); !ok || item.Priority != priorityMax {
		t.Fatalf("over-range priority should clamp to %d, got %+v", priorityMax, item)
	}
	if item, ok := decodeQueueItem(under); !ok || item.Priority != priorityMin {
		t.Fatalf("under-range priority should clamp to %d, got %+v", priorityMin, item)
	}
	// Both stay seven digits so the member still sorts lexically.
	if len(over) == 0 || len(under) == 0 || over[7] != '|' || under[7] != '|' {
		t.Fatalf("clamped members lost their fixed-width prefix: %q %q", over, under)
	}
}
