package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/iamtxena/trade-nexus-sub001/internal/observability"
)

type memoryInflight struct {
	claim QueueClaim
}

type MemoryQueue struct {
	mu       sync.Mutex
	items    []QueueItem
	inflight map[string]memoryInflight
	counter  uint64
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		items:    make([]QueueItem, 0, 128),
		inflight: make(map[string]memoryInflight),
	}
}

// itemLess is the deterministic dispatch order: priority ascending, then
// enqueue time ascending, then run id lexical.
func itemLess(a, b QueueItem) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.Ref.RunID < b.Ref.RunID
}

func (q *MemoryQueue) Enqueue(_ context.Context, item QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}
	q.items = append(q.items, item)
	sort.SliceStable(q.items, func(i, j int) bool { return itemLess(q.items[i], q.items[j]) })
	observability.QueueDepth.WithLabelValues("memory").Set(float64(len(q.items)))
	return nil
}

func (q *MemoryQueue) Claim(_ context.Context, max int, consumer string, visibilityTimeout time.Duration) ([]QueueClaim, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if max <= 0 {
		max = 1
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 15 * time.Second
	}
	if len(q.items) == 0 {
		return nil, nil
	}
	if max > len(q.items) {
		max = len(q.items)
	}
	now := time.Now().UTC()
	out := make([]QueueClaim, 0, max)
	for i := 0; i < max; i++ {
		item := q.items[0]
		q.items = q.items[1:]
		q.counter++
		receipt := fmt.Sprintf("mem:%s:%d", consumer, q.counter)
		claim := QueueClaim{
			Item:      item,
			Receipt:   receipt,
			ClaimedBy: consumer,
			ClaimedAt: now,
			VisibleAt: now.Add(visibilityTimeout),
		}
		q.inflight[receipt] = memoryInflight{claim: claim}
		out = append(out, claim)
	}
	observability.QueueClaimedTotal.WithLabelValues("memory", consumer).Add(float64(len(out)))
	observability.QueueDepth.WithLabelValues("memory").Set(float64(len(q.items)))
	return out, nil
}

func (q *MemoryQueue) Ack(_ context.Context, claims []QueueClaim) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, c := range claims {
		delete(q.inflight, c.Receipt)
	}
	return nil
}

func (q *MemoryQueue) Nack(_ context.Context, claims []QueueClaim, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	requeued := 0
	for _, c := range claims {
		inflight, ok := q.inflight[c.Receipt]
		if !ok {
			continue
		}
		q.items = append(q.items, inflight.claim.Item)
		delete(q.inflight, c.Receipt)
		requeued++
	}
	if requeued > 0 {
		sort.SliceStable(q.items, func(i, j int) bool { return itemLess(q.items[i], q.items[j]) })
		observability.QueueNackedTotal.WithLabelValues("memory", reason).Add(float64(requeued))
	}
	observability.QueueDepth.WithLabelValues("memory").Set(float64(len(q.items)))
	return nil
}

func (q *MemoryQueue) Remove(_ context.Context, ref RunRef) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item.Ref == ref {
			q.items = append(q.items[:i], q.items[i+1:]...)
			observability.QueueDepth.WithLabelValues("memory").Set(float64(len(q.items)))
			return true, nil
		}
	}
	return false, nil
}

func (q *MemoryQueue) RequeueExpired(_ context.Context, now time.Time, max int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	moved := 0
	for receipt, inflight := range q.inflight {
		if max > 0 && moved >= max {
			break
		}
		if inflight.claim.VisibleAt.After(now) {
			continue
		}
		q.items = append(q.items, inflight.claim.Item)
		delete(q.inflight, receipt)
		moved++
	}
	if moved > 0 {
		sort.SliceStable(q.items, func(i, j int) bool { return itemLess(q.items[i], q.items[j]) })
		observability.QueueExpiredRequeuedTotal.WithLabelValues("memory").Add(float64(moved))
		observability.QueueDepth.WithLabelValues("memory").Set(float64(len(q.items)))
	}
	return moved, nil
}

func (q *MemoryQueue) Depth(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}
