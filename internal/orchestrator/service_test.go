package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/iamtxena/trade-nexus-sub001/internal/state"
)

func newTestService() (*Service, state.Store, state.Queue) {
	store := state.NewMemoryStore()
	queue := state.NewMemoryQueue()
	return NewService(store, queue), store, queue
}

func TestAdmitEnqueueClaim(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	run, err := svc.AdmitRun(ctx, "acme", "u1", 3, TransitionMeta{RequestID: "req-1"})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if run.State != StateReceived {
		t.Fatalf("admitted run should be received, got %s", run.State)
	}

	if _, err := svc.EnqueueRun(ctx, "acme", run.RunID, TransitionMeta{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, claim, err := svc.ClaimNext(ctx, "w1", 30*time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.RunID != run.RunID {
		t.Fatalf("claimed wrong run: %s", claimed.RunID)
	}
	if claimed.State != StateExecuting {
		t.Fatalf("claimed run should be executing, got %s", claimed.State)
	}
	if claim.Receipt == "" {
		t.Fatal("claim missing receipt")
	}
}

func TestClaimOrderIsDeterministic(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	// Same enqueue time, different priorities: lower priority value wins.
	now := time.Now().UTC()
	mk := func(id string, prio int) {
		if err := store.CreateRun(ctx, state.RunRecord{RunID: id, Tenant: "acme", State: StateReceived, Priority: prio}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
		if err := store.UpdateRun(ctx, state.RunRecord{RunID: id, Tenant: "acme", State: StateQueued, Priority: prio, EnqueuedAt: now}); err != nil {
			t.Fatalf("update %s: %v", id, err)
		}
		if err := svc.queue.Enqueue(ctx, state.QueueItem{Ref: state.RunRef{Tenant: "acme", RunID: id}, Priority: prio, EnqueuedAt: now}); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	mk("run-b", 5)
	mk("run-a", 1)
	mk("run-c", 1)

	want := []string{"run-a", "run-c", "run-b"}
	for i, expected := range want {
		run, _, err := svc.ClaimNext(ctx, "w1", 30*time.Second)
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if run.RunID != expected {
			t.Fatalf("claim %d: got %s, want %s", i, run.RunID, expected)
		}
	}

	if _, _, err := svc.ClaimNext(ctx, "w1", 30*time.Second); !errors.Is(err, ErrEmptyQueue) {
		t.Fatalf("expected ErrEmptyQueue, got %v", err)
	}
}

func TestClaimSkipsCancelledRuns(t *testing.T) {
	svc, _, queue := newTestService()
	ctx := context.Background()

	first, err := svc.AdmitRun(ctx, "acme", "", 3, TransitionMeta{})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if _, err := svc.EnqueueRun(ctx, "acme", first.RunID, TransitionMeta{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	second, err := svc.AdmitRun(ctx, "acme", "", 3, TransitionMeta{})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if _, err := svc.EnqueueRun(ctx, "acme", second.RunID, TransitionMeta{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	cancelled, err := svc.Cancel(ctx, "acme", first.RunID, "changed_mind", TransitionMeta{})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.State != StateCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.State)
	}

	run, _, err := svc.ClaimNext(ctx, "w1", 30*time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if run.RunID != second.RunID {
		t.Fatalf("claimed cancelled run %s", run.RunID)
	}

	depth, err := queue.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 0 {
		t.Fatalf("queue should be drained, depth=%d", depth)
	}
}

func TestCancelTerminalRunIsIdempotent(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	run, err := svc.AdmitRun(ctx, "acme", "", 3, TransitionMeta{})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if _, err := svc.Cancel(ctx, "acme", run.RunID, "first", TransitionMeta{}); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	again, err := svc.Cancel(ctx, "acme", run.RunID, "second", TransitionMeta{})
	if err != nil {
		t.Fatalf("second cancel should be a no-op, got %v", err)
	}
	if again.State != StateCancelled {
		t.Fatalf("expected cancelled, got %s", again.State)
	}
	if again.CancellationReason != "first" {
		t.Fatalf("second cancel overwrote the reason: %q", again.CancellationReason)
	}
}

func TestRetryBudgetDeniesAtNextAttemptStart(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()
	budget := Budget{MaxAttempts: 3, MaxFailures: 10, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}

	run, err := svc.AdmitRun(ctx, "acme", "", 3, TransitionMeta{})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if _, err := svc.EnqueueRun(ctx, "acme", run.RunID, TransitionMeta{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, _, err := svc.ClaimNext(ctx, "w1", 30*time.Second); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// maxAttempts = 3 yields exactly three retry decisions. Every failed
	// attempt up to the cap comes back as retry; the deny lands when the
	// next attempt tries to open.
	for i := 1; i <= budget.MaxAttempts; i++ {
		if i > 1 {
			if _, err := svc.machine.Transition(ctx, "acme", run.RunID, StateExecuting, TransitionMeta{}); err != nil {
				t.Fatalf("re-execute before attempt %d: %v", i, err)
			}
		}
		rec, err := svc.StartAttempt(ctx, "acme", run.RunID, budget, TransitionMeta{})
		if err != nil {
			t.Fatalf("start attempt %d: %v", i, err)
		}
		if rec.AttemptNumber != i-1 {
			t.Fatalf("attempt %d: expected %d completed attempts, got %d", i, i-1, rec.AttemptNumber)
		}
		dec, err := svc.OnStepFailure(ctx, "acme", run.RunID, budget, errors.New("provider 503"), TransitionMeta{})
		if err != nil {
			t.Fatalf("failure %d: %v", i, err)
		}
		if dec.Decision != DecisionRetry {
			t.Fatalf("failure %d should retry, got %s (%s)", i, dec.Decision, dec.ReasonCode)
		}
	}

	if _, err := svc.machine.Transition(ctx, "acme", run.RunID, StateExecuting, TransitionMeta{}); err != nil {
		t.Fatalf("re-execute for denied attempt: %v", err)
	}
	rec, err := svc.StartAttempt(ctx, "acme", run.RunID, budget, TransitionMeta{})
	if !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("expected ErrBudgetExhausted, got %v", err)
	}
	if rec.Decision != DecisionDeny || rec.ReasonCode != ReasonMaxAttempts {
		t.Fatalf("expected deny with %s, got %s (%s)", ReasonMaxAttempts, rec.Decision, rec.ReasonCode)
	}

	got, _, err := store.GetRun(ctx, "acme", run.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.State != StateFailed {
		t.Fatalf("denied run should be failed, got %s", got.State)
	}

	events, err := store.ListTraceEvents(ctx, state.TraceQuery{Tenant: "acme", RunID: run.RunID, EventType: "retry_scheduled"})
	if err != nil {
		t.Fatalf("list traces: %v", err)
	}
	if len(events) != budget.MaxAttempts {
		t.Fatalf("expected %d retry decisions, got %d", budget.MaxAttempts, len(events))
	}
	terminal, err := store.ListTraceEvents(ctx, state.TraceQuery{Tenant: "acme", RunID: run.RunID, EventType: "retry_terminal_decision"})
	if err != nil {
		t.Fatalf("list traces: %v", err)
	}
	if len(terminal) != 1 {
		t.Fatalf("expected one terminal decision, got %d", len(terminal))
	}
}

func TestMaxFailuresDeniesOnFailure(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()
	budget := Budget{MaxAttempts: 10, MaxFailures: 1, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}

	run, err := svc.AdmitRun(ctx, "acme", "", 3, TransitionMeta{})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if _, err := svc.EnqueueRun(ctx, "acme", run.RunID, TransitionMeta{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, _, err := svc.ClaimNext(ctx, "w1", 30*time.Second); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := svc.StartAttempt(ctx, "acme", run.RunID, budget, TransitionMeta{}); err != nil {
		t.Fatalf("start attempt: %v", err)
	}

	dec, err := svc.OnStepFailure(ctx, "acme", run.RunID, budget, errors.New("provider 503"), TransitionMeta{})
	if err != nil {
		t.Fatalf("failure: %v", err)
	}
	if dec.Decision != DecisionDeny || dec.ReasonCode != ReasonMaxFailures {
		t.Fatalf("expected deny with %s, got %s (%s)", ReasonMaxFailures, dec.Decision, dec.ReasonCode)
	}

	got, _, err := store.GetRun(ctx, "acme", run.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.State != StateFailed {
		t.Fatalf("denied run should be failed, got %s", got.State)
	}
}

func TestResumeRequiresWaitState(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	run, err := svc.AdmitRun(ctx, "acme", "", 3, TransitionMeta{})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if _, err := svc.Resume(ctx, "acme", run.RunID, TransitionMeta{}); err == nil {
		t.Fatal("resume of a received run must fail")
	}
}
