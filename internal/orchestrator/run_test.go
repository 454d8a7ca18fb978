package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/iamtxena/trade-nexus-sub001/internal/state"
)

func TestTransitionMatrix(t *testing.T) {
	allowed := []struct{ from, to string }{
		{StateReceived, StateQueued},
		{StateReceived, StateFailed},
		{StateReceived, StateCancelled},
		{StateQueued, StateExecuting},
		{StateQueued, StateCancelled},
		{StateExecuting, StateAwaitingTool},
		{StateExecuting, StateAwaitingUserConfirmation},
		{StateExecuting, StateCompleted},
		{StateExecuting, StateFailed},
		{StateExecuting, StateCancelled},
		{StateAwaitingTool, StateExecuting},
		{StateAwaitingTool, StateCancelled},
		{StateAwaitingUserConfirmation, StateExecuting},
		{StateAwaitingUserConfirmation, StateFailed},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to string }{
		{StateReceived, StateExecuting},
		{StateReceived, StateCompleted},
		{StateQueued, StateCompleted},
		{StateQueued, StateAwaitingTool},
		{StateAwaitingTool, StateQueued},
		{StateAwaitingTool, StateCompleted},
		{StateAwaitingUserConfirmation, StateCompleted},
		{StateCompleted, StateExecuting},
		{StateFailed, StateQueued},
		{StateCancelled, StateReceived},
	}
	for _, tc := range denied {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be denied", tc.from, tc.to)
		}
	}
}

func TestTerminalStatesAbsorb(t *testing.T) {
	for _, terminal := range []string{StateCompleted, StateFailed, StateCancelled} {
		if !IsTerminal(terminal) {
			t.Fatalf("%s should be terminal", terminal)
		}
		for _, target := range []string{StateReceived, StateQueued, StateExecuting, StateAwaitingTool} {
			if CanTransition(terminal, target) {
				t.Errorf("terminal %s must not transition to %s", terminal, target)
			}
		}
		// Self-transition stays an accepted no-op even from terminal states.
		if !CanTransition(terminal, terminal) {
			t.Errorf("self-transition from %s should be accepted", terminal)
		}
	}
}

func TestMachineSelfTransitionIsNoOp(t *testing.T) {
	store := state.NewMemoryStore()
	m := NewMachine(store)
	ctx := context.Background()

	run := state.RunRecord{RunID: "r1", Tenant: "acme", State: StateReceived}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	if _, err := m.Transition(ctx, "acme", "r1", StateQueued, TransitionMeta{}); err != nil {
		t.Fatalf("first transition: %v", err)
	}
	before, err := store.ListTraceEvents(ctx, state.TraceQuery{Tenant: "acme", RunID: "r1"})
	if err != nil {
		t.Fatalf("list trace: %v", err)
	}

	got, err := m.Transition(ctx, "acme", "r1", StateQueued, TransitionMeta{})
	if err != nil {
		t.Fatalf("self transition should succeed: %v", err)
	}
	if got.State != StateQueued {
		t.Fatalf("state changed on self transition: %s", got.State)
	}
	after, err := store.ListTraceEvents(ctx, state.TraceQuery{Tenant: "acme", RunID: "r1"})
	if err != nil {
		t.Fatalf("list trace: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("self transition appended a trace event: before=%d after=%d", len(before), len(after))
	}
}

func TestMachineRejectsInvalidTransition(t *testing.T) {
	store := state.NewMemoryStore()
	m := NewMachine(store)
	ctx := context.Background()

	if err := store.CreateRun(ctx, state.RunRecord{RunID: "r1", Tenant: "acme", State: StateReceived}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	_, err := m.Transition(ctx, "acme", "r1", StateCompleted, TransitionMeta{})
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if invalid.From != StateReceived || invalid.To != StateCompleted {
		t.Fatalf("unexpected error detail: %+v", invalid)
	}

	run, _, err := store.GetRun(ctx, "acme", "r1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.State != StateReceived {
		t.Fatalf("rejected transition mutated state to %s", run.State)
	}
}

func TestMachineRecordsCancellationReason(t *testing.T) {
	store := state.NewMemoryStore()
	m := NewMachine(store)
	ctx := context.Background()

	if err := store.CreateRun(ctx, state.RunRecord{RunID: "r1", Tenant: "acme", State: StateQueued}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	run, err := m.Transition(ctx, "acme", "r1", StateCancelled, TransitionMeta{Reason: "user_requested"})
	if err != nil {
		t.Fatalf("cancel transition: %v", err)
	}
	if run.CancellationReason != "user_requested" {
		t.Fatalf("missing cancellation reason, got %q", run.CancellationReason)
	}
}
