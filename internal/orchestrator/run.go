package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/iamtxena/trade-nexus-sub001/internal/observability"
	"github.com/iamtxena/trade-nexus-sub001/internal/state"
)

// Run lifecycle states.
const (
	StateReceived                 = "received"
	StateQueued                   = "queued"
	StateExecuting                = "executing"
	StateAwaitingTool             = "awaiting_tool"
	StateAwaitingUserConfirmation = "awaiting_user_confirmation"
	StateCompleted                = "completed"
	StateFailed                   = "failed"
	StateCancelled                = "cancelled"
)

// transitions lists the allowed targets per current state. Self-transitions
// are accepted everywhere and handled as no-ops before this table is
// consulted. Terminal states have no entries: they absorb.
var transitions = map[string][]string{
	StateReceived:                 {StateQueued, StateFailed, StateCancelled},
	StateQueued:                   {StateExecuting, StateFailed, StateCancelled},
	StateExecuting:                {StateAwaitingTool, StateAwaitingUserConfirmation, StateCompleted, StateFailed, StateCancelled},
	StateAwaitingTool:             {StateExecuting, StateFailed, StateCancelled},
	StateAwaitingUserConfirmation: {StateExecuting, StateFailed, StateCancelled},
}

func IsTerminal(s string) bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

type InvalidTransitionError struct {
	RunID string
	From  string
	To    string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("run %s: invalid transition %s -> %s", e.RunID, e.From, e.To)
}

// TransitionMeta carries correlation identity onto the trace event.
type TransitionMeta struct {
	RequestID string
	UserID    string
	StepLabel string
	Message   string
	Reason    string
}

// Machine applies lifecycle transitions. It mutates run state and appends
// trace events; it never calls adapters.
type Machine struct {
	store state.Store
}

func NewMachine(store state.Store) *Machine {
	return &Machine{store: store}
}

// Transition moves a run to target. A self-transition succeeds without
// mutating the record or appending a duplicate trace event.
func (m *Machine) Transition(ctx context.Context, tenant, runID, target string, meta TransitionMeta) (state.RunRecord, error) {
	run, ok, err := m.store.GetRun(ctx, tenant, runID)
	if err != nil {
		return state.RunRecord{}, err
	}
	if !ok {
		return state.RunRecord{}, fmt.Errorf("run %s not found", runID)
	}
	if run.State == target {
		return run, nil
	}
	if !CanTransition(run.State, target) {
		return state.RunRecord{}, &InvalidTransitionError{RunID: runID, From: run.State, To: target}
	}

	from := run.State
	run.State = target
	run.LastTransitionAt = time.Now().UTC()
	if meta.StepLabel != "" {
		run.StepLabel = meta.StepLabel
	}
	if meta.Message != "" {
		run.Message = meta.Message
	}
	if target == StateCancelled && meta.Reason != "" {
		run.CancellationReason = meta.Reason
	}
	if err := m.store.UpdateRun(ctx, run); err != nil {
		return state.RunRecord{}, err
	}

	metaJSON, _ := json.Marshal(map[string]string{"from": from, "to": target})
	if _, err := m.store.AppendTraceEvent(ctx, state.TraceEventRecord{
		Tenant:    tenant,
		RunID:     runID,
		EventType: "state_transition",
		RequestID: meta.RequestID,
		UserID:    meta.UserID,
		StepLabel: meta.StepLabel,
		Metadata:  string(metaJSON),
	}); err != nil {
		return state.RunRecord{}, fmt.Errorf("append transition trace: %w", err)
	}
	observability.RunTransitionsTotal.WithLabelValues(from, target).Inc()
	return run, nil
}
