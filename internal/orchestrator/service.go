package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/iamtxena/trade-nexus-sub001/internal/observability"
	"github.com/iamtxena/trade-nexus-sub001/internal/state"
)

var ErrEmptyQueue = errors.New("no queued runs eligible for dispatch")

// ErrBudgetExhausted is returned by StartAttempt when the retry budget
// denies another attempt. The run has already been moved to failed.
var ErrBudgetExhausted = errors.New("retry budget exhausted")

// Service owns run admission, queue ordering, cancellation, and the retry
// bookkeeping around the pure Decide function.
type Service struct {
	store   state.Store
	queue   state.Queue
	machine *Machine
}

func NewService(store state.Store, queue state.Queue) *Service {
	return &Service{store: store, queue: queue, machine: NewMachine(store)}
}

func (s *Service) Machine() *Machine { return s.machine }

// AdmitRun creates a run in the received state.
func (s *Service) AdmitRun(ctx context.Context, tenant, userID string, priority int, meta TransitionMeta) (state.RunRecord, error) {
	run := state.RunRecord{
		RunID:    uuid.NewString(),
		Tenant:   tenant,
		UserID:   userID,
		State:    StateReceived,
		Priority: priority,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return state.RunRecord{}, err
	}
	if _, err := s.store.AppendTraceEvent(ctx, state.TraceEventRecord{
		Tenant:    tenant,
		RunID:     run.RunID,
		EventType: "run_admitted",
		RequestID: meta.RequestID,
		UserID:    userID,
		Metadata:  fmt.Sprintf(`{"priority":%d}`, priority),
	}); err != nil {
		return state.RunRecord{}, fmt.Errorf("append admission trace: %w", err)
	}
	stored, _, err := s.store.GetRun(ctx, tenant, run.RunID)
	if err != nil {
		return state.RunRecord{}, err
	}
	return stored, nil
}

// EnqueueRun moves a received run into the queue.
func (s *Service) EnqueueRun(ctx context.Context, tenant, runID string, meta TransitionMeta) (state.RunRecord, error) {
	run, err := s.machine.Transition(ctx, tenant, runID, StateQueued, meta)
	if err != nil {
		return state.RunRecord{}, err
	}
	if run.EnqueuedAt.IsZero() {
		run.EnqueuedAt = time.Now().UTC()
		if err := s.store.UpdateRun(ctx, run); err != nil {
			return state.RunRecord{}, err
		}
	}
	if err := s.queue.Enqueue(ctx, state.QueueItem{
		Ref:        state.RunRef{Tenant: tenant, RunID: runID},
		Priority:   run.Priority,
		EnqueuedAt: run.EnqueuedAt,
	}); err != nil {
		return state.RunRecord{}, fmt.Errorf("enqueue run: %w", err)
	}
	return run, nil
}

// ClaimDirect walks an admitted run straight to executing for the
// synchronous submit path. The run never enters the shared queue, so a
// background worker cannot race the caller for it.
func (s *Service) ClaimDirect(ctx context.Context, tenant, runID string, meta TransitionMeta) (state.RunRecord, error) {
	run, err := s.machine.Transition(ctx, tenant, runID, StateQueued, meta)
	if err != nil {
		return state.RunRecord{}, err
	}
	if run.EnqueuedAt.IsZero() {
		run.EnqueuedAt = time.Now().UTC()
		if err := s.store.UpdateRun(ctx, run); err != nil {
			return state.RunRecord{}, err
		}
	}
	return s.machine.Transition(ctx, tenant, runID, StateExecuting, meta)
}

// ClaimNext hands the next eligible run to consumer and moves it to
// executing. Runs cancelled while queued are acked and skipped.
func (s *Service) ClaimNext(ctx context.Context, consumer string, visibilityTimeout time.Duration) (state.RunRecord, state.QueueClaim, error) {
	for {
		claims, err := s.queue.Claim(ctx, 1, consumer, visibilityTimeout)
		if err != nil {
			return state.RunRecord{}, state.QueueClaim{}, err
		}
		if len(claims) == 0 {
			return state.RunRecord{}, state.QueueClaim{}, ErrEmptyQueue
		}
		claim := claims[0]
		ref := claim.Item.Ref
		run, ok, err := s.store.GetRun(ctx, ref.Tenant, ref.RunID)
		if err != nil {
			return state.RunRecord{}, state.QueueClaim{}, err
		}
		if !ok || IsTerminal(run.State) {
			if err := s.queue.Ack(ctx, []state.QueueClaim{claim}); err != nil {
				return state.RunRecord{}, state.QueueClaim{}, err
			}
			continue
		}
		run, err = s.machine.Transition(ctx, ref.Tenant, ref.RunID, StateExecuting, TransitionMeta{StepLabel: run.StepLabel})
		if err != nil {
			_ = s.queue.Nack(ctx, []state.QueueClaim{claim}, "transition_failed")
			return state.RunRecord{}, state.QueueClaim{}, err
		}
		return run, claim, nil
	}
}

// Suspend parks an executing run in a wait state and releases the worker
// slot. waitState must be awaiting_tool or awaiting_user_confirmation.
func (s *Service) Suspend(ctx context.Context, tenant, runID, waitState string, meta TransitionMeta) (state.RunRecord, error) {
	if waitState != StateAwaitingTool && waitState != StateAwaitingUserConfirmation {
		return state.RunRecord{}, fmt.Errorf("invalid wait state %q", waitState)
	}
	return s.machine.Transition(ctx, tenant, runID, waitState, meta)
}

// Resume re-enters a suspended run into scheduling. The state stays in the
// wait state until a worker claims it; the claim performs the
// awaiting -> executing transition.
func (s *Service) Resume(ctx context.Context, tenant, runID string, meta TransitionMeta) (state.RunRecord, error) {
	run, ok, err := s.store.GetRun(ctx, tenant, runID)
	if err != nil {
		return state.RunRecord{}, err
	}
	if !ok {
		return state.RunRecord{}, fmt.Errorf("run %s not found", runID)
	}
	if run.State != StateAwaitingTool && run.State != StateAwaitingUserConfirmation {
		return state.RunRecord{}, &InvalidTransitionError{RunID: runID, From: run.State, To: StateExecuting}
	}
	if _, err := s.store.AppendTraceEvent(ctx, state.TraceEventRecord{
		Tenant:    tenant,
		RunID:     runID,
		EventType: "run_resumed",
		RequestID: meta.RequestID,
		UserID:    meta.UserID,
		StepLabel: meta.StepLabel,
	}); err != nil {
		return state.RunRecord{}, fmt.Errorf("append resume trace: %w", err)
	}
	if err := s.queue.Enqueue(ctx, state.QueueItem{
		Ref:        state.RunRef{Tenant: tenant, RunID: runID},
		Priority:   run.Priority,
		EnqueuedAt: time.Now().UTC(),
	}); err != nil {
		return state.RunRecord{}, fmt.Errorf("enqueue resumed run: %w", err)
	}
	return run, nil
}

// Complete marks a run completed.
func (s *Service) Complete(ctx context.Context, tenant, runID string, meta TransitionMeta) (state.RunRecord, error) {
	return s.machine.Transition(ctx, tenant, runID, StateCompleted, meta)
}

// Fail marks a run failed.
func (s *Service) Fail(ctx context.Context, tenant, runID string, meta TransitionMeta) (state.RunRecord, error) {
	return s.machine.Transition(ctx, tenant, runID, StateFailed, meta)
}

// Cancel is authoritative for orchestrator state. A queued run is pulled
// from the queue so it never reaches executing; cancelling a terminal run
// returns the terminal state without error.
func (s *Service) Cancel(ctx context.Context, tenant, runID, reason string, meta TransitionMeta) (state.RunRecord, error) {
	run, ok, err := s.store.GetRun(ctx, tenant, runID)
	if err != nil {
		return state.RunRecord{}, err
	}
	if !ok {
		return state.RunRecord{}, fmt.Errorf("run %s not found", runID)
	}
	if IsTerminal(run.State) {
		return run, nil
	}
	if run.State == StateQueued {
		if _, err := s.queue.Remove(ctx, state.RunRef{Tenant: tenant, RunID: runID}); err != nil {
			return state.RunRecord{}, fmt.Errorf("remove queued run: %w", err)
		}
	}
	meta.Reason = reason
	return s.machine.Transition(ctx, tenant, runID, StateCancelled, meta)
}

// StartAttempt opens a retryable step attempt. AttemptNumber counts
// completed attempts, so the budget check runs before the attempt is
// consumed: when the count has reached maxAttempts the deny is recorded
// here, the run fails, and ErrBudgetExhausted comes back instead of an
// attempt.
func (s *Service) StartAttempt(ctx context.Context, tenant, runID string, budget Budget, meta TransitionMeta) (state.RetryRecord, error) {
	rec, ok, err := s.store.GetRetry(ctx, tenant, runID)
	if err != nil {
		return state.RetryRecord{}, err
	}
	if !ok {
		rec = state.RetryRecord{
			Tenant:      tenant,
			RunID:       runID,
			MaxAttempts: budget.MaxAttempts,
			MaxFailures: budget.MaxFailures,
		}
	}
	decision := Decide(rec, budget)
	if decision.Decision == DecisionDeny {
		rec.Decision = decision.Decision
		rec.ReasonCode = decision.ReasonCode
		if err := s.store.PutRetry(ctx, rec); err != nil {
			return state.RetryRecord{}, err
		}
		observability.RetryDecisionsTotal.WithLabelValues(decision.Decision, decision.ReasonCode).Inc()
		if _, err := s.store.AppendTraceEvent(ctx, state.TraceEventRecord{
			Tenant:    tenant,
			RunID:     runID,
			EventType: "retry_terminal_decision",
			RequestID: meta.RequestID,
			UserID:    meta.UserID,
			StepLabel: meta.StepLabel,
			Metadata:  fmt.Sprintf(`{"reason_code":%q}`, decision.ReasonCode),
		}); err != nil {
			return state.RetryRecord{}, fmt.Errorf("append terminal trace: %w", err)
		}
		failMeta := meta
		failMeta.Message = decision.ReasonCode
		if _, err := s.machine.Transition(ctx, tenant, runID, StateFailed, failMeta); err != nil {
			return state.RetryRecord{}, err
		}
		return rec, fmt.Errorf("%w: %s", ErrBudgetExhausted, decision.ReasonCode)
	}
	if err := s.store.PutRetry(ctx, rec); err != nil {
		return state.RetryRecord{}, err
	}
	if _, err := s.store.AppendTraceEvent(ctx, state.TraceEventRecord{
		Tenant:    tenant,
		RunID:     runID,
		EventType: "retry_attempt_started",
		RequestID: meta.RequestID,
		UserID:    meta.UserID,
		StepLabel: meta.StepLabel,
		Metadata:  fmt.Sprintf(`{"attempt":%d}`, rec.AttemptNumber+1),
	}); err != nil {
		return state.RetryRecord{}, fmt.Errorf("append attempt trace: %w", err)
	}
	return rec, nil
}

// RecordSuccess closes out a successful attempt.
func (s *Service) RecordSuccess(ctx context.Context, tenant, runID string, meta TransitionMeta) error {
	if _, err := s.store.AppendTraceEvent(ctx, state.TraceEventRecord{
		Tenant:    tenant,
		RunID:     runID,
		EventType: "retry_success",
		RequestID: meta.RequestID,
		UserID:    meta.UserID,
		StepLabel: meta.StepLabel,
	}); err != nil {
		return fmt.Errorf("append success trace: %w", err)
	}
	return nil
}

// OnStepFailure records a failure, consults the budget, and either parks
// the run in awaiting_tool behind a backoff timer or fails it terminally.
func (s *Service) OnStepFailure(ctx context.Context, tenant, runID string, budget Budget, cause error, meta TransitionMeta) (RetryDecision, error) {
	rec, ok, err := s.store.GetRetry(ctx, tenant, runID)
	if err != nil {
		return RetryDecision{}, err
	}
	if !ok {
		rec = state.RetryRecord{
			Tenant:      tenant,
			RunID:       runID,
			MaxAttempts: budget.MaxAttempts,
			MaxFailures: budget.MaxFailures,
		}
	}
	rec.FailureCount++

	causeText := ""
	if cause != nil {
		causeText = cause.Error()
	}
	metaJSON, _ := json.Marshal(map[string]any{"failure_count": rec.FailureCount, "cause": causeText})
	if _, err := s.store.AppendTraceEvent(ctx, state.TraceEventRecord{
		Tenant:    tenant,
		RunID:     runID,
		EventType: "retry_failure_recorded",
		RequestID: meta.RequestID,
		UserID:    meta.UserID,
		StepLabel: meta.StepLabel,
		Metadata:  string(metaJSON),
	}); err != nil {
		return RetryDecision{}, fmt.Errorf("append failure trace: %w", err)
	}

	decision := Decide(rec, budget)
	rec.Decision = decision.Decision
	rec.ReasonCode = decision.ReasonCode
	rec.BackoffMillis = decision.Delay.Milliseconds()
	if decision.Decision == DecisionRetry {
		// The failed attempt is consumed here, after deciding, so a run
		// under maxAttempts = 3 gets three retry decisions before the
		// fourth, denying one at the next StartAttempt.
		rec.AttemptNumber++
	}
	if err := s.store.PutRetry(ctx, rec); err != nil {
		return RetryDecision{}, err
	}
	observability.RetryDecisionsTotal.WithLabelValues(decision.Decision, decision.ReasonCode).Inc()

	if decision.Decision == DecisionDeny {
		if _, err := s.store.AppendTraceEvent(ctx, state.TraceEventRecord{
			Tenant:    tenant,
			RunID:     runID,
			EventType: "retry_terminal_decision",
			RequestID: meta.RequestID,
			UserID:    meta.UserID,
			StepLabel: meta.StepLabel,
			Metadata:  fmt.Sprintf(`{"reason_code":%q}`, decision.ReasonCode),
		}); err != nil {
			return RetryDecision{}, fmt.Errorf("append terminal trace: %w", err)
		}
		failMeta := meta
		failMeta.Message = decision.ReasonCode
		if _, err := s.machine.Transition(ctx, tenant, runID, StateFailed, failMeta); err != nil {
			return RetryDecision{}, err
		}
		return decision, nil
	}

	if _, err := s.store.AppendTraceEvent(ctx, state.TraceEventRecord{
		Tenant:    tenant,
		RunID:     runID,
		EventType: "retry_scheduled",
		RequestID: meta.RequestID,
		UserID:    meta.UserID,
		StepLabel: meta.StepLabel,
		Metadata:  `{"delay_ms":` + strconv.FormatInt(decision.Delay.Milliseconds(), 10) + `}`,
	}); err != nil {
		return RetryDecision{}, fmt.Errorf("append schedule trace: %w", err)
	}
	if _, err := s.machine.Transition(ctx, tenant, runID, StateAwaitingTool, meta); err != nil {
		return RetryDecision{}, err
	}
	s.scheduleResume(tenant, runID, decision.Delay)
	return decision, nil
}

// scheduleResume re-enqueues the run once its backoff expires. A run
// cancelled during the wait is skipped at claim time.
func (s *Service) scheduleResume(tenant, runID string, delay time.Duration) {
	time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = s.Resume(ctx, tenant, runID, TransitionMeta{StepLabel: "backoff_expired"})
	})
}
