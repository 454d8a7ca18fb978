package command

import (
	"context"
	"fmt"
	"time"

	"github.com/iamtxena/trade-nexus-sub001/internal/adapter"
	"github.com/iamtxena/trade-nexus-sub001/internal/observability"
	"github.com/iamtxena/trade-nexus-sub001/internal/risk"
	"github.com/iamtxena/trade-nexus-sub001/internal/state"
)

const (
	StatusPending    = "pending"
	StatusDispatched = "dispatched"
	StatusRejected   = "rejected"
)

type IdempotencyConflictError struct {
	Key string
}

func (e *IdempotencyConflictError) Error() string {
	return fmt.Sprintf("idempotency key %s reused with a different payload", e.Key)
}

// BlockedError is a deterministic pre-trade rejection. No side effect was
// attempted.
type BlockedError struct {
	OutcomeCode string
	Reason      string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("command blocked (%s): %s", e.OutcomeCode, e.Reason)
}

type Result struct {
	Status      string
	OutcomeCode string
	Reason      string
	ProviderRef string
	Replayed    bool
}

// Dispatcher runs the side-effect pipeline: idempotency record, risk gate,
// then exactly one adapter call per unique idempotency key.
type Dispatcher struct {
	store   state.Store
	gate    *risk.Gate
	adapter adapter.ExecutionAdapter
	timeout time.Duration
}

func NewDispatcher(store state.Store, gate *risk.Gate, execAdapter adapter.ExecutionAdapter, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{store: store, gate: gate, adapter: execAdapter, timeout: timeout}
}

type DispatchInput struct {
	RequestID      string
	UserID         string
	IdempotencyKey string
}

func (d *Dispatcher) Dispatch(ctx context.Context, in DispatchInput, cmd Command) (Result, error) {
	observability.CommandsAttemptedTotal.WithLabelValues(cmd.Type()).Inc()

	scope, runID := commandScope(cmd)
	payload := PayloadJSON(cmd)
	hash := PayloadHash(cmd)
	rec, created, err := d.store.InsertCommand(ctx, state.CommandRecord{
		Tenant:         scope,
		IdempotencyKey: in.IdempotencyKey,
		RunID:          runID,
		CommandType:    cmd.Type(),
		PayloadHash:    hash,
		Payload:        payload,
		Status:         StatusPending,
	})
	if err != nil {
		return Result{}, fmt.Errorf("insert command record: %w", err)
	}
	if !created {
		if rec.PayloadHash != hash {
			observability.IdempotencyConflictsTotal.Inc()
			return Result{}, &IdempotencyConflictError{Key: in.IdempotencyKey}
		}
		switch rec.Status {
		case StatusDispatched:
			observability.CommandReplaysTotal.WithLabelValues(cmd.Type()).Inc()
			return Result{Status: rec.Status, OutcomeCode: rec.OutcomeCode, Reason: rec.Reason, ProviderRef: rec.ProviderRef, Replayed: true}, nil
		case StatusRejected:
			observability.CommandReplaysTotal.WithLabelValues(cmd.Type()).Inc()
			return Result{Status: rec.Status, OutcomeCode: rec.OutcomeCode, Reason: rec.Reason, Replayed: true},
				&BlockedError{OutcomeCode: rec.OutcomeCode, Reason: rec.Reason}
		}
		// Pending with a matching hash: a previous attempt died before the
		// adapter answered. Fall through and re-attempt; the provider dedupes
		// by idempotency key.
	}

	dec, gated, err := d.gateCheck(ctx, in, cmd)
	if err != nil {
		return Result{}, err
	}
	if gated && !dec.Approved {
		rec.Status = StatusRejected
		rec.OutcomeCode = dec.OutcomeCode
		rec.Reason = dec.Reason
		if err := d.store.UpdateCommand(ctx, rec); err != nil {
			return Result{}, fmt.Errorf("record rejection: %w", err)
		}
		observability.CommandsRejectedTotal.WithLabelValues(cmd.Type(), dec.OutcomeCode).Inc()
		return Result{Status: StatusRejected, OutcomeCode: dec.OutcomeCode, Reason: dec.Reason},
			&BlockedError{OutcomeCode: dec.OutcomeCode, Reason: dec.Reason}
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	res, err := d.callAdapter(callCtx, cmd, in.IdempotencyKey)
	if err != nil {
		// Leave the record pending so a retry of the same key re-attempts
		// the adapter instead of replaying a result that never existed.
		return Result{}, fmt.Errorf("adapter dispatch: %w", err)
	}

	rec.Status = StatusDispatched
	rec.OutcomeCode = risk.OutcomeApproved
	rec.Reason = ""
	rec.ProviderRef = res.ProviderRef
	if err := d.store.UpdateCommand(ctx, rec); err != nil {
		return Result{}, fmt.Errorf("record result: %w", err)
	}
	observability.CommandsDispatchedTotal.WithLabelValues(cmd.Type()).Inc()
	return Result{Status: StatusDispatched, OutcomeCode: risk.OutcomeApproved, ProviderRef: res.ProviderRef}, nil
}

// gateCheck routes every side-effecting command through the risk gate so
// each one leaves a decision record. Stop and cancel reduce risk and must
// stay available while the kill switch is active; the gate records them as
// always approved instead of evaluating limits.
func (d *Dispatcher) gateCheck(ctx context.Context, in DispatchInput, cmd Command) (risk.Decision, bool, error) {
	switch c := cmd.(type) {
	case CreateDeployment:
		dec, err := d.gate.CheckDeployment(ctx, risk.DeploymentCheck{
			Scope:           c.Scope,
			RequestID:       in.RequestID,
			UserID:          in.UserID,
			ProposedCapital: c.Capital,
			CurrentExposure: c.CurrentExposure,
			AccountEquity:   c.AccountEquity,
		})
		return dec, true, err
	case PlaceOrder:
		dec, err := d.gate.CheckOrder(ctx, risk.OrderCheck{
			Scope:          c.Scope,
			RequestID:      in.RequestID,
			UserID:         in.UserID,
			Symbol:         c.Symbol,
			Notional:       c.Qty * c.Price,
			DailyLossSoFar: c.DailyLossSoFar,
			ReferencePrice: c.Price,
			AccountEquity:  c.AccountEquity,
		})
		return dec, true, err
	case StopDeployment:
		dec, err := d.gate.ApproveReduction(ctx, risk.ReductionCheck{
			Scope:       c.Scope,
			RequestID:   in.RequestID,
			UserID:      in.UserID,
			CheckType:   risk.CheckStopType,
			ProviderRef: c.ProviderRef,
		})
		return dec, true, err
	case CancelOrder:
		dec, err := d.gate.ApproveReduction(ctx, risk.ReductionCheck{
			Scope:       c.Scope,
			RequestID:   in.RequestID,
			UserID:      in.UserID,
			CheckType:   risk.CheckCancelType,
			ProviderRef: c.ProviderRef,
		})
		return dec, true, err
	default:
		return risk.Decision{}, false, fmt.Errorf("unknown command type %q", cmd.Type())
	}
}

func (d *Dispatcher) callAdapter(ctx context.Context, cmd Command, idempotencyKey string) (adapter.Result, error) {
	switch c := cmd.(type) {
	case CreateDeployment:
		return d.adapter.CreateDeployment(ctx, adapter.DeployRequest{
			Scope:       c.Scope,
			StrategyRef: c.StrategyRef,
			Capital:     c.Capital,
		}, idempotencyKey)
	case StopDeployment:
		return d.adapter.StopDeployment(ctx, c.Scope, c.ProviderRef, idempotencyKey)
	case PlaceOrder:
		return d.adapter.PlaceOrder(ctx, adapter.OrderRequest{
			Scope:  c.Scope,
			Symbol: c.Symbol,
			Side:   c.Side,
			Qty:    c.Qty,
			Price:  c.Price,
		}, idempotencyKey)
	case CancelOrder:
		return d.adapter.CancelOrder(ctx, c.Scope, c.ProviderRef, idempotencyKey)
	default:
		return adapter.Result{}, fmt.Errorf("unknown command type %q", cmd.Type())
	}
}

func commandScope(cmd Command) (scope, runID string) {
	switch c := cmd.(type) {
	case CreateDeployment:
		return c.Scope, c.RunID
	case StopDeployment:
		return c.Scope, c.RunID
	case PlaceOrder:
		return c.Scope, c.RunID
	case CancelOrder:
		return c.Scope, c.RunID
	default:
		return "", ""
	}
}

// DispatchStop lets the kill-switch monitor force a deployment stop through
// the same idempotent pipeline as operator-issued stops.
func (d *Dispatcher) DispatchStop(ctx context.Context, scope, providerRef, idempotencyKey string) error {
	_, err := d.Dispatch(ctx, DispatchInput{IdempotencyKey: idempotencyKey}, StopDeployment{
		Scope:       scope,
		ProviderRef: providerRef,
	})
	return err
}
