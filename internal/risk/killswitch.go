package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/iamtxena/trade-nexus-sub001/internal/observability"
	"github.com/iamtxena/trade-nexus-sub001/internal/state"
)

// StopDispatcher submits a stop command for a running deployment. The
// command layer implements it; the idempotency key makes the stop
// exactly-once even when concurrent refreshes race past the CAS.
type StopDispatcher interface {
	DispatchStop(ctx context.Context, scope, providerRef, idempotencyKey string) error
}

// DeploymentStatus is one live deployment as reported by the provider.
type DeploymentStatus struct {
	Scope              string
	ProviderRef        string
	Capital            float64
	PnlAdjustedCapital float64
}

// PositionSource lists deployments the monitor should watch.
type PositionSource interface {
	ActiveDeployments(ctx context.Context) ([]DeploymentStatus, error)
}

// Monitor evaluates realized drawdown on every status refresh and trips the
// policy kill switch when the limit is exceeded. The trigger is a
// compare-and-swap on the policy revision so concurrent evaluations cannot
// race to an inconsistent state.
type Monitor struct {
	store   state.Store
	stopper StopDispatcher
}

func NewMonitor(store state.Store, stopper StopDispatcher) *Monitor {
	return &Monitor{store: store, stopper: stopper}
}

// RefreshDeployment computes the drawdown for one deployment and triggers
// the kill switch when it exceeds the policy limit. Returns true when this
// call won the trigger.
func (m *Monitor) RefreshDeployment(ctx context.Context, status DeploymentStatus) (bool, error) {
	if status.Capital <= 0 {
		return false, fmt.Errorf("deployment %s: capital must be positive", status.ProviderRef)
	}
	rec, ok, err := m.store.GetPolicy(ctx, status.Scope)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, m.recordUnavailable(ctx, status, "no policy configured for scope")
	}
	policy, err := Parse([]byte(rec.Document))
	if err != nil {
		return false, m.recordUnavailable(ctx, status, err.Error())
	}
	drawdownPct := (status.Capital - status.PnlAdjustedCapital) / status.Capital * 100

	breached := policy.Limits.MaxDrawdownPct > 0 && drawdownPct > policy.Limits.MaxDrawdownPct
	dec := Decision{
		Approved:      !breached,
		OutcomeCode:   OutcomeApproved,
		PolicyVersion: policy.Version,
		PolicyMode:    policy.Mode,
	}
	if breached {
		dec.OutcomeCode = OutcomeLimitBreach
		dec.Reason = fmt.Sprintf("drawdown %.2f%% exceeds max drawdown %.2f%%", drawdownPct, policy.Limits.MaxDrawdownPct)
	}
	meta := map[string]any{
		"provider_ref":         status.ProviderRef,
		"capital":              status.Capital,
		"pnl_adjusted_capital": status.PnlAdjustedCapital,
		"drawdown_pct":         drawdownPct,
	}
	metaJSON, _ := json.Marshal(meta)
	if _, err := m.store.AppendRiskDecision(ctx, state.RiskDecisionRecord{
		Scope:         status.Scope,
		CheckType:     CheckDrawdownType,
		Decision:      dec.label(),
		PolicyVersion: dec.PolicyVersion,
		PolicyMode:    dec.PolicyMode,
		OutcomeCode:   dec.OutcomeCode,
		Reason:        dec.Reason,
		Metadata:      string(metaJSON),
	}); err != nil {
		return false, fmt.Errorf("append drawdown decision: %w", err)
	}
	observability.RiskDecisionsTotal.WithLabelValues(CheckDrawdownType, dec.label()).Inc()

	if !breached || rec.KillSwitchTriggered {
		return false, nil
	}

	triggered := rec
	triggered.KillSwitchTriggered = true
	triggered.KillSwitchAt = time.Now().UTC()
	triggered.BreachReason = dec.Reason
	won, err := m.store.SwapPolicy(ctx, triggered, rec.Revision)
	if err != nil {
		return false, err
	}
	if !won {
		// A concurrent refresh tripped the switch first; its stop dispatch
		// covers this deployment via the shared idempotency key.
		return false, nil
	}
	observability.KillSwitchState.WithLabelValues(status.Scope).Set(1)
	log.Printf("kill switch triggered for scope %s: %s", status.Scope, dec.Reason)

	if m.stopper != nil && status.ProviderRef != "" {
		idemKey := fmt.Sprintf("killswitch-stop:%s:%s", status.Scope, status.ProviderRef)
		if err := m.stopper.DispatchStop(ctx, status.Scope, status.ProviderRef, idemKey); err != nil {
			return true, fmt.Errorf("dispatch kill-switch stop: %w", err)
		}
	}
	return true, nil
}

// recordUnavailable audits a refresh that could not be evaluated. The
// drawdown check has the same no-silent-drops contract as the pre-trade
// gate: a missing or unparseable policy still leaves a decision record.
func (m *Monitor) recordUnavailable(ctx context.Context, status DeploymentStatus, reason string) error {
	metaJSON, _ := json.Marshal(map[string]any{
		"provider_ref":         status.ProviderRef,
		"capital":              status.Capital,
		"pnl_adjusted_capital": status.PnlAdjustedCapital,
	})
	if _, err := m.store.AppendRiskDecision(ctx, state.RiskDecisionRecord{
		Scope:       status.Scope,
		CheckType:   CheckDrawdownType,
		Decision:    "blocked",
		OutcomeCode: OutcomePolicyUnavailable,
		Reason:      reason,
		Metadata:    string(metaJSON),
	}); err != nil {
		return fmt.Errorf("append drawdown decision: %w", err)
	}
	observability.RiskDecisionsTotal.WithLabelValues(CheckDrawdownType, "blocked").Inc()
	return nil
}

// Reset clears a triggered kill switch. Operator action only; there is no
// automatic un-trigger.
func (m *Monitor) Reset(ctx context.Context, scope string) error {
	for attempt := 0; attempt < 3; attempt++ {
		rec, ok, err := m.store.GetPolicy(ctx, scope)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no policy configured for scope %s", scope)
		}
		if !rec.KillSwitchTriggered {
			return nil
		}
		cleared := rec
		cleared.KillSwitchTriggered = false
		cleared.KillSwitchAt = time.Time{}
		cleared.BreachReason = ""
		won, err := m.store.SwapPolicy(ctx, cleared, rec.Revision)
		if err != nil {
			return err
		}
		if won {
			observability.KillSwitchState.WithLabelValues(scope).Set(0)
			log.Printf("kill switch reset for scope %s", scope)
			return nil
		}
	}
	return errors.New("kill switch reset lost repeated revision races")
}

// Run polls the position source on a fixed interval until the context ends.
func (m *Monitor) Run(ctx context.Context, source PositionSource, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			deployments, err := source.ActiveDeployments(ctx)
			if err != nil {
				log.Printf("kill-switch monitor: list deployments: %v", err)
				continue
			}
			for _, d := range deployments {
				if _, err := m.RefreshDeployment(ctx, d); err != nil {
					log.Printf("kill-switch monitor: refresh %s: %v", d.ProviderRef, err)
				}
			}
		}
	}
}
