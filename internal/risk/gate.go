package risk

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/iamtxena/trade-nexus-sub001/internal/observability"
	"github.com/iamtxena/trade-nexus-sub001/internal/state"
)

const (
	CheckDeploymentType = "pretrade_deployment"
	CheckOrderType      = "pretrade_order"
	CheckStopType       = "pretrade_stop"
	CheckCancelType     = "pretrade_cancel"
	CheckDrawdownType   = "runtime_drawdown"
)

const (
	OutcomeApproved          = "APPROVED"
	OutcomeLimitBreach       = "RISK_LIMIT_BREACH"
	OutcomeKillSwitchActive  = "KILL_SWITCH_ACTIVE"
	OutcomePolicyUnavailable = "POLICY_UNAVAILABLE"
)

type Decision struct {
	Approved      bool
	OutcomeCode   string
	Reason        string
	PolicyVersion string
	PolicyMode    string
}

func (d Decision) label() string {
	if d.Approved {
		return "approved"
	}
	return "blocked"
}

type DeploymentCheck struct {
	Scope           string
	RequestID       string
	UserID          string
	ProposedCapital float64
	CurrentExposure float64
	AccountEquity   float64
}

type OrderCheck struct {
	Scope          string
	RequestID      string
	UserID         string
	Symbol         string
	Notional       float64
	DailyLossSoFar float64
	ReferencePrice float64
	AccountEquity  float64
}

// Gate evaluates side-effecting commands against the active policy for a
// scope. Kill-switch state is read from the store on every call; a stale
// in-process copy must never grant an approval after a trigger.
type Gate struct {
	store state.Store
}

func NewGate(store state.Store) *Gate {
	return &Gate{store: store}
}

func (g *Gate) CheckDeployment(ctx context.Context, in DeploymentCheck) (Decision, error) {
	policy, rec, dec := g.loadPolicy(ctx, in.Scope)
	if dec == nil {
		d := evaluateDeployment(policy, in)
		dec = &d
	}
	meta := map[string]any{
		"proposed_capital": in.ProposedCapital,
		"current_exposure": in.CurrentExposure,
		"account_equity":   in.AccountEquity,
	}
	if rec.KillSwitchTriggered {
		meta["kill_switch_at"] = rec.KillSwitchAt
	}
	if err := g.record(ctx, in.Scope, in.RequestID, in.UserID, CheckDeploymentType, *dec, meta); err != nil {
		return Decision{}, err
	}
	return *dec, nil
}

func (g *Gate) CheckOrder(ctx context.Context, in OrderCheck) (Decision, error) {
	policy, rec, dec := g.loadPolicy(ctx, in.Scope)
	if dec == nil {
		d := evaluateOrder(policy, in)
		dec = &d
	}
	meta := map[string]any{
		"symbol":            in.Symbol,
		"notional":          in.Notional,
		"daily_loss_so_far": in.DailyLossSoFar,
		"reference_price":   in.ReferencePrice,
		"account_equity":    in.AccountEquity,
	}
	if rec.KillSwitchTriggered {
		meta["kill_switch_at"] = rec.KillSwitchAt
	}
	if err := g.record(ctx, in.Scope, in.RequestID, in.UserID, CheckOrderType, *dec, meta); err != nil {
		return Decision{}, err
	}
	return *dec, nil
}

// ReductionCheck covers stop and cancel, the commands that only shrink
// exposure.
type ReductionCheck struct {
	Scope       string
	RequestID   string
	UserID      string
	CheckType   string
	ProviderRef string
}

// ApproveReduction records the decision for a risk-reducing command. Stops
// and cancels must stay available under a triggered kill switch or an
// unavailable policy, so the outcome is always approved; the record keeps
// the audit trail covering every side-effecting command.
func (g *Gate) ApproveReduction(ctx context.Context, in ReductionCheck) (Decision, error) {
	dec := Decision{
		Approved:    true,
		OutcomeCode: OutcomeApproved,
		Reason:      "risk-reducing command, exempt from pre-trade limits",
	}
	meta := map[string]any{"provider_ref": in.ProviderRef}
	if rec, ok, err := g.store.GetPolicy(ctx, in.Scope); err == nil && ok {
		if policy, perr := Parse([]byte(rec.Document)); perr == nil {
			dec.PolicyVersion = policy.Version
			dec.PolicyMode = policy.Mode
		}
		if rec.KillSwitchTriggered {
			meta["kill_switch_at"] = rec.KillSwitchAt
		}
	}
	if err := g.record(ctx, in.Scope, in.RequestID, in.UserID, in.CheckType, dec, meta); err != nil {
		return Decision{}, err
	}
	return dec, nil
}

// loadPolicy returns a ready decision when the scope cannot be evaluated:
// missing or invalid policy falls closed, a triggered kill switch blocks
// everything.
func (g *Gate) loadPolicy(ctx context.Context, scope string) (Policy, state.RiskPolicyRecord, *Decision) {
	rec, ok, err := g.store.GetPolicy(ctx, scope)
	if err != nil {
		return Policy{}, rec, &Decision{
			Approved:    false,
			OutcomeCode: OutcomePolicyUnavailable,
			Reason:      fmt.Sprintf("policy lookup failed: %v", err),
		}
	}
	if !ok {
		return Policy{}, rec, &Decision{
			Approved:    false,
			OutcomeCode: OutcomePolicyUnavailable,
			Reason:      "no policy configured for scope",
		}
	}
	policy, err := Parse([]byte(rec.Document))
	if err != nil {
		return Policy{}, rec, &Decision{
			Approved:    false,
			OutcomeCode: OutcomePolicyUnavailable,
			Reason:      err.Error(),
		}
	}
	if rec.KillSwitchTriggered {
		return policy, rec, &Decision{
			Approved:      false,
			OutcomeCode:   OutcomeKillSwitchActive,
			Reason:        "kill switch triggered: " + rec.BreachReason,
			PolicyVersion: policy.Version,
			PolicyMode:    policy.Mode,
		}
	}
	return policy, rec, nil
}

func evaluateDeployment(policy Policy, in DeploymentCheck) Decision {
	projected := in.CurrentExposure + in.ProposedCapital
	if policy.Limits.MaxNotional > 0 && projected > policy.Limits.MaxNotional {
		return breachDecision(policy, fmt.Sprintf("projected exposure %.2f exceeds max notional %.2f", projected, policy.Limits.MaxNotional))
	}
	if policy.Limits.MaxPositionPct > 0 && in.AccountEquity > 0 {
		pct := projected / in.AccountEquity * 100
		if pct > policy.Limits.MaxPositionPct {
			return breachDecision(policy, fmt.Sprintf("projected exposure %.2f%% of equity exceeds max position %.2f%%", pct, policy.Limits.MaxPositionPct))
		}
	}
	return Decision{Approved: true, OutcomeCode: OutcomeApproved, PolicyVersion: policy.Version, PolicyMode: policy.Mode}
}

func evaluateOrder(policy Policy, in OrderCheck) Decision {
	if policy.Limits.MaxNotional > 0 && in.Notional > policy.Limits.MaxNotional {
		return breachDecision(policy, fmt.Sprintf("order notional %.2f exceeds max notional %.2f", in.Notional, policy.Limits.MaxNotional))
	}
	if policy.Limits.MaxPositionPct > 0 && in.AccountEquity > 0 {
		pct := in.Notional / in.AccountEquity * 100
		if pct > policy.Limits.MaxPositionPct {
			return breachDecision(policy, fmt.Sprintf("order notional %.2f%% of equity exceeds max position %.2f%%", pct, policy.Limits.MaxPositionPct))
		}
	}
	if policy.Limits.MaxDailyLoss > 0 && in.DailyLossSoFar >= policy.Limits.MaxDailyLoss {
		return breachDecision(policy, fmt.Sprintf("daily loss %.2f reached max daily loss %.2f", in.DailyLossSoFar, policy.Limits.MaxDailyLoss))
	}
	return Decision{Approved: true, OutcomeCode: OutcomeApproved, PolicyVersion: policy.Version, PolicyMode: policy.Mode}
}

// breachDecision blocks in enforce mode. Monitor mode lets the command pass
// but keeps the breach outcome so the audit trail still shows it.
func breachDecision(policy Policy, reason string) Decision {
	return Decision{
		Approved:      policy.Mode == ModeMonitor,
		OutcomeCode:   OutcomeLimitBreach,
		Reason:        reason,
		PolicyVersion: policy.Version,
		PolicyMode:    policy.Mode,
	}
}

func (g *Gate) record(ctx context.Context, scope, requestID, userID, checkType string, dec Decision, meta map[string]any) error {
	metaJSON, _ := json.Marshal(meta)
	_, err := g.store.AppendRiskDecision(ctx, state.RiskDecisionRecord{
		Scope:         scope,
		RequestID:     requestID,
		UserID:        userID,
		CheckType:     checkType,
		Decision:      dec.label(),
		PolicyVersion: dec.PolicyVersion,
		PolicyMode:    dec.PolicyMode,
		OutcomeCode:   dec.OutcomeCode,
		Reason:        dec.Reason,
		Metadata:      string(metaJSON),
	})
	if err != nil {
		return fmt.Errorf("append risk decision: %w", err)
	}
	observability.RiskDecisionsTotal.WithLabelValues(checkType, dec.label()).Inc()
	return nil
}
