package risk

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iamtxena/trade-nexus-sub001/internal/state"
)

type recordingStopper struct {
	mu    sync.Mutex
	stops []string
	keys  []string
}

func (r *recordingStopper) DispatchStop(_ context.Context, _, providerRef, idempotencyKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops = append(r.stops, providerRef)
	r.keys = append(r.keys, idempotencyKey)
	return nil
}

func TestMonitorTriggersOnDrawdownBreach(t *testing.T) {
	store := state.NewMemoryStore()
	seedPolicy(t, store, "acme", testPolicyDoc)
	stopper := &recordingStopper{}
	monitor := NewMonitor(store, stopper)
	ctx := context.Background()

	// $100k deployed, P&L-adjusted capital down to $82k: 18% drawdown
	// against a 15% limit.
	won, err := monitor.RefreshDeployment(ctx, DeploymentStatus{
		Scope:              "acme",
		ProviderRef:        "dep-1",
		Capital:            100000,
		PnlAdjustedCapital: 82000,
	})
	require.NoError(t, err)
	assert.True(t, won)

	rec, ok, err := store.GetPolicy(ctx, "acme")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rec.KillSwitchTriggered)
	assert.Contains(t, rec.BreachReason, "18.00%")
	assert.False(t, rec.KillSwitchAt.IsZero())

	require.Len(t, stopper.stops, 1)
	assert.Equal(t, "dep-1", stopper.stops[0])
	assert.Equal(t, "killswitch-stop:acme:dep-1", stopper.keys[0])

	// Orders are now blocked for the whole scope.
	gate := NewGate(store)
	dec, err := gate.CheckOrder(ctx, OrderCheck{Scope: "acme", Notional: 1})
	require.NoError(t, err)
	assert.False(t, dec.Approved)
	assert.Equal(t, OutcomeKillSwitchActive, dec.OutcomeCode)
}

func TestMonitorIgnoresDrawdownWithinLimit(t *testing.T) {
	store := state.NewMemoryStore()
	seedPolicy(t, store, "acme", testPolicyDoc)
	stopper := &recordingStopper{}
	monitor := NewMonitor(store, stopper)

	won, err := monitor.RefreshDeployment(context.Background(), DeploymentStatus{
		Scope:              "acme",
		ProviderRef:        "dep-1",
		Capital:            100000,
		PnlAdjustedCapital: 90000,
	})
	require.NoError(t, err)
	assert.False(t, won)
	assert.Empty(t, stopper.stops)

	rec, _, err := store.GetPolicy(context.Background(), "acme")
	require.NoError(t, err)
	assert.False(t, rec.KillSwitchTriggered)
}

func TestMonitorSecondRefreshDoesNotRetrigger(t *testing.T) {
	store := state.NewMemoryStore()
	seedPolicy(t, store, "acme", testPolicyDoc)
	stopper := &recordingStopper{}
	monitor := NewMonitor(store, stopper)
	ctx := context.Background()

	status := DeploymentStatus{Scope: "acme", ProviderRef: "dep-1", Capital: 100000, PnlAdjustedCapital: 80000}
	won, err := monitor.RefreshDeployment(ctx, status)
	require.NoError(t, err)
	require.True(t, won)

	won, err = monitor.RefreshDeployment(ctx, status)
	require.NoError(t, err)
	assert.False(t, won, "an already triggered switch must not re-trigger")
	assert.Len(t, stopper.stops, 1, "no second stop dispatch")
}

func TestMonitorEveryRefreshIsAudited(t *testing.T) {
	store := state.NewMemoryStore()
	seedPolicy(t, store, "acme", testPolicyDoc)
	monitor := NewMonitor(store, &recordingStopper{})
	ctx := context.Background()

	_, err := monitor.RefreshDeployment(ctx, DeploymentStatus{Scope: "acme", ProviderRef: "dep-1", Capital: 100000, PnlAdjustedCapital: 99000})
	require.NoError(t, err)
	_, err = monitor.RefreshDeployment(ctx, DeploymentStatus{Scope: "acme", ProviderRef: "dep-1", Capital: 100000, PnlAdjustedCapital: 80000})
	require.NoError(t, err)

	decisions, err := store.ListRiskDecisions(ctx, state.DecisionQuery{Scope: "acme", CheckType: CheckDrawdownType})
	require.NoError(t, err)
	assert.Len(t, decisions, 2, "healthy and breaching refreshes are both recorded")
}

func TestMonitorAuditsRefreshWithoutPolicy(t *testing.T) {
	store := state.NewMemoryStore()
	stopper := &recordingStopper{}
	monitor := NewMonitor(store, stopper)
	ctx := context.Background()

	won, err := monitor.RefreshDeployment(ctx, DeploymentStatus{
		Scope:              "acme",
		ProviderRef:        "dep-1",
		Capital:            100000,
		PnlAdjustedCapital: 80000,
	})
	require.NoError(t, err)
	assert.False(t, won)
	assert.Empty(t, stopper.stops)

	decisions, err := store.ListRiskDecisions(ctx, state.DecisionQuery{Scope: "acme", CheckType: CheckDrawdownType})
	require.NoError(t, err)
	require.Len(t, decisions, 1, "an unevaluable refresh still leaves a decision record")
	assert.Equal(t, "blocked", decisions[0].Decision)
	assert.Equal(t, OutcomePolicyUnavailable, decisions[0].OutcomeCode)
	assert.Contains(t, decisions[0].Reason, "no policy configured")
	assert.Contains(t, decisions[0].Metadata, "dep-1")
}

func TestMonitorAuditsRefreshWithInvalidPolicy(t *testing.T) {
	store := state.NewMemoryStore()
	seedPolicy(t, store, "acme", testPolicyDoc)
	rec, _, err := store.GetPolicy(context.Background(), "acme")
	require.NoError(t, err)
	rec.Document = "version: [not: valid"
	_, err = store.PutPolicy(context.Background(), rec)
	require.NoError(t, err)

	monitor := NewMonitor(store, &recordingStopper{})
	_, err = monitor.RefreshDeployment(context.Background(), DeploymentStatus{
		Scope: "acme", ProviderRef: "dep-1", Capital: 100000, PnlAdjustedCapital: 80000,
	})
	require.NoError(t, err)

	decisions, err := store.ListRiskDecisions(context.Background(), state.DecisionQuery{Scope: "acme", Decision: "blocked"})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, CheckDrawdownType, decisions[0].CheckType)
	assert.Equal(t, OutcomePolicyUnavailable, decisions[0].OutcomeCode)
}

func TestMonitorResetClearsTrigger(t *testing.T) {
	store := state.NewMemoryStore()
	seedPolicy(t, store, "acme", testPolicyDoc)
	monitor := NewMonitor(store, &recordingStopper{})
	ctx := context.Background()

	_, err := monitor.RefreshDeployment(ctx, DeploymentStatus{Scope: "acme", ProviderRef: "dep-1", Capital: 100000, PnlAdjustedCapital: 80000})
	require.NoError(t, err)

	require.NoError(t, monitor.Reset(ctx, "acme"))

	rec, _, err := store.GetPolicy(ctx, "acme")
	require.NoError(t, err)
	assert.False(t, rec.KillSwitchTriggered)
	assert.Empty(t, rec.BreachReason)

	// Resetting an untriggered switch is a no-op.
	require.NoError(t, monitor.Reset(ctx, "acme"))

	gate := NewGate(store)
	dec, err := gate.CheckOrder(ctx, OrderCheck{Scope: "acme", Notional: 1})
	require.NoError(t, err)
	assert.True(t, dec.Approved)
}

func TestMonitorRejectsNonPositiveCapital(t *testing.T) {
	store := state.NewMemoryStore()
	seedPolicy(t, store, "acme", testPolicyDoc)
	monitor := NewMonitor(store, &recordingStopper{})

	_, err := monitor.RefreshDeployment(context.Background(), DeploymentStatus{Scope: "acme", ProviderRef: "dep-1", Capital: 0})
	assert.Error(t, err)
}
