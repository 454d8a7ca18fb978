package command

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iamtxena/trade-nexus-sub001/internal/adapter"
	"github.com/iamtxena/trade-nexus-sub001/internal/risk"
	"github.com/iamtxena/trade-nexus-sub001/internal/state"
)

const dispatcherPolicyDoc = `
version: risk-policy.v1
mode: enforce
limits:
  max_notional: 500000
  max_drawdown_pct: 15
`

func newTestDispatcher(t *testing.T) (*Dispatcher, state.Store, *adapter.MockAdapter) {
	t.Helper()
	store := state.NewMemoryStore()
	policy, err := risk.Parse([]byte(dispatcherPolicyDoc))
	require.NoError(t, err)
	_, err = store.PutPolicy(context.Background(), state.RiskPolicyRecord{
		Scope:    "acme",
		Document: dispatcherPolicyDoc,
		Version:  policy.Version,
		Mode:     policy.Mode,
	})
	require.NoError(t, err)
	mock := adapter.NewMockAdapter()
	return NewDispatcher(store, risk.NewGate(store), mock, 5*time.Second), store, mock
}

func TestDispatchPlacesOrderOnce(t *testing.T) {
	d, store, _ := newTestDispatcher(t)
	ctx := context.Background()
	cmd := PlaceOrder{Scope: "acme", RunID: "r1", Symbol: "BTCUSDT", Side: "buy", Qty: 1, Price: 100}
	in := DispatchInput{RequestID: "req-1", IdempotencyKey: "key-1"}

	res, err := d.Dispatch(ctx, in, cmd)
	require.NoError(t, err)
	assert.Equal(t, StatusDispatched, res.Status)
	assert.NotEmpty(t, res.ProviderRef)
	assert.False(t, res.Replayed)

	rec, ok, err := store.GetCommand(ctx, "acme", "key-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusDispatched, rec.Status)
	assert.Equal(t, res.ProviderRef, rec.ProviderRef)
	assert.Equal(t, PayloadHash(cmd), rec.PayloadHash)
}

func TestDispatchReplaySameKeyReturnsStoredResult(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	ctx := context.Background()
	cmd := PlaceOrder{Scope: "acme", RunID: "r1", Symbol: "BTCUSDT", Side: "buy", Qty: 1, Price: 100}
	in := DispatchInput{IdempotencyKey: "key-1"}

	first, err := d.Dispatch(ctx, in, cmd)
	require.NoError(t, err)

	second, err := d.Dispatch(ctx, in, cmd)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.ProviderRef, second.ProviderRef, "replay must not place a second order")
}

func TestDispatchConflictOnDifferentPayload(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	ctx := context.Background()
	in := DispatchInput{IdempotencyKey: "key-1"}

	_, err := d.Dispatch(ctx, in, PlaceOrder{Scope: "acme", RunID: "r1", Symbol: "BTCUSDT", Side: "buy", Qty: 1, Price: 100})
	require.NoError(t, err)

	_, err = d.Dispatch(ctx, in, PlaceOrder{Scope: "acme", RunID: "r2", Symbol: "ETHUSDT", Side: "sell", Qty: 2, Price: 50})
	var conflict *IdempotencyConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "key-1", conflict.Key)
}

func TestDispatchBlockedByGate(t *testing.T) {
	d, store, mock := newTestDispatcher(t)
	ctx := context.Background()

	_, err := d.Dispatch(ctx, DispatchInput{IdempotencyKey: "key-big"}, CreateDeployment{
		Scope: "acme", RunID: "r1", StrategyRef: "strat-1", Capital: 600000,
	})
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, risk.OutcomeLimitBreach, blocked.OutcomeCode)

	rec, ok, err := store.GetCommand(ctx, "acme", "key-big")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusRejected, rec.Status)

	// The provider never saw the deployment.
	deployments, err := mock.ActiveDeployments(ctx)
	require.NoError(t, err)
	assert.Empty(t, deployments)
}

func TestDispatchRejectionReplaysDeterministically(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	ctx := context.Background()
	cmd := PlaceOrder{Scope: "acme", RunID: "r1", Symbol: "BTCUSDT", Side: "buy", Qty: 10000, Price: 100}
	in := DispatchInput{IdempotencyKey: "key-big"}

	_, firstErr := d.Dispatch(ctx, in, cmd)
	require.Error(t, firstErr)

	res, secondErr := d.Dispatch(ctx, in, cmd)
	var blocked *BlockedError
	require.ErrorAs(t, secondErr, &blocked)
	assert.True(t, res.Replayed, "a recorded rejection replays instead of re-evaluating")
}

func TestDispatchStopApprovedUnderKillSwitch(t *testing.T) {
	d, store, mock := newTestDispatcher(t)
	ctx := context.Background()

	// Create a deployment, then trip the kill switch.
	created, err := d.Dispatch(ctx, DispatchInput{IdempotencyKey: "key-dep"}, CreateDeployment{
		Scope: "acme", RunID: "r1", StrategyRef: "strat-1", Capital: 1000,
	})
	require.NoError(t, err)

	rec, _, err := store.GetPolicy(ctx, "acme")
	require.NoError(t, err)
	triggered := rec
	triggered.KillSwitchTriggered = true
	won, err := store.SwapPolicy(ctx, triggered, rec.Revision)
	require.NoError(t, err)
	require.True(t, won)

	// New deployments are blocked.
	_, err = d.Dispatch(ctx, DispatchInput{IdempotencyKey: "key-dep2"}, CreateDeployment{
		Scope: "acme", RunID: "r2", StrategyRef: "strat-2", Capital: 1000,
	})
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, risk.OutcomeKillSwitchActive, blocked.OutcomeCode)

	// But the stop goes through: it reduces risk.
	res, err := d.Dispatch(ctx, DispatchInput{IdempotencyKey: "key-stop"}, StopDeployment{
		Scope: "acme", RunID: "r3", ProviderRef: created.ProviderRef,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusDispatched, res.Status)

	st, err := mock.GetDeploymentState(ctx, "acme", created.ProviderRef)
	require.NoError(t, err)
	assert.Equal(t, adapter.StateStopped, st)
}

func TestDispatchStopRecordsApprovedDecision(t *testing.T) {
	d, store, _ := newTestDispatcher(t)
	ctx := context.Background()

	created, err := d.Dispatch(ctx, DispatchInput{IdempotencyKey: "key-dep"}, CreateDeployment{
		Scope: "acme", RunID: "r1", StrategyRef: "strat-1", Capital: 1000,
	})
	require.NoError(t, err)

	_, err = d.Dispatch(ctx, DispatchInput{RequestID: "req-stop", IdempotencyKey: "key-stop"}, StopDeployment{
		Scope: "acme", RunID: "r2", ProviderRef: created.ProviderRef,
	})
	require.NoError(t, err)

	decisions, err := store.ListRiskDecisions(ctx, state.DecisionQuery{Scope: "acme", CheckType: risk.CheckStopType})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "approved", decisions[0].Decision)
	assert.Equal(t, risk.OutcomeApproved, decisions[0].OutcomeCode)
	assert.Equal(t, "req-stop", decisions[0].RequestID)
	assert.Contains(t, decisions[0].Metadata, created.ProviderRef)
}

func TestDispatchCancelRecordsApprovedDecision(t *testing.T) {
	d, store, _ := newTestDispatcher(t)
	ctx := context.Background()

	placed, err := d.Dispatch(ctx, DispatchInput{IdempotencyKey: "key-order"}, PlaceOrder{
		Scope: "acme", RunID: "r1", Symbol: "BTCUSDT", Side: "buy", Qty: 1, Price: 100,
	})
	require.NoError(t, err)

	_, err = d.Dispatch(ctx, DispatchInput{IdempotencyKey: "key-cancel"}, CancelOrder{
		Scope: "acme", RunID: "r2", ProviderRef: placed.ProviderRef,
	})
	require.NoError(t, err)

	decisions, err := store.ListRiskDecisions(ctx, state.DecisionQuery{Scope: "acme", CheckType: risk.CheckCancelType})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "approved", decisions[0].Decision)
}

func TestDispatchAdapterFailureLeavesRecordPending(t *testing.T) {
	d, store, mock := newTestDispatcher(t)
	ctx := context.Background()
	cmd := PlaceOrder{Scope: "acme", RunID: "r1", Symbol: "BTCUSDT", Side: "buy", Qty: 1, Price: 100}
	in := DispatchInput{IdempotencyKey: "key-1"}

	mock.FailNext = &adapter.Error{StatusCode: 503, Message: "unavailable", Retryable: true}
	_, err := d.Dispatch(ctx, in, cmd)
	require.Error(t, err)
	assert.True(t, adapter.IsRetryable(err))

	rec, ok, err := store.GetCommand(ctx, "acme", "key-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusPending, rec.Status, "failed dispatch stays pending for re-attempt")

	// Retry with the same key re-attempts the adapter call.
	res, err := d.Dispatch(ctx, in, cmd)
	require.NoError(t, err)
	assert.Equal(t, StatusDispatched, res.Status)
}

func TestPayloadHashIgnoresRunID(t *testing.T) {
	base := PlaceOrder{Scope: "acme", RunID: "r1", Symbol: "BTCUSDT", Side: "buy", Qty: 1, Price: 100}
	rerun := base
	rerun.RunID = "r2"
	assert.Equal(t, PayloadHash(base), PayloadHash(rerun), "run id is minted per submission and must not affect identity")

	changed := base
	changed.Qty = 2
	assert.NotEqual(t, PayloadHash(base), PayloadHash(changed))
}

func TestPayloadRoundTrip(t *testing.T) {
	cmd := CreateDeployment{Scope: "acme", RunID: "r1", StrategyRef: "strat-1", Capital: 500, CurrentExposure: 100, AccountEquity: 10000}
	decoded, err := Decode(PayloadJSON(cmd))
	require.NoError(t, err)
	assert.Equal(t, cmd, decoded)
	assert.Equal(t, PayloadHash(cmd), PayloadHash(decoded))
}
