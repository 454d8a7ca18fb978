package adapter

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/iamtxena/trade-nexus-sub001/internal/risk"
)

type mockDeployment struct {
	status risk.DeploymentStatus
	state  string
}

// MockAdapter is an in-process provider used by tests and local runs. It
// dedupes side-effecting calls by idempotency key the way a real provider
// would.
type MockAdapter struct {
	mu          sync.Mutex
	deployments map[string]*mockDeployment
	orders      map[string]string
	byIdemKey   map[string]Result

	// FailNext makes the next side-effecting call return err once.
	FailNext error
}

func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		deployments: make(map[string]*mockDeployment),
		orders:      make(map[string]string),
		byIdemKey:   make(map[string]Result),
	}
}

func (m *MockAdapter) takeFailure() error {
	err := m.FailNext
	m.FailNext = nil
	return err
}

func (m *MockAdapter) CreateDeployment(_ context.Context, req DeployRequest, idempotencyKey string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if res, ok := m.byIdemKey[idempotencyKey]; ok {
		return res, nil
	}
	if err := m.takeFailure(); err != nil {
		return Result{}, err
	}
	ref := "dep-" + uuid.NewString()
	m.deployments[ref] = &mockDeployment{
		status: risk.DeploymentStatus{
			Scope:              req.Scope,
			ProviderRef:        ref,
			Capital:            req.Capital,
			PnlAdjustedCapital: req.Capital,
		},
		state: StateRunning,
	}
	res := Result{ProviderRef: ref, State: StateRunning}
	m.byIdemKey[idempotencyKey] = res
	return res, nil
}

func (m *MockAdapter) StopDeployment(_ context.Context, _, providerRef, idempotencyKey string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if res, ok := m.byIdemKey[idempotencyKey]; ok {
		return res, nil
	}
	if err := m.takeFailure(); err != nil {
		return Result{}, err
	}
	if d, ok := m.deployments[providerRef]; ok {
		d.state = StateStopped
	}
	res := Result{ProviderRef: providerRef, State: StateStopped}
	m.byIdemKey[idempotencyKey] = res
	return res, nil
}

func (m *MockAdapter) PlaceOrder(_ context.Context, req OrderRequest, idempotencyKey string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if res, ok := m.byIdemKey[idempotencyKey]; ok {
		return res, nil
	}
	if err := m.takeFailure(); err != nil {
		return Result{}, err
	}
	ref := "ord-" + uuid.NewString()
	m.orders[ref] = StateStopped
	res := Result{ProviderRef: ref, State: StateStopped}
	m.byIdemKey[idempotencyKey] = res
	return res, nil
}

func (m *MockAdapter) CancelOrder(_ context.Context, _, providerRef, idempotencyKey string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if res, ok := m.byIdemKey[idempotencyKey]; ok {
		return res, nil
	}
	if err := m.takeFailure(); err != nil {
		return Result{}, err
	}
	m.orders[providerRef] = StateStopped
	res := Result{ProviderRef: providerRef, State: StateStopped}
	m.byIdemKey[idempotencyKey] = res
	return res, nil
}

func (m *MockAdapter) GetDeploymentState(_ context.Context, _, providerRef string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[providerRef]
	if !ok {
		return StateFailed, nil
	}
	return d.state, nil
}

func (m *MockAdapter) GetOrderState(_ context.Context, _, providerRef string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.orders[providerRef]
	if !ok {
		return StateFailed, nil
	}
	return st, nil
}

func (m *MockAdapter) ActiveDeployments(_ context.Context) ([]risk.DeploymentStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]risk.DeploymentStatus, 0, len(m.deployments))
	for _, d := range m.deployments {
		if d.state == StateRunning {
			out = append(out, d.status)
		}
	}
	return out, nil
}

// SetPnl adjusts the reported P&L-adjusted capital for a deployment so the
// kill-switch monitor can observe a drawdown.
func (m *MockAdapter) SetPnl(providerRef string, pnlAdjustedCapital float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.deployments[providerRef]; ok {
		d.status.PnlAdjustedCapital = pnlAdjustedCapital
	}
}
