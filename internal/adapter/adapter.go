package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/iamtxena/trade-nexus-sub001/internal/risk"
)

// Platform lifecycle states. Every provider-reported state normalizes onto
// this set.
const (
	StateQueued   = "queued"
	StateRunning  = "running"
	StatePaused   = "paused"
	StateStopping = "stopping"
	StateStopped  = "stopped"
	StateFailed   = "failed"
)

type DeployRequest struct {
	Scope       string
	StrategyRef string
	Capital     float64
}

type OrderRequest struct {
	Scope  string
	Symbol string
	Side   string
	Qty    float64
	Price  float64
}

type Result struct {
	ProviderRef string
	State       string
}

// ExecutionAdapter is the external provider boundary. Every side-effecting
// call carries the caller's idempotency key so the provider can dedupe
// redeliveries.
type ExecutionAdapter interface {
	CreateDeployment(ctx context.Context, req DeployRequest, idempotencyKey string) (Result, error)
	StopDeployment(ctx context.Context, scope, providerRef, idempotencyKey string) (Result, error)
	PlaceOrder(ctx context.Context, req OrderRequest, idempotencyKey string) (Result, error)
	CancelOrder(ctx context.Context, scope, providerRef, idempotencyKey string) (Result, error)

	GetDeploymentState(ctx context.Context, scope, providerRef string) (string, error)
	GetOrderState(ctx context.Context, scope, providerRef string) (string, error)
	ActiveDeployments(ctx context.Context) ([]risk.DeploymentStatus, error)
}

// Error classifies a provider failure. Timeouts and 5xx responses are
// retryable; 4xx responses are not.
type Error struct {
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("adapter failure (status %d): %s", e.StatusCode, e.Message)
	}
	return "adapter failure: " + e.Message
}

// IsRetryable reports whether err should feed the retry policy rather than
// fail the run outright.
func IsRetryable(err error) bool {
	var aerr *Error
	if errors.As(err, &aerr) {
		return aerr.Retryable
	}
	// Transport-level failures with no classification are assumed transient.
	return true
}

// NormalizeState maps a provider state string onto the platform lifecycle.
// Unknown states collapse to failed so callers never act on a value they
// cannot interpret.
func NormalizeState(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case StateQueued, "pending", "new", "accepted":
		return StateQueued
	case StateRunning, "active", "live":
		return StateRunning
	case StatePaused, "suspended":
		return StatePaused
	case StateStopping, "halting":
		return StateStopping
	case StateStopped, "halted", "filled", "executed", "cancelled", "canceled", "done":
		return StateStopped
	default:
		return StateFailed
	}
}
