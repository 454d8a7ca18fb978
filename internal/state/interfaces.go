package state

import (
	"context"
	"time"
)

type Store interface {
	CreateRun(ctx context.Context, run RunRecord) error
	GetRun(ctx context.Context, tenant, runID string) (RunRecord, bool, error)
	UpdateRun(ctx context.Context, run RunRecord) error
	ListRunsByState(ctx context.Context, tenant, runState string) ([]RunRecord, error)

	GetRetry(ctx context.Context, tenant, runID string) (RetryRecord, bool, error)
	PutRetry(ctx context.Context, rec RetryRecord) error

	// InsertCommand is atomic insert-if-absent on (tenant, idempotency key).
	// It returns the stored record and true when the insert created it, or the
	// pre-existing record and false when the key was already taken.
	InsertCommand(ctx context.Context, cmd CommandRecord) (CommandRecord, bool, error)
	GetCommand(ctx context.Context, tenant, idempotencyKey string) (CommandRecord, bool, error)
	GetCommandByRun(ctx context.Context, tenant, runID string) (CommandRecord, bool, error)
	UpdateCommand(ctx context.Context, cmd CommandRecord) error

	GetPolicy(ctx context.Context, scope string) (RiskPolicyRecord, bool, error)
	PutPolicy(ctx context.Context, rec RiskPolicyRecord) (RiskPolicyRecord, error)
	// SwapPolicy applies rec only if the stored revision still equals
	// expectedRevision; reports whether the swap won.
	SwapPolicy(ctx context.Context, rec RiskPolicyRecord, expectedRevision int64) (bool, error)

	AppendTraceEvent(ctx context.Context, event TraceEventRecord) (TraceEventRecord, error)
	ListTraceEvents(ctx context.Context, query TraceQuery) ([]TraceEventRecord, error)

	AppendRiskDecision(ctx context.Context, rec RiskDecisionRecord) (RiskDecisionRecord, error)
	ListRiskDecisions(ctx context.Context, query DecisionQuery) ([]RiskDecisionRecord, error)
}

type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Claim(ctx context.Context, max int, consumer string, visibilityTimeout time.Duration) ([]QueueClaim, error)
	Ack(ctx context.Context, claims []QueueClaim) error
	Nack(ctx context.Context, claims []QueueClaim, reason string) error
	Remove(ctx context.Context, ref RunRef) (bool, error)
	RequeueExpired(ctx context.Context, now time.Time, max int) (int, error)
	Depth(ctx context.Context) (int, error)
}
