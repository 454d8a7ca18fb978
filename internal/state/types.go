package state

import "time"

type RunRecord struct {
	RunID              string
	Tenant             string
	UserID             string
	State              string
	Priority           int
	StepLabel          string
	Message            string
	CancellationReason string
	EnqueuedAt         time.Time
	CreatedAt          time.Time
	LastTransitionAt   time.Time
}

type RetryRecord struct {
	Tenant        string
	RunID         string
	AttemptNumber int
	FailureCount  int
	MaxAttempts   int
	MaxFailures   int
	Decision      string
	ReasonCode    string
	BackoffMillis int64
	UpdatedAt     time.Time
}

type CommandRecord struct {
	Tenant         string
	IdempotencyKey string
	RunID          string
	CommandType    string
	PayloadHash    string
	Payload        string
	Status         string
	OutcomeCode    string
	Reason         string
	ProviderRef    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type RiskPolicyRecord struct {
	Scope               string
	Revision            int64
	Document            string
	Version             string
	Mode                string
	KillSwitchTriggered bool
	KillSwitchAt        time.Time
	BreachReason        string
	UpdatedAt           time.Time
}

type RiskDecisionRecord struct {
	ID            int64
	Scope         string
	RequestID     string
	UserID        string
	CheckType     string
	Decision      string
	PolicyVersion string
	PolicyMode    string
	OutcomeCode   string
	Reason        string
	Metadata      string
	PrevHash      string
	EventHash     string
	CreatedAt     time.Time
}

type TraceEventRecord struct {
	ID        int64
	Tenant    string
	RunID     string
	Seq       int
	EventType string
	RequestID string
	UserID    string
	StepLabel string
	Metadata  string
	PrevHash  string
	EventHash string
	CreatedAt time.Time
}

type RunRef struct {
	Tenant string
	RunID  string
}

// QueueItem carries the full deterministic ordering key: lower Priority first,
// then earlier EnqueuedAt, then lexically smaller RunID.
type QueueItem struct {
	Ref        RunRef
	Priority   int
	EnqueuedAt time.Time
}

type QueueClaim struct {
	Item      QueueItem
	Receipt   string
	ClaimedBy string
	ClaimedAt time.Time
	VisibleAt time.Time
}

type TraceQuery struct {
	Tenant    string
	RunID     string
	EventType string
	Limit     int
	Offset    int
}

type DecisionQuery struct {
	Scope     string
	CheckType string
	Decision  string
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}
