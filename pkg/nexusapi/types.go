package nexusapi

type CreateDeploymentRequest struct {
	StrategyRef     string  `json:"strategy_ref"`
	Capital         float64 `json:"capital"`
	CurrentExposure float64 `json:"current_exposure"`
	AccountEquity   float64 `json:"account_equity"`
	Priority        int     `json:"priority"`
	Tenant          string  `json:"tenant,omitempty"`
}

type StopDeploymentRequest struct {
	ProviderRef string `json:"provider_ref"`
	Tenant      string `json:"tenant,omitempty"`
}

type PlaceOrderRequest struct {
	Symbol         string  `json:"symbol"`
	Side           string  `json:"side"`
	Qty            float64 `json:"qty"`
	Price          float64 `json:"price"`
	DailyLossSoFar float64 `json:"daily_loss_so_far"`
	AccountEquity  float64 `json:"account_equity"`
	Priority       int     `json:"priority"`
	Tenant         string  `json:"tenant,omitempty"`
}

type CancelOrderRequest struct {
	ProviderRef string `json:"provider_ref"`
	Tenant      string `json:"tenant,omitempty"`
}

type CommandResponse struct {
	RequestID      string `json:"request_id"`
	RunID          string `json:"run_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
	Status         string `json:"status"`
	OutcomeCode    string `json:"outcome_code,omitempty"`
	Reason         string `json:"reason,omitempty"`
	ProviderRef    string `json:"provider_ref,omitempty"`
}

type RunStatusResponse struct {
	RunID              string `json:"run_id"`
	Tenant             string `json:"tenant"`
	State              string `json:"state"`
	Priority           int    `json:"priority"`
	Message            string `json:"message,omitempty"`
	CancellationReason string `json:"cancellation_reason,omitempty"`
	CreatedAt          string `json:"created_at"`
	LastTransitionAt   string `json:"last_transition_at"`
}

type ListRunsResponse struct {
	Tenant   string              `json:"tenant"`
	State    string              `json:"state"`
	Returned int                 `json:"returned"`
	Runs     []RunStatusResponse `json:"runs"`
}

type CancelRunRequest struct {
	Reason string `json:"reason"`
}

type CancelRunResponse struct {
	RunID string `json:"run_id"`
	State string `json:"state"`
}

type ConfirmRunResponse struct {
	RunID string `json:"run_id"`
	State string `json:"state"`
}

type TraceEvent struct {
	Seq       int    `json:"seq"`
	EventType string `json:"event_type"`
	RunID     string `json:"run_id"`
	RequestID string `json:"request_id,omitempty"`
	StepLabel string `json:"step_label,omitempty"`
	Metadata  string `json:"metadata,omitempty"`
	PrevHash  string `json:"prev_hash,omitempty"`
	EventHash string `json:"event_hash"`
	CreatedAt string `json:"created_at"`
}

type ListTraceResponse struct {
	RunID    string       `json:"run_id"`
	Returned int          `json:"returned"`
	Events   []TraceEvent `json:"events"`
}

type RiskDecision struct {
	ID            int64  `json:"id"`
	Scope         string `json:"scope"`
	RequestID     string `json:"request_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	CheckType     string `json:"check_type"`
	Decision      string `json:"decision"`
	PolicyVersion string `json:"policy_version,omitempty"`
	PolicyMode    string `json:"policy_mode,omitempty"`
	OutcomeCode   string `json:"outcome_code"`
	Reason        string `json:"reason,omitempty"`
	Metadata      string `json:"metadata,omitempty"`
	PrevHash      string `json:"prev_hash,omitempty"`
	EventHash     string `json:"event_hash"`
	CreatedAt     string `json:"created_at"`
}

type ListRiskDecisionsResponse struct {
	Returned  int            `json:"returned"`
	Limit     int            `json:"limit"`
	Offset    int            `json:"offset"`
	Decisions []RiskDecision `json:"decisions"`
}

type PutPolicyRequest struct {
	Scope    string `json:"scope,omitempty"`
	Document string `json:"document"`
}

type PolicyStatusResponse struct {
	Scope               string `json:"scope"`
	Version             string `json:"version"`
	Mode                string `json:"mode"`
	Revision            int64  `json:"revision"`
	KillSwitchTriggered bool   `json:"kill_switch_triggered"`
	KillSwitchAt        string `json:"kill_switch_at,omitempty"`
	KillSwitchReason    string `json:"kill_switch_reason,omitempty"`
	UpdatedAt           string `json:"updated_at"`
}

type ProviderStateResponse struct {
	ProviderRef string `json:"provider_ref"`
	State       string `json:"state"`
}

type ErrorResponse struct {
	Error       string `json:"error"`
	RequestID   string `json:"request_id,omitempty"`
	OutcomeCode string `json:"outcome_code,omitempty"`
	Reason      string `json:"reason,omitempty"`
}
