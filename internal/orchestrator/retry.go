package orchestrator

import (
	"time"

	"github.com/jpillora/backoff"

	"github.com/iamtxena/trade-nexus-sub001/internal/state"
)

const (
	DecisionRetry = "retry"
	DecisionDeny  = "deny"

	ReasonMaxAttempts = "MAX_ATTEMPTS_EXHAUSTED"
	ReasonMaxFailures = "MAX_FAILURES_EXHAUSTED"
)

// Budget is caller-supplied per command; there are no global defaults baked
// into the decision function.
type Budget struct {
	MaxAttempts int
	MaxFailures int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type RetryDecision struct {
	Decision   string
	ReasonCode string
	Delay      time.Duration
}

// Decide is pure: the same record and budget always produce the same
// decision. A previously recorded deny is immutable.
func Decide(rec state.RetryRecord, budget Budget) RetryDecision {
	if rec.Decision == DecisionDeny {
		return RetryDecision{Decision: DecisionDeny, ReasonCode: rec.ReasonCode}
	}
	if rec.AttemptNumber >= budget.MaxAttempts {
		return RetryDecision{Decision: DecisionDeny, ReasonCode: ReasonMaxAttempts}
	}
	if rec.FailureCount >= budget.MaxFailures {
		return RetryDecision{Decision: DecisionDeny, ReasonCode: ReasonMaxFailures}
	}
	b := &backoff.Backoff{
		Min:    budget.BaseDelay,
		Max:    budget.MaxDelay,
		Factor: 2,
		Jitter: false,
	}
	return RetryDecision{
		Decision: DecisionRetry,
		Delay:    b.ForAttempt(float64(rec.AttemptNumber)),
	}
}
