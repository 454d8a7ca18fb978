package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iamtxena/trade-nexus-sub001/internal/state"
)

// StepOutcome is what a handler reports for one sequential step of a run.
type StepOutcome struct {
	// Done completes the run.
	Done bool
	// WaitState suspends the run (awaiting_tool or
	// awaiting_user_confirmation) until an external event resumes it.
	WaitState string
	// Err feeds the retry policy when Retryable, otherwise fails the run.
	Err       error
	Retryable bool
	StepLabel string
}

// Handler executes the next step for a claimed run.
type Handler interface {
	ExecuteStep(ctx context.Context, run state.RunRecord) StepOutcome
}

// DefaultBudget is the retry budget applied when a caller does not supply
// one of its own.
func DefaultBudget() Budget {
	return Budget{MaxAttempts: 3, MaxFailures: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second}
}

type EngineConfig struct {
	Workers           int
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	Budget            Budget
}

// Engine drives the worker pool: claim, execute one step, route the
// outcome. Runs execute concurrently; steps within a run stay sequential
// because a run is claimed by at most one worker.
type Engine struct {
	service *Service
	queue   state.Queue
	handler Handler
	cfg     EngineConfig
}

func NewEngine(service *Service, queue state.Queue, handler Handler, cfg EngineConfig) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	if cfg.Budget.MaxAttempts <= 0 {
		cfg.Budget = DefaultBudget()
	}
	return &Engine{service: service, queue: queue, handler: handler, cfg: cfg}
}

// Run blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < e.cfg.Workers; i++ {
		consumer := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			return e.workerLoop(ctx, consumer)
		})
	}
	g.Go(func() error {
		return e.reaperLoop(ctx)
	})
	return g.Wait()
}

func (e *Engine) workerLoop(ctx context.Context, consumer string) error {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		for {
			run, claim, err := e.service.ClaimNext(ctx, consumer, e.cfg.VisibilityTimeout)
			if errors.Is(err, ErrEmptyQueue) {
				break
			}
			if err != nil {
				log.Printf("%s: claim: %v", consumer, err)
				break
			}
			e.executeOne(ctx, run, claim)
		}
	}
}

func (e *Engine) executeOne(ctx context.Context, run state.RunRecord, claim state.QueueClaim) {
	tenant, runID := run.Tenant, run.RunID
	meta := TransitionMeta{UserID: run.UserID}

	if _, err := e.service.StartAttempt(ctx, tenant, runID, e.cfg.Budget, meta); err != nil {
		if errors.Is(err, ErrBudgetExhausted) {
			// The deny already failed the run; drop the claim for good.
			if ackErr := e.queue.Ack(ctx, []state.QueueClaim{claim}); ackErr != nil {
				log.Printf("run %s: ack denied attempt: %v", runID, ackErr)
			}
			return
		}
		log.Printf("run %s: start attempt: %v", runID, err)
		_ = e.queue.Nack(ctx, []state.QueueClaim{claim}, "error")
		return
	}

	outcome := e.handler.ExecuteStep(ctx, run)
	meta.StepLabel = outcome.StepLabel

	switch {
	case outcome.Err != nil && outcome.Retryable:
		if _, err := e.service.OnStepFailure(ctx, tenant, runID, e.cfg.Budget, outcome.Err, meta); err != nil {
			log.Printf("run %s: retry decision: %v", runID, err)
		}
	case outcome.Err != nil:
		meta.Message = outcome.Err.Error()
		if _, err := e.service.Fail(ctx, tenant, runID, meta); err != nil {
			log.Printf("run %s: fail: %v", runID, err)
		}
	case outcome.WaitState != "":
		if _, err := e.service.Suspend(ctx, tenant, runID, outcome.WaitState, meta); err != nil {
			log.Printf("run %s: suspend: %v", runID, err)
		}
	case outcome.Done:
		if _, err := e.service.Complete(ctx, tenant, runID, meta); err != nil {
			log.Printf("run %s: complete: %v", runID, err)
		}
	default:
		// More steps to run: put it back in line behind its peers.
		if _, err := e.service.Resume(ctx, tenant, runID, meta); err != nil {
			// Resume requires a wait state; executing runs re-enqueue raw.
			if err := e.queue.Enqueue(ctx, claim.Item); err != nil {
				log.Printf("run %s: re-enqueue: %v", runID, err)
			}
		}
	}
	if err := e.queue.Ack(ctx, []state.QueueClaim{claim}); err != nil {
		log.Printf("run %s: ack: %v", runID, err)
	}
}

// reaperLoop requeues claims whose worker died past the visibility timeout.
func (e *Engine) reaperLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.VisibilityTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			moved, err := e.queue.RequeueExpired(ctx, time.Now().UTC(), 100)
			if err != nil {
				log.Printf("requeue expired claims: %v", err)
				continue
			}
			if moved > 0 {
				log.Printf("requeued %d expired claims", moved)
			}
		}
	}
}
