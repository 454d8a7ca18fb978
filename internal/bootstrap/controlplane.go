package bootstrap

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/iamtxena/trade-nexus-sub001/internal/adapter"
	"github.com/iamtxena/trade-nexus-sub001/internal/command"
	"github.com/iamtxena/trade-nexus-sub001/internal/orchestrator"
	"github.com/iamtxena/trade-nexus-sub001/internal/risk"
	"github.com/iamtxena/trade-nexus-sub001/internal/state"
)

// ControlPlane is everything a process needs to serve the orchestration
// surface: persistence, queue, risk gate, command dispatch, and the worker
// engine wiring.
type ControlPlane struct {
	Store      state.Store
	Queue      state.Queue
	Adapter    adapter.ExecutionAdapter
	Gate       *risk.Gate
	Dispatcher *command.Dispatcher
	Service    *orchestrator.Service
	Monitor    *risk.Monitor
	Engine     *orchestrator.Engine
}

func NewControlPlaneFromEnv() (*ControlPlane, error) {
	store, err := newStore(getenv("TRADENEXUS_STORE", "memory"))
	if err != nil {
		return nil, err
	}
	queue, err := newQueue(getenv("TRADENEXUS_QUEUE", "memory"))
	if err != nil {
		return nil, err
	}
	exec, err := newAdapter(getenv("TRADENEXUS_ADAPTER", "mock"))
	if err != nil {
		return nil, err
	}

	gate := risk.NewGate(store)
	timeout := time.Duration(getenvInt("TRADENEXUS_ADAPTER_TIMEOUT_SECONDS", 10)) * time.Second
	dispatcher := command.NewDispatcher(store, gate, exec, timeout)
	service := orchestrator.NewService(store, queue)
	monitor := risk.NewMonitor(store, dispatcher)

	engine := orchestrator.NewEngine(service, queue, newStepHandler(store, dispatcher), orchestrator.EngineConfig{
		Workers:           getenvInt("TRADENEXUS_WORKERS", 4),
		PollInterval:      time.Duration(getenvInt("TRADENEXUS_POLL_INTERVAL_MS", 250)) * time.Millisecond,
		VisibilityTimeout: time.Duration(getenvInt("TRADENEXUS_VISIBILITY_TIMEOUT_SECONDS", 30)) * time.Second,
		Budget: orchestrator.Budget{
			MaxAttempts: getenvInt("TRADENEXUS_RETRY_MAX_ATTEMPTS", 3),
			MaxFailures: getenvInt("TRADENEXUS_RETRY_MAX_FAILURES", 5),
			BaseDelay:   time.Duration(getenvInt("TRADENEXUS_RETRY_BASE_DELAY_MS", 500)) * time.Millisecond,
			MaxDelay:    time.Duration(getenvInt("TRADENEXUS_RETRY_MAX_DELAY_MS", 30000)) * time.Millisecond,
		},
	})

	cp := &ControlPlane{
		Store:      store,
		Queue:      queue,
		Adapter:    exec,
		Gate:       gate,
		Dispatcher: dispatcher,
		Service:    service,
		Monitor:    monitor,
		Engine:     engine,
	}
	if err := cp.preloadPolicy(); err != nil {
		return nil, err
	}
	return cp, nil
}

// preloadPolicy seeds a scope's risk policy from a YAML file at startup so a
// fresh store never serves traffic with no policy configured.
func (cp *ControlPlane) preloadPolicy() error {
	path := os.Getenv("TRADENEXUS_POLICY_FILE")
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	policy, err := risk.Parse(raw)
	if err != nil {
		return fmt.Errorf("policy file %s: %w", path, err)
	}
	scope := getenv("TRADENEXUS_POLICY_SCOPE", "default")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = cp.Store.PutPolicy(ctx, state.RiskPolicyRecord{
		Scope:    scope,
		Document: string(raw),
		Version:  policy.Version,
		Mode:     policy.Mode,
	})
	return err
}

// stepHandler is the default worker step: reload the pending command for a
// resumed run and push it back through the dispatcher. The idempotency key
// survives on the command record, so a re-dispatch after a crash or backoff
// replays instead of duplicating.
type stepHandler struct {
	store      state.Store
	dispatcher *command.Dispatcher
}

func newStepHandler(store state.Store, dispatcher *command.Dispatcher) *stepHandler {
	return &stepHandler{store: store, dispatcher: dispatcher}
}

func (h *stepHandler) ExecuteStep(ctx context.Context, run state.RunRecord) orchestrator.StepOutcome {
	rec, ok, err := h.store.GetCommandByRun(ctx, run.Tenant, run.RunID)
	if err != nil {
		return orchestrator.StepOutcome{Err: err, Retryable: true, StepLabel: "load_command"}
	}
	if !ok {
		return orchestrator.StepOutcome{Err: fmt.Errorf("run %s has no command record", run.RunID), StepLabel: "load_command"}
	}
	if rec.Status != command.StatusPending {
		// A prior attempt already finished; the replay below just confirms.
		return orchestrator.StepOutcome{Done: rec.Status == command.StatusDispatched, Err: doneErr(rec), StepLabel: "replay_command"}
	}
	cmd, err := command.Decode(rec.Payload)
	if err != nil {
		return orchestrator.StepOutcome{Err: err, StepLabel: "decode_command"}
	}
	_, err = h.dispatcher.Dispatch(ctx, command.DispatchInput{
		RequestID:      "worker-" + run.RunID,
		UserID:         run.UserID,
		IdempotencyKey: rec.IdempotencyKey,
	}, cmd)
	if err != nil {
		return orchestrator.StepOutcome{Err: err, Retryable: adapter.IsRetryable(err), StepLabel: "dispatch_command"}
	}
	return orchestrator.StepOutcome{Done: true, StepLabel: "dispatch_command"}
}

func doneErr(rec state.CommandRecord) error {
	if rec.Status == command.StatusRejected {
		return fmt.Errorf("command rejected (%s): %s", rec.OutcomeCode, rec.Reason)
	}
	return nil
}

func newStore(kind string) (state.Store, error) {
	switch kind {
	case "memory":
		return state.NewMemoryStore(), nil
	case "postgres":
		dsn := os.Getenv("TRADENEXUS_POSTGRES_DSN")
		if dsn == "" {
			return nil, fmt.Errorf("TRADENEXUS_POSTGRES_DSN is required when TRADENEXUS_STORE=postgres")
		}
		return state.NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported TRADENEXUS_STORE value %q", kind)
	}
}

func newQueue(kind string) (state.Queue, error) {
	switch kind {
	case "memory":
		return state.NewMemoryQueue(), nil
	case "redis":
		return state.NewRedisQueue(state.RedisQueueConfig{
			Addr:     getenv("TRADENEXUS_REDIS_ADDR", "127.0.0.1:6379"),
			Password: os.Getenv("TRADENEXUS_REDIS_PASSWORD"),
			DB:       getenvInt("TRADENEXUS_REDIS_DB", 0),
			Key:      getenv("TRADENEXUS_REDIS_KEY", "nexus:runs"),
			Timeout:  3 * time.Second,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported TRADENEXUS_QUEUE value %q", kind)
	}
}

func newAdapter(kind string) (adapter.ExecutionAdapter, error) {
	switch kind {
	case "mock":
		return adapter.NewMockAdapter(), nil
	case "http":
		baseURL := os.Getenv("TRADENEXUS_PROVIDER_URL")
		if baseURL == "" {
			return nil, fmt.Errorf("TRADENEXUS_PROVIDER_URL is required when TRADENEXUS_ADAPTER=http")
		}
		return adapter.NewHTTPAdapter(adapter.HTTPAdapterConfig{
			BaseURL: baseURL,
			APIKey:  os.Getenv("TRADENEXUS_PROVIDER_API_KEY"),
			Timeout: time.Duration(getenvInt("TRADENEXUS_PROVIDER_TIMEOUT_SECONDS", 10)) * time.Second,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported TRADENEXUS_ADAPTER value %q", kind)
	}
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
