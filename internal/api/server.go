package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/iamtxena/trade-nexus-sub001/internal/adapter"
	"github.com/iamtxena/trade-nexus-sub001/internal/command"
	"github.com/iamtxena/trade-nexus-sub001/internal/observability"
	"github.com/iamtxena/trade-nexus-sub001/internal/orchestrator"
	"github.com/iamtxena/trade-nexus-sub001/internal/risk"
	"github.com/iamtxena/trade-nexus-sub001/internal/state"
	"github.com/iamtxena/trade-nexus-sub001/pkg/nexusapi"
)

type Server struct {
	service    *orchestrator.Service
	dispatcher *command.Dispatcher
	monitor    *risk.Monitor
	exec       adapter.ExecutionAdapter
	store      state.Store
	auth       *authorizer
	safety     *adminSafety
	limiter    *submitLimiter
}

func NewServer(service *orchestrator.Service, dispatcher *command.Dispatcher, monitor *risk.Monitor, exec adapter.ExecutionAdapter, store state.Store) *Server {
	return &Server{
		service:    service,
		dispatcher: dispatcher,
		monitor:    monitor,
		exec:       exec,
		store:      store,
		auth:       newAuthorizerFromEnv(),
		safety:     newAdminSafetyFromEnv(),
		limiter:    newSubmitLimiterFromEnv(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/metrics", s.handleMetrics)
	mux.HandleFunc("/v1/deployments", s.handleDeployments)
	mux.HandleFunc("/v1/deployments/", s.handleDeploymentSubresource)
	mux.HandleFunc("/v1/orders", s.handleOrders)
	mux.HandleFunc("/v1/orders/", s.handleOrderSubresource)
	mux.HandleFunc("/v1/runs/", s.handleRunSubresource)
	mux.HandleFunc("/v1/admin/runs", s.handleListRuns)
	mux.HandleFunc("/v1/admin/decisions", s.handleRiskDecisions)
	mux.HandleFunc("/v1/admin/policy", s.handlePolicy)
	mux.HandleFunc("/v1/admin/policy/killswitch/reset", s.handleKillSwitchReset)
	return withTracing(withLogging(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScopes(w, r, "metrics", "operator"); !ok {
		return
	}
	observability.MetricsHandler().ServeHTTP(w, r)
}

// correlation pulls the identity headers every command endpoint uses.
func correlation(r *http.Request) (requestID, userID string) {
	requestID = strings.TrimSpace(r.Header.Get("X-Request-ID"))
	if requestID == "" {
		requestID = uuid.NewString()
	}
	userID = strings.TrimSpace(r.Header.Get("X-User-ID"))
	return requestID, userID
}

func tenantFromRequest(r *http.Request, reqTenant string) string {
	t := strings.TrimSpace(reqTenant)
	if t == "" {
		t = strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
	}
	if t == "" {
		t = "default"
	}
	return t
}

func (s *Server) handleDeployments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req nexusapi.CreateDeploymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tenant := tenantFromRequest(r, req.Tenant)
	if _, ok := s.requireTenantAction(w, r, tenant, "submit"); !ok {
		return
	}
	if req.StrategyRef == "" || req.Capital <= 0 {
		writeError(w, http.StatusBadRequest, "strategy_ref and a positive capital are required")
		return
	}
	s.submitCommand(w, r, tenant, req.Priority, func(runID string) command.Command {
		return command.CreateDeployment{
			Scope:           tenant,
			RunID:           runID,
			StrategyRef:     req.StrategyRef,
			Capital:         req.Capital,
			CurrentExposure: req.CurrentExposure,
			AccountEquity:   req.AccountEquity,
		}
	})
}

func (s *Server) handleDeploymentSubresource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/deployments/")
	parts := strings.Split(rest, "/")
	providerRef := parts[0]
	if providerRef == "" {
		writeError(w, http.StatusNotFound, "deployment reference required")
		return
	}
	tenant := tenantFromRequest(r, "")
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		if _, ok := s.requireTenantAction(w, r, tenant, "read"); !ok {
			return
		}
		// Read-only: no gating, no idempotency.
		st, err := s.exec.GetDeploymentState(r.Context(), tenant, providerRef)
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, nexusapi.ProviderStateResponse{ProviderRef: providerRef, State: st})
	case len(parts) == 2 && parts[1] == "stop" && r.Method == http.MethodPost:
		var req nexusapi.StopDeploymentRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.ProviderRef != "" && req.ProviderRef != providerRef {
			writeError(w, http.StatusBadRequest, "provider_ref in body does not match path")
			return
		}
		tenant = tenantFromRequest(r, req.Tenant)
		if _, ok := s.requireTenantAction(w, r, tenant, "cancel"); !ok {
			return
		}
		s.submitCommand(w, r, tenant, 0, func(runID string) command.Command {
			return command.StopDeployment{Scope: tenant, RunID: runID, ProviderRef: providerRef}
		})
	default:
		writeError(w, http.StatusNotFound, "unknown deployment resource")
	}
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req nexusapi.PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tenant := tenantFromRequest(r, req.Tenant)
	if _, ok := s.requireTenantAction(w, r, tenant, "submit"); !ok {
		return
	}
	if req.Symbol == "" || req.Qty <= 0 || req.Price <= 0 {
		writeError(w, http.StatusBadRequest, "symbol, qty, and price are required")
		return
	}
	side := strings.ToLower(strings.TrimSpace(req.Side))
	if side != "buy" && side != "sell" {
		writeError(w, http.StatusBadRequest, "side must be buy or sell")
		return
	}
	s.submitCommand(w, r, tenant, req.Priority, func(runID string) command.Command {
		return command.PlaceOrder{
			Scope:          tenant,
			RunID:          runID,
			Symbol:         req.Symbol,
			Side:           side,
			Qty:            req.Qty,
			Price:          req.Price,
			DailyLossSoFar: req.DailyLossSoFar,
			AccountEquity:  req.AccountEquity,
		}
	})
}

func (s *Server) handleOrderSubresource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/orders/")
	parts := strings.Split(rest, "/")
	providerRef := parts[0]
	if providerRef == "" {
		writeError(w, http.StatusNotFound, "order reference required")
		return
	}
	tenant := tenantFromRequest(r, "")
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		if _, ok := s.requireTenantAction(w, r, tenant, "read"); !ok {
			return
		}
		st, err := s.exec.GetOrderState(r.Context(), tenant, providerRef)
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, nexusapi.ProviderStateResponse{ProviderRef: providerRef, State: st})
	case len(parts) == 2 && parts[1] == "cancel" && r.Method == http.MethodPost:
		var req nexusapi.CancelOrderRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.ProviderRef != "" && req.ProviderRef != providerRef {
			writeError(w, http.StatusBadRequest, "provider_ref in body does not match path")
			return
		}
		tenant = tenantFromRequest(r, req.Tenant)
		if _, ok := s.requireTenantAction(w, r, tenant, "cancel"); !ok {
			return
		}
		s.submitCommand(w, r, tenant, 0, func(runID string) command.Command {
			return command.CancelOrder{Scope: tenant, RunID: runID, ProviderRef: providerRef}
		})
	default:
		writeError(w, http.StatusNotFound, "unknown order resource")
	}
}

// submitCommand runs the full synchronous pipeline for a side-effecting
// request: admit a run, walk it to executing, dispatch through the command
// layer, and map the outcome onto the run's terminal or wait state.
func (s *Server) submitCommand(w http.ResponseWriter, r *http.Request, tenant string, priority int, build func(runID string) command.Command) {
	requestID, userID := correlation(r)
	idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if idemKey == "" {
		writeAPIError(w, http.StatusBadRequest, requestID, "", "Idempotency-Key header is required")
		return
	}
	if !s.limiter.allow(tenant, time.Now()) {
		writeAPIError(w, http.StatusTooManyRequests, requestID, "", "submit rate limit exceeded")
		return
	}
	if priority <= 0 {
		priority = 3
	}
	ctx := r.Context()
	meta := orchestrator.TransitionMeta{RequestID: requestID, UserID: userID}

	// A settled command for this key answers without admitting a new run.
	if done := s.replayCommand(ctx, w, tenant, requestID, idemKey, build); done {
		return
	}

	run, err := s.service.AdmitRun(ctx, tenant, userID, priority, meta)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, requestID, "", err.Error())
		return
	}
	// The synchronous path claims its own run; it never enters the shared
	// queue, so background workers cannot race this handler for it.
	if _, err := s.service.ClaimDirect(ctx, tenant, run.RunID, meta); err != nil {
		writeAPIError(w, http.StatusInternalServerError, requestID, "", err.Error())
		return
	}
	budget := orchestrator.DefaultBudget()
	if _, err := s.service.StartAttempt(ctx, tenant, run.RunID, budget, meta); err != nil {
		writeAPIError(w, http.StatusInternalServerError, requestID, "", err.Error())
		return
	}

	cmd := build(run.RunID)
	res, err := s.dispatcher.Dispatch(ctx, command.DispatchInput{
		RequestID:      requestID,
		UserID:         userID,
		IdempotencyKey: idemKey,
	}, cmd)
	if err != nil {
		s.respondDispatchError(w, r, tenant, run.RunID, requestID, idemKey, budget, meta, err)
		return
	}
	if err := s.service.RecordSuccess(ctx, tenant, run.RunID, meta); err != nil {
		log.Printf("run %s: record success: %v", run.RunID, err)
	}
	doneMeta := meta
	doneMeta.Message = res.ProviderRef
	if _, err := s.service.Complete(ctx, tenant, run.RunID, doneMeta); err != nil {
		log.Printf("run %s: complete: %v", run.RunID, err)
	}
	writeJSON(w, http.StatusOK, nexusapi.CommandResponse{
		RequestID:      requestID,
		RunID:          run.RunID,
		IdempotencyKey: idemKey,
		Status:         res.Status,
		OutcomeCode:    res.OutcomeCode,
		ProviderRef:    res.ProviderRef,
	})
}

// replayCommand resolves a settled idempotency record without creating a
// run. Returns true when it wrote the response.
func (s *Server) replayCommand(ctx context.Context, w http.ResponseWriter, tenant, requestID, idemKey string, build func(runID string) command.Command) bool {
	rec, ok, err := s.store.GetCommand(ctx, tenant, idemKey)
	if err != nil || !ok || rec.Status == command.StatusPending {
		return false
	}
	if command.PayloadHash(build(rec.RunID)) != rec.PayloadHash {
		writeAPIError(w, http.StatusConflict, requestID, "", (&command.IdempotencyConflictError{Key: idemKey}).Error())
		return true
	}
	if rec.Status == command.StatusRejected {
		status := http.StatusUnprocessableEntity
		if rec.OutcomeCode == risk.OutcomeKillSwitchActive {
			status = http.StatusLocked
		}
		writeJSON(w, status, nexusapi.CommandResponse{
			RequestID:      requestID,
			RunID:          rec.RunID,
			IdempotencyKey: idemKey,
			Status:         command.StatusRejected,
			OutcomeCode:    rec.OutcomeCode,
			Reason:         rec.Reason,
		})
		return true
	}
	writeJSON(w, http.StatusOK, nexusapi.CommandResponse{
		RequestID:      requestID,
		RunID:          rec.RunID,
		IdempotencyKey: idemKey,
		Status:         rec.Status,
		OutcomeCode:    rec.OutcomeCode,
		ProviderRef:    rec.ProviderRef,
	})
	return true
}

func (s *Server) respondDispatchError(w http.ResponseWriter, r *http.Request, tenant, runID, requestID, idemKey string, budget orchestrator.Budget, meta orchestrator.TransitionMeta, err error) {
	ctx := r.Context()

	var conflict *command.IdempotencyConflictError
	if errors.As(err, &conflict) {
		failMeta := meta
		failMeta.Message = "idempotency conflict"
		if _, ferr := s.service.Fail(ctx, tenant, runID, failMeta); ferr != nil {
			log.Printf("run %s: fail: %v", runID, ferr)
		}
		writeAPIError(w, http.StatusConflict, requestID, "", conflict.Error())
		return
	}

	var blocked *command.BlockedError
	if errors.As(err, &blocked) {
		failMeta := meta
		failMeta.Message = blocked.OutcomeCode
		if _, ferr := s.service.Fail(ctx, tenant, runID, failMeta); ferr != nil {
			log.Printf("run %s: fail: %v", runID, ferr)
		}
		status := http.StatusUnprocessableEntity
		if blocked.OutcomeCode == risk.OutcomeKillSwitchActive {
			status = http.StatusLocked
		}
		writeJSON(w, status, nexusapi.CommandResponse{
			RequestID:      requestID,
			RunID:          runID,
			IdempotencyKey: idemKey,
			Status:         command.StatusRejected,
			OutcomeCode:    blocked.OutcomeCode,
			Reason:         blocked.Reason,
		})
		return
	}

	if adapter.IsRetryable(err) {
		decision, derr := s.service.OnStepFailure(ctx, tenant, runID, budget, err, meta)
		if derr != nil {
			writeAPIError(w, http.StatusInternalServerError, requestID, "", derr.Error())
			return
		}
		if decision.Decision == orchestrator.DecisionRetry {
			writeJSON(w, http.StatusAccepted, nexusapi.CommandResponse{
				RequestID:      requestID,
				RunID:          runID,
				IdempotencyKey: idemKey,
				Status:         command.StatusPending,
				Reason:         "provider failure, retry scheduled",
			})
			return
		}
		writeAPIError(w, http.StatusBadGateway, requestID, decision.ReasonCode, err.Error())
		return
	}

	failMeta := meta
	failMeta.Message = err.Error()
	if _, ferr := s.service.Fail(ctx, tenant, runID, failMeta); ferr != nil {
		log.Printf("run %s: fail: %v", runID, ferr)
	}
	writeAPIError(w, http.StatusBadGateway, requestID, "", err.Error())
}

func (s *Server) handleRunSubresource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	parts := strings.Split(rest, "/")
	runID := parts[0]
	if runID == "" {
		writeError(w, http.StatusNotFound, "run id required")
		return
	}
	tenant := tenantFromRequest(r, "")
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.handleGetRun(w, r, tenant, runID)
	case len(parts) == 2 && parts[1] == "trace" && r.Method == http.MethodGet:
		s.handleRunTrace(w, r, tenant, runID)
	case len(parts) == 2 && parts[1] == "cancel" && r.Method == http.MethodPost:
		s.handleCancelRun(w, r, tenant, runID)
	case len(parts) == 2 && parts[1] == "confirm" && r.Method == http.MethodPost:
		s.handleConfirmRun(w, r, tenant, runID)
	default:
		writeError(w, http.StatusNotFound, "unknown run resource")
	}
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request, tenant, runID string) {
	if _, ok := s.requireTenantAction(w, r, tenant, "read"); !ok {
		return
	}
	run, ok, err := s.store.GetRun(r.Context(), tenant, runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, nexusapi.RunStatusResponse{
		RunID:              run.RunID,
		Tenant:             run.Tenant,
		State:              run.State,
		Priority:           run.Priority,
		Message:            run.Message,
		CancellationReason: run.CancellationReason,
		CreatedAt:          run.CreatedAt.Format(time.RFC3339),
		LastTransitionAt:   run.LastTransitionAt.Format(time.RFC3339),
	})
}

func (s *Server) handleRunTrace(w http.ResponseWriter, r *http.Request, tenant, runID string) {
	if _, ok := s.requireTenantAction(w, r, tenant, "read"); !ok {
		return
	}
	limit, offset, ok := parsePagination(w, r, 200)
	if !ok {
		return
	}
	events, err := s.store.ListTraceEvents(r.Context(), state.TraceQuery{
		Tenant:    tenant,
		RunID:     runID,
		EventType: strings.TrimSpace(r.URL.Query().Get("event_type")),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]nexusapi.TraceEvent, 0, len(events))
	for _, e := range events {
		out = append(out, nexusapi.TraceEvent{
			Seq:       e.Seq,
			EventType: e.EventType,
			RunID:     e.RunID,
			RequestID: e.RequestID,
			StepLabel: e.StepLabel,
			Metadata:  e.Metadata,
			PrevHash:  e.PrevHash,
			EventHash: e.EventHash,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, nexusapi.ListTraceResponse{
		RunID:    runID,
		Returned: len(out),
		Events:   out,
	})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request, tenant, runID string) {
	if _, ok := s.requireTenantAction(w, r, tenant, "cancel"); !ok {
		return
	}
	requestID, userID := correlation(r)
	var req nexusapi.CancelRunRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	run, err := s.service.Cancel(r.Context(), tenant, runID, req.Reason, orchestrator.TransitionMeta{RequestID: requestID, UserID: userID})
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, nexusapi.CancelRunResponse{RunID: runID, State: run.State})
}

func (s *Server) handleConfirmRun(w http.ResponseWriter, r *http.Request, tenant, runID string) {
	if _, ok := s.requireTenantAction(w, r, tenant, "submit"); !ok {
		return
	}
	requestID, userID := correlation(r)
	run, ok, err := s.store.GetRun(r.Context(), tenant, runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if run.State != orchestrator.StateAwaitingUserConfirmation {
		writeAPIError(w, http.StatusConflict, requestID, "", "run is not awaiting confirmation")
		return
	}
	if _, err := s.service.Resume(r.Context(), tenant, runID, orchestrator.TransitionMeta{RequestID: requestID, UserID: userID, StepLabel: "user_confirmed"}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, nexusapi.ConfirmRunResponse{RunID: runID, State: run.State})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScopes(w, r, "operator"); !ok {
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	tenant := tenantFromRequest(r, r.URL.Query().Get("tenant"))
	runState := strings.TrimSpace(r.URL.Query().Get("state"))
	if runState == "" {
		writeError(w, http.StatusBadRequest, "state query parameter is required")
		return
	}
	runs, err := s.store.ListRunsByState(r.Context(), tenant, runState)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]nexusapi.RunStatusResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, nexusapi.RunStatusResponse{
			RunID:              run.RunID,
			Tenant:             run.Tenant,
			State:              run.State,
			Priority:           run.Priority,
			Message:            run.Message,
			CancellationReason: run.CancellationReason,
			CreatedAt:          run.CreatedAt.Format(time.RFC3339),
			LastTransitionAt:   run.LastTransitionAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, nexusapi.ListRunsResponse{
		Tenant:   tenant,
		State:    runState,
		Returned: len(out),
		Runs:     out,
	})
}

func (s *Server) handleRiskDecisions(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScopes(w, r, "operator"); !ok {
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit, offset, ok := parsePagination(w, r, 50)
	if !ok {
		return
	}
	from, to, err := parseTimeRange(r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	decisions, err := s.store.ListRiskDecisions(r.Context(), state.DecisionQuery{
		Scope:     strings.TrimSpace(r.URL.Query().Get("scope")),
		CheckType: strings.TrimSpace(r.URL.Query().Get("check_type")),
		Decision:  strings.TrimSpace(r.URL.Query().Get("decision")),
		From:      from,
		To:        to,
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if strings.EqualFold(strings.TrimSpace(r.URL.Query().Get("format")), "csv") {
		writeDecisionCSV(w, decisions)
		return
	}
	out := make([]nexusapi.RiskDecision, 0, len(decisions))
	for _, d := range decisions {
		out = append(out, nexusapi.RiskDecision{
			ID:            d.ID,
			Scope:         d.Scope,
			RequestID:     d.RequestID,
			UserID:        d.UserID,
			CheckType:     d.CheckType,
			Decision:      d.Decision,
			PolicyVersion: d.PolicyVersion,
			PolicyMode:    d.PolicyMode,
			OutcomeCode:   d.OutcomeCode,
			Reason:        d.Reason,
			Metadata:      d.Metadata,
			PrevHash:      d.PrevHash,
			EventHash:     d.EventHash,
			CreatedAt:     d.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, nexusapi.ListRiskDecisionsResponse{
		Returned:  len(out),
		Limit:     limit,
		Offset:    offset,
		Decisions: out,
	})
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := s.requireScopes(w, r, "operator", "admin"); !ok {
			return
		}
		scope := tenantFromRequest(r, r.URL.Query().Get("scope"))
		rec, ok, err := s.store.GetPolicy(r.Context(), scope)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "no policy configured for scope")
			return
		}
		writeJSON(w, http.StatusOK, policyStatus(rec))
	case http.MethodPut:
		if _, ok := s.requireScopes(w, r, "operator", "admin"); !ok {
			return
		}
		var req nexusapi.PutPolicyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		scope := tenantFromRequest(r, req.Scope)
		policy, err := risk.Parse([]byte(req.Document))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		rec := state.RiskPolicyRecord{
			Scope:    scope,
			Document: req.Document,
			Version:  policy.Version,
			Mode:     policy.Mode,
		}
		// A policy update never clears a triggered kill switch; only the
		// reset endpoint does.
		if existing, ok, err := s.store.GetPolicy(r.Context(), scope); err == nil && ok {
			rec.KillSwitchTriggered = existing.KillSwitchTriggered
			rec.KillSwitchAt = existing.KillSwitchAt
			rec.BreachReason = existing.BreachReason
		}
		stored, err := s.store.PutPolicy(r.Context(), rec)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, policyStatus(stored))
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleKillSwitchReset(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScopes(w, r, "operator", "admin"); !ok {
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.safety.allowReset(time.Now()) {
		writeError(w, http.StatusTooManyRequests, "admin reset rate limit exceeded")
		return
	}
	if !s.safety.confirmed(strings.TrimSpace(r.Header.Get("X-Nexus-Confirm"))) {
		writeError(w, http.StatusPreconditionFailed, "confirmation token required")
		return
	}
	scope := tenantFromRequest(r, r.URL.Query().Get("scope"))
	if err := s.monitor.Reset(r.Context(), scope); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	rec, ok, err := s.store.GetPolicy(r.Context(), scope)
	if err != nil || !ok {
		writeJSON(w, http.StatusOK, map[string]string{"scope": scope, "status": "reset"})
		return
	}
	writeJSON(w, http.StatusOK, policyStatus(rec))
}

func policyStatus(rec state.RiskPolicyRecord) nexusapi.PolicyStatusResponse {
	out := nexusapi.PolicyStatusResponse{
		Scope:               rec.Scope,
		Version:             rec.Version,
		Mode:                rec.Mode,
		Revision:            rec.Revision,
		KillSwitchTriggered: rec.KillSwitchTriggered,
		KillSwitchReason:    rec.BreachReason,
		UpdatedAt:           rec.UpdatedAt.Format(time.RFC3339),
	}
	if !rec.KillSwitchAt.IsZero() {
		out.KillSwitchAt = rec.KillSwitchAt.Format(time.RFC3339)
	}
	return out
}

func (s *Server) requireScopes(w http.ResponseWriter, r *http.Request, scopes ...string) (principal, bool) {
	p, code, msg := s.auth.authorize(r, scopes...)
	if code != http.StatusOK {
		writeError(w, code, msg)
		return principal{}, false
	}
	return p, true
}

func (s *Server) requireTenantAction(w http.ResponseWriter, r *http.Request, tenant, action string) (principal, bool) {
	p, code, msg := s.auth.authorize(r)
	if code != http.StatusOK {
		writeError(w, code, msg)
		return principal{}, false
	}
	if !s.auth.enabled {
		return p, true
	}
	if !p.canTenantAction(tenant, action) {
		writeError(w, http.StatusForbidden, "tenant action denied")
		return principal{}, false
	}
	return p, true
}

func parsePagination(w http.ResponseWriter, r *http.Request, defaultLimit int) (limit, offset int, ok bool) {
	limit = defaultLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return 0, 0, false
		}
		limit = v
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return 0, 0, false
		}
		offset = v
	}
	return limit, offset, true
}

func parseTimeRange(fromRaw, toRaw string) (time.Time, time.Time, error) {
	parse := func(raw string) (time.Time, error) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, errors.New("time filters must be RFC3339")
		}
		return t.UTC(), nil
	}
	from, err := parse(fromRaw)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := parse(toRaw)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return from, to, nil
}

func writeDecisionCSV(w http.ResponseWriter, decisions []state.RiskDecisionRecord) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"id", "created_at", "scope", "check_type", "decision", "policy_version", "policy_mode", "outcome_code", "reason", "request_id", "user_id", "prev_hash", "event_hash"})
	for _, d := range decisions {
		_ = cw.Write([]string{
			strconv.FormatInt(d.ID, 10),
			d.CreatedAt.Format(time.RFC3339),
			d.Scope,
			d.CheckType,
			d.Decision,
			d.PolicyVersion,
			d.PolicyMode,
			d.OutcomeCode,
			d.Reason,
			d.RequestID,
			d.UserID,
			d.PrevHash,
			d.EventHash,
		})
	}
	cw.Flush()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeAPIError(w http.ResponseWriter, status int, requestID, outcomeCode, reason string) {
	writeJSON(w, status, nexusapi.ErrorResponse{
		Error:       reason,
		RequestID:   requestID,
		OutcomeCode: outcomeCode,
		Reason:      reason,
	})
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := observability.StartSpan(r.Context(), "http.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		traceID := span.SpanContext().TraceID().String()
		if traceID != "" {
			sw.Header().Set("X-Trace-ID", traceID)
		}
		next.ServeHTTP(sw, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", sw.status))
	})
}
