package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu        sync.Mutex
	runs      map[RunRef]RunRecord
	retries   map[RunRef]RetryRecord
	commands  map[string]CommandRecord
	policies  map[string]RiskPolicyRecord
	traces    map[RunRef][]TraceEventRecord
	decisions map[string][]RiskDecisionRecord
	nextTrace int64
	nextDec   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[RunRef]RunRecord),
		retries:   make(map[RunRef]RetryRecord),
		commands:  make(map[string]CommandRecord),
		policies:  make(map[string]RiskPolicyRecord),
		traces:    make(map[RunRef][]TraceEventRecord),
		decisions: make(map[string][]RiskDecisionRecord),
		nextTrace: 1,
		nextDec:   1,
	}
}

func commandKey(tenant, idempotencyKey string) string {
	return tenant + "|" + idempotencyKey
}

func (m *MemoryStore) CreateRun(_ context.Context, run RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := RunRef{Tenant: run.Tenant, RunID: run.RunID}
	if _, ok := m.runs[ref]; ok {
		return fmt.Errorf("run %s already exists", run.RunID)
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.LastTransitionAt.IsZero() {
		run.LastTransitionAt = now
	}
	m.runs[ref] = run
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, tenant, runID string) (RunRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[RunRef{Tenant: tenant, RunID: runID}]
	return run, ok, nil
}

func (m *MemoryStore) UpdateRun(_ context.Context, run RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := RunRef{Tenant: run.Tenant, RunID: run.RunID}
	if _, ok := m.runs[ref]; !ok {
		return fmt.Errorf("run %s not found", run.RunID)
	}
	m.runs[ref] = run
	return nil
}

func (m *MemoryStore) ListRunsByState(_ context.Context, tenant, runState string) ([]RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RunRecord, 0, 16)
	for _, r := range m.runs {
		if tenant != "" && r.Tenant != tenant {
			continue
		}
		if runState != "" && r.State != runState {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].RunID < out[j].RunID
	})
	return out, nil
}

func (m *MemoryStore) GetRetry(_ context.Context, tenant, runID string) (RetryRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.retries[RunRef{Tenant: tenant, RunID: runID}]
	return rec, ok, nil
}

func (m *MemoryStore) PutRetry(_ context.Context, rec RetryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.UpdatedAt = time.Now().UTC()
	m.retries[RunRef{Tenant: rec.Tenant, RunID: rec.RunID}] = rec
	return nil
}

func (m *MemoryStore) InsertCommand(_ context.Context, cmd CommandRecord) (CommandRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := commandKey(cmd.Tenant, cmd.IdempotencyKey)
	if existing, ok := m.commands[key]; ok {
		return existing, false, nil
	}
	now := time.Now().UTC()
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = now
	}
	cmd.UpdatedAt = now
	m.commands[key] = cmd
	return cmd, true, nil
}

func (m *MemoryStore) GetCommand(_ context.Context, tenant, idempotencyKey string) (CommandRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd, ok := m.commands[commandKey(tenant, idempotencyKey)]
	return cmd, ok, nil
}

func (m *MemoryStore) GetCommandByRun(_ context.Context, tenant, runID string) (CommandRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest CommandRecord
	found := false
	for _, cmd := range m.commands {
		if cmd.Tenant != tenant || cmd.RunID != runID {
			continue
		}
		if !found || cmd.CreatedAt.After(latest.CreatedAt) {
			latest = cmd
			found = true
		}
	}
	return latest, found, nil
}

func (m *MemoryStore) UpdateCommand(_ context.Context, cmd CommandRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := commandKey(cmd.Tenant, cmd.IdempotencyKey)
	if _, ok := m.commands[key]; !ok {
		return fmt.Errorf("command %s not found", cmd.IdempotencyKey)
	}
	cmd.UpdatedAt = time.Now().UTC()
	m.commands[key] = cmd
	return nil
}

func (m *MemoryStore) GetPolicy(_ context.Context, scope string) (RiskPolicyRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.policies[scope]
	return rec, ok, nil
}

func (m *MemoryStore) PutPolicy(_ context.Context, rec RiskPolicyRecord) (RiskPolicyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.policies[rec.Scope]
	rec.Revision = existing.Revision + 1
	rec.UpdatedAt = time.Now().UTC()
	m.policies[rec.Scope] = rec
	return rec, nil
}

func (m *MemoryStore) SwapPolicy(_ context.Context, rec RiskPolicyRecord, expectedRevision int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.policies[rec.Scope]
	if !ok || existing.Revision != expectedRevision {
		return false, nil
	}
	rec.Revision = expectedRevision + 1
	rec.UpdatedAt = time.Now().UTC()
	m.policies[rec.Scope] = rec
	return true, nil
}

func (m *MemoryStore) AppendTraceEvent(_ context.Context, event TraceEventRecord) (TraceEventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := RunRef{Tenant: event.Tenant, RunID: event.RunID}
	chain := m.traces[ref]
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	event.Seq = len(chain) + 1
	if len(chain) > 0 {
		event.PrevHash = chain[len(chain)-1].EventHash
	}
	event.EventHash = computeTraceHash(event)
	event.ID = m.nextTrace
	m.nextTrace++
	m.traces[ref] = append(chain, event)
	return event, nil
}

func (m *MemoryStore) ListTraceEvents(_ context.Context, query TraceQuery) ([]TraceEventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.traces[RunRef{Tenant: query.Tenant, RunID: query.RunID}]
	limit := query.Limit
	offset := query.Offset
	if limit <= 0 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	filtered := make([]TraceEventRecord, 0, len(chain))
	for _, ev := range chain {
		if query.EventType != "" && ev.EventType != query.EventType {
			continue
		}
		filtered = append(filtered, ev)
	}
	if offset > len(filtered) {
		offset = len(filtered)
	}
	items := filtered[offset:]
	if limit < len(items) {
		items = items[:limit]
	}
	out := make([]TraceEventRecord, len(items))
	copy(out, items)
	return out, nil
}

func (m *MemoryStore) AppendRiskDecision(_ context.Context, rec RiskDecisionRecord) (RiskDecisionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.decisions[rec.Scope]
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if len(chain) > 0 {
		rec.PrevHash = chain[len(chain)-1].EventHash
	}
	rec.EventHash = computeDecisionHash(rec)
	rec.ID = m.nextDec
	m.nextDec++
	m.decisions[rec.Scope] = append(chain, rec)
	return rec, nil
}

func (m *MemoryStore) ListRiskDecisions(_ context.Context, query DecisionQuery) ([]RiskDecisionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := query.Limit
	offset := query.Offset
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	filtered := make([]RiskDecisionRecord, 0, 64)
	for scope, chain := range m.decisions {
		if query.Scope != "" && scope != query.Scope {
			continue
		}
		for _, d := range chain {
			if query.CheckType != "" && d.CheckType != query.CheckType {
				continue
			}
			if query.Decision != "" && d.Decision != query.Decision {
				continue
			}
			if !query.From.IsZero() && d.CreatedAt.Before(query.From) {
				continue
			}
			if !query.To.IsZero() && d.CreatedAt.After(query.To) {
				continue
			}
			filtered = append(filtered, d)
		}
	}
	// Map iteration order is random; IDs are assigned from a single counter,
	// so sorting by ID makes offset/limit windows stable across calls.
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].ID < filtered[j].ID })
	if offset > len(filtered) {
		offset = len(filtered)
	}
	items := filtered[offset:]
	if limit < len(items) {
		items = items[:limit]
	}
	// Newest first for operator-facing endpoint.
	out := make([]RiskDecisionRecord, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		out = append(out, items[i])
	}
	return out, nil
}

func computeTraceHash(event TraceEventRecord) string {
	payload := map[string]any{
		"tenant":     event.Tenant,
		"run_id":     event.RunID,
		"seq":        event.Seq,
		"event_type": event.EventType,
		"request_id": event.RequestID,
		"user_id":    event.UserID,
		"step_label": event.StepLabel,
		"metadata":   event.Metadata,
		"prev_hash":  event.PrevHash,
		"created_at": event.CreatedAt.UnixNano(),
	}
	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func computeDecisionHash(rec RiskDecisionRecord) string {
	payload := map[string]any{
		"scope":          rec.Scope,
		"request_id":     rec.RequestID,
		"user_id":        rec.UserID,
		"check_type":     rec.CheckType,
		"decision":       rec.Decision,
		"policy_version": rec.PolicyVersion,
		"policy_mode":    rec.PolicyMode,
		"outcome_code":   rec.OutcomeCode,
		"reason":         rec.Reason,
		"metadata":       rec.Metadata,
		"prev_hash":      rec.PrevHash,
		"created_at":     rec.CreatedAt.UnixNano(),
	}
	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
