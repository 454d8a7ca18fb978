package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/iamtxena/trade-nexus-sub001/db/migrations"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if !hasSQLDriver("pgx") {
		return nil, errors.New("pgx SQL driver is not linked; import github.com/jackc/pgx/v5/stdlib")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	store := &PostgresStore{db: db}
	if err := store.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func hasSQLDriver(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}

func (p *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return err
	}
	files, err := listMigrationFiles(migrations.Files)
	if err != nil {
		return err
	}
	for _, file := range files {
		applied, err := p.isMigrationApplied(ctx, file)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := p.applyMigration(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) isMigrationApplied(ctx context.Context, version string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) applyMigration(ctx context.Context, file string) error {
	sqlBytes, err := migrations.Files.ReadFile(file)
	if err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, file, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

func (p *PostgresStore) CreateRun(ctx context.Context, run RunRecord) error {
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.LastTransitionAt.IsZero() {
		run.LastTransitionAt = now
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, tenant, user_id, state, priority, step_label, message, cancellation_reason, enqueued_at, created_at, last_transition_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		run.RunID, run.Tenant, run.UserID, run.State, run.Priority, run.StepLabel, run.Message, run.CancellationReason, nullTime(run.EnqueuedAt), run.CreatedAt, run.LastTransitionAt,
	)
	return err
}

func (p *PostgresStore) GetRun(ctx context.Context, tenant, runID string) (RunRecord, bool, error) {
	var r RunRecord
	var enqueued sql.NullTime
	err := p.db.QueryRowContext(ctx,
		`SELECT run_id, tenant, user_id, state, priority, step_label, message, cancellation_reason, enqueued_at, created_at, last_transition_at
		 FROM runs WHERE tenant=$1 AND run_id=$2`, tenant, runID,
	).Scan(&r.RunID, &r.Tenant, &r.UserID, &r.State, &r.Priority, &r.StepLabel, &r.Message, &r.CancellationReason, &enqueued, &r.CreatedAt, &r.LastTransitionAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, false, nil
	}
	if err != nil {
		return RunRecord{}, false, err
	}
	if enqueued.Valid {
		r.EnqueuedAt = enqueued.Time
	}
	return r, true, nil
}

func (p *PostgresStore) UpdateRun(ctx context.Context, run RunRecord) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE runs SET state=$3, priority=$4, step_label=$5, message=$6, cancellation_reason=$7, enqueued_at=$8, last_transition_at=$9
		 WHERE tenant=$1 AND run_id=$2`,
		run.Tenant, run.RunID, run.State, run.Priority, run.StepLabel, run.Message, run.CancellationReason, nullTime(run.EnqueuedAt), run.LastTransitionAt,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("run %s not found", run.RunID)
	}
	return nil
}

func (p *PostgresStore) ListRunsByState(ctx context.Context, tenant, runState string) ([]RunRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT run_id, tenant, user_id, state, priority, step_label, message, cancellation_reason, enqueued_at, created_at, last_transition_at
		 FROM runs WHERE ($1 = '' OR tenant=$1) AND ($2 = '' OR state=$2)
		 ORDER BY created_at, run_id`, tenant, runState,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]RunRecord, 0, 32)
	for rows.Next() {
		var r RunRecord
		var enqueued sql.NullTime
		if err := rows.Scan(&r.RunID, &r.Tenant, &r.UserID, &r.State, &r.Priority, &r.StepLabel, &r.Message, &r.CancellationReason, &enqueued, &r.CreatedAt, &r.LastTransitionAt); err != nil {
			return nil, err
		}
		if enqueued.Valid {
			r.EnqueuedAt = enqueued.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetRetry(ctx context.Context, tenant, runID string) (RetryRecord, bool, error) {
	var r RetryRecord
	err := p.db.QueryRowContext(ctx,
		`SELECT tenant, run_id, attempt_number, failure_count, max_attempts, max_failures, decision, reason_code, backoff_millis, updated_at
		 FROM retries WHERE tenant=$1 AND run_id=$2`, tenant, runID,
	).Scan(&r.Tenant, &r.RunID, &r.AttemptNumber, &r.FailureCount, &r.MaxAttempts, &r.MaxFailures, &r.Decision, &r.ReasonCode, &r.BackoffMillis, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RetryRecord{}, false, nil
	}
	if err != nil {
		return RetryRecord{}, false, err
	}
	return r, true, nil
}

func (p *PostgresStore) PutRetry(ctx context.Context, rec RetryRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO retries (tenant, run_id, attempt_number, failure_count, max_attempts, max_failures, decision, reason_code, backoff_millis, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 ON CONFLICT (tenant, run_id) DO UPDATE SET
		   attempt_number=EXCLUDED.attempt_number, failure_count=EXCLUDED.failure_count,
		   max_attempts=EXCLUDED.max_attempts, max_failures=EXCLUDED.max_failures,
		   decision=EXCLUDED.decision, reason_code=EXCLUDED.reason_code,
		   backoff_millis=EXCLUDED.backoff_millis, updated_at=EXCLUDED.updated_at`,
		rec.Tenant, rec.RunID, rec.AttemptNumber, rec.FailureCount, rec.MaxAttempts, rec.MaxFailures, rec.Decision, rec.ReasonCode, rec.BackoffMillis, rec.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) InsertCommand(ctx context.Context, cmd CommandRecord) (CommandRecord, bool, error) {
	now := time.Now().UTC()
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = now
	}
	cmd.UpdatedAt = now
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO commands (tenant, idempotency_key, run_id, command_type, payload_hash, payload, status, outcome_code, reason, provider_ref, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		 ON CONFLICT (tenant, idempotency_key) DO NOTHING`,
		cmd.Tenant, cmd.IdempotencyKey, cmd.RunID, cmd.CommandType, cmd.PayloadHash, cmd.Payload, cmd.Status, cmd.OutcomeCode, cmd.Reason, cmd.ProviderRef, cmd.CreatedAt, cmd.UpdatedAt,
	)
	if err != nil {
		return CommandRecord{}, false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return CommandRecord{}, false, err
	}
	if rows == 1 {
		return cmd, true, nil
	}
	existing, ok, err := p.GetCommand(ctx, cmd.Tenant, cmd.IdempotencyKey)
	if err != nil {
		return CommandRecord{}, false, err
	}
	if !ok {
		return CommandRecord{}, false, fmt.Errorf("command %s vanished after conflicting insert", cmd.IdempotencyKey)
	}
	return existing, false, nil
}

func (p *PostgresStore) GetCommand(ctx context.Context, tenant, idempotencyKey string) (CommandRecord, bool, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT tenant, idempotency_key, run_id, command_type, payload_hash, payload, status, outcome_code, reason, provider_ref, created_at, updated_at
		 FROM commands WHERE tenant=$1 AND idempotency_key=$2`, tenant, idempotencyKey,
	)
	return scanCommand(row)
}

func (p *PostgresStore) GetCommandByRun(ctx context.Context, tenant, runID string) (CommandRecord, bool, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT tenant, idempotency_key, run_id, command_type, payload_hash, payload, status, outcome_code, reason, provider_ref, created_at, updated_at
		 FROM commands WHERE tenant=$1 AND run_id=$2 ORDER BY created_at DESC LIMIT 1`, tenant, runID,
	)
	return scanCommand(row)
}

func scanCommand(row *sql.Row) (CommandRecord, bool, error) {
	var c CommandRecord
	err := row.Scan(&c.Tenant, &c.IdempotencyKey, &c.RunID, &c.CommandType, &c.PayloadHash, &c.Payload, &c.Status, &c.OutcomeCode, &c.Reason, &c.ProviderRef, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CommandRecord{}, false, nil
	}
	if err != nil {
		return CommandRecord{}, false, err
	}
	return c, true, nil
}

func (p *PostgresStore) UpdateCommand(ctx context.Context, cmd CommandRecord) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE commands SET status=$3, outcome_code=$4, reason=$5, provider_ref=$6, updated_at=$7
		 WHERE tenant=$1 AND idempotency_key=$2`,
		cmd.Tenant, cmd.IdempotencyKey, cmd.Status, cmd.OutcomeCode, cmd.Reason, cmd.ProviderRef, time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("command %s not found", cmd.IdempotencyKey)
	}
	return nil
}

func (p *PostgresStore) GetPolicy(ctx context.Context, scope string) (RiskPolicyRecord, bool, error) {
	var r RiskPolicyRecord
	var triggeredAt sql.NullTime
	err := p.db.QueryRowContext(ctx,
		`SELECT scope, revision, document, version, mode, kill_switch_triggered, kill_switch_at, breach_reason, updated_at
		 FROM risk_policies WHERE scope=$1`, scope,
	).Scan(&r.Scope, &r.Revision, &r.Document, &r.Version, &r.Mode, &r.KillSwitchTriggered, &triggeredAt, &r.BreachReason, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RiskPolicyRecord{}, false, nil
	}
	if err != nil {
		return RiskPolicyRecord{}, false, err
	}
	if triggeredAt.Valid {
		r.KillSwitchAt = triggeredAt.Time
	}
	return r, true, nil
}

func (p *PostgresStore) PutPolicy(ctx context.Context, rec RiskPolicyRecord) (RiskPolicyRecord, error) {
	rec.UpdatedAt = time.Now().UTC()
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO risk_policies (scope, revision, document, version, mode, kill_switch_triggered, kill_switch_at, breach_reason, updated_at)
		 VALUES ($1,1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (scope) DO UPDATE SET
		   revision=risk_policies.revision+1, document=EXCLUDED.document, version=EXCLUDED.version,
		   mode=EXCLUDED.mode, kill_switch_triggered=EXCLUDED.kill_switch_triggered,
		   kill_switch_at=EXCLUDED.kill_switch_at, breach_reason=EXCLUDED.breach_reason, updated_at=EXCLUDED.updated_at
		 RETURNING revision`,
		rec.Scope, rec.Document, rec.Version, rec.Mode, rec.KillSwitchTriggered, nullTime(rec.KillSwitchAt), rec.BreachReason, rec.UpdatedAt,
	).Scan(&rec.Revision)
	if err != nil {
		return RiskPolicyRecord{}, err
	}
	return rec, nil
}

func (p *PostgresStore) SwapPolicy(ctx context.Context, rec RiskPolicyRecord, expectedRevision int64) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE risk_policies SET revision=revision+1, document=$2, version=$3, mode=$4,
		   kill_switch_triggered=$5, kill_switch_at=$6, breach_reason=$7, updated_at=$8
		 WHERE scope=$1 AND revision=$9`,
		rec.Scope, rec.Document, rec.Version, rec.Mode, rec.KillSwitchTriggered, nullTime(rec.KillSwitchAt), rec.BreachReason, time.Now().UTC(), expectedRevision,
	)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (p *PostgresStore) AppendTraceEvent(ctx context.Context, event TraceEventRecord) (TraceEventRecord, error) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return TraceEventRecord{}, err
	}
	defer func() { _ = tx.Rollback() }()
	prevHash := ""
	lastSeq := 0
	_ = tx.QueryRowContext(ctx,
		`SELECT event_hash, seq FROM trace_events WHERE tenant=$1 AND run_id=$2 ORDER BY seq DESC LIMIT 1 FOR UPDATE`,
		event.Tenant, event.RunID,
	).Scan(&prevHash, &lastSeq)
	event.PrevHash = prevHash
	event.Seq = lastSeq + 1
	event.EventHash = computeTraceHash(event)
	err = tx.QueryRowContext(ctx,
		`INSERT INTO trace_events (tenant, run_id, seq, event_type, request_id, user_id, step_label, metadata, prev_hash, event_hash, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id`,
		event.Tenant, event.RunID, event.Seq, event.EventType, event.RequestID, event.UserID, event.StepLabel, event.Metadata, event.PrevHash, event.EventHash, event.CreatedAt,
	).Scan(&event.ID)
	if err != nil {
		return TraceEventRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return TraceEventRecord{}, err
	}
	return event, nil
}

func (p *PostgresStore) ListTraceEvents(ctx context.Context, query TraceQuery) ([]TraceEventRecord, error) {
	limit := query.Limit
	offset := query.Offset
	if limit <= 0 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, tenant, run_id, seq, event_type, request_id, user_id, step_label, metadata, prev_hash, event_hash, created_at
		 FROM trace_events
		 WHERE tenant=$1 AND run_id=$2 AND ($3 = '' OR event_type=$3)
		 ORDER BY seq ASC
		 LIMIT $4 OFFSET $5`,
		query.Tenant, query.RunID, query.EventType, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]TraceEventRecord, 0, limit)
	for rows.Next() {
		var e TraceEventRecord
		if err := rows.Scan(&e.ID, &e.Tenant, &e.RunID, &e.Seq, &e.EventType, &e.RequestID, &e.UserID, &e.StepLabel, &e.Metadata, &e.PrevHash, &e.EventHash, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AppendRiskDecision(ctx context.Context, rec RiskDecisionRecord) (RiskDecisionRecord, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return RiskDecisionRecord{}, err
	}
	defer func() { _ = tx.Rollback() }()
	prevHash := ""
	_ = tx.QueryRowContext(ctx,
		`SELECT event_hash FROM risk_decisions WHERE scope=$1 ORDER BY id DESC LIMIT 1 FOR UPDATE`,
		rec.Scope,
	).Scan(&prevHash)
	rec.PrevHash = prevHash
	rec.EventHash = computeDecisionHash(rec)
	err = tx.QueryRowContext(ctx,
		`INSERT INTO risk_decisions (scope, request_id, user_id, check_type, decision, policy_version, policy_mode, outcome_code, reason, metadata, prev_hash, event_hash, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13) RETURNING id`,
		rec.Scope, rec.RequestID, rec.UserID, rec.CheckType, rec.Decision, rec.PolicyVersion, rec.PolicyMode, rec.OutcomeCode, rec.Reason, rec.Metadata, rec.PrevHash, rec.EventHash, rec.CreatedAt,
	).Scan(&rec.ID)
	if err != nil {
		return RiskDecisionRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return RiskDecisionRecord{}, err
	}
	return rec, nil
}

func (p *PostgresStore) ListRiskDecisions(ctx context.Context, query DecisionQuery) ([]RiskDecisionRecord, error) {
	limit := query.Limit
	offset := query.Offset
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	where := []string{"1=1"}
	args := make([]any, 0, 8)
	argi := 1
	add := func(clause string, v any) {
		where = append(where, fmt.Sprintf(clause, argi))
		args = append(args, v)
		argi++
	}
	if query.Scope != "" {
		add("scope=$%d", query.Scope)
	}
	if query.CheckType != "" {
		add("check_type=$%d", query.CheckType)
	}
	if query.Decision != "" {
		add("decision=$%d", query.Decision)
	}
	if !query.From.IsZero() {
		add("created_at >= $%d", query.From)
	}
	if !query.To.IsZero() {
		add("created_at <= $%d", query.To)
	}
	args = append(args, limit, offset)
	sqlQuery := fmt.Sprintf(
		`SELECT id, scope, request_id, user_id, check_type, decision, policy_version, policy_mode, outcome_code, reason, metadata, prev_hash, event_hash, created_at
		 FROM risk_decisions
		 WHERE %s
		 ORDER BY created_at DESC, id DESC
		 LIMIT $%d OFFSET $%d`,
		strings.Join(where, " AND "), argi, argi+1,
	)
	rows, err := p.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]RiskDecisionRecord, 0, limit)
	for rows.Next() {
		var d RiskDecisionRecord
		if err := rows.Scan(&d.ID, &d.Scope, &d.RequestID, &d.UserID, &d.CheckType, &d.Decision, &d.PolicyVersion, &d.PolicyMode, &d.OutcomeCode, &d.Reason, &d.Metadata, &d.PrevHash, &d.EventHash, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
