// Package postgres is a PostgreSQL-backed store.Store, grounded on the
// teacher's common/database.DB: a pgxpool.Pool opened from a DSN, with a
// WithTx helper used here for the cross-entity cascade delete.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trinity-platform/orchestrator/internal/domain"
	"github.com/trinity-platform/orchestrator/internal/platform/apierr"
	"github.com/trinity-platform/orchestrator/internal/store"
)

// postgresUniqueViolation is the SQLSTATE code Postgres returns for a
// unique constraint violation.
const postgresUniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	name                  TEXT PRIMARY KEY,
	owner                 TEXT NOT NULL,
	shared_with           JSONB NOT NULL DEFAULT '[]',
	template              TEXT NOT NULL,
	memory_bytes          BIGINT NOT NULL DEFAULT 0,
	cpu_cores             DOUBLE PRECISION NOT NULL DEFAULT 0,
	runtime_kind          TEXT NOT NULL,
	model                 TEXT NOT NULL DEFAULT '',
	autonomy              BOOLEAN NOT NULL DEFAULT false,
	full_capabilities     BOOLEAN NOT NULL DEFAULT false,
	system_protected      BOOLEAN NOT NULL DEFAULT false,
	shared_folder_expose  BOOLEAN NOT NULL DEFAULT false,
	shared_folder_consume BOOLEAN NOT NULL DEFAULT false,
	state                 TEXT NOT NULL,
	container_id          TEXT NOT NULL DEFAULT '',
	port                  INTEGER NOT NULL DEFAULT 0,
	created_at            TIMESTAMPTZ NOT NULL,
	last_started_at       TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS permission_edges (
	source     TEXT NOT NULL,
	target     TEXT NOT NULL,
	granted_by TEXT NOT NULL,
	granted_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (source, target)
);

CREATE TABLE IF NOT EXISTS schedules (
	id              TEXT PRIMARY KEY,
	agent_name      TEXT NOT NULL,
	cron_expression TEXT NOT NULL DEFAULT '',
	time_zone       TEXT NOT NULL DEFAULT '',
	one_shot_at     TIMESTAMPTZ,
	message         TEXT NOT NULL DEFAULT '',
	enabled         BOOLEAN NOT NULL DEFAULT false,
	owner_principal TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	last_fired_at   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS executions (
	id            TEXT PRIMARY KEY,
	agent_name    TEXT NOT NULL,
	mode          TEXT NOT NULL,
	trigger       TEXT NOT NULL,
	initiator     TEXT NOT NULL DEFAULT '',
	started_at    TIMESTAMPTZ NOT NULL,
	ended_at      TIMESTAMPTZ,
	status        TEXT NOT NULL,
	session_id    TEXT NOT NULL DEFAULT '',
	cost_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	duration_ms   BIGINT NOT NULL DEFAULT 0,
	error         TEXT NOT NULL DEFAULT '',
	context_pct   INTEGER NOT NULL DEFAULT 0,
	call_chain    JSONB NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_executions_agent ON executions(agent_name);

CREATE TABLE IF NOT EXISTS activity (
	agent_name   TEXT NOT NULL,
	id           BIGINT NOT NULL,
	timestamp    TIMESTAMPTZ NOT NULL,
	kind         TEXT NOT NULL,
	execution_id TEXT NOT NULL DEFAULT '',
	peer_agent   TEXT NOT NULL DEFAULT '',
	payload      JSONB NOT NULL DEFAULT '{}',
	severity     TEXT NOT NULL DEFAULT 'info',
	PRIMARY KEY (agent_name, id)
);

CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open connects to dsn, verifies reachability with a ping, and applies the
// schema idempotently.
func Open(ctx context.Context, dsn string, maxConns, minConns int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	if minConns > 0 {
		cfg.MinConns = int32(minConns)
	}
	cfg.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Agents() store.AgentRepo          { return &agentRepo{pool: s.pool} }
func (s *Store) Permissions() store.PermissionRepo { return &permissionRepo{pool: s.pool} }
func (s *Store) Schedules() store.ScheduleRepo     { return &scheduleRepo{pool: s.pool} }
func (s *Store) Executions() store.ExecutionRepo   { return &executionRepo{pool: s.pool} }
func (s *Store) Activity() store.ActivityRepo      { return &activityRepo{pool: s.pool} }
func (s *Store) Settings() store.SettingsRepo      { return &settingsRepo{pool: s.pool} }

// DeleteAgentCascade removes the agent, every edge touching it, and every
// schedule it owns in one transaction (spec §4.1, §8.7).
func (s *Store) DeleteAgentCascade(ctx context.Context, name string) error {
	return withTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM agents WHERE name = $1`, name)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return apierr.New(apierr.NotFound, "agent not found: "+name)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM permission_edges WHERE source = $1 OR target = $1`, name); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM schedules WHERE agent_name = $1`, name); err != nil {
			return err
		}
		return nil
	})
}

func withTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("tx failed: %w, rollback failed: %v", err, rbErr)
		}
		return err
	}
	return tx.Commit(ctx)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func scanTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == postgresUniqueViolation
}

// --- agents ---

type agentRepo struct{ pool *pgxpool.Pool }

const agentColumns = `name, owner, shared_with, template, memory_bytes, cpu_cores, runtime_kind, model,
	autonomy, full_capabilities, system_protected, shared_folder_expose, shared_folder_consume,
	state, container_id, port, created_at, last_started_at`

func scanAgent(row pgx.Row) (*domain.Agent, error) {
	a := &domain.Agent{}
	var sharedWith []byte
	var lastStarted *time.Time
	if err := row.Scan(&a.Name, &a.Owner, &sharedWith, &a.Template, &a.Limits.MemoryBytes, &a.Limits.CPUCores,
		&a.RuntimeKind, &a.Model, &a.Autonomy, &a.FullCapabilities, &a.SystemProtected,
		&a.SharedFolder.Expose, &a.SharedFolder.Consume, &a.State, &a.ContainerID, &a.Port, &a.CreatedAt, &lastStarted); err != nil {
		return nil, err
	}
	_ = json.Unmarshal(sharedWith, &a.SharedWith)
	a.CreatedAt = a.CreatedAt.UTC()
	a.LastStartedAt = scanTime(lastStarted)
	return a, nil
}

func (r *agentRepo) Create(ctx context.Context, a *domain.Agent) error {
	sharedWith, _ := json.Marshal(a.SharedWith)
	_, err := r.pool.Exec(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`, a.Name, a.Owner, sharedWith, a.Template, a.Limits.MemoryBytes, a.Limits.CPUCores, string(a.RuntimeKind),
		a.Model, a.Autonomy, a.FullCapabilities, a.SystemProtected, a.SharedFolder.Expose, a.SharedFolder.Consume,
		string(a.State), a.ContainerID, a.Port, a.CreatedAt, nullTime(a.LastStartedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return apierr.New(apierr.NameConflict, "agent name in use: "+a.Name)
		}
		return err
	}
	return nil
}

func (r *agentRepo) Get(ctx context.Context, name string) (*domain.Agent, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE name = $1`, name)
	a, err := scanAgent(row)
	if err == pgx.ErrNoRows {
		return nil, apierr.New(apierr.NotFound, "agent not found: "+name)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (r *agentRepo) queryAgents(ctx context.Context, where string, args ...any) ([]*domain.Agent, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+agentColumns+` FROM agents `+where+` ORDER BY name`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*domain.Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *agentRepo) List(ctx context.Context) ([]*domain.Agent, error) {
	return r.queryAgents(ctx, "")
}

func (r *agentRepo) ListByOwner(ctx context.Context, owner string) ([]*domain.Agent, error) {
	return r.queryAgents(ctx, "WHERE owner = $1", owner)
}

func (r *agentRepo) ListRunningByOwner(ctx context.Context, owner string) ([]*domain.Agent, error) {
	return r.queryAgents(ctx, "WHERE owner = $1 AND state = $2", owner, string(domain.AgentRunning))
}

func (r *agentRepo) Update(ctx context.Context, a *domain.Agent) error {
	sharedWith, _ := json.Marshal(a.SharedWith)
	tag, err := r.pool.Exec(ctx, `
		UPDATE agents SET owner=$1, shared_with=$2, template=$3, memory_bytes=$4, cpu_cores=$5, runtime_kind=$6,
			model=$7, autonomy=$8, full_capabilities=$9, system_protected=$10, shared_folder_expose=$11,
			shared_folder_consume=$12, state=$13, container_id=$14, port=$15, last_started_at=$16
		WHERE name = $17
	`, a.Owner, sharedWith, a.Template, a.Limits.MemoryBytes, a.Limits.CPUCores, string(a.RuntimeKind), a.Model,
		a.Autonomy, a.FullCapabilities, a.SystemProtected, a.SharedFolder.Expose, a.SharedFolder.Consume,
		string(a.State), a.ContainerID, a.Port, nullTime(a.LastStartedAt), a.Name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apierr.New(apierr.NotFound, "agent not found: "+a.Name)
	}
	return nil
}

func (r *agentRepo) Delete(ctx context.Context, name string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM agents WHERE name = $1`, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apierr.New(apierr.NotFound, "agent not found: "+name)
	}
	return nil
}

// --- permissions ---

type permissionRepo struct{ pool *pgxpool.Pool }

func (r *permissionRepo) Set(ctx context.Context, e *domain.PermissionEdge) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO permission_edges (source, target, granted_by, granted_at) VALUES ($1,$2,$3,$4)
		ON CONFLICT (source, target) DO UPDATE SET granted_by = excluded.granted_by, granted_at = excluded.granted_at
	`, e.Source, e.Target, e.GrantedBy, e.GrantedAt)
	return err
}

func (r *permissionRepo) Clear(ctx context.Context, source, target string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM permission_edges WHERE source = $1 AND target = $2`, source, target)
	return err
}

func (r *permissionRepo) Get(ctx context.Context, source, target string) (*domain.PermissionEdge, bool, error) {
	e := &domain.PermissionEdge{}
	err := r.pool.QueryRow(ctx, `
		SELECT source, target, granted_by, granted_at FROM permission_edges WHERE source = $1 AND target = $2
	`, source, target).Scan(&e.Source, &e.Target, &e.GrantedBy, &e.GrantedAt)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	e.GrantedAt = e.GrantedAt.UTC()
	return e, true, nil
}

func (r *permissionRepo) ListOut(ctx context.Context, source string) ([]*domain.PermissionEdge, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT source, target, granted_by, granted_at FROM permission_edges WHERE source = $1 ORDER BY target
	`, source)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*domain.PermissionEdge, 0)
	for rows.Next() {
		e := &domain.PermissionEdge{}
		if err := rows.Scan(&e.Source, &e.Target, &e.GrantedBy, &e.GrantedAt); err != nil {
			return nil, err
		}
		e.GrantedAt = e.GrantedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *permissionRepo) DeleteAllForAgent(ctx context.Context, name string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM permission_edges WHERE source = $1 OR target = $1`, name)
	return err
}

// --- schedules ---

type scheduleRepo struct{ pool *pgxpool.Pool }

const scheduleColumns = `id, agent_name, cron_expression, time_zone, one_shot_at, message, enabled, owner_principal, created_at, last_fired_at`

func scanSchedule(row pgx.Row) (*domain.Schedule, error) {
	s := &domain.Schedule{}
	var oneShot, lastFired *time.Time
	if err := row.Scan(&s.ID, &s.AgentName, &s.CronExpression, &s.TimeZone, &oneShot, &s.Message, &s.Enabled,
		&s.OwnerPrincipal, &s.CreatedAt, &lastFired); err != nil {
		return nil, err
	}
	s.OneShotAt = scanTime(oneShot)
	s.CreatedAt = s.CreatedAt.UTC()
	s.LastFiredAt = scanTime(lastFired)
	return s, nil
}

func (r *scheduleRepo) Create(ctx context.Context, sch *domain.Schedule) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO schedules (`+scheduleColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, sch.ID, sch.AgentName, sch.CronExpression, sch.TimeZone, nullTime(sch.OneShotAt), sch.Message,
		sch.Enabled, sch.OwnerPrincipal, sch.CreatedAt, nullTime(sch.LastFiredAt))
	if err != nil {
		if isUniqueViolation(err) {
			return apierr.New(apierr.NameConflict, "schedule id in use: "+sch.ID)
		}
		return err
	}
	return nil
}

func (r *scheduleRepo) Get(ctx context.Context, id string) (*domain.Schedule, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id)
	sch, err := scanSchedule(row)
	if err == pgx.ErrNoRows {
		return nil, apierr.New(apierr.NotFound, "schedule not found: "+id)
	}
	if err != nil {
		return nil, err
	}
	return sch, nil
}

func (r *scheduleRepo) query(ctx context.Context, where string, args ...any) ([]*domain.Schedule, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+scheduleColumns+` FROM schedules `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*domain.Schedule, 0)
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}

func (r *scheduleRepo) ListEnabled(ctx context.Context) ([]*domain.Schedule, error) {
	return r.query(ctx, "WHERE enabled = true")
}

func (r *scheduleRepo) ListByAgent(ctx context.Context, agentName string) ([]*domain.Schedule, error) {
	return r.query(ctx, "WHERE agent_name = $1", agentName)
}

func (r *scheduleRepo) Update(ctx context.Context, sch *domain.Schedule) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE schedules SET agent_name=$1, cron_expression=$2, time_zone=$3, one_shot_at=$4, message=$5,
			enabled=$6, owner_principal=$7, last_fired_at=$8
		WHERE id = $9
	`, sch.AgentName, sch.CronExpression, sch.TimeZone, nullTime(sch.OneShotAt), sch.Message, sch.Enabled,
		sch.OwnerPrincipal, nullTime(sch.LastFiredAt), sch.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apierr.New(apierr.NotFound, "schedule not found: "+sch.ID)
	}
	return nil
}

func (r *scheduleRepo) Delete(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	return err
}

func (r *scheduleRepo) DeleteAllForAgent(ctx context.Context, agentName string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM schedules WHERE agent_name = $1`, agentName)
	return err
}

// --- executions ---

type executionRepo struct{ pool *pgxpool.Pool }

const executionColumns = `id, agent_name, mode, trigger, initiator, started_at, ended_at, status, session_id,
	cost_usd, input_tokens, output_tokens, duration_ms, error, context_pct, call_chain`

func scanExecution(row pgx.Row) (*domain.Execution, error) {
	e := &domain.Execution{}
	var endedAt *time.Time
	var callChain []byte
	if err := row.Scan(&e.ID, &e.AgentName, &e.Mode, &e.Trigger, &e.Initiator, &e.StartedAt, &endedAt, &e.Status,
		&e.SessionID, &e.CostUSD, &e.InputTokens, &e.OutputTokens, &e.DurationMS, &e.Error, &e.ContextPct, &callChain); err != nil {
		return nil, err
	}
	e.StartedAt = e.StartedAt.UTC()
	e.EndedAt = scanTime(endedAt)
	_ = json.Unmarshal(callChain, &e.CallChain)
	return e, nil
}

func (r *executionRepo) Create(ctx context.Context, e *domain.Execution) error {
	callChain, _ := json.Marshal(e.CallChain)
	_, err := r.pool.Exec(ctx, `
		INSERT INTO executions (`+executionColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, e.ID, e.AgentName, string(e.Mode), string(e.Trigger), e.Initiator, e.StartedAt, nullTime(e.EndedAt),
		string(e.Status), e.SessionID, e.CostUSD, e.InputTokens, e.OutputTokens, e.DurationMS, e.Error,
		e.ContextPct, callChain)
	if err != nil {
		if isUniqueViolation(err) {
			return apierr.New(apierr.NameConflict, "execution id in use: "+e.ID)
		}
		return err
	}
	return nil
}

func (r *executionRepo) Get(ctx context.Context, id string) (*domain.Execution, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)
	e, err := scanExecution(row)
	if err == pgx.ErrNoRows {
		return nil, apierr.New(apierr.NotFound, "execution not found: "+id)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (r *executionRepo) Update(ctx context.Context, e *domain.Execution) error {
	callChain, _ := json.Marshal(e.CallChain)
	tag, err := r.pool.Exec(ctx, `
		UPDATE executions SET agent_name=$1, mode=$2, trigger=$3, initiator=$4, started_at=$5, ended_at=$6,
			status=$7, session_id=$8, cost_usd=$9, input_tokens=$10, output_tokens=$11, duration_ms=$12,
			error=$13, context_pct=$14, call_chain=$15
		WHERE id = $16
	`, e.AgentName, string(e.Mode), string(e.Trigger), e.Initiator, e.StartedAt, nullTime(e.EndedAt),
		string(e.Status), e.SessionID, e.CostUSD, e.InputTokens, e.OutputTokens, e.DurationMS, e.Error,
		e.ContextPct, callChain, e.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apierr.New(apierr.NotFound, "execution not found: "+e.ID)
	}
	return nil
}

func (r *executionRepo) ListByAgent(ctx context.Context, agentName string, limit int) ([]*domain.Execution, error) {
	q := `SELECT ` + executionColumns + ` FROM executions WHERE agent_name = $1 ORDER BY started_at DESC`
	args := []any{agentName}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*domain.Execution, 0)
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *executionRepo) CountRunning(ctx context.Context, agentName string, mode domain.ExecutionMode) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(1) FROM executions WHERE agent_name = $1 AND mode = $2 AND status = $3
	`, agentName, string(mode), string(domain.StatusRunning)).Scan(&n)
	return n, err
}

func (r *executionRepo) CountRunningGlobal(ctx context.Context, mode domain.ExecutionMode) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(1) FROM executions WHERE mode = $1 AND status = $2
	`, string(mode), string(domain.StatusRunning)).Scan(&n)
	return n, err
}

func (r *executionRepo) SumCostSince(ctx context.Context, agentName string, since time.Time) (float64, error) {
	var total float64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(cost_usd), 0) FROM executions
		WHERE agent_name = $1 AND status IN ($2,$3,$4,$5) AND ended_at >= $6
	`, agentName, string(domain.StatusCompleted), string(domain.StatusFailed), string(domain.StatusTimedOut),
		string(domain.StatusCancelled), since).Scan(&total)
	return total, err
}

func (r *executionRepo) ListAcceptedNotStarted(ctx context.Context, agentName string) ([]*domain.Execution, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+executionColumns+` FROM executions WHERE agent_name = $1 AND mode = $2 AND status = $3 ORDER BY id
	`, agentName, string(domain.ModeChat), string(domain.StatusAccepted))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*domain.Execution, 0)
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- activity ---

type activityRepo struct{ pool *pgxpool.Pool }

func (r *activityRepo) Append(ctx context.Context, rec *domain.ActivityRecord) error {
	payload, _ := json.Marshal(rec.Payload)
	_, err := r.pool.Exec(ctx, `
		INSERT INTO activity (agent_name, id, timestamp, kind, execution_id, peer_agent, payload, severity)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, rec.AgentName, rec.ID, rec.Timestamp, string(rec.Kind), rec.ExecutionID, rec.PeerAgent, payload, string(rec.Severity))
	return err
}

func scanActivity(row pgx.Row) (*domain.ActivityRecord, error) {
	rec := &domain.ActivityRecord{}
	var payload []byte
	if err := row.Scan(&rec.AgentName, &rec.ID, &rec.Timestamp, &rec.Kind, &rec.ExecutionID, &rec.PeerAgent, &payload, &rec.Severity); err != nil {
		return nil, err
	}
	rec.Timestamp = rec.Timestamp.UTC()
	rec.Payload = map[string]any{}
	_ = json.Unmarshal(payload, &rec.Payload)
	return rec, nil
}

func (r *activityRepo) Query(ctx context.Context, f domain.ActivityFilter) ([]*domain.ActivityRecord, error) {
	q := `SELECT agent_name, id, timestamp, kind, execution_id, peer_agent, payload, severity FROM activity WHERE true`
	var args []any
	n := 0
	next := func() string { n++; return fmt.Sprintf("$%d", n) }
	if f.AgentName != "" {
		q += ` AND agent_name = ` + next()
		args = append(args, f.AgentName)
	}
	if f.Kind != "" {
		q += ` AND kind = ` + next()
		args = append(args, string(f.Kind))
	}
	if !f.Since.IsZero() {
		q += ` AND timestamp >= ` + next()
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		q += ` AND timestamp <= ` + next()
		args = append(args, f.Until)
	}
	q += ` ORDER BY agent_name, id`

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*domain.ActivityRecord, 0)
	for rows.Next() {
		rec, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

func (r *activityRepo) NextID(ctx context.Context, agentName string) (int64, error) {
	var max *int64
	err := r.pool.QueryRow(ctx, `SELECT MAX(id) FROM activity WHERE agent_name = $1`, agentName).Scan(&max)
	if err != nil {
		return 0, err
	}
	if max == nil {
		return 1, nil
	}
	return *max + 1, nil
}

// --- settings ---

type settingsRepo struct{ pool *pgxpool.Pool }

func (r *settingsRepo) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := r.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&v)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *settingsRepo) Set(ctx context.Context, key, value string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO settings (key, value) VALUES ($1,$2)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func (r *settingsRepo) All(ctx context.Context) (map[string]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (r *settingsRepo) SeedDefaults(ctx context.Context) error {
	for k, v := range domain.DefaultSettings() {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO settings (key, value) VALUES ($1,$2) ON CONFLICT (key) DO NOTHING
		`, k, v)
		if err != nil {
			return err
		}
	}
	return nil
}
