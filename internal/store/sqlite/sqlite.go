// Package sqlite is a SQLite-backed store.Store, grounded on the teacher's
// user/store.SQLiteRepository: a single *sql.DB capped at one open
// connection (SQLite does not tolerate concurrent writers well, and a
// single connection makes the cross-entity cascade delete trivially
// serializable without an explicit transaction isolation story).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/trinity-platform/orchestrator/internal/domain"
	"github.com/trinity-platform/orchestrator/internal/platform/apierr"
	"github.com/trinity-platform/orchestrator/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	name                   TEXT PRIMARY KEY,
	owner                  TEXT NOT NULL,
	shared_with            TEXT NOT NULL DEFAULT '[]',
	template               TEXT NOT NULL,
	memory_bytes           INTEGER NOT NULL DEFAULT 0,
	cpu_cores              REAL NOT NULL DEFAULT 0,
	runtime_kind           TEXT NOT NULL,
	model                  TEXT NOT NULL DEFAULT '',
	autonomy               INTEGER NOT NULL DEFAULT 0,
	full_capabilities      INTEGER NOT NULL DEFAULT 0,
	system_protected       INTEGER NOT NULL DEFAULT 0,
	shared_folder_expose   INTEGER NOT NULL DEFAULT 0,
	shared_folder_consume  INTEGER NOT NULL DEFAULT 0,
	state                  TEXT NOT NULL,
	container_id           TEXT NOT NULL DEFAULT '',
	port                   INTEGER NOT NULL DEFAULT 0,
	created_at             DATETIME NOT NULL,
	last_started_at        DATETIME
);

CREATE TABLE IF NOT EXISTS permission_edges (
	source     TEXT NOT NULL,
	target     TEXT NOT NULL,
	granted_by TEXT NOT NULL,
	granted_at DATETIME NOT NULL,
	PRIMARY KEY (source, target)
);

CREATE TABLE IF NOT EXISTS schedules (
	id              TEXT PRIMARY KEY,
	agent_name      TEXT NOT NULL,
	cron_expression TEXT NOT NULL DEFAULT '',
	time_zone       TEXT NOT NULL DEFAULT '',
	one_shot_at     DATETIME,
	message         TEXT NOT NULL DEFAULT '',
	enabled         INTEGER NOT NULL DEFAULT 0,
	owner_principal TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL,
	last_fired_at   DATETIME
);

CREATE TABLE IF NOT EXISTS executions (
	id            TEXT PRIMARY KEY,
	agent_name    TEXT NOT NULL,
	mode          TEXT NOT NULL,
	trigger       TEXT NOT NULL,
	initiator     TEXT NOT NULL DEFAULT '',
	started_at    DATETIME NOT NULL,
	ended_at      DATETIME,
	status        TEXT NOT NULL,
	session_id    TEXT NOT NULL DEFAULT '',
	cost_usd      REAL NOT NULL DEFAULT 0,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	duration_ms   INTEGER NOT NULL DEFAULT 0,
	error         TEXT NOT NULL DEFAULT '',
	context_pct   INTEGER NOT NULL DEFAULT 0,
	call_chain    TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_executions_agent ON executions(agent_name);

CREATE TABLE IF NOT EXISTS activity (
	agent_name   TEXT NOT NULL,
	id           INTEGER NOT NULL,
	timestamp    DATETIME NOT NULL,
	kind         TEXT NOT NULL,
	execution_id TEXT NOT NULL DEFAULT '',
	peer_agent   TEXT NOT NULL DEFAULT '',
	payload      TEXT NOT NULL DEFAULT '{}',
	severity     TEXT NOT NULL DEFAULT 'info',
	PRIMARY KEY (agent_name, id)
);

CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Store is a SQLite-backed store.Store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open creates (if needed) and opens the SQLite database at path, applying
// the schema idempotently.
func Open(path string) (*Store, error) {
	norm := normalizePath(path)
	if err := ensureDir(norm); err != nil {
		return nil, fmt.Errorf("prepare database path: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc", norm)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func normalizePath(path string) string {
	if path == "" {
		return path
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Agents() store.AgentRepo          { return &agentRepo{db: s.db} }
func (s *Store) Permissions() store.PermissionRepo { return &permissionRepo{db: s.db} }
func (s *Store) Schedules() store.ScheduleRepo     { return &scheduleRepo{db: s.db} }
func (s *Store) Executions() store.ExecutionRepo   { return &executionRepo{db: s.db} }
func (s *Store) Activity() store.ActivityRepo      { return &activityRepo{db: s.db} }
func (s *Store) Settings() store.SettingsRepo      { return &settingsRepo{db: s.db} }

// DeleteAgentCascade removes the agent, every edge touching it, and every
// schedule it owns in one transaction (spec §4.1, §8.7).
func (s *Store) DeleteAgentCascade(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.New(apierr.NotFound, "agent not found: "+name)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM permission_edges WHERE source = ? OR target = ?`, name, name); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schedules WHERE agent_name = ?`, name); err != nil {
		return err
	}
	return tx.Commit()
}

// --- agents ---

type agentRepo struct{ db *sql.DB }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalStrings(ss []string) string {
	if ss == nil {
		ss = []string{}
	}
	b, _ := json.Marshal(ss)
	return string(b)
}

func unmarshalStrings(raw string) []string {
	var out []string
	if raw == "" {
		return nil
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func scanTime(ns sql.NullTime) time.Time {
	if !ns.Valid {
		return time.Time{}
	}
	return ns.Time.UTC()
}

func (r *agentRepo) Create(ctx context.Context, a *domain.Agent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO agents (name, owner, shared_with, template, memory_bytes, cpu_cores, runtime_kind, model,
			autonomy, full_capabilities, system_protected, shared_folder_expose, shared_folder_consume,
			state, container_id, port, created_at, last_started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.Name, a.Owner, marshalStrings(a.SharedWith), a.Template, a.Limits.MemoryBytes, a.Limits.CPUCores,
		string(a.RuntimeKind), a.Model, boolToInt(a.Autonomy), boolToInt(a.FullCapabilities), boolToInt(a.SystemProtected),
		boolToInt(a.SharedFolder.Expose), boolToInt(a.SharedFolder.Consume), string(a.State), a.ContainerID, a.Port,
		a.CreatedAt, nullTime(a.LastStartedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return apierr.New(apierr.NameConflict, "agent name in use: "+a.Name)
		}
		return err
	}
	return nil
}

func (r *agentRepo) scanAgent(row interface {
	Scan(dest ...any) error
}) (*domain.Agent, error) {
	a := &domain.Agent{}
	var sharedWith, runtimeKind, state string
	var memoryBytes int64
	var cpuCores float64
	var autonomy, fullCap, sysProtected, expose, consume int
	var createdAt time.Time
	var lastStarted sql.NullTime

	if err := row.Scan(&a.Name, &a.Owner, &sharedWith, &a.Template, &memoryBytes, &cpuCores, &runtimeKind, &a.Model,
		&autonomy, &fullCap, &sysProtected, &expose, &consume, &state, &a.ContainerID, &a.Port, &createdAt, &lastStarted); err != nil {
		return nil, err
	}
	a.SharedWith = unmarshalStrings(sharedWith)
	a.Limits = domain.ResourceLimits{MemoryBytes: memoryBytes, CPUCores: cpuCores}
	a.RuntimeKind = domain.RuntimeKind(runtimeKind)
	a.Autonomy = autonomy != 0
	a.FullCapabilities = fullCap != 0
	a.SystemProtected = sysProtected != 0
	a.SharedFolder = domain.SharedFolderConfig{Expose: expose != 0, Consume: consume != 0}
	a.State = domain.AgentState(state)
	a.CreatedAt = createdAt.UTC()
	a.LastStartedAt = scanTime(lastStarted)
	return a, nil
}

const agentColumns = `name, owner, shared_with, template, memory_bytes, cpu_cores, runtime_kind, model,
	autonomy, full_capabilities, system_protected, shared_folder_expose, shared_folder_consume,
	state, container_id, port, created_at, last_started_at`

func (r *agentRepo) Get(ctx context.Context, name string) (*domain.Agent, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE name = ?`, name)
	a, err := r.scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, apierr.New(apierr.NotFound, "agent not found: "+name)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (r *agentRepo) queryAgents(ctx context.Context, where string, args ...any) ([]*domain.Agent, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents `+where+` ORDER BY name`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*domain.Agent, 0)
	for rows.Next() {
		a, err := r.scanAgent(rows)
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
	return r.queryAgents(ctx, "WHERE owner = ?", owner)
}

func (r *agentRepo) ListRunningByOwner(ctx context.Context, owner string) ([]*domain.Agent, error) {
	return r.queryAgents(ctx, "WHERE owner = ? AND state = ?", owner, string(domain.AgentRunning))
}

func (r *agentRepo) Update(ctx context.Context, a *domain.Agent) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE agents SET owner = ?, shared_with = ?, template = ?, memory_bytes = ?, cpu_cores = ?,
			runtime_kind = ?, model = ?, autonomy = ?, full_capabilities = ?, system_protected = ?,
			shared_folder_expose = ?, shared_folder_consume = ?, state = ?, container_id = ?, port = ?,
			last_started_at = ?
		WHERE name = ?
	`, a.Owner, marshalStrings(a.SharedWith), a.Template, a.Limits.MemoryBytes, a.Limits.CPUCores,
		string(a.RuntimeKind), a.Model, boolToInt(a.Autonomy), boolToInt(a.FullCapabilities), boolToInt(a.SystemProtected),
		boolToInt(a.SharedFolder.Expose), boolToInt(a.SharedFolder.Consume), string(a.State), a.ContainerID, a.Port,
		nullTime(a.LastStartedAt), a.Name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.New(apierr.NotFound, "agent not found: "+a.Name)
	}
	return nil
}

func (r *agentRepo) Delete(ctx context.Context, name string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM agents WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.New(apierr.NotFound, "agent not found: "+name)
	}
	return nil
}

// --- permissions ---

type permissionRepo struct{ db *sql.DB }

func (r *permissionRepo) Set(ctx context.Context, e *domain.PermissionEdge) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO permission_edges (source, target, granted_by, granted_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(source, target) DO UPDATE SET granted_by = excluded.granted_by, granted_at = excluded.granted_at
	`, e.Source, e.Target, e.GrantedBy, e.GrantedAt)
	return err
}

func (r *permissionRepo) Clear(ctx context.Context, source, target string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM permission_edges WHERE source = ? AND target = ?`, source, target)
	return err
}

func (r *permissionRepo) Get(ctx context.Context, source, target string) (*domain.PermissionEdge, bool, error) {
	row := r.db.QueryRowContext(ctx, `SELECT source, target, granted_by, granted_at FROM permission_edges WHERE source = ? AND target = ?`, source, target)
	e := &domain.PermissionEdge{}
	if err := row.Scan(&e.Source, &e.Target, &e.GrantedBy, &e.GrantedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	e.GrantedAt = e.GrantedAt.UTC()
	return e, true, nil
}

func (r *permissionRepo) ListOut(ctx context.Context, source string) ([]*domain.PermissionEdge, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT source, target, granted_by, granted_at FROM permission_edges WHERE source = ? ORDER BY target`, source)
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
	_, err := r.db.ExecContext(ctx, `DELETE FROM permission_edges WHERE source = ? OR target = ?`, name, name)
	return err
}

// --- schedules ---

type scheduleRepo struct{ db *sql.DB }

const scheduleColumns = `id, agent_name, cron_expression, time_zone, one_shot_at, message, enabled, owner_principal, created_at, last_fired_at`

func scanSchedule(row interface{ Scan(dest ...any) error }) (*domain.Schedule, error) {
	s := &domain.Schedule{}
	var enabled int
	var oneShot, lastFired sql.NullTime
	var createdAt time.Time
	if err := row.Scan(&s.ID, &s.AgentName, &s.CronExpression, &s.TimeZone, &oneShot, &s.Message, &enabled, &s.OwnerPrincipal, &createdAt, &lastFired); err != nil {
		return nil, err
	}
	s.Enabled = enabled != 0
	s.OneShotAt = scanTime(oneShot)
	s.CreatedAt = createdAt.UTC()
	s.LastFiredAt = scanTime(lastFired)
	return s, nil
}

func (r *scheduleRepo) Create(ctx context.Context, sch *domain.Schedule) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO schedules (`+scheduleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sch.ID, sch.AgentName, sch.CronExpression, sch.TimeZone, nullTime(sch.OneShotAt), sch.Message,
		boolToInt(sch.Enabled), sch.OwnerPrincipal, sch.CreatedAt, nullTime(sch.LastFiredAt))
	if err != nil {
		if isUniqueViolation(err) {
			return apierr.New(apierr.NameConflict, "schedule id in use: "+sch.ID)
		}
		return err
	}
	return nil
}

func (r *scheduleRepo) Get(ctx context.Context, id string) (*domain.Schedule, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sch, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, apierr.New(apierr.NotFound, "schedule not found: "+id)
	}
	if err != nil {
		return nil, err
	}
	return sch, nil
}

func (r *scheduleRepo) query(ctx context.Context, where string, args ...any) ([]*domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules `+where+` ORDER BY id`, args...)
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
	return r.query(ctx, "WHERE enabled = 1")
}

func (r *scheduleRepo) ListByAgent(ctx context.Context, agentName string) ([]*domain.Schedule, error) {
	return r.query(ctx, "WHERE agent_name = ?", agentName)
}

func (r *scheduleRepo) Update(ctx context.Context, sch *domain.Schedule) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE schedules SET agent_name = ?, cron_expression = ?, time_zone = ?, one_shot_at = ?, message = ?,
			enabled = ?, owner_principal = ?, last_fired_at = ?
		WHERE id = ?
	`, sch.AgentName, sch.CronExpression, sch.TimeZone, nullTime(sch.OneShotAt), sch.Message,
		boolToInt(sch.Enabled), sch.OwnerPrincipal, nullTime(sch.LastFiredAt), sch.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.New(apierr.NotFound, "schedule not found: "+sch.ID)
	}
	return nil
}

func (r *scheduleRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	return err
}

func (r *scheduleRepo) DeleteAllForAgent(ctx context.Context, agentName string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM schedules WHERE agent_name = ?`, agentName)
	return err
}

// --- executions ---

type executionRepo struct{ db *sql.DB }

const executionColumns = `id, agent_name, mode, trigger, initiator, started_at, ended_at, status, session_id,
	cost_usd, input_tokens, output_tokens, duration_ms, error, context_pct, call_chain`

func scanExecution(row interface{ Scan(dest ...any) error }) (*domain.Execution, error) {
	e := &domain.Execution{}
	var mode, trigger, status, callChain string
	var startedAt time.Time
	var endedAt sql.NullTime
	if err := row.Scan(&e.ID, &e.AgentName, &mode, &trigger, &e.Initiator, &startedAt, &endedAt, &status, &e.SessionID,
		&e.CostUSD, &e.InputTokens, &e.OutputTokens, &e.DurationMS, &e.Error, &e.ContextPct, &callChain); err != nil {
		return nil, err
	}
	e.Mode = domain.ExecutionMode(mode)
	e.Trigger = domain.ExecutionTrigger(trigger)
	e.Status = domain.ExecutionStatus(status)
	e.StartedAt = startedAt.UTC()
	e.EndedAt = scanTime(endedAt)
	e.CallChain = unmarshalStrings(callChain)
	return e, nil
}

func (r *executionRepo) Create(ctx context.Context, e *domain.Execution) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO executions (`+executionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.AgentName, string(e.Mode), string(e.Trigger), e.Initiator, e.StartedAt, nullTime(e.EndedAt),
		string(e.Status), e.SessionID, e.CostUSD, e.InputTokens, e.OutputTokens, e.DurationMS, e.Error,
		e.ContextPct, marshalStrings(e.CallChain))
	if err != nil {
		if isUniqueViolation(err) {
			return apierr.New(apierr.NameConflict, "execution id in use: "+e.ID)
		}
		return err
	}
	return nil
}

func (r *executionRepo) Get(ctx context.Context, id string) (*domain.Execution, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, apierr.New(apierr.NotFound, "execution not found: "+id)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (r *executionRepo) Update(ctx context.Context, e *domain.Execution) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE executions SET agent_name = ?, mode = ?, trigger = ?, initiator = ?, started_at = ?, ended_at = ?,
			status = ?, session_id = ?, cost_usd = ?, input_tokens = ?, output_tokens = ?, duration_ms = ?,
			error = ?, context_pct = ?, call_chain = ?
		WHERE id = ?
	`, e.AgentName, string(e.Mode), string(e.Trigger), e.Initiator, e.StartedAt, nullTime(e.EndedAt),
		string(e.Status), e.SessionID, e.CostUSD, e.InputTokens, e.OutputTokens, e.DurationMS, e.Error,
		e.ContextPct, marshalStrings(e.CallChain), e.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.New(apierr.NotFound, "execution not found: "+e.ID)
	}
	return nil
}

func (r *executionRepo) ListByAgent(ctx context.Context, agentName string, limit int) ([]*domain.Execution, error) {
	q := `SELECT ` + executionColumns + ` FROM executions WHERE agent_name = ? ORDER BY started_at DESC`
	args := []any{agentName}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, q, args...)
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
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM executions WHERE agent_name = ? AND mode = ? AND status = ?
	`, agentName, string(mode), string(domain.StatusRunning)).Scan(&n)
	return n, err
}

func (r *executionRepo) CountRunningGlobal(ctx context.Context, mode domain.ExecutionMode) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM executions WHERE mode = ? AND status = ?
	`, string(mode), string(domain.StatusRunning)).Scan(&n)
	return n, err
}

func (r *executionRepo) SumCostSince(ctx context.Context, agentName string, since time.Time) (float64, error) {
	var total sql.NullFloat64
	err := r.db.QueryRowContext(ctx, `
		SELECT SUM(cost_usd) FROM executions
		WHERE agent_name = ? AND status IN (?, ?, ?, ?) AND ended_at >= ?
	`, agentName, string(domain.StatusCompleted), string(domain.StatusFailed), string(domain.StatusTimedOut), string(domain.StatusCancelled), since).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Float64, nil
}

func (r *executionRepo) ListAcceptedNotStarted(ctx context.Context, agentName string) ([]*domain.Execution, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE agent_name = ? AND mode = ? AND status = ? ORDER BY id
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

type activityRepo struct{ db *sql.DB }

func marshalPayload(p map[string]any) string {
	if p == nil {
		p = map[string]any{}
	}
	b, _ := json.Marshal(p)
	return string(b)
}

func unmarshalPayload(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func (r *activityRepo) Append(ctx context.Context, rec *domain.ActivityRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO activity (agent_name, id, timestamp, kind, execution_id, peer_agent, payload, severity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.AgentName, rec.ID, rec.Timestamp, string(rec.Kind), rec.ExecutionID, rec.PeerAgent,
		marshalPayload(rec.Payload), string(rec.Severity))
	return err
}

func scanActivity(row interface{ Scan(dest ...any) error }) (*domain.ActivityRecord, error) {
	rec := &domain.ActivityRecord{}
	var kind, severity, payload string
	var ts time.Time
	if err := row.Scan(&rec.AgentName, &rec.ID, &ts, &kind, &rec.ExecutionID, &rec.PeerAgent, &payload, &severity); err != nil {
		return nil, err
	}
	rec.Timestamp = ts.UTC()
	rec.Kind = domain.ActivityKind(kind)
	rec.Severity = domain.Severity(severity)
	rec.Payload = unmarshalPayload(payload)
	return rec, nil
}

func (r *activityRepo) Query(ctx context.Context, f domain.ActivityFilter) ([]*domain.ActivityRecord, error) {
	q := `SELECT agent_name, id, timestamp, kind, execution_id, peer_agent, payload, severity FROM activity WHERE 1=1`
	var args []any
	if f.AgentName != "" {
		q += ` AND agent_name = ?`
		args = append(args, f.AgentName)
	}
	if f.Kind != "" {
		q += ` AND kind = ?`
		args = append(args, string(f.Kind))
	}
	if !f.Since.IsZero() {
		q += ` AND timestamp >= ?`
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		q += ` AND timestamp <= ?`
		args = append(args, f.Until)
	}
	q += ` ORDER BY agent_name, id`

	rows, err := r.db.QueryContext(ctx, q, args...)
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
	var max sql.NullInt64
	err := r.db.QueryRowContext(ctx, `SELECT MAX(id) FROM activity WHERE agent_name = ?`, agentName).Scan(&max)
	if err != nil {
		return 0, err
	}
	return max.Int64 + 1, nil
}

// --- settings ---

type settingsRepo struct{ db *sql.DB }

func (r *settingsRepo) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *settingsRepo) Set(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func (r *settingsRepo) All(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key, value FROM settings`)
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
		_, err := r.db.ExecContext(ctx, `INSERT OR IGNORE INTO settings (key, value) VALUES (?, ?)`, k, v)
		if err != nil {
			return err
		}
	}
	return nil
}

// isUniqueViolation reports whether err is a SQLite UNIQUE/PRIMARY KEY
// constraint failure. mattn/go-sqlite3's typed sqlite3.Error carries an
// ErrNoExtended code, but matching the driver message keeps this package
// free of a direct dependency on the driver's exported error type.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "primary key")
}
