// Package store defines the transactional record-store contract the core
// requires (spec §6: "a record store exposing transactional operations over
// the entities in §3, plus an append-only activity store"). The exact
// schema is an implementation choice; internal/store/memstore, sqlite, and
// postgres all satisfy the same interfaces.
package store

import (
	"context"
	"time"

	"github.com/trinity-platform/orchestrator/internal/domain"
)

// AgentRepo persists Agent records.
type AgentRepo interface {
	Create(ctx context.Context, a *domain.Agent) error
	Get(ctx context.Context, name string) (*domain.Agent, error)
	List(ctx context.Context) ([]*domain.Agent, error)
	ListByOwner(ctx context.Context, owner string) ([]*domain.Agent, error)
	ListRunningByOwner(ctx context.Context, owner string) ([]*domain.Agent, error)
	Update(ctx context.Context, a *domain.Agent) error
	Delete(ctx context.Context, name string) error
}

// PermissionRepo persists the directed permission-edge set.
type PermissionRepo interface {
	Set(ctx context.Context, e *domain.PermissionEdge) error
	Clear(ctx context.Context, source, target string) error
	Get(ctx context.Context, source, target string) (*domain.PermissionEdge, bool, error)
	ListOut(ctx context.Context, source string) ([]*domain.PermissionEdge, error)
	DeleteAllForAgent(ctx context.Context, name string) error
}

// ScheduleRepo persists Schedules.
type ScheduleRepo interface {
	Create(ctx context.Context, s *domain.Schedule) error
	Get(ctx context.Context, id string) (*domain.Schedule, error)
	ListEnabled(ctx context.Context) ([]*domain.Schedule, error)
	ListByAgent(ctx context.Context, agentName string) ([]*domain.Schedule, error)
	Update(ctx context.Context, s *domain.Schedule) error
	Delete(ctx context.Context, id string) error
	DeleteAllForAgent(ctx context.Context, agentName string) error
}

// ExecutionRepo persists Executions.
type ExecutionRepo interface {
	Create(ctx context.Context, e *domain.Execution) error
	Get(ctx context.Context, id string) (*domain.Execution, error)
	Update(ctx context.Context, e *domain.Execution) error
	ListByAgent(ctx context.Context, agentName string, limit int) ([]*domain.Execution, error)
	CountRunning(ctx context.Context, agentName string, mode domain.ExecutionMode) (int, error)
	CountRunningGlobal(ctx context.Context, mode domain.ExecutionMode) (int, error)
	SumCostSince(ctx context.Context, agentName string, since time.Time) (float64, error)
	// ListAcceptedNotStarted supports rebuilding the durable chat FIFO after
	// a platform restart (spec §4.6).
	ListAcceptedNotStarted(ctx context.Context, agentName string) ([]*domain.Execution, error)
}

// ActivityRepo is the append-only activity store.
type ActivityRepo interface {
	Append(ctx context.Context, r *domain.ActivityRecord) error
	Query(ctx context.Context, f domain.ActivityFilter) ([]*domain.ActivityRecord, error)
	// NextID returns the next monotone ID for agentName's activity stream.
	NextID(ctx context.Context, agentName string) (int64, error)
}

// SettingsRepo is the Settings key-value store.
type SettingsRepo interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	All(ctx context.Context) (map[string]string, error)
	// SeedDefaults writes any keys from domain.DefaultSettings that are not
	// already present, without overwriting operator-set values.
	SeedDefaults(ctx context.Context) error
}

// Store composes every repository plus the one genuinely cross-entity
// transactional operation the spec calls out explicitly: cascade delete.
type Store interface {
	Agents() AgentRepo
	Permissions() PermissionRepo
	Schedules() ScheduleRepo
	Executions() ExecutionRepo
	Activity() ActivityRepo
	Settings() SettingsRepo

	// DeleteAgentCascade removes the agent record, every permission edge
	// touching it, and every schedule it owns, atomically (spec §4.1, §8.7).
	DeleteAgentCascade(ctx context.Context, name string) error

	Close() error
}
