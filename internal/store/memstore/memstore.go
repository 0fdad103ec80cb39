// Package memstore is an in-memory Store implementation. It is the default
// store for tests and for single-process development; production
// deployments use internal/store/sqlite or internal/store/postgres, which
// implement the identical store.Store contract.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/trinity-platform/orchestrator/internal/domain"
	"github.com/trinity-platform/orchestrator/internal/platform/apierr"
	"github.com/trinity-platform/orchestrator/internal/store"
)

// Store is a concurrency-safe, in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	agents      map[string]*domain.Agent
	edges       map[edgeKey]*domain.PermissionEdge
	schedules   map[string]*domain.Schedule
	executions  map[string]*domain.Execution
	activity    map[string][]*domain.ActivityRecord // per agent, append-only
	settings    map[string]string
}

type edgeKey struct{ source, target string }

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{
		agents:     make(map[string]*domain.Agent),
		edges:      make(map[edgeKey]*domain.PermissionEdge),
		schedules:  make(map[string]*domain.Schedule),
		executions: make(map[string]*domain.Execution),
		activity:   make(map[string][]*domain.ActivityRecord),
		settings:   make(map[string]string),
	}
}

func (s *Store) Agents() store.AgentRepo         { return (*agentRepo)(s) }
func (s *Store) Permissions() store.PermissionRepo { return (*permissionRepo)(s) }
func (s *Store) Schedules() store.ScheduleRepo     { return (*scheduleRepo)(s) }
func (s *Store) Executions() store.ExecutionRepo   { return (*executionRepo)(s) }
func (s *Store) Activity() store.ActivityRepo      { return (*activityRepo)(s) }
func (s *Store) Settings() store.SettingsRepo      { return (*settingsRepo)(s) }
func (s *Store) Close() error                      { return nil }

// DeleteAgentCascade removes the agent, every edge touching it, and every
// schedule it owns under one lock — the transactional boundary spec §4.1
// and §8.7 require.
func (s *Store) DeleteAgentCascade(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[name]; !ok {
		return apierr.New(apierr.NotFound, "agent not found: "+name)
	}
	delete(s.agents, name)

	for k := range s.edges {
		if k.source == name || k.target == name {
			delete(s.edges, k)
		}
	}
	for id, sch := range s.schedules {
		if sch.AgentName == name {
			delete(s.schedules, id)
		}
	}
	return nil
}

// --- agents ---

type agentRepo Store

func (r *agentRepo) s() *Store { return (*Store)(r) }

func (r *agentRepo) Create(ctx context.Context, a *domain.Agent) error {
	s := r.s()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[a.Name]; exists {
		return apierr.New(apierr.NameConflict, "agent name in use: "+a.Name)
	}
	cp := *a
	s.agents[a.Name] = &cp
	return nil
}

func (r *agentRepo) Get(ctx context.Context, name string) (*domain.Agent, error) {
	s := r.s()
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[name]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "agent not found: "+name)
	}
	cp := *a
	return &cp, nil
}

func (r *agentRepo) List(ctx context.Context) ([]*domain.Agent, error) {
	s := r.s()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *agentRepo) ListByOwner(ctx context.Context, owner string) ([]*domain.Agent, error) {
	all, _ := r.List(ctx)
	out := make([]*domain.Agent, 0)
	for _, a := range all {
		if a.Owner == owner {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *agentRepo) ListRunningByOwner(ctx context.Context, owner string) ([]*domain.Agent, error) {
	all, _ := r.ListByOwner(ctx, owner)
	out := make([]*domain.Agent, 0)
	for _, a := range all {
		if a.State == domain.AgentRunning {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *agentRepo) Update(ctx context.Context, a *domain.Agent) error {
	s := r.s()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[a.Name]; !ok {
		return apierr.New(apierr.NotFound, "agent not found: "+a.Name)
	}
	cp := *a
	s.agents[a.Name] = &cp
	return nil
}

func (r *agentRepo) Delete(ctx context.Context, name string) error {
	s := r.s()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[name]; !ok {
		return apierr.New(apierr.NotFound, "agent not found: "+name)
	}
	delete(s.agents, name)
	return nil
}

// --- permissions ---

type permissionRepo Store

func (r *permissionRepo) s() *Store { return (*Store)(r) }

func (r *permissionRepo) Set(ctx context.Context, e *domain.PermissionEdge) error {
	s := r.s()
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.edges[edgeKey{e.Source, e.Target}] = &cp
	return nil
}

func (r *permissionRepo) Clear(ctx context.Context, source, target string) error {
	s := r.s()
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.edges, edgeKey{source, target})
	return nil
}

func (r *permissionRepo) Get(ctx context.Context, source, target string) (*domain.PermissionEdge, bool, error) {
	s := r.s()
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.edges[edgeKey{source, target}]
	if !ok {
		return nil, false, nil
	}
	cp := *e
	return &cp, true, nil
}

func (r *permissionRepo) ListOut(ctx context.Context, source string) ([]*domain.PermissionEdge, error) {
	s := r.s()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.PermissionEdge, 0)
	for k, e := range s.edges {
		if k.source == source {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out, nil
}

func (r *permissionRepo) DeleteAllForAgent(ctx context.Context, name string) error {
	s := r.s()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.edges {
		if k.source == name || k.target == name {
			delete(s.edges, k)
		}
	}
	return nil
}

// --- schedules ---

type scheduleRepo Store

func (r *scheduleRepo) s() *Store { return (*Store)(r) }

func (r *scheduleRepo) Create(ctx context.Context, sch *domain.Schedule) error {
	s := r.s()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.schedules[sch.ID]; exists {
		return apierr.New(apierr.NameConflict, "schedule id in use: "+sch.ID)
	}
	cp := *sch
	s.schedules[sch.ID] = &cp
	return nil
}

func (r *scheduleRepo) Get(ctx context.Context, id string) (*domain.Schedule, error) {
	s := r.s()
	s.mu.RLock()
	defer s.mu.RUnlock()
	sch, ok := s.schedules[id]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "schedule not found: "+id)
	}
	cp := *sch
	return &cp, nil
}

func (r *scheduleRepo) ListEnabled(ctx context.Context) ([]*domain.Schedule, error) {
	s := r.s()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Schedule, 0)
	for _, sch := range s.schedules {
		if sch.Enabled {
			cp := *sch
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *scheduleRepo) ListByAgent(ctx context.Context, agentName string) ([]*domain.Schedule, error) {
	s := r.s()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Schedule, 0)
	for _, sch := range s.schedules {
		if sch.AgentName == agentName {
			cp := *sch
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *scheduleRepo) Update(ctx context.Context, sch *domain.Schedule) error {
	s := r.s()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[sch.ID]; !ok {
		return apierr.New(apierr.NotFound, "schedule not found: "+sch.ID)
	}
	cp := *sch
	s.schedules[sch.ID] = &cp
	return nil
}

func (r *scheduleRepo) Delete(ctx context.Context, id string) error {
	s := r.s()
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.schedules, id)
	return nil
}

func (r *scheduleRepo) DeleteAllForAgent(ctx context.Context, agentName string) error {
	s := r.s()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sch := range s.schedules {
		if sch.AgentName == agentName {
			delete(s.schedules, id)
		}
	}
	return nil
}

// --- executions ---

type executionRepo Store

func (r *executionRepo) s() *Store { return (*Store)(r) }

func (r *executionRepo) Create(ctx context.Context, e *domain.Execution) error {
	s := r.s()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[e.ID]; exists {
		return apierr.New(apierr.NameConflict, "execution id in use: "+e.ID)
	}
	cp := *e
	s.executions[e.ID] = &cp
	return nil
}

func (r *executionRepo) Get(ctx context.Context, id string) (*domain.Execution, error) {
	s := r.s()
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "execution not found: "+id)
	}
	cp := *e
	return &cp, nil
}

func (r *executionRepo) Update(ctx context.Context, e *domain.Execution) error {
	s := r.s()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[e.ID]; !ok {
		return apierr.New(apierr.NotFound, "execution not found: "+e.ID)
	}
	cp := *e
	s.executions[e.ID] = &cp
	return nil
}

func (r *executionRepo) ListByAgent(ctx context.Context, agentName string, limit int) ([]*domain.Execution, error) {
	s := r.s()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Execution, 0)
	for _, e := range s.executions {
		if e.AgentName == agentName {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *executionRepo) CountRunning(ctx context.Context, agentName string, mode domain.ExecutionMode) (int, error) {
	s := r.s()
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.executions {
		if e.AgentName == agentName && e.Mode == mode && e.Status == domain.StatusRunning {
			n++
		}
	}
	return n, nil
}

func (r *executionRepo) CountRunningGlobal(ctx context.Context, mode domain.ExecutionMode) (int, error) {
	s := r.s()
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.executions {
		if e.Mode == mode && e.Status == domain.StatusRunning {
			n++
		}
	}
	return n, nil
}

func (r *executionRepo) SumCostSince(ctx context.Context, agentName string, since time.Time) (float64, error) {
	s := r.s()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	for _, e := range s.executions {
		if e.AgentName == agentName && e.Status.Terminal() && !e.EndedAt.Before(since) {
			total += e.CostUSD
		}
	}
	return total, nil
}

func (r *executionRepo) ListAcceptedNotStarted(ctx context.Context, agentName string) ([]*domain.Execution, error) {
	s := r.s()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Execution, 0)
	for _, e := range s.executions {
		if e.AgentName == agentName && e.Mode == domain.ModeChat && e.Status == domain.StatusAccepted {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- activity ---

type activityRepo Store

func (r *activityRepo) s() *Store { return (*Store)(r) }

func (r *activityRepo) Append(ctx context.Context, rec *domain.ActivityRecord) error {
	s := r.s()
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.activity[rec.AgentName] = append(s.activity[rec.AgentName], &cp)
	return nil
}

func (r *activityRepo) Query(ctx context.Context, f domain.ActivityFilter) ([]*domain.ActivityRecord, error) {
	s := r.s()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var source []*domain.ActivityRecord
	if f.AgentName != "" {
		source = s.activity[f.AgentName]
	} else {
		for _, recs := range s.activity {
			source = append(source, recs...)
		}
	}

	out := make([]*domain.ActivityRecord, 0, len(source))
	for _, rec := range source {
		if f.Kind != "" && rec.Kind != f.Kind {
			continue
		}
		if !f.Since.IsZero() && rec.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && rec.Timestamp.After(f.Until) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AgentName != out[j].AgentName {
			return out[i].AgentName < out[j].AgentName
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

func (r *activityRepo) NextID(ctx context.Context, agentName string) (int64, error) {
	s := r.s()
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.activity[agentName])) + 1, nil
}

// --- settings ---

type settingsRepo Store

func (r *settingsRepo) s() *Store { return (*Store)(r) }

func (r *settingsRepo) Get(ctx context.Context, key string) (string, bool, error) {
	s := r.s()
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.settings[key]
	return v, ok, nil
}

func (r *settingsRepo) Set(ctx context.Context, key, value string) error {
	s := r.s()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

func (r *settingsRepo) All(ctx context.Context) (map[string]string, error) {
	s := r.s()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.settings))
	for k, v := range s.settings {
		out[k] = v
	}
	return out, nil
}

func (r *settingsRepo) SeedDefaults(ctx context.Context) error {
	s := r.s()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range domain.DefaultSettings() {
		if _, exists := s.settings[k]; !exists {
			s.settings[k] = v
		}
	}
	return nil
}
