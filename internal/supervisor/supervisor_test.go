package supervisor

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinity-platform/orchestrator/internal/container"
	"github.com/trinity-platform/orchestrator/internal/domain"
	"github.com/trinity-platform/orchestrator/internal/platform/logging"
	"github.com/trinity-platform/orchestrator/internal/settings"
	"github.com/trinity-platform/orchestrator/internal/store/memstore"
)

type fakeEngineControl struct {
	mu           sync.Mutex
	cancelled    []string
	pausedBudget map[string]bool
	resumed      []string
	newSessions  []string
}

func newFakeEngineControl() *fakeEngineControl {
	return &fakeEngineControl{pausedBudget: make(map[string]bool)}
}

func (f *fakeEngineControl) PauseForBudget(agentName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pausedBudget[agentName] = true
}

func (f *fakeEngineControl) ResumeBudget(agentName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pausedBudget, agentName)
	f.resumed = append(f.resumed, agentName)
}

func (f *fakeEngineControl) ForceNewSession(agentName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.newSessions = append(f.newSessions, agentName)
}

func (f *fakeEngineControl) Cancel(ctx context.Context, executionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, executionID)
	return nil
}

type fakeLifecycle struct {
	mu               sync.Mutex
	reinitAttempts   map[string]int
	reinitErr        error
	stopped          []string
	reinitialized    []string
}

func newFakeLifecycle() *fakeLifecycle {
	return &fakeLifecycle{reinitAttempts: make(map[string]int)}
}

func (f *fakeLifecycle) Start(ctx context.Context, name string) error { return nil }

func (f *fakeLifecycle) Stop(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, name)
	return nil
}

func (f *fakeLifecycle) Reinitialize(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reinitAttempts[name]++
	f.reinitialized = append(f.reinitialized, name)
	return f.reinitErr
}

// fakeContainers is a minimal container.Controller reporting a
// configurable health per container id; every other method is unused by
// the supervisor and just returns zero values.
type fakeContainers struct {
	mu     sync.Mutex
	health map[string]string
}

func newFakeContainers() *fakeContainers {
	return &fakeContainers{health: make(map[string]string)}
}

func (c *fakeContainers) setHealth(id, health string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health[id] = health
}

func (c *fakeContainers) Create(ctx context.Context, spec container.Spec) (string, error) {
	return "", nil
}
func (c *fakeContainers) Start(ctx context.Context, id string) error { return nil }
func (c *fakeContainers) Stop(ctx context.Context, id string, timeout time.Duration) error {
	return nil
}
func (c *fakeContainers) Remove(ctx context.Context, id string, force bool) error { return nil }
func (c *fakeContainers) Inspect(ctx context.Context, id string) (*container.Info, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &container.Info{ID: id, Health: c.health[id]}, nil
}
func (c *fakeContainers) Exec(ctx context.Context, id string, req container.ExecRequest) (*container.ExecResult, error) {
	return &container.ExecResult{}, nil
}
func (c *fakeContainers) Logs(ctx context.Context, id string, follow bool, tail string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}
func (c *fakeContainers) Stats(ctx context.Context, id string) (*container.Stats, error) {
	return &container.Stats{}, nil
}
func (c *fakeContainers) List(ctx context.Context, labels map[string]string) ([]container.Info, error) {
	return nil, nil
}
func (c *fakeContainers) Close() error { return nil }

func newTestSupervisor(t *testing.T) (*Supervisor, *memstore.Store, *fakeEngineControl, *fakeLifecycle, *fakeContainers, *settings.Service) {
	log, err := logging.New(logging.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	s := memstore.New()
	set := settings.New(s.Settings())
	require.NoError(t, set.Seed(context.Background()))
	engine := newFakeEngineControl()
	lc := newFakeLifecycle()
	ctrl := newFakeContainers()
	sv := New(s, ctrl, engine, lc, set, time.Second, log)
	return sv, s, engine, lc, ctrl, set
}

func mustRunning(t *testing.T, s *memstore.Store, name, containerID string) *domain.Agent {
	t.Helper()
	a := &domain.Agent{Name: name, Owner: "alice", State: domain.AgentRunning, ContainerID: containerID, Autonomy: true}
	require.NoError(t, s.Agents().Create(context.Background(), a))
	return a
}

// TestStuckExecutionIsCancelled covers Scenario 5: an execution running
// past the idle timeout is cancelled and an alert is recorded.
func TestStuckExecutionIsCancelled(t *testing.T) {
	sv, s, engine, _, _, _ := newTestSupervisor(t)
	mustRunning(t, s, "worker", "")
	require.NoError(t, s.Settings().Set(context.Background(), domain.SettingIdleTimeoutMin, "30"))

	now := time.Now().UTC()
	exec := &domain.Execution{ID: "exec-1", AgentName: "worker", Mode: domain.ModeTask, Status: domain.StatusRunning, StartedAt: now.Add(-45 * time.Minute)}
	require.NoError(t, s.Executions().Create(context.Background(), exec))

	sv.sweep(context.Background(), now)

	assert.Contains(t, engine.cancelled, "exec-1")
	recs, err := s.Activity().Query(context.Background(), domain.ActivityFilter{AgentName: "worker", Kind: domain.KindAlert})
	require.NoError(t, err)
	require.NotEmpty(t, recs)
	assert.Equal(t, "stuck_execution", recs[0].Payload["kind"])
}

// TestFreshExecutionIsNotTouched ensures an execution still under the idle
// timeout is left alone.
func TestFreshExecutionIsNotTouched(t *testing.T) {
	sv, s, engine, _, _, _ := newTestSupervisor(t)
	mustRunning(t, s, "worker", "")

	now := time.Now().UTC()
	exec := &domain.Execution{ID: "exec-1", AgentName: "worker", Mode: domain.ModeTask, Status: domain.StatusRunning, StartedAt: now.Add(-time.Minute)}
	require.NoError(t, s.Executions().Create(context.Background(), exec))

	sv.sweep(context.Background(), now)
	assert.Empty(t, engine.cancelled)
}

// TestContextExhaustionForcesNewSessionAtCritical verifies the critical
// threshold forces a new session, while the warn threshold only alerts.
func TestContextExhaustionForcesNewSessionAtCritical(t *testing.T) {
	sv, s, engine, _, _, _ := newTestSupervisor(t)
	mustRunning(t, s, "scout", "")

	exec := &domain.Execution{ID: "exec-1", AgentName: "scout", Mode: domain.ModeChat, Status: domain.StatusCompleted, ContextPct: 95, StartedAt: time.Now().UTC()}
	require.NoError(t, s.Executions().Create(context.Background(), exec))

	sv.sweep(context.Background(), time.Now().UTC())
	assert.Contains(t, engine.newSessions, "scout")
}

func TestContextWarnOnlyAlertsWithoutNewSession(t *testing.T) {
	sv, s, engine, _, _, _ := newTestSupervisor(t)
	mustRunning(t, s, "scout", "")

	exec := &domain.Execution{ID: "exec-1", AgentName: "scout", Mode: domain.ModeChat, Status: domain.StatusCompleted, ContextPct: 80, StartedAt: time.Now().UTC()}
	require.NoError(t, s.Executions().Create(context.Background(), exec))

	sv.sweep(context.Background(), time.Now().UTC())
	assert.Empty(t, engine.newSessions)

	recs, err := s.Activity().Query(context.Background(), domain.ActivityFilter{AgentName: "scout", Kind: domain.KindAlert})
	require.NoError(t, err)
	require.NotEmpty(t, recs)
	assert.Equal(t, "context_high", recs[0].Payload["kind"])
}

// TestCostGuardTripsAndResetsAtMidnight covers spec §8.5 and Scenario 5:
// the daily budget trips once, pausing the chat path and disabling
// autonomy, and is idempotent until the UTC-midnight reset.
func TestCostGuardTripsAndResetsAtMidnight(t *testing.T) {
	sv, s, engine, _, _, _ := newTestSupervisor(t)
	mustRunning(t, s, "spender", "")
	require.NoError(t, s.Settings().Set(context.Background(), domain.SettingDailyCostLimitUSD, "10"))

	day1 := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	exec := &domain.Execution{ID: "exec-1", AgentName: "spender", Mode: domain.ModeTask, Status: domain.StatusCompleted, CostUSD: 12, StartedAt: day1, EndedAt: day1}
	require.NoError(t, s.Executions().Create(context.Background(), exec))

	sv.sweep(context.Background(), day1)
	engine.mu.Lock()
	paused := engine.pausedBudget["spender"]
	engine.mu.Unlock()
	assert.True(t, paused)

	updated, err := s.Agents().Get(context.Background(), "spender")
	require.NoError(t, err)
	assert.False(t, updated.Autonomy, "autonomy is forced off on budget trip")

	recs, err := s.Activity().Query(context.Background(), domain.ActivityFilter{AgentName: "spender", Kind: domain.KindAlert})
	require.NoError(t, err)
	require.Len(t, recs, 1, "a second sweep on the same day must not re-trip the alert or re-pause")

	sv.sweep(context.Background(), day1.Add(time.Hour))
	recs, err = s.Activity().Query(context.Background(), domain.ActivityFilter{AgentName: "spender", Kind: domain.KindAlert})
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	day2 := day1.Add(24 * time.Hour)
	updated.Autonomy = true
	require.NoError(t, s.Agents().Update(context.Background(), updated))
	sv.sweep(context.Background(), day2)

	engine.mu.Lock()
	resumed := append([]string{}, engine.resumed...)
	engine.mu.Unlock()
	assert.Contains(t, resumed, "spender", "the UTC-midnight reset clears every paused agent's budget gate")
}

// TestUnhealthyContainerEscalatesAndGivesUp covers the container-health
// recovery path: escalating-backoff Reinitialize attempts, giving up after
// maxRestartAttempts with a critical alert.
func TestUnhealthyContainerEscalatesAndGivesUp(t *testing.T) {
	sv, s, _, lc, ctrl, _ := newTestSupervisor(t)
	mustRunning(t, s, "flaky", "container-1")
	ctrl.setHealth("container-1", "unhealthy")
	lc.reinitErr = errors.New("docker daemon unreachable")

	now := time.Now().UTC()
	for i := 0; i < maxRestartAttempts; i++ {
		sv.sweep(context.Background(), now)
		now = now.Add(10 * time.Minute)
	}
	lc.mu.Lock()
	attempts := lc.reinitAttempts["flaky"]
	lc.mu.Unlock()
	assert.Equal(t, maxRestartAttempts, attempts)

	sv.sweep(context.Background(), now)
	lc.mu.Lock()
	attemptsAfter := lc.reinitAttempts["flaky"]
	lc.mu.Unlock()
	assert.Equal(t, maxRestartAttempts, attemptsAfter, "no further attempts once exhausted")

	recs, err := s.Activity().Query(context.Background(), domain.ActivityFilter{AgentName: "flaky", Kind: domain.KindAlert})
	require.NoError(t, err)
	var sawExhausted bool
	for _, r := range recs {
		if r.Payload["kind"] == "container_restart_exhausted" {
			sawExhausted = true
			assert.Equal(t, domain.SeverityCritical, r.Severity)
		}
	}
	assert.True(t, sawExhausted)
}

// TestHealthyContainerClearsRestartState verifies a recovered container
// resets its backoff bookkeeping instead of carrying stale attempt counts.
func TestHealthyContainerClearsRestartState(t *testing.T) {
	sv, s, _, lc, ctrl, _ := newTestSupervisor(t)
	mustRunning(t, s, "recovering", "container-1")
	ctrl.setHealth("container-1", "unhealthy")

	sv.sweep(context.Background(), time.Now().UTC())
	lc.mu.Lock()
	attempts := lc.reinitAttempts["recovering"]
	lc.mu.Unlock()
	assert.Equal(t, 1, attempts)

	ctrl.setHealth("container-1", "healthy")
	sv.sweep(context.Background(), time.Now().UTC().Add(time.Minute))

	ctrl.setHealth("container-1", "unhealthy")
	sv.sweep(context.Background(), time.Now().UTC().Add(2*time.Hour))
	lc.mu.Lock()
	attemptsAfter := lc.reinitAttempts["recovering"]
	lc.mu.Unlock()
	assert.Equal(t, 2, attemptsAfter, "the counter restarted from zero after the healthy gap")
}

// TestAlertSuppressionWindow verifies repeated alerts of the same kind
// within ops.alert_suppress_min collapse into a single activity record.
func TestAlertSuppressionWindow(t *testing.T) {
	sv, s, _, _, _, _ := newTestSupervisor(t)
	mustRunning(t, s, "scout", "")
	require.NoError(t, s.Settings().Set(context.Background(), domain.SettingContextWarnPct, "50"))
	require.NoError(t, s.Settings().Set(context.Background(), domain.SettingContextCriticalPct, "99"))

	for i := 0; i < 3; i++ {
		exec := &domain.Execution{ID: "exec-" + string(rune('a'+i)), AgentName: "scout", Mode: domain.ModeChat, Status: domain.StatusCompleted, ContextPct: 60, StartedAt: time.Now().UTC()}
		require.NoError(t, s.Executions().Create(context.Background(), exec))
		sv.sweep(context.Background(), time.Now().UTC())
	}

	recs, err := s.Activity().Query(context.Background(), domain.ActivityFilter{AgentName: "scout", Kind: domain.KindAlert})
	require.NoError(t, err)
	assert.Len(t, recs, 1, "alerts of the same kind within the suppression window collapse to one record")
}

func TestAdminOperations(t *testing.T) {
	sv, s, _, lc, _, set := newTestSupervisor(t)
	mustRunning(t, s, "a", "")
	mustRunning(t, s, "b", "")
	guardian := &domain.Agent{Name: "guardian", Owner: "alice", State: domain.AgentRunning, SystemProtected: true, Autonomy: true}
	require.NoError(t, s.Agents().Create(context.Background(), guardian))

	require.NoError(t, sv.PauseAllSchedules(context.Background()))
	paused, err := set.GetString(context.Background(), domain.SettingSchedulesPaused)
	require.NoError(t, err)
	assert.Equal(t, "true", paused)

	require.NoError(t, sv.ResumeAllSchedules(context.Background()))
	unpaused, err := set.GetString(context.Background(), domain.SettingSchedulesPaused)
	require.NoError(t, err)
	assert.Equal(t, "false", unpaused)

	require.NoError(t, sv.EmergencyStop(context.Background()))
	assert.ElementsMatch(t, []string{"a", "b"}, lc.stopped, "the system-protected agent is never stopped")

	pausedAfterEmergencyStop, err := set.GetString(context.Background(), domain.SettingSchedulesPaused)
	require.NoError(t, err)
	assert.Equal(t, "true", pausedAfterEmergencyStop, "emergency stop pauses schedules fleet-wide")

	require.NoError(t, sv.RestartAll(context.Background()))
	assert.ElementsMatch(t, []string{"a", "b"}, lc.reinitialized)
}
