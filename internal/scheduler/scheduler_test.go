package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinity-platform/orchestrator/internal/domain"
	"github.com/trinity-platform/orchestrator/internal/execution"
	"github.com/trinity-platform/orchestrator/internal/platform/logging"
	"github.com/trinity-platform/orchestrator/internal/settings"
	"github.com/trinity-platform/orchestrator/internal/store/memstore"
)

// fakeChatRunner records every Chat call the scheduler dispatches, standing
// in for the Execution Engine.
type fakeChatRunner struct {
	mu    sync.Mutex
	calls []execution.Request
	depth int32
}

func (f *fakeChatRunner) Chat(ctx context.Context, req execution.Request) (*domain.Execution, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return &domain.Execution{ID: uuid.NewString(), AgentName: req.AgentName, Status: domain.StatusCompleted}, nil
}

func (f *fakeChatRunner) QueueDepth(agentName string) int {
	return int(atomic.LoadInt32(&f.depth))
}

func (f *fakeChatRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestScheduler(t *testing.T) (*Scheduler, *memstore.Store, *fakeChatRunner) {
	log, err := logging.New(logging.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	s := memstore.New()
	set := settings.New(s.Settings())
	require.NoError(t, set.Seed(context.Background()))
	runner := &fakeChatRunner{}
	sch := New(s, runner, set, time.Second, log)
	return sch, s, runner
}

func mustAgent(t *testing.T, s *memstore.Store, name string, autonomy bool, state domain.AgentState) {
	t.Helper()
	require.NoError(t, s.Agents().Create(context.Background(), &domain.Agent{
		Name: name, Owner: "alice", Autonomy: autonomy, State: state,
	}))
}

// TestEveryMinuteScheduleFiresOncePerTick verifies spec §4.7/§8 Scenario 4:
// an enabled, due schedule against a running+autonomous agent fires exactly
// one chat execution per evaluation, with no back-fill.
func TestEveryMinuteScheduleFiresOncePerTick(t *testing.T) {
	sch, s, runner := newTestScheduler(t)
	mustAgent(t, s, "daily-report", true, domain.AgentRunning)

	schedule := &domain.Schedule{
		ID:             "sched-1",
		AgentName:      "daily-report",
		CronExpression: "* * * * *",
		Message:        "run the report",
		Enabled:        true,
		OwnerPrincipal: "alice",
		CreatedAt:      time.Now().UTC().Add(-2 * time.Minute),
	}
	require.NoError(t, s.Schedules().Create(context.Background(), schedule))

	sch.runOnce(context.Background(), time.Now().UTC())
	assert.Equal(t, 1, runner.count())

	recs, err := s.Activity().Query(context.Background(), domain.ActivityFilter{AgentName: "daily-report", Kind: domain.KindScheduleFired})
	require.NoError(t, err)
	require.NotEmpty(t, recs)
}

// TestAutonomyOffSuppressesFiring verifies spec §8.4: disabling autonomy
// causes zero schedule_fired-triggered executions.
func TestAutonomyOffSuppressesFiring(t *testing.T) {
	sch, s, runner := newTestScheduler(t)
	mustAgent(t, s, "quiet", false, domain.AgentRunning)

	schedule := &domain.Schedule{
		ID: "sched-2", AgentName: "quiet", CronExpression: "* * * * *",
		Message: "hi", Enabled: true, OwnerPrincipal: "alice",
		CreatedAt: time.Now().UTC().Add(-2 * time.Minute),
	}
	require.NoError(t, s.Schedules().Create(context.Background(), schedule))

	sch.runOnce(context.Background(), time.Now().UTC())
	assert.Equal(t, 0, runner.count())
}

// TestFleetPauseSuppressesFiring verifies spec §8.4's other half: the
// fleet-wide pause gate, independent of per-agent autonomy.
func TestFleetPauseSuppressesFiring(t *testing.T) {
	sch, s, runner := newTestScheduler(t)
	mustAgent(t, s, "daily-report", true, domain.AgentRunning)
	require.NoError(t, s.Settings().Set(context.Background(), domain.SettingSchedulesPaused, "true"))

	schedule := &domain.Schedule{
		ID: "sched-3", AgentName: "daily-report", CronExpression: "* * * * *",
		Message: "hi", Enabled: true, OwnerPrincipal: "alice",
		CreatedAt: time.Now().UTC().Add(-2 * time.Minute),
	}
	require.NoError(t, s.Schedules().Create(context.Background(), schedule))

	sch.runOnce(context.Background(), time.Now().UTC())
	assert.Equal(t, 0, runner.count())

	require.NoError(t, s.Settings().Set(context.Background(), domain.SettingSchedulesPaused, "false"))
	sch.runOnce(context.Background(), time.Now().UTC())
	assert.Equal(t, 1, runner.count(), "fires resume once unpaused, with no back-fill for the missed tick")
}

// TestAgentNotRunningSuppressesFiring covers the third gate.
func TestAgentNotRunningSuppressesFiring(t *testing.T) {
	sch, s, runner := newTestScheduler(t)
	mustAgent(t, s, "stopped-agent", true, domain.AgentStopped)

	schedule := &domain.Schedule{
		ID: "sched-4", AgentName: "stopped-agent", CronExpression: "* * * * *",
		Message: "hi", Enabled: true, OwnerPrincipal: "alice",
		CreatedAt: time.Now().UTC().Add(-2 * time.Minute),
	}
	require.NoError(t, s.Schedules().Create(context.Background(), schedule))

	sch.runOnce(context.Background(), time.Now().UTC())
	assert.Equal(t, 0, runner.count())
}

// TestQueueBackpressureSkipsTick verifies the fourth gate: a chat queue
// deeper than 3 skips this tick's firing (spec §4.7).
func TestQueueBackpressureSkipsTick(t *testing.T) {
	sch, s, runner := newTestScheduler(t)
	mustAgent(t, s, "busy", true, domain.AgentRunning)
	atomic.StoreInt32(&runner.depth, 4)

	schedule := &domain.Schedule{
		ID: "sched-5", AgentName: "busy", CronExpression: "* * * * *",
		Message: "hi", Enabled: true, OwnerPrincipal: "alice",
		CreatedAt: time.Now().UTC().Add(-2 * time.Minute),
	}
	require.NoError(t, s.Schedules().Create(context.Background(), schedule))

	sch.runOnce(context.Background(), time.Now().UTC())
	assert.Equal(t, 0, runner.count())
}

// TestOneShotFiresOnceThenNeverAgain covers the one-shot half of Schedule.
func TestOneShotFiresOnceThenNeverAgain(t *testing.T) {
	sch, s, runner := newTestScheduler(t)
	mustAgent(t, s, "one-timer", true, domain.AgentRunning)

	schedule := &domain.Schedule{
		ID: "sched-6", AgentName: "one-timer", OneShotAt: time.Now().UTC().Add(-time.Minute),
		Message: "hi", Enabled: true, OwnerPrincipal: "alice", CreatedAt: time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, s.Schedules().Create(context.Background(), schedule))

	now := time.Now().UTC()
	sch.runOnce(context.Background(), now)
	assert.Equal(t, 1, runner.count())

	sch.runOnce(context.Background(), now.Add(time.Minute))
	assert.Equal(t, 1, runner.count(), "a fired one-shot never fires again")
}

// TestDueCronAnchorsOnLastFired ensures isScheduleDue does not re-fire
// within the same minute once LastFiredAt has advanced past the prior
// occurrence (at-most-once, no back-fill for missed ticks).
func TestDueCronAnchorsOnLastFired(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Minute)
	sch := &domain.Schedule{
		CronExpression: "* * * * *",
		CreatedAt:      now.Add(-time.Hour),
		LastFiredAt:    now,
	}
	due, err := isScheduleDue(sch, now.Add(30*time.Second))
	require.NoError(t, err)
	assert.False(t, due, "within the same minute as the last fire, the schedule is not due again")

	due, err = isScheduleDue(sch, now.Add(90*time.Second))
	require.NoError(t, err)
	assert.True(t, due)
}
