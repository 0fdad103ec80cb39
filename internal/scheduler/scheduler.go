// Package scheduler evaluates cron and one-shot Schedules against the
// clock and fires chat executions (spec §4.7). Cron expressions are parsed
// with robfig/cron/v3; isScheduleDue decides firing by comparing the last
// anchor's next occurrence against "now", with no back-fill for missed
// ticks.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/trinity-platform/orchestrator/internal/domain"
	"github.com/trinity-platform/orchestrator/internal/execution"
	"github.com/trinity-platform/orchestrator/internal/platform/logging"
	"github.com/trinity-platform/orchestrator/internal/platform/metrics"
	"github.com/trinity-platform/orchestrator/internal/settings"
	"github.com/trinity-platform/orchestrator/internal/store"
)

const queueBackpressureLimit = 3

// ChatRunner is the subset of the Execution Engine the scheduler needs.
type ChatRunner interface {
	Chat(ctx context.Context, req execution.Request) (*domain.Execution, error)
	QueueDepth(agentName string) int
}

// Scheduler owns the single evaluation tick described in spec §4.7.
type Scheduler struct {
	store    store.Store
	engine   ChatRunner
	settings *settings.Service
	logger   *logging.Logger
	interval time.Duration

	mu     sync.Mutex
	ticker *time.Ticker
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(s store.Store, engine ChatRunner, set *settings.Service, interval time.Duration, log *logging.Logger) *Scheduler {
	return &Scheduler{
		store:    s,
		engine:   engine,
		settings: set,
		logger:   log.WithFields(zap.String("component", "scheduler")),
		interval: interval,
	}
}

// Start begins the tick loop. Safe to call once; a second call is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.ticker != nil {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.ticker = time.NewTicker(s.interval)
	ticker := s.ticker
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runOnce(loopCtx, time.Now().UTC())
		for {
			select {
			case <-loopCtx.Done():
				return
			case now := <-ticker.C:
				s.runOnce(loopCtx, now.UTC())
			}
		}
	}()
}

// Stop halts the tick loop and waits for the in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.ticker == nil {
		s.mu.Unlock()
		return
	}
	s.ticker.Stop()
	s.ticker = nil
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) runOnce(ctx context.Context, now time.Time) {
	schedules, err := s.store.Schedules().ListEnabled(ctx)
	if err != nil {
		s.logger.Warn("failed to list enabled schedules", zap.Error(err))
		return
	}

	fleetPaused, err := s.settings.GetBool(ctx, domain.SettingSchedulesPaused)
	if err != nil {
		s.logger.Warn("failed to read fleet pause setting, assuming unpaused", zap.Error(err))
	}

	for _, sch := range schedules {
		s.evaluate(ctx, sch, now, fleetPaused)
	}
}

func (s *Scheduler) evaluate(ctx context.Context, sch *domain.Schedule, now time.Time, fleetPaused bool) {
	due, err := isScheduleDue(sch, now)
	if err != nil {
		s.logger.Warn("invalid schedule expression", zap.String("schedule_id", sch.ID), zap.Error(err))
		return
	}
	if !due {
		return
	}

	agent, err := s.store.Agents().Get(ctx, sch.AgentName)
	if err != nil {
		s.logger.Warn("schedule references unknown agent", zap.String("schedule_id", sch.ID), zap.String("agent", sch.AgentName), zap.Error(err))
		return
	}

	if !agent.Autonomy {
		s.recordGated(ctx, sch, "suppressed_by_autonomy")
		return
	}
	if fleetPaused {
		s.recordGated(ctx, sch, "suppressed_by_fleet_pause")
		return
	}
	if agent.State != domain.AgentRunning {
		s.recordGated(ctx, sch, "suppressed_agent_not_running")
		return
	}
	if depth := s.engine.QueueDepth(sch.AgentName); depth > queueBackpressureLimit {
		s.recordGated(ctx, sch, "skipped_by_queue_backpressure")
		return
	}

	sch.LastFiredAt = now
	if err := s.store.Schedules().Update(ctx, sch); err != nil {
		s.logger.Warn("failed to persist schedule fire time", zap.String("schedule_id", sch.ID), zap.Error(err))
	}

	_, err = s.engine.Chat(ctx, execution.Request{
		AgentName: sch.AgentName,
		Message:   sch.Message,
		Caller:    execution.Caller{Principal: &domain.Principal{ID: sch.OwnerPrincipal, Role: domain.RoleUser}},
		Trigger:   domain.TriggerScheduled,
	})
	if err != nil {
		s.logger.Warn("scheduled chat execution failed to start", zap.String("schedule_id", sch.ID), zap.Error(err))
		return
	}

	metrics.ScheduleFiresTotal.Inc()
	s.appendActivity(ctx, sch, domain.SeverityInfo, "schedule_fired", nil)
}

func (s *Scheduler) recordGated(ctx context.Context, sch *domain.Schedule, reason string) {
	s.appendActivity(ctx, sch, domain.SeverityInfo, reason, map[string]any{"reason": reason})
}

func (s *Scheduler) appendActivity(ctx context.Context, sch *domain.Schedule, sev domain.Severity, label string, extra map[string]any) {
	id, err := s.store.Activity().NextID(ctx, sch.AgentName)
	if err != nil {
		s.logger.Warn("failed to allocate activity id for schedule event", zap.Error(err))
		return
	}
	payload := map[string]any{"schedule_id": sch.ID, "label": label}
	for k, v := range extra {
		payload[k] = v
	}
	rec := &domain.ActivityRecord{
		ID:        id,
		Timestamp: time.Now().UTC(),
		Kind:      domain.KindScheduleFired,
		AgentName: sch.AgentName,
		Payload:   payload,
		Severity:  sev,
	}
	if err := s.store.Activity().Append(ctx, rec); err != nil {
		s.logger.Warn("failed to append schedule activity record", zap.Error(err))
	}
}

// isScheduleDue evaluates whether sch fires in the window that just
// elapsed: for cron schedules, whether the next occurrence after the last
// anchor (LastFiredAt, falling back to CreatedAt) is no later than now; for
// one-shots, whether OneShotAt has passed and it has not already fired.
// Missed firings during downtime do not back-fill (at-most-once, spec
// §4.7).
func isScheduleDue(sch *domain.Schedule, now time.Time) (bool, error) {
	loc := time.UTC
	if sch.TimeZone != "" {
		l, err := time.LoadLocation(sch.TimeZone)
		if err == nil {
			loc = l
		}
	}

	if sch.IsOneShot() {
		if !sch.LastFiredAt.IsZero() {
			return false, nil
		}
		return !sch.OneShotAt.After(now), nil
	}

	anchor := sch.CreatedAt.UTC()
	if !sch.LastFiredAt.IsZero() {
		anchor = sch.LastFiredAt.UTC()
	}

	parsed, err := cron.ParseStandard(sch.CronExpression)
	if err != nil {
		return false, err
	}
	next := parsed.Next(anchor.In(loc))
	return !next.After(now), nil
}
