// Package supervisor implements Fleet Ops (spec §4.9): a periodic sweep
// that detects stuck executions, enforces context-exhaustion and
// daily-cost-budget policy, restarts unhealthy containers with escalating
// backoff, and exposes the four privileged admin operations. The sweep
// loop is shaped like the Scheduler's tick loop: a ticker plus a
// cancellable goroutine joined by a WaitGroup on Stop.
package supervisor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trinity-platform/orchestrator/internal/container"
	"github.com/trinity-platform/orchestrator/internal/domain"
	"github.com/trinity-platform/orchestrator/internal/platform/apierr"
	"github.com/trinity-platform/orchestrator/internal/platform/logging"
	"github.com/trinity-platform/orchestrator/internal/platform/metrics"
	"github.com/trinity-platform/orchestrator/internal/settings"
	"github.com/trinity-platform/orchestrator/internal/store"
)

// restartBackoff is the escalating delay sequence applied to unhealthy
// container restarts before giving up (spec §4.9).
var restartBackoff = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	30 * time.Second,
	5 * time.Minute,
}

const maxRestartAttempts = 5

// EngineControl is the subset of the Execution Engine the supervisor drives
// policy through.
type EngineControl interface {
	PauseForBudget(agentName string)
	ResumeBudget(agentName string)
	ForceNewSession(agentName string)
	Cancel(ctx context.Context, executionID string) error
}

// LifecycleController is the subset of the Lifecycle Manager the supervisor
// needs for unhealthy-container recovery and the admin operations.
type LifecycleController interface {
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Reinitialize(ctx context.Context, name string) error
}

// restartState tracks in-flight backoff bookkeeping for one agent's
// unhealthy-container recovery.
type restartState struct {
	attempts    int
	nextAttempt time.Time
	gaveUp      bool
}

// Supervisor runs the fleet-wide health and policy sweep.
type Supervisor struct {
	store      store.Store
	containers container.Controller
	engine     EngineControl
	lifecycle  LifecycleController
	settings   *settings.Service
	logger     *logging.Logger
	interval   time.Duration

	mu     sync.Mutex
	ticker *time.Ticker
	cancel context.CancelFunc
	wg     sync.WaitGroup

	restartsMu sync.Mutex
	restarts   map[string]*restartState

	suppressMu sync.Mutex
	suppressed map[string]time.Time // key: agent+"/"+kind

	costMu      sync.Mutex
	costPaused  map[string]bool
	lastResetAt time.Time
}

func New(s store.Store, ctrl container.Controller, engine EngineControl, lc LifecycleController, set *settings.Service, interval time.Duration, log *logging.Logger) *Supervisor {
	return &Supervisor{
		store:      s,
		containers: ctrl,
		engine:     engine,
		lifecycle:  lc,
		settings:   set,
		logger:     log.WithFields(zap.String("component", "supervisor")),
		interval:   interval,
		restarts:   make(map[string]*restartState),
		suppressed: make(map[string]time.Time),
		costPaused: make(map[string]bool),
	}
}

// Start begins the sweep loop. Safe to call once; a second call is a no-op.
func (sv *Supervisor) Start(ctx context.Context) {
	sv.mu.Lock()
	if sv.ticker != nil {
		sv.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	sv.cancel = cancel
	sv.ticker = time.NewTicker(sv.interval)
	ticker := sv.ticker
	sv.mu.Unlock()

	sv.wg.Add(1)
	go func() {
		defer sv.wg.Done()
		sv.sweep(loopCtx, time.Now().UTC())
		for {
			select {
			case <-loopCtx.Done():
				return
			case now := <-ticker.C:
				sv.sweep(loopCtx, now.UTC())
			}
		}
	}()
}

// Stop halts the sweep loop and waits for the in-flight sweep to finish.
func (sv *Supervisor) Stop() {
	sv.mu.Lock()
	if sv.ticker == nil {
		sv.mu.Unlock()
		return
	}
	sv.ticker.Stop()
	sv.ticker = nil
	if sv.cancel != nil {
		sv.cancel()
	}
	sv.mu.Unlock()
	sv.wg.Wait()
}

func (sv *Supervisor) sweep(ctx context.Context, now time.Time) {
	sv.maybeResetCostGuard(now)

	agents, err := sv.store.Agents().List(ctx)
	if err != nil {
		sv.logger.Warn("failed to list agents for supervisor sweep", zap.Error(err))
		return
	}

	for _, agent := range agents {
		if agent.State != domain.AgentRunning {
			continue
		}
		sv.checkStuckExecutions(ctx, agent, now)
		sv.checkContextExhaustion(ctx, agent)
		sv.checkCostGuard(ctx, agent, now)
		sv.checkContainerHealth(ctx, agent, now)
	}
}

// checkStuckExecutions cancels running executions, among the agent's five
// most recent, whose time since start exceeds ops.idle_timeout_min (spec
// §4.9). Progress within a running execution is not inspected.
func (sv *Supervisor) checkStuckExecutions(ctx context.Context, agent *domain.Agent, now time.Time) {
	idleMin, err := sv.settings.GetInt(ctx, domain.SettingIdleTimeoutMin)
	if err != nil || idleMin <= 0 {
		idleMin = 30
	}
	threshold := time.Duration(idleMin) * time.Minute

	recent, err := sv.store.Executions().ListByAgent(ctx, agent.Name, 5)
	if err != nil {
		sv.logger.Warn("failed to list recent executions for stuck check", zap.String("agent", agent.Name), zap.Error(err))
		return
	}
	for _, exec := range recent {
		if exec.Status != domain.StatusRunning {
			continue
		}
		if now.Sub(exec.StartedAt) < threshold {
			continue
		}
		if err := sv.engine.Cancel(ctx, exec.ID); err != nil {
			sv.logger.Warn("failed to cancel stuck execution", zap.String("agent", agent.Name), zap.String("execution_id", exec.ID), zap.Error(err))
			continue
		}
		sv.alert(ctx, agent.Name, "stuck_execution", domain.SeverityWarn, map[string]any{
			"execution_id": exec.ID,
			"running_for":  now.Sub(exec.StartedAt).String(),
		})
	}
}

// checkContextExhaustion inspects the agent's most recent completed
// execution's context percentage and forces a new chat session once the
// critical threshold is crossed (spec §4.9).
func (sv *Supervisor) checkContextExhaustion(ctx context.Context, agent *domain.Agent) {
	recent, err := sv.store.Executions().ListByAgent(ctx, agent.Name, 1)
	if err != nil || len(recent) == 0 {
		return
	}
	last := recent[0]
	if last.Mode != domain.ModeChat || !last.Status.Terminal() {
		return
	}

	warnPct, err := sv.settings.GetInt(ctx, domain.SettingContextWarnPct)
	if err != nil || warnPct <= 0 {
		warnPct = 75
	}
	critPct, err := sv.settings.GetInt(ctx, domain.SettingContextCriticalPct)
	if err != nil || critPct <= 0 {
		critPct = 90
	}

	switch {
	case last.ContextPct >= critPct:
		sv.engine.ForceNewSession(agent.Name)
		sv.alert(ctx, agent.Name, "context_exhausted", domain.SeverityWarn, map[string]any{"context_pct": last.ContextPct})
	case last.ContextPct >= warnPct:
		sv.alert(ctx, agent.Name, "context_high", domain.SeverityInfo, map[string]any{"context_pct": last.ContextPct})
	}
}

// checkCostGuard pauses an agent's chat path and forces autonomy off once
// its cumulative cost for the current UTC day reaches ops.daily_cost_limit_usd
// (spec §4.9).
func (sv *Supervisor) checkCostGuard(ctx context.Context, agent *domain.Agent, now time.Time) {
	limit, err := sv.settings.GetFloat(ctx, domain.SettingDailyCostLimitUSD)
	if err != nil || limit <= 0 {
		return
	}

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	spent, err := sv.store.Executions().SumCostSince(ctx, agent.Name, dayStart)
	if err != nil {
		sv.logger.Warn("failed to sum agent cost for budget check", zap.String("agent", agent.Name), zap.Error(err))
		return
	}
	if spent < limit {
		return
	}

	sv.costMu.Lock()
	alreadyPaused := sv.costPaused[agent.Name]
	sv.costPaused[agent.Name] = true
	sv.costMu.Unlock()
	if alreadyPaused {
		return
	}

	sv.engine.PauseForBudget(agent.Name)
	agent.Autonomy = false
	if err := sv.store.Agents().Update(ctx, agent); err != nil {
		sv.logger.Warn("failed to force autonomy off after budget trip", zap.String("agent", agent.Name), zap.Error(err))
	}
	metrics.CostGuardTripsTotal.Inc()
	sv.alert(ctx, agent.Name, "cost_guard_tripped", domain.SeverityError, map[string]any{
		"spent_usd": spent,
		"limit_usd": limit,
	})
}

// maybeResetCostGuard clears every paused agent's budget gate at UTC
// midnight, matching the spec's "resets at 00:00 UTC" rule.
func (sv *Supervisor) maybeResetCostGuard(now time.Time) {
	today := now.Truncate(24 * time.Hour)

	sv.costMu.Lock()
	defer sv.costMu.Unlock()
	if sv.lastResetAt.Equal(today) {
		return
	}
	sv.lastResetAt = today
	for name := range sv.costPaused {
		sv.engine.ResumeBudget(name)
	}
	sv.costPaused = make(map[string]bool)
}

// checkContainerHealth restarts an unhealthy agent's container with
// escalating backoff, giving up after maxRestartAttempts (spec §4.9).
func (sv *Supervisor) checkContainerHealth(ctx context.Context, agent *domain.Agent, now time.Time) {
	if agent.ContainerID == "" {
		return
	}
	info, err := sv.containers.Inspect(ctx, agent.ContainerID)
	if err != nil {
		sv.logger.Warn("failed to inspect agent container", zap.String("agent", agent.Name), zap.Error(err))
		return
	}
	if info.Health != "unhealthy" {
		sv.restartsMu.Lock()
		delete(sv.restarts, agent.Name)
		sv.restartsMu.Unlock()
		return
	}

	sv.restartsMu.Lock()
	st, ok := sv.restarts[agent.Name]
	if !ok {
		st = &restartState{}
		sv.restarts[agent.Name] = st
	}
	if st.gaveUp {
		sv.restartsMu.Unlock()
		return
	}
	if now.Before(st.nextAttempt) {
		sv.restartsMu.Unlock()
		return
	}
	if st.attempts >= maxRestartAttempts {
		st.gaveUp = true
		sv.restartsMu.Unlock()
		sv.alert(ctx, agent.Name, "container_restart_exhausted", domain.SeverityCritical, map[string]any{"attempts": st.attempts})
		return
	}

	delay := restartBackoff[len(restartBackoff)-1]
	if st.attempts < len(restartBackoff) {
		delay = restartBackoff[st.attempts]
	}
	st.attempts++
	st.nextAttempt = now.Add(delay)
	sv.restartsMu.Unlock()

	sv.logger.Info("restarting unhealthy agent container", zap.String("agent", agent.Name), zap.Int("attempt", st.attempts))
	if err := sv.lifecycle.Reinitialize(ctx, agent.Name); err != nil {
		sv.logger.Warn("unhealthy container restart failed", zap.String("agent", agent.Name), zap.Int("attempt", st.attempts), zap.Error(err))
		sv.alert(ctx, agent.Name, "container_unhealthy", domain.SeverityWarn, map[string]any{"attempt": st.attempts, "error": err.Error()})
		return
	}
	sv.restartsMu.Lock()
	delete(sv.restarts, agent.Name)
	sv.restartsMu.Unlock()
}

// alert records an alert activity, suppressing repeats of the same
// (agent, kind) pair within ops.alert_suppress_min (spec §4.9).
func (sv *Supervisor) alert(ctx context.Context, agentName, kind string, sev domain.Severity, payload map[string]any) {
	suppressMin, err := sv.settings.GetInt(ctx, domain.SettingAlertSuppressMin)
	if err != nil || suppressMin <= 0 {
		suppressMin = 15
	}
	window := time.Duration(suppressMin) * time.Minute
	key := agentName + "/" + kind

	sv.suppressMu.Lock()
	if last, ok := sv.suppressed[key]; ok && time.Since(last) < window {
		sv.suppressMu.Unlock()
		return
	}
	sv.suppressed[key] = time.Now()
	sv.suppressMu.Unlock()

	if payload == nil {
		payload = map[string]any{}
	}
	payload["kind"] = kind

	id, err := sv.store.Activity().NextID(ctx, agentName)
	if err != nil {
		sv.logger.Warn("failed to allocate activity id for alert", zap.Error(err))
		return
	}
	rec := &domain.ActivityRecord{
		ID:        id,
		Timestamp: time.Now().UTC(),
		Kind:      domain.KindAlert,
		AgentName: agentName,
		Payload:   payload,
		Severity:  sev,
	}
	if err := sv.store.Activity().Append(ctx, rec); err != nil {
		sv.logger.Warn("failed to append alert activity record", zap.Error(err))
	}
	metrics.SupervisorAlertsTotal.WithLabelValues(kind, string(sev)).Inc()
}

// PauseAllSchedules is a privileged admin operation that sets the
// fleet-wide schedules-paused setting (spec §4.9, §4.7).
func (sv *Supervisor) PauseAllSchedules(ctx context.Context) error {
	return sv.settings.Set(ctx, domain.SettingSchedulesPaused, "true")
}

// ResumeAllSchedules clears the fleet-wide schedules-paused setting.
func (sv *Supervisor) ResumeAllSchedules(ctx context.Context) error {
	return sv.settings.Set(ctx, domain.SettingSchedulesPaused, "false")
}

// EmergencyStop halts every running non-system agent and pauses schedules
// fleet-wide (spec §4.9). Agents marked SystemProtected — the platform's
// own agents — are left running. Failures are collected and reported
// together rather than aborting on the first one, since the point of the
// operation is to stop as much of the fleet as possible.
func (sv *Supervisor) EmergencyStop(ctx context.Context) error {
	agents, err := sv.store.Agents().List(ctx)
	if err != nil {
		return err
	}
	var failures []string
	for _, agent := range agents {
		if agent.State != domain.AgentRunning || agent.SystemProtected {
			continue
		}
		if err := sv.lifecycle.Stop(ctx, agent.Name); err != nil {
			sv.logger.Warn("emergency stop failed for agent", zap.String("agent", agent.Name), zap.Error(err))
			failures = append(failures, agent.Name)
		}
	}
	if err := sv.PauseAllSchedules(ctx); err != nil {
		sv.logger.Warn("emergency stop failed to pause schedules", zap.Error(err))
		failures = append(failures, "schedules")
	}
	if len(failures) > 0 {
		return apierr.Newf(apierr.Internal, "emergency stop failed for agents: %v", failures)
	}
	return nil
}

// RestartAll reinitializes every currently running agent.
func (sv *Supervisor) RestartAll(ctx context.Context) error {
	agents, err := sv.store.Agents().List(ctx)
	if err != nil {
		return err
	}
	var failures []string
	for _, agent := range agents {
		if agent.State != domain.AgentRunning {
			continue
		}
		if err := sv.lifecycle.Reinitialize(ctx, agent.Name); err != nil {
			sv.logger.Warn("restart all failed for agent", zap.String("agent", agent.Name), zap.Error(err))
			failures = append(failures, agent.Name)
		}
	}
	if len(failures) > 0 {
		return apierr.Newf(apierr.Internal, "restart all failed for agents: %v", failures)
	}
	return nil
}
