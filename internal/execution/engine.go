// Package execution implements the Execution Engine (spec §4.6): the
// chat path (per-agent in-memory FIFO; see RebuildChatQueues for what
// happens to queued chats across a restart) and the task path
// (per-agent and global concurrency caps), sharing activity recording,
// authorization, and cancellation handling.
package execution

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/trinity-platform/orchestrator/internal/container"
	"github.com/trinity-platform/orchestrator/internal/domain"
	"github.com/trinity-platform/orchestrator/internal/platform/apierr"
	"github.com/trinity-platform/orchestrator/internal/platform/logging"
	"github.com/trinity-platform/orchestrator/internal/platform/metrics"
	"github.com/trinity-platform/orchestrator/internal/platform/tracing"
	"github.com/trinity-platform/orchestrator/internal/settings"
	"github.com/trinity-platform/orchestrator/internal/store"
)

// IdentityChecker is the subset of Identity & Ownership the engine needs to
// authorize external callers.
type IdentityChecker interface {
	CanAccess(ctx context.Context, principal domain.Principal, agentName string, scope domain.AccessScope) (bool, error)
}

// PermissionChecker is the subset of the Permission Graph the engine needs
// to authorize agent-initiated calls (spec §4.8).
type PermissionChecker interface {
	MayCall(ctx context.Context, source, target string) (bool, error)
}

// Caller identifies who is requesting an execution: exactly one of
// Principal or SourceAgent is set.
type Caller struct {
	Principal  *domain.Principal
	SourceAgent string
}

// Request is the common shape behind both Chat and Task.
type Request struct {
	AgentName string
	Message   string
	Caller    Caller
	Trigger   domain.ExecutionTrigger
	CallChain []string
}

// Engine runs chat and task executions against agent containers.
type Engine struct {
	store      store.Store
	containers container.Controller
	adapter    RuntimeAdapter
	identity   IdentityChecker
	perms      PermissionChecker
	settings   *settings.Service
	logger     *logging.Logger

	perAgentTaskCap int64

	chatQueuesMu sync.Mutex
	chatQueues   map[string]*chatQueue

	taskSemMu  sync.Mutex
	taskSems   map[string]*semaphore.Weighted
	globalSem  *semaphore.Weighted

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc

	budgetMu     sync.Mutex
	budgetPaused map[string]bool

	sessionGenMu sync.Mutex
	sessionGen   map[string]int
}

func New(s store.Store, ctrl container.Controller, adapter RuntimeAdapter, identity IdentityChecker, perms PermissionChecker, set *settings.Service, perAgentTaskCap int, globalTaskCap int, log *logging.Logger) *Engine {
	return &Engine{
		store:           s,
		containers:      ctrl,
		adapter:         adapter,
		identity:        identity,
		perms:           perms,
		settings:        set,
		logger:          log.WithFields(zap.String("component", "execution")),
		perAgentTaskCap: int64(perAgentTaskCap),
		chatQueues:      make(map[string]*chatQueue),
		taskSems:        make(map[string]*semaphore.Weighted),
		globalSem:       semaphore.NewWeighted(int64(globalTaskCap)),
		cancels:         make(map[string]context.CancelFunc),
		budgetPaused:    make(map[string]bool),
		sessionGen:      make(map[string]int),
	}
}

// PauseForBudget marks agentName as over its daily cost limit: new chat
// executions are rejected Budgeted until ResumeBudget is called (spec
// §4.9 cost guard).
func (e *Engine) PauseForBudget(agentName string) {
	e.budgetMu.Lock()
	defer e.budgetMu.Unlock()
	e.budgetPaused[agentName] = true
}

// ResumeBudget clears a prior PauseForBudget, called by the Supervisor at
// the UTC midnight reset.
func (e *Engine) ResumeBudget(agentName string) {
	e.budgetMu.Lock()
	defer e.budgetMu.Unlock()
	delete(e.budgetPaused, agentName)
}

func (e *Engine) isBudgetPaused(agentName string) bool {
	e.budgetMu.Lock()
	defer e.budgetMu.Unlock()
	return e.budgetPaused[agentName]
}

// ForceNewSession bumps agentName's chat session generation so the next
// chat execution starts a fresh session id instead of resuming, used by
// the Supervisor's context-exhaustion policy (spec §4.9).
func (e *Engine) ForceNewSession(agentName string) {
	e.sessionGenMu.Lock()
	defer e.sessionGenMu.Unlock()
	e.sessionGen[agentName]++
}

func (e *Engine) chatSessionID(agentName string) string {
	e.sessionGenMu.Lock()
	gen := e.sessionGen[agentName]
	e.sessionGenMu.Unlock()
	if gen == 0 {
		return agentName + "-chat-session"
	}
	return fmt.Sprintf("%s-chat-session-%d", agentName, gen)
}

// newExecutionID produces a lexically monotone id: a nanosecond timestamp
// prefix followed by a random suffix, so simultaneous arrivals still tie
// break in arrival order per the id's sort order (spec §4.6).
func newExecutionID() string {
	return fmt.Sprintf("%020d-%s", time.Now().UnixNano(), uuid.NewString()[:8])
}

func (e *Engine) chatQueueFor(agentName string) *chatQueue {
	e.chatQueuesMu.Lock()
	defer e.chatQueuesMu.Unlock()
	q, ok := e.chatQueues[agentName]
	if !ok {
		q = newChatQueue()
		e.chatQueues[agentName] = q
	}
	return q
}

func (e *Engine) taskSemFor(agentName string) *semaphore.Weighted {
	e.taskSemMu.Lock()
	defer e.taskSemMu.Unlock()
	sem, ok := e.taskSems[agentName]
	if !ok {
		sem = semaphore.NewWeighted(e.perAgentTaskCap)
		e.taskSems[agentName] = sem
	}
	return sem
}

func (e *Engine) authorize(ctx context.Context, caller Caller, agentName string) error {
	if caller.Principal != nil {
		ok, err := e.identity.CanAccess(ctx, *caller.Principal, agentName, domain.ScopeWrite)
		if err != nil {
			return err
		}
		if !ok {
			return apierr.New(apierr.NotAuthorized, "not authorized to execute against agent "+agentName)
		}
		return nil
	}
	if caller.SourceAgent != "" {
		ok, err := e.perms.MayCall(ctx, caller.SourceAgent, agentName)
		if err != nil {
			return err
		}
		if !ok {
			return apierr.New(apierr.PermissionDenied, caller.SourceAgent+" may not call "+agentName)
		}
		return nil
	}
	return apierr.New(apierr.Internal, "execution request carries no caller")
}

func (e *Engine) requireRunning(ctx context.Context, agentName string) (*domain.Agent, error) {
	agent, err := e.store.Agents().Get(ctx, agentName)
	if err != nil {
		return nil, err
	}
	if agent.State != domain.AgentRunning {
		return nil, apierr.Newf(apierr.AgentNotRunning, "agent %s is not running", agentName)
	}
	return agent, nil
}

func (e *Engine) maxExecutionDuration(ctx context.Context, callerTimeout int) time.Duration {
	capMin, err := e.settings.GetInt(ctx, domain.SettingMaxExecutionMin)
	if err != nil || capMin <= 0 {
		capMin = 10
	}
	capDur := time.Duration(capMin) * time.Minute
	if callerTimeout <= 0 {
		return capDur
	}
	callerDur := time.Duration(callerTimeout) * time.Second
	if callerDur < capDur {
		return callerDur
	}
	return capDur
}

// Chat runs at most one execution at a time against a given agent,
// serializing additional callers into a FIFO (spec §4.6).
func (e *Engine) Chat(ctx context.Context, req Request) (*domain.Execution, error) {
	if err := e.authorize(ctx, req.Caller, req.AgentName); err != nil {
		return nil, err
	}
	if _, err := e.requireRunning(ctx, req.AgentName); err != nil {
		return nil, err
	}
	if e.isBudgetPaused(req.AgentName) {
		return nil, apierr.Newf(apierr.Budgeted, "agent %s has exceeded its daily cost budget", req.AgentName)
	}

	exec := &domain.Execution{
		ID:        newExecutionID(),
		AgentName: req.AgentName,
		Mode:      domain.ModeChat,
		Trigger:   req.Trigger,
		Initiator: initiatorOf(req.Caller),
		Status:    domain.StatusAccepted,
		CallChain: req.CallChain,
	}
	if err := e.store.Executions().Create(ctx, exec); err != nil {
		return nil, err
	}

	queue := e.chatQueueFor(req.AgentName)
	release := queue.acquire()
	defer release()

	agent, err := e.requireRunning(ctx, req.AgentName)
	if err != nil {
		e.failExecution(ctx, exec, err)
		return exec, err
	}

	sessionID := e.chatSessionID(agent.Name)
	timeout := e.maxExecutionDuration(ctx, 0)
	return e.run(ctx, exec, agent, sessionID, req.Message, true, TaskOptions{}, timeout)
}

// Task runs a stateless, parallel execution bounded by per-agent and
// global concurrency caps (spec §4.6).
func (e *Engine) Task(ctx context.Context, req Request, opts TaskOptions) (*domain.Execution, error) {
	if err := e.authorize(ctx, req.Caller, req.AgentName); err != nil {
		return nil, err
	}
	agent, err := e.requireRunning(ctx, req.AgentName)
	if err != nil {
		return nil, err
	}

	if !e.globalSem.TryAcquire(1) {
		return nil, apierr.New(apierr.RateLimited, "global task concurrency cap reached").WithRetryAfter(2 * time.Second)
	}
	agentSem := e.taskSemFor(req.AgentName)
	if !agentSem.TryAcquire(1) {
		e.globalSem.Release(1)
		return nil, apierr.New(apierr.RateLimited, "agent task concurrency cap reached").WithRetryAfter(2 * time.Second)
	}
	defer func() {
		agentSem.Release(1)
		e.globalSem.Release(1)
	}()

	exec := &domain.Execution{
		ID:        newExecutionID(),
		AgentName: req.AgentName,
		Mode:      domain.ModeTask,
		Trigger:   req.Trigger,
		Initiator: initiatorOf(req.Caller),
		Status:    domain.StatusAccepted,
		CallChain: req.CallChain,
	}
	if err := e.store.Executions().Create(ctx, exec); err != nil {
		return nil, err
	}

	sessionID := uuid.NewString()
	timeout := e.maxExecutionDuration(ctx, opts.Timeout)
	return e.run(ctx, exec, agent, sessionID, req.Message, false, opts, timeout)
}

func initiatorOf(c Caller) string {
	if c.Principal != nil {
		return c.Principal.ID
	}
	return c.SourceAgent
}

func (e *Engine) failExecution(ctx context.Context, exec *domain.Execution, err error) {
	exec.Status = domain.StatusFailed
	exec.Error = err.Error()
	exec.EndedAt = time.Now().UTC()
	if uerr := e.store.Executions().Update(ctx, exec); uerr != nil {
		e.logger.Warn("failed to persist execution failure", zap.Error(uerr))
	}
}

// run performs the shared in-container exec + activity recording for both
// chat and task paths.
func (e *Engine) run(ctx context.Context, exec *domain.Execution, agent *domain.Agent, sessionID, message string, continueSession bool, opts TaskOptions, timeout time.Duration) (*domain.Execution, error) {
	ctx, span := tracing.StartExecutionSpan(ctx, agent.Name, string(exec.Mode))
	defer span.End()

	exec.Status = domain.StatusRunning
	exec.StartedAt = time.Now().UTC()
	exec.SessionID = sessionID
	if err := e.store.Executions().Update(ctx, exec); err != nil {
		return exec, err
	}
	e.recordActivity(ctx, exec, domain.KindExecutionStarted, domain.SeverityInfo, map[string]any{"mode": exec.Mode})

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	e.cancelMu.Lock()
	e.cancels[exec.ID] = cancel
	e.cancelMu.Unlock()
	defer func() {
		e.cancelMu.Lock()
		delete(e.cancels, exec.ID)
		e.cancelMu.Unlock()
		cancel()
	}()

	cmd := e.adapter.BuildCommand(agent, sessionID, message, continueSession, opts)
	var stdout bytes.Buffer
	result, execErr := e.containers.Exec(runCtx, agent.ContainerID, container.ExecRequest{
		Cmd:    cmd,
		Stdout: &stdout,
	})

	exec.EndedAt = time.Now().UTC()
	exec.DurationMS = exec.EndedAt.Sub(exec.StartedAt).Milliseconds()

	if runCtx.Err() == context.DeadlineExceeded {
		exec.Status = domain.StatusTimedOut
		exec.Error = "execution exceeded timeout"
	} else if runCtx.Err() == context.Canceled && ctx.Err() == nil {
		exec.Status = domain.StatusCancelled
	} else if execErr != nil {
		exec.Status = domain.StatusFailed
		exec.Error = execErr.Error()
	} else if result != nil && result.ExitCode != 0 {
		exec.Status = domain.StatusFailed
		exec.Error = fmt.Sprintf("runtime exited with code %d", result.ExitCode)
	} else {
		parsed, perr := e.adapter.ParseStream(ctx, stdout.Bytes())
		if perr != nil {
			exec.Status = domain.StatusFailed
			exec.Error = perr.Error()
		} else if parsed.IsError {
			exec.Status = domain.StatusFailed
			exec.Error = parsed.ErrorMessage
		} else {
			exec.Status = domain.StatusCompleted
			exec.InputTokens = parsed.InputTokens
			exec.OutputTokens = parsed.OutputTokens
			exec.CostUSD = parsed.CostUSD
			if max := e.adapter.ContextMax(agent.RuntimeKind); max > 0 {
				exec.ContextPct = (parsed.InputTokens + parsed.OutputTokens) * 100 / max
			}
			for _, tc := range parsed.ToolCalls {
				e.recordActivity(ctx, exec, domain.KindToolCall, domain.SeverityInfo, map[string]any{"tool": tc.Name, "input": tc.Input})
			}
		}
	}

	if err := e.store.Executions().Update(ctx, exec); err != nil {
		e.logger.Warn("failed to persist execution result", zap.Error(err))
	}
	metrics.ExecutionsTotal.WithLabelValues(string(exec.Mode), string(exec.Status)).Inc()
	e.recordActivity(ctx, exec, domain.KindExecutionEnded, severityFor(exec.Status), map[string]any{
		"status":      exec.Status,
		"duration_ms": exec.DurationMS,
		"cost_usd":    exec.CostUSD,
	})

	return exec, nil
}

func severityFor(status domain.ExecutionStatus) domain.Severity {
	switch status {
	case domain.StatusFailed, domain.StatusTimedOut:
		return domain.SeverityError
	case domain.StatusCancelled:
		return domain.SeverityWarn
	default:
		return domain.SeverityInfo
	}
}

func (e *Engine) recordActivity(ctx context.Context, exec *domain.Execution, kind domain.ActivityKind, sev domain.Severity, payload map[string]any) {
	id, err := e.store.Activity().NextID(ctx, exec.AgentName)
	if err != nil {
		e.logger.Warn("failed to allocate activity id", zap.Error(err))
		return
	}
	rec := &domain.ActivityRecord{
		ID:          id,
		Timestamp:   time.Now().UTC(),
		Kind:        kind,
		AgentName:   exec.AgentName,
		ExecutionID: exec.ID,
		Payload:     payload,
		Severity:    sev,
	}
	if err := e.store.Activity().Append(ctx, rec); err != nil {
		e.logger.Warn("failed to append activity record", zap.Error(err))
	}
}

// Cancel aborts a running execution, yielding a cancelled status.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	e.cancelMu.Lock()
	cancel, ok := e.cancels[executionID]
	e.cancelMu.Unlock()
	if !ok {
		return apierr.Newf(apierr.NotFound, "execution %s is not running", executionID)
	}
	cancel()
	return nil
}

// QueueDepth reports the current chat FIFO depth for an agent, used by the
// Scheduler's back-pressure gate (spec §4.7) and exported as a metric.
func (e *Engine) QueueDepth(agentName string) int {
	depth := e.chatQueueFor(agentName).depth()
	metrics.ChatQueueDepth.WithLabelValues(agentName).Set(float64(depth))
	return depth
}

// RebuildChatQueues lists each named agent's "accepted but not started"
// chat executions, logs how many there are, and creates that agent's
// in-memory FIFO. It does not re-admit or run those executions: the FIFO
// starts empty after a restart and the listed records stay in the
// accepted state.
func (e *Engine) RebuildChatQueues(ctx context.Context, agentNames []string) error {
	for _, name := range agentNames {
		pending, err := e.store.Executions().ListAcceptedNotStarted(ctx, name)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			continue
		}
		e.logger.Info("rebuilding chat queue from durable state", zap.String("agent", name), zap.Int("pending", len(pending)))
		_ = e.chatQueueFor(name)
	}
	return nil
}
