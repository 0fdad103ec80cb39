// Package mediator implements the Inter-Agent Call Mediator (spec §4.8):
// the RPC surface agents use to call each other, layered on top of the
// Permission Graph and the Execution Engine.
package mediator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trinity-platform/orchestrator/internal/domain"
	"github.com/trinity-platform/orchestrator/internal/execution"
	"github.com/trinity-platform/orchestrator/internal/platform/apierr"
	"github.com/trinity-platform/orchestrator/internal/platform/logging"
	"github.com/trinity-platform/orchestrator/internal/store"
)

// maxCallChainHops bounds recursive agent-to-agent calls; a fourth hop in
// the same chain is rejected DepthExceeded (spec §4.8).
const maxCallChainHops = 3

// PermissionLister is the subset of the Permission Graph the mediator
// needs for list_peers.
type PermissionLister interface {
	ListOut(ctx context.Context, source string) ([]*domain.PermissionEdge, error)
}

// Runner is the subset of the Execution Engine the mediator dispatches
// through.
type Runner interface {
	Chat(ctx context.Context, req execution.Request) (*domain.Execution, error)
	Task(ctx context.Context, req execution.Request, opts execution.TaskOptions) (*domain.Execution, error)
}

// WorkspaceResolver maps an agent name to its host-side workspace root,
// used by trigger_job to materialize a job folder in the peer's workspace.
type WorkspaceResolver interface {
	WorkspacePath(agentName string) string
}

// Mediator is the RPC surface agents call through.
type Mediator struct {
	perms      PermissionLister
	engine     Runner
	store      store.Store
	workspaces WorkspaceResolver
	logger     *logging.Logger
}

func New(perms PermissionLister, engine Runner, s store.Store, ws WorkspaceResolver, log *logging.Logger) *Mediator {
	return &Mediator{perms: perms, engine: engine, store: s, workspaces: ws, logger: log.WithFields(zap.String("component", "mediator"))}
}

// ListPeers returns every agent the caller may call, per the Permission
// Graph (spec §4.8).
func (m *Mediator) ListPeers(ctx context.Context, caller string) ([]*domain.Agent, error) {
	edges, err := m.perms.ListOut(ctx, caller)
	if err != nil {
		return nil, err
	}
	peers := make([]*domain.Agent, 0, len(edges))
	for _, e := range edges {
		peer, err := m.store.Agents().Get(ctx, e.Target)
		if err != nil {
			m.logger.Warn("peer agent in permission graph not found", zap.String("peer", e.Target), zap.Error(err))
			continue
		}
		peers = append(peers, peer)
	}
	return peers, nil
}

// callerChain looks up the call chain the caller is itself currently
// executing under, so depth is derived from durable execution state rather
// than trusted from whatever the RPC client claims (spec §4.8). A caller
// with no in-flight execution (a human- or schedule-triggered root call)
// starts a fresh chain.
func (m *Mediator) callerChain(ctx context.Context, caller string) ([]string, error) {
	recent, err := m.store.Executions().ListByAgent(ctx, caller, 1)
	if err != nil {
		return nil, err
	}
	if len(recent) == 0 || recent[0].Status.Terminal() {
		return nil, nil
	}
	return recent[0].CallChain, nil
}

func extendChain(callChain []string, caller string) ([]string, error) {
	if len(callChain) >= maxCallChainHops {
		return nil, apierr.Newf(apierr.DepthExceeded, "call chain already at %d hops", maxCallChainHops)
	}
	extended := make([]string, 0, len(callChain)+1)
	extended = append(extended, callChain...)
	extended = append(extended, caller)
	return extended, nil
}

// Chat dispatches an agent-initiated chat call through §4.6's chat path and
// records the agent_edge activity.
func (m *Mediator) Chat(ctx context.Context, caller, peer, message string) (*domain.Execution, error) {
	callChain, err := m.callerChain(ctx, caller)
	if err != nil {
		return nil, err
	}
	chain, err := extendChain(callChain, caller)
	if err != nil {
		return nil, err
	}

	exec, err := m.engine.Chat(ctx, execution.Request{
		AgentName: peer,
		Message:   message,
		Caller:    execution.Caller{SourceAgent: caller},
		Trigger:   domain.TriggerAgentTriggered,
		CallChain: chain,
	})
	if err != nil {
		return nil, err
	}
	m.recordEdge(ctx, caller, peer, exec.ID)
	return exec, nil
}

// Task dispatches an agent-initiated task call through §4.6's task path.
func (m *Mediator) Task(ctx context.Context, caller, peer, message string, opts execution.TaskOptions) (*domain.Execution, error) {
	callChain, err := m.callerChain(ctx, caller)
	if err != nil {
		return nil, err
	}
	chain, err := extendChain(callChain, caller)
	if err != nil {
		return nil, err
	}

	exec, err := m.engine.Task(ctx, execution.Request{
		AgentName: peer,
		Message:   message,
		Caller:    execution.Caller{SourceAgent: caller},
		Trigger:   domain.TriggerAgentTriggered,
		CallChain: chain,
	}, opts)
	if err != nil {
		return nil, err
	}
	m.recordEdge(ctx, caller, peer, exec.ID)
	return exec, nil
}

// JobSpec describes the job folder contents trigger_job stages in the
// peer's workspace before dispatch (spec §4.8).
type JobSpec struct {
	Request string
}

// JobResult reports the staged job folder's final location and execution
// outcome.
type JobResult struct {
	JobID     string
	Execution *domain.Execution
}

// TriggerJob is an elaborated task call used in deployed multi-agent
// systems: it creates a job folder (request/status/output) in the peer's
// workspace, injects the job context as an appended system prompt, runs
// the task, and updates status on completion. sessionID is not used: the
// task always runs in a fresh session, so a follow-up call does not
// resume the peer's prior session.
func (m *Mediator) TriggerJob(ctx context.Context, caller, peer, message string, spec JobSpec, sessionID string) (*JobResult, error) {
	callChain, err := m.callerChain(ctx, caller)
	if err != nil {
		return nil, err
	}
	chain, err := extendChain(callChain, caller)
	if err != nil {
		return nil, err
	}

	jobID := uuid.NewString()
	jobDir := filepath.Join(m.workspaces.WorkspacePath(peer), "jobs", jobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return nil, apierr.Wrapf(apierr.InjectionFailed, err, "create job folder for %s", peer)
	}
	if err := os.WriteFile(filepath.Join(jobDir, "request"), []byte(spec.Request), 0o644); err != nil {
		return nil, apierr.Wrapf(apierr.InjectionFailed, err, "write job request for %s", peer)
	}
	if err := writeStatus(jobDir, "running"); err != nil {
		return nil, err
	}

	systemPrompt := fmt.Sprintf("You are handling job %s triggered by %s. Job request is available at %s/request; write your output to %s/output and your final status to %s/status.",
		jobID, caller, jobDir, jobDir, jobDir)

	opts := execution.TaskOptions{SystemPrompt: systemPrompt}

	exec, err := m.engine.Task(ctx, execution.Request{
		AgentName: peer,
		Message:   message,
		Caller:    execution.Caller{SourceAgent: caller},
		Trigger:   domain.TriggerAgentTriggered,
		CallChain: chain,
	}, opts)
	if err != nil {
		_ = writeStatus(jobDir, "failed")
		return nil, err
	}
	m.recordEdge(ctx, caller, peer, exec.ID)

	finalStatus := "completed"
	if exec.Status != domain.StatusCompleted {
		finalStatus = string(exec.Status)
	}
	if err := writeStatus(jobDir, finalStatus); err != nil {
		m.logger.Warn("failed to write job status", zap.String("job_id", jobID), zap.Error(err))
	}

	return &JobResult{JobID: jobID, Execution: exec}, nil
}

func writeStatus(jobDir, status string) error {
	return os.WriteFile(filepath.Join(jobDir, "status"), []byte(status), 0o644)
}

func (m *Mediator) recordEdge(ctx context.Context, caller, peer, executionID string) {
	id, err := m.store.Activity().NextID(ctx, caller)
	if err != nil {
		m.logger.Warn("failed to allocate activity id for agent edge", zap.Error(err))
		return
	}
	rec := &domain.ActivityRecord{
		ID:          id,
		Timestamp:   time.Now().UTC(),
		Kind:        domain.KindAgentEdge,
		AgentName:   caller,
		PeerAgent:   peer,
		ExecutionID: executionID,
		Severity:    domain.SeverityInfo,
	}
	if err := m.store.Activity().Append(ctx, rec); err != nil {
		m.logger.Warn("failed to append agent edge activity record", zap.Error(err))
	}
}
