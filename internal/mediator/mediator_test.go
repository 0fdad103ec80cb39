package mediator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinity-platform/orchestrator/internal/domain"
	"github.com/trinity-platform/orchestrator/internal/execution"
	"github.com/trinity-platform/orchestrator/internal/platform/apierr"
	"github.com/trinity-platform/orchestrator/internal/platform/logging"
	"github.com/trinity-platform/orchestrator/internal/store/memstore"
)

type fakePerms struct {
	edges map[string][]*domain.PermissionEdge
}

func (f *fakePerms) ListOut(ctx context.Context, source string) ([]*domain.PermissionEdge, error) {
	return f.edges[source], nil
}

type fakeRunner struct {
	chatErr, taskErr error
	exec             *domain.Execution
	chatCalls        []execution.Request
	taskCalls        []execution.Request
}

func (f *fakeRunner) Chat(ctx context.Context, req execution.Request) (*domain.Execution, error) {
	f.chatCalls = append(f.chatCalls, req)
	if f.chatErr != nil {
		return nil, f.chatErr
	}
	return f.exec, nil
}

func (f *fakeRunner) Task(ctx context.Context, req execution.Request, opts execution.TaskOptions) (*domain.Execution, error) {
	f.taskCalls = append(f.taskCalls, req)
	if f.taskErr != nil {
		return nil, f.taskErr
	}
	return f.exec, nil
}

type tempWorkspaces struct {
	root string
}

func (w *tempWorkspaces) WorkspacePath(agentName string) string {
	return filepath.Join(w.root, agentName)
}

func newTestMediator(t *testing.T, perms *fakePerms, runner *fakeRunner) (*Mediator, *memstore.Store, *tempWorkspaces) {
	log, err := logging.New(logging.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	s := memstore.New()
	ws := &tempWorkspaces{root: t.TempDir()}
	return New(perms, runner, s, ws, log), s, ws
}

func TestListPeers(t *testing.T) {
	perms := &fakePerms{edges: map[string][]*domain.PermissionEdge{
		"scout": {{Source: "scout", Target: "recon"}, {Source: "scout", Target: "ops"}},
	}}
	m, s, _ := newTestMediator(t, perms, &fakeRunner{})
	require.NoError(t, s.Agents().Create(context.Background(), &domain.Agent{Name: "recon", Owner: "alice"}))
	require.NoError(t, s.Agents().Create(context.Background(), &domain.Agent{Name: "ops", Owner: "alice"}))

	peers, err := m.ListPeers(context.Background(), "scout")
	require.NoError(t, err)
	assert.Len(t, peers, 2)
}

func TestListPeersSkipsDanglingEdges(t *testing.T) {
	perms := &fakePerms{edges: map[string][]*domain.PermissionEdge{
		"scout": {{Source: "scout", Target: "ghost"}},
	}}
	m, _, _ := newTestMediator(t, perms, &fakeRunner{})

	peers, err := m.ListPeers(context.Background(), "scout")
	require.NoError(t, err)
	assert.Empty(t, peers)
}

// TestChatRecordsEdgeOnSuccess verifies a successful agent-initiated chat
// call records an agent_edge activity against the caller.
func TestChatRecordsEdgeOnSuccess(t *testing.T) {
	runner := &fakeRunner{exec: &domain.Execution{ID: "exec-1", Status: domain.StatusCompleted}}
	m, s, _ := newTestMediator(t, &fakePerms{}, runner)

	exec, err := m.Chat(context.Background(), "scout", "recon", "status?")
	require.NoError(t, err)
	assert.Equal(t, "exec-1", exec.ID)

	recs, err := s.Activity().Query(context.Background(), domain.ActivityFilter{AgentName: "scout", Kind: domain.KindAgentEdge})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "recon", recs[0].PeerAgent)
}

// TestChatFailureRecordsNoEdge verifies a denied/failed call never produces
// an agent_edge record (spec §8.3).
func TestChatFailureRecordsNoEdge(t *testing.T) {
	runner := &fakeRunner{chatErr: apierr.New(apierr.PermissionDenied, "no edge")}
	m, s, _ := newTestMediator(t, &fakePerms{}, runner)

	_, err := m.Chat(context.Background(), "scout", "recon", "status?")
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.PermissionDenied))

	recs, err := s.Activity().Query(context.Background(), domain.ActivityFilter{AgentName: "scout", Kind: domain.KindAgentEdge})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

// mustInFlightExecution seeds an in-flight (non-terminal) execution for
// agentName carrying callChain, standing in for the execution the caller
// is itself running under when it places a nested mediator call.
func mustInFlightExecution(t *testing.T, s *memstore.Store, agentName string, callChain []string) {
	t.Helper()
	require.NoError(t, s.Executions().Create(context.Background(), &domain.Execution{
		ID: "exec-" + agentName, AgentName: agentName, Mode: domain.ModeTask,
		Status: domain.StatusRunning, StartedAt: time.Now().UTC(), CallChain: callChain,
	}))
}

// TestCallChainDepthExceeded verifies spec §8.8: a fourth hop in the same
// call chain is rejected DepthExceeded without ever reaching the engine.
// The chain is derived from the caller's own in-flight execution record,
// not from anything the caller claims in the request.
func TestCallChainDepthExceeded(t *testing.T) {
	runner := &fakeRunner{exec: &domain.Execution{ID: "exec-1", Status: domain.StatusCompleted}}
	m, s, _ := newTestMediator(t, &fakePerms{}, runner)
	mustInFlightExecution(t, s, "d", []string{"a", "b", "c"})

	_, err := m.Chat(context.Background(), "d", "e", "hi")
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.DepthExceeded))
	assert.Empty(t, runner.chatCalls, "the engine must never see a call already at the hop limit")
}

// TestCallChainWithinBoundsExtendsChain verifies a chain under the limit is
// extended with the caller and passed through.
func TestCallChainWithinBoundsExtendsChain(t *testing.T) {
	runner := &fakeRunner{exec: &domain.Execution{ID: "exec-1", Status: domain.StatusCompleted}}
	m, s, _ := newTestMediator(t, &fakePerms{}, runner)
	mustInFlightExecution(t, s, "c", []string{"a", "b"})

	_, err := m.Chat(context.Background(), "c", "d", "hi")
	require.NoError(t, err)
	require.Len(t, runner.chatCalls, 1)
	assert.Equal(t, []string{"a", "b", "c"}, runner.chatCalls[0].CallChain)
}

// TestCallChainStartsFreshForRootCaller verifies a caller with no in-flight
// execution (a human- or schedule-triggered root call) starts a new chain
// of just itself, rather than failing or inheriting a stale chain.
func TestCallChainStartsFreshForRootCaller(t *testing.T) {
	runner := &fakeRunner{exec: &domain.Execution{ID: "exec-1", Status: domain.StatusCompleted}}
	m, _, _ := newTestMediator(t, &fakePerms{}, runner)

	_, err := m.Chat(context.Background(), "scout", "recon", "hi")
	require.NoError(t, err)
	require.Len(t, runner.chatCalls, 1)
	assert.Equal(t, []string{"scout"}, runner.chatCalls[0].CallChain)
}

// TestCallChainIgnoresClientClaim verifies the chain is always derived from
// durable execution state, never accepted verbatim from whatever a caller
// claims: a caller whose in-flight execution carries no chain gets a chain
// of just itself, and the request has no field through which it could
// supply a deeper one.
func TestCallChainIgnoresClientClaim(t *testing.T) {
	runner := &fakeRunner{exec: &domain.Execution{ID: "exec-1", Status: domain.StatusCompleted}}
	m, s, _ := newTestMediator(t, &fakePerms{}, runner)
	mustInFlightExecution(t, s, "scout", nil)

	_, err := m.Chat(context.Background(), "scout", "recon", "hi")
	require.NoError(t, err)
	require.Len(t, runner.chatCalls, 1)
	assert.Equal(t, []string{"scout"}, runner.chatCalls[0].CallChain, "chain reflects durable state, not a client-supplied field that no longer exists")
}

// TestTriggerJobStagesFolderAndWritesFinalStatus covers the job-folder
// lifecycle: request written up front, status transitions from running to
// the execution's terminal status.
func TestTriggerJobStagesFolderAndWritesFinalStatus(t *testing.T) {
	runner := &fakeRunner{exec: &domain.Execution{ID: "exec-1", Status: domain.StatusCompleted}}
	m, s, ws := newTestMediator(t, &fakePerms{}, runner)

	result, err := m.TriggerJob(context.Background(), "scout", "worker", "build the report", JobSpec{Request: "build it"}, "")
	require.NoError(t, err)
	require.NotEmpty(t, result.JobID)

	jobDir := filepath.Join(ws.WorkspacePath("worker"), "jobs", result.JobID)
	req, err := os.ReadFile(filepath.Join(jobDir, "request"))
	require.NoError(t, err)
	assert.Equal(t, "build it", string(req))

	status, err := os.ReadFile(filepath.Join(jobDir, "status"))
	require.NoError(t, err)
	assert.Equal(t, "completed", string(status))

	recs, err := s.Activity().Query(context.Background(), domain.ActivityFilter{AgentName: "scout", Kind: domain.KindAgentEdge})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "worker", recs[0].PeerAgent)
}

// TestTriggerJobWritesFailedStatusOnEngineError verifies a task dispatch
// failure still leaves the job folder in a terminal, inspectable state.
func TestTriggerJobWritesFailedStatusOnEngineError(t *testing.T) {
	runner := &fakeRunner{taskErr: apierr.New(apierr.AgentNotRunning, "stopped")}
	m, _, ws := newTestMediator(t, &fakePerms{}, runner)

	_, err := m.TriggerJob(context.Background(), "scout", "worker", "build the report", JobSpec{Request: "build it"}, "")
	require.Error(t, err)

	entries, err := os.ReadDir(filepath.Join(ws.WorkspacePath("worker"), "jobs"))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	status, err := os.ReadFile(filepath.Join(ws.WorkspacePath("worker"), "jobs", entries[0].Name(), "status"))
	require.NoError(t, err)
	assert.Equal(t, "failed", string(status))
}
