package lifecycle

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinity-platform/orchestrator/internal/container"
	"github.com/trinity-platform/orchestrator/internal/domain"
	"github.com/trinity-platform/orchestrator/internal/injection"
	"github.com/trinity-platform/orchestrator/internal/platform/apierr"
	"github.com/trinity-platform/orchestrator/internal/platform/eventbus"
	"github.com/trinity-platform/orchestrator/internal/platform/logging"
	"github.com/trinity-platform/orchestrator/internal/settings"
	"github.com/trinity-platform/orchestrator/internal/store/memstore"
)

// readyServer binds a real listener so waitHealthy's hard-coded
// 127.0.0.1:<port>/readyz probe has something to hit.
type readyServer struct {
	ln      net.Listener
	mu      sync.Mutex
	healthy bool
	srv     *http.Server
}

func newReadyServer(t *testing.T) *readyServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	rs := &readyServer{ln: ln, healthy: true}
	mux := http.NewServeMux()
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		rs.mu.Lock()
		ok := rs.healthy
		rs.mu.Unlock()
		if ok {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	rs.srv = &http.Server{Handler: mux}
	go rs.srv.Serve(ln)
	t.Cleanup(func() { rs.srv.Close() })
	return rs
}

func (rs *readyServer) port() int {
	return rs.ln.Addr().(*net.TCPAddr).Port
}

func (rs *readyServer) setHealthy(v bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.healthy = v
}

// fakeContainers is a minimal in-memory container.Controller: Create
// always succeeds, Start/Stop/Remove are no-ops, Inspect reports healthy.
type fakeContainers struct {
	mu        sync.Mutex
	createErr error
	created   []container.Spec
	stopped   []string
	removed   []string
}

func (c *fakeContainers) Create(ctx context.Context, spec container.Spec) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.createErr != nil {
		return "", c.createErr
	}
	c.created = append(c.created, spec)
	return "container-" + spec.Name, nil
}
func (c *fakeContainers) Start(ctx context.Context, id string) error { return nil }
func (c *fakeContainers) Stop(ctx context.Context, id string, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = append(c.stopped, id)
	return nil
}
func (c *fakeContainers) Remove(ctx context.Context, id string, force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = append(c.removed, id)
	return nil
}
func (c *fakeContainers) Inspect(ctx context.Context, id string) (*container.Info, error) {
	return &container.Info{ID: id, Health: "healthy"}, nil
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

type fakeImages struct{}

func (fakeImages) ResolveImage(ctx context.Context, kind domain.RuntimeKind, template string) (string, error) {
	return "trinity/agent-runtime:latest", nil
}

type tempWorkspaces struct{ root string }

func (w *tempWorkspaces) WorkspacePath(agentName string) string {
	return filepath.Join(w.root, agentName)
}

func (w *tempWorkspaces) DeploymentSystemPath(deploymentName string) string {
	return filepath.Join(w.root, "_deployments", deploymentName, "system")
}

// noVault, noPerms, noAgents, and bareTemplates give the injection
// pipeline the minimum it needs to run against a bare test agent.
type noVault struct{}

func (noVault) Resolve(ctx context.Context, principal string, names []string) (map[string]string, error) {
	return map[string]string{}, nil
}

type noPerms struct{}

func (noPerms) ListOut(ctx context.Context, source string) ([]*domain.PermissionEdge, error) {
	return nil, nil
}

type noAgents struct{}

func (noAgents) Resolve(ctx context.Context, name string) (*domain.Agent, error) {
	return nil, apierr.New(apierr.NotFound, "no such agent")
}

type bareTemplates struct{}

func (bareTemplates) InstructionBody(ctx context.Context, template string) (string, error) {
	return "hi", nil
}
func (bareTemplates) ConfigTemplates(ctx context.Context, template string) (map[string]string, error) {
	return nil, nil
}
func (bareTemplates) RequiredCredentials(ctx context.Context, template string) ([]string, error) {
	return nil, nil
}

func newTestManager(t *testing.T) (*Manager, *memstore.Store, *fakeContainers, *tempWorkspaces) {
	log, err := logging.New(logging.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	s := memstore.New()
	set := settings.New(s.Settings())
	require.NoError(t, set.Seed(context.Background()))
	inj := injection.New(noVault{}, noPerms{}, noAgents{}, bareTemplates{}, set, log)
	ctrl := &fakeContainers{}
	ws := &tempWorkspaces{root: t.TempDir()}
	bus := eventbus.NewMemoryEventBus(log)
	mgr := New(s, ctrl, inj, fakeImages{}, ws, bus, log)
	return mgr, s, ctrl, ws
}

func mustCreatedAgent(t *testing.T, s *memstore.Store, name string, port int) *domain.Agent {
	t.Helper()
	a := &domain.Agent{Name: name, Owner: "alice", State: domain.AgentCreated, Port: port, RuntimeKind: domain.RuntimeClaude}
	require.NoError(t, s.Agents().Create(context.Background(), a))
	return a
}

// TestStartTransitionsThroughStartingToRunning covers the happy path of
// the state machine plus the health probe succeeding immediately.
func TestStartTransitionsThroughStartingToRunning(t *testing.T) {
	mgr, s, ctrl, _ := newTestManager(t)
	rs := newReadyServer(t)
	mustCreatedAgent(t, s, "scout", rs.port())

	require.NoError(t, mgr.Start(context.Background(), "scout"))

	agent, err := s.Agents().Get(context.Background(), "scout")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentRunning, agent.State)
	assert.NotEmpty(t, agent.ContainerID)
	require.Len(t, ctrl.created, 1)

	recs, err := s.Activity().Query(context.Background(), domain.ActivityFilter{AgentName: "scout", Kind: domain.KindStateTransition})
	require.NoError(t, err)
	require.Len(t, recs, 2, "starting then running, each a distinct transition record")
}

// TestStartMountsWorkerSystemOverlaysReadOnly covers spec §4.3's hard
// enforcement point: an agent belonging to a deployed system gets that
// system's policies and processes directories bind-mounted read-only on
// top of its writable workspace.
func TestStartMountsWorkerSystemOverlaysReadOnly(t *testing.T) {
	mgr, s, ctrl, ws := newTestManager(t)
	rs := newReadyServer(t)
	a := mustCreatedAgent(t, s, "scout", rs.port())
	a.DeploymentName = "recon-squad"
	require.NoError(t, s.Agents().Update(context.Background(), a))

	require.NoError(t, mgr.Start(context.Background(), "scout"))

	require.Len(t, ctrl.created, 1)
	mounts := ctrl.created[0].Mounts
	sysPath := ws.DeploymentSystemPath("recon-squad")
	assert.Contains(t, mounts, container.Mount{
		Source: filepath.Join(sysPath, "policies"), Target: container.WorkerPoliciesDir, ReadOnly: true,
	})
	assert.Contains(t, mounts, container.Mount{
		Source: filepath.Join(sysPath, "processes"), Target: container.WorkerProcessesDir, ReadOnly: true,
	})
}

// TestStartOmitsWorkerOverlaysForFreestandingAgent verifies an agent with
// no DeploymentName never gets the worker system overlays mounted.
func TestStartOmitsWorkerOverlaysForFreestandingAgent(t *testing.T) {
	mgr, s, ctrl, _ := newTestManager(t)
	rs := newReadyServer(t)
	mustCreatedAgent(t, s, "scout", rs.port())

	require.NoError(t, mgr.Start(context.Background(), "scout"))

	require.Len(t, ctrl.created, 1)
	for _, mnt := range ctrl.created[0].Mounts {
		assert.NotEqual(t, container.WorkerPoliciesDir, mnt.Target)
		assert.NotEqual(t, container.WorkerProcessesDir, mnt.Target)
	}
}

// TestStartFailsClosedWhenContainerNeverBecomesHealthy verifies an agent
// whose readiness probe never returns 200 ends up in the error state
// rather than running.
func TestStartFailsClosedWhenContainerNeverBecomesHealthy(t *testing.T) {
	mgr, s, _, _ := newTestManager(t)
	rs := newReadyServer(t)
	rs.setHealthy(false)
	mustCreatedAgent(t, s, "scout", rs.port())

	err := mgr.Start(context.Background(), "scout")
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.ContainerUnavailable))

	agent, err := s.Agents().Get(context.Background(), "scout")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentError, agent.State)
}

// TestStartRejectsFromDeletedState verifies the state-machine precondition:
// only created/stopped/error/running may transition into starting.
func TestStartRejectsFromDeletedState(t *testing.T) {
	mgr, s, _, _ := newTestManager(t)
	a := mustCreatedAgent(t, s, "scout", 0)
	a.State = domain.AgentDeleted
	require.NoError(t, s.Agents().Update(context.Background(), a))

	err := mgr.Start(context.Background(), "scout")
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.AgentNotRunning))
}

// TestStartFromRunningReplacesContainer covers spec §4.5's running→starting
// transition: starting an already-running agent retires its existing
// container and brings up a fresh one under the same name.
func TestStartFromRunningReplacesContainer(t *testing.T) {
	mgr, s, ctrl, _ := newTestManager(t)
	rs := newReadyServer(t)
	mustCreatedAgent(t, s, "scout", rs.port())
	require.NoError(t, mgr.Start(context.Background(), "scout"))

	firstContainerID := ctrl.created[0].Name

	require.NoError(t, mgr.Start(context.Background(), "scout"))

	agent, err := s.Agents().Get(context.Background(), "scout")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentRunning, agent.State)
	assert.Len(t, ctrl.stopped, 1, "the prior container is retired before the replacement is created")
	assert.Len(t, ctrl.created, 2, "starting from running builds a fresh container")
	assert.Equal(t, firstContainerID, ctrl.created[1].Name)
}

// TestStopTransitionsRunningToStopped covers the running → stopping →
// stopped path, including the container Stop call.
func TestStopTransitionsRunningToStopped(t *testing.T) {
	mgr, s, ctrl, _ := newTestManager(t)
	rs := newReadyServer(t)
	mustCreatedAgent(t, s, "scout", rs.port())
	require.NoError(t, mgr.Start(context.Background(), "scout"))

	require.NoError(t, mgr.Stop(context.Background(), "scout"))

	agent, err := s.Agents().Get(context.Background(), "scout")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentStopped, agent.State)
	assert.Len(t, ctrl.stopped, 1)
}

// TestStopRejectsWhenNotRunning covers the inverse precondition.
func TestStopRejectsWhenNotRunning(t *testing.T) {
	mgr, s, _, _ := newTestManager(t)
	mustCreatedAgent(t, s, "scout", 0)

	err := mgr.Stop(context.Background(), "scout")
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.AgentNotRunning))
}

// TestDeleteRemovesContainer verifies Delete removes the agent's
// container when one exists, and tolerates agents that never had one.
func TestDeleteRemovesContainer(t *testing.T) {
	mgr, s, ctrl, _ := newTestManager(t)
	rs := newReadyServer(t)
	mustCreatedAgent(t, s, "scout", rs.port())
	require.NoError(t, mgr.Start(context.Background(), "scout"))
	require.NoError(t, mgr.Stop(context.Background(), "scout"))

	require.NoError(t, mgr.Delete(context.Background(), "scout"))
	assert.Len(t, ctrl.removed, 1)

	mustCreatedAgent(t, s, "never-started", 0)
	require.NoError(t, mgr.Delete(context.Background(), "never-started"))
	assert.Len(t, ctrl.removed, 1, "an agent with no container leaves nothing to remove")
}

// TestRestartStopsThenStarts verifies Restart on a running agent retires
// the existing container and brings up a fresh one, without clearing
// workspace contents.
func TestRestartStopsThenStarts(t *testing.T) {
	mgr, s, ctrl, ws := newTestManager(t)
	rs := newReadyServer(t)
	mustCreatedAgent(t, s, "scout", rs.port())
	require.NoError(t, mgr.Start(context.Background(), "scout"))

	marker := filepath.Join(ws.WorkspacePath("scout"), "workspace", "keepme.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(marker), 0o755))
	require.NoError(t, os.WriteFile(marker, []byte("data"), 0o644))

	require.NoError(t, mgr.Restart(context.Background(), "scout"))

	agent, err := s.Agents().Get(context.Background(), "scout")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentRunning, agent.State)
	assert.Len(t, ctrl.stopped, 1)
	assert.Len(t, ctrl.created, 2, "restart creates a fresh container")

	_, err = os.Stat(marker)
	assert.NoError(t, err, "restart must not clear workspace contents")
}

// TestReinitializeClearsWorkspaceExceptTrinityDir covers the composite
// recovery operation: workspace contents are wiped except .trinity/, while
// identity, owner, and port are preserved.
func TestReinitializeClearsWorkspaceExceptTrinityDir(t *testing.T) {
	mgr, s, _, ws := newTestManager(t)
	rs := newReadyServer(t)
	mustCreatedAgent(t, s, "scout", rs.port())
	require.NoError(t, mgr.Start(context.Background(), "scout"))

	root := ws.WorkspacePath("scout")
	stale := filepath.Join(root, "workspace", "stale.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, trinityMarkerPath()), []byte("keep"), 0o644))

	before, err := s.Agents().Get(context.Background(), "scout")
	require.NoError(t, err)

	require.NoError(t, mgr.Reinitialize(context.Background(), "scout"))

	after, err := s.Agents().Get(context.Background(), "scout")
	require.NoError(t, err)
	assert.Equal(t, before.Owner, after.Owner)
	assert.Equal(t, before.Port, after.Port)
	assert.Equal(t, domain.AgentRunning, after.State)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "stale workspace content must be cleared")
	_, err = os.Stat(filepath.Join(root, trinityMarkerPath()))
	assert.NoError(t, err, ".trinity/ contents survive reinitialization")
}

func trinityMarkerPath() string {
	return filepath.Join(".trinity", "keepme.txt")
}

// TestReinitializeStopsFirstWhenRunning verifies a running agent is
// stopped before its workspace is cleared.
func TestReinitializeStopsFirstWhenRunning(t *testing.T) {
	mgr, s, ctrl, _ := newTestManager(t)
	rs := newReadyServer(t)
	mustCreatedAgent(t, s, "scout", rs.port())
	require.NoError(t, mgr.Start(context.Background(), "scout"))

	require.NoError(t, mgr.Reinitialize(context.Background(), "scout"))
	assert.Len(t, ctrl.stopped, 1)
	assert.Len(t, ctrl.created, 2)
}
