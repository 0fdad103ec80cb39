// Package lifecycle implements the agent state machine (spec §4.5): legal
// transitions between created, starting, running, stopping, stopped,
// error, and deleted, plus the health probe and Reinitialize composite.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trinity-platform/orchestrator/internal/container"
	"github.com/trinity-platform/orchestrator/internal/domain"
	"github.com/trinity-platform/orchestrator/internal/injection"
	"github.com/trinity-platform/orchestrator/internal/platform/apierr"
	"github.com/trinity-platform/orchestrator/internal/platform/eventbus"
	"github.com/trinity-platform/orchestrator/internal/platform/logging"
	"github.com/trinity-platform/orchestrator/internal/platform/metrics"
	"github.com/trinity-platform/orchestrator/internal/store"
)

const (
	healthProbeMaxAttempts  = 10
	healthProbeWindow       = 60 * time.Second
	healthProbeInitialDelay = 1 * time.Second
	stopGraceTimeout        = 15 * time.Second
)

// SubjectAgentStateChanged is published whenever an agent transitions
// state, carrying a JSON-encoded domain.ActivityRecord.
const SubjectAgentStateChanged = "trinity.agent.state_changed"

// ImageResolver maps an agent's runtime kind to the container image to run.
type ImageResolver interface {
	ResolveImage(ctx context.Context, kind domain.RuntimeKind, template string) (string, error)
}

// WorkspaceResolver maps an agent name to its host-side persistent
// workspace volume path, and a deployed system name to the host-side
// directory holding that system's shared policies/processes artifacts.
type WorkspaceResolver interface {
	WorkspacePath(agentName string) string
	DeploymentSystemPath(deploymentName string) string
}

// Manager drives agent state transitions. One Manager instance is shared
// across the fleet; per-agent mutexes keep transitions for different
// agents from blocking each other.
type Manager struct {
	store      store.Store
	containers container.Controller
	injector   *injection.Pipeline
	images     ImageResolver
	workspaces WorkspaceResolver
	bus        eventbus.EventBus
	logger     *logging.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	httpClient *http.Client
}

func New(s store.Store, ctrl container.Controller, inj *injection.Pipeline, images ImageResolver, ws WorkspaceResolver, bus eventbus.EventBus, log *logging.Logger) *Manager {
	return &Manager{
		store:      s,
		containers: ctrl,
		injector:   inj,
		images:     images,
		workspaces: ws,
		bus:        bus,
		logger:     log.WithFields(zap.String("component", "lifecycle")),
		locks:      make(map[string]*sync.Mutex),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

func (m *Manager) lockFor(name string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	return l
}

func (m *Manager) transition(ctx context.Context, agent *domain.Agent, to domain.AgentState) error {
	from := agent.State
	agent.State = to
	if err := m.store.Agents().Update(ctx, agent); err != nil {
		return err
	}
	m.logger.Info("agent state transition", zap.String("agent", agent.Name), zap.String("from", string(from)), zap.String("to", string(to)))

	id, _ := m.store.Activity().NextID(ctx, agent.Name)
	rec := &domain.ActivityRecord{
		ID:        id,
		Timestamp: time.Now().UTC(),
		Kind:      domain.KindStateTransition,
		AgentName: agent.Name,
		Payload:   map[string]any{"from": from, "to": to},
		Severity:  domain.SeverityInfo,
	}
	if err := m.store.Activity().Append(ctx, rec); err != nil {
		m.logger.Warn("failed to append activity record for state transition", zap.Error(err))
	}
	if m.bus != nil {
		payload, _ := json.Marshal(rec)
		ev := eventbus.NewEvent(SubjectAgentStateChanged, payload)
		if err := m.bus.Publish(ctx, SubjectAgentStateChanged, ev); err != nil {
			m.logger.Warn("failed to publish state change event", zap.Error(err))
		}
	}
	return nil
}

// Start transitions an agent into running: created|stopped|error|running →
// starting → running (spec §4.5). Starting from running retires the
// existing container first, then brings up a fresh one under the same
// name — the reuse-in-place path used to pick up a new image or template
// without going through a separate stop call. A fresh container is
// created on every start, reusing the agent's declared name and resource
// limits.
func (m *Manager) Start(ctx context.Context, name string) error {
	l := m.lockFor(name)
	l.Lock()
	defer l.Unlock()

	agent, err := m.store.Agents().Get(ctx, name)
	if err != nil {
		return err
	}
	switch agent.State {
	case domain.AgentCreated, domain.AgentStopped, domain.AgentError, domain.AgentRunning:
	default:
		return apierr.Newf(apierr.AgentNotRunning, "agent %s cannot start from state %s", name, agent.State)
	}

	if agent.State == domain.AgentRunning {
		if err := m.retireContainer(ctx, agent); err != nil {
			return err
		}
	}

	if err := m.transition(ctx, agent, domain.AgentStarting); err != nil {
		return err
	}

	if err := m.bringUp(ctx, agent); err != nil {
		_ = m.transition(ctx, agent, domain.AgentError)
		m.logger.Error("agent start failed", zap.String("agent", name), zap.Error(err))
		return err
	}

	return m.transition(ctx, agent, domain.AgentRunning)
}

// bringUp runs injection, creates the container, starts it, and waits for
// the health probe. It does not itself persist state transitions beyond
// what the caller does before/after.
func (m *Manager) bringUp(ctx context.Context, agent *domain.Agent) error {
	image, err := m.images.ResolveImage(ctx, agent.RuntimeKind, agent.Template)
	if err != nil {
		return apierr.Wrapf(apierr.TemplateResolveFailed, err, "resolve image for agent %s", agent.Name)
	}

	workspace := m.workspaces.WorkspacePath(agent.Name)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return apierr.Wrapf(apierr.InjectionFailed, err, "create workspace for agent %s", agent.Name)
	}

	if err := m.injector.Run(ctx, agent, workspace); err != nil {
		return err
	}

	var overlays []container.Mount
	if agent.SharedFolder.Consume || agent.SharedFolder.Expose {
		shared, err := m.injector.SharedFolderMounts(ctx, agent)
		if err != nil {
			return apierr.Wrapf(apierr.InjectionFailed, err, "resolve shared folder mounts for agent %s", agent.Name)
		}
		for _, sm := range shared {
			overlays = append(overlays, container.Mount{
				Source:   filepath.Join(m.workspaces.WorkspacePath(sm.PeerName), "shared-out"),
				Target:   filepath.Join(container.DefaultWorkspaceDir, "shared-in", sm.PeerName),
				ReadOnly: true,
			})
		}
	}

	if agent.DeploymentName != "" {
		sysPath := m.workspaces.DeploymentSystemPath(agent.DeploymentName)
		overlays = append(overlays,
			container.Mount{
				Source:   filepath.Join(sysPath, "policies"),
				Target:   container.WorkerPoliciesDir,
				ReadOnly: true,
			},
			container.Mount{
				Source:   filepath.Join(sysPath, "processes"),
				Target:   container.WorkerProcessesDir,
				ReadOnly: true,
			},
		)
	}

	spec := container.BuildSpec(agent.Name, agent.Template, image, workspace, agent.Limits.MemoryBytes, agent.Limits.CPUCores, agent.Port, overlays)

	id, err := m.containers.Create(ctx, spec)
	if err != nil {
		return apierr.Wrapf(apierr.ContainerUnavailable, err, "create container for agent %s", agent.Name)
	}
	agent.ContainerID = id

	if err := m.containers.Start(ctx, id); err != nil {
		return apierr.Wrapf(apierr.ContainerUnavailable, err, "start container for agent %s", agent.Name)
	}

	agent.LastStartedAt = time.Now().UTC()
	if err := m.waitHealthy(ctx, agent); err != nil {
		return err
	}
	metrics.AgentsRunning.Inc()
	return nil
}

// waitHealthy polls the agent's well-known readiness endpoint with
// exponential backoff starting at 1s, up to 10 attempts within a 60s
// window (spec §4.5).
func (m *Manager) waitHealthy(ctx context.Context, agent *domain.Agent) error {
	url := fmt.Sprintf("http://127.0.0.1:%d/readyz", agent.Port)
	backoff := healthProbeInitialDelay
	deadline := time.Now().Add(healthProbeWindow)

	var lastErr error
	for attempt := 1; attempt <= healthProbeMaxAttempts; attempt++ {
		if time.Now().After(deadline) {
			break
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err == nil {
			resp, err := m.httpClient.Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return nil
				}
				lastErr = fmt.Errorf("readiness endpoint returned %d", resp.StatusCode)
			} else {
				lastErr = err
			}
		} else {
			lastErr = err
		}

		m.logger.Debug("agent not yet healthy", zap.String("agent", agent.Name), zap.Int("attempt", attempt), zap.Duration("backoff", backoff), zap.Error(lastErr))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return apierr.Wrapf(apierr.ContainerUnavailable, lastErr, "agent %s never became healthy", agent.Name)
}

// Stop transitions running → stopping → stopped.
func (m *Manager) Stop(ctx context.Context, name string) error {
	l := m.lockFor(name)
	l.Lock()
	defer l.Unlock()

	agent, err := m.store.Agents().Get(ctx, name)
	if err != nil {
		return err
	}
	if agent.State != domain.AgentRunning {
		return apierr.Newf(apierr.AgentNotRunning, "agent %s is not running", name)
	}

	if err := m.transition(ctx, agent, domain.AgentStopping); err != nil {
		return err
	}

	if err := m.retireContainer(ctx, agent); err != nil {
		return err
	}

	return m.transition(ctx, agent, domain.AgentStopped)
}

// retireContainer stops and clears a running agent's container, tolerating
// a stop error from the runtime by logging and continuing — the caller is
// about to either finalize a stop or replace the container outright.
func (m *Manager) retireContainer(ctx context.Context, agent *domain.Agent) error {
	if agent.ContainerID != "" {
		if err := m.containers.Stop(ctx, agent.ContainerID, stopGraceTimeout); err != nil {
			m.logger.Warn("container stop failed, continuing", zap.String("agent", agent.Name), zap.Error(err))
		}
	}
	metrics.AgentsRunning.Dec()
	return nil
}

// Delete removes an agent's container (if any). It refuses unless the
// agent is stopped, error, or created (spec §4.5), so a running agent's
// container is never removed. The agent record is left in place;
// identity.Delete removes it outright via store.DeleteAgentCascade.
func (m *Manager) Delete(ctx context.Context, name string) error {
	l := m.lockFor(name)
	l.Lock()
	defer l.Unlock()

	agent, err := m.store.Agents().Get(ctx, name)
	if err != nil {
		return err
	}
	switch agent.State {
	case domain.AgentStopped, domain.AgentError, domain.AgentCreated:
	default:
		return apierr.Newf(apierr.NotAuthorized, "agent %s must be stopped before deletion", name)
	}
	if agent.ContainerID != "" {
		if err := m.containers.Remove(ctx, agent.ContainerID, true); err != nil {
			m.logger.Warn("container remove failed during delete", zap.String("agent", name), zap.Error(err))
		}
	}
	return nil
}

// Restart replaces the agent's container without touching workspace
// contents, the lighter-weight counterpart to Reinitialize (spec §6).
// Start itself handles the running→starting transition by retiring the
// existing container first, so this is a thin, named alias for that path.
func (m *Manager) Restart(ctx context.Context, name string) error {
	return m.Start(ctx, name)
}

// Reinitialize is the composite recovery operation: stop, clear workspace
// contents (preserving volume metadata), start, re-inject. Identity,
// owner, port, permission edges, and schedules are all preserved (spec
// §4.5).
func (m *Manager) Reinitialize(ctx context.Context, name string) error {
	agent, err := m.store.Agents().Get(ctx, name)
	if err != nil {
		return err
	}

	if agent.State == domain.AgentRunning {
		if err := m.Stop(ctx, name); err != nil {
			return err
		}
	}

	l := m.lockFor(name)
	l.Lock()
	workspace := m.workspaces.WorkspacePath(name)
	err = clearWorkspaceContents(workspace)
	l.Unlock()
	if err != nil {
		return apierr.Wrapf(apierr.InjectionFailed, err, "clear workspace for agent %s", name)
	}

	return m.Start(ctx, name)
}

// clearWorkspaceContents removes every entry under root except the
// .trinity/ directory, which is kept whole with everything inside it.
func clearWorkspaceContents(root string) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.Name() == ".trinity" {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
