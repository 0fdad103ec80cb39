// Package identity implements the Identity & Ownership component (spec
// §4.1): assigning agents a unique name, an owner, and a sharing list, and
// answering "can principal P act on agent A?".
package identity

import (
	"context"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/trinity-platform/orchestrator/internal/domain"
	"github.com/trinity-platform/orchestrator/internal/platform/apierr"
	"github.com/trinity-platform/orchestrator/internal/platform/logging"
	"github.com/trinity-platform/orchestrator/internal/store"
)

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,48}[a-z0-9]$`)

// PermissionSetter is the subset of the Permission Graph Identity needs to
// seed the same-owner default mesh on create; edges are cleared on delete
// by store.DeleteAgentCascade, not through this interface. Identity depends on this narrow interface, not the full
// permission package, to keep the two components decoupled.
type PermissionSetter interface {
	Set(ctx context.Context, source, target, grantedBy string) error
}

// Service implements Identity & Ownership.
type Service struct {
	store  store.Store
	perms  PermissionSetter
	logger *logging.Logger
}

func New(s store.Store, perms PermissionSetter, log *logging.Logger) *Service {
	return &Service{store: s, perms: perms, logger: log.WithFields(zap.String("component", "identity"))}
}

// CreateParams are the inputs to Create.
type CreateParams struct {
	Name           string
	Owner          string
	Template       string
	Limits         domain.ResourceLimits
	RuntimeKind    domain.RuntimeKind
	Model          string
	DeploymentName string
}

// Create registers a new agent. On success it auto-grants bidirectional
// permission edges between the new agent and every running agent owned by
// the same principal (the "same-owner default mesh", spec §4.1).
func (s *Service) Create(ctx context.Context, p CreateParams) (*domain.Agent, error) {
	if !namePattern.MatchString(p.Name) {
		return nil, apierr.New(apierr.InvalidName, "name must match ^[a-z0-9][a-z0-9-]{1,48}[a-z0-9]$")
	}

	agent := &domain.Agent{
		Name:           p.Name,
		Owner:          p.Owner,
		Template:       p.Template,
		Limits:         p.Limits,
		RuntimeKind:    p.RuntimeKind,
		Model:          p.Model,
		DeploymentName: p.DeploymentName,
		State:          domain.AgentCreated,
		CreatedAt:      time.Now().UTC(),
	}

	if err := s.store.Agents().Create(ctx, agent); err != nil {
		return nil, err
	}

	siblings, err := s.store.Agents().ListRunningByOwner(ctx, p.Owner)
	if err != nil {
		s.logger.Warn("failed to list sibling agents for default mesh", zap.Error(err))
		return agent, nil
	}
	for _, sib := range siblings {
		if sib.Name == agent.Name {
			continue
		}
		if err := s.perms.Set(ctx, agent.Name, sib.Name, p.Owner); err != nil {
			s.logger.Warn("failed to grant default mesh edge", zap.String("peer", sib.Name), zap.Error(err))
		}
		if err := s.perms.Set(ctx, sib.Name, agent.Name, p.Owner); err != nil {
			s.logger.Warn("failed to grant default mesh edge", zap.String("peer", sib.Name), zap.Error(err))
		}
	}

	return agent, nil
}

// Resolve looks up an agent by name.
func (s *Service) Resolve(ctx context.Context, name string) (*domain.Agent, error) {
	return s.store.Agents().Get(ctx, name)
}

// CanAccess answers the authorization question central to every other
// component: can principal act on agent `name` at the given scope?
func (s *Service) CanAccess(ctx context.Context, principal domain.Principal, name string, scope domain.AccessScope) (bool, error) {
	if principal.Role == domain.RoleSystem {
		return true, nil
	}

	agent, err := s.store.Agents().Get(ctx, name)
	if err != nil {
		return false, err
	}

	switch scope {
	case domain.ScopeDelete:
		if agent.SystemProtected {
			return false, nil
		}
		return principal.Role == domain.RoleAdmin || agent.Owner == principal.ID, nil
	case domain.ScopeWrite:
		return principal.Role == domain.RoleAdmin || agent.IsOwnerOrShared(principal.ID), nil
	case domain.ScopeRead:
		return principal.Role == domain.RoleAdmin || agent.IsOwnerOrShared(principal.ID), nil
	default:
		return false, apierr.Newf(apierr.Internal, "unknown access scope %q", scope)
	}
}

// Share grants principal read/write co-access to name.
func (s *Service) Share(ctx context.Context, actor domain.Principal, name, principal string) error {
	ok, err := s.CanAccess(ctx, actor, name, domain.ScopeWrite)
	if err != nil {
		return err
	}
	if !ok {
		return apierr.New(apierr.NotAuthorized, "not authorized to share agent "+name)
	}
	agent, err := s.store.Agents().Get(ctx, name)
	if err != nil {
		return err
	}
	for _, p := range agent.SharedWith {
		if p == principal {
			return nil
		}
	}
	agent.SharedWith = append(agent.SharedWith, principal)
	return s.store.Agents().Update(ctx, agent)
}

// Unshare revokes principal's co-access to name.
func (s *Service) Unshare(ctx context.Context, actor domain.Principal, name, principal string) error {
	ok, err := s.CanAccess(ctx, actor, name, domain.ScopeWrite)
	if err != nil {
		return err
	}
	if !ok {
		return apierr.New(apierr.NotAuthorized, "not authorized to unshare agent "+name)
	}
	agent, err := s.store.Agents().Get(ctx, name)
	if err != nil {
		return err
	}
	filtered := agent.SharedWith[:0]
	for _, p := range agent.SharedWith {
		if p != principal {
			filtered = append(filtered, p)
		}
	}
	agent.SharedWith = filtered
	return s.store.Agents().Update(ctx, agent)
}

// Delete removes an agent and cascades: permission edges touching it and
// schedules it owns are removed in the same transaction (spec §4.1, §8.7).
// Only the owner or an admin may delete, and system-protected agents can
// never be deleted.
func (s *Service) Delete(ctx context.Context, actor domain.Principal, name string) error {
	ok, err := s.CanAccess(ctx, actor, name, domain.ScopeDelete)
	if err != nil {
		return err
	}
	if !ok {
		return apierr.New(apierr.NotAuthorized, "not authorized to delete agent "+name)
	}

	agent, err := s.store.Agents().Get(ctx, name)
	if err != nil {
		return err
	}
	if agent.State != domain.AgentStopped && agent.State != domain.AgentError && agent.State != domain.AgentCreated {
		return apierr.New(apierr.NotAuthorized, "agent must be stopped before deletion")
	}

	return s.store.DeleteAgentCascade(ctx, name)
}
