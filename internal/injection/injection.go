// Package injection implements the Injection Pipeline (spec §4.4): the
// idempotent sequence of filesystem and credential steps that runs on
// every transition into the running state.
package injection

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/trinity-platform/orchestrator/internal/domain"
	"github.com/trinity-platform/orchestrator/internal/platform/apierr"
	"github.com/trinity-platform/orchestrator/internal/platform/logging"
	"github.com/trinity-platform/orchestrator/internal/settings"
)

const (
	customInstructionsHeader = "## Custom Instructions\n"
	trinityDir               = ".trinity"
	sharedOutDir              = "shared-out"
	sharedInDir               = "shared-in"
)

// CredentialVault resolves named credentials against a principal's secret
// store. Grounded on the provider-chain pattern kandev uses for its own
// credentials manager.
type CredentialVault interface {
	Resolve(ctx context.Context, principal string, names []string) (map[string]string, error)
}

// PermissionLister is the subset of the Permission Graph injection needs to
// discover an agent's shared-folder peers.
type PermissionLister interface {
	ListOut(ctx context.Context, source string) ([]*domain.PermissionEdge, error)
}

// AgentResolver looks up agents by name, used to read a peer's
// SharedFolder.Expose flag.
type AgentResolver interface {
	Resolve(ctx context.Context, name string) (*domain.Agent, error)
}

// TemplateProvider supplies the template-provided body of an agent's
// instruction file and any config templates requiring credential
// interpolation.
type TemplateProvider interface {
	InstructionBody(ctx context.Context, template string) (string, error)
	ConfigTemplates(ctx context.Context, template string) (map[string]string, error)
	RequiredCredentials(ctx context.Context, template string) ([]string, error)
}

// Pipeline runs the five injection steps against a workspace root. workspaceRoot
// is the host path bind-mounted into the container at
// container.DefaultWorkspaceDir; operating on it from the host keeps the
// pipeline testable without a running container.
type Pipeline struct {
	vault     CredentialVault
	perms     PermissionLister
	agents    AgentResolver
	templates TemplateProvider
	settings  *settings.Service
	logger    *logging.Logger
}

func New(vault CredentialVault, perms PermissionLister, agents AgentResolver, templates TemplateProvider, s *settings.Service, log *logging.Logger) *Pipeline {
	return &Pipeline{
		vault:     vault,
		perms:     perms,
		agents:    agents,
		templates: templates,
		settings:  s,
		logger:    log.WithFields(zap.String("component", "injection")),
	}
}

// instructionFileName returns the runtime-specific agent instruction
// filename (spec §4.4 step 2).
func instructionFileName(kind domain.RuntimeKind) string {
	if kind == domain.RuntimeGemini {
		return "GEMINI.md"
	}
	return "CLAUDE.md"
}

// Run executes all five steps in order. Idempotent: re-running against an
// unchanged agent produces the same end state.
func (p *Pipeline) Run(ctx context.Context, agent *domain.Agent, workspaceRoot string) error {
	if err := p.ensureTrinityDir(workspaceRoot); err != nil {
		return apierr.Wrapf(apierr.InjectionFailed, err, "ensure .trinity directory")
	}
	if err := p.writeInstructionFile(ctx, agent, workspaceRoot); err != nil {
		return apierr.Wrapf(apierr.InjectionFailed, err, "write instruction file")
	}
	if err := p.materializeCredentials(ctx, agent, workspaceRoot); err != nil {
		return apierr.Wrapf(apierr.InjectionFailed, err, "materialize credentials")
	}
	if err := p.materializeSharedFolders(ctx, agent, workspaceRoot); err != nil {
		return apierr.Wrapf(apierr.InjectionFailed, err, "materialize shared folders")
	}
	if err := p.ensureDefaultDirs(workspaceRoot); err != nil {
		return apierr.Wrapf(apierr.InjectionFailed, err, "ensure default directories")
	}
	return nil
}

// ReloadCredentials runs only step 3, the hot-reload path (spec §4.4).
func (p *Pipeline) ReloadCredentials(ctx context.Context, agent *domain.Agent, workspaceRoot string) error {
	if err := p.materializeCredentials(ctx, agent, workspaceRoot); err != nil {
		return apierr.Wrapf(apierr.InjectionFailed, err, "reload credentials")
	}
	return nil
}

func (p *Pipeline) ensureTrinityDir(root string) error {
	dir := filepath.Join(root, trinityDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	instructions := "Platform instructions: plan before acting. Use vector memory at " +
		filepath.Join(trinityDir, "memory") + " for cross-session recall.\n"
	return os.WriteFile(filepath.Join(dir, "platform.md"), []byte(instructions), 0o644)
}

func (p *Pipeline) writeInstructionFile(ctx context.Context, agent *domain.Agent, root string) error {
	body, err := p.templates.InstructionBody(ctx, agent.Template)
	if err != nil {
		return err
	}

	prompt, err := p.settings.GetString(ctx, domain.SettingTrinityPrompt)
	if err != nil {
		return err
	}

	content := body
	if strings.TrimSpace(prompt) != "" {
		content = strings.TrimRight(body, "\n") + "\n\n" + customInstructionsHeader + prompt + "\n"
	}

	path := filepath.Join(root, instructionFileName(agent.RuntimeKind))
	return os.WriteFile(path, []byte(content), 0o644)
}

func (p *Pipeline) materializeCredentials(ctx context.Context, agent *domain.Agent, root string) error {
	names, err := p.templates.RequiredCredentials(ctx, agent.Template)
	if err != nil {
		return err
	}

	resolved, err := p.vault.Resolve(ctx, agent.Owner, names)
	if err != nil {
		return err
	}

	var b strings.Builder
	for _, name := range names {
		v, ok := resolved[name]
		if !ok {
			return apierr.Newf(apierr.InjectionFailed, "missing required credential %q", name)
		}
		fmt.Fprintf(&b, "%s=%s\n", name, v)
	}
	if err := os.WriteFile(filepath.Join(root, ".env"), []byte(b.String()), 0o600); err != nil {
		return err
	}

	templates, err := p.templates.ConfigTemplates(ctx, agent.Template)
	if err != nil {
		return err
	}
	for relPath, tmpl := range templates {
		rendered := tmpl
		for name, v := range resolved {
			rendered = strings.ReplaceAll(rendered, "${"+name+"}", v)
		}
		dest := filepath.Join(root, relPath)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(dest, []byte(rendered), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// materializeSharedFolders ensures shared-out/ exists and binds every
// exposing peer's shared-out directory as shared-in/<peer>/ (spec §4.4
// step 4). Because the pipeline runs on the host-side workspace root
// rather than inside the container, the "bind mount" here is expressed as
// a path Lifecycle passes to the Container Controller's Spec.Mounts; this
// step only resolves which peers qualify and stages the target path.
func (p *Pipeline) materializeSharedFolders(ctx context.Context, agent *domain.Agent, root string) error {
	if err := os.MkdirAll(filepath.Join(root, sharedOutDir), 0o755); err != nil {
		return err
	}
	sharedIn := filepath.Join(root, sharedInDir)
	if err := os.MkdirAll(sharedIn, 0o755); err != nil {
		return err
	}

	edges, err := p.perms.ListOut(ctx, agent.Name)
	if err != nil {
		return err
	}
	for _, e := range edges {
		peer, err := p.agents.Resolve(ctx, e.Target)
		if err != nil {
			p.logger.Warn("peer agent for shared folder not found", zap.String("peer", e.Target), zap.Error(err))
			continue
		}
		if !peer.SharedFolder.Expose {
			continue
		}
		if err := os.MkdirAll(filepath.Join(sharedIn, peer.Name), 0o755); err != nil {
			return err
		}
	}
	return nil
}

// SharedFolderMounts returns the bind-mount pairs materializeSharedFolders
// staged, so Lifecycle can pass them into the Container Controller's Spec.
func (p *Pipeline) SharedFolderMounts(ctx context.Context, agent *domain.Agent) ([]SharedMount, error) {
	edges, err := p.perms.ListOut(ctx, agent.Name)
	if err != nil {
		return nil, err
	}
	var mounts []SharedMount
	for _, e := range edges {
		peer, err := p.agents.Resolve(ctx, e.Target)
		if err != nil || !peer.SharedFolder.Expose {
			continue
		}
		mounts = append(mounts, SharedMount{PeerName: peer.Name})
	}
	return mounts, nil
}

// SharedMount names a peer whose shared-out directory must be bind-mounted
// read-only into this agent's shared-in/<peer>/.
type SharedMount struct {
	PeerName string
}

func (p *Pipeline) ensureDefaultDirs(root string) error {
	dirs := []string{
		"workspace",
		filepath.Join("plans", "active"),
		filepath.Join("plans", "archive"),
		"content",
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return err
		}
	}

	gitDir := filepath.Join(root, "workspace", ".git")
	if info, err := os.Stat(gitDir); err == nil && info.IsDir() {
		if err := appendGitignore(filepath.Join(root, "workspace", ".gitignore"), "content/"); err != nil {
			return err
		}
	}
	return nil
}

func appendGitignore(path, entry string) error {
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if strings.Contains(string(existing), entry) {
		return nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if len(existing) > 0 && !strings.HasSuffix(string(existing), "\n") {
		if _, err := f.WriteString("\n"); err != nil {
			return err
		}
	}
	_, err = f.WriteString(entry + "\n")
	return err
}
