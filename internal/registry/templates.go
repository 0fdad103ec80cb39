// Package registry resolves template references (spec §4's Template type)
// to the concrete artifacts the Injection Pipeline and Lifecycle Manager
// need: an instruction-file body, config file templates, required
// credential names, and a container image per runtime kind. Spec leaves
// template resolution out of scope beyond "the core only consumes the
// tree"; this package supplies the simplest resolver that tree implies —
// a local directory per template id, laid out under a configured root.
package registry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/trinity-platform/orchestrator/internal/domain"
	"github.com/trinity-platform/orchestrator/internal/platform/apierr"
)

// manifest is the optional JSON sidecar a template directory may carry, the same
// flat-JSON-blob convention this codebase uses for settings and other
// composite config (internal/settings, store JSON columns).
type manifest struct {
	Images               map[domain.RuntimeKind]string `json:"images"`
	RequiredCredentials  []string                       `json:"required_credentials"`
	ConfigTemplates      map[string]string               `json:"config_templates"` // relative workspace path -> file body
}

const (
	instructionsFile = "INSTRUCTIONS.md"
	manifestFile     = "manifest.json"
	localPrefix      = "local:"
)

// Templates resolves local:<id> template references against a directory
// tree rooted at Root. github:<owner>/<repo> references are accepted by
// the reference grammar but this resolver has no network fetch step, so
// they fail TemplateResolveFailed — out of scope for this deployment the
// same way the spec leaves re-specifying templates out of scope.
type Templates struct {
	Root string
}

func New(root string) *Templates {
	return &Templates{Root: root}
}

func (t *Templates) dir(template string) (string, error) {
	if !strings.HasPrefix(template, localPrefix) {
		return "", apierr.Newf(apierr.TemplateResolveFailed, "unsupported template reference %q: only local:<id> is resolvable in this deployment", template)
	}
	id := strings.TrimPrefix(template, localPrefix)
	if id == "" {
		return "", apierr.New(apierr.TemplateResolveFailed, "empty template id")
	}
	dir := filepath.Join(t.Root, id)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return "", apierr.Newf(apierr.TemplateResolveFailed, "template %q not found under %s", template, t.Root)
	}
	return dir, nil
}

func (t *Templates) loadManifest(dir string) (*manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if os.IsNotExist(err) {
		return &manifest{}, nil
	}
	if err != nil {
		return nil, apierr.Wrapf(apierr.TemplateResolveFailed, err, "read manifest for %s", dir)
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, apierr.Wrapf(apierr.TemplateResolveFailed, err, "parse manifest for %s", dir)
	}
	return &m, nil
}

// InstructionBody returns the template-provided body of the agent
// instruction file (spec §4.4 step 2), read verbatim from INSTRUCTIONS.md.
func (t *Templates) InstructionBody(ctx context.Context, template string) (string, error) {
	dir, err := t.dir(template)
	if err != nil {
		return "", err
	}
	body, err := os.ReadFile(filepath.Join(dir, instructionsFile))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", apierr.Wrapf(apierr.TemplateResolveFailed, err, "read instruction body for %s", template)
	}
	return string(body), nil
}

// ConfigTemplates returns every template-referenced config file body,
// keyed by its path relative to the agent workspace (spec §4.4 step 3).
func (t *Templates) ConfigTemplates(ctx context.Context, template string) (map[string]string, error) {
	dir, err := t.dir(template)
	if err != nil {
		return nil, err
	}
	m, err := t.loadManifest(dir)
	if err != nil {
		return nil, err
	}
	return m.ConfigTemplates, nil
}

// RequiredCredentials returns the credential names the template declares
// it needs resolved against the principal's vault.
func (t *Templates) RequiredCredentials(ctx context.Context, template string) ([]string, error) {
	dir, err := t.dir(template)
	if err != nil {
		return nil, err
	}
	m, err := t.loadManifest(dir)
	if err != nil {
		return nil, err
	}
	return m.RequiredCredentials, nil
}

// ResolveImage returns the container image a template wants for the given
// runtime kind, falling back to a kind-default if the template's manifest
// doesn't override it.
func (t *Templates) ResolveImage(ctx context.Context, kind domain.RuntimeKind, template string) (string, error) {
	dir, err := t.dir(template)
	if err != nil {
		return "", err
	}
	m, err := t.loadManifest(dir)
	if err != nil {
		return "", err
	}
	if img, ok := m.Images[kind]; ok && img != "" {
		return img, nil
	}
	switch kind {
	case domain.RuntimeClaude:
		return "trinity/claude-runtime:latest", nil
	case domain.RuntimeGemini:
		return "trinity/gemini-runtime:latest", nil
	default:
		return "", apierr.Newf(apierr.TemplateResolveFailed, "no default image for runtime kind %q", kind)
	}
}
