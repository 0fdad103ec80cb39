package injection

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinity-platform/orchestrator/internal/domain"
	"github.com/trinity-platform/orchestrator/internal/platform/logging"
	"github.com/trinity-platform/orchestrator/internal/settings"
	"github.com/trinity-platform/orchestrator/internal/store/memstore"
)

type fakeVault struct {
	creds map[string]string
}

func (f *fakeVault) Resolve(ctx context.Context, principal string, names []string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for _, n := range names {
		if v, ok := f.creds[n]; ok {
			out[n] = v
		}
	}
	return out, nil
}

type fakePermLister struct {
	edges []*domain.PermissionEdge
}

func (f *fakePermLister) ListOut(ctx context.Context, source string) ([]*domain.PermissionEdge, error) {
	return f.edges, nil
}

type fakeAgentResolver struct {
	agents map[string]*domain.Agent
}

func (f *fakeAgentResolver) Resolve(ctx context.Context, name string) (*domain.Agent, error) {
	a, ok := f.agents[name]
	if !ok {
		return nil, os.ErrNotExist
	}
	return a, nil
}

type fakeTemplates struct {
	body        string
	configs     map[string]string
	credentials []string
}

func (f *fakeTemplates) InstructionBody(ctx context.Context, template string) (string, error) {
	return f.body, nil
}

func (f *fakeTemplates) ConfigTemplates(ctx context.Context, template string) (map[string]string, error) {
	return f.configs, nil
}

func (f *fakeTemplates) RequiredCredentials(ctx context.Context, template string) ([]string, error) {
	return f.credentials, nil
}

func newTestPipeline(t *testing.T, vault *fakeVault, perms *fakePermLister, agents *fakeAgentResolver, templates *fakeTemplates) (*Pipeline, *settings.Service) {
	log, err := logging.New(logging.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	s := memstore.New()
	set := settings.New(s.Settings())
	require.NoError(t, set.Seed(context.Background()))
	return New(vault, perms, agents, templates, set, log), set
}

func testAgent() *domain.Agent {
	return &domain.Agent{Name: "scout", Owner: "alice", Template: "local:base", RuntimeKind: domain.RuntimeClaude}
}

// TestRunWritesInstructionFileWithoutCustomPrompt verifies the bare
// template body is written when trinity_prompt is empty.
func TestRunWritesInstructionFileWithoutCustomPrompt(t *testing.T) {
	templates := &fakeTemplates{body: "You are a helpful scout agent.\n"}
	pipeline, _ := newTestPipeline(t, &fakeVault{}, &fakePermLister{}, &fakeAgentResolver{}, templates)
	root := t.TempDir()

	require.NoError(t, pipeline.Run(context.Background(), testAgent(), root))

	content, err := os.ReadFile(filepath.Join(root, "CLAUDE.md"))
	require.NoError(t, err)
	assert.Equal(t, templates.body, string(content))
	assert.NotContains(t, string(content), customInstructionsHeader)
}

// TestRunAppendsCustomInstructionsWhenPromptSet covers the Custom
// Instructions block appended when trinity_prompt is non-empty.
func TestRunAppendsCustomInstructionsWhenPromptSet(t *testing.T) {
	templates := &fakeTemplates{body: "You are a helpful scout agent.\n"}
	pipeline, set := newTestPipeline(t, &fakeVault{}, &fakePermLister{}, &fakeAgentResolver{}, templates)
	root := t.TempDir()
	require.NoError(t, set.Set(context.Background(), domain.SettingTrinityPrompt, "Always cite your sources."))

	require.NoError(t, pipeline.Run(context.Background(), testAgent(), root))

	content, err := os.ReadFile(filepath.Join(root, "CLAUDE.md"))
	require.NoError(t, err)
	assert.Contains(t, string(content), customInstructionsHeader)
	assert.Contains(t, string(content), "Always cite your sources.")
}

// TestCustomInstructionsRemovedWhenPromptClears verifies the block
// disappears once trinity_prompt is reset to empty — idempotent re-run,
// not an accumulating append.
func TestCustomInstructionsRemovedWhenPromptClears(t *testing.T) {
	templates := &fakeTemplates{body: "You are a helpful scout agent.\n"}
	pipeline, set := newTestPipeline(t, &fakeVault{}, &fakePermLister{}, &fakeAgentResolver{}, templates)
	root := t.TempDir()
	agent := testAgent()

	require.NoError(t, set.Set(context.Background(), domain.SettingTrinityPrompt, "Always cite your sources."))
	require.NoError(t, pipeline.Run(context.Background(), agent, root))

	require.NoError(t, set.Set(context.Background(), domain.SettingTrinityPrompt, ""))
	require.NoError(t, pipeline.Run(context.Background(), agent, root))

	content, err := os.ReadFile(filepath.Join(root, "CLAUDE.md"))
	require.NoError(t, err)
	assert.Equal(t, templates.body, string(content))
	assert.NotContains(t, string(content), customInstructionsHeader)
}

// TestRunIsIdempotent verifies re-running the full pipeline against an
// unchanged agent produces byte-identical output (spec §8.6: injection
// idempotence).
func TestRunIsIdempotent(t *testing.T) {
	templates := &fakeTemplates{
		body:        "You are a helpful scout agent.\n",
		configs:     map[string]string{"config/app.yaml": "api_key: ${API_KEY}\n"},
		credentials: []string{"API_KEY"},
	}
	vault := &fakeVault{creds: map[string]string{"API_KEY": "secret-123"}}
	pipeline, set := newTestPipeline(t, vault, &fakePermLister{}, &fakeAgentResolver{}, templates)
	root := t.TempDir()
	agent := testAgent()
	require.NoError(t, set.Set(context.Background(), domain.SettingTrinityPrompt, "Be concise."))

	require.NoError(t, pipeline.Run(context.Background(), agent, root))
	first := snapshotTree(t, root)

	require.NoError(t, pipeline.Run(context.Background(), agent, root))
	second := snapshotTree(t, root)

	assert.Equal(t, first, second)
}

func snapshotTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out[rel] = string(data)
		return nil
	})
	require.NoError(t, err)
	return out
}

// TestMaterializeCredentialsWritesEnvAndRendersTemplates covers step 3:
// the .env file and ${NAME} interpolation into config templates.
func TestMaterializeCredentialsWritesEnvAndRendersTemplates(t *testing.T) {
	templates := &fakeTemplates{
		body:        "hi",
		configs:     map[string]string{"config/app.yaml": "api_key: ${API_KEY}\nurl: ${BASE_URL}\n"},
		credentials: []string{"API_KEY", "BASE_URL"},
	}
	vault := &fakeVault{creds: map[string]string{"API_KEY": "secret-123", "BASE_URL": "https://example.test"}}
	pipeline, _ := newTestPipeline(t, vault, &fakePermLister{}, &fakeAgentResolver{}, templates)
	root := t.TempDir()

	require.NoError(t, pipeline.Run(context.Background(), testAgent(), root))

	env, err := os.ReadFile(filepath.Join(root, ".env"))
	require.NoError(t, err)
	assert.Contains(t, string(env), "API_KEY=secret-123")
	assert.Contains(t, string(env), "BASE_URL=https://example.test")

	rendered, err := os.ReadFile(filepath.Join(root, "config", "app.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "api_key: secret-123\nurl: https://example.test\n", string(rendered))
}

// TestMaterializeCredentialsFailsOnMissingCredential verifies a required
// credential the vault cannot resolve fails the whole pipeline run.
func TestMaterializeCredentialsFailsOnMissingCredential(t *testing.T) {
	templates := &fakeTemplates{body: "hi", credentials: []string{"MISSING_KEY"}}
	pipeline, _ := newTestPipeline(t, &fakeVault{}, &fakePermLister{}, &fakeAgentResolver{}, templates)

	err := pipeline.Run(context.Background(), testAgent(), t.TempDir())
	require.Error(t, err)
}

// TestMaterializeSharedFoldersOnlyMountsExposingPeers covers step 4: a
// peer that does not set SharedFolder.Expose is skipped.
func TestMaterializeSharedFoldersOnlyMountsExposingPeers(t *testing.T) {
	perms := &fakePermLister{edges: []*domain.PermissionEdge{
		{Source: "scout", Target: "open-peer"},
		{Source: "scout", Target: "closed-peer"},
	}}
	agents := &fakeAgentResolver{agents: map[string]*domain.Agent{
		"open-peer":   {Name: "open-peer", SharedFolder: domain.SharedFolderConfig{Expose: true}},
		"closed-peer": {Name: "closed-peer", SharedFolder: domain.SharedFolderConfig{Expose: false}},
	}}
	templates := &fakeTemplates{body: "hi"}
	pipeline, _ := newTestPipeline(t, &fakeVault{}, perms, agents, templates)
	root := t.TempDir()

	require.NoError(t, pipeline.Run(context.Background(), testAgent(), root))

	_, err := os.Stat(filepath.Join(root, "shared-in", "open-peer"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "shared-in", "closed-peer"))
	assert.True(t, os.IsNotExist(err))

	mounts, err := pipeline.SharedFolderMounts(context.Background(), testAgent())
	require.NoError(t, err)
	require.Len(t, mounts, 1)
	assert.Equal(t, "open-peer", mounts[0].PeerName)
}

// TestEnsureDefaultDirsScaffoldsWorkspace covers step 5's directory
// scaffolding and the conditional .gitignore append when workspace/ is a
// git repo.
func TestEnsureDefaultDirsScaffoldsWorkspace(t *testing.T) {
	templates := &fakeTemplates{body: "hi"}
	pipeline, _ := newTestPipeline(t, &fakeVault{}, &fakePermLister{}, &fakeAgentResolver{}, templates)
	root := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(root, "workspace", ".git"), 0o755))

	require.NoError(t, pipeline.Run(context.Background(), testAgent(), root))

	for _, d := range []string{"workspace", filepath.Join("plans", "active"), filepath.Join("plans", "archive"), "content"} {
		info, err := os.Stat(filepath.Join(root, d))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	gitignore, err := os.ReadFile(filepath.Join(root, "workspace", ".gitignore"))
	require.NoError(t, err)
	assert.Contains(t, string(gitignore), "content/")
}

// TestReloadCredentialsOnlyTouchesCredentialFiles verifies the hot-reload
// path runs step 3 in isolation: it refreshes .env and does not re-create
// the workspace directories that the default-dirs step scaffolds.
func TestReloadCredentialsOnlyTouchesCredentialFiles(t *testing.T) {
	templates := &fakeTemplates{body: "hi", credentials: []string{"API_KEY"}}
	vault := &fakeVault{creds: map[string]string{"API_KEY": "v1"}}
	pipeline, _ := newTestPipeline(t, vault, &fakePermLister{}, &fakeAgentResolver{}, templates)
	root := t.TempDir()
	agent := testAgent()

	require.NoError(t, pipeline.Run(context.Background(), agent, root))
	require.NoError(t, os.RemoveAll(filepath.Join(root, "workspace")))

	vault.creds["API_KEY"] = "v2"
	require.NoError(t, pipeline.ReloadCredentials(context.Background(), agent, root))

	env, err := os.ReadFile(filepath.Join(root, ".env"))
	require.NoError(t, err)
	assert.Contains(t, string(env), "API_KEY=v2")

	_, err = os.Stat(filepath.Join(root, "workspace"))
	assert.True(t, os.IsNotExist(err), "ReloadCredentials must not run the default-dirs step")
}
