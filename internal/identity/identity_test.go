package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinity-platform/orchestrator/internal/domain"
	"github.com/trinity-platform/orchestrator/internal/permission"
	"github.com/trinity-platform/orchestrator/internal/platform/logging"
	"github.com/trinity-platform/orchestrator/internal/store/memstore"
)

func setup(t *testing.T) (*Service, *permission.Graph) {
	log, err := logging.New(logging.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	s := memstore.New()
	perms := permission.New(s, log)
	return New(s, perms, log), perms
}

func TestCreate(t *testing.T) {
	t.Run("rejects an invalid name", func(t *testing.T) {
		svc, _ := setup(t)
		_, err := svc.Create(context.Background(), CreateParams{Name: "Invalid_Name!", Owner: "alice"})
		require.Error(t, err)
	})

	t.Run("creates an agent in the created state", func(t *testing.T) {
		svc, _ := setup(t)
		agent, err := svc.Create(context.Background(), CreateParams{Name: "scout", Owner: "alice", RuntimeKind: domain.RuntimeClaude})
		require.NoError(t, err)
		assert.Equal(t, domain.AgentCreated, agent.State)
		assert.Equal(t, "alice", agent.Owner)
		assert.NotZero(t, agent.CreatedAt)
	})

	t.Run("grants a bidirectional default mesh edge to running siblings", func(t *testing.T) {
		svc, perms := setup(t)
		ctx := context.Background()

		first, err := svc.Create(ctx, CreateParams{Name: "first", Owner: "alice"})
		require.NoError(t, err)
		first.State = domain.AgentRunning
		require.NoError(t, svc.store.Agents().Update(ctx, first))

		_, err = svc.Create(ctx, CreateParams{Name: "second", Owner: "alice"})
		require.NoError(t, err)

		canCall, err := perms.MayCall(ctx, "second", "first")
		require.NoError(t, err)
		assert.True(t, canCall)

		canCallBack, err := perms.MayCall(ctx, "first", "second")
		require.NoError(t, err)
		assert.True(t, canCallBack)
	})

	t.Run("does not mesh agents owned by different principals", func(t *testing.T) {
		svc, perms := setup(t)
		ctx := context.Background()

		first, err := svc.Create(ctx, CreateParams{Name: "first", Owner: "alice"})
		require.NoError(t, err)
		first.State = domain.AgentRunning
		require.NoError(t, svc.store.Agents().Update(ctx, first))

		_, err = svc.Create(ctx, CreateParams{Name: "second", Owner: "bob"})
		require.NoError(t, err)

		canCall, err := perms.MayCall(ctx, "second", "first")
		require.NoError(t, err)
		assert.False(t, canCall)
	})
}

func TestCanAccess(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()
	_, err := svc.Create(ctx, CreateParams{Name: "scout", Owner: "alice"})
	require.NoError(t, err)

	t.Run("owner can read, write, and delete", func(t *testing.T) {
		owner := domain.Principal{ID: "alice", Role: domain.RoleUser}
		for _, scope := range []domain.AccessScope{domain.ScopeRead, domain.ScopeWrite, domain.ScopeDelete} {
			ok, err := svc.CanAccess(ctx, owner, "scout", scope)
			require.NoError(t, err)
			assert.True(t, ok, "scope %s", scope)
		}
	})

	t.Run("a stranger has no access", func(t *testing.T) {
		stranger := domain.Principal{ID: "mallory", Role: domain.RoleUser}
		ok, err := svc.CanAccess(ctx, stranger, "scout", domain.ScopeRead)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("admin bypasses ownership", func(t *testing.T) {
		admin := domain.Principal{ID: "root", Role: domain.RoleAdmin}
		ok, err := svc.CanAccess(ctx, admin, "scout", domain.ScopeDelete)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("system role bypasses the store entirely", func(t *testing.T) {
		system := domain.Principal{ID: "supervisor", Role: domain.RoleSystem}
		ok, err := svc.CanAccess(ctx, system, "does-not-exist", domain.ScopeWrite)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("system-protected agents can never be deleted, even by an owner", func(t *testing.T) {
		protected := &domain.Agent{Name: "guardian", Owner: "alice", SystemProtected: true, State: domain.AgentCreated}
		require.NoError(t, svc.store.Agents().Create(ctx, protected))
		owner := domain.Principal{ID: "alice", Role: domain.RoleUser}
		ok, err := svc.CanAccess(ctx, owner, "guardian", domain.ScopeDelete)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestShareAndUnshare(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()
	_, err := svc.Create(ctx, CreateParams{Name: "scout", Owner: "alice"})
	require.NoError(t, err)
	owner := domain.Principal{ID: "alice", Role: domain.RoleUser}

	require.NoError(t, svc.Share(ctx, owner, "scout", "bob"))
	sharee := domain.Principal{ID: "bob", Role: domain.RoleUser}
	ok, err := svc.CanAccess(ctx, sharee, "scout", domain.ScopeWrite)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, svc.Unshare(ctx, owner, "scout", "bob"))
	ok, err = svc.CanAccess(ctx, sharee, "scout", domain.ScopeWrite)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteCascade(t *testing.T) {
	svc, perms := setup(t)
	ctx := context.Background()
	owner := domain.Principal{ID: "alice", Role: domain.RoleUser}

	agent, err := svc.Create(ctx, CreateParams{Name: "scout", Owner: "alice"})
	require.NoError(t, err)
	agent.State = domain.AgentStopped
	require.NoError(t, svc.store.Agents().Update(ctx, agent))
	require.NoError(t, perms.Set(ctx, "scout", "someone-else", "alice"))

	require.NoError(t, svc.Delete(ctx, owner, "scout"))

	_, err = svc.Resolve(ctx, "scout")
	assert.Error(t, err)

	canCall, err := perms.MayCall(ctx, "scout", "someone-else")
	require.NoError(t, err)
	assert.False(t, canCall)
}

func TestDeleteRequiresStoppedState(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()
	owner := domain.Principal{ID: "alice", Role: domain.RoleUser}

	agent, err := svc.Create(ctx, CreateParams{Name: "scout", Owner: "alice"})
	require.NoError(t, err)
	agent.State = domain.AgentRunning
	require.NoError(t, svc.store.Agents().Update(ctx, agent))

	err = svc.Delete(ctx, owner, "scout")
	assert.Error(t, err)
}
