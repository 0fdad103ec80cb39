package permission

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinity-platform/orchestrator/internal/platform/logging"
	"github.com/trinity-platform/orchestrator/internal/store/memstore"
)

func setup(t *testing.T) *Graph {
	log, err := logging.New(logging.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return New(memstore.New(), log)
}

func TestSetAndMayCall(t *testing.T) {
	g := setup(t)
	ctx := context.Background()

	ok, err := g.MayCall(ctx, "scout", "recon")
	require.NoError(t, err)
	assert.False(t, ok, "absence of an edge means denied")

	require.NoError(t, g.Set(ctx, "scout", "recon", "alice"))
	ok, err = g.MayCall(ctx, "scout", "recon")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.MayCall(ctx, "recon", "scout")
	require.NoError(t, err)
	assert.False(t, ok, "edges are directed")
}

func TestClear(t *testing.T) {
	g := setup(t)
	ctx := context.Background()

	require.NoError(t, g.Set(ctx, "scout", "recon", "alice"))
	require.NoError(t, g.Clear(ctx, "scout", "recon"))

	ok, err := g.MayCall(ctx, "scout", "recon")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListOut(t *testing.T) {
	g := setup(t)
	ctx := context.Background()

	require.NoError(t, g.Set(ctx, "scout", "recon", "alice"))
	require.NoError(t, g.Set(ctx, "scout", "ops", "alice"))

	edges, err := g.ListOut(ctx, "scout")
	require.NoError(t, err)
	assert.Len(t, edges, 2)
}

func TestConcurrentWritesToDifferentSourcesDoNotBlock(t *testing.T) {
	g := setup(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			source := fmt.Sprintf("agent-%d", n)
			require.NoError(t, g.Set(ctx, source, "target", "alice"))
		}(i)
	}
	wg.Wait()

	for i := 0; i < 20; i++ {
		ok, err := g.MayCall(ctx, fmt.Sprintf("agent-%d", i), "target")
		require.NoError(t, err)
		assert.True(t, ok)
	}
}
