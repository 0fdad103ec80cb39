// Package permission implements the Permission Graph (spec §4.2): a
// directed capability graph answering "may source call target?". Reads are
// lock-free against the underlying store's own concurrency control; writes
// take a single per-source-node lock so concurrent grants to different
// source agents never contend.
package permission

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trinity-platform/orchestrator/internal/domain"
	"github.com/trinity-platform/orchestrator/internal/platform/logging"
	"github.com/trinity-platform/orchestrator/internal/store"
)

// Graph implements the Permission Graph.
type Graph struct {
	store  store.Store
	logger *logging.Logger

	// writeLocks scopes a mutex per source node so writes to different
	// agents' outbound edges never block each other (spec §4.2, §5).
	writeLocksMu sync.Mutex
	writeLocks   map[string]*sync.Mutex
}

func New(s store.Store, log *logging.Logger) *Graph {
	return &Graph{
		store:      s,
		logger:     log.WithFields(zap.String("component", "permission")),
		writeLocks: make(map[string]*sync.Mutex),
	}
}

func (g *Graph) lockFor(source string) *sync.Mutex {
	g.writeLocksMu.Lock()
	defer g.writeLocksMu.Unlock()
	l, ok := g.writeLocks[source]
	if !ok {
		l = &sync.Mutex{}
		g.writeLocks[source] = l
	}
	return l
}

// Set grants source the right to call target, recording grantedBy.
func (g *Graph) Set(ctx context.Context, source, target, grantedBy string) error {
	l := g.lockFor(source)
	l.Lock()
	defer l.Unlock()

	return g.store.Permissions().Set(ctx, &domain.PermissionEdge{
		Source:    source,
		Target:    target,
		GrantedBy: grantedBy,
		GrantedAt: time.Now().UTC(),
	})
}

// Clear revokes source's right to call target.
func (g *Graph) Clear(ctx context.Context, source, target string) error {
	l := g.lockFor(source)
	l.Lock()
	defer l.Unlock()

	return g.store.Permissions().Clear(ctx, source, target)
}

// MayCall reports whether source may call target. The system role bypasses
// this check entirely at the caller (domain.Principal{Role: domain.RoleSystem});
// MayCall itself only evaluates the edge set.
func (g *Graph) MayCall(ctx context.Context, source, target string) (bool, error) {
	_, ok, err := g.store.Permissions().Get(ctx, source, target)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// ListOut returns every agent source may call.
func (g *Graph) ListOut(ctx context.Context, source string) ([]*domain.PermissionEdge, error) {
	return g.store.Permissions().ListOut(ctx, source)
}
