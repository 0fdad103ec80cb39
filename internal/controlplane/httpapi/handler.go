// Package httpapi implements the control-plane HTTP contract (spec §6):
// Agent CRUD and lifecycle, execution dispatch, permissions, schedules,
// settings, fleet ops, and activity query/subscribe, plus the agent-facing
// RPC surface (spec §4.8) mediator operations are served through.
// Grounded on the teacher's orchestrator/api package: one Handler struct
// holding every collaborator, gin.Context-bound methods, ShouldBindJSON
// with a zero-value fallback for optional bodies, and apierr.Kind.HTTPStatus
// for the one error-to-status mapping every handler shares.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/trinity-platform/orchestrator/internal/domain"
	"github.com/trinity-platform/orchestrator/internal/execution"
	"github.com/trinity-platform/orchestrator/internal/identity"
	"github.com/trinity-platform/orchestrator/internal/journal"
	"github.com/trinity-platform/orchestrator/internal/journal/stream"
	"github.com/trinity-platform/orchestrator/internal/lifecycle"
	"github.com/trinity-platform/orchestrator/internal/mediator"
	"github.com/trinity-platform/orchestrator/internal/permission"
	"github.com/trinity-platform/orchestrator/internal/platform/apierr"
	"github.com/trinity-platform/orchestrator/internal/platform/logging"
	"github.com/trinity-platform/orchestrator/internal/settings"
	"github.com/trinity-platform/orchestrator/internal/store"
	"github.com/trinity-platform/orchestrator/internal/supervisor"
)

// Handler holds every core collaborator the control-plane contract
// dispatches to. One instance is shared across the HTTP server's lifetime.
type Handler struct {
	store      store.Store
	identity   *identity.Service
	perms      *permission.Graph
	engine     *execution.Engine
	lifecycle  *lifecycle.Manager
	mediator   *mediator.Mediator
	settings   *settings.Service
	supervisor *supervisor.Supervisor
	journal    *journal.Journal
	stream     *stream.Handler
	logger     *logging.Logger
}

// New constructs a Handler wired to every core component.
func New(
	s store.Store,
	idSvc *identity.Service,
	perms *permission.Graph,
	engine *execution.Engine,
	lc *lifecycle.Manager,
	med *mediator.Mediator,
	set *settings.Service,
	sv *supervisor.Supervisor,
	j *journal.Journal,
	log *logging.Logger,
) *Handler {
	return &Handler{
		store:      s,
		identity:   idSvc,
		perms:      perms,
		engine:     engine,
		lifecycle:  lc,
		mediator:   med,
		settings:   set,
		supervisor: sv,
		journal:    j,
		stream:     stream.NewHandler(j, log),
		logger:     log.WithFields(zap.String("component", "httpapi")),
	}
}

// writeErr maps an apierr.Error (or any error) onto its HTTP status.
func (h *Handler) writeErr(c *gin.Context, err error) {
	kind := apierr.KindOf(err)
	c.JSON(kind.HTTPStatus(), gin.H{
		"kind":    string(kind),
		"message": err.Error(),
	})
}

// principalFrom extracts the calling principal from request headers. The
// control plane trusts its own reverse proxy / gateway to have already
// authenticated the caller and attached these headers; this mirrors the
// teacher's own JWT middleware, which is itself a thin claims-to-context
// bridge rather than a cryptographic boundary enforced in this package.
func principalFrom(c *gin.Context) domain.Principal {
	id := c.GetHeader("X-Principal-ID")
	role := domain.PrincipalRole(c.GetHeader("X-Principal-Role"))
	switch role {
	case domain.RoleAdmin, domain.RoleSystem:
	default:
		role = domain.RoleUser
	}
	if id == "" {
		id = "anonymous"
	}
	return domain.Principal{ID: id, Role: role}
}

// bindOptional binds the JSON body if present, falling back to req's
// zero value for endpoints whose body is entirely optional (spec §6).
func bindOptional(c *gin.Context, req any) {
	_ = c.ShouldBindJSON(req)
}

func notFoundIfEmpty(c *gin.Context, name string) bool {
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "name is required"})
		return true
	}
	return false
}
