package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/trinity-platform/orchestrator/internal/mediator"
	"github.com/trinity-platform/orchestrator/internal/platform/apierr"
)

// callingAgent identifies the agent making an RPC call. The running agent
// authenticates to its own mediator endpoint with a per-container key
// injected at start time; provisioning and verifying that key is out of
// scope here, so this trusts the X-Agent-Name header the way
// principalFrom trusts the control plane's own principal headers.
func callingAgent(c *gin.Context) (string, error) {
	name := c.GetHeader("X-Agent-Name")
	if name == "" {
		return "", apierr.New(apierr.NotAuthorized, "X-Agent-Name header is required")
	}
	return name, nil
}

// RPCListPeers lists every agent the calling agent may call.
// GET /rpc/peers
func (h *Handler) RPCListPeers(c *gin.Context) {
	caller, err := callingAgent(c)
	if err != nil {
		h.writeErr(c, err)
		return
	}
	peers, err := h.mediator.ListPeers(c.Request.Context(), caller)
	if err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"peers": peers, "total": len(peers)})
}

type rpcChatRequest struct {
	Peer    string `json:"peer" binding:"required"`
	Message string `json:"message" binding:"required"`
}

// RPCChat relays a peer-to-peer chat call through the mediator.
// POST /rpc/chat
func (h *Handler) RPCChat(c *gin.Context) {
	caller, err := callingAgent(c)
	if err != nil {
		h.writeErr(c, err)
		return
	}
	var req rpcChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	exec, err := h.mediator.Chat(c.Request.Context(), caller, req.Peer, req.Message)
	if err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

type rpcTaskRequest struct {
	Peer         string   `json:"peer" binding:"required"`
	Message      string   `json:"message" binding:"required"`
	AllowedTools []string `json:"allowed_tools"`
	SystemPrompt string   `json:"system_prompt"`
	TimeoutSec   int      `json:"timeout_sec"`
}

// RPCTask relays a peer-to-peer task call through the mediator.
// POST /rpc/task
func (h *Handler) RPCTask(c *gin.Context) {
	caller, err := callingAgent(c)
	if err != nil {
		h.writeErr(c, err)
		return
	}
	var req rpcTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	opts := (taskRequest{
		Message:      req.Message,
		AllowedTools: req.AllowedTools,
		SystemPrompt: req.SystemPrompt,
		TimeoutSec:   req.TimeoutSec,
	}).toOptions()
	exec, err := h.mediator.Task(c.Request.Context(), caller, req.Peer, req.Message, opts)
	if err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// RPCTriggerJob stages a job folder in a peer's workspace and runs it.
// POST /rpc/trigger-job
func (h *Handler) RPCTriggerJob(c *gin.Context) {
	caller, err := callingAgent(c)
	if err != nil {
		h.writeErr(c, err)
		return
	}
	var body struct {
		Peer      string `json:"peer" binding:"required"`
		Request   string `json:"request" binding:"required"`
		SessionID string `json:"session_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	result, err := h.mediator.TriggerJob(c.Request.Context(), caller, body.Peer, body.Request,
		mediator.JobSpec{Request: body.Request}, body.SessionID)
	if err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
