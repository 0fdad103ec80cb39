package httpapi

import (
	"time"

	"github.com/trinity-platform/orchestrator/internal/domain"
	"github.com/trinity-platform/orchestrator/internal/execution"
)

// --- agents ---

type createAgentRequest struct {
	Name           string  `json:"name" binding:"required"`
	Template       string  `json:"template" binding:"required"`
	RuntimeKind    string  `json:"runtime_kind" binding:"required"`
	Model          string  `json:"model"`
	MemoryBytes    int64   `json:"memory_bytes"`
	CPUCores       float64 `json:"cpu_cores"`
	DeploymentName string  `json:"deployment_name"`
}

type shareRequest struct {
	Principal string `json:"principal" binding:"required"`
}

type autonomyRequest struct {
	Autonomy bool `json:"autonomy"`
}

// --- executions ---

type chatRequest struct {
	Message string `json:"message" binding:"required"`
}

type taskRequest struct {
	Message      string   `json:"message" binding:"required"`
	AllowedTools []string `json:"allowed_tools"`
	SystemPrompt string   `json:"system_prompt"`
	TimeoutSec   int      `json:"timeout_sec"`
}

func (r taskRequest) toOptions() execution.TaskOptions {
	return execution.TaskOptions{
		AllowedTools: r.AllowedTools,
		SystemPrompt: r.SystemPrompt,
		Timeout:      r.TimeoutSec,
	}
}

// --- permissions ---

type grantRequest struct {
	Target string `json:"target" binding:"required"`
}

// --- schedules ---

type createScheduleRequest struct {
	AgentName      string    `json:"agent_name" binding:"required"`
	CronExpression string    `json:"cron_expression"`
	TimeZone       string    `json:"time_zone"`
	OneShotAt      time.Time `json:"one_shot_at"`
	Message        string    `json:"message" binding:"required"`
	Enabled        bool      `json:"enabled"`
}

type updateScheduleRequest struct {
	CronExpression string    `json:"cron_expression"`
	TimeZone       string    `json:"time_zone"`
	OneShotAt      time.Time `json:"one_shot_at"`
	Message        string    `json:"message"`
	Enabled        *bool     `json:"enabled"`
}

// --- settings ---

type setSettingRequest struct {
	Value string `json:"value"`
}

// --- fleet ops / rpc ---

type triggerJobRequest struct {
	Request   string `json:"request" binding:"required"`
	SessionID string `json:"session_id"`
}

type healthResponse struct {
	Agents    []*domain.Agent `json:"agents"`
	Supervisor string         `json:"supervisor"`
}
