// Package domain holds the core entities of the Trinity orchestration engine:
// agents, permission edges, schedules, executions, and activity records.
package domain

import "time"

// AgentState is a node in the lifecycle state machine (spec §4.5).
type AgentState string

const (
	AgentCreated  AgentState = "created"
	AgentStarting AgentState = "starting"
	AgentRunning  AgentState = "running"
	AgentStopping AgentState = "stopping"
	AgentStopped  AgentState = "stopped"
	AgentError    AgentState = "error"
	AgentDeleted  AgentState = "deleted"
)

// RuntimeKind identifies which language-model CLI runtime an agent uses.
// The core never inspects the runtime beyond this tag; it only needs it to
// pick the instruction-file name and resume/append-system-prompt flags.
type RuntimeKind string

const (
	RuntimeClaude RuntimeKind = "claude"
	RuntimeGemini RuntimeKind = "gemini"
)

// ResourceLimits caps a container's resource consumption.
type ResourceLimits struct {
	MemoryBytes int64
	CPUCores    float64
}

// SharedFolderConfig controls whether an agent exposes or consumes
// shared-folder mounts (spec §3, §4.4 step 4).
type SharedFolderConfig struct {
	Expose  bool
	Consume bool
}

// Agent is a managed, named, containerized language-model runtime.
type Agent struct {
	Name              string
	Owner             string
	SharedWith        []string // principals with co-access, besides Owner/admin
	Template          string   // "local:<id>" or "github:<owner>/<repo>"
	Limits            ResourceLimits
	RuntimeKind       RuntimeKind
	Model             string
	Autonomy          bool
	FullCapabilities  bool // host-privileged mode
	SystemProtected   bool // never deletable, e.g. the platform's own supervisor agent
	DeploymentName    string // non-empty marks the agent a worker in a deployed system (spec §4.3)
	SharedFolder      SharedFolderConfig
	State             AgentState
	ContainerID       string
	Port              int
	CreatedAt         time.Time
	LastStartedAt     time.Time
}

// IsOwnerOrShared reports whether principal has an explicit relationship
// with the agent (owner or unrevoked share), independent of role.
func (a *Agent) IsOwnerOrShared(principal string) bool {
	if a.Owner == principal {
		return true
	}
	for _, p := range a.SharedWith {
		if p == principal {
			return true
		}
	}
	return false
}
