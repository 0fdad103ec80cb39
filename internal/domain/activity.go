package domain

import "time"

// ActivityKind enumerates the externally-visible events the journal records
// (spec §3, §4.10).
type ActivityKind string

const (
	KindStateTransition  ActivityKind = "state_transition"
	KindExecutionStarted ActivityKind = "execution_started"
	KindExecutionEnded   ActivityKind = "execution_ended"
	KindToolCall         ActivityKind = "tool_call"
	KindAgentEdge        ActivityKind = "agent_edge"
	KindAlert            ActivityKind = "alert"
	KindScheduleFired    ActivityKind = "schedule_fired"
)

// Severity classifies an activity record, primarily used by alerts.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// ActivityRecord is one append-only entry in the journal. ID is monotone per
// AgentName.
type ActivityRecord struct {
	ID          int64
	Timestamp   time.Time
	Kind        ActivityKind
	AgentName   string
	ExecutionID string
	PeerAgent   string // set for agent_edge records
	Payload     map[string]any
	Severity    Severity
}

// ActivityFilter narrows a historical query (spec §6).
type ActivityFilter struct {
	AgentName string
	Kind      ActivityKind
	Since     time.Time
	Until     time.Time
	Limit     int
}
