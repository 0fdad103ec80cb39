package execution

import (
	"context"

	"github.com/trinity-platform/orchestrator/internal/domain"
)

// TaskOptions carries the per-call overrides the task path accepts (spec
// §4.6).
type TaskOptions struct {
	AllowedTools []string
	SystemPrompt string
	Timeout      int // seconds; 0 means use ops.max_execution_min
}

// ToolCall is one tool invocation parsed from a runtime's structured
// output, surfaced as its own tool_call activity record.
type ToolCall struct {
	Name  string
	Input string
}

// ParsedOutput is what a RuntimeAdapter reconstructs from a runtime's
// streamed structured output.
type ParsedOutput struct {
	ResponseText string
	ToolCalls    []ToolCall
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	IsError      bool
	ErrorMessage string
}

// RuntimeAdapter builds the in-container command for a given runtime and
// parses its structured output. internal/execution/claude implements this
// for the Claude Code CLI; a Gemini equivalent follows the same contract.
type RuntimeAdapter interface {
	// BuildCommand constructs the exec argv. continueSession is true for
	// chat-mode invocations that resume sessionID; task mode always starts
	// fresh.
	BuildCommand(agent *domain.Agent, sessionID, message string, continueSession bool, opts TaskOptions) []string
	// ParseStream reads and decodes a runtime's stdout stream into its
	// final structured result.
	ParseStream(ctx context.Context, stdout []byte) (*ParsedOutput, error)
	// ContextMax is the runtime's context-window token ceiling, used to
	// compute ContextPct.
	ContextMax(kind domain.RuntimeKind) int
}
