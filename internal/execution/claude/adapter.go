// Package claude implements execution.RuntimeAdapter for the Claude Code
// CLI's stream-json protocol.
package claude

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/trinity-platform/orchestrator/internal/domain"
	"github.com/trinity-platform/orchestrator/internal/execution"
)

// contextMax is the context-window ceiling for Claude Code's default
// model; per-model overrides would be read from model_usage stats in a
// fuller build.
const contextMax = 200_000

// cliMessage mirrors the subset of Claude Code's stream-json message shape
// the engine needs: session bookkeeping, assistant content, tool-use
// blocks, and the terminal result line.
type cliMessage struct {
	Type              string          `json:"type"`
	SessionID         string          `json:"session_id,omitempty"`
	Message           *assistantMsg   `json:"message,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
	CostUSD           float64         `json:"cost_usd,omitempty"`
	IsError           bool            `json:"is_error,omitempty"`
	Errors            []string        `json:"errors,omitempty"`
	TotalInputTokens  int             `json:"total_input_tokens,omitempty"`
	TotalOutputTokens int             `json:"total_output_tokens,omitempty"`
}

type assistantMsg struct {
	Content json.RawMessage `json:"content,omitempty"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Adapter implements execution.RuntimeAdapter for the claude runtime kind.
type Adapter struct{}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) ContextMax(kind domain.RuntimeKind) int {
	return contextMax
}

func (a *Adapter) BuildCommand(agent *domain.Agent, sessionID, message string, continueSession bool, opts execution.TaskOptions) []string {
	args := []string{"claude", "--output-format", "stream-json", "--print"}
	if continueSession && sessionID != "" {
		args = append(args, "--resume", sessionID)
	} else if sessionID != "" {
		args = append(args, "--session-id", sessionID)
	}
	if agent.Model != "" {
		args = append(args, "--model", agent.Model)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	for _, tool := range opts.AllowedTools {
		args = append(args, "--allowedTools", tool)
	}
	args = append(args, message)
	return args
}

func (a *Adapter) ParseStream(ctx context.Context, stdout []byte) (*execution.ParsedOutput, error) {
	out := &execution.ParsedOutput{}
	var responseText string

	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg cliMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "assistant":
			if msg.Message == nil {
				continue
			}
			var blocks []contentBlock
			if err := json.Unmarshal(msg.Message.Content, &blocks); err == nil {
				for _, b := range blocks {
					switch b.Type {
					case "text":
						responseText += b.Text
					case "tool_use":
						out.ToolCalls = append(out.ToolCalls, execution.ToolCall{Name: b.Name, Input: string(b.Input)})
					}
				}
			}
		case "result":
			out.CostUSD = msg.CostUSD
			out.InputTokens = msg.TotalInputTokens
			out.OutputTokens = msg.TotalOutputTokens
			out.IsError = msg.IsError
			if msg.IsError && len(msg.Errors) > 0 {
				out.ErrorMessage = msg.Errors[0]
			}
			if len(msg.Result) > 0 {
				var text string
				if err := json.Unmarshal(msg.Result, &text); err == nil && text != "" {
					responseText = text
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("claude: scanning stream-json output: %w", err)
	}

	out.ResponseText = responseText
	return out, nil
}
