package tool

import (
	"context"
	"encoding/json"
	"fmt"

	einotool "github.com/cloudwego/eino/components/tool"
)

const finishDescription = `Signal that the current task is complete. Call this once you have finished ` +
	`the user's request (or determined it cannot be completed), summarizing what was done or why it ` +
	`could not be done in message.`

// FinishTool is the built-in terminal action every agent must register
// (spec §6.5). Its execution is a no-op observation; the conversation loop
// treats it specially, routing it through iterative refinement before
// setting the finished flag.
type FinishTool struct{}

// NewFinishTool creates the built-in finish tool.
func NewFinishTool() *FinishTool { return &FinishTool{} }

func (t *FinishTool) ID() string          { return "finish" }
func (t *FinishTool) Description() string { return finishDescription }

func (t *FinishTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"message": {
				"type": "string",
				"description": "Summary of what was accomplished, or why the task could not be completed"
			}
		},
		"required": ["message"]
	}`)
}

// FinishInput is the typed argument of a finish Action.
type FinishInput struct {
	Message string `json:"message"`
}

func (t *FinishTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params FinishInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	return &Result{Title: "finish", Output: params.Message}, nil
}

func (t *FinishTool) EinoTool() einotool.InvokableTool {
	return &einoToolWrapper{tool: t}
}
