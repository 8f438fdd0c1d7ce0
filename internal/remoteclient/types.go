// Package remoteclient is the client-side mirror of internal/server's
// conversation WebSocket projection: it dials the WS event stream, keeps an
// ordered, deduplicated local copy of the event log, and exposes a
// completion-marker barrier around conv.Run() on the server side.
package remoteclient

import "github.com/jasontan/agent-sdk/internal/eventlog"

// wsEnvelope mirrors internal/server's wire shape. Duplicated rather than
// imported, the way go-memsh's client package keeps its own SessionInfo/
// ExecuteCommandResult types instead of importing the api package.
type wsEnvelope struct {
	Type  string          `json:"type"`
	Event *eventlog.Event `json:"event,omitempty"`
}

const (
	wsTypeEvent       = "event"
	wsTypeRunComplete = "run_complete"
)

// createConversationRequest is the body of POST /api/conversations.
type createConversationRequest struct {
	AgentName string `json:"agent,omitempty"`
	Prompt    string `json:"system_prompt,omitempty"`
	Model     string `json:"model,omitempty"`
}

type conversationSummary struct {
	ID     string          `json:"id"`
	Status eventlog.Status `json:"status"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
}
