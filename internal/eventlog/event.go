// Package eventlog implements the append-only conversation event log and
// the durable ConversationState built on top of it.
package eventlog

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind discriminates the event union.
type Kind string

const (
	KindSystemPrompt  Kind = "system_prompt"
	KindMessage       Kind = "message"
	KindAction        Kind = "action"
	KindObservation   Kind = "observation"
	KindUserReject    Kind = "user_reject"
	KindAgentError    Kind = "agent_error"
	KindCondensation  Kind = "condensation"
	KindStateUpdate   Kind = "state_update"
	KindPauseRequested Kind = "pause_requested"
	KindBashOutput    Kind = "bash_output"
)

// Event is a single append-only log entry. Payload holds the kind-specific
// body; callers type-assert Payload against one of the *Data types below
// after checking Kind.
type Event struct {
	ID        string    `json:"id"`
	Order     int64     `json:"order"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// SystemPromptData is the body of a SystemPrompt event. It must be events[0]
// in every conversation.
type SystemPromptData struct {
	Prompt         string   `json:"prompt"`
	ToolNames      []string `json:"tool_names,omitempty"`
	AgentName      string   `json:"agent_name,omitempty"`
	DynamicContext string   `json:"dynamic_context,omitempty"`
}

// Role distinguishes who authored a Message event.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageData is the body of a Message event.
type MessageData struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ActionData is the body of an Action event: a single tool call the agent
// requested. Every Action must have exactly one later terminating event
// (Observation, UserReject, or AgentError) sharing the same ToolCallID.
type ActionData struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Arguments  json.RawMessage `json:"arguments"`
	Thought    string          `json:"thought,omitempty"`
}

// ObservationData is the body of an Observation event: the successful
// result of executing an Action.
type ObservationData struct {
	ToolCallID string          `json:"tool_call_id"`
	Result     json.RawMessage `json:"result"`
	IsError    bool            `json:"is_error,omitempty"`
}

// UserRejectData is the body of a UserReject event: a confirmation gate
// declined the Action identified by ToolCallID before it ran.
type UserRejectData struct {
	ToolCallID string `json:"tool_call_id"`
	Reason     string `json:"reason,omitempty"`
}

// AgentErrorData is the body of an AgentError event: the Action identified
// by ToolCallID could not be completed due to a runtime failure.
type AgentErrorData struct {
	ToolCallID string `json:"tool_call_id"`
	Message    string `json:"message"`
	Kind       string `json:"kind,omitempty"`
}

// CondensationData is the body of a Condensation event. SummaryOffset == 0
// denotes a hard context reset; otherwise it names the order of the event
// the summary starts covering from. ForgottenEventIDs are no longer part of
// the active context window once this event is appended.
type CondensationData struct {
	Summary           string   `json:"summary"`
	SummaryOffset     int64    `json:"summary_offset"`
	ForgottenEventIDs []string `json:"forgotten_event_ids"`
}

// IsHardReset reports whether this condensation represents a hard context
// reset rather than an incremental summary.
func (c CondensationData) IsHardReset() bool { return c.SummaryOffset == 0 }

// StateUpdateData is the body of a StateUpdate event, recording a full
// replacement of agent_state (never a mutation in place).
type StateUpdateData struct {
	AgentState map[string]any `json:"agent_state"`
}

// PauseRequestedData is the body of a PauseRequested event.
type PauseRequestedData struct {
	Reason string `json:"reason,omitempty"`
}

// BashOutputData is the body of a BashOutput event: one chunk of output
// flushed from a long-running terminal command, identified by the
// ToolCallID of the Action that started it. Seq is strictly increasing per
// ToolCallID so a reader can detect loss or reordering; the concatenation of
// every BashOutputData.Chunk for a given ToolCallID, in Seq order, equals
// the command's full output.
type BashOutputData struct {
	ToolCallID string `json:"tool_call_id"`
	Seq        int    `json:"seq"`
	Chunk      string `json:"chunk"`
	Final      bool   `json:"final,omitempty"`
}

// rawEvent is the wire shape used to peek at Kind before dispatching to a
// concrete payload type, mirroring the RawPart/UnmarshalPart pattern used
// for message parts elsewhere in this codebase.
type rawEvent struct {
	ID        string          `json:"id"`
	Order     int64           `json:"order"`
	Kind      Kind            `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// MarshalJSON implements json.Marshaler.
func (e Event) MarshalJSON() ([]byte, error) {
	raw := rawEvent{ID: e.ID, Order: e.Order, Kind: e.Kind, Timestamp: e.Timestamp}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	raw.Payload = payload
	return json.Marshal(raw)
}

// UnmarshalJSON implements json.Unmarshaler, dispatching Payload to the
// concrete *Data type named by Kind.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.ID, e.Order, e.Kind, e.Timestamp = raw.ID, raw.Order, raw.Kind, raw.Timestamp

	var payload any
	switch raw.Kind {
	case KindSystemPrompt:
		payload = &SystemPromptData{}
	case KindMessage:
		payload = &MessageData{}
	case KindAction:
		payload = &ActionData{}
	case KindObservation:
		payload = &ObservationData{}
	case KindUserReject:
		payload = &UserRejectData{}
	case KindAgentError:
		payload = &AgentErrorData{}
	case KindCondensation:
		payload = &CondensationData{}
	case KindStateUpdate:
		payload = &StateUpdateData{}
	case KindPauseRequested:
		payload = &PauseRequestedData{}
	case KindBashOutput:
		payload = &BashOutputData{}
	default:
		return fmt.Errorf("unknown event kind %q", raw.Kind)
	}
	if len(raw.Payload) > 0 {
		if err := json.Unmarshal(raw.Payload, payload); err != nil {
			return fmt.Errorf("unmarshal %s payload: %w", raw.Kind, err)
		}
	}
	e.Payload = payload
	return nil
}

// TerminatesAction reports whether this event terminates the Action with
// the given tool call id (Observation, UserReject, or AgentError all
// qualify; each carries a ToolCallID field).
func (e Event) TerminatesAction(toolCallID string) bool {
	switch p := e.Payload.(type) {
	case *ObservationData:
		return p.ToolCallID == toolCallID
	case *UserRejectData:
		return p.ToolCallID == toolCallID
	case *AgentErrorData:
		return p.ToolCallID == toolCallID
	}
	return false
}
