package convo

import (
	"encoding/json"

	"github.com/cloudwego/eino/schema"

	"github.com/jasontan/agent-sdk/internal/eventlog"
)

// toolContentLimit truncates provider tool-role content that would
// otherwise blow past most providers' per-message limit (spec §4.2 step 4).
const toolContentLimit = 100_000

const truncatedMarker = "\n...[truncated]"

// ChatMessage is this package's own provider-agnostic message
// representation, built from the condensed event view before translation
// to eino's schema.Message. It exists separately from schema.Message so
// the caching rule (static system block + last user block marked, dynamic
// context never marked) can be asserted and tested independently of
// whatever wire representation the Eino provider adapter ultimately uses —
// eino itself has no first-class cache-mark concept, and wiring it through
// to each provider SDK's own cache_control field is exactly the kind of
// provider-adaptation detail spec §1 places out of scope for the core.
type ChatMessage struct {
	Role       schema.RoleType
	Content    string
	ToolCalls  []schema.ToolCall
	ToolCallID string
	CacheMark  bool
}

// BuildMessages converts a condensed event view into an ordered list of
// provider messages per spec §4.2 step 2, then applies cache marks (step
// 3) and tool-content truncation (step 4).
func BuildMessages(view []eventlog.Event) []ChatMessage {
	var out []ChatMessage

	for _, e := range view {
		switch p := e.Payload.(type) {
		case *eventlog.SystemPromptData:
			out = append(out, ChatMessage{Role: schema.System, Content: p.Prompt, CacheMark: true})
			if p.DynamicContext != "" {
				out = append(out, ChatMessage{Role: schema.System, Content: p.DynamicContext, CacheMark: false})
			}

		case *eventlog.MessageData:
			role := schema.User
			if p.Role == eventlog.RoleAssistant {
				role = schema.Assistant
			}
			out = append(out, ChatMessage{Role: role, Content: p.Content})

		case *eventlog.ActionData:
			msg := ChatMessage{
				Role: schema.Assistant,
				ToolCalls: []schema.ToolCall{{
					ID: p.ToolCallID,
					Function: schema.FunctionCall{
						Name:      p.ToolName,
						Arguments: stripSecurityRisk(p.Arguments),
					},
				}},
			}
			if p.Thought != "" {
				msg.Content = p.Thought
			}
			out = append(out, msg)

		case *eventlog.ObservationData:
			out = append(out, ChatMessage{Role: schema.Tool, ToolCallID: p.ToolCallID, Content: truncateToolContent(string(p.Result))})

		case *eventlog.AgentErrorData:
			out = append(out, ChatMessage{Role: schema.Tool, ToolCallID: p.ToolCallID, Content: truncateToolContent("error: " + p.Message)})

		case *eventlog.UserRejectData:
			out = append(out, ChatMessage{Role: schema.Tool, ToolCallID: p.ToolCallID, Content: truncateToolContent("rejected by user: " + p.Reason)})
		}
	}

	applyCacheMarks(out)
	return out
}

// applyCacheMarks marks the last user content block cacheable, in addition
// to the static system block BuildMessages already marked. Dynamic context
// (the second system block, if present) is never marked — spec §4.2 step 3
// and §8 invariant 4.
func applyCacheMarks(msgs []ChatMessage) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == schema.User {
			msgs[i].CacheMark = true
			return
		}
	}
}

// stripSecurityRisk removes an internal-only security_risk field from
// Action arguments before they are sent to the LLM, per spec §4.2 step 2
// ("Arguments MUST strip any internal security_risk field before
// transport").
func stripSecurityRisk(raw []byte) string {
	var asMap map[string]any
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return string(raw)
	}
	if _, ok := asMap["security_risk"]; !ok {
		return string(raw)
	}
	delete(asMap, "security_risk")
	out, err := json.Marshal(asMap)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

func truncateToolContent(s string) string {
	if len(s) <= toolContentLimit {
		return s
	}
	return s[:toolContentLimit] + truncatedMarker
}

// ToEinoMessages translates ChatMessage into eino's wire schema, for the
// actual provider call. The CacheMark bit is deliberately dropped here: see
// ChatMessage's doc comment.
func ToEinoMessages(msgs []ChatMessage) []*schema.Message {
	out := make([]*schema.Message, 0, len(msgs))
	for _, m := range msgs {
		em := &schema.Message{Role: m.Role, Content: m.Content, ToolCalls: m.ToolCalls}
		if m.ToolCallID != "" {
			em.ToolCallID = m.ToolCallID
		}
		out = append(out, em)
	}
	return out
}
