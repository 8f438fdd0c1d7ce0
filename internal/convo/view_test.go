package convo

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasontan/agent-sdk/internal/eventlog"
)

func TestBuildMessagesCacheMarks(t *testing.T) {
	events := []eventlog.Event{
		{Kind: eventlog.KindSystemPrompt, Payload: &eventlog.SystemPromptData{Prompt: "system"}},
		{Kind: eventlog.KindMessage, Payload: &eventlog.MessageData{Role: eventlog.RoleUser, Content: "hi"}},
		{Kind: eventlog.KindMessage, Payload: &eventlog.MessageData{Role: eventlog.RoleAssistant, Content: "hello"}},
		{Kind: eventlog.KindMessage, Payload: &eventlog.MessageData{Role: eventlog.RoleUser, Content: "do the thing"}},
	}

	msgs := BuildMessages(events)
	require.Len(t, msgs, 4)

	assert.Equal(t, schema.System, msgs[0].Role)
	assert.True(t, msgs[0].CacheMark, "static system block must be cache-marked")

	assert.False(t, msgs[1].CacheMark, "earlier user turns are not cache-marked")
	assert.True(t, msgs[3].CacheMark, "last user block must be cache-marked")
}

func TestBuildMessagesDynamicContextNeverCacheMarked(t *testing.T) {
	events := []eventlog.Event{
		{Kind: eventlog.KindSystemPrompt, Payload: &eventlog.SystemPromptData{Prompt: "system", DynamicContext: "repo map here"}},
		{Kind: eventlog.KindMessage, Payload: &eventlog.MessageData{Role: eventlog.RoleUser, Content: "hi"}},
	}

	msgs := BuildMessages(events)
	require.Len(t, msgs, 3)
	assert.True(t, msgs[0].CacheMark)
	assert.Equal(t, "repo map here", msgs[1].Content)
	assert.False(t, msgs[1].CacheMark, "dynamic context block is never cache-marked")
}

func TestBuildMessagesStripsSecurityRisk(t *testing.T) {
	args, err := json.Marshal(map[string]any{"command": "ls", "security_risk": "LOW"})
	require.NoError(t, err)

	events := []eventlog.Event{
		{Kind: eventlog.KindSystemPrompt, Payload: &eventlog.SystemPromptData{Prompt: "system"}},
		{Kind: eventlog.KindAction, Payload: &eventlog.ActionData{ToolCallID: "tc1", ToolName: "bash", Arguments: args}},
	}

	msgs := BuildMessages(events)
	require.Len(t, msgs, 2)
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.False(t, strings.Contains(msgs[1].ToolCalls[0].Function.Arguments, "security_risk"))
	assert.True(t, strings.Contains(msgs[1].ToolCalls[0].Function.Arguments, "ls"))
}

func TestTruncateToolContent(t *testing.T) {
	short := "short output"
	assert.Equal(t, short, truncateToolContent(short))

	long := strings.Repeat("x", toolContentLimit+10)
	truncated := truncateToolContent(long)
	assert.True(t, strings.HasSuffix(truncated, truncatedMarker))
	assert.Len(t, truncated, toolContentLimit+len(truncatedMarker))
}

func TestToEinoMessagesDropsCacheMark(t *testing.T) {
	msgs := []ChatMessage{{Role: schema.User, Content: "hi", CacheMark: true}}
	out := ToEinoMessages(msgs)
	require.Len(t, out, 1)
	assert.Equal(t, "hi", out[0].Content)
}
