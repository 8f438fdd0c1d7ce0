package convo

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/jasontan/agent-sdk/internal/provider"
)

// LLM is the narrow surface the conversation step and its condenser/
// security-analyzer helpers need from a provider: a full (non-streaming-
// to-caller) completion round trip, and a single system+user text
// completion. Structurally, *LLM satisfies both internal/confirm's
// completer and internal/condense's Summarizer interfaces without either
// package importing internal/provider directly.
type LLM struct {
	Provider provider.Provider
	Model    string
}

// NewLLM builds an LLM adapter bound to a provider and model id.
func NewLLM(p provider.Provider, model string) *LLM {
	return &LLM{Provider: p, Model: model}
}

// Complete sends a chat request and returns the single accumulated
// assistant message (content plus any tool calls) together with the
// provider's literal finish reason string.
func (l *LLM) Complete(ctx context.Context, req *provider.CompletionRequest) (*schema.Message, string, error) {
	if req.Model == "" {
		req.Model = l.Model
	}
	stream, err := l.Provider.CreateCompletion(ctx, req)
	if err != nil {
		return nil, "", classifyTransportError(err)
	}
	defer stream.Close()

	acc := &accumulator{}
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, "", classifyTransportError(err)
		}
		acc.add(chunk)
	}
	if acc.content.Len() == 0 && len(acc.order) == 0 {
		return nil, "", &ClassifiedError{Kind: ErrNoResponse, Err: fmt.Errorf("provider returned an empty completion")}
	}
	return acc.message(), acc.finishReason, nil
}

// CompleteText is a convenience entry point for single-turn system+user
// completions: condenser summaries and LLMSecurityAnalyzer classifications.
func (l *LLM) CompleteText(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	msg, _, err := l.Complete(ctx, &provider.CompletionRequest{
		Model: l.Model,
		Messages: []*schema.Message{
			{Role: schema.System, Content: systemPrompt},
			{Role: schema.User, Content: userPrompt},
		},
	})
	if err != nil {
		return "", err
	}
	return msg.Content, nil
}

// accumulator folds a stream of partial schema.Message chunks into one
// complete message, following the index-or-id tool-call tracking scheme
// documented in internal/session/stream.go (eino sends a start chunk with
// ID+Name, then argument-only delta chunks keyed by the same Index).
type accumulator struct {
	content      strings.Builder
	toolCalls    map[string]*toolCallBuilder
	order        []string
	finishReason string
}

type toolCallBuilder struct {
	id   string
	name string
	args strings.Builder
}

func (a *accumulator) add(chunk *schema.Message) {
	if chunk == nil {
		return
	}
	if a.toolCalls == nil {
		a.toolCalls = make(map[string]*toolCallBuilder)
	}
	a.content.WriteString(chunk.Content)

	for _, tc := range chunk.ToolCalls {
		var key string
		switch {
		case tc.Index != nil:
			key = fmt.Sprintf("idx:%d", *tc.Index)
		case tc.ID != "":
			key = tc.ID
		default:
			continue
		}

		b, ok := a.toolCalls[key]
		if !ok {
			b = &toolCallBuilder{}
			a.toolCalls[key] = b
			a.order = append(a.order, key)
		}
		if tc.ID != "" {
			b.id = tc.ID
		}
		if tc.Function.Name != "" {
			b.name = tc.Function.Name
		}
		b.args.WriteString(tc.Function.Arguments)
	}

	if chunk.ResponseMeta != nil && chunk.ResponseMeta.FinishReason != "" {
		a.finishReason = chunk.ResponseMeta.FinishReason
	}
}

func (a *accumulator) message() *schema.Message {
	msg := &schema.Message{Role: schema.Assistant, Content: a.content.String()}
	for _, key := range a.order {
		b := a.toolCalls[key]
		if b.id == "" {
			continue
		}
		msg.ToolCalls = append(msg.ToolCalls, schema.ToolCall{
			ID: b.id,
			Function: schema.FunctionCall{
				Name:      b.name,
				Arguments: b.args.String(),
			},
		})
	}
	return msg
}
