package critic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jasontan/agent-sdk/internal/eventlog"
)

// HTTPCritic calls an external scoring API, mirroring the shape of
// critic/impl/api/critic.py in the original implementation: a single JSON
// POST carrying the rendered transcript and an optional diff, expecting a
// {score, message, metadata} reply.
type HTTPCritic struct {
	Endpoint   string
	APIKey     string
	HTTPClient *http.Client
	EvalMode   Mode
}

// NewHTTPCritic builds an HTTPCritic with sane request defaults.
func NewHTTPCritic(endpoint, apiKey string, mode Mode) *HTTPCritic {
	return &HTTPCritic{
		Endpoint:   endpoint,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		EvalMode:   mode,
	}
}

type httpCriticRequest struct {
	Transcript string  `json:"transcript"`
	Diff       *string `json:"diff,omitempty"`
}

type httpCriticResponse struct {
	Score    float64        `json:"score"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (c *HTTPCritic) Mode() Mode {
	if c.EvalMode == "" {
		return ModeFinishAndMessage
	}
	return c.EvalMode
}

func (c *HTTPCritic) Evaluate(ctx context.Context, events []eventlog.Event, diff *string) (Result, error) {
	transcript := renderTranscript(events)
	body, err := json.Marshal(httpCriticRequest{Transcript: transcript, Diff: diff})
	if err != nil {
		return Result{}, fmt.Errorf("critic: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("critic: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("critic: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("critic: unexpected status %d", resp.StatusCode)
	}

	var parsed httpCriticResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Result{}, fmt.Errorf("critic: decode response: %w", err)
	}
	return Result{Score: parsed.Score, Message: parsed.Message, Metadata: parsed.Metadata}, nil
}

func renderTranscript(events []eventlog.Event) string {
	var buf bytes.Buffer
	for _, e := range events {
		switch p := e.Payload.(type) {
		case *eventlog.MessageData:
			fmt.Fprintf(&buf, "%s: %s\n", p.Role, p.Content)
		case *eventlog.ActionData:
			fmt.Fprintf(&buf, "action %s: %s\n", p.ToolName, string(p.Arguments))
		case *eventlog.ObservationData:
			fmt.Fprintf(&buf, "observation: %s\n", string(p.Result))
		}
	}
	return buf.String()
}
