// Package critic implements the score-and-refine gate that runs on agent
// messages and finish actions: a Critic assigns a score in [0,1], and the
// IterativeRefinementConfig decides whether a low score should inject a
// follow-up prompt instead of letting the conversation finish.
package critic

import (
	"context"

	"github.com/jasontan/agent-sdk/internal/eventlog"
)

// Mode selects which events a Critic is invoked on.
type Mode string

const (
	// ModeFinishAndMessage evaluates only agent Message events and
	// FinishAction events. This is the default.
	ModeFinishAndMessage Mode = "finish_and_message"
	// ModeAllActions evaluates every agent Action, not just finish.
	ModeAllActions Mode = "all_actions"
)

// Result is a Critic's verdict on the conversation so far.
type Result struct {
	Score    float64        `json:"score"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Critic scores the conversation, optionally given a unified diff of what
// the agent changed (nil when there is nothing to diff, e.g. a pure
// Message turn).
type Critic interface {
	Evaluate(ctx context.Context, events []eventlog.Event, diff *string) (Result, error)
	Mode() Mode
}

// IterativeRefinementConfig drives the retry loop described in spec §4.6:
// after a FinishAction, if the critic's score is below SuccessThreshold and
// the refinement counter is strictly below MaxIterations, the agent is sent
// a follow-up prompt instead of finishing.
type IterativeRefinementConfig struct {
	SuccessThreshold float64
	MaxIterations    int
}

// AgentStateKey is the well-known agent_state map key the refinement
// counter is stored under, per spec §4.6 ("stored in agent_state under a
// well-known key").
const AgentStateKey = "critic_iteration_count"

// FollowUpPrompt returns the synthetic user message injected when
// refinement continues, formatted the way the critic's own HTTP
// implementation names it in the original source (critic/impl/api).
func FollowUpPrompt(result Result) string {
	if result.Message != "" {
		return "The previous attempt did not fully satisfy the task: " + result.Message + "\nPlease continue working on it."
	}
	return "The previous attempt did not fully satisfy the task. Please continue working on it."
}

// ShouldContinue reports whether refinement should fire given the latest
// critic Result and the current iteration count (read from agent_state
// before this call). It never mutates count; the caller increments and
// persists it via ConversationState.SetAgentState only when this returns
// true, per the "increments only when refinement actually continues"
// invariant.
func (cfg IterativeRefinementConfig) ShouldContinue(result Result, iterationCount int) bool {
	if result.Score >= cfg.SuccessThreshold {
		return false
	}
	return iterationCount < cfg.MaxIterations
}

// PassThrough always scores 1.0, i.e. never triggers refinement. Used when
// no critic is configured, and as the trivial implementation in tests.
type PassThrough struct{ EvalMode Mode }

func (PassThrough) Evaluate(context.Context, []eventlog.Event, *string) (Result, error) {
	return Result{Score: 1.0}, nil
}

func (p PassThrough) Mode() Mode {
	if p.EvalMode == "" {
		return ModeFinishAndMessage
	}
	return p.EvalMode
}
