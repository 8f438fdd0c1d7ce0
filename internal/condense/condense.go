// Package condense implements the condenser: compaction of the LLM-visible
// event view once it grows past a size threshold, plus the hard-reset path
// used when no valid condensation range exists or the provider reports a
// context-window overflow.
package condense

import (
	"context"
	"fmt"

	"github.com/jasontan/agent-sdk/internal/eventlog"
)

const summarizerSystemPrompt = "You are a conversation summarizer for an autonomous coding agent. " +
	"Produce a concise summary of the given events that preserves the goal, key decisions, " +
	"file paths touched, and outstanding work, so the agent can continue without the original transcript."

// Summarizer is the minimal LLM surface the condenser needs. Declared
// narrowly (rather than importing internal/provider) to keep condense
// dependency-free of the provider package's Eino types.
type Summarizer interface {
	CompleteText(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Condenser decides whether the LLM-convertible event count exceeds MaxSize
// and, if so, produces a Condensation event.
type Condenser struct {
	Summarizer Summarizer
	MaxSize    int
}

// New builds a Condenser with the given summarizer and size threshold.
func New(summarizer Summarizer, maxSize int) *Condenser {
	if maxSize <= 0 {
		maxSize = 40
	}
	return &Condenser{Summarizer: summarizer, MaxSize: maxSize}
}

// convertibleEvents filters to the events that count toward the LLM view
// size: everything except Condensation, StateUpdate and PauseRequested
// events, which never reach the LLM. A prior Condensation's forgotten
// members are not filtered here; ShouldCondense is given a View, from which
// they are already gone.
func convertibleEvents(events []eventlog.Event) []eventlog.Event {
	out := make([]eventlog.Event, 0, len(events))
	for _, e := range events {
		switch e.Kind {
		case eventlog.KindStateUpdate, eventlog.KindPauseRequested, eventlog.KindCondensation:
			continue
		default:
			out = append(out, e)
		}
	}
	return out
}

// ShouldCondense reports whether the given view has grown past MaxSize.
func (c *Condenser) ShouldCondense(events []eventlog.Event) bool {
	return len(convertibleEvents(events)) > c.MaxSize
}

// lastHardResetSummaryID returns the summary event id of the most recent
// hard-reset Condensation in events, if any. Subsequent normal
// condensations must never forget this event (spec §4.6, invariant 10).
func lastHardResetSummaryID(events []eventlog.Event) string {
	var last string
	for _, e := range events {
		if cd, ok := e.Payload.(*eventlog.CondensationData); ok && cd.IsHardReset() {
			last = e.ID
		}
	}
	return last
}

// Condense summarizes all convertible events except the first
// keepVerbatim of them (the system prompt and opening messages), producing
// a Condensation whose SummaryOffset is keepVerbatim. keepVerbatim == 0
// performs a hard reset: the summary stands in for the entire history.
func (c *Condenser) Condense(ctx context.Context, events []eventlog.Event, keepVerbatim int) (*eventlog.CondensationData, error) {
	convertible := convertibleEvents(events)
	if keepVerbatim < 0 || keepVerbatim > len(convertible) {
		return nil, fmt.Errorf("condense: keepVerbatim %d out of range for %d events", keepVerbatim, len(convertible))
	}

	toForget := convertible[keepVerbatim:]
	if len(toForget) == 0 {
		return nil, fmt.Errorf("condense: no valid condensation range")
	}

	protected := lastHardResetSummaryID(events)
	forgottenIDs := make([]string, 0, len(toForget))
	var transcript string
	for _, e := range toForget {
		if e.ID == protected {
			continue
		}
		forgottenIDs = append(forgottenIDs, e.ID)
		transcript += renderEventForSummary(e) + "\n"
	}

	summary, err := c.Summarizer.CompleteText(ctx, summarizerSystemPrompt, transcript)
	if err != nil {
		return nil, fmt.Errorf("condense: summarize: %w", err)
	}

	return &eventlog.CondensationData{
		Summary:           summary,
		SummaryOffset:     int64(keepVerbatim),
		ForgottenEventIDs: forgottenIDs,
	}, nil
}

// Compact picks a condensation range automatically: it keeps roughly the
// newest half of MaxSize events verbatim and summarizes the rest. If that
// range would be empty or cover everything, it falls back to a hard reset
// rather than producing a no-op or all-forgetting Condensation by accident.
func (c *Condenser) Compact(ctx context.Context, events []eventlog.Event) (*eventlog.CondensationData, error) {
	convertible := convertibleEvents(events)
	keep := c.MaxSize / 2
	if keep <= 0 || keep >= len(convertible) {
		return c.HardReset(ctx, events)
	}
	return c.Condense(ctx, events, keep)
}

// HardReset produces a Condensation with SummaryOffset 0, forgetting every
// convertible event (other than a prior hard reset's own summary, per the
// preservation invariant). Triggered explicitly when no valid condensation
// range exists, or automatically on a provider context-window-exceeded
// error.
func (c *Condenser) HardReset(ctx context.Context, events []eventlog.Event) (*eventlog.CondensationData, error) {
	return c.Condense(ctx, events, 0)
}

func renderEventForSummary(e eventlog.Event) string {
	switch p := e.Payload.(type) {
	case *eventlog.MessageData:
		return fmt.Sprintf("[%s] %s", p.Role, p.Content)
	case *eventlog.ActionData:
		return fmt.Sprintf("[action] %s(%s)", p.ToolName, string(p.Arguments))
	case *eventlog.ObservationData:
		return fmt.Sprintf("[observation] %s", string(p.Result))
	case *eventlog.AgentErrorData:
		return fmt.Sprintf("[error] %s: %s", p.ToolCallID, p.Message)
	case *eventlog.UserRejectData:
		return fmt.Sprintf("[rejected] %s: %s", p.ToolCallID, p.Reason)
	case *eventlog.SystemPromptData:
		return "[system prompt omitted]"
	default:
		return fmt.Sprintf("[%s]", e.Kind)
	}
}

// View returns the LLM-convertible events with any live Condensation
// applied: events strictly between the condensation's protected prefix and
// its forgotten set are replaced by a single synthetic Message carrying the
// summary text. Only the most recent Condensation is considered live, per
// spec §4.2 step 1 ("apply any live Condensation").
func View(events []eventlog.Event) []eventlog.Event {
	var latest *eventlog.Event
	for i := range events {
		if events[i].Kind == eventlog.KindCondensation {
			latest = &events[i]
		}
	}
	if latest == nil {
		return convertibleEvents(events)
	}

	cd := latest.Payload.(*eventlog.CondensationData)
	forgotten := make(map[string]bool, len(cd.ForgottenEventIDs))
	for _, id := range cd.ForgottenEventIDs {
		forgotten[id] = true
	}

	out := make([]eventlog.Event, 0, len(events))
	summaryInserted := false
	for _, e := range events {
		if e.Kind == eventlog.KindStateUpdate || e.Kind == eventlog.KindPauseRequested || e.Kind == eventlog.KindCondensation {
			continue
		}
		if forgotten[e.ID] {
			if !summaryInserted {
				out = append(out, eventlog.Event{
					ID:        latest.ID,
					Order:     latest.Order,
					Kind:      eventlog.KindMessage,
					Timestamp: latest.Timestamp,
					Payload:   &eventlog.MessageData{Role: eventlog.RoleUser, Content: "Summary of earlier conversation: " + cd.Summary},
				})
				summaryInserted = true
			}
			continue
		}
		out = append(out, e)
	}
	return out
}
