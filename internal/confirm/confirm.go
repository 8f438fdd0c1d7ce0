// Package confirm implements the two orthogonal gates evaluated before
// executing any agent action: a SecurityAnalyzer that scores risk, and a
// ConfirmationPolicy that maps a risk score plus the action itself to an
// allow/require-confirmation/reject decision.
package confirm

import (
	"context"
	"fmt"

	"github.com/jasontan/agent-sdk/internal/eventlog"
)

// Risk is the four-value security risk lattice an analyzer assigns to an
// action: LOW < MEDIUM < HIGH, plus UNKNOWN for "could not be determined".
type Risk string

const (
	RiskLow     Risk = "LOW"
	RiskMedium  Risk = "MEDIUM"
	RiskHigh    Risk = "HIGH"
	RiskUnknown Risk = "UNKNOWN"
)

// rank orders risk for threshold comparisons; UNKNOWN ranks above HIGH so a
// ConfirmRisky policy never silently allows an action whose risk could not
// be determined.
func (r Risk) rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	default:
		return 3
	}
}

// SecurityAnalyzer maps an Action plus the conversation's history so far to
// a Risk. It may call out to an LLM or an external policy service and
// should return RiskUnknown rather than an error where the caller would
// otherwise be forced to treat a transport failure as fatal.
type SecurityAnalyzer interface {
	Analyze(ctx context.Context, action eventlog.ActionData, history []eventlog.Event) (Risk, error)
}

// Decision is the outcome of a ConfirmationPolicy evaluation.
type Decision string

const (
	DecisionAllow               Decision = "allow"
	DecisionRequireConfirmation Decision = "require_confirmation"
	DecisionReject              Decision = "reject"
)

// ConfirmationPolicy maps (risk, action) to a Decision.
type ConfirmationPolicy interface {
	Decide(risk Risk, action eventlog.ActionData) Decision
}

// AlwaysConfirm requires confirmation for every action regardless of risk,
// except the built-in finish action (nothing destructive to confirm).
type AlwaysConfirm struct{}

func (AlwaysConfirm) Decide(_ Risk, action eventlog.ActionData) Decision {
	if action.ToolName == "finish" {
		return DecisionAllow
	}
	return DecisionRequireConfirmation
}

// NeverConfirm allows every action unconditionally. This is the default for
// headless/non-interactive runs.
type NeverConfirm struct{}

func (NeverConfirm) Decide(Risk, eventlog.ActionData) Decision { return DecisionAllow }

// ConfirmRisky requires confirmation only when the assessed risk is at or
// above Threshold; anything below is allowed outright.
type ConfirmRisky struct {
	Threshold Risk
}

func (c ConfirmRisky) Decide(risk Risk, action eventlog.ActionData) Decision {
	if action.ToolName == "finish" {
		return DecisionAllow
	}
	if risk.rank() >= c.Threshold.rank() {
		return DecisionRequireConfirmation
	}
	return DecisionAllow
}

// completer is the minimal LLM surface LLMSecurityAnalyzer needs; it is
// satisfied by provider.Provider but declared narrowly here to avoid an
// import cycle (provider does not, and should not, depend on confirm).
type completer interface {
	CompleteText(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// LLMSecurityAnalyzer asks an LLM to classify the risk of an action given
// the conversation history, expecting a one-word risk label back.
type LLMSecurityAnalyzer struct {
	LLM completer
}

const securityAnalyzerPrompt = `You are a security risk classifier for an autonomous coding agent. ` +
	`Given the action the agent is about to take and the recent conversation history, ` +
	`respond with exactly one word: LOW, MEDIUM, or HIGH.`

func (a *LLMSecurityAnalyzer) Analyze(ctx context.Context, action eventlog.ActionData, history []eventlog.Event) (Risk, error) {
	prompt := fmt.Sprintf("Action: %s\nArguments: %s\n", action.ToolName, string(action.Arguments))
	reply, err := a.LLM.CompleteText(ctx, securityAnalyzerPrompt, prompt)
	if err != nil {
		return RiskUnknown, nil
	}
	switch normalizeRiskWord(reply) {
	case "LOW":
		return RiskLow, nil
	case "MEDIUM":
		return RiskMedium, nil
	case "HIGH":
		return RiskHigh, nil
	default:
		return RiskUnknown, nil
	}
}

func normalizeRiskWord(s string) string {
	upper := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		if c >= 'A' && c <= 'Z' {
			upper = append(upper, c)
		} else if len(upper) > 0 {
			break
		}
	}
	return string(upper)
}

