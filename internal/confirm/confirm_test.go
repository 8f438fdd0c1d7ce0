package confirm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/jasontan/agent-sdk/internal/eventlog"
)

func TestConfirmRisky(t *testing.T) {
	policy := ConfirmRisky{Threshold: RiskMedium}

	assert.Equal(t, DecisionAllow, policy.Decide(RiskLow, eventlog.ActionData{ToolName: "bash"}))
	assert.Equal(t, DecisionRequireConfirmation, policy.Decide(RiskMedium, eventlog.ActionData{ToolName: "bash"}))
	assert.Equal(t, DecisionRequireConfirmation, policy.Decide(RiskHigh, eventlog.ActionData{ToolName: "bash"}))
	assert.Equal(t, DecisionRequireConfirmation, policy.Decide(RiskUnknown, eventlog.ActionData{ToolName: "bash"}))
}

func TestConfirmRiskyAlwaysAllowsFinish(t *testing.T) {
	policy := ConfirmRisky{Threshold: RiskLow}
	assert.Equal(t, DecisionAllow, policy.Decide(RiskHigh, eventlog.ActionData{ToolName: "finish"}))
}

func TestAlwaysConfirm(t *testing.T) {
	var p AlwaysConfirm
	assert.Equal(t, DecisionRequireConfirmation, p.Decide(RiskLow, eventlog.ActionData{ToolName: "bash"}))
	assert.Equal(t, DecisionAllow, p.Decide(RiskHigh, eventlog.ActionData{ToolName: "finish"}))
}

func TestNeverConfirm(t *testing.T) {
	var p NeverConfirm
	assert.Equal(t, DecisionAllow, p.Decide(RiskHigh, eventlog.ActionData{ToolName: "bash"}))
}

func TestNewGraySwanAnalyzerValidatesThresholds(t *testing.T) {
	_, err := NewGraySwanAnalyzer("key", "policy", 0.5, 0.2)
	assert.Error(t, err)

	a, err := NewGraySwanAnalyzer("key", "policy", 0.2, 0.5)
	assert.NoError(t, err)
	assert.Equal(t, 0.2, a.LowThreshold)
}
