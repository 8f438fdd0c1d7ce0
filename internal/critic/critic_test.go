package critic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShouldContinueBelowThreshold(t *testing.T) {
	cfg := IterativeRefinementConfig{SuccessThreshold: 0.8, MaxIterations: 2}

	assert.True(t, cfg.ShouldContinue(Result{Score: 0.5}, 0))
	assert.True(t, cfg.ShouldContinue(Result{Score: 0.5}, 1))
	assert.False(t, cfg.ShouldContinue(Result{Score: 0.5}, 2), "must stop once max iterations reached")
}

func TestShouldContinueAboveThreshold(t *testing.T) {
	cfg := IterativeRefinementConfig{SuccessThreshold: 0.8, MaxIterations: 3}
	assert.False(t, cfg.ShouldContinue(Result{Score: 0.9}, 0), "a satisfying score never triggers refinement")
}

func TestPassThroughNeverRefines(t *testing.T) {
	cfg := IterativeRefinementConfig{SuccessThreshold: 0.99, MaxIterations: 5}
	var p PassThrough
	result, err := p.Evaluate(nil, nil, nil)
	assert.NoError(t, err)
	assert.False(t, cfg.ShouldContinue(result, 0))
	assert.Equal(t, ModeFinishAndMessage, p.Mode())
}

func TestFollowUpPromptIncludesMessage(t *testing.T) {
	prompt := FollowUpPrompt(Result{Message: "missed the edge case"})
	assert.Contains(t, prompt, "missed the edge case")
}
