package confirm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jasontan/agent-sdk/internal/eventlog"
)

// GraySwanAnalyzer calls an external policy API that scores an action's
// violation probability in [0,1]; the score is mapped through two
// configurable thresholds into LOW/MEDIUM/HIGH. An "ipi" (indirect prompt
// injection) flag in the response forces HIGH regardless of the score. Any
// transport or decode failure degrades to RiskUnknown rather than failing
// the step — per spec §4.5, a policy-service outage must not block the
// agent from reasoning about risk, it should just stop being informative.
type GraySwanAnalyzer struct {
	APIKey     string
	PolicyID   string
	BaseURL    string // defaults to https://api.grayswan.ai
	HTTPClient *http.Client

	// LowThreshold and MediumThreshold partition [0,1] into LOW (< Low),
	// MEDIUM (< Medium), HIGH (>= Medium). Must satisfy Low < Medium.
	LowThreshold    float64
	MediumThreshold float64
}

// NewGraySwanAnalyzer constructs a GraySwanAnalyzer, validating that the
// threshold ordering invariant (low < medium) holds.
func NewGraySwanAnalyzer(apiKey, policyID string, low, medium float64) (*GraySwanAnalyzer, error) {
	if !(low < medium) {
		return nil, fmt.Errorf("grayswan: low threshold %v must be less than medium threshold %v", low, medium)
	}
	return &GraySwanAnalyzer{
		APIKey:          apiKey,
		PolicyID:        policyID,
		BaseURL:         "https://api.grayswan.ai",
		HTTPClient:      &http.Client{Timeout: 10 * time.Second},
		LowThreshold:    low,
		MediumThreshold: medium,
	}, nil
}

type graySwanRequest struct {
	PolicyID  string          `json:"policy_id"`
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments"`
}

type graySwanResponse struct {
	Violation float64 `json:"violation"`
	IPI       bool    `json:"ipi"`
}

func (a *GraySwanAnalyzer) Analyze(ctx context.Context, action eventlog.ActionData, _ []eventlog.Event) (Risk, error) {
	body, err := json.Marshal(graySwanRequest{
		PolicyID:  a.PolicyID,
		ToolName:  action.ToolName,
		Arguments: action.Arguments,
	})
	if err != nil {
		return RiskUnknown, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/v1/analyze", bytes.NewReader(body))
	if err != nil {
		return RiskUnknown, nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.APIKey)

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return RiskUnknown, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return RiskUnknown, nil
	}

	var parsed graySwanResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return RiskUnknown, nil
	}

	if parsed.IPI {
		return RiskHigh, nil
	}
	switch {
	case parsed.Violation < a.LowThreshold:
		return RiskLow, nil
	case parsed.Violation < a.MediumThreshold:
		return RiskMedium, nil
	default:
		return RiskHigh, nil
	}
}
