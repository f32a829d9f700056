package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CanaryEvaluation is the persisted record of one canary evaluation
type CanaryEvaluation struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	Family         string          `json:"family" db:"family"`
	CanaryID       string          `json:"canary_id" db:"canary_id"`
	BaselineID     string          `json:"baseline_id" db:"baseline_id"`
	Verdict        string          `json:"verdict" db:"verdict"`
	Reasons        json.RawMessage `json:"reasons" db:"reasons"`                 // JSONB array of reason codes
	CanaryWindow   json.RawMessage `json:"canary_window" db:"canary_window"`     // JSONB metric window
	BaselineWindow json.RawMessage `json:"baseline_window" db:"baseline_window"` // JSONB metric window
	Applied        bool            `json:"applied" db:"applied"`
	EvaluatedAt    time.Time       `json:"evaluated_at" db:"evaluated_at"`
}

// TableName returns the table name for the CanaryEvaluation model
func (CanaryEvaluation) TableName() string {
	return "canary_evaluations"
}

// NewCanaryEvaluation creates a new CanaryEvaluation instance
func NewCanaryEvaluation(family, canaryID, baselineID, verdict string) *CanaryEvaluation {
	return &CanaryEvaluation{
		ID:          uuid.New(),
		Family:      family,
		CanaryID:    canaryID,
		BaselineID:  baselineID,
		Verdict:     verdict,
		Reasons:     json.RawMessage("[]"),
		EvaluatedAt: time.Now().UTC(),
	}
}

// WithReasons sets the ordered reason codes
func (e *CanaryEvaluation) WithReasons(reasons []string) *CanaryEvaluation {
	if reasons == nil {
		reasons = []string{}
	}
	if data, err := json.Marshal(reasons); err == nil {
		e.Reasons = data
	}
	return e
}

// WithWindows sets the metric windows both sides were judged on
func (e *CanaryEvaluation) WithWindows(canary, baseline interface{}) *CanaryEvaluation {
	if data, err := json.Marshal(canary); err == nil {
		e.CanaryWindow = data
	}
	if data, err := json.Marshal(baseline); err == nil {
		e.BaselineWindow = data
	}
	return e
}

// ReasonList decodes the stored reason codes
func (e *CanaryEvaluation) ReasonList() []string {
	var reasons []string
	if len(e.Reasons) == 0 {
		return reasons
	}
	_ = json.Unmarshal(e.Reasons, &reasons)
	return reasons
}
