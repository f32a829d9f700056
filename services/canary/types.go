package canary

import (
	"time"

	"github.com/upb/model-gateway/services/metrics"
)

// Verdict is the outcome of one canary evaluation.
type Verdict string

const (
	VerdictPromote  Verdict = "promote"
	VerdictHold     Verdict = "hold"
	VerdictRollback Verdict = "rollback"
)

// Reasons attached to evaluations, in the order the rules run.
const (
	ReasonInsufficientSample          = "insufficient_sample"
	ReasonInsufficientBaselineData    = "insufficient_baseline_data"
	ReasonErrorRateRegression         = "error_rate_regression"
	ReasonLatencyRegression           = "latency_regression"
	ReasonInsufficientBaselineLatency = "insufficient_baseline_latency"
	ReasonQualityBelowMinimum         = "quality_below_minimum"
	ReasonCostAboveLimit              = "cost_above_limit"
	ReasonHealthyCanary               = "healthy_canary"
	ReasonWithinTolerance             = "within_tolerance"
	ReasonNoWeightToShift             = "no_weight_to_shift"
)

// Thresholds tune the decision rules for one model family.
type Thresholds struct {
	MinSampleSize             int64         `json:"minSampleSize"`
	PromoteSampleSize         int64         `json:"promoteSampleSize"`
	RollbackErrorMultiplier   float64       `json:"rollbackErrorMultiplier"`
	RollbackLatencyMultiplier float64       `json:"rollbackLatencyMultiplier"`
	PromoteErrorMultiplier    float64       `json:"promoteErrorMultiplier"`
	PromoteLatencyMultiplier  float64       `json:"promoteLatencyMultiplier"`
	PromotionStep             float64       `json:"promotionStep"`
	Window                    time.Duration `json:"window"`

	// Quality and cost gates only apply when set. Until a real quality or
	// cost signal exists they stay at zero and promotion ignores both fields.
	MinQualityScore   float64 `json:"minQualityScore,omitempty"`
	MaxCostMultiplier float64 `json:"maxCostMultiplier,omitempty"`
}

// DefaultThresholds returns the stock rule parameters.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinSampleSize:             30,
		PromoteSampleSize:         200,
		RollbackErrorMultiplier:   1.5,
		RollbackLatencyMultiplier: 1.5,
		PromoteErrorMultiplier:    1.1,
		PromoteLatencyMultiplier:  1.2,
		PromotionStep:             0.1,
		Window:                    10 * time.Minute,
	}
}

// withDefaults fills unset fields from DefaultThresholds.
func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.MinSampleSize <= 0 {
		t.MinSampleSize = d.MinSampleSize
	}
	if t.PromoteSampleSize <= 0 {
		t.PromoteSampleSize = d.PromoteSampleSize
	}
	if t.RollbackErrorMultiplier <= 0 {
		t.RollbackErrorMultiplier = d.RollbackErrorMultiplier
	}
	if t.RollbackLatencyMultiplier <= 0 {
		t.RollbackLatencyMultiplier = d.RollbackLatencyMultiplier
	}
	if t.PromoteErrorMultiplier <= 0 {
		t.PromoteErrorMultiplier = d.PromoteErrorMultiplier
	}
	if t.PromoteLatencyMultiplier <= 0 {
		t.PromoteLatencyMultiplier = d.PromoteLatencyMultiplier
	}
	if t.PromotionStep <= 0 || t.PromotionStep > 1 {
		t.PromotionStep = d.PromotionStep
	}
	if t.Window <= 0 {
		t.Window = d.Window
	}
	return t
}

// ThresholdSet holds the default thresholds and per-family overrides.
type ThresholdSet struct {
	Default  Thresholds
	Families map[string]Thresholds
}

// For returns the thresholds that apply to family.
func (s ThresholdSet) For(family string) Thresholds {
	if t, ok := s.Families[family]; ok {
		return t.withDefaults()
	}
	return s.Default.withDefaults()
}

// Evaluation records one comparison of a canary against its baseline.
type Evaluation struct {
	ID             string               `json:"id"`
	Family         string               `json:"family"`
	CanaryID       string               `json:"canaryId"`
	BaselineID     string               `json:"baselineId"`
	Verdict        Verdict              `json:"verdict"`
	Reasons        []string             `json:"reasons"`
	CanaryWindow   metrics.MetricWindow `json:"canaryWindow"`
	BaselineWindow metrics.MetricWindow `json:"baselineWindow"`
	EvaluatedAt    time.Time            `json:"evaluatedAt"`
	// Applied is true when the verdict's weight change was committed.
	Applied bool `json:"applied"`
}

// Pair names a canary and the baseline it is compared against.
type Pair struct {
	CanaryID   string `json:"canaryId"`
	BaselineID string `json:"baselineId"`
}
