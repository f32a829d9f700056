package canary

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/upb/model-gateway/services/metrics"
)

func window(requests int64, errorRate, avgLatency, p95 float64) metrics.MetricWindow {
	return metrics.MetricWindow{
		Requests:     requests,
		ErrorRate:    errorRate,
		SuccessRate:  1 - errorRate,
		AvgLatencyMs: avgLatency,
		P95LatencyMs: p95,
		QualityScore: 1,
	}
}

func TestDecide(t *testing.T) {
	baseline := window(5000, 0.05, 400, 900)

	tests := []struct {
		name     string
		canary   metrics.MetricWindow
		baseline metrics.MetricWindow
		mutate   func(*Thresholds)
		verdict  Verdict
		reasons  []string
	}{
		{
			name:     "small sample always holds",
			canary:   window(10, 0.9, 5000, 9000),
			baseline: baseline,
			verdict:  VerdictHold,
			reasons:  []string{ReasonInsufficientSample},
		},
		{
			name:     "empty baseline holds",
			canary:   window(100, 0.01, 100, 200),
			baseline: metrics.MetricWindow{},
			verdict:  VerdictHold,
			reasons:  []string{ReasonInsufficientBaselineData},
		},
		{
			name:     "error rate regression rolls back",
			canary:   window(100, 0.10, 400, 900),
			baseline: baseline,
			verdict:  VerdictRollback,
			reasons:  []string{ReasonErrorRateRegression},
		},
		{
			name:     "latency regression rolls back",
			canary:   window(100, 0.05, 400, 1400),
			baseline: baseline,
			verdict:  VerdictRollback,
			reasons:  []string{ReasonLatencyRegression},
		},
		{
			name:     "both regressions are reported",
			canary:   window(100, 0.2, 400, 2000),
			baseline: baseline,
			verdict:  VerdictRollback,
			reasons:  []string{ReasonErrorRateRegression, ReasonLatencyRegression},
		},
		{
			name:     "latency rule skipped without baseline p95",
			canary:   window(100, 0.05, 400, 5000),
			baseline: window(5000, 0.05, 400, 0),
			verdict:  VerdictHold,
			reasons:  []string{ReasonWithinTolerance},
		},
		{
			name:     "healthy canary with enough traffic promotes",
			canary:   window(201, 0.05, 450, 950),
			baseline: baseline,
			verdict:  VerdictPromote,
			reasons:  []string{ReasonHealthyCanary},
		},
		{
			name:     "exactly the promote sample size holds",
			canary:   window(200, 0.05, 450, 950),
			baseline: baseline,
			verdict:  VerdictHold,
			reasons:  []string{ReasonWithinTolerance},
		},
		{
			name:     "slower average latency holds",
			canary:   window(500, 0.05, 500, 950),
			baseline: baseline,
			verdict:  VerdictHold,
			reasons:  []string{ReasonWithinTolerance},
		},
		{
			name:     "error rate between promote and rollback tolerance holds",
			canary:   window(500, 0.06, 400, 900),
			baseline: baseline,
			verdict:  VerdictHold,
			reasons:  []string{ReasonWithinTolerance},
		},
		{
			name:     "missing baseline latency never promotes",
			canary:   metrics.MetricWindow{Requests: 500, ErrorRate: 0.01, AvgLatencyMs: 9000, P95LatencyMs: 20000},
			baseline: metrics.MetricWindow{Requests: 5000, ErrorRate: 0.01},
			verdict:  VerdictHold,
			reasons:  []string{ReasonInsufficientBaselineLatency},
		},
		{
			name:     "degraded baseline window with only traffic holds",
			canary:   window(500, 0.05, 450, 950),
			baseline: metrics.MetricWindow{Requests: 5000, ErrorRate: 0.05, SuccessRate: 0.95},
			verdict:  VerdictHold,
			reasons:  []string{ReasonInsufficientBaselineLatency},
		},
		{
			name:     "quality gate blocks promotion when enabled",
			canary:   metrics.MetricWindow{Requests: 500, ErrorRate: 0.05, AvgLatencyMs: 400, P95LatencyMs: 900, QualityScore: 0.5},
			baseline: baseline,
			mutate:   func(t *Thresholds) { t.MinQualityScore = 0.8 },
			verdict:  VerdictHold,
			reasons:  []string{ReasonQualityBelowMinimum},
		},
		{
			name:     "placeholder quality is ignored by default",
			canary:   metrics.MetricWindow{Requests: 500, ErrorRate: 0.05, AvgLatencyMs: 400, P95LatencyMs: 900},
			baseline: baseline,
			verdict:  VerdictPromote,
			reasons:  []string{ReasonHealthyCanary},
		},
		{
			name:     "cost gate blocks promotion when enabled",
			canary:   metrics.MetricWindow{Requests: 500, ErrorRate: 0.05, AvgLatencyMs: 400, P95LatencyMs: 900, AvgCost: 0.03},
			baseline: metrics.MetricWindow{Requests: 5000, ErrorRate: 0.05, AvgLatencyMs: 400, P95LatencyMs: 900, AvgCost: 0.01},
			mutate:   func(t *Thresholds) { t.MaxCostMultiplier = 2 },
			verdict:  VerdictHold,
			reasons:  []string{ReasonCostAboveLimit},
		},
		{
			name:     "custom multiplier",
			canary:   window(100, 0.07, 400, 900),
			baseline: baseline,
			mutate:   func(t *Thresholds) { t.RollbackErrorMultiplier = 1.2 },
			verdict:  VerdictRollback,
			reasons:  []string{ReasonErrorRateRegression},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := DefaultThresholds()
			if tt.mutate != nil {
				tt.mutate(&th)
			}
			verdict, reasons := Decide(tt.canary, tt.baseline, th)
			assert.Equal(t, tt.verdict, verdict)
			assert.Equal(t, tt.reasons, reasons)
		})
	}
}

func TestThresholdSet_For(t *testing.T) {
	set := ThresholdSet{
		Default:  Thresholds{MinSampleSize: 50},
		Families: map[string]Thresholds{"chat": {PromotionStep: 0.25}},
	}

	d := set.For("embeddings")
	assert.Equal(t, int64(50), d.MinSampleSize)
	assert.Equal(t, 1.5, d.RollbackErrorMultiplier)

	chat := set.For("chat")
	assert.Equal(t, 0.25, chat.PromotionStep)
	assert.Equal(t, int64(30), chat.MinSampleSize)
}
