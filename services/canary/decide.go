package canary

import "github.com/upb/model-gateway/services/metrics"

// Decide applies the rollout rules in order; the first rule that fires
// determines the verdict.
func Decide(canary, baseline metrics.MetricWindow, t Thresholds) (Verdict, []string) {
	t = t.withDefaults()

	if canary.Requests < t.MinSampleSize {
		return VerdictHold, []string{ReasonInsufficientSample}
	}
	if baseline.IsEmpty() {
		return VerdictHold, []string{ReasonInsufficientBaselineData}
	}

	var regressions []string
	if canary.ErrorRate > baseline.ErrorRate*t.RollbackErrorMultiplier {
		regressions = append(regressions, ReasonErrorRateRegression)
	}
	if baseline.P95LatencyMs > 0 && canary.P95LatencyMs > baseline.P95LatencyMs*t.RollbackLatencyMultiplier {
		regressions = append(regressions, ReasonLatencyRegression)
	}
	if len(regressions) > 0 {
		return VerdictRollback, regressions
	}

	if canary.Requests > t.PromoteSampleSize &&
		canary.ErrorRate <= baseline.ErrorRate*t.PromoteErrorMultiplier {
		// Promotion needs a latency to compare against.
		if baseline.AvgLatencyMs <= 0 {
			return VerdictHold, []string{ReasonInsufficientBaselineLatency}
		}
		if canary.AvgLatencyMs > baseline.AvgLatencyMs*t.PromoteLatencyMultiplier {
			return VerdictHold, []string{ReasonWithinTolerance}
		}
		if t.MinQualityScore > 0 && canary.QualityScore < t.MinQualityScore {
			return VerdictHold, []string{ReasonQualityBelowMinimum}
		}
		if t.MaxCostMultiplier > 0 && baseline.AvgCost > 0 && canary.AvgCost > baseline.AvgCost*t.MaxCostMultiplier {
			return VerdictHold, []string{ReasonCostAboveLimit}
		}
		return VerdictPromote, []string{ReasonHealthyCanary}
	}

	return VerdictHold, []string{ReasonWithinTolerance}
}
