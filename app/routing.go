package app

import (
	"github.com/upb/model-gateway/config"
	"github.com/upb/model-gateway/internal/breaker"
	"github.com/upb/model-gateway/internal/registry"
	"github.com/upb/model-gateway/services/canary"
	"github.com/upb/model-gateway/services/dispatch"
)

// endpointsFrom converts the routing file's endpoint table.
func endpointsFrom(rc *config.RoutingConfig) []registry.ModelEndpoint {
	eps := make([]registry.ModelEndpoint, 0, len(rc.Endpoints))
	for _, e := range rc.Endpoints {
		eps = append(eps, registry.ModelEndpoint{
			ID:       e.ResolvedID(),
			Family:   e.Family,
			Provider: e.Provider,
			ModelID:  e.ModelID,
			Version:  e.Version,
			IsCanary: e.Canary,
			Weight:   e.Weight,
			Status:   registry.Status(e.Status),
		})
	}
	return eps
}

func breakerSettingsFrom(c config.CircuitConfig) breaker.Settings {
	s := breaker.DefaultSettings()
	if c.FailureThreshold > 0 {
		s.FailureThreshold = c.FailureThreshold
	}
	if c.OpenTimeout > 0 {
		s.OpenTimeout = c.OpenTimeout
	}
	return s
}

// policyFrom overlays the retry section on the default policy. Zero
// durations and jitter mean unset.
func policyFrom(c config.RetryConfig) dispatch.Policy {
	p := dispatch.DefaultPolicy()
	if c.MaxRetries != nil {
		p.MaxRetries = *c.MaxRetries
	}
	if c.BackoffBase > 0 {
		p.BackoffBase = c.BackoffBase
	}
	if c.Jitter > 0 {
		p.Jitter = c.Jitter
	}
	if c.RequestTimeout > 0 {
		p.RequestTimeout = c.RequestTimeout
	}
	if c.AttemptTimeout > 0 {
		p.AttemptTimeout = c.AttemptTimeout
	}
	return p
}

// thresholdsFrom builds the evaluator thresholds. Family overrides inherit
// unset fields from the file's defaults, which inherit from the stock ones.
func thresholdsFrom(c config.CanaryConfig) canary.ThresholdSet {
	set := canary.ThresholdSet{
		Default:  overlay(canary.DefaultThresholds(), c.Defaults),
		Families: make(map[string]canary.Thresholds, len(c.Families)),
	}
	for family, t := range c.Families {
		set.Families[family] = overlay(set.Default, t)
	}
	return set
}

func overlay(base canary.Thresholds, c config.ThresholdConfig) canary.Thresholds {
	if c.MinSampleSize > 0 {
		base.MinSampleSize = c.MinSampleSize
	}
	if c.PromoteSampleSize > 0 {
		base.PromoteSampleSize = c.PromoteSampleSize
	}
	if c.RollbackErrorMultiplier > 0 {
		base.RollbackErrorMultiplier = c.RollbackErrorMultiplier
	}
	if c.RollbackLatencyMultiplier > 0 {
		base.RollbackLatencyMultiplier = c.RollbackLatencyMultiplier
	}
	if c.PromoteErrorMultiplier > 0 {
		base.PromoteErrorMultiplier = c.PromoteErrorMultiplier
	}
	if c.PromoteLatencyMultiplier > 0 {
		base.PromoteLatencyMultiplier = c.PromoteLatencyMultiplier
	}
	if c.PromotionStep > 0 {
		base.PromotionStep = c.PromotionStep
	}
	if c.Window > 0 {
		base.Window = c.Window
	}
	if c.MinQualityScore > 0 {
		base.MinQualityScore = c.MinQualityScore
	}
	if c.MaxCostMultiplier > 0 {
		base.MaxCostMultiplier = c.MaxCostMultiplier
	}
	return base
}
