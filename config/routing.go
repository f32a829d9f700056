package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/upb/model-gateway/internal/registry"
	"gopkg.in/yaml.v3"
)

var routingValidator = validator.New()

// RoutingConfig is the YAML routing file: endpoint table, breaker and retry
// settings, and canary thresholds.
type RoutingConfig struct {
	Endpoints []EndpointConfig `yaml:"endpoints" validate:"required,min=1,dive"`
	Circuit   CircuitConfig    `yaml:"circuit"`
	Retry     RetryConfig      `yaml:"retry"`
	Canary    CanaryConfig     `yaml:"canary"`
}

// EndpointConfig declares one endpoint. ID defaults to provider/modelId@version.
type EndpointConfig struct {
	ID       string  `yaml:"id"`
	Family   string  `yaml:"family" validate:"required"`
	Provider string  `yaml:"provider" validate:"required"`
	ModelID  string  `yaml:"modelId" validate:"required"`
	Version  string  `yaml:"version"`
	Canary   bool    `yaml:"canary"`
	Weight   float64 `yaml:"weight" validate:"gte=0,lte=1"`
	Status   string  `yaml:"status" validate:"omitempty,oneof=active draining disabled"`
	// Baseline pins a canary to the endpoint it is compared against.
	Baseline string `yaml:"baseline"`
}

// ResolvedID returns the explicit id or the default one.
func (e EndpointConfig) ResolvedID() string {
	if e.ID != "" {
		return e.ID
	}
	return registry.EndpointID(e.Provider, e.ModelID, e.Version)
}

// CircuitConfig configures the per-endpoint breakers.
type CircuitConfig struct {
	FailureThreshold uint32        `yaml:"failureThreshold" validate:"omitempty,min=1"`
	OpenTimeout      time.Duration `yaml:"openTimeout" validate:"gte=0"`
}

// RetryConfig configures dispatch retries. Unset fields keep their defaults.
type RetryConfig struct {
	MaxRetries     *int          `yaml:"maxRetries" validate:"omitempty,gte=0,lte=10"`
	BackoffBase    time.Duration `yaml:"backoffBase" validate:"gte=0"`
	Jitter         float64       `yaml:"jitter" validate:"gte=0,lt=1"`
	RequestTimeout time.Duration `yaml:"requestTimeout" validate:"gte=0"`
	AttemptTimeout time.Duration `yaml:"attemptTimeout" validate:"gte=0"`
}

// CanaryConfig holds the evaluation interval and thresholds.
type CanaryConfig struct {
	Interval time.Duration              `yaml:"interval" validate:"gte=0"`
	Defaults ThresholdConfig            `yaml:"defaults"`
	Families map[string]ThresholdConfig `yaml:"families" validate:"dive"`
}

// ThresholdConfig mirrors the evaluator thresholds. Zero fields fall back to
// the defaults.
type ThresholdConfig struct {
	MinSampleSize             int64         `yaml:"minSampleSize" validate:"gte=0"`
	PromoteSampleSize         int64         `yaml:"promoteSampleSize" validate:"gte=0"`
	RollbackErrorMultiplier   float64       `yaml:"rollbackErrorMultiplier" validate:"gte=0"`
	RollbackLatencyMultiplier float64       `yaml:"rollbackLatencyMultiplier" validate:"gte=0"`
	PromoteErrorMultiplier    float64       `yaml:"promoteErrorMultiplier" validate:"gte=0"`
	PromoteLatencyMultiplier  float64       `yaml:"promoteLatencyMultiplier" validate:"gte=0"`
	PromotionStep             float64       `yaml:"promotionStep" validate:"gte=0,lte=1"`
	Window                    time.Duration `yaml:"window" validate:"gte=0"`
	MinQualityScore           float64       `yaml:"minQualityScore" validate:"gte=0,lte=1"`
	MaxCostMultiplier         float64       `yaml:"maxCostMultiplier" validate:"gte=0"`
}

// Baselines maps canary ids to their pinned baseline ids.
func (c *RoutingConfig) Baselines() map[string]string {
	out := make(map[string]string)
	for _, ep := range c.Endpoints {
		if ep.Canary && ep.Baseline != "" {
			out[ep.ResolvedID()] = ep.Baseline
		}
	}
	return out
}

// LoadRouting reads and validates the routing file at path.
func LoadRouting(path string) (*RoutingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read routing config %s: %w", path, err)
	}
	cfg, err := ParseRouting(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseRouting decodes and validates a routing document. Unknown keys are
// rejected.
func ParseRouting(data []byte) (*RoutingConfig, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg RoutingConfig
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("routing config is empty")
		}
		return nil, fmt.Errorf("failed to parse routing config: %w", err)
	}

	if err := routingValidator.Struct(&cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return nil, fmt.Errorf("invalid routing config: %s", describe(verrs))
		}
		return nil, fmt.Errorf("invalid routing config: %w", err)
	}

	if err := cfg.check(); err != nil {
		return nil, fmt.Errorf("invalid routing config: %w", err)
	}
	return &cfg, nil
}

// check runs the cross-field rules the struct tags cannot express.
func (c *RoutingConfig) check() error {
	byID := make(map[string]EndpointConfig, len(c.Endpoints))
	sums := make(map[string]float64)
	active := make(map[string]int)

	for _, ep := range c.Endpoints {
		id := ep.ResolvedID()
		if _, dup := byID[id]; dup {
			return fmt.Errorf("duplicate endpoint id %q", id)
		}
		byID[id] = ep
		if ep.Status != string(registry.StatusDisabled) {
			sums[ep.Family] += ep.Weight
			active[ep.Family]++
		}
	}

	families := make([]string, 0, len(sums))
	for f := range sums {
		families = append(families, f)
	}
	sort.Strings(families)
	for _, f := range families {
		if active[f] == 0 {
			continue
		}
		if s := sums[f]; s < registry.WeightSumMin || s > registry.WeightSumMax {
			return fmt.Errorf("weights of family %q sum to %.4f, expected between %.2f and %.2f",
				f, s, registry.WeightSumMin, registry.WeightSumMax)
		}
	}

	for _, ep := range c.Endpoints {
		if ep.Baseline == "" {
			continue
		}
		id := ep.ResolvedID()
		if !ep.Canary {
			return fmt.Errorf("endpoint %q sets a baseline but is not a canary", id)
		}
		base, ok := byID[ep.Baseline]
		if !ok {
			return fmt.Errorf("baseline %q of canary %q is not declared", ep.Baseline, id)
		}
		if base.Family != ep.Family {
			return fmt.Errorf("baseline %q of canary %q belongs to family %q", ep.Baseline, id, base.Family)
		}
		if base.Canary {
			return fmt.Errorf("baseline %q of canary %q is itself a canary", ep.Baseline, id)
		}
	}
	return nil
}

func describe(errs validator.ValidationErrors) string {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		field := strings.TrimPrefix(e.Namespace(), "RoutingConfig.")
		if e.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", field, e.Tag(), e.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", field, e.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}
