package canary

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/upb/model-gateway/internal/canonical"
	"github.com/upb/model-gateway/internal/observability"
	"github.com/upb/model-gateway/internal/registry"
	"github.com/upb/model-gateway/services/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// EndpointStore is the part of the registry the evaluator reads and mutates.
type EndpointStore interface {
	Get(id string) (registry.ModelEndpoint, error)
	Apply(changes ...registry.Change) error
}

// Recorder receives every evaluation after its verdict has been applied.
type Recorder interface {
	RecordEvaluation(ctx context.Context, eval *Evaluation)
}

// Evaluator compares a canary with its baseline and moves traffic
// accordingly.
type Evaluator struct {
	store    EndpointStore
	provider metrics.Provider
	recorder Recorder
	meter    observability.Metrics
	logger   observability.Logger

	thresholds atomic.Pointer[ThresholdSet]
	now        func() time.Time
	newID      func() string
}

// NewEvaluator creates an evaluator. recorder and meter may be nil.
func NewEvaluator(
	store EndpointStore,
	provider metrics.Provider,
	recorder Recorder,
	meter observability.Metrics,
	logger observability.Logger,
	thresholds ThresholdSet,
) *Evaluator {
	if meter == nil {
		meter = observability.NopMetrics{}
	}
	e := &Evaluator{
		store:    store,
		provider: provider,
		recorder: recorder,
		meter:    meter,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	e.SetThresholds(thresholds)
	return e
}

// SetThresholds replaces the thresholds used by subsequent evaluations.
func (e *Evaluator) SetThresholds(set ThresholdSet) {
	families := make(map[string]Thresholds, len(set.Families))
	for k, v := range set.Families {
		families[k] = v
	}
	set.Families = families
	e.thresholds.Store(&set)
}

// Thresholds returns the threshold set currently in effect.
func (e *Evaluator) Thresholds() ThresholdSet {
	return *e.thresholds.Load()
}

// Evaluate fetches both metric windows, decides, and applies the verdict to
// the registry. The evaluation is returned even when applying fails.
func (e *Evaluator) Evaluate(ctx context.Context, canaryID, baselineID string) (*Evaluation, error) {
	canary, baseline, err := e.resolve(canaryID, baselineID)
	if err != nil {
		return nil, err
	}

	t := e.Thresholds().For(canary.Family)
	now := e.now()
	since := now.Add(-t.Window)

	var canaryWindow, baselineWindow metrics.MetricWindow
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w, err := e.provider.GetMetrics(gctx, canary.ID, since, true)
		if err != nil {
			return fmt.Errorf("failed to get canary metrics: %w", err)
		}
		canaryWindow = w
		return nil
	})
	g.Go(func() error {
		w, err := e.provider.GetMetrics(gctx, baseline.ID, since, false)
		if err != nil {
			return fmt.Errorf("failed to get baseline metrics: %w", err)
		}
		baselineWindow = w
		return nil
	})
	if err := g.Wait(); err != nil {
		e.logger.Error(ctx, "canary evaluation aborted",
			zap.String("canary_id", canary.ID),
			zap.String("baseline_id", baseline.ID),
			zap.Error(err))
		return nil, err
	}

	verdict, reasons := Decide(canaryWindow, baselineWindow, t)
	eval := &Evaluation{
		ID:             e.newID(),
		Family:         canary.Family,
		CanaryID:       canary.ID,
		BaselineID:     baseline.ID,
		Verdict:        verdict,
		Reasons:        reasons,
		CanaryWindow:   canaryWindow,
		BaselineWindow: baselineWindow,
		EvaluatedAt:    now,
	}

	applyErr := e.apply(eval, t)

	e.logger.Info(ctx, "canary evaluated",
		zap.String("evaluation_id", eval.ID),
		zap.String("family", eval.Family),
		zap.String("canary_id", eval.CanaryID),
		zap.String("baseline_id", eval.BaselineID),
		zap.String("verdict", string(eval.Verdict)),
		zap.Strings("reasons", eval.Reasons),
		zap.Bool("applied", eval.Applied),
		zap.Any("canary_window", eval.CanaryWindow),
		zap.Any("baseline_window", eval.BaselineWindow))
	e.meter.RecordEvaluation(eval.Family, string(eval.Verdict))
	if e.recorder != nil {
		e.recorder.RecordEvaluation(ctx, eval)
	}

	if applyErr != nil {
		e.logger.Error(ctx, "failed to apply canary verdict",
			zap.String("evaluation_id", eval.ID),
			zap.Error(applyErr))
		return eval, applyErr
	}
	return eval, nil
}

func (e *Evaluator) resolve(canaryID, baselineID string) (registry.ModelEndpoint, registry.ModelEndpoint, error) {
	var none registry.ModelEndpoint
	if canaryID == "" || baselineID == "" {
		return none, none, canonical.New(canonical.KindValidation, "canary and baseline ids are required")
	}
	if canaryID == baselineID {
		return none, none, canonical.New(canonical.KindValidation, "canary and baseline must be different endpoints")
	}
	canary, err := e.store.Get(canaryID)
	if err != nil {
		return none, none, err
	}
	baseline, err := e.store.Get(baselineID)
	if err != nil {
		return none, none, err
	}
	if canary.Family != baseline.Family {
		return none, none, canonical.Newf(canonical.KindValidation,
			"canary %q and baseline %q belong to different families", canaryID, baselineID)
	}
	return canary, baseline, nil
}

// apply commits the weight change for eval's verdict. Weights are re-read
// so the change is computed against the latest table.
func (e *Evaluator) apply(eval *Evaluation, t Thresholds) error {
	if eval.Verdict == VerdictHold {
		return nil
	}

	canary, err := e.store.Get(eval.CanaryID)
	if err != nil {
		return err
	}
	baseline, err := e.store.Get(eval.BaselineID)
	if err != nil {
		return err
	}

	var changes []registry.Change
	switch eval.Verdict {
	case VerdictRollback:
		draining := registry.StatusDraining
		zero := 0.0
		changes = []registry.Change{
			{ID: canary.ID, Weight: &zero, Status: &draining},
			registry.SetWeightChange(baseline.ID, round(math.Min(baseline.Weight+canary.Weight, 1))),
		}
	case VerdictPromote:
		delta := math.Min(t.PromotionStep, math.Min(1-canary.Weight, baseline.Weight))
		if delta <= 1e-9 {
			eval.Reasons = append(eval.Reasons, ReasonNoWeightToShift)
			return nil
		}
		changes = []registry.Change{
			registry.SetWeightChange(canary.ID, round(canary.Weight+delta)),
			registry.SetWeightChange(baseline.ID, round(math.Max(baseline.Weight-delta, 0))),
		}
	}

	if err := e.store.Apply(changes...); err != nil {
		return err
	}
	eval.Applied = true
	return nil
}

// round trims float noise so repeated promotions do not drift.
func round(w float64) float64 {
	return math.Round(w*1e6) / 1e6
}
