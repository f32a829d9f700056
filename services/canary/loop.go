package canary

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/upb/model-gateway/internal/observability"
	"github.com/upb/model-gateway/internal/registry"
	"go.uber.org/zap"
)

// FamilySource enumerates families and their endpoints.
type FamilySource interface {
	Families() []string
	List(family string) []registry.ModelEndpoint
}

// Loop runs the evaluator on a fixed interval, one goroutine per family.
type Loop struct {
	evaluator *Evaluator
	source    FamilySource
	interval  time.Duration
	logger    observability.Logger

	// canary id -> configured baseline id
	baselines atomic.Pointer[map[string]string]
}

// NewLoop creates a control loop. A non-positive interval defaults to 60s.
func NewLoop(evaluator *Evaluator, source FamilySource, interval time.Duration, logger observability.Logger) *Loop {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	l := &Loop{
		evaluator: evaluator,
		source:    source,
		interval:  interval,
		logger:    logger,
	}
	l.SetBaselines(nil)
	return l
}

// SetBaselines pins canaries to explicit baselines. Canaries without an
// entry are compared against the heaviest active non-canary endpoint.
func (l *Loop) SetBaselines(baselines map[string]string) {
	m := make(map[string]string, len(baselines))
	for k, v := range baselines {
		m[k] = v
	}
	l.baselines.Store(&m)
}

// Run blocks until ctx is cancelled. Families that appear after start are
// picked up on the next interval.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info(ctx, "canary control loop started", zap.Duration("interval", l.interval))

	var wg sync.WaitGroup
	running := make(map[string]struct{})
	spawn := func() {
		for _, family := range l.source.Families() {
			if _, ok := running[family]; ok {
				continue
			}
			running[family] = struct{}{}
			wg.Add(1)
			go func(family string) {
				defer wg.Done()
				l.runFamily(ctx, family)
			}(family)
		}
	}

	spawn()
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			l.logger.Info(context.Background(), "canary control loop stopped")
			return nil
		case <-ticker.C:
			spawn()
		}
	}
}

func (l *Loop) runFamily(ctx context.Context, family string) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.EvaluateFamily(ctx, family)
		}
	}
}

// EvaluateFamily evaluates every active canary of family once, in
// configuration order.
func (l *Loop) EvaluateFamily(ctx context.Context, family string) []*Evaluation {
	var out []*Evaluation
	for _, pair := range l.Pairs(family) {
		if ctx.Err() != nil {
			break
		}
		eval, err := l.evaluator.Evaluate(ctx, pair.CanaryID, pair.BaselineID)
		if err != nil {
			l.logger.Warn(ctx, "canary evaluation failed",
				zap.String("family", family),
				zap.String("canary_id", pair.CanaryID),
				zap.Error(err))
		}
		if eval != nil {
			out = append(out, eval)
		}
	}
	return out
}

// Pairs matches each active canary of family with its baseline.
func (l *Loop) Pairs(family string) []Pair {
	endpoints := l.source.List(family)
	baselines := *l.baselines.Load()

	var fallback *registry.ModelEndpoint
	for i := range endpoints {
		ep := &endpoints[i]
		if ep.IsCanary || ep.Status != registry.StatusActive {
			continue
		}
		if fallback == nil || ep.Weight > fallback.Weight {
			fallback = ep
		}
	}

	var pairs []Pair
	for _, ep := range endpoints {
		if !ep.IsCanary || ep.Status != registry.StatusActive {
			continue
		}
		if id, ok := baselines[ep.ID]; ok && l.usableBaseline(endpoints, id) {
			pairs = append(pairs, Pair{CanaryID: ep.ID, BaselineID: id})
			continue
		}
		if fallback == nil {
			l.logger.Debug(context.Background(), "no baseline for canary",
				zap.String("family", family),
				zap.String("canary_id", ep.ID))
			continue
		}
		pairs = append(pairs, Pair{CanaryID: ep.ID, BaselineID: fallback.ID})
	}
	return pairs
}

func (l *Loop) usableBaseline(endpoints []registry.ModelEndpoint, id string) bool {
	for _, ep := range endpoints {
		if ep.ID == id {
			return ep.Selectable()
		}
	}
	l.logger.Warn(context.Background(), "configured baseline not in family", zap.String("baseline_id", id))
	return false
}
