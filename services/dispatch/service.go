package dispatch

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/upb/model-gateway/internal/breaker"
	"github.com/upb/model-gateway/internal/canonical"
	"github.com/upb/model-gateway/internal/observability"
	"github.com/upb/model-gateway/internal/providers"
	"github.com/upb/model-gateway/internal/registry"
	"github.com/upb/model-gateway/internal/routing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// EndpointSource lists the endpoints of a family.
type EndpointSource interface {
	List(family string) []registry.ModelEndpoint
}

// CircuitBreaker gates calls per endpoint.
type CircuitBreaker interface {
	State(endpointID string) breaker.State
	Acquire(endpointID string) (func(breaker.Outcome), error)
}

// ClientResolver finds the provider client for an endpoint.
type ClientResolver interface {
	Get(provider string) (providers.Client, bool)
}

// Result describes a successful dispatch.
type Result struct {
	EndpointID string              `json:"endpointId"`
	Provider   string              `json:"provider"`
	ModelID    string              `json:"modelId"`
	IsCanary   bool                `json:"isCanary"`
	Attempts   int                 `json:"attempts"`
	LatencyMs  int64               `json:"latencyMs"`
	Response   *providers.Response `json:"response"`
}

// DispatchService sends requests to the endpoints of the requested family,
// failing over to other endpoints on retryable errors.
type DispatchService struct {
	endpoints  EndpointSource
	breakers   CircuitBreaker
	clients    ClientResolver
	strategy   routing.Strategy
	normalizer *canonical.Normalizer
	metrics    observability.Metrics
	logger     observability.Logger
	tracer     trace.Tracer

	policy atomic.Pointer[Policy]
	rnd    func() float64
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewDispatchService creates a dispatcher. A nil strategy selects by weight;
// nil normalizer and metrics fall back to defaults.
func NewDispatchService(
	endpoints EndpointSource,
	breakers CircuitBreaker,
	clients ClientResolver,
	strategy routing.Strategy,
	normalizer *canonical.Normalizer,
	metrics observability.Metrics,
	logger observability.Logger,
	policy Policy,
) *DispatchService {
	if strategy == nil {
		strategy = routing.NewWeightedRandom()
	}
	if normalizer == nil {
		normalizer = canonical.NewNormalizer()
	}
	if metrics == nil {
		metrics = observability.NopMetrics{}
	}
	s := &DispatchService{
		endpoints:  endpoints,
		breakers:   breakers,
		clients:    clients,
		strategy:   strategy,
		normalizer: normalizer,
		metrics:    metrics,
		logger:     logger,
		tracer:     observability.Tracer("model-gateway/dispatch"),
		rnd:        rand.Float64,
		sleep:      sleepContext,
	}
	s.SetPolicy(policy)
	return s
}

// SetPolicy replaces the retry policy for subsequent dispatches.
func (s *DispatchService) SetPolicy(p Policy) {
	p = p.withDefaults()
	s.policy.Store(&p)
}

// Policy returns the policy currently in effect.
func (s *DispatchService) Policy() Policy {
	return *s.policy.Load()
}

// Dispatch routes req to an endpoint of the family named by req.Model. The
// returned error is always a *canonical.Error.
func (s *DispatchService) Dispatch(ctx context.Context, req *providers.Request) (*Result, error) {
	if req == nil || req.Model == "" {
		return nil, canonical.New(canonical.KindValidation, "model family is required")
	}
	family := req.Model
	policy := s.Policy()

	ctx, cancel := context.WithTimeout(ctx, policy.RequestTimeout)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "dispatch", trace.WithAttributes(attribute.String("family", family)))
	defer span.End()

	start := time.Now()
	tried := make(map[string]struct{})
	var lastErr *canonical.Error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := policy.Backoff(attempt, s.rnd)
			if deadline, ok := ctx.Deadline(); ok && time.Now().Add(wait).After(deadline) {
				s.logger.Debug(ctx, "retry budget exhausted",
					zap.String("family", family),
					zap.Int("attempt", attempt))
				break
			}
			if err := s.sleep(ctx, wait); err != nil {
				return nil, s.fail(ctx, span, s.timeout(err, lastErr))
			}
		}

		ep, done, err := s.acquire(ctx, family, tried)
		if err != nil {
			if lastErr == nil {
				return nil, s.fail(ctx, span, err)
			}
			// No alternate endpoint left.
			break
		}
		tried[ep.ID] = struct{}{}

		resp, cerr := s.invoke(ctx, ep, req, policy, done)
		if cerr == nil {
			span.SetAttributes(
				attribute.String("endpoint_id", ep.ID),
				attribute.Int("attempts", attempt+1))
			return &Result{
				EndpointID: ep.ID,
				Provider:   ep.Provider,
				ModelID:    ep.ModelID,
				IsCanary:   ep.IsCanary,
				Attempts:   attempt + 1,
				LatencyMs:  time.Since(start).Milliseconds(),
				Response:   resp,
			}, nil
		}

		lastErr = cerr
		if ctx.Err() != nil {
			return nil, s.fail(ctx, span, s.timeout(ctx.Err(), cerr))
		}
		if !cerr.Retryable {
			return nil, s.fail(ctx, span, cerr)
		}
	}

	return nil, s.fail(ctx, span, lastErr)
}

// acquire filters the family down to eligible endpoints, picks one by
// weight and asks its breaker for admission. Rejected endpoints are dropped
// and selection repeats.
func (s *DispatchService) acquire(ctx context.Context, family string, tried map[string]struct{}) (registry.ModelEndpoint, func(breaker.Outcome), *canonical.Error) {
	all := s.endpoints.List(family)
	candidates := make([]registry.ModelEndpoint, 0, len(all))
	for _, ep := range all {
		if !ep.Selectable() {
			continue
		}
		if _, done := tried[ep.ID]; done {
			continue
		}
		if s.breakers.State(ep.ID) == breaker.StateOpen {
			continue
		}
		candidates = append(candidates, ep)
	}
	if len(candidates) == 0 {
		return registry.ModelEndpoint{}, nil, s.normalizer.Normalize(
			canonical.Newf(canonical.KindNoHealthyEndpoint, "no healthy endpoint for family %q", family), "")
	}

	var rejected error
	for len(candidates) > 0 {
		ep := s.strategy.Select(candidates)
		done, err := s.breakers.Acquire(ep.ID)
		if err == nil {
			return ep, done, nil
		}
		s.logger.Debug(ctx, "endpoint rejected by circuit breaker",
			zap.String("endpoint_id", ep.ID),
			zap.Error(err))
		rejected = err
		candidates = without(candidates, ep.ID)
	}

	ce := s.normalizer.Normalize(rejected, "")
	if ce.Kind != canonical.KindCircuitOpen {
		return registry.ModelEndpoint{}, nil, ce
	}
	out := canonical.Wrap(canonical.KindCircuitOpen, "all candidate circuits are open", rejected).
		WithCorrelationID(ce.CorrelationID)
	return registry.ModelEndpoint{}, nil, out
}

func (s *DispatchService) invoke(ctx context.Context, ep registry.ModelEndpoint, req *providers.Request, policy Policy, done func(breaker.Outcome)) (*providers.Response, *canonical.Error) {
	client, ok := s.clients.Get(ep.Provider)
	if !ok {
		done(breaker.OutcomeFailure)
		ce := s.normalizer.Normalize(
			canonical.Newf(canonical.KindProviderError, "no client registered for provider %q", ep.Provider), ep.Provider).
			WithEndpoint(ep.ID)
		s.record(ctx, ep, 0, ce)
		return nil, ce
	}

	callCtx := ctx
	if policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, policy.AttemptTimeout)
		defer cancel()
	}

	target := providers.Target{
		EndpointID: ep.ID,
		Provider:   ep.Provider,
		ModelID:    ep.ModelID,
		Version:    ep.Version,
	}

	started := time.Now()
	resp, err := client.Invoke(callCtx, target, req)
	elapsed := time.Since(started)

	if err == nil {
		done(breaker.OutcomeSuccess)
		s.record(ctx, ep, elapsed, nil)
		return resp, nil
	}

	ce := s.normalizer.Normalize(err, ep.Provider).WithEndpoint(ep.ID)
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		// The caller went away; the endpoint produced no outcome.
		done(breaker.OutcomeIgnored)
		s.recordCancelled(ctx, ep, elapsed)
		return nil, ce
	case ce.Kind == canonical.KindValidation:
		// A request the provider rejected as malformed says nothing about
		// the endpoint's health.
		done(breaker.OutcomeSuccess)
	default:
		done(breaker.OutcomeFailure)
	}
	s.record(ctx, ep, elapsed, ce)
	return nil, ce
}

func (s *DispatchService) recordCancelled(ctx context.Context, ep registry.ModelEndpoint, elapsed time.Duration) {
	s.metrics.RecordAttempt(observability.Attempt{
		EndpointID: ep.ID,
		Provider:   ep.Provider,
		IsCanary:   ep.IsCanary,
		Outcome:    observability.OutcomeCancelled,
		Duration:   elapsed,
	})
	s.logger.Debug(ctx, "dispatch attempt abandoned by caller",
		zap.String("endpoint_id", ep.ID),
		zap.Duration("latency", elapsed))
}

func (s *DispatchService) record(ctx context.Context, ep registry.ModelEndpoint, elapsed time.Duration, ce *canonical.Error) {
	attempt := observability.Attempt{
		EndpointID: ep.ID,
		Provider:   ep.Provider,
		IsCanary:   ep.IsCanary,
		Outcome:    observability.OutcomeSuccess,
		Duration:   elapsed,
	}
	if ce == nil {
		s.metrics.RecordAttempt(attempt)
		s.logger.Debug(ctx, "dispatch attempt succeeded",
			zap.String("endpoint_id", ep.ID),
			zap.Duration("latency", elapsed))
		return
	}

	attempt.Outcome = observability.OutcomeError
	attempt.ErrorKind = string(ce.Kind)
	s.metrics.RecordAttempt(attempt)
	s.logger.Warn(ctx, "dispatch attempt failed",
		zap.String("endpoint_id", ep.ID),
		zap.String("provider", ep.Provider),
		zap.String("correlation_id", ce.CorrelationID),
		zap.String("error_kind", string(ce.Kind)),
		zap.Bool("retryable", ce.Retryable),
		zap.Duration("latency", elapsed),
		zap.Error(ce))
}

func (s *DispatchService) fail(ctx context.Context, span trace.Span, ce *canonical.Error) *canonical.Error {
	span.RecordError(ce)
	span.SetStatus(codes.Error, string(ce.Kind))
	s.logger.Error(ctx, "dispatch failed",
		zap.String("correlation_id", ce.CorrelationID),
		zap.String("endpoint_id", ce.EndpointID),
		zap.String("error_kind", string(ce.Kind)),
		zap.Error(ce))
	return ce
}

// timeout converts an expired or cancelled context into a Timeout error,
// keeping the endpoint of the last failure when there was one.
func (s *DispatchService) timeout(cause error, last *canonical.Error) *canonical.Error {
	ce := canonical.Wrap(canonical.KindTimeout, "request deadline exceeded", cause)
	if errors.Is(cause, context.Canceled) {
		ce = canonical.Wrap(canonical.KindTimeout, "request cancelled", cause)
	}
	if last != nil {
		ce = ce.WithEndpoint(last.EndpointID).WithCorrelationID(last.CorrelationID)
	}
	return s.normalizer.Normalize(ce, "")
}

func without(eps []registry.ModelEndpoint, id string) []registry.ModelEndpoint {
	out := eps[:0:0]
	for _, ep := range eps {
		if ep.ID != id {
			out = append(out, ep)
		}
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
