package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"github.com/upb/model-gateway/internal/canonical"
	"github.com/upb/model-gateway/internal/observability"
	"github.com/upb/model-gateway/internal/registry"
	"go.uber.org/zap"
)

// State is the circuit state of one endpoint.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Settings configures every breaker in a Set.
type Settings struct {
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// DefaultSettings trips after 5 consecutive failures and admits a trial call after 30s.
func DefaultSettings() Settings {
	return Settings{FailureThreshold: 5, OpenTimeout: 30 * time.Second}
}

// CircuitState is a point-in-time view of one breaker.
type CircuitState struct {
	EndpointID          string     `json:"endpointId"`
	State               State      `json:"state"`
	ConsecutiveFailures uint32     `json:"consecutiveFailures"`
	OpenedAt            *time.Time `json:"openedAt,omitempty"`
}

type entry struct {
	cb *gobreaker.TwoStepCircuitBreaker

	mu                  sync.Mutex
	openedAt            time.Time
	consecutiveFailures uint32
}

// Set holds one breaker per endpoint. Breakers are created on first use or
// when the registry reports a new endpoint, and dropped on removal.
type Set struct {
	mu       sync.RWMutex
	breakers map[string]*entry
	settings Settings
	logger   observability.Logger
	metrics  observability.Metrics
}

func NewSet(settings Settings, logger observability.Logger, metrics observability.Metrics) *Set {
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = DefaultSettings().FailureThreshold
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = DefaultSettings().OpenTimeout
	}
	if metrics == nil {
		metrics = observability.NopMetrics{}
	}
	return &Set{
		breakers: make(map[string]*entry),
		settings: settings,
		logger:   logger,
		metrics:  metrics,
	}
}

func (s *Set) get(endpointID string) *entry {
	s.mu.RLock()
	e, ok := s.breakers[endpointID]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.breakers[endpointID]; ok {
		return e
	}
	e = s.newEntry(endpointID)
	s.breakers[endpointID] = e
	return e
}

func (s *Set) newEntry(endpointID string) *entry {
	e := &entry{}
	threshold := s.settings.FailureThreshold
	e.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        endpointID,
		MaxRequests: 1,
		Timeout:     s.settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.mu.Lock()
			if to == gobreaker.StateOpen {
				e.openedAt = time.Now()
			}
			if to == gobreaker.StateClosed {
				e.openedAt = time.Time{}
			}
			e.mu.Unlock()

			s.metrics.SetCircuitState(name, gauge(to))
			s.logger.Warn(context.Background(), "circuit state changed",
				zap.String("endpoint_id", name),
				zap.String("from", string(convert(from))),
				zap.String("to", string(convert(to))))
		},
	})
	s.metrics.SetCircuitState(endpointID, 0)
	return e
}

// Outcome is what an admitted call reports back to its breaker.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	// OutcomeIgnored leaves the failure count untouched. A half-open breaker
	// admits a single trial call, so an ignored trial reopens the circuit.
	OutcomeIgnored
)

// Allow asks whether a call to endpointID may proceed. On success the caller
// must invoke done exactly once with the outcome. A rejected call returns a
// CircuitOpen error and never reaches the provider.
func (s *Set) Allow(endpointID string) (func(success bool), error) {
	report, err := s.Acquire(endpointID)
	if err != nil {
		return nil, err
	}
	return func(success bool) {
		if success {
			report(OutcomeSuccess)
			return
		}
		report(OutcomeFailure)
	}, nil
}

// Acquire is Allow with a three-way outcome.
func (s *Set) Acquire(endpointID string) (func(Outcome), error) {
	e := s.get(endpointID)
	done, err := e.cb.Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, canonical.Wrap(canonical.KindCircuitOpen, "circuit open", err).WithEndpoint(endpointID)
		}
		return nil, canonical.Wrap(canonical.KindInternal, "circuit breaker failure", err).WithEndpoint(endpointID)
	}

	var once sync.Once
	return func(outcome Outcome) {
		once.Do(func() {
			if outcome == OutcomeIgnored {
				// A closed breaker needs no answer; gobreaker only limits
				// in-flight calls while half-open.
				if e.cb.State() != gobreaker.StateHalfOpen {
					return
				}
				outcome = OutcomeFailure
			}
			success := outcome == OutcomeSuccess

			e.mu.Lock()
			if success {
				e.consecutiveFailures = 0
			} else {
				e.consecutiveFailures++
			}
			e.mu.Unlock()
			done(success)
		})
	}, nil
}

func (s *Set) lookup(endpointID string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.breakers[endpointID]
	return e, ok
}

// State returns the current state of endpointID. An open breaker whose
// timeout has elapsed reports half_open. Endpoints without a breaker are
// closed.
func (s *Set) State(endpointID string) State {
	e, ok := s.lookup(endpointID)
	if !ok {
		return StateClosed
	}
	return convert(e.cb.State())
}

// Snapshot returns the full circuit view for endpointID.
func (s *Set) Snapshot(endpointID string) CircuitState {
	e, ok := s.lookup(endpointID)
	if !ok {
		return CircuitState{EndpointID: endpointID, State: StateClosed}
	}
	state := convert(e.cb.State())

	e.mu.Lock()
	defer e.mu.Unlock()

	cs := CircuitState{
		EndpointID:          endpointID,
		State:               state,
		ConsecutiveFailures: e.consecutiveFailures,
	}
	if state != StateClosed && !e.openedAt.IsZero() {
		openedAt := e.openedAt
		cs.OpenedAt = &openedAt
	}
	return cs
}

// Remove drops the breaker for endpointID and its state series.
func (s *Set) Remove(endpointID string) {
	s.mu.Lock()
	_, ok := s.breakers[endpointID]
	delete(s.breakers, endpointID)
	s.mu.Unlock()
	if ok {
		s.metrics.DeleteCircuitState(endpointID)
	}
}

// OnRegistryEvent keeps the set in step with the registry.
func (s *Set) OnRegistryEvent(ev registry.Event) {
	switch ev.Type {
	case registry.EventRegistered:
		s.get(ev.Endpoint.ID)
	case registry.EventRemoved:
		s.Remove(ev.Endpoint.ID)
	}
}

func convert(st gobreaker.State) State {
	switch st {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func gauge(st gobreaker.State) float64 {
	switch st {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
