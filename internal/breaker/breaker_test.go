package breaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/model-gateway/internal/canonical"
	"github.com/upb/model-gateway/internal/observability"
	"github.com/upb/model-gateway/internal/registry"
)

const endpoint = "openai/gpt-4o@2024-08"

func newTestSet(threshold uint32, timeout time.Duration) *Set {
	return NewSet(Settings{FailureThreshold: threshold, OpenTimeout: timeout}, observability.NewNopLogger(), nil)
}

func fail(t *testing.T, s *Set, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		done, err := s.Allow(endpoint)
		require.NoError(t, err)
		done(false)
	}
}

func TestSet_OpensAfterThreshold(t *testing.T) {
	s := newTestSet(3, time.Minute)

	fail(t, s, 2)
	assert.Equal(t, StateClosed, s.State(endpoint))
	assert.Equal(t, uint32(2), s.Snapshot(endpoint).ConsecutiveFailures)

	fail(t, s, 1)
	assert.Equal(t, StateOpen, s.State(endpoint))

	snap := s.Snapshot(endpoint)
	require.NotNil(t, snap.OpenedAt)
	assert.WithinDuration(t, time.Now(), *snap.OpenedAt, time.Second)
}

func TestSet_OpenRejectsWithCircuitOpen(t *testing.T) {
	s := newTestSet(1, time.Minute)
	fail(t, s, 1)

	done, err := s.Allow(endpoint)
	assert.Nil(t, done)
	require.Error(t, err)
	assert.True(t, errors.Is(err, canonical.ErrCircuitOpen))

	var ce *canonical.Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, endpoint, ce.EndpointID)
	assert.Equal(t, 503, ce.HTTPStatus)
}

func TestSet_HalfOpenThenClosedOnSuccess(t *testing.T) {
	s := newTestSet(2, 50*time.Millisecond)
	fail(t, s, 2)
	require.Equal(t, StateOpen, s.State(endpoint))

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, s.State(endpoint))

	done, err := s.Allow(endpoint)
	require.NoError(t, err)

	// Only one trial request is admitted while half-open.
	_, err = s.Allow(endpoint)
	assert.True(t, errors.Is(err, canonical.ErrCircuitOpen))

	done(true)
	assert.Equal(t, StateClosed, s.State(endpoint))

	snap := s.Snapshot(endpoint)
	assert.Equal(t, uint32(0), snap.ConsecutiveFailures)
	assert.Nil(t, snap.OpenedAt)
}

func TestSet_HalfOpenFailureReopens(t *testing.T) {
	s := newTestSet(2, 50*time.Millisecond)
	fail(t, s, 2)
	firstOpened := *s.Snapshot(endpoint).OpenedAt

	time.Sleep(80 * time.Millisecond)
	require.Equal(t, StateHalfOpen, s.State(endpoint))

	done, err := s.Allow(endpoint)
	require.NoError(t, err)
	done(false)

	assert.Equal(t, StateOpen, s.State(endpoint))
	assert.True(t, s.Snapshot(endpoint).OpenedAt.After(firstOpened))
}

func TestSet_SuccessResetsFailureCount(t *testing.T) {
	s := newTestSet(3, time.Minute)
	fail(t, s, 2)

	done, err := s.Allow(endpoint)
	require.NoError(t, err)
	done(true)

	fail(t, s, 2)
	assert.Equal(t, StateClosed, s.State(endpoint))
}

func TestSet_DoneIsIdempotent(t *testing.T) {
	s := newTestSet(2, time.Minute)
	done, err := s.Allow(endpoint)
	require.NoError(t, err)
	done(false)
	done(false)
	assert.Equal(t, uint32(1), s.Snapshot(endpoint).ConsecutiveFailures)
}

func TestSet_FollowsRegistryEvents(t *testing.T) {
	s := newTestSet(1, time.Minute)
	fail(t, s, 1)
	require.Equal(t, StateOpen, s.State(endpoint))

	s.OnRegistryEvent(registry.Event{Type: registry.EventRemoved, Endpoint: registry.ModelEndpoint{ID: endpoint}})
	assert.Equal(t, StateClosed, s.State(endpoint))

	s.OnRegistryEvent(registry.Event{Type: registry.EventRegistered, Endpoint: registry.ModelEndpoint{ID: "new"}})
	assert.Equal(t, StateClosed, s.State("new"))
}

func TestNewSet_Defaults(t *testing.T) {
	s := NewSet(Settings{}, observability.NewNopLogger(), nil)
	assert.Equal(t, DefaultSettings(), s.settings)
}

func TestSet_IgnoredOutcomeLeavesClosedCircuitAlone(t *testing.T) {
	s := newTestSet(2, time.Minute)
	fail(t, s, 1)

	for i := 0; i < 5; i++ {
		report, err := s.Acquire(endpoint)
		require.NoError(t, err)
		report(OutcomeIgnored)
	}

	assert.Equal(t, StateClosed, s.State(endpoint))
	assert.Equal(t, uint32(1), s.Snapshot(endpoint).ConsecutiveFailures)

	// The earlier failure still counts toward the threshold.
	fail(t, s, 1)
	assert.Equal(t, StateOpen, s.State(endpoint))
}

func TestSet_IgnoredHalfOpenTrialReopens(t *testing.T) {
	s := newTestSet(1, 50*time.Millisecond)
	fail(t, s, 1)

	time.Sleep(80 * time.Millisecond)
	require.Equal(t, StateHalfOpen, s.State(endpoint))

	report, err := s.Acquire(endpoint)
	require.NoError(t, err)
	report(OutcomeIgnored)

	assert.Equal(t, StateOpen, s.State(endpoint))
}

type circuitGauges struct {
	observability.NopMetrics
	mu     sync.Mutex
	states map[string]float64
}

func (g *circuitGauges) SetCircuitState(id string, state float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.states[id] = state
}

func (g *circuitGauges) DeleteCircuitState(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.states, id)
}

func (g *circuitGauges) has(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.states[id]
	return ok
}

func TestSet_RemoveDropsGaugeAndBreaker(t *testing.T) {
	gauges := &circuitGauges{states: map[string]float64{}}
	s := NewSet(Settings{FailureThreshold: 1, OpenTimeout: time.Minute}, observability.NewNopLogger(), gauges)

	done, err := s.Allow(endpoint)
	require.NoError(t, err)
	done(false)
	require.True(t, gauges.has(endpoint))

	s.Remove(endpoint)
	assert.False(t, gauges.has(endpoint))

	// Reads of an unknown endpoint do not bring the breaker back.
	assert.Equal(t, StateClosed, s.State(endpoint))
	snap := s.Snapshot(endpoint)
	assert.Equal(t, StateClosed, snap.State)
	assert.Nil(t, snap.OpenedAt)
	assert.False(t, gauges.has(endpoint))

	s.mu.RLock()
	_, exists := s.breakers[endpoint]
	s.mu.RUnlock()
	assert.False(t, exists)
}
