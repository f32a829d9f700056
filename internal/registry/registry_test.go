package registry

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/model-gateway/internal/canonical"
	"github.com/upb/model-gateway/internal/observability"
)

func chatEndpoints() []ModelEndpoint {
	return []ModelEndpoint{
		{Family: "chat", Provider: "openai", ModelID: "gpt-4o", Version: "2024-08", Weight: 0.9},
		{Family: "chat", Provider: "openai", ModelID: "gpt-4o", Version: "2024-11", Weight: 0.1, IsCanary: true},
		{ID: "claude", Family: "chat", Provider: "anthropic", ModelID: "claude-sonnet-4", Weight: 0, Status: StatusDraining},
		{Family: "embed", Provider: "openai", ModelID: "text-embedding-3", Weight: 1},
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New(chatEndpoints(), observability.NewNopLogger())
	require.NoError(t, err)
	return r
}

func TestNew(t *testing.T) {
	t.Run("defaults id and status", func(t *testing.T) {
		r := newTestRegistry(t)

		ep, err := r.Get("openai/gpt-4o@2024-08")
		require.NoError(t, err)
		assert.Equal(t, StatusActive, ep.Status)
		assert.Equal(t, uint64(0), r.Snapshot().Version())
	})

	t.Run("rejects duplicate ids", func(t *testing.T) {
		eps := chatEndpoints()
		eps = append(eps, eps[0])
		_, err := New(eps, observability.NewNopLogger())
		assert.Equal(t, canonical.KindValidation, canonical.KindOf(err))
	})

	t.Run("rejects family sum outside tolerance", func(t *testing.T) {
		eps := chatEndpoints()
		eps[0].Weight = 0.5
		_, err := New(eps, observability.NewNopLogger())
		assert.True(t, errors.Is(err, canonical.ErrInvalidWeight))
	})

	t.Run("disabled endpoints do not count toward the sum", func(t *testing.T) {
		eps := []ModelEndpoint{
			{Family: "chat", Provider: "openai", ModelID: "a", Weight: 1},
			{Family: "chat", Provider: "openai", ModelID: "b", Weight: 1, Status: StatusDisabled},
		}
		_, err := New(eps, observability.NewNopLogger())
		assert.NoError(t, err)
	})

	t.Run("family with only disabled endpoints is exempt", func(t *testing.T) {
		eps := []ModelEndpoint{{Family: "old", Provider: "openai", ModelID: "a", Weight: 0.3, Status: StatusDisabled}}
		_, err := New(eps, observability.NewNopLogger())
		assert.NoError(t, err)
	})
}

func TestRegistry_ListAndFamilies(t *testing.T) {
	r := newTestRegistry(t)

	chat := r.List("chat")
	require.Len(t, chat, 3)
	assert.Equal(t, "openai/gpt-4o@2024-08", chat[0].ID)
	assert.Equal(t, "claude", chat[2].ID)

	assert.Empty(t, r.List("unknown"))
	assert.Equal(t, []string{"chat", "embed"}, r.Families())
	assert.Len(t, r.All(), 4)
}

func TestRegistry_GetNotFound(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Get("missing")
	assert.True(t, errors.Is(err, canonical.ErrNotFound))
}

func TestRegistry_SetWeight(t *testing.T) {
	t.Run("rejects out of range weights", func(t *testing.T) {
		r := newTestRegistry(t)
		for _, w := range []float64{-0.1, 1.5} {
			err := r.SetWeight("openai/gpt-4o@2024-08", w)
			assert.True(t, errors.Is(err, canonical.ErrInvalidWeight), "weight %v", w)
		}
	})

	t.Run("rejects a single edit that breaks the family sum", func(t *testing.T) {
		r := newTestRegistry(t)
		err := r.SetWeight("openai/gpt-4o@2024-08", 0.5)
		assert.True(t, errors.Is(err, canonical.ErrInvalidWeight))

		ep, _ := r.Get("openai/gpt-4o@2024-08")
		assert.Equal(t, 0.9, ep.Weight)
	})

	t.Run("accepts a drift inside tolerance", func(t *testing.T) {
		r := newTestRegistry(t)
		require.NoError(t, r.SetWeight("openai/gpt-4o@2024-08", 0.91))
		assert.Equal(t, uint64(1), r.Snapshot().Version())
	})

	t.Run("same value twice is idempotent", func(t *testing.T) {
		r := newTestRegistry(t)
		require.NoError(t, r.SetWeight("openai/gpt-4o@2024-08", 0.91))
		first := r.Snapshot()

		require.NoError(t, r.SetWeight("openai/gpt-4o@2024-08", 0.91))
		second := r.Snapshot()

		assert.Same(t, first, second)
		assert.Equal(t, first.Endpoints(), second.Endpoints())
	})

	t.Run("unknown endpoint", func(t *testing.T) {
		r := newTestRegistry(t)
		assert.True(t, errors.Is(r.SetWeight("missing", 0.1), canonical.ErrNotFound))
	})
}

func TestRegistry_Apply(t *testing.T) {
	t.Run("shifts weight atomically", func(t *testing.T) {
		r := newTestRegistry(t)
		err := r.Apply(
			SetWeightChange("openai/gpt-4o@2024-11", 0.2),
			SetWeightChange("openai/gpt-4o@2024-08", 0.8),
		)
		require.NoError(t, err)

		canary, _ := r.Get("openai/gpt-4o@2024-11")
		baseline, _ := r.Get("openai/gpt-4o@2024-08")
		assert.Equal(t, 0.2, canary.Weight)
		assert.Equal(t, 0.8, baseline.Weight)
		assert.Equal(t, uint64(1), r.Snapshot().Version())
	})

	t.Run("one bad change rejects the whole batch", func(t *testing.T) {
		r := newTestRegistry(t)
		before := r.Snapshot()

		err := r.Apply(
			SetWeightChange("openai/gpt-4o@2024-11", 0.2),
			SetWeightChange("missing", 0.8),
		)
		assert.True(t, errors.Is(err, canonical.ErrNotFound))
		assert.Same(t, before, r.Snapshot())
	})

	t.Run("rejects unknown status", func(t *testing.T) {
		r := newTestRegistry(t)
		err := r.SetStatus("claude", Status("paused"))
		assert.Equal(t, canonical.KindValidation, canonical.KindOf(err))
	})

	t.Run("rollback style change keeps the invariant", func(t *testing.T) {
		r := newTestRegistry(t)
		zero := 0.0
		draining := StatusDraining
		err := r.Apply(
			Change{ID: "openai/gpt-4o@2024-11", Weight: &zero, Status: &draining},
			SetWeightChange("openai/gpt-4o@2024-08", 1.0),
		)
		require.NoError(t, err)

		canary, _ := r.Get("openai/gpt-4o@2024-11")
		assert.Equal(t, StatusDraining, canary.Status)
		assert.Equal(t, 0.0, canary.Weight)
	})
}

func TestRegistry_SetStatusDisabledRedistributes(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.SetStatus("openai/gpt-4o@2024-11", StatusDisabled))

	canary, _ := r.Get("openai/gpt-4o@2024-11")
	baseline, _ := r.Get("openai/gpt-4o@2024-08")
	claude, _ := r.Get("claude")

	assert.Equal(t, StatusDisabled, canary.Status)
	assert.Equal(t, 0.0, canary.Weight)
	assert.InDelta(t, 1.0, baseline.Weight, 1e-9)
	assert.Equal(t, 0.0, claude.Weight)
}

func TestRegistry_SetStatusDisabledEvenSplit(t *testing.T) {
	r, err := New([]ModelEndpoint{
		{ID: "a", Family: "f", Provider: "p", ModelID: "a", Weight: 1},
		{ID: "b", Family: "f", Provider: "p", ModelID: "b", Weight: 0},
		{ID: "c", Family: "f", Provider: "p", ModelID: "c", Weight: 0},
	}, observability.NewNopLogger())
	require.NoError(t, err)

	require.NoError(t, r.SetStatus("a", StatusDisabled))

	b, _ := r.Get("b")
	c, _ := r.Get("c")
	assert.InDelta(t, 0.5, b.Weight, 1e-9)
	assert.InDelta(t, 0.5, c.Weight, 1e-9)
}

func TestRegistry_RegisterAndRemove(t *testing.T) {
	r := newTestRegistry(t)

	var events []Event
	r.Subscribe(ObserverFunc(func(e Event) { events = append(events, e) }))

	err := r.Register(ModelEndpoint{Family: "chat", Provider: "mistral", ModelID: "large", Weight: 0, IsCanary: true})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventRegistered, events[0].Type)
	assert.Equal(t, "mistral/large", events[0].Endpoint.ID)

	err = r.Register(ModelEndpoint{Family: "chat", Provider: "mistral", ModelID: "large"})
	assert.Equal(t, canonical.KindValidation, canonical.KindOf(err))

	err = r.Register(ModelEndpoint{Family: "chat", Provider: "mistral", ModelID: "small", Weight: 0.5})
	assert.True(t, errors.Is(err, canonical.ErrInvalidWeight))

	require.NoError(t, r.Remove("openai/gpt-4o@2024-11"))
	baseline, _ := r.Get("openai/gpt-4o@2024-08")
	assert.InDelta(t, 1.0, baseline.Weight, 1e-9)

	var removed, updated int
	for _, e := range events[1:] {
		switch e.Type {
		case EventRemoved:
			removed++
		case EventUpdated:
			updated++
			require.NotNil(t, e.Previous)
		}
	}
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, updated)

	assert.True(t, errors.Is(r.Remove("openai/gpt-4o@2024-11"), canonical.ErrNotFound))
}

func TestRegistry_ConcurrentReadsDuringWrites(t *testing.T) {
	r := newTestRegistry(t)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			w := 0.1
			if i%2 == 0 {
				w = 0.2
			}
			_ = r.Apply(
				SetWeightChange("openai/gpt-4o@2024-11", w),
				SetWeightChange("openai/gpt-4o@2024-08", 1-w),
			)
		}
	}()

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				var sum float64
				for _, ep := range r.List("chat") {
					if ep.Selectable() {
						sum += ep.Weight
					}
				}
				assert.InDelta(t, 1.0, sum, 0.02)
			}
		}()
	}
	wg.Wait()
}

func TestModelEndpoint_JSONRoundTrip(t *testing.T) {
	ep := ModelEndpoint{
		ID:       "openai/gpt-4o@2024-11",
		Family:   "chat",
		Provider: "openai",
		ModelID:  "gpt-4o",
		Version:  "2024-11",
		IsCanary: true,
		Weight:   0.1234,
		Status:   StatusDraining,
	}

	raw, err := json.Marshal(ep)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"modelId":"gpt-4o"`)
	assert.Contains(t, string(raw), `"isCanary":true`)

	var decoded ModelEndpoint
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, ep, decoded)
}

func TestEndpointID(t *testing.T) {
	assert.Equal(t, "openai/gpt-4o@1", EndpointID("openai", "gpt-4o", "1"))
	assert.Equal(t, "openai/gpt-4o", EndpointID("openai", "gpt-4o", ""))
}
