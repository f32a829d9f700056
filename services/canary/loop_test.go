package canary

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/model-gateway/internal/observability"
	"github.com/upb/model-gateway/internal/registry"
)

func newLoopRegistry(t *testing.T, endpoints ...registry.ModelEndpoint) *registry.Registry {
	t.Helper()
	reg, err := registry.New(endpoints, observability.NewNopLogger())
	require.NoError(t, err)
	return reg
}

func TestLoop_PairsPicksHeaviestBaseline(t *testing.T) {
	reg := newLoopRegistry(t,
		registry.ModelEndpoint{ID: "a", Family: "chat", Provider: "openai", ModelID: "a", Weight: 0.3},
		registry.ModelEndpoint{ID: "b", Family: "chat", Provider: "openai", ModelID: "b", Weight: 0.6},
		registry.ModelEndpoint{ID: "c", Family: "chat", Provider: "openai", ModelID: "c", Weight: 0.1, IsCanary: true},
		registry.ModelEndpoint{ID: "d", Family: "chat", Provider: "openai", ModelID: "d", IsCanary: true, Status: registry.StatusDraining},
	)
	loop := NewLoop(nil, reg, time.Minute, observability.NewNopLogger())

	assert.Equal(t, []Pair{{CanaryID: "c", BaselineID: "b"}}, loop.Pairs("chat"))

	loop.SetBaselines(map[string]string{"c": "a"})
	assert.Equal(t, []Pair{{CanaryID: "c", BaselineID: "a"}}, loop.Pairs("chat"))

	loop.SetBaselines(map[string]string{"c": "elsewhere"})
	assert.Equal(t, []Pair{{CanaryID: "c", BaselineID: "b"}}, loop.Pairs("chat"))
}

func TestLoop_PairsWithoutBaseline(t *testing.T) {
	reg := newLoopRegistry(t,
		registry.ModelEndpoint{ID: "c", Family: "chat", Provider: "openai", ModelID: "c", Weight: 1, IsCanary: true},
	)
	loop := NewLoop(nil, reg, time.Minute, observability.NewNopLogger())
	assert.Empty(t, loop.Pairs("chat"))
	assert.Empty(t, loop.Pairs("unknown"))
}

func TestLoop_EvaluateFamily(t *testing.T) {
	f := newEvalFixture(t, 0.9, 0.1)
	f.provider.windows["base"] = window(5000, 0.05, 400, 900)
	f.provider.windows["cand"] = window(100, 0.10, 400, 900)
	loop := NewLoop(f.eval, f.reg, time.Minute, observability.NewNopLogger())

	evals := loop.EvaluateFamily(context.Background(), "chat")
	require.Len(t, evals, 1)
	assert.Equal(t, VerdictRollback, evals[0].Verdict)

	// The rolled-back canary is draining and no longer evaluated.
	assert.Empty(t, loop.EvaluateFamily(context.Background(), "chat"))
	assert.Empty(t, loop.EvaluateFamily(context.Background(), "embeddings"))
}

func TestLoop_RunEvaluatesOnInterval(t *testing.T) {
	f := newEvalFixture(t, 0.9, 0.1)
	f.provider.windows["base"] = window(5000, 0.05, 400, 900)
	f.provider.windows["cand"] = window(10, 0, 400, 900)
	loop := NewLoop(f.eval, f.reg, 10*time.Millisecond, observability.NewNopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	assert.Eventually(t, func() bool { return f.recorder.Len() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestNewLoop_DefaultInterval(t *testing.T) {
	loop := NewLoop(nil, newLoopRegistry(t), 0, observability.NewNopLogger())
	assert.Equal(t, 60*time.Second, loop.interval)
}
