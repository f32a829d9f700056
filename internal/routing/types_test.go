package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/upb/model-gateway/internal/registry"
)

func TestWeightedRandom_FrequencyMatchesWeights(t *testing.T) {
	candidates := []registry.ModelEndpoint{
		{ID: "a", Weight: 0.7},
		{ID: "b", Weight: 0.2},
		{ID: "c", Weight: 0.1},
	}
	s := NewSeededWeightedRandom(42)

	const draws = 20000
	counts := map[string]int{}
	for i := 0; i < draws; i++ {
		counts[s.Select(candidates).ID]++
	}

	for _, c := range candidates {
		got := float64(counts[c.ID]) / draws
		assert.InDelta(t, c.Weight, got, 0.02, "endpoint %s", c.ID)
	}
}

func TestWeightedRandom_RenormalizesOverSubset(t *testing.T) {
	// The remaining pair holds 0.3 of the family; selection must still
	// follow 2:1.
	candidates := []registry.ModelEndpoint{
		{ID: "b", Weight: 0.2},
		{ID: "c", Weight: 0.1},
	}
	s := NewSeededWeightedRandom(7)

	const draws = 15000
	counts := map[string]int{}
	for i := 0; i < draws; i++ {
		counts[s.Select(candidates).ID]++
	}

	assert.InDelta(t, 2.0/3.0, float64(counts["b"])/draws, 0.02)
	assert.InDelta(t, 1.0/3.0, float64(counts["c"])/draws, 0.02)
}

func TestWeightedRandom_ZeroWeightsUniform(t *testing.T) {
	candidates := []registry.ModelEndpoint{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}}
	s := NewSeededWeightedRandom(1)

	const draws = 20000
	counts := map[string]int{}
	for i := 0; i < draws; i++ {
		counts[s.Select(candidates).ID]++
	}
	for _, c := range candidates {
		assert.InDelta(t, 0.25, float64(counts[c.ID])/draws, 0.02)
	}
}

func TestWeightedRandom_NeverPicksZeroWeightWhenOthersWeighted(t *testing.T) {
	candidates := []registry.ModelEndpoint{{ID: "zero", Weight: 0}, {ID: "one", Weight: 1}}
	s := NewWeightedRandom()
	for i := 0; i < 1000; i++ {
		assert.Equal(t, "one", s.Select(candidates).ID)
	}
}

func TestWeightedRandom_UpperBoundFallback(t *testing.T) {
	s := &WeightedRandom{float: func() float64 { return 1.0 }}
	candidates := []registry.ModelEndpoint{{ID: "a", Weight: 0.5}, {ID: "b", Weight: 0.5}, {ID: "z", Weight: 0}}
	assert.Equal(t, "b", s.Select(candidates).ID)
}
