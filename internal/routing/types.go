package routing

import (
	"math/rand/v2"
	"sync"

	"github.com/upb/model-gateway/internal/registry"
)

// Strategy picks one endpoint from a non-empty candidate list.
type Strategy interface {
	Select(candidates []registry.ModelEndpoint) registry.ModelEndpoint
}

// WeightedRandom selects with probability proportional to weight, normalized
// over the candidates it is given. When every candidate weighs zero the
// choice is uniform.
type WeightedRandom struct {
	float func() float64
}

// NewWeightedRandom uses the process-wide random source.
func NewWeightedRandom() *WeightedRandom {
	return &WeightedRandom{float: rand.Float64}
}

// NewSeededWeightedRandom gives a reproducible sequence, for tests and
// simulations.
func NewSeededWeightedRandom(seed uint64) *WeightedRandom {
	src := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	var mu sync.Mutex
	return &WeightedRandom{float: func() float64 {
		mu.Lock()
		defer mu.Unlock()
		return src.Float64()
	}}
}

func (w *WeightedRandom) Select(candidates []registry.ModelEndpoint) registry.ModelEndpoint {
	if len(candidates) == 1 {
		return candidates[0]
	}

	var total float64
	for _, c := range candidates {
		if c.Weight > 0 {
			total += c.Weight
		}
	}
	if total <= 0 {
		return candidates[int(w.float()*float64(len(candidates)))%len(candidates)]
	}

	target := w.float() * total
	var cumulative float64
	for _, c := range candidates {
		if c.Weight <= 0 {
			continue
		}
		cumulative += c.Weight
		if target < cumulative {
			return c
		}
	}

	// Rounding can leave target equal to total; fall back to the last
	// weighted candidate.
	for i := len(candidates) - 1; i >= 0; i-- {
		if candidates[i].Weight > 0 {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}
