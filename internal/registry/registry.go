package registry

import (
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/upb/model-gateway/internal/canonical"
	"github.com/upb/model-gateway/internal/observability"
	"go.uber.org/zap"
)

// Bounds for the sum of non-disabled weights within a family.
const (
	WeightSumMin = 0.98
	WeightSumMax = 1.02
)

// Snapshot is an immutable view of the endpoint table.
type Snapshot struct {
	version uint64
	order   []string
	byID    map[string]ModelEndpoint
}

// Version increases by one with every committed write.
func (s *Snapshot) Version() uint64 {
	return s.version
}

// Get returns the endpoint with id.
func (s *Snapshot) Get(id string) (ModelEndpoint, bool) {
	ep, ok := s.byID[id]
	return ep, ok
}

// Endpoints returns every endpoint in configuration order.
func (s *Snapshot) Endpoints() []ModelEndpoint {
	out := make([]ModelEndpoint, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// Family returns the endpoints of family in configuration order.
func (s *Snapshot) Family(family string) []ModelEndpoint {
	var out []ModelEndpoint
	for _, id := range s.order {
		if ep := s.byID[id]; ep.Family == family {
			out = append(out, ep)
		}
	}
	return out
}

func (s *Snapshot) clone() *Snapshot {
	c := &Snapshot{
		version: s.version,
		order:   append([]string(nil), s.order...),
		byID:    make(map[string]ModelEndpoint, len(s.byID)),
	}
	for id, ep := range s.byID {
		c.byID[id] = ep
	}
	return c
}

// Registry holds the live endpoint table. Reads load an immutable snapshot
// without locking; writes build a new snapshot under a mutex and swap it in.
type Registry struct {
	mu        sync.Mutex
	current   atomic.Pointer[Snapshot]
	observers []Observer
	logger    observability.Logger
}

// New validates endpoints and builds a registry. Empty IDs default to
// provider/modelId@version and empty statuses to active.
func New(endpoints []ModelEndpoint, logger observability.Logger) (*Registry, error) {
	snap := &Snapshot{byID: make(map[string]ModelEndpoint, len(endpoints))}
	families := make(map[string]struct{})

	for _, ep := range endpoints {
		ep, err := normalizeEndpoint(ep)
		if err != nil {
			return nil, err
		}
		if _, dup := snap.byID[ep.ID]; dup {
			return nil, canonical.Newf(canonical.KindValidation, "duplicate endpoint id %q", ep.ID)
		}
		snap.order = append(snap.order, ep.ID)
		snap.byID[ep.ID] = ep
		families[ep.Family] = struct{}{}
	}

	if err := snap.validateFamilies(families); err != nil {
		return nil, err
	}

	r := &Registry{logger: logger}
	r.current.Store(snap)
	return r, nil
}

// Subscribe registers an observer for future writes.
func (r *Registry) Subscribe(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Snapshot returns the current immutable table.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// List returns the endpoints of family in configuration order.
func (r *Registry) List(family string) []ModelEndpoint {
	return r.Snapshot().Family(family)
}

// All returns every endpoint in configuration order.
func (r *Registry) All() []ModelEndpoint {
	return r.Snapshot().Endpoints()
}

// Families returns the distinct families in sorted order.
func (r *Registry) Families() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, ep := range r.All() {
		if _, ok := seen[ep.Family]; ok {
			continue
		}
		seen[ep.Family] = struct{}{}
		out = append(out, ep.Family)
	}
	sort.Strings(out)
	return out
}

// Get returns the endpoint with id or a NotFound error.
func (r *Registry) Get(id string) (ModelEndpoint, error) {
	ep, ok := r.Snapshot().Get(id)
	if !ok {
		return ModelEndpoint{}, canonical.Newf(canonical.KindNotFound, "endpoint %q not found", id)
	}
	return ep, nil
}

// SetWeight sets the weight of one endpoint. Setting the current value is a
// no-op and leaves the snapshot untouched.
func (r *Registry) SetWeight(id string, weight float64) error {
	return r.Apply(SetWeightChange(id, weight))
}

// SetStatus sets the status of one endpoint. Disabling an endpoint hands its
// weight to the remaining non-disabled endpoints of the family in proportion
// to their weights.
func (r *Registry) SetStatus(id string, status Status) error {
	return r.Apply(SetStatusChange(id, status))
}

// Apply commits every change in one swap, or none of them.
func (r *Registry) Apply(changes ...Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	next := cur.clone()
	touched := make(map[string]struct{})
	var disabled []string

	for _, c := range changes {
		ep, ok := next.byID[c.ID]
		if !ok {
			return canonical.Newf(canonical.KindNotFound, "endpoint %q not found", c.ID)
		}
		if c.Weight != nil {
			if err := checkWeight(*c.Weight); err != nil {
				return err
			}
			ep.Weight = *c.Weight
		}
		if c.Status != nil {
			if !c.Status.Valid() {
				return canonical.Newf(canonical.KindValidation, "invalid status %q", *c.Status)
			}
			if *c.Status == StatusDisabled && ep.Status != StatusDisabled {
				disabled = append(disabled, ep.ID)
			}
			ep.Status = *c.Status
		}
		next.byID[c.ID] = ep
		touched[ep.Family] = struct{}{}
	}

	for _, id := range disabled {
		next.redistribute(id)
	}

	if err := next.validateFamilies(touched); err != nil {
		return err
	}
	r.commit(cur, next)
	return nil
}

// Register adds a new endpoint. The family weight invariant must still hold,
// so new endpoints usually join with weight 0.
func (r *Registry) Register(ep ModelEndpoint) error {
	ep, err := normalizeEndpoint(ep)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	if _, exists := cur.byID[ep.ID]; exists {
		return canonical.Newf(canonical.KindValidation, "endpoint %q already registered", ep.ID)
	}

	next := cur.clone()
	next.order = append(next.order, ep.ID)
	next.byID[ep.ID] = ep

	if err := next.validateFamilies(map[string]struct{}{ep.Family: {}}); err != nil {
		return err
	}
	r.commit(cur, next)
	return nil
}

// Remove deletes an endpoint, handing its weight to the rest of the family.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	ep, ok := cur.byID[id]
	if !ok {
		return canonical.Newf(canonical.KindNotFound, "endpoint %q not found", id)
	}

	next := cur.clone()
	if ep.Selectable() {
		next.redistribute(id)
	}
	delete(next.byID, id)
	for i, oid := range next.order {
		if oid == id {
			next.order = append(next.order[:i], next.order[i+1:]...)
			break
		}
	}

	if err := next.validateFamilies(map[string]struct{}{ep.Family: {}}); err != nil {
		return err
	}
	r.commit(cur, next)
	return nil
}

// commit swaps next in when it differs from cur and notifies observers.
// Callers hold r.mu.
func (r *Registry) commit(cur, next *Snapshot) {
	var events []Event
	for _, id := range cur.order {
		before := cur.byID[id]
		after, ok := next.byID[id]
		switch {
		case !ok:
			events = append(events, Event{Type: EventRemoved, Endpoint: before})
		case after != before:
			prev := before
			events = append(events, Event{Type: EventUpdated, Endpoint: after, Previous: &prev})
		}
	}
	for _, id := range next.order {
		if _, ok := cur.byID[id]; !ok {
			events = append(events, Event{Type: EventRegistered, Endpoint: next.byID[id]})
		}
	}
	if len(events) == 0 {
		return
	}

	next.version = cur.version + 1
	r.current.Store(next)

	r.logger.Info(context.Background(), "registry updated",
		zap.Uint64("version", next.version),
		zap.Int("changed_endpoints", len(events)))

	for _, ev := range events {
		ev.Version = next.version
		for _, o := range r.observers {
			o.OnRegistryEvent(ev)
		}
	}
}

// redistribute zeroes the weight of id and spreads it over the other
// selectable endpoints of its family, proportionally to their weights or
// evenly when they all hold zero.
func (s *Snapshot) redistribute(id string) {
	ep := s.byID[id]
	freed := ep.Weight
	if freed == 0 {
		return
	}
	ep.Weight = 0
	s.byID[id] = ep

	var peers []string
	var total float64
	for _, oid := range s.order {
		other := s.byID[oid]
		if oid == id || other.Family != ep.Family || !other.Selectable() {
			continue
		}
		peers = append(peers, oid)
		total += other.Weight
	}
	if len(peers) == 0 {
		return
	}

	for _, pid := range peers {
		peer := s.byID[pid]
		if total > 0 {
			peer.Weight += freed * peer.Weight / total
		} else {
			peer.Weight += freed / float64(len(peers))
		}
		peer.Weight = math.Min(peer.Weight, 1)
		s.byID[pid] = peer
	}
}

func (s *Snapshot) validateFamilies(families map[string]struct{}) error {
	for family := range families {
		var sum float64
		var selectable int
		for _, id := range s.order {
			ep := s.byID[id]
			if ep.Family != family || !ep.Selectable() {
				continue
			}
			selectable++
			sum += ep.Weight
		}
		if selectable == 0 {
			continue
		}
		if sum < WeightSumMin || sum > WeightSumMax {
			return canonical.Newf(canonical.KindInvalidWeight,
				"weights of family %q sum to %.4f, expected between %.2f and %.2f",
				family, sum, WeightSumMin, WeightSumMax)
		}
	}
	return nil
}

func checkWeight(w float64) error {
	if math.IsNaN(w) || w < 0 || w > 1 {
		return canonical.Newf(canonical.KindInvalidWeight, "weight %v must be between 0 and 1", w)
	}
	return nil
}

func normalizeEndpoint(ep ModelEndpoint) (ModelEndpoint, error) {
	if ep.Family == "" || ep.Provider == "" || ep.ModelID == "" {
		return ep, canonical.New(canonical.KindValidation, "endpoint requires family, provider and modelId")
	}
	if ep.ID == "" {
		ep.ID = EndpointID(ep.Provider, ep.ModelID, ep.Version)
	}
	if ep.Status == "" {
		ep.Status = StatusActive
	}
	if !ep.Status.Valid() {
		return ep, canonical.Newf(canonical.KindValidation, "invalid status %q for endpoint %q", ep.Status, ep.ID)
	}
	if err := checkWeight(ep.Weight); err != nil {
		return ep, err
	}
	return ep, nil
}
