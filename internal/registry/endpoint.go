package registry

import "fmt"

// Status is the lifecycle state of an endpoint.
type Status string

const (
	StatusActive   Status = "active"
	StatusDraining Status = "draining"
	StatusDisabled Status = "disabled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusDraining, StatusDisabled:
		return true
	}
	return false
}

// ModelEndpoint is one routable provider/model/version within a family.
type ModelEndpoint struct {
	ID       string  `json:"id"`
	Family   string  `json:"family"`
	Provider string  `json:"provider"`
	ModelID  string  `json:"modelId"`
	Version  string  `json:"version"`
	IsCanary bool    `json:"isCanary"`
	Weight   float64 `json:"weight"`
	Status   Status  `json:"status"`
}

// EndpointID builds the default identifier provider/modelId@version.
func EndpointID(provider, modelID, version string) string {
	if version == "" {
		return fmt.Sprintf("%s/%s", provider, modelID)
	}
	return fmt.Sprintf("%s/%s@%s", provider, modelID, version)
}

// Selectable reports whether the endpoint may receive traffic.
func (e ModelEndpoint) Selectable() bool {
	return e.Status != StatusDisabled
}

// Change is one edit inside an atomic Apply. Nil fields are left untouched.
type Change struct {
	ID     string
	Weight *float64
	Status *Status
}

// SetWeightChange builds a Change that only sets the weight.
func SetWeightChange(id string, weight float64) Change {
	return Change{ID: id, Weight: &weight}
}

// SetStatusChange builds a Change that only sets the status.
func SetStatusChange(id string, status Status) Change {
	return Change{ID: id, Status: &status}
}

// EventType identifies a registry mutation.
type EventType string

const (
	EventRegistered EventType = "registered"
	EventRemoved    EventType = "removed"
	EventUpdated    EventType = "updated"
)

// Event describes one endpoint affected by a committed write.
type Event struct {
	Type     EventType
	Endpoint ModelEndpoint
	Previous *ModelEndpoint
	Version  uint64
}

// Observer is notified synchronously, in commit order, after each write.
// Implementations must not block and must not write to the registry.
type Observer interface {
	OnRegistryEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnRegistryEvent(e Event) { f(e) }
