package models

import "time"

// EndpointState is the last known weight and status of an endpoint
type EndpointState struct {
	EndpointID      string    `json:"endpoint_id" db:"endpoint_id"`
	Family          string    `json:"family" db:"family"`
	Weight          float64   `json:"weight" db:"weight"`
	Status          string    `json:"status" db:"status"`
	RegistryVersion int64     `json:"registry_version" db:"registry_version"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the EndpointState model
func (EndpointState) TableName() string {
	return "endpoint_state"
}

// NewEndpointState creates a new EndpointState instance
func NewEndpointState(endpointID, family string, weight float64, status string, version int64) *EndpointState {
	return &EndpointState{
		EndpointID:      endpointID,
		Family:          family,
		Weight:          weight,
		Status:          status,
		RegistryVersion: version,
		UpdatedAt:       time.Now().UTC(),
	}
}
