package metrics

import (
	"context"
	"time"
)

// MetricWindow aggregates one endpoint's traffic over [Since, Until].
type MetricWindow struct {
	EndpointID   string    `json:"endpointId"`
	IsCanary     bool      `json:"isCanary"`
	Since        time.Time `json:"since"`
	Until        time.Time `json:"until"`
	Requests     int64     `json:"requests"`
	SuccessRate  float64   `json:"successRate"`
	ErrorRate    float64   `json:"errorRate"`
	AvgLatencyMs float64   `json:"avgLatencyMs"`
	P95LatencyMs float64   `json:"p95LatencyMs"`
	QualityScore float64   `json:"qualityScore"`
	AvgCost      float64   `json:"avgCost"`
}

// IsEmpty reports whether the window carries no traffic signal at all.
func (w MetricWindow) IsEmpty() bool {
	return w.Requests == 0 && w.ErrorRate == 0 && w.AvgLatencyMs == 0 && w.P95LatencyMs == 0
}

// Provider returns traffic windows for endpoints.
type Provider interface {
	GetMetrics(ctx context.Context, endpointID string, since time.Time, isCanary bool) (MetricWindow, error)
}
