package metrics

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/upb/model-gateway/internal/canonical"
	"github.com/upb/model-gateway/internal/observability"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// QueryAPI is the subset of the Prometheus HTTP API the provider uses.
type QueryAPI interface {
	Query(ctx context.Context, query string, ts time.Time, opts ...v1.Option) (model.Value, v1.Warnings, error)
}

// Config controls the Prometheus-backed provider.
type Config struct {
	Address      string
	QueryTimeout time.Duration
	// Optional gauges holding per-request quality scores and costs. When
	// empty, QualityScore is reported as 1 and AvgCost as 0.
	QualityMetric string
	CostMetric    string
}

// PrometheusProvider computes MetricWindows from the dispatcher's own series.
type PrometheusProvider struct {
	api    QueryAPI
	cfg    Config
	logger observability.Logger
	now    func() time.Time
}

// NewPrometheusProvider connects to the Prometheus server at cfg.Address.
func NewPrometheusProvider(cfg Config, logger observability.Logger) (*PrometheusProvider, error) {
	client, err := api.NewClient(api.Config{Address: cfg.Address})
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus client: %w", err)
	}
	return NewPrometheusProviderWithAPI(v1.NewAPI(client), cfg, logger), nil
}

// NewPrometheusProviderWithAPI uses an existing query API.
func NewPrometheusProviderWithAPI(q QueryAPI, cfg Config, logger observability.Logger) *PrometheusProvider {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 10 * time.Second
	}
	return &PrometheusProvider{api: q, cfg: cfg, logger: logger, now: time.Now}
}

// GetMetrics queries the window [since, now] for one endpoint. Each
// sub-query that fails or yields no sample contributes 0 to its field; the
// failure is logged rather than returned.
func (p *PrometheusProvider) GetMetrics(ctx context.Context, endpointID string, since time.Time, isCanary bool) (MetricWindow, error) {
	if endpointID == "" {
		return MetricWindow{}, canonical.New(canonical.KindValidation, "endpoint id is required")
	}

	until := p.now()
	seconds := int64(math.Round(until.Sub(since).Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	rng := fmt.Sprintf("[%ds]", seconds)
	sel := fmt.Sprintf("%s=%s,%s=%s",
		observability.LabelModelID, strconv.Quote(endpointID),
		observability.LabelIsCanary, strconv.Quote(strconv.FormatBool(isCanary)))
	errSel := fmt.Sprintf("%s,%s=%s", sel, observability.LabelOutcome, strconv.Quote(observability.OutcomeError))

	var requests, errs, latencySum, latencyCount, p95, quality, cost float64
	queries := []struct {
		name  string
		query string
		dst   *float64
	}{
		{"requests", fmt.Sprintf("sum(increase(%s{%s}%s))", observability.RequestsTotalMetric, sel, rng), &requests},
		{"errors", fmt.Sprintf("sum(increase(%s{%s}%s))", observability.RequestsTotalMetric, errSel, rng), &errs},
		{"latency_sum", fmt.Sprintf("sum(increase(%s_sum{%s}%s))", observability.RequestDurationMetric, sel, rng), &latencySum},
		{"latency_count", fmt.Sprintf("sum(increase(%s_count{%s}%s))", observability.RequestDurationMetric, sel, rng), &latencyCount},
		{"p95", fmt.Sprintf("histogram_quantile(0.95, sum by (le) (rate(%s_bucket{%s}%s)))", observability.RequestDurationMetric, sel, rng), &p95},
	}
	if p.cfg.QualityMetric != "" {
		queries = append(queries, struct {
			name  string
			query string
			dst   *float64
		}{"quality", fmt.Sprintf("avg(avg_over_time(%s{%s}%s))", p.cfg.QualityMetric, sel, rng), &quality})
	}
	if p.cfg.CostMetric != "" {
		queries = append(queries, struct {
			name  string
			query string
			dst   *float64
		}{"cost", fmt.Sprintf("avg(avg_over_time(%s{%s}%s))", p.cfg.CostMetric, sel, rng), &cost})
	}

	var g errgroup.Group
	for _, q := range queries {
		g.Go(func() error {
			*q.dst = p.scalar(ctx, endpointID, q.name, q.query, until)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return MetricWindow{}, canonical.Wrap(canonical.KindTimeout, "metrics query cancelled", err).WithEndpoint(endpointID)
	}

	w := MetricWindow{
		EndpointID:   endpointID,
		IsCanary:     isCanary,
		Since:        since,
		Until:        until,
		Requests:     int64(math.Round(requests)),
		P95LatencyMs: p95 * 1000,
		QualityScore: 1,
		AvgCost:      cost,
	}
	if p.cfg.QualityMetric != "" {
		w.QualityScore = quality
	}
	if requests > 0 {
		w.ErrorRate = math.Min(errs/requests, 1)
		w.SuccessRate = 1 - w.ErrorRate
	}
	if latencyCount > 0 {
		w.AvgLatencyMs = latencySum / latencyCount * 1000
	}
	return w, nil
}

// scalar runs one instant query and reduces the result to a float. Missing,
// NaN and infinite results become 0.
func (p *PrometheusProvider) scalar(ctx context.Context, endpointID, name, query string, ts time.Time) float64 {
	qctx, cancel := context.WithTimeout(ctx, p.cfg.QueryTimeout)
	defer cancel()

	val, warnings, err := p.api.Query(qctx, query, ts)
	if err != nil {
		p.logger.Warn(ctx, "metrics sub-query failed",
			zap.String("endpoint_id", endpointID),
			zap.String("query_name", name),
			zap.Error(err))
		return 0
	}
	if len(warnings) > 0 {
		p.logger.Debug(ctx, "metrics sub-query warnings",
			zap.String("query_name", name),
			zap.Strings("warnings", warnings))
	}

	var f float64
	switch v := val.(type) {
	case model.Vector:
		if len(v) == 0 {
			return 0
		}
		f = float64(v[0].Value)
	case *model.Scalar:
		f = float64(v.Value)
	default:
		p.logger.Warn(ctx, "unexpected metrics result type",
			zap.String("query_name", name),
			zap.String("type", fmt.Sprintf("%T", val)))
		return 0
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		p.logger.Debug(ctx, "metrics sub-query returned no usable value",
			zap.String("endpoint_id", endpointID),
			zap.String("query_name", name))
		return 0
	}
	return f
}
