package handlers

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/upb/model-gateway/internal/breaker"
	"github.com/upb/model-gateway/internal/canonical"
	"github.com/upb/model-gateway/internal/observability"
	"github.com/upb/model-gateway/internal/registry"
	"github.com/upb/model-gateway/middleware"
	"github.com/upb/model-gateway/utils"
	"go.uber.org/zap"
)

// EndpointRegistry is the registry surface the endpoint routes use
type EndpointRegistry interface {
	List(family string) []registry.ModelEndpoint
	All() []registry.ModelEndpoint
	Get(id string) (registry.ModelEndpoint, error)
	SetWeight(id string, weight float64) error
	SetStatus(id string, status registry.Status) error
	Apply(changes ...registry.Change) error
}

// CircuitReader reports breaker state per endpoint
type CircuitReader interface {
	Snapshot(endpointID string) breaker.CircuitState
}

// SetWeightRequest is the body of PUT /v1/endpoints/{id}/weight
type SetWeightRequest struct {
	Weight *float64 `json:"weight" validate:"required,gte=0,lte=1"`
}

// SetStatusRequest is the body of PUT /v1/endpoints/{id}/status
type SetStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=active draining disabled"`
}

// SetFamilyWeightsRequest is the body of PUT /v1/families/{family}/weights.
// All weights are applied together, so a family can be rebalanced in one call.
type SetFamilyWeightsRequest struct {
	Weights map[string]float64 `json:"weights" validate:"required,min=1,dive,gte=0,lte=1"`
}

// EndpointView is an endpoint with its circuit state
type EndpointView struct {
	registry.ModelEndpoint
	Circuit breaker.State `json:"circuit"`
}

// EndpointHandler serves the endpoint table
type EndpointHandler struct {
	registry EndpointRegistry
	circuits CircuitReader
	logger   *zap.Logger
}

// NewEndpointHandler creates a new EndpointHandler
func NewEndpointHandler(reg EndpointRegistry, circuits CircuitReader, logger *zap.Logger) *EndpointHandler {
	return &EndpointHandler{
		registry: reg,
		circuits: circuits,
		logger:   logger,
	}
}

// HandleList handles GET /v1/endpoints[?family=]
func (h *EndpointHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	var eps []registry.ModelEndpoint
	if family := r.URL.Query().Get("family"); family != "" {
		eps = h.registry.List(family)
	} else {
		eps = h.registry.All()
	}

	views := make([]EndpointView, 0, len(eps))
	for _, ep := range eps {
		views = append(views, h.view(ep))
	}
	if err := utils.WriteOK(w, views); err != nil {
		h.logger.Error("failed to write endpoints response", zap.Error(err))
	}
}

// HandleGet handles GET /v1/endpoints/{id}
func (h *EndpointHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ep, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := utils.WriteOK(w, h.view(ep)); err != nil {
		h.logger.Error("failed to write endpoint response", zap.Error(err))
	}
}

// HandleCircuit handles GET /v1/endpoints/{id}/circuit
func (h *EndpointHandler) HandleCircuit(w http.ResponseWriter, r *http.Request) {
	ep, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := utils.WriteOK(w, h.circuits.Snapshot(ep.ID)); err != nil {
		h.logger.Error("failed to write circuit response", zap.Error(err))
	}
}

// HandleSetWeight handles PUT /v1/endpoints/{id}/weight
func (h *EndpointHandler) HandleSetWeight(w http.ResponseWriter, r *http.Request) {
	ep, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var req SetWeightRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		HandleServiceError(w, r, err, h.logger)
		return
	}

	if err := h.registry.SetWeight(ep.ID, *req.Weight); err != nil {
		HandleServiceError(w, r, err, h.logger)
		return
	}
	h.audit(r, "endpoint weight changed", ep.ID, zap.Float64("from", ep.Weight), zap.Float64("to", *req.Weight))
	h.respondCurrent(w, r, ep.ID)
}

// HandleSetStatus handles PUT /v1/endpoints/{id}/status
func (h *EndpointHandler) HandleSetStatus(w http.ResponseWriter, r *http.Request) {
	ep, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var req SetStatusRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		HandleServiceError(w, r, err, h.logger)
		return
	}

	if err := h.registry.SetStatus(ep.ID, registry.Status(req.Status)); err != nil {
		HandleServiceError(w, r, err, h.logger)
		return
	}
	h.audit(r, "endpoint status changed", ep.ID, zap.String("from", string(ep.Status)), zap.String("to", req.Status))
	h.respondCurrent(w, r, ep.ID)
}

// HandleSetFamilyWeights handles PUT /v1/families/{family}/weights
func (h *EndpointHandler) HandleSetFamilyWeights(w http.ResponseWriter, r *http.Request) {
	family := chi.URLParam(r, "family")

	var req SetFamilyWeightsRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		HandleServiceError(w, r, err, h.logger)
		return
	}

	changes := make([]registry.Change, 0, len(req.Weights))
	for id, weight := range req.Weights {
		ep, err := h.registry.Get(id)
		if err != nil {
			HandleServiceError(w, r, err, h.logger)
			return
		}
		if ep.Family != family {
			HandleServiceError(w, r, canonical.Newf(canonical.KindValidation,
				"endpoint %q belongs to family %q", id, ep.Family), h.logger)
			return
		}
		changes = append(changes, registry.SetWeightChange(id, weight))
	}

	if err := h.registry.Apply(changes...); err != nil {
		HandleServiceError(w, r, err, h.logger)
		return
	}
	h.audit(r, "family weights changed", "", zap.String("family", family), zap.Any("weights", req.Weights))

	eps := h.registry.List(family)
	views := make([]EndpointView, 0, len(eps))
	for _, ep := range eps {
		views = append(views, h.view(ep))
	}
	if err := utils.WriteOK(w, views); err != nil {
		h.logger.Error("failed to write endpoints response", zap.Error(err))
	}
}

// lookup resolves the {id} parameter. Ids contain slashes, so clients send
// them path-escaped.
func (h *EndpointHandler) lookup(w http.ResponseWriter, r *http.Request) (registry.ModelEndpoint, bool) {
	id, err := url.PathUnescape(chi.URLParam(r, "id"))
	if err != nil || id == "" {
		HandleServiceError(w, r, canonical.NewAPIError(canonical.KindValidation, "invalid endpoint id"), h.logger)
		return registry.ModelEndpoint{}, false
	}
	ep, err := h.registry.Get(id)
	if err != nil {
		HandleServiceError(w, r, err, h.logger)
		return registry.ModelEndpoint{}, false
	}
	return ep, true
}

func (h *EndpointHandler) respondCurrent(w http.ResponseWriter, r *http.Request, id string) {
	ep, err := h.registry.Get(id)
	if err != nil {
		HandleServiceError(w, r, err, h.logger)
		return
	}
	if err := utils.WriteOK(w, h.view(ep)); err != nil {
		h.logger.Error("failed to write endpoint response", zap.Error(err))
	}
}

func (h *EndpointHandler) view(ep registry.ModelEndpoint) EndpointView {
	return EndpointView{ModelEndpoint: ep, Circuit: h.circuits.Snapshot(ep.ID).State}
}

func (h *EndpointHandler) audit(r *http.Request, msg, id string, fields ...zap.Field) {
	operator := ""
	if claims := middleware.GetClaimsFromContext(r.Context()); claims != nil {
		operator = claims.Subject
	}
	h.logger.Info(msg, append([]zap.Field{
		zap.String("request_id", observability.RequestIDFromContext(r.Context())),
		zap.String("endpoint_id", id),
		zap.String("operator", operator),
	}, fields...)...)
}
