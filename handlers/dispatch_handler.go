package handlers

import (
	"context"
	"net/http"

	"github.com/upb/model-gateway/internal/observability"
	"github.com/upb/model-gateway/internal/providers"
	"github.com/upb/model-gateway/services/dispatch"
	"github.com/upb/model-gateway/utils"
	"go.uber.org/zap"
)

// Dispatcher routes one request to an endpoint of its family
type Dispatcher interface {
	Dispatch(ctx context.Context, req *providers.Request) (*dispatch.Result, error)
}

// DispatchHandler handles POST /v1/dispatch
type DispatchHandler struct {
	dispatcher Dispatcher
	logger     *zap.Logger
}

// NewDispatchHandler creates a new DispatchHandler
func NewDispatchHandler(dispatcher Dispatcher, logger *zap.Logger) *DispatchHandler {
	return &DispatchHandler{
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// HandleDispatch decodes the request, dispatches it and returns the result
func (h *DispatchHandler) HandleDispatch(w http.ResponseWriter, r *http.Request) {
	var req providers.Request
	if err := utils.DecodeJSON(r, &req); err != nil {
		HandleServiceError(w, r, err, h.logger)
		return
	}

	result, err := h.dispatcher.Dispatch(r.Context(), &req)
	if err != nil {
		HandleServiceError(w, r, err, h.logger)
		return
	}

	h.logger.Debug("request dispatched",
		zap.String("request_id", observability.RequestIDFromContext(r.Context())),
		zap.String("family", req.Model),
		zap.String("endpoint_id", result.EndpointID),
		zap.Int("attempts", result.Attempts))

	if err := utils.WriteOK(w, result); err != nil {
		h.logger.Error("failed to write dispatch response", zap.Error(err))
	}
}
