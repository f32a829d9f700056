package handlers

import (
	"context"
	"net/http"

	"github.com/upb/model-gateway/internal/canonical"
	"github.com/upb/model-gateway/models"
	"github.com/upb/model-gateway/services/canary"
	"github.com/upb/model-gateway/utils"
	"go.uber.org/zap"
)

// CanaryEvaluator runs one canary comparison
type CanaryEvaluator interface {
	Evaluate(ctx context.Context, canaryID, baselineID string) (*canary.Evaluation, error)
}

// FamilyEvaluator evaluates every canary of a family against its baseline
type FamilyEvaluator interface {
	Pairs(family string) []canary.Pair
	EvaluateFamily(ctx context.Context, family string) []*canary.Evaluation
}

// EvaluationHistory lists journaled evaluations
type EvaluationHistory interface {
	History(ctx context.Context, family string, limit, offset int) ([]*models.CanaryEvaluation, error)
}

// EvaluateRequest is the body of POST /v1/canary/evaluate. Either a canary
// and baseline pair or a whole family is evaluated.
type EvaluateRequest struct {
	Family     string `json:"family" validate:"required_without=CanaryID"`
	CanaryID   string `json:"canaryId" validate:"required_without=Family"`
	BaselineID string `json:"baselineId" validate:"required_with=CanaryID"`
}

// CanaryHandler serves canary evaluation
type CanaryHandler struct {
	evaluator CanaryEvaluator
	families  FamilyEvaluator
	history   EvaluationHistory
	logger    *zap.Logger
}

// NewCanaryHandler creates a new CanaryHandler. history may be nil when the
// journal is disabled.
func NewCanaryHandler(evaluator CanaryEvaluator, families FamilyEvaluator, history EvaluationHistory, logger *zap.Logger) *CanaryHandler {
	return &CanaryHandler{
		evaluator: evaluator,
		families:  families,
		history:   history,
		logger:    logger,
	}
}

// HandleEvaluate handles POST /v1/canary/evaluate
func (h *CanaryHandler) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		HandleServiceError(w, r, err, h.logger)
		return
	}

	if req.CanaryID == "" {
		evals := h.families.EvaluateFamily(r.Context(), req.Family)
		if evals == nil {
			evals = []*canary.Evaluation{}
		}
		if err := utils.WriteOK(w, evals); err != nil {
			h.logger.Error("failed to write evaluations response", zap.Error(err))
		}
		return
	}

	eval, err := h.evaluator.Evaluate(r.Context(), req.CanaryID, req.BaselineID)
	if err != nil {
		HandleServiceError(w, r, err, h.logger)
		return
	}
	if err := utils.WriteOK(w, eval); err != nil {
		h.logger.Error("failed to write evaluation response", zap.Error(err))
	}
}

// HandlePairs handles GET /v1/canary/pairs?family=
func (h *CanaryHandler) HandlePairs(w http.ResponseWriter, r *http.Request) {
	family := r.URL.Query().Get("family")
	if family == "" {
		HandleServiceError(w, r, canonical.NewAPIError(canonical.KindValidation, "family is required"), h.logger)
		return
	}
	pairs := h.families.Pairs(family)
	if pairs == nil {
		pairs = []canary.Pair{}
	}
	if err := utils.WriteOK(w, pairs); err != nil {
		h.logger.Error("failed to write pairs response", zap.Error(err))
	}
}

// HandleHistory handles GET /v1/canary/history?family=&limit=&offset=
func (h *CanaryHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		HandleServiceError(w, r, canonical.New(canonical.KindNotFound, "evaluation history is not enabled"), h.logger)
		return
	}

	family := r.URL.Query().Get("family")
	if family == "" {
		HandleServiceError(w, r, canonical.NewAPIError(canonical.KindValidation, "family is required"), h.logger)
		return
	}
	limit, offset, err := utils.ParsePagination(r, 20, 100)
	if err != nil {
		HandleServiceError(w, r, err, h.logger)
		return
	}

	evals, err := h.history.History(r.Context(), family, limit, offset)
	if err != nil {
		HandleServiceError(w, r, err, h.logger)
		return
	}
	if evals == nil {
		evals = []*models.CanaryEvaluation{}
	}
	if err := utils.WriteOK(w, evals); err != nil {
		h.logger.Error("failed to write history response", zap.Error(err))
	}
}
