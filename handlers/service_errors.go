package handlers

import (
	"errors"
	"net/http"

	"github.com/upb/model-gateway/internal/canonical"
	"github.com/upb/model-gateway/internal/observability"
	"github.com/upb/model-gateway/utils"
	"go.uber.org/zap"
)

var errorNormalizer = canonical.NewNormalizer()

// HandleServiceError writes err as the error envelope. Errors that are not
// already canonical are normalized first; the status comes from the kind.
func HandleServiceError(w http.ResponseWriter, r *http.Request, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	var verr *utils.ValidationError
	if errors.As(err, &verr) {
		err = verr.APIError()
	}

	cerr := errorNormalizer.Normalize(err, "")

	fields := []zap.Field{
		zap.String("request_id", observability.RequestIDFromContext(r.Context())),
		zap.String("code", string(cerr.Kind)),
		zap.Int("status", cerr.HTTPStatus),
		zap.String("correlation_id", cerr.CorrelationID),
		zap.String("endpoint_id", cerr.EndpointID),
		zap.String("path", r.URL.Path),
	}
	if cerr.Kind == canonical.KindInternal {
		// Internal causes stay in the log; callers get a generic message.
		logger.Error("internal server error", append(fields, zap.Error(err))...)
		cerr = canonical.New(canonical.KindInternal, "An internal error occurred").WithCorrelationID(cerr.CorrelationID)
	} else {
		logger.Warn("request failed", append(fields, zap.String("message", cerr.Message))...)
	}

	if werr := utils.WriteCanonicalError(w, r, cerr); werr != nil {
		logger.Error("failed to write error response", zap.Error(werr))
	}
}
