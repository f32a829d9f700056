package utils

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/upb/model-gateway/internal/canonical"
	"github.com/upb/model-gateway/internal/observability"
)

// SuccessResponse is the envelope for successful responses
type SuccessResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
}

// ErrorBody describes a failed request
type ErrorBody struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp string                 `json:"timestamp"`
	RequestID string                 `json:"requestId"`
}

// ErrorResponse is the envelope for failed responses
type ErrorResponse struct {
	Success bool      `json:"success"`
	Error   ErrorBody `json:"error"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return nil
	}

	return json.NewEncoder(w).Encode(data)
}

// WriteOK writes a 200 OK response wrapping data
func WriteOK(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: data})
}

// WriteError writes the error envelope. The request ID is taken from r.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code canonical.Kind, message string, details map[string]interface{}) error {
	return WriteJSON(w, status, ErrorResponse{
		Error: ErrorBody{
			Code:      string(code),
			Message:   message,
			Details:   details,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			RequestID: observability.RequestIDFromContext(r.Context()),
		},
	})
}

// WriteCanonicalError writes a normalized error with its own status and details
func WriteCanonicalError(w http.ResponseWriter, r *http.Request, err *canonical.Error) error {
	details := map[string]interface{}{}
	for k, v := range err.ProviderDetail {
		details[k] = v
	}
	if err.EndpointID != "" {
		details["endpointId"] = err.EndpointID
	}
	if err.CorrelationID != "" {
		details["correlationId"] = err.CorrelationID
	}
	details["retryable"] = err.Retryable

	status := err.HTTPStatus
	if status == 0 {
		status = canonical.StatusFor(err.Kind)
	}
	return WriteError(w, r, status, err.Kind, err.Message, details)
}

// WriteBadRequest writes a 400 ValidationError response
func WriteBadRequest(w http.ResponseWriter, r *http.Request, message string, details map[string]interface{}) error {
	return WriteError(w, r, http.StatusBadRequest, canonical.KindValidation, message, details)
}

// WriteUnauthorized writes a 401 Unauthorized response
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, message string) error {
	if message == "" {
		message = "Authentication required"
	}
	return WriteError(w, r, http.StatusUnauthorized, canonical.KindUnauthorized, message, nil)
}

// WriteForbidden writes a 403 Forbidden response
func WriteForbidden(w http.ResponseWriter, r *http.Request, message string) error {
	if message == "" {
		message = "Access forbidden"
	}
	return WriteError(w, r, http.StatusForbidden, canonical.KindForbidden, message, nil)
}

// WriteNotFound writes a 404 NotFound response
func WriteNotFound(w http.ResponseWriter, r *http.Request, message string) error {
	if message == "" {
		message = "Resource not found"
	}
	return WriteError(w, r, http.StatusNotFound, canonical.KindNotFound, message, nil)
}

// WriteInternalServerError writes a 500 Internal response
func WriteInternalServerError(w http.ResponseWriter, r *http.Request, message string) error {
	if message == "" {
		message = "Internal server error"
	}
	return WriteError(w, r, http.StatusInternalServerError, canonical.KindInternal, message, nil)
}

// DecodeJSON decodes the request body into dst, rejecting unknown fields,
// and validates the result.
func DecodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return canonical.NewAPIError(canonical.KindValidation, "request body too large")
		}
		return canonical.NewAPIError(canonical.KindValidation, "invalid JSON body: "+err.Error())
	}
	return ValidateStruct(dst)
}
