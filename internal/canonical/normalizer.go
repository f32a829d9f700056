package canonical

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/upb/model-gateway/internal/providers"
)

var (
	rateLimitCodes = map[string]struct{}{
		"rate_limit_exceeded":     {},
		"rate_limit_error":        {},
		"insufficient_quota":      {},
		"overloaded_error":        {},
		"throttlingexception":     {},
		"too_many_requests":       {},
		"resource_exhausted":      {},
		"requests_limit_exceeded": {},
	}

	// Message fragments are a last resort for errors that carry no
	// structured status or code.
	rateLimitPatterns = []string{"rate limit", "rate_limit", "too many requests", "quota", "overloaded", "status 429"}
	timeoutPatterns   = []string{"timeout", "timed out", "deadline exceeded"}
	authPatterns      = []string{"invalid api key", "invalid_api_key", "unauthorized", "authentication"}

	defaultVendors = []string{"openai", "anthropic", "azure", "bedrock", "vertex", "gemini", "cohere", "mistral", "groq", "together"}

	defaultDetailAllowList = []string{"type", "code", "param", "status", "request_id", "vendor"}
)

// Normalizer maps raw errors to canonical errors. Rules are evaluated in
// order and the first match wins.
type Normalizer struct {
	vendors []string
	allow   map[string]struct{}
	newID   func() string
}

// Option customizes a Normalizer.
type Option func(*Normalizer)

// WithVendors replaces the vendor names recognised in unstructured messages.
func WithVendors(vendors ...string) Option {
	return func(n *Normalizer) {
		n.vendors = lowerAll(vendors)
	}
}

// WithDetailAllowList replaces the provider detail keys that survive normalization.
func WithDetailAllowList(keys ...string) Option {
	return func(n *Normalizer) {
		n.allow = toSet(keys)
	}
}

// WithIDGenerator replaces the correlation ID generator.
func WithIDGenerator(fn func() string) Option {
	return func(n *Normalizer) {
		n.newID = fn
	}
}

func NewNormalizer(opts ...Option) *Normalizer {
	n := &Normalizer{
		vendors: defaultVendors,
		allow:   toSet(defaultDetailAllowList),
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize classifies raw. providerHint is the provider of the endpoint that
// produced the error, if known. The result always carries a correlation ID.
func (n *Normalizer) Normalize(raw error, providerHint string) *Error {
	if raw == nil {
		return nil
	}
	out := n.classify(raw, strings.ToLower(providerHint))
	if out.CorrelationID == "" {
		out = out.WithCorrelationID(n.newID())
	}
	return out
}

func (n *Normalizer) classify(raw error, hint string) *Error {
	var ce *Error
	if errors.As(raw, &ce) {
		return ce
	}

	var apiErr *APIError
	if errors.As(raw, &apiErr) {
		e := Wrap(apiErr.Code, apiErr.Message, raw)
		if apiErr.Status != 0 {
			e.HTTPStatus = apiErr.Status
		}
		e.Retryable = false
		if len(apiErr.Fields) > 0 {
			e.ProviderDetail = make(map[string]any, len(apiErr.Fields))
			for k, v := range apiErr.Fields {
				e.ProviderDetail[k] = v
			}
		}
		return e
	}

	var pe *providers.Error
	structured := errors.As(raw, &pe)
	msg := strings.ToLower(raw.Error())

	if structured && isRateLimited(pe) || !structured && containsAny(msg, rateLimitPatterns) {
		e := Wrap(KindRateLimited, "provider capacity or quota exhausted", raw)
		e.ProviderDetail = n.detail(pe, hint)
		return e
	}

	if isTimeout(raw, pe) || !structured && containsAny(msg, timeoutPatterns) {
		e := Wrap(KindTimeout, "provider call timed out", raw)
		e.ProviderDetail = n.detail(pe, hint)
		return e
	}

	if structured {
		switch pe.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			e := Wrap(KindUnauthorized, "provider rejected credentials", raw)
			e.HTTPStatus = pe.StatusCode
			e.ProviderDetail = n.detail(pe, hint)
			return e
		case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
			e := Wrap(KindValidation, "provider rejected the request", raw)
			e.ProviderDetail = n.detail(pe, hint)
			return e
		}
		e := Wrap(KindProviderError, "provider returned an error", raw)
		e.ProviderDetail = n.detail(pe, hint)
		return e
	}

	if containsAny(msg, authPatterns) {
		return Wrap(KindUnauthorized, "provider rejected credentials", raw)
	}

	if vendor := n.vendorIn(msg, hint); vendor != "" {
		e := Wrap(KindProviderError, "provider returned an error", raw)
		e.ProviderDetail = map[string]any{"vendor": vendor}
		return e
	}

	return Wrap(KindInternal, "internal error", raw)
}

func isRateLimited(pe *providers.Error) bool {
	if pe.StatusCode == http.StatusTooManyRequests || pe.StatusCode == 529 {
		return true
	}
	for _, code := range []string{pe.Code, pe.Type} {
		if _, ok := rateLimitCodes[strings.ToLower(code)]; ok {
			return true
		}
	}
	return false
}

func isTimeout(raw error, pe *providers.Error) bool {
	if errors.Is(raw, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(raw, &ne) && ne.Timeout() {
		return true
	}
	return pe != nil && (pe.StatusCode == http.StatusRequestTimeout || pe.StatusCode == http.StatusGatewayTimeout)
}

func (n *Normalizer) vendorIn(msg, hint string) string {
	if hint != "" && strings.Contains(msg, hint) {
		return hint
	}
	for _, v := range n.vendors {
		if strings.Contains(msg, v) {
			return v
		}
	}
	return ""
}

// detail keeps only allow-listed provider fields.
func (n *Normalizer) detail(pe *providers.Error, hint string) map[string]any {
	candidates := map[string]any{}
	if pe != nil {
		candidates["type"] = pe.Type
		candidates["code"] = pe.Code
		candidates["param"] = pe.Param
		candidates["request_id"] = pe.RequestID
		candidates["vendor"] = pe.Provider
		if pe.StatusCode != 0 {
			candidates["status"] = pe.StatusCode
		}
	} else if hint != "" {
		candidates["vendor"] = hint
	}

	out := make(map[string]any)
	for k, v := range candidates {
		if _, ok := n.allow[k]; !ok {
			continue
		}
		if s, isString := v.(string); isString && s == "" {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

func toSet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}
