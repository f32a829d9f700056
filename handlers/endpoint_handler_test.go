package handlers

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/model-gateway/internal/breaker"
	"github.com/upb/model-gateway/internal/observability"
	"github.com/upb/model-gateway/internal/registry"
	"go.uber.org/zap"
)

type endpointFixture struct {
	reg      *registry.Registry
	breakers *breaker.Set
	router   chi.Router
}

func newEndpointFixture(t *testing.T) *endpointFixture {
	t.Helper()
	reg, err := registry.New([]registry.ModelEndpoint{
		{Family: "chat", Provider: "openai", ModelID: "gpt-4o", Version: "2024-08-06", Weight: 0.9},
		{Family: "chat", Provider: "openai", ModelID: "gpt-4.1", Version: "2025-04-14", Weight: 0.1, IsCanary: true},
		{Family: "assistant", Provider: "anthropic", ModelID: "claude-sonnet-4", Weight: 1},
	}, observability.NewNopLogger())
	require.NoError(t, err)

	breakers := breaker.NewSet(breaker.Settings{FailureThreshold: 1, OpenTimeout: 0}, observability.NewNopLogger(), nil)
	h := NewEndpointHandler(reg, breakers, zap.NewNop())

	r := chi.NewRouter()
	r.Get("/v1/endpoints", h.HandleList)
	r.Get("/v1/endpoints/{id}", h.HandleGet)
	r.Get("/v1/endpoints/{id}/circuit", h.HandleCircuit)
	r.Put("/v1/endpoints/{id}/weight", h.HandleSetWeight)
	r.Put("/v1/endpoints/{id}/status", h.HandleSetStatus)
	r.Put("/v1/families/{family}/weights", h.HandleSetFamilyWeights)

	return &endpointFixture{reg: reg, breakers: breakers, router: r}
}

func (f *endpointFixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func endpointPath(id, suffix string) string {
	return "/v1/endpoints/" + url.PathEscape(id) + suffix
}

const (
	baseID   = "openai/gpt-4o@2024-08-06"
	canaryID = "openai/gpt-4.1@2025-04-14"
)

func TestEndpointHandler_List(t *testing.T) {
	f := newEndpointFixture(t)

	t.Run("all", func(t *testing.T) {
		w := f.do(http.MethodGet, "/v1/endpoints", "")
		assert.Equal(t, http.StatusOK, w.Code)

		var views []EndpointView
		decodeData(t, decodeEnvelope(t, w), &views)
		assert.Len(t, views, 3)
		assert.Equal(t, breaker.StateClosed, views[0].Circuit)
	})

	t.Run("by family", func(t *testing.T) {
		var views []EndpointView
		decodeData(t, decodeEnvelope(t, f.do(http.MethodGet, "/v1/endpoints?family=assistant", "")), &views)
		require.Len(t, views, 1)
		assert.Equal(t, "anthropic/claude-sonnet-4", views[0].ID)
	})

	t.Run("unknown family is empty", func(t *testing.T) {
		var views []EndpointView
		decodeData(t, decodeEnvelope(t, f.do(http.MethodGet, "/v1/endpoints?family=nope", "")), &views)
		assert.Empty(t, views)
	})
}

func TestEndpointHandler_Get(t *testing.T) {
	f := newEndpointFixture(t)

	w := f.do(http.MethodGet, endpointPath(canaryID, ""), "")
	assert.Equal(t, http.StatusOK, w.Code)
	var view EndpointView
	decodeData(t, decodeEnvelope(t, w), &view)
	assert.Equal(t, canaryID, view.ID)
	assert.True(t, view.IsCanary)
	assert.InDelta(t, 0.1, view.Weight, 1e-9)

	w = f.do(http.MethodGet, endpointPath("openai/missing", ""), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NotFound", decodeEnvelope(t, w).Error.Code)
}

func TestEndpointHandler_Circuit(t *testing.T) {
	f := newEndpointFixture(t)

	done, err := f.breakers.Allow(baseID)
	require.NoError(t, err)
	done(false)

	w := f.do(http.MethodGet, endpointPath(baseID, "/circuit"), "")
	assert.Equal(t, http.StatusOK, w.Code)
	var state breaker.CircuitState
	decodeData(t, decodeEnvelope(t, w), &state)
	assert.Equal(t, baseID, state.EndpointID)
	assert.Equal(t, breaker.StateOpen, state.State)
	assert.NotNil(t, state.OpenedAt)
}

func TestEndpointHandler_SetWeight(t *testing.T) {
	f := newEndpointFixture(t)

	t.Run("single endpoint family", func(t *testing.T) {
		w := f.do(http.MethodPut, endpointPath("anthropic/claude-sonnet-4", "/weight"), `{"weight":1}`)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("breaking the family sum is rejected", func(t *testing.T) {
		w := f.do(http.MethodPut, endpointPath(canaryID, "/weight"), `{"weight":0.5}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "InvalidWeight", decodeEnvelope(t, w).Error.Code)

		ep, err := f.reg.Get(canaryID)
		require.NoError(t, err)
		assert.InDelta(t, 0.1, ep.Weight, 1e-9)
	})

	t.Run("missing weight", func(t *testing.T) {
		w := f.do(http.MethodPut, endpointPath(canaryID, "/weight"), `{}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		env := decodeEnvelope(t, w)
		assert.Equal(t, "ValidationError", env.Error.Code)
		assert.Contains(t, env.Error.Details, "weight")
	})

	t.Run("out of range", func(t *testing.T) {
		w := f.do(http.MethodPut, endpointPath(canaryID, "/weight"), `{"weight":1.5}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestEndpointHandler_SetFamilyWeights(t *testing.T) {
	f := newEndpointFixture(t)

	w := f.do(http.MethodPut, "/v1/families/chat/weights",
		`{"weights":{"`+baseID+`":0.75,"`+canaryID+`":0.25}}`)
	assert.Equal(t, http.StatusOK, w.Code)

	var views []EndpointView
	decodeData(t, decodeEnvelope(t, w), &views)
	require.Len(t, views, 2)
	assert.InDelta(t, 0.75, views[0].Weight, 1e-9)
	assert.InDelta(t, 0.25, views[1].Weight, 1e-9)

	t.Run("endpoint from another family", func(t *testing.T) {
		w := f.do(http.MethodPut, "/v1/families/chat/weights", `{"weights":{"anthropic/claude-sonnet-4":1}}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "ValidationError", decodeEnvelope(t, w).Error.Code)
	})

	t.Run("sum outside bounds", func(t *testing.T) {
		w := f.do(http.MethodPut, "/v1/families/chat/weights", `{"weights":{"`+canaryID+`":0.5}}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "InvalidWeight", decodeEnvelope(t, w).Error.Code)
	})
}

func TestEndpointHandler_SetStatus(t *testing.T) {
	f := newEndpointFixture(t)

	w := f.do(http.MethodPut, endpointPath(canaryID, "/status"), `{"status":"disabled"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	var view EndpointView
	decodeData(t, decodeEnvelope(t, w), &view)
	assert.Equal(t, registry.StatusDisabled, view.Status)

	base, err := f.reg.Get(baseID)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, base.Weight, 1e-9)

	w = f.do(http.MethodPut, endpointPath(canaryID, "/status"), `{"status":"paused"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "ValidationError", decodeEnvelope(t, w).Error.Code)
}
