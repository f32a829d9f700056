package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/model-gateway/internal/providers"
)

var target = providers.Target{EndpointID: "anthropic/claude-sonnet@4", Provider: "anthropic", ModelID: "claude-sonnet-4", Version: "4"}

func TestClient_Invoke(t *testing.T) {
	t.Run("lifts system prompt and joins text blocks", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/messages", r.URL.Path)
			assert.Equal(t, "key", r.Header.Get("x-api-key"))
			assert.Equal(t, apiVersion, r.Header.Get("anthropic-version"))

			var body messagesRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "claude-sonnet-4", body.Model)
			assert.Equal(t, "be brief", body.System)
			assert.Len(t, body.Messages, 1)
			assert.Equal(t, defaultMaxTokens, body.MaxTokens)

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"msg_1","model":"claude-sonnet-4","content":[{"type":"text","text":"Hello"},{"type":"text","text":" there"}],"stop_reason":"end_turn","usage":{"input_tokens":5,"output_tokens":2}}`))
		}))
		defer srv.Close()

		client := New(Config{APIKey: "key", BaseURL: srv.URL})
		resp, err := client.Invoke(context.Background(), target, &providers.Request{
			Messages: []providers.Message{
				{Role: "system", Content: "be brief"},
				{Role: "user", Content: "hi"},
			},
		})

		require.NoError(t, err)
		assert.Equal(t, "Hello there", resp.Content)
		assert.Equal(t, "end_turn", resp.FinishReason)
		assert.Equal(t, 7, resp.Usage.TotalTokens)
	})

	t.Run("overloaded error is structured", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("request-id", "req_9")
			w.WriteHeader(529)
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
		}))
		defer srv.Close()

		client := New(Config{BaseURL: srv.URL})
		_, err := client.Invoke(context.Background(), target, &providers.Request{
			Messages: []providers.Message{{Role: "user", Content: "hi"}},
		})

		var pe *providers.Error
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, 529, pe.StatusCode)
		assert.Equal(t, "overloaded_error", pe.Type)
		assert.Equal(t, "req_9", pe.RequestID)
	})
}
