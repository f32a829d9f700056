package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/model-gateway/internal/providers"
)

var target = providers.Target{EndpointID: "openai/gpt-4o@2024-08", Provider: "openai", ModelID: "gpt-4o", Version: "2024-08"}

func TestClient_Invoke(t *testing.T) {
	t.Run("successful completion", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/chat/completions", r.URL.Path)
			assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "gpt-4o", body["model"])

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"cmpl-1","model":"gpt-4o","choices":[{"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`))
		}))
		defer srv.Close()

		client := New(Config{APIKey: "sk-test", BaseURL: srv.URL})
		resp, err := client.Invoke(context.Background(), target, &providers.Request{
			Model:    "chat",
			Messages: []providers.Message{{Role: "user", Content: "hello"}},
		})

		require.NoError(t, err)
		assert.Equal(t, "cmpl-1", resp.ID)
		assert.Equal(t, "hi", resp.Content)
		assert.Equal(t, "stop", resp.FinishReason)
		assert.Equal(t, 4, resp.Usage.TotalTokens)
	})

	t.Run("rate limit becomes structured error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Request-Id", "req_abc")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`))
		}))
		defer srv.Close()

		client := New(Config{BaseURL: srv.URL})
		_, err := client.Invoke(context.Background(), target, &providers.Request{
			Messages: []providers.Message{{Role: "user", Content: "hello"}},
		})

		var pe *providers.Error
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, "openai", pe.Provider)
		assert.Equal(t, http.StatusTooManyRequests, pe.StatusCode)
		assert.Equal(t, "rate_limit_exceeded", pe.Code)
		assert.Equal(t, "req_abc", pe.RequestID)
	})

	t.Run("context deadline is honoured", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}))
		defer srv.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		client := New(Config{BaseURL: srv.URL})
		_, err := client.Invoke(ctx, target, &providers.Request{})
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	})
}

func TestClient_Name(t *testing.T) {
	assert.Equal(t, "openai", New(Config{}).Name())
	assert.Equal(t, "vllm", New(Config{Name: "vllm"}).Name())
}

func TestCodeString(t *testing.T) {
	assert.Equal(t, "", codeString(nil))
	assert.Equal(t, "invalid_api_key", codeString("invalid_api_key"))
	assert.Equal(t, "429", codeString(float64(429)))
}
