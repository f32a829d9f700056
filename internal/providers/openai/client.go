package openai

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/upb/model-gateway/internal/providers"
)

const (
	providerName   = "openai"
	defaultBaseURL = "https://api.openai.com/v1"
)

// Config holds connection settings for an OpenAI-compatible API.
type Config struct {
	Name    string
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// Client calls the chat completions endpoint of an OpenAI-compatible API.
type Client struct {
	name string
	http *resty.Client
}

// New creates a client. Name defaults to "openai" so several compatible
// backends can be registered side by side.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Name == "" {
		cfg.Name = providerName
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}

	http := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("Content-Type", "application/json").
		SetTimeout(cfg.Timeout)
	if cfg.APIKey != "" {
		http.SetAuthToken(cfg.APIKey)
	}

	return &Client{name: cfg.Name, http: http}
}

func (c *Client) Name() string {
	return c.name
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Param   string `json:"param"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// Invoke sends one chat completion request.
func (c *Client) Invoke(ctx context.Context, target providers.Target, req *providers.Request) (*providers.Response, error) {
	body := chatRequest{
		Model:       target.ModelID,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}

	var result chatResponse
	var apiErr errorEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		SetError(&apiErr).
		Post("/chat/completions")
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", c.name, err)
	}

	if resp.IsError() {
		return nil, &providers.Error{
			Provider:   c.name,
			StatusCode: resp.StatusCode(),
			Type:       apiErr.Error.Type,
			Code:       codeString(apiErr.Error.Code),
			Param:      apiErr.Error.Param,
			Message:    apiErr.Error.Message,
			RequestID:  resp.Header().Get("X-Request-Id"),
		}
	}

	out := &providers.Response{
		ID:    result.ID,
		Model: result.Model,
		Usage: providers.Usage{
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			TotalTokens:      result.Usage.TotalTokens,
		},
	}
	if len(result.Choices) > 0 {
		out.Content = result.Choices[0].Message.Content
		out.FinishReason = result.Choices[0].FinishReason
	}
	return out, nil
}

// OpenAI sends code as a string, but some compatible servers send numbers.
func codeString(v any) string {
	switch code := v.(type) {
	case nil:
		return ""
	case string:
		return code
	case float64:
		return fmt.Sprintf("%.0f", code)
	default:
		return fmt.Sprint(code)
	}
}
