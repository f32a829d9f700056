package providers

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Client invokes a model on one provider. Implementations must honour the
// context deadline and return *Error for any non-2xx provider response.
type Client interface {
	Name() string
	Invoke(ctx context.Context, target Target, req *Request) (*Response, error)
}

// Target names the concrete model a request is sent to.
type Target struct {
	EndpointID string
	Provider   string
	ModelID    string
	Version    string
}

// Request is the provider-agnostic inference request.
type Request struct {
	Model       string            `json:"model" validate:"required"`
	Messages    []Message         `json:"messages" validate:"required,min=1,dive"`
	MaxTokens   int               `json:"maxTokens,omitempty" validate:"omitempty,min=1"`
	Temperature *float64          `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Message is a single conversation turn.
type Message struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" validate:"required"`
}

// Response is the provider-agnostic completion.
type Response struct {
	ID           string `json:"id"`
	Model        string `json:"model"`
	Content      string `json:"content"`
	FinishReason string `json:"finishReason,omitempty"`
	Usage        Usage  `json:"usage"`
}

// Usage reports token counts.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Error is a structured failure returned by a provider.
type Error struct {
	Provider   string
	StatusCode int
	Type       string
	Code       string
	Param      string
	Message    string
	RequestID  string
	Cause      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: status %d", e.Provider, e.StatusCode)
	if e.Type != "" {
		msg += " " + e.Type
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Registry maps provider names to clients.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewRegistry creates an empty client registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

// Register adds or replaces the client for c.Name().
func (r *Registry) Register(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.Name()] = c
}

// Get returns the client registered under name.
func (r *Registry) Get(name string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[name]
	return c, ok
}

// Names lists registered providers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
