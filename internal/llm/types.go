package llm

import (
	"context"
	"fmt"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a single conversation turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the provider-agnostic completion input. The top-level
// SystemPrompt is the sole system channel; system-role messages in Messages
// are stripped before dispatch.
type CompletionRequest struct {
	SystemPrompt  string    `json:"systemPrompt,omitempty"`
	Messages      []Message `json:"messages"`
	MaxTokens     int       `json:"maxTokens,omitempty"`
	Temperature   *float64  `json:"temperature,omitempty"`
	StopSequences []string  `json:"stopSequences,omitempty"`
}

// Usage reports token consumption for one completion.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// CompletionResponse is the provider-agnostic completion output.
type CompletionResponse struct {
	Content    string `json:"content"`
	Usage      Usage  `json:"usage"`
	StopReason string `json:"stopReason,omitempty"`
	Model      string `json:"model"`
}

// CompleterError is the only error type a Completer raises. Retryable
// failures (5xx, 429, network) may be re-attempted; everything else is fatal.
type CompleterError struct {
	Provider  string
	Code      string
	Retryable bool
	Err       error
}

func (e *CompleterError) Error() string {
	return fmt.Sprintf("completer %s [%s]: %v", e.Provider, e.Code, e.Err)
}

func (e *CompleterError) Unwrap() error {
	return e.Err
}

// NewCompleterError wraps err with provider and classification metadata.
func NewCompleterError(provider, code string, retryable bool, err error) *CompleterError {
	return &CompleterError{Provider: provider, Code: code, Retryable: retryable, Err: err}
}

// IsRetryable reports whether err is a retryable CompleterError.
func IsRetryable(err error) bool {
	var ce *CompleterError
	if ok := asCompleterError(err, &ce); ok {
		return ce.Retryable
	}
	return false
}

// Completer abstracts the completion provider.
type Completer interface {
	// Complete performs one completion. Cancellation flows through ctx; when
	// the caller supplies no deadline a configuration-derived timeout applies.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	// IsAvailable reports whether credentials and configuration suffice to
	// serve requests.
	IsAvailable() bool
}
