package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"tachikoma/internal/config"
	tkerrors "tachikoma/internal/errors"
	"tachikoma/internal/logging"
	"tachikoma/internal/observability"
)

func asCompleterError(err error, target **CompleterError) bool {
	return errors.As(err, target)
}

// client is the HTTP Completer over an OpenAI-compatible chat endpoint.
type client struct {
	provider   string
	baseURL    string
	apiKey     string
	model      string
	maxTokens  int
	timeout    time.Duration
	httpClient *http.Client
	logger     logging.Logger
	metrics    *observability.MetricsCollector
}

// NewClient builds an HTTP Completer from configuration. metrics may be nil.
func NewClient(cfg config.CompleterConfig, metrics *observability.MetricsCollector) Completer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &client{
		provider:   cfg.Provider,
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.NewComponentLogger("completer"),
		metrics:    metrics,
	}
}

func (c *client) IsAvailable() bool {
	return c.apiKey != "" && c.baseURL != "" && c.model != ""
}

// wire types for the chat completions endpoint
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	ctx, span := otel.Tracer("tachikoma").Start(ctx, observability.SpanCompleterCall)
	defer span.End()

	start := time.Now()
	resp, err := c.complete(ctx, req)

	model := c.model
	var inTokens, outTokens int
	if resp != nil {
		model = resp.Model
		inTokens = resp.Usage.InputTokens
		outTokens = resp.Usage.OutputTokens
	}
	span.SetAttributes(
		attribute.String(observability.AttrModel, model),
		attribute.Int(observability.AttrInputTokens, inTokens),
		attribute.Int(observability.AttrOutputTokens, outTokens))
	if err != nil {
		span.SetAttributes(attribute.String(observability.AttrError, err.Error()))
	}
	c.metrics.RecordCompleterRequest(ctx, model, inTokens, outTokens, time.Since(start).Seconds(), err)
	return resp, err
}

func (c *client) complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if !c.IsAvailable() {
		return nil, NewCompleterError(c.provider, "not_configured", false,
			fmt.Errorf("completer credentials missing"))
	}

	// The caller's ctx is the sole cancellation source when it carries a
	// deadline; otherwise fall back to the configured timeout.
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	wire := chatRequest{
		Model:       c.model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        req.StopSequences,
	}
	if wire.MaxTokens == 0 {
		wire.MaxTokens = c.maxTokens
	}
	if req.SystemPrompt != "" {
		wire.Messages = append(wire.Messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range StripSystemMessages(req.Messages) {
		wire.Messages = append(wire.Messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, NewCompleterError(c.provider, "marshal", false, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, NewCompleterError(c.provider, "request", false, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// network failures and timeouts are retryable
		return nil, NewCompleterError(c.provider, "network", true, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, NewCompleterError(c.provider, "read", true, err)
	}

	if resp.StatusCode != http.StatusOK {
		retryable := tkerrors.IsTransientHTTPStatus(resp.StatusCode)
		c.logger.Warn("provider returned HTTP %d (retryable=%v)", resp.StatusCode, retryable)
		return nil, NewCompleterError(c.provider,
			fmt.Sprintf("http_%d", resp.StatusCode), retryable,
			fmt.Errorf("provider status %d: %s", resp.StatusCode, truncate(string(raw), 256)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, NewCompleterError(c.provider, "decode", false, err)
	}
	if len(parsed.Choices) == 0 {
		return nil, NewCompleterError(c.provider, "empty", false,
			fmt.Errorf("provider returned no choices"))
	}

	model := parsed.Model
	if model == "" {
		model = c.model
	}
	return &CompletionResponse{
		Content: parsed.Choices[0].Message.Content,
		Usage: Usage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
		},
		StopReason: parsed.Choices[0].FinishReason,
		Model:      model,
	}, nil
}

// StripSystemMessages removes system-role entries so a prompt-injected
// request cannot re-bind the system role; the top-level SystemPrompt is the
// sole system channel.
func StripSystemMessages(messages []Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			continue
		}
		out = append(out, m)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "... (truncated)"
}
