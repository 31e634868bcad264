package http

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"tachikoma/internal/config"
	"tachikoma/internal/logging"
	"tachikoma/internal/observability"
	id "tachikoma/internal/utils/id"
)

// ProxyRequest describes one outbound call issued on behalf of a client.
type ProxyRequest struct {
	TargetURL string            `json:"targetUrl"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"`
	TimeoutMS int64             `json:"timeout,omitempty"`
}

// ProxyResponse is returned to the caller inside the success envelope.
type ProxyResponse struct {
	Success    bool              `json:"success"`
	Status     int               `json:"status"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	DurationMS int64             `json:"duration"`
}

// allowRule is one allow-list entry: a host with an optional path prefix,
// e.g. "api.example.com" or "api.example.com/v1".
type allowRule struct {
	host       string
	pathPrefix string
}

func parseAllowRules(entries []string) []allowRule {
	rules := make([]allowRule, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		host, path, _ := strings.Cut(e, "/")
		rule := allowRule{host: strings.ToLower(host)}
		if path != "" {
			rule.pathPrefix = "/" + path
		}
		rules = append(rules, rule)
	}
	return rules
}

// proxyClient validates targets against the allow-list and relays requests
// with trace headers injected and a 5xx retry loop with linear backoff.
type proxyClient struct {
	rules       []allowRule
	client      *http.Client
	timeout     time.Duration
	retries     int
	backoff     time.Duration
	forwardedBy string
	logger      logging.Logger
}

func newProxyClient(cfg config.GatewayConfig, serviceName string) *proxyClient {
	timeout := cfg.ProxyTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &proxyClient{
		rules:       parseAllowRules(cfg.AllowedHosts),
		client:      &http.Client{},
		timeout:     timeout,
		retries:     cfg.ProxyRetries,
		backoff:     cfg.ProxyRetryBackoff,
		forwardedBy: serviceName,
		logger:      logging.NewComponentLogger("proxy"),
	}
}

func (p *proxyClient) allowed(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	for _, rule := range p.rules {
		if rule.host != host {
			continue
		}
		if rule.pathPrefix == "" || strings.HasPrefix(u.Path, rule.pathPrefix) {
			return true
		}
	}
	return false
}

// Do relays req. It returns an APIError with PROXY_002 for targets off the
// allow-list and PROXY_001 when every attempt fails on the network.
func (p *proxyClient) Do(ctx context.Context, req ProxyRequest) (*ProxyResponse, *APIError) {
	target, err := url.Parse(req.TargetURL)
	if err != nil || target.Hostname() == "" {
		return nil, NewAPIError(CodeProxyForbidden, "invalid target url", nil)
	}
	if !p.allowed(target) {
		return nil, NewAPIError(CodeProxyForbidden, "target host not in allow-list", map[string]any{"host": target.Hostname()})
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	ctx, span := otel.Tracer("tachikoma").Start(ctx, observability.SpanOutboundProxy,
		trace.WithAttributes(attribute.String("http.method", method)))
	defer span.End()
	timeout := p.timeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	start := time.Now()
	attempts := p.retries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, NewAPIError(CodeProxyFailure, "proxy request aborted", nil)
			case <-time.After(time.Duration(attempt) * p.backoff):
			}
		}

		resp, err := p.issue(ctx, method, req, timeout)
		if err != nil {
			lastErr = err
			p.logger.Warn("proxy attempt %d to %s failed: %v", attempt+1, req.TargetURL, err)
			continue
		}
		if resp.Status >= 500 && attempt < attempts-1 {
			p.logger.Warn("proxy attempt %d to %s got %d, retrying", attempt+1, req.TargetURL, resp.Status)
			continue
		}
		resp.DurationMS = time.Since(start).Milliseconds()
		span.SetAttributes(attribute.Int(observability.AttrStatus, resp.Status))
		return resp, nil
	}
	span.SetAttributes(attribute.String(observability.AttrError, lastErr.Error()))
	return nil, NewAPIError(CodeProxyFailure, "proxy request failed", map[string]any{"error": lastErr.Error()})
}

func (p *proxyClient) issue(ctx context.Context, method string, req ProxyRequest, timeout time.Duration) (*ProxyResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(callCtx, method, req.TargetURL, body)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("X-Trace-Id", id.TraceIDFromContext(ctx))
	httpReq.Header.Set("X-Request-Id", id.RequestIDFromContext(ctx))
	httpReq.Header.Set("X-Forwarded-By", p.forwardedBy)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}
	headers := make(map[string]string, len(httpResp.Header))
	for k := range httpResp.Header {
		headers[k] = httpResp.Header.Get(k)
	}
	return &ProxyResponse{
		Success: httpResp.StatusCode < 400,
		Status:  httpResp.StatusCode,
		Headers: headers,
		Body:    string(respBody),
	}, nil
}
