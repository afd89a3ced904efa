// Package provider implements the provider endpoint invoker and the
// provider automation service: creating provider-orders from order add-ons,
// refills, immediate and scheduled replays, guardrail evaluation and the
// telemetry snapshot.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"github.com/socialboost/fulfillment/domain"
	"github.com/socialboost/fulfillment/template"
)

const (
	// defaultEndpointTimeout applies to order/refill/cancel endpoints
	// without an explicit timeoutSeconds.
	defaultEndpointTimeout = 10 * time.Second
	// defaultBalanceTimeout applies to balance endpoints, which are polled
	// frequently and must fail fast.
	defaultBalanceTimeout = 8 * time.Second
	// previewLimit bounds the stored body excerpt for non-JSON responses
	// and error previews.
	previewLimit = 512
)

// Invoker resolves a templated endpoint descriptor and a context into an
// HTTP call. The underlying client is shared and connection-pooled; a rate
// limiter bounds outbound pressure on provider APIs.
type Invoker struct {
	client  *http.Client
	limiter *rate.Limiter
}

// InvokerOption customizes an Invoker.
type InvokerOption func(*Invoker)

// WithHTTPClient overrides the HTTP client (tests use the httptest client).
func WithHTTPClient(c *http.Client) InvokerOption {
	return func(inv *Invoker) { inv.client = c }
}

// WithRateLimit overrides the outbound rate limit.
func WithRateLimit(rps float64, burst int) InvokerOption {
	return func(inv *Invoker) { inv.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// NewInvoker returns an Invoker with a pooled client and a 10 rps / burst 5
// outbound limit.
func NewInvoker(opts ...InvokerOption) *Invoker {
	inv := &Invoker{
		client:  &http.Client{},
		limiter: rate.NewLimiter(rate.Limit(10), 5),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Result is the parsed outcome of a successful endpoint invocation.
type Result struct {
	StatusCode int
	Duration   time.Duration
	// Body is the parsed JSON response, or nil when the response was not
	// JSON (Preview holds the excerpt then).
	Body any
	// Raw is the raw response body, used for dotted-path extraction.
	Raw []byte
	// Preview is a truncated text excerpt for non-JSON responses.
	Preview string
	// ProviderOrderID is extracted via the endpoint's
	// response.providerOrderIdPath when configured.
	ProviderOrderID string
}

// Invoke renders the endpoint descriptor against tmplCtx, performs the HTTP
// call and parses the response. The context key "timeoutSeconds" overrides
// the descriptor timeout per invocation.
func (inv *Invoker) Invoke(ctx context.Context, ep *domain.Endpoint, tmplCtx map[string]any) (*Result, error) {
	if ep == nil {
		return nil, domain.Validationf("endpoint not configured")
	}
	method, url, headers, body, err := inv.render(ep, tmplCtx)
	if err != nil {
		return nil, err
	}

	timeout := endpointTimeout(ep, tmplCtx)
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if err := inv.limiter.Wait(callCtx); err != nil {
		return nil, domain.Transientf(err, "rate limit wait")
	}

	req, err := buildRequest(callCtx, method, url, headers, body)
	if err != nil {
		return nil, domain.Validationf("build request: %v", err)
	}

	start := time.Now()
	resp, err := inv.client.Do(req)
	if err != nil {
		return nil, &domain.ProviderEndpointError{Status: 0, Message: err.Error()}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &domain.ProviderEndpointError{Status: resp.StatusCode, Message: fmt.Sprintf("read body: %v", err)}
	}
	duration := time.Since(start)

	result := &Result{
		StatusCode: resp.StatusCode,
		Duration:   duration,
		Raw:        raw,
	}
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err == nil {
		result.Body = parsed
	} else {
		result.Preview = Truncate(string(raw), previewLimit)
	}

	if !StatusAccepted(ep, resp.StatusCode) {
		preview := result.Preview
		if preview == "" {
			preview = Truncate(string(raw), previewLimit)
		}
		return nil, &domain.ProviderEndpointError{
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("%s %s", method, url),
			Preview: preview,
		}
	}

	if ep.Response != nil && ep.Response.ProviderOrderIDPath != "" && result.Body != nil {
		if v := gjson.GetBytes(raw, ep.Response.ProviderOrderIDPath); v.Exists() {
			result.ProviderOrderID = v.String()
		}
	}
	log.Debug(ctx, log.KV{K: "msg", V: "provider endpoint invoked"},
		log.KV{K: "method", V: method}, log.KV{K: "status", V: resp.StatusCode},
		log.KV{K: "duration_ms", V: duration.Milliseconds()})
	return result, nil
}

func (inv *Invoker) render(ep *domain.Endpoint, tmplCtx map[string]any) (method, url string, headers map[string]string, body any, err error) {
	method = strings.ToUpper(strings.TrimSpace(ep.Method))
	if method == "" {
		method = http.MethodPost
	}
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return "", "", nil, nil, domain.Validationf("unsupported endpoint method %q", method)
	}

	rendered, err := template.Render(ep.URL, tmplCtx)
	if err != nil {
		return "", "", nil, nil, err
	}
	url = fmt.Sprintf("%v", rendered)

	if len(ep.Headers) > 0 {
		headers = make(map[string]string, len(ep.Headers))
		for k, v := range ep.Headers {
			rv, err := template.Render(v, tmplCtx)
			if err != nil {
				return "", "", nil, nil, err
			}
			headers[k] = fmt.Sprintf("%v", rv)
		}
	}

	if ep.Payload != nil {
		body, err = template.Render(ep.Payload, tmplCtx)
		if err != nil {
			return "", "", nil, nil, err
		}
	}
	return method, url, headers, body, nil
}

func buildRequest(ctx context.Context, method, url string, headers map[string]string, body any) (*http.Request, error) {
	var (
		reader      io.Reader
		contentType string
	)
	switch b := body.(type) {
	case nil:
	case map[string]any, []any:
		buf, err := json.Marshal(b)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(buf)
		contentType = "application/json"
	case string:
		reader = strings.NewReader(b)
		contentType = "text/plain; charset=utf-8"
	case []byte:
		reader = bytes.NewReader(b)
		contentType = "application/octet-stream"
	default:
		buf, err := json.Marshal(b)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(buf)
		contentType = "application/json"
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// StatusAccepted applies the success status policy: the explicit status
// set when present, then the inclusive min/max range, then plain 2xx.
func StatusAccepted(ep *domain.Endpoint, status int) bool {
	if len(ep.SuccessStatuses) > 0 {
		for _, s := range ep.SuccessStatuses {
			if s == status {
				return true
			}
		}
		return false
	}
	if ep.SuccessStatusMin != 0 || ep.SuccessStatusMax != 0 {
		min, max := ep.SuccessStatusMin, ep.SuccessStatusMax
		if min == 0 {
			min = 100
		}
		if max == 0 {
			max = 599
		}
		return status >= min && status <= max
	}
	return status >= 200 && status < 300
}

func endpointTimeout(ep *domain.Endpoint, tmplCtx map[string]any) time.Duration {
	if v, ok := tmplCtx["timeoutSeconds"]; ok {
		switch tv := v.(type) {
		case int:
			if tv > 0 {
				return time.Duration(tv) * time.Second
			}
		case float64:
			if tv > 0 {
				return time.Duration(tv * float64(time.Second))
			}
		}
	}
	if ep.TimeoutSeconds > 0 {
		return time.Duration(ep.TimeoutSeconds) * time.Second
	}
	return defaultEndpointTimeout
}

// Truncate clips s to at most n characters.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
