package processor

import (
	"context"
	"fmt"
	"net/http"

	"github.com/socialboost/fulfillment/domain"
	"github.com/socialboost/fulfillment/provider"
)

// defaultExecTimeoutSeconds applies to templated HTTP tasks without an
// explicit timeout.
const defaultExecTimeoutSeconds = 30

// httpExecutor runs templated HTTP execution blocks through the same
// invocation policy as provider endpoints: template rendering, success
// status evaluation, JSON parsing with truncated text fallback.
type httpExecutor struct {
	invoker *provider.Invoker
}

// NewHTTPExecutor returns an executor using the given HTTP client, or the
// default pooled client when nil.
func NewHTTPExecutor(client *http.Client) *httpExecutor {
	opts := []provider.InvokerOption{provider.WithRateLimit(100, 100)}
	if client != nil {
		opts = append(opts, provider.WithHTTPClient(client))
	}
	return &httpExecutor{invoker: provider.NewInvoker(opts...)}
}

func newHTTPExecutor() *httpExecutor { return NewHTTPExecutor(nil) }

// run renders and performs the execution block against tmplCtx. Only kind
// "http" (or absent, treated as http) is supported.
func (e *httpExecutor) run(ctx context.Context, exec map[string]any, tmplCtx map[string]any) (map[string]any, error) {
	if kind, ok := exec["kind"].(string); ok && kind != "" && kind != "http" {
		return nil, domain.Validationf("unsupported execution kind %q", kind)
	}
	ep, err := endpointFromExecution(exec)
	if err != nil {
		return nil, err
	}

	result, err := e.invoker.Invoke(ctx, ep, tmplCtx)
	if err != nil {
		return nil, err
	}

	var response any = result.Body
	if response == nil && result.Preview != "" {
		response = result.Preview
	}
	return map[string]any{
		"status":         "http_request_completed",
		"status_code":    result.StatusCode,
		"duration_ms":    result.Duration.Milliseconds(),
		"response":       response,
		"execution_kind": "http",
	}, nil
}

// endpointFromExecution maps the execution block onto an endpoint
// descriptor. Field names follow the task payload schema
// (method/url/headers/body/success_statuses/timeout_seconds).
func endpointFromExecution(exec map[string]any) (*domain.Endpoint, error) {
	url, _ := exec["url"].(string)
	if url == "" {
		return nil, domain.Validationf("execution block has no url")
	}
	ep := &domain.Endpoint{
		URL:            url,
		TimeoutSeconds: defaultExecTimeoutSeconds,
	}
	if method, ok := exec["method"].(string); ok {
		ep.Method = method
	}
	if headers, ok := exec["headers"].(map[string]any); ok {
		ep.Headers = make(map[string]string, len(headers))
		for k, v := range headers {
			ep.Headers[k] = fmt.Sprintf("%v", v)
		}
	}
	if body, ok := exec["body"]; ok {
		ep.Payload = body
	}
	if statuses, ok := exec["success_statuses"].([]any); ok {
		for _, s := range statuses {
			if n, ok := s.(float64); ok {
				ep.SuccessStatuses = append(ep.SuccessStatuses, int(n))
			}
		}
	}
	if t, ok := exec["timeout_seconds"].(float64); ok && t > 0 {
		ep.TimeoutSeconds = int(t)
	}
	return ep, nil
}
