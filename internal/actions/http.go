package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/weftlabs/weft/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// HTTPConfig configures the http plugin.
type HTTPConfig struct {
	MaxResponseBody int64
	Timeout         time.Duration
}

// HTTPActions returns the actions of the "http" plugin: request, get, post.
func HTTPActions(cfg HTTPConfig) []Action {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	client := &http.Client{Timeout: cfg.Timeout}
	return []Action{
		&httpRequestAction{name: "request", cfg: cfg, client: client},
		&httpRequestAction{name: "get", method: http.MethodGet, cfg: cfg, client: client},
		&httpRequestAction{name: "post", method: http.MethodPost, cfg: cfg, client: client},
	}
}

type httpRequestAction struct {
	name   string
	method string // empty: taken from params
	cfg    HTTPConfig
	client *http.Client
}

func (a *httpRequestAction) Name() string { return a.name }

func (a *httpRequestAction) Description() string {
	if a.method == "" {
		return "HTTP request with configurable method, headers, and body"
	}
	return "HTTP " + a.method + " request"
}

func (a *httpRequestAction) Execute(ctx context.Context, params map[string]any) (any, error) {
	rawURL := stringParam(params, "url", "")
	if rawURL == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "http: url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "http: invalid url %q", rawURL)
	}

	method := a.method
	if method == "" {
		method = strings.ToUpper(stringParam(params, "method", http.MethodGet))
	}

	var body io.Reader
	if raw, ok := params["body"]; ok && raw != nil {
		switch b := raw.(type) {
		case string:
			body = strings.NewReader(b)
		default:
			encoded, err := json.Marshal(b)
			if err != nil {
				return nil, schema.NewError(schema.ErrCodeValidation, "http: body is not serializable").WithCause(err)
			}
			body = bytes.NewReader(encoded)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "http: invalid request").WithCause(err)
	}
	if headers, ok := params["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCollaborator, "http: %s %s failed", method, rawURL).WithCause(err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, a.cfg.MaxResponseBody)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeCollaborator, "http: failed to read response body").WithCause(err)
	}

	var decoded any
	if json.Unmarshal(raw, &decoded) != nil {
		decoded = string(raw)
	}
	return map[string]any{
		"status":  resp.StatusCode,
		"headers": flattenHeaders(resp.Header),
		"body":    decoded,
	}, nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
