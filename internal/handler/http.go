package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flowforge/enginecore/internal/errtaxonomy"
	"github.com/flowforge/enginecore/internal/workflow"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultHTTPTimeoutMs = 30_000

// HTTPResponse is the {status, headers, body} shape §4.3 requires.
type HTTPResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    any               `json:"body"`
}

// HTTPHandler issues method+url with merged headers, grounded on the
// teacher's pkg/actions/httprequest/action.go net/http client shape, wrapped
// with otelhttp for outbound tracing.
type HTTPHandler struct {
	client *http.Client
}

func NewHTTPHandler() *HTTPHandler {
	return &HTTPHandler{
		client: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

func (h *HTTPHandler) Execute(ctx context.Context, _ *workflow.Step, resolvedInput any, _ map[string]any) (any, error) {
	cfg, ok := resolvedInput.(map[string]any)
	if !ok {
		return nil, validationError("INVALID_CONFIG", "http step config must be an object", nil)
	}

	method, _ := cfg["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	url, _ := cfg["url"].(string)

	timeoutMs := defaultHTTPTimeoutMs
	if ms, ok := cfg["timeoutMs"].(float64); ok {
		timeoutMs = int(ms)
	}

	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	var bodyReader io.Reader

	if method != http.MethodGet {
		if body, ok := cfg["body"]; ok && body != nil {
			payload, err := json.Marshal(body)
			if err != nil {
				return nil, validationError("INVALID_BODY", err.Error(), nil)
			}

			bodyReader = bytes.NewReader(payload)
		}
	}

	req, err := http.NewRequestWithContext(reqCtx, strings.ToUpper(method), url, bodyReader)
	if err != nil {
		return nil, validationError("INVALID_REQUEST", err.Error(), nil)
	}

	req.Header.Set("Content-Type", "application/json")

	if headers, ok := cfg["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, errtaxonomy.ClassifyError(fmt.Errorf("http request failed: %w", err))
	}

	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errtaxonomy.ClassifyError(fmt.Errorf("read response body: %w", err))
	}

	decoded := decodeBody(resp.Header.Get("Content-Type"), rawBody)

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		classified := errtaxonomy.ClassifyHTTPError(resp.StatusCode)
		classified.Details = map[string]any{"status": resp.StatusCode, "body": decoded}

		return nil, classified
	}

	return HTTPResponse{Status: resp.StatusCode, Headers: headers, Body: decoded}, nil
}

func decodeBody(contentType string, raw []byte) any {
	if strings.Contains(contentType, "application/json") {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			return decoded
		}
	}

	return string(raw)
}
