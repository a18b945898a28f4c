package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/skein-dev/skein/pkg/models"
	"github.com/skein-dev/skein/pkg/protocol"
)

const defaultHTTPTimeout = 30 * time.Second

var (
	ErrHTTPURLRequired = errors.New("http_request: 'url' is required")
	ErrHTTPServerError = errors.New("http_request: server error")
)

// HTTPRequestHandler performs an HTTP call described by the node inputs:
// url (required), method, headers, body and retry {attempts, delay}.
// 5xx responses are retried; 4xx responses are returned as-is for the
// workflow to branch on.
type HTTPRequestHandler struct {
	logger *slog.Logger
	client *http.Client
}

func NewHTTPRequestHandler(logger *slog.Logger) *HTTPRequestHandler {
	return &HTTPRequestHandler{
		logger: logger.With("handler", "http_request"),
		client: &http.Client{Timeout: defaultHTTPTimeout},
	}
}

func (h *HTTPRequestHandler) Execute(ctx context.Context, inputs map[string]any, _ *models.ExecutionContext) (map[string]any, error) {
	url, _ := inputs["url"].(string)
	if url == "" {
		return nil, ErrHTTPURLRequired
	}

	method, _ := inputs["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	method = strings.ToUpper(method)
	body, _ := inputs["body"].(string)
	attempts, delay := retryConfig(inputs)

	var (
		lastErr error
		resp    *http.Response
	)

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			h.logger.InfoContext(ctx, "Retrying HTTP request", "attempt", attempt, "attempts", attempts)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, url, strings.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("http_request: build request: %w", err)
		}

		applyHeaders(req, inputs)

		resp, err = h.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http_request: %w", err)

			continue
		}

		if resp.StatusCode >= http.StatusInternalServerError && attempt < attempts {
			if cerr := resp.Body.Close(); cerr != nil {
				h.logger.ErrorContext(ctx, "Failed to close response body", "error", cerr)
			}

			lastErr = fmt.Errorf("status %d: %w", resp.StatusCode, ErrHTTPServerError)

			continue
		}

		break
	}

	if resp == nil {
		return nil, fmt.Errorf("http_request: all %d attempts failed: %w", attempts, lastErr)
	}

	return h.readResponse(ctx, resp)
}

func (h *HTTPRequestHandler) readResponse(ctx context.Context, resp *http.Response) (map[string]any, error) {
	defer func() {
		if err := resp.Body.Close(); err != nil {
			h.logger.ErrorContext(ctx, "Failed to close response body", "error", err)
		}
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("http_request: read body: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}

	out := map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        string(raw),
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			out["json"] = decoded
		}
	}

	return out, nil
}

func applyHeaders(req *http.Request, inputs map[string]any) {
	headersConfig, ok := inputs["headers"].(map[string]any)
	if !ok {
		return
	}

	for key, value := range headersConfig {
		if str, ok := value.(string); ok {
			req.Header.Set(key, str)
		}
	}
}

func retryConfig(inputs map[string]any) (int, time.Duration) {
	attempts := 1
	delay := time.Duration(0)

	retryMap, ok := inputs["retry"].(map[string]any)
	if !ok {
		return attempts, delay
	}

	if raw, ok := retryMap["attempts"].(float64); ok && raw >= 1 {
		attempts = int(raw)
	}

	if raw, ok := retryMap["delay"].(float64); ok && raw >= 0 {
		delay = time.Duration(raw * float64(time.Second))
	}

	return attempts, delay
}

var _ protocol.TaskHandler = (*HTTPRequestHandler)(nil)
