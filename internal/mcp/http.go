package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/manozpdel/pennywise/internal/httpkit"
)

// sessionHeader carries the server-assigned session id. FastMCP hands
// one out on the first response and expects it echoed on every
// following message to keep the client pinned to one logical session.
const sessionHeader = "Mcp-Session"

// HTTPConfig configures an HTTP transport to the expense server.
type HTTPConfig struct {
	// URL is the server's MCP endpoint.
	URL string

	// Headers are added to every request (e.g., Authorization).
	Headers map[string]string

	// Logger receives transport diagnostics.
	Logger *slog.Logger
}

// HTTPTransport posts each JSON-RPC message to the expense server's
// endpoint and reads the reply from the response body.
type HTTPTransport struct {
	url        string
	headers    map[string]string
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.RWMutex
	sessionID string
}

// NewHTTPTransport creates an HTTP transport for the given config. The
// underlying HTTP client is constructed via httpkit.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPTransport{
		url:        cfg.URL,
		headers:    cfg.Headers,
		httpClient: httpkit.NewClient(httpkit.WithLogger(logger)),
		logger:     logger,
	}
}

// Send posts a request and decodes the JSON-RPC response.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	body, err := t.post(ctx, req, http.StatusOK)
	if err != nil {
		return nil, err
	}

	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

// Notify posts a notification. Servers answer 200 or 202 with no
// JSON-RPC body.
func (t *HTTPTransport) Notify(ctx context.Context, notif *Notification) error {
	_, err := t.post(ctx, notif, http.StatusOK, http.StatusAccepted)
	return err
}

// Close is a no-op: the pooled HTTP client manages its own connections.
func (t *HTTPTransport) Close() error {
	return nil
}

// post sends one JSON-RPC message and returns the raw response body.
// Any session id the server hands back is captured for the next call.
func (t *HTTPTransport) post(ctx context.Context, msg any, okStatus ...int) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}

	t.mu.RLock()
	if t.sessionID != "" {
		httpReq.Header.Set(sessionHeader, t.sessionID)
	}
	t.mu.RUnlock()

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", t.url, err)
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if sid := httpResp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	ok := false
	for _, code := range okStatus {
		if httpResp.StatusCode == code {
			ok = true
			break
		}
	}
	if !ok {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 1<<20)
		return nil, fmt.Errorf("expense server returned %d: %s", httpResp.StatusCode, errBody)
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20)) // 10 MiB limit
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return body, nil
}
