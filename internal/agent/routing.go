package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"coursechat/internal/domain"
	"coursechat/internal/stream"
)

const maxErrorBody = 64 * 1024

// TransportError is a non-2xx answer from the routing endpoint.
type TransportError struct {
	Status  int
	Name    string
	Message string
	Code    int
}

func (e *TransportError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code != 0 {
		return fmt.Sprintf("routing endpoint returned %d: %s (code %d)", e.Status, msg, e.Code)
	}
	return fmt.Sprintf("routing endpoint returned %d: %s", e.Status, msg)
}

// parseTransportError extracts a message and code from an error body on a
// best-effort basis. The "error" field may be plain text, an object, or an
// object encoded as a JSON string.
func parseTransportError(status int, body []byte) *TransportError {
	te := &TransportError{Status: status}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		te.Message = strings.TrimSpace(string(body))
		return te
	}
	applyErrorFields(te, raw, 0)
	if te.Message == "" {
		te.Message = http.StatusText(status)
	}
	return te
}

func applyErrorFields(te *TransportError, raw map[string]json.RawMessage, depth int) {
	if v, ok := raw["name"]; ok {
		te.Name = jsonString(v)
	}
	if v, ok := raw["code"]; ok && te.Code == 0 {
		te.Code = jsonInt(v)
	}
	if v, ok := raw["message"]; ok && te.Message == "" {
		te.Message = jsonString(v)
	}
	v, ok := raw["error"]
	if !ok {
		return
	}

	// {"error": {...}} or {"error": "{\"error\": ...}"}
	inner := v
	if s := jsonString(v); s != "" {
		inner = json.RawMessage(s)
	}
	var nested map[string]json.RawMessage
	if depth < 3 && json.Unmarshal(inner, &nested) == nil {
		applyErrorFields(te, nested, depth+1)
		return
	}
	if s := jsonString(v); s != "" {
		te.Message = s
	}
}

func jsonString(v json.RawMessage) string {
	var s string
	if json.Unmarshal(v, &s) == nil {
		return s
	}
	return ""
}

func jsonInt(v json.RawMessage) int {
	var n json.Number
	if json.Unmarshal(v, &n) == nil {
		if i, err := strconv.Atoi(n.String()); err == nil {
			return i
		}
	}
	if n, err := strconv.Atoi(jsonString(v)); err == nil {
		return n
	}
	return 0
}

// RoutingClient talks to the hosted model routing endpoint.
type RoutingClient struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

type RoutingClientConfig struct {
	URL    string
	Client *http.Client
	Logger *slog.Logger
}

func NewRoutingClient(cfg RoutingClientConfig) *RoutingClient {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &RoutingClient{url: cfg.URL, client: cfg.Client, logger: cfg.Logger}
}

// Stream POSTs req with stream set and returns the body as a stream source.
// Aborting the source cancels the request.
func (c *RoutingClient) Stream(ctx context.Context, req domain.RouteRequest) (stream.Source, error) {
	req.Stream = true
	ctx, cancel := context.WithCancel(ctx)
	resp, err := c.post(ctx, req)
	if err != nil {
		cancel()
		return nil, err
	}
	return stream.NewHTTPByteStream(resp.Body, cancel), nil
}

// Complete POSTs req without streaming and returns the full answer.
func (c *RoutingClient) Complete(ctx context.Context, req domain.RouteRequest) (string, error) {
	req.Stream = false
	resp, err := c.post(ctx, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out domain.RouteAnswer
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode answer: %w", err)
	}
	return out.Answer, nil
}

func (c *RoutingClient) post(ctx context.Context, req domain.RouteRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal route request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new route request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("routing endpoint: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		te := parseTransportError(resp.StatusCode, b)
		c.logger.Warn("routing endpoint error", "status", resp.StatusCode, "message", te.Message, "code", te.Code)
		return nil, te
	}
	return resp, nil
}
