package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/d4l-data4life/go-tool-router/pkg/mcp/protocol"

	"github.com/d4l-data4life/go-svc/pkg/logging"
)

// HTTPTransport posts JSON-RPC envelopes to a fixed URL. There is no
// persistent connection; each call is one HTTP round-trip bounded by the
// caller's context and the client timeout.
type HTTPTransport struct {
	baseURL string
	headers map[string]string
	client  *http.Client

	mu        sync.Mutex
	connected bool
	sessionID string
}

// HTTPStatusError is returned when the provider answered with a non-2xx status
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return errors.Errorf("HTTP error %d: %s", e.StatusCode, e.Body).Error()
}

// NewHTTPTransport creates a new HTTP transport
func NewHTTPTransport(baseURL string, headers map[string]string, timeout time.Duration) (*HTTPTransport, error) {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	t := &HTTPTransport{
		baseURL:   baseURL,
		headers:   headers,
		client:    &http.Client{Timeout: timeout},
		connected: true,
	}

	logging.LogDebugf("Created HTTP transport: %s", baseURL)

	return t, nil
}

// Send sends a JSON-RPC request and waits for a response
func (t *HTTPTransport) Send(ctx context.Context, request *protocol.JSONRPCRequest) (*protocol.JSONRPCResponse, error) {
	if !t.IsConnected() {
		return nil, ErrClosed
	}

	data, err := json.Marshal(request)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}

	httpResp, err := t.post(ctx, data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send HTTP request")
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		body, _ := io.ReadAll(httpResp.Body)
		return nil, &HTTPStatusError{StatusCode: httpResp.StatusCode, Body: string(body)}
	}

	respData, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response body")
	}

	// Capture session id if provided on initialize
	if request.Method == protocol.MethodInitialize {
		if sid := httpResp.Header.Get("mcp-session-id"); sid != "" {
			t.mu.Lock()
			t.sessionID = sid
			t.mu.Unlock()
		}
	}

	var response *protocol.JSONRPCResponse
	if strings.Contains(httpResp.Header.Get("Content-Type"), "text/event-stream") {
		response, err = parseSSEJSONRPCResponse(string(respData), request.ID)
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse SSE JSON-RPC response")
		}
	} else {
		response = &protocol.JSONRPCResponse{}
		if err := json.Unmarshal(respData, response); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal response")
		}
	}

	if response.Error != nil {
		return nil, &RPCError{Code: response.Error.Code, Message: response.Error.Message}
	}

	return response, nil
}

// SendNotification sends a JSON-RPC notification. HTTP providers have no
// persistent channel, so the response body is drained and discarded.
func (t *HTTPTransport) SendNotification(ctx context.Context, notification *protocol.JSONRPCNotification) error {
	if !t.IsConnected() {
		return ErrClosed
	}

	data, err := json.Marshal(notification)
	if err != nil {
		return errors.Wrap(err, "failed to marshal notification")
	}

	httpResp, err := t.post(ctx, data)
	if err != nil {
		return errors.Wrap(err, "failed to send HTTP notification")
	}
	defer httpResp.Body.Close()

	_, _ = io.Copy(io.Discard, httpResp.Body)
	return nil
}

// Close drops the client context. Safe to call multiple times.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return nil
	}
	t.connected = false
	t.client.CloseIdleConnections()

	logging.LogDebugf("Closed HTTP transport")
	return nil
}

// IsConnected returns whether the transport is connected
func (t *HTTPTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *HTTPTransport) post(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create HTTP request")
	}

	httpReq.Header.Set("Content-Type", "application/json")
	// Providers may answer either plain JSON or an SSE-framed body
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	for key, value := range t.headers {
		httpReq.Header.Set(key, value)
	}
	t.mu.Lock()
	if t.sessionID != "" {
		httpReq.Header.Set("mcp-session-id", t.sessionID)
	}
	t.mu.Unlock()

	return t.client.Do(httpReq)
}

// parseSSEJSONRPCResponse extracts the JSON-RPC response from an SSE-formatted
// payload: data: lines are joined per event and the first event that parses
// into a response with the expected ID wins.
func parseSSEJSONRPCResponse(payload string, requestID uint64) (*protocol.JSONRPCResponse, error) {
	scanner := bufio.NewScanner(strings.NewReader(payload))
	var eventData strings.Builder

	flush := func() *protocol.JSONRPCResponse {
		if eventData.Len() == 0 {
			return nil
		}
		candidate := eventData.String()
		eventData.Reset()
		var resp protocol.JSONRPCResponse
		if err := json.Unmarshal([]byte(candidate), &resp); err == nil && resp.ID == requestID {
			return &resp
		}
		return nil
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			if resp := flush(); resp != nil {
				return resp, nil
			}
			continue
		}
		if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if eventData.Len() > 0 {
				eventData.WriteString("\n")
			}
			eventData.WriteString(data)
		}
	}

	// Stream may end without a trailing blank line
	if resp := flush(); resp != nil {
		return resp, nil
	}

	return nil, errors.New("no JSON-RPC response found in SSE payload")
}
