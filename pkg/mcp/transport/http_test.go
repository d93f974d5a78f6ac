package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d4l-data4life/go-tool-router/pkg/mcp/protocol"
)

func newHTTPTransport(t *testing.T, url string) *HTTPTransport {
	t.Helper()
	trans, err := NewHTTPTransport(url, nil, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = trans.Close() })
	return trans
}

func TestHTTPTransportRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req protocol.JSONRPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		json.NewEncoder(w).Encode(protocol.JSONRPCResponse{
			JSONRPC: protocol.JSONRPCVersion,
			ID:      req.ID,
			Result:  json.RawMessage(`{"ok":true}`),
		})
	}))
	defer srv.Close()

	trans := newHTTPTransport(t, srv.URL)

	resp, err := trans.Send(context.Background(), &protocol.JSONRPCRequest{
		JSONRPC: protocol.JSONRPCVersion,
		ID:      7,
		Method:  protocol.MethodPing,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(7), resp.ID)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Result))
}

func TestHTTPTransportStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broken", http.StatusBadGateway)
	}))
	defer srv.Close()

	trans := newHTTPTransport(t, srv.URL)

	_, err := trans.Send(context.Background(), &protocol.JSONRPCRequest{
		JSONRPC: protocol.JSONRPCVersion,
		ID:      1,
		Method:  protocol.MethodPing,
	})
	require.Error(t, err)

	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
}

func TestHTTPTransportRemoteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(protocol.JSONRPCResponse{
			JSONRPC: protocol.JSONRPCVersion,
			ID:      1,
			Error:   &protocol.JSONRPCError{Code: protocol.InvalidParams, Message: "bad params"},
		})
	}))
	defer srv.Close()

	trans := newHTTPTransport(t, srv.URL)

	_, err := trans.Send(context.Background(), &protocol.JSONRPCRequest{
		JSONRPC: protocol.JSONRPCVersion,
		ID:      1,
		Method:  protocol.MethodCallTool,
	})
	require.Error(t, err)

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, protocol.InvalidParams, rpcErr.Code)
	assert.Equal(t, "bad params", rpcErr.Message)
}

func TestHTTPTransportParsesSSEBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":3,\"result\":{\"tools\":[]}}\n\n"))
	}))
	defer srv.Close()

	trans := newHTTPTransport(t, srv.URL)

	resp, err := trans.Send(context.Background(), &protocol.JSONRPCRequest{
		JSONRPC: protocol.JSONRPCVersion,
		ID:      3,
		Method:  protocol.MethodListTools,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), resp.ID)
	assert.JSONEq(t, `{"tools":[]}`, string(resp.Result))
}

func TestHTTPTransportCarriesSessionID(t *testing.T) {
	var sessionHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req protocol.JSONRPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Method == protocol.MethodInitialize {
			w.Header().Set("mcp-session-id", "session-42")
		} else {
			sessionHeader = r.Header.Get("mcp-session-id")
		}
		json.NewEncoder(w).Encode(protocol.JSONRPCResponse{
			JSONRPC: protocol.JSONRPCVersion,
			ID:      req.ID,
			Result:  json.RawMessage(`{}`),
		})
	}))
	defer srv.Close()

	trans := newHTTPTransport(t, srv.URL)

	_, err := trans.Send(context.Background(), &protocol.JSONRPCRequest{
		JSONRPC: protocol.JSONRPCVersion,
		ID:      1,
		Method:  protocol.MethodInitialize,
	})
	require.NoError(t, err)

	_, err = trans.Send(context.Background(), &protocol.JSONRPCRequest{
		JSONRPC: protocol.JSONRPCVersion,
		ID:      2,
		Method:  protocol.MethodListTools,
	})
	require.NoError(t, err)
	assert.Equal(t, "session-42", sessionHeader)
}

func TestHTTPTransportCloseIsIdempotent(t *testing.T) {
	trans, err := NewHTTPTransport("http://localhost:0", nil, time.Second)
	require.NoError(t, err)

	require.NoError(t, trans.Close())
	require.NoError(t, trans.Close())
	assert.False(t, trans.IsConnected())

	_, err = trans.Send(context.Background(), &protocol.JSONRPCRequest{
		JSONRPC: protocol.JSONRPCVersion,
		ID:      1,
		Method:  protocol.MethodPing,
	})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestParseSSEJSONRPCResponse(t *testing.T) {
	t.Run("skips foreign events", func(t *testing.T) {
		payload := "data: {\"jsonrpc\":\"2.0\",\"id\":9,\"result\":{}}\n\n" +
			"data: {\"jsonrpc\":\"2.0\",\"id\":5,\"result\":{\"n\":1}}\n\n"
		resp, err := parseSSEJSONRPCResponse(payload, 5)
		require.NoError(t, err)
		assert.Equal(t, uint64(5), resp.ID)
	})

	t.Run("handles missing trailing blank line", func(t *testing.T) {
		payload := "data: {\"jsonrpc\":\"2.0\",\"id\":5,\"result\":{}}"
		resp, err := parseSSEJSONRPCResponse(payload, 5)
		require.NoError(t, err)
		assert.Equal(t, uint64(5), resp.ID)
	})

	t.Run("errors when nothing matches", func(t *testing.T) {
		_, err := parseSSEJSONRPCResponse("event: ping\n\n", 5)
		assert.Error(t, err)
	})
}
