package invoker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d4l-data4life/go-tool-router/pkg/config"
	"github.com/d4l-data4life/go-tool-router/pkg/mcp/protocol"
	"github.com/d4l-data4life/go-tool-router/pkg/mcp/registry"
	"github.com/d4l-data4life/go-tool-router/pkg/mcp/transport"
)

// scriptedTransport answers the handshake normally and runs tools/call
// through a configurable script, so retry and classification behavior can be
// exercised without a real server.
type scriptedTransport struct {
	mu        sync.Mutex
	tools     []protocol.Tool
	callCount int
	onCall    func(attempt int, request *protocol.JSONRPCRequest) (*protocol.JSONRPCResponse, error)
	closed    bool
}

func (s *scriptedTransport) Send(ctx context.Context, request *protocol.JSONRPCRequest) (*protocol.JSONRPCResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch request.Method {
	case protocol.MethodInitialize:
		result, _ := json.Marshal(protocol.InitializeResult{
			ProtocolVersion: protocol.ProtocolVersion,
			ServerInfo:      protocol.Implementation{Name: "scripted", Version: "1.0.0"},
		})
		return &protocol.JSONRPCResponse{JSONRPC: protocol.JSONRPCVersion, ID: request.ID, Result: result}, nil
	case protocol.MethodListTools:
		result, _ := json.Marshal(protocol.ListToolsResult{Tools: s.tools})
		return &protocol.JSONRPCResponse{JSONRPC: protocol.JSONRPCVersion, ID: request.ID, Result: result}, nil
	case protocol.MethodCallTool:
		s.callCount++
		return s.onCall(s.callCount, request)
	default:
		return nil, errors.Errorf("unexpected method: %s", request.Method)
	}
}

func (s *scriptedTransport) SendNotification(context.Context, *protocol.JSONRPCNotification) error {
	return nil
}

func (s *scriptedTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *scriptedTransport) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *scriptedTransport) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

type singleFactory struct {
	trans transport.Transport
}

func (f singleFactory) Create(config.ServerConfig) (transport.Transport, error) {
	return f.trans, nil
}

func successResponse(request *protocol.JSONRPCRequest, text string) (*protocol.JSONRPCResponse, error) {
	result, _ := json.Marshal(protocol.CallToolResult{
		Content: []protocol.Content{{Type: "text", Text: text}},
	})
	return &protocol.JSONRPCResponse{JSONRPC: protocol.JSONRPCVersion, ID: request.ID, Result: result}, nil
}

func isErrorResponse(request *protocol.JSONRPCRequest, text string) (*protocol.JSONRPCResponse, error) {
	result, _ := json.Marshal(protocol.CallToolResult{
		Content: []protocol.Content{{Type: "text", Text: text}},
		IsError: true,
	})
	return &protocol.JSONRPCResponse{JSONRPC: protocol.JSONRPCVersion, ID: request.ID, Result: result}, nil
}

func queensTool() protocol.Tool {
	return protocol.Tool{
		Name:        "solve_n_queens",
		Description: "Solve the N queens puzzle",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"n": map[string]interface{}{"type": "integer"},
			},
			"required": []interface{}{"n"},
		},
	}
}

func setupInvoker(t *testing.T, trans *scriptedTransport, opts Options) (*Invoker, *registry.Registry) {
	t.Helper()
	reg := registry.New(singleFactory{trans: trans}, "go-tool-router", "test")
	reg.InitializeFromConfig(context.Background(), []config.ServerConfig{
		{Name: "puzzles", Type: config.TransportStdio, Command: "unused", RetryDelay: "10ms"},
	})
	require.Equal(t, registry.StatusConnected, reg.GetServerStatus()["puzzles"].Status)
	return New(reg, opts), reg
}

func TestExecuteToolSuccess(t *testing.T) {
	trans := &scriptedTransport{
		tools: []protocol.Tool{queensTool()},
		onCall: func(_ int, req *protocol.JSONRPCRequest) (*protocol.JSONRPCResponse, error) {
			return successResponse(req, "2 solutions")
		},
	}
	inv, _ := setupInvoker(t, trans, Options{})

	result := inv.ExecuteTool(context.Background(), "solve_n_queens", map[string]interface{}{"n": 4})
	require.True(t, result.Success)
	assert.Equal(t, "2 solutions", result.Text())
	assert.Equal(t, "puzzles", result.ServerName)
	assert.Equal(t, 1, result.Attempts)
	assert.Greater(t, result.ExecutionTime, time.Duration(0))
}

func TestExecuteToolNotFound(t *testing.T) {
	trans := &scriptedTransport{tools: []protocol.Tool{queensTool()}}
	inv, _ := setupInvoker(t, trans, Options{})

	result := inv.ExecuteTool(context.Background(), "unknown_tool", nil)
	require.False(t, result.Success)
	var notFound *ToolNotFoundError
	require.ErrorAs(t, result.Err, &notFound)
	assert.Equal(t, "unknown_tool", notFound.Tool)
	assert.Equal(t, 0, trans.calls())
}

func TestExecuteToolMissingParametersMakesNoOutboundCall(t *testing.T) {
	trans := &scriptedTransport{tools: []protocol.Tool{queensTool()}}
	inv, _ := setupInvoker(t, trans, Options{ValidateInput: true})

	result := inv.ExecuteTool(context.Background(), "solve_n_queens", map[string]interface{}{})
	require.False(t, result.Success)
	var missing *MissingParametersError
	require.ErrorAs(t, result.Err, &missing)
	assert.Equal(t, []string{"n"}, missing.Missing)
	assert.Equal(t, 0, trans.calls())
}

func TestExecuteToolRetriesTransientFailures(t *testing.T) {
	trans := &scriptedTransport{
		tools: []protocol.Tool{queensTool()},
		onCall: func(attempt int, req *protocol.JSONRPCRequest) (*protocol.JSONRPCResponse, error) {
			if attempt < 3 {
				return nil, errors.New("broken pipe")
			}
			return successResponse(req, "recovered")
		},
	}
	inv, _ := setupInvoker(t, trans, Options{RetryAttempts: 2})

	result := inv.ExecuteTool(context.Background(), "solve_n_queens", map[string]interface{}{"n": 4})
	require.True(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, "recovered", result.Text())
}

func TestExecuteToolRetryBudgetIsBounded(t *testing.T) {
	trans := &scriptedTransport{
		tools: []protocol.Tool{queensTool()},
		onCall: func(int, *protocol.JSONRPCRequest) (*protocol.JSONRPCResponse, error) {
			return nil, errors.New("broken pipe")
		},
	}
	inv, _ := setupInvoker(t, trans, Options{RetryAttempts: 2})

	result := inv.ExecuteTool(context.Background(), "solve_n_queens", map[string]interface{}{"n": 4})
	require.False(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 3, trans.calls())
	var transportErr *TransportError
	assert.ErrorAs(t, result.Err, &transportErr)
}

func TestExecuteToolRemoteErrorIsNotRetried(t *testing.T) {
	trans := &scriptedTransport{
		tools: []protocol.Tool{queensTool()},
		onCall: func(_ int, req *protocol.JSONRPCRequest) (*protocol.JSONRPCResponse, error) {
			return isErrorResponse(req, "n must be positive")
		},
	}
	inv, _ := setupInvoker(t, trans, Options{RetryAttempts: 2})

	result := inv.ExecuteTool(context.Background(), "solve_n_queens", map[string]interface{}{"n": -1})
	require.False(t, result.Success)
	assert.Equal(t, 1, trans.calls())
	var remoteErr *RemoteToolError
	require.ErrorAs(t, result.Err, &remoteErr)
	assert.Contains(t, remoteErr.Message, "n must be positive")
}

func TestExecuteToolRPCErrorIsNotRetried(t *testing.T) {
	trans := &scriptedTransport{
		tools: []protocol.Tool{queensTool()},
		onCall: func(int, *protocol.JSONRPCRequest) (*protocol.JSONRPCResponse, error) {
			return nil, &transport.RPCError{Code: protocol.InvalidParams, Message: "bad params"}
		},
	}
	inv, _ := setupInvoker(t, trans, Options{RetryAttempts: 2})

	result := inv.ExecuteTool(context.Background(), "solve_n_queens", map[string]interface{}{"n": 4})
	require.False(t, result.Success)
	assert.Equal(t, 1, trans.calls())
	var remoteErr *RemoteToolError
	assert.ErrorAs(t, result.Err, &remoteErr)
}

func TestExecuteToolTimeoutIsClassified(t *testing.T) {
	trans := &scriptedTransport{
		tools: []protocol.Tool{queensTool()},
		onCall: func(int, *protocol.JSONRPCRequest) (*protocol.JSONRPCResponse, error) {
			return nil, context.DeadlineExceeded
		},
	}
	inv, _ := setupInvoker(t, trans, Options{Timeout: 20 * time.Millisecond})

	result := inv.ExecuteTool(context.Background(), "solve_n_queens", map[string]interface{}{"n": 4})
	require.False(t, result.Success)
	var timeoutErr *TimeoutError
	require.ErrorAs(t, result.Err, &timeoutErr)
	assert.True(t, IsRetryable(result.Err))
}

func TestExecuteToolCoercesStringArguments(t *testing.T) {
	var captured map[string]interface{}
	trans := &scriptedTransport{
		tools: []protocol.Tool{queensTool()},
		onCall: func(_ int, req *protocol.JSONRPCRequest) (*protocol.JSONRPCResponse, error) {
			var call protocol.CallToolRequest
			require.NoError(t, json.Unmarshal(req.Params, &call))
			captured = call.Arguments
			return successResponse(req, "ok")
		},
	}
	inv, _ := setupInvoker(t, trans, Options{})

	result := inv.ExecuteTool(context.Background(), "solve_n_queens", map[string]interface{}{"n": "8"})
	require.True(t, result.Success)
	// JSON round-trip renders the coerced int64 as float64
	assert.Equal(t, float64(8), captured["n"])
}

type recordingSink struct {
	mu      sync.Mutex
	records []string
}

func (r *recordingSink) RecordToolUsage(toolName, serverName string, success bool, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := "ok"
	if !success {
		status = "failed"
	}
	r.records = append(r.records, toolName+"/"+serverName+"/"+status)
}

func TestExecuteToolReportsUsageStats(t *testing.T) {
	trans := &scriptedTransport{
		tools: []protocol.Tool{queensTool()},
		onCall: func(_ int, req *protocol.JSONRPCRequest) (*protocol.JSONRPCResponse, error) {
			return successResponse(req, "ok")
		},
	}
	inv, _ := setupInvoker(t, trans, Options{})
	sink := &recordingSink{}
	inv.SetStatsSink(sink)

	inv.ExecuteTool(context.Background(), "solve_n_queens", map[string]interface{}{"n": 4})
	require.Len(t, sink.records, 1)
	assert.Equal(t, "solve_n_queens/puzzles/ok", sink.records[0])
}

func TestConformArgumentsPrimitiveVariants(t *testing.T) {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"count":   map[string]interface{}{"type": "integer"},
			"ratio":   map[string]interface{}{"type": "number"},
			"enabled": map[string]interface{}{"type": "boolean"},
			"tags":    map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "integer"}},
		},
	}

	conformed := conformArguments(schema, map[string]interface{}{
		"count":   "3",
		"ratio":   "0.5",
		"enabled": "true",
		"tags":    []interface{}{"1", "2"},
		"extra":   "untouched",
	})

	assert.Equal(t, int64(3), conformed["count"])
	assert.Equal(t, 0.5, conformed["ratio"])
	assert.Equal(t, true, conformed["enabled"])
	assert.Equal(t, []interface{}{int64(1), int64(2)}, conformed["tags"])
	assert.Equal(t, "untouched", conformed["extra"])
}

func TestConformArgumentsNestedAndUnconvertible(t *testing.T) {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"options": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"depth": map[string]interface{}{"type": "integer"},
				},
			},
			"limit": map[string]interface{}{"type": []interface{}{"null", "integer"}},
			"label": map[string]interface{}{"type": "string"},
		},
	}

	conformed := conformArguments(schema, map[string]interface{}{
		"options": `{"depth": "4"}`,
		"limit":   float64(7),
		"label":   "not a number",
	})

	assert.Equal(t, map[string]interface{}{"depth": int64(4)}, conformed["options"])
	assert.Equal(t, int64(7), conformed["limit"])
	assert.Equal(t, "not a number", conformed["label"])

	// A schema without properties hands the arguments back unchanged
	args := map[string]interface{}{"n": "8"}
	assert.Equal(t, args, conformArguments(map[string]interface{}{"type": "object"}, args))
}
