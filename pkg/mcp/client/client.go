package client

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/d4l-data4life/go-tool-router/pkg/mcp/protocol"
	"github.com/d4l-data4life/go-tool-router/pkg/mcp/transport"

	"github.com/d4l-data4life/go-svc/pkg/logging"
)

// Client speaks the handshake/discovery/invocation sequence with one tool
// provider over an injected transport.
type Client struct {
	transport          transport.Transport
	serverInfo         *protocol.Implementation
	serverCapabilities *protocol.ServerCapabilities
	mu                 sync.RWMutex
	initialized        bool
	requestIDCounter   uint64
}

// Config holds client identity advertised during initialize
type Config struct {
	ClientName    string
	ClientVersion string
	Capabilities  protocol.ClientCapabilities
}

// New creates a client bound to the given transport
func New(trans transport.Transport) *Client {
	return &Client{transport: trans}
}

// Transport exposes the underlying transport, mainly for lifecycle wiring
func (c *Client) Transport() transport.Transport {
	return c.transport
}

// Initialize performs the initialize handshake and, on stdio transports,
// follows up with the one-way initialized notification. The initialize
// response is the readiness signal; readiness is never inferred from
// elapsed wall-clock time.
func (c *Client) Initialize(ctx context.Context, cfg Config) error {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return errors.New("client already initialized")
	}
	c.mu.Unlock()

	initRequest := protocol.InitializeRequest{
		ProtocolVersion: protocol.ProtocolVersion,
		Capabilities:    cfg.Capabilities,
		ClientInfo: protocol.Implementation{
			Name:    cfg.ClientName,
			Version: cfg.ClientVersion,
		},
	}

	paramsData, err := json.Marshal(initRequest)
	if err != nil {
		return errors.Wrap(err, "failed to marshal initialize request")
	}

	response, err := c.transport.Send(ctx, &protocol.JSONRPCRequest{
		JSONRPC: protocol.JSONRPCVersion,
		ID:      c.nextRequestID(),
		Method:  protocol.MethodInitialize,
		Params:  paramsData,
	})
	if err != nil {
		return errors.Wrap(err, "initialize request failed")
	}

	var result protocol.InitializeResult
	if err := json.Unmarshal(response.Result, &result); err != nil {
		return errors.Wrap(err, "failed to parse initialize result")
	}

	c.mu.Lock()
	c.serverInfo = &result.ServerInfo
	c.serverCapabilities = &result.Capabilities
	c.initialized = true
	c.mu.Unlock()

	logging.LogDebugf("Tool client initialized: server=%s version=%s",
		result.ServerInfo.Name, result.ServerInfo.Version)

	// HTTP providers have no persistent connection to notify over; the
	// initialize result alone is sufficient there.
	if _, ok := c.transport.(*transport.StdioTransport); ok {
		notification := &protocol.JSONRPCNotification{
			JSONRPC: protocol.JSONRPCVersion,
			Method:  protocol.NotificationInitialized,
		}
		if err := c.transport.SendNotification(ctx, notification); err != nil {
			logging.LogWarningf(err, "Failed to send initialized notification")
		}
	}

	return nil
}

// ListTools lists all available tools from the provider
func (c *Client) ListTools(ctx context.Context) ([]protocol.Tool, error) {
	if !c.isInitialized() {
		return nil, errors.New("client not initialized")
	}

	response, err := c.transport.Send(ctx, &protocol.JSONRPCRequest{
		JSONRPC: protocol.JSONRPCVersion,
		ID:      c.nextRequestID(),
		Method:  protocol.MethodListTools,
	})
	if err != nil {
		return nil, errors.Wrap(err, "list tools request failed")
	}

	var result protocol.ListToolsResult
	if err := json.Unmarshal(response.Result, &result); err != nil {
		return nil, errors.Wrap(err, "failed to parse list tools result")
	}

	return result.Tools, nil
}

// CallTool executes a tool with the given arguments
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]interface{}) (*protocol.CallToolResult, error) {
	if !c.isInitialized() {
		return nil, errors.New("client not initialized")
	}

	paramsData, err := json.Marshal(protocol.CallToolRequest{
		Name:      name,
		Arguments: arguments,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal call tool request")
	}

	response, err := c.transport.Send(ctx, &protocol.JSONRPCRequest{
		JSONRPC: protocol.JSONRPCVersion,
		ID:      c.nextRequestID(),
		Method:  protocol.MethodCallTool,
		Params:  paramsData,
	})
	if err != nil {
		return nil, errors.Wrap(err, "call tool request failed")
	}

	var result protocol.CallToolResult
	if err := json.Unmarshal(response.Result, &result); err != nil {
		return nil, errors.Wrap(err, "failed to parse call tool result")
	}

	return &result, nil
}

// Ping sends a lightweight connectivity probe
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.transport.Send(ctx, &protocol.JSONRPCRequest{
		JSONRPC: protocol.JSONRPCVersion,
		ID:      c.nextRequestID(),
		Method:  protocol.MethodPing,
	})
	return err
}

// Close closes the client and its transport
func (c *Client) Close() error {
	return c.transport.Close()
}

// ServerInfo returns the provider identity reported during initialize
func (c *Client) ServerInfo() *protocol.Implementation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// ServerCapabilities returns the capabilities reported during initialize
func (c *Client) ServerCapabilities() *protocol.ServerCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverCapabilities
}

func (c *Client) isInitialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

// nextRequestID yields monotonically increasing numeric request IDs so
// responses can be matched even when a later request completes first.
func (c *Client) nextRequestID() uint64 {
	return atomic.AddUint64(&c.requestIDCounter, 1)
}
