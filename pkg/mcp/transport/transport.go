package transport

import (
	"context"

	"github.com/pkg/errors"

	"github.com/d4l-data4life/go-tool-router/pkg/config"
	"github.com/d4l-data4life/go-tool-router/pkg/mcp/protocol"
)

// Transport is the byte-level channel used to exchange JSON-RPC envelopes
// with a tool provider. Implementations must be safe for concurrent use.
type Transport interface {
	// Send sends a JSON-RPC request and waits for the matching response
	Send(ctx context.Context, request *protocol.JSONRPCRequest) (*protocol.JSONRPCResponse, error)

	// SendNotification sends a JSON-RPC notification (no response expected)
	SendNotification(ctx context.Context, notification *protocol.JSONRPCNotification) error

	// Close closes the transport connection
	Close() error

	// IsConnected returns whether the transport is currently connected
	IsConnected() bool
}

// ErrClosed is returned when a transport is used after Close
var ErrClosed = errors.New("transport closed")

// RPCError is returned by Send when the provider answered with a JSON-RPC
// error object. It reflects the tool's own logic, not transport flakiness.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return errors.Errorf("JSON-RPC error %d: %s", e.Code, e.Message).Error()
}

// Factory creates transports from server configuration. Injected into the
// registry so tests can substitute fakes.
type Factory interface {
	Create(cfg config.ServerConfig) (Transport, error)
}

// DefaultFactory builds real stdio and http transports.
type DefaultFactory struct{}

// Create implements Factory.
func (DefaultFactory) Create(cfg config.ServerConfig) (Transport, error) {
	switch cfg.Type {
	case config.TransportStdio:
		if cfg.Command == "" {
			return nil, errors.New("stdio transport requires command")
		}
		env := make([]string, 0, len(cfg.Env))
		for key, value := range cfg.Env {
			env = append(env, key+"="+value)
		}
		return NewStdioTransport(cfg.Command, cfg.Args, env)
	case config.TransportHTTP:
		if cfg.URL == "" {
			return nil, errors.New("http transport requires URL")
		}
		return NewHTTPTransport(cfg.URL, cfg.Headers, cfg.HandshakeTimeout())
	default:
		return nil, errors.Errorf("unsupported transport type: %s", cfg.Type)
	}
}
