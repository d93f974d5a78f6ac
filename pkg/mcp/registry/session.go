package registry

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/d4l-data4life/go-tool-router/pkg/config"
	"github.com/d4l-data4life/go-tool-router/pkg/mcp/client"
	"github.com/d4l-data4life/go-tool-router/pkg/mcp/protocol"
	"github.com/d4l-data4life/go-tool-router/pkg/mcp/transport"

	"github.com/d4l-data4life/go-svc/pkg/logging"
)

// Status is the lifecycle state of a server session. Transitions only move
// forward; going back requires an explicit re-initialize.
type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusInitializing  Status = "initializing"
	StatusConnected     Status = "connected"
	StatusError         Status = "error"
	StatusDisconnected  Status = "disconnected"
)

// Session owns one configured tool provider: its transport, handshake state
// and the resulting tool catalog. All lifecycle mutation happens through its
// own methods, driven by the Registry.
type Session struct {
	cfg config.ServerConfig

	// notify tells the owning registry about asynchronous state changes,
	// currently only the death of a stdio child process.
	notify func()

	mu     sync.RWMutex
	status Status
	errMsg string
	client *client.Client
	tools  []protocol.Tool
}

// SessionView is a read-only snapshot of a session's state
type SessionView struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Status      Status `json:"status"`
	Error       string `json:"error,omitempty"`
	ToolCount   int    `json:"toolCount"`
}

func newSession(cfg config.ServerConfig, notify func()) *Session {
	return &Session{
		cfg:    cfg,
		notify: notify,
		status: StatusUninitialized,
	}
}

// Config returns the immutable server configuration
func (s *Session) Config() config.ServerConfig {
	return s.cfg
}

// Status returns the current lifecycle state
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// View returns a read-only snapshot of the session
func (s *Session) View() SessionView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionView{
		Name:        s.cfg.Name,
		Type:        s.cfg.Type,
		Description: s.cfg.Description,
		Status:      s.status,
		Error:       s.errMsg,
		ToolCount:   len(s.tools),
	}
}

// Tools returns a copy of the session's tool catalog
func (s *Session) Tools() []protocol.Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tools := make([]protocol.Tool, len(s.tools))
	copy(tools, s.tools)
	return tools
}

// Client returns the live protocol client, or nil before initialization
func (s *Session) Client() *client.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

// initialize runs the full handshake: spawn/connect, initialize,
// initialized notification, tools/list. A tools/list failure degrades to
// connected with an empty catalog since the transport itself is proven live;
// every earlier failure puts the session into the error state.
func (s *Session) initialize(ctx context.Context, factory transport.Factory, identity client.Config) {
	s.mu.Lock()
	s.status = StatusInitializing
	s.errMsg = ""
	s.tools = nil
	s.mu.Unlock()

	handshakeCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout())
	defer cancel()

	trans, err := factory.Create(s.cfg)
	if err != nil {
		s.fail(errors.Wrapf(err, "failed to create transport for server %s", s.cfg.Name))
		return
	}

	if stdioTrans, ok := trans.(*transport.StdioTransport); ok {
		stdioTrans.SetOnExit(s.handleUnexpectedExit)
	}

	c := client.New(trans)
	if err := c.Initialize(handshakeCtx, identity); err != nil {
		trans.Close()
		s.fail(errors.Wrapf(err, "handshake failed for server %s", s.cfg.Name))
		return
	}

	// Optional connectivity probe for HTTP providers; advisory only
	if s.cfg.Type == config.TransportHTTP {
		if err := c.Ping(handshakeCtx); err != nil {
			logging.LogDebugf("Ping probe failed for server %s: %v", s.cfg.Name, err)
		}
	}

	tools, err := c.ListTools(handshakeCtx)
	if err != nil {
		logging.LogWarningf(err, "Tool listing failed for server %s, continuing with empty catalog", s.cfg.Name)
		tools = nil
	}

	s.mu.Lock()
	s.client = c
	s.tools = tools
	s.status = StatusConnected
	s.mu.Unlock()

	logging.LogInfof("Connected to tool server %s: %d tools", s.cfg.Name, len(tools))
}

// fail moves the session into the error state with an explanatory message
func (s *Session) fail(err error) {
	s.mu.Lock()
	s.status = StatusError
	s.errMsg = err.Error()
	s.mu.Unlock()

	logging.LogErrorf(err, "Tool server %s failed to initialize", s.cfg.Name)
}

// handleUnexpectedExit surfaces a dead stdio process as an error state with
// an explanatory message; it is never silently reconnected.
func (s *Session) handleUnexpectedExit(err error) {
	s.mu.Lock()
	if s.status != StatusConnected && s.status != StatusInitializing {
		s.mu.Unlock()
		return
	}
	s.status = StatusError
	s.errMsg = err.Error()
	s.mu.Unlock()

	logging.LogWarningf(err, "Tool server %s process ended unexpectedly", s.cfg.Name)
	if s.notify != nil {
		s.notify()
	}
}

// shutdown terminates the session's transport and marks it disconnected
func (s *Session) shutdown() {
	s.mu.Lock()
	c := s.client
	s.client = nil
	s.tools = nil
	if s.status == StatusConnected || s.status == StatusInitializing {
		s.status = StatusDisconnected
	}
	s.mu.Unlock()

	if c != nil {
		if err := c.Close(); err != nil {
			logging.LogErrorf(err, "Failed to close session for server %s", s.cfg.Name)
		}
	}
}
