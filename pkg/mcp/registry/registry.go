package registry

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/d4l-data4life/go-tool-router/pkg/config"
	"github.com/d4l-data4life/go-tool-router/pkg/mcp/client"
	"github.com/d4l-data4life/go-tool-router/pkg/mcp/protocol"
	"github.com/d4l-data4life/go-tool-router/pkg/mcp/transport"
	"github.com/d4l-data4life/go-tool-router/pkg/metrics"

	"github.com/d4l-data4life/go-svc/pkg/logging"
)

// Registry manages the sessions of all configured tool providers. One
// provider failing never aborts the others; the registry always comes up,
// possibly with every session in the error state.
type Registry struct {
	factory  transport.Factory
	identity client.Config

	// gauge receives the connected-session count on every lifecycle change
	gauge func(int)

	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string
	shutdown bool
}

// New creates a registry that builds transports through the given factory
// and advertises the given client identity during handshakes.
func New(factory transport.Factory, clientName, clientVersion string) *Registry {
	return &Registry{
		factory: factory,
		identity: client.Config{
			ClientName:    clientName,
			ClientVersion: clientVersion,
		},
		gauge:    metrics.SetConnectedServers,
		sessions: make(map[string]*Session),
	}
}

// InitializeFromConfig creates a session per enabled server entry and runs
// the handshakes concurrently. It returns once every handshake has settled,
// successfully or not. Disabled entries are skipped entirely and never get
// a session.
func (r *Registry) InitializeFromConfig(ctx context.Context, configs []config.ServerConfig) {
	r.mu.Lock()
	var pending []*Session
	for _, cfg := range configs {
		if cfg.Disabled {
			logging.LogInfof("Skipping disabled tool server: %s", cfg.Name)
			continue
		}
		if _, exists := r.sessions[cfg.Name]; exists {
			logging.LogWarningf(nil, "Duplicate tool server name in configuration, keeping first: %s", cfg.Name)
			continue
		}
		session := newSession(cfg, r.publishConnectedCount)
		r.sessions[cfg.Name] = session
		r.order = append(r.order, cfg.Name)
		pending = append(pending, session)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, session := range pending {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.initialize(ctx, r.factory, r.identity)
		}(session)
	}
	wg.Wait()
	r.publishConnectedCount()

	logging.LogInfof("Tool server initialization complete: %d connected of %d configured",
		r.connectedCount(), len(pending))
}

// ReinitializeServer tears down and re-runs the handshake for one session
func (r *Registry) ReinitializeServer(ctx context.Context, name string) error {
	r.mu.RLock()
	session, ok := r.sessions[name]
	r.mu.RUnlock()
	if !ok {
		return errors.Errorf("unknown tool server: %s", name)
	}

	session.shutdown()
	session.initialize(ctx, r.factory, r.identity)
	r.publishConnectedCount()

	if session.Status() != StatusConnected {
		return errors.Errorf("tool server %s failed to reconnect", name)
	}
	return nil
}

// GetSession returns the session for the named server
func (r *Registry) GetSession(name string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[name]
	return session, ok
}

// GetServerStatus returns a snapshot of every configured session, including
// the ones that failed to initialize.
func (r *Registry) GetServerStatus() map[string]SessionView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := make(map[string]SessionView, len(r.sessions))
	for name, session := range r.sessions {
		status[name] = session.View()
	}
	return status
}

// GetAvailableTools flattens the catalogs of all connected sessions in
// registration order. On a name collision the first-registered server's
// tool wins and the shadowed one is logged.
func (r *Registry) GetAvailableTools() []protocol.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var tools []protocol.Tool
	seen := make(map[string]string)
	for _, name := range r.order {
		session := r.sessions[name]
		if session.Status() != StatusConnected {
			continue
		}
		for _, tool := range session.Tools() {
			if owner, dup := seen[tool.Name]; dup {
				logging.LogWarningf(nil, "Tool name collision: %s from server %s shadowed by server %s",
					tool.Name, name, owner)
				continue
			}
			seen[tool.Name] = name
			tools = append(tools, tool)
		}
	}
	return tools
}

// FindTool locates a tool by name across connected sessions, returning the
// owning session. Registration order breaks ties the same way
// GetAvailableTools does.
func (r *Registry) FindTool(toolName string) (*Session, protocol.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range r.order {
		session := r.sessions[name]
		if session.Status() != StatusConnected {
			continue
		}
		for _, tool := range session.Tools() {
			if tool.Name == toolName {
				return session, tool, true
			}
		}
	}
	return nil, protocol.Tool{}, false
}

// Shutdown closes all sessions concurrently and clears the session map, so
// later status queries report an empty registry. Safe to call more than once.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return
	}
	r.shutdown = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, session := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.shutdown()
		}(session)
	}
	wg.Wait()

	r.mu.Lock()
	r.sessions = make(map[string]*Session)
	r.order = nil
	r.mu.Unlock()
	r.publishConnectedCount()

	logging.LogInfof("All tool server sessions closed")
}

// publishConnectedCount mirrors the current session states into the gauge
func (r *Registry) publishConnectedCount() {
	if r.gauge == nil {
		return
	}
	r.gauge(r.connectedCount())
}

func (r *Registry) connectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, session := range r.sessions {
		if session.Status() == StatusConnected {
			count++
		}
	}
	return count
}
