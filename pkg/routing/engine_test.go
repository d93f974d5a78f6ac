package routing

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
	"github.com/d4l-data4life/go-tool-router/pkg/llm"
	"github.com/d4l-data4life/go-tool-router/pkg/mcp/invoker"
	"github.com/d4l-data4life/go-tool-router/pkg/mcp/protocol"
	"github.com/d4l-data4life/go-tool-router/pkg/mcp/registry"
	"github.com/d4l-data4life/go-tool-router/pkg/mcp/transport"
	"github.com/d4l-data4life/go-tool-router/pkg/routing/keyword"
	"github.com/d4l-data4life/go-tool-router/pkg/store"
)

// toolServer fakes a connected provider for engine tests
type toolServer struct {
	mu        sync.Mutex
	tools     []protocol.Tool
	callCount int
	onCall    func(name string, args map[string]interface{}) (string, error)
}

func (s *toolServer) Send(_ context.Context, request *protocol.JSONRPCRequest) (*protocol.JSONRPCResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch request.Method {
	case protocol.MethodInitialize:
		result, _ := json.Marshal(protocol.InitializeResult{
			ProtocolVersion: protocol.ProtocolVersion,
			ServerInfo:      protocol.Implementation{Name: "fake", Version: "1.0.0"},
		})
		return &protocol.JSONRPCResponse{JSONRPC: protocol.JSONRPCVersion, ID: request.ID, Result: result}, nil
	case protocol.MethodListTools:
		result, _ := json.Marshal(protocol.ListToolsResult{Tools: s.tools})
		return &protocol.JSONRPCResponse{JSONRPC: protocol.JSONRPCVersion, ID: request.ID, Result: result}, nil
	case protocol.MethodCallTool:
		s.callCount++
		var call protocol.CallToolRequest
		if err := json.Unmarshal(request.Params, &call); err != nil {
			return nil, err
		}
		text, err := s.onCall(call.Name, call.Arguments)
		if err != nil {
			return nil, err
		}
		result, _ := json.Marshal(protocol.CallToolResult{
			Content: []protocol.Content{{Type: "text", Text: text}},
		})
		return &protocol.JSONRPCResponse{JSONRPC: protocol.JSONRPCVersion, ID: request.ID, Result: result}, nil
	default:
		return nil, errors.Errorf("unexpected method: %s", request.Method)
	}
}

func (s *toolServer) SendNotification(context.Context, *protocol.JSONRPCNotification) error {
	return nil
}

func (s *toolServer) Close() error { return nil }

func (s *toolServer) IsConnected() bool { return true }

func (s *toolServer) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

type serverFactory struct {
	trans transport.Transport
}

func (f serverFactory) Create(config.ServerConfig) (transport.Transport, error) {
	return f.trans, nil
}

// fakeLLM records requests and plays back canned content
type fakeLLM struct {
	mu        sync.Mutex
	requests  []llm.ChatRequest
	content   string
	toolCalls []llm.ToolCall
	err       error
}

func (f *fakeLLM) Chat(_ context.Context, request llm.ChatRequest) (*llm.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, request)
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResponse{Message: llm.Message{
		Role:      llm.RoleAssistant,
		Content:   f.content,
		ToolCalls: f.toolCalls,
	}}, nil
}

func (f *fakeLLM) ListModels(context.Context) ([]llm.Model, error) {
	return nil, nil
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func routingConfig() config.RoutingConfig {
	return config.RoutingConfig{
		ConfidenceThreshold: 0.4,
		EnableMCPFirst:      true,
		EnableLLMFallback:   true,
		MaxToolCalls:        3,
		TopN:                10,
		HybridCues:          []string{"explain", "why", "describe", "elaborate"},
		DecisionCacheTTL:    "1m",
	}
}

func queensSchemaTool() protocol.Tool {
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

func setupEngine(t *testing.T, server *toolServer, model *fakeLLM, cfg config.RoutingConfig) (*Engine, *store.MemoryStore) {
	t.Helper()

	reg := registry.New(serverFactory{trans: server}, "go-tool-router", "test")
	reg.InitializeFromConfig(context.Background(), []config.ServerConfig{
		{Name: "puzzles", Type: config.TransportStdio, Command: "unused", RetryDelay: "1ms"},
	})
	require.Equal(t, registry.StatusConnected, reg.GetServerStatus()["puzzles"].Status)

	memStore := store.NewMemoryStore()
	require.NoError(t, memStore.UpsertKeywords(context.Background(), "solve_n_queens", []keyword.Entry{
		{Keyword: "queens", Confidence: 0.9, Source: keyword.SourceManual},
		{Keyword: "solve", Confidence: 0.9, Source: keyword.SourceManual},
		{Keyword: "8皇后", Confidence: 0.9, Source: keyword.SourceManual},
	}))

	index := keyword.NewIndex(memStore, keyword.DefaultScoringConfig())
	resolver := keyword.NewParamResolver(memStore)
	inv := invoker.New(reg, invoker.Options{Timeout: time.Second, ValidateInput: true})

	return NewEngine(index, resolver, inv, reg, model, cfg), memStore
}

func TestRouteHighConfidenceInvokesTool(t *testing.T) {
	server := &toolServer{
		tools: []protocol.Tool{queensSchemaTool()},
		onCall: func(name string, args map[string]interface{}) (string, error) {
			assert.Equal(t, "solve_n_queens", name)
			assert.Equal(t, float64(8), args["n"])
			return "92 solutions found", nil
		},
	}
	model := &fakeLLM{content: "should not be used"}
	engine, _ := setupEngine(t, server, model, routingConfig())

	decision := engine.Route(context.Background(), "solve 8 queens problem")
	assert.Equal(t, SourceMCP, decision.Source)
	assert.Equal(t, "solve_n_queens", decision.ToolName)
	assert.GreaterOrEqual(t, decision.Confidence, 0.8)
	assert.Equal(t, "92 solutions found", decision.Response)
	assert.Contains(t, decision.Reasoning, "solve_n_queens")
	assert.Equal(t, 0, model.callCount())
}

func TestRouteLowConfidenceBypassesTools(t *testing.T) {
	server := &toolServer{
		tools: []protocol.Tool{queensSchemaTool()},
		onCall: func(string, map[string]interface{}) (string, error) {
			t.Fatal("no tool call expected")
			return "", nil
		},
	}
	model := &fakeLLM{content: "Machine learning is a field of AI."}
	engine, _ := setupEngine(t, server, model, routingConfig())

	decision := engine.Route(context.Background(), "What is machine learning?")
	assert.Equal(t, SourceLLM, decision.Source)
	assert.Equal(t, "Machine learning is a field of AI.", decision.Response)
	assert.Empty(t, decision.ToolName)
	assert.Equal(t, 0, server.calls())
	require.Equal(t, 1, model.callCount())
}

func TestRouteToolFailureFallsBackToLLM(t *testing.T) {
	server := &toolServer{
		tools: []protocol.Tool{queensSchemaTool()},
		onCall: func(string, map[string]interface{}) (string, error) {
			return "", &transport.RPCError{Code: protocol.InternalError, Message: "board size unsupported"}
		},
	}
	model := &fakeLLM{content: "The solver cannot handle that board."}
	engine, _ := setupEngine(t, server, model, routingConfig())

	decision := engine.Route(context.Background(), "solve 8 queens problem")
	assert.Equal(t, SourceLLM, decision.Source)
	assert.Equal(t, "The solver cannot handle that board.", decision.Response)
	assert.Contains(t, decision.Reasoning, "board size unsupported")
	assert.NotContains(t, decision.Response, "goroutine") // no stack traces to callers
}

func TestRouteMissingParametersFallsBackWithContext(t *testing.T) {
	server := &toolServer{
		tools: []protocol.Tool{queensSchemaTool()},
		onCall: func(string, map[string]interface{}) (string, error) {
			t.Fatal("validation should stop the call before dispatch")
			return "", nil
		},
	}
	model := &fakeLLM{content: "Please tell me the board size."}
	engine, _ := setupEngine(t, server, model, routingConfig())

	// Matches on keywords but carries no numeric token to fill n
	decision := engine.Route(context.Background(), "solve queens")
	assert.Equal(t, SourceLLM, decision.Source)
	assert.Contains(t, decision.Reasoning, "n")
	assert.Equal(t, 0, server.calls())

	require.Equal(t, 1, model.callCount())
	model.mu.Lock()
	system := model.requests[0].Messages[0].Content
	model.mu.Unlock()
	assert.Contains(t, system, "requires the parameters")
}

func TestRouteHybridExplanation(t *testing.T) {
	server := &toolServer{
		tools: []protocol.Tool{queensSchemaTool()},
		onCall: func(string, map[string]interface{}) (string, error) {
			return "92 solutions found", nil
		},
	}
	model := &fakeLLM{content: "The solver found 92 distinct arrangements."}
	engine, _ := setupEngine(t, server, model, routingConfig())

	decision := engine.Route(context.Background(), "solve 8 queens and explain the result")
	assert.Equal(t, SourceHybrid, decision.Source)
	assert.Equal(t, "The solver found 92 distinct arrangements.", decision.Response)
	assert.Equal(t, 1, server.calls())
	assert.Equal(t, 1, model.callCount())
}

func TestRouteHybridDegradesToMCPWhenModelFails(t *testing.T) {
	server := &toolServer{
		tools: []protocol.Tool{queensSchemaTool()},
		onCall: func(string, map[string]interface{}) (string, error) {
			return "92 solutions found", nil
		},
	}
	model := &fakeLLM{err: errors.New("connection refused")}
	engine, _ := setupEngine(t, server, model, routingConfig())

	decision := engine.Route(context.Background(), "solve 8 queens and explain the result")
	assert.Equal(t, SourceMCP, decision.Source)
	assert.Equal(t, "92 solutions found", decision.Response)
}

func TestRouteFallbackDisabled(t *testing.T) {
	server := &toolServer{
		tools: []protocol.Tool{queensSchemaTool()},
		onCall: func(string, map[string]interface{}) (string, error) {
			return "", &transport.RPCError{Code: protocol.InternalError, Message: "broken"}
		},
	}
	model := &fakeLLM{content: "unused"}
	cfg := routingConfig()
	cfg.EnableLLMFallback = false
	engine, _ := setupEngine(t, server, model, cfg)

	decision := engine.Route(context.Background(), "solve 8 queens problem")
	assert.Equal(t, SourceMCP, decision.Source)
	assert.Equal(t, 0, model.callCount())
	assert.NotEmpty(t, decision.Response)
}

func TestRouteMaxToolCallsGuard(t *testing.T) {
	tools := []protocol.Tool{}
	for _, name := range []string{"solve_n_queens", "solve_sudoku", "solve_maze", "solve_cube", "solve_hanoi"} {
		tools = append(tools, protocol.Tool{
			Name:        name,
			Description: "puzzle solver",
			InputSchema: map[string]interface{}{"type": "object"},
		})
	}
	server := &toolServer{
		tools: tools,
		onCall: func(string, map[string]interface{}) (string, error) {
			return "", &transport.RPCError{Code: protocol.InternalError, Message: "always failing"}
		},
	}
	model := &fakeLLM{content: "fallback answer"}
	engine, memStore := setupEngine(t, server, model, routingConfig())

	// Every solver shares the same strong keyword
	for _, tool := range tools {
		require.NoError(t, memStore.UpsertKeywords(context.Background(), tool.Name, []keyword.Entry{
			{Keyword: "puzzle", Confidence: 0.9, Source: keyword.SourceManual},
		}))
	}

	decision := engine.Route(context.Background(), "puzzle time")
	assert.Equal(t, SourceLLM, decision.Source)
	assert.LessOrEqual(t, server.calls(), 3)
}

func TestRouteFallbackAdvertisesToolCatalog(t *testing.T) {
	server := &toolServer{tools: []protocol.Tool{queensSchemaTool()}}
	model := &fakeLLM{content: "Machine learning is a field of AI."}
	engine, _ := setupEngine(t, server, model, routingConfig())

	decision := engine.Route(context.Background(), "What is machine learning?")
	assert.Equal(t, SourceLLM, decision.Source)

	require.Equal(t, 1, model.callCount())
	model.mu.Lock()
	tools := model.requests[0].Tools
	model.mu.Unlock()
	require.Len(t, tools, 1)
	assert.Equal(t, llm.ToolTypeFunction, tools[0].Type)
	assert.Equal(t, "solve_n_queens", tools[0].Function.Name)
	assert.Equal(t, queensSchemaTool().InputSchema, tools[0].Function.Parameters)
}

func TestRouteFallbackToolCallOnlyReplyNamesTool(t *testing.T) {
	server := &toolServer{tools: []protocol.Tool{queensSchemaTool()}}
	model := &fakeLLM{toolCalls: []llm.ToolCall{{
		ID:       "call_0",
		Type:     llm.ToolTypeFunction,
		Function: llm.ToolCallFunction{Name: "solve_n_queens", Arguments: "{}"},
	}}}
	engine, _ := setupEngine(t, server, model, routingConfig())

	decision := engine.Route(context.Background(), "What is machine learning?")
	assert.Equal(t, SourceLLM, decision.Source)
	assert.Contains(t, decision.Response, "solve_n_queens")
	assert.Equal(t, 0, server.calls())
}

func TestRouteEmptyInput(t *testing.T) {
	server := &toolServer{tools: []protocol.Tool{queensSchemaTool()}}
	model := &fakeLLM{content: "unused"}
	engine, _ := setupEngine(t, server, model, routingConfig())

	decision := engine.Route(context.Background(), "   ")
	assert.Equal(t, SourceLLM, decision.Source)
	assert.Equal(t, 0, model.callCount())
	assert.NotEmpty(t, decision.Response)
}

func TestRouteCandidateRankingIsCached(t *testing.T) {
	server := &toolServer{
		tools: []protocol.Tool{queensSchemaTool()},
		onCall: func(string, map[string]interface{}) (string, error) {
			return "ok", nil
		},
	}
	model := &fakeLLM{content: "unused"}
	engine, memStore := setupEngine(t, server, model, routingConfig())

	first := engine.rankedCandidates(context.Background(), "solve 8 queens problem")
	require.NotEmpty(t, first)

	// A store change within the TTL does not alter the memoized ranking
	require.NoError(t, memStore.UpsertKeywords(context.Background(), "another_solver", []keyword.Entry{
		{Keyword: "queens", Confidence: 0.9, Source: keyword.SourceManual},
		{Keyword: "solve", Confidence: 0.9, Source: keyword.SourceManual},
	}))
	second := engine.rankedCandidates(context.Background(), "Solve 8 Queens Problem")
	assert.Equal(t, first, second)

	decision := engine.Route(context.Background(), "solve 8 queens problem")
	assert.Equal(t, SourceMCP, decision.Source)
	assert.Equal(t, "solve_n_queens", decision.ToolName)
	assert.Equal(t, 1, server.calls())
}

func TestSeedKeywordsPopulatesEmptyStore(t *testing.T) {
	server := &toolServer{tools: []protocol.Tool{queensSchemaTool()}}
	model := &fakeLLM{content: "unused"}
	engine, _ := setupEngine(t, server, model, routingConfig())

	freshStore := store.NewMemoryStore()
	engine.SeedKeywords(context.Background(), freshStore)

	sources, err := freshStore.KeywordSources(context.Background(), "solve_n_queens")
	require.NoError(t, err)
	assert.Contains(t, sources, keyword.SourceAutoExtracted)
}

func TestLLMKeywordGeneratorParsesFencedOutput(t *testing.T) {
	model := &fakeLLM{content: "Here you go:\n```json\n[\"queens\", \"chess puzzle\", \"Queens\"]\n```"}
	generator := NewLLMKeywordGenerator(model, "test-model")

	entries, err := generator.GenerateKeywords(context.Background(), queensSchemaTool())
	require.NoError(t, err)
	require.Len(t, entries, 2) // duplicate differing only in case collapses

	for _, entry := range entries {
		assert.Equal(t, keyword.SourceLLMGenerated, entry.Source)
	}
	assert.Equal(t, "queens", entries[0].Keyword)
	assert.Equal(t, "chess puzzle", entries[1].Keyword)
}

func TestLLMKeywordGeneratorRejectsProse(t *testing.T) {
	model := &fakeLLM{content: "I cannot help with that."}
	generator := NewLLMKeywordGenerator(model, "test-model")

	_, err := generator.GenerateKeywords(context.Background(), queensSchemaTool())
	assert.Error(t, err)
}
