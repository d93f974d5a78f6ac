package routing

import (
	"context"
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/d4l-data4life/go-tool-router/pkg/config"
	"github.com/d4l-data4life/go-tool-router/pkg/llm"
	"github.com/d4l-data4life/go-tool-router/pkg/mcp/invoker"
	"github.com/d4l-data4life/go-tool-router/pkg/mcp/protocol"
	"github.com/d4l-data4life/go-tool-router/pkg/metrics"
	"github.com/d4l-data4life/go-tool-router/pkg/routing/keyword"

	"github.com/d4l-data4life/go-svc/pkg/logging"
)

// Catalog is the engine's read-only view of the available tools
type Catalog interface {
	GetAvailableTools() []protocol.Tool
}

// StatsSink receives the full routing context of each tool invocation.
// Implementations must not block; recording is fire-and-forget.
type StatsSink interface {
	RecordRoutedUsage(toolName, serverName, userInput string, parameters map[string]interface{}, success bool, duration time.Duration, callErr error)
}

// Engine decides, per user turn, whether a tool answers the request or the
// language model does. Tool invocation failures degrade to the model; the
// caller always receives a best-effort textual response with provenance.
type Engine struct {
	index    *keyword.Index
	resolver *keyword.ParamResolver
	invoker  *invoker.Invoker
	catalog  Catalog
	llm      llm.Client
	enricher *keyword.Enricher
	stats    StatsSink
	cfg      config.RoutingConfig
	model    string

	// candidateCache memoizes index rankings per normalized input. Scoring
	// is deterministic for an unchanged index, so a short TTL is safe.
	candidateCache *gocache.Cache
}

// NewEngine wires the routing decision policy
func NewEngine(index *keyword.Index, resolver *keyword.ParamResolver, inv *invoker.Invoker, catalog Catalog, llmClient llm.Client, cfg config.RoutingConfig) *Engine {
	ttl := cfg.CacheTTL()
	return &Engine{
		index:          index,
		resolver:       resolver,
		invoker:        inv,
		catalog:        catalog,
		llm:            llmClient,
		cfg:            cfg,
		candidateCache: gocache.New(ttl, 2*ttl),
	}
}

// SetEnricher wires the optional background keyword generation worker
func (e *Engine) SetEnricher(enricher *keyword.Enricher) {
	e.enricher = enricher
}

// SetModel overrides the model name passed to the LLM collaborator
func (e *Engine) SetModel(model string) {
	e.model = model
}

// SetStatsSink wires an optional usage recorder for routed invocations
func (e *Engine) SetStatsSink(sink StatsSink) {
	e.stats = sink
}

// SeedKeywords derives and persists baseline keywords for every tool in the
// catalog that has none yet, and queues LLM enrichment where wired. Called
// once after the registry comes up; failures are logged, never fatal.
func (e *Engine) SeedKeywords(ctx context.Context, store keyword.Store) {
	for _, tool := range e.catalog.GetAvailableTools() {
		sources, err := store.KeywordSources(ctx, tool.Name)
		if err != nil {
			logging.LogErrorf(err, "Failed to read keyword sources for %s", tool.Name)
			continue
		}
		if len(sources) == 0 {
			entries := keyword.Extract(tool)
			if err := store.UpsertKeywords(ctx, tool.Name, entries); err != nil {
				logging.LogErrorf(err, "Failed to seed keywords for %s", tool.Name)
				continue
			}
			logging.LogInfof("Seeded %d keywords for tool %s", len(entries), tool.Name)
		}
		if e.enricher != nil {
			e.enricher.Request(tool)
		}
	}
}

// Route runs the full decision policy for one user turn
func (e *Engine) Route(ctx context.Context, input string) *Decision {
	input = strings.TrimSpace(input)
	if input == "" {
		return &Decision{
			Source:    SourceLLM,
			Reasoning: "empty input",
			Response:  "Please enter a question or a task.",
		}
	}

	candidates := e.rankedCandidates(ctx, input)

	if !e.cfg.EnableMCPFirst || len(candidates) == 0 || candidates[0].Confidence < e.cfg.ConfidenceThreshold {
		e.requestEnrichment()
		return e.answerWithLLM(ctx, input, "no tool matched the request with sufficient confidence")
	}

	toolCalls := 0
	var bestFailure *invoker.InvocationResult
	for _, candidate := range candidates {
		if candidate.Confidence < e.cfg.ConfidenceThreshold {
			break
		}
		if e.cfg.MaxToolCalls > 0 && toolCalls >= e.cfg.MaxToolCalls {
			logging.LogWarningf(invoker.ErrTooManyToolCalls, "Stopping tool dispatch for input after %d calls", toolCalls)
			break
		}
		toolCalls++

		tool, found := e.findTool(candidate.ToolName)
		if !found {
			continue
		}

		params := e.resolver.Resolve(ctx, tool, input)
		result := e.invoker.ExecuteTool(ctx, tool.Name, params)
		e.recordUsage(result, input, params)
		if result.Success {
			go e.learnParameters(tool.Name, input, params)
			return e.assembleToolResponse(ctx, input, candidate, params, result)
		}

		logging.LogWarningf(result.Err, "Tool %s failed for routed input", tool.Name)
		if bestFailure == nil {
			bestFailure = result
		}
	}

	if !e.cfg.EnableLLMFallback {
		return &Decision{
			Source:    SourceMCP,
			ToolName:  candidates[0].ToolName,
			Reasoning: "tool invocation failed and language-model fallback is disabled",
			Response:  "The matched tool could not complete the request.",
		}
	}
	return e.answerWithLLM(ctx, input, failureContext(bestFailure))
}

// rankedCandidates returns the scored candidate list, memoized per input
func (e *Engine) rankedCandidates(ctx context.Context, input string) []keyword.ScoredCandidate {
	key := strings.ToLower(input)
	if cached, ok := e.candidateCache.Get(key); ok {
		return cached.([]keyword.ScoredCandidate)
	}

	candidates, err := e.index.Query(ctx, input)
	if err != nil {
		logging.LogErrorf(err, "Keyword index query failed, routing to language model")
		return nil
	}
	e.candidateCache.Set(key, candidates, gocache.DefaultExpiration)
	return candidates
}

// assembleToolResponse formats a successful invocation, optionally chaining
// a follow-up model call when the user's phrasing asks for an explanation.
func (e *Engine) assembleToolResponse(ctx context.Context, input string, candidate keyword.ScoredCandidate, params map[string]interface{}, result *invoker.InvocationResult) *Decision {
	decision := &Decision{
		Source:     SourceMCP,
		ToolName:   result.ToolName,
		Confidence: candidate.Confidence,
		Parameters: params,
		Reasoning: fmt.Sprintf("matched tool %s on keywords %s (%s tier, confidence %.2f)",
			result.ToolName, strings.Join(candidate.MatchedKeywords, ", "), candidate.Tier, candidate.Confidence),
		Response: result.Text(),
	}

	if !e.wantsExplanation(input) {
		return decision
	}

	explained, err := e.complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: "Explain tool results to the user in plain language. Be concise."},
		{Role: llm.RoleUser, Content: fmt.Sprintf("Request: %s\n\nTool %s returned:\n%s", input, result.ToolName, result.Text())},
	})
	if err != nil {
		logging.LogWarningf(err, "Explanation step failed, returning plain tool result")
		return decision
	}

	decision.Source = SourceHybrid
	decision.Reasoning += "; explanation added by language model"
	decision.Response = explained
	return decision
}

// answerWithLLM routes the turn to the language model. The reason string is
// carried into the decision's reasoning and, for tool failures, into the
// prompt so the model can explain what was missing. Raw errors never reach
// the caller.
func (e *Engine) answerWithLLM(ctx context.Context, input, reason string) *Decision {
	if e.llm == nil {
		return &Decision{
			Source:    SourceLLM,
			Reasoning: reason + "; no language model configured",
			Response:  "No tool could handle this request and no language model is available.",
		}
	}

	system := "You are a helpful assistant. Answer the user directly. If one of the advertised tools fits the request, mention it by name."
	if strings.HasPrefix(reason, "tool ") {
		system += " Context: " + reason + "."
	}
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: input},
	}

	// The catalog rides along so the model can point the user at the right
	// tool; any tool call in the reply is advisory, never executed here.
	response, err := e.llm.Chat(ctx, llm.ChatRequest{
		Model:    e.model,
		Messages: messages,
		Tools:    llm.ConvertTools(e.catalog.GetAvailableTools()),
	})
	if err != nil {
		logging.LogErrorf(err, "Language model completion failed")
		return &Decision{
			Source:    SourceLLM,
			Reasoning: reason + "; language model unavailable",
			Response:  "The request could not be answered right now. Please try again later.",
		}
	}

	content := response.Message.Content
	if content == "" && len(response.Message.ToolCalls) > 0 {
		content = fmt.Sprintf("The %s tool looks suitable for this request, but it could not be matched with enough confidence. Try rephrasing with more specific terms.",
			response.Message.ToolCalls[0].Function.Name)
	}

	return &Decision{
		Source:    SourceLLM,
		Reasoning: reason,
		Response:  content,
	}
}

// complete runs one blocking model call
func (e *Engine) complete(ctx context.Context, messages []llm.Message) (string, error) {
	if e.llm == nil {
		return "", errors.New("no language model configured")
	}
	response, err := e.llm.Chat(ctx, llm.ChatRequest{Model: e.model, Messages: messages})
	if err != nil {
		return "", err
	}
	return response.Message.Content, nil
}

// wantsExplanation checks the input for configured hybrid cue words
func (e *Engine) wantsExplanation(input string) bool {
	tokens := keyword.Tokenize(input)
	for _, cue := range e.cfg.HybridCues {
		cue = strings.ToLower(cue)
		for _, token := range tokens {
			if token == cue {
				return true
			}
		}
	}
	return false
}

// findTool resolves a candidate name through the catalog
func (e *Engine) findTool(name string) (protocol.Tool, bool) {
	for _, tool := range e.catalog.GetAvailableTools() {
		if tool.Name == name {
			return tool, true
		}
	}
	return protocol.Tool{}, false
}

// learnParameters reinforces the resolver's mappings off the response path
func (e *Engine) learnParameters(toolName, input string, params map[string]interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.resolver.Learn(ctx, toolName, input, params)
}

// recordUsage reports the routed invocation to the stats sink and metrics
func (e *Engine) recordUsage(result *invoker.InvocationResult, input string, params map[string]interface{}) {
	metrics.ObserveToolInvocation(result.ToolName, result.Success, result.ExecutionTime)
	if e.stats == nil {
		return
	}
	e.stats.RecordRoutedUsage(result.ToolName, result.ServerName, input, params, result.Success, result.ExecutionTime, result.Err)
}

// requestEnrichment queues keyword generation for the catalog after a miss
func (e *Engine) requestEnrichment() {
	if e.enricher == nil {
		return
	}
	for _, tool := range e.catalog.GetAvailableTools() {
		e.enricher.Request(tool)
	}
}

// failureContext renders an invocation failure for the fallback prompt and
// reasoning without leaking transport internals.
func failureContext(result *invoker.InvocationResult) string {
	if result == nil {
		return "the matched tool could not be invoked"
	}

	var missingErr *invoker.MissingParametersError
	if errors.As(result.Err, &missingErr) {
		return fmt.Sprintf("tool %s requires the parameters %s which were not provided",
			result.ToolName, strings.Join(missingErr.Missing, ", "))
	}
	var timeoutErr *invoker.TimeoutError
	if errors.As(result.Err, &timeoutErr) {
		return fmt.Sprintf("tool %s did not respond in time", result.ToolName)
	}
	var remoteErr *invoker.RemoteToolError
	if errors.As(result.Err, &remoteErr) {
		return fmt.Sprintf("tool %s reported an error: %s", result.ToolName, remoteErr.Message)
	}
	return fmt.Sprintf("tool %s is currently unavailable", result.ToolName)
}
