package keyword

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/d4l-data4life/go-tool-router/pkg/mcp/protocol"

	"github.com/d4l-data4life/go-svc/pkg/logging"
)

// descriptionWordMinLen filters description noise words during extraction
const descriptionWordMinLen = 5

// stopwords excluded from description-derived keywords
var stopwords = map[string]bool{
	"about": true, "after": true, "based": true, "being": true, "could": true,
	"given": true, "other": true, "returns": true, "should": true, "their": true,
	"there": true, "these": true, "using": true, "which": true, "would": true,
}

// namingPattern contributes domain keywords for tools following a known
// naming convention.
type namingPattern struct {
	prefix   string
	suffix   string
	keywords []string
}

var namingPatterns = []namingPattern{
	{prefix: "solve_", keywords: []string{"solve", "solution", "puzzle"}},
	{prefix: "get_", keywords: []string{"get", "fetch", "retrieve", "lookup"}},
	{prefix: "list_", keywords: []string{"list", "show", "enumerate"}},
	{prefix: "create_", keywords: []string{"create", "add", "new"}},
	{prefix: "search_", keywords: []string{"search", "find", "query"}},
	{prefix: "delete_", keywords: []string{"delete", "remove"}},
	{suffix: "_queens", keywords: []string{"queens", "chessboard", "puzzle"}},
	{suffix: "_weather", keywords: []string{"weather", "forecast", "temperature"}},
	{suffix: "_time", keywords: []string{"time", "clock", "date"}},
	{suffix: "_status", keywords: []string{"status", "health", "state"}},
}

// Extract derives a tool's baseline keyword set without any model call:
// name tokens, long description words and naming-pattern contributions.
func Extract(tool protocol.Tool) []Entry {
	seen := make(map[string]bool)
	var entries []Entry

	add := func(keyword string, confidence float64) {
		keyword = strings.ToLower(strings.TrimSpace(keyword))
		if keyword == "" || seen[keyword] {
			return
		}
		seen[keyword] = true
		entries = append(entries, Entry{Keyword: keyword, Confidence: confidence, Source: SourceAutoExtracted})
	}

	name := strings.ToLower(tool.Name)
	add(name, 0.9)
	for _, part := range splitName(name) {
		if len(part) >= 2 {
			add(part, 0.8)
		}
	}

	for _, pattern := range namingPatterns {
		if pattern.prefix != "" && strings.HasPrefix(name, pattern.prefix) {
			for _, k := range pattern.keywords {
				add(k, 0.7)
			}
		}
		if pattern.suffix != "" && strings.HasSuffix(name, pattern.suffix) {
			for _, k := range pattern.keywords {
				add(k, 0.7)
			}
		}
	}

	for _, word := range strings.Fields(strings.ToLower(tool.Description)) {
		word = strings.TrimFunc(word, func(r rune) bool {
			return unicode.IsPunct(r) || unicode.IsSymbol(r)
		})
		if len(word) >= descriptionWordMinLen && !stopwords[word] {
			add(word, 0.5)
		}
	}

	return entries
}

// splitName breaks a tool name on common separators and camelCase boundaries
func splitName(name string) []string {
	var parts []string
	var current strings.Builder
	for _, r := range name {
		if r == '_' || r == '-' || r == '.' || r == '/' || r == ' ' {
			if current.Len() > 0 {
				parts = append(parts, current.String())
				current.Reset()
			}
			continue
		}
		current.WriteRune(r)
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}

// Generator proposes natural-language keywords for a tool, typically backed
// by a language model.
type Generator interface {
	GenerateKeywords(ctx context.Context, tool protocol.Tool) ([]Entry, error)
}

// Enricher runs keyword generation off the routing hot path. Requests are
// queued and handled by a single background worker with bounded retries;
// a full queue drops the request rather than blocking the caller.
type Enricher struct {
	store     Store
	generator Generator
	queue     chan protocol.Tool
	retries   int
	backoff   time.Duration

	mu       sync.Mutex
	inFlight map[string]bool

	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}
}

// NewEnricher creates and starts an enricher worker
func NewEnricher(store Store, generator Generator) *Enricher {
	e := &Enricher{
		store:     store,
		generator: generator,
		queue:     make(chan protocol.Tool, 64),
		retries:   2,
		backoff:   5 * time.Second,
		inFlight:  make(map[string]bool),
		stopped:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	go e.worker()
	return e
}

// Request asks for keyword enrichment of a tool. It never blocks: a
// duplicate or overflowing request is silently dropped.
func (e *Enricher) Request(tool protocol.Tool) {
	e.mu.Lock()
	if e.inFlight[tool.Name] {
		e.mu.Unlock()
		return
	}
	e.inFlight[tool.Name] = true
	e.mu.Unlock()

	select {
	case e.queue <- tool:
	default:
		e.mu.Lock()
		delete(e.inFlight, tool.Name)
		e.mu.Unlock()
		logging.LogWarningf(nil, "Keyword enrichment queue full, dropping request for %s", tool.Name)
	}
}

// Stop terminates the worker after the current item finishes
func (e *Enricher) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopped)
	})
	<-e.done
}

func (e *Enricher) worker() {
	defer close(e.done)
	for {
		select {
		case <-e.stopped:
			return
		case tool := <-e.queue:
			e.enrich(tool)
			e.mu.Lock()
			delete(e.inFlight, tool.Name)
			e.mu.Unlock()
		}
	}
}

// enrich checks whether generation is still needed and runs it with retries
func (e *Enricher) enrich(tool protocol.Tool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	sources, err := e.store.KeywordSources(ctx, tool.Name)
	if err != nil {
		logging.LogErrorf(err, "Failed to read keyword sources for %s", tool.Name)
		return
	}
	for _, source := range sources {
		// Curated and previously generated sets are never overwritten
		if source == SourceManual || source == SourceLLMGenerated {
			return
		}
	}

	for attempt := 0; attempt <= e.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-e.stopped:
				return
			case <-time.After(e.backoff):
			}
		}

		entries, err := e.generator.GenerateKeywords(ctx, tool)
		if err != nil {
			logging.LogWarningf(err, "Keyword generation failed for %s (attempt %d)", tool.Name, attempt+1)
			continue
		}
		for i := range entries {
			entries[i].Source = SourceLLMGenerated
		}
		if err := e.store.UpsertKeywords(ctx, tool.Name, entries); err != nil {
			logging.LogErrorf(err, "Failed to persist generated keywords for %s", tool.Name)
			return
		}
		logging.LogInfof("Generated %d keywords for tool %s", len(entries), tool.Name)
		return
	}
}
