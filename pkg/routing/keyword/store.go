package keyword

import (
	"context"
)

// Keyword provenance. Regeneration distinguishes "never generated" from
// "manually curated, do not overwrite" through these tags.
const (
	SourceManual        = "manual"
	SourceAutoExtracted = "auto_extracted"
	SourceLLMGenerated  = "llm_generated"
	SourceFallback      = "fallback"
)

// Entry is one scored keyword for a tool
type Entry struct {
	Keyword    string  `json:"keyword"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

// Candidate is one tool's keyword set as returned by the store
type Candidate struct {
	ToolName string  `json:"toolName"`
	Keywords []Entry `json:"keywords"`
}

// ParameterMapping is a learned association from a natural-language token to
// a concrete tool argument. Updated by usage feedback, never deleted
// automatically.
type ParameterMapping struct {
	ToolName   string  `json:"toolName"`
	UserInput  string  `json:"userInput"`
	Parameter  string  `json:"parameter"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	UsageCount int     `json:"usageCount"`
}

// Store is the persistence collaborator behind the index. Any backend
// honoring the contract works; scoring itself never touches the backend
// directly so it stays a pure function of keyword set and input tokens.
type Store interface {
	// UpsertKeywords inserts or refreshes keywords for a tool. Uniqueness is
	// (toolName, keyword); an existing manual entry is never downgraded by
	// an automated source.
	UpsertKeywords(ctx context.Context, toolName string, entries []Entry) error

	// QueryCandidates returns the keyword sets of every tool with at least
	// one keyword plausibly related to the given tokens. Over-matching is
	// fine; the index re-scores everything returned.
	QueryCandidates(ctx context.Context, tokens []string) ([]Candidate, error)

	// KeywordSources returns the distinct source tags present for a tool,
	// used to decide whether enrichment is still needed.
	KeywordSources(ctx context.Context, toolName string) ([]string, error)

	// UpsertParameterMapping records or reinforces a learned token-to-argument
	// association. An existing (toolName, userInput) row has its usage count
	// incremented and its confidence raised toward the given value.
	UpsertParameterMapping(ctx context.Context, toolName, userInput, parameter, value string, confidence float64) error

	// LookupParameterMapping resolves a learned mapping, reporting found=false
	// when no row exists.
	LookupParameterMapping(ctx context.Context, toolName, userInput string) (ParameterMapping, bool, error)
}
