package keyword

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

// Match tiers, strongest first. Tiers are mutually exclusive per tool: a
// tool with any exact match is never scored on its partial matches.
const (
	TierExact   = "exact"
	TierPartial = "partial"
	TierFuzzy   = "fuzzy"
)

// ScoringConfig holds the tunable band constants. The bands must not
// overlap: every exact score exceeds every partial score, which exceeds
// every fuzzy score.
type ScoringConfig struct {
	ExactBase        float64
	ExactPerMatch    float64
	ExactMatchCap    float64
	ExactLengthBonus float64

	PartialBase        float64
	PartialPerMatch    float64
	PartialMatchCap    float64
	PartialLengthBonus float64
	PartialCeiling     float64

	FuzzyBase     float64
	FuzzyPerMatch float64
	FuzzyCeiling  float64

	// LongKeywordLen is the keyword length that earns the length bonus
	LongKeywordLen int

	// TopN bounds the ranked candidate list
	TopN int
}

// DefaultScoringConfig returns the tuned band constants
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		ExactBase:        0.8,
		ExactPerMatch:    0.05,
		ExactMatchCap:    0.1,
		ExactLengthBonus: 0.1,

		PartialBase:        0.4,
		PartialPerMatch:    0.05,
		PartialMatchCap:    0.1,
		PartialLengthBonus: 0.1,
		PartialCeiling:     0.7,

		FuzzyBase:     0.1,
		FuzzyPerMatch: 0.03,
		FuzzyCeiling:  0.4,

		LongKeywordLen: 6,
		TopN:           10,
	}
}

// ScoredCandidate is one ranked routing candidate
type ScoredCandidate struct {
	ToolName        string   `json:"toolName"`
	Confidence      float64  `json:"confidence"`
	Tier            string   `json:"tier"`
	MatchedKeywords []string `json:"matchedKeywords"`
}

// Index ranks tools against free-text input using their stored keyword
// sets. No language model is involved; queries are fast and offline-capable.
type Index struct {
	store Store
	cfg   ScoringConfig
}

// NewIndex creates an index over the given store
func NewIndex(store Store, cfg ScoringConfig) *Index {
	if cfg.TopN <= 0 {
		cfg.TopN = DefaultScoringConfig().TopN
	}
	return &Index{store: store, cfg: cfg}
}

// Query tokenizes the input, fetches plausible keyword sets from the store
// and scores each tool. The ranked output is deterministic: equal scores
// are broken by tool name lexical order.
func (i *Index) Query(ctx context.Context, input string) ([]ScoredCandidate, error) {
	tokens := Tokenize(input)
	if len(tokens) == 0 {
		return nil, nil
	}

	candidates, err := i.store.QueryCandidates(ctx, tokens)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query keyword candidates")
	}

	normalizedInput := strings.ToLower(strings.TrimSpace(input))

	scored := make([]ScoredCandidate, 0, len(candidates))
	for _, candidate := range candidates {
		if result, ok := i.scoreTool(candidate, normalizedInput, tokens); ok {
			scored = append(scored, result)
		}
	}

	sort.Slice(scored, func(a, b int) bool {
		if scored[a].Confidence != scored[b].Confidence {
			return scored[a].Confidence > scored[b].Confidence
		}
		return scored[a].ToolName < scored[b].ToolName
	})

	if len(scored) > i.cfg.TopN {
		scored = scored[:i.cfg.TopN]
	}
	return scored, nil
}

// scoreTool computes the tool's strongest tier against the tokenized input
func (i *Index) scoreTool(candidate Candidate, normalizedInput string, tokens []string) (ScoredCandidate, bool) {
	tokenSet := make(map[string]bool, len(tokens))
	for _, token := range tokens {
		tokenSet[token] = true
	}

	var exact, partial, fuzzy []string
	for _, entry := range candidate.Keywords {
		keyword := strings.ToLower(entry.Keyword)
		if keyword == "" {
			continue
		}
		switch {
		case tokenSet[keyword]:
			exact = append(exact, keyword)
		case len(keyword) >= 2 && strings.Contains(normalizedInput, keyword):
			partial = append(partial, keyword)
		case fuzzyMatches(keyword, tokens):
			fuzzy = append(fuzzy, keyword)
		}
	}

	switch {
	case len(exact) > 0:
		score := i.cfg.ExactBase
		score += bonusCapped(i.cfg.ExactPerMatch, len(exact)-1, i.cfg.ExactMatchCap)
		if longestLen(exact) >= i.cfg.LongKeywordLen {
			score += i.cfg.ExactLengthBonus
		}
		if score > 1.0 {
			score = 1.0
		}
		return ScoredCandidate{ToolName: candidate.ToolName, Confidence: score, Tier: TierExact, MatchedKeywords: sorted(exact)}, true
	case len(partial) > 0:
		score := i.cfg.PartialBase
		score += bonusCapped(i.cfg.PartialPerMatch, len(partial)-1, i.cfg.PartialMatchCap)
		if longestLen(partial) >= i.cfg.LongKeywordLen {
			score += i.cfg.PartialLengthBonus
		}
		if score > i.cfg.PartialCeiling {
			score = i.cfg.PartialCeiling
		}
		return ScoredCandidate{ToolName: candidate.ToolName, Confidence: score, Tier: TierPartial, MatchedKeywords: sorted(partial)}, true
	case len(fuzzy) > 0:
		score := i.cfg.FuzzyBase + float64(len(fuzzy)-1)*i.cfg.FuzzyPerMatch
		if score > i.cfg.FuzzyCeiling {
			score = i.cfg.FuzzyCeiling
		}
		return ScoredCandidate{ToolName: candidate.ToolName, Confidence: score, Tier: TierFuzzy, MatchedKeywords: sorted(fuzzy)}, true
	}
	return ScoredCandidate{}, false
}

// Tokenize lowercases the input and splits it into the whole trimmed string
// plus its individual words, punctuation stripped. Duplicates are removed
// while preserving nothing about order; scoring treats tokens as a set.
func Tokenize(input string) []string {
	normalized := strings.ToLower(strings.TrimSpace(input))
	if normalized == "" {
		return nil
	}

	seen := map[string]bool{normalized: true}
	tokens := []string{normalized}
	for _, word := range strings.Fields(normalized) {
		word = strings.TrimFunc(word, func(r rune) bool {
			return unicode.IsPunct(r) || unicode.IsSymbol(r)
		})
		if word == "" || seen[word] {
			continue
		}
		seen[word] = true
		tokens = append(tokens, word)
	}
	return tokens
}

// fuzzyMatches reports a LIKE-style partial overlap: some input token of at
// least three characters is contained in the keyword. The containment
// direction is the reverse of the partial tier, which looks for the keyword
// inside the input.
func fuzzyMatches(keyword string, tokens []string) bool {
	// Only word tokens count; the whole-string token would make every long
	// keyword fuzzy. A single-word input is its own word token.
	words := tokens
	if len(tokens) > 1 {
		words = tokens[1:]
	}
	for _, token := range words {
		if len(token) >= 3 && len(token) < len(keyword) && strings.Contains(keyword, token) {
			return true
		}
	}
	return false
}

func bonusCapped(perMatch float64, extraMatches int, maxBonus float64) float64 {
	bonus := perMatch * float64(extraMatches)
	if bonus > maxBonus {
		return maxBonus
	}
	return bonus
}

func longestLen(keywords []string) int {
	longest := 0
	for _, k := range keywords {
		if n := len([]rune(k)); n > longest {
			longest = n
		}
	}
	return longest
}

func sorted(keywords []string) []string {
	out := make([]string, len(keywords))
	copy(out, keywords)
	sort.Strings(out)
	return out
}
