package store

import (
	"context"
	"strings"
	"sync"

	"github.com/d4l-data4life/go-tool-router/pkg/routing/keyword"
)

// MemoryStore is a process-local keyword store. It backs tests and
// database-less deployments; semantics match the relational store.
type MemoryStore struct {
	mu       sync.RWMutex
	keywords map[string]map[string]keyword.Entry          // toolName -> keyword -> entry
	params   map[string]map[string]keyword.ParameterMapping // toolName -> userInput -> mapping
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keywords: make(map[string]map[string]keyword.Entry),
		params:   make(map[string]map[string]keyword.ParameterMapping),
	}
}

// UpsertKeywords implements keyword.Store. Manual entries are never
// overwritten by automated sources.
func (s *MemoryStore) UpsertKeywords(_ context.Context, toolName string, entries []keyword.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.keywords[toolName] == nil {
		s.keywords[toolName] = make(map[string]keyword.Entry)
	}
	for _, entry := range entries {
		key := strings.ToLower(entry.Keyword)
		if existing, ok := s.keywords[toolName][key]; ok {
			if existing.Source == keyword.SourceManual && entry.Source != keyword.SourceManual {
				continue
			}
		}
		entry.Keyword = key
		s.keywords[toolName][key] = entry
	}
	return nil
}

// QueryCandidates implements keyword.Store. A tool qualifies when any of
// its keywords relates to any token by containment in either direction;
// precise scoring is the index's job.
func (s *MemoryStore) QueryCandidates(_ context.Context, tokens []string) ([]keyword.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []keyword.Candidate
	for toolName, entries := range s.keywords {
		if !anyKeywordRelated(entries, tokens) {
			continue
		}
		candidate := keyword.Candidate{ToolName: toolName, Keywords: make([]keyword.Entry, 0, len(entries))}
		for _, entry := range entries {
			candidate.Keywords = append(candidate.Keywords, entry)
		}
		candidates = append(candidates, candidate)
	}
	return candidates, nil
}

// KeywordSources implements keyword.Store
func (s *MemoryStore) KeywordSources(_ context.Context, toolName string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var sources []string
	for _, entry := range s.keywords[toolName] {
		if !seen[entry.Source] {
			seen[entry.Source] = true
			sources = append(sources, entry.Source)
		}
	}
	return sources, nil
}

// UpsertParameterMapping implements keyword.Store
func (s *MemoryStore) UpsertParameterMapping(_ context.Context, toolName, userInput, parameter, value string, confidence float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	userInput = strings.ToLower(userInput)
	if s.params[toolName] == nil {
		s.params[toolName] = make(map[string]keyword.ParameterMapping)
	}

	mapping := s.params[toolName][userInput]
	mapping.ToolName = toolName
	mapping.UserInput = userInput
	mapping.Parameter = parameter
	mapping.Value = value
	if confidence > mapping.Confidence {
		mapping.Confidence = confidence
	}
	mapping.UsageCount++
	s.params[toolName][userInput] = mapping
	return nil
}

// LookupParameterMapping implements keyword.Store
func (s *MemoryStore) LookupParameterMapping(_ context.Context, toolName, userInput string) (keyword.ParameterMapping, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mapping, ok := s.params[toolName][strings.ToLower(userInput)]
	return mapping, ok, nil
}

// anyKeywordRelated is the coarse pre-filter behind QueryCandidates
func anyKeywordRelated(entries map[string]keyword.Entry, tokens []string) bool {
	for key := range entries {
		for _, token := range tokens {
			if strings.Contains(token, key) || strings.Contains(key, token) {
				return true
			}
		}
	}
	return false
}
