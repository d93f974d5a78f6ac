package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/d4l-data4life/go-tool-router/pkg/llm"
	"github.com/d4l-data4life/go-tool-router/pkg/mcp/protocol"
	"github.com/d4l-data4life/go-tool-router/pkg/routing/keyword"
)

// LLMKeywordGenerator asks the language model to propose natural-language
// phrasings for a tool, implementing keyword.Generator for the background
// enrichment worker.
type LLMKeywordGenerator struct {
	client llm.Client
	model  string
}

// NewLLMKeywordGenerator creates a generator backed by the given client
func NewLLMKeywordGenerator(client llm.Client, model string) *LLMKeywordGenerator {
	return &LLMKeywordGenerator{client: client, model: model}
}

// GenerateKeywords implements keyword.Generator
func (g *LLMKeywordGenerator) GenerateKeywords(ctx context.Context, tool protocol.Tool) ([]keyword.Entry, error) {
	prompt := fmt.Sprintf(
		"Tool name: %s\nDescription: %s\n\n"+
			"List up to 10 short keywords or phrases a user might type when they need this tool. "+
			"Respond with a JSON array of strings only.",
		tool.Name, tool.Description)

	response, err := g.client.Chat(ctx, llm.ChatRequest{
		Model: g.model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "You generate search keywords for tools. Output JSON only."},
			{Role: llm.RoleUser, Content: prompt},
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "keyword generation request failed")
	}

	keywords, err := parseKeywordList(response.Message.Content)
	if err != nil {
		return nil, errors.Wrapf(err, "unusable keyword generation output for %s", tool.Name)
	}

	entries := make([]keyword.Entry, 0, len(keywords))
	seen := make(map[string]bool)
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		entries = append(entries, keyword.Entry{
			Keyword:    k,
			Confidence: 0.6,
			Source:     keyword.SourceLLMGenerated,
		})
	}
	return entries, nil
}

// parseKeywordList extracts a JSON string array from model output that may
// be wrapped in code fences or surrounding prose.
func parseKeywordList(content string) ([]string, error) {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end <= start {
		return nil, errors.New("no JSON array in output")
	}

	var keywords []string
	if err := json.Unmarshal([]byte(content[start:end+1]), &keywords); err != nil {
		return nil, err
	}
	return keywords, nil
}
