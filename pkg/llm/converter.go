package llm

import (
	"encoding/json"

	"github.com/d4l-data4life/go-tool-router/pkg/mcp/protocol"
)

// ConvertTool converts a provider tool description to LLM function format
func ConvertTool(tool protocol.Tool) Tool {
	return Tool{
		Type: ToolTypeFunction,
		Function: ToolFunction{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  cloneMap(tool.InputSchema),
		},
	}
}

// ConvertTools converts multiple provider tools to LLM format
func ConvertTools(tools []protocol.Tool) []Tool {
	converted := make([]Tool, len(tools))
	for i, tool := range tools {
		converted[i] = ConvertTool(tool)
	}
	return converted
}

// cloneMap performs a deep copy of a generic map to avoid mutating original schemas
func cloneMap(src map[string]interface{}) map[string]interface{} {
	if src == nil {
		return nil
	}
	// JSON round-trip gives a safe deep copy of arbitrary structures
	b, _ := json.Marshal(src)
	var dst map[string]interface{}
	_ = json.Unmarshal(b, &dst)
	if dst == nil {
		dst = make(map[string]interface{})
	}
	return dst
}
