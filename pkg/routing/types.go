package routing

// Decision provenance values
const (
	SourceMCP    = "mcp"
	SourceLLM    = "llm"
	SourceHybrid = "hybrid"
)

// Decision is the engine's terminal output for one user turn. Transient,
// never persisted.
type Decision struct {
	Source     string                 `json:"source"`
	ToolName   string                 `json:"toolName,omitempty"`
	Confidence float64                `json:"confidence,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Reasoning  string                 `json:"reasoning"`
	Response   string                 `json:"response"`
}
