package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RoutingConfig controls the routing decision policy.
type RoutingConfig struct {
	ConfidenceThreshold float64  `yaml:"confidenceThreshold" json:"confidenceThreshold"`
	EnableMCPFirst      bool     `yaml:"enableMCPFirst"      json:"enableMCPFirst"`
	EnableLLMFallback   bool     `yaml:"enableLLMFallback"   json:"enableLLMFallback"`
	MaxToolCalls        int      `yaml:"maxToolCalls"        json:"maxToolCalls"`
	TopN                int      `yaml:"topN"                json:"topN"`
	HybridCues          []string `yaml:"hybridCues"          json:"hybridCues"`
	DecisionCacheTTL    string   `yaml:"decisionCacheTTL"    json:"decisionCacheTTL"`
}

// OllamaConfig represents configuration for the Ollama LLM collaborator
type OllamaConfig struct {
	BaseURL        string  `yaml:"baseUrl"        json:"baseUrl"`
	DefaultModel   string  `yaml:"defaultModel"   json:"defaultModel"`
	Temperature    float64 `yaml:"temperature"    json:"temperature"`
	MaxTokens      int     `yaml:"maxTokens"      json:"maxTokens"`
	RequestTimeout string  `yaml:"requestTimeout" json:"requestTimeout"`
}

// SetupRoutingEnv configures routing-related environment variables
func SetupRoutingEnv() {
	// Ollama configuration
	bindEnvVariable("OLLAMA_BASE_URL", "http://localhost:11434")
	bindEnvVariable("OLLAMA_DEFAULT_MODEL", "llama3.2")
	bindEnvVariable("OLLAMA_TEMPERATURE", 0.7)
	bindEnvVariable("OLLAMA_MAX_TOKENS", 4096)
	bindEnvVariable("OLLAMA_REQUEST_TIMEOUT", "300s")

	// Routing configuration
	bindEnvVariable("ROUTING_CONFIDENCE_THRESHOLD", 0.4)
	bindEnvVariable("ROUTING_MCP_FIRST", true)
	bindEnvVariable("ROUTING_LLM_FALLBACK", true)
	bindEnvVariable("ROUTING_MAX_TOOL_CALLS", 3)
	bindEnvVariable("ROUTING_TOP_N", 10)
	bindEnvVariable("ROUTING_HYBRID_CUES", "explain why describe elaborate")
	bindEnvVariable("ROUTING_DECISION_CACHE_TTL", "5m")

	// Invocation defaults
	bindEnvVariable("INVOKE_TIMEOUT", "60s")
	bindEnvVariable("INVOKE_RETRY_ATTEMPTS", 2)
}

// GetRoutingConfig returns routing configuration from viper
func GetRoutingConfig() RoutingConfig {
	return RoutingConfig{
		ConfidenceThreshold: viper.GetFloat64("ROUTING_CONFIDENCE_THRESHOLD"),
		EnableMCPFirst:      viper.GetBool("ROUTING_MCP_FIRST"),
		EnableLLMFallback:   viper.GetBool("ROUTING_LLM_FALLBACK"),
		MaxToolCalls:        viper.GetInt("ROUTING_MAX_TOOL_CALLS"),
		TopN:                viper.GetInt("ROUTING_TOP_N"),
		HybridCues:          strings.Fields(viper.GetString("ROUTING_HYBRID_CUES")),
		DecisionCacheTTL:    viper.GetString("ROUTING_DECISION_CACHE_TTL"),
	}
}

// GetOllamaConfig returns Ollama configuration from viper
func GetOllamaConfig() OllamaConfig {
	return OllamaConfig{
		BaseURL:        viper.GetString("OLLAMA_BASE_URL"),
		DefaultModel:   viper.GetString("OLLAMA_DEFAULT_MODEL"),
		Temperature:    viper.GetFloat64("OLLAMA_TEMPERATURE"),
		MaxTokens:      viper.GetInt("OLLAMA_MAX_TOKENS"),
		RequestTimeout: viper.GetString("OLLAMA_REQUEST_TIMEOUT"),
	}
}

// CacheTTL parses the decision cache TTL, defaulting to five minutes.
func (c RoutingConfig) CacheTTL() time.Duration {
	if c.DecisionCacheTTL != "" {
		if d, err := time.ParseDuration(c.DecisionCacheTTL); err == nil && d > 0 {
			return d
		}
	}
	return 5 * time.Minute
}
