package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/d4l-data4life/go-tool-router/pkg/llm"

	"github.com/d4l-data4life/go-svc/pkg/logging"
)

// Client implements the LLM client interface for Ollama
type Client struct {
	baseURL    string
	httpClient *http.Client
	model      string
}

// Config holds configuration for the Ollama client
type Config struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// NewClient creates a new Ollama client
func NewClient(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}
	if config.Model == "" {
		config.Model = "llama3.2"
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Minute
	}

	logging.LogDebugf("Initialized Ollama client with URL: %s (model: %s, timeout: %s)",
		config.BaseURL, config.Model, config.Timeout)

	return &Client{
		baseURL: config.BaseURL,
		model:   config.Model,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Chat sends a chat request and returns the complete response
func (c *Client) Chat(ctx context.Context, request llm.ChatRequest) (*llm.ChatResponse, error) {
	if request.Model == "" {
		request.Model = c.model
	}

	ollamaReq := c.convertToOllamaRequest(request)

	reqData, err := json.Marshal(ollamaReq)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}

	logging.LogDebugf("Sending Ollama chat request: model=%s messages=%d tools=%d",
		request.Model, len(request.Messages), len(request.Tools))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/chat", bytes.NewReader(reqData))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create HTTP request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama error %d: %s", resp.StatusCode, string(body))
	}

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}

	var ollamaResp ollamaChatResponse
	if err := json.Unmarshal(respData, &ollamaResp); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal response")
	}

	response := c.convertFromOllamaResponse(&ollamaResp)

	logging.LogDebugf("Received Ollama response: role=%s content_len=%d tool_calls=%d",
		response.Message.Role, len(response.Message.Content), len(response.Message.ToolCalls))

	return response, nil
}

// ListModels returns available models from Ollama
func (c *Client) ListModels(ctx context.Context) ([]llm.Model, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create HTTP request")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama error %d: %s", resp.StatusCode, string(body))
	}

	var tagsResp struct {
		Models []struct {
			Name       string `json:"name"`
			ModifiedAt string `json:"modified_at"`
			Size       int64  `json:"size"`
		} `json:"models"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&tagsResp); err != nil {
		return nil, errors.Wrap(err, "failed to decode response")
	}

	models := make([]llm.Model, len(tagsResp.Models))
	for i, m := range tagsResp.Models {
		models[i] = llm.Model{
			ID:         m.Name,
			Name:       m.Name,
			Size:       m.Size,
			ModifiedAt: m.ModifiedAt,
		}
	}

	return models, nil
}

// Helper types for the Ollama API

type ollamaChatRequest struct {
	Model    string                 `json:"model"`
	Messages []ollamaMessage        `json:"messages"`
	Tools    []ollamaTool           `json:"tools,omitempty"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaTool struct {
	Type     string             `json:"type"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type ollamaToolCall struct {
	Function ollamaToolCallFunction `json:"function"`
}

type ollamaToolCallFunction struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

type ollamaChatResponse struct {
	Model   string        `json:"model"`
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

// convertToOllamaRequest converts the standard request to Ollama format
func (c *Client) convertToOllamaRequest(req llm.ChatRequest) ollamaChatRequest {
	ollamaReq := ollamaChatRequest{
		Model:    req.Model,
		Messages: make([]ollamaMessage, len(req.Messages)),
		Stream:   false,
		Options:  make(map[string]interface{}),
	}

	for i, msg := range req.Messages {
		ollamaReq.Messages[i] = ollamaMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}

		if len(msg.ToolCalls) > 0 {
			ollamaReq.Messages[i].ToolCalls = make([]ollamaToolCall, len(msg.ToolCalls))
			for j, tc := range msg.ToolCalls {
				var args map[string]interface{}
				_ = json.Unmarshal([]byte(tc.Function.Arguments), &args) // Best effort unmarshaling
				ollamaReq.Messages[i].ToolCalls[j] = ollamaToolCall{
					Function: ollamaToolCallFunction{
						Name:      tc.Function.Name,
						Arguments: args,
					},
				}
			}
		}
	}

	if len(req.Tools) > 0 {
		ollamaReq.Tools = make([]ollamaTool, len(req.Tools))
		for i, tool := range req.Tools {
			ollamaReq.Tools[i] = ollamaTool{
				Type: tool.Type,
				Function: ollamaToolFunction{
					Name:        tool.Function.Name,
					Description: tool.Function.Description,
					Parameters:  tool.Function.Parameters,
				},
			}
		}
	}

	if req.Temperature != nil {
		ollamaReq.Options["temperature"] = *req.Temperature
	}
	if req.MaxTokens != nil {
		ollamaReq.Options["num_predict"] = *req.MaxTokens
	}
	if req.TopP != nil {
		ollamaReq.Options["top_p"] = *req.TopP
	}
	if len(req.Stop) > 0 {
		ollamaReq.Options["stop"] = req.Stop
	}

	return ollamaReq
}

// convertFromOllamaResponse converts an Ollama response to the standard format
func (c *Client) convertFromOllamaResponse(resp *ollamaChatResponse) *llm.ChatResponse {
	response := &llm.ChatResponse{
		ID:    resp.Model,
		Model: resp.Model,
		Message: llm.Message{
			Role:    resp.Message.Role,
			Content: resp.Message.Content,
		},
	}

	if len(resp.Message.ToolCalls) > 0 {
		response.Message.ToolCalls = make([]llm.ToolCall, len(resp.Message.ToolCalls))
		for i, tc := range resp.Message.ToolCalls {
			argsJSON, _ := json.Marshal(tc.Function.Arguments)
			response.Message.ToolCalls[i] = llm.ToolCall{
				ID:   fmt.Sprintf("call_%d", i),
				Type: llm.ToolTypeFunction,
				Function: llm.ToolCallFunction{
					Name:      tc.Function.Name,
					Arguments: string(argsJSON),
				},
			}
		}
	}

	return response
}
