package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"nanoagent/internal/logging"
	"nanoagent/internal/types"
)

// AnthropicRequest is the messages API request body.
type AnthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []AnthropicMessage `json:"messages"`
	Tools     []AnthropicTool    `json:"tools,omitempty"`
}

// AnthropicMessage is one turn of the messages API.
type AnthropicMessage struct {
	Role    string                  `json:"role"`
	Content []AnthropicContentBlock `json:"content"`
}

// AnthropicContentBlock is a typed content block in either direction.
type AnthropicContentBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// MarshalJSON keeps "input" present on tool_use blocks; the API rejects a
// tool_use without it.
func (b AnthropicContentBlock) MarshalJSON() ([]byte, error) {
	type plain AnthropicContentBlock
	if b.Type == string(types.BlockToolUse) {
		input := b.Input
		if input == nil {
			input = map[string]any{}
		}
		return json.Marshal(struct {
			Type  string         `json:"type"`
			ID    string         `json:"id"`
			Name  string         `json:"name"`
			Input map[string]any `json:"input"`
		}{b.Type, b.ID, b.Name, input})
	}
	return json.Marshal(plain(b))
}

// AnthropicTool is a tool definition for the messages API.
type AnthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// AnthropicResponse is the messages API response body.
type AnthropicResponse struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"`
	Role       string                  `json:"role"`
	Content    []AnthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      struct {
		InputTokens              int `json:"input_tokens"`
		OutputTokens             int `json:"output_tokens"`
		CacheReadInputTokens     int `json:"cache_read_input_tokens"`
		CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// AnthropicClient speaks the messages protocol.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
}

// NewAnthropicClient creates a messages API client.
func NewAnthropicClient(s Settings, httpClient *http.Client) *AnthropicClient {
	baseURL := strings.TrimRight(s.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultAnthropicBaseURL
	}
	model := s.Model
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	return &AnthropicClient{
		apiKey:     s.APIKey,
		baseURL:    baseURL,
		model:      model,
		maxTokens:  s.MaxTokens,
		httpClient: httpClient,
	}
}

// Model returns the configured model.
func (c *AnthropicClient) Model() string { return c.model }

// Complete performs one round trip.
func (c *AnthropicClient) Complete(ctx context.Context, r Request) (*Response, error) {
	startTime := time.Now()

	maxTokens := r.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	reqBody := AnthropicRequest{
		Model:     c.model,
		MaxTokens: maxTokens,
		System:    r.System,
		Messages:  toAnthropicMessages(r.Messages),
	}
	for _, t := range r.Tools {
		reqBody.Tools = append(reqBody.Tools, AnthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	logging.APIDebug("[Anthropic] Complete: model=%s messages=%d tools=%d", c.model, len(reqBody.Messages), len(reqBody.Tools))

	body, err := doWithRetry(ctx, c.httpClient, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(jsonData))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", c.apiKey)
		req.Header.Set("anthropic-version", anthropicVersion)
		return req, nil
	})
	if err != nil {
		logging.Get(logging.CategoryAPI).Error("[Anthropic] request failed after %v: %v", time.Since(startTime), err)
		return nil, err
	}

	var resp AnthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("API error: %s", resp.Error.Message)
	}

	out := &Response{
		StopReason: resp.StopReason,
		Usage: types.UsageMetadata{
			InputTokens:         resp.Usage.InputTokens,
			OutputTokens:        resp.Usage.OutputTokens,
			CacheReadTokens:     resp.Usage.CacheReadInputTokens,
			CacheCreationTokens: resp.Usage.CacheCreationInputTokens,
		},
	}
	var text strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
			out.Content = append(out.Content, types.ContentBlock{Type: types.BlockText, Text: block.Text})
		case "tool_use":
			input := block.Input
			if input == nil {
				input = map[string]any{}
			}
			out.ToolCalls = append(out.ToolCalls, types.ToolCall{ID: block.ID, Name: block.Name, Input: input})
			out.Content = append(out.Content, types.ContentBlock{Type: types.BlockToolUse, ID: block.ID, Name: block.Name, Input: input})
		}
	}
	out.Text = strings.TrimSpace(text.String())

	logging.API("[Anthropic] completed in %v text_len=%d tool_calls=%d stop=%s in=%d out=%d",
		time.Since(startTime), len(out.Text), len(out.ToolCalls), out.StopReason, out.Usage.InputTokens, out.Usage.OutputTokens)
	return out, nil
}

func toAnthropicMessages(msgs []types.ConversationMessage) []AnthropicMessage {
	out := make([]AnthropicMessage, 0, len(msgs))
	for _, m := range msgs {
		am := AnthropicMessage{Role: string(m.Role)}
		for _, b := range m.Content {
			switch b.Type {
			case types.BlockText:
				if b.Text == "" {
					continue
				}
				am.Content = append(am.Content, AnthropicContentBlock{Type: "text", Text: b.Text})
			case types.BlockToolUse:
				am.Content = append(am.Content, AnthropicContentBlock{Type: "tool_use", ID: b.ID, Name: b.Name, Input: b.Input})
			case types.BlockToolResult:
				am.Content = append(am.Content, AnthropicContentBlock{Type: "tool_result", ToolUseID: b.ToolUseID, Content: b.Content, IsError: b.IsError})
			}
		}
		if len(am.Content) == 0 {
			continue
		}
		// Consecutive turns of one role are merged into a single message.
		if n := len(out); n > 0 && out[n-1].Role == am.Role {
			out[n-1].Content = append(out[n-1].Content, am.Content...)
			continue
		}
		out = append(out, am)
	}
	return out
}
