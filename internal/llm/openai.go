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

// OpenAIRequest is the chat completions request body.
type OpenAIRequest struct {
	Model     string          `json:"model"`
	Messages  []OpenAIMessage `json:"messages"`
	Tools     []OpenAITool    `json:"tools,omitempty"`
	MaxTokens int             `json:"max_tokens,omitempty"`
}

// OpenAIMessage is one chat message. Content is a pointer so an assistant
// turn that only calls tools serializes as null.
type OpenAIMessage struct {
	Role       string           `json:"role"`
	Content    *string          `json:"content"`
	ToolCalls  []OpenAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

// OpenAITool is a function tool definition.
type OpenAITool struct {
	Type     string         `json:"type"`
	Function OpenAIFunction `json:"function"`
}

// OpenAIFunction describes a callable function.
type OpenAIFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// OpenAIToolCall is a tool call with JSON-encoded arguments.
type OpenAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// OpenAIResponse is the chat completions response body.
type OpenAIResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Index        int           `json:"index"`
		Message      OpenAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens        int `json:"prompt_tokens"`
		CompletionTokens    int `json:"completion_tokens"`
		PromptTokensDetails struct {
			CachedTokens int `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// OpenAIClient speaks the chat completions protocol.
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
}

// NewOpenAIClient creates a chat completions client.
func NewOpenAIClient(s Settings, httpClient *http.Client) *OpenAIClient {
	baseURL := strings.TrimRight(s.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}
	model := s.Model
	if model == "" {
		model = "gpt-4o"
	}
	return &OpenAIClient{
		apiKey:     s.APIKey,
		baseURL:    baseURL,
		model:      model,
		maxTokens:  s.MaxTokens,
		httpClient: httpClient,
	}
}

// Model returns the configured model.
func (c *OpenAIClient) Model() string { return c.model }

// Complete performs one round trip.
func (c *OpenAIClient) Complete(ctx context.Context, r Request) (*Response, error) {
	startTime := time.Now()

	maxTokens := r.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	reqBody := OpenAIRequest{
		Model:     c.model,
		Messages:  toOpenAIMessages(r.System, r.Messages),
		Tools:     MapToolDefinitionsToOpenAI(r.Tools),
		MaxTokens: maxTokens,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	logging.APIDebug("[OpenAI] Complete: model=%s messages=%d tools=%d", c.model, len(reqBody.Messages), len(reqBody.Tools))

	body, err := doWithRetry(ctx, c.httpClient, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		return req, nil
	})
	if err != nil {
		logging.Get(logging.CategoryAPI).Error("[OpenAI] request failed after %v: %v", time.Since(startTime), err)
		return nil, err
	}

	var resp OpenAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("API error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	choice := resp.Choices[0]
	out := &Response{
		StopReason: choice.FinishReason,
		Usage: types.UsageMetadata{
			InputTokens:     resp.Usage.PromptTokens - resp.Usage.PromptTokensDetails.CachedTokens,
			OutputTokens:    resp.Usage.CompletionTokens,
			CacheReadTokens: resp.Usage.PromptTokensDetails.CachedTokens,
		},
	}
	if out.StopReason == "tool_calls" {
		out.StopReason = "tool_use"
	}
	if choice.Message.Content != nil {
		out.Text = strings.TrimSpace(*choice.Message.Content)
		if out.Text != "" {
			out.Content = append(out.Content, types.ContentBlock{Type: types.BlockText, Text: out.Text})
		}
	}
	out.ToolCalls = MapOpenAIToolCallsToInternal(choice.Message.ToolCalls)
	for _, tc := range out.ToolCalls {
		out.Content = append(out.Content, types.ContentBlock{Type: types.BlockToolUse, ID: tc.ID, Name: tc.Name, Input: tc.Input})
	}

	logging.API("[OpenAI] completed in %v text_len=%d tool_calls=%d finish=%s in=%d out=%d",
		time.Since(startTime), len(out.Text), len(out.ToolCalls), choice.FinishReason, resp.Usage.PromptTokens, out.Usage.OutputTokens)
	return out, nil
}

// MapToolDefinitionsToOpenAI converts generic tool definitions to function tools.
func MapToolDefinitionsToOpenAI(tools []types.ToolDefinition) []OpenAITool {
	if len(tools) == 0 {
		return nil
	}
	result := make([]OpenAITool, len(tools))
	for i, t := range tools {
		result[i] = OpenAITool{
			Type: "function",
			Function: OpenAIFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		}
	}
	return result
}

// MapOpenAIToolCallsToInternal converts tool calls to generic ones. Arguments
// that are not a JSON object fall back to an empty input.
func MapOpenAIToolCallsToInternal(calls []OpenAIToolCall) []types.ToolCall {
	result := make([]types.ToolCall, 0, len(calls))
	for _, c := range calls {
		if c.Type != "" && c.Type != "function" {
			continue
		}
		args := map[string]any{}
		if strings.TrimSpace(c.Function.Arguments) != "" {
			if err := json.Unmarshal([]byte(c.Function.Arguments), &args); err != nil || args == nil {
				logging.Get(logging.CategoryAPI).Warn("malformed arguments for tool %s, using empty input: %v", c.Function.Name, err)
				args = map[string]any{}
			}
		}
		result = append(result, types.ToolCall{ID: c.ID, Name: c.Function.Name, Input: args})
	}
	return result
}

func toOpenAIMessages(system string, msgs []types.ConversationMessage) []OpenAIMessage {
	out := make([]OpenAIMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, OpenAIMessage{Role: "system", Content: strPtr(system)})
	}
	for _, m := range msgs {
		switch m.Role {
		case types.RoleAssistant:
			am := OpenAIMessage{Role: "assistant"}
			if text := m.Text(); text != "" {
				am.Content = strPtr(text)
			}
			for _, b := range m.ToolUses() {
				args, err := json.Marshal(b.Input)
				if err != nil || b.Input == nil {
					args = []byte("{}")
				}
				tc := OpenAIToolCall{ID: b.ID, Type: "function"}
				tc.Function.Name = b.Name
				tc.Function.Arguments = string(args)
				am.ToolCalls = append(am.ToolCalls, tc)
			}
			if am.Content == nil && len(am.ToolCalls) == 0 {
				continue
			}
			out = append(out, am)
		default:
			// Tool results become role=tool messages keyed by call id and
			// must directly follow the assistant turn that requested them.
			for _, b := range m.Content {
				if b.Type == types.BlockToolResult {
					out = append(out, OpenAIMessage{Role: "tool", ToolCallID: b.ToolUseID, Content: strPtr(b.Content)})
				}
			}
			if text := m.Text(); text != "" {
				out = append(out, OpenAIMessage{Role: "user", Content: strPtr(text)})
			}
		}
	}
	return out
}

func strPtr(s string) *string { return &s }
