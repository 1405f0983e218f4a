// Package llm implements the two interchangeable backend protocols used by
// the execution worker: the Anthropic messages API and the OpenAI chat
// completions API. Both take the same neutral transcript and return the same
// Response shape.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"nanoagent/internal/types"
)

// Provider selects the wire protocol.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

const (
	DefaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	DefaultOpenAIBaseURL    = "https://api.openai.com/v1"
	anthropicVersion        = "2023-06-01"
)

// ErrNotConfigured is returned when the backend has no credential.
var ErrNotConfigured = errors.New("backend not configured")

// Settings carries everything needed to build a client. It travels inside
// the worker's Invoke envelope so a config change applies to the next call.
type Settings struct {
	Provider  Provider      `json:"provider"`
	APIKey    string        `json:"-"`
	BaseURL   string        `json:"base_url,omitempty"`
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	Timeout   time.Duration `json:"timeout,omitempty"`
}

// Configured reports whether the settings carry a credential.
func (s Settings) Configured() bool {
	return strings.TrimSpace(s.APIKey) != ""
}

// Request is one backend round trip.
type Request struct {
	System    string
	Messages  []types.ConversationMessage
	Tools     []types.ToolDefinition
	MaxTokens int
}

// Response is the parsed result of a round trip.
type Response struct {
	// Text is the concatenated narrative text.
	Text string
	// ToolCalls lists requested tool invocations in order.
	ToolCalls []types.ToolCall
	// Content is the assistant turn as neutral blocks, ready to append to
	// the transcript.
	Content    []types.ContentBlock
	StopReason string
	Usage      types.UsageMetadata
}

// Client is a backend protocol implementation.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Model() string
}

// NewClient builds the client for s.Provider. httpClient may be nil.
func NewClient(s Settings, httpClient *http.Client) (Client, error) {
	if !s.Configured() {
		return nil, ErrNotConfigured
	}
	if httpClient == nil {
		timeout := s.Timeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	switch s.Provider {
	case ProviderAnthropic, "":
		return NewAnthropicClient(s, httpClient), nil
	case ProviderOpenAI:
		return NewOpenAIClient(s, httpClient), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", s.Provider)
	}
}

// ContextLimit returns the context window of a model family in tokens.
func ContextLimit(model string) int {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "claude"):
		return 200000
	case strings.HasPrefix(m, "gpt-4.1"):
		return 1047576
	case strings.HasPrefix(m, "gpt-4o"), strings.HasPrefix(m, "gpt-4-turbo"), strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"):
		return 128000
	case strings.HasPrefix(m, "gpt-5"):
		return 400000
	case strings.HasPrefix(m, "gpt-3.5"):
		return 16385
	default:
		return 128000
	}
}

// retryBaseDelay is the first backoff step for 429 responses.
var retryBaseDelay = time.Second

const maxRetries = 3

// doWithRetry sends the request built by build, retrying on 429 and
// transport errors with exponential backoff. The returned body has been
// read fully.
func doWithRetry(ctx context.Context, client *http.Client, build func() (*http.Request, error)) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := build()
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rate limit exceeded (429): %s", strings.TrimSpace(string(body)))
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		}
		return body, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// StatusError is a non-success HTTP status from the backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 500 {
		body = body[:500] + "..."
	}
	return fmt.Sprintf("API request failed with status %d: %s", e.Code, body)
}
