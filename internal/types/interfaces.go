package types

// ToolDefinition describes a tool that the LLM can invoke.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"` // JSON Schema for parameters
}

// ToolCall represents a tool invocation requested by the LLM.
type ToolCall struct {
	ID    string         `json:"id"`    // Unique ID for this tool use
	Name  string         `json:"name"`  // Tool name to invoke
	Input map[string]any `json:"input"` // Tool arguments
}

// UsageMetadata captures token usage metrics from one backend response.
type UsageMetadata struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheReadTokens     int `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens int `json:"cache_creation_tokens,omitempty"`
}
