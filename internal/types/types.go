// Package types holds the domain types shared by the coordinator, the
// execution worker, the store and the channel adapters.
package types

import (
	"strings"
	"time"
)

// GroupID identifies a conversation. It is namespaced by origin:
// "local:main" for the default local conversation and "tg:<chat-id>" for a
// bot chat. All history, memory and task state is partitioned by it.
type GroupID string

const (
	// LocalPrefix namespaces groups owned by the local UI channel.
	LocalPrefix = "local:"
	// BotPrefix namespaces groups owned by the polling bot channel.
	BotPrefix = "tg:"

	// MainGroup is the default local conversation. Every message in it triggers.
	MainGroup GroupID = LocalPrefix + "main"
)

// HasPrefix reports whether the group belongs to the given namespace.
func (g GroupID) HasPrefix(prefix string) bool {
	return strings.HasPrefix(string(g), prefix)
}

func (g GroupID) String() string { return string(g) }

// InboundMessage is a message received from a channel. Immutable once created.
type InboundMessage struct {
	ID        string    `json:"id"`
	GroupID   GroupID   `json:"group_id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Channel   string    `json:"channel"`
}

// StoredMessage is an InboundMessage as persisted in the per-group log.
// Never mutated after insert.
type StoredMessage struct {
	InboundMessage
	IsFromMe  bool `json:"is_from_me"`
	IsTrigger bool `json:"is_trigger"`
}

// Role is a conversation role on the backend wire format.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType tags a ContentBlock.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one typed piece of a ConversationMessage.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// ConversationMessage is the unit exchanged with the model backend.
type ConversationMessage struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// TextMessage builds a plain-text ConversationMessage.
func TextMessage(role Role, text string) ConversationMessage {
	return ConversationMessage{Role: role, Content: []ContentBlock{{Type: BlockText, Text: text}}}
}

// Text concatenates the text blocks of the message.
func (m ConversationMessage) Text() string {
	var sb strings.Builder
	for _, b := range m.Content {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// ToolUses returns the tool_use blocks of the message.
func (m ConversationMessage) ToolUses() []ContentBlock {
	var out []ContentBlock
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// Task is a scheduled prompt for a group.
type Task struct {
	ID        string     `json:"id"`
	GroupID   GroupID    `json:"group_id"`
	Schedule  string     `json:"schedule"`
	Prompt    string     `json:"prompt"`
	Enabled   bool       `json:"enabled"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// OrchestratorState is the global coordinator state.
type OrchestratorState string

const (
	StateIdle     OrchestratorState = "idle"
	StateThinking OrchestratorState = "thinking"
	// StateResponding holds between receipt of the final reply and the end of
	// its delivery and persistence.
	StateResponding OrchestratorState = "responding"
)

// LogKind classifies a ThinkingLogEntry.
type LogKind string

const (
	LogAPICall    LogKind = "api-call"
	LogToolCall   LogKind = "tool-call"
	LogToolResult LogKind = "tool-result"
	LogText       LogKind = "text"
	LogInfo       LogKind = "info"
)

// ThinkingLogEntry is an ephemeral observability record. Never persisted.
type ThinkingLogEntry struct {
	GroupID   GroupID   `json:"group_id"`
	Kind      LogKind   `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Label     string    `json:"label"`
	Detail    string    `json:"detail,omitempty"`
}

// TokenUsage is reported once per completed backend round trip.
type TokenUsage struct {
	GroupID             GroupID `json:"group_id"`
	InputTokens         int     `json:"input_tokens"`
	OutputTokens        int     `json:"output_tokens"`
	CacheReadTokens     int     `json:"cache_read_tokens"`
	CacheCreationTokens int     `json:"cache_creation_tokens"`
	ContextLimit        int     `json:"context_limit"`
}

// ContextUsed is the share of the context window consumed by the request.
func (u TokenUsage) ContextUsed() float64 {
	if u.ContextLimit <= 0 {
		return 0
	}
	return float64(u.InputTokens+u.CacheReadTokens+u.CacheCreationTokens) / float64(u.ContextLimit)
}
