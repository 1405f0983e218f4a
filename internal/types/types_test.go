package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGroupIDPrefix(t *testing.T) {
	assert.True(t, MainGroup.HasPrefix(LocalPrefix))
	assert.False(t, MainGroup.HasPrefix(BotPrefix))
	assert.True(t, GroupID("tg:12345").HasPrefix(BotPrefix))
	assert.Equal(t, "local:main", MainGroup.String())
}

func TestConversationMessageText(t *testing.T) {
	msg := ConversationMessage{
		Role: RoleAssistant,
		Content: []ContentBlock{
			{Type: BlockText, Text: "Looking "},
			{Type: BlockToolUse, ID: "tu_1", Name: "bash", Input: map[string]any{"command": "ls"}},
			{Type: BlockText, Text: "now."},
		},
	}
	assert.Equal(t, "Looking now.", msg.Text())
	uses := msg.ToolUses()
	if assert.Len(t, uses, 1) {
		assert.Equal(t, "bash", uses[0].Name)
	}
	assert.Equal(t, "hi", TextMessage(RoleUser, "hi").Text())
}

func TestTokenUsageContextUsed(t *testing.T) {
	u := TokenUsage{InputTokens: 1000, CacheReadTokens: 500, CacheCreationTokens: 500, ContextLimit: 4000}
	assert.InDelta(t, 0.5, u.ContextUsed(), 1e-9)
	assert.Zero(t, TokenUsage{InputTokens: 10}.ContextUsed())
}
