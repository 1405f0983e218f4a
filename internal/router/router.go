// Package router maps a group to the channel adapter that owns it.
package router

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"nanoagent/internal/logging"
	"nanoagent/internal/types"
)

// ErrNoChannel is returned when no adapter owns a group.
var ErrNoChannel = errors.New("no channel for group")

// Handler receives inbound messages from a channel.
type Handler func(msg types.InboundMessage)

// Channel is a message transport.
type Channel interface {
	Name() string
	Owns(group types.GroupID) bool
	Start(ctx context.Context, h Handler) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, group types.GroupID, text string) error
	SetTyping(ctx context.Context, group types.GroupID, on bool) error
	MaxMessageLength() int
}

// Router resolves groups by prefix: BotPrefix goes to the bot channel,
// everything else to the local channel.
type Router struct {
	local Channel
	bot   Channel
}

// New creates a router. Either channel may be nil.
func New(local, bot Channel) *Router {
	return &Router{local: local, bot: bot}
}

// Resolve returns the channel for group.
func (r *Router) Resolve(group types.GroupID) (Channel, error) {
	var ch Channel
	if group.HasPrefix(types.BotPrefix) {
		ch = r.bot
	} else {
		ch = r.local
	}
	if ch == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoChannel, group)
	}
	return ch, nil
}

// Channels returns the configured channels, local first.
func (r *Router) Channels() []Channel {
	var out []Channel
	if r.local != nil {
		out = append(out, r.local)
	}
	if r.bot != nil {
		out = append(out, r.bot)
	}
	return out
}

// Send delivers text to the owning channel, truncated to its limit.
func (r *Router) Send(ctx context.Context, group types.GroupID, text string) error {
	ch, err := r.Resolve(group)
	if err != nil {
		logging.Get(logging.CategoryRouter).Warn("Dropping message: %v", err)
		return err
	}
	out := Truncate(text, ch.MaxMessageLength())
	logging.RouterDebug("Send %s -> %s (%d chars)", group, ch.Name(), utf8.RuneCountInString(out))
	return ch.Send(ctx, group, out)
}

// SetTyping toggles the typing indicator on the owning channel.
func (r *Router) SetTyping(ctx context.Context, group types.GroupID, on bool) error {
	ch, err := r.Resolve(group)
	if err != nil {
		return err
	}
	return ch.SetTyping(ctx, group, on)
}

// Ellipsis marks truncated text.
const Ellipsis = "…"

// Truncate bounds text to max runes including the ellipsis. max <= 0 means
// no limit.
func Truncate(text string, max int) string {
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	return string(runes[:max-1]) + Ellipsis
}
