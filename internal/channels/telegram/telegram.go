// Package telegram is the polling bot channel. It runs its own long-poll
// loop so transport errors are retried with backoff instead of stopping the
// channel, and it sends through an ordered outbox so callers never wait on
// the Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"nanoagent/internal/logging"
	"nanoagent/internal/router"
	"nanoagent/internal/types"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

const (
	// MaxMessageLength is the Bot API limit for one text message.
	MaxMessageLength = 4096

	typingInterval     = 4 * time.Second
	defaultPollTimeout = 30 * time.Second
	outboxSize         = 256
)

// ErrOutboxFull is returned when sends outpace the Bot API.
var ErrOutboxFull = errors.New("telegram outbox full")

// botAPI is the subset of *telego.Bot the channel uses.
type botAPI interface {
	GetUpdates(ctx context.Context, params *telego.GetUpdatesParams) ([]telego.Update, error)
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	SendChatAction(ctx context.Context, params *telego.SendChatActionParams) error
}

// Options configures the channel.
type Options struct {
	Token string
	// AllowedChats restricts which chats are accepted. Empty allows all.
	AllowedChats []int64
	PollTimeout  time.Duration
	// MinBackoff and MaxBackoff bound the retry delay after a poll error.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

type outgoing struct {
	chatID int64
	text   string
}

// Channel is the bot channel adapter.
type Channel struct {
	bot         botAPI
	allowed     map[int64]bool
	pollTimeout time.Duration
	minBackoff  time.Duration
	maxBackoff  time.Duration

	outbox chan outgoing

	mu      sync.Mutex
	handler router.Handler
	cancel  context.CancelFunc
	stopped bool
	typing  map[int64]context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a channel backed by the Bot API.
func New(opts Options) (*Channel, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, errors.New("telegram: token is required")
	}
	bot, err := telego.NewBot(opts.Token, telego.WithDiscardLogger())
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return newChannel(bot, opts), nil
}

func newChannel(bot botAPI, opts Options) *Channel {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = defaultPollTimeout
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	allowed := make(map[int64]bool, len(opts.AllowedChats))
	for _, id := range opts.AllowedChats {
		allowed[id] = true
	}
	return &Channel{
		bot:         bot,
		allowed:     allowed,
		pollTimeout: opts.PollTimeout,
		minBackoff:  opts.MinBackoff,
		maxBackoff:  opts.MaxBackoff,
		outbox:      make(chan outgoing, outboxSize),
		typing:      make(map[int64]context.CancelFunc),
	}
}

func (c *Channel) Name() string { return "telegram" }

// Owns reports whether group is a bot chat.
func (c *Channel) Owns(group types.GroupID) bool { return group.HasPrefix(types.BotPrefix) }

func (c *Channel) MaxMessageLength() int { return MaxMessageLength }

// GroupFor returns the group of a chat.
func GroupFor(chatID int64) types.GroupID {
	return types.GroupID(types.BotPrefix + strconv.FormatInt(chatID, 10))
}

// ChatID parses the chat id out of a bot group.
func ChatID(group types.GroupID) (int64, error) {
	if !group.HasPrefix(types.BotPrefix) {
		return 0, fmt.Errorf("not a telegram group: %s", group)
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(string(group), types.BotPrefix), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat id in %s: %w", group, err)
	}
	return id, nil
}

// Start launches the poll and send loops. It returns immediately.
func (c *Channel) Start(ctx context.Context, h router.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return errors.New("telegram: already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.handler = h

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.pollLoop(ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.sendLoop(ctx)
	}()
	logging.Channels("Telegram channel started (poll timeout %v, %d allowed chats)", c.pollTimeout, len(c.allowed))
	return nil
}

// Stop cancels the loops and waits for them, or for ctx.
func (c *Channel) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	c.stopped = true
	for id, stop := range c.typing {
		stop()
		delete(c.typing, id)
	}
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logging.Channels("Telegram channel stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send queues text for delivery. Messages to all chats leave in call order.
func (c *Channel) Send(ctx context.Context, group types.GroupID, text string) error {
	chatID, err := ChatID(group)
	if err != nil {
		return err
	}
	select {
	case c.outbox <- outgoing{chatID: chatID, text: text}:
		return nil
	default:
		return ErrOutboxFull
	}
}

// SetTyping starts or stops the chat's typing indicator. While on, the
// indicator is refreshed every few seconds because the Bot API expires it.
func (c *Channel) SetTyping(ctx context.Context, group types.GroupID, on bool) error {
	chatID, err := ChatID(group)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	stop, active := c.typing[chatID]
	if !on {
		if active {
			stop()
			delete(c.typing, chatID)
		}
		return nil
	}
	if active || c.cancel == nil || c.stopped {
		return nil
	}

	tctx, cancel := context.WithCancel(context.Background())
	c.typing[chatID] = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.typingLoop(tctx, chatID)
	}()
	return nil
}

func (c *Channel) typingLoop(ctx context.Context, chatID int64) {
	ticker := time.NewTicker(typingInterval)
	defer ticker.Stop()
	for {
		if err := c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)); err != nil && ctx.Err() == nil {
			logging.ChannelsDebug("Typing action for %d failed: %v", chatID, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Channel) pollLoop(ctx context.Context) {
	offset := 0
	backoff := c.minBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		updates, err := c.bot.GetUpdates(ctx, &telego.GetUpdatesParams{
			Offset:         offset,
			Timeout:        int(c.pollTimeout.Seconds()),
			AllowedUpdates: []string{"message"},
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Get(logging.CategoryChannels).Warn("Telegram poll failed, retrying in %v: %v", backoff, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
			continue
		}
		backoff = c.minBackoff

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			c.handleUpdate(u)
		}
	}
}

func (c *Channel) handleUpdate(u telego.Update) {
	msg := u.Message
	if msg == nil || strings.TrimSpace(msg.Text) == "" {
		return
	}
	chatID := msg.Chat.ID
	if len(c.allowed) > 0 && !c.allowed[chatID] {
		logging.ChannelsDebug("Ignoring message from chat %d: not allowed", chatID)
		return
	}

	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		return
	}

	h(types.InboundMessage{
		ID:        fmt.Sprintf("tg-%d-%d", chatID, msg.MessageID),
		GroupID:   GroupFor(chatID),
		Sender:    senderName(msg.From),
		Content:   msg.Text,
		Timestamp: time.Now(),
		Channel:   c.Name(),
	})
}

func senderName(u *telego.User) string {
	if u == nil {
		return "unknown"
	}
	if u.Username != "" {
		return u.Username
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return strconv.FormatInt(u.ID, 10)
	}
	return name
}

func (c *Channel) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-c.outbox:
			if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(o.chatID), o.text)); err != nil {
				if ctx.Err() != nil {
					return
				}
				logging.Get(logging.CategoryChannels).Error("Telegram send to %d failed: %v", o.chatID, err)
			}
		}
	}
}
