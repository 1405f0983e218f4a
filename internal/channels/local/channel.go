// Package local is the in-process channel for the default conversation. It
// feeds lines typed in the terminal to the coordinator and renders replies
// on a Display: the bubbletea TUI or a plain line writer.
package local

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"nanoagent/internal/logging"
	"nanoagent/internal/router"
	"nanoagent/internal/types"

	"github.com/google/uuid"
)

// MaxMessageLength bounds one reply.
const MaxMessageLength = 64 * 1024

// ErrNotStarted is returned by Submit before Start.
var ErrNotStarted = errors.New("local channel not started")

// Display renders channel output.
type Display interface {
	ShowReply(text string)
	SetTyping(on bool)
}

// Channel is the local channel adapter.
type Channel struct {
	sender string
	now    func() time.Time

	mu      sync.Mutex
	handler router.Handler
	display Display
	pending []string
}

// New creates a local channel. sender names the user in stored messages.
func New(sender string) *Channel {
	if sender == "" {
		sender = "user"
	}
	return &Channel{sender: sender, now: time.Now}
}

func (c *Channel) Name() string { return "local" }

// Owns reports whether group is a local group.
func (c *Channel) Owns(group types.GroupID) bool { return group.HasPrefix(types.LocalPrefix) }

func (c *Channel) MaxMessageLength() int { return MaxMessageLength }

// Start records the inbound handler.
func (c *Channel) Start(ctx context.Context, h router.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
	logging.Channels("Local channel started")
	return nil
}

// Stop detaches the handler and display.
func (c *Channel) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = nil
	c.display = nil
	return nil
}

// SetDisplay attaches d and flushes replies that arrived before it. A nil d
// detaches the current display; later replies are buffered again.
func (c *Channel) SetDisplay(d Display) {
	c.mu.Lock()
	c.display = d
	if d == nil {
		c.mu.Unlock()
		return
	}
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, text := range pending {
		d.ShowReply(text)
	}
}

// Submit sends text typed by the user to the default conversation.
func (c *Channel) Submit(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		return ErrNotStarted
	}
	h(types.InboundMessage{
		ID:        uuid.NewString(),
		GroupID:   types.MainGroup,
		Sender:    c.sender,
		Content:   text,
		Timestamp: c.now(),
		Channel:   c.Name(),
	})
	return nil
}

// Send shows text on the display.
func (c *Channel) Send(ctx context.Context, group types.GroupID, text string) error {
	if !c.Owns(group) {
		return fmt.Errorf("not a local group: %s", group)
	}
	c.mu.Lock()
	d := c.display
	if d == nil {
		c.pending = append(c.pending, text)
	}
	c.mu.Unlock()
	if d != nil {
		d.ShowReply(text)
	}
	return nil
}

// SetTyping forwards the indicator to the display.
func (c *Channel) SetTyping(ctx context.Context, group types.GroupID, on bool) error {
	c.mu.Lock()
	d := c.display
	c.mu.Unlock()
	if d != nil {
		d.SetTyping(on)
	}
	return nil
}

// LineDisplay writes replies as plain lines.
type LineDisplay struct {
	mu   sync.Mutex
	w    io.Writer
	name string
}

// NewLineDisplay returns a display that prefixes replies with name.
func NewLineDisplay(w io.Writer, name string) *LineDisplay {
	return &LineDisplay{w: w, name: name}
}

func (d *LineDisplay) ShowReply(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprintf(d.w, "%s: %s\n", d.name, text)
}

func (d *LineDisplay) SetTyping(on bool) {}

// RunLineMode reads lines from in until EOF, "/quit" or ctx is done.
func RunLineMode(ctx context.Context, ch *Channel, in io.Reader, out io.Writer, name string) error {
	ch.SetDisplay(NewLineDisplay(out, name))

	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), MaxMessageLength)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errc:
					return err
				default:
					return nil
				}
			}
			if strings.TrimSpace(line) == "/quit" {
				return nil
			}
			if err := ch.Submit(line); err != nil {
				return err
			}
		}
	}
}
