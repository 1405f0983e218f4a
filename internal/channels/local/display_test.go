package local

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"nanoagent/internal/coordinator"
	"nanoagent/internal/router"
	"nanoagent/internal/store"
	"nanoagent/internal/types"
	"nanoagent/internal/worker"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgramDisplay_NeverBlocksAndKeepsOrder(t *testing.T) {
	gate := make(chan struct{})
	var (
		mu   sync.Mutex
		got  []tea.Msg
		seen = make(chan struct{}, 8)
	)
	d := newProgramDisplay(func(msg tea.Msg) {
		<-gate
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
		seen <- struct{}{}
	})

	returned := make(chan struct{})
	go func() {
		defer close(returned)
		d.SetTyping(true)
		d.ShowReply("one")
		d.ShowReply("two")
		d.SetTyping(false)
	}()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("display calls blocked on a busy program")
	}

	close(gate)
	for i := 0; i < 4; i++ {
		select {
		case <-seen:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d messages delivered", i)
		}
	}
	d.close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []tea.Msg{typingMsg(true), replyMsg("one"), replyMsg("two"), typingMsg(false)}, got)
}

// typingWorker answers every Invoke with a burst of Typing envelopes and a
// reply, the traffic a multi-round tool loop produces.
type typingWorker struct {
	in  chan worker.Inbound
	out chan worker.Outbound
}

func (w *typingWorker) Inbox() chan<- worker.Inbound   { return w.in }
func (w *typingWorker) Outbox() <-chan worker.Outbound { return w.out }

func (w *typingWorker) serve(ctx context.Context) {
	emit := func(env worker.Outbound) bool {
		select {
		case w.out <- env:
			return true
		case <-ctx.Done():
			return false
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-w.in:
			inv, ok := env.(worker.Invoke)
			if !ok {
				continue
			}
			for i := 0; i < 5; i++ {
				if !emit(worker.Typing{GroupID: inv.GroupID}) {
					return
				}
			}
			if !emit(worker.Response{GroupID: inv.GroupID, Text: "ok"}) {
				return
			}
		}
	}
}

func TestRunProgram_TypingWhileCoordinatorDelivers(t *testing.T) {
	st, err := store.NewLocalStore(":memory:")
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.SetConfig("api_key", "test-key"))

	ch := New("me")
	w := &typingWorker{in: make(chan worker.Inbound, worker.InboxSize), out: make(chan worker.Outbound)}
	coord := coordinator.New(coordinator.Deps{
		Store:  st,
		Router: router.New(ch, nil),
		Worker: w,
	}, coordinator.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = coord.Run(ctx) }()
	go func() { defer wg.Done(); w.serve(ctx) }()
	defer func() {
		cancel()
		wg.Wait()
	}()
	require.NoError(t, ch.Start(ctx, func(m types.InboundMessage) { _ = coord.Enqueue(m) }))

	p := tea.NewProgram(NewModel(ch, "Andy", nil),
		tea.WithInput(nil), tea.WithOutput(io.Discard), tea.WithoutSignalHandler())
	finished := make(chan error, 1)
	go func() {
		_, err := runProgram(ch, p)
		finished <- err
	}()

	const messages = 30
	for i := 0; i < messages; i++ {
		p.Send(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("hi")})
		p.Send(tea.KeyMsg{Type: tea.KeyEnter})
	}

	status := make(chan error, 1)
	go func() {
		_, err := coord.Status()
		status <- err
	}()
	select {
	case err := <-status:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator loop stuck delivering to the UI")
	}

	require.Eventually(t, func() bool {
		history, err := st.LoadRecentMessages(types.MainGroup, 2*messages+10)
		return err == nil && len(history) == 2*messages
	}, 10*time.Second, 10*time.Millisecond)

	p.Quit()
	select {
	case err := <-finished:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("program did not quit")
	}
}
