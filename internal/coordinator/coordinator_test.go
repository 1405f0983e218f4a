package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"nanoagent/internal/llm"
	"nanoagent/internal/store"
	"nanoagent/internal/types"
	"nanoagent/internal/worker"
	"nanoagent/internal/workspace"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeWorker struct {
	in  chan worker.Inbound
	out chan worker.Outbound
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{in: make(chan worker.Inbound, worker.InboxSize), out: make(chan worker.Outbound, worker.OutboxSize)}
}

func (f *fakeWorker) Inbox() chan<- worker.Inbound   { return f.in }
func (f *fakeWorker) Outbox() <-chan worker.Outbound { return f.out }

func (f *fakeWorker) next(t *testing.T) worker.Inbound {
	t.Helper()
	select {
	case env := <-f.in:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope dispatched to worker")
		return nil
	}
}

func (f *fakeWorker) nextInvoke(t *testing.T) worker.Invoke {
	t.Helper()
	env := f.next(t)
	inv, ok := env.(worker.Invoke)
	require.True(t, ok, "expected Invoke, got %T", env)
	return inv
}

func (f *fakeWorker) expectIdle(t *testing.T) {
	t.Helper()
	select {
	case env := <-f.in:
		t.Fatalf("unexpected envelope %T for %s", env, env.Group())
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeRouter struct {
	mu     sync.Mutex
	sent   []string
	typing map[types.GroupID]bool
}

func (r *fakeRouter) Send(ctx context.Context, g types.GroupID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, string(g)+"|"+text)
	return nil
}

func (r *fakeRouter) SetTyping(ctx context.Context, g types.GroupID, on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.typing == nil {
		r.typing = make(map[types.GroupID]bool)
	}
	r.typing[g] = on
	return nil
}

func (r *fakeRouter) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func (r *fakeRouter) isTyping(g types.GroupID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.typing[g]
}

type catalogue string

func (c catalogue) Catalogue() string { return string(c) }

type harness struct {
	c      *Coordinator
	store  *store.LocalStore
	ws     *workspace.Workspace
	worker *fakeWorker
	router *fakeRouter
}

func setup(t *testing.T, configured bool) *harness {
	t.Helper()
	st, err := store.NewLocalStore(":memory:")
	require.NoError(t, err)
	if configured {
		require.NoError(t, st.SetConfig("api_key", "test-key"))
	}

	h := &harness{
		store:  st,
		ws:     workspace.New(t.TempDir()),
		worker: newFakeWorker(),
		router: &fakeRouter{},
	}
	h.c = New(Deps{
		Store:  st,
		Memory: h.ws,
		Router: h.router,
		Worker: h.worker,
		Tools:  catalogue("- bash: Run a shell command\n"),
	}, Options{
		Defaults: llm.Settings{Provider: llm.ProviderAnthropic, Model: "claude-test", MaxTokens: 1024},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		st.Close()
	})
	return h
}

func inbound(group types.GroupID, content string) types.InboundMessage {
	return types.InboundMessage{GroupID: group, Sender: "alice", Content: content, Channel: "test"}
}

func TestTriggerPattern(t *testing.T) {
	re := TriggerPattern("Andy")
	cases := map[string]bool{
		"@Andy":                 true,
		"hi @andy can you":      true,
		"@ANDY, what's up":      true,
		"(@andy)":               true,
		"@Andyson":              false,
		"email@Andy":            false,
		"Andy without the at":   false,
		"ping @andy_bot please": false,
	}
	for text, want := range cases {
		assert.Equal(t, want, re.MatchString(text), text)
	}
}

func TestBuildConversationMessages_RoundTrip(t *testing.T) {
	base := time.UnixMilli(1_700_000_000_000)
	var history []types.StoredMessage
	var want []types.ConversationMessage
	for i := 0; i < 7; i++ {
		fromMe := i%2 == 1
		content := fmt.Sprintf("message %d", i)
		history = append(history, types.StoredMessage{
			InboundMessage: types.InboundMessage{ID: fmt.Sprint(i), GroupID: types.MainGroup, Content: content, Timestamp: base.Add(time.Duration(i) * time.Second)},
			IsFromMe:       fromMe,
		})
		role := types.RoleUser
		if fromMe {
			role = types.RoleAssistant
		}
		want = append(want, types.TextMessage(role, content))
	}

	got := BuildConversationMessages(history)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("BuildConversationMessages mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, BuildConversationMessages(nil))
}

func TestBuildSystemPrompt(t *testing.T) {
	p := BuildSystemPrompt("Andy", "tg:1", "- bash: run\n", "User likes tea")
	assert.Contains(t, p, "You are Andy")
	assert.Contains(t, p, "- bash: run")
	assert.Contains(t, p, "## Memory\nUser likes tea")

	assert.NotContains(t, BuildSystemPrompt("Andy", "tg:1", "", "  "), "## Memory")
}

func TestEnqueue_InvokesWithWindowAndMemory(t *testing.T) {
	h := setup(t, true)
	require.NoError(t, h.ws.SaveMemory(types.MainGroup, "User likes tea"))

	require.NoError(t, h.c.Enqueue(inbound(types.MainGroup, "hello")))
	inv := h.worker.nextInvoke(t)

	assert.Equal(t, types.MainGroup, inv.GroupID)
	require.Len(t, inv.Messages, 1)
	assert.Equal(t, "hello", inv.Messages[0].Text())
	assert.Contains(t, inv.System, "User likes tea")
	assert.Contains(t, inv.System, "- bash: Run a shell command")
	assert.Equal(t, "test-key", inv.Settings.APIKey)
	assert.Equal(t, "claude-test", inv.Settings.Model)
	assert.Equal(t, types.StateThinking, h.c.State())
	assert.True(t, h.router.isTyping(types.MainGroup))

	h.worker.out <- worker.Response{GroupID: types.MainGroup, Text: "hi alice"}
	assert.Eventually(t, func() bool { return h.c.State() == types.StateIdle }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"local:main|hi alice"}, h.router.messages())
	assert.False(t, h.router.isTyping(types.MainGroup))

	history, err := h.store.LoadRecentMessages(types.MainGroup, 50)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, history[0].IsTrigger)
	assert.True(t, history[1].IsFromMe)
	assert.Equal(t, "hi alice", history[1].Content)
}

func TestEnqueue_OrdersByArrivalNotTransportTime(t *testing.T) {
	h := setup(t, true)
	sent := time.Now().Truncate(time.Second)

	first := inbound("tg:8", "@Andy first")
	first.Timestamp = sent
	require.NoError(t, h.c.Enqueue(first))
	h.worker.nextInvoke(t)
	h.worker.out <- worker.Response{GroupID: "tg:8", Text: "reply one"}
	require.Eventually(t, func() bool { return len(h.router.messages()) == 1 }, 2*time.Second, 5*time.Millisecond)

	// Same whole-second transport date as the first message.
	second := inbound("tg:8", "@Andy second")
	second.Timestamp = sent
	require.NoError(t, h.c.Enqueue(second))
	inv := h.worker.nextInvoke(t)

	require.Len(t, inv.Messages, 3)
	assert.Equal(t, []string{"@Andy first", "reply one", "@Andy second"},
		[]string{inv.Messages[0].Text(), inv.Messages[1].Text(), inv.Messages[2].Text()})
	assert.Equal(t, types.RoleAssistant, inv.Messages[1].Role)
	assert.Equal(t, types.RoleUser, inv.Messages[2].Role)
}

func TestSingleFlightAndFIFO(t *testing.T) {
	h := setup(t, true)
	groups := []types.GroupID{"tg:1", "tg:2", "tg:3"}
	for _, g := range groups {
		require.NoError(t, h.c.Enqueue(inbound(g, "@Andy do something")))
	}
	h.c.EnqueueScheduled("tg:4", "[SCHEDULED TASK] report")

	for _, want := range append(groups, "tg:4") {
		inv := h.worker.nextInvoke(t)
		assert.Equal(t, want, inv.GroupID)

		// Nothing else is dispatched while this invocation is in flight.
		h.worker.expectIdle(t)
		st, err := h.c.Status()
		require.NoError(t, err)
		assert.Equal(t, want, st.Active)

		h.worker.out <- worker.Response{GroupID: want, Text: "done " + string(want)}
	}

	assert.Eventually(t, func() bool { return h.c.State() == types.StateIdle }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"tg:1|done tg:1", "tg:2|done tg:2", "tg:3|done tg:3", "tg:4|done tg:4"}, h.router.messages())
}

func TestEnqueue_NonTriggerStoredOnly(t *testing.T) {
	h := setup(t, true)
	require.NoError(t, h.c.Enqueue(inbound("tg:5", "just chatting")))
	require.NoError(t, h.c.Enqueue(inbound("tg:5", "hey @andyson")))
	h.worker.expectIdle(t)

	history, err := h.store.LoadRecentMessages("tg:5", 50)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.False(t, history[0].IsTrigger)

	require.NoError(t, h.c.Enqueue(inbound("tg:5", "ok @andy, summarize")))
	inv := h.worker.nextInvoke(t)
	assert.Len(t, inv.Messages, 3)
}

func TestEnqueue_AssistantNameFromConfig(t *testing.T) {
	h := setup(t, true)
	require.NoError(t, h.store.SetConfig("assistant_name", "Jarvis"))

	require.NoError(t, h.c.Enqueue(inbound("tg:6", "@Andy hi")))
	h.worker.expectIdle(t)
	require.NoError(t, h.c.Enqueue(inbound("tg:6", "@jarvis hi")))
	inv := h.worker.nextInvoke(t)
	assert.Contains(t, inv.System, "You are Jarvis")
}

func TestEnqueue_UnconfiguredDropsWithNotice(t *testing.T) {
	h := setup(t, false)
	events, unsubscribe := h.c.Subscribe(16)
	defer unsubscribe()

	require.NoError(t, h.c.Enqueue(inbound(types.MainGroup, "hello")))

	var notice Notice
	require.Eventually(t, func() bool {
		select {
		case ev := <-events:
			if n, ok := ev.(Notice); ok {
				notice = n
				return true
			}
		default:
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, notice.Message, "backend not configured")

	h.worker.expectIdle(t)
	msgs := h.router.messages()
	require.Len(t, msgs, 1)
	assert.True(t, strings.HasPrefix(msgs[0], "local:main|Error: backend not configured"), msgs[0])
	assert.Equal(t, types.StateIdle, h.c.State())

	// Not retried: a configured backend only sees the next message.
	require.NoError(t, h.store.SetConfig("api_key", "k"))
	require.NoError(t, h.c.Enqueue(inbound(types.MainGroup, "again")))
	inv := h.worker.nextInvoke(t)
	assert.Equal(t, "again", inv.Messages[len(inv.Messages)-1].Text())
	h.worker.expectIdle(t)
}

func TestWorkerError_RepliesAndReturnsToIdle(t *testing.T) {
	h := setup(t, true)
	require.NoError(t, h.c.Enqueue(inbound(types.MainGroup, "hello")))
	h.worker.nextInvoke(t)

	h.worker.out <- worker.Error{GroupID: types.MainGroup, Message: "API request failed with status 500: boom"}
	assert.Eventually(t, func() bool { return h.c.State() == types.StateIdle }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"local:main|Error: API request failed with status 500: boom"}, h.router.messages())

	// The coordinator accepts more work.
	require.NoError(t, h.c.Enqueue(inbound(types.MainGroup, "retry")))
	h.worker.nextInvoke(t)
}

func TestStaleEnvelopeIgnored(t *testing.T) {
	h := setup(t, true)
	h.worker.out <- worker.Response{GroupID: "tg:99", Text: "late"}
	h.worker.out <- worker.Error{GroupID: "tg:99", Message: "late"}
	_, err := h.c.Status()
	require.NoError(t, err)
	assert.Empty(t, h.router.messages())
}

func TestObserverStateSequence(t *testing.T) {
	h := setup(t, true)
	events, unsubscribe := h.c.Subscribe(64)
	defer unsubscribe()

	require.NoError(t, h.c.Enqueue(inbound(types.MainGroup, "hello")))
	h.worker.nextInvoke(t)
	h.worker.out <- worker.ToolActivity{GroupID: types.MainGroup, Tool: "bash", Status: worker.ToolRunning}
	h.worker.out <- worker.TokenUsageReport{Usage: types.TokenUsage{GroupID: types.MainGroup, InputTokens: 10, ContextLimit: 100}}
	h.worker.out <- worker.Response{GroupID: types.MainGroup, Text: "ok"}

	var states []types.OrchestratorState
	var sawTool, sawUsage, sawDelivered bool
	timeout := time.After(2 * time.Second)
	for len(states) < 3 {
		select {
		case ev := <-events:
			switch e := ev.(type) {
			case StateChanged:
				states = append(states, e.State)
			case ToolActivity:
				sawTool = e.Tool == "bash" && e.Status == "running"
			case TokenUsage:
				sawUsage = e.Usage.InputTokens == 10
			case MessageDelivered:
				sawDelivered = e.Text == "ok"
			}
		case <-timeout:
			t.Fatalf("states so far: %v", states)
		}
	}
	assert.Equal(t, []types.OrchestratorState{types.StateThinking, types.StateResponding, types.StateIdle}, states)
	assert.True(t, sawTool)
	assert.True(t, sawUsage)
	assert.True(t, sawDelivered)
}

func TestTaskCreatedPersisted(t *testing.T) {
	h := setup(t, true)
	task := types.Task{ID: "task-1", GroupID: "tg:1", Schedule: "@daily", Prompt: "news", Enabled: true, CreatedAt: time.UnixMilli(1_700_000_000_000)}
	h.worker.out <- worker.TaskCreated{Task: task}

	assert.Eventually(t, func() bool {
		got, err := h.store.GetTask("task-1")
		return err == nil && got.Prompt == "news"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCompactContext_ReplacesHistoryWithSummary(t *testing.T) {
	h := setup(t, true)
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 4; i++ {
		require.NoError(t, h.store.SaveMessage(types.StoredMessage{
			InboundMessage: types.InboundMessage{ID: fmt.Sprint(i), GroupID: types.MainGroup, Sender: "alice", Content: fmt.Sprintf("m%d", i), Timestamp: base.Add(time.Duration(i) * time.Minute)},
			IsFromMe:       i%2 == 1,
		}))
	}

	require.NoError(t, h.c.CompactContext(types.MainGroup))
	env := h.worker.next(t)
	compactEnv, ok := env.(worker.Compact)
	require.True(t, ok, "expected Compact, got %T", env)
	assert.Len(t, compactEnv.Messages, 4)

	assert.True(t, errors.Is(h.c.CompactContext(types.MainGroup), ErrBusy))

	h.worker.out <- worker.CompactDone{GroupID: types.MainGroup, Summary: "Alice said four things."}
	assert.Eventually(t, func() bool { return h.c.State() == types.StateIdle }, 2*time.Second, 5*time.Millisecond)

	history, err := h.store.LoadRecentMessages(types.MainGroup, 50)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, SummaryPrefix+"Alice said four things.", history[0].Content)
	assert.Equal(t, SystemSender, history[0].Sender)
	assert.False(t, history[0].IsFromMe)

	// The next invocation sees only the summary plus the new message.
	require.NoError(t, h.c.Enqueue(inbound(types.MainGroup, "what did I say?")))
	inv := h.worker.nextInvoke(t)
	require.Len(t, inv.Messages, 2)
	assert.Equal(t, SummaryPrefix+"Alice said four things.", inv.Messages[0].Text())
}

func TestCompactContext_Unconfigured(t *testing.T) {
	h := setup(t, false)
	assert.True(t, errors.Is(h.c.CompactContext(types.MainGroup), llm.ErrNotConfigured))
	h.worker.expectIdle(t)
}

func TestCancelForwardsToWorker(t *testing.T) {
	h := setup(t, true)
	assert.True(t, errors.Is(h.c.Cancel(types.MainGroup), ErrNothingInFlight))

	require.NoError(t, h.c.Enqueue(inbound(types.MainGroup, "long job")))
	h.worker.nextInvoke(t)

	require.NoError(t, h.c.Cancel(types.MainGroup))
	env := h.worker.next(t)
	assert.Equal(t, worker.Cancel{GroupID: types.MainGroup}, env)

	h.worker.out <- worker.Error{GroupID: types.MainGroup, Message: worker.CancelledMessage}
	assert.Eventually(t, func() bool { return h.c.State() == types.StateIdle }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"local:main|Error: request cancelled"}, h.router.messages())
}

func TestSlashCommands(t *testing.T) {
	h := setup(t, true)
	require.NoError(t, h.store.SaveMessage(types.StoredMessage{InboundMessage: types.InboundMessage{ID: "old", GroupID: "tg:1", Content: "old", Timestamp: time.Now()}}))
	require.NoError(t, h.store.SaveTask(types.Task{ID: "keep", GroupID: "tg:1", Schedule: "@daily", Prompt: "p", Enabled: true, CreatedAt: time.Now()}))

	require.NoError(t, h.c.Enqueue(inbound("tg:1", "/new")))
	require.NoError(t, h.c.Enqueue(inbound("tg:1", "/status@AndyBot")))
	require.NoError(t, h.c.Enqueue(inbound("tg:1", "/cancel")))
	require.NoError(t, h.c.Enqueue(inbound("tg:1", "/help")))
	_, err := h.c.Status()
	require.NoError(t, err)

	msgs := h.router.messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "tg:1|Started a new session.", msgs[0])
	assert.Contains(t, msgs[1], "State: idle")
	assert.Contains(t, msgs[1], "Backend: anthropic / claude-test")
	assert.Equal(t, "tg:1|Nothing to cancel.", msgs[2])
	assert.Contains(t, msgs[3], "/compact")

	history, err := h.store.LoadRecentMessages("tg:1", 50)
	require.NoError(t, err)
	assert.Empty(t, history, "history cleared and commands not stored")
	_, err = h.store.GetTask("keep")
	assert.NoError(t, err)
	h.worker.expectIdle(t)

	// Unknown commands are ordinary messages.
	require.NoError(t, h.c.Enqueue(inbound(types.MainGroup, "/unknown thing")))
	inv := h.worker.nextInvoke(t)
	assert.Equal(t, "/unknown thing", inv.Messages[0].Text())
}

func TestNewSessionBusy(t *testing.T) {
	h := setup(t, true)
	require.NoError(t, h.c.Enqueue(inbound(types.MainGroup, "hi")))
	h.worker.nextInvoke(t)
	assert.True(t, errors.Is(h.c.NewSession(types.MainGroup), ErrBusy))
	assert.NoError(t, h.c.NewSession("tg:2"))
}
