package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"nanoagent/internal/llm"
	"nanoagent/internal/tools"
	"nanoagent/internal/tools/files"
	"nanoagent/internal/tools/schedule"
	"nanoagent/internal/types"
	"nanoagent/internal/workspace"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubClient answers each round trip with reply(n, req), n starting at 1.
type stubClient struct {
	mu       sync.Mutex
	requests []llm.Request
	reply    func(ctx context.Context, n int, req llm.Request) (*llm.Response, error)
}

func (c *stubClient) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	n := len(c.requests)
	c.mu.Unlock()
	return c.reply(ctx, n, req)
}

func (c *stubClient) Model() string { return "claude-test" }

func (c *stubClient) calls() []llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.Request(nil), c.requests...)
}

type countingExecutor struct {
	mu     sync.Mutex
	n      int
	result string
}

func (e *countingExecutor) Definitions() []types.ToolDefinition {
	return []types.ToolDefinition{{Name: "bash", Description: "run"}}
}

func (e *countingExecutor) Run(ctx context.Context, call types.ToolCall) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.n++
	return e.result, false
}

func toolCall(id, name string, input map[string]any) *llm.Response {
	return &llm.Response{
		ToolCalls:  []types.ToolCall{{ID: id, Name: name, Input: input}},
		StopReason: "tool_use",
		Usage:      types.UsageMetadata{InputTokens: 10, OutputTokens: 2},
	}
}

func text(s string) *llm.Response {
	return &llm.Response{Text: s, Content: []types.ContentBlock{{Type: types.BlockText, Text: s}}, StopReason: "end_turn"}
}

var settings = llm.Settings{Provider: llm.ProviderAnthropic, APIKey: "k", Model: "claude-test", MaxTokens: 4096}

func startWorker(t *testing.T, exec Executor, client llm.Client, opts Options) *Worker {
	t.Helper()
	opts.NewClient = func(llm.Settings) (llm.Client, error) { return client, nil }
	w := New(exec, opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w
}

// collect reads the outbox until a terminal envelope arrives.
func collect(t *testing.T, w *Worker) []Outbound {
	t.Helper()
	var out []Outbound
	timeout := time.After(5 * time.Second)
	for {
		select {
		case env := <-w.Outbox():
			out = append(out, env)
			switch env.(type) {
			case Response, Error, CompactDone:
				return out
			}
		case <-timeout:
			t.Fatalf("no terminal envelope; got %d envelopes", len(out))
			return out
		}
	}
}

func only[T Outbound](envs []Outbound) []T {
	var out []T
	for _, e := range envs {
		if v, ok := e.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func TestInvoke_PlainResponseStripsInternal(t *testing.T) {
	client := &stubClient{reply: func(ctx context.Context, n int, req llm.Request) (*llm.Response, error) {
		return text("<internal>plan: greet</internal>Hello there"), nil
	}}
	w := startWorker(t, &countingExecutor{}, client, Options{})

	w.Inbox() <- Invoke{GroupID: types.MainGroup, Messages: []types.ConversationMessage{types.TextMessage(types.RoleUser, "hi")}, System: "sys", Settings: settings}
	envs := collect(t, w)

	resp, ok := envs[len(envs)-1].(Response)
	require.True(t, ok)
	assert.Equal(t, "Hello there", resp.Text)
	assert.Equal(t, types.MainGroup, resp.GroupID)

	usage := only[TokenUsageReport](envs)
	require.Len(t, usage, 1)
	assert.Equal(t, 200000, usage[0].Usage.ContextLimit)

	reqs := client.calls()
	require.Len(t, reqs, 1)
	assert.Equal(t, "sys", reqs[0].System)
	assert.Len(t, reqs[0].Tools, 1)
}

func TestInvoke_StopsAtIterationLimit(t *testing.T) {
	client := &stubClient{reply: func(ctx context.Context, n int, req llm.Request) (*llm.Response, error) {
		return toolCall("c", "bash", map[string]any{"command": "true"}), nil
	}}
	exec := &countingExecutor{result: "ok"}
	w := startWorker(t, exec, client, Options{})

	w.Inbox() <- Invoke{GroupID: "tg:1", Messages: []types.ConversationMessage{types.TextMessage(types.RoleUser, "loop")}, Settings: settings}
	envs := collect(t, w)

	resp, ok := envs[len(envs)-1].(Response)
	require.True(t, ok)
	assert.Equal(t, ExhaustedResponse, resp.Text)
	assert.Len(t, client.calls(), DefaultMaxIterations)
	assert.Equal(t, DefaultMaxIterations, exec.n)
	assert.Len(t, only[TokenUsageReport](envs), DefaultMaxIterations)
	assert.Len(t, only[Typing](envs), DefaultMaxIterations)
}

func TestInvoke_ToolErrorBecomesResult(t *testing.T) {
	reg := tools.NewRegistry()
	reg.MustRegister(files.ReadFileTool(workspace.New(t.TempDir())))

	client := &stubClient{reply: func(ctx context.Context, n int, req llm.Request) (*llm.Response, error) {
		if n == 1 {
			return toolCall("call-1", "read_file", map[string]any{"path": "missing.txt"}), nil
		}
		return text("That file does not exist."), nil
	}}
	w := startWorker(t, reg, client, Options{})

	w.Inbox() <- Invoke{GroupID: types.MainGroup, Messages: []types.ConversationMessage{types.TextMessage(types.RoleUser, "read it")}, Settings: settings}
	envs := collect(t, w)

	resp, ok := envs[len(envs)-1].(Response)
	require.True(t, ok)
	assert.Equal(t, "That file does not exist.", resp.Text)

	activity := only[ToolActivity](envs)
	require.Len(t, activity, 2)
	assert.Equal(t, ToolRunning, activity[0].Status)
	assert.Equal(t, ToolDone, activity[1].Status)
	assert.True(t, activity[1].Failed)

	reqs := client.calls()
	require.Len(t, reqs, 2)
	second := reqs[1].Messages
	require.Len(t, second, 3)
	assert.Equal(t, types.RoleAssistant, second[1].Role)
	require.Len(t, second[1].ToolUses(), 1)
	result := second[2].Content[0]
	assert.Equal(t, types.BlockToolResult, result.Type)
	assert.Equal(t, "call-1", result.ToolUseID)
	assert.True(t, result.IsError)
	assert.True(t, strings.HasPrefix(result.Content, "Tool error (read_file):"), result.Content)
}

func TestInvoke_TruncatesToolResults(t *testing.T) {
	client := &stubClient{reply: func(ctx context.Context, n int, req llm.Request) (*llm.Response, error) {
		if n == 1 {
			return toolCall("c", "bash", nil), nil
		}
		return text("done"), nil
	}}
	exec := &countingExecutor{result: strings.Repeat("x", tools.MaxResultChars+500)}
	w := startWorker(t, exec, client, Options{})

	w.Inbox() <- Invoke{GroupID: types.MainGroup, Settings: settings}
	collect(t, w)

	reqs := client.calls()
	require.Len(t, reqs, 2)
	content := reqs[1].Messages[len(reqs[1].Messages)-1].Content[0].Content
	assert.True(t, strings.HasPrefix(content, strings.Repeat("x", tools.MaxResultChars)))
	assert.Contains(t, content, "[truncated 500 characters]")
}

func TestInvoke_TaskCreatedEmitted(t *testing.T) {
	reg := tools.NewRegistry()
	reg.MustRegister(schedule.CreateTaskTool(nil))

	client := &stubClient{reply: func(ctx context.Context, n int, req llm.Request) (*llm.Response, error) {
		if n == 1 {
			return toolCall("c", "create_task", map[string]any{"schedule": "0 9 * * *", "prompt": "news"}), nil
		}
		return text("Scheduled."), nil
	}}
	w := startWorker(t, reg, client, Options{})

	w.Inbox() <- Invoke{GroupID: "tg:42", Settings: settings}
	envs := collect(t, w)

	created := only[TaskCreated](envs)
	require.Len(t, created, 1)
	assert.Equal(t, types.GroupID("tg:42"), created[0].Task.GroupID)
	assert.Equal(t, "news", created[0].Task.Prompt)
	assert.True(t, created[0].Task.Enabled)
}

func TestInvoke_BackendErrorAndFactoryError(t *testing.T) {
	client := &stubClient{reply: func(ctx context.Context, n int, req llm.Request) (*llm.Response, error) {
		return nil, &llm.StatusError{Code: 500, Body: "boom"}
	}}
	w := startWorker(t, &countingExecutor{}, client, Options{})
	w.Inbox() <- Invoke{GroupID: types.MainGroup, Settings: settings}
	envs := collect(t, w)
	errEnv, ok := envs[len(envs)-1].(Error)
	require.True(t, ok)
	assert.Contains(t, errEnv.Message, "500")

	w2 := New(&countingExecutor{}, Options{NewClient: func(llm.Settings) (llm.Client, error) { return nil, llm.ErrNotConfigured }})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); _ = w2.Run(ctx) }()
	defer func() { cancel(); <-done }()

	w2.Inbox() <- Invoke{GroupID: types.MainGroup}
	envs = collect(t, w2)
	errEnv, ok = envs[len(envs)-1].(Error)
	require.True(t, ok)
	assert.Equal(t, llm.ErrNotConfigured.Error(), errEnv.Message)
}

func TestInvoke_PanicRecovered(t *testing.T) {
	client := &stubClient{reply: func(ctx context.Context, n int, req llm.Request) (*llm.Response, error) {
		panic("decoder exploded")
	}}
	w := startWorker(t, &countingExecutor{}, client, Options{})
	w.Inbox() <- Invoke{GroupID: types.MainGroup, Settings: settings}
	envs := collect(t, w)
	errEnv, ok := envs[len(envs)-1].(Error)
	require.True(t, ok)
	assert.Contains(t, errEnv.Message, "decoder exploded")
}

func TestCancel_AbortsInFlightRequest(t *testing.T) {
	started := make(chan struct{})
	client := &stubClient{reply: func(ctx context.Context, n int, req llm.Request) (*llm.Response, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	w := startWorker(t, &countingExecutor{}, client, Options{})

	w.Inbox() <- Invoke{GroupID: "tg:7", Settings: settings}
	<-started
	w.Inbox() <- Cancel{GroupID: "tg:7"}

	envs := collect(t, w)
	errEnv, ok := envs[len(envs)-1].(Error)
	require.True(t, ok)
	assert.Equal(t, CancelledMessage, errEnv.Message)
	assert.Equal(t, types.GroupID("tg:7"), errEnv.GroupID)
}

func TestCancel_NothingInFlightIgnored(t *testing.T) {
	w := startWorker(t, &countingExecutor{}, &stubClient{}, Options{})
	w.Inbox() <- Cancel{GroupID: types.MainGroup}

	select {
	case env := <-w.Outbox():
		t.Fatalf("unexpected envelope %T", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCompact_SingleRoundTripWithoutTools(t *testing.T) {
	client := &stubClient{reply: func(ctx context.Context, n int, req llm.Request) (*llm.Response, error) {
		return text("User likes tea. Open task: buy milk."), nil
	}}
	w := startWorker(t, &countingExecutor{}, client, Options{})

	history := []types.ConversationMessage{
		types.TextMessage(types.RoleUser, "I like tea"),
		types.TextMessage(types.RoleAssistant, "Noted"),
	}
	w.Inbox() <- Compact{GroupID: types.MainGroup, Messages: history, System: "sys", Settings: settings}
	envs := collect(t, w)

	done, ok := envs[len(envs)-1].(CompactDone)
	require.True(t, ok)
	assert.Equal(t, "User likes tea. Open task: buy milk.", done.Summary)

	reqs := client.calls()
	require.Len(t, reqs, 1)
	assert.Empty(t, reqs[0].Tools)
	assert.Equal(t, CompactMaxTokens, reqs[0].MaxTokens)
	require.Len(t, reqs[0].Messages, 3)
	assert.Equal(t, CompactInstruction, reqs[0].Messages[2].Text())
}

func TestCompact_Error(t *testing.T) {
	client := &stubClient{reply: func(ctx context.Context, n int, req llm.Request) (*llm.Response, error) {
		return nil, errors.New("overloaded")
	}}
	w := startWorker(t, &countingExecutor{}, client, Options{})
	w.Inbox() <- Compact{GroupID: types.MainGroup, Settings: settings}
	envs := collect(t, w)
	errEnv, ok := envs[len(envs)-1].(Error)
	require.True(t, ok)
	assert.Equal(t, "overloaded", errEnv.Message)
}

func TestStripInternal(t *testing.T) {
	assert.Equal(t, "a b", StripInternal("a <internal>x\ny</internal>b"))
	assert.Equal(t, "", StripInternal("<internal>all hidden</internal>"))
	assert.Equal(t, "plain", StripInternal("plain"))
}
