// Package worker is the execution context: an actor that owns every backend
// round trip and tool execution. The coordinator talks to it only through
// the Inbox and Outbox channels.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"nanoagent/internal/llm"
	"nanoagent/internal/logging"
	"nanoagent/internal/tools"
	"nanoagent/internal/types"
)

const (
	// InboxSize and OutboxSize bound the envelope channels.
	InboxSize  = 16
	OutboxSize = 64

	// DefaultMaxIterations bounds backend round trips per Invoke.
	DefaultMaxIterations = 25

	// CompactMaxTokens bounds the summary length.
	CompactMaxTokens = 2048
)

// CancelledMessage is the Error text emitted for a cancelled request.
const CancelledMessage = "request cancelled"

// ErrCancelled is returned by the loop when its context is cancelled.
var ErrCancelled = errors.New(CancelledMessage)

// Executor runs tool calls. *tools.Registry implements it.
type Executor interface {
	Definitions() []types.ToolDefinition
	Run(ctx context.Context, call types.ToolCall) (string, bool)
}

// ClientFactory builds a backend client from the envelope's settings.
type ClientFactory func(llm.Settings) (llm.Client, error)

// Options configures a Worker.
type Options struct {
	MaxIterations  int
	MaxResultChars int
	// NewClient defaults to llm.NewClient with a client built from the
	// settings' timeout.
	NewClient ClientFactory
	Now       func() time.Time
}

type flight struct {
	id     uint64
	cancel context.CancelFunc
}

// Worker is the execution actor.
type Worker struct {
	inbox  chan Inbound
	outbox chan Outbound

	tools          Executor
	newClient      ClientFactory
	maxIterations  int
	maxResultChars int
	now            func() time.Time

	mu       sync.Mutex
	inflight map[types.GroupID]flight
	nextID   uint64
	wg       sync.WaitGroup
}

// New creates a worker. Call Run to start it.
func New(exec Executor, opts Options) *Worker {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.MaxResultChars <= 0 {
		opts.MaxResultChars = tools.MaxResultChars
	}
	if opts.NewClient == nil {
		opts.NewClient = func(s llm.Settings) (llm.Client, error) { return llm.NewClient(s, nil) }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Worker{
		inbox:          make(chan Inbound, InboxSize),
		outbox:         make(chan Outbound, OutboxSize),
		tools:          exec,
		newClient:      opts.NewClient,
		maxIterations:  opts.MaxIterations,
		maxResultChars: opts.MaxResultChars,
		now:            opts.Now,
		inflight:       make(map[types.GroupID]flight),
	}
}

// Inbox is the channel the coordinator sends envelopes on.
func (w *Worker) Inbox() chan<- Inbound { return w.inbox }

// Outbox is the channel the worker emits envelopes on.
func (w *Worker) Outbox() <-chan Outbound { return w.outbox }

// Run receives envelopes until ctx is done, then cancels every in-flight
// request and waits for them to exit.
func (w *Worker) Run(ctx context.Context) error {
	logging.Worker("Worker started")
	defer func() {
		w.cancelAll()
		w.wg.Wait()
		logging.Worker("Worker stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-w.inbox:
			w.dispatch(ctx, env)
		}
	}
}

// dispatch never blocks: long work runs on its own goroutine.
func (w *Worker) dispatch(ctx context.Context, env Inbound) {
	switch e := env.(type) {
	case Invoke:
		runCtx, id := w.track(ctx, e.GroupID)
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer w.untrack(e.GroupID, id)
			w.handleInvoke(ctx, runCtx, e)
		}()
	case Compact:
		runCtx, id := w.track(ctx, e.GroupID)
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer w.untrack(e.GroupID, id)
			w.handleCompact(ctx, runCtx, e)
		}()
	case Cancel:
		w.mu.Lock()
		f, ok := w.inflight[e.GroupID]
		w.mu.Unlock()
		if !ok {
			logging.WorkerDebug("Cancel for %s ignored: nothing in flight", e.GroupID)
			return
		}
		logging.Worker("Cancelling request for %s", e.GroupID)
		f.cancel()
	default:
		logging.Get(logging.CategoryWorker).Warn("Unknown inbound envelope %T", env)
	}
}

func (w *Worker) track(parent context.Context, group types.GroupID) (context.Context, uint64) {
	ctx, cancel := context.WithCancel(parent)
	w.mu.Lock()
	defer w.mu.Unlock()
	if prev, ok := w.inflight[group]; ok {
		logging.Get(logging.CategoryWorker).Warn("Replacing in-flight request for %s", group)
		prev.cancel()
	}
	w.nextID++
	w.inflight[group] = flight{id: w.nextID, cancel: cancel}
	return ctx, w.nextID
}

func (w *Worker) untrack(group types.GroupID, id uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if f, ok := w.inflight[group]; ok && f.id == id {
		f.cancel()
		delete(w.inflight, group)
	}
}

func (w *Worker) cancelAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, f := range w.inflight {
		f.cancel()
	}
}

// emit delivers env unless the worker is shutting down.
func (w *Worker) emit(ctx context.Context, env Outbound) {
	select {
	case w.outbox <- env:
	case <-ctx.Done():
		logging.WorkerDebug("Dropped %T for %s: worker stopping", env, env.Group())
	}
}

func (w *Worker) logEntry(ctx context.Context, group types.GroupID, kind types.LogKind, label, detail string) {
	w.emit(ctx, ThinkingLog{Entry: types.ThinkingLogEntry{
		GroupID:   group,
		Kind:      kind,
		Timestamp: w.now(),
		Label:     label,
		Detail:    detail,
	}})
}

// failure converts a loop error into the Error envelope text.
func failure(base, run context.Context, err error) string {
	if errors.Is(err, ErrCancelled) || (run.Err() != nil && base.Err() == nil) {
		return CancelledMessage
	}
	return err.Error()
}

func recoverInto(ctx context.Context, w *Worker, group types.GroupID) {
	if r := recover(); r != nil {
		logging.Get(logging.CategoryWorker).Error("Panic handling %s: %v\n%s", group, r, debug.Stack())
		w.emit(ctx, Error{GroupID: group, Message: fmt.Sprintf("internal error: %v", r)})
	}
}
