// Package coordinator owns the conversation state machine. It persists
// inbound messages, decides which ones trigger the assistant, runs at most
// one invocation at a time from a FIFO queue, and turns worker envelopes
// into replies, stored messages and observer events.
//
// All state lives on the goroutine running Run; public methods post
// closures to it.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"nanoagent/internal/config"
	"nanoagent/internal/llm"
	"nanoagent/internal/logging"
	"nanoagent/internal/types"
	"nanoagent/internal/worker"

	"github.com/google/uuid"
)

const (
	DefaultAssistantName = "Andy"
	DefaultContextWindow = 50

	// SchedulerSender is the sender recorded for scheduled prompts.
	SchedulerSender = "scheduler"
	// SystemSender is the sender of compaction summaries.
	SystemSender = "system"
)

var (
	// ErrBusy is returned when an operation needs the coordinator idle.
	ErrBusy = errors.New("coordinator is busy")
	// ErrStopped is returned once Run has exited.
	ErrStopped = errors.New("coordinator stopped")
	// ErrNothingInFlight is returned by Cancel when the group has no request.
	ErrNothingInFlight = errors.New("nothing in flight")
)

// Store is the persistence the coordinator needs.
type Store interface {
	SaveMessage(msg types.StoredMessage) error
	LoadRecentMessages(group types.GroupID, limit int) ([]types.StoredMessage, error)
	ClearGroupMessages(group types.GroupID) error
	ReplaceGroupMessages(group types.GroupID, msgs []types.StoredMessage) error
	SaveTask(task types.Task) error
	GetConfig(key string) (string, error)
}

// Memory loads a group's memory document.
type Memory interface {
	LoadMemory(group types.GroupID) (string, error)
}

// Router delivers replies and typing indicators.
type Router interface {
	Send(ctx context.Context, group types.GroupID, text string) error
	SetTyping(ctx context.Context, group types.GroupID, on bool) error
}

// Worker is the execution context's envelope interface.
type Worker interface {
	Inbox() chan<- worker.Inbound
	Outbox() <-chan worker.Outbound
}

// Catalogue renders the tool list for the system prompt.
type Catalogue interface {
	Catalogue() string
}

// Deps are the coordinator's collaborators.
type Deps struct {
	Store  Store
	Memory Memory
	Router Router
	Worker Worker
	Tools  Catalogue
}

// Options configures a Coordinator.
type Options struct {
	AssistantName string
	ContextWindow int
	// Defaults fill backend settings missing from the config store.
	Defaults llm.Settings
	Now      func() time.Time
	NewID    func() string
}

type queued struct {
	group types.GroupID
	text  string
}

type activity int

const (
	activityNone activity = iota
	activityInvoke
	activityCompact
)

// Status is a snapshot of the coordinator.
type Status struct {
	State       types.OrchestratorState
	Active      types.GroupID
	QueueLength int
	Provider    llm.Provider
	Model       string
	Configured  bool
}

// Coordinator is the single-flight conversation state machine.
type Coordinator struct {
	deps Deps
	opts Options

	cmds chan func()
	done chan struct{}
	obs  *observers

	state atomic.Value // types.OrchestratorState

	// Owned by the Run goroutine.
	ctx         context.Context
	queue       []queued
	processing  bool
	active      types.GroupID
	kind        activity
	triggerName string
	triggerRe   *regexp.Regexp
}

// New creates a coordinator. Call Run to start it.
func New(deps Deps, opts Options) *Coordinator {
	if opts.AssistantName == "" {
		opts.AssistantName = DefaultAssistantName
	}
	if opts.ContextWindow <= 0 {
		opts.ContextWindow = DefaultContextWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	c := &Coordinator{
		deps: deps,
		opts: opts,
		cmds: make(chan func()),
		done: make(chan struct{}),
		obs:  newObservers(),
		ctx:  context.Background(),
	}
	c.state.Store(types.StateIdle)
	return c
}

// Run is the event loop. It returns nil when ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	c.ctx = ctx
	defer func() {
		close(c.done)
		c.obs.closeAll()
		logging.Coordinator("Coordinator stopped")
	}()
	logging.Coordinator("Coordinator started (assistant=%s, window=%d)", c.assistantName(), c.opts.ContextWindow)

	outbox := c.deps.Worker.Outbox()
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-c.cmds:
			fn()
		case env := <-outbox:
			c.handleWorkerMessage(env)
		}
	}
}

// post runs fn on the loop goroutine.
func (c *Coordinator) post(fn func()) error {
	select {
	case c.cmds <- fn:
		return nil
	case <-c.done:
		return ErrStopped
	}
}

// call runs fn on the loop goroutine and waits for its result.
func (c *Coordinator) call(fn func() error) error {
	res := make(chan error, 1)
	if err := c.post(func() { res <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-res:
		return err
	case <-c.done:
		return ErrStopped
	}
}

// Subscribe registers an observer. The channel is closed by unsubscribe or
// when the coordinator stops.
func (c *Coordinator) Subscribe(buffer int) (<-chan Event, func()) {
	return c.obs.subscribe(buffer)
}

// State returns the current state. Safe from any goroutine.
func (c *Coordinator) State() types.OrchestratorState {
	return c.state.Load().(types.OrchestratorState)
}

// AssistantName returns the name the assistant answers to.
func (c *Coordinator) AssistantName() string {
	return c.assistantName()
}

// Enqueue accepts an inbound message from a channel.
func (c *Coordinator) Enqueue(msg types.InboundMessage) error {
	return c.post(func() { c.handleInbound(msg) })
}

// EnqueueScheduled queues a scheduler prompt for group. It bypasses the
// trigger check but not the queue.
func (c *Coordinator) EnqueueScheduled(group types.GroupID, prompt string) {
	err := c.post(func() {
		msg := types.StoredMessage{
			InboundMessage: types.InboundMessage{
				ID:        c.opts.NewID(),
				GroupID:   group,
				Sender:    SchedulerSender,
				Content:   prompt,
				Timestamp: c.opts.Now(),
				Channel:   SchedulerSender,
			},
			IsTrigger: true,
		}
		if err := c.deps.Store.SaveMessage(msg); err != nil {
			logging.Get(logging.CategoryCoordinator).Error("Failed to persist scheduled prompt for %s: %v", group, err)
		}
		c.queue = append(c.queue, queued{group: group, text: prompt})
		logging.Coordinator("Scheduled prompt queued for %s (queue=%d)", group, len(c.queue))
		c.drainQueue()
	})
	if err != nil {
		logging.Get(logging.CategoryCoordinator).Warn("Scheduled prompt for %s dropped: %v", group, err)
	}
}

// CompactContext replaces the group's history with a model summary.
func (c *Coordinator) CompactContext(group types.GroupID) error {
	return c.call(func() error { return c.compact(group) })
}

// NewSession clears the group's stored history. Tasks are untouched.
func (c *Coordinator) NewSession(group types.GroupID) error {
	return c.call(func() error { return c.newSession(group) })
}

// Cancel aborts the group's in-flight request.
func (c *Coordinator) Cancel(group types.GroupID) error {
	return c.call(func() error { return c.cancel(group) })
}

// Status returns a snapshot taken on the loop goroutine.
func (c *Coordinator) Status() (Status, error) {
	var st Status
	err := c.call(func() error {
		st = c.status()
		return nil
	})
	return st, err
}

func (c *Coordinator) status() Status {
	s := c.backendSettings()
	return Status{
		State:       c.State(),
		Active:      c.active,
		QueueLength: len(c.queue),
		Provider:    s.Provider,
		Model:       s.Model,
		Configured:  s.Configured(),
	}
}

// =============================================================================
// INBOUND
// =============================================================================

func (c *Coordinator) handleInbound(msg types.InboundMessage) {
	if msg.ID == "" {
		msg.ID = c.opts.NewID()
	}
	// The log is ordered by arrival here, not by the transport's clock.
	msg.Timestamp = c.opts.Now()

	if c.handleCommand(msg) {
		return
	}

	triggered := c.isTrigger(msg)
	stored := types.StoredMessage{InboundMessage: msg, IsTrigger: triggered}
	if err := c.deps.Store.SaveMessage(stored); err != nil {
		logging.Get(logging.CategoryCoordinator).Error("Failed to persist message %s: %v", msg.ID, err)
	}
	if !triggered {
		logging.CoordinatorDebug("Message %s in %s stored without trigger", msg.ID, msg.GroupID)
		return
	}

	c.queue = append(c.queue, queued{group: msg.GroupID, text: msg.Content})
	logging.CoordinatorDebug("Queued %s from %s (queue=%d)", msg.ID, msg.GroupID, len(c.queue))
	c.drainQueue()
}

func (c *Coordinator) isTrigger(msg types.InboundMessage) bool {
	if msg.GroupID == types.MainGroup {
		return true
	}
	name := c.assistantName()
	if c.triggerRe == nil || c.triggerName != name {
		c.triggerName = name
		c.triggerRe = TriggerPattern(name)
	}
	return c.triggerRe.MatchString(msg.Content)
}

// =============================================================================
// QUEUE
// =============================================================================

func (c *Coordinator) drainQueue() {
	for !c.processing && len(c.queue) > 0 {
		head := c.queue[0]
		c.queue = c.queue[1:]

		settings := c.backendSettings()
		if !settings.Configured() {
			c.rejectUnconfigured(head.group)
			continue
		}

		c.processing = true
		if err := c.safeInvoke(head, settings); err != nil {
			logging.Get(logging.CategoryCoordinator).Error("Invoke for %s failed: %v", head.group, err)
			c.finish(head.group, "Error: "+err.Error())
		}
	}
}

// safeInvoke converts a panic in invoke into an error so processing is
// always released.
func (c *Coordinator) safeInvoke(head queued, settings llm.Settings) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("internal error: %v", r)
		}
	}()
	return c.invoke(head.group, settings)
}

func (c *Coordinator) invoke(group types.GroupID, settings llm.Settings) error {
	c.active = group
	c.kind = activityInvoke
	c.setState(types.StateThinking, group)
	if err := c.deps.Router.SetTyping(c.ctx, group, true); err != nil {
		logging.CoordinatorDebug("Typing on for %s failed: %v", group, err)
	}

	window, err := c.buildWindow(group)
	if err != nil {
		return err
	}

	env := worker.Invoke{
		GroupID:  group,
		Messages: window,
		System:   c.systemPrompt(group),
		Settings: settings,
	}
	if err := c.dispatch(env); err != nil {
		return err
	}
	logging.Coordinator("Invoked %s with %d messages", group, len(window))
	return nil
}

func (c *Coordinator) dispatch(env worker.Inbound) error {
	select {
	case c.deps.Worker.Inbox() <- env:
		return nil
	default:
		return fmt.Errorf("worker inbox full")
	}
}

func (c *Coordinator) buildWindow(group types.GroupID) ([]types.ConversationMessage, error) {
	history, err := c.deps.Store.LoadRecentMessages(group, c.opts.ContextWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return BuildConversationMessages(history), nil
}

func (c *Coordinator) systemPrompt(group types.GroupID) string {
	memory := ""
	if c.deps.Memory != nil {
		m, err := c.deps.Memory.LoadMemory(group)
		if err == nil {
			memory = m
		} else {
			logging.CoordinatorDebug("No memory for %s: %v", group, err)
		}
	}
	catalogue := ""
	if c.deps.Tools != nil {
		catalogue = c.deps.Tools.Catalogue()
	}
	return BuildSystemPrompt(c.assistantName(), group, catalogue, memory)
}

func (c *Coordinator) rejectUnconfigured(group types.GroupID) {
	msg := fmt.Sprintf("%v: set %s with `agent config set %s <key>` or an API key environment variable",
		llm.ErrNotConfigured, config.KeyAPIKey, config.KeyAPIKey)
	logging.Get(logging.CategoryCoordinator).Warn("Dropping message for %s: backend not configured", group)
	c.notify(group, "Error: "+msg)
}

// notify sends a transient message that is not persisted.
func (c *Coordinator) notify(group types.GroupID, text string) {
	if err := c.deps.Router.Send(c.ctx, group, text); err != nil {
		logging.Get(logging.CategoryCoordinator).Warn("Notice to %s failed: %v", group, err)
	}
	c.obs.publish(Notice{GroupID: group, Message: text})
}

// =============================================================================
// WORKER ENVELOPES
// =============================================================================

func (c *Coordinator) handleWorkerMessage(env worker.Outbound) {
	switch e := env.(type) {
	case worker.Response:
		if !c.owns(e.GroupID, activityInvoke) {
			return
		}
		c.finish(e.GroupID, e.Text)
		c.drainQueue()
	case worker.Error:
		if !c.owns(e.GroupID, c.kind) {
			return
		}
		if c.kind == activityCompact {
			c.notify(e.GroupID, "Error: compaction failed: "+e.Message)
			c.release()
		} else {
			c.finish(e.GroupID, "Error: "+e.Message)
		}
		c.drainQueue()
	case worker.CompactDone:
		if !c.owns(e.GroupID, activityCompact) {
			return
		}
		c.completeCompaction(e)
		c.drainQueue()
	case worker.Typing:
		if err := c.deps.Router.SetTyping(c.ctx, e.GroupID, true); err != nil {
			logging.CoordinatorDebug("Typing for %s failed: %v", e.GroupID, err)
		}
	case worker.TaskCreated:
		if err := c.deps.Store.SaveTask(e.Task); err != nil {
			logging.Get(logging.CategoryCoordinator).Error("Failed to persist task %s: %v", e.Task.ID, err)
			return
		}
		logging.Coordinator("Task %s created for %s (%s)", e.Task.ID, e.Task.GroupID, e.Task.Schedule)
		c.obs.publish(TaskCreated{Task: e.Task})
	case worker.ToolActivity:
		c.obs.publish(ToolActivity{GroupID: e.GroupID, Tool: e.Tool, Status: string(e.Status), Failed: e.Failed})
	case worker.ThinkingLog:
		c.obs.publish(ThinkingLog{Entry: e.Entry})
	case worker.TokenUsageReport:
		c.obs.publish(TokenUsage{Usage: e.Usage})
	default:
		logging.Get(logging.CategoryCoordinator).Warn("Unknown worker envelope %T", env)
	}
}

// owns reports whether a terminal envelope belongs to the active request.
func (c *Coordinator) owns(group types.GroupID, kind activity) bool {
	if c.processing && c.active == group && c.kind == kind && kind != activityNone {
		return true
	}
	logging.CoordinatorDebug("Ignoring stale envelope for %s", group)
	return false
}

// finish delivers and persists a reply, then returns to idle.
func (c *Coordinator) finish(group types.GroupID, text string) {
	c.setState(types.StateResponding, group)

	if strings.TrimSpace(text) != "" {
		if err := c.deps.Router.Send(c.ctx, group, text); err != nil {
			logging.Get(logging.CategoryCoordinator).Error("Delivery to %s failed: %v", group, err)
		}
		reply := types.StoredMessage{
			InboundMessage: types.InboundMessage{
				ID:        c.opts.NewID(),
				GroupID:   group,
				Sender:    c.assistantName(),
				Content:   text,
				Timestamp: c.opts.Now(),
				Channel:   "assistant",
			},
			IsFromMe: true,
		}
		if err := c.deps.Store.SaveMessage(reply); err != nil {
			logging.Get(logging.CategoryCoordinator).Error("Failed to persist reply for %s: %v", group, err)
		}
		c.obs.publish(MessageDelivered{GroupID: group, Text: text})
	}

	c.release()
}

func (c *Coordinator) release() {
	group := c.active
	if group != "" {
		if err := c.deps.Router.SetTyping(c.ctx, group, false); err != nil {
			logging.CoordinatorDebug("Typing off for %s failed: %v", group, err)
		}
	}
	c.processing = false
	c.active = ""
	c.kind = activityNone
	c.setState(types.StateIdle, group)
}

func (c *Coordinator) setState(s types.OrchestratorState, group types.GroupID) {
	if c.State() == s {
		return
	}
	c.state.Store(s)
	logging.CoordinatorDebug("State -> %s (%s)", s, group)
	c.obs.publish(StateChanged{State: s, GroupID: group})
}

// =============================================================================
// COMPACTION, SESSIONS, CANCELLATION
// =============================================================================

func (c *Coordinator) compact(group types.GroupID) error {
	settings := c.backendSettings()
	if !settings.Configured() {
		return llm.ErrNotConfigured
	}
	if c.processing || c.State() != types.StateIdle {
		return ErrBusy
	}

	window, err := c.buildWindow(group)
	if err != nil {
		return err
	}
	if len(window) == 0 {
		return fmt.Errorf("nothing to compact in %s", group)
	}

	c.processing = true
	env := worker.Compact{
		GroupID:  group,
		Messages: window,
		System:   c.systemPrompt(group),
		Settings: settings,
	}
	if err := c.dispatch(env); err != nil {
		c.processing = false
		return err
	}
	c.active = group
	c.kind = activityCompact
	c.setState(types.StateThinking, group)
	logging.Coordinator("Compacting %s (%d messages)", group, len(window))
	return nil
}

func (c *Coordinator) completeCompaction(e worker.CompactDone) {
	summary := types.StoredMessage{
		InboundMessage: types.InboundMessage{
			ID:        c.opts.NewID(),
			GroupID:   e.GroupID,
			Sender:    SystemSender,
			Content:   SummaryPrefix + e.Summary,
			Timestamp: c.opts.Now(),
			Channel:   SystemSender,
		},
	}
	if err := c.deps.Store.ReplaceGroupMessages(e.GroupID, []types.StoredMessage{summary}); err != nil {
		logging.Get(logging.CategoryCoordinator).Error("Failed to store summary for %s: %v", e.GroupID, err)
		c.notify(e.GroupID, "Error: "+err.Error())
		c.release()
		return
	}
	logging.Coordinator("Compacted %s", e.GroupID)
	c.obs.publish(Compacted{GroupID: e.GroupID, Summary: e.Summary})
	c.release()
	c.notify(e.GroupID, "Conversation compacted.")
}

func (c *Coordinator) newSession(group types.GroupID) error {
	if c.processing && c.active == group {
		return ErrBusy
	}
	if err := c.deps.Store.ClearGroupMessages(group); err != nil {
		return err
	}
	logging.Coordinator("New session for %s", group)
	return nil
}

func (c *Coordinator) cancel(group types.GroupID) error {
	if !c.processing || c.active != group {
		return ErrNothingInFlight
	}
	if err := c.dispatch(worker.Cancel{GroupID: group}); err != nil {
		return err
	}
	logging.Coordinator("Cancel requested for %s", group)
	return nil
}

// =============================================================================
// SETTINGS
// =============================================================================

func (c *Coordinator) configValue(key string) string {
	v, err := c.deps.Store.GetConfig(key)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(v)
}

func (c *Coordinator) assistantName() string {
	if name := c.configValue(config.KeyAssistantName); name != "" {
		return name
	}
	return c.opts.AssistantName
}

// backendSettings reads the keyed config store, falling back to defaults.
func (c *Coordinator) backendSettings() llm.Settings {
	s := c.opts.Defaults
	if v := c.configValue(config.KeyProvider); v != "" {
		s.Provider = llm.Provider(v)
	}
	if v := c.configValue(config.KeyAPIKey); v != "" {
		s.APIKey = v
	}
	if v := c.configValue(config.KeyBaseURL); v != "" {
		s.BaseURL = v
	}
	if v := c.configValue(config.KeyModel); v != "" {
		s.Model = v
	}
	if v := c.configValue(config.KeyMaxTokens); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.MaxTokens = n
		}
	}
	return s
}
