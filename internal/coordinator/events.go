package coordinator

import (
	"sync"

	"nanoagent/internal/logging"
	"nanoagent/internal/types"
)

// Event is published to observers. The set is closed.
type Event interface {
	event()
}

// StateChanged reports a coordinator state transition.
type StateChanged struct {
	State   types.OrchestratorState
	GroupID types.GroupID
}

// MessageDelivered reports an assistant reply handed to the router.
type MessageDelivered struct {
	GroupID types.GroupID
	Text    string
}

// ToolActivity reports a tool starting or finishing.
type ToolActivity struct {
	GroupID types.GroupID
	Tool    string
	Status  string
	Failed  bool
}

// ThinkingLog carries one worker log entry.
type ThinkingLog struct {
	Entry types.ThinkingLogEntry
}

// TokenUsage carries usage for one backend round trip.
type TokenUsage struct {
	Usage types.TokenUsage
}

// TaskCreated reports a task persisted on behalf of the model.
type TaskCreated struct {
	Task types.Task
}

// Compacted reports that a group's history was replaced by a summary.
type Compacted struct {
	GroupID types.GroupID
	Summary string
}

// Notice reports a condition the user should see, such as a missing
// backend configuration.
type Notice struct {
	GroupID types.GroupID
	Message string
}

func (StateChanged) event()     {}
func (MessageDelivered) event() {}
func (ToolActivity) event()     {}
func (ThinkingLog) event()      {}
func (TokenUsage) event()       {}
func (TaskCreated) event()      {}
func (Compacted) event()        {}
func (Notice) event()           {}

// observers is a registry of buffered subscriber channels. Publishing never
// blocks: a full subscriber misses the event.
type observers struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func newObservers() *observers {
	return &observers{subs: make(map[int]chan Event)}
}

func (o *observers) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.subs[id] = ch
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			if _, ok := o.subs[id]; ok {
				delete(o.subs, id)
				close(ch)
			}
		})
	}
}

func (o *observers) publish(ev Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, ch := range o.subs {
		select {
		case ch <- ev:
		default:
			logging.CoordinatorDebug("Observer %d full, dropped %T", id, ev)
		}
	}
}

func (o *observers) closeAll() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, ch := range o.subs {
		close(ch)
		delete(o.subs, id)
	}
}
