package worker

import (
	"nanoagent/internal/llm"
	"nanoagent/internal/types"
)

// Inbound is an envelope sent to the worker. The set is closed.
type Inbound interface {
	inbound()
	Group() types.GroupID
}

// Outbound is an envelope emitted by the worker. The set is closed.
type Outbound interface {
	outbound()
	Group() types.GroupID
}

// Invoke runs the tool-use loop over Messages.
type Invoke struct {
	GroupID  types.GroupID
	Messages []types.ConversationMessage
	System   string
	Settings llm.Settings
}

// Compact asks for a single summary of Messages.
type Compact struct {
	GroupID  types.GroupID
	Messages []types.ConversationMessage
	System   string
	Settings llm.Settings
}

// Cancel aborts the group's in-flight request.
type Cancel struct {
	GroupID types.GroupID
}

func (Invoke) inbound()  {}
func (Compact) inbound() {}
func (Cancel) inbound()  {}

func (e Invoke) Group() types.GroupID  { return e.GroupID }
func (e Compact) Group() types.GroupID { return e.GroupID }
func (e Cancel) Group() types.GroupID  { return e.GroupID }

// Response is the final assistant text for an Invoke.
type Response struct {
	GroupID types.GroupID
	Text    string
}

// Error terminates an Invoke or Compact that failed.
type Error struct {
	GroupID types.GroupID
	Message string
}

// Typing signals that more output is coming.
type Typing struct {
	GroupID types.GroupID
}

// ToolStatus is the phase reported by ToolActivity.
type ToolStatus string

const (
	ToolRunning ToolStatus = "running"
	ToolDone    ToolStatus = "done"
)

// ToolActivity reports a tool starting or finishing.
type ToolActivity struct {
	GroupID types.GroupID
	Tool    string
	Status  ToolStatus
	Failed  bool
}

// ThinkingLog carries one observability entry.
type ThinkingLog struct {
	Entry types.ThinkingLogEntry
}

// CompactDone carries the summary produced by a Compact.
type CompactDone struct {
	GroupID types.GroupID
	Summary string
}

// TokenUsageReport is emitted after every backend round trip.
type TokenUsageReport struct {
	Usage types.TokenUsage
}

// TaskCreated carries a task created by the create_task tool.
type TaskCreated struct {
	Task types.Task
}

func (Response) outbound()         {}
func (Error) outbound()            {}
func (Typing) outbound()           {}
func (ToolActivity) outbound()     {}
func (ThinkingLog) outbound()      {}
func (CompactDone) outbound()      {}
func (TokenUsageReport) outbound() {}
func (TaskCreated) outbound()      {}

func (e Response) Group() types.GroupID         { return e.GroupID }
func (e Error) Group() types.GroupID            { return e.GroupID }
func (e Typing) Group() types.GroupID           { return e.GroupID }
func (e ToolActivity) Group() types.GroupID     { return e.GroupID }
func (e ThinkingLog) Group() types.GroupID      { return e.Entry.GroupID }
func (e CompactDone) Group() types.GroupID      { return e.GroupID }
func (e TokenUsageReport) Group() types.GroupID { return e.Usage.GroupID }
func (e TaskCreated) Group() types.GroupID      { return e.Task.GroupID }
