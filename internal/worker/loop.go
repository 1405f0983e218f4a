package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"nanoagent/internal/llm"
	"nanoagent/internal/logging"
	"nanoagent/internal/tools"
	"nanoagent/internal/types"
)

// ExhaustedResponse is the reply when the iteration budget runs out.
const ExhaustedResponse = "I reached the maximum number of tool iterations for this request and stopped. " +
	"Let me know if you want me to continue."

// CompactInstruction is appended to the transcript for a Compact.
const CompactInstruction = "Summarize the conversation so far in a concise form that preserves " +
	"facts, decisions, open tasks and user preferences. Reply with the summary only."

var internalPattern = regexp.MustCompile(`(?s)<internal>.*?</internal>`)

// StripInternal removes <internal>...</internal> reasoning from model text.
func StripInternal(text string) string {
	return strings.TrimSpace(internalPattern.ReplaceAllString(text, ""))
}

const logDetailChars = 500

func (w *Worker) handleInvoke(base, ctx context.Context, inv Invoke) {
	defer recoverInto(base, w, inv.GroupID)

	timer := logging.StartTimer(logging.CategoryWorker, "invoke "+string(inv.GroupID))
	defer timer.Stop()

	client, err := w.newClient(inv.Settings)
	if err != nil {
		w.emit(base, Error{GroupID: inv.GroupID, Message: err.Error()})
		return
	}

	text, err := w.toolLoop(base, ctx, client, inv)
	if err != nil {
		msg := failure(base, ctx, err)
		logging.Worker("Invoke for %s failed: %s", inv.GroupID, msg)
		w.emit(base, Error{GroupID: inv.GroupID, Message: msg})
		return
	}
	w.emit(base, Response{GroupID: inv.GroupID, Text: text})
}

func (w *Worker) toolLoop(base, ctx context.Context, client llm.Client, inv Invoke) (string, error) {
	msgs := append([]types.ConversationMessage(nil), inv.Messages...)
	defs := w.tools.Definitions()
	limit := llm.ContextLimit(client.Model())

	invocation := tools.Invocation{
		Group: inv.GroupID,
		OnTaskCreated: func(t types.Task) {
			w.emit(base, TaskCreated{Task: t})
		},
	}
	toolCtx := tools.WithInvocation(ctx, invocation)

	for i := 1; i <= w.maxIterations; i++ {
		w.logEntry(base, inv.GroupID, types.LogAPICall, fmt.Sprintf("API call #%d", i), client.Model())

		resp, err := client.Complete(ctx, llm.Request{
			System:    inv.System,
			Messages:  msgs,
			Tools:     defs,
			MaxTokens: inv.Settings.MaxTokens,
		})
		if err != nil {
			if ctx.Err() != nil {
				return "", ErrCancelled
			}
			return "", err
		}
		w.reportUsage(base, inv.GroupID, resp.Usage, limit)

		if strings.TrimSpace(resp.Text) != "" {
			w.logEntry(base, inv.GroupID, types.LogText, "Response text", clip(resp.Text, logDetailChars))
		}

		if len(resp.ToolCalls) == 0 {
			logging.WorkerDebug("Invoke for %s finished after %d round trips", inv.GroupID, i)
			return StripInternal(resp.Text), nil
		}

		msgs = append(msgs, types.ConversationMessage{Role: types.RoleAssistant, Content: assistantTurn(resp)})

		results := make([]types.ContentBlock, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			w.emit(base, ToolActivity{GroupID: inv.GroupID, Tool: call.Name, Status: ToolRunning})
			w.logEntry(base, inv.GroupID, types.LogToolCall, call.Name, clip(encodeInput(call.Input), logDetailChars))

			out, failed := w.tools.Run(toolCtx, call)
			if ctx.Err() != nil {
				return "", ErrCancelled
			}
			out = tools.Truncate(out, w.maxResultChars)

			w.emit(base, ToolActivity{GroupID: inv.GroupID, Tool: call.Name, Status: ToolDone, Failed: failed})
			w.logEntry(base, inv.GroupID, types.LogToolResult, call.Name, clip(out, logDetailChars))

			results = append(results, types.ContentBlock{
				Type:      types.BlockToolResult,
				ToolUseID: call.ID,
				Content:   out,
				IsError:   failed,
			})
		}
		msgs = append(msgs, types.ConversationMessage{Role: types.RoleUser, Content: results})
		w.emit(base, Typing{GroupID: inv.GroupID})
	}

	logging.Get(logging.CategoryWorker).Warn("Invoke for %s hit the %d iteration limit", inv.GroupID, w.maxIterations)
	w.logEntry(base, inv.GroupID, types.LogInfo, "Iteration limit reached", fmt.Sprintf("%d round trips", w.maxIterations))
	return ExhaustedResponse, nil
}

func (w *Worker) handleCompact(base, ctx context.Context, c Compact) {
	defer recoverInto(base, w, c.GroupID)

	client, err := w.newClient(c.Settings)
	if err != nil {
		w.emit(base, Error{GroupID: c.GroupID, Message: err.Error()})
		return
	}

	msgs := append([]types.ConversationMessage(nil), c.Messages...)
	msgs = append(msgs, types.TextMessage(types.RoleUser, CompactInstruction))

	maxTokens := c.Settings.MaxTokens
	if maxTokens <= 0 || maxTokens > CompactMaxTokens {
		maxTokens = CompactMaxTokens
	}

	w.logEntry(base, c.GroupID, types.LogAPICall, "Compaction", client.Model())
	resp, err := client.Complete(ctx, llm.Request{System: c.System, Messages: msgs, MaxTokens: maxTokens})
	if err != nil {
		msg := failure(base, ctx, err)
		logging.Worker("Compact for %s failed: %s", c.GroupID, msg)
		w.emit(base, Error{GroupID: c.GroupID, Message: msg})
		return
	}
	w.reportUsage(base, c.GroupID, resp.Usage, llm.ContextLimit(client.Model()))

	summary := StripInternal(resp.Text)
	if summary == "" {
		w.emit(base, Error{GroupID: c.GroupID, Message: "compaction returned an empty summary"})
		return
	}
	w.emit(base, CompactDone{GroupID: c.GroupID, Summary: summary})
}

func (w *Worker) reportUsage(ctx context.Context, group types.GroupID, u types.UsageMetadata, limit int) {
	w.emit(ctx, TokenUsageReport{Usage: types.TokenUsage{
		GroupID:             group,
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheReadTokens:     u.CacheReadTokens,
		CacheCreationTokens: u.CacheCreationTokens,
		ContextLimit:        limit,
	}})
}

// assistantTurn returns the blocks to append for a tool-requesting reply.
func assistantTurn(resp *llm.Response) []types.ContentBlock {
	if len(resp.Content) > 0 {
		return resp.Content
	}
	var blocks []types.ContentBlock
	if resp.Text != "" {
		blocks = append(blocks, types.ContentBlock{Type: types.BlockText, Text: resp.Text})
	}
	for _, c := range resp.ToolCalls {
		blocks = append(blocks, types.ContentBlock{Type: types.BlockToolUse, ID: c.ID, Name: c.Name, Input: c.Input})
	}
	return blocks
}

func encodeInput(input map[string]any) string {
	data, err := json.Marshal(input)
	if err != nil {
		return fmt.Sprintf("%v", input)
	}
	return string(data)
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
