package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/in-the-loop-labs/reviewagent/internal/framer"
)

// JSONLBridge drives an agent that speaks a flat command/event protocol:
// prompt/abort commands in, message_start/message_update/message_end and
// tool_execution_* events out, with agent_end as the authoritative turn
// terminator. UI dialog requests the agent may emit mid-turn are
// auto-rejected since nothing downstream can answer them interactively.
type JSONLBridge struct {
	opts Options
	proc *process

	subs subscribers

	mu           sync.Mutex
	ready        bool
	busy         bool
	closed       bool
	firstMessage bool
	sessionPath  string
	accumulator  strings.Builder
	activeTools  map[string]string
}

// NewJSONL creates a Command-JSONL bridge from opts.
func NewJSONL(opts Options) *JSONLBridge {
	return &JSONLBridge{
		opts:         opts,
		firstMessage: opts.ResumeHandle == "",
		sessionPath:  opts.ResumeHandle,
		activeTools:  make(map[string]string),
	}
}

func (b *JSONLBridge) Subscribe(sub Subscriber) func() { return b.subs.add(sub) }

func (b *JSONLBridge) IsReady() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

func (b *JSONLBridge) IsBusy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.busy
}

// Start spawns the child and marks the bridge ready immediately; this
// protocol has no handshake step.
func (b *JSONLBridge) Start(ctx context.Context) error {
	proc, err := spawn(ctx, b.opts)
	if err != nil {
		return err
	}
	b.proc = proc

	fr := framer.NewSize(proc.stdout, b.opts.MaxLineBytes)

	b.mu.Lock()
	b.ready = true
	b.mu.Unlock()

	go b.readLoop(fr)
	go b.watchExit()

	if b.sessionPath != "" {
		b.subs.emit(Event{Kind: EventSession, AgentHandle: b.sessionPath})
	}
	b.subs.emit(Event{Kind: EventReady})
	return nil
}

func (b *JSONLBridge) watchExit() {
	err := b.proc.wait()
	if b.proc.isClosing() {
		return
	}
	b.mu.Lock()
	wasBusy := b.busy
	b.busy = false
	b.mu.Unlock()
	if wasBusy || err != nil {
		msg := "agent process ended unexpectedly"
		if err != nil {
			msg = fmt.Sprintf("%s: %v", msg, err)
		}
		b.subs.emit(Event{Kind: EventError, Err: errors.New(msg)})
	}
	b.closeOnce()
}

func (b *JSONLBridge) readLoop(fr *framer.Framer) {
	for {
		line, err := fr.ReadLine()
		if err != nil {
			return
		}
		b.handleLine(line)
	}
}

type assistantMessageEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta,omitempty"`
	Error string `json:"error,omitempty"`
}

type jsonlEvent struct {
	Type                  string                 `json:"type"`
	ID                    string                 `json:"id,omitempty"`
	ToolName              string                 `json:"tool_name,omitempty"`
	SessionPath           string                 `json:"session_path,omitempty"`
	Reason                string                 `json:"reason,omitempty"`
	AssistantMessageEvent *assistantMessageEvent `json:"assistantMessageEvent,omitempty"`
	Raw                   json.RawMessage        `json:"-"`
}

func (b *JSONLBridge) handleLine(line string) {
	var evt jsonlEvent
	if err := json.Unmarshal([]byte(line), &evt); err != nil {
		slog.Debug("bridge/jsonl: unparseable line", "line", line)
		return
	}

	switch evt.Type {
	case "message_start":
		b.subs.emit(Event{Kind: EventStatus})

	case "message_update":
		b.handleMessageUpdate(evt.AssistantMessageEvent)

	case "message_end":
		// The turn is not over yet: agent_end is the authoritative
		// terminator, since a single turn may contain several messages
		// interleaved with tool calls.

	case "tool_execution_start":
		b.mu.Lock()
		b.activeTools[evt.ID] = evt.ToolName
		b.mu.Unlock()
		b.subs.emit(Event{Kind: EventTool, ToolID: evt.ID, ToolName: evt.ToolName, ToolStatus: ToolStart})

	case "tool_execution_update":
		b.mu.Lock()
		name := b.activeTools[evt.ID]
		b.mu.Unlock()
		b.subs.emit(Event{Kind: EventTool, ToolID: evt.ID, ToolName: name, ToolStatus: ToolUpdate})

	case "tool_execution_end":
		b.mu.Lock()
		name, ok := b.activeTools[evt.ID]
		if ok {
			delete(b.activeTools, evt.ID)
		}
		b.mu.Unlock()
		b.subs.emit(Event{Kind: EventTool, ToolID: evt.ID, ToolName: name, ToolStatus: ToolEnd})

	case "agent_end":
		b.finishTurn(evt)

	case "session_started":
		b.mu.Lock()
		first := b.sessionPath == ""
		if first {
			b.sessionPath = evt.SessionPath
		}
		b.mu.Unlock()
		if first && evt.SessionPath != "" {
			b.subs.emit(Event{Kind: EventSession, AgentHandle: evt.SessionPath})
		}

	default:
		if strings.HasSuffix(evt.Type, "_request") {
			b.autoRejectDialog(evt)
			return
		}
		slog.Debug("bridge/jsonl: unrecognized event", "type", evt.Type)
	}
}

// handleMessageUpdate dispatches on assistantMessageEvent.type: text_delta
// appends and emits the delta text; text_start emits a paragraph separator
// only when the accumulator already holds text, since this protocol frames
// consecutive text blocks without natural separators; error emits an error
// event without touching the accumulator.
func (b *JSONLBridge) handleMessageUpdate(ame *assistantMessageEvent) {
	if ame == nil {
		return
	}

	switch ame.Type {
	case "text_delta":
		b.mu.Lock()
		b.accumulator.WriteString(ame.Delta)
		b.mu.Unlock()
		b.subs.emit(Event{Kind: EventDelta, Text: ame.Delta})

	case "text_start":
		b.mu.Lock()
		empty := b.accumulator.Len() == 0
		if !empty {
			b.accumulator.WriteString("\n\n")
		}
		b.mu.Unlock()
		if !empty {
			b.subs.emit(Event{Kind: EventDelta, Text: "\n\n"})
		}

	case "error":
		b.subs.emit(Event{Kind: EventError, Err: errors.New(ame.Error)})

	default:
		slog.Debug("bridge/jsonl: unrecognized assistantMessageEvent type", "type", ame.Type)
	}
}

func (b *JSONLBridge) finishTurn(evt jsonlEvent) {
	b.mu.Lock()
	full := b.accumulator.String()
	b.accumulator.Reset()
	b.activeTools = make(map[string]string)
	b.busy = false
	b.mu.Unlock()

	if evt.Reason != "" && evt.Reason != "completed" && evt.Reason != "success" {
		b.subs.emit(Event{Kind: EventError, Err: fmt.Errorf("agent turn ended: %s", evt.Reason)})
		return
	}
	b.subs.emit(Event{Kind: EventComplete, Text: full})
}

type jsonlDialogResponse struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Cancelled bool   `json:"cancelled"`
}

// autoRejectDialog answers any UI-confirmation-style request the agent
// emits mid-turn with a cancelled response; nothing downstream of this
// bridge can answer these interactively.
func (b *JSONLBridge) autoRejectDialog(evt jsonlEvent) {
	resp := jsonlDialogResponse{
		Type:      strings.TrimSuffix(evt.Type, "_request") + "_response",
		ID:        evt.ID,
		Cancelled: true,
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	data = append(data, '\n')
	_ = b.proc.write(data)
}

type jsonlPromptCommand struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	SessionPath string `json:"session_path,omitempty"`
}

// Send writes a prompt command to the child's stdin as a single JSON
// line.
func (b *JSONLBridge) Send(text string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if !b.ready {
		b.mu.Unlock()
		return ErrNotReady
	}
	if b.busy {
		b.mu.Unlock()
		return ErrBusy
	}

	if b.firstMessage && b.opts.SystemPrompt != "" {
		text = b.opts.SystemPrompt + "\n\n" + text
	}
	b.firstMessage = false

	b.busy = true
	b.accumulator.Reset()
	sessionPath := b.sessionPath
	b.mu.Unlock()

	cmd := jsonlPromptCommand{Type: "prompt", Text: text, SessionPath: sessionPath}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("bridge/jsonl: marshal prompt: %w", err)
	}
	data = append(data, '\n')

	if err := b.proc.write(data); err != nil {
		b.mu.Lock()
		b.busy = false
		b.mu.Unlock()
		return fmt.Errorf("bridge/jsonl: write stdin: %w", err)
	}
	return nil
}

// Abort sends an abort command; best-effort.
func (b *JSONLBridge) Abort() {
	if !b.IsReady() {
		return
	}
	data, err := json.Marshal(map[string]string{"type": "abort"})
	if err != nil {
		return
	}
	data = append(data, '\n')
	_ = b.proc.write(data)
}

// Close terminates the child and drains the event bus; idempotent.
func (b *JSONLBridge) Close() {
	b.closeOnce()
}

func (b *JSONLBridge) closeOnce() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	if b.proc != nil {
		b.proc.close()
	}
	b.subs.emit(Event{Kind: EventClose})
}
