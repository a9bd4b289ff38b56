package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/in-the-loop-labs/reviewagent/internal/framer"
)

// NDJSONBridge drives an agent that emits one JSON object per line
// describing a streaming event, with explicit message-level turn
// boundaries (a terminal "result" record).
type NDJSONBridge struct {
	opts Options
	proc *process

	subs subscribers

	mu           sync.Mutex
	ready        bool
	busy         bool
	closed       bool
	firstMessage bool
	sessionID    string
	accumulator  strings.Builder
	activeTools  map[string]string
}

// NewNDJSON creates a Streaming-NDJSON bridge from opts.
func NewNDJSON(opts Options) *NDJSONBridge {
	return &NDJSONBridge{
		opts:         opts,
		firstMessage: opts.ResumeHandle == "",
		activeTools:  make(map[string]string),
		sessionID:    opts.ResumeHandle,
	}
}

func (b *NDJSONBridge) Subscribe(sub Subscriber) func() { return b.subs.add(sub) }

func (b *NDJSONBridge) IsReady() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

func (b *NDJSONBridge) IsBusy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.busy
}

// Start spawns the child and marks the bridge ready immediately; the
// first "init" record arrives with the first response, not before.
func (b *NDJSONBridge) Start(ctx context.Context) error {
	proc, err := spawn(ctx, b.opts)
	if err != nil {
		return err
	}
	b.proc = proc

	maxLine := b.opts.MaxLineBytes
	fr := framer.NewSize(proc.stdout, maxLine)

	b.mu.Lock()
	b.ready = true
	b.mu.Unlock()

	go b.readLoop(fr)
	go b.watchExit()

	b.subs.emit(Event{Kind: EventReady})
	return nil
}

func (b *NDJSONBridge) watchExit() {
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

func (b *NDJSONBridge) readLoop(fr *framer.Framer) {
	for {
		line, err := fr.ReadLine()
		if err != nil {
			return
		}
		b.handleLine(line)
	}
}

type ndjsonLine struct {
	Type      string            `json:"type"`
	Subtype   string            `json:"subtype,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Event     *ndjsonStreamEvt  `json:"event,omitempty"`
	ToolUseID string            `json:"tool_use_id,omitempty"`
	ToolName  string            `json:"tool_name,omitempty"`
	Content   []ndjsonContent   `json:"content,omitempty"`
	Errors    []string          `json:"errors,omitempty"`
}

type ndjsonStreamEvt struct {
	Type         string             `json:"type"`
	Delta        *ndjsonDelta       `json:"delta,omitempty"`
	ContentBlock *ndjsonContentBlk  `json:"content_block,omitempty"`
}

type ndjsonDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ndjsonContentBlk struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name"`
}

type ndjsonContent struct {
	Type      string `json:"type"`
	ToolUseID string `json:"tool_use_id"`
}

func (b *NDJSONBridge) handleLine(line string) {
	var msg ndjsonLine
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return // protocol violation: unparseable line, drop it
	}

	switch msg.Type {
	case "system":
		if msg.Subtype == "init" {
			b.mu.Lock()
			first := b.sessionID == ""
			if first {
				b.sessionID = msg.SessionID
			}
			b.mu.Unlock()
			if first && msg.SessionID != "" {
				b.subs.emit(Event{Kind: EventSession, AgentHandle: msg.SessionID})
			}
		}

	case "assistant":
		b.subs.emit(Event{Kind: EventStatus})

	case "stream_event":
		b.handleStreamEvent(msg.Event)

	case "tool_progress":
		b.subs.emit(Event{Kind: EventTool, ToolID: msg.ToolUseID, ToolName: msg.ToolName, ToolStatus: ToolUpdate})

	case "user":
		for _, c := range msg.Content {
			if c.Type != "tool_result" {
				continue
			}
			b.mu.Lock()
			name, ok := b.activeTools[c.ToolUseID]
			if ok {
				delete(b.activeTools, c.ToolUseID)
			}
			b.mu.Unlock()
			b.subs.emit(Event{Kind: EventTool, ToolID: c.ToolUseID, ToolName: name, ToolStatus: ToolEnd})
		}

	case "result":
		b.finishTurn(msg)

	case "keep_alive":
		// ignore

	default:
		// unrecognized type: debug-log and ignore
		slog.Debug("bridge/ndjson: unrecognized line type", "type", msg.Type)
	}
}

func (b *NDJSONBridge) handleStreamEvent(evt *ndjsonStreamEvt) {
	if evt == nil {
		return
	}
	switch evt.Type {
	case "content_block_delta":
		if evt.Delta != nil && evt.Delta.Type == "text_delta" {
			b.mu.Lock()
			b.accumulator.WriteString(evt.Delta.Text)
			b.mu.Unlock()
			b.subs.emit(Event{Kind: EventDelta, Text: evt.Delta.Text})
		}
	case "content_block_start":
		if evt.ContentBlock != nil && evt.ContentBlock.Type == "tool_use" {
			b.mu.Lock()
			b.activeTools[evt.ContentBlock.ID] = evt.ContentBlock.Name
			b.mu.Unlock()
			b.subs.emit(Event{Kind: EventTool, ToolID: evt.ContentBlock.ID, ToolName: evt.ContentBlock.Name, ToolStatus: ToolStart})
		}
	}
}

func (b *NDJSONBridge) finishTurn(msg ndjsonLine) {
	b.mu.Lock()
	full := b.accumulator.String()
	b.accumulator.Reset()
	b.activeTools = make(map[string]string)
	b.busy = false
	b.mu.Unlock()

	if msg.Subtype == "success" {
		b.subs.emit(Event{Kind: EventComplete, Text: full})
		return
	}

	errText := msg.Subtype
	if len(msg.Errors) > 0 {
		errText = strings.Join(msg.Errors, "; ")
	}
	b.subs.emit(Event{Kind: EventError, Err: fmt.Errorf("agent turn failed: %s", errText)})
}

type ndjsonSendFrame struct {
	Type             string            `json:"type"`
	Message          ndjsonSendMessage `json:"message"`
	SessionID        string            `json:"session_id"`
	ParentToolUseID  *string           `json:"parent_tool_use_id"`
}

type ndjsonSendMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Send writes one turn's composed text to the child's stdin as a single
// JSON line.
func (b *NDJSONBridge) Send(text string) error {
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
	sessionID := b.sessionID
	b.mu.Unlock()

	frame := ndjsonSendFrame{
		Type:      "user",
		Message:   ndjsonSendMessage{Role: "user", Content: text},
		SessionID: sessionID,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("bridge/ndjson: marshal send frame: %w", err)
	}
	data = append(data, '\n')

	if err := b.proc.write(data); err != nil {
		b.mu.Lock()
		b.busy = false
		b.mu.Unlock()
		return fmt.Errorf("bridge/ndjson: write stdin: %w", err)
	}
	return nil
}

type ndjsonAbortFrame struct {
	Type      string            `json:"type"`
	Request   ndjsonAbortInner  `json:"request"`
	RequestID string            `json:"request_id"`
}

type ndjsonAbortInner struct {
	Subtype string `json:"subtype"`
}

// Abort sends a control_request/interrupt frame; best-effort.
func (b *NDJSONBridge) Abort() {
	if !b.IsReady() {
		return
	}
	frame := ndjsonAbortFrame{
		Type:      "control_request",
		Request:   ndjsonAbortInner{Subtype: "interrupt"},
		RequestID: uuid.NewString(),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	data = append(data, '\n')
	_ = b.proc.write(data)
}

// Close terminates the child and drains the event bus; idempotent.
func (b *NDJSONBridge) Close() {
	b.closeOnce()
}

func (b *NDJSONBridge) closeOnce() {
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

