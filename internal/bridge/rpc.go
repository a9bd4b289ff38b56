package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/in-the-loop-labs/reviewagent/internal/framer"
)

// RPCBridge drives an agent that speaks JSON-RPC 2.0 over stdio, with
// explicit turn/completed notifications marking turn boundaries. Start
// performs a two-step handshake (initialize/initialized) followed by a
// thread creation or resume RPC.
type RPCBridge struct {
	opts Options
	proc *process
	subs subscribers

	nextReqID int64

	pendMu  sync.Mutex
	pending map[int64]chan rpcResponse

	mu           sync.Mutex
	ready        bool
	busy         bool
	closed       bool
	firstMessage bool
	threadID     string
	currentTurn  string
	accumulator  strings.Builder
}

// NewRPC creates a JSON-RPC bridge from opts.
func NewRPC(opts Options) *RPCBridge {
	return &RPCBridge{
		opts:         opts,
		firstMessage: opts.ResumeHandle == "",
		pending:      make(map[int64]chan rpcResponse),
	}
}

func (b *RPCBridge) Subscribe(sub Subscriber) func() { return b.subs.add(sub) }

func (b *RPCBridge) IsReady() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

func (b *RPCBridge) IsBusy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.busy
}

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	result json.RawMessage
	err    *rpcError
}

// Start spawns the child and runs the initialize/initialized handshake
// followed by thread/start or thread/resume.
func (b *RPCBridge) Start(ctx context.Context) error {
	proc, err := spawn(ctx, b.opts)
	if err != nil {
		return err
	}
	b.proc = proc

	fr := framer.NewSize(proc.stdout, b.opts.MaxLineBytes)
	go b.readLoop(fr)
	go b.watchExit()

	if _, err := b.call(ctx, "initialize", map[string]any{
		"clientInfo": map[string]any{"name": "reviewagent", "version": "1"},
	}); err != nil {
		b.closeOnce()
		return fmt.Errorf("bridge/rpc: initialize: %w", err)
	}

	if err := b.notify("initialized", nil); err != nil {
		b.closeOnce()
		return fmt.Errorf("bridge/rpc: initialized: %w", err)
	}

	var threadResult struct {
		ThreadID string `json:"threadId"`
	}
	if b.opts.ResumeHandle != "" {
		res, err := b.call(ctx, "thread/resume", map[string]any{"threadId": b.opts.ResumeHandle})
		if err != nil {
			b.closeOnce()
			return fmt.Errorf("bridge/rpc: thread/resume: %w", err)
		}
		if err := json.Unmarshal(res, &threadResult); err != nil {
			b.closeOnce()
			return fmt.Errorf("bridge/rpc: parse thread/resume result: %w", err)
		}
	} else {
		res, err := b.call(ctx, "thread/start", map[string]any{})
		if err != nil {
			b.closeOnce()
			return fmt.Errorf("bridge/rpc: thread/start: %w", err)
		}
		if err := json.Unmarshal(res, &threadResult); err != nil {
			b.closeOnce()
			return fmt.Errorf("bridge/rpc: parse thread/start result: %w", err)
		}
	}

	b.mu.Lock()
	b.threadID = threadResult.ThreadID
	b.ready = true
	b.mu.Unlock()

	b.subs.emit(Event{Kind: EventSession, AgentHandle: threadResult.ThreadID})
	b.subs.emit(Event{Kind: EventReady})
	return nil
}

func (b *RPCBridge) watchExit() {
	err := b.proc.wait()
	if b.proc.isClosing() {
		return
	}
	b.mu.Lock()
	wasBusy := b.busy
	b.busy = false
	b.mu.Unlock()
	b.rejectAllPending(errors.New("bridge/rpc: child exited"))
	if wasBusy || err != nil {
		msg := "agent process ended unexpectedly"
		if err != nil {
			msg = fmt.Sprintf("%s: %v", msg, err)
		}
		b.subs.emit(Event{Kind: EventError, Err: errors.New(msg)})
	}
	b.closeOnce()
}

func (b *RPCBridge) readLoop(fr *framer.Framer) {
	for {
		line, err := fr.ReadLine()
		if err != nil {
			return
		}
		b.handleLine(line)
	}
}

func (b *RPCBridge) handleLine(line string) {
	var env rpcEnvelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		slog.Debug("bridge/rpc: unparseable line", "line", line)
		return
	}

	switch {
	case env.ID != nil && env.Method == "":
		// Response to one of our requests.
		b.resolvePending(*env.ID, rpcResponse{result: env.Result, err: env.Error})

	case env.ID != nil && env.Method != "":
		// Server request: we must always respond.
		b.handleServerRequest(*env.ID, env.Method, env.Params)

	case env.Method != "":
		b.handleNotification(env.Method, env.Params)

	default:
		slog.Debug("bridge/rpc: unrecognized line", "line", line)
	}
}

func (b *RPCBridge) handleServerRequest(id int64, method string, params json.RawMessage) {
	switch method {
	case "approval/request":
		b.respond(id, map[string]any{"decision": "accept"}, nil)
	default:
		b.respond(id, nil, &rpcError{Code: -32601, Message: "method not found: " + method})
	}
}

type rpcDeltaParams struct {
	Text string `json:"text"`
}

type rpcTurnCompletedParams struct {
	Status string `json:"status"`
}

type rpcItemParams struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (b *RPCBridge) handleNotification(method string, params json.RawMessage) {
	switch method {
	case "turn/delta", "message/delta":
		var p rpcDeltaParams
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		b.mu.Lock()
		b.accumulator.WriteString(p.Text)
		b.mu.Unlock()
		b.subs.emit(Event{Kind: EventDelta, Text: p.Text})

	case "turn/started":
		b.subs.emit(Event{Kind: EventStatus})

	case "turn/completed":
		var p rpcTurnCompletedParams
		_ = json.Unmarshal(params, &p)
		b.finishTurn(p.Status)

	case "item/started":
		var p rpcItemParams
		_ = json.Unmarshal(params, &p)
		b.subs.emit(Event{Kind: EventTool, ToolID: p.ID, ToolName: p.Name, ToolStatus: ToolStart})

	case "item/completed":
		var p rpcItemParams
		_ = json.Unmarshal(params, &p)
		b.subs.emit(Event{Kind: EventTool, ToolID: p.ID, ToolName: p.Name, ToolStatus: ToolEnd})

	default:
		slog.Debug("bridge/rpc: unrecognized notification", "method", method)
	}
}

func (b *RPCBridge) finishTurn(status string) {
	b.mu.Lock()
	full := b.accumulator.String()
	b.accumulator.Reset()
	b.busy = false
	b.currentTurn = ""
	b.mu.Unlock()

	if status == "failed" {
		b.subs.emit(Event{Kind: EventError, Err: fmt.Errorf("turn failed")})
		return
	}
	b.subs.emit(Event{Kind: EventComplete, Text: full})
}

// Send issues a non-blocking turn/start request: it does not await the
// response to complete the turn. The returned turnId (once it arrives) is
// stored; turn/completed is what actually ends the turn.
func (b *RPCBridge) Send(text string) error {
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
	threadID := b.threadID
	b.mu.Unlock()

	id := atomic.AddInt64(&b.nextReqID, 1)
	env := rpcEnvelope{
		JSONRPC: "2.0",
		ID:      &id,
		Method:  "turn/start",
		Params:  mustMarshal(map[string]any{"threadId": threadID, "input": text, "approvalPolicy": "auto-edit"}),
	}
	ch := make(chan rpcResponse, 1)
	b.pendMu.Lock()
	b.pending[id] = ch
	b.pendMu.Unlock()

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bridge/rpc: marshal turn/start: %w", err)
	}
	data = append(data, '\n')
	if err := b.proc.write(data); err != nil {
		b.mu.Lock()
		b.busy = false
		b.mu.Unlock()
		return fmt.Errorf("bridge/rpc: write stdin: %w", err)
	}

	go func() {
		res := <-ch
		if res.err != nil {
			// An error on turn/start before turn/completed fires ends
			// the turn: busy is cleared and an error event is emitted.
			b.mu.Lock()
			b.busy = false
			b.mu.Unlock()
			b.subs.emit(Event{Kind: EventError, Err: fmt.Errorf("turn/start: %s", res.err.Message)})
			return
		}
		var result struct {
			TurnID string `json:"turnId"`
		}
		if err := json.Unmarshal(res.result, &result); err == nil {
			b.mu.Lock()
			b.currentTurn = result.TurnID
			b.mu.Unlock()
		}
	}()

	return nil
}

// Abort sends turn/interrupt if both threadId and turnId are known.
func (b *RPCBridge) Abort() {
	if !b.IsReady() {
		return
	}
	b.mu.Lock()
	threadID, turnID := b.threadID, b.currentTurn
	b.mu.Unlock()
	if threadID == "" || turnID == "" {
		return
	}
	_, _ = b.call(context.Background(), "turn/interrupt", map[string]any{"threadId": threadID, "turnId": turnID})
}

// Close attempts a best-effort interrupt notification, rejects all
// pending requests, then runs the common close sequence.
func (b *RPCBridge) Close() {
	b.mu.Lock()
	threadID, turnID := b.threadID, b.currentTurn
	b.mu.Unlock()
	if threadID != "" && turnID != "" && b.proc != nil && !b.proc.isClosing() {
		_ = b.notify("turn/interrupt", map[string]any{"threadId": threadID, "turnId": turnID})
	}
	b.closeOnce()
}

func (b *RPCBridge) closeOnce() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.rejectAllPending(ErrClosed)

	if b.proc != nil {
		b.proc.close()
	}
	b.subs.emit(Event{Kind: EventClose})
}

func (b *RPCBridge) rejectAllPending(err error) {
	b.pendMu.Lock()
	defer b.pendMu.Unlock()
	for id, ch := range b.pending {
		ch <- rpcResponse{err: &rpcError{Message: err.Error()}}
		delete(b.pending, id)
	}
}

func (b *RPCBridge) resolvePending(id int64, res rpcResponse) {
	b.pendMu.Lock()
	ch, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.pendMu.Unlock()
	if !ok {
		slog.Debug("bridge/rpc: response for unknown request id", "id", id)
		return
	}
	ch <- res
}

func (b *RPCBridge) respond(id int64, result any, rpcErr *rpcError) {
	env := rpcEnvelope{JSONRPC: "2.0", ID: &id}
	if rpcErr != nil {
		env.Error = rpcErr
	} else {
		env.Result = mustMarshal(result)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	data = append(data, '\n')
	_ = b.proc.write(data)
}

// call sends a request and blocks for its response.
func (b *RPCBridge) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := atomic.AddInt64(&b.nextReqID, 1)
	env := rpcEnvelope{JSONRPC: "2.0", ID: &id, Method: method, Params: mustMarshal(params)}

	ch := make(chan rpcResponse, 1)
	b.pendMu.Lock()
	b.pending[id] = ch
	b.pendMu.Unlock()

	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	data = append(data, '\n')
	if err := b.proc.write(data); err != nil {
		b.pendMu.Lock()
		delete(b.pending, id)
		b.pendMu.Unlock()
		return nil, err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("%s: %s", method, res.err.Message)
		}
		return res.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// notify sends a request with no id (no response expected).
func (b *RPCBridge) notify(method string, params any) error {
	env := rpcEnvelope{JSONRPC: "2.0", Method: method}
	if params != nil {
		env.Params = mustMarshal(params)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return b.proc.write(data)
}

func mustMarshal(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
