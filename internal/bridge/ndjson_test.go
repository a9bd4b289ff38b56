package bridge

import "testing"

func newTestNDJSON() *NDJSONBridge {
	b := NewNDJSON(Options{})
	b.ready = true
	return b
}

func TestNDJSONStreamEventAccumulatesDelta(t *testing.T) {
	b := newTestNDJSON()
	var got []Event
	b.Subscribe(func(e Event) { got = append(got, e) })

	b.handleLine(`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"hel"}}}`)
	b.handleLine(`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"lo"}}}`)
	b.handleLine(`{"type":"result","subtype":"success"}`)

	if b.accumulator.Len() != 0 {
		t.Fatalf("accumulator should reset after finishTurn")
	}

	var complete *Event
	for i := range got {
		if got[i].Kind == EventComplete {
			complete = &got[i]
		}
	}
	if complete == nil || complete.Text != "hello" {
		t.Fatalf("expected complete event with accumulated text, got %+v", complete)
	}
}

func TestNDJSONToolLifecycle(t *testing.T) {
	b := newTestNDJSON()
	var kinds []ToolStatus

	b.Subscribe(func(e Event) {
		if e.Kind == EventTool {
			kinds = append(kinds, e.ToolStatus)
		}
	})

	b.handleLine(`{"type":"stream_event","event":{"type":"content_block_start","content_block":{"type":"tool_use","id":"t1","name":"grep"}}}`)
	b.handleLine(`{"type":"tool_progress","tool_use_id":"t1","tool_name":"grep"}`)
	b.handleLine(`{"type":"user","content":[{"type":"tool_result","tool_use_id":"t1"}]}`)

	if len(kinds) != 3 || kinds[0] != ToolStart || kinds[1] != ToolUpdate || kinds[2] != ToolEnd {
		t.Fatalf("expected start/update/end, got %v", kinds)
	}
	if _, ok := b.activeTools["t1"]; ok {
		t.Fatalf("expected tool to be removed from activeTools after end")
	}
}

func TestNDJSONResultFailureEmitsError(t *testing.T) {
	b := newTestNDJSON()
	var errEvt *Event

	b.Subscribe(func(e Event) {
		if e.Kind == EventError {
			errEvt = &e
		}
	})

	b.handleLine(`{"type":"result","subtype":"error_max_turns","errors":["too many turns"]}`)

	if errEvt == nil || errEvt.Err == nil {
		t.Fatalf("expected error event")
	}
}

func TestNDJSONSendRejectsWhenBusy(t *testing.T) {
	b := newTestNDJSON()
	b.busy = true

	if err := b.Send("hi"); err != ErrBusy {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestNDJSONSendRejectsWhenNotReady(t *testing.T) {
	b := NewNDJSON(Options{})

	if err := b.Send("hi"); err != ErrNotReady {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestNDJSONUnparseableLineIsDropped(t *testing.T) {
	b := newTestNDJSON()
	var got []Event
	b.Subscribe(func(e Event) { got = append(got, e) })

	b.handleLine("not json at all")

	if len(got) != 0 {
		t.Fatalf("expected no events from an unparseable line, got %+v", got)
	}
}
