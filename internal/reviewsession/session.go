package reviewsession

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/in-the-loop-labs/reviewagent/internal/bridge"
)

// SessionEvent is what external per-kind subscribers receive: the raw
// Bridge event plus any Session-Manager-level enrichment (the persisted
// message id for a completed turn).
type SessionEvent struct {
	bridge.Event
	MessageID int64
}

// session is the in-memory, per-SessionId state: its Bridge, turn state,
// and the external subscription sets callers attach via
// Manager.OnDelta/OnComplete/OnTool/OnStatus/OnError.
type session struct {
	id             int64
	providerID     string
	initialContext string
	usedInitial    bool

	bridge      bridge.Bridge
	unsubBridge func()

	subs kindSubscriptions

	// Manager-owned side effects, invoked from handleBridgeEvent before
	// the event (possibly enriched) reaches external subscribers.
	onComplete      func(text string) (messageID int64, err error)
	onSessionHandle func(handle string)
	onClosed        func() (notifyError bool)
}

func newSession(id int64, providerID, initialContext string) *session {
	return &session{
		id:             id,
		providerID:     providerID,
		initialContext: initialContext,
	}
}

// composeOutgoing builds the outgoing text per the fixed composition
// order: initialContext (once) + perMessageContext + userText + optional
// action-hint suffix. Item identifiers in actionCtx flow only through
// the suffix, never through the stored user text.
func (s *session) composeOutgoing(userText string, perMessageContext []string, actionCtx *ActionContext) string {
	var parts []string

	if !s.usedInitial && s.initialContext != "" {
		parts = append(parts, s.initialContext)
		s.usedInitial = true
	}
	parts = append(parts, perMessageContext...)
	parts = append(parts, userText)

	composed := joinWithSeparator(parts)
	return composed + actionCtx.suffix()
}

func joinWithSeparator(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += separator
		}
		out += p
	}
	return out
}

// handleBridgeEvent is installed as the session's sole Bridge subscriber;
// it fans the event out to the matching kind's external subscriptions.
// This preserves the Bridge's synchronous, reader-goroutine delivery
// order into the external subscription contract.
func (s *session) handleBridgeEvent(e bridge.Event) {
	switch e.Kind {
	case bridge.EventComplete:
		var msgID int64
		if s.onComplete != nil {
			id, err := s.onComplete(e.Text)
			if err != nil {
				slog.Error("reviewsession: persist assistant message", "session_id", s.id, "error", err)
			}
			msgID = id
		}
		s.subs.emit(bridge.EventComplete, SessionEvent{Event: e}, msgID)

	case bridge.EventClose:
		if s.onClosed != nil && s.onClosed() {
			s.subs.emit(bridge.EventError, SessionEvent{Event: bridge.Event{
				Kind: bridge.EventError,
				Err:  errUnexpectedExit,
			}}, 0)
		}

	case bridge.EventSession:
		if s.onSessionHandle != nil {
			s.onSessionHandle(e.AgentHandle)
		}

	default:
		s.subs.emit(e.Kind, SessionEvent{Event: e}, 0)
	}
}

var errUnexpectedExit = errors.New("agent process ended unexpectedly")

// kindSubscriptions holds one ordered callback set per event kind.
// Delivery within a single kind's subscription is always serial: this
// type is only ever invoked from the session's own Bridge callback,
// which the Bridge contract guarantees is never called concurrently
// with itself.
type kindSubscriptions struct {
	mu   sync.Mutex
	sets map[bridge.EventKind]*callbackSet
}

type callbackSet struct {
	byID   map[int]func(SessionEvent)
	order  []int
	nextID int
}

func (k *kindSubscriptions) add(kind bridge.EventKind, cb func(SessionEvent)) func() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.sets == nil {
		k.sets = make(map[bridge.EventKind]*callbackSet)
	}
	set, ok := k.sets[kind]
	if !ok {
		set = &callbackSet{byID: make(map[int]func(SessionEvent))}
		k.sets[kind] = set
	}
	id := set.nextID
	set.nextID++
	set.byID[id] = cb
	set.order = append(set.order, id)

	return func() {
		k.mu.Lock()
		defer k.mu.Unlock()
		delete(set.byID, id)
	}
}

func (k *kindSubscriptions) emit(kind bridge.EventKind, e SessionEvent, messageID int64) {
	e.MessageID = messageID

	k.mu.Lock()
	set, ok := k.sets[kind]
	var ids []int
	if ok {
		ids = make([]int, len(set.order))
		copy(ids, set.order)
	}
	k.mu.Unlock()
	if !ok {
		return
	}

	for _, id := range ids {
		k.mu.Lock()
		cb, ok := set.byID[id]
		k.mu.Unlock()
		if !ok {
			continue
		}
		callSafely(cb, e)
	}
}

func callSafely(cb func(SessionEvent), e SessionEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("reviewsession: subscriber panicked", "panic", r)
		}
	}()
	cb(e)
}
