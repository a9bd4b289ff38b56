// Package reviewsession pairs a Bridge with persistent session identity:
// it enforces single-in-flight turns, composes outgoing text, persists
// messages, and fans out Bridge events to external per-kind
// subscriptions.
package reviewsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/in-the-loop-labs/reviewagent/internal/bridge"
	"github.com/in-the-loop-labs/reviewagent/internal/events"
	"github.com/in-the-loop-labs/reviewagent/internal/providers"
	"github.com/in-the-loop-labs/reviewagent/internal/store"
)

// composition separator, preserved bit-exact for deterministic replay.
const separator = "\n\n---\n\n"

var (
	ErrNotFound = errors.New("reviewsession: not found")
	ErrNotReady = bridge.ErrNotReady
	ErrBusy     = bridge.ErrBusy
)

// ActionContext carries item identifiers that flow only through the
// action-hint suffix, never through the stored user text.
type ActionContext struct {
	Action string
	Items  []string
}

func (a *ActionContext) suffix() string {
	if a == nil || a.Action == "" {
		return ""
	}
	return fmt.Sprintf("\n\n[Action: %s, target ID: %s]", a.Action, strings.Join(a.Items, ", "))
}

// BridgeFactory constructs a fresh, unstarted Bridge for the given
// provider kind and options.
type BridgeFactory func(kind providers.Kind, opts bridge.Options) bridge.Bridge

// Manager is the single entry point external callers use to create,
// drive, and tear down agent sessions.
type Manager struct {
	store     *store.Store
	providers *providers.Registry
	newBridge BridgeFactory
	bus       *events.Bus

	mu   sync.RWMutex
	live map[int64]*session
}

// NewManager builds a Manager bound to the given store and provider
// registry.
func NewManager(st *store.Store, reg *providers.Registry, newBridge BridgeFactory) *Manager {
	return &Manager{
		store:     st,
		providers: reg,
		newBridge: newBridge,
		live:      make(map[int64]*session),
	}
}

// SetEventBus attaches the ambient event bus the Manager publishes
// session lifecycle notices to. Publishing is a no-op until this is
// called.
func (m *Manager) SetEventBus(bus *events.Bus) {
	m.bus = bus
}

func (m *Manager) publish(sessionID int64, payload events.EventPayload) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.NewTypedEventWithSession(events.SourceSession, payload, fmt.Sprintf("%d", sessionID)))
}

// ReconcileOnStartup transitions any persisted active session without an
// in-memory bridge to closed. Call once, before serving requests.
func (m *Manager) ReconcileOnStartup(ctx context.Context) error {
	actives, err := m.store.ListActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("reviewsession: reconcile: %w", err)
	}
	for _, row := range actives {
		if err := m.store.UpdateStatus(ctx, row.ID, store.StatusClosed); err != nil {
			return fmt.Errorf("reviewsession: reconcile session %d: %w", row.ID, err)
		}
	}
	return nil
}

// CreateOptions bundles Create's optional parameters.
type CreateOptions struct {
	ModelID        *string
	ContextItemID  *int64
	SystemPrompt   string
	Dir            string
	InitialContext string
}

// Create persists a new active session row, constructs and starts the
// appropriate Bridge, and installs event handlers. On start failure the
// row is transitioned to error and no in-memory session is left behind.
func (m *Manager) Create(ctx context.Context, reviewID int64, providerID string, opts CreateOptions) (int64, error) {
	prov, ok := m.providers.Get(providerID)
	if !ok {
		return 0, fmt.Errorf("reviewsession: unknown provider %q", providerID)
	}

	id, err := m.store.CreateSession(ctx, reviewID, providerID, opts.ModelID, opts.ContextItemID)
	if err != nil {
		return 0, err
	}

	sess := newSession(id, providerID, opts.InitialContext)

	br := m.newBridge(prov.Kind, bridge.Options{
		Command:      prov.DefaultCommand,
		Args:         prov.DefaultArgs,
		Env:          envSlice(prov.DefaultEnv),
		Dir:          opts.Dir,
		SystemPrompt: opts.SystemPrompt,
	})
	sess.bridge = br
	sess.unsubBridge = br.Subscribe(sess.handleBridgeEvent)
	m.installManagerHandlers(ctx, sess)

	if err := br.Start(ctx); err != nil {
		_ = m.store.UpdateStatus(ctx, id, store.StatusError)
		return 0, fmt.Errorf("reviewsession: start bridge: %w", err)
	}

	m.mu.Lock()
	m.live[id] = sess
	m.mu.Unlock()

	m.publish(id, events.SessionCreatedPayload{ReviewID: reviewID, ProviderID: providerID})

	return id, nil
}

// Resume rehydrates a previously closed session by spawning a bridge
// configured to adopt the persisted AgentHandle.
func (m *Manager) Resume(ctx context.Context, sessionID int64, systemPrompt, dir string) (int64, error) {
	row, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return 0, ErrNotFound
	}
	if !row.AgentHandle.Valid || row.AgentHandle.String == "" {
		return 0, fmt.Errorf("reviewsession: session %d has no agent handle to resume", sessionID)
	}

	prov, ok := m.providers.Get(row.ProviderID)
	if !ok {
		return 0, fmt.Errorf("reviewsession: unknown provider %q", row.ProviderID)
	}

	sess := newSession(sessionID, row.ProviderID, "")

	br := m.newBridge(prov.Kind, bridge.Options{
		Command:      prov.DefaultCommand,
		Args:         prov.DefaultArgs,
		Env:          envSlice(prov.DefaultEnv),
		Dir:          dir,
		SystemPrompt: systemPrompt,
		ResumeHandle: row.AgentHandle.String,
	})
	sess.bridge = br
	sess.unsubBridge = br.Subscribe(sess.handleBridgeEvent)
	m.installManagerHandlers(ctx, sess)

	if err := br.Start(ctx); err != nil {
		_ = m.store.UpdateStatus(ctx, sessionID, store.StatusError)
		return 0, fmt.Errorf("reviewsession: resume bridge: %w", err)
	}

	if err := m.store.UpdateStatus(ctx, sessionID, store.StatusActive); err != nil {
		return 0, err
	}

	m.mu.Lock()
	m.live[sessionID] = sess
	m.mu.Unlock()

	m.publish(sessionID, events.SessionCreatedPayload{ReviewID: row.ReviewID, ProviderID: row.ProviderID})

	return sessionID, nil
}

// installManagerHandlers wires the side effects the Session Manager
// itself needs (persistence + lifecycle) into the session, run before
// the (possibly enriched) event reaches external per-kind subscriptions
// callers install via OnDelta/OnComplete/etc.
func (m *Manager) installManagerHandlers(ctx context.Context, sess *session) {
	sess.onComplete = func(text string) (int64, error) {
		return m.store.AppendMessage(ctx, sess.id, store.RoleAssistant, store.MessageTypeMessage, text)
	}

	sess.onSessionHandle = func(handle string) {
		if handle == "" {
			return
		}
		if err := m.store.SetAgentHandle(ctx, sess.id, handle); err != nil {
			slog.Error("reviewsession: persist agent handle", "session_id", sess.id, "error", err)
		}
	}

	sess.onClosed = func() bool {
		m.mu.Lock()
		_, stillLive := m.live[sess.id]
		delete(m.live, sess.id)
		m.mu.Unlock()

		if stillLive {
			_ = m.store.UpdateStatus(ctx, sess.id, store.StatusClosed)
			m.publish(sess.id, events.SessionErrorPayload{Error: "agent process ended unexpectedly"})
		}
		return stillLive
	}
}

// Send composes outgoing text, persists it atomically with any context
// rows, and hands it to the Bridge.
func (m *Manager) Send(ctx context.Context, sessionID int64, text string, perMessageContext []string, actionCtx *ActionContext) (int64, error) {
	sess, ok := m.get(sessionID)
	if !ok {
		return 0, ErrNotFound
	}
	if !sess.bridge.IsReady() {
		return 0, ErrNotReady
	}
	if sess.bridge.IsBusy() {
		return 0, ErrBusy
	}

	composed := sess.composeOutgoing(text, perMessageContext, actionCtx)

	var rows []store.ContextRow
	for _, c := range perMessageContext {
		rows = append(rows, store.ContextRow{Content: c})
	}

	msgID, err := m.store.AppendUserMessageWithContext(ctx, sessionID, text, rows)
	if err != nil {
		return 0, fmt.Errorf("reviewsession: persist message: %w", err)
	}

	if err := sess.bridge.Send(composed); err != nil {
		return 0, err
	}
	return msgID, nil
}

// SaveContext persists a context row with no accompanying user message.
func (m *Manager) SaveContext(ctx context.Context, sessionID int64, contextData string) error {
	if _, ok := m.get(sessionID); !ok {
		return ErrNotFound
	}
	_, err := m.store.AppendMessage(ctx, sessionID, store.RoleUser, store.MessageTypeContext, contextData)
	return err
}

// Abort asks the session's Bridge to cancel its current turn. No-op if
// the session is absent.
func (m *Manager) Abort(sessionID int64) {
	sess, ok := m.get(sessionID)
	if !ok {
		return
	}
	sess.bridge.Abort()
}

// Close removes the session from the live map first, then closes its
// Bridge, then transitions the row to closed. Idempotent.
func (m *Manager) Close(ctx context.Context, sessionID int64) error {
	m.mu.Lock()
	sess, ok := m.live[sessionID]
	if ok {
		delete(m.live, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	sess.bridge.Close()
	sess.unsubBridge()
	m.publish(sessionID, events.SessionClosedPayload{Reason: "closed by caller"})
	return m.store.UpdateStatus(ctx, sessionID, store.StatusClosed)
}

// CloseAll closes every live session concurrently.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.live))
	for id := range m.live {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_ = m.Close(ctx, id)
		}(id)
	}
	wg.Wait()
}

// OnDelta registers a handler invoked for every delta event in this
// session, in registration order. Returns an Unsubscribe func.
func (m *Manager) OnDelta(sessionID int64, cb func(SessionEvent)) (func(), error) {
	return m.subscribe(sessionID, bridge.EventDelta, cb)
}

// OnComplete registers a handler invoked when a turn completes, with
// MessageID set to the persisted assistant message's id.
func (m *Manager) OnComplete(sessionID int64, cb func(SessionEvent)) (func(), error) {
	return m.subscribe(sessionID, bridge.EventComplete, cb)
}

// OnTool registers a handler invoked for tool lifecycle events.
func (m *Manager) OnTool(sessionID int64, cb func(SessionEvent)) (func(), error) {
	return m.subscribe(sessionID, bridge.EventTool, cb)
}

// OnStatus registers a handler invoked for status events.
func (m *Manager) OnStatus(sessionID int64, cb func(SessionEvent)) (func(), error) {
	return m.subscribe(sessionID, bridge.EventStatus, cb)
}

// OnError registers a handler invoked for error events, including the
// synthesized "agent process ended unexpectedly" error delivered on an
// abnormal bridge exit.
func (m *Manager) OnError(sessionID int64, cb func(SessionEvent)) (func(), error) {
	return m.subscribe(sessionID, bridge.EventError, cb)
}

func (m *Manager) subscribe(sessionID int64, kind bridge.EventKind, cb func(SessionEvent)) (func(), error) {
	sess, ok := m.get(sessionID)
	if !ok {
		return nil, ErrNotFound
	}
	return sess.subs.add(kind, cb), nil
}

func (m *Manager) get(sessionID int64) (*session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.live[sessionID]
	return sess, ok
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
