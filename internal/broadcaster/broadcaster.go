// Package broadcaster exposes a topic-subscribed WebSocket endpoint on
// /ws, run in "no server" mode: any upgrade request on another path is
// rejected by destroying the raw TCP socket rather than returning an
// HTTP error, since this endpoint does not otherwise serve traffic.
package broadcaster

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	wsPath            = "/ws"
	heartbeatInterval = 30 * time.Second
)

type action string

const (
	actionSubscribe   action = "subscribe"
	actionUnsubscribe action = "unsubscribe"
)

type inboundFrame struct {
	Action action `json:"action"`
	Topic  string `json:"topic"`
}

// client is one open connection's subscription state.
type client struct {
	conn  *websocket.Conn
	send  chan []byte
	mu    sync.Mutex
	alive bool
	topics map[string]struct{}
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		conn:   conn,
		send:   make(chan []byte, 256),
		alive:  true,
		topics: make(map[string]struct{}),
	}
}

func (c *client) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.topics[topic]
	return ok
}

func (c *client) subscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics[topic] = struct{}{}
}

func (c *client) unsubscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.topics, topic)
}

func (c *client) clearTopics() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = make(map[string]struct{})
}

// Broadcaster is the process-wide topic fan-out singleton. All state is
// process-lifetime; CloseAll releases the heartbeat ticker and terminates
// every client.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[*client]struct{}

	heartbeatTicker *time.Ticker
	closeOnce       sync.Once
	done            chan struct{}
}

// New creates a Broadcaster and starts its heartbeat loop.
func New() *Broadcaster {
	b := &Broadcaster{
		clients:         make(map[*client]struct{}),
		heartbeatTicker: time.NewTicker(heartbeatInterval),
		done:            make(chan struct{}),
	}
	go b.heartbeatLoop()
	return b
}

// ServeHTTP rejects any upgrade request whose path is not /ws by
// destroying the underlying TCP socket, then serves /ws normally.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != wsPath {
		destroySocket(w)
		return
	}
	b.serveWS(w, r)
}

// destroySocket hijacks the connection (if possible) and closes the raw
// TCP socket without writing any HTTP response.
func destroySocket(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetLinger(0) // RST instead of FIN, per "destroy" semantics
	}
	_ = conn.Close()
}

func (b *Broadcaster) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		slog.Error("broadcaster: accept", "error", err)
		return
	}

	c := newClient(conn)
	b.register(c)

	ctx := r.Context()
	go b.writePump(ctx, c)
	b.readPump(ctx, c)
}

func (b *Broadcaster) register(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[c] = struct{}{}
}

func (b *Broadcaster) unregister(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.clients, c)
	b.mu.Unlock()
	close(c.send)
}

func (b *Broadcaster) readPump(ctx context.Context, c *client) {
	defer func() {
		b.unregister(c)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	c.conn.SetReadLimit(1 << 20)

	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Debug("broadcaster: non-JSON inbound frame", "error", err)
			continue
		}
		if frame.Topic == "" {
			slog.Debug("broadcaster: inbound frame missing topic")
			continue
		}

		switch frame.Action {
		case actionSubscribe:
			c.subscribe(frame.Topic)
		case actionUnsubscribe:
			c.unsubscribe(frame.Topic)
		default:
			slog.Debug("broadcaster: unrecognized action", "action", frame.Action)
		}
	}
}

func (b *Broadcaster) writePump(ctx context.Context, c *client) {
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Broadcast sends {...payload, topic} to every open connection whose
// topic set contains topic. payload is read-only after handoff; no
// deep copy is made.
func (b *Broadcaster) Broadcast(topic string, payload map[string]any) {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out["topic"] = topic

	data, err := json.Marshal(out)
	if err != nil {
		slog.Error("broadcaster: marshal payload", "error", err)
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for c := range b.clients {
		if !c.subscribed(topic) {
			continue
		}
		select {
		case c.send <- data:
		default:
			// slow client: drop rather than block the broadcaster
		}
	}
}

func (b *Broadcaster) heartbeatLoop() {
	for {
		select {
		case <-b.heartbeatTicker.C:
			b.tick()
		case <-b.done:
			return
		}
	}
}

// tick implements the two-strike liveness check: a client not yet
// pong'd since the last tick is terminated; all others are marked dead
// and pinged, to be revived by the next pong.
func (b *Broadcaster) tick() {
	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		c.mu.Lock()
		wasAlive := c.alive
		c.alive = false
		c.mu.Unlock()

		if !wasAlive {
			b.unregister(c)
			c.conn.Close(websocket.StatusPolicyViolation, "heartbeat timeout")
			continue
		}

		go func(c *client) {
			if err := c.conn.Ping(context.Background()); err != nil {
				return
			}
			c.mu.Lock()
			c.alive = true
			c.mu.Unlock()
		}(c)
	}
}

// CloseAll terminates every client and releases the heartbeat ticker.
func (b *Broadcaster) CloseAll() {
	b.closeOnce.Do(func() {
		b.heartbeatTicker.Stop()
		close(b.done)
	})

	b.mu.Lock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.clients = make(map[*client]struct{})
	b.mu.Unlock()

	for _, c := range clients {
		c.conn.Close(websocket.StatusGoingAway, "server shutdown")
		close(c.send)
	}
}
