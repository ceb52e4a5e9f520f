// Package connhub implements the local-socket transport: accepting clients
// on a platform-local bidirectional channel, tracking live connections,
// binding a connection to a user id, broadcasting, and routing inbound
// messages to a Dispatcher. One process, one shared listener, one read-loop
// task per accepted connection, all under a single errgroup so shutdown can
// wait for every connection to drain.
package connhub

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fleetops/migrationd/internal/coreerr"
	"github.com/fleetops/migrationd/internal/msgbus"
)

// Event is the kind of hub-level lifecycle event emitted for fan-out
// listeners.
type Event struct {
	Kind   string // "ClientConnected" | "ClientDisconnected"
	Client string
	Reason string
}

// Listener is satisfied by net.Listener (Unix-domain socket in production);
// tests substitute an in-memory listener (net.Pipe-backed).
type Listener interface {
	Accept() (net.Conn, error)
	Close() error
}

// Hub accepts clients on a Listener, tracks their Connections, and routes
// inbound frames to a Dispatcher. It owns the set of live connections;
// Connection never holds a back-reference to Hub — callers look connections
// up by client_id instead.
type Hub struct {
	listener   Listener
	dispatcher *Dispatcher
	logger     *slog.Logger
	dispatchTO time.Duration

	mu          sync.RWMutex
	conns       map[string]*Connection
	byUser      map[string]string // userID -> clientID
	eventsMu    sync.Mutex
	eventHooks  []func(Event)
	group       *errgroup.Group
	groupCtx    context.Context
	shutdownMsg string
}

// New constructs a Hub bound to listener, routing decoded messages to
// dispatcher. dispatchTimeout bounds each Dispatcher.Dispatch call.
func New(listener Listener, dispatcher *Dispatcher, logger *slog.Logger, dispatchTimeout time.Duration) *Hub {
	return &Hub{
		listener:   listener,
		dispatcher: dispatcher,
		logger:     logger,
		dispatchTO: dispatchTimeout,
		conns:      make(map[string]*Connection),
		byUser:     make(map[string]string),
	}
}

// OnEvent registers a fan-out hook invoked for every ClientConnected /
// ClientDisconnected event. Hooks run synchronously on the accept/read-loop
// goroutine and must not block.
func (h *Hub) OnEvent(fn func(Event)) {
	h.eventsMu.Lock()
	defer h.eventsMu.Unlock()

	h.eventHooks = append(h.eventHooks, fn)
}

func (h *Hub) fire(e Event) {
	h.eventsMu.Lock()
	hooks := append([]func(Event){}, h.eventHooks...)
	h.eventsMu.Unlock()

	for _, fn := range hooks {
		fn(e)
	}
}

// Serve runs the accept loop until ctx is cancelled or Accept fails. Each
// accepted connection gets its own read-loop task in a shared errgroup, so
// Serve's return waits for every in-flight connection to finish draining.
func (h *Hub) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	h.mu.Lock()
	h.group = g
	h.groupCtx = gctx
	h.mu.Unlock()

	acceptDone := make(chan struct{})

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-acceptDone:
		}
		h.listener.Close()
		return nil
	})

	for {
		conn, err := h.listener.Accept()
		if err != nil {
			if gctx.Err() != nil {
				break
			}

			h.logger.Warn("connhub: accept failed", slog.String("error", err.Error()))
			break
		}

		c := newConnection(conn)
		h.addConnection(c)
		h.fire(Event{Kind: "ClientConnected", Client: c.ID})

		g.Go(func() error {
			h.readLoop(gctx, c)
			return nil
		})
	}

	close(acceptDone)

	return g.Wait()
}

// Shutdown closes every live connection with the given reason and waits (up
// to the caller's context deadline) for their read loops to exit.
func (h *Hub) Shutdown(ctx context.Context, reason string) error {
	h.shutdownMsg = reason

	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.Close(reason)
	}

	h.listener.Close()

	h.mu.RLock()
	g := h.group
	h.mu.RUnlock()

	if g == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return coreerr.New(coreerr.KindTimeout, "SHUTDOWN_TIMEOUT", "connections did not drain before deadline")
	}
}

func (h *Hub) addConnection(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.conns[c.ID] = c
}

func (h *Hub) removeConnection(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.conns[clientID]; ok {
		if c.UserID() != "" {
			if h.byUser[c.UserID()] == clientID {
				delete(h.byUser, c.UserID())
			}
		}
	}

	delete(h.conns, clientID)
}

// readLoop reads framed messages from c until EOF/error/cancellation,
// dispatching each to h.dispatcher in receive order before reading the next
// frame. A single client's messages are therefore processed strictly
// sequentially.
func (h *Hub) readLoop(ctx context.Context, c *Connection) {
	reason := "eof"

	defer func() {
		h.removeConnection(c.ID)
		c.markClosed()
		h.fire(Event{Kind: "ClientDisconnected", Client: c.ID, Reason: reason})
	}()

	for {
		msg, err := c.readMessage()
		if err != nil {
			if ctx.Err() != nil {
				reason = "Server shutdown"
			} else if coreerr.Is(err, coreerr.KindProtocol) {
				reason = "protocol error: " + err.Error()
			} else {
				reason = "io error"
			}

			return
		}

		dctx, cancel := context.WithTimeout(ctx, h.dispatchTimeoutOrDefault())
		resp := h.dispatcher.Dispatch(dctx, c.ID, msg, h.bindHook(c))
		cancel()

		if resp != nil {
			if err := c.send(resp); err != nil {
				reason = "send failed: " + err.Error()
				return
			}
		}

		if ctx.Err() != nil {
			reason = "Server shutdown"
			return
		}
	}
}

func (h *Hub) dispatchTimeoutOrDefault() time.Duration {
	if h.dispatchTO <= 0 {
		return 30 * time.Second
	}

	return h.dispatchTO
}

// bindHook returns the callback Dispatch invokes when a handler for
// AGENT_STARTED succeeds, so Hub (not Dispatcher) owns user<->client
// binding and its last-writer-wins semantics.
func (h *Hub) bindHook(c *Connection) func(userID string) {
	return func(userID string) {
		h.bindUser(c, userID)
	}
}

// bindUser enforces "the same user_id may not bind twice concurrently":
// a second binding attempt for an already-bound user closes the first
// connection (last-writer-wins), keeping exactly one live connection per
// user.
func (h *Hub) bindUser(c *Connection, userID string) {
	h.mu.Lock()

	if existingID, ok := h.byUser[userID]; ok && existingID != c.ID {
		existing := h.conns[existingID]
		h.mu.Unlock()

		if existing != nil {
			existing.Close("duplicate AGENT_STARTED for user " + userID)
		}

		h.mu.Lock()
	}

	c.setUserID(userID)
	h.byUser[userID] = c.ID
	h.mu.Unlock()
}

// Broadcast sends msg to every currently open connection. Per-connection
// send failures are logged but never abort the broadcast.
func (h *Hub) Broadcast(msg *msgbus.Message) {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := c.send(msg); err != nil {
			h.logger.Warn("connhub: broadcast send failed",
				slog.String("client_id", c.ID), slog.String("error", err.Error()))
			c.Close("broadcast send failed")
		}
	}
}

// SendToUser sends msg to the connection currently bound to userID, if any.
// Returns false if no connection is bound to that user.
func (h *Hub) SendToUser(userID string, msg *msgbus.Message) bool {
	h.mu.RLock()
	clientID, ok := h.byUser[userID]
	var c *Connection
	if ok {
		c = h.conns[clientID]
	}
	h.mu.RUnlock()

	if c == nil {
		return false
	}

	if err := c.send(msg); err != nil {
		c.Close("send failed")
		return false
	}

	return true
}

// ConnectionCount returns the number of currently open connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.conns)
}
