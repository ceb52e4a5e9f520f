// Package reconclient implements the client-side counterpart of ConnHub:
// a persistent connection to the local-socket transport that queues sends
// made while disconnected, reconnects with exponential backoff and jitter,
// and emits periodic heartbeats. Grounded on
// internal/driveops/transfer_manager.go's resume-on-failure idiom
// (TransferManager.downloadToPartial falls back to a fresh attempt rather
// than surfacing a partial result), generalized from file transfers to
// message delivery: a Client never drops a send, it only delays it.
package reconclient

import (
	"context"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/fleetops/migrationd/internal/capability"
	"github.com/fleetops/migrationd/internal/coreerr"
	"github.com/fleetops/migrationd/internal/msgbus"
)

// Dialer opens a fresh transport connection, such as a dial of the daemon's
// Unix-domain socket; tests substitute a net.Pipe-backed dialer.
type Dialer func(ctx context.Context) (net.Conn, error)

// Handler processes one message pushed by the server (e.g. BACKUP_REQUEST,
// STATUS_UPDATE). It runs on the Client's read-loop goroutine and must not
// block for long.
type Handler func(msg *msgbus.Message)

// Config tunes reconnect backoff and heartbeat cadence. Zero values take
// the defaults documented on each field.
type Config struct {
	// SenderID identifies this client in HEARTBEAT payloads.
	SenderID string

	// ReconnectDelay is the initial backoff before the first retry.
	// Defaults to 1s.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the doubling backoff. Defaults to 5 minutes.
	MaxReconnectDelay time.Duration

	// MaxReconnectAttempts bounds consecutive failed attempts since the
	// last successful connection before Run gives up and returns an
	// error. Zero means unlimited.
	MaxReconnectAttempts int

	// HeartbeatInterval is the period between HEARTBEAT sends. Defaults
	// to 30s.
	HeartbeatInterval time.Duration

	// HeartbeatFailureLimit is the number of consecutive heartbeat send
	// failures that trigger a disconnect-and-reconnect. Defaults to 3.
	HeartbeatFailureLimit int
}

func (c Config) withDefaults() Config {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = 5 * time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatFailureLimit <= 0 {
		c.HeartbeatFailureLimit = 3
	}
	return c
}

// Client is the client-side counterpart of connhub.Hub: one logical
// connection, reconnected transparently, with sends queued in order across
// disconnects — a reconnecting client's queued messages arrive in send
// order before anything sent after reconnect.
type Client struct {
	dialer    Dialer
	cfg       Config
	clock     capability.Clock
	logger    *slog.Logger
	onMessage Handler

	queueMu sync.Mutex
	queue   []*msgbus.Message
	wake    chan struct{}

	connMu  sync.Mutex
	conn    net.Conn
	writeMu sync.Mutex

	heartbeatSeq int64
}

// New constructs a Client. clock may be nil to use capability.SystemClock.
func New(dialer Dialer, cfg Config, clock capability.Clock, logger *slog.Logger, onMessage Handler) *Client {
	if clock == nil {
		clock = capability.SystemClock{}
	}

	return &Client{
		dialer:    dialer,
		cfg:       cfg.withDefaults(),
		clock:     clock,
		logger:    logger,
		onMessage: onMessage,
		wake:      make(chan struct{}, 1),
	}
}

// Send enqueues msg for delivery. It never blocks on the network: if the
// client is currently disconnected the message waits in the FIFO until
// reconnect drains it.
func (c *Client) Send(msg *msgbus.Message) {
	c.queueMu.Lock()
	c.queue = append(c.queue, msg)
	c.queueMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// QueueDepth reports how many messages are waiting to be drained, for
// diagnostics and tests.
func (c *Client) QueueDepth() int {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()

	return len(c.queue)
}

func (c *Client) popQueue() (*msgbus.Message, bool) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()

	if len(c.queue) == 0 {
		return nil, false
	}

	m := c.queue[0]
	c.queue = c.queue[1:]

	return m, true
}

// Run drives the connect/drain/heartbeat/read cycle until ctx is
// cancelled or MaxReconnectAttempts consecutive failures are exhausted.
func (c *Client) Run(ctx context.Context) error {
	attempts := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, err := c.dialer(ctx)
		if err != nil {
			attempts++

			if c.cfg.MaxReconnectAttempts > 0 && attempts >= c.cfg.MaxReconnectAttempts {
				return coreerr.Wrap(coreerr.KindTransport, "RECONNECT_EXHAUSTED", "giving up after max reconnect attempts", err)
			}

			delay := c.backoffDelay(attempts)
			c.logger.Warn("reconclient: dial failed, backing off",
				slog.Int("attempt", attempts), slog.Duration("delay", delay), slog.String("error", err.Error()))

			if !c.sleep(ctx, delay) {
				return nil
			}

			continue
		}

		attempts = 0
		c.setConn(conn)

		disconnectReason := c.serveConnection(ctx, conn)

		c.setConn(nil)
		_ = conn.Close()

		if ctx.Err() != nil {
			return nil
		}

		c.logger.Warn("reconclient: disconnected, will reconnect", slog.String("reason", disconnectReason))
	}
}

// backoffDelay computes the exponential-with-jitter delay for the given
// 1-indexed attempt number, capped at MaxReconnectDelay.
func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := c.cfg.ReconnectDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.cfg.MaxReconnectDelay {
			delay = c.cfg.MaxReconnectDelay
			break
		}
	}

	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))

	return delay/2 + jitter
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) setConn(conn net.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *Client) currentConn() net.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	return c.conn
}

// serveConnection runs the drain loop, read loop and heartbeat loop
// concurrently until any one exits (I/O failure, heartbeat exhaustion, or
// context cancellation), and returns that loop's human-readable reason.
func (c *Client) serveConnection(ctx context.Context, conn net.Conn) string {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	reasonCh := make(chan string, 2)

	go func() {
		reasonCh <- c.drainLoop(connCtx, conn)
	}()

	go func() {
		reasonCh <- c.heartbeatLoop(connCtx, conn)
	}()

	go func() {
		reasonCh <- c.readLoop(connCtx, conn)
	}()

	reason := <-reasonCh
	cancel()

	return reason
}

// drainLoop pops messages off the FIFO in order and writes them, blocking
// on c.wake between pops so a burst of Sends while connected is flushed
// promptly without busy-waiting.
func (c *Client) drainLoop(ctx context.Context, conn net.Conn) string {
	for {
		for {
			msg, ok := c.popQueue()
			if !ok {
				break
			}

			if err := c.writeLocked(conn, msg); err != nil {
				// Put the message back at the front so it is not lost,
				// preserving FIFO order across the reconnect that follows.
				c.requeueFront(msg)
				return "send failed: " + err.Error()
			}
		}

		select {
		case <-c.wake:
		case <-ctx.Done():
			return "context done"
		}
	}
}

func (c *Client) requeueFront(msg *msgbus.Message) {
	c.queueMu.Lock()
	c.queue = append([]*msgbus.Message{msg}, c.queue...)
	c.queueMu.Unlock()
}

func (c *Client) writeLocked(conn net.Conn, msg *msgbus.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return msgbus.WriteMessage(conn, msg)
}

// heartbeatLoop sends a HEARTBEAT every cfg.HeartbeatInterval, ending the
// connection after cfg.HeartbeatFailureLimit consecutive failures.
func (c *Client) heartbeatLoop(ctx context.Context, conn net.Conn) string {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	failures := 0

	for {
		select {
		case <-ticker.C:
			c.heartbeatSeq++

			hb, err := msgbus.NewMessage(msgbus.TypeHeartbeat, msgbus.HeartbeatPayload{
				SenderID:       c.cfg.SenderID,
				SequenceNumber: c.heartbeatSeq,
				Timestamp:      c.clock.Now(),
			})
			if err != nil {
				continue
			}

			if err := c.writeLocked(conn, hb); err != nil {
				failures++
				c.logger.Warn("reconclient: heartbeat send failed",
					slog.Int("consecutive_failures", failures), slog.String("error", err.Error()))

				if failures >= c.cfg.HeartbeatFailureLimit {
					return "heartbeat failures exhausted"
				}

				continue
			}

			failures = 0

		case <-ctx.Done():
			return "context done"
		}
	}
}

// readLoop receives server-pushed messages and hands each to onMessage.
func (c *Client) readLoop(ctx context.Context, conn net.Conn) string {
	for {
		msg, err := msgbus.ReadMessage(conn)
		if err != nil {
			if ctx.Err() != nil {
				return "context done"
			}

			return "read failed: " + err.Error()
		}

		if c.onMessage != nil {
			c.onMessage(msg)
		}

		if ctx.Err() != nil {
			return "context done"
		}
	}
}

// Connected reports whether the client currently holds a live connection.
func (c *Client) Connected() bool {
	return c.currentConn() != nil
}
