package connhub

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fleetops/migrationd/internal/msgbus"
)

// Connection wraps one accepted net.Conn with a buffered reader for framed
// message decoding and a single-writer lock serializing framed encoding, so
// broadcast and unicast writes never interleave. Connection never
// references Hub: Hub looks connections up by client id instead.
type Connection struct {
	ID          string
	ConnectedAt time.Time

	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex

	userMu sync.RWMutex
	userID string

	lastSeen atomic.Int64 // unix nanos

	closed atomic.Bool
}

func newConnection(conn net.Conn) *Connection {
	now := time.Now().UTC()
	c := &Connection{
		ID:          uuid.NewString(),
		ConnectedAt: now,
		conn:        conn,
		reader:      bufio.NewReader(conn),
	}
	c.lastSeen.Store(now.UnixNano())

	return c
}

// LastSeen returns the time of the most recently received frame.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load()).UTC()
}

func (c *Connection) touch() {
	c.lastSeen.Store(time.Now().UTC().UnixNano())
}

// UserID returns the user id this connection is currently bound to, or ""
// if it has not sent a successful AGENT_STARTED yet.
func (c *Connection) UserID() string {
	c.userMu.RLock()
	defer c.userMu.RUnlock()

	return c.userID
}

func (c *Connection) setUserID(userID string) {
	c.userMu.Lock()
	defer c.userMu.Unlock()

	c.userID = userID
}

// readMessage blocks for the next framed message. Read calls for a given
// connection are only ever issued from the hub's single read-loop
// goroutine, so no locking is needed on the read side.
func (c *Connection) readMessage() (*msgbus.Message, error) {
	msg, err := msgbus.ReadMessage(c.reader)
	if err == nil {
		c.touch()
	}

	return msg, err
}

// send writes msg under the single-writer lock so concurrent broadcasts
// and direct sends never interleave frames on the wire.
func (c *Connection) send(msg *msgbus.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return msgbus.WriteMessage(c.conn, msg)
}

// Close closes the underlying connection. reason is not recorded and does
// not cross the wire; the ClientDisconnected event that follows carries the
// read loop's own reason.
func (c *Connection) Close(reason string) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	_ = c.conn.Close()
}

// markClosed records that the read loop has exited without itself
// closing the socket (e.g. on EOF, where the peer already closed its
// side). It is idempotent with Close.
func (c *Connection) markClosed() {
	c.closed.Store(true)
}

// IsClosed reports whether the connection has been closed or its read
// loop has exited.
func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}
