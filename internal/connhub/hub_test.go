package connhub

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/migrationd/internal/msgbus"
)

// pipeListener is an in-memory Listener backed by net.Pipe, standing in for
// the Unix-domain socket listener used in production.
type pipeListener struct {
	conns  chan net.Conn
	closed chan struct{}
}

func newPipeListener() *pipeListener {
	return &pipeListener{
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
}

func (l *pipeListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, io.EOF
	}
}

func (l *pipeListener) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}

// dial returns the client side of a new pipe connection, feeding the server
// side to the listener's Accept loop.
func (l *pipeListener) dial() net.Conn {
	server, client := net.Pipe()
	l.conns <- server
	return client
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHub(d *Dispatcher) (*Hub, *pipeListener) {
	l := newPipeListener()
	h := New(l, d, testLogger(), time.Second)
	return h, l
}

func TestHub_AgentStartedBindsUser(t *testing.T) {
	d := NewDispatcher()
	d.Register(msgbus.TypeAgentStarted, func(ctx context.Context, clientID string, msg *msgbus.Message) (*msgbus.Message, error) {
		return nil, nil
	})

	h, l := newTestHub(d)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Serve(ctx)

	client := l.dial()
	defer client.Close()

	msg := mustMessage(t, msgbus.TypeAgentStarted, msgbus.AgentStartedPayload{UserID: "user-1"})
	require.NoError(t, msgbus.WriteMessage(client, msg))

	resp, err := msgbus.ReadMessage(client)
	require.NoError(t, err)
	assert.Equal(t, msgbus.TypeAcknowledgment, resp.Type)

	// SendToUser writes on the pipe, which blocks until the client reads.
	go io.Copy(io.Discard, client)

	require.Eventually(t, func() bool {
		return h.SendToUser("user-1", mustMessage(t, msgbus.TypeHeartbeat, msgbus.HeartbeatPayload{SenderID: "server"}))
	}, time.Second, 10*time.Millisecond)
}

func TestHub_DuplicateAgentStartedClosesFirstConnection(t *testing.T) {
	d := NewDispatcher()
	d.Register(msgbus.TypeAgentStarted, func(ctx context.Context, clientID string, msg *msgbus.Message) (*msgbus.Message, error) {
		return nil, nil
	})

	h, l := newTestHub(d)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Serve(ctx)

	first := l.dial()
	defer first.Close()

	msg1 := mustMessage(t, msgbus.TypeAgentStarted, msgbus.AgentStartedPayload{UserID: "user-1"})
	require.NoError(t, msgbus.WriteMessage(first, msg1))
	_, err := msgbus.ReadMessage(first)
	require.NoError(t, err)

	second := l.dial()
	defer second.Close()

	msg2 := mustMessage(t, msgbus.TypeAgentStarted, msgbus.AgentStartedPayload{UserID: "user-1"})
	require.NoError(t, msgbus.WriteMessage(second, msg2))
	_, err = msgbus.ReadMessage(second)
	require.NoError(t, err)

	// The first connection should now be closed server-side; its next read
	// observes EOF/closed-pipe rather than blocking forever.
	first.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err = first.Read(buf)
	assert.Error(t, err)
}

func TestHub_BroadcastReachesAllConnections(t *testing.T) {
	d := NewDispatcher()
	h, l := newTestHub(d)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Serve(ctx)

	a := l.dial()
	defer a.Close()
	b := l.dial()
	defer b.Close()

	require.Eventually(t, func() bool {
		return h.ConnectionCount() == 2
	}, time.Second, 10*time.Millisecond)

	out := mustMessage(t, msgbus.TypeHeartbeat, msgbus.HeartbeatPayload{SenderID: "server"})

	// Broadcast writes to each pipe in turn and a pipe write blocks until it
	// is read, so both clients are already reading when Broadcast runs.
	type result struct {
		msg *msgbus.Message
		err error
	}

	results := make(chan result, 2)

	for _, conn := range []net.Conn{a, b} {
		conn.SetReadDeadline(time.Now().Add(time.Second))

		go func(c net.Conn) {
			got, err := msgbus.ReadMessage(c)
			results <- result{msg: got, err: err}
		}(conn)
	}

	h.Broadcast(out)

	for i := 0; i < 2; i++ {
		r := <-results
		require.NoError(t, r.err)
		assert.Equal(t, out.ID, r.msg.ID)
	}
}

func TestHub_ShutdownClosesConnections(t *testing.T) {
	d := NewDispatcher()
	h, l := newTestHub(d)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Serve(ctx)

	client := l.dial()
	defer client.Close()

	require.Eventually(t, func() bool {
		return h.ConnectionCount() == 1
	}, time.Second, 10*time.Millisecond)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()

	require.NoError(t, h.Shutdown(shutdownCtx, "server shutting down"))

	client.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err := client.Read(buf)
	assert.Error(t, err)
}
