package rdma

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dengwxn/nexuslb/internal/memory"
)

// testHandler buffers every event so tests can assert on ordering and
// payloads without blocking the poller.
type testHandler struct {
	connected   chan *Connection
	remoteMR    chan RemoteMemoryRegion
	recv        chan []byte
	recvBacklog chan int
	sent        chan struct{}
	readDone    chan []byte
	errs        chan error
}

func newTestHandler() *testHandler {
	return &testHandler{
		connected:   make(chan *Connection, 8),
		remoteMR:    make(chan RemoteMemoryRegion, 8),
		recv:        make(chan []byte, 64),
		recvBacklog: make(chan int, 64),
		sent:        make(chan struct{}, 64),
		readDone:    make(chan []byte, 8),
		errs:        make(chan error, 8),
	}
}

func (h *testHandler) OnConnected(conn *Connection) { h.connected <- conn }

func (h *testHandler) OnRemoteMemoryRegionReceived(_ *Connection, addr, size uint64) {
	h.remoteMR <- RemoteMemoryRegion{Addr: addr, Size: size}
}

func (h *testHandler) OnRecv(conn *Connection, buf *memory.Block) {
	view := buf.MessageView()
	payload := make([]byte, view.Length())
	copy(payload, view.Payload())
	buf.Free()
	h.recvBacklog <- conn.OutstandingReceives()
	h.recv <- payload
}

func (h *testHandler) OnSent(_ *Connection, buf *memory.Block) {
	buf.Free()
	h.sent <- struct{}{}
}

func (h *testHandler) OnRdmaReadComplete(_ *Connection, _ uint64, buf *memory.Block) {
	view := buf.MessageView()
	payload := make([]byte, view.Length())
	copy(payload, view.Payload())
	buf.Free()
	h.readDone <- payload
}

func (h *testHandler) OnError(_ *Connection, err error) { h.errs <- err }

type loopback struct {
	backend       *SimulatedBackend
	serverHandler *testHandler
	clientHandler *testHandler
	server        *Connector
	client        *Connector
	serverConn    *Connection
	clientConn    *Connection
	exposed       []byte
}

// newLoopback wires a server and client connector over one simulated fabric
// and completes the handshake. The server exposes a 1 MiB region of 0xAB.
func newLoopback(t *testing.T, poller PollerType) *loopback {
	t.Helper()
	lb := &loopback{
		backend:       NewSimulatedBackend(),
		serverHandler: newTestHandler(),
		clientHandler: newTestHandler(),
		exposed:       make([]byte, 1<<20),
	}
	for i := range lb.exposed {
		lb.exposed[i] = 0xAB
	}

	serverPool, err := memory.NewPool(22, 14)
	require.NoError(t, err)
	clientPool, err := memory.NewPool(22, 14)
	require.NoError(t, err)

	lb.server, err = NewConnector(lb.backend, ConnectorConfig{Device: "mlx5_0", Poller: poller},
		lb.serverHandler, serverPool)
	require.NoError(t, err)
	lb.client, err = NewConnector(lb.backend, ConnectorConfig{Device: "mlx5_0", Poller: poller},
		lb.clientHandler, clientPool)
	require.NoError(t, err)

	require.NoError(t, lb.server.ListenTCP(0, lb.exposed))
	port := lb.server.BootstrapAddr().(*net.TCPAddr).Port

	lb.clientConn, err = lb.client.ConnectTCP("127.0.0.1", port)
	require.NoError(t, err)

	select {
	case lb.serverConn = <-lb.serverHandler.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("server never reported OnConnected")
	}
	select {
	case <-lb.clientHandler.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("client never reported OnConnected")
	}

	t.Cleanup(func() {
		_ = lb.client.Close()
		_ = lb.server.Close()
		_ = lb.backend.Close()
		_ = serverPool.Close()
		_ = clientPool.Close()
	})
	return lb
}

func TestHandshakeHappyPath(t *testing.T) {
	lb := newLoopback(t, PollerBlocking)

	assert.True(t, lb.serverConn.IsConnected())
	assert.True(t, lb.clientConn.IsConnected())
	assert.Equal(t, RoleServer, lb.serverConn.Role())
	assert.Equal(t, RoleClient, lb.clientConn.Role())

	select {
	case mr := <-lb.clientHandler.remoteMR:
		assert.Equal(t, uint64(1<<20), mr.Size)
		assert.NotZero(t, mr.Addr)
	case <-time.After(time.Second):
		t.Fatal("client never received remote memory region")
	}

	remote, ok := lb.clientConn.RemoteMemoryRegion()
	require.True(t, ok)
	assert.Equal(t, uint64(1<<20), remote.Size)

	// Both sides hold a full receive backlog.
	assert.Equal(t, RecvBacklog, lb.serverConn.OutstandingReceives())
	assert.Equal(t, RecvBacklog, lb.clientConn.OutstandingReceives())
}

func TestSendRoundTrip(t *testing.T) {
	lb := newLoopback(t, PollerBlocking)

	payload := []byte("batch plan dispatch for model 3")
	buf, err := lb.client.Connection().Pool().Allocate()
	require.NoError(t, err)
	view := buf.MessageView()
	copy(view.PayloadBuffer(), payload)
	view.SetLength(len(payload))

	require.NoError(t, lb.clientConn.AsyncSend(buf))

	select {
	case got := <-lb.serverHandler.recv:
		assert.Equal(t, payload, got)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the payload")
	}
	select {
	case <-lb.clientHandler.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("client never observed the send completion")
	}

	// All non-receive work requests have drained from both tables.
	assert.Eventually(t, func() bool {
		return lb.clientConn.PendingWorkRequests() == RecvBacklog &&
			lb.serverConn.PendingWorkRequests() == RecvBacklog
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOneSidedRead(t *testing.T) {
	lb := newLoopback(t, PollerBlocking)

	wrID, err := lb.clientConn.AsyncRead(0, 16)
	require.NoError(t, err)
	assert.NotZero(t, wrID)

	select {
	case got := <-lb.clientHandler.readDone:
		require.Len(t, got, 16)
		for _, v := range got {
			assert.Equal(t, byte(0xAB), v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("rdma read never completed")
	}
}

func TestOneSidedReadAtOffset(t *testing.T) {
	lb := newLoopback(t, PollerBlocking)

	// Distinguish a window inside the exposed region.
	for i := 0; i < 8; i++ {
		lb.exposed[100+i] = byte(i)
	}

	_, err := lb.clientConn.AsyncRead(100, 8)
	require.NoError(t, err)

	select {
	case got := <-lb.clientHandler.readDone:
		assert.Equal(t, []byte{0, 1, 2, 3, 4, 5, 6, 7}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("rdma read never completed")
	}
}

func TestReceiveBacklogPreserved(t *testing.T) {
	lb := newLoopback(t, PollerBlocking)

	const messages = 10
	for i := 0; i < messages; i++ {
		buf, err := lb.client.Connection().Pool().Allocate()
		require.NoError(t, err)
		view := buf.MessageView()
		view.PayloadBuffer()[0] = byte(i)
		view.SetLength(1)
		require.NoError(t, lb.clientConn.AsyncSend(buf))
	}

	for i := 0; i < messages; i++ {
		select {
		case got := <-lb.serverHandler.recv:
			assert.Equal(t, byte(i), got[0], "receives arrive in send order")
		case <-time.After(2 * time.Second):
			t.Fatalf("message %d never arrived", i)
		}
		// The replacement receive was posted before the handler ran.
		backlog := <-lb.serverHandler.recvBacklog
		assert.Equal(t, RecvBacklog, backlog)
	}
	assert.Equal(t, RecvBacklog, lb.serverConn.OutstandingReceives())
}

func TestSpinningPoller(t *testing.T) {
	lb := newLoopback(t, PollerSpinning)

	payload := []byte("spinning poller payload")
	buf, err := lb.client.Connection().Pool().Allocate()
	require.NoError(t, err)
	view := buf.MessageView()
	copy(view.PayloadBuffer(), payload)
	view.SetLength(len(payload))
	require.NoError(t, lb.clientConn.AsyncSend(buf))

	select {
	case got := <-lb.serverHandler.recv:
		assert.Equal(t, payload, got)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the payload")
	}
}

func TestSendNotConnected(t *testing.T) {
	lb := newLoopback(t, PollerBlocking)

	buf, err := lb.client.Connection().Pool().Allocate()
	require.NoError(t, err)
	require.NoError(t, lb.clientConn.Close())

	err = lb.clientConn.AsyncSend(buf)
	assert.ErrorIs(t, err, ErrNotConnected)
	buf.Free()
}

func TestConnectorDeviceErrors(t *testing.T) {
	b := NewSimulatedBackend()
	defer b.Close()
	pool, err := memory.NewPool(20, 14)
	require.NoError(t, err)

	_, err = NewConnector(b, ConnectorConfig{Device: "missing0"}, newTestHandler(), pool)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}
