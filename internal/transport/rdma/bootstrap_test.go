package rdma

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeFrameRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	chA := newBootstrapChannel(a)
	chB := newBootstrapChannel(b)
	defer chA.Close()
	defer chB.Close()

	sent := &handshakeFrame{
		Type:  frameConnInfo,
		LID:   7,
		QPNum: 12345,
	}
	copy(sent.GID[:], []byte{0xfe, 0x80, 1, 2, 3, 4})

	done := make(chan error, 1)
	go func() { done <- chA.writeFrame(sent) }()

	got, err := chB.expectFrame(frameConnInfo)
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.Equal(t, sent.LID, got.LID)
	assert.Equal(t, sent.GID, got.GID)
	assert.Equal(t, sent.QPNum, got.QPNum)
}

func TestHandshakeFrameTypeMismatch(t *testing.T) {
	a, b := net.Pipe()
	chA := newBootstrapChannel(a)
	chB := newBootstrapChannel(b)
	defer chA.Close()
	defer chB.Close()

	go func() {
		_ = chA.writeFrame(&handshakeFrame{Type: frameMemoryRegion, Addr: 1, Size: 2, RKey: 3})
	}()

	_, err := chB.expectFrame(frameConnInfo)
	assert.ErrorIs(t, err, ErrHandshakeProtocol)
}

func TestHandshakeFramePeerClosed(t *testing.T) {
	a, b := net.Pipe()
	chB := newBootstrapChannel(b)
	defer chB.Close()

	require.NoError(t, a.Close())

	_, err := chB.readFrame()
	assert.ErrorIs(t, err, ErrPeerClosed)
}

func TestDialBootstrapRefused(t *testing.T) {
	// Grab a port that is certainly closed.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	_, err = dialBootstrap("127.0.0.1", port)
	assert.ErrorIs(t, err, ErrTCPIo)
}
