package rdma

import "github.com/dengwxn/nexuslb/internal/memory"

// EventHandler receives connection lifecycle and data-path events. Buffer
// callbacks own the block they are handed and return it to the pool by
// calling Free; the transport never touches a buffer again after handing it
// over.
//
// Handlers are invoked from the connection's CQ poller goroutine (OnRecv,
// OnSent, OnRdmaReadComplete) or from the goroutine driving the handshake
// (OnConnected, OnRemoteMemoryRegionReceived). OnError comes from the
// handshake goroutine for handshake failures, from the poller for
// connection-fatal completion failures, and from the connector's accept loop
// (with a nil connection) when accepting fails. They must not block
// for long; a blocked handler stalls completion processing for that
// connection.
type EventHandler interface {
	OnConnected(conn *Connection)
	OnRemoteMemoryRegionReceived(conn *Connection, addr uint64, size uint64)
	OnRecv(conn *Connection, buf *memory.Block)
	OnSent(conn *Connection, buf *memory.Block)
	OnRdmaReadComplete(conn *Connection, wrID uint64, buf *memory.Block)
	OnError(conn *Connection, err error)
}

// NopEventHandler implements EventHandler with no-ops that free any buffer
// they receive. Embed it to implement only the events a component cares
// about.
type NopEventHandler struct{}

func (NopEventHandler) OnConnected(*Connection) {}

func (NopEventHandler) OnRemoteMemoryRegionReceived(*Connection, uint64, uint64) {}

func (NopEventHandler) OnRecv(_ *Connection, buf *memory.Block) { buf.Free() }

func (NopEventHandler) OnSent(_ *Connection, buf *memory.Block) { buf.Free() }
func (NopEventHandler) OnRdmaReadComplete(_ *Connection, _ uint64, buf *memory.Block) {
	buf.Free()
}

func (NopEventHandler) OnError(*Connection, error) {}
