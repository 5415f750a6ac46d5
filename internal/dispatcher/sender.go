package dispatcher

import (
	"github.com/dengwxn/nexuslb/internal/memory"
	"github.com/dengwxn/nexuslb/internal/transport/rdma"
)

// Sender marshals control messages into pool blocks and posts them. The
// block's ownership moves to the transport on a successful post and comes
// back through OnSent, where it is freed.
type Sender struct {
	pool *memory.Pool
}

// NewSender creates a sender drawing from the given pool.
func NewSender(pool *memory.Pool) *Sender {
	return &Sender{pool: pool}
}

// SendMessage serializes msg and posts it on conn.
func (s *Sender) SendMessage(conn *rdma.Connection, msg *ControlMessage) error {
	buf, err := s.pool.Allocate()
	if err != nil {
		return err
	}
	if err := MarshalToBlock(msg, buf); err != nil {
		buf.Free()
		return err
	}
	if err := conn.AsyncSend(buf); err != nil {
		buf.Free()
		return err
	}
	return nil
}
