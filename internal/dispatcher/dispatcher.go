package dispatcher

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dengwxn/nexuslb/internal/memory"
	"github.com/dengwxn/nexuslb/internal/metrics"
	"github.com/dengwxn/nexuslb/internal/transport/rdma"
)

// Entrance is one model session's queue into the scheduler. EnqueueQuery
// must not block; a full queue reports StatusQueueFull and the frontend gets
// the failure reply.
type Entrance interface {
	ModelIndex() uint32
	EnqueueQuery(d *Dispatch) Status
}

// ModelWorker is the RDMA event handler of the dispatch ingress. Each
// received Dispatch is stamped with the ingress and scheduling timestamps,
// assigned a global id, and routed into its model session's entrance. Only
// failures are answered; a successful dispatch is silent.
type ModelWorker struct {
	rdma.NopEventHandler

	issuer *GlobalIDIssuer
	sender *Sender

	mu        sync.Mutex
	entrances []Entrance
}

// NewModelWorker creates the ingress handler.
func NewModelWorker(pool *memory.Pool, issuer *GlobalIDIssuer) *ModelWorker {
	return &ModelWorker{
		issuer: issuer,
		sender: NewSender(pool),
	}
}

// AddModelSession installs an entrance at its model index, growing the table
// on demand.
func (w *ModelWorker) AddModelSession(e Entrance) {
	w.mu.Lock()
	defer w.mu.Unlock()
	idx := int(e.ModelIndex())
	if idx >= len(w.entrances) {
		grown := make([]Entrance, idx+1)
		copy(grown, w.entrances)
		w.entrances = grown
	}
	w.entrances[idx] = e
}

func (w *ModelWorker) entrance(modelIndex uint32) Entrance {
	w.mu.Lock()
	defer w.mu.Unlock()
	if int(modelIndex) >= len(w.entrances) {
		return nil
	}
	return w.entrances[modelIndex]
}

// OnConnected logs the new frontend connection.
func (w *ModelWorker) OnConnected(conn *rdma.Connection) {
	log.Info().Str("conn_id", conn.ID()).Msg("frontend connected")
}

// OnRecv decodes one control message. The ingress timestamp is captured
// before parsing.
func (w *ModelWorker) OnRecv(conn *rdma.Connection, buf *memory.Block) {
	recvNS := time.Now().UnixNano()
	defer buf.Free()

	msg, err := UnmarshalFromView(buf.MessageView())
	if err != nil {
		log.Error().Err(err).Msg("parsing control message failed")
		return
	}
	switch {
	case msg.Dispatch != nil:
		w.handleDispatch(conn, msg.Dispatch, recvNS)
	default:
		log.Error().Msg("unhandled control message")
	}
}

// OnError logs transport failures; the connection is already dead.
func (w *ModelWorker) OnError(conn *rdma.Connection, err error) {
	if conn != nil {
		log.Error().Err(err).Str("conn_id", conn.ID()).Msg("rdma error")
		return
	}
	log.Error().Err(err).Msg("rdma error")
}

// routeDispatch stamps the punch clock, assigns the global id, and enqueues
// into the model session's entrance.
func (w *ModelWorker) routeDispatch(d *Dispatch, recvNS int64) Status {
	d.Clock.DispatcherRecvNS = recvNS
	d.Clock.DispatcherSchedNS = time.Now().UnixNano()
	d.GlobalID = w.issuer.Next()

	status := StatusModelNotFound
	if entrance := w.entrance(d.ModelIndex); entrance != nil {
		status = entrance.EnqueueQuery(d)
	}
	metrics.DispatchesTotal.WithLabelValues(status.String()).Inc()
	return status
}

func (w *ModelWorker) handleDispatch(conn *rdma.Connection, d *Dispatch, recvNS int64) {
	status := w.routeDispatch(d, recvNS)
	if status == StatusOK {
		return
	}

	reply := &ControlMessage{DispatchReply: &DispatchReply{
		Status:     status,
		ModelIndex: d.ModelIndex,
		QueryList:  []ReplyQuery{{QueryID: d.QueryID, Clock: d.Clock}},
	}}
	if err := w.sender.SendMessage(conn, reply); err != nil {
		log.Error().Err(err).
			Uint64("query_id", d.QueryID).
			Str("status", status.String()).
			Msg("sending dispatch reply failed")
		return
	}
	metrics.DispatchRepliesTotal.Inc()
}

// ChannelEntrance is a bounded model-session queue. The external scheduler
// drains it; a full channel turns into StatusQueueFull at the ingress.
type ChannelEntrance struct {
	modelIndex uint32
	queue      chan *Dispatch
}

// NewChannelEntrance creates an entrance with the given queue depth.
func NewChannelEntrance(modelIndex uint32, depth int) *ChannelEntrance {
	return &ChannelEntrance{
		modelIndex: modelIndex,
		queue:      make(chan *Dispatch, depth),
	}
}

func (e *ChannelEntrance) ModelIndex() uint32 { return e.modelIndex }

func (e *ChannelEntrance) EnqueueQuery(d *Dispatch) Status {
	select {
	case e.queue <- d:
		return StatusOK
	default:
		return StatusQueueFull
	}
}

// Queue exposes the consumer side of the entrance.
func (e *ChannelEntrance) Queue() <-chan *Dispatch { return e.queue }
