package rdma

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dengwxn/nexuslb/internal/memory"
	"github.com/dengwxn/nexuslb/internal/metrics"
)

// PollerType selects the completion-polling strategy.
type PollerType int

const (
	// PollerBlocking parks the poller on the completion channel with a 1 ms
	// cancellation quantum.
	PollerBlocking PollerType = iota
	// PollerSpinning polls the CQ in a tight loop, yielding between empty
	// polls.
	PollerSpinning
)

// Role distinguishes the two handshake sides. The server advertises a
// remote-readable memory region; the client receives the peer's.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

type wrKind int

const (
	wrRecv wrKind = iota
	wrSend
	wrRead
)

// wrContext holds the owned buffer for a posted work request. The entry
// lives in the table from post time until the completion is observed; the
// NIC may touch the buffer for that whole window.
type wrContext struct {
	buf  *memory.Block
	kind wrKind
}

// Connection owns one reliable-connection queue pair, its protection domain,
// completion queue, poller goroutine, and the work-request context table.
type Connection struct {
	id      string
	role    Role
	backend Backend
	handler EventHandler
	pool    *memory.Pool
	poller  PollerType
	tcp     *bootstrapChannel
	logger  zerolog.Logger

	pd        PD
	cq        CQ
	qp        QP
	qpNum     uint32
	poolMR    MR
	poolLKey  uint32
	exposedMR MR
	exposed   []byte

	remoteMR    RemoteMemoryRegion
	hasRemoteMR atomic.Bool

	mu      sync.Mutex
	wrTable map[uint64]wrContext

	nextWRID   atomic.Uint64
	connected  atomic.Bool
	pollerStop atomic.Bool
	pollerDone chan struct{}
	closeOnce  sync.Once
	gaugeOnce  sync.Once
}

// newConnection runs the whole connection lifecycle synchronously: verbs
// resource construction, the queue-pair state machine, the TCP handshake,
// and poller start. On return the connection is live or an error describes
// the first failed step.
func newConnection(backend Backend, devCtx DeviceContext, port PortInfo, tcp *bootstrapChannel,
	pool *memory.Pool, exposed []byte, handler EventHandler, poller PollerType) (*Connection, error) {
	c := &Connection{
		id:      uuid.NewString(),
		backend: backend,
		handler: handler,
		pool:    pool,
		poller:  poller,
		tcp:     tcp,
		exposed: exposed,
		wrTable: make(map[uint64]wrContext),
	}
	if exposed != nil {
		c.role = RoleServer
	} else {
		c.role = RoleClient
	}
	c.logger = log.With().
		Str("conn_id", c.id).
		Str("role", c.role.String()).
		Str("peer", tcp.RemoteAddr().String()).
		Logger()

	if err := c.establish(devCtx, port); err != nil {
		c.pollerStop.Store(true)
		if c.pollerDone != nil {
			<-c.pollerDone
		}
		c.teardown()
		return nil, err
	}
	return c, nil
}

func (c *Connection) establish(devCtx DeviceContext, port PortInfo) error {
	var err error
	if c.pd, err = c.backend.AllocPD(devCtx); err != nil {
		return fmt.Errorf("alloc pd: %w", err)
	}
	if c.cq, err = c.backend.CreateCQ(devCtx, cqSize, c.poller == PollerBlocking); err != nil {
		return fmt.Errorf("create cq: %w", err)
	}
	if c.qp, err = c.backend.CreateQP(c.pd, c.cq, QPCaps{
		MaxSendWR:  maxSendWR,
		MaxRecvWR:  maxRecvWR,
		MaxSendSGE: maxSendSGE,
		MaxRecvSGE: maxRecvSGE,
	}); err != nil {
		return fmt.Errorf("create qp: %w", err)
	}
	if c.qpNum, err = c.backend.QPNum(c.qp); err != nil {
		return fmt.Errorf("query qp number: %w", err)
	}
	if err = c.backend.ModifyQPToInit(c.qp, port.Number); err != nil {
		return fmt.Errorf("%w: to init: %v", ErrQPTransition, err)
	}
	if err = c.registerMemory(); err != nil {
		return err
	}

	local := ConnInfo{LID: port.LID, GID: port.GID, QPNum: c.qpNum}
	c.logger.Debug().
		Uint32("qp_num", local.QPNum).
		Uint16("lid", local.LID).
		Msg("sending conn info")
	if err = c.tcp.writeFrame(&handshakeFrame{
		Type:  frameConnInfo,
		LID:   local.LID,
		GID:   local.GID,
		QPNum: local.QPNum,
	}); err != nil {
		return err
	}
	peerFrame, err := c.tcp.expectFrame(frameConnInfo)
	if err != nil {
		return err
	}
	peer := ConnInfo{LID: peerFrame.LID, GID: peerFrame.GID, QPNum: peerFrame.QPNum}
	c.logger.Debug().
		Uint32("peer_qp_num", peer.QPNum).
		Uint16("peer_lid", peer.LID).
		Msg("received peer conn info")

	if err = c.backend.ModifyQPToRTR(c.qp, peer, port.Number); err != nil {
		return fmt.Errorf("%w: to rtr: %v", ErrQPTransition, err)
	}
	if err = c.backend.ModifyQPToRTS(c.qp); err != nil {
		return fmt.Errorf("%w: to rts: %v", ErrQPTransition, err)
	}

	if c.role == RoleServer {
		if err = c.markConnected(); err != nil {
			return err
		}
		c.handler.OnConnected(c)
		if err = c.sendMemoryRegion(); err != nil {
			return err
		}
	} else {
		if err = c.recvMemoryRegion(); err != nil {
			return err
		}
		if err = c.markConnected(); err != nil {
			return err
		}
		c.handler.OnConnected(c)
	}
	return nil
}

// registerMemory registers the buffer-pool arena once for the connection's
// lifetime, and the exposed region when acting as server.
func (c *Connection) registerMemory() error {
	mr, err := c.backend.RegMR(c.pd, c.pool.Base(), c.pool.Size(), AccessLocalWrite)
	if err != nil {
		return fmt.Errorf("register pool arena: %w", err)
	}
	c.poolMR = mr
	lkey, _, err := c.backend.MRKeys(mr)
	if err != nil {
		return fmt.Errorf("query pool mr keys: %w", err)
	}
	c.poolLKey = lkey

	if c.exposed != nil {
		mr, err = c.backend.RegMR(c.pd, addrOf(c.exposed), len(c.exposed),
			AccessLocalWrite|AccessRemoteRead|AccessRemoteWrite)
		if err != nil {
			return fmt.Errorf("register exposed region: %w", err)
		}
		c.exposedMR = mr
	}
	return nil
}

func (c *Connection) sendMemoryRegion() error {
	_, rkey, err := c.backend.MRKeys(c.exposedMR)
	if err != nil {
		return fmt.Errorf("query exposed mr keys: %w", err)
	}
	return c.tcp.writeFrame(&handshakeFrame{
		Type: frameMemoryRegion,
		Addr: uint64(addrOf(c.exposed)),
		Size: uint64(len(c.exposed)),
		RKey: rkey,
	})
}

func (c *Connection) recvMemoryRegion() error {
	f, err := c.tcp.expectFrame(frameMemoryRegion)
	if err != nil {
		return err
	}
	c.remoteMR = RemoteMemoryRegion{Addr: f.Addr, Size: f.Size, RKey: f.RKey}
	c.hasRemoteMR.Store(true)
	c.logger.Debug().
		Uint64("addr", f.Addr).
		Uint64("size", f.Size).
		Uint32("rkey", f.RKey).
		Msg("received peer memory region")
	c.handler.OnRemoteMemoryRegionReceived(c, f.Addr, f.Size)
	return nil
}

// markConnected verifies the queue pair reached RTS, starts the poller, and
// prefills the receive backlog. No operation may be posted before this.
func (c *Connection) markConnected() error {
	state, err := c.backend.QueryQPState(c.qp)
	if err != nil {
		return fmt.Errorf("query qp state: %w", err)
	}
	if state != StateRTS {
		return fmt.Errorf("%w: qp in state %s after handshake", ErrQPTransition, state)
	}

	if c.poller == PollerBlocking {
		if err := c.backend.ReqNotifyCQ(c.cq); err != nil {
			return fmt.Errorf("arm completion channel: %w", err)
		}
	}
	c.pollerDone = make(chan struct{})
	go c.pollLoop()

	for i := 0; i < RecvBacklog; i++ {
		if err := c.postReceive(); err != nil {
			return err
		}
	}
	c.connected.Store(true)
	metrics.ConnectionsActive.Inc()
	c.logger.Info().Uint32("qp_num", c.qpNum).Msg("connection established")
	return nil
}

// releaseGauge decrements the active-connections gauge exactly once, from
// whichever of fatalError and Close fires first.
func (c *Connection) releaseGauge() {
	c.gaugeOnce.Do(metrics.ConnectionsActive.Dec)
}

// ID returns the connection identifier used in logs.
func (c *Connection) ID() string { return c.id }

// Role returns which side of the handshake this connection took.
func (c *Connection) Role() Role { return c.role }

// IsConnected reports whether the connection finished its handshake and has
// not failed.
func (c *Connection) IsConnected() bool { return c.connected.Load() }

// RemoteMemoryRegion returns the peer's exposed region, if one was received.
func (c *Connection) RemoteMemoryRegion() (RemoteMemoryRegion, bool) {
	return c.remoteMR, c.hasRemoteMR.Load()
}

// Pool returns the buffer pool this connection posts from. Callers allocate
// send buffers here.
func (c *Connection) Pool() *memory.Pool { return c.pool }

// PendingWorkRequests counts all table entries awaiting completion.
func (c *Connection) PendingWorkRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.wrTable)
}

// OutstandingReceives counts posted receives awaiting completion.
func (c *Connection) OutstandingReceives() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ctx := range c.wrTable {
		if ctx.kind == wrRecv {
			n++
		}
	}
	return n
}

// postReceive allocates a pool buffer and posts it to the receive queue. The
// context is inserted before posting; a post failure removes it again and
// surfaces ErrPostFailed.
func (c *Connection) postReceive() error {
	buf, err := c.pool.Allocate()
	if err != nil {
		return err
	}
	wrID := c.nextWRID.Add(1)
	c.insertContext(wrID, buf, wrRecv)
	wr := RecvWR{
		WRID: wrID,
		SGE: SGE{
			Addr:   uint64(buf.Addr()),
			Length: uint32(buf.Size()),
			LKey:   c.poolLKey,
		},
	}
	if err := c.backend.PostRecv(c.qp, &wr); err != nil {
		c.removeContext(wrID)
		buf.Free()
		return fmt.Errorf("%w: recv wr %d: %v", ErrPostFailed, wrID, err)
	}
	return nil
}

// AsyncSend posts a signaled SEND over the buffer's message view. On success
// the transport owns the buffer until the completion hands it to OnSent; on
// error ownership stays with the caller.
func (c *Connection) AsyncSend(buf *memory.Block) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	view := buf.MessageView()
	wrID := c.nextWRID.Add(1)
	c.insertContext(wrID, buf, wrSend)
	wr := SendWR{
		WRID:   wrID,
		Opcode: OpSend,
		SGE: SGE{
			Addr:   uint64(buf.Addr()),
			Length: uint32(view.TotalLength()),
			LKey:   c.poolLKey,
		},
	}
	if err := c.backend.PostSend(c.qp, &wr); err != nil {
		c.removeContext(wrID)
		return fmt.Errorf("%w: send wr %d: %v", ErrPostFailed, wrID, err)
	}
	return nil
}

// AsyncRead posts a signaled RDMA_READ of length bytes at the given offset
// into the peer's exposed region. The data lands in the payload area of a
// fresh pool buffer delivered through OnRdmaReadComplete. Returns the work
// request id for correlation.
func (c *Connection) AsyncRead(offset, length uint64) (uint64, error) {
	if !c.connected.Load() {
		return 0, ErrNotConnected
	}
	if !c.hasRemoteMR.Load() {
		return 0, fmt.Errorf("%w: no remote memory region", ErrRemoteAccess)
	}
	buf, err := c.pool.Allocate()
	if err != nil {
		return 0, err
	}
	view := buf.MessageView()
	if length > uint64(view.PayloadCapacity()) {
		buf.Free()
		return 0, ErrReadLengthExceeded
	}
	view.SetLength(int(length))

	wrID := c.nextWRID.Add(1)
	c.insertContext(wrID, buf, wrRead)
	wr := SendWR{
		WRID:   wrID,
		Opcode: OpRDMARead,
		SGE: SGE{
			Addr:   uint64(buf.Addr()) + memory.MessageHeaderSize,
			Length: uint32(length),
			LKey:   c.poolLKey,
		},
		RemoteAddr: c.remoteMR.Addr + offset,
		RKey:       c.remoteMR.RKey,
	}
	if err := c.backend.PostSend(c.qp, &wr); err != nil {
		c.removeContext(wrID)
		buf.Free()
		return 0, fmt.Errorf("%w: read wr %d: %v", ErrPostFailed, wrID, err)
	}
	return wrID, nil
}

func (c *Connection) insertContext(wrID uint64, buf *memory.Block, kind wrKind) {
	c.mu.Lock()
	c.wrTable[wrID] = wrContext{buf: buf, kind: kind}
	c.mu.Unlock()
}

func (c *Connection) removeContext(wrID uint64) (wrContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, ok := c.wrTable[wrID]
	if ok {
		delete(c.wrTable, wrID)
	}
	return ctx, ok
}

// pollLoop is the single goroutine that observes completions and removes
// work-request contexts. Handlers are never invoked under the table lock.
func (c *Connection) pollLoop() {
	defer close(c.pollerDone)
	switch c.poller {
	case PollerBlocking:
		c.pollBlocking()
	case PollerSpinning:
		c.pollSpinning()
	}
}

func (c *Connection) pollBlocking() {
	for !c.pollerStop.Load() {
		got, err := c.backend.WaitCQEvent(c.cq, pollTimeoutMillis*time.Millisecond)
		if err != nil {
			c.logger.Warn().Err(err).Msg("waiting for cq event")
			continue
		}
		if c.pollerStop.Load() {
			return
		}
		if !got {
			continue
		}
		// Re-arm before draining so a completion racing with the drain still
		// produces a wakeup.
		if err := c.backend.ReqNotifyCQ(c.cq); err != nil {
			c.logger.Warn().Err(err).Msg("re-arming completion channel")
			continue
		}
		c.drainCQ()
	}
}

func (c *Connection) pollSpinning() {
	for !c.pollerStop.Load() {
		wcs, err := c.backend.PollCQ(c.cq, cqSize)
		if err != nil {
			c.fatalError(fmt.Errorf("%w: poll cq: %v", ErrCompletionFailure, err))
			return
		}
		if len(wcs) == 0 {
			runtime.Gosched()
			continue
		}
		for _, wc := range wcs {
			c.handleCompletion(wc)
		}
	}
}

func (c *Connection) drainCQ() {
	for !c.pollerStop.Load() {
		wcs, err := c.backend.PollCQ(c.cq, cqSize)
		if err != nil {
			c.fatalError(fmt.Errorf("%w: poll cq: %v", ErrCompletionFailure, err))
			return
		}
		if len(wcs) == 0 {
			return
		}
		for _, wc := range wcs {
			c.handleCompletion(wc)
		}
	}
}

// handleCompletion dispatches one work completion by opcode. The context is
// removed from the table and its buffer moved into the handler callback,
// which owns it from then on.
func (c *Connection) handleCompletion(wc WorkCompletion) {
	metrics.CompletionsTotal.WithLabelValues(wc.Opcode.String()).Inc()
	ctx, ok := c.removeContext(wc.WRID)
	if wc.Status != WCSuccess {
		if ok {
			ctx.buf.Free()
		}
		c.logger.Error().
			Uint64("wr_id", wc.WRID).
			Str("opcode", wc.Opcode.String()).
			Str("status", wc.Status.String()).
			Msg("completion failure")
		c.fatalError(fmt.Errorf("%w: %s wr %d: %s", ErrCompletionFailure, wc.Opcode, wc.WRID, wc.Status))
		return
	}
	if !ok {
		c.fatalError(fmt.Errorf("%w: no context for wr %d", ErrCompletionFailure, wc.WRID))
		return
	}

	if wc.Opcode.IsRecv() {
		// Replace before the handler runs so the backlog never dips.
		if c.connected.Load() && !c.pollerStop.Load() {
			if err := c.postReceive(); err != nil {
				ctx.buf.Free()
				c.fatalError(err)
				return
			}
		}
		c.handler.OnRecv(c, ctx.buf)
		return
	}
	switch wc.Opcode {
	case WCOpSend:
		c.handler.OnSent(c, ctx.buf)
	case WCOpRDMARead:
		c.handler.OnRdmaReadComplete(c, wc.WRID, ctx.buf)
	default:
		c.logger.Warn().
			Uint64("wr_id", wc.WRID).
			Str("opcode", wc.Opcode.String()).
			Msg("unhandled completion opcode")
		ctx.buf.Free()
	}
}

// fatalError marks the connection dead and reports the failure once.
func (c *Connection) fatalError(err error) {
	if c.pollerStop.Swap(true) {
		return
	}
	if c.connected.CompareAndSwap(true, false) {
		c.releaseGauge()
		c.logger.Error().Err(err).Msg("connection failed")
	}
	c.handler.OnError(c, err)
}

// Close stops the poller, waits for it, and destroys verbs resources: the
// queue pair, the completion queue, the memory registrations, and then the
// protection domain. Outstanding work requests are abandoned with
// the queue pair; their buffers are returned to the pool here.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.connected.Swap(false) {
			c.releaseGauge()
		}
		c.pollerStop.Store(true)
		if c.pollerDone != nil {
			<-c.pollerDone
		}
		err = c.teardown()
	})
	return err
}

func (c *Connection) teardown() error {
	var firstErr error
	keep := func(e error) {
		if e != nil && firstErr == nil {
			firstErr = e
		}
	}
	c.mu.Lock()
	for id, ctx := range c.wrTable {
		ctx.buf.Free()
		delete(c.wrTable, id)
	}
	c.mu.Unlock()

	if c.qp != 0 {
		keep(c.backend.DestroyQP(c.qp))
		c.qp = 0
	}
	if c.cq != 0 {
		keep(c.backend.DestroyCQ(c.cq))
		c.cq = 0
	}
	if c.exposedMR != 0 {
		keep(c.backend.DeregMR(c.exposedMR))
		c.exposedMR = 0
	}
	if c.poolMR != 0 {
		keep(c.backend.DeregMR(c.poolMR))
		c.poolMR = 0
	}
	if c.pd != 0 {
		keep(c.backend.DeallocPD(c.pd))
		c.pd = 0
	}
	if c.tcp != nil {
		keep(c.tcp.Close())
	}
	return firstErr
}
