package rdma

import (
	"fmt"
	"sync"
	"time"
	"unsafe"
)

// SimulatedBackend is an in-process verbs fabric. Queue pairs created on the
// same backend and wired to each other's QP numbers exchange real bytes:
// SENDs land in the peer's posted receive buffers in post order, RDMA reads
// resolve remote addresses against registered memory regions, and
// completions are delivered through per-CQ completion channels. It backs the
// default build and the test suite; the rdma_hw build replaces it with
// libibverbs.
type SimulatedBackend struct {
	mu         sync.Mutex
	nextHandle uintptr
	closed     bool

	devices  []DeviceInfo
	ports    map[string][]PortInfo
	contexts map[DeviceContext]*simContext
	pds      map[PD]*simPD
	cqs      map[CQ]*simCQ
	qps      map[QP]*simQP
	mrs      map[MR]*simMR
}

type simContext struct {
	device DeviceInfo
	ports  []PortInfo
}

type simPD struct {
	ctx DeviceContext
}

type simCQ struct {
	size    int
	entries []WorkCompletion
	notify  chan struct{}
	armed   bool
}

type simQP struct {
	pd        PD
	cq        CQ
	qpNum     uint32
	state     QPState
	destQPN   uint32
	caps      QPCaps
	recvQueue []RecvWR
	pendingIn []pendingSend
}

// pendingSend is a SEND that arrived before the receiver posted a buffer.
// Real hardware answers this with an RNR NAK and retries; the fabric just
// parks it until the next PostRecv.
type pendingSend struct {
	srcQP *simQP
	srcCQ *simCQ
	wr    SendWR
}

type simMR struct {
	pd     PD
	base   uintptr
	length int
	access int
	lkey   uint32
	rkey   uint32
}

// NewSimulatedBackend creates a fabric with two devices: an InfiniBand-style
// device (non-zero LID) and a RoCE-style device (LID zero, routed by GID).
func NewSimulatedBackend() *SimulatedBackend {
	b := &SimulatedBackend{
		contexts: make(map[DeviceContext]*simContext),
		pds:      make(map[PD]*simPD),
		cqs:      make(map[CQ]*simCQ),
		qps:      make(map[QP]*simQP),
		mrs:      make(map[MR]*simMR),
	}
	var roceGID [16]byte
	copy(roceGID[:], []byte{0xfe, 0x80, 0, 0, 0, 0, 0, 0, 0x02, 0x15, 0xb3, 0xff, 0xfe, 0x00, 0x00, 0x01})
	b.devices = []DeviceInfo{
		{Name: "mlx5_0", GUID: 0x0002c90300fed670, PhysPortCnt: 1},
		{Name: "rxe0", GUID: 0x0002c90300fed671, PhysPortCnt: 1},
	}
	b.ports = map[string][]PortInfo{
		"mlx5_0": {{Number: 1, Active: true, LID: 1}},
		"rxe0":   {{Number: 1, Active: true, LID: 0, GID: roceGID}},
	}
	return b
}

func (b *SimulatedBackend) handle() uintptr {
	b.nextHandle++
	return b.nextHandle
}

func (b *SimulatedBackend) Devices() ([]DeviceInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBackendClosed
	}
	out := make([]DeviceInfo, len(b.devices))
	copy(out, b.devices)
	return out, nil
}

func (b *SimulatedBackend) OpenDevice(name string) (DeviceContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrBackendClosed
	}
	for _, d := range b.devices {
		if d.Name == name {
			ctx := DeviceContext(b.handle())
			b.contexts[ctx] = &simContext{device: d, ports: b.ports[name]}
			return ctx, nil
		}
	}
	return 0, ErrDeviceNotFound
}

func (b *SimulatedBackend) CloseDevice(ctx DeviceContext) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.contexts[ctx]; !ok {
		return ErrUnknownHandle
	}
	delete(b.contexts, ctx)
	return nil
}

func (b *SimulatedBackend) QueryPorts(ctx DeviceContext) ([]PortInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.contexts[ctx]
	if !ok {
		return nil, ErrUnknownHandle
	}
	out := make([]PortInfo, len(c.ports))
	copy(out, c.ports)
	return out, nil
}

func (b *SimulatedBackend) AllocPD(ctx DeviceContext) (PD, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.contexts[ctx]; !ok {
		return 0, ErrUnknownHandle
	}
	pd := PD(b.handle())
	b.pds[pd] = &simPD{ctx: ctx}
	return pd, nil
}

func (b *SimulatedBackend) DeallocPD(pd PD) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pds[pd]; !ok {
		return ErrUnknownHandle
	}
	delete(b.pds, pd)
	return nil
}

func (b *SimulatedBackend) CreateCQ(ctx DeviceContext, cqe int, withChannel bool) (CQ, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.contexts[ctx]; !ok {
		return 0, ErrUnknownHandle
	}
	cq := CQ(b.handle())
	sc := &simCQ{size: cqe}
	if withChannel {
		sc.notify = make(chan struct{}, 1)
	}
	b.cqs[cq] = sc
	return cq, nil
}

func (b *SimulatedBackend) DestroyCQ(cq CQ) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.cqs[cq]; !ok {
		return ErrUnknownHandle
	}
	delete(b.cqs, cq)
	return nil
}

func (b *SimulatedBackend) ReqNotifyCQ(cq CQ) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sc, ok := b.cqs[cq]
	if !ok {
		return ErrUnknownHandle
	}
	sc.armed = true
	return nil
}

func (b *SimulatedBackend) WaitCQEvent(cq CQ, timeout time.Duration) (bool, error) {
	b.mu.Lock()
	sc, ok := b.cqs[cq]
	if !ok {
		b.mu.Unlock()
		return false, ErrUnknownHandle
	}
	ch := sc.notify
	b.mu.Unlock()
	if ch == nil {
		return false, fmt.Errorf("completion channel not enabled for cq")
	}
	select {
	case <-ch:
		return true, nil
	case <-time.After(timeout):
		return false, nil
	}
}

func (b *SimulatedBackend) PollCQ(cq CQ, max int) ([]WorkCompletion, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sc, ok := b.cqs[cq]
	if !ok {
		return nil, ErrUnknownHandle
	}
	n := min(max, len(sc.entries))
	if n == 0 {
		return nil, nil
	}
	out := make([]WorkCompletion, n)
	copy(out, sc.entries[:n])
	sc.entries = append(sc.entries[:0], sc.entries[n:]...)
	return out, nil
}

func (b *SimulatedBackend) CreateQP(pd PD, cq CQ, caps QPCaps) (QP, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pds[pd]; !ok {
		return 0, ErrUnknownHandle
	}
	if _, ok := b.cqs[cq]; !ok {
		return 0, ErrUnknownHandle
	}
	qp := QP(b.handle())
	b.qps[qp] = &simQP{
		pd:    pd,
		cq:    cq,
		qpNum: uint32(qp),
		state: StateReset,
		caps:  caps,
	}
	return qp, nil
}

func (b *SimulatedBackend) DestroyQP(qp QP) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.qps[qp]; !ok {
		return ErrUnknownHandle
	}
	delete(b.qps, qp)
	return nil
}

func (b *SimulatedBackend) QPNum(qp QP) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sq, ok := b.qps[qp]
	if !ok {
		return 0, ErrUnknownHandle
	}
	return sq.qpNum, nil
}

func (b *SimulatedBackend) ModifyQPToInit(qp QP, port int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sq, ok := b.qps[qp]
	if !ok {
		return ErrUnknownHandle
	}
	if sq.state != StateReset {
		return fmt.Errorf("%w: %s -> INIT", ErrQPTransition, sq.state)
	}
	sq.state = StateInit
	return nil
}

func (b *SimulatedBackend) ModifyQPToRTR(qp QP, peer ConnInfo, port int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sq, ok := b.qps[qp]
	if !ok {
		return ErrUnknownHandle
	}
	if sq.state != StateInit {
		return fmt.Errorf("%w: %s -> RTR", ErrQPTransition, sq.state)
	}
	sq.destQPN = peer.QPNum
	sq.state = StateRTR
	return nil
}

func (b *SimulatedBackend) ModifyQPToRTS(qp QP) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sq, ok := b.qps[qp]
	if !ok {
		return ErrUnknownHandle
	}
	if sq.state != StateRTR {
		return fmt.Errorf("%w: %s -> RTS", ErrQPTransition, sq.state)
	}
	sq.state = StateRTS
	return nil
}

func (b *SimulatedBackend) QueryQPState(qp QP) (QPState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sq, ok := b.qps[qp]
	if !ok {
		return StateError, ErrUnknownHandle
	}
	return sq.state, nil
}

func (b *SimulatedBackend) RegMR(pd PD, addr uintptr, length int, access int) (MR, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pds[pd]; !ok {
		return 0, ErrUnknownHandle
	}
	mr := MR(b.handle())
	b.mrs[mr] = &simMR{
		pd:     pd,
		base:   addr,
		length: length,
		access: access,
		lkey:   uint32(mr),
		rkey:   uint32(mr),
	}
	return mr, nil
}

func (b *SimulatedBackend) MRKeys(mr MR) (uint32, uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sm, ok := b.mrs[mr]
	if !ok {
		return 0, 0, ErrUnknownHandle
	}
	return sm.lkey, sm.rkey, nil
}

func (b *SimulatedBackend) DeregMR(mr MR) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.mrs[mr]; !ok {
		return ErrUnknownHandle
	}
	delete(b.mrs, mr)
	return nil
}

func (b *SimulatedBackend) PostSend(qp QP, wr *SendWR) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sq, ok := b.qps[qp]
	if !ok {
		return ErrUnknownHandle
	}
	if sq.state != StateRTS {
		return fmt.Errorf("%w: posting send in state %s", ErrQPTransition, sq.state)
	}
	cq := b.cqs[sq.cq]
	switch wr.Opcode {
	case OpSend:
		dest := b.findQP(sq.destQPN)
		if dest == nil {
			return fmt.Errorf("%w: destination qp %d", ErrUnknownHandle, sq.destQPN)
		}
		if len(dest.recvQueue) == 0 {
			// RNR on real hardware; parked until the peer posts a receive.
			dest.pendingIn = append(dest.pendingIn, pendingSend{srcQP: sq, srcCQ: cq, wr: *wr})
			return nil
		}
		rwr := dest.recvQueue[0]
		dest.recvQueue = dest.recvQueue[1:]
		b.deliverSend(sq, cq, *wr, dest, rwr)
	case OpRDMARead:
		n, err := b.resolveRead(wr)
		if err != nil {
			return err
		}
		b.complete(cq, WorkCompletion{WRID: wr.WRID, Status: WCSuccess, Opcode: WCOpRDMARead, ByteLen: n})
	case OpRDMAWrite:
		n, err := b.resolveWrite(wr)
		if err != nil {
			return err
		}
		b.complete(cq, WorkCompletion{WRID: wr.WRID, Status: WCSuccess, Opcode: WCOpRDMAWrite, ByteLen: n})
	default:
		return fmt.Errorf("%w: opcode %d", ErrPostFailed, wr.Opcode)
	}
	return nil
}

func (b *SimulatedBackend) PostRecv(qp QP, wr *RecvWR) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sq, ok := b.qps[qp]
	if !ok {
		return ErrUnknownHandle
	}
	if len(sq.pendingIn) > 0 {
		ps := sq.pendingIn[0]
		sq.pendingIn = sq.pendingIn[1:]
		b.deliverSend(ps.srcQP, ps.srcCQ, ps.wr, sq, *wr)
		return nil
	}
	sq.recvQueue = append(sq.recvQueue, *wr)
	return nil
}

// PostedReceives reports the receive-queue depth of a queue pair. Test
// introspection only.
func (b *SimulatedBackend) PostedReceives(qpNum uint32) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	sq := b.findQP(qpNum)
	if sq == nil {
		return 0
	}
	return len(sq.recvQueue)
}

func (b *SimulatedBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.contexts = make(map[DeviceContext]*simContext)
	b.pds = make(map[PD]*simPD)
	b.cqs = make(map[CQ]*simCQ)
	b.qps = make(map[QP]*simQP)
	b.mrs = make(map[MR]*simMR)
	return nil
}

func (b *SimulatedBackend) findQP(qpNum uint32) *simQP {
	for _, sq := range b.qps {
		if sq.qpNum == qpNum {
			return sq
		}
	}
	return nil
}

// deliverSend copies a SEND payload into the receiver's posted buffer and
// completes both sides. Callers hold the backend lock.
func (b *SimulatedBackend) deliverSend(src *simQP, srcCQ *simCQ, swr SendWR, dest *simQP, rwr RecvWR) {
	n := swr.SGE.Length
	if n > rwr.SGE.Length {
		n = rwr.SGE.Length
	}
	copy(memBytes(rwr.SGE.Addr, n), memBytes(swr.SGE.Addr, n))
	b.complete(srcCQ, WorkCompletion{WRID: swr.WRID, Status: WCSuccess, Opcode: WCOpSend, ByteLen: n})
	b.complete(b.cqs[dest.cq], WorkCompletion{WRID: rwr.WRID, Status: WCSuccess, Opcode: WCOpRecv, ByteLen: n})
}

func (b *SimulatedBackend) resolveRead(wr *SendWR) (uint32, error) {
	if err := b.checkRemote(wr.RKey, wr.RemoteAddr, wr.SGE.Length); err != nil {
		return 0, err
	}
	n := wr.SGE.Length
	copy(memBytes(wr.SGE.Addr, n), memBytes(wr.RemoteAddr, n))
	return n, nil
}

func (b *SimulatedBackend) resolveWrite(wr *SendWR) (uint32, error) {
	if err := b.checkRemote(wr.RKey, wr.RemoteAddr, wr.SGE.Length); err != nil {
		return 0, err
	}
	n := wr.SGE.Length
	copy(memBytes(wr.RemoteAddr, n), memBytes(wr.SGE.Addr, n))
	return n, nil
}

func (b *SimulatedBackend) checkRemote(rkey uint32, addr uint64, length uint32) error {
	for _, sm := range b.mrs {
		if sm.rkey != rkey {
			continue
		}
		start := uint64(sm.base)
		end := start + uint64(sm.length)
		if addr < start || addr+uint64(length) > end {
			return ErrRemoteAccess
		}
		return nil
	}
	return fmt.Errorf("%w: rkey %#x", ErrRemoteAccess, rkey)
}

// complete appends a work completion and fires the completion channel when
// armed. Arming is one-shot: the next ReqNotifyCQ re-enables it.
func (b *SimulatedBackend) complete(cq *simCQ, wc WorkCompletion) {
	cq.entries = append(cq.entries, wc)
	if cq.notify != nil && cq.armed {
		cq.armed = false
		select {
		case cq.notify <- struct{}{}:
		default:
		}
	}
}

func memBytes(addr uint64, n uint32) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), int(n))
}
