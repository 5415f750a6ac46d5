//go:build rdma_hw

package rdma

/*
#cgo linux LDFLAGS: -libverbs
#include <infiniband/verbs.h>
#include <poll.h>
#include <stdlib.h>
#include <string.h>
*/
import "C"

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// HardwareBackend implements Backend over libibverbs. One instance may serve
// many connections; every method call translates directly to the
// corresponding verb.
type HardwareBackend struct {
	mu         sync.Mutex
	nextHandle uintptr

	ctxs map[DeviceContext]*C.struct_ibv_context
	pds  map[PD]*C.struct_ibv_pd
	cqs  map[CQ]*hwCQ
	qps  map[QP]*C.struct_ibv_qp
	mrs  map[MR]*C.struct_ibv_mr
}

type hwCQ struct {
	cq      *C.struct_ibv_cq
	channel *C.struct_ibv_comp_channel
}

// NewHardwareBackend creates a libibverbs-backed verbs backend.
func NewHardwareBackend() *HardwareBackend {
	return &HardwareBackend{
		ctxs: make(map[DeviceContext]*C.struct_ibv_context),
		pds:  make(map[PD]*C.struct_ibv_pd),
		cqs:  make(map[CQ]*hwCQ),
		qps:  make(map[QP]*C.struct_ibv_qp),
		mrs:  make(map[MR]*C.struct_ibv_mr),
	}
}

func (b *HardwareBackend) handle() uintptr {
	b.nextHandle++
	return b.nextHandle
}

func cDeviceName(dev *C.struct_ibv_device) string {
	return C.GoString(C.ibv_get_device_name(dev))
}

func nextDevicePtr(p **C.struct_ibv_device) **C.struct_ibv_device {
	return (**C.struct_ibv_device)(unsafe.Pointer(uintptr(unsafe.Pointer(p)) + unsafe.Sizeof(p)))
}

func (b *HardwareBackend) Devices() ([]DeviceInfo, error) {
	var count C.int
	list, err := C.ibv_get_device_list(&count)
	if err != nil {
		return nil, fmt.Errorf("ibv_get_device_list: %w", err)
	}
	if list == nil || count == 0 {
		return nil, ErrDeviceNotFound
	}
	defer C.ibv_free_device_list(list)

	var out []DeviceInfo
	p := list
	for i := 0; i < int(count); i++ {
		dev := *p
		out = append(out, DeviceInfo{
			Name: cDeviceName(dev),
			GUID: uint64(C.ibv_get_device_guid(dev)),
		})
		p = nextDevicePtr(p)
	}
	return out, nil
}

func (b *HardwareBackend) OpenDevice(name string) (DeviceContext, error) {
	var count C.int
	list, err := C.ibv_get_device_list(&count)
	if err != nil {
		return 0, fmt.Errorf("ibv_get_device_list: %w", err)
	}
	if list == nil || count == 0 {
		return 0, ErrDeviceNotFound
	}
	defer C.ibv_free_device_list(list)

	p := list
	for i := 0; i < int(count); i++ {
		dev := *p
		if cDeviceName(dev) != name {
			p = nextDevicePtr(p)
			continue
		}
		ctx := C.ibv_open_device(dev)
		if ctx == nil {
			return 0, fmt.Errorf("ibv_open_device %s failed", name)
		}
		b.mu.Lock()
		h := DeviceContext(b.handle())
		b.ctxs[h] = ctx
		b.mu.Unlock()
		return h, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrDeviceNotFound, name)
}

func (b *HardwareBackend) CloseDevice(h DeviceContext) error {
	b.mu.Lock()
	ctx, ok := b.ctxs[h]
	delete(b.ctxs, h)
	b.mu.Unlock()
	if !ok {
		return ErrUnknownHandle
	}
	if errno := C.ibv_close_device(ctx); errno != 0 {
		return fmt.Errorf("ibv_close_device: errno %d", int(errno))
	}
	return nil
}

func (b *HardwareBackend) ctx(h DeviceContext) (*C.struct_ibv_context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ctx, ok := b.ctxs[h]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return ctx, nil
}

func (b *HardwareBackend) QueryPorts(h DeviceContext) ([]PortInfo, error) {
	ctx, err := b.ctx(h)
	if err != nil {
		return nil, err
	}
	var devAttr C.struct_ibv_device_attr
	if errno := C.ibv_query_device(ctx, &devAttr); errno != 0 {
		return nil, fmt.Errorf("ibv_query_device: errno %d", int(errno))
	}
	var out []PortInfo
	for p := 1; p <= int(devAttr.phys_port_cnt); p++ {
		var portAttr C.struct_ibv_port_attr
		if errno := C.___ibv_query_port(ctx, C.uint8_t(p), &portAttr); errno != 0 {
			return nil, fmt.Errorf("ibv_query_port %d: errno %d", p, int(errno))
		}
		info := PortInfo{
			Number: p,
			Active: portAttr.state == C.IBV_PORT_ACTIVE,
			LID:    uint16(portAttr.lid),
		}
		if info.LID == 0 {
			// RoCE: route by GID.
			var gid C.union_ibv_gid
			if errno := C.ibv_query_gid(ctx, C.uint8_t(p), 0, &gid); errno != 0 {
				return nil, fmt.Errorf("ibv_query_gid %d: errno %d", p, int(errno))
			}
			copy(info.GID[:], gid[:])
		}
		out = append(out, info)
	}
	return out, nil
}

func (b *HardwareBackend) AllocPD(h DeviceContext) (PD, error) {
	ctx, err := b.ctx(h)
	if err != nil {
		return 0, err
	}
	pd, err := C.ibv_alloc_pd(ctx)
	if pd == nil {
		return 0, fmt.Errorf("ibv_alloc_pd: %w", err)
	}
	b.mu.Lock()
	hpd := PD(b.handle())
	b.pds[hpd] = pd
	b.mu.Unlock()
	return hpd, nil
}

func (b *HardwareBackend) DeallocPD(h PD) error {
	b.mu.Lock()
	pd, ok := b.pds[h]
	delete(b.pds, h)
	b.mu.Unlock()
	if !ok {
		return ErrUnknownHandle
	}
	if errno := C.ibv_dealloc_pd(pd); errno != 0 {
		return fmt.Errorf("ibv_dealloc_pd: errno %d", int(errno))
	}
	return nil
}

func (b *HardwareBackend) CreateCQ(h DeviceContext, cqe int, withChannel bool) (CQ, error) {
	ctx, err := b.ctx(h)
	if err != nil {
		return 0, err
	}
	var channel *C.struct_ibv_comp_channel
	if withChannel {
		channel, err = C.ibv_create_comp_channel(ctx)
		if channel == nil {
			return 0, fmt.Errorf("ibv_create_comp_channel: %w", err)
		}
		if err := unix.SetNonblock(int(channel.fd), true); err != nil {
			C.ibv_destroy_comp_channel(channel)
			return 0, fmt.Errorf("set comp channel nonblocking: %w", err)
		}
	}
	cq, err := C.ibv_create_cq(ctx, C.int(cqe), nil, channel, 0)
	if cq == nil {
		if channel != nil {
			C.ibv_destroy_comp_channel(channel)
		}
		return 0, fmt.Errorf("ibv_create_cq: %w", err)
	}
	b.mu.Lock()
	hcq := CQ(b.handle())
	b.cqs[hcq] = &hwCQ{cq: cq, channel: channel}
	b.mu.Unlock()
	return hcq, nil
}

func (b *HardwareBackend) DestroyCQ(h CQ) error {
	b.mu.Lock()
	c, ok := b.cqs[h]
	delete(b.cqs, h)
	b.mu.Unlock()
	if !ok {
		return ErrUnknownHandle
	}
	if errno := C.ibv_destroy_cq(c.cq); errno != 0 {
		return fmt.Errorf("ibv_destroy_cq: errno %d", int(errno))
	}
	if c.channel != nil {
		if errno := C.ibv_destroy_comp_channel(c.channel); errno != 0 {
			return fmt.Errorf("ibv_destroy_comp_channel: errno %d", int(errno))
		}
	}
	return nil
}

func (b *HardwareBackend) cqHandle(h CQ) (*hwCQ, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.cqs[h]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return c, nil
}

func (b *HardwareBackend) ReqNotifyCQ(h CQ) error {
	c, err := b.cqHandle(h)
	if err != nil {
		return err
	}
	if errno := C.ibv_req_notify_cq(c.cq, 0); errno != 0 {
		return fmt.Errorf("ibv_req_notify_cq: errno %d", int(errno))
	}
	return nil
}

func (b *HardwareBackend) WaitCQEvent(h CQ, timeout time.Duration) (bool, error) {
	c, err := b.cqHandle(h)
	if err != nil {
		return false, err
	}
	if c.channel == nil {
		return false, fmt.Errorf("completion channel not enabled for cq")
	}
	fds := []unix.PollFd{{Fd: int32(c.channel.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if err != nil {
		if err == unix.EINTR {
			return false, nil
		}
		return false, fmt.Errorf("poll comp channel: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	var evCQ *C.struct_ibv_cq
	var evCtx unsafe.Pointer
	if errno := C.ibv_get_cq_event(c.channel, &evCQ, &evCtx); errno != 0 {
		return false, fmt.Errorf("ibv_get_cq_event: errno %d", int(errno))
	}
	C.ibv_ack_cq_events(evCQ, 1)
	return true, nil
}

func (b *HardwareBackend) PollCQ(h CQ, max int) ([]WorkCompletion, error) {
	c, err := b.cqHandle(h)
	if err != nil {
		return nil, err
	}
	wcs := make([]C.struct_ibv_wc, max)
	n := C.ibv_poll_cq(c.cq, C.int(max), &wcs[0])
	if n < 0 {
		return nil, fmt.Errorf("ibv_poll_cq failed")
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]WorkCompletion, int(n))
	for i := range out {
		out[i] = WorkCompletion{
			WRID:    uint64(wcs[i].wr_id),
			Status:  hwStatus(wcs[i].status),
			Opcode:  hwOpcode(wcs[i].opcode),
			ByteLen: uint32(wcs[i].byte_len),
		}
	}
	return out, nil
}

func hwStatus(s C.enum_ibv_wc_status) WCStatus {
	switch s {
	case C.IBV_WC_SUCCESS:
		return WCSuccess
	case C.IBV_WC_LOC_PROT_ERR:
		return WCLocalProtErr
	case C.IBV_WC_REM_ACCESS_ERR:
		return WCRemoteAccessErr
	case C.IBV_WC_RETRY_EXC_ERR:
		return WCRetryExcErr
	case C.IBV_WC_WR_FLUSH_ERR:
		return WCFlushErr
	default:
		return WCGeneralErr
	}
}

func hwOpcode(op C.enum_ibv_wc_opcode) WCOpcode {
	switch {
	case op == C.IBV_WC_SEND:
		return WCOpSend
	case op == C.IBV_WC_RDMA_WRITE:
		return WCOpRDMAWrite
	case op == C.IBV_WC_RDMA_READ:
		return WCOpRDMARead
	case op == C.IBV_WC_RECV_RDMA_WITH_IMM:
		return WCOpRecvRDMAWithImm
	case op&C.IBV_WC_RECV != 0:
		return WCOpRecv
	default:
		return WCOpcode(-1)
	}
}

func (b *HardwareBackend) CreateQP(hpd PD, hcq CQ, caps QPCaps) (QP, error) {
	b.mu.Lock()
	pd, okPD := b.pds[hpd]
	c, okCQ := b.cqs[hcq]
	b.mu.Unlock()
	if !okPD || !okCQ {
		return 0, ErrUnknownHandle
	}
	var attr C.struct_ibv_qp_init_attr
	attr.send_cq = c.cq
	attr.recv_cq = c.cq
	attr.qp_type = C.IBV_QPT_RC
	attr.cap.max_send_wr = C.uint32_t(caps.MaxSendWR)
	attr.cap.max_recv_wr = C.uint32_t(caps.MaxRecvWR)
	attr.cap.max_send_sge = C.uint32_t(caps.MaxSendSGE)
	attr.cap.max_recv_sge = C.uint32_t(caps.MaxRecvSGE)

	qp, err := C.ibv_create_qp(pd, &attr)
	if qp == nil {
		return 0, fmt.Errorf("ibv_create_qp: %w", err)
	}
	b.mu.Lock()
	h := QP(b.handle())
	b.qps[h] = qp
	b.mu.Unlock()
	return h, nil
}

func (b *HardwareBackend) DestroyQP(h QP) error {
	b.mu.Lock()
	qp, ok := b.qps[h]
	delete(b.qps, h)
	b.mu.Unlock()
	if !ok {
		return ErrUnknownHandle
	}
	if errno := C.ibv_destroy_qp(qp); errno != 0 {
		return fmt.Errorf("ibv_destroy_qp: errno %d", int(errno))
	}
	return nil
}

func (b *HardwareBackend) qpHandle(h QP) (*C.struct_ibv_qp, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	qp, ok := b.qps[h]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return qp, nil
}

func (b *HardwareBackend) QPNum(h QP) (uint32, error) {
	qp, err := b.qpHandle(h)
	if err != nil {
		return 0, err
	}
	return uint32(qp.qp_num), nil
}

func (b *HardwareBackend) ModifyQPToInit(h QP, port int) error {
	qp, err := b.qpHandle(h)
	if err != nil {
		return err
	}
	var attr C.struct_ibv_qp_attr
	attr.qp_state = C.IBV_QPS_INIT
	attr.pkey_index = 0
	attr.port_num = C.uint8_t(port)
	attr.qp_access_flags = C.IBV_ACCESS_LOCAL_WRITE | C.IBV_ACCESS_REMOTE_READ |
		C.IBV_ACCESS_REMOTE_WRITE | C.IBV_ACCESS_REMOTE_ATOMIC
	mask := C.IBV_QP_STATE | C.IBV_QP_PKEY_INDEX | C.IBV_QP_PORT | C.IBV_QP_ACCESS_FLAGS
	if errno := C.ibv_modify_qp(qp, &attr, C.int(mask)); errno != 0 {
		return fmt.Errorf("ibv_modify_qp to init: errno %d", int(errno))
	}
	return nil
}

func (b *HardwareBackend) ModifyQPToRTR(h QP, peer ConnInfo, port int) error {
	qp, err := b.qpHandle(h)
	if err != nil {
		return err
	}
	var attr C.struct_ibv_qp_attr
	attr.qp_state = C.IBV_QPS_RTR
	attr.path_mtu = C.IBV_MTU_1024
	attr.dest_qp_num = C.uint32_t(peer.QPNum)
	attr.rq_psn = 0
	attr.max_dest_rd_atomic = maxDestRdAtomic
	attr.min_rnr_timer = minRNRTimer
	attr.ah_attr.port_num = C.uint8_t(port)
	if peer.LID != 0 {
		// InfiniBand routes by local identifier.
		attr.ah_attr.dlid = C.uint16_t(peer.LID)
	} else {
		// RoCE routes by global identifier.
		attr.ah_attr.is_global = 1
		copy(attr.ah_attr.grh.dgid[:], peer.GID[:])
		attr.ah_attr.grh.hop_limit = grhHopLimit
	}
	mask := C.IBV_QP_STATE | C.IBV_QP_AV | C.IBV_QP_PATH_MTU | C.IBV_QP_DEST_QPN |
		C.IBV_QP_RQ_PSN | C.IBV_QP_MAX_DEST_RD_ATOMIC | C.IBV_QP_MIN_RNR_TIMER
	if errno := C.ibv_modify_qp(qp, &attr, C.int(mask)); errno != 0 {
		return fmt.Errorf("ibv_modify_qp to rtr: errno %d", int(errno))
	}
	return nil
}

func (b *HardwareBackend) ModifyQPToRTS(h QP) error {
	qp, err := b.qpHandle(h)
	if err != nil {
		return err
	}
	var attr C.struct_ibv_qp_attr
	attr.qp_state = C.IBV_QPS_RTS
	attr.timeout = qpTimeout
	attr.retry_cnt = retryCount
	attr.rnr_retry = rnrRetryCount
	attr.sq_psn = 0
	attr.max_rd_atomic = maxRdAtomic
	mask := C.IBV_QP_STATE | C.IBV_QP_TIMEOUT | C.IBV_QP_RETRY_CNT |
		C.IBV_QP_RNR_RETRY | C.IBV_QP_SQ_PSN | C.IBV_QP_MAX_QP_RD_ATOMIC
	if errno := C.ibv_modify_qp(qp, &attr, C.int(mask)); errno != 0 {
		return fmt.Errorf("ibv_modify_qp to rts: errno %d", int(errno))
	}
	return nil
}

func (b *HardwareBackend) QueryQPState(h QP) (QPState, error) {
	qp, err := b.qpHandle(h)
	if err != nil {
		return StateError, err
	}
	var attr C.struct_ibv_qp_attr
	var initAttr C.struct_ibv_qp_init_attr
	if errno := C.ibv_query_qp(qp, &attr, C.IBV_QP_STATE, &initAttr); errno != 0 {
		return StateError, fmt.Errorf("ibv_query_qp: errno %d", int(errno))
	}
	switch attr.qp_state {
	case C.IBV_QPS_RESET:
		return StateReset, nil
	case C.IBV_QPS_INIT:
		return StateInit, nil
	case C.IBV_QPS_RTR:
		return StateRTR, nil
	case C.IBV_QPS_RTS:
		return StateRTS, nil
	default:
		return StateError, nil
	}
}

func hwAccess(access int) C.int {
	var out C.int
	if access&AccessLocalWrite != 0 {
		out |= C.IBV_ACCESS_LOCAL_WRITE
	}
	if access&AccessRemoteWrite != 0 {
		out |= C.IBV_ACCESS_REMOTE_WRITE
	}
	if access&AccessRemoteRead != 0 {
		out |= C.IBV_ACCESS_REMOTE_READ
	}
	if access&AccessRemoteAtomic != 0 {
		out |= C.IBV_ACCESS_REMOTE_ATOMIC
	}
	return out
}

func (b *HardwareBackend) RegMR(hpd PD, addr uintptr, length int, access int) (MR, error) {
	b.mu.Lock()
	pd, ok := b.pds[hpd]
	b.mu.Unlock()
	if !ok {
		return 0, ErrUnknownHandle
	}
	mr, err := C.ibv_reg_mr(pd, unsafe.Pointer(addr), C.size_t(length), hwAccess(access))
	if mr == nil {
		return 0, fmt.Errorf("ibv_reg_mr: %w", err)
	}
	b.mu.Lock()
	h := MR(b.handle())
	b.mrs[h] = mr
	b.mu.Unlock()
	return h, nil
}

func (b *HardwareBackend) MRKeys(h MR) (uint32, uint32, error) {
	b.mu.Lock()
	mr, ok := b.mrs[h]
	b.mu.Unlock()
	if !ok {
		return 0, 0, ErrUnknownHandle
	}
	return uint32(mr.lkey), uint32(mr.rkey), nil
}

func (b *HardwareBackend) DeregMR(h MR) error {
	b.mu.Lock()
	mr, ok := b.mrs[h]
	delete(b.mrs, h)
	b.mu.Unlock()
	if !ok {
		return ErrUnknownHandle
	}
	if errno := C.ibv_dereg_mr(mr); errno != 0 {
		return fmt.Errorf("ibv_dereg_mr: errno %d", int(errno))
	}
	return nil
}

func (b *HardwareBackend) PostSend(h QP, wr *SendWR) error {
	qp, err := b.qpHandle(h)
	if err != nil {
		return err
	}
	cwr := (*C.struct_ibv_send_wr)(C.malloc(C.size_t(unsafe.Sizeof(C.struct_ibv_send_wr{}))))
	sge := (*C.struct_ibv_sge)(C.malloc(C.size_t(unsafe.Sizeof(C.struct_ibv_sge{}))))
	defer C.free(unsafe.Pointer(cwr))
	defer C.free(unsafe.Pointer(sge))
	C.memset(unsafe.Pointer(cwr), 0, C.size_t(unsafe.Sizeof(*cwr)))

	sge.addr = C.uint64_t(wr.SGE.Addr)
	sge.length = C.uint32_t(wr.SGE.Length)
	sge.lkey = C.uint32_t(wr.SGE.LKey)
	cwr.wr_id = C.uint64_t(wr.WRID)
	cwr.sg_list = sge
	cwr.num_sge = 1
	cwr.next = nil
	cwr.send_flags = C.IBV_SEND_SIGNALED
	switch wr.Opcode {
	case OpSend:
		cwr.opcode = C.IBV_WR_SEND
	case OpRDMARead:
		cwr.opcode = C.IBV_WR_RDMA_READ
	case OpRDMAWrite:
		cwr.opcode = C.IBV_WR_RDMA_WRITE
	}
	if wr.Opcode != OpSend {
		binary.LittleEndian.PutUint64(cwr.wr[:8], wr.RemoteAddr)
		binary.LittleEndian.PutUint32(cwr.wr[8:12], wr.RKey)
	}

	var bad *C.struct_ibv_send_wr
	if errno := C.ibv_post_send(qp, cwr, &bad); errno != 0 {
		return fmt.Errorf("ibv_post_send: errno %d", int(errno))
	}
	return nil
}

func (b *HardwareBackend) PostRecv(h QP, wr *RecvWR) error {
	qp, err := b.qpHandle(h)
	if err != nil {
		return err
	}
	cwr := (*C.struct_ibv_recv_wr)(C.malloc(C.size_t(unsafe.Sizeof(C.struct_ibv_recv_wr{}))))
	sge := (*C.struct_ibv_sge)(C.malloc(C.size_t(unsafe.Sizeof(C.struct_ibv_sge{}))))
	defer C.free(unsafe.Pointer(cwr))
	defer C.free(unsafe.Pointer(sge))
	C.memset(unsafe.Pointer(cwr), 0, C.size_t(unsafe.Sizeof(*cwr)))

	sge.addr = C.uint64_t(wr.SGE.Addr)
	sge.length = C.uint32_t(wr.SGE.Length)
	sge.lkey = C.uint32_t(wr.SGE.LKey)
	cwr.wr_id = C.uint64_t(wr.WRID)
	cwr.sg_list = sge
	cwr.num_sge = 1
	cwr.next = nil

	var bad *C.struct_ibv_recv_wr
	if errno := C.ibv_post_recv(qp, cwr, &bad); errno != 0 {
		return fmt.Errorf("ibv_post_recv: errno %d", int(errno))
	}
	return nil
}

func (b *HardwareBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for h, qp := range b.qps {
		C.ibv_destroy_qp(qp)
		delete(b.qps, h)
	}
	for h, mr := range b.mrs {
		C.ibv_dereg_mr(mr)
		delete(b.mrs, h)
	}
	for h, c := range b.cqs {
		C.ibv_destroy_cq(c.cq)
		if c.channel != nil {
			C.ibv_destroy_comp_channel(c.channel)
		}
		delete(b.cqs, h)
	}
	for h, pd := range b.pds {
		C.ibv_dealloc_pd(pd)
		delete(b.pds, h)
	}
	for h, ctx := range b.ctxs {
		C.ibv_close_device(ctx)
		delete(b.ctxs, h)
	}
	return nil
}
