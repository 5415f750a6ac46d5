package rdma

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatedBackendDevices(t *testing.T) {
	b := NewSimulatedBackend()
	defer b.Close()

	devices, err := b.Devices()
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "mlx5_0", devices[0].Name)
	assert.Equal(t, "rxe0", devices[1].Name)
}

func TestSimulatedBackendOpenDevice(t *testing.T) {
	b := NewSimulatedBackend()
	defer b.Close()

	ctx, err := b.OpenDevice("mlx5_0")
	require.NoError(t, err)
	assert.NotZero(t, ctx)

	_, err = b.OpenDevice("nonexistent")
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	assert.NoError(t, b.CloseDevice(ctx))
}

func TestSimulatedBackendPorts(t *testing.T) {
	b := NewSimulatedBackend()
	defer b.Close()

	ctx, err := b.OpenDevice("mlx5_0")
	require.NoError(t, err)
	ports, err := b.QueryPorts(ctx)
	require.NoError(t, err)
	require.Len(t, ports, 1)
	assert.True(t, ports[0].Active)
	assert.NotZero(t, ports[0].LID, "infiniband-style device routes by lid")

	roce, err := b.OpenDevice("rxe0")
	require.NoError(t, err)
	ports, err = b.QueryPorts(roce)
	require.NoError(t, err)
	require.Len(t, ports, 1)
	assert.Zero(t, ports[0].LID, "roce-style device has no lid")
	assert.NotEqual(t, [16]byte{}, ports[0].GID)
}

func TestSimulatedBackendQPStateMachine(t *testing.T) {
	b := NewSimulatedBackend()
	defer b.Close()

	ctx, _ := b.OpenDevice("mlx5_0")
	pd, err := b.AllocPD(ctx)
	require.NoError(t, err)
	cq, err := b.CreateCQ(ctx, cqSize, false)
	require.NoError(t, err)
	qp, err := b.CreateQP(pd, cq, QPCaps{MaxSendWR: 16, MaxRecvWR: 16, MaxSendSGE: 1, MaxRecvSGE: 1})
	require.NoError(t, err)

	state, err := b.QueryQPState(qp)
	require.NoError(t, err)
	assert.Equal(t, StateReset, state)

	// Skipping Init is an invalid transition.
	err = b.ModifyQPToRTR(qp, ConnInfo{QPNum: 42}, 1)
	assert.ErrorIs(t, err, ErrQPTransition)

	require.NoError(t, b.ModifyQPToInit(qp, 1))
	require.NoError(t, b.ModifyQPToRTR(qp, ConnInfo{QPNum: 42}, 1))
	require.NoError(t, b.ModifyQPToRTS(qp))

	state, err = b.QueryQPState(qp)
	require.NoError(t, err)
	assert.Equal(t, StateRTS, state)

	// Posting before RTS on a fresh QP fails.
	qp2, err := b.CreateQP(pd, cq, QPCaps{MaxSendWR: 16, MaxRecvWR: 16, MaxSendSGE: 1, MaxRecvSGE: 1})
	require.NoError(t, err)
	err = b.PostSend(qp2, &SendWR{WRID: 1, Opcode: OpSend})
	assert.ErrorIs(t, err, ErrQPTransition)
}

func TestSimulatedBackendLoopbackSend(t *testing.T) {
	b := NewSimulatedBackend()
	defer b.Close()

	ctx, _ := b.OpenDevice("mlx5_0")
	pd, _ := b.AllocPD(ctx)
	cqA, _ := b.CreateCQ(ctx, cqSize, false)
	cqB, _ := b.CreateCQ(ctx, cqSize, false)
	caps := QPCaps{MaxSendWR: 16, MaxRecvWR: 16, MaxSendSGE: 1, MaxRecvSGE: 1}
	qpA, _ := b.CreateQP(pd, cqA, caps)
	qpB, _ := b.CreateQP(pd, cqB, caps)
	numA, _ := b.QPNum(qpA)
	numB, _ := b.QPNum(qpB)

	require.NoError(t, b.ModifyQPToInit(qpA, 1))
	require.NoError(t, b.ModifyQPToRTR(qpA, ConnInfo{QPNum: numB}, 1))
	require.NoError(t, b.ModifyQPToRTS(qpA))
	require.NoError(t, b.ModifyQPToInit(qpB, 1))
	require.NoError(t, b.ModifyQPToRTR(qpB, ConnInfo{QPNum: numA}, 1))
	require.NoError(t, b.ModifyQPToRTS(qpB))

	src := []byte("hello over the fabric")
	dst := make([]byte, 64)

	require.NoError(t, b.PostRecv(qpB, &RecvWR{
		WRID: 7,
		SGE:  SGE{Addr: uint64(addrOf(dst)), Length: uint32(len(dst))},
	}))
	require.NoError(t, b.PostSend(qpA, &SendWR{
		WRID:   3,
		Opcode: OpSend,
		SGE:    SGE{Addr: uint64(addrOf(src)), Length: uint32(len(src))},
	}))

	wcs, err := b.PollCQ(cqA, 10)
	require.NoError(t, err)
	require.Len(t, wcs, 1)
	assert.Equal(t, uint64(3), wcs[0].WRID)
	assert.Equal(t, WCOpSend, wcs[0].Opcode)
	assert.Equal(t, WCSuccess, wcs[0].Status)

	wcs, err = b.PollCQ(cqB, 10)
	require.NoError(t, err)
	require.Len(t, wcs, 1)
	assert.Equal(t, uint64(7), wcs[0].WRID)
	assert.Equal(t, WCOpRecv, wcs[0].Opcode)
	assert.Equal(t, uint32(len(src)), wcs[0].ByteLen)
	assert.Equal(t, src, dst[:len(src)])
}

func TestSimulatedBackendSendParksWithoutReceive(t *testing.T) {
	b := NewSimulatedBackend()
	defer b.Close()

	ctx, _ := b.OpenDevice("mlx5_0")
	pd, _ := b.AllocPD(ctx)
	cqA, _ := b.CreateCQ(ctx, cqSize, false)
	cqB, _ := b.CreateCQ(ctx, cqSize, false)
	caps := QPCaps{MaxSendWR: 16, MaxRecvWR: 16, MaxSendSGE: 1, MaxRecvSGE: 1}
	qpA, _ := b.CreateQP(pd, cqA, caps)
	qpB, _ := b.CreateQP(pd, cqB, caps)
	numA, _ := b.QPNum(qpA)
	numB, _ := b.QPNum(qpB)
	require.NoError(t, b.ModifyQPToInit(qpA, 1))
	require.NoError(t, b.ModifyQPToRTR(qpA, ConnInfo{QPNum: numB}, 1))
	require.NoError(t, b.ModifyQPToRTS(qpA))
	require.NoError(t, b.ModifyQPToInit(qpB, 1))
	require.NoError(t, b.ModifyQPToRTR(qpB, ConnInfo{QPNum: numA}, 1))
	require.NoError(t, b.ModifyQPToRTS(qpB))

	src := []byte{0x42}
	dst := make([]byte, 8)
	require.NoError(t, b.PostSend(qpA, &SendWR{
		WRID:   1,
		Opcode: OpSend,
		SGE:    SGE{Addr: uint64(addrOf(src)), Length: 1},
	}))

	wcs, _ := b.PollCQ(cqA, 10)
	assert.Empty(t, wcs, "send completes only after delivery")

	require.NoError(t, b.PostRecv(qpB, &RecvWR{
		WRID: 2,
		SGE:  SGE{Addr: uint64(addrOf(dst)), Length: uint32(len(dst))},
	}))
	wcs, _ = b.PollCQ(cqA, 10)
	require.Len(t, wcs, 1)
	assert.Equal(t, byte(0x42), dst[0])
}

func TestSimulatedBackendRDMARead(t *testing.T) {
	b := NewSimulatedBackend()
	defer b.Close()

	ctx, _ := b.OpenDevice("mlx5_0")
	pd, _ := b.AllocPD(ctx)
	cq, _ := b.CreateCQ(ctx, cqSize, false)
	caps := QPCaps{MaxSendWR: 16, MaxRecvWR: 16, MaxSendSGE: 1, MaxRecvSGE: 1}
	qp, _ := b.CreateQP(pd, cq, caps)
	num, _ := b.QPNum(qp)
	require.NoError(t, b.ModifyQPToInit(qp, 1))
	require.NoError(t, b.ModifyQPToRTR(qp, ConnInfo{QPNum: num}, 1))
	require.NoError(t, b.ModifyQPToRTS(qp))

	remote := make([]byte, 256)
	for i := range remote {
		remote[i] = 0xAB
	}
	mr, err := b.RegMR(pd, addrOf(remote), len(remote), AccessRemoteRead)
	require.NoError(t, err)
	_, rkey, err := b.MRKeys(mr)
	require.NoError(t, err)

	local := make([]byte, 16)
	require.NoError(t, b.PostSend(qp, &SendWR{
		WRID:       9,
		Opcode:     OpRDMARead,
		SGE:        SGE{Addr: uint64(addrOf(local)), Length: 16},
		RemoteAddr: uint64(addrOf(remote)),
		RKey:       rkey,
	}))
	for _, v := range local {
		assert.Equal(t, byte(0xAB), v)
	}

	// Reading past the registered region fails.
	err = b.PostSend(qp, &SendWR{
		WRID:       10,
		Opcode:     OpRDMARead,
		SGE:        SGE{Addr: uint64(addrOf(local)), Length: 16},
		RemoteAddr: uint64(addrOf(remote)) + 250,
		RKey:       rkey,
	})
	assert.ErrorIs(t, err, ErrRemoteAccess)
}

func TestSimulatedBackendCompletionChannel(t *testing.T) {
	b := NewSimulatedBackend()
	defer b.Close()

	ctx, _ := b.OpenDevice("mlx5_0")
	pd, _ := b.AllocPD(ctx)
	cq, err := b.CreateCQ(ctx, cqSize, true)
	require.NoError(t, err)
	caps := QPCaps{MaxSendWR: 16, MaxRecvWR: 16, MaxSendSGE: 1, MaxRecvSGE: 1}
	qp, _ := b.CreateQP(pd, cq, caps)
	num, _ := b.QPNum(qp)
	require.NoError(t, b.ModifyQPToInit(qp, 1))
	require.NoError(t, b.ModifyQPToRTR(qp, ConnInfo{QPNum: num}, 1))
	require.NoError(t, b.ModifyQPToRTS(qp))

	// No completion yet: wait times out.
	got, err := b.WaitCQEvent(cq, 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, got)

	require.NoError(t, b.ReqNotifyCQ(cq))
	src := []byte{1, 2, 3}
	dst := make([]byte, 8)
	require.NoError(t, b.PostRecv(qp, &RecvWR{WRID: 1, SGE: SGE{Addr: uint64(addrOf(dst)), Length: 8}}))
	require.NoError(t, b.PostSend(qp, &SendWR{WRID: 2, Opcode: OpSend, SGE: SGE{Addr: uint64(addrOf(src)), Length: 3}}))

	got, err = b.WaitCQEvent(cq, time.Second)
	require.NoError(t, err)
	assert.True(t, got)
}
