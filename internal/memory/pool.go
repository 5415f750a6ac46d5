// Package memory provides the pinned buffer pool backing the RDMA data path.
//
// The pool is a single contiguous mmap'd arena divided into fixed-size
// blocks. The pool itself does not register memory with the NIC: each RDMA
// connection registers the whole arena once under its own protection domain
// and uses its own local key, so the arena is registered once per connection
// rather than once per pool. Blocks are handed out as owned handles and
// returned by calling Free.
package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	ErrPoolExhausted = errors.New("buffer pool exhausted")
	ErrPoolClosed    = errors.New("buffer pool closed")
)

// MessageHeaderSize is the size of the length header at the start of every
// block used as a message view.
const MessageHeaderSize = 4

// Pool is a fixed-capacity pool of equally sized blocks carved out of one
// registered arena. Allocate and Free are safe for concurrent use.
type Pool struct {
	arena     []byte
	blockSize int
	total     int

	mu       sync.Mutex
	freeList []int
	inUse    int
	closed   bool
}

// NewPool maps an arena of 1<<poolBits bytes split into blocks of
// 1<<blockBits bytes. blockBits must not exceed poolBits and must leave room
// for the message header.
func NewPool(poolBits, blockBits uint) (*Pool, error) {
	if blockBits > poolBits {
		return nil, fmt.Errorf("block size 2^%d exceeds pool size 2^%d", blockBits, poolBits)
	}
	if 1<<blockBits <= MessageHeaderSize {
		return nil, fmt.Errorf("block size 2^%d too small for message header", blockBits)
	}
	poolSize := 1 << poolBits
	blockSize := 1 << blockBits

	arena, err := unix.Mmap(-1, 0, poolSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap pool arena: %w", err)
	}

	total := poolSize / blockSize
	freeList := make([]int, total)
	for i := range freeList {
		freeList[i] = total - 1 - i
	}
	return &Pool{
		arena:     arena,
		blockSize: blockSize,
		total:     total,
		freeList:  freeList,
	}, nil
}

// Allocate pops a free block. The returned handle owns the block until Free
// is called on it.
func (p *Pool) Allocate() (*Block, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	if len(p.freeList) == 0 {
		return nil, ErrPoolExhausted
	}
	idx := p.freeList[len(p.freeList)-1]
	p.freeList = p.freeList[:len(p.freeList)-1]
	p.inUse++
	off := idx * p.blockSize
	return &Block{
		pool:  p,
		index: idx,
		buf:   p.arena[off : off+p.blockSize : off+p.blockSize],
	}, nil
}

func (p *Pool) free(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.freeList = append(p.freeList, idx)
	p.inUse--
}

// Base returns the arena start address for NIC registration.
func (p *Pool) Base() uintptr { return uintptr(unsafe.Pointer(&p.arena[0])) }

// Size returns the arena size in bytes.
func (p *Pool) Size() int { return len(p.arena) }

// BlockSize returns the size of each block in bytes.
func (p *Pool) BlockSize() int { return p.blockSize }

// TotalBlocks returns the pool capacity in blocks.
func (p *Pool) TotalBlocks() int { return p.total }

// InUse returns the number of blocks currently held by owned handles.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Close unmaps the arena. All blocks must have been freed.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if p.inUse != 0 {
		n := p.inUse
		p.mu.Unlock()
		return fmt.Errorf("closing pool with %d blocks in use", n)
	}
	p.closed = true
	p.mu.Unlock()
	return unix.Munmap(p.arena)
}

// Block is an owned handle to one pool block. The holder may write the
// block's bytes and must eventually call Free exactly once.
type Block struct {
	pool  *Pool
	index int
	buf   []byte
}

// Bytes returns the whole block.
func (b *Block) Bytes() []byte { return b.buf }

// Addr returns the block's start address.
func (b *Block) Addr() uintptr { return uintptr(unsafe.Pointer(&b.buf[0])) }

// Size returns the block size in bytes.
func (b *Block) Size() int { return len(b.buf) }

// Free returns the block to its pool. Calling Free twice is a bug and
// panics.
func (b *Block) Free() {
	if b.pool == nil {
		panic("memory: double free of pool block")
	}
	p := b.pool
	b.pool = nil
	b.buf = nil
	p.free(b.index)
}

// MessageView interprets the block as a length-prefixed message: a u32
// little-endian payload length followed by that many payload bytes.
func (b *Block) MessageView() MessageView { return MessageView{buf: b.buf} }

// MessageView is a typed window over a block's message layout.
type MessageView struct {
	buf []byte
}

// Length returns the payload length stored in the header.
func (v MessageView) Length() int {
	return int(binary.LittleEndian.Uint32(v.buf[:MessageHeaderSize]))
}

// SetLength stores the payload length in the header.
func (v MessageView) SetLength(n int) {
	binary.LittleEndian.PutUint32(v.buf[:MessageHeaderSize], uint32(n))
}

// Payload returns the payload bytes as described by the header.
func (v MessageView) Payload() []byte {
	return v.buf[MessageHeaderSize : MessageHeaderSize+v.Length()]
}

// PayloadCapacity returns the largest payload the block can carry.
func (v MessageView) PayloadCapacity() int { return len(v.buf) - MessageHeaderSize }

// PayloadBuffer returns the full payload area regardless of the header.
func (v MessageView) PayloadBuffer() []byte { return v.buf[MessageHeaderSize:] }

// TotalLength returns header plus payload length, the wire size of the
// message.
func (v MessageView) TotalLength() int { return MessageHeaderSize + v.Length() }
