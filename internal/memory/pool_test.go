package memory

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, poolBits, blockBits uint) *Pool {
	t.Helper()
	p, err := NewPool(poolBits, blockBits)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestNewPoolGeometry(t *testing.T) {
	p := newTestPool(t, 20, 16)
	assert.Equal(t, 1<<20, p.Size())
	assert.Equal(t, 1<<16, p.BlockSize())
	assert.Equal(t, 16, p.TotalBlocks())
	assert.Equal(t, 0, p.InUse())
	assert.NotZero(t, p.Base())
}

func TestNewPoolInvalidGeometry(t *testing.T) {
	_, err := NewPool(16, 20)
	require.Error(t, err)

	_, err = NewPool(4, 2)
	require.Error(t, err)
}

func TestAllocateFreeAccounting(t *testing.T) {
	p := newTestPool(t, 18, 16)
	total := p.TotalBlocks()

	var blocks []*Block
	for i := 0; i < total; i++ {
		b, err := p.Allocate()
		require.NoError(t, err)
		blocks = append(blocks, b)
		assert.Equal(t, i+1, p.InUse())
	}

	_, err := p.Allocate()
	assert.ErrorIs(t, err, ErrPoolExhausted)

	for i, b := range blocks {
		b.Free()
		assert.Equal(t, total-i-1, p.InUse())
	}

	// After the churn the pool hands out a block again and InUse tracks it.
	b, err := p.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 1, p.InUse())
	b.Free()
	assert.Equal(t, 0, p.InUse())
}

func TestBlockDoubleFreePanics(t *testing.T) {
	p := newTestPool(t, 18, 16)
	b, err := p.Allocate()
	require.NoError(t, err)
	b.Free()
	assert.Panics(t, func() { b.Free() })
}

func TestConcurrentAllocateFree(t *testing.T) {
	p := newTestPool(t, 20, 14)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				b, err := p.Allocate()
				if err != nil {
					continue
				}
				b.Bytes()[0] = byte(i)
				b.Free()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, p.InUse())
}

func TestMessageView(t *testing.T) {
	p := newTestPool(t, 18, 16)
	b, err := p.Allocate()
	require.NoError(t, err)
	defer b.Free()

	view := b.MessageView()
	assert.Equal(t, b.Size()-MessageHeaderSize, view.PayloadCapacity())

	payload := []byte("dispatch payload")
	copy(view.PayloadBuffer(), payload)
	view.SetLength(len(payload))

	assert.Equal(t, len(payload), view.Length())
	assert.Equal(t, payload, view.Payload())
	assert.Equal(t, MessageHeaderSize+len(payload), view.TotalLength())
}

func TestCloseWithBlocksInUse(t *testing.T) {
	p, err := NewPool(18, 16)
	require.NoError(t, err)
	b, err := p.Allocate()
	require.NoError(t, err)

	require.Error(t, p.Close())
	b.Free()
	require.NoError(t, p.Close())
}
