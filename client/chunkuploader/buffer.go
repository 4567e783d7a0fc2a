package chunkuploader

import (
	"sync"
	"sync/atomic"
)

// BufferPool hands out chunk buffers and reuses them across chunks of the same size.
type BufferPool struct {
	mu          sync.Mutex
	pools       map[int]*sync.Pool
	outstanding atomic.Int64
}

// NewBufferPool creates an empty pool.
func NewBufferPool() *BufferPool {
	return &BufferPool{pools: map[int]*sync.Pool{}}
}

// Get returns a buffer of exactly size bytes. The caller must hand it back with Put.
func (bp *BufferPool) Get(size int) []byte {
	bp.outstanding.Add(1)

	bufPtr := bp.poolFor(size).Get().(*[]byte)
	return (*bufPtr)[:size]
}

// Put returns buf to the pool. The buffer must not be used afterwards.
func (bp *BufferPool) Put(buf []byte) {
	bp.outstanding.Add(-1)

	buf = buf[:0]
	bp.poolFor(cap(buf)).Put(&buf)
}

// Outstanding returns the number of buffers handed out and not yet returned.
func (bp *BufferPool) Outstanding() int64 {
	return bp.outstanding.Load()
}

func (bp *BufferPool) poolFor(size int) *sync.Pool {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	p, ok := bp.pools[size]
	if !ok {
		p = &sync.Pool{
			New: func() interface{} {
				buf := make([]byte, size)
				return &buf
			},
		}
		bp.pools[size] = p
	}
	return p
}
