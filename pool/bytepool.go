// File: pool/bytepool.go
// Author: momentics <momentics@gmail.com>

package pool

import "sync"

// DefaultChunkSize is the fixed read size of one readiness event.
const DefaultChunkSize = 16 * 1024

// BytePool hands out fixed-size byte slices.
type BytePool struct {
	objs sync.Pool
	size int
}

// NewBytePool creates a pool of size-byte buffers.
func NewBytePool(size int) *BytePool {
	if size <= 0 {
		size = DefaultChunkSize
	}
	bp := &BytePool{size: size}
	bp.objs.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return bp
}

// Size returns the buffer length handed out by GetBuffer.
func (b *BytePool) Size() int { return b.size }

// GetBuffer returns a buffer from the pool.
func (b *BytePool) GetBuffer() *[]byte {
	buf := b.objs.Get().(*[]byte)
	*buf = (*buf)[:b.size]
	return buf
}

// PutBuffer returns a buffer to the pool. Foreign-sized buffers are dropped.
func (b *BytePool) PutBuffer(buf *[]byte) {
	if buf == nil || cap(*buf) < b.size {
		return
	}
	b.objs.Put(buf)
}

var defaultPool = NewBytePool(DefaultChunkSize)

// Default returns the process-wide read chunk pool.
func Default() *BytePool { return defaultPool }
