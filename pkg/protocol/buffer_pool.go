package protocol

import (
	"sync"

	"github.com/pzverkov/sealtunnel/internal/constants"
)

// Size classes. Control frames (heartbeats, close) fit the small class;
// anything up to a full frame fits the frame class.
const (
	smallBufferSize = 256
	frameBufferSize = constants.FrameHeaderSize + constants.MaxFrameCiphertext
)

// BufferPool recycles the scratch buffers that hold one frame between the
// socket and the AEAD. Buffers are wiped when returned.
type BufferPool struct {
	classes [2]sizeClass
}

type sizeClass struct {
	size int
	pool sync.Pool
}

// NewBufferPool creates an empty pool.
func NewBufferPool() *BufferPool {
	p := &BufferPool{}
	for i, size := range []int{smallBufferSize, frameBufferSize} {
		size := size
		p.classes[i].size = size
		p.classes[i].pool.New = func() any {
			b := make([]byte, size)
			return &b
		}
	}
	return p
}

// Get returns a slice of length size. Sizes above the frame class are
// allocated directly. Get(0) returns nil.
func (p *BufferPool) Get(size int) []byte {
	if size <= 0 {
		return nil
	}
	for i := range p.classes {
		if c := &p.classes[i]; size <= c.size {
			return (*c.pool.Get().(*[]byte))[:size]
		}
	}
	return make([]byte, size)
}

// Put wipes buf and keeps it if its capacity matches a class. buf must not
// be used afterwards.
func (p *BufferPool) Put(buf []byte) {
	if cap(buf) == 0 {
		return
	}
	buf = buf[:cap(buf)]
	clear(buf)
	for i := range p.classes {
		if c := &p.classes[i]; cap(buf) == c.size {
			c.pool.Put(&buf)
			return
		}
	}
}

var framePool = NewBufferPool()

// GetGlobal takes a buffer from the shared frame pool.
func GetGlobal(size int) []byte { return framePool.Get(size) }

// PutGlobal returns a buffer to the shared frame pool.
func PutGlobal(buf []byte) { framePool.Put(buf) }
