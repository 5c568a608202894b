package piecebuffer

import (
	"sync"

	"github.com/eapache/queue"
)

// DefaultInitialCapacity is the storage capacity of a freshly constructed buffer.
// 16KB is the usual BitTorrent block size.
const DefaultInitialCapacity = 16 * 1024

// Stats is a snapshot of pool counters
type Stats struct {
	Allocated int    `json:"allocated"` // Buffers ever constructed by the pool
	Free      int    `json:"free"`      // Buffers on the free list
	InUse     int    `json:"in_use"`    // Allocated - Free
	Acquires  uint64 `json:"acquires"`
	Releases  uint64 `json:"releases"`
}

// Pool recycles Buffers through a free list.
//
// Acquire never blocks beyond the free-list lock and never fails: an empty
// free list means a new buffer. Released buffers are kept forever, so the
// number of buffers only grows to the peak number checked out at once.
type Pool struct {
	initialCap int
	prewarm    int

	mu        sync.Mutex
	free      *queue.Queue // *Buffer
	allocated int
	acquires  uint64
	releases  uint64
}

// Option configures a Pool
type Option func(*Pool)

// WithInitialCapacity sets the storage capacity of buffers the pool constructs
func WithInitialCapacity(n int) Option {
	return func(p *Pool) {
		if n >= 0 {
			p.initialCap = n
		}
	}
}

// WithPrewarm constructs n buffers up front and puts them on the free list
func WithPrewarm(n int) Option {
	return func(p *Pool) {
		if n >= 0 {
			p.prewarm = n
		}
	}
}

// NewPool creates a buffer pool
func NewPool(opts ...Option) *Pool {
	p := &Pool{
		initialCap: DefaultInitialCapacity,
		free:       queue.New(),
	}
	for _, opt := range opts {
		opt(p)
	}
	// Prewarmed buffers get the final initial capacity whatever the option order
	for i := 0; i < p.prewarm; i++ {
		p.free.Add(p.newBuffer())
	}
	return p
}

// newBuffer constructs a buffer owned by p. Caller holds p.mu or owns p exclusively.
func (p *Pool) newBuffer() *Buffer {
	p.allocated++
	return &Buffer{
		storage: make([]byte, 0, p.initialCap),
		pool:    p,
	}
}

// Acquire checks out an empty buffer
func (p *Pool) Acquire() *Buffer {
	p.mu.Lock()
	var b *Buffer
	if p.free.Length() > 0 {
		b = p.free.Remove().(*Buffer)
	} else {
		b = p.newBuffer()
	}
	p.acquires++
	p.mu.Unlock()

	// b is no longer reachable from the free list
	b.Reset()
	return b
}

// Release puts b back on the free list
func (p *Pool) Release(b *Buffer) {
	if b == nil {
		return
	}
	if b.pool != p {
		panic("piecebuffer: buffer released to a pool it was not acquired from")
	}
	p.mu.Lock()
	p.free.Add(b)
	p.releases++
	p.mu.Unlock()
}

// With runs fn with a checked-out buffer and releases it on every exit path,
// including a panic in fn
func (p *Pool) With(fn func(*Buffer) error) error {
	b := p.Acquire()
	defer b.Release()
	return fn(b)
}

// Stats returns a snapshot of the pool counters
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	free := p.free.Length()
	return Stats{
		Allocated: p.allocated,
		Free:      free,
		InUse:     p.allocated - free,
		Acquires:  p.acquires,
		Releases:  p.releases,
	}
}
