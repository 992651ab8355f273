package tier

import "sync"

// DefaultPendingSize is the pending buffer capacity when unset
const DefaultPendingSize = 64

// Pending buffers items while an agent waits for its graph. When full,
// the oldest item is dropped.
type Pending[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	dropped  int64
}

// NewPending creates a buffer. capacity <= 0 uses DefaultPendingSize.
func NewPending[T any](capacity int) *Pending[T] {
	if capacity <= 0 {
		capacity = DefaultPendingSize
	}
	return &Pending[T]{capacity: capacity}
}

// Push appends v and reports whether an older item was dropped for it
func (p *Pending[T]) Push(v T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	dropped := false
	if len(p.items) >= p.capacity {
		p.items = p.items[1:]
		p.dropped++
		dropped = true
	}
	p.items = append(p.items, v)
	return dropped
}

// Drain removes and returns everything in arrival order
func (p *Pending[T]) Drain() []T {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.items
	p.items = nil
	return out
}

// Len returns the number of buffered items
func (p *Pending[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

// Cap returns the capacity
func (p *Pending[T]) Cap() int {
	return p.capacity
}

// Dropped returns how many items have been dropped
func (p *Pending[T]) Dropped() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}
