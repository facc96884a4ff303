// Package ingressdedup implements a bounded in-memory FIFO-eviction set
// over message ids, used for at-most-once turn handling (spec §4.7).
package ingressdedup

import (
	"container/list"
	"sync"
)

const defaultCapacity = 4000

// Dedup is a bounded set over message id strings. Safe for concurrent use.
type Dedup struct {
	mu       sync.Mutex
	capacity int
	order    *list.List               // front = oldest, back = newest
	index    map[string]*list.Element // id -> its node in order
}

// New creates a Dedup with the given capacity. A capacity <= 0 uses the
// spec's default of 4000.
func New(capacity int) *Dedup {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Dedup{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element, capacity),
	}
}

// Dedup returns true on the first observation of id, false on every
// subsequent observation until id is evicted by the FIFO cap.
func (d *Dedup) Dedup(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, seen := d.index[id]; seen {
		return false
	}

	elem := d.order.PushBack(id)
	d.index[id] = elem

	for d.order.Len() > d.capacity {
		oldest := d.order.Front()
		if oldest == nil {
			break
		}
		d.order.Remove(oldest)
		delete(d.index, oldest.Value.(string))
	}

	return true
}

// Len returns the number of ids currently tracked.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}
