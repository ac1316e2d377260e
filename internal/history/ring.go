package history

import (
	"sync"
	"time"

	"wisefido-datum/internal/models"
)

// ring is a fixed-capacity FIFO of datum for one source.
type ring struct {
	mu    sync.RWMutex
	items []*models.Datum
	head  int // index of the oldest element
	size  int
}

func newRing(capacity int) *ring {
	return &ring{items: make([]*models.Datum, capacity)}
}

func (r *ring) add(d *models.Datum) {
	r.mu.Lock()
	defer r.mu.Unlock()

	capacity := len(r.items)
	if r.size < capacity {
		r.items[(r.head+r.size)%capacity] = d
		r.size++
		return
	}
	// full: overwrite the oldest and advance head
	r.items[r.head] = d
	r.head = (r.head + 1) % capacity
}

// at returns the element offset positions back from the newest.
// Caller holds the lock.
func (r *ring) at(offset int) *models.Datum {
	if offset < 0 || offset >= r.size {
		return nil
	}
	return r.items[(r.head+r.size-1-offset)%len(r.items)]
}

func (r *ring) newest(offset int) *models.Datum {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.at(offset)
}

// newestAt returns the element offset positions back from the newest
// datum whose timestamp is at or before ts.
func (r *ring) newestAt(ts time.Time, offset int) *models.Datum {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := 0; i < r.size; i++ {
		if d := r.at(i); !d.Timestamp.After(ts) {
			return r.at(i + offset)
		}
	}
	return nil
}

// window returns up to count elements starting offset back from the newest,
// newest first.
func (r *ring) window(offset, count int) []*models.Datum {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.span(offset, count)
}

// windowAt is window anchored at the newest datum at or before ts.
func (r *ring) windowAt(ts time.Time, offset, count int) []*models.Datum {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := 0; i < r.size; i++ {
		if d := r.at(i); !d.Timestamp.After(ts) {
			return r.span(i+offset, count)
		}
	}
	return nil
}

// span copies count elements from offset back. Caller holds the lock.
func (r *ring) span(offset, count int) []*models.Datum {
	if offset < 0 || count <= 0 || offset >= r.size {
		return nil
	}
	count = min(count, r.size-offset)
	out := make([]*models.Datum, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, r.at(offset+i))
	}
	return out
}

// snapshot returns every element, oldest first.
func (r *ring) snapshot() []*models.Datum {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.Datum, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.items[(r.head+i)%len(r.items)])
	}
	return out
}

func (r *ring) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}
