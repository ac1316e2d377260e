package queue

import (
	"time"

	"wisefido-datum/internal/models"
)

type entry struct {
	datum   *models.Datum
	origin  Origin
	readyAt int64 // epoch milliseconds
	seq     uint64
}

// newEntry computes the ready time from the datum timestamp, clamped to now
// so future-dated datum are not held back further.
func newEntry(d *models.Datum, origin Origin, delay time.Duration, now time.Time, seq uint64) *entry {
	ts := d.Timestamp.UnixMilli()
	if d.Timestamp.IsZero() || ts > now.UnixMilli() {
		ts = now.UnixMilli()
	}
	return &entry{
		datum:   d,
		origin:  origin,
		readyAt: ts + delay.Milliseconds(),
		seq:     seq,
	}
}

// entryHeap is a min-heap ordered by ready time, source ID, origin
// (committed first) and arrival.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.readyAt != b.readyAt {
		return a.readyAt < b.readyAt
	}
	if a.datum.SourceID != b.datum.SourceID {
		return a.datum.SourceID < b.datum.SourceID
	}
	if a.origin != b.origin {
		return a.origin < b.origin
	}
	return a.seq < b.seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
