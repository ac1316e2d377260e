// Package history keeps a bounded, per-source record of recent datum.
package history

import (
	"iter"
	"sort"
	"sync"
	"time"

	"wisefido-datum/internal/models"
)

// DefaultRawCount is the per-source capacity used when none is configured.
const DefaultRawCount = 5

// Config configures a Buffer.
type Config struct {
	// RawCount is the number of datum kept per source.
	RawCount int `yaml:"raw_count"`
}

// Buffer holds the most recent RawCount datum of every source it has seen.
// Sources are independent: adding to one never locks or evicts another.
type Buffer struct {
	capacity int
	rings    sync.Map // sourceID -> *ring
}

// New creates a Buffer. A RawCount below 1 falls back to DefaultRawCount.
func New(cfg Config) *Buffer {
	capacity := cfg.RawCount
	if capacity < 1 {
		capacity = DefaultRawCount
	}
	return &Buffer{capacity: capacity}
}

// Capacity returns the per-source capacity.
func (b *Buffer) Capacity() int {
	return b.capacity
}

// Add records d, evicting the oldest datum of its source when full. Datum
// without a source ID or timestamp are ignored.
func (b *Buffer) Add(d *models.Datum) {
	if !d.Valid() || d.Timestamp.IsZero() {
		return
	}
	b.ringFor(d.SourceID).add(d)
}

func (b *Buffer) ringFor(sourceID string) *ring {
	if r, ok := b.rings.Load(sourceID); ok {
		return r.(*ring)
	}
	r, _ := b.rings.LoadOrStore(sourceID, newRing(b.capacity))
	return r.(*ring)
}

func (b *Buffer) lookup(sourceID string) *ring {
	r, ok := b.rings.Load(sourceID)
	if !ok {
		return nil
	}
	return r.(*ring)
}

// Latest yields the newest datum of every source.
func (b *Buffer) Latest() iter.Seq[*models.Datum] {
	return b.Offset(0)
}

// Offset yields, for every source, the datum n positions back from its newest.
// Sources with fewer than n+1 datum are skipped.
func (b *Buffer) Offset(n int) iter.Seq[*models.Datum] {
	return func(yield func(*models.Datum) bool) {
		b.rings.Range(func(_, v any) bool {
			d := v.(*ring).newest(n)
			if d == nil {
				return true
			}
			return yield(d)
		})
	}
}

// OffsetAtAll is Offset relative to each source's newest datum at or before ts.
func (b *Buffer) OffsetAtAll(ts time.Time, n int) iter.Seq[*models.Datum] {
	return func(yield func(*models.Datum) bool) {
		b.rings.Range(func(_, v any) bool {
			d := v.(*ring).newestAt(ts, n)
			if d == nil {
				return true
			}
			return yield(d)
		})
	}
}

// LatestFor returns the newest datum of sourceID, or nil.
func (b *Buffer) LatestFor(sourceID string) *models.Datum {
	return b.OffsetFor(sourceID, 0)
}

// OffsetFor returns the datum n positions back from the newest of sourceID.
func (b *Buffer) OffsetFor(sourceID string, n int) *models.Datum {
	r := b.lookup(sourceID)
	if r == nil {
		return nil
	}
	return r.newest(n)
}

// OffsetAt returns the datum n positions back from the newest datum of
// sourceID at or before ts.
func (b *Buffer) OffsetAt(sourceID string, ts time.Time, n int) *models.Datum {
	r := b.lookup(sourceID)
	if r == nil {
		return nil
	}
	return r.newestAt(ts, n)
}

// Slice returns up to count datum of sourceID, newest first, starting offset
// positions back from the newest.
func (b *Buffer) Slice(sourceID string, offset, count int) []*models.Datum {
	r := b.lookup(sourceID)
	if r == nil {
		return nil
	}
	return r.window(offset, count)
}

// SliceAt is Slice anchored at the newest datum of sourceID at or before ts.
func (b *Buffer) SliceAt(sourceID string, ts time.Time, offset, count int) []*models.Datum {
	r := b.lookup(sourceID)
	if r == nil {
		return nil
	}
	return r.windowAt(ts, offset, count)
}

// Snapshot returns a copy of the datum of sourceID, oldest first.
func (b *Buffer) Snapshot(sourceID string) []*models.Datum {
	r := b.lookup(sourceID)
	if r == nil {
		return nil
	}
	return r.snapshot()
}

// Len returns the number of datum held for sourceID.
func (b *Buffer) Len(sourceID string) int {
	r := b.lookup(sourceID)
	if r == nil {
		return 0
	}
	return r.len()
}

// SourceIDs returns every source seen so far, sorted.
func (b *Buffer) SourceIDs() []string {
	var ids []string
	b.rings.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}
