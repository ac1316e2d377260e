package datumservice

import (
	"iter"
	"sync/atomic"
	"time"

	"wisefido-datum/internal/history"
	"wisefido-datum/internal/models"
)

// Historian answers filtered queries over a history buffer. The buffer can be
// swapped out when the history capacity changes.
type Historian struct {
	buf atomic.Pointer[history.Buffer]
}

func newHistorian(rawCount int) *Historian {
	h := &Historian{}
	h.reset(rawCount)
	return h
}

func (h *Historian) reset(rawCount int) {
	h.buf.Store(history.New(history.Config{RawCount: rawCount}))
}

func (h *Historian) add(d *models.Datum) {
	h.buf.Load().Add(d)
}

// Capacity returns the per-source capacity of the current buffer.
func (h *Historian) Capacity() int {
	return h.buf.Load().Capacity()
}

// Latest yields the newest datum of every source matching filter and kind.
func (h *Historian) Latest(filter []string, kind models.Kind) iter.Seq[*models.Datum] {
	return h.Offset(filter, 0, kind)
}

// Offset yields the datum n positions back from the newest of every matching
// source.
func (h *Historian) Offset(filter []string, n int, kind models.Kind) iter.Seq[*models.Datum] {
	buf := h.buf.Load()
	return selectDatum(NewSourceFilter(filter), kind,
		func(id string) *models.Datum { return buf.OffsetFor(id, n) },
		buf.Offset(n))
}

// OffsetAt is Offset relative to the newest datum at or before ts.
func (h *Historian) OffsetAt(filter []string, ts time.Time, n int, kind models.Kind) iter.Seq[*models.Datum] {
	buf := h.buf.Load()
	return selectDatum(NewSourceFilter(filter), kind,
		func(id string) *models.Datum { return buf.OffsetAt(id, ts, n) },
		buf.OffsetAtAll(ts, n))
}

// LatestFor returns the newest datum of sourceID when it matches kind.
func (h *Historian) LatestFor(sourceID string, kind models.Kind) *models.Datum {
	d := h.buf.Load().LatestFor(sourceID)
	if d == nil || !kind.Matches(d.Kind) {
		return nil
	}
	return d
}

// Slice returns up to count datum of sourceID, newest first, starting offset
// positions back from the newest.
func (h *Historian) Slice(sourceID string, offset, count int, kind models.Kind) []*models.Datum {
	return ofKind(h.buf.Load().Slice(sourceID, offset, count), kind)
}

// SliceAt is Slice anchored at the newest datum at or before ts.
func (h *Historian) SliceAt(sourceID string, ts time.Time, offset, count int, kind models.Kind) []*models.Datum {
	return ofKind(h.buf.Load().SliceAt(sourceID, ts, offset, count), kind)
}

func ofKind(all []*models.Datum, kind models.Kind) []*models.Datum {
	out := all[:0:0]
	for _, d := range all {
		if kind.Matches(d.Kind) {
			out = append(out, d)
		}
	}
	return out
}

// SourceIDs returns every source held in the history, sorted.
func (h *Historian) SourceIDs() []string {
	return h.buf.Load().SourceIDs()
}

// selectDatum applies filter and kind. Literal filters are resolved through
// lookup; anything else scans all.
func selectDatum(f *SourceFilter, kind models.Kind, lookup func(string) *models.Datum, all iter.Seq[*models.Datum]) iter.Seq[*models.Datum] {
	return func(yield func(*models.Datum) bool) {
		if f.Literal() {
			for _, id := range f.Literals() {
				d := lookup(id)
				if d == nil || !kind.Matches(d.Kind) {
					continue
				}
				if !yield(d) {
					return
				}
			}
			return
		}
		seen := make(map[string]struct{})
		for d := range all {
			if !kind.Matches(d.Kind) || !f.Match(d.SourceID) {
				continue
			}
			if _, dup := seen[d.SourceID]; dup {
				continue
			}
			seen[d.SourceID] = struct{}{}
			if !yield(d) {
				return
			}
		}
	}
}
