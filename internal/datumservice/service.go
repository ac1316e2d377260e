// Package datumservice indexes the latest datum of every source and answers
// filtered queries over it and over recent history.
package datumservice

import (
	"iter"
	"sync"
	"time"

	"wisefido-datum/internal/history"
	"wisefido-datum/internal/models"
	"wisefido-datum/internal/queue"

	"go.uber.org/zap"
)

// Config configures the Service.
type Config struct {
	// HistoryRawCount is the per-source history capacity.
	HistoryRawCount int `yaml:"history_raw_count"`
}

// Service is a queue consumer that keeps the latest datum per source. It
// also records filtered history (datum it consumes) and unfiltered history
// (datum seen by the queue before transformation).
type Service struct {
	logger *zap.Logger

	latest     sync.Map // sourceID -> *models.Datum
	filtered   *Historian
	unfiltered *Historian
}

// NewService creates a Service.
func NewService(cfg Config, logger *zap.Logger) *Service {
	rawCount := cfg.HistoryRawCount
	if rawCount < 1 {
		rawCount = history.DefaultRawCount
	}
	return &Service{
		logger:     logger,
		filtered:   newHistorian(rawCount),
		unfiltered: newHistorian(rawCount),
	}
}

// Accept records d as the latest datum of its source.
func (s *Service) Accept(d *models.Datum) error {
	if !d.Valid() {
		return queue.ErrInvalidDatum
	}
	s.latest.Store(d.SourceID, d)
	s.filtered.add(d)
	return nil
}

// DatumProcessed feeds the unfiltered history from the queue's pre-filter stage.
func (s *Service) DatumProcessed(stage queue.Stage, d *models.Datum) {
	if stage == queue.StagePreFilter {
		s.unfiltered.add(d)
	}
}

// Latest yields the latest datum of every source matching filter and kind.
// An empty filter matches every source; each source appears at most once.
func (s *Service) Latest(filter []string, kind models.Kind) iter.Seq[*models.Datum] {
	return s.LatestMatching(NewSourceFilter(filter), kind)
}

// LatestMatching is Latest with a compiled filter.
func (s *Service) LatestMatching(f *SourceFilter, kind models.Kind) iter.Seq[*models.Datum] {
	all := func(yield func(*models.Datum) bool) {
		s.latest.Range(func(_, v any) bool {
			return yield(v.(*models.Datum))
		})
	}
	return selectDatum(f, kind, s.lookup, all)
}

func (s *Service) lookup(sourceID string) *models.Datum {
	v, ok := s.latest.Load(sourceID)
	if !ok {
		return nil
	}
	return v.(*models.Datum)
}

// LatestFor returns the latest datum of sourceID when it matches kind.
func (s *Service) LatestFor(sourceID string, kind models.Kind) *models.Datum {
	d := s.lookup(sourceID)
	if d == nil || !kind.Matches(d.Kind) {
		return nil
	}
	return d
}

// Offset yields the datum n positions back from the newest in the filtered
// history of every matching source.
func (s *Service) Offset(filter []string, n int, kind models.Kind) iter.Seq[*models.Datum] {
	return s.filtered.Offset(filter, n, kind)
}

// OffsetAt is Offset relative to the newest datum at or before ts.
func (s *Service) OffsetAt(filter []string, ts time.Time, n int, kind models.Kind) iter.Seq[*models.Datum] {
	return s.filtered.OffsetAt(filter, ts, n, kind)
}

// Slice returns a newest-first window of the filtered history of sourceID.
func (s *Service) Slice(sourceID string, offset, count int, kind models.Kind) []*models.Datum {
	return s.filtered.Slice(sourceID, offset, count, kind)
}

// SliceAt is Slice anchored at the newest datum at or before ts.
func (s *Service) SliceAt(sourceID string, ts time.Time, offset, count int, kind models.Kind) []*models.Datum {
	return s.filtered.SliceAt(sourceID, ts, offset, count, kind)
}

// Filtered returns the history of consumed datum.
func (s *Service) Filtered() *Historian {
	return s.filtered
}

// Unfiltered returns the history of datum as they entered processing.
func (s *Service) Unfiltered() *Historian {
	return s.unfiltered
}

// HistoryRawCount returns the per-source history capacity.
func (s *Service) HistoryRawCount() int {
	return s.filtered.Capacity()
}

// SetHistoryRawCount changes the history capacity. Both histories are
// cleared; the latest-value index is kept.
func (s *Service) SetHistoryRawCount(n int) {
	if n < 1 {
		n = history.DefaultRawCount
	}
	s.filtered.reset(n)
	s.unfiltered.reset(n)
	s.logger.Info("History capacity changed", zap.Int("raw_count", n))
}

// SourceIDs returns every source with a latest datum.
func (s *Service) SourceIDs() []string {
	var ids []string
	s.latest.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	return ids
}
