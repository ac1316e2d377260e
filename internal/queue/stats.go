package queue

import (
	"sync/atomic"
	"time"
)

// Stats is a snapshot of queue counters.
type Stats struct {
	Added          int64         `json:"added"`
	Captured       int64         `json:"captured"`
	Processed      int64         `json:"processed"`
	Persisted      int64         `json:"persisted"`
	Duplicates     int64         `json:"duplicates"`
	Filtered       int64         `json:"filtered"`
	Errors         int64         `json:"errors"`
	ProcessingTime time.Duration `json:"processing_time_ns"`
	PersistingTime time.Duration `json:"persisting_time_ns"`
}

type counters struct {
	added          atomic.Int64
	captured       atomic.Int64
	processed      atomic.Int64
	persisted      atomic.Int64
	duplicates     atomic.Int64
	filtered       atomic.Int64
	errors         atomic.Int64
	processingTime atomic.Int64
	persistingTime atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Added:          c.added.Load(),
		Captured:       c.captured.Load(),
		Processed:      c.processed.Load(),
		Persisted:      c.persisted.Load(),
		Duplicates:     c.duplicates.Load(),
		Filtered:       c.filtered.Load(),
		Errors:         c.errors.Load(),
		ProcessingTime: time.Duration(c.processingTime.Load()),
		PersistingTime: time.Duration(c.persistingTime.Load()),
	}
}
