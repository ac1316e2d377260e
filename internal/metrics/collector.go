// Package metrics exposes datum queue counters to Prometheus.
package metrics

import (
	"wisefido-datum/internal/queue"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wisefido_datum"

// StatsSource is implemented by *queue.Queue.
type StatsSource interface {
	Stats() queue.Stats
	Pending() int
}

// QueueCollector reports queue counters at scrape time.
type QueueCollector struct {
	source StatsSource

	added          *prometheus.Desc
	captured       *prometheus.Desc
	processed      *prometheus.Desc
	persisted      *prometheus.Desc
	duplicates     *prometheus.Desc
	filtered       *prometheus.Desc
	errors         *prometheus.Desc
	processingTime *prometheus.Desc
	persistingTime *prometheus.Desc
	pending        *prometheus.Desc
}

// NewQueueCollector creates a collector for source.
func NewQueueCollector(source StatsSource) *QueueCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "queue", name), help, nil, nil)
	}
	return &QueueCollector{
		source:         source,
		added:          desc("added_total", "Datum committed to the queue."),
		captured:       desc("captured_total", "Datum observed by the queue."),
		processed:      desc("processed_total", "Datum processed after deduplication."),
		persisted:      desc("persisted_total", "Datum persisted."),
		duplicates:     desc("duplicates_total", "Duplicate datum discarded."),
		filtered:       desc("filtered_total", "Datum dropped by the transform."),
		errors:         desc("errors_total", "Processing errors of any stage."),
		processingTime: desc("processing_seconds_total", "Time spent processing datum."),
		persistingTime: desc("persisting_seconds_total", "Time spent persisting datum."),
		pending:        desc("pending", "Datum waiting for processing."),
	}
}

// Describe implements prometheus.Collector.
func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.added
	ch <- c.captured
	ch <- c.processed
	ch <- c.persisted
	ch <- c.duplicates
	ch <- c.filtered
	ch <- c.errors
	ch <- c.processingTime
	ch <- c.persistingTime
	ch <- c.pending
}

// Collect implements prometheus.Collector.
func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Stats()
	counter := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v)
	}
	counter(c.added, float64(s.Added))
	counter(c.captured, float64(s.Captured))
	counter(c.processed, float64(s.Processed))
	counter(c.persisted, float64(s.Persisted))
	counter(c.duplicates, float64(s.Duplicates))
	counter(c.filtered, float64(s.Filtered))
	counter(c.errors, float64(s.Errors))
	counter(c.processingTime, s.ProcessingTime.Seconds())
	counter(c.persistingTime, s.PersistingTime.Seconds())
	ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(c.source.Pending()))
}
