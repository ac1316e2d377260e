package metrics

import (
	"strings"
	"testing"
	"time"

	"wisefido-datum/internal/queue"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	stats   queue.Stats
	pending int
}

func (f *fakeSource) Stats() queue.Stats { return f.stats }
func (f *fakeSource) Pending() int       { return f.pending }

func TestQueueCollector(t *testing.T) {
	src := &fakeSource{
		stats: queue.Stats{
			Added:          10,
			Captured:       12,
			Processed:      15,
			Persisted:      9,
			Duplicates:     7,
			Filtered:       2,
			Errors:         1,
			ProcessingTime: 1500 * time.Millisecond,
		},
		pending: 3,
	}
	c := NewQueueCollector(src)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))
	assert.Equal(t, 10, testutil.CollectAndCount(c))

	expected := `
# HELP wisefido_datum_queue_duplicates_total Duplicate datum discarded.
# TYPE wisefido_datum_queue_duplicates_total counter
wisefido_datum_queue_duplicates_total 7
# HELP wisefido_datum_queue_pending Datum waiting for processing.
# TYPE wisefido_datum_queue_pending gauge
wisefido_datum_queue_pending 3
# HELP wisefido_datum_queue_processing_seconds_total Time spent processing datum.
# TYPE wisefido_datum_queue_processing_seconds_total counter
wisefido_datum_queue_processing_seconds_total 1.5
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"wisefido_datum_queue_duplicates_total",
		"wisefido_datum_queue_pending",
		"wisefido_datum_queue_processing_seconds_total",
	)
	require.NoError(t, err)

	// values are read at scrape time
	src.stats.Errors = 4
	n, err := testutil.GatherAndCount(reg, "wisefido_datum_queue_errors_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP wisefido_datum_queue_errors_total Processing errors of any stage.
# TYPE wisefido_datum_queue_errors_total counter
wisefido_datum_queue_errors_total 4
`), "wisefido_datum_queue_errors_total"))
}

var _ StatsSource = (*queue.Queue)(nil)
