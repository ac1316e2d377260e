package datumservice

import (
	"slices"
	"sort"
	"testing"
	"time"

	"wisefido-datum/internal/models"
	"wisefido-datum/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func newTestService() *Service {
	return NewService(Config{HistoryRawCount: 3}, zap.NewNop())
}

func nodeAt(source string, sec int, watts float64) *models.Datum {
	return models.NewNodeDatum(source, base.Add(time.Duration(sec)*time.Second),
		models.NewSamples().PutInstantaneous("watts", watts))
}

func sourceIDs(seq func(func(*models.Datum) bool)) []string {
	var ids []string
	for d := range seq {
		ids = append(ids, d.SourceID)
	}
	sort.Strings(ids)
	return ids
}

func TestService_LatestOverwrites(t *testing.T) {
	s := newTestService()
	require.NoError(t, s.Accept(nodeAt("S", 1, 1)))
	require.NoError(t, s.Accept(nodeAt("S", 2, 2)))

	latest := slices.Collect(s.Latest([]string{"S"}, models.KindAny))
	require.Len(t, latest, 1)
	assert.Equal(t, 2.0, latest[0].Samples.Instantaneous["watts"])
	assert.Equal(t, 2.0, s.LatestFor("S", models.KindNode).Samples.Instantaneous["watts"])
}

func TestService_AcceptRejectsInvalid(t *testing.T) {
	s := newTestService()
	assert.ErrorIs(t, s.Accept(nil), queue.ErrInvalidDatum)
	assert.Empty(t, s.SourceIDs())
}

func TestService_LatestFilters(t *testing.T) {
	s := newTestService()
	for _, id := range []string{"/inv/1", "/inv/2", "/meter/1", "/meter/site/2"} {
		require.NoError(t, s.Accept(nodeAt(id, 1, 1)))
	}
	require.NoError(t, s.Accept(models.NewLocationDatum("loc-1", "/weather", base, nil)))

	tests := []struct {
		name   string
		filter []string
		kind   models.Kind
		want   []string
	}{
		{"all", nil, models.KindAny, []string{"/inv/1", "/inv/2", "/meter/1", "/meter/site/2", "/weather"}},
		{"literal", []string{"/inv/2"}, models.KindAny, []string{"/inv/2"}},
		{"literal missing", []string{"/nope"}, models.KindAny, nil},
		{"single segment glob", []string{"/meter/*"}, models.KindAny, []string{"/meter/1"}},
		{"multi segment glob", []string{"/meter/**"}, models.KindAny, []string{"/meter/1", "/meter/site/2"}},
		{"mixed", []string{"/inv/1", "/meter/*"}, models.KindAny, []string{"/inv/1", "/meter/1"}},
		{"overlapping patterns", []string{"/inv/*", "/inv/?", "/inv/1"}, models.KindAny, []string{"/inv/1", "/inv/2"}},
		{"kind node", nil, models.KindNode, []string{"/inv/1", "/inv/2", "/meter/1", "/meter/site/2"}},
		{"kind location", nil, models.KindLocation, []string{"/weather"}},
		{"literal wrong kind", []string{"/weather"}, models.KindNode, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sourceIDs(s.Latest(tt.filter, tt.kind))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestService_LatestIsIdempotent(t *testing.T) {
	s := newTestService()
	for _, id := range []string{"a/1", "a/2", "b/1"} {
		require.NoError(t, s.Accept(nodeAt(id, 1, 1)))
	}
	filter := []string{"a/*", "a/1"}

	first := sourceIDs(s.Latest(filter, models.KindAny))
	second := sourceIDs(s.Latest(filter, models.KindAny))
	assert.Equal(t, first, second)
	assert.Equal(t, []string{"a/1", "a/2"}, first)
}

func TestService_HistoryQueries(t *testing.T) {
	s := newTestService()
	for i := 1; i <= 4; i++ {
		require.NoError(t, s.Accept(nodeAt("S", i, float64(i))))
	}

	off := slices.Collect(s.Offset([]string{"S"}, 1, models.KindAny))
	require.Len(t, off, 1)
	assert.Equal(t, 3.0, off[0].Samples.Instantaneous["watts"])

	at := slices.Collect(s.OffsetAt(nil, base.Add(3*time.Second), 0, models.KindAny))
	require.Len(t, at, 1)
	assert.Equal(t, 3.0, at[0].Samples.Instantaneous["watts"])

	window := s.Slice("S", 0, 10, models.KindAny)
	require.Len(t, window, 3)
	assert.Equal(t, 4.0, window[0].Samples.Instantaneous["watts"])
	assert.Equal(t, 2.0, window[2].Samples.Instantaneous["watts"])

	assert.Empty(t, s.Slice("S", 0, 10, models.KindLocation))

	windowAt := s.SliceAt("S", base.Add(3*time.Second), 0, 10, models.KindAny)
	require.Len(t, windowAt, 2)
	assert.Equal(t, 3.0, windowAt[0].Samples.Instantaneous["watts"])
	assert.Equal(t, 2.0, windowAt[1].Samples.Instantaneous["watts"])
	assert.Empty(t, s.SliceAt("S", base.Add(3*time.Second), 0, 10, models.KindLocation))
}

func TestService_UnfilteredHistoryFromObserver(t *testing.T) {
	s := newTestService()
	d := nodeAt("S", 1, 1)

	s.DatumProcessed(queue.StagePreFilter, d)
	s.DatumProcessed(queue.StagePostFilter, d)

	assert.Len(t, slices.Collect(s.Unfiltered().Latest(nil, models.KindAny)), 1)
	assert.Empty(t, slices.Collect(s.Filtered().Latest(nil, models.KindAny)))
	assert.Nil(t, s.LatestFor("S", models.KindAny))
}

func TestService_SetHistoryRawCountResetsHistory(t *testing.T) {
	s := newTestService()
	require.NoError(t, s.Accept(nodeAt("S", 1, 1)))
	s.DatumProcessed(queue.StagePreFilter, nodeAt("S", 1, 1))

	s.SetHistoryRawCount(10)

	assert.Equal(t, 10, s.HistoryRawCount())
	assert.Equal(t, 10, s.Unfiltered().Capacity())
	assert.Empty(t, s.Slice("S", 0, 10, models.KindAny))
	assert.Empty(t, s.Unfiltered().SourceIDs())
	assert.NotNil(t, s.LatestFor("S", models.KindAny))

	s.SetHistoryRawCount(0)
	assert.Equal(t, 5, s.HistoryRawCount())
}

func TestService_AsQueueConsumer(t *testing.T) {
	var _ queue.Consumer = (*Service)(nil)
	var _ queue.ProcessObserver = (*Service)(nil)
}
