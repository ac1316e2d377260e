package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"testing"
	"time"

	"wisefido-datum/internal/datumservice"
	"wisefido-datum/internal/models"
	"wisefido-datum/internal/queue"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStats struct{ stats queue.Stats }

func (f fakeStats) Stats() queue.Stats { return f.stats }

var created = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func setupServer(t *testing.T, token string) (*Server, *datumservice.Service) {
	t.Helper()
	datums := datumservice.NewService(datumservice.Config{HistoryRawCount: 3}, zap.NewNop())
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total", Help: "test"}))

	s := NewServer(Config{Token: token}, datums, fakeStats{queue.Stats{Processed: 42}}, reg, zap.NewNop())
	return s, datums
}

func doGet(t *testing.T, s *Server, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeMessages(t *testing.T, rec *httptest.ResponseRecorder) Result[[]models.DatumMessage] {
	t.Helper()
	var res Result[[]models.DatumMessage]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	return res
}

func TestHandleLatest(t *testing.T) {
	s, datums := setupServer(t, "")
	for _, id := range []string{"/inv/1", "/inv/2", "/meter/1"} {
		require.NoError(t, datums.Accept(models.NewNodeDatum(id, created, models.NewSamples().PutInstantaneous("watts", 1))))
	}

	rec := doGet(t, s, "/api/v1/datum/latest?sourceIds="+url.QueryEscape(`["/inv/*"]`), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	res := decodeMessages(t, rec)
	assert.Equal(t, ResultSuccess, res.Code)
	ids := make([]string, 0, len(res.Result))
	for _, m := range res.Result {
		ids = append(ids, m.SourceID)
	}
	sort.Strings(ids)
	assert.Equal(t, []string{"/inv/1", "/inv/2"}, ids)

	rec = doGet(t, s, "/api/v1/datum/latest?sourceIds=/meter/1,/nope", nil)
	res = decodeMessages(t, rec)
	require.Len(t, res.Result, 1)
	assert.Equal(t, created.UnixMilli(), res.Result[0].Created)
}

func TestHandleLatest_EmptyResultIsArray(t *testing.T) {
	s, _ := setupServer(t, "")
	rec := doGet(t, s, "/api/v1/datum/latest", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"code":2000,"type":"success","message":"ok","result":[]}`, rec.Body.String())
}

func TestHandleLatest_BadKind(t *testing.T) {
	s, _ := setupServer(t, "")
	rec := doGet(t, s, "/api/v1/datum/latest?kind=bogus", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var res Result[any]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, ResultError, res.Code)
}

func TestHandleHistory(t *testing.T) {
	s, datums := setupServer(t, "")
	for i := 1; i <= 4; i++ {
		require.NoError(t, datums.Accept(models.NewNodeDatum("/inv/1", created.Add(time.Duration(i)*time.Second),
			models.NewSamples().PutInstantaneous("watts", float64(i)))))
	}

	rec := doGet(t, s, "/api/v1/datum/history?sourceId=/inv/1&offset=1&count=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeMessages(t, rec)
	require.Len(t, res.Result, 2)
	assert.Equal(t, 3.0, res.Result[0].I["watts"])
	assert.Equal(t, 2.0, res.Result[1].I["watts"])

	rec = doGet(t, s, "/api/v1/datum/history", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doGet(t, s, "/api/v1/datum/history?sourceId=x&offset=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	at := url.QueryEscape(created.Add(3 * time.Second).Format(time.RFC3339))
	rec = doGet(t, s, "/api/v1/datum/history?sourceId=/inv/1&count=5&at="+at, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res = decodeMessages(t, rec)
	require.Len(t, res.Result, 2)
	assert.Equal(t, 3.0, res.Result[0].I["watts"])
	assert.Equal(t, 2.0, res.Result[1].I["watts"])

	rec = doGet(t, s, "/api/v1/datum/history?sourceId=/inv/1&at=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_StartServesOnBoundAddr(t *testing.T) {
	s, _ := setupServer(t, "")
	s.cfg.Addr = "127.0.0.1:0"
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	resp, err := http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_StartReturnsBindError(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	s, _ := setupServer(t, "")
	s.cfg.Addr = taken.Addr().String()
	err = s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), taken.Addr().String())
	assert.NoError(t, s.Stop(context.Background()))
}

func TestHandleUnfilteredLatest(t *testing.T) {
	s, datums := setupServer(t, "")
	datums.DatumProcessed(queue.StagePreFilter, models.NewNodeDatum("raw", created, nil))

	rec := doGet(t, s, "/api/v1/datum/unfiltered/latest", nil)
	res := decodeMessages(t, rec)
	require.Len(t, res.Result, 1)
	assert.Equal(t, "raw", res.Result[0].SourceID)

	rec = doGet(t, s, "/api/v1/datum/latest", nil)
	assert.Empty(t, decodeMessages(t, rec).Result)
}

func TestHandleQueueStats(t *testing.T) {
	s, _ := setupServer(t, "")
	rec := doGet(t, s, "/api/v1/queue/stats", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var res Result[queue.Stats]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, int64(42), res.Result.Processed)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := setupServer(t, "")
	rec := doGet(t, s, "/metrics", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_total 0")
}

func TestAuth(t *testing.T) {
	s, _ := setupServer(t, "secret")

	rec := doGet(t, s, "/api/v1/queue/stats", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	rec = doGet(t, s, "/api/v1/queue/stats", map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doGet(t, s, "/api/v1/queue/stats", map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doGet(t, s, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNotFound(t *testing.T) {
	s, _ := setupServer(t, "")
	rec := doGet(t, s, "/nope", map[string]string{"X-Request-ID": "req-1"})

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))
}
