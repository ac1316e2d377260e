package service

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"wisefido-datum/internal/config"
	"wisefido-datum/internal/models"
	mqttcommon "wisefido-datum/owl-common/mqtt"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeMQTT struct {
	mu        sync.Mutex
	handlers  map[string]mqttcommon.MessageHandler
	published []string
	closed    bool
}

func (f *fakeMQTT) Subscribe(topic string, _ byte, handler mqttcommon.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = make(map[string]mqttcommon.MessageHandler)
	}
	f.handlers[topic] = handler
	return nil
}

func (f *fakeMQTT) Unsubscribe(topics ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range topics {
		delete(f.handlers, t)
	}
	return nil
}

func (f *fakeMQTT) Publish(topic string, _ byte, _ bool, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, topic)
	return nil
}

func (f *fakeMQTT) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeMQTT) deliver(t *testing.T, topic string, d *models.Datum) {
	t.Helper()
	f.mu.Lock()
	handler := f.handlers["datum/captured/#"]
	f.mu.Unlock()
	require.NotNil(t, handler, "capture topic not subscribed")

	payload, err := json.Marshal(d.ToMessage())
	require.NoError(t, err)
	require.NoError(t, handler(topic, payload))
}

func (f *fakeMQTT) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.published...)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Queue.StartupDelay = 0
	cfg.Queue.QueueDelay = 10 * time.Millisecond
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Capture.StreamEnabled = false
	cfg.Publish.MQTTEnabled = true
	cfg.Storage.CleanupInterval = 0
	return cfg
}

func setupService(t *testing.T, cfg *config.Config) (*NodeService, sqlmock.Sqlmock, *miniredis.Miniredis, *fakeMQTT) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mqttClient := &fakeMQTT{}

	svc, err := New(cfg, Deps{DB: db, Redis: redisClient, MQTT: mqttClient}, zap.NewNop())
	require.NoError(t, err)
	return svc, mock, mr, mqttClient
}

func TestNodeService_CommitAndCapture(t *testing.T) {
	svc, mock, mr, mqttClient := setupService(t, testConfig())
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO datum_node").WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, svc.Start(ctx))

	now := time.Now()
	require.True(t, svc.Queue().Commit(models.NewNodeDatum("/inv/1", now, models.NewSamples().PutInstantaneous("watts", 100))))
	mqttClient.deliver(t, "datum/captured/meter/1", models.NewNodeDatum("/meter/1", now, models.NewSamples().PutAccumulating("wattHours", 5)))

	require.Eventually(t, func() bool {
		return svc.Queue().Stats().Processed == 2
	}, 2*time.Second, 10*time.Millisecond)

	latest := svc.Datums().LatestFor("/inv/1", models.KindAny)
	require.NotNil(t, latest)
	assert.Equal(t, 100.0, latest.Samples.Instantaneous["watts"])
	assert.NotNil(t, svc.Datums().LatestFor("/meter/1", models.KindAny))

	assert.True(t, mr.Exists("datum:latest:/inv/1"))
	length, err := redis.NewClient(&redis.Options{Addr: mr.Addr()}).XLen(ctx, "datum:acquired:stream").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), length)
	assert.ElementsMatch(t, []string{"datum/acquired/inv/1", "datum/acquired/meter/1"}, mqttClient.topics())

	stats := svc.Queue().Stats()
	assert.Equal(t, int64(1), stats.Added)
	assert.Equal(t, int64(1), stats.Captured)
	assert.Equal(t, int64(1), stats.Persisted)

	mock.ExpectClose()
	require.NoError(t, svc.Stop(ctx))
	assert.True(t, mqttClient.closed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNodeService_PersistFailureIsCounted(t *testing.T) {
	svc, mock, _, _ := setupService(t, testConfig())
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO datum_node").WillReturnError(errors.New("disk full"))
	require.NoError(t, svc.Start(ctx))
	require.True(t, svc.Queue().Commit(models.NewNodeDatum("/inv/1", time.Now(), models.NewSamples().PutInstantaneous("watts", 1))))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(svc.exceptions.WithLabelValues("persist", "committed")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Nil(t, svc.Datums().LatestFor("/inv/1", models.KindAny))

	mock.ExpectClose()
	require.NoError(t, svc.Stop(ctx))
}

func TestNodeService_TransformChain(t *testing.T) {
	cfg := testConfig()
	cfg.Transform.Excludes = []string{"^debug_"}
	svc, mock, _, mqttClient := setupService(t, cfg)
	ctx := context.Background()

	require.NoError(t, svc.Start(ctx))
	mqttClient.deliver(t, "datum/captured/inv/1", models.NewNodeDatum("/inv/1", time.Now(),
		models.NewSamples().PutInstantaneous("watts", 1).PutInstantaneous("debug_loop", 7)))

	require.Eventually(t, func() bool {
		return svc.Datums().LatestFor("/inv/1", models.KindAny) != nil
	}, 2*time.Second, 10*time.Millisecond)

	filtered := svc.Datums().LatestFor("/inv/1", models.KindAny)
	assert.NotContains(t, filtered.Samples.Instantaneous, "debug_loop")
	raw := svc.Datums().Unfiltered().LatestFor("/inv/1", models.KindAny)
	require.NotNil(t, raw)
	assert.Contains(t, raw.Samples.Instantaneous, "debug_loop")

	mock.ExpectClose()
	require.NoError(t, svc.Stop(ctx))
}

func TestNodeService_StartFailsWhenHTTPAddrTaken(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	cfg := testConfig()
	cfg.HTTP.Addr = taken.Addr().String()
	svc, mock, _, _ := setupService(t, cfg)
	ctx := context.Background()

	err = svc.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to listen")

	mock.ExpectClose()
	require.NoError(t, svc.Stop(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNew_Errors(t *testing.T) {
	cfg := testConfig()
	_, err := New(cfg, Deps{}, zap.NewNop())
	require.Error(t, err)

	cfg.Transform.Excludes = []string{"("}
	_, err = New(cfg, Deps{MQTT: &fakeMQTT{}}, zap.NewNop())
	require.Error(t, err)
}

func TestBuildTransform_Empty(t *testing.T) {
	transform, err := buildTransform(testConfig())
	require.NoError(t, err)
	assert.Nil(t, transform)
}

func TestNodeService_RegistryHasQueueMetrics(t *testing.T) {
	svc, _, _, _ := setupService(t, testConfig())

	families, err := svc.Registry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["wisefido_datum_queue_processed_total"])
	assert.True(t, names["wisefido_datum_queue_pending"])
}
