// Package queue distributes datum from many producers to persistence and a
// set of consumers, on a single background worker.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"wisefido-datum/internal/models"

	"go.uber.org/zap"
)

const (
	DefaultQueueDelay       = 200 * time.Millisecond
	DefaultStartupDelay     = 20 * time.Second
	DefaultStatLogFrequency = 250
	DefaultStoreTimeout     = 30 * time.Second
)

// Config configures a Queue.
type Config struct {
	// QueueDelay holds every entry back so near-simultaneous duplicates
	// end up in the same processing batch.
	QueueDelay time.Duration `yaml:"queue_delay"`
	// StartupDelay postpones processing on the first Start only.
	StartupDelay time.Duration `yaml:"startup_delay"`
	// StatLogFrequency logs the counters every N processed entries.
	StatLogFrequency int `yaml:"stat_log_frequency"`
	// StoreTimeout bounds a single StoreDatum call; zero means no bound.
	StoreTimeout time.Duration `yaml:"store_timeout"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		QueueDelay:       DefaultQueueDelay,
		StartupDelay:     DefaultStartupDelay,
		StatLogFrequency: DefaultStatLogFrequency,
		StoreTimeout:     DefaultStoreTimeout,
	}
}

type namedConsumer struct {
	name     string
	consumer Consumer
}

// Queue accepts datum through Commit and Observe and processes them in
// ready-time order: dedup, transform, persist (committed only), consume.
// Commit and Observe never block on processing and are safe for concurrent
// use. All setters may be called while the queue runs.
type Queue struct {
	logger *zap.Logger

	queueDelay       atomic.Int64
	startupDelay     atomic.Int64
	statLogFrequency int64
	storeTimeout     time.Duration

	mu      sync.Mutex
	pending entryHeap
	seq     uint64
	wake    chan struct{}

	settingsMu sync.RWMutex
	transform  Transform
	observer   ProcessObserver
	handler    ExceptionHandler
	stores     map[models.Kind]DatumStore

	consumersMu sync.Mutex
	consumers   atomic.Pointer[[]namedConsumer]

	stats counters

	runMu       sync.Mutex
	stopCh      chan context.Context
	done        chan struct{}
	everStarted bool
}

// New creates a stopped Queue.
func New(cfg Config, logger *zap.Logger) *Queue {
	q := &Queue{
		logger:           logger,
		statLogFrequency: int64(cfg.StatLogFrequency),
		storeTimeout:     cfg.StoreTimeout,
		wake:             make(chan struct{}, 1),
		stores:           make(map[models.Kind]DatumStore),
	}
	if q.statLogFrequency <= 0 {
		q.statLogFrequency = DefaultStatLogFrequency
	}
	q.SetQueueDelay(cfg.QueueDelay)
	q.SetStartupDelay(cfg.StartupDelay)
	q.consumers.Store(&[]namedConsumer{})
	return q
}

// Commit enqueues d for persistence and consumption. It returns false only
// when d has no source ID.
func (q *Queue) Commit(d *models.Datum) bool {
	return q.offer(d, OriginCommitted)
}

// Observe enqueues d for consumption only.
func (q *Queue) Observe(d *models.Datum) bool {
	return q.offer(d, OriginObserved)
}

func (q *Queue) offer(d *models.Datum, origin Origin) bool {
	if !d.Valid() {
		return false
	}
	d = normalize(d)
	if origin == OriginCommitted {
		q.stats.added.Add(1)
	} else {
		q.stats.captured.Add(1)
	}

	now := time.Now()
	q.mu.Lock()
	q.seq++
	heap.Push(&q.pending, newEntry(d, origin, q.QueueDelay(), now, q.seq))
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// normalize fills in zero-value fields of a datum built as a struct
// literal: nil samples become empty samples and an unset kind becomes
// KindNode. d itself is never modified.
func normalize(d *models.Datum) *models.Datum {
	if d.Samples != nil && d.Kind != models.KindAny {
		return d
	}
	cp := *d
	if cp.Samples == nil {
		cp.Samples = models.NewSamples()
	}
	if cp.Kind == models.KindAny {
		cp.Kind = models.KindNode
	}
	return &cp
}

// Pending returns the number of entries waiting for processing.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// AddConsumer registers c under name. Consumers run in registration order;
// adding an existing name replaces that consumer in place.
func (q *Queue) AddConsumer(name string, c Consumer) {
	q.consumersMu.Lock()
	defer q.consumersMu.Unlock()

	cur := *q.consumers.Load()
	next := make([]namedConsumer, 0, len(cur)+1)
	replaced := false
	for _, nc := range cur {
		if nc.name == name {
			nc.consumer = c
			replaced = true
		}
		next = append(next, nc)
	}
	if !replaced {
		next = append(next, namedConsumer{name: name, consumer: c})
	}
	q.consumers.Store(&next)
}

// RemoveConsumer unregisters the consumer registered under name.
func (q *Queue) RemoveConsumer(name string) {
	q.consumersMu.Lock()
	defer q.consumersMu.Unlock()

	cur := *q.consumers.Load()
	next := make([]namedConsumer, 0, len(cur))
	for _, nc := range cur {
		if nc.name != name {
			next = append(next, nc)
		}
	}
	q.consumers.Store(&next)
}

// ConsumerNames returns the registered consumer names in order.
func (q *Queue) ConsumerNames() []string {
	cur := *q.consumers.Load()
	names := make([]string, len(cur))
	for i, nc := range cur {
		names[i] = nc.name
	}
	return names
}

// SetTransform installs t; nil removes the transform.
func (q *Queue) SetTransform(t Transform) {
	q.settingsMu.Lock()
	q.transform = t
	q.settingsMu.Unlock()
}

// SetObserver installs o; nil removes the observer.
func (q *Queue) SetObserver(o ProcessObserver) {
	q.settingsMu.Lock()
	q.observer = o
	q.settingsMu.Unlock()
}

// SetExceptionHandler installs h; nil removes the handler.
func (q *Queue) SetExceptionHandler(h ExceptionHandler) {
	q.settingsMu.Lock()
	q.handler = h
	q.settingsMu.Unlock()
}

// SetStore sets the store for datum of kind; nil removes it.
func (q *Queue) SetStore(kind models.Kind, s DatumStore) {
	q.settingsMu.Lock()
	defer q.settingsMu.Unlock()
	if s == nil {
		delete(q.stores, kind)
		return
	}
	q.stores[kind] = s
}

// SetQueueDelay changes the delay applied to entries enqueued from now on.
func (q *Queue) SetQueueDelay(d time.Duration) {
	q.queueDelay.Store(int64(max(d, 0)))
}

// QueueDelay returns the current queue delay.
func (q *Queue) QueueDelay() time.Duration {
	return time.Duration(q.queueDelay.Load())
}

// SetStartupDelay changes the delay used by the first Start.
func (q *Queue) SetStartupDelay(d time.Duration) {
	q.startupDelay.Store(int64(max(d, 0)))
}

// StartupDelay returns the current startup delay.
func (q *Queue) StartupDelay() time.Duration {
	return time.Duration(q.startupDelay.Load())
}

// Stats returns a snapshot of the counters.
func (q *Queue) Stats() Stats {
	return q.stats.snapshot()
}

// Start launches the worker. Calling Start on a running queue does nothing.
func (q *Queue) Start(ctx context.Context) error {
	q.runMu.Lock()
	defer q.runMu.Unlock()

	if q.stopCh != nil {
		return nil
	}
	var delay time.Duration
	if !q.everStarted {
		delay = q.StartupDelay()
		q.everStarted = true
	}
	q.stopCh = make(chan context.Context, 1)
	q.done = make(chan struct{})

	go q.run(context.WithoutCancel(ctx), delay, q.stopCh, q.done)
	return nil
}

// Stop halts the worker after it drains the pending entries. If ctx ends
// first, the remaining entries are discarded and ctx.Err() is returned.
// In-flight store and consumer calls are not interrupted.
// A Start racing with Stop waits until the worker has exited, so at most one
// worker runs at a time.
func (q *Queue) Stop(ctx context.Context) error {
	q.runMu.Lock()
	defer q.runMu.Unlock()

	if q.stopCh == nil {
		return nil
	}
	q.stopCh <- ctx
	<-q.done
	q.stopCh, q.done = nil, nil
	return ctx.Err()
}

func (q *Queue) run(ctx context.Context, startupDelay time.Duration, stopCh <-chan context.Context, done chan<- struct{}) {
	defer close(done)

	if startupDelay > 0 {
		q.logger.Info("Waiting before starting datum queue processor", zap.Duration("startup_delay", startupDelay))
		timer := time.NewTimer(startupDelay)
		select {
		case <-timer.C:
		case stopCtx := <-stopCh:
			timer.Stop()
			q.drain(ctx, stopCtx)
			return
		}
	}
	q.logger.Info("Datum queue processor started")

	for {
		batch, next := q.takeReady(time.Now().UnixMilli())
		if len(batch) > 0 {
			q.processBatch(ctx, batch, nil)
			continue
		}

		var timerC <-chan time.Time
		var timer *time.Timer
		if next > 0 {
			wait := time.Until(time.UnixMilli(next))
			timer = time.NewTimer(max(wait, time.Millisecond))
			timerC = timer.C
		}
		select {
		case <-q.wake:
		case <-timerC:
		case stopCtx := <-stopCh:
			if timer != nil {
				timer.Stop()
			}
			q.drain(ctx, stopCtx)
			return
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// drain processes everything still pending, ready or not, until stopCtx ends.
func (q *Queue) drain(ctx, stopCtx context.Context) {
	batch := q.takeAll()
	if len(batch) > 0 {
		q.logger.Info("Draining datum queue", zap.Int("pending", len(batch)))
		if n := q.processBatch(ctx, batch, stopCtx.Done()); n > 0 {
			q.logger.Warn("Datum queue stopped before drain completed", zap.Int("discarded", n))
		}
	}
	q.logger.Info("Datum queue processor finished", zap.Any("stats", q.Stats()))
}

func (q *Queue) takeReady(nowMillis int64) ([]*entry, int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var batch []*entry
	for q.pending.Len() > 0 && q.pending[0].readyAt <= nowMillis {
		batch = append(batch, heap.Pop(&q.pending).(*entry))
	}
	var next int64
	if q.pending.Len() > 0 {
		next = q.pending[0].readyAt
	}
	return batch, next
}

func (q *Queue) takeAll() []*entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	batch := make([]*entry, 0, q.pending.Len())
	for q.pending.Len() > 0 {
		batch = append(batch, heap.Pop(&q.pending).(*entry))
	}
	return batch
}

// processBatch handles one dedup window and returns the number of entries
// left unprocessed because abort closed.
func (q *Queue) processBatch(ctx context.Context, batch []*entry, abort <-chan struct{}) int {
	start := time.Now()
	defer func() {
		q.stats.processingTime.Add(int64(time.Since(start)))
	}()

	// one keeper per key: the first committed entry, else the earliest
	keepers := make(map[models.DatumKey]*entry, len(batch))
	for _, e := range batch {
		k := e.datum.Key()
		cur, ok := keepers[k]
		if !ok || (cur.origin != OriginCommitted && e.origin == OriginCommitted) {
			keepers[k] = e
		}
	}

	for i, e := range batch {
		select {
		case <-abort:
			return len(batch) - i
		default:
		}
		if keepers[e.datum.Key()] != e {
			q.stats.duplicates.Add(1)
			continue
		}
		q.process(ctx, e)
	}
	return 0
}

func (q *Queue) process(ctx context.Context, e *entry) {
	if n := q.stats.processed.Add(1); n%q.statLogFrequency == 0 {
		q.logger.Info("Datum queue stats", zap.Any("stats", q.Stats()))
	}

	q.settingsMu.RLock()
	transform, observer := q.transform, q.observer
	q.settingsMu.RUnlock()

	d := e.datum
	q.notifyObserver(observer, StagePreFilter, d)

	if transform != nil {
		samples, err := callTransform(transform, d)
		if errors.Is(err, ErrDrop) {
			q.stats.filtered.Add(1)
			return
		}
		if err != nil {
			q.stats.errors.Add(1)
			q.logger.Error("Error transforming datum; discarding",
				zap.String("source_id", d.SourceID),
				zap.Time("timestamp", d.Timestamp),
				zap.Error(err),
			)
			q.handleError(&ProcessingError{Stage: "transform", Datum: d, Origin: e.origin, Err: err})
			return
		}
		if samples != nil && samples != d.Samples {
			d = d.WithSamples(samples)
		}
	}

	q.notifyObserver(observer, StagePostFilter, d)

	if e.origin == OriginCommitted && !q.persist(ctx, e, d) {
		return
	}
	q.consume(d)
}

func (q *Queue) persist(ctx context.Context, e *entry, d *models.Datum) bool {
	q.settingsMu.RLock()
	store := q.stores[d.Kind]
	q.settingsMu.RUnlock()

	err := ErrNoStore
	if store != nil {
		start := time.Now()
		err = q.callStore(ctx, store, d)
		if err == nil {
			q.stats.persisted.Add(1)
			q.stats.persistingTime.Add(int64(time.Since(start)))
			return true
		}
	}

	q.stats.errors.Add(1)
	q.logger.Error("Error persisting datum; discarding",
		zap.String("source_id", d.SourceID),
		zap.String("kind", d.Kind.String()),
		zap.Time("timestamp", d.Timestamp),
		zap.Error(err),
	)
	q.handleError(&ProcessingError{Stage: "persist", Datum: d, Origin: e.origin, Err: err})
	return false
}

func (q *Queue) consume(d *models.Datum) {
	for _, nc := range *q.consumers.Load() {
		if err := callConsumer(nc.consumer, d); err != nil {
			q.stats.errors.Add(1)
			q.logger.Warn("Datum consumer failed",
				zap.String("consumer", nc.name),
				zap.String("source_id", d.SourceID),
				zap.Error(err),
			)
		}
	}
}

func (q *Queue) notifyObserver(o ProcessObserver, stage Stage, d *models.Datum) {
	if o == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			q.stats.errors.Add(1)
			q.logger.Error("Process observer panicked",
				zap.Stringer("stage", stage),
				zap.String("source_id", d.SourceID),
				zap.Any("panic", r),
			)
		}
	}()
	o.DatumProcessed(stage, d)
}

func (q *Queue) handleError(err error) {
	q.settingsMu.RLock()
	h := q.handler
	q.settingsMu.RUnlock()
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Exception handler panicked", zap.Any("panic", r))
		}
	}()
	h(err)
}

func (q *Queue) callStore(ctx context.Context, s DatumStore, d *models.Datum) (err error) {
	if q.storeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.storeTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return s.StoreDatum(ctx, d)
}

func callTransform(t Transform, d *models.Datum) (out *models.Samples, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, &panicError{value: r}
		}
	}()
	return t.Transform(d, d.Samples, make(map[string]any, 4))
}

func callConsumer(c Consumer, d *models.Datum) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return c.Accept(d)
}
