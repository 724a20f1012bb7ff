package persistence

// Package persistence writes autonomy transitions, shadow records, learned
// patterns and audit events to the store in the background. Callers enqueue
// and return immediately; each record is retried with exponential backoff and
// lands in a bounded failure list (plus an operator alert) if it still cannot
// be written.

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dstep24/rileyrecruiter-sub005/internal/alert"
	"github.com/dstep24/rileyrecruiter-sub005/internal/db"
	"github.com/dstep24/rileyrecruiter-sub005/internal/metrics"
)

// Record kinds, used in metrics labels and failures.
const (
	KindTransition  = "transition"
	KindSession     = "session"
	KindInteraction = "interaction"
	KindComparison  = "comparison"
	KindPattern     = "pattern"
	KindAudit       = "audit"
)

var (
	// ErrQueueFull is the cause recorded when a record is dropped at enqueue time.
	ErrQueueFull = errors.New("persistence queue full")
	// ErrWriterStopped is recorded for records enqueued after Run returned.
	ErrWriterStopped = errors.New("persistence writer stopped")
)

// StorageWriteFailure describes a record that was never written.
type StorageWriteFailure struct {
	Kind     string    `json:"kind"`
	Key      string    `json:"key"`
	Attempts int       `json:"attempts"`
	Err      error     `json:"-"`
	Message  string    `json:"error"`
	At       time.Time `json:"at"`
}

func (f *StorageWriteFailure) Error() string {
	return fmt.Sprintf("failed to persist %s %s after %d attempts: %v", f.Kind, f.Key, f.Attempts, f.Err)
}

func (f *StorageWriteFailure) Unwrap() error { return f.Err }

// Config tunes the writer.
type Config struct {
	Workers         int
	QueueSize       int
	MaxRetries      uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxFailures     int
	DrainTimeout    time.Duration
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		QueueSize:       1024,
		MaxRetries:      5,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxFailures:     256,
		DrainTimeout:    10 * time.Second,
	}
}

// Alerter raises operator alerts.
type Alerter interface {
	Raise(ctx context.Context, a alert.Alert) bool
}

// AlerterFunc adapts a function to Alerter.
type AlerterFunc func(ctx context.Context, a alert.Alert) bool

// Raise calls f(ctx, a).
func (f AlerterFunc) Raise(ctx context.Context, a alert.Alert) bool { return f(ctx, a) }

type job struct {
	kind     string
	key      string
	shardKey string
	tenantID string
	write    func(ctx context.Context, s db.Store) error
}

// Writer is the background persistence queue.
type Writer struct {
	store   db.Store
	cfg     Config
	logger  *zap.Logger
	alerter Alerter
	now     func() time.Time

	shards []chan job
	depth  atomic.Int64

	// gate orders enqueue sends against the shutdown drain.
	gate   sync.RWMutex
	closed bool

	mu       sync.Mutex
	failures []StorageWriteFailure
}

// Option configures a Writer.
type Option func(*Writer)

// WithAlerter raises a persistence_failure alert for every dropped record.
func WithAlerter(a Alerter) Option { return func(w *Writer) { w.alerter = a } }

// WithLogger sets the application logger.
func WithLogger(l *zap.Logger) Option { return func(w *Writer) { w.logger = l } }

// NewWriter creates a writer. Call Run to start the workers.
func NewWriter(store db.Store, cfg Config, opts ...Option) *Writer {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}

	w := &Writer{
		store:  store,
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	// Records sharing a key go to the same worker so their writes stay ordered.
	perShard := cfg.QueueSize / cfg.Workers
	if perShard < 1 {
		perShard = 1
	}
	w.shards = make([]chan job, cfg.Workers)
	for i := range w.shards {
		w.shards[i] = make(chan job, perShard)
	}
	return w
}

// Run processes the queue until ctx is cancelled, then drains what is left
// within DrainTimeout.
func (w *Writer) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := range w.shards {
		shard := w.shards[i]
		g.Go(func() error {
			w.work(gctx, shard)
			return nil
		})
	}
	err := g.Wait()

	// Every enqueue that got past the closed check has sent by the time
	// the write lock is held.
	w.gate.Lock()
	w.closed = true
	w.gate.Unlock()

	drainCtx, cancel := context.WithTimeout(context.Background(), w.cfg.DrainTimeout)
	defer cancel()
	for _, shard := range w.shards {
		w.drain(drainCtx, shard)
	}
	return err
}

func (w *Writer) work(ctx context.Context, shard chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-shard:
			w.depth.Add(-1)
			metrics.PersistenceQueueDepth.Set(float64(w.depth.Load()))
			// A write already picked up finishes its retries during shutdown.
			w.process(context.WithoutCancel(ctx), j)
		}
	}
}

func (w *Writer) drain(ctx context.Context, shard chan job) {
	for {
		select {
		case j := <-shard:
			w.depth.Add(-1)
			w.process(ctx, j)
		default:
			metrics.PersistenceQueueDepth.Set(float64(w.depth.Load()))
			return
		}
	}
}

func (w *Writer) process(ctx context.Context, j job) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.InitialInterval
	b.MaxInterval = w.cfg.MaxInterval

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, j.write(ctx, w.store)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(w.cfg.MaxRetries),
		backoff.WithNotify(func(err error, next time.Duration) {
			w.logger.Debug("Retrying persistence write",
				zap.String("kind", j.kind),
				zap.String("key", j.key),
				zap.Duration("next", next),
				zap.Error(err))
		}),
	)
	if err != nil {
		metrics.PersistenceWritesTotal.WithLabelValues(j.kind, "failure").Inc()
		w.fail(j, attempts, err)
		return
	}
	metrics.PersistenceWritesTotal.WithLabelValues(j.kind, "success").Inc()
}

func (w *Writer) fail(j job, attempts int, err error) {
	f := StorageWriteFailure{
		Kind:     j.kind,
		Key:      j.key,
		Attempts: attempts,
		Err:      err,
		Message:  err.Error(),
		At:       w.now(),
	}
	w.mu.Lock()
	w.failures = append(w.failures, f)
	if over := len(w.failures) - w.cfg.MaxFailures; over > 0 {
		w.failures = append([]StorageWriteFailure(nil), w.failures[over:]...)
	}
	w.mu.Unlock()

	w.logger.Error("Persistence write failed",
		zap.String("kind", j.kind),
		zap.String("key", j.key),
		zap.Int("attempts", attempts),
		zap.Error(err))
	if w.alerter != nil {
		w.alerter.Raise(context.Background(), alert.Alert{
			Kind:     alert.KindPersistenceFailure,
			Severity: alert.SeverityCritical,
			TenantID: j.tenantID,
			Message:  f.Error(),
		})
	}
}

func (w *Writer) enqueue(j job) {
	// fail can re-enter enqueue through the alerter, so it runs outside the gate.
	if err := w.send(j); err != nil {
		metrics.PersistenceWritesTotal.WithLabelValues(j.kind, "dropped").Inc()
		w.fail(j, 0, err)
	}
}

func (w *Writer) send(j job) error {
	w.gate.RLock()
	defer w.gate.RUnlock()
	if w.closed {
		return ErrWriterStopped
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(j.shardKey))
	shard := w.shards[int(h.Sum32()%uint32(len(w.shards)))]
	depth := w.depth.Add(1)
	select {
	case shard <- j:
		metrics.PersistenceQueueDepth.Set(float64(depth))
		return nil
	default:
		w.depth.Add(-1)
		return ErrQueueFull
	}
}

// Failures returns the most recent unwritten records, oldest first.
func (w *Writer) Failures() []StorageWriteFailure {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]StorageWriteFailure(nil), w.failures...)
}

// Pending reports how many records are queued.
func (w *Writer) Pending() int {
	return int(w.depth.Load())
}

// permanent marks err as not worth retrying.
func permanent(err error) error { return backoff.Permanent(err) }
