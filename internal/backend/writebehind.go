package backend

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/wudi/tiercache/internal/logging"
)

// WriteBehindConfig controls buffering in front of a persistent backend.
type WriteBehindConfig struct {
	// Interval between drains. Defaults to one second.
	Interval time.Duration
	// MaxPending triggers an early drain once this many writes are buffered.
	MaxPending int
	// MaxRetries bounds retries of a single buffered write per drain.
	MaxRetries uint64
}

type pendingWrite struct {
	rec *Record
	ttl time.Duration
	seq uint64
}

// errSuperseded stops retries of a write that a newer Set, Remove or Clear
// replaced while it was being drained.
var errSuperseded = errors.New("write-behind: write superseded")

// WriteBehind buffers Set calls in memory, serves reads from the buffer
// first, and drains to the wrapped backend in the background. Writes still
// buffered when the process dies are lost.
//
// Remove and Clear never wait for a drain. A write that is in flight when
// its key is removed is deleted again once it lands.
type WriteBehind struct {
	inner Backend
	cfg   WriteBehindConfig

	// drainMu serializes drains. Nothing on the request path takes it.
	drainMu sync.Mutex

	mu      sync.Mutex
	pending map[string]pendingWrite
	// inflight maps keys being written by the current drain to whether a
	// Remove hit them meanwhile.
	inflight map[string]bool
	// epoch is bumped by Clear.
	epoch uint64
	seq   uint64

	kick     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewWriteBehind wraps inner and starts the drain loop.
func NewWriteBehind(inner Backend, cfg WriteBehindConfig) *WriteBehind {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 1000
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	w := &WriteBehind{
		inner:    inner,
		cfg:      cfg,
		pending:  make(map[string]pendingWrite),
		inflight: make(map[string]bool),
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *WriteBehind) loop() {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
		case <-w.kick:
		}
		w.Flush(context.Background())
	}
}

// Pending returns the number of buffered writes.
func (w *WriteBehind) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Flush drains every buffered write to the wrapped backend. A write that
// still fails after retries stays buffered for the next drain.
func (w *WriteBehind) Flush(ctx context.Context) {
	w.drainMu.Lock()
	defer w.drainMu.Unlock()

	w.mu.Lock()
	batch := make([]pendingWrite, 0, len(w.pending))
	for _, p := range w.pending {
		batch = append(batch, p)
	}
	w.mu.Unlock()

	for _, p := range batch {
		w.drain(ctx, p)
	}
}

func (w *WriteBehind) drain(ctx context.Context, p pendingWrite) {
	key := p.rec.Key
	epoch, ok := w.begin(p)
	if !ok {
		return
	}

	op := func() error {
		if !w.current(p) {
			return backoff.Permanent(errSuperseded)
		}
		return w.inner.Set(ctx, p.rec, p.ttl)
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(50*time.Millisecond),
			backoff.WithMaxInterval(time.Second),
		), w.cfg.MaxRetries),
		ctx,
	)
	err := backoff.Retry(op, b)

	if clobbered := w.finish(p, epoch, err == nil); clobbered {
		if _, rerr := w.inner.Remove(ctx, key); rerr != nil {
			logging.Warn("write-behind re-delete failed",
				zap.String("key", key),
				zap.Error(rerr),
			)
		}
	}
	if err != nil && !errors.Is(err, errSuperseded) {
		logging.Warn("write-behind drain failed",
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

// begin marks p in flight if it is still the buffered write for its key.
func (w *WriteBehind) begin(p pendingWrite) (uint64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	cur, ok := w.pending[p.rec.Key]
	if !ok || cur.seq != p.seq {
		return 0, false
	}
	w.inflight[p.rec.Key] = false
	return w.epoch, true
}

func (w *WriteBehind) current(p pendingWrite) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	cur, ok := w.pending[p.rec.Key]
	return ok && cur.seq == p.seq
}

// finish clears the in-flight mark and reports whether a Remove or Clear
// raced a write that reached the wrapped backend.
func (w *WriteBehind) finish(p pendingWrite, epoch uint64, written bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := p.rec.Key
	removed := w.inflight[key]
	delete(w.inflight, key)
	if !written {
		return false
	}
	if removed || w.epoch != epoch {
		return true
	}
	if cur, ok := w.pending[key]; ok && cur.seq == p.seq {
		delete(w.pending, key)
	}
	return false
}

func (w *WriteBehind) Get(ctx context.Context, key string) (*Record, bool, error) {
	w.mu.Lock()
	p, ok := w.pending[key]
	w.mu.Unlock()
	if ok {
		return p.rec.Clone(), true, nil
	}
	return w.inner.Get(ctx, key)
}

func (w *WriteBehind) Set(_ context.Context, rec *Record, ttl time.Duration) error {
	if rec == nil || rec.Key == "" {
		return ErrEmptyKey
	}
	w.mu.Lock()
	w.seq++
	w.pending[rec.Key] = pendingWrite{rec: rec.Clone(), ttl: ttl, seq: w.seq}
	full := len(w.pending) >= w.cfg.MaxPending
	w.mu.Unlock()

	if full {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

func (w *WriteBehind) Has(ctx context.Context, key string) (bool, error) {
	w.mu.Lock()
	_, ok := w.pending[key]
	w.mu.Unlock()
	if ok {
		return true, nil
	}
	return w.inner.Has(ctx, key)
}

// Remove drops buffered writes and deletes from the wrapped backend.
func (w *WriteBehind) Remove(ctx context.Context, keys ...string) (int, error) {
	w.mu.Lock()
	var buffered, rest []string
	for _, k := range keys {
		if _, ok := w.inflight[k]; ok {
			w.inflight[k] = true
		}
		if _, ok := w.pending[k]; ok {
			delete(w.pending, k)
			buffered = append(buffered, k)
		} else {
			rest = append(rest, k)
		}
	}
	w.mu.Unlock()

	if len(buffered) > 0 {
		// an earlier drain may have persisted them already
		if _, err := w.inner.Remove(ctx, buffered...); err != nil {
			return len(buffered), err
		}
	}
	if len(rest) == 0 {
		return len(buffered), nil
	}
	n, err := w.inner.Remove(ctx, rest...)
	return len(buffered) + n, err
}

func (w *WriteBehind) ListEntries(ctx context.Context, offset, limit int) (EntryPage, error) {
	w.Flush(ctx)
	return w.inner.ListEntries(ctx, offset, limit)
}

func (w *WriteBehind) ListTags(ctx context.Context, offset, limit int) ([]TagCount, error) {
	w.Flush(ctx)
	return w.inner.ListTags(ctx, offset, limit)
}

func (w *WriteBehind) Clear(ctx context.Context) (int, error) {
	w.mu.Lock()
	buffered := len(w.pending)
	w.pending = make(map[string]pendingWrite)
	w.epoch++
	w.mu.Unlock()

	n, err := w.inner.Clear(ctx)
	if err != nil {
		return 0, err
	}
	return max(n, buffered), nil
}

// Close stops the drain loop, drains what is left and closes the wrapped
// backend.
func (w *WriteBehind) Close() error {
	w.stopOnce.Do(func() {
		close(w.stop)
		<-w.done
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		w.Flush(ctx)
		cancel()
	})
	return w.inner.Close()
}
