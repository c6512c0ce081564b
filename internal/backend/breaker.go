package backend

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/wudi/tiercache/internal/logging"
)

// BreakerConfig tunes the circuit breaker around a remote backend.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit. Defaults to 5.
	FailureThreshold uint32
	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration
	// HalfOpenRequests is the number of probes allowed while half-open.
	HalfOpenRequests uint32
	// OnStateChange, if set, is called with the new state after each
	// transition.
	OnStateChange func(name, state string)
}

// Breaker guards a backend with a circuit breaker. While the circuit is open
// reads fail fast (callers treat that as a miss) and writes are rejected.
type Breaker struct {
	inner Backend
	cb    *gobreaker.CircuitBreaker[any]
}

// NewBreaker wraps inner. name identifies the circuit in logs.
func NewBreaker(name string, inner Backend, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 1
	}
	threshold := cfg.FailureThreshold
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// cancellation is the caller's doing, not the backend's
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrEmptyKey)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn("backend circuit state changed",
				zap.String("backend", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, to.String())
			}
		},
	}
	return &Breaker{inner: inner, cb: gobreaker.NewCircuitBreaker[any](settings)}
}

// State reports the circuit state: closed, half-open or open.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

type getResult struct {
	rec *Record
	ok  bool
}

func (b *Breaker) Get(ctx context.Context, key string) (*Record, bool, error) {
	res, err := b.cb.Execute(func() (any, error) {
		rec, ok, err := b.inner.Get(ctx, key)
		return getResult{rec: rec, ok: ok}, err
	})
	if err != nil {
		return nil, false, err
	}
	r := res.(getResult)
	return r.rec, r.ok, nil
}

func (b *Breaker) Set(ctx context.Context, rec *Record, ttl time.Duration) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.inner.Set(ctx, rec, ttl)
	})
	return err
}

func (b *Breaker) Has(ctx context.Context, key string) (bool, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return b.inner.Has(ctx, key)
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

func (b *Breaker) Remove(ctx context.Context, keys ...string) (int, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return b.inner.Remove(ctx, keys...)
	})
	if err != nil {
		return 0, err
	}
	return res.(int), nil
}

func (b *Breaker) ListEntries(ctx context.Context, offset, limit int) (EntryPage, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return b.inner.ListEntries(ctx, offset, limit)
	})
	if err != nil {
		return EntryPage{}, err
	}
	return res.(EntryPage), nil
}

func (b *Breaker) ListTags(ctx context.Context, offset, limit int) ([]TagCount, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return b.inner.ListTags(ctx, offset, limit)
	})
	if err != nil {
		return nil, err
	}
	return res.([]TagCount), nil
}

func (b *Breaker) Clear(ctx context.Context) (int, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return b.inner.Clear(ctx)
	})
	if err != nil {
		return 0, err
	}
	return res.(int), nil
}

func (b *Breaker) Close() error {
	return b.inner.Close()
}
