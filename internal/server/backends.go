package server

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wudi/tiercache/internal/backend"
	"github.com/wudi/tiercache/internal/config"
	"github.com/wudi/tiercache/internal/logging"
	"github.com/wudi/tiercache/internal/metrics"
)

// storeBackend is a built backend plus the handles the server drives
// directly: vacuuming, drain gauges and health pings.
type storeBackend struct {
	backend.Backend
	kind        string
	sqlite      *backend.SQLite
	writeBehind *backend.WriteBehind
	redis       *redis.Client
}

// buildBackend opens the configured driver and wraps it with the breaker
// and write-behind layers when enabled. Write-behind sits outside the
// breaker so drains go through it.
func buildBackend(name string, bc config.BackendConfig, m *metrics.Collector) (*storeBackend, error) {
	sb := &storeBackend{kind: bc.Type}

	switch bc.Type {
	case config.BackendMemory, "":
		sb.kind = config.BackendMemory
		sb.Backend = backend.NewMemory()
	case config.BackendRedis:
		sb.redis = redis.NewClient(&redis.Options{
			Addr:        bc.Address,
			Password:    bc.Password,
			DB:          bc.DB,
			DialTimeout: bc.Timeout,
		})
		sb.Backend = backend.NewRedis(sb.redis, bc.Prefix, bc.Timeout)
	case config.BackendBadger:
		b, err := backend.OpenBadger(backend.BadgerConfig{
			Dir:        bc.Path,
			InMemory:   bc.InMemory,
			Prefix:     bc.Prefix,
			GCInterval: bc.GCInterval,
		})
		if err != nil {
			return nil, err
		}
		sb.Backend = b
	case config.BackendSQLite:
		s, err := backend.OpenSQLite(bc.Path)
		if err != nil {
			return nil, err
		}
		sb.sqlite = s
		sb.Backend = s
	default:
		return nil, fmt.Errorf("unknown backend type %q", bc.Type)
	}

	if bc.Breaker.Enabled {
		cfg := backend.BreakerConfig{
			FailureThreshold: bc.Breaker.FailureThreshold,
			Timeout:          bc.Breaker.Timeout,
			HalfOpenRequests: bc.Breaker.HalfOpenRequests,
		}
		if m != nil {
			cfg.OnStateChange = m.SetBreakerState
			m.SetBreakerState(name, "closed")
		}
		sb.Backend = backend.NewBreaker(name, sb.Backend, cfg)
	}

	if bc.WriteBehind.Enabled {
		sb.writeBehind = backend.NewWriteBehind(sb.Backend, backend.WriteBehindConfig{
			Interval:   bc.WriteBehind.Interval,
			MaxPending: bc.WriteBehind.MaxBatch,
			MaxRetries: bc.WriteBehind.MaxRetries,
		})
		sb.Backend = sb.writeBehind
	}
	return sb, nil
}

// ping checks a remote backend. Local backends are always healthy.
func (sb *storeBackend) ping(ctx context.Context) error {
	if sb.redis == nil {
		return nil
	}
	return sb.redis.Ping(ctx).Err()
}

// maintain runs periodic upkeep until stop closes: SQLite vacuuming and
// the write-behind backlog gauge.
func (sb *storeBackend) maintain(name string, bc config.BackendConfig, m *metrics.Collector, stop <-chan struct{}) {
	if sb.sqlite == nil && sb.writeBehind == nil {
		return
	}
	var vacuum <-chan time.Time
	if sb.sqlite != nil && bc.VacuumInterval > 0 {
		t := time.NewTicker(bc.VacuumInterval)
		defer t.Stop()
		vacuum = t.C
	}
	var gauge <-chan time.Time
	if sb.writeBehind != nil && m != nil {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		gauge = t.C
	}
	if vacuum == nil && gauge == nil {
		return
	}

	for {
		select {
		case <-stop:
			return
		case <-vacuum:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			n, err := sb.sqlite.Vacuum(ctx)
			cancel()
			if err != nil {
				logging.Warn("sqlite vacuum failed", zap.String("store", name), zap.Error(err))
				continue
			}
			if n > 0 {
				logging.Debug("sqlite vacuum", zap.String("store", name), zap.Int("removed", n))
			}
		case <-gauge:
			m.SetWritesPending(name, sb.writeBehind.Pending())
		}
	}
}
