package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/wudi/tiercache/internal/logging"
)

// BadgerConfig configures the embedded Badger backend.
type BadgerConfig struct {
	// Dir is the data directory. Ignored when InMemory is set.
	Dir      string
	InMemory bool
	// Prefix namespaces keys so several stores can share one directory.
	Prefix         string
	GCInterval     time.Duration
	GCDiscardRatio float64
}

// Badger is an embedded key/value backend. Records live under
// prefix+"e/"+key and each tag reference under prefix+"t/"+tag+"\x00"+key,
// both carrying the record's retention TTL.
type Badger struct {
	db     *badger.DB
	prefix string
	gcStop chan struct{}
	gcWg   sync.WaitGroup
}

// OpenBadger opens (or creates) a Badger database and starts value-log GC.
func OpenBadger(cfg BadgerConfig) (*Badger, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{logging.With(zap.String("component", "badger")).Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %q: %w", cfg.Dir, err)
	}

	b := &Badger{db: db, prefix: cfg.Prefix, gcStop: make(chan struct{})}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		b.startGC(cfg.GCInterval, ratio)
	}
	return b, nil
}

func (b *Badger) startGC(interval time.Duration, discardRatio float64) {
	b.gcWg.Add(1)
	go func() {
		defer b.gcWg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-b.gcStop:
				return
			case <-ticker.C:
				for {
					if err := b.db.RunValueLogGC(discardRatio); err != nil {
						break
					}
				}
			}
		}
	}()
}

func (b *Badger) entryKey(key string) []byte {
	return []byte(b.prefix + "e/" + key)
}

func (b *Badger) tagRefKey(tag, key string) []byte {
	return []byte(b.prefix + "t/" + tag + "\x00" + key)
}

func readRecord(txn *badger.Txn, k []byte) (*Record, error) {
	item, err := txn.Get(k)
	if err != nil {
		return nil, err
	}
	var rec *Record
	err = item.Value(func(val []byte) error {
		var derr error
		rec, derr = decodeRecord(val)
		return derr
	})
	return rec, err
}

func (b *Badger) Get(ctx context.Context, key string) (*Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var rec *Record
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = readRecord(txn, b.entryKey(key))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("badger get %q: %w", key, err)
	}
	return rec, true, nil
}

func (b *Badger) Set(ctx context.Context, rec *Record, ttl time.Duration) error {
	if rec == nil || rec.Key == "" {
		return ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		if old, err := readRecord(txn, b.entryKey(rec.Key)); err == nil {
			for _, tag := range old.Tags {
				if err := txn.Delete(b.tagRefKey(tag, rec.Key)); err != nil {
					return err
				}
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		e := badger.NewEntry(b.entryKey(rec.Key), data)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		if err := txn.SetEntry(e); err != nil {
			return err
		}
		for _, tag := range rec.Tags {
			te := badger.NewEntry(b.tagRefKey(tag, rec.Key), nil)
			if ttl > 0 {
				te = te.WithTTL(ttl)
			}
			if err := txn.SetEntry(te); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("badger set %q: %w", rec.Key, err)
	}
	return nil
}

func (b *Badger) Has(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(b.entryKey(key))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("badger has %q: %w", key, err)
	}
	return true, nil
}

func (b *Badger) Remove(ctx context.Context, keys ...string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	removed := 0
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			rec, err := readRecord(txn, b.entryKey(key))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err == nil {
				for _, tag := range rec.Tags {
					if err := txn.Delete(b.tagRefKey(tag, key)); err != nil {
						return err
					}
				}
			}
			if err := txn.Delete(b.entryKey(key)); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("badger remove: %w", err)
	}
	return removed, nil
}

func (b *Badger) ListEntries(ctx context.Context, offset, limit int) (EntryPage, error) {
	if err := ctx.Err(); err != nil {
		return EntryPage{}, err
	}
	if offset < 0 {
		offset = 0
	}
	out := EntryPage{Rows: []EntrySummary{}}
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = b.entryKey("")

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			idx := out.Total
			out.Total++
			if idx < offset || (limit > 0 && idx >= offset+limit) {
				continue
			}
			item := it.Item()
			var rec *Record
			err := item.Value(func(val []byte) error {
				var derr error
				rec, derr = decodeRecord(val)
				return derr
			})
			if err != nil {
				continue
			}
			out.Rows = append(out.Rows, rec.Summary())
		}
		return nil
	})
	if err != nil {
		return EntryPage{}, fmt.Errorf("badger list entries: %w", err)
	}
	return out, nil
}

func (b *Badger) ListTags(ctx context.Context, offset, limit int) ([]TagCount, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := []byte(b.prefix + "t/")
	counts := make(map[string]int)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			rest := it.Item().Key()[len(prefix):]
			if i := bytes.IndexByte(rest, 0); i >= 0 {
				counts[string(rest[:i])]++
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger list tags: %w", err)
	}
	return page(sortTagCounts(counts), offset, limit), nil
}

func (b *Badger) Clear(ctx context.Context) (int, error) {
	pg, err := b.ListEntries(ctx, 0, -1)
	if err != nil {
		return 0, err
	}
	if err := b.db.DropPrefix(b.entryKey(""), []byte(b.prefix+"t/")); err != nil {
		return 0, fmt.Errorf("badger clear: %w", err)
	}
	return pg.Total, nil
}

func (b *Badger) Close() error {
	close(b.gcStop)
	b.gcWg.Wait()
	return b.db.Close()
}

// badgerLogger routes Badger's internal logging through zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.s.Debugf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.s.Debugf(f, v...) }
