package cache

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wudi/tiercache/internal/backend"
)

func newTestStore(t *testing.T, capacity int) *Store {
	t.Helper()
	s, err := New("test", backend.NewMemory(), Options{Capacity: capacity, BackendName: "memory"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// checkInvariants verifies that the tag index and the entry set agree in
// both directions and that capacity holds.
func checkInvariants(t *testing.T, s *Store) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.meta) > s.capacity {
		t.Errorf("size %d exceeds capacity %d", len(s.meta), s.capacity)
	}
	if s.policy.Len() != len(s.meta) {
		t.Errorf("policy tracks %d keys, store holds %d", s.policy.Len(), len(s.meta))
	}
	refs := 0
	for key, m := range s.meta {
		for _, tag := range m.tags {
			if !s.index.HasRef(tag, key) {
				t.Errorf("entry %q tag %q missing from index", key, tag)
			}
		}
		refs += len(m.tags)
	}
	for _, tag := range s.index.Tags() {
		for _, key := range s.index.KeysForTag(tag) {
			if _, ok := s.meta[key]; !ok {
				t.Errorf("index tag %q points at absent key %q", tag, key)
			}
		}
	}
	if refs != s.index.Refs() {
		t.Errorf("index holds %d refs, entries carry %d", s.index.Refs(), refs)
	}
}

func TestStore_EvictsLeastRecentlyUsed(t *testing.T) {
	s := newTestStore(t, 2)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		if err := s.Set(ctx, k, []byte(k), nil, Forever(), SetOptions{}); err != nil {
			t.Fatalf("Set %s: %v", k, err)
		}
	}

	if _, ok := s.Get(ctx, "a"); ok {
		t.Error("expected a to be evicted")
	}
	for _, k := range []string{"b", "c"} {
		if _, ok := s.Get(ctx, k); !ok {
			t.Errorf("expected %s to hit", k)
		}
	}
	if got := s.Stats().Evictions; got != 1 {
		t.Errorf("evictions = %d, want 1", got)
	}
	checkInvariants(t, s)
}

func TestStore_GetTouchesRecency(t *testing.T) {
	s := newTestStore(t, 2)
	ctx := context.Background()

	_ = s.Set(ctx, "a", nil, nil, Forever(), SetOptions{})
	_ = s.Set(ctx, "b", nil, nil, Forever(), SetOptions{})
	s.Get(ctx, "a")
	_ = s.Set(ctx, "c", nil, nil, Forever(), SetOptions{})

	if _, ok := s.Get(ctx, "b"); ok {
		t.Error("expected b (least recently used) to be evicted")
	}
	if _, ok := s.Get(ctx, "a"); !ok {
		t.Error("expected a to survive after being touched")
	}
}

func TestStore_PurgeTags(t *testing.T) {
	s := newTestStore(t, 10)
	ctx := context.Background()

	_ = s.Set(ctx, "k", []byte("v"), []string{"x", "y"}, Forever(), SetOptions{})
	_ = s.Set(ctx, "other", []byte("v"), []string{"y"}, Forever(), SetOptions{})

	res := s.PurgeTags(ctx, []string{"x"})
	if res.Purged != 1 {
		t.Errorf("purged %d, want 1", res.Purged)
	}
	if _, ok := s.Get(ctx, "k"); ok {
		t.Error("expected k to be purged")
	}
	for _, key := range s.KeysForTag("y") {
		if key == "k" {
			t.Error("purged key still referenced by tag y")
		}
	}
	if _, ok := s.Get(ctx, "other"); !ok {
		t.Error("entry without tag x was purged")
	}
	checkInvariants(t, s)
}

func TestStore_PurgeTagsCountsEachEntryOnce(t *testing.T) {
	s := newTestStore(t, 10)
	ctx := context.Background()

	_ = s.Set(ctx, "1", nil, []string{"a", "b"}, Forever(), SetOptions{})
	_ = s.Set(ctx, "2", nil, []string{"b"}, Forever(), SetOptions{})
	_ = s.Set(ctx, "3", nil, []string{"c"}, Forever(), SetOptions{})

	if res := s.PurgeTags(ctx, []string{"a", "b", "missing"}); res.Purged != 2 {
		t.Errorf("purged %d, want 2", res.Purged)
	}
	if s.Len() != 1 {
		t.Errorf("len = %d, want 1", s.Len())
	}
	checkInvariants(t, s)
}

func TestStore_OverwriteReplacesTags(t *testing.T) {
	s := newTestStore(t, 10)
	ctx := context.Background()

	_ = s.Set(ctx, "k", []byte("1"), []string{"old", "shared"}, Forever(), SetOptions{})
	_ = s.Set(ctx, "k", []byte("2"), []string{"shared", "new"}, Forever(), SetOptions{})

	counts := s.TagCounts()
	if _, ok := counts["old"]; ok {
		t.Error("stale tag lingered after overwrite")
	}
	if counts["shared"] != 1 || counts["new"] != 1 {
		t.Errorf("counts = %v", counts)
	}
	if res := s.PurgeTags(ctx, []string{"old"}); res.Purged != 0 {
		t.Errorf("purge by stale tag removed %d entries", res.Purged)
	}
	checkInvariants(t, s)
}

func TestStore_PurgeKeysAndAll(t *testing.T) {
	s := newTestStore(t, 10)
	ctx := context.Background()

	_ = s.Set(ctx, "a", nil, []string{"t"}, Forever(), SetOptions{})
	_ = s.Set(ctx, "b", nil, []string{"t"}, Forever(), SetOptions{})
	_ = s.Set(ctx, "c", nil, nil, Forever(), SetOptions{})

	if res := s.PurgeKeys(ctx, []string{"a", "a", "missing"}); res.Purged != 1 {
		t.Errorf("purged %d, want 1", res.Purged)
	}
	checkInvariants(t, s)

	if res := s.PurgeAll(ctx); res.Purged != 2 {
		t.Errorf("purge all removed %d, want 2", res.Purged)
	}
	if s.Len() != 0 || len(s.TagCounts()) != 0 {
		t.Error("store not empty after purge all")
	}
	checkInvariants(t, s)
}

// failingBackend rejects every write.
type failingBackend struct {
	*backend.Memory
}

func (failingBackend) Set(context.Context, *backend.Record, time.Duration) error {
	return errors.New("disk full")
}

// slowBackend takes 20ms per write and fails while failing is set.
type slowBackend struct {
	*backend.Memory
	failing atomic.Bool
	sets    atomic.Int32
}

func (b *slowBackend) Set(ctx context.Context, rec *backend.Record, ttl time.Duration) error {
	b.sets.Add(1)
	time.Sleep(20 * time.Millisecond)
	if b.failing.Load() {
		return errors.New("disk unavailable")
	}
	return b.Memory.Set(ctx, rec, ttl)
}

func TestStore_WriteBehindDrainDoesNotBlockEviction(t *testing.T) {
	inner := &slowBackend{Memory: backend.NewMemory()}
	inner.failing.Store(true)
	wb := backend.NewWriteBehind(inner, backend.WriteBehindConfig{Interval: time.Hour, MaxPending: 1000, MaxRetries: 2})
	s, err := New("test", wb, Options{Capacity: 50})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		inner.failing.Store(false)
		_ = wb.Close()
	}()

	for i := range 50 {
		_ = s.Set(ctx, fmt.Sprintf("k%d", i), nil, []string{"t"}, Forever(), SetOptions{})
	}
	go wb.Flush(ctx)
	for inner.sets.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	start := time.Now()
	if err := s.Set(ctx, "new", nil, nil, Forever(), SetOptions{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if d := time.Since(start); d > 500*time.Millisecond {
		t.Errorf("evicting Set blocked %v behind a drain", d)
	}

	start = time.Now()
	if res := s.PurgeTags(ctx, []string{"t"}); res.Purged != 49 {
		t.Errorf("purged %d, want 49", res.Purged)
	}
	if d := time.Since(start); d > 500*time.Millisecond {
		t.Errorf("purge blocked %v behind a drain", d)
	}
	checkInvariants(t, s)
}

func TestStore_FailedWriteLeavesIndexUntouched(t *testing.T) {
	s, _ := New("test", failingBackend{backend.NewMemory()}, Options{Capacity: 2})
	ctx := context.Background()

	err := s.Set(ctx, "k", []byte("v"), []string{"t"}, Forever(), SetOptions{})
	if err == nil {
		t.Fatal("expected error")
	}
	if s.Len() != 0 || len(s.TagCounts()) != 0 {
		t.Error("failed write left traces in the store")
	}
	checkInvariants(t, s)
}

func TestStore_BackendMissDropsMetadata(t *testing.T) {
	mem := backend.NewMemory()
	s, _ := New("test", mem, Options{Capacity: 10})
	ctx := context.Background()

	_ = s.Set(ctx, "k", []byte("v"), []string{"t"}, Forever(), SetOptions{})
	_, _ = mem.Remove(ctx, "k")

	if _, ok := s.Get(ctx, "k"); ok {
		t.Fatal("expected miss once the backend lost the record")
	}
	if len(s.TagCounts()) != 0 {
		t.Error("tag reference survived a backend miss")
	}
	checkInvariants(t, s)
}

func TestStore_EntryExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s, _ := New("test", backend.NewMemory(), Options{
		Capacity: 10,
		Now:      func() time.Time { return now },
	})
	ctx := context.Background()

	_ = s.Set(ctx, "k", []byte("v"), nil, In(time.Second), SetOptions{StaleIfError: 9000 * time.Second})
	e, ok := s.Get(ctx, "k")
	if !ok {
		t.Fatal("expected hit")
	}
	later := now.Add(3 * time.Second)
	if e.IsFresh(later) {
		t.Error("expected entry to be stale after 3s")
	}
	if got := e.Overage(later); got != 2*time.Second {
		t.Errorf("overage = %v, want 2s", got)
	}
	if e.StaleIfError != 9000*time.Second {
		t.Errorf("stale-if-error = %v", e.StaleIfError)
	}

	_ = s.Set(ctx, "f", nil, nil, Forever(), SetOptions{})
	f, _ := s.Get(ctx, "f")
	if !f.IsFresh(later.Add(1000 * time.Hour)) {
		t.Error("forever entry expired")
	}
}

func TestStore_PrunesEntriesPastRetention(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s, _ := New("test", backend.NewMemory(), Options{
		Capacity: 10,
		Now:      func() time.Time { return now },
	})
	ctx := context.Background()

	_ = s.Set(ctx, "short", nil, []string{"t"}, In(time.Second), SetOptions{StaleIfError: 10 * time.Second})
	_ = s.Set(ctx, "long", nil, []string{"t"}, In(time.Hour), SetOptions{})
	_ = s.Set(ctx, "forever", nil, []string{"t", "u"}, Forever(), SetOptions{})

	now = now.Add(5 * time.Second)
	if got := s.TagCounts()["t"]; got != 3 {
		t.Fatalf("inside stale-if-error window: t count = %d, want 3", got)
	}

	now = now.Add(10 * time.Second)
	if got := s.TagCounts()["t"]; got != 2 {
		t.Errorf("t count = %d, want 2 after retention lapsed", got)
	}
	if pg := s.Entries(0, 0); pg.Total != 2 {
		t.Errorf("entries total = %d, want 2", pg.Total)
	}
	checkInvariants(t, s)

	now = now.Add(2 * time.Hour)
	if res := s.PurgeTags(ctx, []string{"t"}); res.Purged != 1 {
		t.Errorf("purged %d, want only the live entry", res.Purged)
	}
	if s.Len() != 0 {
		t.Errorf("len = %d after purge", s.Len())
	}
	checkInvariants(t, s)
}

func TestStore_EntriesNewestFirst(t *testing.T) {
	s := newTestStore(t, 10)
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		_ = s.Set(ctx, k, []byte(k), []string{"t-" + k}, Forever(), SetOptions{})
	}

	pg := s.Entries(0, 2)
	if pg.Total != 3 {
		t.Errorf("total = %d, want 3", pg.Total)
	}
	if len(pg.Rows) != 2 || pg.Rows[0].Key != "c" || pg.Rows[1].Key != "b" {
		t.Errorf("rows = %+v", pg.Rows)
	}
	if pg.Rows[0].Size != 1 || pg.Rows[0].Tags[0] != "t-c" {
		t.Errorf("row = %+v", pg.Rows[0])
	}
	if pg := s.Entries(5, 2); len(pg.Rows) != 0 {
		t.Errorf("expected empty page, got %+v", pg.Rows)
	}
}

func TestStore_Warm(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	mem := backend.NewMemory()
	ctx := context.Background()
	for i, k := range []string{"old", "mid", "new"} {
		_ = mem.Set(ctx, &backend.Record{
			Key:       k,
			Tags:      []string{"warm"},
			CreatedAt: now.Add(time.Duration(i) * time.Second),
		}, 0)
	}

	s, _ := New("test", mem, Options{Capacity: 2})
	n, err := s.Warm(ctx)
	if err != nil {
		t.Fatalf("Warm: %v", err)
	}
	if n != 2 {
		t.Errorf("loaded %d, want 2", n)
	}
	if ok, _ := mem.Has(ctx, "old"); ok {
		t.Error("entry beyond capacity left in backend")
	}
	if s.TagCounts()["warm"] != 2 {
		t.Errorf("counts = %v", s.TagCounts())
	}
	checkInvariants(t, s)
}

// TestStore_RandomOperations drives random sets and purges and checks the
// index invariant after every step.
func TestStore_RandomOperations(t *testing.T) {
	s := newTestStore(t, 8)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	tags := []string{"a", "b", "c", "d", "e"}

	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("k%d", rng.Intn(20))
		switch rng.Intn(4) {
		case 0, 1:
			n := rng.Intn(3)
			var ts []string
			for j := 0; j < n; j++ {
				ts = append(ts, tags[rng.Intn(len(tags))])
			}
			_ = s.Set(ctx, key, []byte(key), ts, Forever(), SetOptions{})
		case 2:
			tag := tags[rng.Intn(len(tags))]
			before := s.KeysForTag(tag)
			res := s.PurgeTags(ctx, []string{tag})
			if res.Purged != len(before) {
				t.Fatalf("step %d: purged %d, index had %d", i, res.Purged, len(before))
			}
			if len(s.KeysForTag(tag)) != 0 {
				t.Fatalf("step %d: tag %q still referenced", i, tag)
			}
		case 3:
			s.PurgeKeys(ctx, []string{key})
		}
		checkInvariants(t, s)
		if t.Failed() {
			t.Fatalf("invariant broken at step %d", i)
		}
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s := newTestStore(t, 50)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", (w*7+i)%80)
				switch i % 5 {
				case 0:
					s.PurgeTags(ctx, []string{fmt.Sprintf("t%d", i%3)})
				case 1:
					s.Get(ctx, key)
				default:
					_ = s.Set(ctx, key, []byte(key), []string{fmt.Sprintf("t%d", i%3)}, In(time.Minute), SetOptions{})
				}
			}
		}(w)
	}
	wg.Wait()
	checkInvariants(t, s)
}

func TestStore_TagsAreDeduplicated(t *testing.T) {
	s := newTestStore(t, 10)
	_ = s.Set(context.Background(), "k", nil, []string{"a", "a", "", "b"}, Forever(), SetOptions{})

	counts := s.TagCounts()
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("tags = %v", keys)
	}
	checkInvariants(t, s)
}

func TestStore_EmptyKey(t *testing.T) {
	s := newTestStore(t, 1)
	if err := s.Set(context.Background(), "", nil, nil, Forever(), SetOptions{}); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("expected ErrEmptyKey, got %v", err)
	}
}
