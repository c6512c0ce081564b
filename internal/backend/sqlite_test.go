package backend

import (
	"context"
	"testing"
	"time"
)

func newTestSQLite(t *testing.T) Backend {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	return s
}

func TestSQLiteContract(t *testing.T) {
	runContract(t, newTestSQLite)
}

func TestSQLiteTagsAreBound(t *testing.T) {
	s := newTestSQLite(t).(*SQLite)
	defer s.Close()
	ctx := context.Background()

	hostile := "x') OR 1=1; DROP TABLE entries; --"
	if err := s.Set(ctx, &Record{Key: "k", Tags: []string{hostile}}, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	_ = s.Set(ctx, &Record{Key: "other", Tags: []string{"safe"}}, 0)

	tags, err := s.ListTags(ctx, 0, 0)
	if err != nil {
		t.Fatalf("ListTags: %v", err)
	}
	if len(tags) != 2 {
		t.Fatalf("tags = %+v", tags)
	}
	n, err := s.Remove(ctx, hostile, "k")
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if n != 1 {
		t.Errorf("removed %d, want 1", n)
	}
	if ok, _ := s.Has(ctx, "other"); !ok {
		t.Error("unrelated entry lost")
	}
}

func TestSQLiteRetentionAndVacuum(t *testing.T) {
	s := newTestSQLite(t).(*SQLite)
	defer s.Close()
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	_ = s.Set(ctx, &Record{Key: "short", Tags: []string{"t"}}, time.Second)
	_ = s.Set(ctx, &Record{Key: "long"}, time.Hour)
	now = now.Add(time.Minute)

	if ok, _ := s.Has(ctx, "short"); ok {
		t.Error("expected lapsed retention to report absent")
	}
	n, err := s.Vacuum(ctx)
	if err != nil {
		t.Fatalf("Vacuum: %v", err)
	}
	if n != 1 {
		t.Errorf("vacuumed %d, want 1", n)
	}
	tags, _ := s.ListTags(ctx, 0, 0)
	if len(tags) != 0 {
		t.Errorf("tag refs survived vacuum: %+v", tags)
	}
}
