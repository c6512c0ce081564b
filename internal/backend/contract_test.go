package backend

import (
	"context"
	"testing"
	"time"
)

// runContract exercises the behavior every driver must share. newBackend
// returns an empty backend; the test closes it.
func runContract(t *testing.T, newBackend func(t *testing.T) Backend) {
	t.Run("GetMiss", func(t *testing.T) {
		b := newBackend(t)
		defer b.Close()

		rec, ok, err := b.Get(context.Background(), "absent")
		if err != nil {
			t.Fatalf("Get returned error: %v", err)
		}
		if ok || rec != nil {
			t.Fatalf("expected miss, got %+v", rec)
		}
	})

	t.Run("SetGet", func(t *testing.T) {
		b := newBackend(t)
		defer b.Close()
		ctx := context.Background()

		created := time.UnixMilli(time.Now().UnixMilli())
		in := &Record{
			Key:                  "page:/",
			Payload:              []byte("<html>home</html>"),
			Tags:                 []string{"nav", "home"},
			CreatedAt:            created,
			ExpiresAt:            created.Add(time.Minute),
			StaleWhileRevalidate: 30 * time.Second,
			StaleIfError:         time.Hour,
		}
		if err := b.Set(ctx, in, time.Hour); err != nil {
			t.Fatalf("Set: %v", err)
		}

		got, ok, err := b.Get(ctx, "page:/")
		if err != nil || !ok {
			t.Fatalf("expected hit, ok=%v err=%v", ok, err)
		}
		if string(got.Payload) != "<html>home</html>" {
			t.Errorf("payload = %q", got.Payload)
		}
		if len(got.Tags) != 2 {
			t.Errorf("tags = %v", got.Tags)
		}
		if !got.ExpiresAt.Equal(in.ExpiresAt) {
			t.Errorf("expires = %v, want %v", got.ExpiresAt, in.ExpiresAt)
		}
		if got.StaleIfError != time.Hour || got.StaleWhileRevalidate != 30*time.Second {
			t.Errorf("stale windows = %v/%v", got.StaleWhileRevalidate, got.StaleIfError)
		}

		has, err := b.Has(ctx, "page:/")
		if err != nil || !has {
			t.Errorf("Has = %v, %v", has, err)
		}
	})

	t.Run("OverwriteReplacesTags", func(t *testing.T) {
		b := newBackend(t)
		defer b.Close()
		ctx := context.Background()

		_ = b.Set(ctx, &Record{Key: "k", Payload: []byte("1"), Tags: []string{"old"}}, 0)
		_ = b.Set(ctx, &Record{Key: "k", Payload: []byte("2"), Tags: []string{"new"}}, 0)

		tags, err := b.ListTags(ctx, 0, 0)
		if err != nil {
			t.Fatalf("ListTags: %v", err)
		}
		if len(tags) != 1 || tags[0].Tag != "new" || tags[0].Count != 1 {
			t.Errorf("tags = %+v, want [new:1]", tags)
		}
	})

	t.Run("RemoveIsIdempotent", func(t *testing.T) {
		b := newBackend(t)
		defer b.Close()
		ctx := context.Background()

		_ = b.Set(ctx, &Record{Key: "a", Payload: []byte("a"), Tags: []string{"x"}}, 0)
		_ = b.Set(ctx, &Record{Key: "b", Payload: []byte("b")}, 0)

		n, err := b.Remove(ctx, "a", "b", "missing")
		if err != nil {
			t.Fatalf("Remove: %v", err)
		}
		if n != 2 {
			t.Errorf("removed %d, want 2", n)
		}
		n, err = b.Remove(ctx, "a", "b")
		if err != nil || n != 0 {
			t.Errorf("second Remove = %d, %v", n, err)
		}
		tags, _ := b.ListTags(ctx, 0, 0)
		if len(tags) != 0 {
			t.Errorf("tags left after remove: %+v", tags)
		}
	})

	t.Run("ListEntriesPaginates", func(t *testing.T) {
		b := newBackend(t)
		defer b.Close()
		ctx := context.Background()

		for _, k := range []string{"c", "a", "d", "b"} {
			if err := b.Set(ctx, &Record{Key: k, Payload: []byte(k)}, 0); err != nil {
				t.Fatalf("Set %s: %v", k, err)
			}
		}
		pg, err := b.ListEntries(ctx, 1, 2)
		if err != nil {
			t.Fatalf("ListEntries: %v", err)
		}
		if pg.Total != 4 {
			t.Errorf("total = %d, want 4", pg.Total)
		}
		if len(pg.Rows) != 2 || pg.Rows[0].Key != "b" || pg.Rows[1].Key != "c" {
			t.Errorf("rows = %+v, want [b c]", pg.Rows)
		}

		pg, _ = b.ListEntries(ctx, 10, 2)
		if len(pg.Rows) != 0 {
			t.Errorf("expected empty page past the end, got %+v", pg.Rows)
		}
	})

	t.Run("ListTagsOrdering", func(t *testing.T) {
		b := newBackend(t)
		defer b.Close()
		ctx := context.Background()

		_ = b.Set(ctx, &Record{Key: "1", Tags: []string{"b", "a"}}, 0)
		_ = b.Set(ctx, &Record{Key: "2", Tags: []string{"b"}}, 0)
		_ = b.Set(ctx, &Record{Key: "3", Tags: []string{"c"}}, 0)

		tags, err := b.ListTags(ctx, 0, 0)
		if err != nil {
			t.Fatalf("ListTags: %v", err)
		}
		want := []TagCount{{"b", 2}, {"a", 1}, {"c", 1}}
		if len(tags) != len(want) {
			t.Fatalf("tags = %+v, want %+v", tags, want)
		}
		for i := range want {
			if tags[i] != want[i] {
				t.Errorf("tags[%d] = %+v, want %+v", i, tags[i], want[i])
			}
		}
	})

	t.Run("Clear", func(t *testing.T) {
		b := newBackend(t)
		defer b.Close()
		ctx := context.Background()

		_ = b.Set(ctx, &Record{Key: "1", Tags: []string{"t"}}, 0)
		_ = b.Set(ctx, &Record{Key: "2"}, 0)

		n, err := b.Clear(ctx)
		if err != nil {
			t.Fatalf("Clear: %v", err)
		}
		if n != 2 {
			t.Errorf("cleared %d, want 2", n)
		}
		pg, _ := b.ListEntries(ctx, 0, 0)
		if pg.Total != 0 {
			t.Errorf("entries left: %d", pg.Total)
		}
		tags, _ := b.ListTags(ctx, 0, 0)
		if len(tags) != 0 {
			t.Errorf("tags left: %+v", tags)
		}
	})

	t.Run("EmptyKeyRejected", func(t *testing.T) {
		b := newBackend(t)
		defer b.Close()
		if err := b.Set(context.Background(), &Record{}, 0); err == nil {
			t.Error("expected error for empty key")
		}
	})
}
