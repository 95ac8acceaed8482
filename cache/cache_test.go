package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb)
}

func TestGetSetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, ok := s.Get(ctx, "missing"); ok {
		t.Fatal("expected miss for unset key")
	}

	if err := s.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok := s.Get(ctx, "k")
	if !ok || got != "v" {
		t.Fatalf("expected hit with value %q, got %q (ok=%v)", "v", got, ok)
	}
}

func TestAddIsSetOnlyIfAbsent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	added, err := s.Add(ctx, "dedup:1", "1", time.Minute)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !added {
		t.Fatal("expected first Add to report added=true")
	}

	added, err = s.Add(ctx, "dedup:1", "1", time.Minute)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if added {
		t.Fatal("expected second Add for the same key to report added=false")
	}
}

func TestMarkAndDrainActiveIssues(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []int64{1, 2, 3} {
		if err := s.MarkIssueActive(ctx, id); err != nil {
			t.Fatalf("MarkIssueActive(%d): %v", id, err)
		}
	}

	got, err := s.DrainActiveIssues(ctx)
	if err != nil {
		t.Fatalf("DrainActiveIssues: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 drained issue ids, got %d (%v)", len(got), got)
	}

	again, err := s.DrainActiveIssues(ctx)
	if err != nil {
		t.Fatalf("second DrainActiveIssues: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected drain to clear the set, got %v", again)
	}
}
