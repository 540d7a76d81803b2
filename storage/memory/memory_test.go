package memory

import (
	"context"
	"testing"
	"time"

	"github.com/ggoodman/aippt-mcp-go/storage"
)

func mustNew(t *testing.T, n int) *Storage {
	t.Helper()
	s, err := New(n)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSetAndGet(t *testing.T) {
	s := mustNew(t, 10)
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	item, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item == nil {
		t.Fatal("Get() returned nil item")
	}
	if want, got := "v", string(item.Data); want != got {
		t.Fatalf("expected %q, got %q", want, got)
	}

	missing, err := s.Get(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected nil item for missing key, got %v, %v", missing, err)
	}
}

func TestSetCopiesData(t *testing.T) {
	s := mustNew(t, 10)
	ctx := context.Background()

	buf := []byte("abc")
	_ = s.Set(ctx, "k", buf)
	buf[0] = 'x'

	item, _ := s.Get(ctx, "k")
	if want, got := "abc", string(item.Data); want != got {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestTTL(t *testing.T) {
	s := mustNew(t, 10)
	ctx := context.Background()

	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	_ = s.Set(ctx, "k", []byte("v"), storage.WithTTL(time.Minute))
	if item, _ := s.Get(ctx, "k"); item == nil || item.ExpiresAt == nil {
		t.Fatalf("expected item with expiry, got %+v", item)
	}

	now = now.Add(2 * time.Minute)
	if item, _ := s.Get(ctx, "k"); item != nil {
		t.Fatalf("expected expired item to be dropped, got %+v", item)
	}
	if want, got := 0, s.Len(); want != got {
		t.Fatalf("expected %d entries, got %d", want, got)
	}
}

func TestSweep(t *testing.T) {
	s := mustNew(t, 10)
	ctx := context.Background()

	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	_ = s.Set(ctx, "a", []byte("1"), storage.WithTTL(time.Second))
	_ = s.Set(ctx, "b", []byte("2"))
	now = now.Add(time.Minute)

	if want, got := 1, s.sweep(); want != got {
		t.Fatalf("expected %d swept, got %d", want, got)
	}
	if want, got := 1, s.Len(); want != got {
		t.Fatalf("expected %d left, got %d", want, got)
	}
}

func TestNamespaces(t *testing.T) {
	s := mustNew(t, 10)
	ctx := context.Background()

	_ = s.Set(ctx, "k", []byte("a"), storage.WithNamespace("templates"))
	_ = s.Set(ctx, "k", []byte("b"), storage.WithNamespace("other"))
	_ = s.Set(ctx, "k", []byte("c"))

	for ns, want := range map[string]string{"templates": "a", "other": "b", storage.GlobalNamespace: "c"} {
		item, _ := s.Get(ctx, "k", storage.WithNamespace(ns))
		if item == nil || string(item.Data) != want {
			t.Fatalf("namespace %s: expected %q, got %+v", ns, want, item)
		}
	}
}

func TestDelete(t *testing.T) {
	s := mustNew(t, 10)
	ctx := context.Background()

	_ = s.Set(ctx, "a", []byte("1"), storage.WithNamespace("templates"))
	_ = s.Set(ctx, "b", []byte("2"), storage.WithNamespace("templates"))
	_ = s.Set(ctx, "a", []byte("3"), storage.WithNamespace("other"))

	t.Run("single key", func(t *testing.T) {
		if err := s.Delete(ctx, storage.WithNamespace("templates"), storage.WithKey("a")); err != nil {
			t.Fatalf("Delete() failed: %v", err)
		}
		if item, _ := s.Get(ctx, "a", storage.WithNamespace("templates")); item != nil {
			t.Fatal("expected key to be deleted")
		}
		if item, _ := s.Get(ctx, "b", storage.WithNamespace("templates")); item == nil {
			t.Fatal("sibling key should survive")
		}
	})

	t.Run("namespace", func(t *testing.T) {
		if err := s.Delete(ctx, storage.WithNamespace("templates")); err != nil {
			t.Fatalf("Delete() failed: %v", err)
		}
		if item, _ := s.Get(ctx, "b", storage.WithNamespace("templates")); item != nil {
			t.Fatal("expected namespace to be cleared")
		}
		if item, _ := s.Get(ctx, "a", storage.WithNamespace("other")); item == nil {
			t.Fatal("other namespace should survive")
		}
	})
}

func TestSetRejectsKeyOption(t *testing.T) {
	s := mustNew(t, 10)
	if err := s.Set(context.Background(), "k", nil, storage.WithKey("k")); err != storage.ErrInvalidOptions {
		t.Fatalf("expected ErrInvalidOptions, got %v", err)
	}
}

func TestEviction(t *testing.T) {
	s := mustNew(t, 2)
	ctx := context.Background()

	_ = s.Set(ctx, "a", []byte("1"))
	_ = s.Set(ctx, "b", []byte("2"))
	_ = s.Set(ctx, "c", []byte("3"))

	if item, _ := s.Get(ctx, "a"); item != nil {
		t.Fatal("expected least recently used entry to be evicted")
	}
	if want, got := 2, s.Len(); want != got {
		t.Fatalf("expected %d entries, got %d", want, got)
	}
}
