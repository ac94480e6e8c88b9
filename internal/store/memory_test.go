package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStore_SetGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "v" {
		t.Fatalf("expected v, got %q", got)
	}
}

func TestMemoryStore_MissingKey(t *testing.T) {
	s := NewMemoryStore()

	_, err := s.Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }

	if err := s.Set(ctx, "k", []byte("v"), 5*time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	// Still alive exactly at the deadline.
	s.now = func() time.Time { return base.Add(5 * time.Minute) }
	if _, err := s.Get(ctx, "k"); err != nil {
		t.Fatalf("expected key alive at deadline, got %v", err)
	}

	// Gone once the deadline has passed.
	s.now = func() time.Time { return base.Add(5*time.Minute + time.Nanosecond) }
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	// Deleting an absent key is not an error.
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete absent: %v", err)
	}
}

func TestMemoryStore_Overwrite(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.Set(ctx, "k", []byte("old"), time.Minute)
	s.Set(ctx, "k", []byte("new"), time.Minute)

	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "new" {
		t.Fatalf("expected new, got %q", got)
	}
}
