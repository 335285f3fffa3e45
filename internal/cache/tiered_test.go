package cache

import (
	"context"
	"testing"
	"time"
)

func TestTieredStore_L1Hit(t *testing.T) {
	l1 := NewMemoryStore()
	l2 := NewMemoryStore()

	ts := NewTieredStore(l1, l2, 10*time.Second)
	defer ts.Close()

	ctx := context.Background()

	if err := ts.Set(ctx, "key1", []byte("value1"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	val, err := ts.Get(ctx, "key1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(val) != "value1" {
		t.Fatalf("expected 'value1', got '%s'", string(val))
	}
}

func TestTieredStore_L2Fallthrough(t *testing.T) {
	l1 := NewMemoryStore()
	l2 := NewMemoryStore()

	ts := NewTieredStore(l1, l2, 10*time.Second)
	defer ts.Close()

	ctx := context.Background()

	// Set value directly in L2 (simulating L1 miss)
	if err := l2.Set(ctx, "key2", []byte("value2"), time.Minute); err != nil {
		t.Fatalf("L2 Set failed: %v", err)
	}

	// Should miss L1, hit L2, and populate L1
	val, err := ts.Get(ctx, "key2")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(val) != "value2" {
		t.Fatalf("expected 'value2', got '%s'", string(val))
	}

	// Now L1 should have the value
	val, err = l1.Get(ctx, "key2")
	if err != nil {
		t.Fatalf("expected L1 populated on L2 hit: %v", err)
	}
	if string(val) != "value2" {
		t.Fatalf("expected 'value2' in L1, got '%s'", string(val))
	}
}

func TestTieredStore_Miss(t *testing.T) {
	ts := NewTieredStore(NewMemoryStore(), NewMemoryStore(), 10*time.Second)
	defer ts.Close()

	_, err := ts.Get(context.Background(), "absent")
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTieredStore_DeleteBothLayers(t *testing.T) {
	l1 := NewMemoryStore()
	l2 := NewMemoryStore()
	ts := NewTieredStore(l1, l2, 10*time.Second)
	defer ts.Close()

	ctx := context.Background()

	ts.Set(ctx, "k", []byte("v"), time.Minute)
	if err := ts.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := l1.Get(ctx, "k"); err != ErrNotFound {
		t.Fatal("expected key removed from L1")
	}
	if _, err := l2.Get(ctx, "k"); err != ErrNotFound {
		t.Fatal("expected key removed from L2")
	}
}
