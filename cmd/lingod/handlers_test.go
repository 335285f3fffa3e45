package main

import (
	"encoding/json"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lingokit/lingokit/internal/cache"
)

func TestStatsHandlerMemoizesSnapshots(t *testing.T) {
	snapshots := cache.NewTTLCache[[]byte](4, time.Minute)
	defer snapshots.Close()

	var collects atomic.Int32
	handler := newStatsHandler(snapshots, 50*time.Millisecond, func() map[string]any {
		collects.Add(1)
		return map[string]any{"breakers": map[string]any{}, "sample": int(collects.Load())}
	})

	get := func() map[string]any {
		t.Helper()
		rec := httptest.NewRecorder()
		handler(rec, httptest.NewRequest("GET", "/stats", nil))
		if rec.Code != 200 {
			t.Fatalf("unexpected status %d", rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
			t.Fatalf("unexpected content type %q", ct)
		}
		var body map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("invalid JSON body: %v", err)
		}
		return body
	}

	first := get()
	second := get()
	if collects.Load() != 1 {
		t.Fatalf("expected one snapshot collection within the window, got %d", collects.Load())
	}
	if first["sample"] != second["sample"] {
		t.Fatal("memoized responses differ")
	}

	time.Sleep(60 * time.Millisecond)
	get()
	if collects.Load() != 2 {
		t.Fatalf("expected fresh collection after TTL expiry, got %d", collects.Load())
	}
}
