package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/lingokit/lingokit/internal/cache"
)

// newStatsHandler serves introspection snapshots through a typed TTL cache,
// so frequent scrapes within the memoization window reuse one marshaled
// report instead of re-walking every registry per request.
func newStatsHandler(snapshots *cache.TTLCache[[]byte], ttl time.Duration, collect func() map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := snapshots.GetOrSet(r.Context(), "stats", ttl, func(context.Context) ([]byte, error) {
			return json.Marshal(collect())
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	}
}
