// Package batch coalesces small write-intents into fewer, larger
// downstream operations. Requests are grouped by (kind, subject); a
// group flushes when it reaches a size limit or when no new request
// arrives for its key within the max delay. A flush atomically removes
// the group from the pending map before any processing starts, so
// concurrent appends always land in a fresh group and never observe a
// partially flushed one.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lingokit/lingokit/internal/logging"
	"github.com/lingokit/lingokit/internal/metrics"
	"github.com/lingokit/lingokit/internal/observability"
	"github.com/lingokit/lingokit/internal/store"
)

// Kind identifies a write-intent type. The set is closed: each kind
// has its own payload shape and aggregation rule.
type Kind string

const (
	KindProgress    Kind = "progress_update"
	KindVocabulary  Kind = "vocabulary_insert"
	KindAchievement Kind = "achievement_unlock"
)

// Payload is the tagged union of per-kind request bodies.
type Payload interface {
	kind() Kind
}

// ProgressPayload carries incremental progress for one subject.
type ProgressPayload struct {
	Lessons   int
	Exercises int
	Scores    []float64
	Tags      []string
}

func (ProgressPayload) kind() Kind { return KindProgress }

// VocabularyPayload carries words to bulk-insert for one subject.
type VocabularyPayload struct {
	Entries []store.VocabularyEntry
}

func (VocabularyPayload) kind() Kind { return KindVocabulary }

// AchievementPayload carries achievement flags to unlock for one subject.
type AchievementPayload struct {
	Achievements []string
}

func (AchievementPayload) kind() Kind { return KindAchievement }

// Request is one queued write-intent.
type Request struct {
	ID         string
	Kind       Kind
	SubjectID  string
	SessionID  string
	Payload    Payload
	EnqueuedAt time.Time
}

// Sink receives the aggregated operations. *store.Postgres implements it.
type Sink interface {
	ApplyProgress(ctx context.Context, subjectID string, delta store.ProgressDelta) error
	InsertVocabulary(ctx context.Context, subjectID string, entries []store.VocabularyEntry) error
	UnlockAchievements(ctx context.Context, subjectID string, achievements []string) error
}

// FlushResult reports the outcome of one group's flush. Err, when set,
// applies to every request ID in the group; other groups in the same
// flush cycle are unaffected.
type FlushResult struct {
	Kind       Kind
	SubjectID  string
	RequestIDs []string
	Count      int
	Err        error
	Elapsed    time.Duration
}

// Config controls batching behavior.
type Config struct {
	// MaxSize flushes a group immediately once it holds this many
	// requests. Zero means DefaultMaxSize.
	MaxSize int
	// MaxDelay is the debounce window: each append re-arms the group's
	// timer, and the group flushes when the timer fires. Zero means
	// DefaultMaxDelay.
	MaxDelay time.Duration
	// OnFlush, if set, is invoked after every group flush, success or
	// failure. Called outside the batcher lock.
	OnFlush func(FlushResult)
}

const (
	DefaultMaxSize  = 10
	DefaultMaxDelay = 5 * time.Second
)

type groupKey struct {
	Kind      Kind
	SubjectID string
}

type group struct {
	requests []Request
	timer    *time.Timer
}

// Stats is a point-in-time view of the pending queues.
type Stats struct {
	PendingBatches int `json:"pending_batches"`
	QueuedRequests int `json:"queued_requests"`
	FlushedBatches int `json:"flushed_batches"`
	FailedBatches  int `json:"failed_batches"`
}

// Batcher accumulates requests and flushes them per group.
type Batcher struct {
	cfg  Config
	sink Sink

	mu      sync.Mutex
	pending map[groupKey]*group
	flushed int
	failed  int
	closed  bool
	wg      sync.WaitGroup
}

// New returns a Batcher writing to sink.
func New(cfg Config, sink Sink) *Batcher {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	return &Batcher{
		cfg:     cfg,
		sink:    sink,
		pending: make(map[groupKey]*group),
	}
}

// Add enqueues a write-intent and returns its request ID. The group
// flushes immediately at the size limit, otherwise after MaxDelay of
// key inactivity.
func (b *Batcher) Add(subjectID, sessionID string, payload Payload) (string, error) {
	if subjectID == "" {
		return "", fmt.Errorf("subject ID is required")
	}
	if payload == nil {
		return "", fmt.Errorf("payload is required")
	}

	req := Request{
		ID:         uuid.New().String(),
		Kind:       payload.kind(),
		SubjectID:  subjectID,
		SessionID:  sessionID,
		Payload:    payload,
		EnqueuedAt: time.Now(),
	}
	key := groupKey{Kind: req.Kind, SubjectID: subjectID}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", fmt.Errorf("batcher is closed")
	}

	g, ok := b.pending[key]
	if !ok {
		g = &group{}
		b.pending[key] = g
	}
	g.requests = append(g.requests, req)

	if len(g.requests) >= b.cfg.MaxSize {
		reqs := b.takeLocked(key, g)
		b.mu.Unlock()
		b.runFlush(key, reqs)
		return req.ID, nil
	}

	if g.timer == nil {
		g.timer = time.AfterFunc(b.cfg.MaxDelay, func() { b.flushKey(key) })
	} else {
		g.timer.Reset(b.cfg.MaxDelay)
	}
	b.mu.Unlock()
	return req.ID, nil
}

// takeLocked removes a group from the pending map and cancels its
// timer. Caller holds b.mu.
func (b *Batcher) takeLocked(key groupKey, g *group) []Request {
	if g.timer != nil {
		g.timer.Stop()
	}
	delete(b.pending, key)
	return g.requests
}

func (b *Batcher) flushKey(key groupKey) {
	b.mu.Lock()
	g, ok := b.pending[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	reqs := b.takeLocked(key, g)
	b.mu.Unlock()
	b.runFlush(key, reqs)
}

func (b *Batcher) runFlush(key groupKey, reqs []Request) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.flush(context.Background(), key, reqs)
	}()
}

func (b *Batcher) flush(ctx context.Context, key groupKey, reqs []Request) {
	if len(reqs) == 0 {
		return
	}

	ctx, span := observability.StartSpan(ctx, "batch.flush",
		observability.AttrBatchKind.String(string(key.Kind)),
		observability.AttrBatchSize.Int(len(reqs)),
		observability.AttrSubjectID.String(key.SubjectID),
	)
	defer span.End()

	start := time.Now()
	err := b.write(ctx, key, reqs)
	elapsed := time.Since(start)

	ids := make([]string, len(reqs))
	for i, r := range reqs {
		ids[i] = r.ID
	}

	b.mu.Lock()
	if err != nil {
		b.failed++
	} else {
		b.flushed++
	}
	queued := 0
	for _, g := range b.pending {
		queued += len(g.requests)
	}
	b.mu.Unlock()

	metrics.RecordBatchFlush(string(key.Kind), len(reqs), err == nil)
	metrics.SetBatchQueueDepth(queued)

	if err != nil {
		observability.SetSpanError(span, err)
		logging.Op().Error("batch flush failed",
			"kind", string(key.Kind),
			"subject", key.SubjectID,
			"count", len(reqs),
			"error", err)
	} else {
		observability.SetSpanOK(span)
		logging.Op().Debug("batch flushed",
			"kind", string(key.Kind),
			"subject", key.SubjectID,
			"count", len(reqs),
			"elapsed", elapsed)
	}

	if b.cfg.OnFlush != nil {
		b.cfg.OnFlush(FlushResult{
			Kind:       key.Kind,
			SubjectID:  key.SubjectID,
			RequestIDs: ids,
			Count:      len(reqs),
			Err:        err,
			Elapsed:    elapsed,
		})
	}
}

// write aggregates the group per its kind and performs one downstream
// operation. Payloads may arrive as values or pointers; kind() has a value
// receiver so both satisfy Payload.
func (b *Batcher) write(ctx context.Context, key groupKey, reqs []Request) error {
	switch key.Kind {
	case KindProgress:
		var delta store.ProgressDelta
		seen := make(map[string]bool)
		for _, r := range reqs {
			var p ProgressPayload
			switch v := r.Payload.(type) {
			case ProgressPayload:
				p = v
			case *ProgressPayload:
				p = *v
			default:
				return fmt.Errorf("request %s: payload %T does not match kind %q", r.ID, r.Payload, key.Kind)
			}
			delta.LessonsCompleted += p.Lessons
			delta.ExercisesCompleted += p.Exercises
			for _, s := range p.Scores {
				delta.ScoreSum += s
				delta.ScoreSamples++
			}
			for _, t := range p.Tags {
				if !seen[t] {
					seen[t] = true
					delta.Tags = append(delta.Tags, t)
				}
			}
		}
		return b.sink.ApplyProgress(ctx, key.SubjectID, delta)

	case KindVocabulary:
		var entries []store.VocabularyEntry
		for _, r := range reqs {
			var p VocabularyPayload
			switch v := r.Payload.(type) {
			case VocabularyPayload:
				p = v
			case *VocabularyPayload:
				p = *v
			default:
				return fmt.Errorf("request %s: payload %T does not match kind %q", r.ID, r.Payload, key.Kind)
			}
			entries = append(entries, p.Entries...)
		}
		return b.sink.InsertVocabulary(ctx, key.SubjectID, entries)

	case KindAchievement:
		var achievements []string
		seen := make(map[string]bool)
		for _, r := range reqs {
			var p AchievementPayload
			switch v := r.Payload.(type) {
			case AchievementPayload:
				p = v
			case *AchievementPayload:
				p = *v
			default:
				return fmt.Errorf("request %s: payload %T does not match kind %q", r.ID, r.Payload, key.Kind)
			}
			for _, a := range p.Achievements {
				if !seen[a] {
					seen[a] = true
					achievements = append(achievements, a)
				}
			}
		}
		return b.sink.UnlockAchievements(ctx, key.SubjectID, achievements)

	default:
		return fmt.Errorf("unknown batch kind %q", key.Kind)
	}
}

// FlushAll drains every pending group and flushes each synchronously.
// A failure in one group does not stop the others. Used at shutdown.
func (b *Batcher) FlushAll(ctx context.Context) {
	b.mu.Lock()
	drained := make(map[groupKey][]Request, len(b.pending))
	for key, g := range b.pending {
		drained[key] = b.takeLocked(key, g)
	}
	b.mu.Unlock()

	for key, reqs := range drained {
		b.flush(ctx, key, reqs)
	}
}

// GetStats reports pending group and queued request counts.
func (b *Batcher) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	queued := 0
	for _, g := range b.pending {
		queued += len(g.requests)
	}
	return Stats{
		PendingBatches: len(b.pending),
		QueuedRequests: queued,
		FlushedBatches: b.flushed,
		FailedBatches:  b.failed,
	}
}

// Close flushes all pending groups, waits for in-flight flushes and
// rejects further Adds.
func (b *Batcher) Close(ctx context.Context) {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.FlushAll(ctx)
	b.wg.Wait()
}
