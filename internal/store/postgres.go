// Package store persists the aggregated learner writes produced by the
// request batcher. The tables here are the landing schema for batched
// write kinds only; the product's CRUD schema lives with its own service.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ProgressDelta is one aggregated progress update for a subject. Scores
// are carried as sum+samples so averages stay exact across flushes.
type ProgressDelta struct {
	LessonsCompleted   int
	ExercisesCompleted int
	ScoreSum           float64
	ScoreSamples       int
	Tags               []string
}

// VocabularyEntry is one learned word to insert.
type VocabularyEntry struct {
	Word        string
	Translation string
	Language    string
}

// Postgres is the pgx-backed write sink.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects, pings and ensures the landing schema.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &Postgres{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *Postgres) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *Postgres) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS learner_progress (
			subject_id TEXT PRIMARY KEY,
			lessons_completed INTEGER NOT NULL DEFAULT 0,
			exercises_completed INTEGER NOT NULL DEFAULT 0,
			score_sum DOUBLE PRECISION NOT NULL DEFAULT 0,
			score_samples INTEGER NOT NULL DEFAULT 0,
			tags TEXT[] NOT NULL DEFAULT ARRAY[]::TEXT[],
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS vocabulary_entries (
			id TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
			subject_id TEXT NOT NULL,
			word TEXT NOT NULL,
			translation TEXT NOT NULL DEFAULT '',
			language TEXT NOT NULL DEFAULT '',
			added_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_vocabulary_subject ON vocabulary_entries(subject_id)`,
		`CREATE TABLE IF NOT EXISTS learner_achievements (
			subject_id TEXT NOT NULL,
			achievement TEXT NOT NULL,
			unlocked_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (subject_id, achievement)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// ApplyProgress upserts one aggregated delta: counts are added, score
// sums and samples accumulate, and tags are unioned in SQL.
func (s *Postgres) ApplyProgress(ctx context.Context, subjectID string, delta ProgressDelta) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO learner_progress
			(subject_id, lessons_completed, exercises_completed, score_sum, score_samples, tags, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (subject_id) DO UPDATE SET
			lessons_completed   = learner_progress.lessons_completed + EXCLUDED.lessons_completed,
			exercises_completed = learner_progress.exercises_completed + EXCLUDED.exercises_completed,
			score_sum           = learner_progress.score_sum + EXCLUDED.score_sum,
			score_samples       = learner_progress.score_samples + EXCLUDED.score_samples,
			tags                = ARRAY(SELECT DISTINCT unnest(learner_progress.tags || EXCLUDED.tags)),
			updated_at          = NOW()`,
		subjectID, delta.LessonsCompleted, delta.ExercisesCompleted,
		delta.ScoreSum, delta.ScoreSamples, delta.Tags)
	if err != nil {
		return fmt.Errorf("apply progress for %s: %w", subjectID, err)
	}
	return nil
}

// InsertVocabulary inserts all entries for a subject in one round trip.
func (s *Postgres) InsertVocabulary(ctx context.Context, subjectID string, entries []VocabularyEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`INSERT INTO vocabulary_entries (subject_id, word, translation, language)
			VALUES ($1, $2, $3, $4)`,
			subjectID, e.Word, e.Translation, e.Language)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range entries {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert vocabulary for %s: %w", subjectID, err)
		}
	}
	return nil
}

// UnlockAchievements records achievements, ignoring already-unlocked ones.
func (s *Postgres) UnlockAchievements(ctx context.Context, subjectID string, achievements []string) error {
	if len(achievements) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, a := range achievements {
		batch.Queue(`INSERT INTO learner_achievements (subject_id, achievement)
			VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			subjectID, a)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range achievements {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("unlock achievements for %s: %w", subjectID, err)
		}
	}
	return nil
}
