// Package postgres provides PostgreSQL-backed implementations of the memory
// stores, with pgvector powering native nearest-neighbour recall over record
// embeddings.
//
// All stores share a single [pgxpool.Pool]. The pgvector extension must be
// available in the target database; [Migrate] installs it automatically via
// CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//	defer store.Close()
//	pipeline := memory.NewService(store.Stores(), bus, cfg)
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/kotonelabs/kotone/pkg/memory"
)

// Compile-time interface checks.
var (
	_ memory.RecordStore          = (*RecordStore)(nil)
	_ memory.VectorSearcher       = (*RecordStore)(nil)
	_ memory.CoreProfileStore     = (*CoreProfileStore)(nil)
	_ memory.SemanticFactStore    = (*SemanticFactStore)(nil)
	_ memory.ProceduralHabitStore = (*HabitStore)(nil)
)

// Store bundles the four PostgreSQL-backed memory stores over one pool.
// All operations are safe for concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	records  *RecordStore
	profiles *CoreProfileStore
	facts    *SemanticFactStore
	habits   *HabitStore
}

// NewStore connects to the database at dsn, registers pgvector types on every
// connection, and runs [Migrate].
//
// embeddingDimensions is baked into the records.embedding column type and
// must match the configured embedding model (e.g., 1536 for OpenAI
// text-embedding-3-small). Changing it after the first migration requires a
// manual schema change.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{
		pool:     pool,
		records:  &RecordStore{pool: pool},
		profiles: &CoreProfileStore{pool: pool},
		facts:    &SemanticFactStore{pool: pool},
		habits:   &HabitStore{pool: pool},
	}, nil
}

// Stores returns the store bundle consumed by the memory pipeline.
func (s *Store) Stores() memory.Stores {
	return memory.Stores{
		Records:  s.records,
		Profiles: s.profiles,
		Facts:    s.facts,
		Habits:   s.habits,
	}
}

// Records returns the record log implementation.
func (s *Store) Records() *RecordStore { return s.records }

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

const ddlRecords = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS records (
    id          TEXT         PRIMARY KEY,
    seq         BIGSERIAL,
    session_id  TEXT         NOT NULL DEFAULT '',
    role        TEXT         NOT NULL DEFAULT '',
    content     TEXT         NOT NULL,
    metadata    JSONB,
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    embedding   vector(%d)
);

CREATE INDEX IF NOT EXISTS idx_records_session_id
    ON records (session_id);

CREATE INDEX IF NOT EXISTS idx_records_seq
    ON records (seq);

CREATE INDEX IF NOT EXISTS idx_records_embedding
    ON records USING hnsw (embedding vector_cosine_ops);
`

const ddlLayers = `
CREATE TABLE IF NOT EXISTS core_profiles (
    id          TEXT         PRIMARY KEY,
    summary     TEXT         NOT NULL,
    updated_at  TIMESTAMPTZ  NOT NULL
);

CREATE TABLE IF NOT EXISTS semantic_facts (
    id          TEXT         PRIMARY KEY,
    subject     TEXT         NOT NULL,
    predicate   TEXT         NOT NULL,
    object      TEXT         NOT NULL DEFAULT '',
    updated_at  TIMESTAMPTZ  NOT NULL
);

CREATE TABLE IF NOT EXISTS procedural_habits (
    id           TEXT         PRIMARY KEY,
    task_type    TEXT         NOT NULL,
    instruction  TEXT         NOT NULL,
    updated_at   TIMESTAMPTZ  NOT NULL
);
`

// Migrate creates or ensures all required tables and extensions exist. It is
// idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		fmt.Sprintf(ddlRecords, embeddingDimensions),
		ddlLayers,
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}

// notFound maps pgx.ErrNoRows onto the store contract's sentinel.
func notFound(err error, kind, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s %q", memory.ErrNotFound, kind, id)
	}
	return err
}
