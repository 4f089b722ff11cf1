package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/kotonelabs/kotone/pkg/memory"
)

// RecordStore is the append-only record log backed by the records table. The
// embedding column carries a pgvector HNSW index so [RecordStore.Nearest] runs
// as a native approximate nearest-neighbour query.
//
// Obtain one via [Store.Records] rather than constructing directly.
// All methods are safe for concurrent use.
type RecordStore struct {
	pool *pgxpool.Pool
}

// Append implements [memory.RecordStore]. Duplicate ids fail with the
// database's unique-violation error.
func (s *RecordStore) Append(ctx context.Context, rec memory.Record) error {
	const q = `
		INSERT INTO records
		    (id, session_id, role, content, metadata, timestamp, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, q,
		rec.ID,
		rec.SessionID,
		rec.Role,
		rec.Content,
		rec.Metadata,
		rec.Timestamp,
		vectorOrNil(rec.Embedding),
	)
	if err != nil {
		return fmt.Errorf("record store: append: %w", err)
	}
	return nil
}

// Get implements [memory.RecordStore].
func (s *RecordStore) Get(ctx context.Context, id string) (memory.Record, error) {
	const q = `
		SELECT id, session_id, role, content, metadata, timestamp, embedding
		FROM   records
		WHERE  id = $1`

	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return memory.Record{}, fmt.Errorf("record store: get: %w", err)
	}
	rec, err := pgx.CollectOneRow(rows, scanRecord)
	if err != nil {
		return memory.Record{}, fmt.Errorf("record store: get: %w", notFound(err, "record", id))
	}
	return rec, nil
}

// List implements [memory.RecordStore]. Records come back in ingestion order;
// a non-empty sessionID limits the result to that session.
func (s *RecordStore) List(ctx context.Context, sessionID string) ([]memory.Record, error) {
	q := `
		SELECT id, session_id, role, content, metadata, timestamp, embedding
		FROM   records`
	var args []any
	if sessionID != "" {
		q += "\n\t\tWHERE  session_id = $1"
		args = append(args, sessionID)
	}
	q += "\n\t\tORDER  BY seq"

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("record store: list: %w", err)
	}
	recs, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("record store: scan rows: %w", err)
	}
	if recs == nil {
		recs = []memory.Record{}
	}
	return recs, nil
}

// Nearest implements [memory.VectorSearcher]. Records without an embedding are
// skipped; scores are 1 - cosine distance, most similar first.
func (s *RecordStore) Nearest(ctx context.Context, embedding []float32, limit int) ([]memory.Result, error) {
	const q = `
		SELECT id, session_id, role, content, metadata, timestamp, embedding,
		       embedding <=> $1 AS distance
		FROM   records
		WHERE  embedding IS NOT NULL
		ORDER  BY distance
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("record store: nearest: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Result, error) {
		var (
			res      memory.Result
			vec      pgvector.Vector
			distance float64
		)
		if err := row.Scan(
			&res.Record.ID,
			&res.Record.SessionID,
			&res.Record.Role,
			&res.Record.Content,
			&res.Record.Metadata,
			&res.Record.Timestamp,
			&vec,
			&distance,
		); err != nil {
			return memory.Result{}, err
		}
		res.Record.Embedding = vec.Slice()
		res.Score = 1 - distance
		return res, nil
	})
	if err != nil {
		return nil, fmt.Errorf("record store: scan rows: %w", err)
	}
	if results == nil {
		results = []memory.Result{}
	}
	return results, nil
}

// scanRecord scans one records row, tolerating a NULL embedding.
func scanRecord(row pgx.CollectableRow) (memory.Record, error) {
	var (
		rec memory.Record
		vec *pgvector.Vector
	)
	if err := row.Scan(
		&rec.ID,
		&rec.SessionID,
		&rec.Role,
		&rec.Content,
		&rec.Metadata,
		&rec.Timestamp,
		&vec,
	); err != nil {
		return memory.Record{}, err
	}
	if vec != nil {
		rec.Embedding = vec.Slice()
	}
	return rec, nil
}

// vectorOrNil converts an embedding to a pgvector value, or SQL NULL when the
// record was ingested without one.
func vectorOrNil(embedding []float32) any {
	if len(embedding) == 0 {
		return nil
	}
	return pgvector.NewVector(embedding)
}
