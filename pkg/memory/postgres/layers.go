package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kotonelabs/kotone/pkg/memory"
)

// CoreProfileStore is the core layer backed by the core_profiles table.
//
// Obtain one via [Store.Stores] rather than constructing directly.
// All methods are safe for concurrent use.
type CoreProfileStore struct {
	pool *pgxpool.Pool
}

// Upsert implements [memory.CoreProfileStore]. A stale write (UpdatedAt older
// than the stored row) leaves the row untouched.
func (s *CoreProfileStore) Upsert(ctx context.Context, p memory.CoreProfile) error {
	const q = `
		INSERT INTO core_profiles (id, summary, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
		    summary    = EXCLUDED.summary,
		    updated_at = EXCLUDED.updated_at
		WHERE EXCLUDED.updated_at >= core_profiles.updated_at`

	if _, err := s.pool.Exec(ctx, q, p.ID, p.Summary, p.UpdatedAt); err != nil {
		return fmt.Errorf("core profile store: upsert: %w", err)
	}
	return nil
}

// Get implements [memory.CoreProfileStore].
func (s *CoreProfileStore) Get(ctx context.Context, id string) (memory.CoreProfile, error) {
	const q = `
		SELECT id, summary, updated_at
		FROM   core_profiles
		WHERE  id = $1`

	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return memory.CoreProfile{}, fmt.Errorf("core profile store: get: %w", err)
	}
	p, err := pgx.CollectOneRow(rows, pgx.RowToStructByPos[memory.CoreProfile])
	if err != nil {
		return memory.CoreProfile{}, fmt.Errorf("core profile store: get: %w", notFound(err, "core profile", id))
	}
	return p, nil
}

// List implements [memory.CoreProfileStore], newest first.
func (s *CoreProfileStore) List(ctx context.Context) ([]memory.CoreProfile, error) {
	const q = `
		SELECT id, summary, updated_at
		FROM   core_profiles
		ORDER  BY updated_at DESC`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("core profile store: list: %w", err)
	}
	profiles, err := pgx.CollectRows(rows, pgx.RowToStructByPos[memory.CoreProfile])
	if err != nil {
		return nil, fmt.Errorf("core profile store: scan rows: %w", err)
	}
	if profiles == nil {
		profiles = []memory.CoreProfile{}
	}
	return profiles, nil
}

// SemanticFactStore is the semantic layer backed by the semantic_facts table.
type SemanticFactStore struct {
	pool *pgxpool.Pool
}

// Upsert implements [memory.SemanticFactStore] with last-writer-wins on
// UpdatedAt.
func (s *SemanticFactStore) Upsert(ctx context.Context, f memory.SemanticFact) error {
	const q = `
		INSERT INTO semantic_facts (id, subject, predicate, object, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
		    subject    = EXCLUDED.subject,
		    predicate  = EXCLUDED.predicate,
		    object     = EXCLUDED.object,
		    updated_at = EXCLUDED.updated_at
		WHERE EXCLUDED.updated_at >= semantic_facts.updated_at`

	if _, err := s.pool.Exec(ctx, q, f.ID, f.Subject, f.Predicate, f.Object, f.UpdatedAt); err != nil {
		return fmt.Errorf("semantic fact store: upsert: %w", err)
	}
	return nil
}

// Get implements [memory.SemanticFactStore].
func (s *SemanticFactStore) Get(ctx context.Context, id string) (memory.SemanticFact, error) {
	const q = `
		SELECT id, subject, predicate, object, updated_at
		FROM   semantic_facts
		WHERE  id = $1`

	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return memory.SemanticFact{}, fmt.Errorf("semantic fact store: get: %w", err)
	}
	f, err := pgx.CollectOneRow(rows, pgx.RowToStructByPos[memory.SemanticFact])
	if err != nil {
		return memory.SemanticFact{}, fmt.Errorf("semantic fact store: get: %w", notFound(err, "semantic fact", id))
	}
	return f, nil
}

// List implements [memory.SemanticFactStore], newest first.
func (s *SemanticFactStore) List(ctx context.Context) ([]memory.SemanticFact, error) {
	const q = `
		SELECT id, subject, predicate, object, updated_at
		FROM   semantic_facts
		ORDER  BY updated_at DESC`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("semantic fact store: list: %w", err)
	}
	facts, err := pgx.CollectRows(rows, pgx.RowToStructByPos[memory.SemanticFact])
	if err != nil {
		return nil, fmt.Errorf("semantic fact store: scan rows: %w", err)
	}
	if facts == nil {
		facts = []memory.SemanticFact{}
	}
	return facts, nil
}

// HabitStore is the procedural layer backed by the procedural_habits table.
type HabitStore struct {
	pool *pgxpool.Pool
}

// Upsert implements [memory.ProceduralHabitStore] with last-writer-wins on
// UpdatedAt.
func (s *HabitStore) Upsert(ctx context.Context, h memory.ProceduralHabit) error {
	const q = `
		INSERT INTO procedural_habits (id, task_type, instruction, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
		    task_type   = EXCLUDED.task_type,
		    instruction = EXCLUDED.instruction,
		    updated_at  = EXCLUDED.updated_at
		WHERE EXCLUDED.updated_at >= procedural_habits.updated_at`

	if _, err := s.pool.Exec(ctx, q, h.ID, h.TaskType, h.Instruction, h.UpdatedAt); err != nil {
		return fmt.Errorf("habit store: upsert: %w", err)
	}
	return nil
}

// Get implements [memory.ProceduralHabitStore].
func (s *HabitStore) Get(ctx context.Context, id string) (memory.ProceduralHabit, error) {
	const q = `
		SELECT id, task_type, instruction, updated_at
		FROM   procedural_habits
		WHERE  id = $1`

	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return memory.ProceduralHabit{}, fmt.Errorf("habit store: get: %w", err)
	}
	h, err := pgx.CollectOneRow(rows, pgx.RowToStructByPos[memory.ProceduralHabit])
	if err != nil {
		return memory.ProceduralHabit{}, fmt.Errorf("habit store: get: %w", notFound(err, "procedural habit", id))
	}
	return h, nil
}

// List implements [memory.ProceduralHabitStore], newest first.
func (s *HabitStore) List(ctx context.Context) ([]memory.ProceduralHabit, error) {
	const q = `
		SELECT id, task_type, instruction, updated_at
		FROM   procedural_habits
		ORDER  BY updated_at DESC`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("habit store: list: %w", err)
	}
	habits, err := pgx.CollectRows(rows, pgx.RowToStructByPos[memory.ProceduralHabit])
	if err != nil {
		return nil, fmt.Errorf("habit store: scan rows: %w", err)
	}
	if habits == nil {
		habits = []memory.ProceduralHabit{}
	}
	return habits, nil
}
