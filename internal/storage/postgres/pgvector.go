package postgres

import (
	"context"
	"fmt"
	"log"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/scrypster/leadbroker/internal/storage"
)

// migrationPgvector adds the pgvector column to properties. It is applied
// outside the versioned migrations because it depends on the extension.
// Safe to run multiple times.
const migrationPgvector = `
DO $$
BEGIN
    IF NOT EXISTS (
        SELECT 1 FROM information_schema.columns
        WHERE table_name = 'properties' AND column_name = 'embedding_vec'
    ) THEN
        ALTER TABLE properties ADD COLUMN embedding_vec vector;
    END IF;
END
$$;
`

// applyPgvector adds the vector column and an HNSW cosine index sized for
// the configured dimension. The column is untyped so properties embedded
// with another model can coexist; the index covers the configured
// dimension through an expression cast.
func (s *Store) applyPgvector(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, migrationPgvector); err != nil {
		return err
	}

	if n, err := s.backfillVectorColumn(ctx); err != nil {
		return fmt.Errorf("backfill embedding_vec: %w", err)
	} else if n > 0 {
		log.Printf("postgres: copied %d embeddings into embedding_vec", n)
	}

	if s.dimension <= 0 {
		return nil
	}

	index := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS idx_properties_embedding_hnsw_%d
		ON properties USING hnsw ((embedding_vec::vector(%d)) vector_cosine_ops)
		WHERE status = 'active' AND embedding_dim = %d
	`, s.dimension, s.dimension, s.dimension)
	if _, err := s.db.ExecContext(ctx, index); err != nil {
		return fmt.Errorf("hnsw index: %w", err)
	}
	return nil
}

// backfillVectorColumn fills embedding_vec for rows written while the
// extension was unavailable.
func (s *Store) backfillVectorColumn(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, embedding FROM properties
		WHERE embedding_dim > 0 AND embedding_vec IS NULL
	`)
	if err != nil {
		return 0, err
	}

	type pending struct {
		id  string
		vec []float32
	}
	var todo []pending
	for rows.Next() {
		var (
			id   string
			blob []byte
		)
		if err := rows.Scan(&id, &blob); err != nil {
			_ = rows.Close()
			return 0, err
		}
		vec, err := storage.DecodeVector(blob)
		if err != nil {
			log.Printf("postgres: skipping property %s: %v", id, err)
			continue
		}
		todo = append(todo, pending{id: id, vec: vec})
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return 0, err
	}

	for _, p := range todo {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE properties SET embedding_vec = $1 WHERE id = $2`,
			pgvector.NewVector(p.vec), p.id); err != nil {
			return 0, err
		}
	}
	return len(todo), nil
}
