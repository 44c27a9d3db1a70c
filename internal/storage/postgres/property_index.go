package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/scrypster/leadbroker/internal/storage"
	"github.com/scrypster/leadbroker/pkg/types"
)

// fallbackMaxCandidates caps the embeddings loaded into Go memory when
// pgvector is not installed.
const fallbackMaxCandidates = 10_000

// propertyColumns is the canonical SELECT column list for properties.
// It must match the scan order in scanProperty.
const propertyColumns = `
	p.id, p.title, p.description, p.price,
	p.street, p.neighborhood, p.city, p.state, p.postal_code,
	p.bedrooms, p.property_type, p.url, p.status,
	p.embedding, p.embedding_model, p.content_hash,
	p.last_sync_at, p.created_at, p.updated_at`

// UpsertProperty creates or replaces a property by ID.
func (s *Store) UpsertProperty(ctx context.Context, p *types.Property) error {
	if p == nil {
		return storage.ErrInvalidInput
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	now := time.Now().UTC()
	if p.Status == "" {
		p.Status = types.PropertyActive
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.LastSyncAt.IsZero() {
		p.LastSyncAt = now
	}
	p.UpdatedAt = now

	args := []interface{}{
		p.ID, p.Title, p.Description, p.Price,
		nullableString(p.Address.Street),
		nullableString(p.Address.Neighborhood),
		nullableString(p.Address.City),
		nullableString(p.Address.State),
		nullableString(p.Address.PostalCode),
		p.Bedrooms,
		nullableString(p.PropertyType),
		nullableString(p.URL),
		string(p.Status),
		storage.EncodeVector(p.Embedding),
		len(p.Embedding),
		nullableString(p.EmbeddingModel),
		nullableString(p.ContentHash),
		p.SearchableText(),
		p.LastSyncAt.UTC(),
		p.CreatedAt.UTC(),
		p.UpdatedAt,
	}

	vecColumn, vecValue, vecUpdate := "", "", ""
	if s.pgvectorAvailable {
		vecColumn, vecValue = ", embedding_vec", ", $22"
		vecUpdate = ", embedding_vec = excluded.embedding_vec"
		if len(p.Embedding) > 0 {
			args = append(args, pgvector.NewVector(p.Embedding))
		} else {
			args = append(args, nil)
		}
	}

	query := `
		INSERT INTO properties (
			id, title, description, price,
			street, neighborhood, city, state, postal_code,
			bedrooms, property_type, url, status,
			embedding, embedding_dim, embedding_model, content_hash,
			search_text, last_sync_at, created_at, updated_at` + vecColumn + `
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21` + vecValue + `)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			price = excluded.price,
			street = excluded.street,
			neighborhood = excluded.neighborhood,
			city = excluded.city,
			state = excluded.state,
			postal_code = excluded.postal_code,
			bedrooms = excluded.bedrooms,
			property_type = excluded.property_type,
			url = excluded.url,
			status = excluded.status,
			embedding = excluded.embedding,
			embedding_dim = excluded.embedding_dim,
			embedding_model = excluded.embedding_model,
			content_hash = excluded.content_hash,
			search_text = excluded.search_text,
			last_sync_at = excluded.last_sync_at,
			updated_at = excluded.updated_at` + vecUpdate

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("postgres: failed to upsert property %s: %w", p.ID, err)
	}
	return nil
}

// GetProperty retrieves a property by ID.
func (s *Store) GetProperty(ctx context.Context, id string) (*types.Property, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+propertyColumns+` FROM properties p WHERE p.id = $1`, id)
	p, err := scanProperty(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("property %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get property %s: %w", id, err)
	}
	return p, nil
}

// UpdatePropertyStatus soft-deletes or re-activates a property.
func (s *Store) UpdatePropertyStatus(ctx context.Context, id string, status types.PropertyStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: unknown property status %q", storage.ErrInvalidInput, status)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE properties SET status = $1, last_sync_at = $2, updated_at = $2 WHERE id = $3`,
		string(status), now, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to update property status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("property %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// ListProperties lists properties, most recently synced first.
func (s *Store) ListProperties(ctx context.Context, opts storage.ListOptions) (*storage.PaginatedResult[types.Property], error) {
	opts.Normalize()

	var (
		where []string
		args  []interface{}
	)
	if opts.PropertyStatus != "" {
		args = append(args, string(opts.PropertyStatus))
		where = append(where, fmt.Sprintf("p.status = $%d", len(args)))
	}
	if opts.MissingEmbedding {
		where = append(where, "p.embedding_dim = 0")
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM properties p`+clause, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("postgres: failed to count properties: %w", err)
	}

	query := fmt.Sprintf(`SELECT `+propertyColumns+` FROM properties p`+clause+
		` ORDER BY p.last_sync_at DESC, p.id LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	rows, err := s.db.QueryContext(ctx, query, append(args, opts.Limit, opts.Offset())...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list properties: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []types.Property
	for rows.Next() {
		p, err := scanProperty(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan property: %w", err)
		}
		items = append(items, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: failed to iterate properties: %w", err)
	}

	return storage.NewPage(items, total, opts), nil
}

// VectorSearch ranks active properties by cosine distance to query using the
// pgvector <=> operator, accelerated by the HNSW index when the query has the
// configured dimension. Without pgvector the comparison runs in Go.
func (s *Store) VectorSearch(ctx context.Context, query []float32, opts storage.SearchOptions) ([]storage.VectorMatch, error) {
	opts.Normalize()

	if len(query) == 0 {
		return nil, fmt.Errorf("%w: empty query vector", storage.ErrInvalidInput)
	}
	if !s.pgvectorAvailable {
		return s.vectorSearchInProcess(ctx, query, opts)
	}

	dim := len(query)
	querySQL := fmt.Sprintf(`
		SELECT `+propertyColumns+`, (p.embedding_vec::vector(%d)) <=> $1 AS distance
		FROM properties p
		WHERE p.status = 'active' AND p.embedding_dim = %d AND p.embedding_vec IS NOT NULL
		ORDER BY distance
		LIMIT $2
	`, dim, dim)

	rows, err := s.db.QueryContext(ctx, querySQL, pgvector.NewVector(query), opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: VectorSearch query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []storage.VectorMatch
	for rows.Next() {
		var distance float64
		p, err := scanProperty(rows, &distance)
		if err != nil {
			return nil, fmt.Errorf("postgres: VectorSearch scan: %w", err)
		}
		matches = append(matches, storage.VectorMatch{Property: *p, Distance: distance})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: VectorSearch rows: %w", err)
	}
	return matches, nil
}

func (s *Store) vectorSearchInProcess(ctx context.Context, query []float32, opts storage.SearchOptions) ([]storage.VectorMatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+propertyColumns+`
		FROM properties p
		WHERE p.status = 'active' AND p.embedding_dim = $1
		ORDER BY p.last_sync_at DESC
		LIMIT $2
	`, len(query), fallbackMaxCandidates)
	if err != nil {
		return nil, fmt.Errorf("postgres: VectorSearch query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []storage.VectorMatch
	for rows.Next() {
		p, err := scanProperty(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: VectorSearch scan: %w", err)
		}
		matches = append(matches, storage.VectorMatch{
			Property: *p,
			Distance: storage.CosineDistance(query, p.Embedding),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: VectorSearch rows: %w", err)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Distance < matches[j].Distance
	})
	if len(matches) > opts.Limit {
		matches = matches[:opts.Limit]
	}
	return matches, nil
}

// TextSearch performs tsvector full-text search over active properties using
// the portuguese configuration. The returned rank is ts_rank_cd.
func (s *Store) TextSearch(ctx context.Context, query string, opts storage.SearchOptions) ([]storage.TextMatch, error) {
	opts.Normalize()

	tsQuery := buildTSQuery(query)
	if tsQuery == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		WITH q AS (SELECT to_tsquery('portuguese', fold_accents($1)) AS query)
		SELECT `+propertyColumns+`, ts_rank_cd(p.search_tsv, q.query) AS rank
		FROM properties p, q
		WHERE p.search_tsv @@ q.query AND p.status = 'active'
		ORDER BY rank DESC, p.id
		LIMIT $2
	`, tsQuery, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: TextSearch query %q: %w", query, err)
	}
	defer func() { _ = rows.Close() }()

	var matches []storage.TextMatch
	for rows.Next() {
		var rank float64
		p, err := scanProperty(rows, &rank)
		if err != nil {
			return nil, fmt.Errorf("postgres: TextSearch scan: %w", err)
		}
		if rank < 0 {
			rank = 0
		}
		matches = append(matches, storage.TextMatch{Property: *p, Rank: rank})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: TextSearch rows: %w", err)
	}
	return matches, nil
}

// buildTSQuery converts a free-form lead message into a to_tsquery
// expression with prefix matching and OR semantics for recall.
//
// Example: "Quero um apartamento no Centro" → "apartamento:* | centro:*"
func buildTSQuery(query string) string {
	terms := storage.QueryTerms(query)
	if len(terms) == 0 {
		return ""
	}
	for i, t := range terms {
		terms[i] = t + ":*"
	}
	return strings.Join(terms, " | ")
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// scanProperty scans propertyColumns followed by any extra destinations.
func scanProperty(row scanner, extra ...interface{}) (*types.Property, error) {
	var (
		p                                         types.Property
		street, neighborhood, city, state, postal sql.NullString
		propertyType, url, embeddingModel, hash   sql.NullString
		status                                    string
		embedding                                 []byte
	)

	dest := []interface{}{
		&p.ID, &p.Title, &p.Description, &p.Price,
		&street, &neighborhood, &city, &state, &postal,
		&p.Bedrooms, &propertyType, &url, &status,
		&embedding, &embeddingModel, &hash,
		&p.LastSyncAt, &p.CreatedAt, &p.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	vec, err := storage.DecodeVector(embedding)
	if err != nil {
		return nil, err
	}

	p.Address = types.Address{
		Street:       street.String,
		Neighborhood: neighborhood.String,
		City:         city.String,
		State:        state.String,
		PostalCode:   postal.String,
	}
	p.PropertyType = propertyType.String
	p.URL = url.String
	p.Status = types.PropertyStatus(status)
	p.Embedding = vec
	p.EmbeddingModel = embeddingModel.String
	p.ContentHash = hash.String
	p.LastSyncAt = p.LastSyncAt.UTC()
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}
