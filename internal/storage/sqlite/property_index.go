package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/scrypster/leadbroker/internal/storage"
	"github.com/scrypster/leadbroker/pkg/types"
)

// vectorSearchMaxCandidates caps the number of embeddings loaded into memory
// during a vector search. Embeddings are selected in sync order (newest first).
// Catalogs beyond this size belong on PostgreSQL + pgvector.
const vectorSearchMaxCandidates = 10_000

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

	const query = `
		INSERT INTO properties (
			id, title, description, price,
			street, neighborhood, city, state, postal_code,
			bedrooms, property_type, url, status,
			embedding, embedding_dim, embedding_model, content_hash,
			search_text, last_sync_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
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
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
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
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to upsert property %s: %w", p.ID, err)
	}
	return nil
}

// GetProperty retrieves a property by ID.
func (s *Store) GetProperty(ctx context.Context, id string) (*types.Property, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+propertyColumns+` FROM properties p WHERE p.id = ?`, id)
	p, err := scanProperty(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("property %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get property %s: %w", id, err)
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
		`UPDATE properties SET status = ?, last_sync_at = ?, updated_at = ? WHERE id = ?`,
		string(status), now, now, id)
	if err != nil {
		return fmt.Errorf("sqlite: failed to update property status: %w", err)
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
		where = append(where, "p.status = ?")
		args = append(args, string(opts.PropertyStatus))
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
		return nil, fmt.Errorf("sqlite: failed to count properties: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+propertyColumns+` FROM properties p`+clause+
			` ORDER BY p.last_sync_at DESC, p.id LIMIT ? OFFSET ?`,
		append(args, opts.Limit, opts.Offset())...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list properties: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []types.Property
	for rows.Next() {
		p, err := scanProperty(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan property: %w", err)
		}
		items = append(items, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: failed to iterate properties: %w", err)
	}

	return storage.NewPage(items, total, opts), nil
}

// VectorSearch ranks active properties by cosine distance to query.
// Embeddings are loaded into Go memory and compared there.
func (s *Store) VectorSearch(ctx context.Context, query []float32, opts storage.SearchOptions) ([]storage.VectorMatch, error) {
	opts.Normalize()

	if len(query) == 0 {
		return nil, fmt.Errorf("%w: empty query vector", storage.ErrInvalidInput)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+propertyColumns+`
		FROM properties p
		WHERE p.status = 'active' AND p.embedding_dim = ?
		ORDER BY p.last_sync_at DESC
		LIMIT ?
	`, len(query), vectorSearchMaxCandidates)
	if err != nil {
		return nil, fmt.Errorf("sqlite: VectorSearch query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []storage.VectorMatch
	for rows.Next() {
		p, err := scanProperty(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: VectorSearch scan: %w", err)
		}
		matches = append(matches, storage.VectorMatch{
			Property: *p,
			Distance: storage.CosineDistance(query, p.Embedding),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: VectorSearch rows: %w", err)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Distance < matches[j].Distance
	})
	if len(matches) > opts.Limit {
		matches = matches[:opts.Limit]
	}
	return matches, nil
}

// TextSearch performs FTS5-backed lexical search over active properties.
//
// FTS5 bm25() values are negative (more negative == better match), so the
// returned rank is -bm25 and ordering by bm25 ASC gives the best results first.
func (s *Store) TextSearch(ctx context.Context, query string, opts storage.SearchOptions) ([]storage.TextMatch, error) {
	opts.Normalize()

	ftsQuery := sanitiseFTSQuery(query)
	if ftsQuery == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+propertyColumns+`, -bm25(properties_fts) AS rank
		FROM properties_fts
		JOIN properties p ON p.rowid = properties_fts.rowid
		WHERE properties_fts MATCH ? AND p.status = 'active'
		ORDER BY bm25(properties_fts)
		LIMIT ?
	`, ftsQuery, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: TextSearch MATCH %q: %w", query, err)
	}
	defer func() { _ = rows.Close() }()

	var matches []storage.TextMatch
	for rows.Next() {
		var rank float64
		p, err := scanProperty(rows, &rank)
		if err != nil {
			return nil, fmt.Errorf("sqlite: TextSearch scan: %w", err)
		}
		if rank < 0 {
			rank = 0
		}
		matches = append(matches, storage.TextMatch{Property: *p, Rank: rank})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: TextSearch rows: %w", err)
	}
	return matches, nil
}

// sanitiseFTSQuery converts a free-form lead message into a safe FTS5 MATCH
// expression using prefix matching (term*) with OR semantics for recall.
//
// Example: "Quero um apartamento no Centro" → "apartamento* OR centro*"
func sanitiseFTSQuery(query string) string {
	terms := storage.QueryTerms(query)
	if len(terms) == 0 {
		return ""
	}
	for i, t := range terms {
		terms[i] = t + "*"
	}
	return strings.Join(terms, " OR ")
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
