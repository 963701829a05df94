package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/gridcrawler/internal/harvest"
)

// ResultStore upserts deduplicated business listings keyed by external id.
type ResultStore struct {
	pool  pgxPool
	table string
}

var _ harvest.ResultSink = (*ResultStore)(nil)

// NewResultStore wraps an existing pool. An empty table defaults to results.
func NewResultStore(pool pgxPool, table string) (*ResultStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableOrDefault(table, "results")
	if err != nil {
		return nil, err
	}
	return &ResultStore{pool: pool, table: name}, nil
}

// EnsureSchema creates the results table.
func (s *ResultStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	external_id TEXT PRIMARY KEY,
	keyword TEXT NOT NULL,
	source_task_id TEXT NOT NULL,
	name TEXT,
	city TEXT,
	address TEXT,
	category TEXT,
	website TEXT,
	maps_url TEXT,
	phone TEXT,
	latitude DOUBLE PRECISION,
	longitude DOUBLE PRECISION,
	rating DOUBLE PRECISION,
	keywords_found TEXT[] NOT NULL DEFAULT '{}',
	raw JSONB,
	updated_at TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("ensure result schema: %w", err)
	}
	return nil
}

// Upsert inserts the record or refreshes the existing row. keywords_found
// becomes the distinct union of the stored and incoming keywords.
func (s *ResultStore) Upsert(ctx context.Context, record harvest.ResultRecord) error {
	if record.ExternalID == "" {
		return fmt.Errorf("external id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (
	external_id, keyword, source_task_id, name, city, address, category,
	website, maps_url, phone, latitude, longitude, rating, keywords_found, raw, updated_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
)
ON CONFLICT (external_id) DO UPDATE SET
	keyword = EXCLUDED.keyword,
	source_task_id = EXCLUDED.source_task_id,
	name = EXCLUDED.name,
	city = EXCLUDED.city,
	address = EXCLUDED.address,
	category = EXCLUDED.category,
	website = EXCLUDED.website,
	maps_url = EXCLUDED.maps_url,
	phone = EXCLUDED.phone,
	latitude = EXCLUDED.latitude,
	longitude = EXCLUDED.longitude,
	rating = EXCLUDED.rating,
	keywords_found = ARRAY(
		SELECT DISTINCT kw FROM unnest(%[1]s.keywords_found || EXCLUDED.keywords_found) AS kw ORDER BY kw
	),
	raw = EXCLUDED.raw,
	updated_at = EXCLUDED.updated_at`, s.table)

	keywords := record.Keywords
	if keywords == nil {
		keywords = []string{}
	}
	args := []any{
		record.ExternalID,
		record.Keyword,
		record.SourceTaskID,
		record.Name,
		record.City,
		record.Address,
		record.Category,
		record.Website,
		record.MapsURL,
		record.Phone,
		record.Latitude,
		record.Longitude,
		record.Rating,
		keywords,
		rawJSON(record.Raw),
		record.UpdatedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert result %s: %w", record.ExternalID, err)
	}
	return nil
}

// List returns every record ordered by external id.
func (s *ResultStore) List(ctx context.Context) ([]harvest.ResultRecord, error) {
	query := fmt.Sprintf(`
SELECT external_id, keyword, source_task_id, COALESCE(name, ''), COALESCE(city, ''),
	COALESCE(address, ''), COALESCE(category, ''), COALESCE(website, ''),
	COALESCE(maps_url, ''), COALESCE(phone, ''), COALESCE(latitude, 0),
	COALESCE(longitude, 0), COALESCE(rating, 0), keywords_found, raw, updated_at
FROM %s ORDER BY external_id`, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	out := make([]harvest.ResultRecord, 0)
	for rows.Next() {
		var (
			rec harvest.ResultRecord
			raw []byte
		)
		err := rows.Scan(
			&rec.ExternalID, &rec.Keyword, &rec.SourceTaskID, &rec.Name, &rec.City,
			&rec.Address, &rec.Category, &rec.Website, &rec.MapsURL, &rec.Phone,
			&rec.Latitude, &rec.Longitude, &rec.Rating, &rec.Keywords, &raw, &rec.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		if len(raw) > 0 {
			rec.Raw = json.RawMessage(raw)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	return out, nil
}

// Count returns the number of stored records.
func (s *ResultStore) Count(ctx context.Context) (int64, error) {
	var n int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)
	if err := s.pool.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count results: %w", err)
	}
	return n, nil
}

// TruncateAll empties the results table.
func (s *ResultStore) TruncateAll(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`TRUNCATE TABLE %s`, s.table)); err != nil {
		return fmt.Errorf("truncate results: %w", err)
	}
	return nil
}

// Close releases the underlying pool.
func (s *ResultStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func rawJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
