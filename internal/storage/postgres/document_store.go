package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/policy-ingest/internal/crawler"
)

// DocumentStore writes scrape outcomes into a table shaped like scrape_results.
type DocumentStore struct {
	pool  Pool
	table string
}

// NewDocumentStore wraps pool. An empty table name means scrape_results.
func NewDocumentStore(pool Pool, table string) (*DocumentStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "scrape_results"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &DocumentStore{pool: pool, table: table}, nil
}

// SaveScrape inserts one row. Re-saving an ID is a no-op.
func (s *DocumentStore) SaveScrape(ctx context.Context, record crawler.ScrapeRecord) error {
	if record.ID == "" {
		return fmt.Errorf("record id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	job_id,
	url,
	final_url,
	success,
	tier,
	content_hash,
	word_count,
	language,
	status_code,
	snapshot_uri,
	error,
	retrieved_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
) ON CONFLICT (id) DO NOTHING`, s.table)

	args := []any{
		record.ID,
		nullable(record.JobID),
		record.URL,
		nullable(record.FinalURL),
		record.Success,
		nullable(record.Tier),
		nullable(record.ContentHash),
		record.WordCount,
		nullable(record.Language),
		record.StatusCode,
		nullable(record.SnapshotURI),
		nullable(record.Error),
		record.RetrievedAt.UTC(),
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert scrape result: %w", err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
