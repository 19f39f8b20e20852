package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/policy-ingest/internal/crawler"
)

// DocumentStore records scrape outcomes in memory.
type DocumentStore struct {
	mu      sync.RWMutex
	records []crawler.ScrapeRecord
}

// NewDocumentStore constructs a DocumentStore.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{}
}

// SaveScrape appends record.
func (s *DocumentStore) SaveScrape(_ context.Context, record crawler.ScrapeRecord) error {
	if record.ID == "" {
		return errors.New("record id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

// Records returns the saved outcomes for jobID, or all of them when jobID is empty.
func (s *DocumentStore) Records(jobID string) []crawler.ScrapeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.ScrapeRecord
	for _, r := range s.records {
		if jobID == "" || r.JobID == jobID {
			out = append(out, r)
		}
	}
	return out
}
