// Package storage selects the raw snapshot backend and names snapshot objects.
package storage

import (
	"context"
	"fmt"
	"mime"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/policy-ingest/internal/crawler"
	"github.com/JakeFAU/policy-ingest/internal/storage/gcs"
	"github.com/JakeFAU/policy-ingest/internal/storage/local"
	"github.com/JakeFAU/policy-ingest/internal/storage/memory"
)

// Backends.
const (
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
)

// Config picks a backend and the object prefix.
type Config struct {
	Backend string       `mapstructure:"backend" validate:"oneof=memory local gcs"`
	Prefix  string       `mapstructure:"prefix"`
	Local   local.Config `mapstructure:"local"`
	GCS     gcs.Config   `mapstructure:"gcs"`
}

// Open builds the configured blob store. The returned close function is never nil.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (crawler.BlobStore, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case "", BackendMemory:
		return memory.NewBlobStore(), noop, nil
	case BackendLocal:
		store, err := local.New(cfg.Local)
		if err != nil {
			return nil, noop, fmt.Errorf("open local storage: %w", err)
		}
		return store, noop, nil
	case BackendGCS:
		store, err := gcs.Open(ctx, cfg.GCS, logger)
		if err != nil {
			return nil, noop, fmt.Errorf("open gcs storage: %w", err)
		}
		return store, store.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// SnapshotPath names a raw snapshot <prefix>/<host>/<hash>.<ext>. The same
// content on the same host always maps to the same object.
func SnapshotPath(prefix, rawURL, hash, contentType string) string {
	host := crawler.HostKey(rawURL)
	return path.Join(strings.Trim(prefix, "/"), host, hash+"."+extensionFor(contentType))
}

func extensionFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "bin"
	}
	switch {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		return "html"
	case mediaType == "text/plain":
		return "txt"
	case mediaType == "text/markdown":
		return "md"
	case strings.HasSuffix(mediaType, "xml"):
		return "xml"
	case strings.HasSuffix(mediaType, "json"):
		return "json"
	default:
		return "bin"
	}
}
