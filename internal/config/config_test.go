package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/policy-ingest/internal/crawler"
	"github.com/JakeFAU/policy-ingest/internal/lifecycle"
	"github.com/JakeFAU/policy-ingest/internal/storage"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 15*time.Second, cfg.Fetcher.Timeout)
	require.Equal(t, 3, cfg.Fetcher.Retry.MaxAttempts)
	require.Equal(t, 250*time.Millisecond, cfg.Fetcher.Retry.BaseDelay)
	require.False(t, cfg.Renderer.Enabled)
	require.Equal(t, 30*time.Second, cfg.Renderer.NavigationTimeout)
	require.Equal(t, storage.BackendMemory, cfg.Storage.Backend)
	require.Equal(t, []string{"/sitemap.xml"}, cfg.Discovery.SitemapPaths)
	require.Equal(t, lifecycle.DefaultPolicies(), cfg.Lifecycle.Policies)
	require.Equal(t, 0.5, cfg.Content.MinLanguageConfidence)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
fetcher:
  user_agent: policy-bot/2.0
  timeout: 5s
  retry:
    max_attempts: 5
renderer:
  enabled: true
  max_sessions: 3
discovery:
  max_pages: 20
  heuristics:
    rules:
      - document_type: privacy_policy
        url_keywords: [privacy, datenschutz]
    taxonomy:
      privacy_policy: doc-1
lifecycle:
  policies:
    - kind: scrape
      interval: 30s
      threshold: 2m
storage:
  backend: gcs
  prefix: raw
  gcs:
    bucket: policy-snapshots
pubsub:
  project_id: proj
  topic: docs
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, "policy-bot/2.0", cfg.Fetcher.UserAgent)
	require.Equal(t, 5*time.Second, cfg.Fetcher.Timeout)
	require.Equal(t, 5, cfg.Fetcher.Retry.MaxAttempts)
	require.Equal(t, 3, cfg.Renderer.MaxSessions)
	require.Equal(t, 20, cfg.Discovery.MaxPages)
	require.Len(t, cfg.Discovery.Heuristics.Rules, 1)
	require.Equal(t, []string{"privacy", "datenschutz"}, cfg.Discovery.Heuristics.Rules[0].URLKeywords)
	require.Equal(t, "doc-1", cfg.Discovery.Heuristics.Taxonomy["privacy_policy"])
	require.Equal(t, []lifecycle.SweepPolicy{
		{Kind: crawler.JobKindScrape, Interval: 30 * time.Second, Threshold: 2 * time.Minute},
	}, cfg.Lifecycle.Policies)
	require.Equal(t, "policy-snapshots", cfg.Storage.GCS.Bucket)
	require.Equal(t, "docs", cfg.PubSub.Topic)

	d := cfg.DiscoveryDefaults()
	require.Equal(t, "policy-ingest/1.0", d.UserAgent)
	require.Equal(t, 3, d.MaxDepth)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("POLICY_SERVER_PORT", "7070")
	t.Setenv("POLICY_STORAGE_BACKEND", "local")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
	require.Equal(t, storage.BackendLocal, cfg.Storage.Backend)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"auth without key":    "auth:\n  enabled: true\n",
		"bad port":            "server:\n  port: -1\n",
		"unknown backend":     "storage:\n  backend: s3\n",
		"gcs without bucket":  "storage:\n  backend: gcs\n",
		"renderer no slots":   "renderer:\n  enabled: true\n  max_sessions: 0\n",
		"unknown policy kind": "lifecycle:\n  policies:\n    - kind: export\n      interval: 1m\n      threshold: 2m\n",
		"zero sweep interval": "lifecycle:\n  policies:\n    - kind: scrape\n      interval: 0s\n      threshold: 2m\n",
		"confidence above 1":  "pipeline:\n  min_confidence: 1.5\n",
		"zero crawl depth":    "discovery:\n  max_depth: 0\n",
		"zero page budget":    "discovery:\n  max_pages: 0\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}
