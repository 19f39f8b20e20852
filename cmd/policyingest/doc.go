// Command policyingest hosts the ingestion service.
//
// Architecture overview:
//   - HTTP API: internal/api exposes health, metrics, synchronous scrape and discovery, and background ingest
//     jobs with their progress logs.
//   - Retrieval: a colly fetch is escalated to a pooled chromedp render only when the fetch cannot be trusted
//     (script-gated page, non-textual body, rate limiting, exhausted retries).
//   - Discovery: robots.txt, sitemaps and a bounded same-site crawl yield classified policy candidates.
//   - Ingest: candidates are scraped, archived by content hash (memory, local disk or GCS), published to Pub/Sub
//     for analysis and recorded in Postgres when a DSN is configured.
//   - Lifecycle: a guard periodically fails jobs stuck in pending or running past their kind's threshold.
//
// Quick checklist:
//   - Configure env vars with the POLICY_ prefix, e.g. POLICY_SERVER_PORT, POLICY_DB_DSN, POLICY_PUBSUB_PROJECT_ID,
//     POLICY_STORAGE_BACKEND, POLICY_RENDERER_ENABLED.
//   - Run locally: go run ./cmd/policyingest -config config.yaml (or rely solely on env overrides).
//   - The process drains in-flight ingests on SIGTERM for server.shutdown_timeout, then fails what remains.
package main
