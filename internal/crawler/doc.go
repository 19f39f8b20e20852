// Package crawler holds the domain types shared by every ingestion component:
// job and progress log records, retrieval results, discovery candidates, the
// error taxonomy with its retry predicate, and the small interfaces the
// components are wired through.
package crawler
