package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobStart      Stage = "JOB_START"
	StageJobDone       Stage = "JOB_DONE"
	StageJobError      Stage = "JOB_ERROR"
	StageJobTimeout    Stage = "JOB_TIMEOUT"
	StageScrapeDone    Stage = "SCRAPE_DONE"
	StageDiscoveryDone Stage = "DISCOVERY_DONE"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for scrape completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures one ingestion milestone for observability.
type Event struct {
	// JobID is the owning job, empty for ad-hoc scrapes and discoveries.
	JobID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Site scopes scrape and discovery events to a host label.
	Site string
	// URL is the optional page URL; it should not contain credentials.
	URL string
	// Tier is the retrieval tier that produced a scrape ("fetch" or "render").
	Tier string
	// Success reports the outcome of a scrape or discovery.
	Success bool
	// Bytes carries the retrieved content size.
	Bytes int64
	// Count is the number of candidates found by a discovery run.
	Count int64
	// Pages is the number of pages fetched by a discovery crawl.
	Pages int64
	// StatusClass groups HTTP response codes (2xx, 3xx, etc).
	StatusClass StatusClass
	// Dur captures latency for scrapes, discoveries and jobs.
	Dur time.Duration
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobDone, StageJobError, StageJobTimeout:
		if e.JobID == "" {
			return fmt.Errorf("%s requires job id", e.Stage)
		}
	case StageScrapeDone:
		if e.Site == "" {
			return errors.New("scrape done requires site")
		}
		if e.StatusClass == "" {
			return errors.New("scrape done requires status class")
		}
	case StageDiscoveryDone:
		if e.Site == "" {
			return errors.New("discovery done requires site")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for scrape events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
