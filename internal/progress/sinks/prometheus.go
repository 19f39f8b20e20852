package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/policy-ingest/internal/progress"
)

// PrometheusSink exports ingestion progress via Prometheus. It owns the job,
// scrape and discovery collectors fed by progress events.
type PrometheusSink struct {
	jobsStarted   prometheus.Counter
	jobsCompleted *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobRuntime    *prometheus.HistogramVec

	scrapes        *prometheus.CounterVec
	scrapeBytes    *prometheus.CounterVec
	scrapeDuration *prometheus.HistogramVec

	discoveries         *prometheus.CounterVec
	discoveryCandidates *prometheus.CounterVec
	discoveryPages      *prometheus.CounterVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_jobs_started_total",
			Help: "Total jobs that have started.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_jobs_completed_total",
			Help: "Total jobs that reached a terminal state, partitioned by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_jobs_running",
			Help: "Current number of running jobs.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingest_job_runtime_seconds",
			Help:    "Wall time per completed job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		scrapes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_scrapes_total",
			Help: "Scrape completions partitioned by site, tier and status class.",
		}, []string{"site", "tier", "status_class"}),
		scrapeBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_scrape_bytes_total",
			Help: "Raw bytes retrieved per site.",
		}, []string{"site"}),
		scrapeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingest_scrape_duration_seconds",
			Help:    "Scrape duration partitioned by tier.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"tier"}),
		discoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_discoveries_total",
			Help: "Discovery runs partitioned by result.",
		}, []string{"result"}),
		discoveryCandidates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_discovery_candidates_total",
			Help: "Candidate policy documents found per site.",
		}, []string{"site"}),
		discoveryPages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_discovery_pages_total",
			Help: "Pages fetched by discovery crawls per site.",
		}, []string{"site"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsCompleted,
		s.jobsRunning,
		s.jobRuntime,
		s.scrapes,
		s.scrapeBytes,
		s.scrapeDuration,
		s.discoveries,
		s.discoveryCandidates,
		s.discoveryPages,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageJobStart, progress.StageJobDone, progress.StageJobError, progress.StageJobTimeout:
		s.handleJobEvent(evt)
	case progress.StageScrapeDone:
		s.handleScrapeEvent(evt)
	case progress.StageDiscoveryDone:
		s.handleDiscoveryEvent(evt)
	}
}

func (s *PrometheusSink) handleJobEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageJobStart:
		s.jobsStarted.Inc()
		if s.tracker.start(evt.JobID) {
			s.jobsRunning.Inc()
		}
		return
	case progress.StageJobDone:
		s.jobsCompleted.WithLabelValues("success").Inc()
		s.observeRuntime(evt, "success")
	case progress.StageJobError:
		s.jobsCompleted.WithLabelValues("error").Inc()
		s.observeRuntime(evt, "error")
	case progress.StageJobTimeout:
		s.jobsCompleted.WithLabelValues("timeout").Inc()
	}
	if s.tracker.complete(evt.JobID) {
		s.jobsRunning.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.jobRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleScrapeEvent(evt progress.Event) {
	site := siteLabel(evt.Site)
	tier := evt.Tier
	if tier == "" {
		tier = "none"
	}
	statusClass := string(evt.StatusClass)
	if statusClass == "" {
		statusClass = string(progress.StatusOther)
	}
	s.scrapes.WithLabelValues(site, tier, statusClass).Inc()
	if evt.Bytes > 0 {
		s.scrapeBytes.WithLabelValues(site).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.scrapeDuration.WithLabelValues(tier).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleDiscoveryEvent(evt progress.Event) {
	site := siteLabel(evt.Site)
	result := "failure"
	if evt.Success {
		result = "success"
	}
	s.discoveries.WithLabelValues(result).Inc()
	if evt.Count > 0 {
		s.discoveryCandidates.WithLabelValues(site).Add(float64(evt.Count))
	}
	if evt.Pages > 0 {
		s.discoveryPages.WithLabelValues(site).Add(float64(evt.Pages))
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func siteLabel(site string) string {
	if site == "" {
		return "unknown"
	}
	return site
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
