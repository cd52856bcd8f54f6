// Package metrics exposes relay and side-effect counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatrelay"

// Collector owns every metric and the registry they are exposed from.
type Collector struct {
	registry *prometheus.Registry

	activeTasks      prometheus.Gauge
	tasksFinished    *prometheus.CounterVec
	eventsForwarded  *prometheus.CounterVec
	malformedEvents  prometheus.Counter
	upstreamAttempts *prometheus.CounterVec
	upstreamRetries  *prometheus.CounterVec

	jobsSubmitted *prometheus.CounterVec
	jobsDropped   *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	queueDepth    prometheus.Gauge

	fileCacheHits   prometheus.Counter
	fileDownloads   prometheus.Counter
	fileBytes       prometheus.Counter
	fileFailures    prometheus.Counter
	partialsSwept   prometheus.Counter
	contractResults *prometheus.CounterVec
}

// NewCollector registers all metrics on registry, or on a fresh registry when
// nil.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	c := &Collector{
		registry: registry,
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "relay", Name: "active_tasks",
			Help: "Chat tasks currently streaming.",
		}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "tasks_finished_total",
			Help: "Chat tasks by terminal state.",
		}, []string{"state"}),
		eventsForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "events_forwarded_total",
			Help: "Upstream events written to clients by kind.",
		}, []string{"kind"}),
		malformedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "malformed_events_total",
			Help: "Data lines that did not decode as JSON.",
		}),
		upstreamAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "upstream", Name: "attempts_total",
			Help: "Outbound provider calls by operation.",
		}, []string{"op"}),
		upstreamRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "upstream", Name: "retries_total",
			Help: "Retried provider calls by operation.",
		}, []string{"op"}),
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "side_effects", Name: "jobs_submitted_total",
			Help: "Side-effect jobs accepted into the queue.",
		}, []string{"kind"}),
		jobsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "side_effects", Name: "jobs_dropped_total",
			Help: "Side-effect jobs evicted from a full queue.",
		}, []string{"kind"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "side_effects", Name: "jobs_completed_total",
			Help: "Side-effect jobs that finished without error.",
		}, []string{"kind"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "side_effects", Name: "jobs_failed_total",
			Help: "Side-effect jobs that returned an error or panicked.",
		}, []string{"kind"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "side_effects", Name: "job_duration_seconds",
			Help:    "Side-effect job execution time.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"kind"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "side_effects", Name: "queue_depth",
			Help: "Jobs waiting for a worker.",
		}),
		fileCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "file_cache", Name: "hits_total",
			Help: "Fetches served from an existing local file.",
		}),
		fileDownloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "file_cache", Name: "downloads_total",
			Help: "Files downloaded from the provider.",
		}),
		fileBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "file_cache", Name: "downloaded_bytes_total",
			Help: "Bytes written by downloads.",
		}),
		fileFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "file_cache", Name: "download_failures_total",
			Help: "Downloads that failed.",
		}),
		partialsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "file_cache", Name: "partials_swept_total",
			Help: "Stale partial downloads removed by the sweeper.",
		}),
		contractResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "contracts", Name: "saves_total",
			Help: "Contract save outcomes.",
		}, []string{"result"}),
	}
	registry.MustRegister(
		c.activeTasks, c.tasksFinished, c.eventsForwarded, c.malformedEvents,
		c.upstreamAttempts, c.upstreamRetries,
		c.jobsSubmitted, c.jobsDropped, c.jobsCompleted, c.jobsFailed, c.jobDuration, c.queueDepth,
		c.fileCacheHits, c.fileDownloads, c.fileBytes, c.fileFailures, c.partialsSwept,
		c.contractResults,
	)
	return c
}

// Registry returns the registry backing the collector.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

func (c *Collector) TaskStarted()                { c.activeTasks.Inc() }
func (c *Collector) TaskFinished(state string)   { c.activeTasks.Dec(); c.tasksFinished.WithLabelValues(state).Inc() }
func (c *Collector) EventForwarded(kind string)  { c.eventsForwarded.WithLabelValues(kind).Inc() }
func (c *Collector) MalformedEvent()             { c.malformedEvents.Inc() }
func (c *Collector) UpstreamAttempt(op string)   { c.upstreamAttempts.WithLabelValues(op).Inc() }
func (c *Collector) UpstreamRetry(op string)     { c.upstreamRetries.WithLabelValues(op).Inc() }
func (c *Collector) JobSubmitted(kind string)    { c.jobsSubmitted.WithLabelValues(kind).Inc() }
func (c *Collector) JobDropped(kind string)      { c.jobsDropped.WithLabelValues(kind).Inc() }
func (c *Collector) QueueDepth(n int)            { c.queueDepth.Set(float64(n)) }
func (c *Collector) FileCacheHit()               { c.fileCacheHits.Inc() }
func (c *Collector) FileDownloadFailed()         { c.fileFailures.Inc() }
func (c *Collector) PartialsSwept(n int)         { c.partialsSwept.Add(float64(n)) }
func (c *Collector) ContractSaved(result string) { c.contractResults.WithLabelValues(result).Inc() }

// FileDownloaded records one completed download of size bytes.
func (c *Collector) FileDownloaded(size int64) {
	c.fileDownloads.Inc()
	c.fileBytes.Add(float64(size))
}

// JobFinished records the outcome and duration of a side-effect job.
func (c *Collector) JobFinished(kind string, elapsed time.Duration, err error) {
	c.jobDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	if err != nil {
		c.jobsFailed.WithLabelValues(kind).Inc()
		return
	}
	c.jobsCompleted.WithLabelValues(kind).Inc()
}
