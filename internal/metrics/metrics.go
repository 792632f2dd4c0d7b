package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "wikibase_cdc"

// Change outcomes
const (
	OutcomeDelivered = "delivered"
	OutcomeSkipped   = "skipped"
	OutcomeDeleted   = "deleted"
	OutcomeFiltered  = "filtered"
	OutcomeMerged    = "merged"
	OutcomeMalformed = "malformed"
)

// Collector is a prometheus.Collector for the change capture loop.
// A nil *Collector is valid and records nothing.
type Collector struct {
	pages           prometheus.Counter
	changes         *prometheus.CounterVec
	retries         *prometheus.CounterVec
	batches         *prometheus.CounterVec
	cursorTimestamp prometheus.Gauge
	cursorSequence  prometheus.Gauge
	state           *prometheus.GaugeVec
	cycleDuration   prometheus.Histogram
	batchSize       prometheus.Gauge
}

// NewCollector returns a new Collector for the given stream.
func NewCollector(stream string) *Collector {
	labels := prometheus.Labels{"stream": stream}
	return &Collector{
		pages: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace:   metricsNamespace,
				Name:        "pages_total",
				Help:        "The number of recent changes pages fetched.",
				ConstLabels: labels,
			},
		),
		changes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   metricsNamespace,
				Name:        "changes_total",
				Help:        "The number of changes seen, by outcome.",
				ConstLabels: labels,
			}, []string{"outcome"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   metricsNamespace,
				Name:        "retries_total",
				Help:        "The number of transient failures retried, by operation.",
				ConstLabels: labels,
			}, []string{"op"},
		),
		batches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   metricsNamespace,
				Name:        "batches_total",
				Help:        "The number of batches handed to the sink, by result.",
				ConstLabels: labels,
			}, []string{"result"},
		),
		cursorTimestamp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   metricsNamespace,
				Name:        "cursor_timestamp_seconds",
				Help:        "The timestamp of the committed cursor.",
				ConstLabels: labels,
			},
		),
		cursorSequence: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   metricsNamespace,
				Name:        "cursor_sequence",
				Help:        "The sequence id of the committed cursor.",
				ConstLabels: labels,
			},
		),
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   metricsNamespace,
				Name:        "state",
				Help:        "1 for the loop's current state, 0 otherwise.",
				ConstLabels: labels,
			}, []string{"state"},
		),
		cycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace:   metricsNamespace,
				Name:        "cycle_duration_seconds",
				Help:        "The time taken by one capture cycle.",
				Buckets:     []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
				ConstLabels: labels,
			},
		),
		batchSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   metricsNamespace,
				Name:        "feed_batch_size",
				Help:        "The rclimit sent with the last page request.",
				ConstLabels: labels,
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.pages.Describe(ch)
	c.changes.Describe(ch)
	c.retries.Describe(ch)
	c.batches.Describe(ch)
	c.cursorTimestamp.Describe(ch)
	c.cursorSequence.Describe(ch)
	c.state.Describe(ch)
	c.cycleDuration.Describe(ch)
	c.batchSize.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.pages.Collect(ch)
	c.changes.Collect(ch)
	c.retries.Collect(ch)
	c.batches.Collect(ch)
	c.cursorTimestamp.Collect(ch)
	c.cursorSequence.Collect(ch)
	c.state.Collect(ch)
	c.cycleDuration.Collect(ch)
	c.batchSize.Collect(ch)
}

// PageFetched counts one page.
func (c *Collector) PageFetched(batchSize int) {
	if c == nil {
		return
	}
	c.pages.Inc()
	c.batchSize.Set(float64(batchSize))
}

// Changes adds n changes with the given outcome.
func (c *Collector) Changes(outcome string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.changes.WithLabelValues(outcome).Add(float64(n))
}

// Retry counts one transient failure of op.
func (c *Collector) Retry(op string) {
	if c == nil {
		return
	}
	c.retries.WithLabelValues(op).Inc()
}

// Batch counts one delivery attempt result ("committed" or "failed").
func (c *Collector) Batch(result string) {
	if c == nil {
		return
	}
	c.batches.WithLabelValues(result).Inc()
}

// Cursor records the committed position.
func (c *Collector) Cursor(ts time.Time, seq int64) {
	if c == nil {
		return
	}
	c.cursorTimestamp.Set(float64(ts.Unix()))
	c.cursorSequence.Set(float64(seq))
}

// State flips the state gauge to the given state.
func (c *Collector) State(current string, all []string) {
	if c == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		c.state.WithLabelValues(s).Set(v)
	}
}

// CycleDuration observes one cycle.
func (c *Collector) CycleDuration(d time.Duration) {
	if c == nil {
		return
	}
	c.cycleDuration.Observe(d.Seconds())
}

// Serve exposes the registry on listen at /metrics until ctx is done.
func Serve(ctx context.Context, listen string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
