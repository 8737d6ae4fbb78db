package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the reduction pipeline.
// All record methods accept a nil receiver, so the pipeline runs the
// same with metrics disabled.
type Metrics struct {
	pagesTotal        prometheus.Counter
	rowsTotal         *prometheus.CounterVec
	bytesInTotal      prometheus.Counter
	bytesOutTotal     prometheus.Counter
	numericWarnings   prometheus.Counter
	pageSeconds       prometheus.Histogram
	lastPageTimestamp prometheus.Gauge
	buildInfo         *prometheus.GaugeVec
}

// NewMetrics creates and registers all pipeline metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		pagesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dadafits_pages_total",
				Help: "Total pages read from the input",
			},
		),
		rowsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dadafits_rows_total",
				Help: "Total table rows written by beam kind",
			},
			[]string{"kind"}, // tab, syn
		),
		bytesInTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dadafits_bytes_in_total",
				Help: "Total bytes read from the input",
			},
		),
		bytesOutTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dadafits_bytes_out_total",
				Help: "Total table data bytes handed to the writer",
			},
		),
		numericWarnings: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dadafits_numeric_warnings_total",
				Help: "Total channels whose scaling produced non finite values",
			},
		),
		pageSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dadafits_page_seconds",
				Help:    "Wall time spent reducing one page",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5}, // real time is one page per 1.024s
			},
		),
		lastPageTimestamp: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dadafits_last_page_timestamp",
				Help: "Unix timestamp of the last page processed",
			},
		),
		buildInfo: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dadafits_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}
	m.buildInfo.WithLabelValues(Version).Set(1)

	log.Println("Prometheus metrics initialized")
	return m
}

// RecordPage counts one reduced page and the wall time it took.
func (m *Metrics) RecordPage(bytes int, seconds float64) {
	if m == nil {
		return
	}
	m.pagesTotal.Inc()
	m.bytesInTotal.Add(float64(bytes))
	m.pageSeconds.Observe(seconds)
	m.lastPageTimestamp.Set(float64(time.Now().Unix()))
}

// RecordRow counts one written table row. Kind is "tab" for tied-array
// beams and "syn" for synthesized beams.
func (m *Metrics) RecordRow(kind string, bytes int) {
	if m == nil {
		return
	}
	m.rowsTotal.WithLabelValues(kind).Inc()
	m.bytesOutTotal.Add(float64(bytes))
}

// RecordNumericWarnings counts channels that scaled to non finite values.
func (m *Metrics) RecordNumericWarnings(count int) {
	if m == nil || count == 0 {
		return
	}
	m.numericWarnings.Add(float64(count))
}

// StartListener serves /metrics on the given address until the context
// is canceled. Serving runs beside the data path and never blocks it.
func (m *Metrics) StartListener(ctx context.Context, addr string) {
	if m == nil || addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux}

	log.Printf("Serving metrics on http://%s/metrics", addr)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("ERROR: Metrics listener failed: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
}
