package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var pagesRendered = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "docpages_pages_rendered_total",
	Help: "Pages rasterized and stored, labelled by image format",
}, []string{"format"})

var pagesSkipped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "docpages_pages_skipped_total",
	Help: "Pages skipped because a record already existed",
})

var pageRenderDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "docpages_page_render_duration_seconds",
	Help:    "Time spent rendering and encoding one page",
	Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
}, []string{"rasterizer"})

var runsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "docpages_runs_total",
	Help: "Rasterization runs labelled by result",
}, []string{"result"})

var jobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "docpages_jobs_submitted_total",
	Help: "Jobs scheduled labelled by execution mode and kind",
}, []string{"mode", "kind"})

var activeLocalRuns = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "docpages_active_local_runs",
	Help: "Local rasterization runs currently holding a worker slot",
})

func capturePageMetrics(rasterizer string, format string, elapsed time.Duration) {
	pagesRendered.WithLabelValues(format).Inc()
	pageRenderDuration.WithLabelValues(rasterizer).Observe(elapsed.Seconds())
}
