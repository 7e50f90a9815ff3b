// Package metrics provides Prometheus instrumentation for session
// workflows: live session counts, phase transitions and step failures.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shehryarbajwa/docfetch/internal/session"
	"github.com/shehryarbajwa/docfetch/pkg/models"
)

var (
	// LiveSessions tracks sessions that have not reached closed.
	LiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "docfetch_live_sessions",
		Help: "Current number of sessions not yet closed",
	})

	// Transitions counts phase changes, labeled by target phase.
	Transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docfetch_phase_transitions_total",
		Help: "Total number of session phase transitions",
	}, []string{"phase"})

	// StepFailures counts failed steps, labeled by operation and error kind.
	StepFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docfetch_step_failures_total",
		Help: "Total number of failed session steps",
	}, []string{"op", "kind"})

	// DownloadDuration records the time from entering downloading to the
	// artifact appearing or the poll giving up.
	DownloadDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "docfetch_download_duration_seconds",
		Help:    "Time spent waiting for the artifact download",
		Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90},
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		LiveSessions,
		Transitions,
		StepFailures,
		DownloadDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Observer feeds session events into the collectors above.
type Observer struct {
	downloads *syncTimes
}

func NewObserver() *Observer {
	return &Observer{downloads: newSyncTimes()}
}

func (o *Observer) Transition(key models.SessionKey, instance string, from, to models.Phase) {
	Transitions.WithLabelValues(string(to)).Inc()

	switch {
	case from == models.PhaseCreated && to != models.PhaseClosed:
		LiveSessions.Inc()
	case to == models.PhaseClosed && from != models.PhaseCreated:
		LiveSessions.Dec()
	}

	switch to {
	case models.PhaseDownloading:
		o.downloads.start(instance)
	case models.PhaseDownloaded:
		o.observeDownload(instance, "downloaded")
	case models.PhaseDownloadError:
		o.observeDownload(instance, "timeout")
	case models.PhaseClosed:
		o.downloads.stop(instance)
	}
}

func (o *Observer) StepFailed(key models.SessionKey, op string, err error) {
	kind := session.Kind(err)
	if kind == "" {
		kind = "Other"
	}
	StepFailures.WithLabelValues(op, kind).Inc()
}

func (o *Observer) observeDownload(instance, outcome string) {
	if started, ok := o.downloads.stop(instance); ok {
		DownloadDuration.WithLabelValues(outcome).Observe(time.Since(started).Seconds())
	}
}
