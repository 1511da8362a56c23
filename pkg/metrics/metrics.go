// Package metrics exposes resource and lifecycle counters of the viewport
// engine as Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mriviewer"

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Engines        prometheus.Gauge
	Viewports      prometheus.Gauge
	ToolGroups     prometheus.Gauge
	Overlays       prometheus.Gauge
	PrefetchActive prometheus.Gauge
	FramesLoaded   prometheus.Counter
	PrefetchFailed prometheus.Counter
	Transitions    *prometheus.CounterVec
	TeardownErrors prometheus.Counter
	SetupDuration  *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Engines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "rendering_engines",
			Help: "Rendering engines currently alive.",
		}),
		Viewports: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "viewports",
			Help: "Enabled viewports currently alive.",
		}),
		ToolGroups: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "tool_groups",
			Help: "Registered tool groups.",
		}),
		Overlays: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "segmentation_overlays",
			Help: "Registered labelmap overlays.",
		}),
		PrefetchActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "prefetch_active",
			Help: "Stacks with a prefetch in progress.",
		}),
		FramesLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_loaded_total",
			Help: "Frames decoded by the image loaders.",
		}),
		PrefetchFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "prefetch_failures_total",
			Help: "Frames that failed to prefetch.",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "viewer_transitions_total",
			Help: "Viewer state transitions by target state.",
		}, []string{"state"}),
		TeardownErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "teardown_errors_total",
			Help: "Errors swallowed while releasing viewer resources.",
		}),
		SetupDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "viewer_setup_seconds",
			Help:    "Time from mount to Ready or Error.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Engines, m.Viewports, m.ToolGroups, m.Overlays, m.PrefetchActive,
			m.FramesLoaded, m.PrefetchFailed, m.Transitions, m.TeardownErrors,
			m.SetupDuration,
		)
	}
	return m
}

func (m *Metrics) EngineCreated() {
	if m != nil {
		m.Engines.Inc()
	}
}

func (m *Metrics) EngineDestroyed() {
	if m != nil {
		m.Engines.Dec()
	}
}

func (m *Metrics) ViewportEnabled() {
	if m != nil {
		m.Viewports.Inc()
	}
}

func (m *Metrics) ViewportDestroyed() {
	if m != nil {
		m.Viewports.Dec()
	}
}

func (m *Metrics) GroupCreated() {
	if m != nil {
		m.ToolGroups.Inc()
	}
}

func (m *Metrics) GroupDestroyed() {
	if m != nil {
		m.ToolGroups.Dec()
	}
}

func (m *Metrics) OverlayAdded() {
	if m != nil {
		m.Overlays.Inc()
	}
}

func (m *Metrics) OverlayRemoved() {
	if m != nil {
		m.Overlays.Dec()
	}
}

func (m *Metrics) PrefetchStarted() {
	if m != nil {
		m.PrefetchActive.Inc()
	}
}

func (m *Metrics) PrefetchStopped() {
	if m != nil {
		m.PrefetchActive.Dec()
	}
}

func (m *Metrics) FrameLoaded() {
	if m != nil {
		m.FramesLoaded.Inc()
	}
}

func (m *Metrics) PrefetchFailure() {
	if m != nil {
		m.PrefetchFailed.Inc()
	}
}

func (m *Metrics) Transition(state string) {
	if m != nil {
		m.Transitions.WithLabelValues(state).Inc()
	}
}

func (m *Metrics) TeardownError() {
	if m != nil {
		m.TeardownErrors.Inc()
	}
}

// SetupFinished observes the setup duration in seconds for outcome
// ("ready", "error" or "canceled").
func (m *Metrics) SetupFinished(outcome string, seconds float64) {
	if m != nil {
		m.SetupDuration.WithLabelValues(outcome).Observe(seconds)
	}
}
