// Package metrics exposes in-process Prometheus counters and histograms for
// the archive engine's operations. There is no HTTP server in this repo to
// scrape them from; Metrics is used as an in-process instrumentation
// library, and Stats-style snapshots elsewhere (see internal/domain) give
// callers point-in-time numbers without needing a registry at all.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every counter/histogram the writer and overlay record
// against. The reader and verifier record nothing; ObserveOpen has no caller.
type Metrics struct {
	chunksPlanned   prometheus.Counter
	dedupHits       prometheus.Counter
	bytesByCodec    *prometheus.CounterVec
	sealDuration    prometheus.Histogram
	openDuration    prometheus.Histogram
	overlayOps      *prometheus.CounterVec
	compactDuration prometheus.Histogram
}

// New registers metrics against the default Prometheus registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers metrics against reg instead of the default
// registry — useful in tests, where registering the same metric names
// twice against the default registry panics.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		chunksPlanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arx", Subsystem: "writer", Name: "chunks_planned_total",
			Help: "Total chunks produced during planning, before dedup.",
		}),
		dedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arx", Subsystem: "writer", Name: "dedup_hits_total",
			Help: "Total chunks that matched a previously-seen content hash.",
		}),
		bytesByCodec: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arx", Subsystem: "writer", Name: "bytes_by_codec_total",
			Help: "Compressed bytes written to the data region, by codec.",
		}, []string{"codec"}),
		sealDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "arx", Subsystem: "aead", Name: "seal_duration_seconds",
			Help: "Time spent sealing a region or chunk.",
		}),
		openDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "arx", Subsystem: "aead", Name: "open_duration_seconds",
			Help: "Time spent authenticating and decrypting a region or chunk.",
		}),
		overlayOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arx", Subsystem: "overlay", Name: "operations_total",
			Help: "Overlay operations, by kind.",
		}, []string{"op"}),
		compactDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "arx", Subsystem: "overlay", Name: "compact_duration_seconds",
			Help: "Time spent materializing and re-packing during compaction.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.chunksPlanned, m.dedupHits, m.bytesByCodec,
		m.sealDuration, m.openDuration, m.overlayOps, m.compactDuration,
	} {
		reg.MustRegister(c)
	}
	return m
}

// ChunkPlanned records one chunk discovered during planning. A nil receiver
// is a no-op, so callers can carry a *Metrics that is unset when metrics are
// disabled without guarding every call site.
func (m *Metrics) ChunkPlanned() {
	if m == nil {
		return
	}
	m.chunksPlanned.Inc()
}

// DedupHit records one chunk that matched a previously-seen hash.
func (m *Metrics) DedupHit() {
	if m == nil {
		return
	}
	m.dedupHits.Inc()
}

// BytesWritten records n compressed bytes written under the named codec.
func (m *Metrics) BytesWritten(codecName string, n int) {
	if m == nil {
		return
	}
	m.bytesByCodec.WithLabelValues(codecName).Add(float64(n))
}

// ObserveSeal records how long an AEAD seal took.
func (m *Metrics) ObserveSeal(d time.Duration) {
	if m == nil {
		return
	}
	m.sealDuration.Observe(d.Seconds())
}

// ObserveOpen records how long an AEAD open took.
func (m *Metrics) ObserveOpen(d time.Duration) {
	if m == nil {
		return
	}
	m.openDuration.Observe(d.Seconds())
}

// OverlayOp records one overlay operation of the given kind ("put",
// "delete", "rename", "set_policy"); compaction is timed by ObserveCompact
// instead.
func (m *Metrics) OverlayOp(kind string) {
	if m == nil {
		return
	}
	m.overlayOps.WithLabelValues(kind).Inc()
}

// ObserveCompact records how long a compaction took.
func (m *Metrics) ObserveCompact(d time.Duration) {
	if m == nil {
		return
	}
	m.compactDuration.Observe(d.Seconds())
}
