package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels shared by the recorders.
const (
	OutcomeOK       = "ok"
	OutcomeTimeout  = "timeout"
	OutcomeProtocol = "protocol"
	OutcomeRemote   = "remote"
	OutcomeClosed   = "closed"
	OutcomeLate     = "late"
	OutcomeUnmatch  = "unmatched"

	CacheHit      = "hit"
	CacheMiss     = "miss"
	CacheStoreHit = "store_hit"
	CacheShared   = "shared"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "despot",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests served by the metrics endpoint.",
		},
		[]string{"method", "path", "status"},
	)
	protocolRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "despot",
			Subsystem: "correlator",
			Name:      "requests_total",
			Help:      "Correlated protocol requests by outcome.",
		},
		[]string{"message", "outcome"},
	)
	protocolDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "despot",
			Subsystem: "correlator",
			Name:      "request_duration_seconds",
			Help:      "Round-trip time of correlated protocol requests.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"message"},
	)
	discardedResponses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "despot",
			Subsystem: "correlator",
			Name:      "discarded_total",
			Help:      "Responses dropped because no request was waiting.",
		},
		[]string{"reason"},
	)
	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "despot",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Entity cache lookups by result.",
		},
		[]string{"result"},
	)
	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "despot",
			Subsystem: "transport",
			Name:      "frames_total",
			Help:      "Frames sent and received by outcome.",
		},
		[]string{"direction", "outcome"},
	)
	sessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "despot",
			Subsystem: "transport",
			Name:      "session_state",
			Help:      "1 for the current transport session state.",
		},
		[]string{"state"},
	)
)

var knownStates = []string{"disconnected", "handshaking", "authenticated", "failed"}

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			protocolRequests,
			protocolDuration,
			discardedResponses,
			cacheLookups,
			frames,
			sessionState,
		)
	})
}

func RecordHTTPRequest(method, path string, status int) {
	RegisterMetrics()
	httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
}

func RecordRequest(message, outcome string, duration time.Duration) {
	RegisterMetrics()
	protocolRequests.WithLabelValues(message, outcome).Inc()
	if outcome == OutcomeOK {
		protocolDuration.WithLabelValues(message).Observe(duration.Seconds())
	}
}

func RecordDiscard(reason string) {
	RegisterMetrics()
	discardedResponses.WithLabelValues(reason).Inc()
}

func RecordCacheLookup(result string) {
	RegisterMetrics()
	cacheLookups.WithLabelValues(result).Inc()
}

func RecordFrame(direction, outcome string) {
	RegisterMetrics()
	frames.WithLabelValues(direction, outcome).Inc()
}

func RecordSessionState(state string) {
	RegisterMetrics()
	for _, s := range knownStates {
		v := 0.0
		if s == state {
			v = 1
		}
		sessionState.WithLabelValues(s).Set(v)
	}
}
