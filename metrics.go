package voip

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "vonage_voip"

// Metrics holds the Prometheus instruments for the call coordinator.
type Metrics struct {
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter

	AudioBytesReceived *prometheus.CounterVec
	ForwardDrops       *prometheus.CounterVec

	SubsessionsStarted    prometheus.Counter
	SubsessionStartErrors prometheus.Counter

	TranscriptsPartial prometheus.Counter
	TranscriptsFinal   prometheus.Counter
	TranscriptsDropped prometheus.Counter
}

// DefaultMetrics is the global metrics instance, registered once at startup.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_active",
			Help:      "Number of call sessions currently in the registry",
		}),
		SessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_total",
			Help:      "Total number of call sessions created",
		}),
		AudioBytesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "audio_bytes_received_total",
			Help:      "Audio bytes received per leg",
		}, []string{"leg"}),
		ForwardDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "forward_drops_total",
			Help:      "Outbound frames of any kind dropped because the destination link was absent or its queue was full",
		}, []string{"leg"}),
		SubsessionsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "subsessions_started_total",
			Help:      "Transcription subsessions started",
		}),
		SubsessionStartErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "subsession_start_errors_total",
			Help:      "Transcription subsession starts rejected by the backend",
		}),
		TranscriptsPartial: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transcripts_partial_total",
			Help:      "Partial transcripts received from the ASR backend",
		}),
		TranscriptsFinal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transcripts_final_total",
			Help:      "Final transcripts received from the ASR backend",
		}),
		TranscriptsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transcripts_dropped_total",
			Help:      "Transcripts dropped because no browser link was connected",
		}),
	}
}
