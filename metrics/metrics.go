package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gauges
var (
	ConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signstream_connection_state",
		Help: "Persistent channel state (0 disconnected, 1 connecting, 2 connected, 3 closing)",
	})
	PendingSamples = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signstream_batch_pending_samples",
		Help: "PCM samples waiting for the next batch flush",
	})
	PlaybackQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signstream_playback_queue_length",
		Help: "Response audio items queued, including the one playing",
	})
)

// Counters
var (
	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signstream_frames_total",
		Help: "Video frames evaluated by the gate, by outcome",
	}, []string{"outcome"})
	BatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signstream_batches_total",
		Help: "Audio batches flushed, by outcome",
	}, []string{"outcome"})
	SamplesSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signstream_samples_sent_total",
		Help: "PCM samples handed to a transport",
	})
	PayloadsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signstream_payloads_dropped_total",
		Help: "Outbound payloads dropped because the channel was not connected",
	}, []string{"kind"})
	SenderBusyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signstream_sender_busy_total",
		Help: "Outbound payloads dropped because the previous send of the same kind was still in flight",
	}, []string{"kind"})
	SynthesisDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signstream_synthesis_dropped_total",
		Help: "Local synthesis requests dropped because the synthesizer was busy",
	})
	ReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signstream_reconnects_total",
		Help: "Reconnect attempts after an unexpected close",
	})
	EnvelopesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signstream_envelopes_total",
		Help: "Inbound response envelopes, by kind",
	}, []string{"kind"})
	MalformedMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signstream_malformed_messages_total",
		Help: "Inbound messages that could not be parsed",
	})
	FallbackRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signstream_fallback_requests_total",
		Help: "One-shot fallback uploads, by payload and outcome",
	}, []string{"payload", "outcome"})
	PlaybackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signstream_playback_total",
		Help: "Response audio items finished, by outcome",
	}, []string{"outcome"})
	RecognizerRestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signstream_recognizer_restarts_total",
		Help: "Local recognition streams restarted in continuous mode",
	})
)

// Histograms
var (
	FrameBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "signstream_frame_bytes",
		Help:    "Encoded JPEG size of sent frames",
		Buckets: prometheus.ExponentialBuckets(1024, 2, 8),
	})
	FallbackLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "signstream_fallback_duration_ms",
		Help:    "Fallback upload round trip in milliseconds",
		Buckets: []float64{25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"payload"})
)
