package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeConversations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "interpreter_active_conversations",
		Help: "Number of conversations with live upstream/transcoder resources",
	})

	connectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "interpreter_connected_clients",
		Help: "Number of subscribed client connections",
	})

	upstreamConnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interpreter_upstream_connects_total",
		Help: "Upstream recognition connection attempts by outcome",
	}, []string{"outcome"}) // outcome: "open", "error", "closed", "normal_close"

	reconnectDelay = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "interpreter_upstream_reconnect_delay_seconds",
		Help:    "Scheduled reconnection delays",
		Buckets: []float64{1, 2, 4, 8, 16, 30},
	})

	transcoderFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interpreter_transcoder_failures_total",
		Help: "Transcoder subprocess crashes or spawn failures",
	})

	utterancesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interpreter_utterances_total",
		Help: "Completed utterances received from upstream recognition",
	})

	pipelineStepLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "interpreter_pipeline_step_latency_seconds",
		Help:    "Post-transcription pipeline step latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	}, []string{"step"})

	pipelineErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interpreter_pipeline_errors_total",
		Help: "Post-transcription pipeline step failures",
	}, []string{"step"})

	broadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interpreter_broadcast_events_total",
		Help: "Events fanned out to clients by type",
	}, []string{"type"})

	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "interpreter_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interpreter_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interpreter_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" (client), "upstream", "tts"
)

// ConversationStarted records creation of a conversation session
func ConversationStarted() { activeConversations.Inc() }

// ConversationEnded records teardown of a conversation session
func ConversationEnded() { activeConversations.Dec() }

// ClientConnected records a client subscription
func ClientConnected() { connectedClients.Inc() }

// ClientDisconnected records a client unsubscription
func ClientDisconnected() { connectedClients.Dec() }

// RecordUpstream records an upstream connection outcome
func RecordUpstream(outcome string) {
	upstreamConnects.WithLabelValues(outcome).Inc()
}

// RecordReconnectDelay records a scheduled reconnection delay
func RecordReconnectDelay(d time.Duration) {
	reconnectDelay.Observe(d.Seconds())
}

// RecordTranscoderFailure records a fatal transcoder error
func RecordTranscoderFailure() { transcoderFailures.Inc() }

// RecordUtterance records a completed utterance
func RecordUtterance() { utterancesTotal.Inc() }

// StepTimer measures a single pipeline step
type StepTimer struct {
	step  string
	start time.Time
}

// StartStep begins timing a pipeline step
func StartStep(step string) *StepTimer {
	return &StepTimer{step: step, start: time.Now()}
}

// End records the step latency and, on failure, the error counter
func (s *StepTimer) End(success bool) {
	pipelineStepLatency.WithLabelValues(s.step).Observe(time.Since(s.start).Seconds())
	if !success {
		pipelineErrors.WithLabelValues(s.step).Inc()
	}
}

// RecordBroadcast records an outbound event
func RecordBroadcast(eventType string) {
	broadcastsTotal.WithLabelValues(eventType).Inc()
}

// RecordAudioBytes records audio bytes processed
func RecordAudioBytes(direction string, bytes int) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
