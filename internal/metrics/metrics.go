package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ordersaga"

var (
	SagasStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sagas_started_total",
		Help:      "The total number of started order sagas",
	})
	SagasCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sagas_completed_total",
		Help:      "The total number of sagas that reached CONFIRMED",
	})
	SagasFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sagas_failed_total",
		Help:      "The total number of sagas moved to FAILED",
	})
	SagaCompensations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "saga_compensations_total",
		Help:      "The total number of completed compensations by cause",
	}, []string{"cause"})
	SagaTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "saga_timeouts_total",
		Help:      "Sweep actions on timed out sagas by state and action",
	}, []string{"state", "action"})

	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_processed_total",
		Help:      "Inbound events by type and outcome",
	}, []string{"event_type", "outcome"})
	HandlerDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "event_handler_duration_seconds",
		Help:      "Time taken to handle an inbound event",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	})

	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dead_letters_total",
		Help:      "Failed events recorded by direction",
	}, []string{"direction"})
	DeadLetterAlerts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dead_letter_alerts_total",
		Help:      "Alerts raised for events that reached the attempt threshold",
	})
	DeadLetterReplays = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dead_letter_replays_total",
		Help:      "Dead letter replays by result",
	}, []string{"result"})

	PublishAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "publish_attempts_total",
		Help:      "Outbound publish attempts by topic and result",
	}, []string{"topic", "result"})
	BreakerStateChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "circuit_breaker_state_changes_total",
		Help:      "Circuit breaker transitions by breaker and target state",
	}, []string{"breaker", "to"})
)
