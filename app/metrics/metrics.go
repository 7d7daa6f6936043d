package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "payments"

var (
	paymentsInitiated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "initiated_total",
		Help:      "Payment initiations by outcome.",
	}, []string{"outcome"})

	paymentsTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "terminal_total",
		Help:      "Terminal transitions applied, by status and source.",
	}, []string{"status", "source"})

	terminalConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "terminal_conflicts_total",
		Help:      "Terminal writes rejected because the attempt was already terminal.",
	}, []string{"kind"})

	callbacksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_callbacks_total",
		Help:      "Inbound provider callbacks by processing result.",
	}, []string{"result"})

	gatewayRequests = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "gateway_request_duration_seconds",
		Help:      "Latency of outbound mobile-money gateway calls.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
	}, []string{"operation", "outcome"})
)

func IncInitiated(outcome string) {
	paymentsInitiated.WithLabelValues(outcome).Inc()
}

func IncTerminal(status, source string) {
	paymentsTerminal.WithLabelValues(status, source).Inc()
}

// IncTerminalConflict records a rejected terminal write. kind is "duplicate"
// when the same result arrived twice and "conflict" when it differed.
func IncTerminalConflict(kind string) {
	terminalConflicts.WithLabelValues(kind).Inc()
}

func IncCallback(result string) {
	callbacksReceived.WithLabelValues(result).Inc()
}

func ObserveGatewayRequest(operation string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	gatewayRequests.WithLabelValues(operation, outcome).Observe(time.Since(start).Seconds())
}
