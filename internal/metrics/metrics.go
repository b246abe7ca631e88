package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry served on /metrics.
	Registry = prometheus.NewRegistry()

	// PollCycles counts refresh attempts per polling stream and outcome.
	PollCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "evconduit_poll_cycles_total", Help: "Poll cycles by stream and outcome."},
		[]string{"stream", "outcome"},
	)
	// WebhookPushes counts inbound push deliveries by outcome.
	WebhookPushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "evconduit_webhook_pushes_total", Help: "Inbound webhook pushes by outcome."},
		[]string{"outcome"},
	)
	// TelemetrySends counts telemetry relay attempts by outcome.
	TelemetrySends = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "evconduit_telemetry_sends_total", Help: "Telemetry relay sends by outcome."},
		[]string{"outcome"},
	)
	// OdometerUpdates counts odometer auto-update attempts by outcome.
	OdometerUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "evconduit_odometer_updates_total", Help: "Odometer auto-updates by outcome."},
		[]string{"outcome"},
	)
	// HTTPRequests counts control API requests by method, path, and status.
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "evconduit_http_requests_total", Help: "Control API requests."},
		[]string{"method", "path", "status"},
	)
)

var regOnce sync.Once

// RegisterDefault registers all collectors on the dedicated registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(PollCycles)
		Registry.MustRegister(WebhookPushes)
		Registry.MustRegister(TelemetrySends)
		Registry.MustRegister(OdometerUpdates)
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}
