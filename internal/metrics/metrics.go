// Package metrics turns engine events into Prometheus series and a small
// health summary.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chaz8081/elm327-ble/internal/elm327"
	"github.com/chaz8081/elm327-ble/internal/elm327/protocol"
)

// Health is a point-in-time summary for the /health endpoint.
type Health struct {
	State          string    `json:"state"`
	CommandsSent   uint64    `json:"commands_sent"`
	Responses      uint64    `json:"responses"`
	DecodeFailures uint64    `json:"decode_failures"`
	AdapterErrors  uint64    `json:"adapter_errors"`
	Timeouts       uint64    `json:"timeouts"`
	InitFailures   uint64    `json:"init_failures"`
	LastResponse   time.Time `json:"last_response,omitempty"`
}

// Metrics implements elm327.Observer. It owns its registry so several
// instances can coexist in tests.
type Metrics struct {
	reg *prometheus.Registry

	state          prometheus.Gauge
	commandsSent   *prometheus.CounterVec
	responses      prometheus.Counter
	latency        prometheus.Histogram
	decodeFailures prometheus.Counter
	adapterErrors  *prometheus.CounterVec
	timeouts       prometheus.Counter
	truncated      prometheus.Counter
	initFailures   prometheus.Counter

	mu     sync.Mutex
	health Health
	now    func() time.Time
}

// New creates the collectors and registers them, plus the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "elm327_state",
			Help: "Engine connection state (0 disconnected, 1 connecting, 2 initializing, 3 ready, 4 awaiting response, 5 error)",
		}),
		commandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elm327_commands_sent_total",
			Help: "Commands written to the adapter",
		}, []string{"kind"}),
		responses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "elm327_responses_total",
			Help: "Complete replies received",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "elm327_response_latency_seconds",
			Help:    "Time from command write to prompt",
			Buckets: []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5},
		}),
		decodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "elm327_decode_failures_total",
			Help: "Replies that could not be decoded",
		}),
		adapterErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elm327_adapter_errors_total",
			Help: "Error statuses reported by the adapter",
		}, []string{"status"}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "elm327_timeouts_total",
			Help: "Commands that got no reply in time",
		}),
		truncated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "elm327_truncated_responses_total",
			Help: "Replies that overflowed the receive buffer",
		}),
		initFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "elm327_init_failures_total",
			Help: "Failed adapter initialization attempts",
		}),
		health: Health{State: elm327.StateDisconnected.String()},
		now:    time.Now,
	}
	m.reg.MustRegister(
		m.state, m.commandsSent, m.responses, m.latency, m.decodeFailures,
		m.adapterErrors, m.timeouts, m.truncated, m.initFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Health returns a copy of the current summary.
func (m *Metrics) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health
}

func (m *Metrics) StateChanged(_, to elm327.State) {
	m.state.Set(float64(to))
	m.mu.Lock()
	m.health.State = to.String()
	m.mu.Unlock()
}

func (m *Metrics) CommandSent(cmd protocol.Command) {
	m.commandsSent.WithLabelValues(cmd.Kind.String()).Inc()
	m.mu.Lock()
	m.health.CommandsSent++
	m.mu.Unlock()
}

func (m *Metrics) ResponseReceived(_ protocol.Command, latency time.Duration) {
	m.responses.Inc()
	m.latency.Observe(latency.Seconds())
	m.mu.Lock()
	m.health.Responses++
	m.health.LastResponse = m.now()
	m.mu.Unlock()
}

func (m *Metrics) DecodeFailed(protocol.Command, error) {
	m.decodeFailures.Inc()
	m.mu.Lock()
	m.health.DecodeFailures++
	m.mu.Unlock()
}

func (m *Metrics) AdapterError(_ protocol.Command, status protocol.Status) {
	m.adapterErrors.WithLabelValues(status.String()).Inc()
	m.mu.Lock()
	m.health.AdapterErrors++
	m.mu.Unlock()
}

func (m *Metrics) Timeout(protocol.Command) {
	m.timeouts.Inc()
	m.mu.Lock()
	m.health.Timeouts++
	m.mu.Unlock()
}

func (m *Metrics) Truncated() {
	m.truncated.Inc()
}

func (m *Metrics) InitFailed(int) {
	m.initFailures.Inc()
	m.mu.Lock()
	m.health.InitFailures++
	m.mu.Unlock()
}

var _ elm327.Observer = (*Metrics)(nil)
