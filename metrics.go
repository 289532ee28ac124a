package ftp

import (
	"strconv"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors updated by clients and pools.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	commands    *prometheus.CounterVec
	responses   *prometheus.CounterVec
	transfers   *prometheus.CounterVec
	bytes       *prometheus.CounterVec
	reconnects  prometheus.Counter
	connections prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
// A nil registerer skips registration.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftp",
			Subsystem: "client",
			Name:      "commands_total",
			Help:      "Number of commands sent on control channels.",
		}, []string{"verb"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftp",
			Subsystem: "client",
			Name:      "responses_total",
			Help:      "Number of replies read, by status class.",
		}, []string{"class"}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftp",
			Subsystem: "client",
			Name:      "transfers_total",
			Help:      "Number of finished transfers.",
		}, []string{"direction", "outcome"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftp",
			Subsystem: "client",
			Name:      "transfer_bytes_total",
			Help:      "Bytes moved over data channels.",
		}, []string{"direction"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ftp",
			Subsystem: "client",
			Name:      "reconnects_total",
			Help:      "Reconnects triggered by 421 replies.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ftp",
			Subsystem: "pool",
			Name:      "connections",
			Help:      "Authenticated connections held by pools.",
		}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.commands, m.responses, m.transfers, m.bytes, m.reconnects, m.connections} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "register ftp metrics")
		}
	}
	return m, nil
}

func (m *Metrics) command(verb string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(verb).Inc()
}

func (m *Metrics) response(code int) {
	if m == nil {
		return
	}
	class := "unknown"
	if code >= 100 && code < 600 {
		class = strconv.Itoa(code/100) + "xx"
	}
	m.responses.WithLabelValues(class).Inc()
}

func (m *Metrics) transfer(t *Transfer) {
	if m == nil || t == nil {
		return
	}
	m.transfers.WithLabelValues(t.Direction.String(), t.Outcome.String()).Inc()
}

func (m *Metrics) transferred(d Direction, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytes.WithLabelValues(d.String()).Add(float64(n))
}

func (m *Metrics) reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) poolSize(delta int) {
	if m == nil {
		return
	}
	m.connections.Add(float64(delta))
}
