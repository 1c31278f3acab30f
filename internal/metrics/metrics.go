// Package metrics exposes the session core state and signaling traffic to Prometheus.
package metrics

import (
	"github.com/dkeye/conference/internal/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "sfu"

// StatsSource is read on every scrape.
type StatsSource interface {
	Stats() core.Stats
}

type ConnCounter interface {
	Len() int
}

type Metrics struct {
	Registry *prometheus.Registry

	requests      *prometheus.CounterVec
	notifications *prometheus.CounterVec
}

func New(stats StatsSource, conns ConnCounter) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signal",
			Name:      "requests_total",
			Help:      "Signaling requests handled, by request type and result code.",
		}, []string{"type", "code"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signal",
			Name:      "notifications_total",
			Help:      "Server pushes, by event and outcome.",
		}, []string{"event", "outcome"}),
	}
	m.Registry.MustRegister(
		m.requests,
		m.notifications,
		newStateCollector(stats, conns),
		collectors.NewGoCollector(),
	)
	return m
}

// ObserveRequest counts one handled request. An empty code means success.
func (m *Metrics) ObserveRequest(typ, code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "ok"
	}
	m.requests.WithLabelValues(typ, code).Inc()
}

func (m *Metrics) ObserveNotification(event string, err error) {
	if m == nil {
		return
	}
	outcome := "sent"
	if err != nil {
		outcome = "dropped"
	}
	m.notifications.WithLabelValues(event, outcome).Inc()
}

type stateCollector struct {
	stats StatsSource
	conns ConnCounter

	rooms       *prometheus.Desc
	peers       *prometheus.Desc
	transports  *prometheus.Desc
	producers   *prometheus.Desc
	consumers   *prometheus.Desc
	connections *prometheus.Desc
}

func newStateCollector(stats StatsSource, conns ConnCounter) *stateCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil)
	}
	return &stateCollector{
		stats:       stats,
		conns:       conns,
		rooms:       desc("rooms", "Rooms currently held by the registry."),
		peers:       desc("peers", "Peers that joined a room."),
		transports:  desc("transports", "Open WebRTC transports."),
		producers:   desc("producers", "Live producers."),
		consumers:   desc("consumers", "Live consumers."),
		connections: desc("connections", "Open signaling connections."),
	}
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.rooms
	ch <- c.peers
	ch <- c.transports
	ch <- c.producers
	ch <- c.consumers
	ch <- c.connections
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats.Stats()
	gauge := func(d *prometheus.Desc, v int) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v))
	}
	gauge(c.rooms, s.Rooms)
	gauge(c.peers, s.Peers)
	gauge(c.transports, s.Transports)
	gauge(c.producers, s.Producers)
	gauge(c.consumers, s.Consumers)
	gauge(c.connections, c.conns.Len())
}
