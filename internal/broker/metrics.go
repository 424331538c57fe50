package broker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the broker's Prometheus collectors on a private
// registry, following kedacore-keda's pkg/metrics pattern of package
// level *Vec collectors registered once and updated from plain
// increment/set calls — adapted here into a struct so a Database can
// own its own registry instead of reaching for the global one.
type Metrics struct {
	registry *prometheus.Registry

	ClientsTotal      prometheus.Gauge
	ClientsInactive   prometheus.Gauge
	MessagesStored    prometheus.Gauge
	MessagesDropped   prometheus.Gauge
	MessagesDuplicate prometheus.Gauge
	PublishTotal      *prometheus.CounterVec
	DeliveryState     *prometheus.GaugeVec
}

// NewMetrics creates and registers the broker's collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ClientsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mqttcore",
			Subsystem: "broker",
			Name:      "clients_total",
			Help:      "Number of client contexts currently held in the context table.",
		}),
		ClientsInactive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mqttcore",
			Subsystem: "broker",
			Name:      "clients_inactive",
			Help:      "Number of client contexts whose socket is currently disconnected.",
		}),
		MessagesStored: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mqttcore",
			Subsystem: "store",
			Name:      "messages_total",
			Help:      "Number of records currently held in the shared message store.",
		}),
		MessagesDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mqttcore",
			Subsystem: "store",
			Name:      "messages_dropped_total",
			Help:      "Number of messages dropped at admission time since startup.",
		}),
		MessagesDuplicate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mqttcore",
			Subsystem: "store",
			Name:      "messages_duplicate_skipped_total",
			Help:      "Number of fan-out deliveries skipped because the recipient already held the message.",
		}),
		PublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mqttcore",
			Subsystem: "broker",
			Name:      "publish_total",
			Help:      "Number of inbound PUBLISH packets handled, by QoS.",
		}, []string{"qos"}),
		DeliveryState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mqttcore",
			Subsystem: "queue",
			Name:      "records",
			Help:      "Number of delivery records currently in each state, summed across clients.",
		}, []string{"state"}),
	}

	m.registry.MustRegister(
		m.ClientsTotal,
		m.ClientsInactive,
		m.MessagesStored,
		m.MessagesDropped,
		m.MessagesDuplicate,
		m.PublishTotal,
		m.DeliveryState,
	)
	return m
}

// Registry returns the private registry an HTTP handler can expose.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Sample refreshes the client, store, dropped and duplicate gauges from
// the current database state. Called periodically alongside the
// store-clean and timeout sweeps. DeliveryState is not set here or
// anywhere else, so it reports no series.
func (m *Metrics) Sample(db *Database) {
	total, inactive := db.ClientCount()
	m.ClientsTotal.Set(float64(total))
	m.ClientsInactive.Set(float64(inactive))
	m.MessagesStored.Set(float64(db.store.Count()))
	m.MessagesDropped.Set(float64(db.DroppedCount()))
	m.MessagesDuplicate.Set(float64(db.DuplicatesSkippedCount()))
}

// IncPublish records one inbound PUBLISH handled at the given QoS.
func (m *Metrics) IncPublish(qos byte) {
	m.PublishTotal.WithLabelValues(qosLabel(qos)).Inc()
}

func qosLabel(qos byte) string {
	switch qos {
	case 0:
		return "0"
	case 1:
		return "1"
	case 2:
		return "2"
	default:
		return "unknown"
	}
}
