// Package metrics exposes broker counters and gauges to Prometheus.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/mqtt"
)

// Recorder receives broker events worth counting.
type Recorder interface {
	ConnectionOpened()
	ConnectionClosed(reason string)
	MessageReceived()
	MessageDelivered(qos mqtt.QoS)
	DeliveryDropped()
	SetSessions(n int)
	SetRetained(n int)
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) ConnectionOpened()         {}
func (NopRecorder) ConnectionClosed(string)   {}
func (NopRecorder) MessageReceived()          {}
func (NopRecorder) MessageDelivered(mqtt.QoS) {}
func (NopRecorder) DeliveryDropped()          {}
func (NopRecorder) SetSessions(int)           {}
func (NopRecorder) SetRetained(int)           {}

// PromRecorder records broker events in Prometheus metrics.
type PromRecorder struct {
	opened    prometheus.Counter
	closed    *prometheus.CounterVec
	received  prometheus.Counter
	delivered *prometheus.CounterVec
	dropped   prometheus.Counter
	sessions  prometheus.Gauge
	retained  prometheus.Gauge
}

// NewPromRecorder registers the broker metrics on reg, or on the default registerer when reg is nil.
// Collectors that are already registered are reused.
func NewPromRecorder(reg prometheus.Registerer) (*PromRecorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &PromRecorder{
		opened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqtt_connections_opened_total",
			Help: "Total number of accepted TCP connections",
		}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mqtt_connections_closed_total",
			Help: "Total number of closed connections by close reason",
		}, []string{"reason"}),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqtt_messages_received_total",
			Help: "Total number of PUBLISH messages routed, including local publishes",
		}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mqtt_messages_delivered_total",
			Help: "Total number of deliveries queued to subscribers by effective QoS",
		}, []string{"qos"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqtt_deliveries_dropped_total",
			Help: "Total number of deliveries dropped after failing",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mqtt_sessions",
			Help: "Number of connected sessions",
		}),
		retained: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mqtt_retained_messages",
			Help: "Number of retained messages",
		}),
	}

	var err error
	if r.opened, err = register(reg, r.opened); err != nil {
		return nil, err
	}
	if r.closed, err = register(reg, r.closed); err != nil {
		return nil, err
	}
	if r.received, err = register(reg, r.received); err != nil {
		return nil, err
	}
	if r.delivered, err = register(reg, r.delivered); err != nil {
		return nil, err
	}
	if r.dropped, err = register(reg, r.dropped); err != nil {
		return nil, err
	}
	if r.sessions, err = register(reg, r.sessions); err != nil {
		return nil, err
	}
	if r.retained, err = register(reg, r.retained); err != nil {
		return nil, err
	}
	return r, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (r *PromRecorder) ConnectionOpened() { r.opened.Inc() }

func (r *PromRecorder) ConnectionClosed(reason string) {
	r.closed.WithLabelValues(reason).Inc()
}

func (r *PromRecorder) MessageReceived() { r.received.Inc() }

func (r *PromRecorder) MessageDelivered(qos mqtt.QoS) {
	r.delivered.WithLabelValues(strconv.Itoa(int(qos))).Inc()
}

func (r *PromRecorder) DeliveryDropped() { r.dropped.Inc() }

func (r *PromRecorder) SetSessions(n int) { r.sessions.Set(float64(n)) }

func (r *PromRecorder) SetRetained(n int) { r.retained.Set(float64(n)) }
