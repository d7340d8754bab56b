// Package metrics exposes bridge activity as Prometheus metrics.
//
// A Collector is registered as a listener on the controller client and
// counts logins, responses, commands and failures. It also tracks the
// connection state. Handler serves the private registry in the Prometheus
// text format.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/zway-bridge/internal/zway"
)

const namespace = "zway"

// Update results recorded by ObserveUpdate.
const (
	ResultOK       = "ok"
	ResultInvalid  = "invalid"
	ResultUnknown  = "unknown_device"
	ResultFailed   = "failed"
	ResultRejected = "rejected"
)

// DeviceSource reports the registered devices.
type DeviceSource interface {
	Devices() []*zway.Device
}

// Collector owns a Prometheus registry with the bridge's metrics.
type Collector struct {
	registry *prometheus.Registry

	state       *prometheus.GaugeVec
	transitions prometheus.Counter
	logins      prometheus.Counter
	responses   *prometheus.CounterVec
	commands    *prometheus.CounterVec
	changes     prometheus.Counter
	discovered  prometheus.Counter
	failures    prometheus.Counter
	updates     *prometheus.CounterVec
}

// New creates a Collector. When devices is non-nil the registry also
// exports the current device count.
func New(devices DeviceSource) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connection_state",
				Help:      "Controller connection state (1 for the current state)",
			},
			[]string{"state"},
		),
		transitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Controller connection state transitions",
		}),
		logins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Successful controller logins",
		}),
		responses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "responses_total",
				Help:      "Controller HTTP responses by status code",
			},
			[]string{"status"},
		),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Commands sent to the controller",
			},
			[]string{"command"},
		),
		changes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "property_changes_total",
			Help:      "Property changes forwarded while connected",
		}),
		discovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "devices_discovered_total",
			Help:      "Devices registered since start",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Connection failures that scheduled a reconnect",
		}),
		updates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bridge_updates_total",
				Help:      "Update requests received over MQTT or HTTP, by result",
			},
			[]string{"result"},
		),
	}

	c.registry.MustRegister(
		c.state,
		c.transitions,
		c.logins,
		c.responses,
		c.commands,
		c.changes,
		c.discovered,
		c.failures,
		c.updates,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if devices != nil {
		c.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "devices",
				Help:      "Devices currently registered",
			},
			func() float64 { return float64(len(devices.Devices())) },
		))
	}

	c.setState(zway.StateDisconnected)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveUpdate counts one update request with its result.
func (c *Collector) ObserveUpdate(result string) {
	c.updates.WithLabelValues(result).Inc()
}

func (c *Collector) setState(current zway.State) {
	for _, s := range []zway.State{zway.StateDisconnected, zway.StateReconnecting, zway.StateConnected} {
		v := 0.0
		if s == current {
			v = 1
		}
		c.state.WithLabelValues(s.String()).Set(v)
	}
}

// OnLogin implements zway.Listener.
func (c *Collector) OnLogin() { c.logins.Inc() }

// OnDevice implements zway.Listener.
func (c *Collector) OnDevice(*zway.Device) { c.discovered.Inc() }

// OnChange implements zway.Listener.
func (c *Collector) OnChange(*zway.Device, string) { c.changes.Inc() }

// OnCommand implements zway.Listener.
func (c *Collector) OnCommand(_, command string, _ any) {
	c.commands.WithLabelValues(command).Inc()
}

// OnResponse implements zway.Listener.
func (c *Collector) OnResponse(_ string, status int) {
	c.responses.WithLabelValues(strconv.Itoa(status)).Inc()
}

// OnError implements zway.Listener.
func (c *Collector) OnError(error) { c.failures.Inc() }

// OnStateChange implements zway.Listener.
func (c *Collector) OnStateChange(_, to zway.State) {
	c.transitions.Inc()
	c.setState(to)
}

var _ zway.Listener = (*Collector)(nil)
