// Package metrics provides Prometheus metrics for the rack monitor.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all Prometheus metrics for the service.
type Registry struct {
	// Bus metrics
	ExchangesTotal   *prometheus.CounterVec
	ExchangeLatency  prometheus.Histogram
	PortOpens        *prometheus.CounterVec
	BreakerOpen      prometheus.Gauge
	BusSettleSeconds prometheus.Counter

	// Monitor metrics
	PollsTotal         *prometheus.CounterVec
	PollDuration       *prometheus.HistogramVec
	RegistersRead      prometheus.Counter
	DecodeErrors       *prometheus.CounterVec
	ScansTotal         prometheus.Counter
	SpecialHandlerRuns *prometheus.CounterVec

	// MQTT metrics
	MQTTMessagesPublished prometheus.Counter
	MQTTMessagesFailed    prometheus.Counter
	MQTTBufferSize        prometheus.Gauge
	MQTTPublishLatency    prometheus.Histogram
	MQTTReconnects        prometheus.Counter

	// Device metrics
	DevicesActive     prometheus.Gauge
	DevicesDormant    prometheus.Gauge
	DeviceErrors      *prometheus.CounterVec
	DeviceModeChanges *prometheus.CounterVec
}

// NewRegistry creates a new metrics registry with all metrics registered on reg.
// Pass prometheus.DefaultRegisterer to expose them through promhttp.Handler.
func NewRegistry(reg prometheus.Registerer) *Registry {
	f := promauto.With(reg)

	r := &Registry{
		// Bus metrics
		ExchangesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rackmon",
			Subsystem: "bus",
			Name:      "exchanges_total",
			Help:      "Total number of Modbus exchanges by result",
		}, []string{"result"}),
		ExchangeLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rackmon",
			Subsystem: "bus",
			Name:      "exchange_latency_seconds",
			Help:      "Modbus request/response latency",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		PortOpens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rackmon",
			Subsystem: "bus",
			Name:      "port_opens_total",
			Help:      "Total number of serial port open attempts by result",
		}, []string{"result"}),
		BreakerOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "rackmon",
			Subsystem: "bus",
			Name:      "breaker_open",
			Help:      "1 while the serial port circuit breaker is open",
		}),
		BusSettleSeconds: f.NewCounter(prometheus.CounterOpts{
			Namespace: "rackmon",
			Subsystem: "bus",
			Name:      "settle_seconds_total",
			Help:      "Total time spent waiting for the bus to settle",
		}),

		// Monitor metrics
		PollsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rackmon",
			Subsystem: "monitor",
			Name:      "polls_total",
			Help:      "Total number of device poll cycles",
		}, []string{"device", "status"}),
		PollDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rackmon",
			Subsystem: "monitor",
			Name:      "duration_seconds",
			Help:      "Device poll cycle duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"device"}),
		RegistersRead: f.NewCounter(prometheus.CounterOpts{
			Namespace: "rackmon",
			Subsystem: "monitor",
			Name:      "registers_read_total",
			Help:      "Total number of register blocks read",
		}),
		DecodeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rackmon",
			Subsystem: "monitor",
			Name:      "decode_errors_total",
			Help:      "Total number of register values that could not be decoded",
		}, []string{"device"}),
		ScansTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "rackmon",
			Subsystem: "monitor",
			Name:      "scans_total",
			Help:      "Total number of device discovery scans",
		}),
		SpecialHandlerRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rackmon",
			Subsystem: "monitor",
			Name:      "special_handler_runs_total",
			Help:      "Total number of special handler writes by result",
		}, []string{"device", "result"}),

		// MQTT metrics
		MQTTMessagesPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: "rackmon",
			Subsystem: "mqtt",
			Name:      "messages_published_total",
			Help:      "Total number of MQTT messages published",
		}),
		MQTTMessagesFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "rackmon",
			Subsystem: "mqtt",
			Name:      "messages_failed_total",
			Help:      "Total number of failed MQTT publishes",
		}),
		MQTTBufferSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "rackmon",
			Subsystem: "mqtt",
			Name:      "buffer_size",
			Help:      "Current MQTT message buffer size",
		}),
		MQTTPublishLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rackmon",
			Subsystem: "mqtt",
			Name:      "publish_latency_seconds",
			Help:      "MQTT publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		}),
		MQTTReconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: "rackmon",
			Subsystem: "mqtt",
			Name:      "reconnects_total",
			Help:      "Total number of MQTT reconnection attempts",
		}),

		// Device metrics
		DevicesActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "rackmon",
			Subsystem: "devices",
			Name:      "active",
			Help:      "Number of active devices",
		}),
		DevicesDormant: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "rackmon",
			Subsystem: "devices",
			Name:      "dormant",
			Help:      "Number of dormant devices",
		}),
		DeviceErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rackmon",
			Subsystem: "devices",
			Name:      "errors_total",
			Help:      "Total device exchange errors by type (crc, timeout, misc)",
		}, []string{"device", "error_type"}),
		DeviceModeChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rackmon",
			Subsystem: "devices",
			Name:      "mode_changes_total",
			Help:      "Total number of device mode transitions",
		}, []string{"device", "mode"}),
	}

	return r
}

// DeviceLabel formats a bus address as a metric label.
func DeviceLabel(addr uint8) string {
	return "0x" + strconv.FormatUint(uint64(addr), 16)
}

// RecordExchange records one bus exchange.
func (r *Registry) RecordExchange(result string, latency float64) {
	r.ExchangesTotal.WithLabelValues(result).Inc()
	r.ExchangeLatency.Observe(latency)
}

// RecordPortOpen records a serial port open attempt.
func (r *Registry) RecordPortOpen(success bool) {
	if success {
		r.PortOpens.WithLabelValues("success").Inc()
	} else {
		r.PortOpens.WithLabelValues("error").Inc()
	}
}

// SetBreakerOpen updates the circuit breaker gauge.
func (r *Registry) SetBreakerOpen(open bool) {
	if open {
		r.BreakerOpen.Set(1)
	} else {
		r.BreakerOpen.Set(0)
	}
}

// RecordSettle records time spent waiting after an exchange.
func (r *Registry) RecordSettle(seconds float64) {
	r.BusSettleSeconds.Add(seconds)
}

// RecordPollSuccess records a poll cycle with at least one successful read.
func (r *Registry) RecordPollSuccess(addr uint8, duration float64, registersRead int) {
	dev := DeviceLabel(addr)
	r.PollsTotal.WithLabelValues(dev, "success").Inc()
	r.PollDuration.WithLabelValues(dev).Observe(duration)
	r.RegistersRead.Add(float64(registersRead))
}

// RecordPollError records a poll cycle in which nothing could be read.
func (r *Registry) RecordPollError(addr uint8, duration float64) {
	dev := DeviceLabel(addr)
	r.PollsTotal.WithLabelValues(dev, "error").Inc()
	r.PollDuration.WithLabelValues(dev).Observe(duration)
}

// RecordDecodeErrors records register values that failed to decode.
func (r *Registry) RecordDecodeErrors(addr uint8, n int) {
	if n > 0 {
		r.DecodeErrors.WithLabelValues(DeviceLabel(addr)).Add(float64(n))
	}
}

// RecordScan records a discovery scan.
func (r *Registry) RecordScan() {
	r.ScansTotal.Inc()
}

// RecordSpecialHandler records a special handler write.
func (r *Registry) RecordSpecialHandler(addr uint8, success bool) {
	result := "success"
	if !success {
		result = "error"
	}
	r.SpecialHandlerRuns.WithLabelValues(DeviceLabel(addr), result).Inc()
}

// RecordDeviceError records an exchange error against a device.
func (r *Registry) RecordDeviceError(addr uint8, errorType string) {
	r.DeviceErrors.WithLabelValues(DeviceLabel(addr), errorType).Inc()
}

// RecordModeChange records a device mode transition.
func (r *Registry) RecordModeChange(addr uint8, mode string) {
	r.DeviceModeChanges.WithLabelValues(DeviceLabel(addr), mode).Inc()
}

// UpdateDeviceCount updates the device count gauges.
func (r *Registry) UpdateDeviceCount(active, dormant int) {
	r.DevicesActive.Set(float64(active))
	r.DevicesDormant.Set(float64(dormant))
}

// RecordMQTTPublish records an MQTT publish operation.
func (r *Registry) RecordMQTTPublish(success bool, latency float64) {
	if success {
		r.MQTTMessagesPublished.Inc()
	} else {
		r.MQTTMessagesFailed.Inc()
	}
	r.MQTTPublishLatency.Observe(latency)
}

// UpdateMQTTBufferSize updates the MQTT buffer size gauge.
func (r *Registry) UpdateMQTTBufferSize(size int) {
	r.MQTTBufferSize.Set(float64(size))
}

// RecordMQTTReconnect records an MQTT reconnection attempt.
func (r *Registry) RecordMQTTReconnect() {
	r.MQTTReconnects.Inc()
}
