// Package metrics exposes Prometheus metrics of the ECU polling engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry creates a registry with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler returns the HTTP handler serving reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// EngineMetrics are the polling engine's counters and gauges.
type EngineMetrics struct {
	ConnectsTotal     *prometheus.CounterVec // labels: result=ok|error|throttled
	RequestsTotal     *prometheus.CounterVec // labels: service
	ResponsesTotal    *prometheus.CounterVec // labels: service, result=ok|status|error|invalid
	TimeoutsTotal     *prometheus.CounterVec // labels: service
	CyclesTotal       *prometheus.CounterVec // labels: result=complete|aborted
	InverterErrors    prometheus.Counter
	BytesReceived     prometheus.Counter
	InvertersOnline   prometheus.Gauge
	InvertersKnown    prometheus.Gauge
	CurrentPowerWatts prometheus.Gauge
	TodayEnergyKWh    prometheus.Gauge
}

// NewEngineMetrics registers and returns the engine metrics.
func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	m := &EngineMetrics{
		ConnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apsecu_connects_total",
			Help: "ECU connection attempts.",
		}, []string{"result"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apsecu_requests_total",
			Help: "Requests sent to the ECU by service.",
		}, []string{"service"}),
		ResponsesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apsecu_responses_total",
			Help: "ECU responses by service and decode result.",
		}, []string{"service", "result"}),
		TimeoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apsecu_response_timeouts_total",
			Help: "Requests the ECU did not answer in time.",
		}, []string{"service"}),
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apsecu_cycles_total",
			Help: "Polling cycles by outcome.",
		}, []string{"result"}),
		InverterErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apsecu_inverter_decode_errors_total",
			Help: "Inverter records that could not be decoded.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apsecu_bytes_received_total",
			Help: "Bytes received from the ECU.",
		}),
		InvertersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "apsecu_inverters_online",
			Help: "Inverters reported online in the last real time sample.",
		}),
		InvertersKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "apsecu_inverters_registered",
			Help: "Inverters seen since start.",
		}),
		CurrentPowerWatts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "apsecu_system_power_watts",
			Help: "Last system power reported by the ECU.",
		}),
		TodayEnergyKWh: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "apsecu_today_energy_kwh",
			Help: "Energy produced today as reported by the ECU.",
		}),
	}
	reg.MustRegister(
		m.ConnectsTotal, m.RequestsTotal, m.ResponsesTotal, m.TimeoutsTotal, m.CyclesTotal,
		m.InverterErrors, m.BytesReceived, m.InvertersOnline, m.InvertersKnown,
		m.CurrentPowerWatts, m.TodayEnergyKWh,
	)
	return m
}
