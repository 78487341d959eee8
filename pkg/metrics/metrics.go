// Package metrics exports bus, sensor and calibration activity to Prometheus.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/itohio/wqm/pkg/calibration"
	"github.com/itohio/wqm/pkg/modbus"
	"github.com/itohio/wqm/pkg/sensor"
)

// Metrics holds every collector. Each instance registers on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	transactions *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	values       *prometheus.GaugeVec
	channelError *prometheus.GaugeVec
	refreshes    *prometheus.CounterVec
	uploads      *prometheus.CounterVec

	calibrationActive   prometheus.Gauge
	calibrationProgress prometheus.Gauge
	calibrationOutcomes *prometheus.CounterVec
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wqm_bus_transactions_total",
			Help: "Bus transactions by device, function code and outcome.",
		}, []string{"device", "function", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wqm_bus_transaction_seconds",
			Help:    "Time from request to classified result.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"function"}),
		values: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wqm_channel_value",
			Help: "Last good value of each measured quantity.",
		}, []string{"channel"}),
		channelError: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wqm_channel_error",
			Help: "1 if the channel's most recent read failed.",
		}, []string{"channel"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wqm_refresh_total",
			Help: "Full refresh cycles by result.",
		}, []string{"result"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wqm_uploads_total",
			Help: "Record uploads by result.",
		}, []string{"result"}),
		calibrationActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wqm_calibration_active",
			Help: "1 while a calibration session is live.",
		}),
		calibrationProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wqm_calibration_progress_percent",
			Help: "Stability progress of the live calibration session.",
		}),
		calibrationOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wqm_calibration_outcomes_total",
			Help: "Finished calibration sessions by target and outcome.",
		}, []string{"target", "outcome"}),
	}

	m.registry.MustRegister(
		m.transactions,
		m.latency,
		m.values,
		m.channelError,
		m.refreshes,
		m.uploads,
		m.calibrationActive,
		m.calibrationProgress,
		m.calibrationOutcomes,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveTransaction matches modbus.Observer.
func (m *Metrics) ObserveTransaction(address, function byte, outcome modbus.Outcome, elapsed time.Duration) {
	fn := fmt.Sprintf("0x%02X", function)
	m.transactions.WithLabelValues(fmt.Sprintf("0x%02X", address), fn, string(outcome)).Inc()
	m.latency.WithLabelValues(fn).Observe(elapsed.Seconds())
}

// ObserveReading records the snapshot values and error flags.
func (m *Metrics) ObserveReading(r sensor.Reading) {
	m.values.WithLabelValues("temperature").Set(r.Temperature)
	m.values.WithLabelValues("ph").Set(r.PH)
	m.values.WithLabelValues("do").Set(r.DO)
	m.values.WithLabelValues("ec").Set(r.EC)
	m.values.WithLabelValues("tds").Set(r.TDS)
	m.values.WithLabelValues("salinity").Set(r.Salinity)
	m.values.WithLabelValues("ammonia").Set(r.Ammonia)

	for _, ch := range sensor.Channels {
		v := 0.0
		if r.Failed(ch) {
			v = 1
		}
		m.channelError.WithLabelValues(ch.String()).Set(v)
	}
}

// ObserveRefresh counts a full refresh cycle.
func (m *Metrics) ObserveRefresh(ok bool) {
	if ok {
		m.refreshes.WithLabelValues("ok").Inc()
		return
	}
	m.refreshes.WithLabelValues("partial").Inc()
}

// ObserveUpload counts an upload attempt.
func (m *Metrics) ObserveUpload(err error) {
	if err != nil {
		m.uploads.WithLabelValues("error").Inc()
		return
	}
	m.uploads.WithLabelValues("ok").Inc()
}

// ObserveCalibration matches the calibration progress callback.
func (m *Metrics) ObserveCalibration(p calibration.Progress) {
	if p.Active {
		m.calibrationActive.Set(1)
		m.calibrationProgress.Set(float64(p.Percent))
		return
	}
	m.calibrationActive.Set(0)
	m.calibrationProgress.Set(0)
	if p.Outcome != calibration.OutcomeNone && p.Target.Valid() {
		m.calibrationOutcomes.WithLabelValues(p.Target.String(), p.Outcome.String()).Inc()
	}
}
