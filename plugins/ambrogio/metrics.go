package ambrogio

import (
	"errors"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var commandsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gohome_ambrogio_commands_total",
		Help: "Mower commands by method and result (sent, failed, not_ready)",
	},
	[]string{"method", "result"},
)

// MetricsCollector exposes the cached fleet state. It never calls the cloud.
type MetricsCollector struct {
	coordinator *Coordinator

	// mu serializes Collect; the gauges are rebuilt on every scrape.
	mu sync.Mutex

	success     prometheus.Gauge
	authFailed  prometheus.Gauge
	interval    prometheus.Gauge
	lastSuccess prometheus.Gauge

	state             *prometheus.GaugeVec
	working           *prometheus.GaugeVec
	connected         *prometheus.GaugeVec
	errorCode         *prometheus.GaugeVec
	latitude          *prometheus.GaugeVec
	longitude         *prometheus.GaugeVec
	lastCommunication *prometheus.GaugeVec
	lastSeen          *prometheus.GaugeVec
	lastPull          *prometheus.GaugeVec
}

func NewMetricsCollector(coordinator *Coordinator) *MetricsCollector {
	labels := []string{"device_id", "device_name", "model"}
	stateLabels := []string{"device_id", "device_name", "model", "state", "activity"}
	errorLabels := []string{"device_id", "device_name", "model", "error_code"}
	return &MetricsCollector{
		coordinator: coordinator,
		success: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gohome_ambrogio_refresh_success",
			Help: "Last refresh cycle success (1=ok, 0=error)",
		}),
		authFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gohome_ambrogio_auth_failed",
			Help: "Whether the last refresh failed on credentials (1=yes, 0=no)",
		}),
		interval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gohome_ambrogio_poll_interval_seconds",
			Help: "Delay before the next scheduled refresh",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gohome_ambrogio_last_refresh_timestamp_seconds",
			Help: "Last successful refresh (seconds since epoch)",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gohome_ambrogio_state",
			Help: "Mower state (label) reported by the cloud",
		}, stateLabels),
		working: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gohome_ambrogio_working",
			Help: "Whether the mower is out working (1=yes, 0=no)",
		}, labels),
		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gohome_ambrogio_connected",
			Help: "Whether the mower is connected to the cloud (1=yes, 0=no)",
		}, labels),
		errorCode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gohome_ambrogio_error_code",
			Help: "Mower error code (label)",
		}, errorLabels),
		latitude: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gohome_ambrogio_latitude_degrees",
			Help: "Last reported latitude",
		}, labels),
		longitude: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gohome_ambrogio_longitude_degrees",
			Help: "Last reported longitude",
		}, labels),
		lastCommunication: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gohome_ambrogio_last_communication_timestamp_seconds",
			Help: "Last communication from the mower (seconds since epoch)",
		}, labels),
		lastSeen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gohome_ambrogio_last_seen_timestamp_seconds",
			Help: "Last time the cloud saw the mower (seconds since epoch)",
		}, labels),
		lastPull: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gohome_ambrogio_last_pull_timestamp_seconds",
			Help: "Last time the mower record was refreshed (seconds since epoch)",
		}, labels),
	}
}

func (c *MetricsCollector) vecs() []*prometheus.GaugeVec {
	return []*prometheus.GaugeVec{
		c.state,
		c.working,
		c.connected,
		c.errorCode,
		c.latitude,
		c.longitude,
		c.lastCommunication,
		c.lastSeen,
		c.lastPull,
	}
}

func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	c.success.Describe(ch)
	c.authFailed.Describe(ch)
	c.interval.Describe(ch)
	c.lastSuccess.Describe(ch)
	for _, vec := range c.vecs() {
		vec.Describe(ch)
	}
}

func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.coordinator.LastError()
	if err != nil {
		c.success.Set(0)
	} else {
		c.success.Set(1)
	}
	if errors.Is(err, ErrAuthFailed) {
		c.authFailed.Set(1)
	} else {
		c.authFailed.Set(0)
	}
	c.interval.Set(c.coordinator.Interval().Seconds())
	if ts := c.coordinator.LastSuccess(); !ts.IsZero() {
		c.lastSuccess.Set(float64(ts.Unix()))
	}

	for _, vec := range c.vecs() {
		vec.Reset()
	}

	for _, snap := range c.coordinator.Devices() {
		labels := prometheus.Labels{
			"device_id":   snap.IMEI,
			"device_name": snap.Name,
			"model":       snap.Model(),
		}
		c.working.With(labels).Set(boolGauge(snap.Working))
		c.connected.With(labels).Set(boolGauge(snap.Connected))
		if snap.Location != nil {
			c.latitude.With(labels).Set(snap.Location.Latitude)
			c.longitude.With(labels).Set(snap.Location.Longitude)
		}
		if !snap.LastCommunication.IsZero() {
			c.lastCommunication.With(labels).Set(float64(snap.LastCommunication.Unix()))
		}
		if !snap.LastSeen.IsZero() {
			c.lastSeen.With(labels).Set(float64(snap.LastSeen.Unix()))
		}
		if !snap.LastPull.IsZero() {
			c.lastPull.With(labels).Set(float64(snap.LastPull.Unix()))
		}

		c.state.With(prometheus.Labels{
			"device_id":   snap.IMEI,
			"device_name": snap.Name,
			"model":       snap.Model(),
			"state":       snap.State.String(),
			"activity":    string(snap.Activity()),
		}).Set(1)
		if snap.ErrorCode != 0 {
			c.errorCode.With(prometheus.Labels{
				"device_id":   snap.IMEI,
				"device_name": snap.Name,
				"model":       snap.Model(),
				"error_code":  strconv.Itoa(snap.ErrorCode),
			}).Set(1)
		}
	}

	c.success.Collect(ch)
	c.authFailed.Collect(ch)
	c.interval.Collect(ch)
	c.lastSuccess.Collect(ch)
	for _, vec := range c.vecs() {
		vec.Collect(ch)
	}
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
