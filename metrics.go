package sftp

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	sshfx "github.com/sftpkit/sftp/encoding/ssh/filexfer"
)

// Transfer directions, as used for the direction label.
const (
	DirectionUpload   = "upload"
	DirectionDownload = "download"
)

// Metrics holds the prometheus collectors for one or more clients.
//
// A nil *Metrics is valid, and records nothing.
type Metrics struct {
	requests      *prometheus.CounterVec
	requestErrors *prometheus.CounterVec
	inflight      prometheus.Gauge
	duration      *prometheus.HistogramVec
	transferred   *prometheus.CounterVec
	openHandles   prometheus.Gauge
}

// NewMetrics creates the sftp collectors, and registers them with reg.
// If reg is nil, the collectors are created but not registered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sftp_requests_total",
				Help: "Total number of SFTP requests dispatched, by request type",
			},
			[]string{"type"},
		),
		requestErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sftp_request_errors_total",
				Help: "Total number of SFTP requests that failed, by request type",
			},
			[]string{"type"},
		),
		inflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sftp_inflight_requests",
				Help: "Number of SFTP requests awaiting a response",
			},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sftp_request_duration_seconds",
				Help:    "SFTP request round trip time in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		transferred: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sftp_transfer_bytes_total",
				Help: "Total file content bytes transferred",
			},
			[]string{"direction"},
		),
		openHandles: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sftp_open_handles",
				Help: "Number of open remote file and directory handles",
			},
		),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{
		m.requests,
		m.requestErrors,
		m.inflight,
		m.duration,
		m.transferred,
		m.openHandles,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) requestStarted(typ sshfx.PacketType) {
	if m == nil {
		return
	}

	m.requests.WithLabelValues(typ.String()).Inc()
	m.inflight.Inc()
}

func (m *Metrics) requestDone(typ sshfx.PacketType, start time.Time, failed bool) {
	if m == nil {
		return
	}

	m.inflight.Dec()
	m.duration.WithLabelValues(typ.String()).Observe(time.Since(start).Seconds())

	if failed {
		m.requestErrors.WithLabelValues(typ.String()).Inc()
	}
}

func (m *Metrics) transfer(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}

	m.transferred.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) handleOpened() {
	if m == nil {
		return
	}

	m.openHandles.Inc()
}

func (m *Metrics) handleClosed() {
	if m == nil {
		return
	}

	m.openHandles.Dec()
}
