package uatcp

import (
	"io"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
)

// LayerMetrics counts the activity of a server network layer.
// A nil *LayerMetrics is a valid no-op receiver.
type LayerMetrics struct {
	set *metrics.Set

	accepted      *metrics.Counter
	acceptErrors  *metrics.Counter
	detached      *metrics.Counter
	closeRequests *metrics.Counter
	messages      *metrics.Counter
	bytesReceived *metrics.Counter
	framingErrors *metrics.Counter
	jobs          *metrics.Counter

	open atomic.Int64
}

// NewLayerMetrics registers the network layer metrics in set.
// A nil set creates a private one.
func NewLayerMetrics(set *metrics.Set) *LayerMetrics {
	if set == nil {
		set = metrics.NewSet()
	}
	m := &LayerMetrics{
		set:           set,
		accepted:      set.NewCounter("uatcp_connections_accepted_total"),
		acceptErrors:  set.NewCounter("uatcp_accept_errors_total"),
		detached:      set.NewCounter("uatcp_connections_detached_total"),
		closeRequests: set.NewCounter("uatcp_close_requests_total"),
		messages:      set.NewCounter("uatcp_messages_received_total"),
		bytesReceived: set.NewCounter("uatcp_bytes_received_total"),
		framingErrors: set.NewCounter("uatcp_framing_errors_total"),
		jobs:          set.NewCounter("uatcp_jobs_emitted_total"),
	}
	set.NewGauge("uatcp_connections_open", func() float64 {
		return float64(m.open.Load())
	})
	return m
}

func (m *LayerMetrics) connectionAccepted() {
	if m == nil {
		return
	}
	m.accepted.Inc()
	m.open.Add(1)
}

func (m *LayerMetrics) connectionDetached() {
	if m == nil {
		return
	}
	m.detached.Inc()
	m.open.Add(-1)
}

func (m *LayerMetrics) acceptFailed() {
	if m == nil {
		return
	}
	m.acceptErrors.Inc()
}

func (m *LayerMetrics) closeRequested() {
	if m == nil {
		return
	}
	m.closeRequests.Inc()
}

func (m *LayerMetrics) received(n int) {
	if m == nil {
		return
	}
	m.bytesReceived.Add(n)
}

func (m *LayerMetrics) messageReceived() {
	if m == nil {
		return
	}
	m.messages.Inc()
}

func (m *LayerMetrics) framingFailed() {
	if m == nil {
		return
	}
	m.framingErrors.Inc()
}

func (m *LayerMetrics) jobsEmitted(n int) {
	if m == nil || n == 0 {
		return
	}
	m.jobs.Add(n)
}

// OpenConnections returns the number of connections in the table.
func (m *LayerMetrics) OpenConnections() int64 {
	if m == nil {
		return 0
	}
	return m.open.Load()
}

// WritePrometheus writes the metrics in Prometheus text format.
func (m *LayerMetrics) WritePrometheus(w io.Writer) {
	if m == nil {
		return
	}
	m.set.WritePrometheus(w)
}
