package api

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/specklesystems/speckle-server-sub009/internal/metrics"
)

type serverMetrics struct {
	requests *prometheus.CounterVec
	received prometheus.Counter
	stored   prometheus.Counter
	served   prometheus.Counter
}

func newServerMetrics(reg prometheus.Registerer) (*serverMetrics, error) {
	m := &serverMetrics{
		requests: metrics.CounterVec("server", "requests_total", "HTTP requests by method and status.", "method", "code"),
		received: metrics.Counter("server", "objects_received_total", "Records received in uploads."),
		stored:   metrics.Counter("server", "objects_stored_total", "Records newly stored."),
		served:   metrics.Counter("server", "objects_served_total", "Records returned by the download endpoints."),
	}
	if err := metrics.Register(reg, m.requests, m.received, m.stored, m.served); err != nil {
		return nil, err
	}
	return m, nil
}
