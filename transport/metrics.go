package transport

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/specklesystems/speckle-server-sub009/internal/metrics"
)

type transportMetrics struct {
	flushes      prometheus.Counter
	uploaded     prometheus.Counter
	deduplicated prometheus.Counter
	retries      prometheus.Counter
}

func newTransportMetrics(reg prometheus.Registerer) *transportMetrics {
	return &transportMetrics{
		flushes:      metrics.Shared(reg, metrics.Counter("transport", "flushes_total", "Successful buffer flushes.")),
		uploaded:     metrics.Shared(reg, metrics.Counter("transport", "uploaded_records_total", "Records uploaded to the server.")),
		deduplicated: metrics.Shared(reg, metrics.Counter("transport", "deduplicated_records_total", "Queued records the server already stored.")),
		retries:      metrics.Shared(reg, metrics.Counter("transport", "retries_total", "Flush attempts retried after a failure.")),
	}
}
