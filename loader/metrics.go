package loader

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/specklesystems/speckle-server-sub009/internal/metrics"
)

type loaderMetrics struct {
	cacheHits      prometheus.Counter
	networkRecords prometheus.Counter
	batchRequests  prometheus.Counter
	timeouts       prometheus.Counter
}

func newLoaderMetrics(reg prometheus.Registerer) *loaderMetrics {
	return &loaderMetrics{
		cacheHits:      metrics.Shared(reg, metrics.Counter("loader", "cache_hits_total", "Records loaded from the local cache.")),
		networkRecords: metrics.Shared(reg, metrics.Counter("loader", "network_records_total", "Records received from the server.")),
		batchRequests:  metrics.Shared(reg, metrics.Counter("loader", "batch_requests_total", "Batch download requests issued.")),
		timeouts:       metrics.Shared(reg, metrics.Counter("loader", "resolution_timeouts_total", "Referenced records that never arrived.")),
	}
}
