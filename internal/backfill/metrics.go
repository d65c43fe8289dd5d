package backfill

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var documentsProcessed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "crmstore",
		Subsystem: "backfill",
		Name:      "documents_total",
		Help:      "Documents processed by maintenance runs, by operation and outcome.",
	},
	[]string{"operation", "outcome"},
)
