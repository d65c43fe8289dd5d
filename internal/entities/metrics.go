package entities

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Index labels.
const (
	indexSearch = "search"
	indexVector = "vector"
)

// Operation labels.
const (
	opEnsure = "ensure"
	opUpsert = "upsert"
	opDelete = "delete"
)

var syncFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "crmstore",
		Subsystem: "index",
		Name:      "sync_failures_total",
		Help:      "Secondary index writes that failed after the primary write succeeded.",
	},
	[]string{"index", "op"},
)
