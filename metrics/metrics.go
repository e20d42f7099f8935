// Package metrics exposes ledgerdb's Prometheus collectors. All counters
// register on the default registry; the HTTP server serves them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Inserts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledgerdb_inserts_total",
		Help: "Records inserted across all account trees.",
	})
	Updates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledgerdb_updates_total",
		Help: "Records updated across all account trees.",
	})
	Deletes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledgerdb_deletes_total",
		Help: "Records deleted across all account trees.",
	})
	Splits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledgerdb_node_splits_total",
		Help: "Node splits performed while discharging overflow at save.",
	})
	NodeLoads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledgerdb_node_loads_total",
		Help: "Nodes materialized from the backing store on cache miss.",
	})
	NodeFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledgerdb_node_flushes_total",
		Help: "Node blobs written to the backing store.",
	})
	Saves = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledgerdb_saves_total",
		Help: "Completed save passes over account trees.",
	})
)
