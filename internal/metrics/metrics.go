// Package metrics holds the Prometheus collectors exported on the admin
// listener.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ScansTotal       *prometheus.CounterVec
	ProbesTotal      *prometheus.CounterVec
	BlacklistSize    prometheus.Gauge
	CatalogSize      prometheus.Gauge
	ActiveWorkers    prometheus.Gauge
	ConnectionsTotal prometheus.Counter
)

// MustRegister registers every collector and panics on failure.
func MustRegister(registerer prometheus.Registerer) {
	if err := Register(registerer); err != nil {
		panic(err)
	}
}

// Register registers every collector with registerer.
func Register(registerer prometheus.Registerer) error {
	return errors.Join(
		registerer.Register(ScansTotal),
		registerer.Register(ProbesTotal),
		registerer.Register(BlacklistSize),
		registerer.Register(CatalogSize),
		registerer.Register(ActiveWorkers),
		registerer.Register(ConnectionsTotal),
	)
}

func init() {
	ScansTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gridserver_scans_total",
		Help: "Plugin scan passes by final status",
	}, []string{"status"})
	ProbesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gridserver_probes_total",
		Help: "Isolated plugin probes by format and outcome",
	}, []string{"format", "outcome"})
	BlacklistSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gridserver_blacklist_size",
		Help: "Identifiers currently blacklisted",
	})
	CatalogSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gridserver_catalog_size",
		Help: "Plugin descriptors in the catalog",
	})
	ActiveWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gridserver_active_workers",
		Help: "Workers tracked by the registry",
	})
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gridserver_connections_total",
		Help: "Client connections accepted",
	})
}
