package orchestrator

import "github.com/prometheus/client_golang/prometheus"

var (
	loadedModels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "orchestd",
			Subsystem: "models",
			Name:      "loaded",
			Help:      "Number of currently loaded model instances",
		},
	)

	residentBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "orchestd",
			Subsystem: "memory",
			Name:      "resident_bytes",
			Help:      "Accounted resident bytes across loaded models",
		},
	)

	loadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestd",
			Subsystem: "models",
			Name:      "loads_total",
			Help:      "Total model load attempts by outcome",
		},
		[]string{"outcome"},
	)

	generationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestd",
			Subsystem: "generate",
			Name:      "requests_total",
			Help:      "Total generation requests by outcome",
		},
		[]string{"outcome"},
	)

	recoveryActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestd",
			Subsystem: "recovery",
			Name:      "actions_total",
			Help:      "Recovery actions taken by kind",
		},
		[]string{"action"},
	)

	evictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "orchestd",
			Subsystem: "memory",
			Name:      "pressure_events_total",
			Help:      "Memory pressure events handled",
		},
	)
)

func init() {
	prometheus.MustRegister(loadedModels, residentBytes, loadsTotal,
		generationsTotal, recoveryActionsTotal, evictionsTotal)
}

func (o *Orchestrator) syncGauges() {
	o.mu.RLock()
	loadedModels.Set(float64(len(o.instances)))
	o.mu.RUnlock()
	residentBytes.Set(float64(o.mem.UsedBytes()))
}
