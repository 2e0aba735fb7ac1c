package balanz

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var allocatorRuns = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "balanz",
	Name:      "allocator_runs_total",
	Help:      "Total number of allocator cycles executed.",
})

var offerChanges = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "balanz",
	Name:      "offer_changes_total",
	Help:      "Total number of offer changes computed.",
}, []string{"direction"})

func observeAllocatorRun(reduced, grown int) {
	allocatorRuns.Inc()
	offerChanges.With(prometheus.Labels{"direction": "reduce"}).Add(float64(reduced))
	offerChanges.With(prometheus.Labels{"direction": "grow"}).Add(float64(grown))
}
