// Package metrics defines the service's Prometheus collectors and the handler
// that exposes them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TrajectoriesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "droidfarm_trajectories_created_total",
		Help: "Trajectories created, including adoptions of running emulators.",
	})

	TrajectoriesRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "droidfarm_trajectories_removed_total",
		Help: "Trajectories removed, including idle prunes.",
	})

	ActiveTrajectories = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "droidfarm_trajectories_active",
		Help: "Trajectories currently bound to an emulator.",
	})

	Steps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "droidfarm_steps_total",
		Help: "Actions executed across all trajectories.",
	})

	StepErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "droidfarm_step_errors_total",
		Help: "Actions that failed to execute.",
	})

	BootDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "droidfarm_emulator_boot_seconds",
		Help:    "Time from emulator launch to boot completed.",
		Buckets: prometheus.ExponentialBuckets(5, 2, 6),
	})

	WorkerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "droidfarm_worker_restarts_total",
		Help: "Worker restarts triggered by the coordinator monitor.",
	}, []string{"worker"})

	RewardCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "droidfarm_reward_cache_hits_total",
		Help: "Reward computations served from the cache.",
	})
)

// Handler exposes the default registry, for mounting at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
