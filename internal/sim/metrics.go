package sim

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_active_agents",
		Help: "Number of agents currently in world",
	})

	activeBattles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_active_battles",
		Help: "Number of active battles",
	})

	hookFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_hook_failures_total",
		Help: "Total number of tick/event hook panics",
	})

	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arena_tick_duration_seconds",
		Help:    "Duration of a simulation tick",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	slowTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_slow_ticks_total",
		Help: "Total number of ticks exceeding the tick period",
	})
)
