package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Decision engine metrics
var (
	// Cycle metrics
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_cycles_total",
			Help: "Total number of decision cycles by outcome",
		},
		[]string{"tier", "status"}, // status: applied/no_plan/error
	)

	TicksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aegis_live_ticks_total",
			Help: "Total number of ticks advanced on live clusters",
		},
	)

	// Shadow metrics
	BranchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_shadow_branches_total",
			Help: "Total number of shadow branches simulated",
		},
		[]string{"branch", "status"}, // status: ok/failed/cached
	)

	BranchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aegis_shadow_branch_duration_seconds",
			Help:    "Shadow branch simulation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		},
		[]string{"branch"},
	)

	// Diagnosis metrics
	HypothesesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_hypotheses_rejected_total",
			Help: "Total number of echoed forbidden hypotheses dropped by the diagnoser",
		},
		[]string{"kind"},
	)

	OracleRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_oracle_requests_total",
			Help: "Total number of hypothesis oracle requests",
		},
		[]string{"oracle", "status"},
	)

	// Selection metrics
	SelectedPlanRisk = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aegis_selected_plan_risk",
			Help:    "Propagation risk of the selected plan",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	// Learning metrics
	RulesEmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aegis_procedural_rules_emitted_total",
			Help: "Total number of procedural rules emitted by reflection",
		},
	)

	BeliefsGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aegis_beliefs",
			Help: "Current number of stored beliefs and rules",
		},
		[]string{"kind"},
	)
)
