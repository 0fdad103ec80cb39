// Package metrics exposes Prometheus gauges/counters for the fleet. This is
// ambient observability of the core engine itself, distinct from the
// telemetry-export Non-goal (spec §1), which concerns shipping data to
// external systems.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AgentsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "trinity",
		Subsystem: "fleet",
		Name:      "agents_running",
		Help:      "Number of agents currently in the running state.",
	})

	ChatQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "trinity",
		Subsystem: "execution",
		Name:      "chat_queue_depth",
		Help:      "Number of chat executions queued per agent.",
	}, []string{"agent"})

	TaskExecutionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "trinity",
		Subsystem: "execution",
		Name:      "task_executions_active",
		Help:      "Number of task executions currently running fleet-wide.",
	})

	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trinity",
		Subsystem: "execution",
		Name:      "executions_total",
		Help:      "Executions by mode and terminal status.",
	}, []string{"mode", "status"})

	ScheduleFiresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "trinity",
		Subsystem: "scheduler",
		Name:      "fires_total",
		Help:      "Schedules that produced a chat execution.",
	})

	SupervisorAlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trinity",
		Subsystem: "supervisor",
		Name:      "alerts_total",
		Help:      "Alerts emitted by the supervisor, by kind and severity.",
	}, []string{"kind", "severity"})

	CostGuardTripsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "trinity",
		Subsystem: "supervisor",
		Name:      "cost_guard_trips_total",
		Help:      "Times an agent was paused for exceeding its daily cost limit.",
	})
)
