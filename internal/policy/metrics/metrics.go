// Package metrics exposes the orchestration core's Prometheus surface: task
// throughput and latency, agent health distribution, resource ledger
// pressure, and monitor escalations. It is grounded on the hortator
// controller's internal/controller/metrics.go — the same
// CounterVec/GaugeVec/Histogram declarations registered once in a
// constructor rather than a package init — wired here to the domain
// event.Bus instead of a Kubernetes reconcile loop.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agenthive/orchestrator-core/internal/event"
	"github.com/agenthive/orchestrator-core/internal/registry"
	"github.com/agenthive/orchestrator-core/internal/resource"
	"github.com/agenthive/orchestrator-core/internal/task"
)

// Collector owns every Prometheus metric the orchestration core exports and
// keeps them current by subscribing to the domain event bus.
type Collector struct {
	registry *prometheus.Registry

	tasksTotal          *prometheus.CounterVec
	tasksByStatus       *prometheus.GaugeVec
	taskDurationSeconds prometheus.Histogram
	reassignmentsTotal  prometheus.Counter
	escalationsTotal    *prometheus.CounterVec
	agentsByHealth      *prometheus.GaugeVec
	resourceUsedRatio   *prometheus.GaugeVec
	droppedEventsTotal  prometheus.Counter
	lastDroppedEvents   uint64
}

// New constructs a Collector with a private Prometheus registry, so tests
// can instantiate more than one Collector without colliding on the global
// default registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_tasks_total",
			Help: "Total tasks submitted, labeled by terminal outcome.",
		}, []string{"outcome"}),
		tasksByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_tasks_by_status",
			Help: "Current number of tasks in each lifecycle status.",
		}, []string{"status"}),
		taskDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orchestrator_task_duration_seconds",
			Help:    "Wall-clock duration from submission to a terminal status.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16), // 1s .. ~18h
		}),
		reassignmentsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_reassignments_total",
			Help: "Total assignment reassignments performed by the accountability monitor.",
		}),
		escalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_escalations_total",
			Help: "Total escalations raised, labeled by kind and severity.",
		}, []string{"kind", "severity"}),
		agentsByHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_agents_by_health",
			Help: "Current number of agents in each health rung.",
		}, []string{"health"}),
		resourceUsedRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_resource_used_ratio",
			Help: "Fraction of each resource dimension's cap currently reserved.",
		}, []string{"dimension"}),
		droppedEventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_dropped_events_total",
			Help: "Total domain events dropped due to a full subscriber channel.",
		}),
	}
	reg.MustRegister(
		c.tasksTotal, c.tasksByStatus, c.taskDurationSeconds, c.reassignmentsTotal,
		c.escalationsTotal, c.agentsByHealth, c.resourceUsedRatio, c.droppedEventsTotal,
	)
	return c
}

// Registry returns the Prometheus registry a /metrics handler should serve
// (via promhttp.HandlerFor).
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Subscribe attaches the collector to bus, updating counters as domain
// events arrive. Call in its own goroutine; it does not return, since its
// subscription channel is never closed.
func (c *Collector) Subscribe(bus *event.Bus) {
	ch := bus.Subscribe(nil)
	for e := range ch {
		c.observe(e)
	}
}

func (c *Collector) observe(e event.Event) {
	switch e.Type {
	case event.TypeTaskCompleted:
		c.tasksTotal.WithLabelValues("completed").Inc()
	case event.TypeTaskFailed:
		c.tasksTotal.WithLabelValues("failed").Inc()
	case event.TypeTaskAbandoned:
		c.tasksTotal.WithLabelValues("abandoned").Inc()
	case event.TypeTaskEscalated:
		c.tasksTotal.WithLabelValues("escalated").Inc()
	case event.TypeTaskReady:
		if _, reassigned := e.Payload["prior_assignment"]; reassigned {
			c.reassignmentsTotal.Inc()
		}
	case event.TypeMonitorEscalation:
		kind, _ := e.Payload["kind"].(string)
		severity, _ := e.Payload["severity"].(string)
		c.escalationsTotal.WithLabelValues(kind, severity).Inc()
	}
}

// ObserveTaskDuration records the wall-clock time a completed/failed task
// spent in the backlog, called by the caller holding the before/after
// timestamps (the bus carries no duration of its own).
func (c *Collector) ObserveTaskDuration(d time.Duration) {
	c.taskDurationSeconds.Observe(d.Seconds())
}

// RefreshGauges recomputes the point-in-time gauges (task status counts,
// agent health distribution, resource pressure, dropped-event total) from
// live component state. Intended to be ticked alongside the monitor's sweep.
func (c *Collector) RefreshGauges(tasks []*task.Task, agents []*registry.Agent, ledger resource.Ledger, droppedEvents uint64) {
	statusCounts := make(map[task.Status]int)
	for _, t := range tasks {
		statusCounts[t.Status]++
	}
	for _, status := range []task.Status{
		task.StatusPending, task.StatusReady, task.StatusAssigned, task.StatusRunning,
		task.StatusAwaitingEvidence, task.StatusCompleted, task.StatusFailed,
		task.StatusAbandoned, task.StatusEscalatedToHuman, task.StatusBlockedOnResource,
	} {
		c.tasksByStatus.WithLabelValues(string(status)).Set(float64(statusCounts[status]))
	}

	healthCounts := make(map[registry.Health]int)
	for _, a := range agents {
		healthCounts[a.Health]++
	}
	for _, health := range []registry.Health{
		registry.HealthHealthy, registry.HealthSuspect, registry.HealthUnresponsive, registry.HealthDrained,
	} {
		c.agentsByHealth.WithLabelValues(string(health)).Set(float64(healthCounts[health]))
	}

	setRatio := func(dimension string, used, cap float64) {
		if cap <= 0 {
			c.resourceUsedRatio.WithLabelValues(dimension).Set(0)
			return
		}
		c.resourceUsedRatio.WithLabelValues(dimension).Set(used / cap)
	}
	setRatio("cpu", ledger.Used.CPUCores, ledger.Caps.CPUCores)
	setRatio("memory", float64(ledger.Used.MemoryMB), float64(ledger.Caps.MemoryMB))
	setRatio("disk", float64(ledger.Used.DiskMB), float64(ledger.Caps.DiskMB))
	setRatio("network", float64(ledger.Used.NetworkMbps), float64(ledger.Caps.NetworkMbps))

	// event.Bus.DroppedEventCount is itself cumulative; a Prometheus
	// Counter only supports Add, so track the last-seen total and add the
	// delta rather than re-setting it.
	if droppedEvents > c.lastDroppedEvents {
		c.droppedEventsTotal.Add(float64(droppedEvents - c.lastDroppedEvents))
		c.lastDroppedEvents = droppedEvents
	}
}
