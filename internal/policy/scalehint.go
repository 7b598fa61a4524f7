package policy

import (
	"fmt"

	"github.com/agenthive/orchestrator-core/internal/registry"
	"github.com/agenthive/orchestrator-core/internal/resource"
	"github.com/agenthive/orchestrator-core/internal/task"
)

// ScaleHint is an advisory signal that the agent population or resource
// caps may need attention. It carries no authority to act — spec.md keeps
// scaling decisions external to the core — mirroring how
// resource.Manager.OptimizationHint is read-only. It is grounded on the
// teacher's bootstrap.ScaleUpDetector.ShouldScaleUp: the same
// ordered-trigger-list-with-a-reason-string shape, restructured from
// "start a bigger deployment" to "tell the operator why headroom is tight".
type ScaleHint struct {
	ShouldScaleUp bool   `json:"should_scale_up"`
	Reason        string `json:"reason,omitempty"`
}

// ScaleHintThresholds parameterizes DetectScaleUp's trigger conditions.
type ScaleHintThresholds struct {
	// QueueDepthTrigger fires when more ready tasks are waiting than this.
	QueueDepthTrigger int
	// BlockedRatioTrigger fires when the fraction of non-terminal tasks
	// stuck in blocked-on-resources exceeds this.
	BlockedRatioTrigger float64
	// UnresponsiveRatioTrigger fires when the fraction of registered
	// agents that are unresponsive exceeds this.
	UnresponsiveRatioTrigger float64
}

// DefaultScaleHintThresholds mirrors the soft defaults spec.md §6 implies
// for a healthy hive: a deep ready queue, widespread resource blocking, or
// a large unresponsive fraction all suggest the agent pool is undersized.
func DefaultScaleHintThresholds() ScaleHintThresholds {
	return ScaleHintThresholds{
		QueueDepthTrigger:        20,
		BlockedRatioTrigger:      0.25,
		UnresponsiveRatioTrigger: 0.34,
	}
}

// DetectScaleUp inspects live queue, agent, and resource-ledger state and
// reports whether the hive looks undersized, and why. It never mutates
// anything and never spawns infrastructure; it is purely advisory.
func DetectScaleUp(tasks []*task.Task, agents []*registry.Agent, hint resource.Hint, th ScaleHintThresholds) ScaleHint {
	readyCount := 0
	blockedCount := 0
	nonTerminal := 0
	for _, t := range tasks {
		if t.Status == task.StatusReady {
			readyCount++
		}
		if t.Status == task.StatusBlockedOnResource {
			blockedCount++
		}
		if !t.Status.IsTerminal() {
			nonTerminal++
		}
	}

	if readyCount > th.QueueDepthTrigger {
		return ScaleHint{true, fmt.Sprintf("%d tasks ready and unassigned, above threshold %d", readyCount, th.QueueDepthTrigger)}
	}

	if nonTerminal > 0 {
		ratio := float64(blockedCount) / float64(nonTerminal)
		if ratio > th.BlockedRatioTrigger {
			return ScaleHint{true, fmt.Sprintf("%.0f%% of active tasks blocked on resources, above threshold %.0f%%", ratio*100, th.BlockedRatioTrigger*100)}
		}
	}

	if len(agents) > 0 {
		unresponsive := 0
		for _, a := range agents {
			if a.Health == registry.HealthUnresponsive {
				unresponsive++
			}
		}
		ratio := float64(unresponsive) / float64(len(agents))
		if ratio > th.UnresponsiveRatioTrigger {
			return ScaleHint{true, fmt.Sprintf("%.0f%% of agents unresponsive, above threshold %.0f%%", ratio*100, th.UnresponsiveRatioTrigger*100)}
		}
	}

	if len(hint.OverCommitted) >= 2 {
		return ScaleHint{true, fmt.Sprintf("resource dimensions over-committed: %v", hint.OverCommitted)}
	}

	return ScaleHint{}
}
