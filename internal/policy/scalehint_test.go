package policy

import (
	"testing"

	"github.com/agenthive/orchestrator-core/internal/registry"
	"github.com/agenthive/orchestrator-core/internal/resource"
	"github.com/agenthive/orchestrator-core/internal/task"
)

func TestDetectScaleUpNoTriggerOnHealthyHive(t *testing.T) {
	tasks := []*task.Task{{Status: task.StatusReady}, {Status: task.StatusRunning}}
	agents := []*registry.Agent{{Health: registry.HealthHealthy}}
	got := DetectScaleUp(tasks, agents, resource.Hint{}, DefaultScaleHintThresholds())
	if got.ShouldScaleUp {
		t.Errorf("expected no scale-up hint, got %+v", got)
	}
}

func TestDetectScaleUpTriggersOnDeepReadyQueue(t *testing.T) {
	var tasks []*task.Task
	for i := 0; i < 25; i++ {
		tasks = append(tasks, &task.Task{Status: task.StatusReady})
	}
	got := DetectScaleUp(tasks, nil, resource.Hint{}, DefaultScaleHintThresholds())
	if !got.ShouldScaleUp {
		t.Fatal("expected scale-up hint for deep ready queue")
	}
}

func TestDetectScaleUpTriggersOnHighBlockedRatio(t *testing.T) {
	tasks := []*task.Task{
		{Status: task.StatusBlockedOnResource},
		{Status: task.StatusBlockedOnResource},
		{Status: task.StatusRunning},
	}
	got := DetectScaleUp(tasks, nil, resource.Hint{}, DefaultScaleHintThresholds())
	if !got.ShouldScaleUp {
		t.Fatal("expected scale-up hint for high blocked ratio")
	}
}

func TestDetectScaleUpTriggersOnUnresponsiveAgents(t *testing.T) {
	agents := []*registry.Agent{
		{Health: registry.HealthUnresponsive},
		{Health: registry.HealthUnresponsive},
		{Health: registry.HealthHealthy},
	}
	got := DetectScaleUp(nil, agents, resource.Hint{}, DefaultScaleHintThresholds())
	if !got.ShouldScaleUp {
		t.Fatal("expected scale-up hint for majority-unresponsive agents")
	}
}

func TestDetectScaleUpTriggersOnMultiDimensionOvercommit(t *testing.T) {
	hint := resource.Hint{OverCommitted: []string{"cpu", "memory"}}
	got := DetectScaleUp(nil, nil, hint, DefaultScaleHintThresholds())
	if !got.ShouldScaleUp {
		t.Fatal("expected scale-up hint when two+ dimensions over-committed")
	}
}
