package coordinator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/agenthive/orchestrator-core/internal/assignment"
	"github.com/agenthive/orchestrator-core/internal/event"
	"github.com/agenthive/orchestrator-core/internal/registry"
	"github.com/agenthive/orchestrator-core/internal/resource"
	"github.com/agenthive/orchestrator-core/internal/store"
	"github.com/agenthive/orchestrator-core/internal/task"
)

// Coordinator runs the single cooperative scheduling loop of spec.md
// §4.5 on a fixed tick, plus on demand via Tick for submission/completion
// events.
type Coordinator struct {
	queue                       *task.Queue
	agents                      *registry.Registry
	res                         *resource.Manager
	assigns                     *assignment.Store
	bus                         *event.Bus
	st                          store.Store
	policy                      Policy
	interval                    time.Duration
	completionTimeoutMultiplier float64
	defaultEffort               time.Duration
}

// New constructs a Coordinator.
func New(queue *task.Queue, agents *registry.Registry, res *resource.Manager, assigns *assignment.Store, bus *event.Bus, st store.Store, policy Policy, interval time.Duration, completionTimeoutMultiplier float64, defaultEffort time.Duration) *Coordinator {
	return &Coordinator{
		queue:                       queue,
		agents:                      agents,
		res:                         res,
		assigns:                     assigns,
		bus:                         bus,
		st:                          st,
		policy:                      policy,
		interval:                    interval,
		completionTimeoutMultiplier: completionTimeoutMultiplier,
		defaultEffort:               defaultEffort,
	}
}

// AdjustPolicyWeights updates the base weights consulted by the weighted
// scheduling policy (spec.md §6's adjust-policy-weights operation). It
// fails if the active policy isn't weighted, since base weights have no
// meaning under the other four.
func (c *Coordinator) AdjustPolicyWeights(weights map[string]float64) error {
	w, ok := c.policy.(*Weighted)
	if !ok {
		return fmt.Errorf("coordinator: active policy %q does not accept weight adjustments", c.policy.Name())
	}
	w.SetBaseWeights(weights)
	return nil
}

// Run ticks the scheduler at c.interval until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	log.Printf("[COORDINATOR] scheduling loop started (interval=%v policy=%s)", c.interval, c.policy.Name())
	for {
		select {
		case <-ctx.Done():
			log.Printf("[COORDINATOR] scheduling loop stopping")
			return
		case <-ticker.C:
			c.Tick()
		}
	}
}

// Tick runs exactly one scheduling pass: every healthy agent with spare
// capacity is offered the highest-ranked capability-matching ready task
// that does not exclude it (subject to the policy's Score), highest-free-capacity
// first, until every agent has either been offered a task or has no
// capability-matching ready task (spec.md §4.5).
func (c *Coordinator) Tick() {
	healthy := c.agents.List(registry.Filter{Health: registry.HealthHealthy, MinFreeCapacity: 1})
	if len(healthy) == 0 {
		return // no-op tick; tasks remain queued (spec.md §4.5 edge case)
	}
	sortByFreeCapacityDesc(healthy)

	for _, agent := range healthy {
		for agent.FreeCapacity() > 0 {
			ready := c.queue.Ready()
			candidate := firstMatchingCapability(ready, agent)
			if candidate == nil {
				break
			}
			if !c.dispatch(candidate, agent) {
				c.bus.Publish(event.New(event.TypePolicyDecision, "coordinator", candidate.ID, map[string]any{
					"decision": "no-fit",
					"agent_id": agent.ID,
				}))
				break
			}
			agent.CurrentLoad++
		}
	}
}

func firstMatchingCapability(ready []*task.Task, agent *registry.Agent) *task.Task {
	for _, t := range ready {
		if t.ExcludesAgent(agent.ID) {
			continue
		}
		if agent.HasCapability(t.Kind) {
			return t
		}
	}
	return nil
}

// dispatch attempts to place candidate on agent: score, reserve, then
// withdraw the task and persist its Assignment as one atomic store
// transaction, so a crash between the two can never leave a task assigned
// without a matching Assignment record (spec.md §4.1, I1). Any failure
// along the way reverts partial state and leaves the task in the queue for
// the next tick (spec.md §4.5 step 4).
func (c *Coordinator) dispatch(candidate *task.Task, agent *registry.Agent) bool {
	score := c.policy.Score(candidate, agent)
	if !score.Acceptable {
		return false
	}

	req := resource.Requirements{
		CPUCores:    candidate.Resources.CPUCores,
		MemoryMB:    candidate.Resources.MemoryMB,
		DiskMB:      candidate.Resources.DiskMB,
		NetworkMbps: candidate.Resources.NetworkMbp,
	}
	alloc, err := c.res.Reserve(agent.ID, candidate.ID, req)
	if err != nil {
		_ = c.queue.MarkBlocked(candidate.ID)
		return false
	}

	now := time.Now()
	deadline := now.Add(time.Duration(float64(candidate.EffortEstimate(c.defaultEffort)) * c.completionTimeoutMultiplier))
	a := &assignment.Assignment{
		ID:               "assign-" + uuid.New().String(),
		TaskID:           candidate.ID,
		AgentID:          agent.ID,
		AllocationID:     alloc.ID,
		AssignedAt:       now,
		ExpectedDeadline: deadline,
		LastHeartbeatAt:  now,
		LastProgressAt:   now,
		Status:           assignment.StatusActive,
	}
	assignItem, err := c.assigns.Item(a)
	if err != nil {
		log.Printf("[COORDINATOR] failed to encode assignment for %s, releasing reservation: %v", candidate.ID, err)
		_ = c.res.Release(alloc.ID)
		return false
	}

	_, err = c.queue.WithdrawVia(candidate.ID, func(taskItem store.Item) error {
		return c.st.Transact(
			store.TxOp{Collection: store.CollectionTasks, Item: taskItem},
			store.TxOp{Collection: store.CollectionAssignments, Item: assignItem},
		)
	})
	if err != nil {
		log.Printf("[COORDINATOR] withdraw+assign transaction failed for %s, releasing reservation: %v", candidate.ID, err)
		_ = c.res.Release(alloc.ID)
		return false
	}
	if err := c.agents.ReviseLoad(agent.ID, 1); err != nil {
		log.Printf("[COORDINATOR] failed to revise load for %s: %v", agent.ID, err)
	}

	log.Printf("[COORDINATOR] assigned task %s to agent %s (score=%.3f)", candidate.ID, agent.ID, score.Value)
	c.bus.Publish(event.New(event.TypeTaskAssigned, "coordinator", candidate.ID, map[string]any{
		"agent_id":      agent.ID,
		"assignment_id": a.ID,
	}))
	return true
}

func sortByFreeCapacityDesc(agents []*registry.Agent) {
	for i := 1; i < len(agents); i++ {
		for j := i; j > 0 && agents[j-1].FreeCapacity() < agents[j].FreeCapacity(); j-- {
			agents[j-1], agents[j] = agents[j], agents[j-1]
		}
	}
}
