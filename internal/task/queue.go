package task

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/agenthive/orchestrator-core/internal/store"
)

// Queue is the durable, priority-and-dependency-ordered task backlog of
// spec.md §4.4, grounded on the teacher's tasks.Queue: an in-memory index
// guarded by a RWMutex, kept in lockstep with a durable store so state
// survives a restart. Where the teacher sorts purely on Priority and
// CreatedAt, Queue ranks on readiness, deadline proximity, priority, and
// submission time, in that order.
type Queue struct {
	mu        sync.RWMutex
	tasks     map[string]*Task
	st        store.Store
	softCap   int
	admission *rate.Limiter
}

// Option configures optional Queue behavior at construction time.
type Option func(*Queue)

// WithSoftCap enables token-bucket admission shaping once the backlog of
// non-terminal tasks reaches softCap: further submissions must acquire a
// token from a slowly-refilling bucket, so the backlog keeps growing under
// sustained load but at a throttled rate, instead of either blocking the
// caller or growing unbounded (spec.md's queue_soft_cap back-pressure).
// Below the cap, Submit is unaffected.
func WithSoftCap(softCap int) Option {
	return func(q *Queue) {
		if softCap <= 0 {
			return
		}
		burst := softCap / 10
		if burst < 1 {
			burst = 1
		}
		q.softCap = softCap
		q.admission = rate.NewLimiter(rate.Every(time.Minute/time.Duration(softCap)), burst)
	}
}

// NewQueue loads every task from st and returns a populated Queue.
func NewQueue(st store.Store, opts ...Option) (*Queue, error) {
	q := &Queue{
		tasks: make(map[string]*Task),
		st:    st,
	}
	items, err := st.ScanAll(store.CollectionTasks)
	if err != nil {
		return nil, fmt.Errorf("task queue: load: %w", err)
	}
	for _, item := range items {
		var t Task
		if err := json.Unmarshal(item.Value, &t); err != nil {
			return nil, fmt.Errorf("task queue: decode %s: %w", item.ID, err)
		}
		q.tasks[t.ID] = &t
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// backlogLocked counts non-terminal tasks. Caller must hold q.mu.
func (q *Queue) backlogLocked() int {
	n := 0
	for _, t := range q.tasks {
		if !t.Status.IsTerminal() {
			n++
		}
	}
	return n
}

// Submit validates t, rejects cyclic prerequisite chains, persists it, and
// adds it to the in-memory index. Tasks with no unmet prerequisites are
// immediately promoted to StatusReady.
func (q *Queue) Submit(t *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := t.Validate(); err != nil {
		return err
	}
	if _, exists := q.tasks[t.ID]; exists {
		return ErrAlreadyExists
	}
	if q.admission != nil && q.backlogLocked() >= q.softCap && !q.admission.Allow() {
		return ErrQueueFull
	}
	for _, dep := range t.Prerequisites {
		if _, ok := q.tasks[dep]; !ok {
			return fmt.Errorf("%w: prerequisite %q not found", ErrInvalidTask, dep)
		}
	}
	if q.wouldCycleLocked(t.ID, t.Prerequisites) {
		return ErrCyclicDependency
	}

	if t.Status == "" {
		t.Status = StatusPending
	}
	if q.readyLocked(t) {
		t.Status = StatusReady
	}

	if err := q.persistLocked(t); err != nil {
		return err
	}
	q.tasks[t.ID] = t
	return nil
}

// wouldCycleLocked reports whether adding an edge from id to each of deps
// would create a cycle in the prerequisite graph. Caller must hold q.mu.
func (q *Queue) wouldCycleLocked(id string, deps []string) bool {
	visited := make(map[string]bool)
	var visit func(string) bool
	visit = func(cur string) bool {
		if cur == id {
			return true
		}
		if visited[cur] {
			return false
		}
		visited[cur] = true
		t, ok := q.tasks[cur]
		if !ok {
			return false
		}
		for _, dep := range t.Prerequisites {
			if visit(dep) {
				return true
			}
		}
		return false
	}
	for _, dep := range deps {
		if visit(dep) {
			return true
		}
	}
	return false
}

// readyLocked reports whether every prerequisite of t has completed.
// Caller must hold q.mu.
func (q *Queue) readyLocked(t *Task) bool {
	for _, dep := range t.Prerequisites {
		p, ok := q.tasks[dep]
		if !ok || p.Status != StatusCompleted {
			return false
		}
	}
	return true
}

func (q *Queue) persistLocked(t *Task) error {
	value, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("task queue: encode %s: %w", t.ID, err)
	}
	item := store.Item{
		ID:    t.ID,
		Value: value,
		IndexKeys: map[string]string{
			store.IndexTasksByStatus: string(t.Status),
		},
	}
	if err := q.st.Put(store.CollectionTasks, item); err != nil {
		return fmt.Errorf("task queue: persist %s: %w", t.ID, err)
	}
	return nil
}

// GetByID returns the task with the given id, or ErrNotFound.
func (q *Queue) GetByID(id string) (*Task, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	t, ok := q.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

// All returns every task known to the queue, a defensive copy of the slice
// (not of each task).
func (q *Queue) All() []*Task {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]*Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, t)
	}
	return out
}

// ByStatus returns every task in the given status.
func (q *Queue) ByStatus(status Status) []*Task {
	q.mu.RLock()
	defer q.mu.RUnlock()
	var out []*Task
	for _, t := range q.tasks {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out
}

// Ready returns every StatusReady task ordered per spec.md §4.4: deadline
// proximity (earlier deadlines first, tasks with no deadline last), then
// priority (higher first), then submission time (earlier first). Readiness
// itself is the filter, not a sort key, since every item returned is
// already ready.
func (q *Queue) Ready() []*Task {
	q.mu.RLock()
	defer q.mu.RUnlock()
	var out []*Task
	for _, t := range q.tasks {
		if t.Status == StatusReady {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		ad, bd := deadlineRank(a.Deadline), deadlineRank(b.Deadline)
		if ad != bd {
			return ad < bd
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.SubmittedAt.Before(b.SubmittedAt)
	})
	return out
}

func deadlineRank(d *time.Time) int64 {
	if d == nil {
		return int64(^uint64(0) >> 1) // max int64: no deadline sorts last
	}
	return d.UnixNano()
}

// Withdraw atomically moves a ready task to assigned, using the store's
// compare-and-swap so a task can never be handed to two agents at once
// (spec.md §4.4's "withdraw" operation).
func (q *Queue) Withdraw(id string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !t.CanTransition(StatusAssigned) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusAssigned)
	}

	existing, err := q.st.Get(store.CollectionTasks, id)
	if err != nil {
		return nil, fmt.Errorf("task queue: withdraw %s: %w", id, err)
	}

	next := t.Clone()
	if err := next.TransitionTo(StatusAssigned); err != nil {
		return nil, err
	}
	value, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("task queue: withdraw %s: encode: %w", id, err)
	}
	item := store.Item{
		ID:    id,
		Value: value,
		IndexKeys: map[string]string{
			store.IndexTasksByStatus: string(next.Status),
		},
	}
	if _, err := q.st.CompareAndSwap(store.CollectionTasks, item, existing.Version); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConflict, err)
	}
	q.tasks[id] = next
	return next, nil
}

// WithdrawVia performs the same ready-to-assigned transition as Withdraw,
// but hands the resulting store.Item to persistFn instead of writing it
// itself, so the caller can fold it into a larger atomic Transact call
// alongside another collection's write (spec.md §4.1, §4.5 step 3: the
// task's withdrawal and its Assignment's creation happen as one atomic
// step). The in-memory transition is only applied once persistFn succeeds,
// and the whole sequence runs under q.mu so no other Queue method can
// observe or race the half-applied transition.
func (q *Queue) WithdrawVia(id string, persistFn func(store.Item) error) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !t.CanTransition(StatusAssigned) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusAssigned)
	}

	next := t.Clone()
	if err := next.TransitionTo(StatusAssigned); err != nil {
		return nil, err
	}
	value, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("task queue: withdraw %s: encode: %w", id, err)
	}
	item := store.Item{
		ID:    id,
		Value: value,
		IndexKeys: map[string]string{
			store.IndexTasksByStatus: string(next.Status),
		},
	}
	if err := persistFn(item); err != nil {
		return nil, err
	}
	q.tasks[id] = next
	return next, nil
}

// MarkBlocked transitions a ready task to blocked-on-resources when no
// agent combination can satisfy its resource requirements this tick
// (spec.md §4.5's "every ready task exceeds system-wide resource caps"
// edge case). The queue re-evaluates it on each resource release.
func (q *Queue) MarkBlocked(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if !t.CanTransition(StatusBlockedOnResource) {
		return nil
	}
	next := t.Clone()
	if err := next.TransitionTo(StatusBlockedOnResource); err != nil {
		return err
	}
	if err := q.persistLocked(next); err != nil {
		return err
	}
	q.tasks[id] = next
	return nil
}

// UnblockAll transitions every blocked-on-resources task back to ready,
// for the monitor to call after a resource release frees up headroom
// (spec.md §4.5: "the Queue re-evaluates on each release").
func (q *Queue) UnblockAll() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, t := range q.tasks {
		if t.Status != StatusBlockedOnResource {
			continue
		}
		next := t.Clone()
		if err := next.TransitionTo(StatusReady); err != nil {
			continue
		}
		if err := q.persistLocked(next); err != nil {
			return err
		}
		q.tasks[id] = next
	}
	return nil
}

// Requeue moves a task back to ready, for use when an assignment is
// abandoned or an agent fails an accountability check.
func (q *Queue) Requeue(id string) error {
	return q.requeueLocked(id, "")
}

// RequeueExcluding requeues a task exactly like Requeue, additionally
// recording agentID as ruled out for this task (spec.md §4.6 step 3), so
// the coordinator's next tick will not redispatch it to the same agent
// that just stalled or lost heartbeat on it.
func (q *Queue) RequeueExcluding(id, agentID string) error {
	return q.requeueLocked(id, agentID)
}

func (q *Queue) requeueLocked(id, excludeAgentID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return ErrNotFound
	}
	next := t.Clone()
	if err := next.TransitionTo(StatusReady); err != nil {
		return err
	}
	next.ReassignmentCount++
	if excludeAgentID != "" && !next.ExcludesAgent(excludeAgentID) {
		next.ExcludedAgents = append(next.ExcludedAgents, excludeAgentID)
	}
	if err := q.persistLocked(next); err != nil {
		return err
	}
	q.tasks[id] = next
	return nil
}

// Finish marks a task completed or failed and, on failure, cascades
// StatusAbandoned to every task whose prerequisites can no longer be met.
// On success it promotes any dependent task whose prerequisites are now
// all satisfied to StatusReady.
func (q *Queue) Finish(id string, succeeded bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return ErrNotFound
	}
	next := t.Clone()
	target := StatusCompleted
	if !succeeded {
		target = StatusFailed
	}
	if err := next.TransitionTo(target); err != nil {
		return err
	}
	if err := q.persistLocked(next); err != nil {
		return err
	}
	q.tasks[id] = next

	for _, dep := range q.tasks {
		if !dependsOn(dep, id) {
			continue
		}
		if !succeeded {
			if dep.Status.IsTerminal() {
				continue
			}
			ab := dep.Clone()
			if err := ab.TransitionTo(StatusAbandoned); err != nil {
				continue
			}
			if err := q.persistLocked(ab); err == nil {
				q.tasks[ab.ID] = ab
			}
			continue
		}
		if dep.Status == StatusPending && q.readyLocked(dep) {
			rd := dep.Clone()
			if err := rd.TransitionTo(StatusReady); err != nil {
				continue
			}
			if err := q.persistLocked(rd); err == nil {
				q.tasks[rd.ID] = rd
			}
		}
	}
	return nil
}

func dependsOn(t *Task, id string) bool {
	for _, dep := range t.Prerequisites {
		if dep == id {
			return true
		}
	}
	return false
}

// Transition forces a single non-cascading status change on a task,
// enforcing only the lifecycle graph — no dependent cascade, no
// reassignment bookkeeping. It backs the monitor's running/
// awaiting-evidence bookkeeping and agent assignment acknowledgements.
func (q *Queue) Transition(id string, newStatus Status) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return ErrNotFound
	}
	next := t.Clone()
	if err := next.TransitionTo(newStatus); err != nil {
		return err
	}
	if err := q.persistLocked(next); err != nil {
		return err
	}
	q.tasks[id] = next
	return nil
}

// EscalateToHuman moves a task to escalated-to-human from any non-terminal
// status, for use once the accountability monitor exhausts
// max_reassignments (spec.md §4.6). Terminal dependents are left alone;
// non-terminal ones cascade to abandoned, mirroring Finish's failure path.
func (q *Queue) EscalateToHuman(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return ErrNotFound
	}
	next := t.Clone()
	if err := next.TransitionTo(StatusEscalatedToHuman); err != nil {
		return err
	}
	next.EscalationCount++
	if err := q.persistLocked(next); err != nil {
		return err
	}
	q.tasks[id] = next

	for _, dep := range q.tasks {
		if !dependsOn(dep, id) || dep.Status.IsTerminal() {
			continue
		}
		ab := dep.Clone()
		if err := ab.TransitionTo(StatusAbandoned); err != nil {
			continue
		}
		if err := q.persistLocked(ab); err == nil {
			q.tasks[ab.ID] = ab
		}
	}
	return nil
}

// Cancel withdraws a task from the backlog entirely. Terminal and
// already-assigned tasks cannot be cancelled; the caller must withdraw the
// assignment first.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.Status != StatusPending && t.Status != StatusReady && t.Status != StatusBlockedOnResource {
		return ErrCannotCancel
	}
	next := t.Clone()
	if err := next.TransitionTo(StatusAbandoned); err != nil {
		return err
	}
	if err := q.persistLocked(next); err != nil {
		return err
	}
	q.tasks[id] = next
	return nil
}
