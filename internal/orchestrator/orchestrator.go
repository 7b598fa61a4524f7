// Package orchestrator assembles the durable store, task queue, agent
// registry, resource ledger, coordinator, accountability monitor, agent
// RPC transport, operator surface, notification router, and metrics
// collector into one running hive, and tears them down in the reverse
// order on shutdown. It is grounded on the teacher's cmd/cliaimonitor's
// main-function boot sequence — sequential component construction
// followed by a background-goroutine-per-loop start and a signal-driven
// graceful shutdown — restructured into a reusable Hive type instead of
// living inline in main(), since the core also needs to run inside tests.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agenthive/orchestrator-core/internal/assignment"
	"github.com/agenthive/orchestrator-core/internal/coordinator"
	"github.com/agenthive/orchestrator-core/internal/event"
	"github.com/agenthive/orchestrator-core/internal/evidence"
	"github.com/agenthive/orchestrator-core/internal/monitor"
	"github.com/agenthive/orchestrator-core/internal/notify"
	"github.com/agenthive/orchestrator-core/internal/notify/external"
	"github.com/agenthive/orchestrator-core/internal/operator"
	"github.com/agenthive/orchestrator-core/internal/policy"
	"github.com/agenthive/orchestrator-core/internal/policy/metrics"
	"github.com/agenthive/orchestrator-core/internal/registry"
	"github.com/agenthive/orchestrator-core/internal/resource"
	"github.com/agenthive/orchestrator-core/internal/store"
	"github.com/agenthive/orchestrator-core/internal/store/filestore"
	"github.com/agenthive/orchestrator-core/internal/store/sqlite"
	"github.com/agenthive/orchestrator-core/internal/task"
	"github.com/agenthive/orchestrator-core/internal/transport/agentrpc"
)

// NotifyConfig carries the external notification channels to wire, left
// empty (no channels) unless the operator configures one.
type NotifyConfig struct {
	Slack   *external.SlackConfig
	Discord *external.DiscordConfig
	Email   *external.EmailConfig
}

// Config carries everything the Hive needs beyond policy.Config: network
// bind points and optional external integrations that don't belong in the
// spec's own configuration object.
type Config struct {
	Policy policy.Config

	OperatorAddr           string
	OperatorAllowedOrigins []string

	AgentRPCPort      int
	AgentRPCJetStream bool
	AgentRPCDataDir   string

	EvidenceRoot string // FileResolver root; empty disables file resolution

	Notify NotifyConfig
}

// Hive is one running instance of the orchestration core.
type Hive struct {
	cfg Config

	st      store.Store
	bus     *event.Bus
	queue   *task.Queue
	agents  *registry.Registry
	res     *resource.Manager
	assigns *assignment.Store
	coord   *coordinator.Coordinator
	mon     *monitor.Monitor
	metrics *metrics.Collector
	router  *notify.Router

	broker  *agentrpc.EmbeddedServer
	client  *agentrpc.Client
	rpcSvc  *agentrpc.Service

	opServer *operator.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// eventStore adapts event.Bus's append-only persistence requirement onto
// the shared store.Store, so every published event lands in the events
// collection for replay and audit (spec.md §4.1, §6).
type eventStore struct {
	st store.Store
}

func (s eventStore) Save(e event.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.st.Put(store.CollectionEvents, store.Item{ID: e.ID, Value: data})
}

func (s eventStore) Recent(limit int) ([]event.Event, error) {
	items, err := s.st.ScanAll(store.CollectionEvents)
	if err != nil {
		return nil, err
	}
	events := make([]event.Event, 0, len(items))
	for _, it := range items {
		var e event.Event
		if err := json.Unmarshal(it.Value, &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// New constructs every component of the hive but starts nothing yet.
func New(cfg Config) (*Hive, error) {
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}

	st, err := openStore(cfg.Policy.StoreBackend, cfg.Policy.StorePath)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open store: %w", err)
	}

	bus := event.NewBus(eventStore{st: st})

	queue, err := task.NewQueue(st, task.WithSoftCap(cfg.Policy.QueueSoftCap))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("orchestrator: load task queue: %w", err)
	}

	agents, err := registry.New(st, cfg.Policy.HeartbeatInterval(), cfg.Policy.ResponseTimeout())
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("orchestrator: load agent registry: %w", err)
	}

	caps := resource.Caps{
		CPUCores:    cfg.Policy.ResourceLimits.CPUCores,
		MemoryMB:    cfg.Policy.ResourceLimits.MemoryMB,
		DiskMB:      cfg.Policy.ResourceLimits.DiskMB,
		NetworkMbps: cfg.Policy.ResourceLimits.NetworkMbps,
	}
	res, err := resource.New(st, caps)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("orchestrator: load resource ledger: %w", err)
	}

	assigns := assignment.NewStore(st)

	weights := map[string]float64{} // weighted policy scores capability-first until an operator calls adjust-policy-weights
	schedPolicy := coordinator.ForName(string(cfg.Policy.SchedulingPolicy), weights)
	coord := coordinator.New(queue, agents, res, assigns, bus, st, schedPolicy, cfg.Policy.CheckInterval(), cfg.Policy.CompletionTimeoutMultiplier, cfg.Policy.DefaultTaskEffort())

	resolver := buildResolver(cfg)

	monCfg := monitor.Config{
		ResponseTimeout:             cfg.Policy.ResponseTimeout(),
		ProgressTimeout:             cfg.Policy.ProgressTimeout(),
		CompletionTimeoutMultiplier: cfg.Policy.CompletionTimeoutMultiplier,
		MaxReassignments:            cfg.Policy.MaxReassignments,
		EvidenceValidationRequired:  cfg.Policy.EvidenceValidationRequired,
		AutoEscalationEnabled:       cfg.Policy.AutoEscalationEnabled,
	}
	mon := monitor.New(queue, agents, res, assigns, bus, resolver, st, monCfg, cfg.Policy.CheckInterval())

	collector := metrics.New()

	router := buildNotifyRouter(cfg.Notify)

	broker, err := agentrpc.NewEmbeddedServer(agentrpc.EmbeddedServerConfig{
		Port:      cfg.AgentRPCPort,
		JetStream: cfg.AgentRPCJetStream,
		DataDir:   cfg.AgentRPCDataDir,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("orchestrator: configure agent broker: %w", err)
	}

	h := &Hive{
		cfg:     cfg,
		st:      st,
		bus:     bus,
		queue:   queue,
		agents:  agents,
		res:     res,
		assigns: assigns,
		coord:   coord,
		mon:     mon,
		metrics: collector,
		router:  router,
		broker:  broker,
	}

	opServer := operator.New(operator.Config{
		Addr:           cfg.OperatorAddr,
		AllowedOrigins: cfg.OperatorAllowedOrigins,
	}, queue, agents, res, assigns, mon, bus, st, coord)
	h.opServer = opServer

	return h, nil
}

func openStore(backend, path string) (store.Store, error) {
	switch backend {
	case "filestore":
		return filestore.New(path)
	case "sqlite", "":
		return sqlite.Open(path)
	default:
		return nil, fmt.Errorf("orchestrator: unknown store_backend %q", backend)
	}
}

func buildResolver(cfg Config) evidence.Resolver {
	if !cfg.Policy.EvidenceValidationRequired {
		return evidence.AlwaysValid{}
	}
	chain := evidence.Chain{evidence.URLResolver{}}
	if cfg.EvidenceRoot != "" {
		chain = append(chain, evidence.FileResolver{Root: cfg.EvidenceRoot})
	}
	return chain
}

func buildNotifyRouter(cfg NotifyConfig) *notify.Router {
	var channels []notify.Channel
	if cfg.Slack != nil {
		channels = append(channels, external.NewSlackNotifier(*cfg.Slack))
	}
	if cfg.Discord != nil {
		channels = append(channels, external.NewDiscordNotifier(*cfg.Discord))
	}
	if cfg.Email != nil {
		channels = append(channels, external.NewEmailNotifier(*cfg.Email))
	}
	return notify.NewRouter(channels)
}

// Start connects the agent RPC broker, subscribes every background loop
// to the bus and a context, and begins serving the operator surface. It
// returns once every component has started (the embedded broker is ready
// for connections); long-running loops continue in background
// goroutines tracked by the Hive's WaitGroup.
func (h *Hive) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	if err := h.broker.Start(); err != nil {
		cancel()
		return fmt.Errorf("orchestrator: start agent broker: %w", err)
	}

	client, err := agentrpc.NewClient(h.broker.URL())
	if err != nil {
		cancel()
		return fmt.Errorf("orchestrator: connect agent rpc client: %w", err)
	}
	h.client = client

	rpcSvc := agentrpc.NewService(client, h.agents, h.assigns, h.mon, h.bus)
	if err := rpcSvc.Start(); err != nil {
		cancel()
		return fmt.Errorf("orchestrator: start agent rpc service: %w", err)
	}
	h.rpcSvc = rpcSvc

	h.router.Subscribe(h.bus)

	h.goLoop(func() { h.agents.Run(runCtx) })
	h.goLoop(func() { h.coord.Run(runCtx) })
	h.goLoop(func() { h.mon.Run(runCtx) })
	// metrics.Subscribe has no cancellation and never returns, so it is not
	// tracked by h.wg (Stop would otherwise block forever).
	go h.metrics.Subscribe(h.bus)
	h.goLoop(func() { h.bridgeAssignments(runCtx) })
	h.goLoop(func() { h.refreshMetricsLoop(runCtx) })

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.opServer.Run(runCtx); err != nil {
			log.Printf("[ORCHESTRATOR] operator server stopped: %v", err)
		}
	}()

	return nil
}

func (h *Hive) goLoop(fn func()) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn()
	}()
}

// bridgeAssignments forwards every coordinator-granted assignment to the
// agent responsible for it over the RPC transport. It is the seam between
// the scheduling decision (coordinator.Coordinator.dispatch, which
// publishes event.TypeTaskAssigned) and delivery (agentrpc.Service.
// PushAssignment).
func (h *Hive) bridgeAssignments(ctx context.Context) {
	ch := h.bus.Subscribe([]event.Type{event.TypeTaskAssigned})
	defer h.bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			h.pushAssignment(e)
		}
	}
}

func (h *Hive) pushAssignment(e event.Event) {
	agentID, _ := e.Payload["agent_id"].(string)
	assignmentID, _ := e.Payload["assignment_id"].(string)
	if agentID == "" || assignmentID == "" {
		log.Printf("[ORCHESTRATOR] task.assigned event missing agent_id/assignment_id for task %s", e.Subject)
		return
	}
	a, err := h.assigns.Get(assignmentID)
	if err != nil {
		log.Printf("[ORCHESTRATOR] push assignment: load %s: %v", assignmentID, err)
		return
	}
	t, err := h.queue.GetByID(e.Subject)
	if err != nil {
		log.Printf("[ORCHESTRATOR] push assignment: load task %s: %v", e.Subject, err)
		return
	}
	push := agentrpc.AssignmentPush{
		AssignmentID:     a.ID,
		TaskID:           t.ID,
		Title:            t.Title,
		Description:      t.Description,
		Kind:             t.Kind,
		Requirements:     requirementTexts(t.Requirements),
		Deadline:         t.Deadline,
		ExpectedDeadline: a.ExpectedDeadline,
	}
	if err := h.rpcSvc.PushAssignment(agentID, push); err != nil {
		log.Printf("[ORCHESTRATOR] push assignment %s to agent %s: %v", a.ID, agentID, err)
	}
}

func requirementTexts(reqs []task.Requirement) []string {
	if len(reqs) == 0 {
		return nil
	}
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.Text
	}
	return out
}

// refreshMetricsLoop periodically recomputes the point-in-time gauges
// (task status counts, agent health, resource pressure) from live state,
// on the same cadence as the coordinator/monitor ticks.
func (h *Hive) refreshMetricsLoop(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.Policy.CheckInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.metrics.RefreshGauges(h.queue.All(), h.agents.List(registry.Filter{}), h.res.Snapshot(), h.bus.DroppedEventCount())
		}
	}
}

// MetricsCollector exposes the Prometheus collector for a /metrics
// handler to serve.
func (h *Hive) MetricsCollector() *metrics.Collector { return h.metrics }

// Stop cancels every background loop and closes the store, agent broker,
// and RPC connections, in the reverse order Start opened them.
func (h *Hive) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()

	if h.rpcSvc != nil {
		h.rpcSvc.Stop()
	}
	if h.client != nil {
		h.client.Close()
	}
	if h.broker != nil {
		h.broker.Shutdown()
	}
	if err := h.st.Close(); err != nil {
		log.Printf("[ORCHESTRATOR] close store: %v", err)
	}
}
