package operator

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/agenthive/orchestrator-core/internal/assignment"
	"github.com/agenthive/orchestrator-core/internal/event"
	"github.com/agenthive/orchestrator-core/internal/registry"
	"github.com/agenthive/orchestrator-core/internal/store"
	"github.com/agenthive/orchestrator-core/internal/task"
)

// createTaskRequest is the wire shape of a POST /api/tasks body.
type createTaskRequest struct {
	Title         string            `json:"title"`
	Description   string            `json:"description"`
	Kind          string            `json:"kind"`
	Priority      int               `json:"priority"`
	Prerequisites []string          `json:"prerequisites,omitempty"`
	ParentTaskID  string            `json:"parent_task_id,omitempty"`
	Resources     task.ResourceHint `json:"resources"`
	Requirements  []task.Requirement `json:"requirements,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Deadline      *time.Time        `json:"deadline,omitempty"`

	// EstimatedEffortMinutes, when set, becomes the task's EstimatedEffort,
	// the submitter's own estimate of how long the work should take
	// (spec.md §4.1's assignment deadline computation).
	EstimatedEffortMinutes int `json:"estimated_effort_minutes,omitempty"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var tasks []*task.Task
	if status := q.Get("status"); status != "" {
		tasks = s.queue.ByStatus(task.Status(status))
	} else {
		tasks = s.queue.All()
	}

	page, pageSize := parsePagination(q)
	start, end := paginateBounds(len(tasks), page, pageSize)
	s.respondJSON(w, http.StatusOK, map[string]any{
		"tasks":     tasks[start:end],
		"total":     len(tasks),
		"page":      page,
		"page_size": pageSize,
	})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	limitRequestSize(w, r)
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	t := task.New(req.Title, req.Description, req.Kind, req.Priority)
	t.Prerequisites = req.Prerequisites
	t.ParentTaskID = req.ParentTaskID
	t.Resources = req.Resources
	t.Requirements = req.Requirements
	t.Deadline = req.Deadline
	if req.EstimatedEffortMinutes > 0 {
		t.EstimatedEffort = time.Duration(req.EstimatedEffortMinutes) * time.Minute
	}
	if req.Metadata != nil {
		t.Metadata = req.Metadata
	}

	if err := s.queue.Submit(t); err != nil {
		if errors.Is(err, task.ErrQueueFull) {
			s.respondError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.bus.Publish(event.New(event.TypeTaskSubmitted, "operator", t.ID, nil))
	if t.Status == task.StatusReady {
		s.bus.Publish(event.New(event.TypeTaskReady, "operator", t.ID, nil))
	}
	s.respondJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	t, err := s.queue.GetByID(id)
	if err != nil {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.queue.Cancel(id); err != nil {
		s.respondError(w, http.StatusConflict, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := registry.Filter{
		Capability: q.Get("capability"),
		Health:     registry.Health(q.Get("health")),
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"agents": s.agents.List(f)})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	a, err := s.agents.Get(id)
	if err != nil {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, a)
}

func (s *Server) handleDrainAgent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.agents.Drain(id); err != nil {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "draining"})
}

func (s *Server) handleListAssignments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		all []*assignment.Assignment
		err error
	)
	if agentID := q.Get("agent_id"); agentID != "" {
		all, err = s.assigns.ByAgent(agentID)
	} else {
		all, err = s.assigns.All()
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if q.Get("active") == "true" {
		all = assignment.Active(all)
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"assignments": all})
}

func (s *Server) handleForceCompleteAssignment(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.mon.ForceComplete(id); err != nil {
		s.respondError(w, http.StatusConflict, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

type failAssignmentRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleFailAssignment(w http.ResponseWriter, r *http.Request) {
	limitRequestSize(w, r)
	id := mux.Vars(r)["id"]
	var req failAssignmentRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "operator-initiated failure"
	}
	if err := s.mon.Fail(id, req.Reason); err != nil {
		s.respondError(w, http.StatusConflict, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "failed"})
}

func (s *Server) handleListEscalations(w http.ResponseWriter, r *http.Request) {
	items, err := s.st.ScanAll(store.CollectionEscalations)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		out = append(out, json.RawMessage(item.Value))
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"escalations": out})
}

func (s *Server) handleGetResourceSnapshot(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"ledger": s.res.Snapshot(),
		"hint":   s.res.OptimizationHint(),
	})
}

type healthResponse struct {
	Status          string       `json:"status"`
	UptimeSeconds   float64      `json:"uptime_seconds"`
	TaskCounts      map[string]int `json:"task_counts"`
	AgentCount      int          `json:"agent_count"`
	ActiveAssignments int        `json:"active_assignments"`
	Ledger          any          `json:"ledger"`
	Hint            any          `json:"hint"`
	DroppedEvents   uint64       `json:"dropped_events"`
	WebsocketClients int         `json:"websocket_clients"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	taskCounts := make(map[string]int)
	for _, t := range s.queue.All() {
		taskCounts[string(t.Status)]++
	}
	active, _ := s.assigns.All()

	resp := healthResponse{
		Status:            "ok",
		UptimeSeconds:     time.Since(s.startTime).Seconds(),
		TaskCounts:        taskCounts,
		AgentCount:        len(s.agents.List(registry.Filter{})),
		ActiveAssignments: len(assignment.Active(active)),
		Ledger:            s.res.Snapshot(),
		Hint:              s.res.OptimizationHint(),
		DroppedEvents:     s.bus.DroppedEventCount(),
		WebsocketClients:  s.hub.ClientCount(),
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// adjustPolicyWeightsRequest is the wire shape of a PUT
// /api/policy/weights body (spec.md §6's adjust-policy-weights operation).
type adjustPolicyWeightsRequest struct {
	Weights map[string]float64 `json:"weights"`
}

func (s *Server) handleAdjustPolicyWeights(w http.ResponseWriter, r *http.Request) {
	limitRequestSize(w, r)
	var req adjustPolicyWeightsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Weights) == 0 {
		s.respondError(w, http.StatusBadRequest, "weights must not be empty")
		return
	}
	if err := s.coord.AdjustPolicyWeights(req.Weights); err != nil {
		s.respondError(w, http.StatusConflict, err.Error())
		return
	}
	s.bus.Publish(event.New(event.TypePolicyDecision, "operator", "", map[string]any{
		"decision": "weights-adjusted",
		"weights":  req.Weights,
	}))
	s.respondJSON(w, http.StatusOK, map[string]any{"status": "updated", "weights": req.Weights})
}

func parsePagination(q map[string][]string) (page, pageSize int) {
	page, pageSize = 1, 50
	if v := first(q["page"]); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			page = n
		}
	}
	if v := first(q["page_size"]); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			pageSize = n
		}
	}
	return page, pageSize
}

func first(vs []string) string {
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

func paginateBounds(total, page, pageSize int) (start, end int) {
	start = (page - 1) * pageSize
	if start > total {
		start = total
	}
	end = start + pageSize
	if end > total {
		end = total
	}
	return start, end
}
