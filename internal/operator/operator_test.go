package operator

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agenthive/orchestrator-core/internal/assignment"
	"github.com/agenthive/orchestrator-core/internal/coordinator"
	"github.com/agenthive/orchestrator-core/internal/event"
	"github.com/agenthive/orchestrator-core/internal/evidence"
	"github.com/agenthive/orchestrator-core/internal/monitor"
	"github.com/agenthive/orchestrator-core/internal/registry"
	"github.com/agenthive/orchestrator-core/internal/resource"
	"github.com/agenthive/orchestrator-core/internal/store/filestore"
	"github.com/agenthive/orchestrator-core/internal/task"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	st, err := filestore.New(t.TempDir() + "/snapshot.json")
	if err != nil {
		t.Fatalf("filestore.New: %v", err)
	}
	q, err := task.NewQueue(st)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	reg, err := registry.New(st, 30*time.Second, 5*time.Minute)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	res, err := resource.New(st, resource.Caps{CPUCores: 8, MemoryMB: 8192, DiskMB: 100000, NetworkMbps: 1000})
	if err != nil {
		t.Fatalf("resource.New: %v", err)
	}
	assigns := assignment.NewStore(st)
	bus := event.NewBus(nil)
	mon := monitor.New(q, reg, res, assigns, bus, evidence.AlwaysValid{}, st, monitor.Config{
		ResponseTimeout: time.Hour, ProgressTimeout: time.Hour, MaxReassignments: 2, AutoEscalationEnabled: true,
	}, time.Minute)
	schedPolicy := coordinator.NewWeighted(map[string]float64{"agent-1": 1})
	coord := coordinator.New(q, reg, res, assigns, bus, st, schedPolicy, time.Minute, 1.5, 30*time.Minute)
	return New(Config{Addr: ":0"}, q, reg, res, assigns, mon, bus, st, coord)
}

func TestCreateAndGetTask(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(createTaskRequest{Title: "build widget", Kind: "build", Priority: 3})
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created task: %v", err)
	}
	if created.Status != task.StatusReady {
		t.Errorf("expected task with no prerequisites to be ready, got %s", created.Status)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/api/tasks/"+created.ID, nil)
	getRec := httptest.NewRecorder()
	s.router.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", getRec.Code)
	}
}

func TestCreateTaskRejectsMissingTitle(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(createTaskRequest{Kind: "build", Priority: 1})
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestListTasksFiltersByStatus(t *testing.T) {
	s := newTestServer(t)
	for i := 0; i < 3; i++ {
		tk := task.New("t", "", "build", 1)
		if err := s.queue.Submit(tk); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	req := httptest.NewRequest(http.MethodGet, "/api/tasks?status=ready", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var out struct {
		Tasks []*task.Task `json:"tasks"`
		Total int          `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Total != 3 {
		t.Errorf("expected 3 ready tasks, got %d", out.Total)
	}
}

func TestAgentRegistrationAndDrainViaHandlers(t *testing.T) {
	s := newTestServer(t)
	if err := s.agents.Register(&registry.Agent{ID: "agent-1", Capabilities: []string{"build"}, Capacity: 2}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	listReq := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	listRec := httptest.NewRecorder()
	s.router.ServeHTTP(listRec, listReq)
	if listRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", listRec.Code)
	}

	drainReq := httptest.NewRequest(http.MethodPost, "/api/agents/agent-1/drain", nil)
	drainRec := httptest.NewRecorder()
	s.router.ServeHTTP(drainRec, drainReq)
	if drainRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", drainRec.Code)
	}
	got, err := s.agents.Get("agent-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Health != registry.HealthDrained {
		t.Errorf("expected drained health, got %s", got.Health)
	}
}

func TestHealthEndpointReportsLedgerAndCounts(t *testing.T) {
	s := newTestServer(t)
	tk := task.New("t", "", "build", 1)
	if err := s.queue.Submit(tk); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.TaskCounts["ready"] != 1 {
		t.Errorf("expected 1 ready task in counts, got %v", resp.TaskCounts)
	}
}

func TestForceCompleteAssignmentViaHandler(t *testing.T) {
	s := newTestServer(t)
	tk := task.New("t", "", "build", 1)
	tk.Resources = task.ResourceHint{CPUCores: 1, MemoryMB: 256}
	if err := s.queue.Submit(tk); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := s.queue.Withdraw(tk.ID); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if err := s.agents.Register(&registry.Agent{ID: "agent-1", Capabilities: []string{"build"}, Capacity: 2, CPUCores: 4, MemoryMB: 4096}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	alloc, err := s.res.Reserve("agent-1", tk.ID, resource.Requirements{CPUCores: 1, MemoryMB: 256})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	a := &assignment.Assignment{
		ID: "assignment-1", TaskID: tk.ID, AgentID: "agent-1", AllocationID: alloc.ID,
		AssignedAt: time.Now(), LastHeartbeatAt: time.Now(), LastProgressAt: time.Now(),
		Status: assignment.StatusActive,
	}
	if err := s.assigns.Put(a); err != nil {
		t.Fatalf("Put: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/assignments/assignment-1/complete", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	got, err := s.assigns.Get("assignment-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != assignment.StatusComplete {
		t.Errorf("expected complete status, got %s", got.Status)
	}
}

func TestAdjustPolicyWeightsViaHandler(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(adjustPolicyWeightsRequest{Weights: map[string]float64{"agent-1": 2, "agent-2": 1}})
	req := httptest.NewRequest(http.MethodPut, "/api/policy/weights", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAdjustPolicyWeightsRejectsEmptyBody(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(adjustPolicyWeightsRequest{})
	req := httptest.NewRequest(http.MethodPut, "/api/policy/weights", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestEscalationListEndpointReturnsEmptyInitially(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/escalations", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
