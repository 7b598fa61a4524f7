// Package operator implements the human-facing control surface of
// spec.md §4.8: a gorilla/mux HTTP API over the task queue, agent
// registry, resource ledger, assignments, and escalations, plus a
// gorilla/websocket hub that streams the domain event bus to connected
// dashboards. It is grounded on the teacher's internal/server package —
// same Server-struct-plus-mux.Router-plus-Hub shape, same
// respondJSON/respondError/checkWebSocketOrigin conventions — restructured
// around the orchestration core's domain instead of the teacher's agent
// dashboard.
package operator

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/agenthive/orchestrator-core/internal/assignment"
	"github.com/agenthive/orchestrator-core/internal/coordinator"
	"github.com/agenthive/orchestrator-core/internal/event"
	"github.com/agenthive/orchestrator-core/internal/monitor"
	"github.com/agenthive/orchestrator-core/internal/registry"
	"github.com/agenthive/orchestrator-core/internal/resource"
	"github.com/agenthive/orchestrator-core/internal/store"
	"github.com/agenthive/orchestrator-core/internal/task"
)

// maxPayloadSize bounds request bodies to guard against oversized payloads.
const maxPayloadSize = 1 * 1024 * 1024

// Server is the operator HTTP + WebSocket surface.
type Server struct {
	queue   *task.Queue
	agents  *registry.Registry
	res     *resource.Manager
	assigns *assignment.Store
	mon     *monitor.Monitor
	bus     *event.Bus
	st      store.Store
	coord   *coordinator.Coordinator

	hub       *Hub
	router    *mux.Router
	http      *http.Server
	startTime time.Time

	allowedOrigins []string
}

// Config carries the bind address and CORS allowlist for the operator
// surface.
type Config struct {
	Addr           string
	AllowedOrigins []string
}

// New constructs a Server wired to the orchestration core's components.
func New(cfg Config, q *task.Queue, agents *registry.Registry, res *resource.Manager, assigns *assignment.Store, mon *monitor.Monitor, bus *event.Bus, st store.Store, coord *coordinator.Coordinator) *Server {
	s := &Server{
		queue:          q,
		agents:         agents,
		res:            res,
		assigns:        assigns,
		mon:            mon,
		bus:            bus,
		st:             st,
		coord:          coord,
		hub:            NewHub(),
		startTime:      time.Now(),
		allowedOrigins: cfg.AllowedOrigins,
	}
	s.router = mux.NewRouter()
	s.routes()
	s.http = &http.Server{Addr: cfg.Addr, Handler: s.router}
	return s
}

func (s *Server) routes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/tasks", s.handleListTasks).Methods(http.MethodGet)
	api.HandleFunc("/tasks", s.handleCreateTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}", s.handleGetTask).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}", s.handleCancelTask).Methods(http.MethodDelete)

	api.HandleFunc("/agents", s.handleListAgents).Methods(http.MethodGet)
	api.HandleFunc("/agents/{id}", s.handleGetAgent).Methods(http.MethodGet)
	api.HandleFunc("/agents/{id}/drain", s.handleDrainAgent).Methods(http.MethodPost)

	api.HandleFunc("/assignments", s.handleListAssignments).Methods(http.MethodGet)
	api.HandleFunc("/assignments/{id}/complete", s.handleForceCompleteAssignment).Methods(http.MethodPost)
	api.HandleFunc("/assignments/{id}/fail", s.handleFailAssignment).Methods(http.MethodPost)

	api.HandleFunc("/escalations", s.handleListEscalations).Methods(http.MethodGet)
	api.HandleFunc("/resources", s.handleGetResourceSnapshot).Methods(http.MethodGet)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api.HandleFunc("/policy/weights", s.handleAdjustPolicyWeights).Methods(http.MethodPut)

	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Run starts the hub loop, an event-bus-to-websocket bridge, and the HTTP
// listener, blocking until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run()
	go s.bridgeEvents(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[OPERATOR] listening on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// bridgeEvents forwards every domain event onto connected dashboards.
func (s *Server) bridgeEvents(ctx context.Context) {
	ch := s.bus.Subscribe(nil)
	defer s.bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			s.hub.BroadcastJSON(e)
		}
	}
}

var wsUpgrader = websocket.Upgrader{}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	wsUpgrader.CheckOrigin = s.checkOrigin
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := &wsClient{hub: s.hub, conn: conn, send: make(chan []byte, websocketBufferSize)}
	s.hub.register <- client
	go client.readPump()
	go client.writePump()
}

// checkOrigin validates the Origin header against localhost and the
// configured allowlist, to prevent cross-site WebSocket hijacking.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}
	for _, allowed := range s.allowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func limitRequestSize(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPayloadSize)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[OPERATOR] encode response: %v", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":     message,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// initAllowedOriginsFromEnv reads ORCHESTRATOR_ALLOWED_ORIGINS as a
// comma-separated list, mirroring the teacher's environment-driven
// allowlist convention.
func initAllowedOriginsFromEnv() []string {
	env := os.Getenv("ORCHESTRATOR_ALLOWED_ORIGINS")
	if env == "" {
		return nil
	}
	var out []string
	for _, origin := range strings.Split(env, ",") {
		origin = strings.TrimSpace(origin)
		if origin != "" {
			out = append(out, origin)
		}
	}
	return out
}
