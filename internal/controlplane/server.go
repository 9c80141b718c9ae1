package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/fentz26/coronet/internal/crown"
	"github.com/fentz26/coronet/internal/models"
	"github.com/fentz26/coronet/internal/store"
	"github.com/sirupsen/logrus"
)

// Server provides the HTTP API for Coronet.
type Server struct {
	service *Service
	addr    string
	log     *logrus.Logger
	server  *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, addr string, log *logrus.Logger) *Server {
	return &Server{
		service: service,
		addr:    addr,
		log:     log,
	}
}

// Handler returns the API handler; exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/tasks/", s.handleTaskByID)
	mux.HandleFunc("/runs/", s.handleRunByID)
	mux.HandleFunc("/settings/", s.handleSettings)
	mux.HandleFunc("/cleanup/", s.handleCleanup)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	return mux
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 3 * time.Minute, // synchronous evaluation waits on the judge
	}

	s.log.WithField("addr", s.addr).Info("starting coronet daemon")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// --- Task Handlers ---

// handleTasks handles POST /tasks and GET /tasks
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createTask(w, r)
	case http.MethodGet:
		s.listTasks(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleTaskByID handles /tasks/{id}/*
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	taskID, action := splitIDAction(r.URL.Path, "/tasks/")
	if taskID == "" {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getTask(w, r, taskID)
	case action == "runs" && r.Method == http.MethodGet:
		s.getTaskRuns(w, r, taskID)
	case action == "runs" && r.Method == http.MethodPost:
		s.createRun(w, r, taskID)
	case action == "evaluate" && r.Method == http.MethodPost:
		s.evaluateTask(w, r, taskID)
	case action == "evaluation" && r.Method == http.MethodGet:
		s.getEvaluation(w, r, taskID)
	case action == "decisions" && r.Method == http.MethodGet:
		s.getTaskDecisions(w, r, taskID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

type createTaskRequest struct {
	OwnerID     string `json:"owner_id"`
	Description string `json:"description"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	task, err := s.service.CreateTask(req.OwnerID, req.Description)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.service.ListTasks(r.URL.Query().Get("owner"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// taskView decorates a task with its derived state machine phase.
type taskView struct {
	*models.Task
	Phase models.TaskPhase `json:"phase"`
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request, taskID string) {
	task, err := s.service.GetTask(taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if task == nil {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, taskView{Task: task, Phase: task.Phase()})
}

func (s *Server) getTaskRuns(w http.ResponseWriter, r *http.Request, taskID string) {
	runs, err := s.service.GetTaskRuns(taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if runs == nil {
		runs = []models.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

type createRunRequest struct {
	ParentRunID   string `json:"parent_run_id"`
	AgentLabel    string `json:"agent_label"`
	Branch        string `json:"branch"`
	ContainerName string `json:"container_name"`
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request, taskID string) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	run, err := s.service.CreateRun(store.NewRunParams{
		TaskID:        taskID,
		ParentRunID:   req.ParentRunID,
		AgentLabel:    req.AgentLabel,
		Branch:        req.Branch,
		ContainerName: req.ContainerName,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) evaluateTask(w http.ResponseWriter, r *http.Request, taskID string) {
	result, err := s.service.EvaluateTask(r.Context(), taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) getEvaluation(w http.ResponseWriter, r *http.Request, taskID string) {
	eval, err := s.service.GetEvaluation(taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if eval == nil {
		http.Error(w, "no evaluation for task", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, eval)
}

func (s *Server) getTaskDecisions(w http.ResponseWriter, r *http.Request, taskID string) {
	decisions, err := s.service.GetTaskDecisions(taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if decisions == nil {
		decisions = []models.Decision{}
	}
	writeJSON(w, http.StatusOK, decisions)
}

// --- Run Handlers ---

// handleRunByID handles /runs/{id}/*
func (s *Server) handleRunByID(w http.ResponseWriter, r *http.Request) {
	runID, action := splitIDAction(r.URL.Path, "/runs/")
	if runID == "" {
		http.Error(w, "run id required", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getRun(w, r, runID)
	case action == "start" && r.Method == http.MethodPost:
		s.startRun(w, r, runID)
	case action == "complete" && r.Method == http.MethodPost:
		s.completeRun(w, r, runID)
	case action == "fail" && r.Method == http.MethodPost:
		s.failRun(w, r, runID)
	case action == "keepalive" && r.Method == http.MethodPost:
		s.setKeepAlive(w, r, runID)
	case action == "touch" && r.Method == http.MethodPost:
		s.touchRun(w, r, runID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request, runID string) {
	run, err := s.service.GetRun(runID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if run == nil {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request, runID string) {
	if err := s.service.StartRun(runID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type completeRunRequest struct {
	Summary  string `json:"summary"`
	ExitCode int    `json:"exit_code"`
}

func (s *Server) completeRun(w http.ResponseWriter, r *http.Request, runID string) {
	var req completeRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	result, err := s.service.CompleteRun(runID, req.Summary, req.ExitCode)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type failRunRequest struct {
	ErrorMessage string `json:"error_message"`
	ExitCode     int    `json:"exit_code"`
}

func (s *Server) failRun(w http.ResponseWriter, r *http.Request, runID string) {
	var req failRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	result, err := s.service.FailRun(runID, req.ErrorMessage, req.ExitCode)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type keepAliveRequest struct {
	KeepAlive bool `json:"keep_alive"`
}

func (s *Server) setKeepAlive(w http.ResponseWriter, r *http.Request, runID string) {
	var req keepAliveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	if err := s.service.SetKeepAlive(runID, req.KeepAlive); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) touchRun(w http.ResponseWriter, r *http.Request, runID string) {
	if err := s.service.TouchRun(runID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Settings Handlers ---

// handleSettings handles GET and PUT /settings/{owner}
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimPrefix(r.URL.Path, "/settings/")
	if ownerID == "" || strings.Contains(ownerID, "/") {
		http.Error(w, "owner id required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		settings, err := s.service.GetContainerSettings(ownerID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, settings)
	case http.MethodPut:
		var settings models.ContainerSettings
		if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		settings.OwnerID = ownerID
		if err := s.service.UpdateContainerSettings(settings); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, settings)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// --- Cleanup Handlers ---

// handleCleanup handles GET (preview) and POST (execute) /cleanup/{owner}
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimPrefix(r.URL.Path, "/cleanup/")
	if ownerID == "" || strings.Contains(ownerID, "/") {
		http.Error(w, "owner id required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		selection, err := s.service.CleanupPreview(ownerID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, selection)
	case http.MethodPost:
		stopped, err := s.service.Cleanup(r.Context(), ownerID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if stopped == nil {
			stopped = []string{}
		}
		writeJSON(w, http.StatusOK, map[string][]string{"stopped_run_ids": stopped})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// --- Helpers ---

func splitIDAction(path, prefix string) (string, string) {
	parts := strings.Split(strings.TrimPrefix(path, prefix), "/")
	id := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}
	return id, action
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTaskNotFound), errors.Is(err, ErrRunNotFound),
		errors.Is(err, crown.ErrTaskNotFound), errors.Is(err, crown.ErrRunNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrOwnerRequired):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.log.WithError(err).Error("request failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
