// Package handlers holds the read-only status HTTP handlers.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/tilde-lab/yascheduler/core/models"
	"github.com/tilde-lab/yascheduler/core/repository"
)

// StatusHandler serves the task queue and node registry. The surface
// is read-only: submission and administration go through the CLIs.
type StatusHandler struct {
	taskRepo *repository.TaskRepository
	nodeRepo *repository.NodeRepository
	log      *zap.Logger
}

// NewStatusHandler creates the handler.
func NewStatusHandler(taskRepo *repository.TaskRepository, nodeRepo *repository.NodeRepository, log *zap.Logger) *StatusHandler {
	return &StatusHandler{taskRepo: taskRepo, nodeRepo: nodeRepo, log: log.Named("api")}
}

// ListTasks handles GET /v1/tasks?status=N
func (h *StatusHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	statuses := []models.TaskStatus{
		models.StatusToDo, models.StatusRunning, models.StatusDone,
	}
	if v := r.URL.Query().Get("status"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 2 {
			http.Error(w, "invalid status", http.StatusBadRequest)
			return
		}
		statuses = []models.TaskStatus{models.TaskStatus(n)}
	}

	tasks, err := h.taskRepo.ListByStatus(r.Context(), statuses...)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, tasks)
}

// GetTask handles GET /v1/tasks/{id}
func (h *StatusHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return
	}
	task, err := h.taskRepo.Get(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	if task == nil {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	h.respond(w, task)
}

// ListNodes handles GET /v1/nodes
func (h *StatusHandler) ListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.nodeRepo.List(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, nodes)
}

func (h *StatusHandler) respond(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("response encoding failed", zap.Error(err))
	}
}

func (h *StatusHandler) fail(w http.ResponseWriter, err error) {
	h.log.Error("request failed", zap.Error(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}
