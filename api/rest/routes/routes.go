// Package routes wires the status API.
package routes

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/tilde-lab/yascheduler/api/rest/handlers"
	"github.com/tilde-lab/yascheduler/core/repository"
)

// SetupRoutes configures the read-only status routes.
func SetupRoutes(r *mux.Router, db *repository.DB, log *zap.Logger) {
	taskRepo := repository.NewTaskRepository(db)
	nodeRepo := repository.NewNodeRepository(db)
	status := handlers.NewStatusHandler(taskRepo, nodeRepo, log)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/tasks", status.ListTasks).Methods("GET")
	api.HandleFunc("/tasks/{id}", status.GetTask).Methods("GET")
	api.HandleFunc("/nodes", status.ListNodes).Methods("GET")
}
