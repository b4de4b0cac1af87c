package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/billing-engine/internal/scheduler"
)

// TaskRunner defines the scheduler operations exposed to operators.
type TaskRunner interface {
	Trigger(ctx context.Context, name string) (any, error)
	Stats() map[string]scheduler.TaskStats
}

// OpsHandler wires the operator endpoints. Routes are expected to sit behind
// bearer-token authentication.
type OpsHandler struct {
	Runner TaskRunner
	Log    logrus.FieldLogger
}

func NewOpsHandler(runner TaskRunner, logger logrus.FieldLogger) *OpsHandler {
	return &OpsHandler{Runner: runner, Log: logger.WithField("component", "ops_api")}
}

// RegisterRoutes registers the ops routes on the router.
func (h *OpsHandler) RegisterRoutes(router chi.Router) {
	router.Get("/api/ops/scheduler", SchedulerStats(h.Runner, h.Log))
	router.Post("/api/ops/tasks/{task}/run", RunTask(h.Runner, h.Log))
}

// SchedulerStats reports per-task run counters.
func SchedulerStats(runner TaskRunner, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, log, http.StatusOK, map[string]any{"tasks": runner.Stats()})
	}
}

// RunTask triggers a task through the scheduler's run guard and waits for it.
func RunTask(runner TaskRunner, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task := chi.URLParam(r, "task")

		result, err := runner.Trigger(r.Context(), task)
		switch {
		case errors.Is(err, scheduler.ErrUnknownTask):
			http.Error(w, "unknown task "+task, http.StatusBadRequest)
			return
		case errors.Is(err, scheduler.ErrRunInProgress):
			http.Error(w, "task already running", http.StatusConflict)
			return
		case errors.Is(err, scheduler.ErrStopped):
			http.Error(w, "scheduler is shutting down", http.StatusServiceUnavailable)
			return
		case err != nil:
			log.WithError(err).WithField("task", task).Error("RunTask: run failed")
			writeJSON(w, log, http.StatusInternalServerError, map[string]any{
				"task":   task,
				"error":  err.Error(),
				"result": result,
			})
			return
		}

		writeJSON(w, log, http.StatusOK, map[string]any{"task": task, "result": result})
	}
}
