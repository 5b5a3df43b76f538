// Package router registers all HTTP endpoints using vanilla net/http (Go 1.22+ mux).
package router

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/whisper-darkly/sticky-scheduler/config"
	"github.com/whisper-darkly/sticky-scheduler/store"
)

// Deps holds all dependencies for the router.
type Deps struct {
	Store  store.Store
	Config config.Data
}

// New builds and returns the application HTTP handler.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()

	// ---- tasks ----
	mux.HandleFunc("POST /api/tasks", createTask(d))
	mux.HandleFunc("GET /api/tasks", listTasks(d))
	mux.HandleFunc("GET /api/tasks/{id}", getTask(d))
	mux.HandleFunc("DELETE /api/tasks/{id}", deleteTask(d))

	// ---- live events ----
	mux.HandleFunc("GET /api/tasks/watch", watchTasks(d))

	// ---- system ----
	mux.HandleFunc("GET /api/health", health(d))

	return mux
}

// ---- response helpers ----

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// ---- task handlers ----

func createTask(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			TaskType      store.TaskType `json:"task_type"`
			ExecutionTime time.Time      `json:"execution_time"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if !body.TaskType.Valid() {
			writeError(w, http.StatusBadRequest, "unknown task_type")
			return
		}
		if body.ExecutionTime.IsZero() {
			writeError(w, http.StatusBadRequest, "execution_time is required (RFC 3339)")
			return
		}

		task := &store.Task{
			ID:            uuid.New(),
			TaskType:      body.TaskType,
			ExecutionTime: body.ExecutionTime.UTC(),
		}
		if err := d.Store.CreateTask(r.Context(), task); err != nil {
			log.Printf("router: create task %s: %v", task.ID, err)
			writeError(w, http.StatusInternalServerError, "database error")
			return
		}

		// Tasks due within the horizon are announced so idle executors
		// pick them up immediately. A failed notify is swallowed: the
		// row is committed and the sweeper will find it.
		if time.Until(task.ExecutionTime) <= d.Config.MaxSleep() {
			if err := d.Store.Publish(r.Context(), task); err != nil {
				log.Printf("router: publish task %s: %v — relying on sweeper", task.ID, err)
			}
		}

		writeJSON(w, http.StatusCreated, map[string]string{"task_id": task.ID.String()})
	}
}

func getTask(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid task id")
			return
		}
		rec, err := d.Store.GetTask(r.Context(), id)
		if errors.Is(err, store.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "database error")
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func listTasks(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var f store.ListFilter
		if v := r.URL.Query().Get("status"); v != "" {
			status := store.TaskStatus(v)
			if !status.Valid() || status == store.StatusDeleted {
				writeError(w, http.StatusBadRequest, "unknown status filter")
				return
			}
			f.Status = &status
		}
		if v := r.URL.Query().Get("type"); v != "" {
			typ := store.TaskType(v)
			if !typ.Valid() {
				writeError(w, http.StatusBadRequest, "unknown type filter")
				return
			}
			f.Type = &typ
		}

		tasks, err := d.Store.ListTasks(r.Context(), f)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "database error")
			return
		}
		if tasks == nil {
			tasks = []*store.TaskRecord{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"count": len(tasks),
			"tasks": tasks,
		})
	}
}

func deleteTask(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid task id")
			return
		}

		err = d.Store.DeleteTask(r.Context(), id)
		var conflict *store.TaskNotDeletableError
		switch {
		case err == nil:
			w.WriteHeader(http.StatusNoContent)
		case errors.Is(err, store.ErrTaskNotFound):
			writeError(w, http.StatusNotFound, "task not found")
		case errors.As(err, &conflict):
			writeError(w, http.StatusConflict, conflict.Error())
		default:
			log.Printf("router: delete task %s: %v", id, err)
			writeError(w, http.StatusInternalServerError, "database error")
		}
	}
}

// ---- system ----

func health(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store_unreachable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
