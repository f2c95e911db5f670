package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/track-enricher/internal/enrich"
	"github.com/sells-group/track-enricher/internal/model"
)

type startResponse struct {
	TaskID string           `json:"taskId"`
	Status model.TaskStatus `json:"status"`
}

type stopResponse struct {
	TaskID       string           `json:"taskId"`
	Status       model.TaskStatus `json:"status"`
	Acknowledged bool             `json:"acknowledged"`
}

type listResponse struct {
	Tasks []model.Task `json:"tasks"`
}

// kindParam parses the {kind} path segment, writing a 400 when it is unknown.
func kindParam(w http.ResponseWriter, r *http.Request) (model.TaskKind, bool) {
	raw := chi.URLParam(r, "kind")
	kind, ok := model.ParseKind(raw)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown kind "+raw)
	}
	return kind, ok
}

func (h *handler) handleStart(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}

	id, err := h.ctrl.Start(r.Context(), kind)
	switch {
	case errors.Is(err, enrich.ErrAlreadyRunning):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "task already running", TaskID: id})
		return
	case errors.Is(err, enrich.ErrUnknownKind):
		writeError(w, http.StatusBadRequest, "kind "+string(kind)+" is not enabled")
		return
	case err != nil:
		zap.L().Error("api: start task", zap.String("kind", string(kind)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not start task")
		return
	}

	status := model.TaskStarting
	if t, err := h.ctrl.Status(r.Context(), id); err == nil {
		status = t.Status
	}
	writeJSON(w, http.StatusAccepted, startResponse{TaskID: id, Status: status})
}

// lookup loads the {taskID} task and checks it belongs to {kind}. Tasks of
// another kind are reported as not found.
func (h *handler) lookup(w http.ResponseWriter, r *http.Request) (model.Task, bool) {
	kind, ok := kindParam(w, r)
	if !ok {
		return model.Task{}, false
	}
	id := chi.URLParam(r, "taskID")

	t, err := h.ctrl.Status(r.Context(), id)
	switch {
	case errors.Is(err, enrich.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "task not found")
		return model.Task{}, false
	case err != nil:
		zap.L().Error("api: task status", zap.String("task_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load task")
		return model.Task{}, false
	case t.Kind != kind:
		writeError(w, http.StatusNotFound, "task not found")
		return model.Task{}, false
	}
	return t, true
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	t, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *handler) handleStop(w http.ResponseWriter, r *http.Request) {
	t, ok := h.lookup(w, r)
	if !ok {
		return
	}

	stopped, err := h.ctrl.Stop(r.Context(), t.ID)
	if errors.Is(err, enrich.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		zap.L().Error("api: stop task", zap.String("task_id", t.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not stop task")
		return
	}

	writeJSON(w, http.StatusAccepted, stopResponse{
		TaskID:       stopped.ID,
		Status:       stopped.Status,
		Acknowledged: stopped.Status == model.TaskStopping || stopped.Status == model.TaskStopped,
	})
}

func (h *handler) handleList(w http.ResponseWriter, _ *http.Request) {
	tasks := h.ctrl.ListActive()
	if tasks == nil {
		tasks = []model.Task{}
	}
	writeJSON(w, http.StatusOK, listResponse{Tasks: tasks})
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			zap.L().Warn("api: health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
