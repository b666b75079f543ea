package control

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/Maahir-AI-Robo/bagferry/internal/models"
	"github.com/Maahir-AI-Robo/bagferry/internal/queue"
)

// enqueueRequest is the POST /api/uploads body.
type enqueueRequest struct {
	FilePath    string            `json:"file_path"`
	Destination string            `json:"destination"`
	Priority    int               `json:"priority"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type enqueueResponse struct {
	TaskID string `json:"task_id"`
}

type priorityRequest struct {
	Priority int `json:"priority"`
}

type countResponse struct {
	Count int `json:"count"`
}

func (s *Server) handleUploads(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.enqueue(w, r)
	case http.MethodGet:
		s.list(w, r)
	default:
		sendError(w, "Method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed)
	}
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, "Invalid JSON body", "INVALID_REQUEST", http.StatusBadRequest)
		return
	}
	if req.FilePath == "" {
		sendError(w, "file_path is required", "INVALID_REQUEST", http.StatusBadRequest)
		return
	}
	if req.Priority == 0 {
		req.Priority = models.MinPriority
	}

	taskID, err := s.mgr.Enqueue(req.FilePath, req.Destination, req.Priority, req.Metadata)
	if err != nil {
		if errors.Is(err, queue.ErrInvalidPriority) {
			sendError(w, err.Error(), "INVALID_PRIORITY", http.StatusBadRequest)
			return
		}
		sendError(w, err.Error(), "ENQUEUE_FAILED", http.StatusUnprocessableEntity)
		return
	}

	sendJSON(w, http.StatusCreated, enqueueResponse{TaskID: taskID})
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	var (
		tasks []*models.UploadTask
		err   error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		tasks, err = s.mgr.ListTasksByStatus(models.TaskStatus(status))
	} else {
		tasks, err = s.mgr.ListTasks()
	}
	if err != nil {
		sendError(w, "Failed to list tasks", "INTERNAL_ERROR", http.StatusInternalServerError)
		return
	}
	if tasks == nil {
		tasks = []*models.UploadTask{}
	}
	sendJSON(w, http.StatusOK, tasks)
}

// handleUpload routes /api/uploads/{id} and /api/uploads/{id}/{action}.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/uploads/")
	taskID, action, _ := strings.Cut(rest, "/")
	if taskID == "" {
		sendError(w, "Task ID required", "INVALID_REQUEST", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getTask(w, taskID)
	case action == "" && r.Method == http.MethodDelete:
		s.deleteTask(w, taskID)
	case action == "cancel" && r.Method == http.MethodPost:
		s.taskAction(w, taskID, s.mgr.Cancel)
	case action == "pause" && r.Method == http.MethodPost:
		s.taskAction(w, taskID, s.mgr.Pause)
	case action == "resume" && r.Method == http.MethodPost:
		s.taskAction(w, taskID, s.mgr.Resume)
	case action == "priority" && r.Method == http.MethodPatch:
		s.reprioritize(w, r, taskID)
	default:
		sendError(w, "Method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed)
	}
}

func (s *Server) getTask(w http.ResponseWriter, taskID string) {
	task, err := s.mgr.GetTask(taskID)
	if err != nil {
		sendError(w, "Failed to load task", "INTERNAL_ERROR", http.StatusInternalServerError)
		return
	}
	if task == nil {
		sendError(w, "Task not found", "TASK_NOT_FOUND", http.StatusNotFound)
		return
	}
	sendJSON(w, http.StatusOK, task)
}

func (s *Server) deleteTask(w http.ResponseWriter, taskID string) {
	if err := s.mgr.Delete(taskID); err != nil {
		if errors.Is(err, queue.ErrTaskNotFound) {
			sendError(w, "Task not found", "TASK_NOT_FOUND", http.StatusNotFound)
			return
		}
		sendError(w, err.Error(), "TASK_ACTIVE", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) taskAction(w http.ResponseWriter, taskID string, fn func(string) error) {
	if err := fn(taskID); err != nil {
		writeQueueError(w, err)
		return
	}
	task, err := s.mgr.GetTask(taskID)
	if err != nil || task == nil {
		sendError(w, "Failed to load task", "INTERNAL_ERROR", http.StatusInternalServerError)
		return
	}
	sendJSON(w, http.StatusOK, task)
}

func (s *Server) reprioritize(w http.ResponseWriter, r *http.Request, taskID string) {
	var req priorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, "Invalid JSON body", "INVALID_REQUEST", http.StatusBadRequest)
		return
	}
	if err := s.mgr.Reprioritize(taskID, req.Priority); err != nil {
		writeQueueError(w, err)
		return
	}
	task, err := s.mgr.GetTask(taskID)
	if err != nil || task == nil {
		sendError(w, "Failed to load task", "INTERNAL_ERROR", http.StatusInternalServerError)
		return
	}
	sendJSON(w, http.StatusOK, task)
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendError(w, "Method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed)
		return
	}
	n, err := s.mgr.RetryFailed()
	if err != nil {
		sendError(w, "Failed to retry tasks", "INTERNAL_ERROR", http.StatusInternalServerError)
		return
	}
	sendJSON(w, http.StatusOK, countResponse{Count: n})
}

func (s *Server) handleClearCompleted(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendError(w, "Method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed)
		return
	}
	n, err := s.mgr.ClearCompleted()
	if err != nil {
		sendError(w, "Failed to clear tasks", "INTERNAL_ERROR", http.StatusInternalServerError)
		return
	}
	sendJSON(w, http.StatusOK, countResponse{Count: n})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendError(w, "Method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.mgr.Stats()
	if err != nil {
		sendError(w, "Failed to compute stats", "INTERNAL_ERROR", http.StatusInternalServerError)
		return
	}
	sendJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendError(w, "Method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed)
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"online": s.mgr.Online(),
	})
}

// writeQueueError maps scheduler errors onto HTTP statuses.
func writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrTaskNotFound):
		sendError(w, "Task not found", "TASK_NOT_FOUND", http.StatusNotFound)
	case errors.Is(err, queue.ErrTerminalTask):
		sendError(w, err.Error(), "TASK_TERMINAL", http.StatusConflict)
	case errors.Is(err, queue.ErrInvalidPriority):
		sendError(w, err.Error(), "INVALID_PRIORITY", http.StatusBadRequest)
	default:
		sendError(w, err.Error(), "INTERNAL_ERROR", http.StatusInternalServerError)
	}
}
