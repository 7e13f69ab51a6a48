package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/mzanetti/agentrun/internal/tasks"
)

type createTaskRequest struct {
	Text             string   `json:"text"`
	WorkingDirectory string   `json:"working_directory"`
	FolderID         string   `json:"folder_id"`
	TagIDs           []string `json:"tag_ids"`
}

type updateTaskRequest struct {
	Text             *string  `json:"text"`
	Status           *string  `json:"status"`
	WorkingDirectory *string  `json:"working_directory"`
	FolderID         *string  `json:"folder_id"`
	TagIDs           []string `json:"tag_ids"`
}

type reorderRequest struct {
	OrderedIDs []string `json:"ordered_ids"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}

	task, err := s.state.CreateTask(r.Context(), req.Text, req.WorkingDirectory, req.FolderID, req.TagIDs)
	if err != nil {
		respondStateError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"tasks": s.state.Tasks()})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := urlParam(r, "id")
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}
	task, err := s.state.Task(taskID)
	if err != nil {
		respondStateError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	taskID := urlParam(r, "id")
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}
	var req updateTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	patch := tasks.TaskPatch{
		Text:             req.Text,
		WorkingDirectory: req.WorkingDirectory,
		FolderID:         req.FolderID,
		TagIDs:           req.TagIDs,
	}
	if req.Status != nil {
		status := tasks.TaskStatus(*req.Status)
		if !status.Valid() {
			respondError(w, http.StatusBadRequest, "invalid_request", "unknown task status")
			return
		}
		patch.Status = &status
	}

	task, err := s.state.UpdateTask(r.Context(), taskID, patch)
	if err != nil {
		respondStateError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := urlParam(r, "id")
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}
	if err := s.state.DeleteTask(r.Context(), taskID); err != nil {
		respondStateError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReorderTasks(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.state.ReorderTasks(r.Context(), req.OrderedIDs); err != nil {
		respondStateError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": s.state.Tasks()})
}

type createSubtaskRequest struct {
	Text string `json:"text"`
}

type updateSubtaskRequest struct {
	Text   *string `json:"text"`
	Status *string `json:"status"`
}

func (s *Server) handleCreateSubtask(w http.ResponseWriter, r *http.Request) {
	taskID := urlParam(r, "id")
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}
	var req createSubtaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}

	subtask, err := s.state.CreateSubtask(r.Context(), taskID, req.Text)
	if err != nil {
		respondStateError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, subtask)
}

func (s *Server) handleUpdateSubtask(w http.ResponseWriter, r *http.Request) {
	taskID, subtaskID := urlParam(r, "id"), urlParam(r, "sid")
	if taskID == "" || subtaskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "missing task or subtask id")
		return
	}
	var req updateSubtaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	patch := tasks.SubtaskPatch{Text: req.Text}
	if req.Status != nil {
		status := tasks.SubtaskStatus(*req.Status)
		if !status.Valid() {
			respondError(w, http.StatusBadRequest, "invalid_request", "unknown subtask status")
			return
		}
		patch.Status = &status
	}

	subtask, err := s.state.UpdateSubtask(r.Context(), taskID, subtaskID, patch)
	if err != nil {
		respondStateError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, subtask)
}

func (s *Server) handleDeleteSubtask(w http.ResponseWriter, r *http.Request) {
	taskID, subtaskID := urlParam(r, "id"), urlParam(r, "sid")
	if taskID == "" || subtaskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "missing task or subtask id")
		return
	}
	if err := s.state.DeleteSubtask(r.Context(), taskID, subtaskID); err != nil {
		respondStateError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReorderSubtasks(w http.ResponseWriter, r *http.Request) {
	taskID := urlParam(r, "id")
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}
	var req reorderRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.state.ReorderSubtasks(r.Context(), taskID, req.OrderedIDs); err != nil {
		respondStateError(w, err)
		return
	}
	task, err := s.state.Task(taskID)
	if err != nil {
		respondStateError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

type stepRequest struct {
	Text *string `json:"text"`
	Done *bool   `json:"done"`
}

func (s *Server) handleCreateStep(w http.ResponseWriter, r *http.Request) {
	taskID, subtaskID := urlParam(r, "id"), urlParam(r, "sid")
	var req stepRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Text == nil || strings.TrimSpace(*req.Text) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}

	step, err := s.state.CreateStep(r.Context(), taskID, subtaskID, *req.Text)
	if err != nil {
		respondStateError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, step)
}

func (s *Server) handleUpdateStep(w http.ResponseWriter, r *http.Request) {
	taskID, subtaskID, stepID := urlParam(r, "id"), urlParam(r, "sid"), urlParam(r, "stepID")
	var req stepRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	step, err := s.state.UpdateStep(r.Context(), taskID, subtaskID, stepID, req.Text, req.Done)
	if err != nil {
		respondStateError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, step)
}

func (s *Server) handleDeleteStep(w http.ResponseWriter, r *http.Request) {
	taskID, subtaskID, stepID := urlParam(r, "id"), urlParam(r, "sid"), urlParam(r, "stepID")
	if err := s.state.DeleteStep(r.Context(), taskID, subtaskID, stepID); err != nil {
		respondStateError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type tagRequest struct {
	Name  *string `json:"name"`
	Color *string `json:"color"`
}

func (s *Server) handleCreateTag(w http.ResponseWriter, r *http.Request) {
	var req tagRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Name == nil || strings.TrimSpace(*req.Name) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "name is required")
		return
	}
	color := ""
	if req.Color != nil {
		color = *req.Color
	}

	tag, err := s.state.CreateTag(r.Context(), *req.Name, color)
	if err != nil {
		respondStateError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, tag)
}

func (s *Server) handleListTags(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"tags": s.state.Tags()})
}

func (s *Server) handleUpdateTag(w http.ResponseWriter, r *http.Request) {
	tagID := urlParam(r, "id")
	var req tagRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	tag, err := s.state.UpdateTag(r.Context(), tagID, req.Name, req.Color)
	if err != nil {
		respondStateError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tag)
}

func (s *Server) handleDeleteTag(w http.ResponseWriter, r *http.Request) {
	if err := s.state.DeleteTag(r.Context(), urlParam(r, "id")); err != nil {
		respondStateError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type folderRequest struct {
	Name *string `json:"name"`
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req folderRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Name == nil || strings.TrimSpace(*req.Name) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "name is required")
		return
	}

	folder, err := s.state.CreateFolder(r.Context(), *req.Name)
	if err != nil {
		respondStateError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, folder)
}

func (s *Server) handleListFolders(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"folders": s.state.Folders()})
}

func (s *Server) handleUpdateFolder(w http.ResponseWriter, r *http.Request) {
	folderID := urlParam(r, "id")
	var req folderRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	folder, err := s.state.UpdateFolder(r.Context(), folderID, req.Name)
	if err != nil {
		respondStateError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, folder)
}

func (s *Server) handleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	if err := s.state.DeleteFolder(r.Context(), urlParam(r, "id")); err != nil {
		respondStateError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReorderFolders(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.state.ReorderFolders(r.Context(), req.OrderedIDs); err != nil {
		respondStateError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"folders": s.state.Folders()})
}
