package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/runtime"
	"github.com/ashita-ai/kanri/internal/storage"
)

// HandleCreateMission handles POST /v1/missions.
func (h *Handlers) HandleCreateMission(w http.ResponseWriter, r *http.Request) {
	var req model.CreateMissionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if msg, err := h.checkAgents(r, req); err != nil {
		h.writeInternalError(w, r, "look up agent", err)
		return
	} else if msg != "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, msg)
		return
	}

	steps := make([]model.MissionStep, len(req.Steps))
	for i, s := range req.Steps {
		steps[i] = model.MissionStep{
			Title:       s.Title,
			Description: s.Description,
			AgentID:     s.AgentID,
			Input:       s.Input,
		}
	}
	mission, steps, err := h.store.CreateMission(r.Context(), model.Mission{
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
		AgentID:     req.AgentID,
	}, steps)
	if err != nil {
		h.writeInternalError(w, r, "create mission", err)
		return
	}

	resp := model.CreateMissionResponse{Mission: mission, Steps: steps}
	if req.ExecuteNow {
		queued, err := h.runtime.QueueMission(mission.ID)
		switch {
		case err == nil:
			resp.Queued = queued
		case errors.Is(err, runtime.ErrNotRunning), errors.Is(err, runtime.ErrQueueFull):
			// The mission stays pending and the poll loop picks it up later.
			h.logger.Info("http: execute_now deferred", "mission_id", mission.ID, "reason", err)
		default:
			h.writeInternalError(w, r, "queue mission", err)
			return
		}
	}
	writeJSON(w, r, http.StatusCreated, resp)
}

// checkAgents returns a client-facing message when a referenced agent does
// not exist.
func (h *Handlers) checkAgents(r *http.Request, req model.CreateMissionRequest) (string, error) {
	refs := make([]*uuid.UUID, 0, len(req.Steps)+1)
	refs = append(refs, req.AgentID)
	for _, s := range req.Steps {
		refs = append(refs, s.AgentID)
	}
	seen := make(map[uuid.UUID]bool)
	for _, id := range refs {
		if id == nil || seen[*id] {
			continue
		}
		seen[*id] = true
		if _, err := h.store.GetAgent(r.Context(), *id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Sprintf("agent %s not found", id), nil
			}
			return "", err
		}
	}
	return "", nil
}

// HandleGetMission handles GET /v1/missions/{mission_id}.
func (h *Handlers) HandleGetMission(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "mission_id")
	if !ok {
		return
	}
	mission, err := h.store.GetMission(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, r, "get mission", "mission not found", err)
		return
	}
	steps, err := h.store.ListMissionSteps(r.Context(), id)
	if err != nil {
		h.writeInternalError(w, r, "list mission steps", err)
		return
	}
	if steps == nil {
		steps = []model.MissionStep{}
	}
	writeJSON(w, r, http.StatusOK, model.MissionDetail{Mission: mission, Steps: steps})
}

// HandleQueueMission handles POST /v1/missions/{mission_id}/queue.
// Only pending missions can be queued.
func (h *Handlers) HandleQueueMission(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "mission_id")
	if !ok {
		return
	}
	mission, err := h.store.GetMission(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, r, "get mission", "mission not found", err)
		return
	}
	if mission.Status != model.MissionPending {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict,
			fmt.Sprintf("mission is %s; only pending missions can be queued", mission.Status))
		return
	}

	queued, err := h.runtime.QueueMission(id)
	switch {
	case errors.Is(err, runtime.ErrNotRunning):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "runtime is not running")
		return
	case errors.Is(err, runtime.ErrQueueFull):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "mission queue is full")
		return
	case err != nil:
		h.writeInternalError(w, r, "queue mission", err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]any{
		"mission_id": id,
		"queued":     queued,
	})
}
