package server

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/kanri/internal/messaging"
	"github.com/ashita-ai/kanri/internal/model"
)

// HandleSendMessage handles POST /v1/messages.
func (h *Handlers) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req model.SendMessageRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if msg := validateContent(req.Content); msg != "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, msg)
		return
	}
	if req.FromAgentID == uuid.Nil || req.ToAgentID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "from_agent_id and to_agent_id are required")
		return
	}
	for _, id := range []uuid.UUID{req.FromAgentID, req.ToAgentID} {
		if _, err := h.store.GetAgent(r.Context(), id); err != nil {
			h.writeStoreError(w, r, "look up agent", fmt.Sprintf("agent %s not found", id), err)
			return
		}
	}

	msg, err := h.bus.SendMessage(r.Context(), messaging.SendInput{
		FromAgentID: req.FromAgentID,
		ToAgentID:   req.ToAgentID,
		Content:     req.Content,
		MissionID:   req.MissionID,
		MessageType: req.MessageType,
	})
	if err != nil {
		h.writeInternalError(w, r, "send message", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, msg)
}

// HandleInbox handles GET /v1/agents/{agent_id}/inbox.
func (h *Handlers) HandleInbox(w http.ResponseWriter, r *http.Request) {
	agentID, ok := pathUUID(w, r, "agent_id")
	if !ok {
		return
	}
	msgs, err := h.bus.CheckInbox(r.Context(), agentID)
	if err != nil {
		h.writeInternalError(w, r, "check inbox", err)
		return
	}
	writeMessages(w, r, msgs)
}

// HandleAgentMessages handles GET /v1/agents/{agent_id}/messages?status=.
func (h *Handlers) HandleAgentMessages(w http.ResponseWriter, r *http.Request) {
	agentID, ok := pathUUID(w, r, "agent_id")
	if !ok {
		return
	}
	var status *model.MessageStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		s := model.MessageStatus(raw)
		if !s.Valid() {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid status "+raw)
			return
		}
		status = &s
	}
	msgs, err := h.bus.GetMessages(r.Context(), agentID, status)
	if err != nil {
		h.writeInternalError(w, r, "get messages", err)
		return
	}
	writeMessages(w, r, msgs)
}

// HandleReply handles POST /v1/messages/{message_id}/reply.
func (h *Handlers) HandleReply(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "message_id")
	if !ok {
		return
	}
	var req model.ReplyRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if msg := validateContent(req.Content); msg != "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, msg)
		return
	}
	reply, err := h.bus.ReplyByID(r.Context(), id, req.Content)
	if err != nil {
		h.writeStoreError(w, r, "reply", "message not found", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, reply)
}

// HandleMarkProcessed handles POST /v1/messages/{message_id}/processed.
func (h *Handlers) HandleMarkProcessed(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "message_id")
	if !ok {
		return
	}
	if err := h.bus.MarkAsProcessed(r.Context(), id); err != nil {
		h.writeStoreError(w, r, "mark processed", "message not found", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"message_id": id,
		"status":     model.MessageProcessed,
	})
}

func validateContent(content string) string {
	if content == "" {
		return "content is required"
	}
	if len(content) > model.MaxContentLen {
		return fmt.Sprintf("content exceeds maximum length of %d bytes", model.MaxContentLen)
	}
	return ""
}

func writeMessages(w http.ResponseWriter, r *http.Request, msgs []model.AgentMessage) {
	if msgs == nil {
		msgs = []model.AgentMessage{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"messages": msgs,
		"total":    len(msgs),
	})
}
