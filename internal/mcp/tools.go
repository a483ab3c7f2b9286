package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kanri/internal/messaging"
	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/runtime"
	"github.com/ashita-ai/kanri/internal/storage"
)

func (s *Server) registerTools() {
	// kanri_send_message: hand work or information to another agent.
	s.mcpServer.AddTool(
		mcplib.NewTool("kanri_send_message",
			mcplib.WithDescription(`Send a message to another agent's inbox.

WHEN TO USE: To delegate a task or pass a result to a peer. The recipient
sees it the next time it checks its inbox.

Use message_type "task" (default) for requests and "response" for answers;
prefer kanri_reply when answering a specific message.`),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("from_agent",
				mcplib.Description("Sending agent, by id or name"),
				mcplib.Required(),
			),
			mcplib.WithString("to_agent",
				mcplib.Description("Receiving agent, by id or name"),
				mcplib.Required(),
			),
			mcplib.WithString("content",
				mcplib.Description("Message body"),
				mcplib.Required(),
			),
			mcplib.WithString("mission_id",
				mcplib.Description("Optional mission this message belongs to"),
			),
			mcplib.WithString("message_type",
				mcplib.Description("task or response"),
				mcplib.Enum(model.MessageTypeTask, model.MessageTypeResponse),
			),
		),
		s.handleSendMessage,
	)

	// kanri_check_inbox: pending messages for an agent.
	s.mcpServer.AddTool(
		mcplib.NewTool("kanri_check_inbox",
			mcplib.WithDescription(`List pending messages addressed to an agent, oldest first.

WHEN TO USE: At the start of a task, and again before finishing, so requests
from other agents are not missed.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent",
				mcplib.Description("Agent whose inbox to read, by id or name"),
				mcplib.Required(),
			),
		),
		s.handleCheckInbox,
	)

	// kanri_reply: answer a message.
	s.mcpServer.AddTool(
		mcplib.NewTool("kanri_reply",
			mcplib.WithDescription(`Reply to a message. The original is marked processed and the reply is
delivered to its sender.`),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("message_id",
				mcplib.Description("Id of the message being answered"),
				mcplib.Required(),
			),
			mcplib.WithString("content",
				mcplib.Description("Reply body"),
				mcplib.Required(),
			),
		),
		s.handleReply,
	)

	// kanri_queue_mission: start a pending mission now.
	s.mcpServer.AddTool(
		mcplib.NewTool("kanri_queue_mission",
			mcplib.WithDescription(`Queue a pending mission for immediate execution instead of waiting for the
next poll. Queueing a mission that is already queued or running is a no-op.`),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("mission_id",
				mcplib.Description("Id of a pending mission"),
				mcplib.Required(),
			),
		),
		s.handleQueueMission,
	)

	// kanri_runtime_status: supervisor snapshot.
	s.mcpServer.AddTool(
		mcplib.NewTool("kanri_runtime_status",
			mcplib.WithDescription("Show whether the mission runtime is running, its settings, and which missions are active."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleRuntimeStatus,
	)
}

// resolveAgent looks up an active agent by id or name.
func (s *Server) resolveAgent(ctx context.Context, param, ref string) (model.Agent, *mcplib.CallToolResult) {
	if ref == "" {
		return model.Agent{}, errorResult(param + " is required")
	}
	agent, err := s.store.FindActiveAgent(ctx, ref)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Agent{}, errorResult(fmt.Sprintf("%s: no active agent %q", param, ref))
		}
		return model.Agent{}, errorResult(fmt.Sprintf("%s: lookup failed: %v", param, err))
	}
	return agent, nil
}

func parseUUIDParam(param, raw string) (uuid.UUID, *mcplib.CallToolResult) {
	if raw == "" {
		return uuid.Nil, errorResult(param + " is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errorResult(fmt.Sprintf("%s: invalid id %q", param, raw))
	}
	return id, nil
}

func checkContent(content string) *mcplib.CallToolResult {
	if content == "" {
		return errorResult("content is required")
	}
	if len(content) > model.MaxContentLen {
		return errorResult(fmt.Sprintf("content exceeds maximum length of %d bytes", model.MaxContentLen))
	}
	return nil
}

func (s *Server) handleSendMessage(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	content := request.GetString("content", "")
	if res := checkContent(content); res != nil {
		return res, nil
	}
	from, res := s.resolveAgent(ctx, "from_agent", request.GetString("from_agent", ""))
	if res != nil {
		return res, nil
	}
	to, res := s.resolveAgent(ctx, "to_agent", request.GetString("to_agent", ""))
	if res != nil {
		return res, nil
	}

	var missionID *uuid.UUID
	if raw := request.GetString("mission_id", ""); raw != "" {
		id, res := parseUUIDParam("mission_id", raw)
		if res != nil {
			return res, nil
		}
		missionID = &id
	}
	msgType := request.GetString("message_type", model.MessageTypeTask)
	if msgType != model.MessageTypeTask && msgType != model.MessageTypeResponse {
		return errorResult(fmt.Sprintf("message_type must be %q or %q", model.MessageTypeTask, model.MessageTypeResponse)), nil
	}

	msg, err := s.bus.SendMessage(ctx, messaging.SendInput{
		FromAgentID: from.ID,
		ToAgentID:   to.ID,
		Content:     content,
		MissionID:   missionID,
		MessageType: msgType,
	})
	if err != nil {
		return errorResult(fmt.Sprintf("send failed: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"message_id": msg.ID,
		"from":       from.Name,
		"to":         to.Name,
		"status":     msg.Status,
	}), nil
}

func (s *Server) handleCheckInbox(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agent, res := s.resolveAgent(ctx, "agent", request.GetString("agent", ""))
	if res != nil {
		return res, nil
	}
	msgs, err := s.bus.CheckInbox(ctx, agent.ID)
	if err != nil {
		return errorResult(fmt.Sprintf("check inbox failed: %v", err)), nil
	}
	if msgs == nil {
		msgs = []model.AgentMessage{}
	}
	return jsonResult(map[string]any{
		"agent":    agent.Name,
		"messages": msgs,
		"total":    len(msgs),
	}), nil
}

func (s *Server) handleReply(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, res := parseUUIDParam("message_id", request.GetString("message_id", ""))
	if res != nil {
		return res, nil
	}
	content := request.GetString("content", "")
	if res := checkContent(content); res != nil {
		return res, nil
	}

	reply, err := s.bus.ReplyByID(ctx, id, content)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorResult(fmt.Sprintf("message %s not found", id)), nil
		}
		return errorResult(fmt.Sprintf("reply failed: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"reply_id":    reply.ID,
		"in_reply_to": id,
		"to_agent_id": reply.ToAgentID,
	}), nil
}

func (s *Server) handleQueueMission(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, res := parseUUIDParam("mission_id", request.GetString("mission_id", ""))
	if res != nil {
		return res, nil
	}
	mission, err := s.store.GetMission(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorResult(fmt.Sprintf("mission %s not found", id)), nil
		}
		return errorResult(fmt.Sprintf("load mission failed: %v", err)), nil
	}
	if mission.Status != model.MissionPending {
		return errorResult(fmt.Sprintf("mission is %s; only pending missions can be queued", mission.Status)), nil
	}

	queued, err := s.runtime.QueueMission(id)
	switch {
	case errors.Is(err, runtime.ErrNotRunning):
		return errorResult("runtime is not running; start it first"), nil
	case errors.Is(err, runtime.ErrQueueFull):
		return errorResult("mission queue is full; the mission stays pending and will be picked up by the poll loop"), nil
	case err != nil:
		return errorResult(fmt.Sprintf("queue failed: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"mission_id": id,
		"title":      mission.Title,
		"queued":     queued,
	}), nil
}

func (s *Server) handleRuntimeStatus(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return jsonResult(map[string]any{
		"status":             s.runtime.Status(),
		"active_mission_ids": s.runtime.ActiveMissionIDs(),
	}), nil
}
