package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	runtimeStatusURI = "kanri://runtime/status"
	inboxURIPrefix   = "kanri://agents/"
	inboxURISuffix   = "/inbox"
)

func (s *Server) registerResources() {
	// kanri://runtime/status: supervisor snapshot.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			runtimeStatusURI,
			"Runtime Status",
			mcplib.WithResourceDescription("Mission runtime state, settings and active missions"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRuntimeStatusResource,
	)

	// kanri://agents/{agent}/inbox: pending messages for one agent.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			inboxURIPrefix+"{agent}"+inboxURISuffix,
			"Agent Inbox",
			mcplib.WithTemplateDescription("Pending messages for an agent, by id or name"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleInboxResource,
	)
}

func (s *Server) handleRuntimeStatusResource(_ context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(map[string]any{
		"status":             s.runtime.Status(),
		"active_mission_ids": s.runtime.ActiveMissionIDs(),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal runtime status: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      runtimeStatusURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// agentFromInboxURI extracts the agent reference from kanri://agents/{agent}/inbox.
func agentFromInboxURI(uri string) (string, error) {
	ref, ok := strings.CutPrefix(uri, inboxURIPrefix)
	if ok {
		ref, ok = strings.CutSuffix(ref, inboxURISuffix)
	}
	if !ok || ref == "" || strings.Contains(ref, "/") {
		return "", fmt.Errorf("mcp: invalid inbox URI: %s", uri)
	}
	return ref, nil
}

func (s *Server) handleInboxResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	ref, err := agentFromInboxURI(uri)
	if err != nil {
		return nil, err
	}
	agent, err := s.store.FindActiveAgent(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("mcp: inbox agent: %w", err)
	}
	msgs, err := s.bus.CheckInbox(ctx, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("mcp: inbox: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"agent":    agent.Name,
		"messages": msgs,
		"total":    len(msgs),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal inbox: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
