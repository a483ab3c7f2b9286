// Package mcp implements the Model Context Protocol server for Kanri.
//
// The MCP server exposes the message bus and the mission runtime to
// MCP-capable agents, so an agent can message its peers, read its inbox and
// queue missions without going through the HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kanri/internal/messaging"
	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/runtime"
)

// Store is the subset of storage.Store the tools read.
type Store interface {
	FindActiveAgent(ctx context.Context, ref string) (model.Agent, error)
	GetMission(ctx context.Context, id uuid.UUID) (model.Mission, error)
}

// Mailbox is the message bus surface. *messaging.Bus satisfies it.
type Mailbox interface {
	SendMessage(ctx context.Context, in messaging.SendInput) (model.AgentMessage, error)
	CheckInbox(ctx context.Context, agentID uuid.UUID) ([]model.AgentMessage, error)
	ReplyByID(ctx context.Context, originalID uuid.UUID, content string) (model.AgentMessage, error)
}

// Supervisor is the runtime surface. *runtime.Runtime satisfies it.
type Supervisor interface {
	Status() runtime.Status
	ActiveMissionIDs() []uuid.UUID
	QueueMission(id uuid.UUID) (bool, error)
}

// Server wraps the MCP server with Kanri's bus and runtime.
type Server struct {
	mcpServer *mcpserver.MCPServer
	store     Store
	bus       Mailbox
	runtime   Supervisor
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(store Store, bus Mailbox, rt Supervisor, logger *slog.Logger, version string) *Server {
	s := &Server{
		store:   store,
		bus:     bus,
		runtime: rt,
		logger:  logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kanri",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithInstructions(serverInstructions),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

const serverInstructions = `Kanri runs missions: ordered steps executed by named agents.

Use kanri_check_inbox at the start of a task to see what other agents asked of
you, and kanri_reply to answer a message (this also marks it processed).
kanri_send_message hands work to another agent. kanri_queue_mission starts a
pending mission right away instead of waiting for the next poll, and
kanri_runtime_status shows what is running.

Agents may be referenced by id or by name (case-insensitive).`

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("encode result: " + err.Error())
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}
