// Package mcp exposes the coordinator's operations as MCP tools so an agent
// process can register work, take locks and exchange project-scoped events
// over stdio.
package mcp

import (
	gomcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/chittyapps/chittysync/coordinator"
)

const serverInstructions = "You are connected to chittysync, a multi-session coordination layer. " +
	"You may be one of several worker sessions operating on the same resources. " +
	"Before touching a shared resource, call acquire_lock and release it with release_lock when done. " +
	"Use claim_task to take exclusive ownership of a task; a false result means another session " +
	"got there first, so move on to the next task instead of retrying. " +
	"Call list_sessions to see who else is active, and use publish_event/read_events to " +
	"coordinate with sessions bound to your project."

// Server wraps an MCP server bound to one coordinator instance.
type Server struct {
	server *mcpserver.MCPServer
	coord  *coordinator.Coordinator
}

// NewServer creates the MCP server and registers the coordination tools. The
// coordinator must already hold a session identity (registered or attached).
func NewServer(coord *coordinator.Coordinator) *Server {
	s := mcpserver.NewMCPServer(
		"chittysync",
		"1.0.0",
		mcpserver.WithInstructions(serverInstructions),
	)

	srv := &Server{server: s, coord: coord}
	srv.registerTools()
	return srv
}

// Serve runs the server over stdio until the client disconnects.
func (s *Server) Serve() error {
	return mcpserver.ServeStdio(s.server)
}

func (s *Server) registerTools() {
	listSessions := gomcp.NewTool("list_sessions",
		gomcp.WithDescription(
			"List all live coordination sessions: who they are, which host they run on and "+
				"which locks and tasks they hold. Use this to understand current activity before "+
				"taking shared resources.",
		),
		gomcp.WithReadOnlyHintAnnotation(true),
	)
	s.server.AddTool(listSessions, handleListSessions(s.coord))

	acquireLock := gomcp.NewTool("acquire_lock",
		gomcp.WithDescription(
			"Acquire an exclusive advisory lock on a named resource. Blocks briefly with backoff "+
				"while a live session holds it; locks held by dead sessions are reclaimed automatically. "+
				"Returns held=false if the resource stayed contended.",
		),
		gomcp.WithString("resource",
			gomcp.Required(),
			gomcp.Description("Name of the resource to lock, e.g. 'db-migration'."),
		),
		gomcp.WithString("max_retries",
			gomcp.Description("Override the retry budget against a live holder."),
		),
	)
	s.server.AddTool(acquireLock, handleAcquireLock(s.coord))

	releaseLock := gomcp.NewTool("release_lock",
		gomcp.WithDescription(
			"Release a lock held by this session. Releasing a lock you no longer hold is a no-op.",
		),
		gomcp.WithString("resource",
			gomcp.Required(),
			gomcp.Description("Name of the resource to unlock."),
		),
	)
	s.server.AddTool(releaseLock, handleReleaseLock(s.coord))

	claimTask := gomcp.NewTool("claim_task",
		gomcp.WithDescription(
			"Claim exclusive ownership of a task id in a single attempt. Returns claimed=false "+
				"immediately when another live session owns it; try the next task instead.",
		),
		gomcp.WithString("task_id",
			gomcp.Required(),
			gomcp.Description("Identifier of the task to claim."),
		),
	)
	s.server.AddTool(claimTask, handleClaimTask(s.coord))

	releaseTask := gomcp.NewTool("release_task",
		gomcp.WithDescription("Release a task claim held by this session."),
		gomcp.WithString("task_id",
			gomcp.Required(),
			gomcp.Description("Identifier of the task to release."),
		),
	)
	s.server.AddTool(releaseTask, handleReleaseTask(s.coord))

	bindProject := gomcp.NewTool("bind_project",
		gomcp.WithDescription(
			"Bind this session to a project context. Events you publish reach only sessions in the "+
				"same project or projects sharing a tag. Rebinding switches projects cleanly.",
		),
		gomcp.WithString("project_id",
			gomcp.Required(),
			gomcp.Description("Project identifier to bind to."),
		),
	)
	s.server.AddTool(bindProject, handleBindProject(s.coord))

	publishEvent := gomcp.NewTool("publish_event",
		gomcp.WithDescription(
			"Publish an event to all relevant sessions (same project or overlapping project tags). "+
				"Requires bind_project first.",
		),
		gomcp.WithString("type",
			gomcp.Required(),
			gomcp.Description("Event type, e.g. 'file-touched' or 'status'."),
		),
		gomcp.WithString("payload",
			gomcp.Description("Free-form event payload."),
		),
	)
	s.server.AddTool(publishEvent, handlePublishEvent(s.coord))

	readEvents := gomcp.NewTool("read_events",
		gomcp.WithDescription(
			"Drain and return the events other sessions have published to you. "+
				"Call this periodically to stay in sync with your project peers.",
		),
	)
	s.server.AddTool(readEvents, handleReadEvents(s.coord))
}
