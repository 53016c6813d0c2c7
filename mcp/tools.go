package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/chittyapps/chittysync/coordinator"
	"github.com/chittyapps/chittysync/session"
)

// sessionView is the JSON representation returned by list_sessions.
type sessionView struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Host          string    `json:"host"`
	ProjectID     string    `json:"project_id,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	HeldLocks     []string  `json:"held_locks,omitempty"`
	ClaimedTasks  []string  `json:"claimed_tasks,omitempty"`
}

func handleListSessions(coord *coordinator.Coordinator) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		sessions, err := coord.ListActiveSessions()
		if err != nil {
			return gomcp.NewToolResultError("failed to list sessions: " + err.Error()), nil
		}

		views := make([]sessionView, 0, len(sessions))
		for _, s := range sessions {
			views = append(views, sessionView{
				ID:            s.ID,
				Name:          s.DisplayName,
				Host:          s.Host,
				ProjectID:     s.ProjectID,
				LastHeartbeat: s.LastHeartbeat,
				HeldLocks:     s.HeldLocks,
				ClaimedTasks:  s.ClaimedTasks,
			})
		}
		if len(views) == 0 {
			return gomcp.NewToolResultText("No live sessions."), nil
		}

		data, err := json.MarshalIndent(views, "", "  ")
		if err != nil {
			return gomcp.NewToolResultError("failed to marshal sessions: " + err.Error()), nil
		}
		return gomcp.NewToolResultText(string(data)), nil
	}
}

func handleAcquireLock(coord *coordinator.Coordinator) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		resource := req.GetString("resource", "")
		if resource == "" {
			return gomcp.NewToolResultError("missing required parameter: resource"), nil
		}

		var opts []session.AcquireOption
		if raw := req.GetString("max_retries", ""); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				return gomcp.NewToolResultError("max_retries must be a non-negative integer"), nil
			}
			opts = append(opts, session.WithMaxRetries(n))
		}

		lk, err := coord.Acquire(ctx, resource, opts...)
		if err != nil {
			return gomcp.NewToolResultError("failed to acquire lock: " + err.Error()), nil
		}
		if lk == nil {
			return gomcp.NewToolResultText(fmt.Sprintf(`{"resource":%q,"held":false}`, resource)), nil
		}
		return gomcp.NewToolResultText(fmt.Sprintf(`{"resource":%q,"held":true}`, resource)), nil
	}
}

func handleReleaseLock(coord *coordinator.Coordinator) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		resource := req.GetString("resource", "")
		if resource == "" {
			return gomcp.NewToolResultError("missing required parameter: resource"), nil
		}
		if err := coord.Release(resource); err != nil {
			return gomcp.NewToolResultError("failed to release lock: " + err.Error()), nil
		}
		return gomcp.NewToolResultText("Released " + resource + "."), nil
	}
}

func handleClaimTask(coord *coordinator.Coordinator) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		taskID := req.GetString("task_id", "")
		if taskID == "" {
			return gomcp.NewToolResultError("missing required parameter: task_id"), nil
		}
		claimed, err := coord.Claim(taskID)
		if err != nil {
			return gomcp.NewToolResultError("failed to claim task: " + err.Error()), nil
		}
		return gomcp.NewToolResultText(fmt.Sprintf(`{"task_id":%q,"claimed":%t}`, taskID, claimed)), nil
	}
}

func handleReleaseTask(coord *coordinator.Coordinator) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		taskID := req.GetString("task_id", "")
		if taskID == "" {
			return gomcp.NewToolResultError("missing required parameter: task_id"), nil
		}
		if err := coord.ReleaseClaim(taskID); err != nil {
			return gomcp.NewToolResultError("failed to release task: " + err.Error()), nil
		}
		return gomcp.NewToolResultText("Released task " + taskID + "."), nil
	}
}

func handleBindProject(coord *coordinator.Coordinator) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		projectID := req.GetString("project_id", "")
		if projectID == "" {
			return gomcp.NewToolResultError("missing required parameter: project_id"), nil
		}
		if err := coord.SwitchProject(ctx, projectID); err != nil {
			return gomcp.NewToolResultError("failed to bind project: " + err.Error()), nil
		}
		return gomcp.NewToolResultText("Bound to project " + projectID + "."), nil
	}
}

func handlePublishEvent(coord *coordinator.Coordinator) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		eventType := req.GetString("type", "")
		if eventType == "" {
			return gomcp.NewToolResultError("missing required parameter: type"), nil
		}
		payload := req.GetString("payload", "")

		if err := coord.Publish(eventType, payload); err != nil {
			return gomcp.NewToolResultError("failed to publish event: " + err.Error()), nil
		}
		return gomcp.NewToolResultText("Published " + eventType + " event."), nil
	}
}

func handleReadEvents(coord *coordinator.Coordinator) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		events, err := coord.ReadRelevantEvents()
		if err != nil {
			return gomcp.NewToolResultError("failed to read events: " + err.Error()), nil
		}
		if len(events) == 0 {
			return gomcp.NewToolResultText("No new events."), nil
		}

		data, err := json.MarshalIndent(events, "", "  ")
		if err != nil {
			return gomcp.NewToolResultError("failed to marshal events: " + err.Error()), nil
		}
		return gomcp.NewToolResultText(string(data)), nil
	}
}
