package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"scrumbringer/internal/domain"
	"scrumbringer/internal/engine"
)

// NewServer creates an MCP server exposing the task lifecycle over stdio.
// Tools act as one fixed user in one project, both resolved at startup.
func NewServer(e engine.Engine, projectID, userID int64) *server.MCPServer {
	s := server.NewMCPServer("Scrumbringer", "0.1.0")

	s.AddTool(mcp.NewTool("create_task",
		mcp.WithDescription("Create a new task in the project. The task starts available at version 1."),
		mcp.WithNumber("type_id", mcp.Description("Task type id"), mcp.Required()),
		mcp.WithString("title", mcp.Description("Task title"), mcp.Required()),
		mcp.WithString("description", mcp.Description("Task description")),
		mcp.WithNumber("priority", mcp.Description("Priority (1-5, defaults to 3)")),
		mcp.WithNumber("card_id", mcp.Description("Card to attach the task to")),
	), createTaskHandler(e, projectID, userID))

	s.AddTool(mcp.NewTool("list_tasks",
		mcp.WithDescription("List tasks in the project with optional filters."),
		mcp.WithString("status", mcp.Description("Filter by status (available|claimed|ongoing|completed)")),
		mcp.WithNumber("type_id", mcp.Description("Filter by task type")),
		mcp.WithString("q", mcp.Description("Text search over title and description")),
		mcp.WithBoolean("blocked", mcp.Description("Only claimed tasks with no active work session")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of results")),
	), listTasksHandler(e, projectID))

	s.AddTool(mcp.NewTool("get_task",
		mcp.WithDescription("Get a single task by id."),
		mcp.WithNumber("id", mcp.Description("Task id"), mcp.Required()),
	), getTaskHandler(e, projectID))

	s.AddTool(mcp.NewTool("claim_task",
		mcp.WithDescription("Claim an available task. Requires the version last observed; fails on conflict."),
		mcp.WithNumber("id", mcp.Description("Task id"), mcp.Required()),
		mcp.WithNumber("version", mcp.Description("Version last observed"), mcp.Required()),
	), transitionHandler(e, projectID, userID, e.ClaimTask))

	s.AddTool(mcp.NewTool("start_task",
		mcp.WithDescription("Start working a claimed task. Opens a work session."),
		mcp.WithNumber("id", mcp.Description("Task id"), mcp.Required()),
		mcp.WithNumber("version", mcp.Description("Version last observed"), mcp.Required()),
	), transitionHandler(e, projectID, userID, e.StartWork))

	s.AddTool(mcp.NewTool("release_task",
		mcp.WithDescription("Release a claimed task back to the pool."),
		mcp.WithNumber("id", mcp.Description("Task id"), mcp.Required()),
		mcp.WithNumber("version", mcp.Description("Version last observed"), mcp.Required()),
	), transitionHandler(e, projectID, userID, e.ReleaseTask))

	s.AddTool(mcp.NewTool("complete_task",
		mcp.WithDescription("Complete a claimed task. Matching automation rules fire in the same transaction."),
		mcp.WithNumber("id", mcp.Description("Task id"), mcp.Required()),
		mcp.WithNumber("version", mcp.Description("Version last observed"), mcp.Required()),
	), transitionHandler(e, projectID, userID, e.CompleteTask))

	s.AddTool(mcp.NewTool("task_events",
		mcp.WithDescription("Get the lifecycle event history of a task."),
		mcp.WithNumber("id", mcp.Description("Task id"), mcp.Required()),
	), taskEventsHandler(e, projectID))

	return s
}

// Serve starts the MCP server on stdio.
func Serve(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

func createTaskHandler(e engine.Engine, projectID, userID int64) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		opts := engine.TaskCreateOptions{
			ProjectID:   projectID,
			TypeID:      int64(mcp.ParseInt(request, "type_id", 0)),
			Title:       mcp.ParseString(request, "title", ""),
			Description: mcp.ParseString(request, "description", ""),
			Priority:    mcp.ParseInt(request, "priority", 0),
			CreatedBy:   userID,
		}
		if cardID := int64(mcp.ParseInt(request, "card_id", 0)); cardID != 0 {
			opts.CardID = &cardID
		}
		t, err := e.CreateTask(ctx, opts)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return taskResult(t)
	}
}

func listTasksHandler(e engine.Engine, projectID int64) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		filters := engine.ListFilters{
			Status:    domain.Status(mcp.ParseString(request, "status", "")),
			TypeID:    int64(mcp.ParseInt(request, "type_id", 0)),
			TextQuery: mcp.ParseString(request, "q", ""),
			Blocked:   mcp.ParseBoolean(request, "blocked", false),
			Limit:     mcp.ParseInt(request, "limit", 50),
		}
		tasks, err := e.ListTasks(ctx, projectID, filters)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		data, err := json.Marshal(map[string]any{"tasks": tasks})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}

func getTaskHandler(e engine.Engine, projectID int64) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := int64(mcp.ParseInt(request, "id", 0))
		t, err := e.Repo.GetTask(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if t.ProjectID != projectID {
			return mcp.NewToolResultError(fmt.Sprintf("task %d not found in project", id)), nil
		}
		return taskResult(t)
	}
}

func transitionHandler(
	e engine.Engine,
	projectID, userID int64,
	call func(ctx context.Context, taskID, userID int64, version int) (domain.Task, error),
) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := int64(mcp.ParseInt(request, "id", 0))
		version := mcp.ParseInt(request, "version", 0)
		if version < 1 {
			return mcp.NewToolResultError("version is required"), nil
		}
		if t, err := e.Repo.GetTask(ctx, id); err == nil && t.ProjectID != projectID {
			return mcp.NewToolResultError(fmt.Sprintf("task %d not found in project", id)), nil
		}
		t, err := call(ctx, id, userID, version)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return taskResult(t)
	}
}

func taskEventsHandler(e engine.Engine, projectID int64) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := int64(mcp.ParseInt(request, "id", 0))
		t, err := e.Repo.GetTask(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if t.ProjectID != projectID {
			return mcp.NewToolResultError(fmt.Sprintf("task %d not found in project", id)), nil
		}
		events, err := e.Repo.ListTaskEvents(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		data, err := json.Marshal(map[string]any{"events": events})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}

func taskResult(t domain.Task) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
