package toolserver

import (
	"context"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nextlevelbuilder/intercom/internal/model"
)

// NewServer builds the stdio MCP server exposing the intercom tools.
func NewServer(tools *Tools, version string) *server.MCPServer {
	s := server.NewMCPServer("intercom", version)

	args := func(req mcp.CallToolRequest) map[string]any {
		m, _ := req.Params.Arguments.(map[string]any)
		return m
	}
	str := func(m map[string]any, key string) string {
		v, _ := m[key].(string)
		return v
	}
	num := func(m map[string]any, key string, def int) int {
		if v, ok := m[key].(float64); ok {
			return int(v)
		}
		return def
	}
	result := func(out map[string]any, err error) (*mcp.CallToolResult, error) {
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultStructuredOnly(out), nil
	}

	s.AddTool(mcp.NewTool("intercom_list_agents",
		mcp.WithDescription("List available agents on the intercom network"),
		mcp.WithString("filter", mcp.Description(`Filter agents: "all", "online", or "machine:<id>"`)),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		a := args(req)
		return result(tools.ListAgents(ctx, str(a, "filter")))
	})

	s.AddTool(mcp.NewTool("intercom_send",
		mcp.WithDescription("Send a fire-and-forget message to another agent"),
		mcp.WithString("to", mcp.Required(), mcp.Description("Target agent ID (machine/project)")),
		mcp.WithString("message", mcp.Required(), mcp.Description("The message to send")),
		mcp.WithString("priority", mcp.Description(`Message priority: "normal" or "high"`)),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		a := args(req)
		return result(tools.Send(ctx, str(a, "to"), str(a, "message"), str(a, "priority")))
	})

	s.AddTool(mcp.NewTool("intercom_ask",
		mcp.WithDescription("Send a question to another agent; the answer arrives later as a mission response"),
		mcp.WithString("to", mcp.Required(), mcp.Description("Target agent ID (machine/project)")),
		mcp.WithString("message", mcp.Required(), mcp.Description("The question or mission to send")),
		mcp.WithNumber("timeout", mcp.Description("Max seconds the remote agent may take")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		a := args(req)
		return result(tools.Ask(ctx, str(a, "to"), str(a, "message"), num(a, "timeout", 300)))
	})

	s.AddTool(mcp.NewTool("intercom_chat",
		mcp.WithDescription("Chat with an agent's live session. Omit to and pass thread_id to reply in an existing thread"),
		mcp.WithString("to", mcp.Description("Target agent ID (machine/project); empty when replying by thread")),
		mcp.WithString("message", mcp.Required(), mcp.Description("The chat message")),
		mcp.WithString("thread_id", mcp.Description("Existing thread to continue")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		a := args(req)
		return result(tools.Chat(ctx, str(a, "to"), str(a, "message"), str(a, "thread_id")))
	})

	s.AddTool(mcp.NewTool("intercom_reply",
		mcp.WithDescription("Reply in an existing chat thread"),
		mcp.WithString("thread_id", mcp.Required(), mcp.Description("Thread to reply in")),
		mcp.WithString("message", mcp.Required(), mcp.Description("The reply")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		a := args(req)
		return result(tools.Chat(ctx, "", str(a, "message"), str(a, "thread_id")))
	})

	s.AddTool(mcp.NewTool("intercom_check_inbox",
		mcp.WithDescription("Drain pending chat messages delivered to this session"),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return result(tools.CheckInbox(ctx))
	})

	s.AddTool(mcp.NewTool("intercom_start_agent",
		mcp.WithDescription("Start an AI agent on a remote machine"),
		mcp.WithString("machine", mcp.Required(), mcp.Description("Target machine ID")),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project ID on that machine")),
		mcp.WithString("mission", mcp.Required(), mcp.Description("The mission for the agent")),
		mcp.WithString("agent_command", mcp.Description(`Override the default agent command (e.g. "claude", "codex")`)),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		a := args(req)
		return result(tools.StartAgent(ctx, str(a, "machine"), str(a, "project"), str(a, "mission"), str(a, "agent_command")))
	})

	s.AddTool(mcp.NewTool("intercom_status",
		mcp.WithDescription("Get the status and live feedback of a mission"),
		mcp.WithString("mission_id", mcp.Required(), mcp.Description("The mission ID to check")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		a := args(req)
		return result(tools.Status(ctx, str(a, "mission_id")))
	})

	s.AddTool(mcp.NewTool("intercom_history",
		mcp.WithDescription("Get the conversation history of a mission"),
		mcp.WithString("mission_id", mcp.Required(), mcp.Description("The mission ID")),
		mcp.WithNumber("limit", mcp.Description("Max messages to return")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		a := args(req)
		return result(tools.History(ctx, str(a, "mission_id"), num(a, "limit", 50)))
	})

	s.AddTool(mcp.NewTool("intercom_register",
		mcp.WithDescription("Update this agent's registry entry (description, capabilities)"),
		mcp.WithString("action", mcp.Description(`"update", "add_project", or "remove_project"`)),
		mcp.WithString("project_id", mcp.Description("Project to touch; defaults to the current one")),
		mcp.WithString("description", mcp.Description("Project description for other agents")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		a := args(req)
		return result(tools.Register(ctx, str(a, "action"), model.Project{
			ProjectID:   str(a, "project_id"),
			Description: str(a, "description"),
		}))
	})

	s.AddTool(mcp.NewTool("intercom_report_feedback",
		mcp.WithDescription("File product feedback with the network operator"),
		mcp.WithString("kind", mcp.Required(), mcp.Description(`"bug", "improvement" or "note"`)),
		mcp.WithString("description", mcp.Required(), mcp.Description("What happened or what should change")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		a := args(req)
		return result(tools.Feedback(ctx, str(a, "kind"), str(a, "description")))
	})

	return s
}

// Serve registers the session with the local daemon and blocks on stdio
// until the client disconnects.
func Serve(ctx context.Context, tools *Tools, version string) error {
	if err := tools.RegisterSession(ctx); err != nil {
		slog.Warn("toolserver.session_register_failed", "error", err)
	}
	defer tools.UnregisterSession(context.Background())

	slog.Info("toolserver.serving", "agent", tools.FromAgent())
	return server.ServeStdio(NewServer(tools, version))
}
