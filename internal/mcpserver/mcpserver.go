// Package mcpserver exposes the controller's live tenant states and
// mitigation history as read-only MCP tools, for operators driving the
// controller from an AI agent instead of the CLI.
package mcpserver

import (
	"context"
	"encoding/json"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/baikal/gpuslo/internal/state"
	"github.com/baikal/gpuslo/internal/statstore"
)

// Inspectable is the read-only view of the running control loop the tools
// are backed by.
type Inspectable interface {
	SnapshotStates() map[int]state.FSMState
	Summary() map[state.FSMState]int
}

// Server wraps the MCP server instance.
type Server struct {
	mcpServer *server.MCPServer
}

// NewServer creates an MCP server with the tenant_states and action_history
// tools registered against tracker and store.
func NewServer(version string, tracker Inspectable, store *statstore.Store) *Server {
	s := server.NewMCPServer("gpuslo", version, server.WithLogging())
	registerTools(s, tracker, store)
	return &Server{mcpServer: s}
}

// Start runs the server in stdio mode (blocking) until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	stdioServer := server.NewStdioServer(s.mcpServer)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

func registerTools(s *server.MCPServer, tracker Inspectable, store *statstore.Store) {
	statesTool := mcp.NewTool("tenant_states",
		mcp.WithDescription("Current FSM state (normal/degraded/violated/cooldown) of every tracked tenant, plus a per-state count summary."),
	)
	s.AddTool(statesTool, handleTenantStates(tracker))

	historyTool := mcp.NewTool("action_history",
		mcp.WithDescription("Recent mitigation actions the controller has taken (cgroup I/O throttle, partition reconfiguration), optionally filtered by kind."),
		mcp.WithString("kind",
			mcp.Description("Restrict to one action kind: io_throttle, partition_reconfig, or priority_change. Omit for all."),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of records to return, most recent last. Omit or 0 for unlimited."),
		),
	)
	s.AddTool(historyTool, handleActionHistory(store))
}

func handleTenantStates(tracker Inspectable) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		states := tracker.SnapshotStates()
		rendered := make(map[int]string, len(states))
		for tid, st := range states {
			rendered[tid] = st.String()
		}

		summary := tracker.Summary()
		renderedSummary := make(map[string]int, len(summary))
		for st, count := range summary {
			renderedSummary[st.String()] = count
		}

		payload := map[string]interface{}{
			"tenants": rendered,
			"summary": renderedSummary,
		}
		return jsonResult(payload)
	}
}

func handleActionHistory(store *statstore.Store) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := getArgs(req)

		var kindFilter *statstore.ActionKind
		if raw, ok := args["kind"].(string); ok && raw != "" {
			kind, ok := parseActionKind(raw)
			if !ok {
				return errResult("unknown kind: " + raw), nil
			}
			kindFilter = &kind
		}

		limit := 0
		if raw, ok := args["limit"].(float64); ok {
			limit = int(raw)
		}

		records := store.History(kindFilter, limit)
		return jsonResult(records)
	}
}

func getArgs(request mcp.CallToolRequest) map[string]interface{} {
	if request.Params.Arguments == nil {
		return map[string]interface{}{}
	}
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return map[string]interface{}{}
	}
	return args
}

func parseActionKind(s string) (statstore.ActionKind, bool) {
	switch s {
	case "io_throttle":
		return statstore.ActionIOThrottle, true
	case "partition_reconfig":
		return statstore.ActionPartitionReconfig, true
	case "priority_change":
		return statstore.ActionPriorityChange, true
	default:
		return 0, false
	}
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errResult(err.Error()), nil
	}
	return newTextResult(string(data)), nil
}

func newTextResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func errResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
	}
}
