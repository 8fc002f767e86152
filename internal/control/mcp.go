package control

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/AltairaLabs/renderfarm/internal/config"
)

// MCP tool names
const (
	ToolStart  = "render.start"
	ToolCancel = "render.cancel"
	ToolStatus = "render.status"
	ToolPeers  = "render.peers"
)

// MCPServer exposes farm control as MCP tools
type MCPServer struct {
	server   *server.MCPServer
	farm     Farm
	defaults config.JobDefaults
	handlers *ToolHandlerRegistry
	audit    *AuditLogger
	logger   *slog.Logger
}

// NewMCPServer creates the server and registers every tool
func NewMCPServer(name, version string, farm Farm, defaults config.JobDefaults, logger *slog.Logger) *MCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	ms := &MCPServer{
		server: server.NewMCPServer(
			name,
			version,
			server.WithToolCapabilities(true),
			server.WithRecovery(),
		),
		farm:     farm,
		defaults: defaults,
		audit:    NewAuditLogger(logger),
		logger:   logger.With("component", "mcp"),
	}
	ms.handlers = NewToolHandlerRegistry(map[string]ToolHandlerFunc{
		ToolStart:  ms.handleStart,
		ToolCancel: ms.handleCancel,
		ToolStatus: ms.handleStatus,
		ToolPeers:  ms.handlePeers,
	})
	ms.registerTools()
	return ms
}

// Handlers exposes the tool dispatch table
func (ms *MCPServer) Handlers() *ToolHandlerRegistry {
	return ms.handlers
}

func (ms *MCPServer) registerTools() {
	tools := []mcp.Tool{
		mcp.NewTool(ToolStart,
			mcp.WithDescription("Start rendering a scene across the farm. Omitted settings use the configured job defaults."),
			mcp.WithString(argScenePath, mcp.Description("Path to the scene file on the coordinator")),
			mcp.WithNumber(argFrameStart, mcp.Description("First frame, inclusive")),
			mcp.WithNumber(argFrameEnd, mcp.Description("Last frame, inclusive")),
			mcp.WithNumber(argFrameStep, mcp.Description("Frame step, at least 1")),
			mcp.WithNumber(argResX, mcp.Description("Horizontal resolution")),
			mcp.WithNumber(argResY, mcp.Description("Vertical resolution")),
			mcp.WithString(argFormat, mcp.Description("Output format, e.g. PNG or JPEG")),
			mcp.WithString(argEngine, mcp.Description("Render engine, e.g. CYCLES")),
		),
		mcp.NewTool(ToolCancel,
			mcp.WithDescription("Cancel the active render job"),
		),
		mcp.NewTool(ToolStatus,
			mcp.WithDescription("Report progress of the active job and the last finished job"),
		),
		mcp.NewTool(ToolPeers,
			mcp.WithDescription("List workers seen by the coordinator"),
		),
	}
	for _, tool := range tools {
		h, err := ms.handlers.GetHandler(tool.Name)
		if err != nil {
			ms.logger.Error("Tool has no handler", "tool", tool.Name)
			continue
		}
		ms.server.AddTool(tool, server.ToolHandlerFunc(h))
	}
}

func (ms *MCPServer) handleStart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	req, err := jobRequest(args, ms.defaults)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := ms.audit.audited(ctx, SurfaceMCP, ToolStart, args, func() (string, error) {
		return ms.farm.StartJob(ctx, req)
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ms.logger.Info("Job started via MCP", "job_id", id, "scene", req.ScenePath)
	return jsonResult(map[string]any{"job_id": id})
}

func (ms *MCPServer) handleCancel(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	_, err := ms.audit.audited(ctx, SurfaceMCP, ToolCancel, nil, func() (string, error) {
		return "", ms.farm.CancelJob(ctx)
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("job cancelled"), nil
}

func (ms *MCPServer) handleStatus(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(statusMap(ms.farm))
}

func (ms *MCPServer) handlePeers(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(peersMap(ms.farm.Peers()))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
