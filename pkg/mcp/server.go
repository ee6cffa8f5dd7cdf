package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/maraver/planline/internal/engine"
	"github.com/maraver/planline/internal/expressions"
	"github.com/maraver/planline/internal/service"
	"github.com/maraver/planline/internal/store"
)

// PlanlineServerDeps holds the dependencies for creating a PlanlineServer.
type PlanlineServerDeps struct {
	Service *service.RunService
	Engine  *engine.Engine
	Store   store.Store
	JQ      *expressions.GoJQEngine
	Logger  *slog.Logger
}

// PlanlineServer wraps an MCP server with planline-specific tool handlers.
type PlanlineServer struct {
	service   *service.RunService
	engine    *engine.Engine
	store     store.Store
	jq        *expressions.GoJQEngine
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  *RunNotifier
	mcpServer *server.MCPServer
}

// NewPlanlineServer creates a new PlanlineServer with all 5 tools registered.
func NewPlanlineServer(deps PlanlineServerDeps) *PlanlineServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	jq := deps.JQ
	if jq == nil {
		jq = expressions.NewGoJQEngine()
	}

	s := &PlanlineServer{
		service:  deps.Service,
		engine:   deps.Engine,
		store:    deps.Store,
		jq:       jq,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"planline",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Planline executes instrument plans with guaranteed cleanup and interruption recovery. Use planline.run to start a plan from a registered template, planline.control to pause/resume/abort/stop/halt a run, planline.status to check a run, planline.define to register plan templates, and planline.query to inspect runs, documents, templates, and scheduled jobs."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewRunNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *PlanlineServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *PlanlineServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 5 registered MCP tools as ServerTool entries.
func (s *PlanlineServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: controlTool(), Handler: s.handleControl},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("planline.run",
		mcp.WithDescription("Start a plan run from a registered template"),
		mcp.WithString("template_name", mcp.Required(), mcp.Description("Name of the plan template to run")),
		mcp.WithString("version", mcp.Description("Template version (default: latest)")),
		mcp.WithObject("inputs", mcp.Description("Input values for the plan")),
	)
}

func controlTool() mcp.Tool {
	return mcp.NewTool("planline.control",
		mcp.WithDescription("Intervene in an active run. Pause and resume are safe; abort and stop run cleanup first; halt terminates immediately without cleanup"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the target run")),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("pause", "resume", "abort", "stop", "halt"),
			mcp.Description("Intervention to deliver"),
		),
		mcp.WithString("reason", mcp.Description("Reason recorded with the intervention")),
		mcp.WithBoolean("deferred", mcp.Description("pause only: wait for the next checkpoint instead of the next instruction")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("planline.status",
		mcp.WithDescription("Get the state of a run, including live readings while it is active"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("planline.define",
		mcp.WithDescription("Register a reusable plan template. Versions auto-increment (v1, v2, ...)"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Template name")),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Plan definition object (steps, cleanup, on_error, on_success)")),
		mcp.WithObject("input_schema", mcp.Description("JSON Schema validating run inputs")),
		mcp.WithString("description", mcp.Description("Template description")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("planline.query",
		mcp.WithDescription("Query runs, documents, templates, or scheduled jobs. An optional jq expression post-processes the result"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("runs", "documents", "templates", "jobs"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, plan, run_id, type, since, limit, name)")),
		mcp.WithString("jq", mcp.Description("jq expression applied to the query result")),
	)
}
