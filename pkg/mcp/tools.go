package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/maraver/planline/internal/store"
	"github.com/maraver/planline/pkg/schema"
)

// handleRun starts a plan run from a registered template.
func (s *PlanlineServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	templateName, err := req.RequireString("template_name")
	if err != nil {
		return mcp.NewToolResultError("template_name is required"), nil
	}
	version := req.GetString("version", "")
	inputs := mcp.ParseStringMap(req, "inputs", nil)

	runID, runErr := s.service.RunFromTemplate(ctx, templateName, version, inputs)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed to start: %v", runErr)), nil
	}

	// Remember which session launched the run so its terminal state can be
	// pushed back.
	s.captureSession(ctx, runID)
	go s.notifyOnTerminal(runID)

	return marshalResult(map[string]any{
		"run_id":   runID,
		"template": templateName,
	})
}

// handleControl delivers an intervention to an active run.
func (s *PlanlineServer) handleControl(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	ctrl := schema.ControlRequest{
		Action:   schema.ControlAction(action),
		Reason:   req.GetString("reason", ""),
		Deferred: req.GetBool("deferred", false),
	}

	switch ctrl.Action {
	case schema.ControlPause, schema.ControlResume, schema.ControlAbort,
		schema.ControlStop, schema.ControlHalt:
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action %q", action)), nil
	}

	if ctrlErr := s.engine.Control(runID, ctrl); ctrlErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("control failed: %v", ctrlErr)), nil
	}

	return marshalResult(map[string]any{
		"run_id": runID,
		"action": action,
	})
}

// handleStatus returns the state of a run, with live readings when active.
func (s *PlanlineServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, getErr := s.store.GetRun(ctx, runID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run lookup failed: %v", getErr)), nil
	}

	result := map[string]any{"run": run}
	if status, ok := s.engine.Status(runID); ok {
		result["live_status"] = status
	}
	if readings, ok := s.engine.Readings(runID); ok {
		result["readings"] = readings
	}

	return marshalResult(result)
}

// handleDefine registers a plan template with auto-versioning.
func (s *PlanlineServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}

	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	// Marshal then unmarshal the definition to get a proper PlanDefinition.
	defBytes, marshalErr := json.Marshal(defRaw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", marshalErr)), nil
	}
	var def schema.PlanDefinition
	if unmarshalErr := json.Unmarshal(defBytes, &def); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", unmarshalErr)), nil
	}
	if def.Name == "" {
		def.Name = name
	}

	var inputSchema json.RawMessage
	if raw := mcp.ParseStringMap(req, "input_schema", nil); raw != nil {
		if data, err := json.Marshal(raw); err == nil {
			inputSchema = data
		}
	}

	version, defErr := s.service.DefineTemplate(ctx, name, req.GetString("description", ""), &def, inputSchema)
	if defErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("define failed: %v", defErr)), nil
	}

	return marshalResult(map[string]any{
		"name":    name,
		"version": version,
	})
}

// handleQuery lists runs, documents, templates, or scheduled jobs.
func (s *PlanlineServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	var result map[string]any
	var queryErr error
	switch resource {
	case "runs":
		result, queryErr = s.queryRuns(ctx, filter)
	case "documents":
		result, queryErr = s.queryDocuments(ctx, filter)
	case "templates":
		result, queryErr = s.queryTemplates(ctx, filter)
	case "jobs":
		result, queryErr = s.queryJobs(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
	if queryErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", queryErr)), nil
	}

	if jqExpr := req.GetString("jq", ""); jqExpr != "" {
		// Round-trip through JSON so jq sees plain maps and slices.
		data, marshalErr := json.Marshal(result)
		if marshalErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", marshalErr)), nil
		}
		var plain map[string]any
		if unmarshalErr := json.Unmarshal(data, &plain); unmarshalErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", unmarshalErr)), nil
		}

		out, jqErr := s.jq.EvaluateAll(ctx, jqExpr, plain)
		if jqErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("jq evaluation failed: %v", jqErr)), nil
		}
		return marshalResult(map[string]any{"results": out})
	}

	return marshalResult(result)
}

// --- Query helpers ---

func (s *PlanlineServer) queryRuns(ctx context.Context, filter map[string]any) (map[string]any, error) {
	rf := store.RunFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		rs := schema.RunStatus(status)
		rf.Status = &rs
	}
	if plan, ok := filter["plan"].(string); ok {
		rf.PlanName = plan
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			rf.Since = &t
		}
	}

	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return nil, err
	}
	return map[string]any{"runs": runs}, nil
}

func (s *PlanlineServer) queryDocuments(ctx context.Context, filter map[string]any) (map[string]any, error) {
	df := store.DocumentFilter{
		Limit: extractInt(filter, "limit", 100),
	}
	if runID, ok := filter["run_id"].(string); ok {
		df.RunID = runID
	}
	if dev, ok := filter["device"].(string); ok {
		df.Device = dev
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			df.Since = &t
		}
	}

	if docType, ok := filter["type"].(string); ok && docType != "" {
		docs, err := s.store.GetDocumentsByType(ctx, docType, df)
		if err != nil {
			return nil, err
		}
		return map[string]any{"documents": docs}, nil
	}

	// No type filter — use the per-run log (requires run_id).
	if df.RunID == "" {
		return nil, fmt.Errorf("document query requires either 'type' or 'run_id' in filter")
	}
	docs, err := s.store.GetDocuments(ctx, df.RunID, 0)
	if err != nil {
		return nil, err
	}
	return map[string]any{"documents": docs}, nil
}

func (s *PlanlineServer) queryTemplates(ctx context.Context, filter map[string]any) (map[string]any, error) {
	tf := store.TemplateFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if name, ok := filter["name"].(string); ok {
		tf.Name = name
	}

	templates, err := s.store.ListTemplates(ctx, tf)
	if err != nil {
		return nil, err
	}
	return map[string]any{"templates": templates}, nil
}

func (s *PlanlineServer) queryJobs(ctx context.Context, filter map[string]any) (map[string]any, error) {
	jf := store.ScheduledJobFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if enabled, ok := filter["enabled"].(bool); ok {
		jf.Enabled = &enabled
	}

	jobs, err := s.store.ListScheduledJobs(ctx, jf)
	if err != nil {
		return nil, err
	}
	return map[string]any{"jobs": jobs}, nil
}

// --- Internal helpers ---

// notifyOnTerminal waits for the run to end and pushes its terminal state to
// the launching session.
func (s *PlanlineServer) notifyOnTerminal(runID string) {
	ctx := context.Background()
	_ = s.engine.Wait(ctx, runID)

	payload := map[string]any{"run_id": runID}
	if run, err := s.store.GetRun(ctx, runID); err == nil {
		payload["status"] = run.Status
		if len(run.Error) > 0 {
			payload["error"] = json.RawMessage(run.Error)
		}
	}

	if err := s.notifier.Notify(ctx, runID, payload); err != nil {
		s.logger.Warn("run notification failed", "run_id", runID, "error", err)
	}
	s.sessions.Forget(runID)
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the run ID to the current MCP session for notifications.
func (s *PlanlineServer) captureSession(ctx context.Context, runID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(runID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
