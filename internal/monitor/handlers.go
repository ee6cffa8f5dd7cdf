package monitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/maraver/planline/internal/store"
	"github.com/maraver/planline/pkg/schema"
)

// handleListRuns lists runs, newest first, filtered by status and plan.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	filter := store.RunFilter{
		PlanName: r.URL.Query().Get("plan"),
		Limit:    queryInt(r, "limit", 50),
	}
	if v := r.URL.Query().Get("status"); v != "" {
		st := schema.RunStatus(v)
		filter.Status = &st
	}

	runs, err := s.deps.Store.ListRuns(ctx, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("list runs: %v", err))
		return
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"runs":   runs,
		"active": s.deps.Engine.ActiveRuns(),
	})
}

// handleRunDetail returns the run record with live status and readings
// when the run is still active.
func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := r.PathValue("id")

	run, err := s.deps.Store.GetRun(ctx, runID)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %q not found", runID))
		return
	}

	resp := map[string]any{"run": run}
	if status, ok := s.deps.Engine.Status(runID); ok {
		resp["live_status"] = status
	}
	if readings, ok := s.deps.Engine.Readings(runID); ok {
		resp["readings"] = readings
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleRunDocuments returns the run's document log from a sequence offset.
func (s *Server) handleRunDocuments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := r.PathValue("id")
	since := int64(queryInt(r, "since", 0))

	docs, err := s.deps.Store.GetDocuments(ctx, runID, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("get documents: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":    runID,
		"documents": docs,
		"count":     len(docs),
	})
}

// handleControl delivers a control request to an active run.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	var req schema.ControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	switch req.Action {
	case schema.ControlPause, schema.ControlResume, schema.ControlAbort,
		schema.ControlStop, schema.ControlHalt:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", req.Action))
		return
	}

	if err := s.deps.Engine.Control(runID, req); err != nil {
		status := http.StatusConflict
		var perr *schema.PlanError
		if errors.As(err, &perr) && perr.Code == schema.ErrCodeNotFound {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": runID,
		"action": req.Action,
	})
}

// handleListTemplates lists stored plan templates.
func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tpls, err := s.deps.Store.ListTemplates(ctx, store.TemplateFilter{
		Name:  r.URL.Query().Get("name"),
		Limit: queryInt(r, "limit", 100),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("list templates: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"templates": tpls})
}

// handleListJobs lists scheduled jobs.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobs, err := s.deps.Store.ListScheduledJobs(ctx, store.ScheduledJobFilter{
		Limit: queryInt(r, "limit", 100),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("list scheduled jobs: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "now": time.Now().UTC()})
}

// handleSuspenders reports installed suspenders and their tripped state.
func (s *Server) handleSuspenders(w http.ResponseWriter, r *http.Request) {
	if s.deps.Supervisor == nil {
		writeJSON(w, http.StatusOK, map[string]any{"suspenders": map[string]bool{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"suspenders": s.deps.Supervisor.States(),
	})
}

// handleBreakerStats reports circuit breaker state for one device.
func (s *Server) handleBreakerStats(w http.ResponseWriter, r *http.Request) {
	device := r.PathValue("device")
	writeJSON(w, http.StatusOK, s.deps.Engine.Breakers().GetStats(device))
}
