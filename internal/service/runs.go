package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/maraver/planline/internal/compile"
	"github.com/maraver/planline/internal/engine"
	"github.com/maraver/planline/internal/store"
	"github.com/maraver/planline/internal/validation"
	"github.com/maraver/planline/pkg/schema"
)

// RunService launches plan runs from definitions or stored templates. It
// validates, compiles, and hands the plan to the engine.
type RunService struct {
	store     store.Store
	engine    *engine.Engine
	validator *validation.PlanValidator
	logger    *slog.Logger
}

// NewRunService creates a RunService.
func NewRunService(st store.Store, eng *engine.Engine, validator *validation.PlanValidator, logger *slog.Logger) *RunService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunService{store: st, engine: eng, validator: validator, logger: logger}
}

// RunDefinition validates and compiles a definition, then starts it
// asynchronously. Returns the run ID. The run outlives the caller's context.
func (s *RunService) RunDefinition(ctx context.Context, def *schema.PlanDefinition, inputs map[string]any) (string, error) {
	if err := s.validator.ValidateDefinition(def); err != nil {
		return "", err
	}

	p, err := compile.Compile(def)
	if err != nil {
		return "", err
	}

	run := &store.Run{
		ID:         uuid.NewString(),
		PlanName:   def.Name,
		Definition: def,
		Status:     schema.RunStatusPending,
		Inputs:     inputs,
		CreatedAt:  time.Now().UTC(),
	}

	return s.engine.Start(context.WithoutCancel(ctx), run, p)
}

// RunFromTemplate resolves a stored template (latest version when version is
// empty), validates inputs against its input schema, and starts a run.
func (s *RunService) RunFromTemplate(ctx context.Context, templateName, version string, inputs map[string]any) (string, error) {
	tpl, err := s.resolveTemplate(ctx, templateName, version)
	if err != nil {
		return "", err
	}

	if len(tpl.InputSchema) > 0 {
		if err := s.validator.ValidateInput(inputs, tpl.InputSchema); err != nil {
			return "", err
		}
	}

	if err := s.validator.ValidateDefinition(&tpl.Definition); err != nil {
		return "", err
	}

	p, err := compile.Compile(&tpl.Definition)
	if err != nil {
		return "", err
	}

	def := tpl.Definition
	run := &store.Run{
		ID:              uuid.NewString(),
		PlanName:        def.Name,
		TemplateName:    tpl.Name,
		TemplateVersion: tpl.Version,
		Definition:      &def,
		Status:          schema.RunStatusPending,
		Inputs:          inputs,
		CreatedAt:       time.Now().UTC(),
	}

	return s.engine.Start(context.WithoutCancel(ctx), run, p)
}

// DefineTemplate validates and stores a template with auto-versioning
// (v1, v2, ...). Returns the assigned version.
func (s *RunService) DefineTemplate(ctx context.Context, name, description string, def *schema.PlanDefinition, inputSchema json.RawMessage) (string, error) {
	if err := s.validator.ValidateDefinition(def); err != nil {
		return "", err
	}

	nextVersion := s.nextVersion(ctx, name)
	now := time.Now().UTC()
	tpl := &store.Template{
		Name:        name,
		Version:     nextVersion,
		Description: description,
		Definition:  *def,
		InputSchema: inputSchema,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.store.StoreTemplate(ctx, tpl); err != nil {
		return "", fmt.Errorf("store template: %w", err)
	}

	s.logger.Info("template stored", "name", name, "version", nextVersion)
	return nextVersion, nil
}

// resolveTemplate finds a template by name and optional version.
// If version is empty, it fetches the latest by listing all versions and sorting.
func (s *RunService) resolveTemplate(ctx context.Context, name, version string) (*store.Template, error) {
	if version != "" {
		return s.store.GetTemplate(ctx, name, version)
	}

	templates, err := s.store.ListTemplates(ctx, store.TemplateFilter{Name: name})
	if err != nil {
		return nil, err
	}
	if len(templates) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "template %q not found", name)
	}

	// Sort by version descending (v2 > v1).
	sort.Slice(templates, func(i, j int) bool {
		return versionNum(templates[i].Version) > versionNum(templates[j].Version)
	})
	return templates[0], nil
}

// nextVersion computes the next version string (v1, v2, v3...) for a template name.
func (s *RunService) nextVersion(ctx context.Context, name string) string {
	templates, err := s.store.ListTemplates(ctx, store.TemplateFilter{Name: name})
	if err != nil || len(templates) == 0 {
		return "v1"
	}

	maxVer := 0
	for _, t := range templates {
		if n := versionNum(t.Version); n > maxVer {
			maxVer = n
		}
	}
	return fmt.Sprintf("v%d", maxVer+1)
}

// versionNum extracts the numeric part from a version string like "v3".
func versionNum(v string) int {
	v = strings.TrimPrefix(v, "v")
	n, _ := strconv.Atoi(v)
	return n
}
