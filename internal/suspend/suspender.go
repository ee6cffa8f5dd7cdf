package suspend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/maraver/planline/internal/device"
	"github.com/maraver/planline/internal/expressions"
	"github.com/maraver/planline/internal/store"
	"github.com/maraver/planline/pkg/schema"
)

// Controller is the slice of the engine a suspender drives.
type Controller interface {
	ActiveRuns() []string
	Suspend(runID, reason string) error
	Release(runID string) error
}

// Appender receives suspender documents for the affected runs.
type Appender interface {
	AppendDocument(ctx context.Context, doc *store.Document) error
}

// Config describes one suspender: a monitored readable device, a trip
// condition and a resume condition, both evaluated over the readings
// namespace (same expression surface as wait_for instructions).
type Config struct {
	Name   string
	Device string
	// TripWhen suspends active runs when it evaluates true.
	TripWhen string
	// ResumeWhen releases them once it has held for Grace. Defaults to the
	// negation of TripWhen.
	ResumeWhen string
	// PollInterval between device samples. Defaults to 1s.
	PollInterval time.Duration
	// Grace is how long ResumeWhen must hold continuously before release.
	Grace time.Duration
	// Justification is recorded with the suspension.
	Justification string
}

// Floor suspends while the device value is below limit.
func Floor(name, deviceName string, limit float64) Config {
	return Config{
		Name:          name,
		Device:        deviceName,
		TripWhen:      fmt.Sprintf("readings.%s.value < %v", deviceName, limit),
		ResumeWhen:    fmt.Sprintf("readings.%s.value >= %v", deviceName, limit),
		Justification: fmt.Sprintf("%s below %v", deviceName, limit),
	}
}

// Ceil suspends while the device value is above limit.
func Ceil(name, deviceName string, limit float64) Config {
	return Config{
		Name:          name,
		Device:        deviceName,
		TripWhen:      fmt.Sprintf("readings.%s.value > %v", deviceName, limit),
		ResumeWhen:    fmt.Sprintf("readings.%s.value <= %v", deviceName, limit),
		Justification: fmt.Sprintf("%s above %v", deviceName, limit),
	}
}

// Bool suspends while the device value equals tripValue.
func Bool(name, deviceName string, tripValue bool) Config {
	return Config{
		Name:          name,
		Device:        deviceName,
		TripWhen:      fmt.Sprintf("readings.%s.value == %t", deviceName, tripValue),
		ResumeWhen:    fmt.Sprintf("readings.%s.value == %t", deviceName, !tripValue),
		Justification: fmt.Sprintf("%s is %t", deviceName, tripValue),
	}
}

// Supervisor owns the suspender goroutines for an engine.
type Supervisor struct {
	ctrl    Controller
	devices *device.Registry
	cel     *expressions.CELEngine
	docs    Appender
	logger  *slog.Logger

	mu         sync.Mutex
	suspenders map[string]*Suspender
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(ctrl Controller, devices *device.Registry, cel *expressions.CELEngine, docs Appender, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		ctrl:       ctrl,
		devices:    devices,
		cel:        cel,
		docs:       docs,
		logger:     logger,
		suspenders: make(map[string]*Suspender),
	}
}

// Install validates the config, starts the polling goroutine and registers
// the suspender under its name.
func (sv *Supervisor) Install(cfg Config) (*Suspender, error) {
	if cfg.Name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "suspender name is empty")
	}
	if cfg.TripWhen == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "suspender trip condition is empty")
	}
	if _, err := sv.devices.Readable(cfg.Device); err != nil {
		return nil, err
	}
	if cfg.ResumeWhen == "" {
		cfg.ResumeWhen = "!(" + cfg.TripWhen + ")"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Justification == "" {
		cfg.Justification = fmt.Sprintf("suspender %s tripped on %s", cfg.Name, cfg.Device)
	}

	sv.mu.Lock()
	defer sv.mu.Unlock()
	if _, exists := sv.suspenders[cfg.Name]; exists {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "suspender %q already installed", cfg.Name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Suspender{
		cfg:    cfg,
		sv:     sv,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	sv.suspenders[cfg.Name] = s
	go s.loop(ctx)
	return s, nil
}

// Remove stops a suspender and forgets it. Runs it is currently holding
// suspended are released.
func (sv *Supervisor) Remove(name string) error {
	sv.mu.Lock()
	s, ok := sv.suspenders[name]
	if ok {
		delete(sv.suspenders, name)
	}
	sv.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "suspender %q not installed", name)
	}
	s.stop()
	return nil
}

// Names lists installed suspenders, for diagnostics.
func (sv *Supervisor) Names() []string {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	names := make([]string, 0, len(sv.suspenders))
	for n := range sv.suspenders {
		names = append(names, n)
	}
	return names
}

// States reports each installed suspender's tripped state.
func (sv *Supervisor) States() map[string]bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	states := make(map[string]bool, len(sv.suspenders))
	for n, s := range sv.suspenders {
		states[n] = s.Tripped()
	}
	return states
}

// Close stops all suspenders.
func (sv *Supervisor) Close() {
	sv.mu.Lock()
	all := make([]*Suspender, 0, len(sv.suspenders))
	for _, s := range sv.suspenders {
		all = append(all, s)
	}
	sv.suspenders = make(map[string]*Suspender)
	sv.mu.Unlock()
	for _, s := range all {
		s.stop()
	}
}

// Suspender polls one device and suspends active runs while its trip
// condition holds.
type Suspender struct {
	cfg    Config
	sv     *Supervisor
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	tripped   bool
	held      []string // runs this suspender suspended
	holdSince time.Time
}

// Tripped reports whether the suspender is currently holding runs suspended.
func (s *Suspender) Tripped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tripped
}

func (s *Suspender) stop() {
	s.cancel()
	<-s.done
	s.releaseHeld(context.Background())
}

func (s *Suspender) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Suspender) poll(ctx context.Context) {
	r, err := s.sv.devices.Readable(s.cfg.Device)
	if err != nil {
		s.sv.logger.Warn("suspender device unavailable", "suspender", s.cfg.Name, "error", err.Error())
		return
	}
	sample, err := r.Read(ctx)
	if err != nil {
		s.sv.logger.Warn("suspender read failed", "suspender", s.cfg.Name, "device", s.cfg.Device, "error", err.Error())
		return
	}

	data := map[string]any{
		"readings": map[string]any{
			s.cfg.Device: map[string]any{
				"value":     sample.Value,
				"timestamp": sample.Timestamp.UnixMilli(),
			},
		},
	}

	s.mu.Lock()
	tripped := s.tripped
	s.mu.Unlock()

	if !tripped {
		hit, err := s.sv.cel.EvaluateBool(ctx, s.cfg.TripWhen, data)
		if err != nil {
			s.sv.logger.Warn("suspender trip condition failed", "suspender", s.cfg.Name, "error", err.Error())
			return
		}
		if hit {
			s.trip(ctx, sample.Value)
		}
		return
	}

	// The condition is still abnormal: runs started since the trip are
	// suspended as they appear, not just those active at the trip instant.
	s.holdNewcomers(ctx, sample.Value)

	ok, err := s.sv.cel.EvaluateBool(ctx, s.cfg.ResumeWhen, data)
	if err != nil {
		s.sv.logger.Warn("suspender resume condition failed", "suspender", s.cfg.Name, "error", err.Error())
		return
	}
	s.mu.Lock()
	if !ok {
		s.holdSince = time.Time{}
		s.mu.Unlock()
		return
	}
	if s.holdSince.IsZero() {
		s.holdSince = time.Now()
	}
	ready := time.Since(s.holdSince) >= s.cfg.Grace
	s.mu.Unlock()
	if ready {
		s.resume(ctx, sample.Value)
	}
}

func (s *Suspender) trip(ctx context.Context, value any) {
	active := s.sv.ctrl.ActiveRuns()
	held := make([]string, 0, len(active))
	for _, runID := range active {
		if err := s.sv.ctrl.Suspend(runID, s.cfg.Justification); err != nil {
			s.sv.logger.Warn("suspend request failed", "suspender", s.cfg.Name, "run_id", runID, "error", err.Error())
			continue
		}
		held = append(held, runID)
		s.appendDoc(ctx, runID, schema.DocSuspenderTripped, value)
	}

	s.mu.Lock()
	s.tripped = true
	s.held = held
	s.holdSince = time.Time{}
	s.mu.Unlock()
	s.sv.logger.Info("suspender tripped",
		"suspender", s.cfg.Name, "device", s.cfg.Device, "value", value, "runs", len(held))
}

// holdNewcomers suspends active runs this suspender is not already holding.
func (s *Suspender) holdNewcomers(ctx context.Context, value any) {
	active := s.sv.ctrl.ActiveRuns()

	s.mu.Lock()
	known := make(map[string]bool, len(s.held))
	for _, id := range s.held {
		known[id] = true
	}
	s.mu.Unlock()

	for _, runID := range active {
		if known[runID] {
			continue
		}
		if err := s.sv.ctrl.Suspend(runID, s.cfg.Justification); err != nil {
			s.sv.logger.Warn("suspend request failed", "suspender", s.cfg.Name, "run_id", runID, "error", err.Error())
			continue
		}
		s.mu.Lock()
		s.held = append(s.held, runID)
		s.mu.Unlock()
		s.appendDoc(ctx, runID, schema.DocSuspenderTripped, value)
		s.sv.logger.Info("suspender holding new run",
			"suspender", s.cfg.Name, "run_id", runID)
	}
}

func (s *Suspender) resume(ctx context.Context, value any) {
	s.mu.Lock()
	held := s.held
	s.held = nil
	s.tripped = false
	s.holdSince = time.Time{}
	s.mu.Unlock()

	for _, runID := range held {
		if err := s.sv.ctrl.Release(runID); err != nil {
			s.sv.logger.Warn("release request failed", "suspender", s.cfg.Name, "run_id", runID, "error", err.Error())
			continue
		}
		s.appendDoc(ctx, runID, schema.DocSuspenderReleased, value)
	}
	s.sv.logger.Info("suspender released",
		"suspender", s.cfg.Name, "device", s.cfg.Device, "value", value, "runs", len(held))
}

func (s *Suspender) releaseHeld(ctx context.Context) {
	s.mu.Lock()
	held := s.held
	s.held = nil
	wasTripped := s.tripped
	s.tripped = false
	s.mu.Unlock()
	if !wasTripped {
		return
	}
	for _, runID := range held {
		if err := s.sv.ctrl.Release(runID); err == nil {
			s.appendDoc(ctx, runID, schema.DocSuspenderReleased, nil)
		}
	}
}

func (s *Suspender) appendDoc(ctx context.Context, runID, docType string, value any) {
	if s.sv.docs == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"suspender":     s.cfg.Name,
		"device":        s.cfg.Device,
		"value":         value,
		"justification": s.cfg.Justification,
	})
	if err != nil {
		payload = nil
	}
	if err := s.sv.docs.AppendDocument(ctx, &store.Document{
		RunID:   runID,
		Type:    docType,
		Device:  s.cfg.Device,
		Payload: payload,
	}); err != nil {
		s.sv.logger.Warn("suspender document append failed", "suspender", s.cfg.Name, "error", err.Error())
	}
}
