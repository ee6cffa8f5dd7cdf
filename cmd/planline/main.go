package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/maraver/planline/internal/device"
	"github.com/maraver/planline/internal/engine"
	"github.com/maraver/planline/internal/expressions"
	"github.com/maraver/planline/internal/logging"
	"github.com/maraver/planline/internal/monitor"
	"github.com/maraver/planline/internal/scheduler"
	"github.com/maraver/planline/internal/service"
	"github.com/maraver/planline/internal/store"
	"github.com/maraver/planline/internal/streaming"
	"github.com/maraver/planline/internal/suspend"
	"github.com/maraver/planline/internal/validation"
	"github.com/maraver/planline/pkg/mcp"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		printVersion()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "planline:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	doclog := store.NewDocumentLog(st)
	hub := streaming.NewMemoryHub()
	tee := streaming.NewTeeAppender(doclog, hub)

	reg, err := buildRegistry(cfg.Devices)
	if err != nil {
		return fmt.Errorf("register devices: %w", err)
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return fmt.Errorf("cel engine: %w", err)
	}

	eng := engine.New(reg, st, tee, cel, logger, engine.DefaultOptions())

	validator, err := validation.NewPlanValidator(reg)
	if err != nil {
		return fmt.Errorf("plan validator: %w", err)
	}

	svc := service.NewRunService(st, eng, validator, logger)

	supervisor := suspend.NewSupervisor(eng, reg, cel, tee, logger)
	defer supervisor.Close()
	for _, sc := range cfg.Suspenders {
		if err := installSuspender(supervisor, sc); err != nil {
			return fmt.Errorf("suspender %q: %w", sc.Name, err)
		}
	}

	sched := scheduler.NewScheduler(st, svc, logger)
	if err := sched.RecoverMissed(ctx); err != nil {
		logger.Warn("scheduler recovery failed", "error", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer func() { _ = sched.Stop() }()

	errCh := make(chan error, 2)

	var httpSrv *http.Server
	if cfg.Monitor {
		mon := monitor.NewServer(monitor.Deps{
			Store:      st,
			Engine:     eng,
			Hub:        hub,
			Supervisor: supervisor,
			Logger:     logger,
		})
		httpSrv = &http.Server{Addr: cfg.ListenAddr, Handler: mon.Handler()}
		go func() {
			logger.Info("monitor listening", "addr", cfg.ListenAddr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("monitor server: %w", err)
			}
		}()
	}

	if cfg.MCP {
		mcpSrv := mcp.NewPlanlineServer(mcp.PlanlineServerDeps{
			Service: svc,
			Engine:  eng,
			Store:   st,
			Logger:  logger,
		})
		go func() {
			logger.Info("mcp server on stdio")
			if err := mcpSrv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("mcp server: %w", err)
			}
		}()
	}

	logger.Info("planline started", "version", version, "db", cfg.DBPath)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	if httpSrv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutCtx)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

// buildRegistry registers the configured simulated devices. With no
// configuration it provides a small default bench so plans can run out
// of the box.
func buildRegistry(devices []DeviceConfig) (*device.Registry, error) {
	reg := device.NewRegistry()
	if len(devices) == 0 {
		devices = []DeviceConfig{
			{Name: "motor1", Kind: "motor"},
			{Name: "motor2", Kind: "motor"},
			{Name: "detector", Kind: "signal", Initial: 0.0},
			{Name: "shutter", Kind: "shutter"},
		}
	}
	for _, dc := range devices {
		var d device.Device
		switch dc.Kind {
		case "motor":
			d = device.NewSimMotor(dc.Name)
		case "signal":
			d = device.NewSimSignal(dc.Name, dc.Initial)
		case "shutter":
			d = device.NewSimShutter(dc.Name)
		default:
			return nil, fmt.Errorf("unknown device kind %q", dc.Kind)
		}
		if err := reg.Register(d); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func installSuspender(sv *suspend.Supervisor, sc SuspenderConfig) error {
	var cfg suspend.Config
	switch sc.Kind {
	case "floor":
		cfg = suspend.Floor(sc.Name, sc.Device, sc.Limit)
	case "ceil":
		cfg = suspend.Ceil(sc.Name, sc.Device, sc.Limit)
	case "bool":
		cfg = suspend.Bool(sc.Name, sc.Device, sc.Trip)
	default:
		return fmt.Errorf("unknown suspender kind %q", sc.Kind)
	}
	_, err := sv.Install(cfg)
	return err
}
