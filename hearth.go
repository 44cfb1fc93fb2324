// Package hearth is the public API for embedding the hearth control panel.
//
// hearth sits between an operator and the kernel that runs world builds. It
// submits builds, reconciles the focused build's push and polled event
// streams into one timeline, keeps the recent-builds registry, and serves
// the local HTTP/SSE API and the MCP tool surface:
//
//	app, err := hearth.New(
//	    hearth.WithVersion(version),
//	    hearth.WithLogger(logger),
//	    hearth.WithBuildHook(myHook{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*; internal/* never imports the root.
// Public types (Build) carry no internal imports.
package hearth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/hearth/api"
	"github.com/ashita-ai/hearth/internal/auth"
	"github.com/ashita-ai/hearth/internal/config"
	"github.com/ashita-ai/hearth/internal/kernel"
	"github.com/ashita-ai/hearth/internal/mcp"
	"github.com/ashita-ai/hearth/internal/model"
	"github.com/ashita-ai/hearth/internal/notice"
	"github.com/ashita-ai/hearth/internal/ratelimit"
	"github.com/ashita-ai/hearth/internal/registry"
	"github.com/ashita-ai/hearth/internal/server"
	"github.com/ashita-ai/hearth/internal/service/builds"
	"github.com/ashita-ai/hearth/internal/service/reconcile"
	"github.com/ashita-ai/hearth/internal/storage"
	"github.com/ashita-ai/hearth/internal/telemetry"
)

// storeOpenTimeout bounds opening and migrating the registry store.
const storeOpenTimeout = 15 * time.Second

// App is the hearth lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	store        closableStore
	registry     *registry.Registry
	kernel       *kernel.HTTPClient
	notices      *notice.Center
	broker       *server.Broker
	builds       *builds.Controller
	manager      *reconcile.Manager
	srv          *server.Server
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	hooks        []BuildHook
	logger       *slog.Logger
	version      string

	// stop ends reconciliation sessions and in-flight hook calls.
	sessionCtx context.Context
	stop       context.CancelFunc
}

type closableStore interface {
	registry.Store
	Close() error
}

// New initializes hearth: it loads configuration, opens the registry store,
// loads recent builds, and wires every subsystem. It does NOT start any
// goroutines or accept HTTP connections; call Run().
//
// A registry store that cannot be opened or read is not fatal. hearth then
// starts with an empty registry and raises a storage notice.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.kernelURL != "" {
		cfg.KernelURL = o.kernelURL
	}
	if o.sqlitePath != "" {
		cfg.RegistryDriver = config.DriverSQLite
		cfg.SQLitePath = o.sqlitePath
	}
	if o.databaseURL != "" {
		cfg.RegistryDriver = config.DriverPostgres
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("hearth starting", "version", version, "port", cfg.Port, "kernel", cfg.KernelURL)

	otelShutdown, err := telemetry.Init(context.Background(), telemetry.Settings{
		Endpoint:       cfg.OTELEndpoint,
		Insecure:       cfg.OTELInsecure,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	kc, err := kernel.NewHTTPClient(kernel.Config{
		BaseURL: cfg.KernelURL,
		Token:   cfg.KernelToken,
		Timeout: cfg.KernelTimeout,
		Logger:  logger,
	})
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("kernel: %w", err)
	}

	var jwtMgr *auth.JWTManager
	if cfg.APISecret != "" {
		jwtMgr, err = auth.NewJWTManager(cfg.APISecret, cfg.JWTExpiration)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("auth: %w", err)
		}
		logger.Info("api auth enabled")
	}

	notices := notice.New(logger, cfg.NoticeCapacity)

	openCtx, cancel := context.WithTimeout(context.Background(), storeOpenTimeout)
	store := openStore(openCtx, cfg, logger)
	reg := registry.New(store, logger)
	if err := reg.Load(openCtx); err != nil {
		notices.Publish(model.NoticeStorage, "", fmt.Sprintf("Recent builds could not be loaded: %v", err))
	}
	cancel()

	sessionCtx, stop := context.WithCancel(context.Background())
	a := &App{
		cfg:          cfg,
		store:        store,
		registry:     reg,
		kernel:       kc,
		notices:      notices,
		otelShutdown: otelShutdown,
		hooks:        o.hooks,
		logger:       logger,
		version:      version,
		sessionCtx:   sessionCtx,
		stop:         stop,
	}

	a.broker = server.NewBroker(notices, logger)
	a.builds = builds.New(kc, reg, notices, logger, builds.WithObserver(a.buildChanged))
	a.manager = reconcile.NewManager(sessionCtx, kc, a.builds, a.broker.PublishUpdate, reconcile.Config{
		PollInterval:    cfg.PollInterval,
		PollLimit:       cfg.PollLimit,
		StreamRetention: cfg.StreamRetention,
		DisablePush:     cfg.DisablePush,
	}, logger)

	var retryAfter time.Duration
	a.limiter = ratelimit.NoopLimiter{}
	if cfg.RateLimitPerMinute > 0 {
		ml := ratelimit.NewMemoryLimiter(float64(cfg.RateLimitPerMinute)/60, cfg.RateLimitBurst)
		a.limiter, retryAfter = ml, ml.RetryAfter()
	}

	mcpSrv := mcp.New(a.builds, a.manager, reg, logger, version, cfg.RecentLimit)

	middlewares := make([]func(http.Handler) http.Handler, 0, len(o.middlewares))
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	a.srv = server.New(server.ServerConfig{
		Builds:              a.builds,
		Focus:               a.manager,
		Recents:             reg,
		Notices:             notices,
		Logger:              logger,
		JWTMgr:              jwtMgr,
		Broker:              a.broker,
		MCPServer:           mcpSrv.MCPServer(),
		PingKernel:          a.pingKernel,
		Limiter:             a.limiter,
		RetryAfter:          retryAfter,
		OpenAPISpec:         api.OpenAPISpec,
		Middlewares:         middlewares,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		RecentLimit:         cfg.RecentLimit,
	})

	return a, nil
}

// Handler returns the root HTTP handler, for mounting hearth inside another
// server instead of calling Run.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts background services and serves HTTP until ctx is canceled or
// the server fails, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	go a.broker.Start(ctx)
	go a.recover(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	return errors.Join(serveErr, a.Shutdown(context.Background()))
}

// Shutdown drains HTTP, stops reconciliation, flushes telemetry, and closes
// the registry store.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("hearth shutting down")

	var errs []error
	httpCtx, cancel := context.WithTimeout(ctx, a.cfg.ShutdownTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	cancel()

	a.manager.Close()
	a.stop()
	_ = a.limiter.Close()

	if err := a.otelShutdown(context.Background()); err != nil {
		errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("registry store close: %w", err))
	}

	a.logger.Info("hearth stopped")
	return errors.Join(errs...)
}

// recover re-attaches registry records still marked building to their live
// kernel jobs, tracks them again, and focuses the most recent one in the
// active project. A kernel that cannot be reached leaves the records as they are.
func (a *App) recover(ctx context.Context) {
	attached, err := a.registry.Reattach(ctx, a.kernel)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Warn("reattach failed", "error", err)
			a.notices.Publish(model.NoticeKernel, "", fmt.Sprintf("Could not check for running builds: %v", err))
		}
		return
	}

	active := a.registry.ActiveProject()
	var focus model.RecentWorld
	for _, att := range attached {
		if !a.builds.Track(recoveredState(att), att.Job.StartedAt) {
			continue
		}
		a.logger.Info("build reattached", "issue_id", att.World.ID, "job_id", att.Job.JobID)
		inActive, focusInActive := att.World.ProjectRoot == active, focus.ProjectRoot == active
		switch {
		case focus.ID == "",
			inActive && !focusInActive,
			inActive == focusInActive && att.World.UpdatedAt.After(focus.UpdatedAt):
			focus = att.World
		}
	}
	if focus.ID != "" && a.manager.Focused() == "" {
		if err := a.manager.Focus(focus.ID); err != nil {
			a.logger.Warn("focus reattached build", "issue_id", focus.ID, "error", err)
		}
	}
}

// recoveredState rebuilds the minimal aggregate for a re-attached build.
// The focused session's first poll fills in the rest.
func recoveredState(att registry.Attachment) *model.WorldBuildState {
	startedAt := att.World.UpdatedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	return &model.WorldBuildState{
		IssueID:     att.World.ID,
		RunID:       att.Job.RunID,
		JobID:       att.Job.JobID,
		ProjectRoot: att.World.ProjectRoot,
		Status:      model.BuildQueued,
		Prompt:      att.World.LastPrompt,
		Generation:  att.World.Generation,
		BestFitness: att.World.Fitness,
		StartedAt:   startedAt,
	}
}

// buildChanged is the controller's observer: it forwards the change to SSE
// subscribers, remembers the active project, and runs the hooks.
func (a *App) buildChanged(issueID string, state *model.WorldBuildState) {
	a.broker.BuildChanged(issueID, state)

	if state != nil && state.ProjectRoot != "" && state.ProjectRoot != a.registry.ActiveProject() {
		if err := a.registry.SetActiveProject(a.sessionCtx, state.ProjectRoot); err != nil {
			a.logger.Warn("set active project", "project", state.ProjectRoot, "error", err)
		}
	}

	if len(a.hooks) == 0 {
		return
	}
	var pub *Build
	if state != nil {
		b := toPublicBuild(state)
		pub = &b
	}
	for _, hook := range a.hooks {
		go func(h BuildHook) {
			var err error
			if pub == nil {
				err = h.OnBuildDiscarded(a.sessionCtx, issueID)
			} else {
				err = h.OnBuildChanged(a.sessionCtx, *pub)
			}
			if err != nil {
				a.logger.Warn("build hook failed", "issue_id", issueID, "error", err)
			}
		}(hook)
	}
}

func (a *App) pingKernel(ctx context.Context) error {
	_, err := a.kernel.ListActiveJobs(ctx)
	return err
}

func toPublicBuild(s *model.WorldBuildState) Build {
	return Build{
		IssueID:        s.IssueID,
		RunID:          s.RunID,
		JobID:          s.JobID,
		ProjectRoot:    s.ProjectRoot,
		Status:         string(s.Status),
		Prompt:         s.Prompt,
		Generation:     s.Generation,
		BestFitness:    s.BestFitness,
		LeadingAgentID: s.LeadingAgentID,
		WinnerAgentID:  s.WinnerAgentID,
		Attempt:        s.Attempt,
		Error:          s.Error,
		StartedAt:      s.StartedAt,
		CompletedAt:    s.CompletedAt,
		Refinements:    len(s.Refinements),
	}
}

// openStore opens the configured registry store. A store that cannot be
// opened is replaced by one that fails every call, so the registry starts
// empty and reports itself unhealthy.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) closableStore {
	var (
		store closableStore
		err   error
	)
	switch cfg.RegistryDriver {
	case config.DriverPostgres:
		store, err = storage.NewPostgresStore(ctx, cfg.DatabaseURL, logger)
	default:
		store, err = storage.NewSQLiteStore(ctx, cfg.SQLitePath, logger)
	}
	if err != nil {
		logger.Warn("registry store unavailable, recent builds will not persist",
			"driver", cfg.RegistryDriver, "error", err)
		return unavailableStore{err: err}
	}
	logger.Info("registry store opened", "driver", cfg.RegistryDriver)
	return store
}

type unavailableStore struct{ err error }

func (s unavailableStore) LoadRecent(context.Context) ([]model.RecentWorld, error) {
	return nil, s.err
}
func (s unavailableStore) SaveRecent(context.Context, model.RecentWorld) error { return s.err }
func (s unavailableStore) DeleteRecent(context.Context, string) error         { return s.err }
func (s unavailableStore) ActiveProject(context.Context) (string, error)      { return "", s.err }
func (s unavailableStore) SetActiveProject(context.Context, string) error     { return s.err }
func (s unavailableStore) Close() error                                       { return nil }
