package pageview

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pageview/core"
	"pkt.systems/pageview/httpapi"
	"pkt.systems/pageview/internal/appconfig"
	"pkt.systems/pageview/internal/cdphost"
	"pkt.systems/pageview/internal/cssrewrite"
	"pkt.systems/pageview/internal/eventbus"
	"pkt.systems/pageview/internal/persist"
	"pkt.systems/pageview/internal/router"
	"pkt.systems/pageview/internal/scheduler"
	"pkt.systems/pageview/internal/telemetry"
	"pkt.systems/pageview/internal/version"
	"pkt.systems/pageview/schema"
	"pkt.systems/pslog"
)

// Server composes the browser host, activation controller, router and HTTP
// API into one daemon.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
}

// Injection modes.
const (
	InjectionAuto   = appconfig.InjectionAuto
	InjectionModern = appconfig.InjectionModern
	InjectionLegacy = appconfig.InjectionLegacy
)

// ServerConfig configures the compositor.
type ServerConfig struct {
	StateDir         string
	HTTP             httpapi.Config
	InjectionMode    string
	InjectionScript  string
	GuardReinjection bool
	InstallType      schema.InstallType
	// Version overrides the build version reported by the lifecycle hook.
	Version          string
	SettingsInterval time.Duration
	TelemetryLogFile string
}

// Host is the browser adapter: it lists tabs, delivers messages, opens the
// options page and forwards messages from injected code.
type Host interface {
	core.TabMessenger
	httpapi.TabSource
	router.OptionsOpener
	Start(ctx context.Context, d cdphost.Dispatcher) error
}

// LegacyViewer is implemented by hosts that can restrict themselves to the
// legacy injection capability.
type LegacyViewer interface {
	Legacy() *cdphost.LegacyHost
}

// ServerDeps captures dependencies required to build the server.
type ServerDeps struct {
	Host Host
	// Rewriter defaults to an HTTP stylesheet fetcher.
	Rewriter router.CSSRewriter
	Logger   pslog.Logger
}

// New constructs the daemon. Nothing runs until Start.
func New(cfg ServerConfig, deps ServerDeps) (Server, error) {
	if deps.Host == nil {
		return nil, errors.New("browser host is required")
	}
	if cfg.StateDir == "" {
		return nil, errors.New("state dir is required")
	}
	if cfg.InjectionScript == "" {
		cfg.InjectionScript = core.EnhanceScript
	}
	if cfg.SettingsInterval <= 0 {
		cfg.SettingsInterval = 72 * time.Hour
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}

	store, err := persist.NewStoreWithLogger(cfg.StateDir, logger)
	if err != nil {
		return nil, err
	}
	bus := eventbus.New(logger)
	reporter, err := telemetry.New(telemetry.Config{LogFile: cfg.TelemetryLogFile}, store, eventFanout{
		sinks: []telemetry.Publisher{bus, logSink{logger: logger}},
	})
	if err != nil {
		return nil, err
	}

	injector, err := selectInjector(cfg, deps.Host)
	if err != nil {
		return nil, err
	}
	controller, err := core.NewController(core.ControllerDeps{
		Messenger: deps.Host,
		Injector:  scriptInjector{next: injector, script: cfg.InjectionScript},
		Settings:  store,
		Flags:     store,
		Telemetry: reporter,
		Notifier:  reporter,
		Locks:     core.NewTabLocks(),
	})
	if err != nil {
		return nil, err
	}
	rewriter := deps.Rewriter
	if rewriter == nil {
		rewriter = cssrewrite.New()
	}
	rt, err := router.New(router.Deps{Activation: controller, Rewriter: rewriter, Options: deps.Host, Domains: store})
	if err != nil {
		return nil, err
	}
	info := version.Source{InstallType: cfg.InstallType, Version: cfg.Version}
	hook, err := core.NewLifecycleHook(info, store, reporter)
	if err != nil {
		return nil, err
	}
	httpSrv, err := httpapi.NewServer(cfg.HTTP, httpapi.Deps{
		Messages: rt,
		Tabs:     deps.Host,
		Toggler:  controller,
		Settings: store,
		Events:   bus,
	})
	if err != nil {
		return nil, err
	}
	logger.Debug("server composed", "injection", injector.Mechanism(), "guard_reinjection", cfg.GuardReinjection)

	return &compositeServer{
		cfg:       cfg,
		host:      deps.Host,
		store:     store,
		reporter:  reporter,
		router:    rt,
		hook:      hook,
		info:      info,
		httpSrv:   httpSrv,
		scheduler: scheduler.New(logger),
	}, nil
}

func selectInjector(cfg ServerConfig, host Host) (core.Injector, error) {
	resolver := httpapi.ResourceResolver{BaseURL: cfg.HTTP.BaseURL}
	var injector core.Injector
	var err error
	switch cfg.InjectionMode {
	case "", InjectionAuto:
		injector, err = core.SelectInjector(host, resolver)
	case InjectionModern:
		if _, ok := host.(core.ScriptExecutor); !ok {
			return nil, fmt.Errorf("modern injection unavailable: %w", schema.ErrNoInjector)
		}
		injector, err = core.SelectInjector(host, nil)
	case InjectionLegacy:
		viewer, ok := host.(LegacyViewer)
		if !ok {
			return nil, fmt.Errorf("legacy injection unavailable: %w", schema.ErrNoInjector)
		}
		if cfg.HTTP.BaseURL == "" {
			return nil, fmt.Errorf("legacy injection requires an http base url: %w", schema.ErrNoInjector)
		}
		injector, err = core.SelectInjector(viewer.Legacy(), resolver)
	default:
		return nil, fmt.Errorf("unsupported injection mode %q", cfg.InjectionMode)
	}
	if err != nil {
		return nil, err
	}
	if cfg.GuardReinjection {
		return core.NewIdempotentInjector(injector, host), nil
	}
	return injector, nil
}

// scriptInjector substitutes the configured script for the bundled default.
type scriptInjector struct {
	next   core.Injector
	script string
}

func (i scriptInjector) Inject(ctx context.Context, tabID schema.TabID, file string) error {
	if file == core.EnhanceScript && i.script != "" {
		file = i.script
	}
	return i.next.Inject(ctx, tabID, file)
}

func (i scriptInjector) Mechanism() string { return i.next.Mechanism() }

type compositeServer struct {
	cfg       ServerConfig
	host      Host
	store     *persist.Store
	reporter  *telemetry.Reporter
	router    *router.Router
	hook      *core.LifecycleHook
	info      version.Source
	httpSrv   *httpapi.Server
	scheduler *scheduler.Scheduler
	logger    pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	errCh   chan error
	started bool
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.errCh = make(chan error, 2)
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	info, err := s.info.ExtensionInfo(s.ctx)
	if err != nil {
		s.cancel()
		return err
	}
	log.Info(
		"server start",
		"http_addr", s.cfg.HTTP.Addr,
		"http_base_url", s.cfg.HTTP.BaseURL,
		"version", info.Version,
		"install_type", info.InstallType,
		"settings_interval", s.cfg.SettingsInterval,
	)

	go func() {
		if err := httpapi.ListenAndServe(s.ctx, s.cfg.HTTP.Addr, s.httpSrv.Handler()); err != nil {
			log.Error("http server failed", "err", err)
			s.errCh <- err
		}
	}()

	if err := s.host.Start(s.ctx, s.router); err != nil {
		log.Error("browser host start failed", "err", err)
		s.cancel()
		return err
	}

	if reason, err := core.RunInstallHook(s.ctx, s.hook, s.store, info.Version); err != nil {
		log.Warn("lifecycle hook failed", "reason", reason, "err", err)
	}

	if err := s.scheduler.Every(s.ctx, scheduler.Job{
		Name:     "report-settings",
		Interval: s.cfg.SettingsInterval,
		Run: func(ctx context.Context) error {
			return s.reporter.ReportSettings(ctx, info.Version)
		},
	}); err != nil {
		s.cancel()
		return err
	}
	return nil
}

func (s *compositeServer) Wait() error {
	s.mu.Lock()
	ctx := s.ctx
	errCh := s.errCh
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			pslog.Ctx(ctx).Error("server stopped", "err", err)
			_ = s.Stop(context.Background())
			return err
		}
		return nil
	}
}

func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	log := s.logger
	s.mu.Unlock()
	if !started {
		return nil
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	log.Info("server stop requested")
	s.scheduler.Stop()
	s.router.Close()
	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		s.router.Wait()
		close(done)
	}()
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-done:
		s.reporter.Reset()
		log.Info("server stopped")
		return nil
	}
}
