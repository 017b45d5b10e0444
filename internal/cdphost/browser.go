package cdphost

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"pkt.systems/pageview/internal/contentscript"
	"pkt.systems/pageview/schema"
	"pkt.systems/pslog"
)

// Config configures the browser connection.
type Config struct {
	// RemoteURL connects to a running browser's DevTools endpoint. When empty
	// a browser is launched.
	RemoteURL   string
	ExecPath    string
	UserDataDir string
	Headless    bool
	ExtraFlags  []string
	// OptionsURL is opened by OpenOptionsPage.
	OptionsURL string
	// BootScript registers the boot script on every new document.
	BootScript bool
}

// Browser adapts a DevTools-controlled browser to the tab messaging and script
// injection capabilities. Tabs are page targets.
type Browser struct {
	cfg    Config
	logger pslog.Logger

	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	baseCtx       context.Context

	mu         sync.Mutex
	tabs       map[schema.TabID]*tabConn
	dispatcher Dispatcher
	closed     bool
	wg         sync.WaitGroup
	runs       sync.WaitGroup
}

// New connects to or launches the browser.
func New(ctx context.Context, cfg Config) (*Browser, error) {
	log := pslog.Ctx(ctx)
	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if strings.TrimSpace(cfg.RemoteURL) != "" {
		log.Info("browser connecting", "url", cfg.RemoteURL)
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), cfg.RemoteURL)
	} else {
		if cfg.UserDataDir != "" {
			if err := os.MkdirAll(cfg.UserDataDir, 0o700); err != nil {
				return nil, fmt.Errorf("create user data dir: %w", err)
			}
		}
		log.Info("browser launching", "headless", cfg.Headless, "user_data_dir", cfg.UserDataDir)
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)
	}
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	b := &Browser{
		cfg:           cfg,
		logger:        log,
		allocCtx:      allocCtx,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		baseCtx:       pslog.ContextWithLogger(context.Background(), log),
		tabs:          make(map[schema.TabID]*tabConn),
	}
	log.Info("browser ready", "initial_tab", chromedp.FromContext(browserCtx).Target.TargetID)
	return b, nil
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.Flag("disable-popup-blocking", true),
	)
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	for _, f := range cfg.ExtraFlags {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if k, v, ok := strings.Cut(f, "="); ok {
			opts = append(opts, chromedp.Flag(strings.TrimLeft(k, "-"), v))
		} else {
			opts = append(opts, chromedp.Flag(strings.TrimLeft(f, "-"), true))
		}
	}
	if cfg.Headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	return opts
}

// Start attaches to every open tab, follows new ones and hands inbound
// messages to d.
func (b *Browser) Start(ctx context.Context, d Dispatcher) error {
	if d == nil {
		return errors.New("dispatcher is required")
	}
	b.mu.Lock()
	b.dispatcher = d
	b.mu.Unlock()

	if err := chromedp.Run(b.browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return target.SetDiscoverTargets(true).Do(cdp.WithExecutor(ctx, chromedp.FromContext(b.browserCtx).Browser))
	})); err != nil {
		return fmt.Errorf("discover targets: %w", err)
	}
	chromedp.ListenBrowser(b.browserCtx, func(ev any) {
		switch e := ev.(type) {
		case *target.EventTargetCreated:
			if e.TargetInfo != nil && e.TargetInfo.Type == "page" {
				b.goAttach(schema.TabID(e.TargetInfo.TargetID))
			}
		case *target.EventTargetDestroyed:
			b.forget(schema.TabID(e.TargetID))
		}
	})

	tabs, err := b.Tabs(ctx)
	if err != nil {
		return err
	}
	for _, tab := range tabs {
		if _, err := b.attach(ctx, tab.ID); err != nil {
			b.logger.Warn("browser tab attach failed", "tab", tab.ID, "err", err)
		}
	}
	b.logger.Info("browser host started", "tabs", len(tabs))
	return nil
}

// Tabs lists the open page targets.
func (b *Browser) Tabs(ctx context.Context) ([]schema.Tab, error) {
	infos, err := chromedp.Targets(b.browserCtx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	out := make([]schema.Tab, 0, len(infos))
	for _, info := range infos {
		if info == nil || info.Type != "page" {
			continue
		}
		out = append(out, tabFromInfo(info))
	}
	pslog.Ctx(ctx).Trace("browser tabs listed", "count", len(out))
	return out, nil
}

// Tab resolves a single page target.
func (b *Browser) Tab(ctx context.Context, tabID schema.TabID) (schema.Tab, error) {
	tabs, err := b.Tabs(ctx)
	if err != nil {
		return schema.Tab{}, err
	}
	for _, tab := range tabs {
		if tab.ID == tabID {
			return tab, nil
		}
	}
	return schema.Tab{}, fmt.Errorf("tab %s: %w", tabID, schema.ErrTabNotFound)
}

// OpenOptionsPage opens the configured options URL in a new tab.
func (b *Browser) OpenOptionsPage(ctx context.Context) error {
	if strings.TrimSpace(b.cfg.OptionsURL) == "" {
		return errors.New("options url is not configured")
	}
	var created target.ID
	err := chromedp.Run(b.browserCtx, chromedp.ActionFunc(func(runCtx context.Context) error {
		id, err := target.CreateTarget(b.cfg.OptionsURL).Do(cdp.WithExecutor(runCtx, chromedp.FromContext(b.browserCtx).Browser))
		created = id
		return err
	}))
	if err != nil {
		return fmt.Errorf("open options page: %w", err)
	}
	pslog.Ctx(ctx).Info("browser options page opened", "tab", created, "url", b.cfg.OptionsURL)
	return nil
}

// Close detaches from every tab and shuts the browser connection down. Pages
// stay open; a launched browser exits with its process.
func (b *Browser) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.runs.Wait()
	b.wg.Wait()
	b.mu.Lock()
	conns := b.tabs
	b.tabs = make(map[schema.TabID]*tabConn)
	b.mu.Unlock()
	for _, conn := range conns {
		release(conn)
	}
	b.browserCancel()
	b.allocCancel()
	b.logger.Info("browser closed")
}

// Legacy exposes only the legacy injection capability.
func (b *Browser) Legacy() *LegacyHost {
	return &LegacyHost{browser: b}
}

func tabFromInfo(info *target.Info) schema.Tab {
	return schema.Tab{ID: schema.TabID(info.TargetID), URL: info.URL, Title: info.Title}
}

// BootSource returns the boot script registered on new documents.
func BootSource() (string, error) {
	data, err := contentscript.Read(contentscript.Boot)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
