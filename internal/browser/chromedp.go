// internal/browser/chromedp.go
package browser

import (
	"context"
	"strings"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cfverify/internal/browser/stealth"
	"github.com/xkilldash9x/cfverify/internal/config"
	"github.com/xkilldash9x/cfverify/internal/probe"
	"github.com/xkilldash9x/cfverify/internal/probe/cdp"
)

// AllocatorOptions builds the exec allocator flags for cfg on top of
// chromedp's defaults.
func AllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if w, h, ok := viewport(cfg); ok {
		opts = append(opts, chromedp.WindowSize(w, h))
	}
	for _, arg := range cfg.Args {
		name, value, hasValue := splitArg(arg)
		if name == "" {
			continue
		}
		if hasValue {
			opts = append(opts, chromedp.Flag(name, value))
		} else {
			opts = append(opts, chromedp.Flag(name, true))
		}
	}
	return opts
}

type chromedpBackend struct {
	cfg     config.BrowserConfig
	logger  *zap.Logger
	persona stealth.Persona

	browserCtx  context.Context
	cancelAlloc context.CancelFunc
}

func launchChromedp(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (backend, error) {
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), AllocatorOptions(cfg)...)
	sugar := logger.Named("chromedp").Sugar()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(sugar.Debugf),
		chromedp.WithErrorf(sugar.Debugf),
	)

	// The first Run on browserCtx starts the process and must not be bound
	// to a shorter-lived context.
	err := startWithin(ctx,
		func() error { return chromedp.Run(browserCtx) },
		func() { cancelBrowser(); cancelAlloc() },
	)
	if err != nil {
		return nil, err
	}
	return &chromedpBackend{
		cfg:         cfg,
		logger:      logger,
		persona:     stealth.DefaultPersona.WithUserAgent(cfg.UserAgent),
		browserCtx:  browserCtx,
		cancelAlloc: cancelAlloc,
	}, nil
}

func (b *chromedpBackend) open(ctx context.Context, url string) (probe.Page, func() error, error) {
	tabCtx, cancelTab := chromedp.NewContext(b.browserCtx)
	closeTab := func() error {
		cancelTab()
		return nil
	}
	if err := startWithin(ctx, func() error { return chromedp.Run(tabCtx) }, cancelTab); err != nil {
		return nil, nil, err
	}

	navCtx, cancelNav := cdp.CombineContext(tabCtx, ctx)
	defer cancelNav()
	if b.cfg.NavigationTimeout > 0 {
		var cancel context.CancelFunc
		navCtx, cancel = context.WithTimeout(navCtx, b.cfg.NavigationTimeout)
		defer cancel()
	}

	var tasks chromedp.Tasks
	if b.cfg.Stealth {
		tasks = append(tasks, stealth.Apply(b.persona, b.logger))
	}
	tasks = append(tasks, chromedp.Navigate(url))
	if err := chromedp.Run(navCtx, tasks); err != nil {
		cancelTab()
		return nil, nil, err
	}

	return cdp.New(tabCtx, cdp.WithHumanoid(b.cfg.Humanoid)), closeTab, nil
}

func (b *chromedpBackend) close() error {
	defer b.cancelAlloc()
	return chromedp.Cancel(b.browserCtx)
}

func viewport(cfg config.BrowserConfig) (int, int, bool) {
	w, h := cfg.Viewport["width"], cfg.Viewport["height"]
	return w, h, w > 0 && h > 0
}

// splitArg parses "--name=value" or "--name" into its parts.
func splitArg(arg string) (name, value string, hasValue bool) {
	arg = strings.TrimLeft(strings.TrimSpace(arg), "-")
	name, value, hasValue = strings.Cut(arg, "=")
	return name, value, hasValue
}
