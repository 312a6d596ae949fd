// internal/browser/rod.go
package browser

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cfverify/internal/browser/stealth"
	"github.com/xkilldash9x/cfverify/internal/config"
	"github.com/xkilldash9x/cfverify/internal/probe"
	"github.com/xkilldash9x/cfverify/internal/probe/rodprobe"
)

// RodLauncher builds the go-rod launcher for cfg.
func RodLauncher(cfg config.BrowserConfig) *launcher.Launcher {
	l := launcher.New().
		Headless(cfg.Headless).
		Set("disable-blink-features", "AutomationControlled").
		Set("disable-dev-shm-usage")
	if cfg.ExecPath != "" {
		l = l.Bin(cfg.ExecPath)
	}
	if w, h, ok := viewport(cfg); ok {
		l = l.Set("window-size", fmt.Sprintf("%d,%d", w, h))
	}
	for _, arg := range cfg.Args {
		name, value, hasValue := splitArg(arg)
		if name == "" {
			continue
		}
		if hasValue {
			l = l.Set(flags.Flag(name), value)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}
	return l
}

type rodBackend struct {
	cfg     config.BrowserConfig
	logger  *zap.Logger
	persona stealth.Persona

	launcher *launcher.Launcher
	browser  *rod.Browser
}

func launchRod(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (backend, error) {
	l := RodLauncher(cfg)
	b := &rodBackend{
		cfg:      cfg,
		logger:   logger,
		persona:  stealth.DefaultPersona.WithUserAgent(cfg.UserAgent),
		launcher: l,
	}

	err := startWithin(ctx, func() error {
		u, err := l.Launch()
		if err != nil {
			return err
		}
		browser := rod.New().ControlURL(u)
		if err := browser.Connect(); err != nil {
			return fmt.Errorf("failed to connect to browser: %w", err)
		}
		b.browser = browser
		return nil
	}, l.Kill)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (b *rodBackend) open(ctx context.Context, url string) (probe.Page, func() error, error) {
	pg, err := b.browser.Context(ctx).Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, nil, err
	}
	// Detach from ctx; the tab outlives the open call.
	pg = pg.Context(context.Background())
	fail := func(err error) (probe.Page, func() error, error) {
		_ = pg.Close()
		return nil, nil, err
	}

	if b.cfg.Stealth {
		b.logger.Debug("Applying browser stealth persona", zap.String("userAgent", b.persona.UserAgent))
		if _, err := pg.EvalOnNewDocument(stealth.Script(b.persona)); err != nil {
			return fail(fmt.Errorf("failed to inject evasions script: %w", err))
		}
		if err := pg.SetUserAgent(&proto.NetworkSetUserAgentOverride{
			UserAgent:      b.persona.UserAgent,
			AcceptLanguage: stealth.AcceptLanguage(b.persona),
			Platform:       b.persona.Platform,
		}); err != nil {
			return fail(err)
		}
	}

	navCtx := ctx
	if b.cfg.NavigationTimeout > 0 {
		var cancel context.CancelFunc
		navCtx, cancel = context.WithTimeout(ctx, b.cfg.NavigationTimeout)
		defer cancel()
	}
	nav := pg.Context(navCtx)
	if err := nav.Navigate(url); err != nil {
		return fail(err)
	}
	if err := nav.WaitLoad(); err != nil {
		return fail(err)
	}

	return rodprobe.New(pg, rodprobe.WithHumanoid(b.cfg.Humanoid)), pg.Close, nil
}

func (b *rodBackend) close() error {
	defer b.launcher.Cleanup()
	defer b.launcher.Kill()
	if b.browser == nil {
		return nil
	}
	return b.browser.Close()
}
