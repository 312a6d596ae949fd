// internal/browser/stealth/stealth.go
// Package stealth makes an automated tab look like a user-operated browser
// before the challenge page loads.
package stealth

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

//go:embed evasions.js
var evasionsScript string

// Persona defines the browser characteristics to emulate.
type Persona struct {
	UserAgent string
	Platform  string
	Languages []string
	Timezone  string
	Locale    string
}

// DefaultPersona provides a realistic default browser profile.
var DefaultPersona = Persona{
	UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	Platform:  "Win32",
	Languages: []string{"en-US", "en"},
	Timezone:  "America/Los_Angeles",
	Locale:    "en-US",
}

// WithUserAgent returns a copy of p using ua when ua is not empty.
func (p Persona) WithUserAgent(ua string) Persona {
	if ua != "" {
		p.UserAgent = ua
	}
	return p
}

// Script returns the init script for p. It must run before any page script.
func Script(p Persona) string {
	langs := make([]string, 0, len(p.Languages))
	for _, l := range p.Languages {
		langs = append(langs, fmt.Sprintf("%q", l))
	}
	return fmt.Sprintf("window.__cfvPersona = {platform: %q, languages: [%s]};\n%s",
		p.Platform, strings.Join(langs, ", "), evasionsScript)
}

// AcceptLanguage renders p.Languages as an Accept-Language header value.
func AcceptLanguage(p Persona) string {
	parts := make([]string, 0, len(p.Languages))
	for i, l := range p.Languages {
		if i == 0 {
			parts = append(parts, l)
			continue
		}
		q := 1.0 - float64(i)*0.1
		if q < 0.1 {
			q = 0.1
		}
		parts = append(parts, fmt.Sprintf("%s;q=%.1f", l, q))
	}
	return strings.Join(parts, ",")
}

// Apply returns the chromedp tasks that install p on a tab. Run them on the
// tab before navigating.
func Apply(p Persona, logger *zap.Logger) chromedp.Tasks {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Applying browser stealth persona",
		zap.String("userAgent", p.UserAgent),
		zap.String("platform", p.Platform),
	)

	tasks := chromedp.Tasks{
		emulation.SetUserAgentOverride(p.UserAgent).WithPlatform(p.Platform),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if _, err := page.AddScriptToEvaluateOnNewDocument(Script(p)).Do(ctx); err != nil {
				return fmt.Errorf("failed to inject evasions script: %w", err)
			}
			return nil
		}),
	}
	if p.Timezone != "" {
		tasks = append(tasks, emulation.SetTimezoneOverride(p.Timezone))
	}
	if p.Locale != "" {
		tasks = append(tasks, emulation.SetLocaleOverride().WithLocale(p.Locale))
	}
	if len(p.Languages) > 0 {
		tasks = append(tasks, network.SetExtraHTTPHeaders(network.Headers{
			"Accept-Language": AcceptLanguage(p),
		}))
	}
	return tasks
}
