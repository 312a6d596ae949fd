// -- cmd/resolve.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/cfverify/internal/browser"
	"github.com/xkilldash9x/cfverify/internal/challenge"
	"github.com/xkilldash9x/cfverify/internal/config"
	"github.com/xkilldash9x/cfverify/internal/observability"
)

// ErrUnresolved is returned when at least one URL was not verified.
var ErrUnresolved = errors.New("one or more URLs were not verified")

const (
	outputText = "text"
	outputJSON = "json"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// tabOpener is the part of browser.Manager the resolve command uses.
type tabOpener interface {
	Open(ctx context.Context, url string) (*browser.Tab, error)
	Shutdown(ctx context.Context) error
}

var newTabOpener = func(cfg config.BrowserConfig, logger *zap.Logger) (tabOpener, error) {
	return browser.NewManager(cfg, logger)
}

// URLReport is the outcome for one URL.
type URLReport struct {
	URL       string `json:"url"`
	Verified  bool   `json:"verified"`
	State     string `json:"state,omitempty"`
	Attempts  int    `json:"attempts"`
	Clicks    int    `json:"clicks"`
	Reloads   int    `json:"reloads"`
	SessionID string `json:"session_id,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms"`
	Error     string `json:"error,omitempty"`
}

// RunReport is the outcome of one resolve invocation.
type RunReport struct {
	RunID   string      `json:"run_id"`
	Results []URLReport `json:"results"`
}

func newResolveCmd() *cobra.Command {
	var (
		interval float64
		output   string
	)

	cmd := &cobra.Command{
		Use:   "resolve <url>...",
		Short: "Open each URL and clear its Turnstile challenge",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("interval") {
				cfg.Resolver.Interval = time.Duration(interval * float64(time.Second))
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			output = strings.ToLower(output)
			if output != outputText && output != outputJSON {
				return fmt.Errorf("--output must be %q or %q, got %q", outputText, outputJSON, output)
			}

			rep, err := runResolve(cmd.Context(), cfg, args, observability.GetLogger())
			if err != nil {
				return err
			}
			if err := writeReport(cmd.OutOrStdout(), rep, output); err != nil {
				return err
			}
			for _, r := range rep.Results {
				if !r.Verified {
					return ErrUnresolved
				}
			}
			return nil
		},
	}

	defaults := config.NewDefaultConfig()
	f := cmd.Flags()
	f.Int("max-attempts", defaults.Resolver.MaxAttempts, "maximum number of resolution attempts per URL")
	f.Float64Var(&interval, "interval", defaults.Resolver.Interval.Seconds(), "seconds to wait before each attempt")
	f.Int("reload-every", defaults.Resolver.ReloadEvery, "reload the page every N attempts (0 disables)")
	f.Bool("debug", defaults.Resolver.Debug, "log every resolver step")
	f.String("backend", defaults.Browser.Backend, "browser backend (chromedp or rod)")
	f.Bool("headless", defaults.Browser.Headless, "run the browser without a window")
	f.Int("concurrency", defaults.Browser.Concurrency, "number of tabs resolved in parallel")
	f.StringVarP(&output, "output", "o", outputText, "report format (text or json)")
	f.String("missing-frame", defaults.Resolver.MissingFrame, "what to do when no challenge frame is found (retry or fail)")
	return cmd
}

// runResolve opens one tab per URL and resolves them with bounded
// parallelism. Per-URL failures are recorded in the report; only setup
// failures and cancellation are returned as errors.
func runResolve(ctx context.Context, cfg *config.Config, urls []string, logger *zap.Logger) (*RunReport, error) {
	opts, err := challenge.OptionsFromConfig(cfg.Resolver)
	if err != nil {
		return nil, err
	}
	resolver, err := challenge.NewResolverFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	logger = logger.With(zap.String("run_id", runID))

	opener, err := newTabOpener(cfg.Browser, logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := opener.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Browser shutdown failed.", zap.Error(err))
		}
	}()

	limiter := rate.NewLimiter(rate.Limit(cfg.Browser.TabsPerSecond), 1)
	rep := &RunReport{RunID: runID, Results: make([]URLReport, len(urls))}

	var g errgroup.Group
	g.SetLimit(cfg.Browser.Concurrency)
	for i, u := range urls {
		g.Go(func() error {
			rep.Results[i] = resolveOne(ctx, resolver, opener, limiter, u, opts, logger)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return rep, err
	}
	return rep, nil
}

func resolveOne(ctx context.Context, resolver *challenge.Resolver, opener tabOpener, limiter *rate.Limiter,
	url string, opts challenge.Options, logger *zap.Logger) URLReport {
	out := URLReport{URL: url}

	if err := limiter.Wait(ctx); err != nil {
		out.Error = err.Error()
		return out
	}
	tab, err := opener.Open(ctx, url)
	if err != nil {
		out.Error = err.Error()
		logger.Warn("Could not open tab.", zap.String("url", url), zap.Error(err))
		return out
	}
	defer func() {
		if err := tab.Close(); err != nil {
			logger.Debug("Tab close failed.", zap.String("url", url), zap.Error(err))
		}
	}()

	res, err := resolver.ResolveReport(ctx, tab.Page, opts)
	out.Verified = res.Verdict && err == nil
	out.State = res.State.String()
	out.Attempts = len(res.Attempts)
	out.Clicks = res.Clicks
	out.Reloads = res.Reloads
	out.SessionID = res.SessionID
	out.ElapsedMs = res.Elapsed.Milliseconds()
	if err != nil {
		out.Error = err.Error()
	}
	logger.Info("URL processed.",
		zap.String("url", url),
		zap.Bool("verified", out.Verified),
		zap.Int("attempts", out.Attempts),
	)
	return out
}

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#008000", Dark: "#55FF55"}).Bold(true)
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#D00000", Dark: "#FF5555"}).Bold(true)
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#666666", Dark: "#888888"})
)

func writeReport(w io.Writer, rep *RunReport, format string) error {
	if format == outputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}

	for _, r := range rep.Results {
		status := okStyle.Render("verified")
		if !r.Verified {
			status = failStyle.Render("FAILED")
		}
		detail := fmt.Sprintf("attempts=%d clicks=%d reloads=%d elapsed=%s",
			r.Attempts, r.Clicks, r.Reloads, time.Duration(r.ElapsedMs)*time.Millisecond)
		if r.Error != "" {
			detail += " error=" + r.Error
		}
		if _, err := fmt.Fprintf(w, "%s %s %s\n", status, r.URL, dimStyle.Render(detail)); err != nil {
			return err
		}
	}
	return nil
}
