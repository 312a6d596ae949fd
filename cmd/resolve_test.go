// File: cmd/resolve_test.go
package cmd

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cfverify/internal/browser"
	"github.com/xkilldash9x/cfverify/internal/config"
	"github.com/xkilldash9x/cfverify/internal/observability"
	"github.com/xkilldash9x/cfverify/internal/probe/probetest"
)

type fakeOpener struct {
	mu        sync.Mutex
	pages     map[string]*probetest.Page
	openErr   map[string]error
	opened    []string
	shutdowns int32
	cfg       config.BrowserConfig
}

func (f *fakeOpener) Open(ctx context.Context, url string) (*browser.Tab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.openErr[url]; err != nil {
		return nil, err
	}
	f.opened = append(f.opened, url)
	return &browser.Tab{ID: url, URL: url, Page: f.pages[url]}, nil
}

func (f *fakeOpener) Shutdown(ctx context.Context) error {
	atomic.AddInt32(&f.shutdowns, 1)
	return nil
}

// clearPage has no challenge markers at all.
func clearPage() *probetest.Page {
	return &probetest.Page{ScriptsFn: probetest.Always([]string{"https://example.com/app.js"})}
}

// blockedPage shows a challenge but never renders the frame.
func blockedPage() *probetest.Page {
	return &probetest.Page{TitleFn: probetest.Always("turnstile")}
}

func installOpener(t *testing.T, f *fakeOpener) {
	t.Helper()
	orig := newTabOpener
	newTabOpener = func(cfg config.BrowserConfig, _ *zap.Logger) (tabOpener, error) {
		f.cfg = cfg
		return f, nil
	}
	t.Cleanup(func() { newTabOpener = orig })
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out, _, err := execCLI(t, args...)
	return out, err
}

// execCLI runs a fresh command tree and returns stdout and stderr apart, so
// log lines never mix into a report.
func execCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Chdir(t.TempDir())
	root := NewRootCommand()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestResolveCommand(t *testing.T) {
	t.Run("JSONReport", func(t *testing.T) {
		f := &fakeOpener{pages: map[string]*probetest.Page{
			"https://ok.test":      clearPage(),
			"https://blocked.test": blockedPage(),
		}}
		installOpener(t, f)

		out, err := runCLI(t, "resolve", "--interval", "0.001", "--max-attempts", "2", "-o", "json",
			"https://ok.test", "https://blocked.test")
		require.ErrorIs(t, err, ErrUnresolved)

		var rep RunReport
		require.NoError(t, json.Unmarshal([]byte(out), &rep))
		assert.NotEmpty(t, rep.RunID)
		require.Len(t, rep.Results, 2)

		ok, blocked := rep.Results[0], rep.Results[1]
		assert.Equal(t, "https://ok.test", ok.URL)
		assert.True(t, ok.Verified)
		assert.Equal(t, 1, ok.Attempts)
		assert.Empty(t, ok.Error)

		assert.Equal(t, "https://blocked.test", blocked.URL)
		assert.False(t, blocked.Verified)
		assert.Equal(t, 2, blocked.Attempts)
		assert.Zero(t, blocked.Clicks)

		assert.EqualValues(t, 1, atomic.LoadInt32(&f.shutdowns))
	})

	t.Run("TextReport", func(t *testing.T) {
		f := &fakeOpener{pages: map[string]*probetest.Page{"https://ok.test": clearPage()}}
		installOpener(t, f)

		out, err := runCLI(t, "resolve", "--interval", "0.001", "https://ok.test")
		require.NoError(t, err)
		assert.Contains(t, out, "verified")
		assert.Contains(t, out, "https://ok.test")
		assert.Contains(t, out, "attempts=1")
	})

	t.Run("OpenFailureIsReported", func(t *testing.T) {
		f := &fakeOpener{openErr: map[string]error{"https://down.test": errors.New("net::ERR_NAME_NOT_RESOLVED")}}
		installOpener(t, f)

		out, err := runCLI(t, "resolve", "--interval", "0.001", "https://down.test")
		require.ErrorIs(t, err, ErrUnresolved)
		assert.Contains(t, out, "FAILED")
		assert.Contains(t, out, "ERR_NAME_NOT_RESOLVED")
	})

	t.Run("FlagsOverrideConfig", func(t *testing.T) {
		f := &fakeOpener{pages: map[string]*probetest.Page{"https://ok.test": clearPage()}}
		installOpener(t, f)

		_, err := runCLI(t, "resolve", "--interval", "0.001", "--backend", "rod", "--headless", "--concurrency", "3",
			"https://ok.test")
		require.NoError(t, err)
		assert.Equal(t, config.BackendRod, f.cfg.Backend)
		assert.True(t, f.cfg.Headless)
		assert.Equal(t, 3, f.cfg.Concurrency)
	})

	t.Run("InvalidOutput", func(t *testing.T) {
		installOpener(t, &fakeOpener{})
		_, err := runCLI(t, "resolve", "-o", "yaml", "https://ok.test")
		assert.ErrorContains(t, err, "--output")
	})

	t.Run("InvalidBackend", func(t *testing.T) {
		installOpener(t, &fakeOpener{})
		_, err := runCLI(t, "resolve", "--backend", "playwright", "https://ok.test")
		assert.ErrorContains(t, err, "browser.backend")
	})

	t.Run("InvalidInterval", func(t *testing.T) {
		installOpener(t, &fakeOpener{})
		_, err := runCLI(t, "resolve", "--interval", "0", "https://ok.test")
		assert.ErrorContains(t, err, "interval")
	})

	t.Run("RequiresURL", func(t *testing.T) {
		_, err := runCLI(t, "resolve")
		assert.Error(t, err)
	})
}

func TestResolveDebugLogsSteps(t *testing.T) {
	observability.ResetForTest()
	t.Cleanup(observability.ResetForTest)

	f := &fakeOpener{pages: map[string]*probetest.Page{"https://blocked.test": blockedPage()}}
	installOpener(t, f)

	out, logs, err := execCLI(t, "resolve", "--debug", "--interval", "0.001", "--max-attempts", "2",
		"-o", "json", "https://blocked.test")
	require.ErrorIs(t, err, ErrUnresolved)

	assert.Contains(t, logs, "Verifying challenge has started.")
	assert.Contains(t, logs, "Trying to verify challenge. Attempt 1 of 2.")
	assert.Contains(t, logs, "No challenge iframe found.")

	var rep RunReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep), "stdout holds only the report")
	require.Len(t, rep.Results, 1)
	assert.Equal(t, 2, rep.Results[0].Attempts)
}

func TestResolveDebugKeepsExplicitLevel(t *testing.T) {
	observability.ResetForTest()
	t.Cleanup(observability.ResetForTest)

	f := &fakeOpener{pages: map[string]*probetest.Page{"https://blocked.test": blockedPage()}}
	installOpener(t, f)

	_, logs, err := execCLI(t, "resolve", "--debug", "--log-level", "warn", "--interval", "0.001",
		"--max-attempts", "2", "https://blocked.test")
	require.ErrorIs(t, err, ErrUnresolved)
	assert.NotContains(t, logs, "Trying to verify challenge.")
}

func TestRunResolveCancelled(t *testing.T) {
	f := &fakeOpener{pages: map[string]*probetest.Page{"https://ok.test": clearPage()}}
	installOpener(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep, err := runResolve(ctx, config.NewDefaultConfig(), []string{"https://ok.test"}, zap.NewNop())
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, rep)
	assert.False(t, rep.Results[0].Verified)
	assert.Empty(t, f.opened, "the rate limiter refuses a cancelled context")
}

func TestVersion(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "cfverify "+Version)

	out, err = runCLI(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "cfverify version "+Version)
}
