// internal/browser/manager_test.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/cfverify/internal/config"
	"github.com/xkilldash9x/cfverify/internal/probe"
	"github.com/xkilldash9x/cfverify/internal/probe/probetest"
)

type fakeBackend struct {
	mu      sync.Mutex
	opened  []string
	closed  int32
	openErr error
	tabs    int32
}

func (f *fakeBackend) open(ctx context.Context, url string) (probe.Page, func() error, error) {
	if f.openErr != nil {
		return nil, nil, f.openErr
	}
	f.mu.Lock()
	f.opened = append(f.opened, url)
	f.mu.Unlock()
	atomic.AddInt32(&f.tabs, 1)
	return &probetest.Page{URLFn: probetest.Always(url)}, func() error {
		atomic.AddInt32(&f.tabs, -1)
		return nil
	}, nil
}

func (f *fakeBackend) close() error {
	atomic.AddInt32(&f.closed, 1)
	return nil
}

func newTestManager(t *testing.T, b *fakeBackend, launchErr error) (*Manager, *int32) {
	t.Helper()
	m, err := NewManager(config.NewDefaultConfig().Browser, zaptest.NewLogger(t))
	require.NoError(t, err)
	var launches int32
	m.launch = func(context.Context, config.BrowserConfig, *zap.Logger) (backend, error) {
		atomic.AddInt32(&launches, 1)
		if launchErr != nil {
			return nil, launchErr
		}
		return b, nil
	}
	return m, &launches
}

func TestManager(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()

	t.Run("LazyLaunchAndLifecycle", func(t *testing.T) {
		b := &fakeBackend{}
		m, launches := newTestManager(t, b, nil)
		assert.Zero(t, atomic.LoadInt32(launches), "launch is deferred")

		tab1, err := m.Open(ctx, "https://a.test")
		require.NoError(t, err)
		tab2, err := m.Open(ctx, "https://b.test")
		require.NoError(t, err)
		assert.EqualValues(t, 1, atomic.LoadInt32(launches))
		assert.NotEqual(t, tab1.ID, tab2.ID)
		assert.Equal(t, "https://a.test", tab1.URL)

		require.NoError(t, tab1.Close())
		require.NoError(t, tab1.Close(), "close is idempotent")
		assert.EqualValues(t, 1, atomic.LoadInt32(&b.tabs))

		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		require.NoError(t, m.Shutdown(sctx))
		assert.Zero(t, atomic.LoadInt32(&b.tabs), "shutdown closes remaining tabs")
		assert.EqualValues(t, 1, atomic.LoadInt32(&b.closed))

		_, err = m.Open(ctx, "https://c.test")
		assert.ErrorIs(t, err, ErrManagerClosed)
	})

	t.Run("LaunchFailureIsSticky", func(t *testing.T) {
		m, launches := newTestManager(t, &fakeBackend{}, errors.New("no chrome"))
		_, err := m.Open(ctx, "https://a.test")
		require.ErrorContains(t, err, "no chrome")
		_, err = m.Open(ctx, "https://a.test")
		require.Error(t, err)
		assert.EqualValues(t, 1, atomic.LoadInt32(launches))
	})

	t.Run("OpenFailureReleasesTab", func(t *testing.T) {
		b := &fakeBackend{openErr: errors.New("navigation timeout")}
		m, _ := newTestManager(t, b, nil)
		_, err := m.Open(ctx, "https://a.test")
		require.ErrorContains(t, err, "navigation timeout")

		sctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		require.NoError(t, m.Shutdown(sctx), "a failed open must not hold shutdown")
	})

	t.Run("ShutdownBeforeLaunch", func(t *testing.T) {
		m, launches := newTestManager(t, &fakeBackend{}, nil)
		require.NoError(t, m.Shutdown(ctx))
		_, err := m.Open(ctx, "https://a.test")
		assert.ErrorIs(t, err, ErrManagerClosed)
		assert.Zero(t, atomic.LoadInt32(launches))
	})

	t.Run("ConcurrentOpen", func(t *testing.T) {
		b := &fakeBackend{}
		m, launches := newTestManager(t, b, nil)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				tab, err := m.Open(ctx, fmt.Sprintf("https://%d.test", i))
				if assert.NoError(t, err) {
					assert.NoError(t, tab.Close())
				}
			}(i)
		}
		wg.Wait()
		assert.EqualValues(t, 1, atomic.LoadInt32(launches))
		assert.Len(t, b.opened, 8)
		require.NoError(t, m.Shutdown(ctx))
	})
}

func TestNewManagerRejectsUnknownBackend(t *testing.T) {
	cfg := config.NewDefaultConfig().Browser
	cfg.Backend = "playwright"
	_, err := NewManager(cfg, nil)
	assert.ErrorContains(t, err, "playwright")
}

func TestStartWithin(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		aborted := false
		err := startWithin(context.Background(), func() error { return nil }, func() { aborted = true })
		assert.NoError(t, err)
		assert.False(t, aborted)
	})

	t.Run("FailureAborts", func(t *testing.T) {
		aborted := false
		err := startWithin(context.Background(), func() error { return errors.New("boom") }, func() { aborted = true })
		assert.EqualError(t, err, "boom")
		assert.True(t, aborted)
	})

	t.Run("Timeout", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		var aborted atomic.Bool
		err := startWithin(ctx, func() error { <-release; return nil }, func() { aborted.Store(true) })
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.True(t, aborted.Load())
	})
}

func TestAllocatorOptions(t *testing.T) {
	base := len(chromedp.DefaultExecAllocatorOptions)

	t.Run("Minimal", func(t *testing.T) {
		opts := AllocatorOptions(config.BrowserConfig{Headless: true})
		assert.Len(t, opts, base+4)
	})

	t.Run("Full", func(t *testing.T) {
		cfg := config.BrowserConfig{
			ExecPath:  "/usr/bin/chromium",
			UserAgent: "ua",
			Viewport:  map[string]int{"width": 1920, "height": 1080},
			Args:      []string{"--lang=de-DE", "--mute-audio", "  ", "--"},
		}
		opts := AllocatorOptions(cfg)
		// exec path, user agent, window size and two args
		assert.Len(t, opts, base+4+5)
	})

	t.Run("PartialViewportIgnored", func(t *testing.T) {
		opts := AllocatorOptions(config.BrowserConfig{Viewport: map[string]int{"width": 800}})
		assert.Len(t, opts, base+4)
	})
}

func TestRodLauncher(t *testing.T) {
	cfg := config.BrowserConfig{
		Headless: false,
		Viewport: map[string]int{"width": 1280, "height": 720},
		Args:     []string{"--lang=de-DE", "--mute-audio"},
	}
	l := RodLauncher(cfg)

	assert.False(t, l.Has(flags.Headless))
	assert.Equal(t, "1280,720", l.Get("window-size"))
	assert.Equal(t, "de-DE", l.Get("lang"))
	assert.True(t, l.Has("mute-audio"))
	assert.Equal(t, "AutomationControlled", l.Get("disable-blink-features"))

	assert.True(t, RodLauncher(config.BrowserConfig{Headless: true}).Has(flags.Headless))
}

func TestSplitArg(t *testing.T) {
	tests := []struct {
		in, name, value string
		hasValue        bool
	}{
		{"--lang=de-DE", "lang", "de-DE", true},
		{"-mute-audio", "mute-audio", "", false},
		{"proxy-server=http://p:8080", "proxy-server", "http://p:8080", true},
		{"--js-flags=--expose-gc", "js-flags", "--expose-gc", true},
		{"", "", "", false},
	}
	for _, tt := range tests {
		name, value, hasValue := splitArg(tt.in)
		assert.Equal(t, tt.name, name, tt.in)
		assert.Equal(t, tt.value, value, tt.in)
		assert.Equal(t, tt.hasValue, hasValue, tt.in)
	}
}
