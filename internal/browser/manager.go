// internal/browser/manager.go
// Package browser launches the browser process and opens the tabs the
// resolver works on.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cfverify/internal/config"
	"github.com/xkilldash9x/cfverify/internal/probe"
)

const shutdownGracePeriod = 15 * time.Second

// ErrManagerClosed is returned by Open after Shutdown.
var ErrManagerClosed = errors.New("browser manager is shut down")

// backend is one browser process driven through a specific automation
// library.
type backend interface {
	// open creates a tab, navigates it to url and returns it as a probe.Page
	// together with a function that closes the tab.
	open(ctx context.Context, url string) (probe.Page, func() error, error)
	close() error
}

type launchFunc func(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (backend, error)

// Tab is one open page tracked by the Manager.
type Tab struct {
	ID   string
	URL  string
	Page probe.Page

	closeFn   func() error
	onClose   func()
	closeOnce sync.Once
	closeErr  error
}

// Close closes the tab. It is safe to call more than once.
func (t *Tab) Close() error {
	t.closeOnce.Do(func() {
		if t.closeFn != nil {
			t.closeErr = t.closeFn()
		}
		if t.onClose != nil {
			t.onClose()
		}
	})
	return t.closeErr
}

// Manager handles the browser process lifecycle and tab creation.
type Manager struct {
	cfg    config.BrowserConfig
	logger *zap.Logger
	launch launchFunc

	backend backend
	tabs    map[string]*Tab
	closed  bool
	mu      sync.RWMutex
	wg      sync.WaitGroup

	initOnce sync.Once
	initErr  error
}

// NewManager creates a new browser manager. The browser is launched when the
// first tab is requested.
func NewManager(cfg config.BrowserConfig, logger *zap.Logger) (*Manager, error) {
	var launch launchFunc
	switch cfg.Backend {
	case config.BackendChromedp, "":
		launch = launchChromedp
	case config.BackendRod:
		launch = launchRod
	default:
		return nil, fmt.Errorf("unknown browser backend %q", cfg.Backend)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:    cfg,
		logger: logger.Named("browser_manager"),
		launch: launch,
		tabs:   make(map[string]*Tab),
	}
	m.logger.Debug("Browser manager created (initialization deferred).", zap.String("backend", cfg.Backend))
	return m, nil
}

func (m *Manager) initialize(ctx context.Context) error {
	m.initOnce.Do(func() {
		m.logger.Info("Launching browser...", zap.Bool("headless", m.cfg.Headless))
		b, err := m.launch(ctx, m.cfg, m.logger)
		if err != nil {
			m.initErr = fmt.Errorf("failed to launch browser: %w", err)
			return
		}
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			m.initErr = ErrManagerClosed
			if err := b.close(); err != nil {
				m.logger.Warn("Failed to close browser launched during shutdown.", zap.Error(err))
			}
			return
		}
		m.backend = b
		m.mu.Unlock()
		m.logger.Info("Browser launched.")
	})
	return m.initErr
}

// Open launches the browser if needed, then opens a tab on url.
func (m *Manager) Open(ctx context.Context, url string) (*Tab, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrManagerClosed
	}
	if err := m.initialize(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	m.wg.Add(1)
	b := m.backend
	m.mu.Unlock()

	page, closeFn, err := b.open(ctx, url)
	if err != nil {
		m.wg.Done()
		return nil, fmt.Errorf("failed to open %s: %w", url, err)
	}

	tab := &Tab{ID: uuid.NewString(), URL: url, Page: page, closeFn: closeFn}
	tab.onClose = func() {
		m.mu.Lock()
		delete(m.tabs, tab.ID)
		m.mu.Unlock()
		m.wg.Done()
		m.logger.Debug("Tab removed from manager.", zap.String("tab_id", tab.ID))
	}

	m.mu.Lock()
	m.tabs[tab.ID] = tab
	m.mu.Unlock()

	m.logger.Debug("New tab opened.", zap.String("tab_id", tab.ID), zap.String("url", url))
	return tab, nil
}

// Shutdown closes all tabs and the browser process.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	b := m.backend
	open := make([]*Tab, 0, len(m.tabs))
	for _, t := range m.tabs {
		open = append(open, t)
	}
	m.mu.Unlock()

	if b == nil {
		m.logger.Debug("Browser never launched, nothing to shut down.")
		return nil
	}
	m.logger.Info("Shutting down browser manager.", zap.Int("open_tabs", len(open)))

	for _, t := range open {
		go func(t *Tab) {
			if err := t.Close(); err != nil {
				m.logger.Warn("Error during tab close in shutdown.", zap.String("tab_id", t.ID), zap.Error(err))
			}
		}(t)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, shutdownGracePeriod)
		defer cancel()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Debug("All tabs closed gracefully.")
	case <-ctx.Done():
		m.logger.Warn("Timeout waiting for tabs to close. Proceeding with forceful shutdown.", zap.Error(ctx.Err()))
	}

	if err := b.close(); err != nil {
		m.logger.Error("Failed to close browser.", zap.Error(err))
		return fmt.Errorf("failed to close browser: %w", err)
	}
	m.logger.Info("Browser manager shutdown complete.")
	return nil
}

// startWithin runs start in the background and gives up when ctx is done,
// calling abort so the half-started process is torn down.
func startWithin(ctx context.Context, start func() error, abort func()) error {
	errc := make(chan error, 1)
	go func() { errc <- start() }()

	select {
	case err := <-errc:
		if err != nil {
			abort()
		}
		return err
	case <-ctx.Done():
		abort()
		return fmt.Errorf("timeout waiting for browser start: %w", ctx.Err())
	}
}
