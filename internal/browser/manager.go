// internal/browser/manager.go
package browser

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/domatlas/internal/config"
)

// Manager owns the browser process (or the connection to a remote one) and
// hands out isolated page sessions that all share it.
type Manager struct {
	logger *zap.Logger
	cfg    *config.Config

	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc

	// browserCtx is the root chromedp context. The browser process is tied
	// to it, and every session derives from it so all sessions share the
	// one process.
	browserCtx    context.Context
	browserCancel context.CancelFunc

	sessions map[string]*Session
	mu       sync.RWMutex
	wg       sync.WaitGroup // tracks active sessions for a graceful shutdown

	// Initialization state management.
	initOnce sync.Once
	initErr  error
}

const (
	browserStartTimeout = 30 * time.Second
	shutdownGracePeriod = 15 * time.Second
)

// NewManager creates a browser manager. The browser itself launches lazily
// when the first session is requested.
func NewManager(cfg *config.Config, logger *zap.Logger) *Manager {
	m := &Manager{
		logger:   logger.Named("browser_manager"),
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
	m.logger.Debug("Browser manager created (initialization deferred).")
	return m
}

// initialize launches the browser process or connects to a remote one. The
// allocator is parented to the background context deliberately: the process
// lifetime belongs to Shutdown, not to whichever caller happened to trigger
// the launch.
func (m *Manager) initialize(ctx context.Context) error {
	m.initOnce.Do(func() {
		bcfg := m.cfg.Browser()
		if remote := bcfg.RemoteDebuggingURL; remote != "" {
			m.logger.Info("Connecting to remote browser.", zap.String("url", remote))
			m.allocatorCtx, m.allocatorCancel = chromedp.NewRemoteAllocator(context.Background(), remote)
		} else {
			m.logger.Info("Launching browser process.", zap.Bool("headless", bcfg.Headless))
			m.allocatorCtx, m.allocatorCancel = chromedp.NewExecAllocator(context.Background(), DefaultAllocatorOptions(bcfg)...)
		}

		sugar := m.logger.Sugar()
		ctxOpts := []chromedp.ContextOption{
			chromedp.WithLogf(sugar.Infof),
			chromedp.WithErrorf(sugar.Errorf),
		}
		if bcfg.Debug {
			ctxOpts = append(ctxOpts, chromedp.WithDebugf(sugar.Debugf))
		}
		m.browserCtx, m.browserCancel = chromedp.NewContext(m.allocatorCtx, ctxOpts...)

		// The first Run allocates the browser and ties the process to the
		// context it sees, so it must run on the long-lived browserCtx. The
		// startup deadline is enforced from the outside.
		errCh := make(chan error, 1)
		go func() { errCh <- chromedp.Run(m.browserCtx) }()

		select {
		case err := <-errCh:
			if err != nil {
				m.teardown()
				m.initErr = fmt.Errorf("browser failed to start or respond: %w", err)
				return
			}
		case <-time.After(browserStartTimeout):
			m.teardown()
			m.initErr = fmt.Errorf("timed out after %s waiting for the browser to start", browserStartTimeout)
			return
		case <-ctx.Done():
			m.teardown()
			m.initErr = ctx.Err()
			return
		}

		m.logger.Info("Browser is up and responsive.")
	})
	return m.initErr
}

func (m *Manager) teardown() {
	if m.browserCancel != nil {
		m.browserCancel()
	}
	if m.allocatorCancel != nil {
		m.allocatorCancel()
	}
}

// DefaultAllocatorOptions assembles the launch flags for a configurable,
// automation-quiet browser instance.
func DefaultAllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		// Keep navigator.webdriver and the automation infobar quiet; many
		// pages degrade or block when they detect automation.
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-gpu", cfg.Headless),
	)

	if cfg.Viewport.Width > 0 && cfg.Viewport.Height > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.Viewport.Width, cfg.Viewport.Height))
	}
	if cfg.IgnoreTLSErrors {
		opts = append(opts,
			chromedp.Flag("ignore-certificate-errors", true),
			chromedp.Flag("allow-insecure-localhost", true),
		)
	}
	if cfg.DisableCache {
		opts = append(opts,
			chromedp.Flag("disable-cache", true),
			chromedp.Flag("disk-cache-size", "0"),
			chromedp.Flag("media-cache-size", "0"),
		)
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}

	// Custom arguments from configuration, "--flag" or "--flag=value".
	for _, arg := range cfg.Args {
		name, value := ParseBrowserArg(arg)
		opts = append(opts, chromedp.Flag(name, value))
	}

	// Flags required for running inside containers (e.g. Docker on Linux).
	if runtime.GOOS == "linux" {
		opts = append(opts,
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("disable-setuid-sandbox", true),
		)
	}

	return opts
}

// ParseBrowserArg splits a command-line style browser argument into the flag
// name and value chromedp expects. Bare flags become boolean switches.
func ParseBrowserArg(arg string) (string, interface{}) {
	parts := strings.SplitN(arg, "=", 2)
	name := strings.TrimPrefix(parts[0], "--")
	if len(parts) == 2 {
		return name, parts[1]
	}
	return name, true
}

// NewSession opens a tab in its own isolated browser context and wraps it in
// a Session. The caller owns the session and must Close it.
func (m *Manager) NewSession(ctx context.Context) (*Session, error) {
	if err := m.initialize(ctx); err != nil {
		return nil, err
	}

	s, err := newSession(ctx, m.browserCtx, m.cfg, m.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	m.wg.Add(1)
	s.onClose = func() {
		m.mu.Lock()
		delete(m.sessions, s.ID())
		m.mu.Unlock()
		m.wg.Done()
		m.logger.Debug("Session removed from registry.", zap.String("session_id", s.ID()))
	}

	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	m.logger.Info("New session created.",
		zap.String("session_id", s.ID()),
		zap.String("tab_target", string(s.TargetID())),
	)
	return s, nil
}

// Shutdown closes remaining sessions, waits out the grace period, then
// terminates the browser.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Browser manager shutdown initiated.")

	if m.browserCtx == nil {
		m.logger.Debug("Manager never initialized, nothing to shut down.")
		return nil
	}

	m.mu.RLock()
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.RUnlock()

	for _, s := range open {
		go func(s *Session) {
			if err := s.Close(ctx); err != nil {
				m.logger.Warn("Error closing session during shutdown.",
					zap.String("session_id", s.ID()), zap.Error(err))
			}
		}(s)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	graceCtx, cancelGrace := context.WithTimeout(ctx, shutdownGracePeriod)
	defer cancelGrace()
	select {
	case <-done:
		m.logger.Debug("All sessions have closed.")
	case <-graceCtx.Done():
		m.logger.Warn("Grace period expired with sessions still open. Forcing browser termination.", zap.Error(graceCtx.Err()))
	}

	var shutdownErr error
	// Graceful close: asks the browser to exit and waits for it.
	if err := chromedp.Cancel(m.browserCtx); err != nil {
		m.logger.Warn("Graceful browser close failed.", zap.Error(err))
		shutdownErr = fmt.Errorf("failed to close browser: %w", err)
	}
	m.teardown()

	m.logger.Info("Browser manager shutdown complete.")
	return shutdownErr
}
