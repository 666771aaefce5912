// internal/browser/session.go
package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/domatlas/internal/config"
	"github.com/xkilldash9x/domatlas/internal/dom"
)

// Session represents one isolated browser tab and the protocol access the
// extraction engine needs: running actions against the tab's target, and
// against any out-of-process iframe targets living inside it. Each session
// gets its own browser context, so sessions never share cookies or storage.
type Session struct {
	id     string
	logger *zap.Logger
	cfg    *config.Config

	// browserCtx is the manager's root context; it carries the browser-level
	// executor needed for browser context management.
	browserCtx context.Context

	// taskCtx is the tab's chromedp context; it carries the CDP target.
	taskCtx          context.Context
	taskCancel       context.CancelFunc
	targetID         target.ID
	browserContextID cdp.BrowserContextID

	mu       sync.Mutex
	frames   map[cdp.FrameID]frameHandle
	isClosed bool

	onClose func()
}

// frameHandle is a cached attachment to an out-of-process iframe target.
type frameHandle struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Ensure Session satisfies the extraction engine's session contract.
var _ dom.BrowserSession = (*Session)(nil)

// newSession creates an isolated browser context, opens a blank target in it
// and attaches a chromedp context to that target.
func newSession(ctx context.Context, browserCtx context.Context, cfg *config.Config, logger *zap.Logger) (*Session, error) {
	id := uuid.New().String()
	s := &Session{
		id:         id,
		logger:     logger.Named("session").With(zap.String("session_id", id[:8])),
		cfg:        cfg,
		browserCtx: browserCtx,
		frames:     make(map[cdp.FrameID]frameHandle),
	}

	bc := chromedp.FromContext(browserCtx)
	if bc == nil || bc.Browser == nil {
		return nil, fmt.Errorf("browser root context is not initialized")
	}
	execCtx := cdp.WithExecutor(ctx, bc.Browser)

	bcID, err := target.CreateBrowserContext().WithDisposeOnDetach(true).Do(execCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}
	s.browserContextID = bcID

	tID, err := target.CreateTarget("about:blank").WithBrowserContextID(bcID).Do(execCtx)
	if err != nil {
		_ = target.DisposeBrowserContext(bcID).Do(execCtx)
		return nil, fmt.Errorf("failed to create target: %w", err)
	}
	s.targetID = tID

	s.taskCtx, s.taskCancel = chromedp.NewContext(browserCtx, chromedp.WithTargetID(tID))

	// The first Run attaches to the target; sizing the viewport doubles as
	// the liveness check.
	var boot []chromedp.Action
	if vp := cfg.Browser().Viewport; vp.Width > 0 && vp.Height > 0 {
		boot = append(boot, chromedp.EmulateViewport(int64(vp.Width), int64(vp.Height)))
	}
	if err := s.Run(ctx, boot...); err != nil {
		s.taskCancel()
		_ = target.DisposeBrowserContext(bcID).Do(execCtx)
		return nil, fmt.Errorf("failed to attach to tab: %w", err)
	}

	return s, nil
}

// ID returns the unique identifier for the session.
func (s *Session) ID() string {
	return s.id
}

// TargetID names the tab's CDP target.
func (s *Session) TargetID() target.ID {
	return s.targetID
}

// Run executes actions against the tab, honoring both the session lifetime
// and the caller's context.
func (s *Session) Run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(s.taskCtx, ctx)
	defer cancel()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		// Surface the caller's cancellation over the transport error it
		// causes.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

// Navigate loads a URL in the tab, waits for the document to be ready and
// gives the page PostLoadWait to settle its async work.
func (s *Session) Navigate(ctx context.Context, url string) error {
	s.logger.Debug("Navigating.", zap.String("url", url))

	bcfg := s.cfg.Browser()
	navCtx := ctx
	if to := bcfg.NavigationTimeout; to > 0 {
		var cancel context.CancelFunc
		navCtx, cancel = context.WithTimeout(ctx, to)
		defer cancel()
	}

	actions := make([]chromedp.Action, 0, 6)
	if bcfg.DisableCache {
		actions = append(actions, network.SetCacheDisabled(true))
	}
	if len(bcfg.Headers) > 0 {
		headers := make(network.Headers, len(bcfg.Headers))
		for k, v := range bcfg.Headers {
			headers[k] = v
		}
		actions = append(actions, network.Enable(), network.SetExtraHTTPHeaders(headers))
	}
	actions = append(actions,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if wait := bcfg.PostLoadWait; wait > 0 {
		actions = append(actions, chromedp.Sleep(wait))
	}

	if err := s.Run(navCtx, actions...); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}

	// The navigation replaced the page; any out-of-process frame
	// attachments refer to targets that no longer exist.
	s.dropFrameContexts()
	return nil
}

// Targets enumerates the browser's attachable targets.
func (s *Session) Targets(ctx context.Context) ([]*target.Info, error) {
	runCtx, cancel := CombineContext(s.taskCtx, ctx)
	defer cancel()

	infos, err := chromedp.Targets(runCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate targets: %w", err)
	}
	return infos, nil
}

// FrameRun executes actions against the out-of-process target hosting
// frameID. Attachments are cached for the life of the page.
func (s *Session) FrameRun(ctx context.Context, frameID cdp.FrameID, actions ...chromedp.Action) error {
	frameCtx, err := s.frameContext(ctx, frameID)
	if err != nil {
		return err
	}

	runCtx, cancel := CombineContext(frameCtx, ctx)
	defer cancel()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

// frameContext returns a context attached to the target that hosts frameID,
// attaching on first use. Chromium reuses the frame ID as the target ID for
// out-of-process iframes.
func (s *Session) frameContext(ctx context.Context, frameID cdp.FrameID) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isClosed {
		return nil, fmt.Errorf("session is closed")
	}
	if h, ok := s.frames[frameID]; ok {
		return h.ctx, nil
	}

	infos, err := s.Targets(ctx)
	if err != nil {
		return nil, err
	}
	found := findFrameTarget(infos, frameID)
	if found == nil {
		return nil, fmt.Errorf("no out-of-process target hosts frame %s", frameID)
	}

	fctx, fcancel := chromedp.NewContext(s.taskCtx, chromedp.WithTargetID(found.TargetID))

	// Attach now so a failure surfaces here rather than mid-build.
	attachCtx, cancelAttach := CombineContext(fctx, ctx)
	err = chromedp.Run(attachCtx)
	cancelAttach()
	if err != nil {
		fcancel()
		return nil, fmt.Errorf("failed to attach to frame target %s: %w", frameID, err)
	}

	s.frames[frameID] = frameHandle{ctx: fctx, cancel: fcancel}
	s.logger.Debug("Attached to out-of-process frame.", zap.String("frame_id", string(frameID)))
	return fctx, nil
}

// findFrameTarget picks the iframe target whose ID matches the frame.
func findFrameTarget(infos []*target.Info, frameID cdp.FrameID) *target.Info {
	for _, info := range infos {
		if info.Type == "iframe" && string(info.TargetID) == string(frameID) {
			return info
		}
	}
	return nil
}

// dropFrameContexts releases all cached frame attachments.
func (s *Session) dropFrameContexts() {
	s.mu.Lock()
	frames := s.frames
	s.frames = make(map[cdp.FrameID]frameHandle)
	s.mu.Unlock()

	for _, h := range frames {
		h.cancel()
	}
}

// Close gracefully closes the tab and disposes its browser context, bounded
// by the caller's deadline.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return nil
	}
	s.isClosed = true
	s.mu.Unlock()

	s.logger.Debug("Closing session.")
	s.dropFrameContexts()

	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(s.taskCtx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		s.logger.Warn("Deadline exceeded waiting for the tab to close.", zap.Error(ctx.Err()))
		s.taskCancel()
	}

	// disposeOnDetach covers the crash paths; this covers the orderly one.
	if bc := chromedp.FromContext(s.browserCtx); bc != nil && bc.Browser != nil && s.browserContextID != "" {
		if derr := target.DisposeBrowserContext(s.browserContextID).Do(cdp.WithExecutor(ctx, bc.Browser)); derr != nil {
			s.logger.Debug("Browser context dispose failed.", zap.Error(derr))
		}
	}

	if s.onClose != nil {
		s.onClose()
	}
	return err
}
