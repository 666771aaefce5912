// internal/dom/service.go
package dom

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/accessibility"
	"github.com/chromedp/cdproto/cdp"
	cdpdom "github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/domsnapshot"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// BrowserSession is the narrow slice of a browser session the engine
// depends on: issue protocol commands against the session's target, name
// that target, and (for cross-origin mode) run commands against one of the
// target's out-of-process frames.
type BrowserSession interface {
	Run(ctx context.Context, actions ...chromedp.Action) error
	TargetID() target.ID
	FrameRun(ctx context.Context, frameID cdp.FrameID, actions ...chromedp.Action) error
}

// Options tune one DomService instance.
type Options struct {
	// MaxFrameDepth caps nested frame descent; <= 0 selects the default.
	MaxFrameDepth int
	// CrossOriginFrames enables fetching out-of-process iframe documents
	// through the session.
	CrossOriginFrames bool
	// MaxRenderText caps per-element text in the serialized rendering.
	MaxRenderText int
	// BuildTimeout, when positive, bounds one whole observation at the
	// facade boundary.
	BuildTimeout time.Duration
}

// Timings records per-phase durations of one observation, for logs only.
type Timings map[string]time.Duration

// DomService is the facade the agent layer consumes: it owns the
// concurrent protocol fetch/join, funnels the payloads through the tree
// builder and serializer, and guarantees that builds against its target
// never overlap.
type DomService struct {
	sess       BrowserSession
	logger     *zap.Logger
	opts       Options
	builder    *TreeBuilder
	serializer *TreeSerializer

	// buildMu serializes observations: each build assumes a momentarily
	// frozen view of the target's frame geometry.
	buildMu sync.Mutex

	axFetchLimit int
}

var _ FrameResolver = (*DomService)(nil)

// NewDomService wires a service to one session. One service observes one
// target; independent targets take independent instances.
func NewDomService(sess BrowserSession, logger *zap.Logger, opts Options) *DomService {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("dom_service").With(zap.String("target_id", string(sess.TargetID())))

	s := &DomService{
		sess:         sess,
		logger:       logger,
		opts:         opts,
		serializer:   NewTreeSerializer(logger, opts.MaxRenderText),
		axFetchLimit: 4,
	}
	var resolver FrameResolver
	if opts.CrossOriginFrames {
		resolver = s
	}
	s.builder = NewTreeBuilder(logger, opts.MaxFrameDepth, resolver)
	return s
}

// GetDOMTree fetches and builds the enhanced tree for the session's
// current target.
func (s *DomService) GetDOMTree(ctx context.Context) (*EnhancedNode, error) {
	s.buildMu.Lock()
	defer s.buildMu.Unlock()

	ctx, cancel := s.observationContext(ctx)
	defer cancel()

	root, err := s.buildTree(ctx, Timings{})
	return root, err
}

// GetSerializedDOMTree runs one full observation: fetch, build, serialize.
// previous may carry the prior observation's state so unchanged render
// blocks are reused and newly appeared elements are marked; fresh structure
// always wins. The returned timings are observability only.
func (s *DomService) GetSerializedDOMTree(ctx context.Context, previous *SerializedDOMState) (*SerializedDOMState, *EnhancedNode, Timings, error) {
	s.buildMu.Lock()
	defer s.buildMu.Unlock()

	ctx, cancel := s.observationContext(ctx)
	defer cancel()

	timings := Timings{}
	start := time.Now()

	root, err := s.buildTree(ctx, timings)
	if err != nil {
		return nil, nil, timings, err
	}

	serializeStart := time.Now()
	state := s.serializer.Serialize(root, previous)
	timings["serialize"] = time.Since(serializeStart)
	timings["total"] = time.Since(start)

	s.logger.Debug("Observation complete.",
		zap.Int("indexed_elements", len(state.Selector)),
		zap.Duration("total", timings["total"]),
	)
	return state, root, timings, nil
}

func (s *DomService) observationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.BuildTimeout > 0 {
		return context.WithTimeout(ctx, s.opts.BuildTimeout)
	}
	return context.WithCancel(ctx)
}

// buildTree performs the fetch/join phase and the recursive build. The DOM
// fetch is fatal; accessibility and snapshot failures degrade to absent
// data for the affected nodes.
func (s *DomService) buildTree(ctx context.Context, timings Timings) (*EnhancedNode, error) {
	var (
		rawRoot *cdp.Node
		ax      = NewAXLookup()
		snap    *SnapshotIndex

		domDur, axDur, snapDur time.Duration
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		started := time.Now()
		defer func() { domDur = time.Since(started) }()
		err := s.sess.Run(gctx, chromedp.ActionFunc(func(c context.Context) error {
			node, err := cdpdom.GetDocument().WithDepth(-1).WithPierce(true).Do(c)
			if err != nil {
				return err
			}
			rawRoot = node
			return nil
		}))
		if err != nil {
			return fmt.Errorf("failed to fetch DOM tree: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		started := time.Now()
		defer func() { axDur = time.Since(started) }()
		if err := s.fetchAccessibility(gctx, ax); err != nil {
			// Degrade: affected nodes simply carry no AX data.
			s.logger.Warn("Accessibility fetch degraded.", zap.Error(err))
		}
		return nil
	})

	g.Go(func() error {
		started := time.Now()
		defer func() { snapDur = time.Since(started) }()
		idx, err := s.fetchSnapshot(gctx)
		if err != nil {
			s.logger.Warn("Layout snapshot fetch degraded.", zap.Error(err))
			return nil
		}
		snap = idx
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	timings["fetch_dom"] = domDur
	timings["fetch_ax"] = axDur
	timings["fetch_snapshot"] = snapDur

	buildStart := time.Now()
	root, err := s.builder.Build(ctx, rawRoot, ax, snap)
	timings["build"] = time.Since(buildStart)
	if err != nil {
		return nil, fmt.Errorf("failed to build enhanced tree: %w", err)
	}
	return root, nil
}

// fetchAccessibility fans getFullAXTree out across the target's frames and
// merges the results. A frame failing only loses that frame's data.
func (s *DomService) fetchAccessibility(ctx context.Context, lookup *AXLookup) error {
	var frames []cdp.FrameID
	err := s.sess.Run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		tree, err := page.GetFrameTree().Do(c)
		if err != nil {
			return err
		}
		frames = collectFrameIDs(tree, nil)
		return nil
	}))
	if err != nil {
		return fmt.Errorf("failed to enumerate frames: %w", err)
	}
	if len(frames) == 0 {
		frames = []cdp.FrameID{""}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.axFetchLimit)
	for _, frameID := range frames {
		g.Go(func() error {
			var nodes []*accessibility.Node
			err := s.sess.Run(gctx, chromedp.ActionFunc(func(c context.Context) error {
				params := accessibility.GetFullAXTree()
				if frameID != "" {
					params = params.WithFrameID(frameID)
				}
				var err error
				nodes, err = params.Do(c)
				return err
			}))
			if err != nil {
				s.logger.Debug("Accessibility fetch failed for frame.",
					zap.String("frame_id", string(frameID)),
					zap.Error(err),
				)
				return nil
			}
			mu.Lock()
			lookup.Merge(nodes)
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// fetchSnapshot captures the layout snapshot and the device pixel ratio
// needed to interpret it.
func (s *DomService) fetchSnapshot(ctx context.Context) (*SnapshotIndex, error) {
	var (
		docs        []*domsnapshot.DocumentSnapshot
		stringTable []string
		dpr         = 1.0
	)
	err := s.sess.Run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		var err error
		docs, stringTable, err = domsnapshot.CaptureSnapshot(capturedStyles).
			WithIncludeDOMRects(true).
			WithIncludePaintOrder(true).
			Do(c)
		if err != nil {
			return err
		}
		if evalErr := chromedp.Evaluate("window.devicePixelRatio", &dpr).Do(c); evalErr != nil {
			s.logger.Debug("Device pixel ratio probe failed, assuming 1.", zap.Error(evalErr))
			dpr = 1.0
		}
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to capture layout snapshot: %w", err)
	}
	return NewSnapshotIndex(docs, stringTable, dpr), nil
}

// ResolveFrame fetches an out-of-process frame's document, accessibility
// tree and layout snapshot through the session's frame access. Used by the
// tree builder when cross-origin mode is on.
func (s *DomService) ResolveFrame(ctx context.Context, frameID cdp.FrameID) (*FrameDocument, error) {
	var (
		root        *cdp.Node
		axNodes     []*accessibility.Node
		docs        []*domsnapshot.DocumentSnapshot
		stringTable []string
		dpr         = 1.0
	)
	err := s.sess.FrameRun(ctx, frameID, chromedp.ActionFunc(func(c context.Context) error {
		var err error
		root, err = cdpdom.GetDocument().WithDepth(-1).WithPierce(true).Do(c)
		if err != nil {
			return fmt.Errorf("failed to fetch frame document: %w", err)
		}
		if axNodes, err = accessibility.GetFullAXTree().Do(c); err != nil {
			s.logger.Debug("Frame accessibility fetch degraded.",
				zap.String("frame_id", string(frameID)),
				zap.Error(err),
			)
			axNodes = nil
		}
		if docs, stringTable, err = domsnapshot.CaptureSnapshot(capturedStyles).
			WithIncludeDOMRects(true).
			WithIncludePaintOrder(true).
			Do(c); err != nil {
			s.logger.Debug("Frame snapshot fetch degraded.",
				zap.String("frame_id", string(frameID)),
				zap.Error(err),
			)
			docs, stringTable = nil, nil
		}
		if evalErr := chromedp.Evaluate("window.devicePixelRatio", &dpr).Do(c); evalErr != nil {
			dpr = 1.0
		}
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve frame %s: %w", frameID, err)
	}

	ax := NewAXLookup()
	ax.Merge(axNodes)
	return &FrameDocument{
		Root:     root,
		AX:       ax,
		Snapshot: NewSnapshotIndex(docs, stringTable, dpr),
	}, nil
}

func collectFrameIDs(tree *page.FrameTree, out []cdp.FrameID) []cdp.FrameID {
	if tree == nil || tree.Frame == nil {
		return out
	}
	out = append(out, tree.Frame.ID)
	for _, child := range tree.ChildFrames {
		out = collectFrameIDs(child, out)
	}
	return out
}
