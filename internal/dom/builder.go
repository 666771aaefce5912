// internal/dom/builder.go
package dom

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/cdp"
	"go.uber.org/zap"
)

// DefaultMaxFrameDepth bounds how many nested frame documents a single
// build will descend through, the top-level document included.
const DefaultMaxFrameDepth = 10

// FrameDocument is a cross-origin frame's independently fetched state. A
// separate target delivers separate payloads, so the subtree carries its
// own lookups.
type FrameDocument struct {
	Root     *cdp.Node
	AX       *AXLookup
	Snapshot *SnapshotIndex
}

// FrameResolver fetches a frame's own document when the main target's DOM
// graph has no in-process content document for an iframe. Implementations
// talk to the owning browser session; the builder treats the call as
// opaque and degrades the iframe to a leaf on failure.
type FrameResolver interface {
	ResolveFrame(ctx context.Context, frameID cdp.FrameID) (*FrameDocument, error)
}

// TreeBuilder merges one observation's raw payloads into an EnhancedNode
// tree: joining AX and snapshot facts by backend id, accumulating frame
// offsets, guarding against deep or cyclic frame graphs, and computing
// visibility on the way back up.
type TreeBuilder struct {
	logger        *zap.Logger
	visibility    VisibilityEvaluator
	maxFrameDepth int
	resolver      FrameResolver
}

// NewTreeBuilder returns a builder. maxFrameDepth <= 0 selects
// DefaultMaxFrameDepth; resolver may be nil to disable cross-origin
// descent.
func NewTreeBuilder(logger *zap.Logger, maxFrameDepth int, resolver FrameResolver) *TreeBuilder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxFrameDepth <= 0 {
		maxFrameDepth = DefaultMaxFrameDepth
	}
	return &TreeBuilder{
		logger:        logger.Named("tree_builder"),
		maxFrameDepth: maxFrameDepth,
		resolver:      resolver,
	}
}

// buildContext carries one build's mutable state. The memo map lives for
// the whole build; the frame stack, visited set and depth counter are
// maintained per path (pushed on descent, undone on unwind). Nothing here
// escapes the build, so independent builders can run concurrently.
type buildContext struct {
	ctx     context.Context
	ax      *AXLookup
	snap    *SnapshotIndex
	memo    map[cdp.NodeID]*EnhancedNode
	visited map[cdp.FrameID]struct{}
	frames  []*EnhancedNode
	frameID cdp.FrameID
	depth   int
	stats   buildStats
}

type buildStats struct {
	nodes          int
	depthTruncated int
	cycleTruncated int
	resolvedFrames int
}

func (bc *buildContext) pushFrame(n *EnhancedNode) { bc.frames = append(bc.frames, n) }
func (bc *buildContext) popFrame()                 { bc.frames = bc.frames[:len(bc.frames)-1] }

// Build transforms the raw document graph into an enhanced tree. ctx is
// only consulted when cross-origin frame resolution performs I/O; the walk
// itself is pure and bounded by the depth/cycle guards.
func (b *TreeBuilder) Build(ctx context.Context, root *cdp.Node, ax *AXLookup, snap *SnapshotIndex) (*EnhancedNode, error) {
	if root == nil {
		return nil, errors.New("cannot build tree from nil document root")
	}
	if ax == nil {
		ax = NewAXLookup()
	}
	if snap == nil {
		snap = NewSnapshotIndex(nil, nil, 1)
	}
	bc := &buildContext{
		ctx:     ctx,
		ax:      ax,
		snap:    snap,
		memo:    make(map[cdp.NodeID]*EnhancedNode),
		visited: make(map[cdp.FrameID]struct{}),
	}

	node := b.descendFrame(bc, nil, root, Point{})
	if node == nil {
		return nil, fmt.Errorf("document root (node type %d) produced no tree", root.NodeType)
	}

	b.logger.Debug("Enhanced tree built.",
		zap.Int("nodes", bc.stats.nodes),
		zap.Int("depth_truncated", bc.stats.depthTruncated),
		zap.Int("cycle_truncated", bc.stats.cycleTruncated),
		zap.Int("resolved_frames", bc.stats.resolvedFrames),
	)
	return node, nil
}

// descendFrame enters a frame document, enforcing the depth ceiling and the
// per-path frame cycle guard. owner is the embedding iframe (nil for the
// top-level document) and is marked truncated when descent is refused.
func (b *TreeBuilder) descendFrame(bc *buildContext, owner *EnhancedNode, doc *cdp.Node, offset Point) *EnhancedNode {
	if doc == nil {
		return nil
	}
	frameID := doc.FrameID
	if frameID == "" && owner != nil {
		// Frame owner elements carry the child frame's id.
		frameID = owner.FrameID
	}

	if bc.depth+1 > b.maxFrameDepth {
		if owner != nil {
			owner.DepthTruncated = true
		}
		bc.stats.depthTruncated++
		b.logger.Warn("Frame depth ceiling reached, truncating descent.",
			zap.String("frame_id", string(frameID)),
			zap.Int("depth", bc.depth),
		)
		return nil
	}
	if frameID != "" {
		if _, seen := bc.visited[frameID]; seen {
			if owner != nil {
				owner.DepthTruncated = true
			}
			bc.stats.cycleTruncated++
			b.logger.Warn("Frame cycle detected, truncating descent.",
				zap.String("frame_id", string(frameID)),
			)
			return nil
		}
		bc.visited[frameID] = struct{}{}
		defer delete(bc.visited, frameID)
	}

	bc.depth++
	prevFrame := bc.frameID
	bc.frameID = frameID
	defer func() {
		bc.depth--
		bc.frameID = prevFrame
	}()
	return b.buildNode(bc, doc, offset)
}

// buildNode recursively converts one raw node. Memoization keys on the
// protocol's stable NodeID: a repeated id within one build returns the
// identical instance without re-walking its subtree.
func (b *TreeBuilder) buildNode(bc *buildContext, raw *cdp.Node, offset Point) *EnhancedNode {
	if raw == nil {
		return nil
	}
	if cached, ok := bc.memo[raw.NodeID]; ok {
		return cached
	}
	kind, ok := nodeKind(raw)
	if !ok {
		// Comments, doctypes and other shapes the model excludes.
		return nil
	}

	node := &EnhancedNode{
		Kind:      kind,
		NodeID:    raw.NodeID,
		BackendID: raw.BackendNodeID,
		FrameID:   raw.FrameID,
	}
	if node.FrameID == "" {
		// The protocol only stamps frame ids on documents and frame owner
		// elements; everything else belongs to the enclosing frame.
		node.FrameID = bc.frameID
	}
	switch kind {
	case KindElement:
		node.Tag = strings.ToLower(raw.NodeName)
		node.Attributes = attributeMap(raw.Attributes)
	case KindText:
		node.Value = raw.NodeValue
	}
	bc.memo[raw.NodeID] = node
	bc.stats.nodes++

	if ax, ok := bc.ax.Data(raw.BackendNodeID); ok {
		node.AX = ax
	}
	if facts, ok := bc.snap.Facts(raw.BackendNodeID); ok {
		node.Snapshot = facts
		if facts.Bounds != nil {
			abs := facts.Bounds.Translate(offset)
			node.AbsolutePosition = &abs
		}
	}
	node.Scrollable = raw.IsScrollable || (node.Snapshot != nil && node.Snapshot.Scrollable)

	// Frame boundaries adjust the running offset for everything beneath
	// them: an HTML root pulls its content up by the scroll position, an
	// iframe shifts its content document to the iframe's origin.
	framePushed := false
	switch {
	case node.IsFrameRoot():
		bc.pushFrame(node)
		framePushed = true
		if node.Snapshot != nil && node.Snapshot.ScrollOffset != nil {
			offset = offset.Sub(Point{X: node.Snapshot.ScrollOffset.X, Y: node.Snapshot.ScrollOffset.Y})
		}
	case node.IsIFrame():
		bc.pushFrame(node)
		framePushed = true
		if fb := node.Bounds(); fb != nil {
			offset = offset.Add(fb.Origin())
		}
	}

	switch {
	case raw.ContentDocument != nil:
		if child := b.descendFrame(bc, node, raw.ContentDocument, offset); child != nil {
			adoptChild(node, child)
			node.ContentDocument = child
		}
	case node.IsIFrame() && b.resolver != nil && node.FrameID != "":
		b.resolveCrossOriginFrame(bc, node, offset)
	}

	for _, sr := range raw.ShadowRoots {
		if child := b.buildNode(bc, sr, offset); child != nil {
			adoptChild(node, child)
			node.ShadowRoots = append(node.ShadowRoots, child)
		}
	}
	for _, c := range raw.Children {
		if child := b.buildNode(bc, c, offset); child != nil {
			adoptChild(node, child)
			node.Children = append(node.Children, child)
		}
	}

	// A frame boundary node leaves the stack before its own evaluation:
	// the chain it is judged against holds its ancestors, never itself.
	if framePushed {
		bc.popFrame()
	}
	node.Visible = b.visibility.IsVisible(node, bc.frames)
	return node
}

// resolveCrossOriginFrame fetches an out-of-process iframe's document via
// the resolver and builds it with the frame's own lookups. Any failure
// leaves the iframe a leaf.
func (b *TreeBuilder) resolveCrossOriginFrame(bc *buildContext, owner *EnhancedNode, offset Point) {
	if bc.ctx != nil && bc.ctx.Err() != nil {
		return
	}
	fd, err := b.resolver.ResolveFrame(bc.ctx, owner.FrameID)
	if err != nil || fd == nil || fd.Root == nil {
		b.logger.Debug("Cross-origin frame not resolved.",
			zap.String("frame_id", string(owner.FrameID)),
			zap.Error(err),
		)
		return
	}

	prevAX, prevSnap := bc.ax, bc.snap
	if fd.AX != nil {
		bc.ax = fd.AX
	}
	if fd.Snapshot != nil {
		bc.snap = fd.Snapshot
	}
	child := b.descendFrame(bc, owner, fd.Root, offset)
	bc.ax, bc.snap = prevAX, prevSnap

	if child != nil {
		adoptChild(owner, child)
		owner.ContentDocument = child
		bc.stats.resolvedFrames++
	}
}

// adoptChild attaches the parent back-reference, keeping the first parent
// when a memoized node is reached a second time.
func adoptChild(parent, child *EnhancedNode) {
	if child.Parent == nil {
		child.Parent = parent
	}
}

func nodeKind(raw *cdp.Node) (NodeKind, bool) {
	switch raw.NodeType {
	case cdp.NodeTypeElement:
		return KindElement, true
	case cdp.NodeTypeText:
		return KindText, true
	case cdp.NodeTypeDocument:
		return KindDocument, true
	case cdp.NodeTypeDocumentFragment:
		return KindShadowRoot, true
	default:
		return 0, false
	}
}

// attributeMap converts the protocol's flat name/value attribute pairs.
// Names are lowercased; a trailing unpaired name is dropped.
func attributeMap(attrs []string) map[string]string {
	if len(attrs) < 2 {
		return nil
	}
	m := make(map[string]string, len(attrs)/2)
	for i := 0; i+1 < len(attrs); i += 2 {
		m[strings.ToLower(attrs[i])] = attrs[i+1]
	}
	return m
}
