package dom

// VisibilityEvaluator decides whether a built node is truly on screen,
// projecting its document-relative bounds outward through every enclosing
// frame. It is stateless; one instance is shared per build.
type VisibilityEvaluator struct{}

// IsVisible reports whether node is visible given its ancestor-frame chain,
// ordered outermost to innermost. The chain alternates HTML frame roots and
// the iframe elements that embed them, as collected by the tree builder on
// the path to node.
//
// The walk runs innermost to outermost: an HTML-root entry subtracts its
// scroll offset to reach viewport coordinates and clips against its client
// rect; an iframe entry translates the running rect by its bounds origin to
// re-express it in the parent document's coordinates. A node survives the
// whole chain or it is not visible.
func (VisibilityEvaluator) IsVisible(node *EnhancedNode, ancestorFrames []*EnhancedNode) bool {
	if node == nil || node.Snapshot == nil {
		return false
	}
	facts := node.Snapshot
	if facts.Display == "none" || facts.Visibility == "hidden" || facts.Opacity <= 0 {
		return false
	}
	if facts.Bounds == nil || facts.Bounds.Area() == 0 {
		return false
	}

	rect := *facts.Bounds
	for i := len(ancestorFrames) - 1; i >= 0; i-- {
		frame := ancestorFrames[i]
		switch {
		case frame.IsFrameRoot():
			ff := frame.Snapshot
			if ff == nil {
				continue
			}
			if ff.ScrollOffset != nil {
				rect = rect.Translate(Point{X: -ff.ScrollOffset.X, Y: -ff.ScrollOffset.Y})
			}
			if ff.ClientRect != nil {
				viewport := Rect{Width: ff.ClientRect.Width, Height: ff.ClientRect.Height}
				if !rect.Intersects(viewport) {
					return false
				}
			}
		case frame.IsIFrame():
			if fb := frame.Bounds(); fb != nil {
				rect = rect.Translate(fb.Origin())
			}
		}
	}
	return true
}
