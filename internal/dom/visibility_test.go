package dom

import (
	"testing"

	"github.com/chromedp/cdproto/cdp"
	"github.com/stretchr/testify/assert"
)

// frameRoot fabricates the HTML root of a frame with the given viewport
// and scroll position, the shape the builder pushes onto its frame stack.
func frameRoot(frameID string, viewport Rect, scroll Point) *EnhancedNode {
	n := enh("html", nil)
	n.FrameID = cdp.FrameID(frameID)
	n.Snapshot = &SnapshotFacts{
		Bounds:       &Rect{Width: viewport.Width, Height: viewport.Height},
		Display:      "block",
		Visibility:   "visible",
		Opacity:      1,
		ClientRect:   &viewport,
		ScrollOffset: &scroll,
	}
	return n
}

func TestIsVisible_StyleRejections(t *testing.T) {
	var eval VisibilityEvaluator
	box := Rect{X: 10, Y: 10, Width: 100, Height: 20}

	tests := []struct {
		name    string
		mutate  func(*SnapshotFacts)
		visible bool
	}{
		{"plain", func(f *SnapshotFacts) {}, true},
		{"display none", func(f *SnapshotFacts) { f.Display = "none" }, false},
		{"visibility hidden", func(f *SnapshotFacts) { f.Visibility = "hidden" }, false},
		{"opacity zero", func(f *SnapshotFacts) { f.Opacity = 0 }, false},
		{"faint but visible", func(f *SnapshotFacts) { f.Opacity = 0.01 }, true},
		{"no bounds", func(f *SnapshotFacts) { f.Bounds = nil }, false},
		{"zero area", func(f *SnapshotFacts) { f.Bounds = &Rect{X: 10, Y: 10} }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := placed(enh("div", nil), box)
			tt.mutate(n.Snapshot)
			assert.Equal(t, tt.visible, eval.IsVisible(n, nil))
		})
	}

	assert.False(t, eval.IsVisible(nil, nil))
	assert.False(t, eval.IsVisible(enh("div", nil), nil), "no layout means not rendered")
}

func TestIsVisible_ScrollMovesNodesIntoView(t *testing.T) {
	var eval VisibilityEvaluator

	node := placed(enh("button", nil), Rect{X: 0, Y: 1000, Width: 120, Height: 30})

	unscrolled := []*EnhancedNode{frameRoot("F-top", Rect{Width: 800, Height: 600}, Point{})}
	assert.False(t, eval.IsVisible(node, unscrolled), "below the fold")

	scrolled := []*EnhancedNode{frameRoot("F-top", Rect{Width: 800, Height: 600}, Point{Y: 500})}
	assert.True(t, eval.IsVisible(node, scrolled), "scrolling brings it into the viewport")

	past := []*EnhancedNode{frameRoot("F-top", Rect{Width: 800, Height: 600}, Point{Y: 1100})}
	assert.False(t, eval.IsVisible(node, past), "scrolling past hides it again")
}

func TestIsVisible_PartialOverlapCounts(t *testing.T) {
	var eval VisibilityEvaluator
	frames := []*EnhancedNode{frameRoot("F-top", Rect{Width: 800, Height: 600}, Point{})}

	straddling := placed(enh("div", nil), Rect{X: 790, Y: 10, Width: 80, Height: 30})
	assert.True(t, eval.IsVisible(straddling, frames))

	outside := placed(enh("div", nil), Rect{X: 800, Y: 10, Width: 80, Height: 30})
	assert.False(t, eval.IsVisible(outside, frames), "touching the edge from outside is not overlap")
}

func TestIsVisible_IFrameChainProjection(t *testing.T) {
	var eval VisibilityEvaluator

	node := placed(enh("a", nil), Rect{X: 10, Y: 10, Width: 80, Height: 30})
	inner := frameRoot("F-inner", Rect{Width: 200, Height: 200}, Point{})

	onScreen := placed(enh("iframe", nil), Rect{X: 300, Y: 100, Width: 200, Height: 200})
	frames := []*EnhancedNode{
		frameRoot("F-top", Rect{Width: 800, Height: 600}, Point{}),
		onScreen,
		inner,
	}
	assert.True(t, eval.IsVisible(node, frames))

	// The same node is invisible when its iframe sits past the outer
	// viewport's right edge.
	offScreen := placed(enh("iframe", nil), Rect{X: 900, Y: 100, Width: 200, Height: 200})
	frames[1] = offScreen
	assert.False(t, eval.IsVisible(node, frames))
}

func TestIsVisible_ClippedByInnerFrameViewport(t *testing.T) {
	var eval VisibilityEvaluator

	// Inside a 200x200 frame, a node at x=300 is clipped out before the
	// outer chain is ever consulted.
	node := placed(enh("span", nil), Rect{X: 300, Y: 10, Width: 50, Height: 20})
	frames := []*EnhancedNode{
		frameRoot("F-top", Rect{Width: 800, Height: 600}, Point{}),
		placed(enh("iframe", nil), Rect{X: 0, Y: 0, Width: 200, Height: 200}),
		frameRoot("F-inner", Rect{Width: 200, Height: 200}, Point{}),
	}
	assert.False(t, eval.IsVisible(node, frames))

	// Scrolling the inner frame sideways reveals it.
	frames[2] = frameRoot("F-inner", Rect{Width: 200, Height: 200}, Point{X: 200})
	assert.True(t, eval.IsVisible(node, frames))
}

func TestIsVisible_ToleratesBareFrameEntries(t *testing.T) {
	var eval VisibilityEvaluator

	node := placed(enh("div", nil), Rect{X: 10, Y: 10, Width: 50, Height: 20})

	bareRoot := enh("html", nil)
	bareRoot.FrameID = "F-x"
	bareIFrame := enh("iframe", nil)

	frames := []*EnhancedNode{bareRoot, bareIFrame}
	assert.True(t, eval.IsVisible(node, frames), "frames without layout cannot clip")
}
