// internal/dom/snapshot.go
package dom

import (
	"strconv"
	"strings"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/domsnapshot"
)

// capturedStyles is the fixed computed-style subset requested from
// DOMSnapshot.captureSnapshot. Index positions are relied on when decoding
// the per-node style arrays, so order matters.
var capturedStyles = []string{"display", "visibility", "opacity", "cursor"}

const (
	styleDisplay = iota
	styleVisibility
	styleOpacity
	styleCursor
)

// SnapshotIndex joins one layout snapshot's parallel arrays into a backend
// node id keyed fact table. Malformed or partial entries are dropped rather
// than reported: a node without facts simply has no geometry downstream.
type SnapshotIndex struct {
	facts map[cdp.BackendNodeID]*SnapshotFacts
}

// NewSnapshotIndex parses the documents of one captureSnapshot payload.
// Bounds and rects are converted from device pixels to CSS pixels by
// dividing by devicePixelRatio; ratios <= 0 are treated as 1.
func NewSnapshotIndex(docs []*domsnapshot.DocumentSnapshot, stringTable []string, devicePixelRatio float64) *SnapshotIndex {
	if devicePixelRatio <= 0 {
		devicePixelRatio = 1
	}
	idx := &SnapshotIndex{facts: make(map[cdp.BackendNodeID]*SnapshotFacts)}
	for _, doc := range docs {
		idx.indexDocument(doc, stringTable, devicePixelRatio)
	}
	return idx
}

// Facts returns the layout/style facts for a backend node id.
func (x *SnapshotIndex) Facts(id cdp.BackendNodeID) (*SnapshotFacts, bool) {
	if x == nil || id == 0 {
		return nil, false
	}
	f, ok := x.facts[id]
	return f, ok
}

// Len returns the number of nodes with captured facts.
func (x *SnapshotIndex) Len() int {
	if x == nil {
		return 0
	}
	return len(x.facts)
}

func (x *SnapshotIndex) indexDocument(doc *domsnapshot.DocumentSnapshot, stringTable []string, dpr float64) {
	if doc == nil || doc.Nodes == nil {
		return
	}
	nodes := doc.Nodes

	str := func(i domsnapshot.StringIndex) string {
		if i < 0 || int(i) >= len(stringTable) {
			return ""
		}
		return stringTable[i]
	}

	// Layout arrays are keyed by their own position; NodeIndex maps each
	// position back to the node table.
	layoutFor := make(map[int64]int)
	if doc.Layout != nil {
		for li, nodeIdx := range doc.Layout.NodeIndex {
			layoutFor[nodeIdx] = li
		}
	}

	clickable := rareBoolSet(nodes.IsClickable)
	textValues := rareStringMap(nodes.TextValue, str)
	inputValues := rareStringMap(nodes.InputValue, str)

	docScroll := Point{X: doc.ScrollOffsetX / dpr, Y: doc.ScrollOffsetY / dpr}
	var htmlBackendID cdp.BackendNodeID

	for i := range nodes.NodeType {
		if i >= len(nodes.BackendNodeID) {
			break
		}
		backendID := nodes.BackendNodeID[i]
		if backendID == 0 {
			continue
		}
		li, laidOut := layoutFor[int64(i)]
		if !laidOut {
			continue
		}

		f := &SnapshotFacts{Opacity: 1}
		layout := doc.Layout

		if li < len(layout.Bounds) {
			f.Bounds = rectFrom(layout.Bounds[li], dpr)
		}
		if li < len(layout.Styles) {
			// Style rows hold raw int64 positions into the string table.
			styles := layout.Styles[li]
			styleAt := func(pos int) string {
				if pos >= len(styles) {
					return ""
				}
				return str(domsnapshot.StringIndex(styles[pos]))
			}
			f.Display = styleAt(styleDisplay)
			f.Visibility = styleAt(styleVisibility)
			if v, err := strconv.ParseFloat(styleAt(styleOpacity), 64); err == nil {
				f.Opacity = v
			}
			f.Cursor = styleAt(styleCursor)
		}
		if len(layout.PaintOrders) > li {
			f.PaintOrder = layout.PaintOrders[li]
		}
		if len(layout.ScrollRects) > li {
			f.ScrollRect = rectFrom(layout.ScrollRects[li], dpr)
		}
		if len(layout.ClientRects) > li {
			f.ClientRect = rectFrom(layout.ClientRects[li], dpr)
		}

		if f.ScrollRect != nil {
			f.ScrollOffset = &Point{X: f.ScrollRect.X, Y: f.ScrollRect.Y}
		}
		if f.ScrollRect != nil && f.ClientRect != nil {
			f.Scrollable = f.ScrollRect.Width > f.ClientRect.Width ||
				f.ScrollRect.Height > f.ClientRect.Height
		}

		f.Clickable = clickable[int64(i)] || f.Cursor == "pointer"
		f.TextValue = textValues[int64(i)]
		f.InputValue = inputValues[int64(i)]

		x.facts[backendID] = f

		if htmlBackendID == 0 && i < len(nodes.NodeName) &&
			strings.EqualFold(str(nodes.NodeName[i]), "html") {
			htmlBackendID = backendID
		}
	}

	// The document's own scroll position lives on the DocumentSnapshot, not
	// in the scrolling root's rects. Attach it to the HTML root so the
	// offset algebra has one place to look.
	if htmlBackendID != 0 {
		if f, ok := x.facts[htmlBackendID]; ok && f.ScrollOffset == nil {
			f.ScrollOffset = &docScroll
		} else if ok && f.ScrollOffset != nil && f.ScrollOffset.X == 0 && f.ScrollOffset.Y == 0 {
			f.ScrollOffset = &docScroll
		}
	}
}

// rectFrom converts a snapshot rectangle ([x, y, w, h] in device pixels) to
// a CSS-pixel Rect. Short arrays yield nil; negative dimensions clamp to 0.
func rectFrom(r domsnapshot.Rectangle, dpr float64) *Rect {
	if len(r) < 4 {
		return nil
	}
	out := &Rect{X: r[0] / dpr, Y: r[1] / dpr, Width: r[2] / dpr, Height: r[3] / dpr}
	if out.Width < 0 {
		out.Width = 0
	}
	if out.Height < 0 {
		out.Height = 0
	}
	return out
}

func rareBoolSet(d *domsnapshot.RareBooleanData) map[int64]bool {
	out := make(map[int64]bool)
	if d == nil {
		return out
	}
	for _, i := range d.Index {
		out[i] = true
	}
	return out
}

func rareStringMap(d *domsnapshot.RareStringData, str func(domsnapshot.StringIndex) string) map[int64]string {
	out := make(map[int64]string)
	if d == nil {
		return out
	}
	for pos, i := range d.Index {
		if pos < len(d.Value) {
			out[i] = str(d.Value[pos])
		}
	}
	return out
}
