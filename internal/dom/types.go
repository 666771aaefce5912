// Package dom merges the three CDP views of a live page - the DOM node
// graph, the accessibility tree and the layout snapshot - into a single
// geometry-aware tree, decides which nodes are visible and interactive,
// and serializes the result into the compact indexed form an LLM agent
// acts on.
package dom

import (
	"strings"

	"github.com/chromedp/cdproto/cdp"
)

// NodeKind discriminates the closed set of node shapes the engine models.
type NodeKind uint8

const (
	KindElement NodeKind = iota
	KindText
	KindDocument
	KindShadowRoot
)

func (k NodeKind) String() string {
	switch k {
	case KindElement:
		return "element"
	case KindText:
		return "text"
	case KindDocument:
		return "document"
	case KindShadowRoot:
		return "shadow-root"
	default:
		return "unknown"
	}
}

// Point is a 2D offset in CSS pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Add returns p translated by q.
func (p Point) Add(q Point) Point { return Point{X: p.X + q.X, Y: p.Y + q.Y} }

// Sub returns p translated by -q.
func (p Point) Sub(q Point) Point { return Point{X: p.X - q.X, Y: p.Y - q.Y} }

// Rect is an axis-aligned rectangle in CSS pixels.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Area returns the rectangle's area. Zero or negative dimensions yield 0.
func (r Rect) Area() float64 {
	if r.Width <= 0 || r.Height <= 0 {
		return 0
	}
	return r.Width * r.Height
}

// Origin returns the rectangle's top-left corner.
func (r Rect) Origin() Point { return Point{X: r.X, Y: r.Y} }

// Translate returns a copy of r shifted by the given offset.
func (r Rect) Translate(off Point) Rect {
	return Rect{X: r.X + off.X, Y: r.Y + off.Y, Width: r.Width, Height: r.Height}
}

// Intersects reports whether r and other share any area.
func (r Rect) Intersects(other Rect) bool {
	return r.X < other.X+other.Width &&
		r.X+r.Width > other.X &&
		r.Y < other.Y+other.Height &&
		r.Y+r.Height > other.Y
}

// Intersection returns the overlapping region of r and other, and whether
// any overlap exists.
func (r Rect) Intersection(other Rect) (Rect, bool) {
	x1 := max(r.X, other.X)
	y1 := max(r.Y, other.Y)
	x2 := min(r.X+r.Width, other.X+other.Width)
	y2 := min(r.Y+r.Height, other.Y+other.Height)
	if x2 <= x1 || y2 <= y1 {
		return Rect{}, false
	}
	return Rect{X: x1, Y: y1, Width: x2 - x1, Height: y2 - y1}, true
}

// AXProperty is one entry of an accessibility node's ordered property list.
// Value holds the decoded payload: bool, string or float64 depending on the
// property.
type AXProperty struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// AXData carries the accessibility facts for one backend node id.
type AXData struct {
	Role        string       `json:"role,omitempty"`
	Name        string       `json:"name,omitempty"`
	Description string       `json:"description,omitempty"`
	Ignored     bool         `json:"ignored,omitempty"`
	Properties  []AXProperty `json:"properties,omitempty"`
}

// Property returns the decoded value of the named property and whether it is
// present.
func (a *AXData) Property(name string) (any, bool) {
	if a == nil {
		return nil, false
	}
	for _, p := range a.Properties {
		if p.Name == name {
			return p.Value, true
		}
	}
	return nil, false
}

// BoolProperty returns the named property interpreted as a bool. The second
// return reports presence, not truth.
func (a *AXData) BoolProperty(name string) (bool, bool) {
	v, ok := a.Property(name)
	if !ok {
		return false, false
	}
	b, isBool := v.(bool)
	return b && isBool, true
}

// SnapshotFacts holds the layout/style facts captured for one backend node
// id in a single DOMSnapshot pass. All geometry is in CSS pixels, relative
// to the node's own document.
type SnapshotFacts struct {
	Bounds       *Rect   `json:"bounds,omitempty"`
	Display      string  `json:"display,omitempty"`
	Visibility   string  `json:"visibility,omitempty"`
	Opacity      float64 `json:"opacity"`
	Cursor       string  `json:"cursor,omitempty"`
	PaintOrder   int64   `json:"paintOrder,omitempty"`
	ClientRect   *Rect   `json:"clientRect,omitempty"`
	ScrollRect   *Rect   `json:"scrollRect,omitempty"`
	ScrollOffset *Point  `json:"scrollOffset,omitempty"`
	Clickable    bool    `json:"clickable,omitempty"`
	Scrollable   bool    `json:"scrollable,omitempty"`
	TextValue    string  `json:"textValue,omitempty"`
	InputValue   string  `json:"inputValue,omitempty"`
}

// EnhancedNode is the unified entity produced by the tree builder: one raw
// DOM node joined with its accessibility and layout facts plus the derived
// geometry and visibility state. Nodes are built fresh per observation and
// never mutated afterwards.
type EnhancedNode struct {
	Kind       NodeKind          `json:"kind"`
	NodeID     cdp.NodeID        `json:"nodeId"`
	BackendID  cdp.BackendNodeID `json:"backendNodeId"`
	Tag        string            `json:"tag,omitempty"`
	Value      string            `json:"value,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	FrameID    cdp.FrameID       `json:"frameId,omitempty"`

	AX       *AXData        `json:"ax,omitempty"`
	Snapshot *SnapshotFacts `json:"snapshot,omitempty"`

	// AbsolutePosition is the node's snapshot bounds translated into
	// top-level viewport coordinates by the builder's offset accumulation.
	// Nil when the node has no layout.
	AbsolutePosition *Rect `json:"absolutePosition,omitempty"`

	Visible        bool `json:"visible"`
	Scrollable     bool `json:"scrollable,omitempty"`
	DepthTruncated bool `json:"depthTruncated,omitempty"`

	Parent          *EnhancedNode   `json:"-"`
	Children        []*EnhancedNode `json:"children,omitempty"`
	ContentDocument *EnhancedNode   `json:"contentDocument,omitempty"`
	ShadowRoots     []*EnhancedNode `json:"shadowRoots,omitempty"`

	// ElementIndex is assigned by the serializer to nodes it selects for
	// the selector map; nil for every other node.
	ElementIndex *int `json:"elementIndex,omitempty"`
}

// Attr returns the named attribute value and whether it is present. Only
// element nodes carry attributes.
func (n *EnhancedNode) Attr(name string) (string, bool) {
	if n == nil || n.Attributes == nil {
		return "", false
	}
	v, ok := n.Attributes[name]
	return v, ok
}

// HasAttr reports whether the named attribute is present, regardless of its
// value.
func (n *EnhancedNode) HasAttr(name string) bool {
	_, ok := n.Attr(name)
	return ok
}

// IsElement reports whether the node is an element.
func (n *EnhancedNode) IsElement() bool { return n != nil && n.Kind == KindElement }

// IsIFrame reports whether the node is an <iframe> element.
func (n *EnhancedNode) IsIFrame() bool { return n.IsElement() && n.Tag == "iframe" }

// IsFrameRoot reports whether the node is an <html> element owning a frame.
func (n *EnhancedNode) IsFrameRoot() bool {
	return n.IsElement() && n.Tag == "html" && n.FrameID != ""
}

// Role returns the node's effective role: the explicit role attribute when
// set, otherwise the accessibility role.
func (n *EnhancedNode) Role() string {
	if n == nil {
		return ""
	}
	if r, ok := n.Attr("role"); ok && r != "" {
		return r
	}
	if n.AX != nil {
		return n.AX.Role
	}
	return ""
}

// AccessibleName returns the accessibility name computed for the node, or
// the aria-label attribute when no AX record exists.
func (n *EnhancedNode) AccessibleName() string {
	if n == nil {
		return ""
	}
	if n.AX != nil && n.AX.Name != "" {
		return n.AX.Name
	}
	if v, ok := n.Attr("aria-label"); ok {
		return v
	}
	return ""
}

// InnerText collects the text content of the node's descendants, normalized
// to single spaces and truncated to limit runes (0 means no limit). Script
// and style subtrees are skipped.
func (n *EnhancedNode) InnerText(limit int) string {
	if n == nil {
		return ""
	}
	var parts []string
	var walk func(node *EnhancedNode)
	walk = func(node *EnhancedNode) {
		if node == nil {
			return
		}
		if node.Kind == KindElement {
			switch node.Tag {
			case "script", "style", "noscript", "template":
				return
			}
		}
		if node.Kind == KindText {
			if t := strings.TrimSpace(node.Value); t != "" {
				parts = append(parts, t)
			}
			return
		}
		for _, sr := range node.ShadowRoots {
			walk(sr)
		}
		for _, c := range node.Children {
			walk(c)
		}
	}
	walk(n)
	text := strings.Join(parts, " ")
	text = strings.Join(strings.Fields(text), " ")
	return truncateText(text, limit)
}

// Bounds returns the node's snapshot bounds, or nil when it has no layout.
func (n *EnhancedNode) Bounds() *Rect {
	if n == nil || n.Snapshot == nil {
		return nil
	}
	return n.Snapshot.Bounds
}

// descendantCount returns the number of nodes in the subtree rooted at n,
// excluding n itself.
func (n *EnhancedNode) descendantCount() int {
	if n == nil {
		return 0
	}
	count := 0
	if n.ContentDocument != nil {
		count += 1 + n.ContentDocument.descendantCount()
	}
	for _, sr := range n.ShadowRoots {
		count += 1 + sr.descendantCount()
	}
	for _, c := range n.Children {
		count += 1 + c.descendantCount()
	}
	return count
}
