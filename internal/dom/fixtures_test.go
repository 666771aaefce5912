package dom

// Test fixtures are assembled from real markup: x/net/html parses the
// source and the result is converted into the node shape DOM.getDocument
// returns, so tests exercise the same input surface the protocol produces.

import (
	"strconv"
	"strings"
	"testing"

	"github.com/chromedp/cdproto/accessibility"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/domsnapshot"
	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// fixtureIDs hands out node and backend ids from one counter so documents
// assembled into a single fixture never collide.
type fixtureIDs struct{ next int64 }

func (f *fixtureIDs) grab() (cdp.NodeID, cdp.BackendNodeID) {
	f.next++
	return cdp.NodeID(f.next), cdp.BackendNodeID(f.next)
}

// parseDocument converts markup into a protocol-shaped document node.
// frameID is stamped on the document the way the DOM domain does for every
// document it returns.
func parseDocument(t *testing.T, ids *fixtureIDs, frameID string, src string) *cdp.Node {
	t.Helper()
	parsed, err := html.Parse(strings.NewReader(src))
	require.NoError(t, err)
	doc := convertFixtureNode(ids, parsed)
	require.NotNil(t, doc)
	doc.FrameID = cdp.FrameID(frameID)
	return doc
}

func convertFixtureNode(ids *fixtureIDs, n *html.Node) *cdp.Node {
	var out *cdp.Node
	switch n.Type {
	case html.DocumentNode:
		nodeID, backendID := ids.grab()
		out = &cdp.Node{
			NodeID:        nodeID,
			BackendNodeID: backendID,
			NodeType:      cdp.NodeTypeDocument,
			NodeName:      "#document",
		}
	case html.ElementNode:
		nodeID, backendID := ids.grab()
		out = &cdp.Node{
			NodeID:        nodeID,
			BackendNodeID: backendID,
			NodeType:      cdp.NodeTypeElement,
			NodeName:      strings.ToUpper(n.Data),
		}
		for _, a := range n.Attr {
			out.Attributes = append(out.Attributes, a.Key, a.Val)
		}
	case html.TextNode:
		if strings.TrimSpace(n.Data) == "" {
			return nil
		}
		nodeID, backendID := ids.grab()
		out = &cdp.Node{
			NodeID:        nodeID,
			BackendNodeID: backendID,
			NodeType:      cdp.NodeTypeText,
			NodeName:      "#text",
			NodeValue:     n.Data,
		}
	default:
		return nil
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if child := convertFixtureNode(ids, c); child != nil {
			out.Children = append(out.Children, child)
		}
	}
	out.ChildNodeCount = int64(len(out.Children))
	return out
}

// attachFrame marks iframe as the owner of frameID and, when childDoc is
// given, wires it in as a pierced same-process content document.
func attachFrame(t *testing.T, iframe *cdp.Node, frameID string, childDoc *cdp.Node) {
	t.Helper()
	require.Equal(t, "IFRAME", iframe.NodeName, "fixture misuse: frame owner must be an iframe")
	iframe.FrameID = cdp.FrameID(frameID)
	if childDoc != nil {
		if childDoc.FrameID == "" {
			childDoc.FrameID = cdp.FrameID(frameID)
		}
		iframe.ContentDocument = childDoc
	}
}

// attachShadow parses fragment markup into an open shadow root under host
// and returns the fragment node.
func attachShadow(t *testing.T, ids *fixtureIDs, host *cdp.Node, src string) *cdp.Node {
	t.Helper()
	fragCtx := &html.Node{Type: html.ElementNode, DataAtom: atom.Div, Data: "div"}
	parsed, err := html.ParseFragment(strings.NewReader(src), fragCtx)
	require.NoError(t, err)

	nodeID, backendID := ids.grab()
	root := &cdp.Node{
		NodeID:         nodeID,
		BackendNodeID:  backendID,
		NodeType:       cdp.NodeTypeDocumentFragment,
		NodeName:       "#document-fragment",
		ShadowRootType: cdp.ShadowRootTypeOpen,
	}
	for _, f := range parsed {
		if child := convertFixtureNode(ids, f); child != nil {
			root.Children = append(root.Children, child)
		}
	}
	root.ChildNodeCount = int64(len(root.Children))
	host.ShadowRoots = append(host.ShadowRoots, root)
	return root
}

// findRaw returns the first raw node with the given name in pre-order,
// piercing content documents and shadow roots.
func findRaw(n *cdp.Node, name string) *cdp.Node {
	if n == nil {
		return nil
	}
	if strings.EqualFold(n.NodeName, name) {
		return n
	}
	if r := findRaw(n.ContentDocument, name); r != nil {
		return r
	}
	for _, s := range n.ShadowRoots {
		if r := findRaw(s, name); r != nil {
			return r
		}
	}
	for _, c := range n.Children {
		if r := findRaw(c, name); r != nil {
			return r
		}
	}
	return nil
}

// findBuilt returns the first built element with the given tag, piercing
// frames and shadow roots.
func findBuilt(n *EnhancedNode, tag string) *EnhancedNode {
	return findBuiltFunc(n, func(e *EnhancedNode) bool { return e.Tag == tag })
}

// collectBuilt gathers every built node matching pred, in pre-order.
func collectBuilt(n *EnhancedNode, pred func(*EnhancedNode) bool) []*EnhancedNode {
	var out []*EnhancedNode
	var walk func(*EnhancedNode)
	walk = func(e *EnhancedNode) {
		if e == nil {
			return
		}
		if pred(e) {
			out = append(out, e)
		}
		walk(e.ContentDocument)
		for _, s := range e.ShadowRoots {
			walk(s)
		}
		for _, c := range e.Children {
			walk(c)
		}
	}
	walk(n)
	return out
}

func findBuiltFunc(n *EnhancedNode, pred func(*EnhancedNode) bool) *EnhancedNode {
	if n == nil {
		return nil
	}
	if pred(n) {
		return n
	}
	if r := findBuiltFunc(n.ContentDocument, pred); r != nil {
		return r
	}
	for _, s := range n.ShadowRoots {
		if r := findBuiltFunc(s, pred); r != nil {
			return r
		}
	}
	for _, c := range n.Children {
		if r := findBuiltFunc(c, pred); r != nil {
			return r
		}
	}
	return nil
}

// snapFixture assembles a synthetic captureSnapshot payload one document
// at a time, with the string table deduplicated the way Chrome emits it.
type snapFixture struct {
	strings []string
	lookup  map[string]domsnapshot.StringIndex
	docs    []*domsnapshot.DocumentSnapshot
}

func newSnapFixture() *snapFixture {
	return &snapFixture{lookup: make(map[string]domsnapshot.StringIndex)}
}

func (s *snapFixture) str(v string) domsnapshot.StringIndex {
	if i, ok := s.lookup[v]; ok {
		return i
	}
	i := domsnapshot.StringIndex(len(s.strings))
	s.strings = append(s.strings, v)
	s.lookup[v] = i
	return i
}

func (s *snapFixture) index(dpr float64) *SnapshotIndex {
	return NewSnapshotIndex(s.docs, s.strings, dpr)
}

// addDoc opens one document's parallel arrays. scrollX/scrollY are the
// document-level scroll offsets, in device pixels like everything else in
// the raw payload.
func (s *snapFixture) addDoc(frameID string, scrollX, scrollY float64) *snapDoc {
	d := &snapDoc{
		fix: s,
		doc: &domsnapshot.DocumentSnapshot{
			FrameID:       s.str(frameID),
			ScrollOffsetX: scrollX,
			ScrollOffsetY: scrollY,
			Nodes:         &domsnapshot.NodeTreeSnapshot{},
			Layout:        &domsnapshot.LayoutTreeSnapshot{},
		},
	}
	s.docs = append(s.docs, d.doc)
	return d
}

type snapDoc struct {
	fix *snapFixture
	doc *domsnapshot.DocumentSnapshot
}

// layoutFacts describes one fixture node's layout row. Zero values mean
// the usual defaults: display block, visibility visible, opacity 1, cursor
// auto, scroll and client rects congruent with the bounds.
type layoutFacts struct {
	bounds     Rect
	display    string
	visibility string
	opacity    string
	cursor     string
	paintOrder int64
	scrollRect *Rect
	clientRect *Rect
	rawBounds  domsnapshot.Rectangle // overrides bounds when non-nil, for malformed payloads
	clickable  bool
	textValue  string
	inputValue string
	noLayout   bool
}

// addNode appends one node-table row and, unless noLayout is set, its
// layout row.
func (d *snapDoc) addNode(raw *cdp.Node, f layoutFacts) {
	nodes := d.doc.Nodes
	ni := int64(len(nodes.NodeType))
	nodes.ParentIndex = append(nodes.ParentIndex, -1)
	nodes.NodeType = append(nodes.NodeType, int64(raw.NodeType))
	nodes.NodeName = append(nodes.NodeName, d.fix.str(raw.NodeName))
	nodes.NodeValue = append(nodes.NodeValue, d.fix.str(raw.NodeValue))
	nodes.BackendNodeID = append(nodes.BackendNodeID, raw.BackendNodeID)

	if f.clickable {
		if nodes.IsClickable == nil {
			nodes.IsClickable = &domsnapshot.RareBooleanData{}
		}
		nodes.IsClickable.Index = append(nodes.IsClickable.Index, ni)
	}
	if f.textValue != "" {
		if nodes.TextValue == nil {
			nodes.TextValue = &domsnapshot.RareStringData{}
		}
		nodes.TextValue.Index = append(nodes.TextValue.Index, ni)
		nodes.TextValue.Value = append(nodes.TextValue.Value, d.fix.str(f.textValue))
	}
	if f.inputValue != "" {
		if nodes.InputValue == nil {
			nodes.InputValue = &domsnapshot.RareStringData{}
		}
		nodes.InputValue.Index = append(nodes.InputValue.Index, ni)
		nodes.InputValue.Value = append(nodes.InputValue.Value, d.fix.str(f.inputValue))
	}

	if f.noLayout {
		return
	}
	if f.display == "" {
		f.display = "block"
	}
	if f.visibility == "" {
		f.visibility = "visible"
	}
	if f.opacity == "" {
		f.opacity = "1"
	}
	if f.cursor == "" {
		f.cursor = "auto"
	}
	scroll := Rect{Width: f.bounds.Width, Height: f.bounds.Height}
	if f.scrollRect != nil {
		scroll = *f.scrollRect
	}
	client := Rect{Width: f.bounds.Width, Height: f.bounds.Height}
	if f.clientRect != nil {
		client = *f.clientRect
	}
	bounds := rectangle(f.bounds)
	if f.rawBounds != nil {
		bounds = f.rawBounds
	}

	layout := d.doc.Layout
	layout.NodeIndex = append(layout.NodeIndex, ni)
	layout.Styles = append(layout.Styles, domsnapshot.ArrayOfStrings{
		int64(d.fix.str(f.display)), int64(d.fix.str(f.visibility)),
		int64(d.fix.str(f.opacity)), int64(d.fix.str(f.cursor)),
	})
	layout.Bounds = append(layout.Bounds, bounds)
	layout.Text = append(layout.Text, 0)
	layout.PaintOrders = append(layout.PaintOrders, f.paintOrder)
	layout.ScrollRects = append(layout.ScrollRects, rectangle(scroll))
	layout.ClientRects = append(layout.ClientRects, rectangle(client))
}

func rectangle(r Rect) domsnapshot.Rectangle {
	return domsnapshot.Rectangle{r.X, r.Y, r.Width, r.Height}
}

func rectPtr(r Rect) *Rect { return &r }

// axNode fabricates one accessibility tree node with its values encoded
// the way the protocol delivers them.
func axNode(t *testing.T, backendID cdp.BackendNodeID, role, name string, props map[string]any) *accessibility.Node {
	t.Helper()
	n := &accessibility.Node{
		NodeID:           accessibility.NodeID("ax-" + strconv.FormatInt(int64(backendID), 10)),
		BackendDOMNodeID: backendID,
	}
	if role != "" {
		n.Role = axValue(t, role)
	}
	if name != "" {
		n.Name = axValue(t, name)
	}
	for propName, v := range props {
		n.Properties = append(n.Properties, &accessibility.Property{
			Name:  accessibility.PropertyName(propName),
			Value: axValue(t, v),
		})
	}
	return n
}

// axValue wraps a Go scalar the way the protocol delivers it: raw JSON
// bytes plus the value type tag the decoder insists on.
func axValue(t *testing.T, v any) *accessibility.Value {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	typ := accessibility.ValueTypeString
	switch v.(type) {
	case bool:
		typ = accessibility.ValueTypeBoolean
	case int, int64, float64:
		typ = accessibility.ValueTypeNumber
	}
	return &accessibility.Value{Type: typ, Value: data}
}

// Direct EnhancedNode constructors for classifier and serializer level
// tests that bypass the builder.

func enh(tag string, attrs map[string]string, children ...*EnhancedNode) *EnhancedNode {
	n := &EnhancedNode{Kind: KindElement, Tag: tag, Attributes: attrs}
	for _, c := range children {
		c.Parent = n
		n.Children = append(n.Children, c)
	}
	return n
}

func enhText(v string) *EnhancedNode {
	return &EnhancedNode{Kind: KindText, Value: v}
}

// placed gives the node layout facts at the given viewport rect and marks
// it visible.
func placed(n *EnhancedNode, r Rect) *EnhancedNode {
	abs := r
	n.Snapshot = &SnapshotFacts{
		Bounds:     &r,
		Display:    "block",
		Visibility: "visible",
		Opacity:    1,
	}
	n.AbsolutePosition = &abs
	n.Visible = true
	return n
}

func newTestBuilder(t *testing.T, maxDepth int, resolver FrameResolver) *TreeBuilder {
	t.Helper()
	return NewTreeBuilder(zaptest.NewLogger(t), maxDepth, resolver)
}

func newTestSerializer(t *testing.T) *TreeSerializer {
	t.Helper()
	return NewTreeSerializer(zaptest.NewLogger(t), 0)
}
