// internal/dom/serializer.go
package dom

import (
	"encoding/binary"
	"fmt"
	"hash"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// SelectorMap is the dense index -> node mapping exposed to the calling
// agent. Indices are 1-based and contiguous in assignment order.
type SelectorMap map[int]*EnhancedNode

// Indices returns the map's indices in ascending order.
func (m SelectorMap) Indices() []int {
	out := make([]int, 0, len(m))
	for i := range m {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// SimplifiedNode is one entry of the presentation tree: the nodes worth
// showing an agent (indexed elements, scroll containers, frame and shadow
// boundaries) with everything else collapsed away.
type SimplifiedNode struct {
	Node        *EnhancedNode
	Children    []*SimplifiedNode
	Interactive bool
	IsNew       bool

	subtreeFP  uint64
	firstIndex int
}

// SerializedDOMState is one observation's agent-facing result: the selector
// map, the simplified tree, the rendered text form, and the fingerprint
// tables that let the next observation mark new elements and reuse
// unchanged render blocks.
type SerializedDOMState struct {
	Root     *SimplifiedNode
	Selector SelectorMap
	Text     string

	fingerprints map[uint64]int
	blocks       map[blockKey]string
}

type blockKey struct {
	fp         uint64
	firstIndex int
	depth      int
}

func (s *SerializedDOMState) hasFingerprint(fp uint64) bool {
	if s == nil {
		return false
	}
	_, ok := s.fingerprints[fp]
	return ok
}

func (s *SerializedDOMState) cachedBlock(key blockKey) (string, bool) {
	if s == nil {
		return "", false
	}
	b, ok := s.blocks[key]
	return b, ok
}

// renderAttrs is the fixed attribute subset shown in the text form, in
// render order.
var renderAttrs = []string{
	"id", "name", "type", "value", "placeholder", "href", "role",
	"aria-label", "title", "alt",
}

const defaultMaxRenderText = 100

var hasherPool = sync.Pool{
	New: func() any { return fnv.New64a() },
}

// TreeSerializer walks a finished enhanced tree, applies the interactivity
// classifier, assigns the deterministic selector map and renders the text
// representation. Serialization never touches the protocol.
type TreeSerializer struct {
	logger        *zap.Logger
	classifier    InteractivityClassifier
	maxRenderText int
}

// NewTreeSerializer returns a serializer. maxRenderText <= 0 selects the
// default per-element text cap.
func NewTreeSerializer(logger *zap.Logger, maxRenderText int) *TreeSerializer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxRenderText <= 0 {
		maxRenderText = defaultMaxRenderText
	}
	return &TreeSerializer{
		logger:        logger.Named("serializer"),
		maxRenderText: maxRenderText,
	}
}

type serializeState struct {
	nextIndex    int
	selector     SelectorMap
	fingerprints map[uint64]int
	blocks       map[blockKey]string
	prev         *SerializedDOMState
	newElements  int
	reusedBlocks int
}

// Serialize assigns element indices and produces the serialized state for
// one observation. Index assignment is always performed fresh on the given
// tree in construction order (content document, shadow roots, children);
// prev only contributes new-element marking and render-block reuse. Two
// calls over an unchanged tree produce byte-identical results.
func (s *TreeSerializer) Serialize(root *EnhancedNode, prev *SerializedDOMState) *SerializedDOMState {
	st := &serializeState{
		selector:     make(SelectorMap),
		fingerprints: make(map[uint64]int),
		blocks:       make(map[blockKey]string),
		prev:         prev,
	}

	simplified := s.visit(st, root)

	out := &SerializedDOMState{
		Root:         simplified,
		Selector:     st.selector,
		fingerprints: st.fingerprints,
		blocks:       st.blocks,
	}
	if simplified != nil {
		var sb strings.Builder
		s.render(st, &sb, simplified, 0)
		out.Text = sb.String()
	}

	s.logger.Debug("Tree serialized.",
		zap.Int("indexed", len(st.selector)),
		zap.Int("new_elements", st.newElements),
		zap.Int("reused_blocks", st.reusedBlocks),
	)
	return out
}

// visit performs the single deterministic walk: classification, index
// assignment, fingerprinting and simplification, bottom up.
func (s *TreeSerializer) visit(st *serializeState, n *EnhancedNode) *SimplifiedNode {
	if n == nil {
		return nil
	}

	interactive := s.classifier.IsInteractive(n)
	selected := interactive && (n.Visible || s.classifier.isLargeIFrame(n))

	index := 0
	if selected {
		st.nextIndex++
		index = st.nextIndex
		idx := index
		n.ElementIndex = &idx
		st.selector[index] = n
	}

	var kids []*SimplifiedNode
	adopt := func(sn *SimplifiedNode) {
		if sn != nil {
			kids = append(kids, sn)
		}
	}
	adopt(s.visit(st, n.ContentDocument))
	for _, sr := range n.ShadowRoots {
		adopt(s.visit(st, sr))
	}
	for _, c := range n.Children {
		adopt(s.visit(st, c))
	}

	boundary := n.IsIFrame() || n.Kind == KindShadowRoot
	keep := selected || boundary || (n.Scrollable && n.Visible)

	if !keep {
		switch len(kids) {
		case 0:
			return nil
		case 1:
			return kids[0]
		}
		// A branching structural node survives as a silent passthrough so
		// sibling order stays readable.
	}

	sn := &SimplifiedNode{
		Node:        n,
		Children:    kids,
		Interactive: interactive,
		firstIndex:  index,
	}
	for _, k := range kids {
		if sn.firstIndex == 0 || (k.firstIndex > 0 && k.firstIndex < sn.firstIndex) {
			sn.firstIndex = k.firstIndex
		}
	}

	elemFP := s.elementFingerprint(n, selected)
	sn.subtreeFP = s.subtreeFingerprint(elemFP, kids)
	if selected {
		st.fingerprints[elemFP] = index
		if st.prev != nil && !st.prev.hasFingerprint(elemFP) {
			sn.IsNew = true
			st.newElements++
		}
	}
	return sn
}

// render produces the text block for one simplified subtree, consulting the
// previous state's block cache. A cached block is only reused when the
// subtree fingerprint, its first assigned index and its depth all match, so
// the embedded indices are guaranteed identical.
func (s *TreeSerializer) render(st *serializeState, sb *strings.Builder, sn *SimplifiedNode, depth int) {
	key := blockKey{fp: sn.subtreeFP, firstIndex: sn.firstIndex, depth: depth}
	if block, ok := st.prev.cachedBlock(key); ok {
		sb.WriteString(block)
		st.blocks[key] = block
		st.reusedBlocks++
		return
	}

	var own strings.Builder
	childDepth := depth
	if line := s.renderLine(sn); line != "" {
		own.WriteString(strings.Repeat("\t", depth))
		own.WriteString(line)
		own.WriteByte('\n')
		childDepth = depth + 1
	}
	for _, k := range sn.Children {
		s.render(st, &own, k, childDepth)
	}

	block := own.String()
	st.blocks[key] = block
	sb.WriteString(block)
}

// renderLine formats one node. Empty means the node is a silent
// passthrough and its children render at the same depth.
func (s *TreeSerializer) renderLine(sn *SimplifiedNode) string {
	n := sn.Node
	switch n.Kind {
	case KindShadowRoot:
		return "#shadow-root"
	case KindDocument:
		return ""
	case KindText:
		return ""
	}

	indexed := n.ElementIndex != nil
	if !indexed && !n.IsIFrame() && !(n.Scrollable && n.Visible) {
		return ""
	}

	var sb strings.Builder
	if indexed {
		if sn.IsNew {
			sb.WriteByte('*')
		}
		sb.WriteByte('[')
		sb.WriteString(strconv.Itoa(*n.ElementIndex))
		sb.WriteByte(']')
	}
	sb.WriteByte('<')
	sb.WriteString(n.Tag)
	for _, attr := range renderAttrs {
		if v, ok := n.Attr(attr); ok && v != "" {
			sb.WriteByte(' ')
			sb.WriteString(attr)
			sb.WriteByte('=')
			sb.WriteString(strconv.Quote(truncateText(v, 80)))
		}
	}
	if n.Scrollable {
		sb.WriteString(scrollHint(n))
	}
	sb.WriteByte('>')

	text := n.InnerText(s.maxRenderText)
	if text == "" {
		text = n.AccessibleName()
	}
	if text != "" {
		sb.WriteString(truncateText(text, s.maxRenderText))
	}
	sb.WriteString("</")
	sb.WriteString(n.Tag)
	sb.WriteByte('>')
	return sb.String()
}

// scrollHint summarizes how much scrollable content sits outside the
// container's viewport.
func scrollHint(n *EnhancedNode) string {
	f := n.Snapshot
	if f == nil || f.ScrollRect == nil || f.ClientRect == nil {
		return " |scroll|"
	}
	var above, below float64
	if f.ScrollOffset != nil {
		above = f.ScrollOffset.Y
	}
	below = f.ScrollRect.Height - f.ClientRect.Height - above
	if above < 0 {
		above = 0
	}
	if below < 0 {
		below = 0
	}
	return fmt.Sprintf(" |scroll: %.0fpx above, %.0fpx below|", above, below)
}

// truncateText caps s at limit runes. Cutting on byte offsets could split
// a multi-byte sequence and hand the agent mangled text.
func truncateText(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

// elementFingerprint hashes one node's identity-relevant state. Everything
// the classifier and visibility evaluation consume participates, so a
// fingerprint match implies the same selection outcome.
func (s *TreeSerializer) elementFingerprint(n *EnhancedNode, selected bool) uint64 {
	h := hasherPool.Get().(hash.Hash64)
	h.Reset()
	defer hasherPool.Put(h)

	writeString := func(v string) {
		h.Write([]byte(v))
		h.Write([]byte{0})
	}

	h.Write([]byte{byte(n.Kind)})
	writeString(n.Tag)
	writeString(n.Value)

	if len(n.Attributes) > 0 {
		keys := make([]string, 0, len(n.Attributes))
		for k := range n.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			writeString(k)
			writeString(n.Attributes[k])
		}
	}

	if n.AX != nil {
		writeString(n.AX.Role)
		writeString(n.AX.Name)
	}
	if n.AbsolutePosition != nil {
		var buf [32]byte
		binary.LittleEndian.PutUint64(buf[0:], uint64(int64(n.AbsolutePosition.X)))
		binary.LittleEndian.PutUint64(buf[8:], uint64(int64(n.AbsolutePosition.Y)))
		binary.LittleEndian.PutUint64(buf[16:], uint64(int64(n.AbsolutePosition.Width)))
		binary.LittleEndian.PutUint64(buf[24:], uint64(int64(n.AbsolutePosition.Height)))
		h.Write(buf[:])
	}

	flags := byte(0)
	if n.Visible {
		flags |= 1
	}
	if n.Scrollable {
		flags |= 2
	}
	if selected {
		flags |= 4
	}
	h.Write([]byte{flags})

	return h.Sum64()
}

// subtreeFingerprint folds the children's fingerprints into the element's,
// Merkle style, preserving order.
func (s *TreeSerializer) subtreeFingerprint(elemFP uint64, kids []*SimplifiedNode) uint64 {
	if len(kids) == 0 {
		return elemFP
	}
	h := hasherPool.Get().(hash.Hash64)
	h.Reset()
	defer hasherPool.Put(h)

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], elemFP)
	h.Write(buf[:])
	for _, k := range kids {
		binary.LittleEndian.PutUint64(buf[:], k.subtreeFP)
		h.Write(buf[:])
	}
	return h.Sum64()
}
