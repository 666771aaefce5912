package dom

import (
	"github.com/chromedp/cdproto/accessibility"
	"github.com/chromedp/cdproto/cdp"
	json "github.com/json-iterator/go"
)

// AXLookup joins accessibility tree nodes, possibly fetched from several
// frames of one target, into a backend node id keyed table. Property names
// are kept as plain strings and values are decoded once here, so the
// classifier never touches raw protocol payloads.
type AXLookup struct {
	data map[cdp.BackendNodeID]*AXData
}

// NewAXLookup returns an empty lookup ready for Merge.
func NewAXLookup() *AXLookup {
	return &AXLookup{data: make(map[cdp.BackendNodeID]*AXData)}
}

// Merge folds one getFullAXTree result into the lookup. Nodes without a
// backend DOM node id are skipped; on collision the first entry wins, since
// per-frame fetches should never disagree about the same node.
func (l *AXLookup) Merge(nodes []*accessibility.Node) {
	for _, n := range nodes {
		if n == nil || n.BackendDOMNodeID == 0 {
			continue
		}
		if _, exists := l.data[n.BackendDOMNodeID]; exists {
			continue
		}
		l.data[n.BackendDOMNodeID] = convertAXNode(n)
	}
}

// Data returns the accessibility facts for a backend node id.
func (l *AXLookup) Data(id cdp.BackendNodeID) (*AXData, bool) {
	if l == nil || id == 0 {
		return nil, false
	}
	d, ok := l.data[id]
	return d, ok
}

// Len returns the number of joined accessibility nodes.
func (l *AXLookup) Len() int {
	if l == nil {
		return 0
	}
	return len(l.data)
}

func convertAXNode(n *accessibility.Node) *AXData {
	d := &AXData{
		Role:        axValueString(n.Role),
		Name:        axValueString(n.Name),
		Description: axValueString(n.Description),
		Ignored:     n.Ignored,
	}
	for _, p := range n.Properties {
		if p == nil {
			continue
		}
		// Presence matters even when the value fails to decode: tristate
		// properties like "checked" signal interactivity by existing.
		d.Properties = append(d.Properties, AXProperty{
			Name:  string(p.Name),
			Value: decodeAXValue(p.Value),
		})
	}
	return d
}

// decodeAXValue unwraps the raw JSON payload of an AXValue into a Go
// scalar (bool, string, float64) or nil when absent/undecodable.
func decodeAXValue(v *accessibility.Value) any {
	if v == nil || len(v.Value) == 0 {
		return nil
	}
	var out any
	if err := json.Unmarshal([]byte(v.Value), &out); err != nil {
		return nil
	}
	return out
}

func axValueString(v *accessibility.Value) string {
	s, _ := decodeAXValue(v).(string)
	return s
}
