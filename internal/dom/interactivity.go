package dom

import "strings"

// interactiveTags always interact regardless of geometry.
var interactiveTags = map[string]bool{
	"button": true, "input": true, "select": true, "textarea": true,
	"a": true, "label": true, "details": true, "summary": true,
	"option": true, "optgroup": true,
}

// interactiveRoles are ARIA roles that imply interactivity whether they
// arrive as a role attribute or through the accessibility tree.
var interactiveRoles = map[string]bool{
	"button": true, "link": true, "menuitem": true, "option": true,
	"radio": true, "checkbox": true, "tab": true, "textbox": true,
	"combobox": true, "slider": true, "spinbutton": true, "search": true,
	"searchbox": true, "listbox": true,
}

// handlerAttrs betray scripted interaction when present, value ignored.
var handlerAttrs = []string{
	"onclick", "onmousedown", "onmouseup", "onkeydown", "onkeyup", "tabindex",
}

// affordanceHints are substrings of class/id/data-* values that mark search
// boxes and icon affordances regardless of the element's size.
var affordanceHints = []string{
	"search", "magnify", "lookup", "find", "query", "icon",
}

// iconHintAttrs qualify icon-sized elements (rule 9) as interactive.
var iconHintAttrs = []string{"class", "role", "onclick", "data-action", "aria-label"}

const (
	iconSizeMin        = 10.0
	iconSizeMax        = 50.0
	largeIFrameMinSize = 100.0
)

// InteractivityClassifier scores one built node as interactive or not. It
// is pure and side-effect free, so the serializer can re-run it without
// protocol access. Rules are ordered; the first match wins.
type InteractivityClassifier struct{}

// IsInteractive classifies node. Interactivity is independent of
// visibility: only the icon-size rule consults geometry, so a 0x0 node can
// still be judged interactive (invisible clickable overlays).
func (c InteractivityClassifier) IsInteractive(n *EnhancedNode) bool {
	// Rule 1: only elements interact.
	if !n.IsElement() {
		return false
	}

	// Rule 2: structural roots never do.
	if n.Tag == "html" || n.Tag == "body" {
		return false
	}

	// Rule 3: large iframes are navigable content surfaces. Small ones
	// fall through to the remaining rules.
	if c.isLargeIFrame(n) {
		return true
	}

	// Rule 4: search/icon affordances by attribute value substring.
	if hasAffordanceHint(n) {
		return true
	}

	// Rule 5: the accessibility tree both vetoes and volunteers.
	if verdict, decided := axVerdict(n); decided {
		return verdict
	}

	// Rule 6: natively interactive tags.
	if interactiveTags[n.Tag] {
		return true
	}

	// Rule 7: scripted handlers or keyboard reachability.
	for _, attr := range handlerAttrs {
		if n.HasAttr(attr) {
			return true
		}
	}

	// Rule 8: interactive ARIA role, explicit or computed.
	if interactiveRoles[n.Role()] {
		return true
	}

	// Rule 9: icon-sized elements with at least one authored hint.
	if isHintedIcon(n) {
		return true
	}

	// Rule 10: the page styled a pointer cursor onto it.
	if n.Snapshot != nil && n.Snapshot.Cursor == "pointer" {
		return true
	}

	// Rule 11: nothing claimed it.
	return false
}

// isLargeIFrame implements rule 3's size gate.
func (InteractivityClassifier) isLargeIFrame(n *EnhancedNode) bool {
	if !n.IsIFrame() {
		return false
	}
	b := n.Bounds()
	return b != nil && b.Width > largeIFrameMinSize && b.Height > largeIFrameMinSize
}

func hasAffordanceHint(n *EnhancedNode) bool {
	for name, value := range n.Attributes {
		if name != "class" && name != "id" && !strings.HasPrefix(name, "data-") {
			continue
		}
		lower := strings.ToLower(value)
		for _, hint := range affordanceHints {
			if strings.Contains(lower, hint) {
				return true
			}
		}
	}
	return false
}

// axVerdict applies rule 5. The first return is the verdict, the second
// whether the rule decided at all. Disabled/hidden veto before anything can
// volunteer.
func axVerdict(n *EnhancedNode) (bool, bool) {
	if v, ok := n.Attr("aria-disabled"); ok && strings.EqualFold(v, "true") {
		return false, true
	}
	if n.HasAttr("disabled") {
		return false, true
	}
	ax := n.AX
	if ax == nil {
		return false, false
	}
	for _, name := range []string{"disabled", "hidden"} {
		if v, ok := ax.BoolProperty(name); ok && v {
			return false, true
		}
	}
	for _, name := range []string{"focusable", "editable", "settable"} {
		if v, ok := ax.BoolProperty(name); ok && v {
			return true, true
		}
	}
	for _, name := range []string{"checked", "expanded", "pressed", "selected"} {
		if _, ok := ax.Property(name); ok {
			return true, true
		}
	}
	for _, name := range []string{"required", "autocomplete"} {
		if v, ok := ax.Property(name); ok && truthyAXValue(v) {
			return true, true
		}
	}
	if v, ok := ax.Property("keyshortcuts"); ok {
		if s, isStr := v.(string); isStr && s != "" {
			return true, true
		}
	}
	return false, false
}

func isHintedIcon(n *EnhancedNode) bool {
	b := n.Bounds()
	if b == nil {
		return false
	}
	if b.Width < iconSizeMin || b.Width > iconSizeMax ||
		b.Height < iconSizeMin || b.Height > iconSizeMax {
		return false
	}
	for _, attr := range iconHintAttrs {
		if n.HasAttr(attr) {
			return true
		}
	}
	return false
}

// truthyAXValue interprets a decoded AX property value as a boolean signal.
// Strings like "false" and "none" count as absent.
func truthyAXValue(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && !strings.EqualFold(t, "false") && !strings.EqualFold(t, "none")
	case float64:
		return t != 0
	default:
		return false
	}
}
