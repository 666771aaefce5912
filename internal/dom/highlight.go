package dom

import (
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/chromedp"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// highlightScript paints one fixed-position box per mapped element. The
// container id doubles as the removal handle.
const highlightScript = `(function(boxes) {
	const id = "__domatlas_highlights";
	const prev = document.getElementById(id);
	if (prev) prev.remove();
	const palette = ["#e6194b", "#3cb44b", "#dba400", "#4363d8", "#f58231", "#911eb4", "#46f0f0", "#f032e6"];
	const container = document.createElement("div");
	container.id = id;
	container.style.cssText = "position:fixed;inset:0;pointer-events:none;z-index:2147483647;";
	for (const box of boxes) {
		const color = palette[box.index % palette.length];
		const el = document.createElement("div");
		el.style.cssText = "position:fixed;box-sizing:border-box;border:2px solid " + color +
			";left:" + box.x + "px;top:" + box.y + "px;width:" + box.width + "px;height:" + box.height + "px;";
		const label = document.createElement("span");
		label.textContent = String(box.index);
		label.style.cssText = "position:absolute;top:-1.4em;left:0;background:" + color +
			";color:#fff;font:10px monospace;padding:0 2px;";
		el.appendChild(label);
		container.appendChild(el);
	}
	document.body.appendChild(container);
	return boxes.length;
})(%s)`

const clearHighlightScript = `(function() {
	const el = document.getElementById("__domatlas_highlights");
	if (el) el.remove();
	return true;
})()`

// highlightScriptFor splices the encoded boxes into the overlay script.
// Plain substitution, not verb formatting: the script body contains the
// JS modulo operator, which fmt would mangle.
func highlightScriptFor(payload []byte) string {
	return strings.Replace(highlightScript, "%s", string(payload), 1)
}

type highlightBox struct {
	Index  int     `json:"index"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Highlighter injects and removes the page-side debug overlay that marks
// every selector-map element with its index.
type Highlighter struct {
	sess   BrowserSession
	logger *zap.Logger
}

func NewHighlighter(sess BrowserSession, logger *zap.Logger) *Highlighter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Highlighter{sess: sess, logger: logger.Named("highlighter")}
}

// Apply draws one labeled box per mapped element that has a position.
func (h *Highlighter) Apply(ctx context.Context, state *SerializedDOMState) error {
	if state == nil || len(state.Selector) == 0 {
		return nil
	}
	boxes := make([]highlightBox, 0, len(state.Selector))
	for _, idx := range state.Selector.Indices() {
		n := state.Selector[idx]
		if n == nil || n.AbsolutePosition == nil {
			continue
		}
		boxes = append(boxes, highlightBox{
			Index:  idx,
			X:      n.AbsolutePosition.X,
			Y:      n.AbsolutePosition.Y,
			Width:  n.AbsolutePosition.Width,
			Height: n.AbsolutePosition.Height,
		})
	}
	payload, err := json.Marshal(boxes)
	if err != nil {
		return fmt.Errorf("failed to encode highlight payload: %w", err)
	}

	if err := h.sess.Run(ctx, chromedp.Evaluate(highlightScriptFor(payload), nil)); err != nil {
		return fmt.Errorf("failed to inject highlight overlay: %w", err)
	}
	h.logger.Debug("Highlight overlay applied.", zap.Int("boxes", len(boxes)))
	return nil
}

// Clear removes a previously applied overlay. Removing a missing overlay
// is not an error.
func (h *Highlighter) Clear(ctx context.Context) error {
	if err := h.sess.Run(ctx, chromedp.Evaluate(clearHighlightScript, nil)); err != nil {
		return fmt.Errorf("failed to remove highlight overlay: %w", err)
	}
	return nil
}
