package dom

import (
	"context"
	"errors"
	"testing"

	"github.com/chromedp/cdproto/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestHighlighter_ApplyAndClear(t *testing.T) {
	f := newFakeSession(t)
	f.respond(runtime.CommandEvaluate, &runtime.EvaluateReturns{})
	h := NewHighlighter(f, zaptest.NewLogger(t))

	btn := placed(enh("button", map[string]string{"id": "cta"}, enhText("Buy")), Rect{X: 10, Y: 20, Width: 120, Height: 40})
	state := newTestSerializer(t).Serialize(btn, nil)
	require.Equal(t, []int{1}, state.Selector.Indices())

	require.NoError(t, h.Apply(context.Background(), state))
	assert.Equal(t, 1, f.callCount(runtime.CommandEvaluate))

	require.NoError(t, h.Clear(context.Background()))
	assert.Equal(t, 2, f.callCount(runtime.CommandEvaluate))
}

func TestHighlightScriptEmbedsPayloadIntact(t *testing.T) {
	payload := []byte(`[{"index":1,"x":10,"y":20,"width":120,"height":40}]`)
	script := highlightScriptFor(payload)

	assert.Contains(t, script, `})([{"index":1,"x":10,"y":20,"width":120,"height":40}])`,
		"the boxes array is passed to the IIFE verbatim")
	assert.Contains(t, script, "box.index % palette.length",
		"the script's own operators survive substitution")
	assert.NotContains(t, script, "%!", "no formatting artifacts may reach the page")
	assert.NotContains(t, script, "%s")
}

func TestHighlighter_EmptyStateIsANoOp(t *testing.T) {
	f := newFakeSession(t)
	h := NewHighlighter(f, zaptest.NewLogger(t))

	require.NoError(t, h.Apply(context.Background(), nil))
	require.NoError(t, h.Apply(context.Background(), &SerializedDOMState{Selector: SelectorMap{}}))
	assert.Equal(t, 0, f.callCount(runtime.CommandEvaluate), "nothing to draw, nothing to inject")
}

func TestHighlighter_InjectionFailureSurfaces(t *testing.T) {
	f := newFakeSession(t)
	f.fail(runtime.CommandEvaluate, errors.New("execution context destroyed"))
	h := NewHighlighter(f, zaptest.NewLogger(t))

	btn := placed(enh("button", nil, enhText("Go")), Rect{Width: 40, Height: 20})
	state := newTestSerializer(t).Serialize(btn, nil)

	err := h.Apply(context.Background(), state)
	require.Error(t, err)
	assert.ErrorContains(t, err, "failed to inject highlight overlay")
}
