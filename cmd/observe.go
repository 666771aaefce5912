package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/domatlas/internal/browser"
	"github.com/xkilldash9x/domatlas/internal/config"
	"github.com/xkilldash9x/domatlas/internal/dom"
	"github.com/xkilldash9x/domatlas/internal/observability"
)

// newObserveCmd creates and configures the `observe` command.
func newObserveCmd() *cobra.Command {
	observeCmd := &cobra.Command{
		Use:   "observe <url>",
		Short: "Extract the interactive element map of a live page",
		Long: `Observe navigates to the given URL, fuses the DOM, accessibility and layout
snapshots into one enhanced tree, and prints the numbered element map an LLM
agent consumes. Watch mode repeats the observation on an interval and stars
elements that appeared since the previous pass.`,
		Args: cobra.ExactArgs(1),
		// PreRunE binds flags to their viper keys so command line flags
		// correctly override values from the config file and environment.
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := viper.BindPFlag("extraction.max_frame_depth", cmd.Flags().Lookup("max-frame-depth")); err != nil {
				return err
			}
			if err := viper.BindPFlag("extraction.cross_origin_frames", cmd.Flags().Lookup("cross-origin-frames")); err != nil {
				return err
			}
			// Bind all other flags that don't have a direct mapping.
			return viper.BindPFlags(cmd.Flags())
		},
		RunE: runObserve,
	}

	observeCmd.Flags().Bool("json", false, "Emit the serialized state as JSON instead of the agent text map.")
	observeCmd.Flags().Bool("highlight", false, "Paint numbered overlays onto the live page.")
	observeCmd.Flags().Bool("watch", false, "Re-observe the page on an interval, starring new elements.")
	observeCmd.Flags().Duration("interval", 5*time.Second, "Delay between observations in watch mode.")
	observeCmd.Flags().StringP("out", "o", "", "Write the serialized state to this file; a .br suffix selects brotli compression.")

	// Extraction override flags.
	observeCmd.Flags().Int("max-frame-depth", 0, "Maximum iframe recursion depth. (Overrides config/env)")
	observeCmd.Flags().Bool("cross-origin-frames", true, "Descend into out-of-process iframes. (Overrides config/env)")

	return observeCmd
}

func runObserve(cmd *cobra.Command, args []string) error {
	// Use the context passed from main.go (signal-aware).
	ctx := cmd.Context()
	logger := observability.GetLogger()

	cfg, err := config.NewConfigFromViper(viper.GetViper())
	if err != nil {
		return err
	}

	cfg.SetObserveConfig(config.ObserveConfig{
		URL:       normalizeTarget(args[0]),
		JSON:      viper.GetBool("json"),
		Highlight: viper.GetBool("highlight"),
		Watch:     viper.GetBool("watch"),
		Interval:  viper.GetDuration("interval"),
		Output:    viper.GetString("out"),
	})
	obs := cfg.Observe()
	if err := obs.Validate(); err != nil {
		return err
	}

	logger.Info("Starting observation",
		zap.String("url", obs.URL),
		zap.Bool("watch", obs.Watch),
		zap.Int("max_frame_depth", cfg.ExtractionCfg.MaxFrameDepth),
		zap.Bool("cross_origin_frames", cfg.ExtractionCfg.CrossOriginFrames),
	)

	manager := browser.NewManager(cfg, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := manager.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error during browser manager shutdown", zap.Error(err))
		}
	}()

	session, err := manager.NewSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to open browser session: %w", err)
	}

	if err := session.Navigate(ctx, obs.URL); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("Observation aborted gracefully")
			return err
		}
		return err
	}

	extraction := cfg.Extraction()
	service := dom.NewDomService(session, logger, dom.Options{
		MaxFrameDepth:     extraction.MaxFrameDepth,
		CrossOriginFrames: extraction.CrossOriginFrames,
		MaxRenderText:     extraction.MaxRenderText,
		BuildTimeout:      extraction.BuildTimeout,
	})

	var hl *dom.Highlighter
	if obs.Highlight {
		hl = dom.NewHighlighter(session, logger)
	}

	if obs.Watch {
		return runWatch(ctx, obs, extraction.MaxRenderText, service, hl, logger)
	}

	_, view, err := observeOnce(ctx, obs, extraction.MaxRenderText, service, hl, nil)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("Observation aborted gracefully")
			return err
		}
		return fmt.Errorf("failed to observe %s: %w", obs.URL, err)
	}
	logger.Info("Observation complete", zap.Int("elements", len(view.Elements)))

	// Keep the page alive so a visible browser actually shows the overlay.
	if obs.Highlight && !cfg.BrowserCfg.Headless {
		logger.Info("Highlight overlay painted, press Ctrl-C to close the browser")
		<-ctx.Done()
	}
	return nil
}

// normalizeTarget ensures the target has a scheme before it reaches the
// browser.
func normalizeTarget(raw string) string {
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	return "https://" + raw
}

// runWatch re-observes the page until the context is cancelled, pacing
// iterations with a rate limiter and threading the previous state through so
// new elements get starred.
func runWatch(ctx context.Context, obs config.ObserveConfig, maxText int, service *dom.DomService, hl *dom.Highlighter, logger *zap.Logger) error {
	limiter := rate.NewLimiter(rate.Every(obs.Interval), 1)

	var previous *dom.SerializedDOMState
	for seq := 1; ; seq++ {
		if err := limiter.Wait(ctx); err != nil {
			logger.Warn("Watch aborted gracefully", zap.Int("observations", seq-1))
			return nil
		}
		if !obs.JSON {
			fmt.Printf("\n-- observation %d at %s --\n", seq, time.Now().Format(time.RFC3339))
		}
		state, view, err := observeOnce(ctx, obs, maxText, service, hl, previous)
		if err != nil {
			if ctx.Err() != nil {
				logger.Warn("Watch aborted gracefully", zap.Int("observations", seq-1))
				return nil
			}
			// A single failed pass (slow page, transient protocol error) is
			// not fatal in watch mode.
			logger.Warn("Observation failed, holding previous state for the next tick", zap.Error(err))
			continue
		}

		newCount := 0
		for _, el := range view.Elements {
			if el.New {
				newCount++
			}
		}
		logger.Info("Observation complete",
			zap.Int("observation", seq),
			zap.Int("elements", len(view.Elements)),
			zap.Int("new_elements", newCount),
		)
		previous = state
	}
}

// observeOnce performs one full observation pass: build, serialize, emit to
// stdout, optionally persist to a file and paint the overlay.
func observeOnce(ctx context.Context, obs config.ObserveConfig, maxText int, service *dom.DomService, hl *dom.Highlighter, previous *dom.SerializedDOMState) (*dom.SerializedDOMState, observation, error) {
	state, _, timings, err := service.GetSerializedDOMTree(ctx, previous)
	if err != nil {
		return nil, observation{}, err
	}

	view := buildObservation(obs.URL, state, timings, maxText)

	if err := emitObservation(os.Stdout, obs.JSON, view); err != nil {
		return nil, observation{}, fmt.Errorf("failed to emit observation: %w", err)
	}
	if obs.Output != "" {
		if err := writeState(obs.Output, view); err != nil {
			return nil, observation{}, err
		}
	}
	if hl != nil {
		if err := hl.Apply(ctx, state); err != nil {
			return nil, observation{}, err
		}
	}
	return state, view, nil
}

// elementView is the flat JSON projection of one indexed element.
type elementView struct {
	Index      int               `json:"index"`
	New        bool              `json:"new,omitempty"`
	Tag        string            `json:"tag"`
	Role       string            `json:"role,omitempty"`
	Name       string            `json:"name,omitempty"`
	Text       string            `json:"text,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	FrameID    string            `json:"frameId,omitempty"`
	Bounds     *dom.Rect         `json:"bounds,omitempty"`
	Scrollable bool              `json:"scrollable,omitempty"`
}

// observation is the JSON document emitted by --json and written by --out.
type observation struct {
	URL        string            `json:"url"`
	ObservedAt time.Time         `json:"observedAt"`
	Timings    map[string]string `json:"timings,omitempty"`
	Elements   []elementView     `json:"elements"`
	Text       string            `json:"text"`
}

func buildObservation(url string, state *dom.SerializedDOMState, timings dom.Timings, maxText int) observation {
	return observation{
		URL:        url,
		ObservedAt: time.Now().UTC(),
		Timings:    timingsView(timings),
		Elements:   collectElements(state, maxText),
		Text:       state.Text,
	}
}

func timingsView(t dom.Timings) map[string]string {
	if len(t) == 0 {
		return nil
	}
	out := make(map[string]string, len(t))
	for k, d := range t {
		out[k] = d.String()
	}
	return out
}

// collectElements flattens the indexed elements of a serialized state into
// per-element views, ordered by selector index.
func collectElements(state *dom.SerializedDOMState, maxText int) []elementView {
	if state == nil || state.Root == nil {
		return nil
	}
	views := make([]elementView, 0, len(state.Selector))

	var walk func(sn *dom.SimplifiedNode)
	walk = func(sn *dom.SimplifiedNode) {
		if sn == nil {
			return
		}
		if n := sn.Node; n != nil && n.ElementIndex != nil {
			views = append(views, elementView{
				Index:      *n.ElementIndex,
				New:        sn.IsNew,
				Tag:        n.Tag,
				Role:       n.Role(),
				Name:       n.AccessibleName(),
				Text:       n.InnerText(maxText),
				Attributes: n.Attributes,
				FrameID:    string(n.FrameID),
				Bounds:     n.AbsolutePosition,
				Scrollable: n.Scrollable,
			})
		}
		for _, c := range sn.Children {
			walk(c)
		}
	}
	walk(state.Root)

	sort.Slice(views, func(i, j int) bool { return views[i].Index < views[j].Index })
	return views
}

// emitObservation writes either the agent text map or the JSON document.
func emitObservation(w io.Writer, asJSON bool, view observation) error {
	if !asJSON {
		_, err := fmt.Fprintln(w, view.Text)
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(view)
}

// writeState persists the observation document to path. A .br suffix selects
// brotli compression, anything else gets plain JSON.
func writeState(path string, view observation) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create state file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close state file: %w", cerr)
		}
	}()

	var w io.Writer = f
	var bw *brotli.Writer
	if strings.HasSuffix(path, ".br") {
		bw = brotli.NewWriterLevel(f, brotli.DefaultCompression)
		w = bw
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(view); err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if bw != nil {
		if err := bw.Close(); err != nil {
			return fmt.Errorf("failed to flush compressed state: %w", err)
		}
	}
	return nil
}
