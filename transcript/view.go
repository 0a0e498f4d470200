package transcript

// ViewOptions controls how a transcript is presented.
type ViewOptions struct {
	// HideStatus drops status cells from the view.
	HideStatus bool
}

// Coalesce merges runs of consecutive assistant cells into one cell for
// display. A status cell always ends a run, even when hidden, so two
// responses are never fused. cells is not modified.
func Coalesce(cells []Cell, opts ViewOptions) []Cell {
	out := make([]Cell, 0, len(cells))
	broken := false
	for _, c := range cells {
		if c.Kind == KindStatus {
			broken = true
			if !opts.HideStatus {
				out = append(out, c.clone())
			}
			continue
		}
		if n := len(out); c.Kind == KindAssistant && n > 0 && out[n-1].Kind == KindAssistant && !broken {
			prev := &out[n-1]
			prev.Text += c.Text
			if prev.TurnID == "" {
				prev.TurnID = c.TurnID
			}
			continue
		}
		out = append(out, c.clone())
		broken = false
	}
	return out
}
