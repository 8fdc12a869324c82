package serializer

import "github.com/gxo-labs/jsonl/pkg/jsonl/v1/events"

// Style names a terminal style for a line. It travels next to the line and
// never inside it; an empty Style means no preference.
type Style string

// Default style names, matching the engine's stock colors.
const (
	StyleNone      Style = ""
	StyleGreen     Style = "green"
	StyleYellow    Style = "yellow"
	StyleCyan      Style = "cyan"
	StyleRed       Style = "red"
	StyleBrightRed Style = "bright red"
)

// Palette maps task states to styles. It is plain configuration handed to the
// serializer by its owner.
type Palette struct {
	OK          Style `yaml:"ok"`
	Changed     Style `yaml:"changed"`
	Skipped     Style `yaml:"skipped"`
	Unreachable Style `yaml:"unreachable"`
	Failed      Style `yaml:"failed"`
}

// DefaultPalette returns the stock colors.
func DefaultPalette() Palette {
	return Palette{
		OK:          StyleGreen,
		Changed:     StyleYellow,
		Skipped:     StyleCyan,
		Unreachable: StyleBrightRed,
		Failed:      StyleRed,
	}
}

// Merge returns p with empty entries filled from base.
func (p Palette) Merge(base Palette) Palette {
	if p.OK == "" {
		p.OK = base.OK
	}
	if p.Changed == "" {
		p.Changed = base.Changed
	}
	if p.Skipped == "" {
		p.Skipped = base.Skipped
	}
	if p.Unreachable == "" {
		p.Unreachable = base.Unreachable
	}
	if p.Failed == "" {
		p.Failed = base.Failed
	}
	return p
}

// ForState returns the style of a task state.
func (p Palette) ForState(s events.State) Style {
	switch s {
	case events.StateOK:
		return p.OK
	case events.StateChanged:
		return p.Changed
	case events.StateSkipped:
		return p.Skipped
	case events.StateUnreachable:
		return p.Unreachable
	case events.StateFailed:
		return p.Failed
	default:
		return StyleNone
	}
}

// For returns the style hint of an event. Skipped plays share the skipped
// task style; other non-task events carry none.
func (p Palette) For(ev events.Event) Style {
	switch e := ev.(type) {
	case events.TaskResult:
		return p.ForState(e.State)
	case events.SkipPlay:
		return p.Skipped
	default:
		return StyleNone
	}
}
