package layer

// Style selects which layers participate in display output.
type Style int

const (
	// ShowAll includes every layer that passes the visibility and
	// show-in-legend filters, regardless of scale.
	ShowAll Style = iota
	// VisibleAtScaleOnly additionally requires the layer to be visible
	// at the current display scale. With no valid scale the filter
	// fails closed.
	VisibleAtScaleOnly
)

func (s Style) String() string {
	switch s {
	case ShowAll:
		return "show-all"
	case VisibleAtScaleOnly:
		return "visible-at-scale"
	default:
		return "unknown"
	}
}

// Config is the immutable display policy. The first three fields drive
// the projector's filtering and ordering; the rest are presentation
// flags carried through untouched to the rendering layer.
type Config struct {
	Style               Style
	RespectInitialOrder bool // false reverses root order (top of list = top of map)
	RespectShowInLegend bool

	AllowToggleVisibility bool
	AllowReordering       bool
	Accordion             bool
	ShowSymbology         bool
	ShowRowSeparators     bool
	Title                 string
}

// DefaultConfig mirrors the conventional layer-contents presentation:
// reversed root order, show-in-legend respected, symbology shown.
func DefaultConfig() Config {
	return Config{
		Style:               ShowAll,
		RespectShowInLegend: true,
		ShowSymbology:       true,
	}
}
