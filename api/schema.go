package api

// MapDocument is the root of a map definition file.
// It declares the ordered layer tree a viewer renders, top of the list
// corresponding to the top of the map.
type MapDocument struct {
	// Version of the layerlens document schema.
	Version string `json:"version"`
	// Title shown above the layer contents list (optional).
	Title string `json:"title,omitempty"`
	// Layers are the root operational layers, in document order.
	Layers []LayerDef `json:"layers,omitempty"`
}

// LayerDef describes one layer or sublayer.
// A def carries either nested sublayers or legend content, never both.
type LayerDef struct {
	// ID uniquely identifies the layer within the document.
	ID string `json:"id"`
	// Title is the human-readable layer name.
	Title string `json:"title"`
	// Kind of layer: "feature" (default), "group", or "collection".
	// A collection is an aggregate whose sublayers are independently
	// meaningful layers.
	Kind string `json:"kind,omitempty"`
	// Visible toggles the layer on the map. Defaults to true.
	Visible *bool `json:"visible,omitempty"`
	// ShowInLegend controls whether the layer participates in legend
	// display. Defaults to true.
	ShowInLegend *bool `json:"show_in_legend,omitempty"`
	// MinScale and MaxScale bound the scale range in which the layer
	// draws. Zero means unbounded on that side.
	MinScale float64 `json:"min_scale,omitempty"`
	MaxScale float64 `json:"max_scale,omitempty"`
	// Sublayers nested under this layer, in document order.
	Sublayers []LayerDef `json:"sublayers,omitempty"`
	// Legend entries declared inline.
	Legend []LegendDef `json:"legend,omitempty"`
	// LegendRef names a key in a legend database instead of inline entries.
	LegendRef string `json:"legend_ref,omitempty"`
}

// LegendDef is one label + swatch pair.
type LegendDef struct {
	// Label describing the symbol.
	Label string `json:"label"`
	// Swatch is a color reference (e.g. "#2f6f4f").
	Swatch string `json:"swatch,omitempty"`
}

// IsVisible resolves the Visible default.
func (d *LayerDef) IsVisible() bool {
	return d.Visible == nil || *d.Visible
}

// IsShownInLegend resolves the ShowInLegend default.
func (d *LayerDef) IsShownInLegend() bool {
	return d.ShowInLegend == nil || *d.ShowInLegend
}

// IsAggregate reports whether the def is a collection-style aggregate.
func (d *LayerDef) IsAggregate() bool {
	return d.Kind == "collection"
}

// InScale reports whether scale falls inside the def's visible range.
// Scale values follow map convention: a larger denominator means zoomed
// further out, so MinScale is the zoomed-out bound and MaxScale the
// zoomed-in bound.
func (d *LayerDef) InScale(scale float64) bool {
	if d.MinScale > 0 && scale > d.MinScale {
		return false
	}
	if d.MaxScale > 0 && scale < d.MaxScale {
		return false
	}
	return true
}
