// Package layer defines the node model shared by layer content sources
// and the projector: the Node handle contract, legend entries, display
// configuration, and the flattened display list.
package layer

// LegendEntry is one label + swatch pair representing a symbol used by a
// layer's data. Immutable once fetched.
type LegendEntry struct {
	Label  string
	Swatch string // color reference, e.g. "#2f6f4f"
}

// Node is a handle to a layer or sublayer owned by a content source.
// The projector treats nodes as foreign-owned and read-only except for
// issuing Load and FetchLegend requests.
//
// A node has either sublayers or legend entries, never both: Children
// returns non-empty only for container layers, and legend entries are
// only meaningful for leaves of the walk.
type Node interface {
	// Key returns the stable per-process identity of the node.
	Key() Key
	// Title is the human-readable layer name.
	Title() string
	// IsAggregate reports whether the node is an aggregate whose
	// sublayers are independently meaningful layers. An aggregate with
	// fewer than two sublayers is skipped in display output while its
	// sublayers are still walked.
	IsAggregate() bool
	// IsVisible reports whether the layer is toggled on.
	IsVisible() bool
	// ShowInLegend reports whether the layer participates in legend
	// display.
	ShowInLegend() bool
	// VisibleAtScale reports whether the layer draws at the given scale.
	VisibleAtScale(scale float64) bool
	// Load resolves the node's children asynchronously. done is invoked
	// exactly once, from any goroutine. A failed load degrades to "no
	// children"; callers must treat it as non-fatal. Load must be safe
	// to call more than once.
	Load(done func(err error))
	// Children returns the resolved sublayers in order. Empty until a
	// Load has completed.
	Children() []Node
	// FetchLegend resolves the node's legend entries asynchronously.
	// done is invoked exactly once, from any goroutine. A failed fetch
	// degrades to no entries.
	FetchLegend(done func(entries []LegendEntry, err error))
	// OnChildrenChanged registers a structural-change observer. The
	// returned cancel func unregisters it.
	OnChildrenChanged(fn func()) (cancel func())
}

// Source supplies the root ordered sequence of layer nodes.
type Source interface {
	RootNodes() []Node
}

// ScaleProvider optionally supplies the current display scale.
// Sources that do not track a viewport return ok=false.
type ScaleProvider interface {
	CurrentScale() (scale float64, ok bool)
}
