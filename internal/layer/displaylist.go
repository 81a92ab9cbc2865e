package layer

// ItemKind discriminates display list rows.
type ItemKind int

const (
	// ItemLayer is a row showing a layer or sublayer name.
	ItemLayer ItemKind = iota
	// ItemLegend is a row showing one legend entry.
	ItemLegend
)

// Item is one row of the display list: either a layer node or one of a
// layer's legend entries.
type Item struct {
	Kind ItemKind
	// Node is set for ItemLayer rows.
	Node Node
	// Title is the layer title captured at projection time
	// (ItemLayer only). Row equality uses it so renames renotify.
	Title string
	// Entry is set for ItemLegend rows.
	Entry LegendEntry
	// Owner is the key of the layer the row belongs to. For ItemLayer
	// rows this is the node's own key.
	Owner Key
	// Ord is the entry's position within the owner's legend
	// (ItemLegend only).
	Ord int
	// Depth is the nesting depth, for indentation.
	Depth int
}

// equal compares row identity and rendered content, not Node pointers.
func (it Item) equal(other Item) bool {
	if it.Kind != other.Kind || it.Owner != other.Owner || it.Depth != other.Depth {
		return false
	}
	if it.Kind == ItemLegend {
		return it.Ord == other.Ord && it.Entry == other.Entry
	}
	return it.Title == other.Title
}

// DisplayList is the flattened, ordered, filtered projection of a layer
// tree, replaced wholesale on every recomputation. Consumers treat it
// as read-only and every delivery as a full replacement, never a diff.
type DisplayList struct {
	Items  []Item
	Config Config
}

// Len returns the row count.
func (l DisplayList) Len() int { return len(l.Items) }

// Equal reports whether two lists would render identically.
func (l DisplayList) Equal(other DisplayList) bool {
	if l.Config != other.Config || len(l.Items) != len(other.Items) {
		return false
	}
	for i := range l.Items {
		if !l.Items[i].equal(other.Items[i]) {
			return false
		}
	}
	return true
}
