package mapdoc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cartokit/layerlens/api"
	"github.com/cartokit/layerlens/internal/layer"
)

const fetchTimeout = 10 * time.Second

// node is the mapdoc-backed layer.Node. The definition and resolved
// children are guarded by mu; the source mutates them on reload.
type node struct {
	src *Source
	key layer.Key

	mu       sync.Mutex
	def      api.LayerDef
	loaded   bool
	children []layer.Node
	obs      map[int]func()
	nextObs  int
}

func (n *node) Key() layer.Key { return n.key }

func (n *node) Title() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.def.Title != "" {
		return n.def.Title
	}
	return n.def.ID
}

func (n *node) IsAggregate() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.def.IsAggregate()
}

func (n *node) IsVisible() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.def.IsVisible()
}

func (n *node) ShowInLegend() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.def.IsShownInLegend()
}

func (n *node) VisibleAtScale(scale float64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.def.InScale(scale)
}

// Load resolves sublayer defs into child nodes on a separate goroutine.
// Safe to call repeatedly; an already-loaded node completes immediately.
func (n *node) Load(done func(err error)) {
	go func() {
		n.mu.Lock()
		if !n.loaded {
			n.children = n.src.childNodes(n.def.Sublayers)
			n.loaded = true
		}
		n.mu.Unlock()
		done(nil)
	}()
}

func (n *node) Children() []layer.Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]layer.Node, len(n.children))
	copy(out, n.children)
	return out
}

// FetchLegend resolves inline entries directly, or consults the legend
// store for legend_ref defs.
func (n *node) FetchLegend(done func(entries []layer.LegendEntry, err error)) {
	n.mu.Lock()
	def := n.def
	n.mu.Unlock()

	go func() {
		if def.LegendRef != "" {
			if n.src.legends == nil {
				done(nil, fmt.Errorf("layer %s: legend_ref %q but no legend store configured", def.ID, def.LegendRef))
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
			defer cancel()
			entries, err := n.src.legends.Fetch(ctx, def.LegendRef)
			done(entries, err)
			return
		}
		entries := make([]layer.LegendEntry, len(def.Legend))
		for i, l := range def.Legend {
			entries[i] = layer.LegendEntry{Label: l.Label, Swatch: l.Swatch}
		}
		done(entries, nil)
	}()
}

func (n *node) OnChildrenChanged(fn func()) (cancel func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.obs == nil {
		n.obs = make(map[int]func())
	}
	id := n.nextObs
	n.nextObs++
	n.obs[id] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.obs, id)
	}
}

// applyDef swaps in a new definition after a document reload. A
// structural change resets resolved children so the next Load rebuilds
// them, and reports true so observers can be notified.
func (n *node) applyDef(def api.LayerDef) (structural bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	structural = !sameStructure(n.def, def)
	n.def = def
	if structural {
		n.loaded = false
		n.children = nil
	}
	return structural
}

func (n *node) notifyChildrenChanged() {
	n.mu.Lock()
	fns := make([]func(), 0, len(n.obs))
	for _, fn := range n.obs {
		fns = append(fns, fn)
	}
	n.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// sameStructure compares the parts of a def whose change invalidates
// resolved children or legend entries.
func sameStructure(a, b api.LayerDef) bool {
	if len(a.Sublayers) != len(b.Sublayers) || a.LegendRef != b.LegendRef || len(a.Legend) != len(b.Legend) {
		return false
	}
	for i := range a.Sublayers {
		if a.Sublayers[i].ID != b.Sublayers[i].ID {
			return false
		}
	}
	for i := range a.Legend {
		if a.Legend[i] != b.Legend[i] {
			return false
		}
	}
	return true
}
