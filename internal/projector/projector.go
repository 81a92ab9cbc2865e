// Package projector implements the layer-tree projection core: it walks
// a root sequence of layer nodes, resolving sublayers and legend
// entries asynchronously, and maintains a flattened, ordered, filtered
// display list that is recomputed wholesale on every change.
package projector

import (
	"math"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"go.uber.org/zap"

	"github.com/cartokit/layerlens/internal/layer"
	"github.com/cartokit/layerlens/internal/watch"
)

// resolveState tracks per-node async progress for the current source
// generation.
type resolveState int

const (
	stateNone resolveState = iota
	statePending
	stateDone
)

// Projector converts a root node sequence plus configuration plus
// current scale into a layer.DisplayList.
//
// All internal state is owned by a single run-loop goroutine. Public
// methods and async completions post onto that loop, so no method
// blocks and completions never race. Change callbacks run on the run
// loop; long work in a callback should be offloaded.
type Projector struct {
	log      *zap.Logger
	debounce time.Duration

	events chan func()
	quit   chan struct{}
	once   sync.Once

	// Snapshot state, readable from any goroutine.
	mu        sync.RWMutex
	current   layer.DisplayList
	observers map[int]func(layer.DisplayList)
	nextObs   int

	// Run-loop-owned state. Touched only on the run loop.
	gen          uint64
	roots        []layer.Node
	cfg          layer.Config
	scale        float64
	loadState    map[layer.Key]resolveState
	legendState  map[layer.Key]resolveState
	legends      map[layer.Key][]layer.LegendEntry
	watchCancels map[layer.Key]func()
	contributing *roaring.Bitmap
	flushTimer   *time.Timer
	dirty        bool
}

// Option configures a Projector.
type Option func(*Projector)

// WithLogger sets the logger used for degraded-path warnings.
func WithLogger(log *zap.Logger) Option {
	return func(p *Projector) { p.log = log }
}

// WithDebounce coalesces recompute notifications arriving within d.
// Zero (the default) recomputes on every completion.
func WithDebounce(d time.Duration) Option {
	return func(p *Projector) { p.debounce = d }
}

// New creates a Projector and starts its run loop. Call Close when
// done.
func New(opts ...Option) *Projector {
	p := &Projector{
		log:          zap.NewNop(),
		events:       make(chan func(), 128),
		quit:         make(chan struct{}),
		observers:    make(map[int]func(layer.DisplayList)),
		scale:        math.NaN(),
		loadState:    make(map[layer.Key]resolveState),
		legendState:  make(map[layer.Key]resolveState),
		legends:      make(map[layer.Key][]layer.LegendEntry),
		watchCancels: make(map[layer.Key]func()),
		contributing: roaring.New(),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.run()
	return p
}

// Close stops the run loop and detaches all node observers. Async
// completions arriving after Close are dropped.
func (p *Projector) Close() {
	p.once.Do(func() { close(p.quit) })
}

func (p *Projector) run() {
	for {
		select {
		case fn := <-p.events:
			fn()
		case <-p.quit:
			p.detachAll()
			if p.flushTimer != nil {
				p.flushTimer.Stop()
			}
			return
		}
	}
}

// post marshals fn onto the run loop. Dropped after Close.
func (p *Projector) post(fn func()) {
	select {
	case p.events <- fn:
	case <-p.quit:
	}
}

func (p *Projector) detachAll() {
	for _, cancel := range p.watchCancels {
		cancel()
	}
	p.watchCancels = make(map[layer.Key]func())
}

// ---------------------------------------------------------------------------
// Public API
// ---------------------------------------------------------------------------

// SetSource replaces the root node sequence and configuration, clears
// all cached legend associations, and begins a fresh asynchronous walk.
// Results from a superseded walk are discarded by generation tag.
// Completion is observed via OnDisplayListChanged.
func (p *Projector) SetSource(nodes []layer.Node, cfg layer.Config) {
	p.post(func() {
		p.gen++
		p.detachAll()
		p.roots = nodes
		p.cfg = cfg
		p.loadState = make(map[layer.Key]resolveState)
		p.legendState = make(map[layer.Key]resolveState)
		p.legends = make(map[layer.Key][]layer.LegendEntry)
		p.kick(p.gen)
		p.recompute()
	})
}

// SetConfiguration updates policy and recomputes filtering and
// ordering. Already-resolved children and legend entries are kept;
// nodes the new policy newly admits are loaded or fetched. In-flight
// completions from before the call are discarded.
func (p *Projector) SetConfiguration(cfg layer.Config) {
	p.post(func() {
		if cfg == p.cfg {
			return
		}
		p.gen++
		p.cfg = cfg
		// Pending work belonged to the prior generation; re-issue it.
		for k, st := range p.loadState {
			if st == statePending {
				p.loadState[k] = stateNone
			}
		}
		for k, st := range p.legendState {
			if st == statePending {
				p.legendState[k] = stateNone
			}
		}
		p.kick(p.gen)
		p.recompute()
	})
}

// SetCurrentScale updates the display scale. A pure recompute: no new
// async work is started. A no-op (but safe) when the style is ShowAll.
func (p *Projector) SetCurrentScale(scale float64) {
	p.post(func() {
		if scale == p.scale || (math.IsNaN(scale) && math.IsNaN(p.scale)) {
			return
		}
		p.scale = scale
		if p.cfg.Style != layer.VisibleAtScaleOnly {
			return
		}
		p.recompute()
	})
}

// SetScaleFrom reads the provider's current scale. A provider with no
// scale to report fails closed: NaN makes VisibleAtScaleOnly exclude
// everything.
func (p *Projector) SetScaleFrom(sp layer.ScaleProvider) {
	if scale, ok := sp.CurrentScale(); ok {
		p.SetCurrentScale(scale)
		return
	}
	p.SetCurrentScale(math.NaN())
}

// BindScale feeds scale updates from an observable field into
// SetCurrentScale. The returned cancel func detaches the binding.
func (p *Projector) BindScale(f *watch.Field[float64]) (cancel func()) {
	p.SetCurrentScale(f.Get())
	return f.Observe(p.SetCurrentScale)
}

// CurrentDisplayList returns the latest computed list.
func (p *Projector) CurrentDisplayList() layer.DisplayList {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// OnDisplayListChanged registers fn to receive every new display list.
// Each delivery is a full replacement, never a diff. The returned
// cancel func unregisters.
func (p *Projector) OnDisplayListChanged(fn func(layer.DisplayList)) (cancel func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextObs
	p.nextObs++
	p.observers[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.observers, id)
	}
}

// ContributingLayers returns the set of layer keys present in the
// current list. The bitmap is a copy.
func (p *Projector) ContributingLayers() *roaring.Bitmap {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.contributing.Clone()
}

// ---------------------------------------------------------------------------
// Asynchronous walk
// ---------------------------------------------------------------------------

// loadAdmits gates which nodes the walk resolves. Scale is deliberately
// excluded: scale changes are a pure synchronous refilter, so the walk
// resolves everything a scale flip could later reveal.
func (p *Projector) loadAdmits(n layer.Node) bool {
	if !n.IsVisible() {
		return false
	}
	if p.cfg.RespectShowInLegend && !n.ShowInLegend() {
		return false
	}
	return true
}

// kick ensures every node in the current working set is resolved,
// issuing loads and legend fetches for whatever is still missing.
// Idempotent over already-resolved state.
func (p *Projector) kick(gen uint64) {
	for _, n := range p.roots {
		p.ensureNode(gen, n)
	}
}

func (p *Projector) ensureNode(gen uint64, n layer.Node) {
	if !p.loadAdmits(n) {
		return
	}
	key := n.Key()
	if _, ok := p.watchCancels[key]; !ok {
		// The registration outlives configuration changes; it is only
		// torn down by SetSource or Close. Liveness is therefore
		// checked by registration, not by generation tag.
		p.watchCancels[key] = n.OnChildrenChanged(func() {
			p.post(func() {
				if _, live := p.watchCancels[key]; !live {
					return
				}
				p.onChildrenChanged(p.gen, n)
			})
		})
	}

	switch p.loadState[key] {
	case statePending:
		return
	case stateDone:
		p.descend(gen, n)
		return
	}

	p.loadState[key] = statePending
	n.Load(func(err error) {
		p.post(func() {
			if gen != p.gen {
				return
			}
			if err != nil {
				p.log.Warn("layer load failed",
					zap.String("layer", n.Title()),
					zap.Error(err))
			}
			p.loadState[key] = stateDone
			p.descend(gen, n)
			p.recompute()
		})
	})
}

// descend inspects a loaded node: containers recurse into children,
// leaves fetch legend entries.
func (p *Projector) descend(gen uint64, n layer.Node) {
	kids := n.Children()
	if len(kids) > 0 {
		for _, kid := range kids {
			p.ensureNode(gen, kid)
		}
		return
	}
	p.ensureLegend(gen, n)
}

func (p *Projector) ensureLegend(gen uint64, n layer.Node) {
	key := n.Key()
	if p.legendState[key] != stateNone {
		return
	}
	p.legendState[key] = statePending
	n.FetchLegend(func(entries []layer.LegendEntry, err error) {
		p.post(func() {
			if gen != p.gen {
				return
			}
			if err != nil {
				p.log.Warn("legend fetch failed",
					zap.String("layer", n.Title()),
					zap.Error(err))
				entries = nil
			}
			p.legendState[key] = stateDone
			p.legends[key] = entries
			p.recompute()
		})
	})
}

func (p *Projector) onChildrenChanged(gen uint64, n layer.Node) {
	key := n.Key()
	// A structural change invalidates the node's resolved children and
	// legend entries. Sources may only repopulate children on the next
	// Load, so the load is re-issued from scratch rather than
	// descending over stale state.
	p.loadState[key] = stateNone
	p.legendState[key] = stateNone
	delete(p.legends, key)
	p.ensureNode(gen, n)
	p.recompute()
}

// ---------------------------------------------------------------------------
// Synchronous re-walk
// ---------------------------------------------------------------------------

// recompute re-walks already-resolved data and notifies on change.
// With a debounce window configured, bursts of completions collapse
// into one notification.
func (p *Projector) recompute() {
	if p.debounce <= 0 {
		p.flush()
		return
	}
	p.dirty = true
	if p.flushTimer != nil {
		return
	}
	p.flushTimer = time.AfterFunc(p.debounce, func() {
		p.post(func() {
			p.flushTimer = nil
			if p.dirty {
				p.flush()
			}
		})
	})
}

func (p *Projector) flush() {
	p.dirty = false
	list, contrib := p.project()

	p.mu.Lock()
	changed := !contrib.Equals(p.contributing) || !list.Equal(p.current)
	if !changed {
		p.mu.Unlock()
		return
	}
	p.current = list
	p.contributing = contrib
	fns := make([]func(layer.DisplayList), 0, len(p.observers))
	for _, fn := range p.observers {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	p.log.Debug("display list recomputed", zap.Int("rows", list.Len()))
	for _, fn := range fns {
		fn(list)
	}
}

// passes applies the full display filter, including the scale gate.
func (p *Projector) passes(n layer.Node) bool {
	if !n.IsVisible() {
		return false
	}
	if p.cfg.RespectShowInLegend && !n.ShowInLegend() {
		return false
	}
	if p.cfg.Style == layer.VisibleAtScaleOnly {
		if math.IsNaN(p.scale) {
			return false
		}
		if !n.VisibleAtScale(p.scale) {
			return false
		}
	}
	return true
}

// project performs the synchronous tree walk over resolved data.
// Nodes whose async data has not arrived contribute nothing yet.
func (p *Projector) project() (layer.DisplayList, *roaring.Bitmap) {
	roots := p.roots
	if !p.cfg.RespectInitialOrder {
		roots = make([]layer.Node, len(p.roots))
		for i, n := range p.roots {
			roots[len(p.roots)-1-i] = n
		}
	}

	var items []layer.Item
	contrib := roaring.New()
	for _, n := range roots {
		p.projectNode(n, 0, &items, contrib)
	}
	return layer.DisplayList{Items: items, Config: p.cfg}, contrib
}

func (p *Projector) projectNode(n layer.Node, depth int, items *[]layer.Item, contrib *roaring.Bitmap) {
	if !p.passes(n) {
		return
	}
	key := n.Key()
	if p.loadState[key] != stateDone {
		return
	}

	kids := n.Children()

	// An aggregate with fewer than two sublayers is skipped; its
	// subtree is still walked and contributed.
	selfRow := !(n.IsAggregate() && len(kids) < 2)
	if selfRow {
		*items = append(*items, layer.Item{
			Kind:  layer.ItemLayer,
			Node:  n,
			Title: n.Title(),
			Owner: key,
			Depth: depth,
		})
		contrib.Add(key.Uint32())
	}

	childDepth := depth
	if selfRow {
		childDepth++
	}

	if len(kids) > 0 {
		// Only the root level is reordered.
		for _, kid := range kids {
			p.projectNode(kid, childDepth, items, contrib)
		}
		return
	}

	if p.legendState[key] != stateDone {
		return
	}
	for i, e := range p.legends[key] {
		*items = append(*items, layer.Item{
			Kind:  layer.ItemLegend,
			Entry: e,
			Owner: key,
			Ord:   i,
			Depth: childDepth,
		})
		contrib.Add(key.Uint32())
	}
}
