package projector

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/cartokit/layerlens/internal/layer"
	"github.com/cartokit/layerlens/internal/watch"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeNode is a controllable in-memory layer.Node.
type fakeNode struct {
	key       layer.Key
	title     string
	aggregate bool
	visible   bool
	inLegend  bool
	scaleOK   func(scale float64) bool
	loadErr   error
	fetchErr  error
	// loadGate, when set, blocks Load completions until closed.
	loadGate chan struct{}
	// needsLoad models nodes whose children are resolvable only after
	// a Load following each structural change.
	needsLoad bool

	mu       sync.Mutex
	loaded   bool
	children []layer.Node
	entries  []layer.LegendEntry
	obs      map[int]func()
	nextObs  int
}

func fake(a *layer.Arena, title string) *fakeNode {
	return &fakeNode{
		key:      a.Next(),
		title:    title,
		visible:  true,
		inLegend: true,
		scaleOK:  func(float64) bool { return true },
		obs:      make(map[int]func()),
	}
}

func (f *fakeNode) withEntries(labels ...string) *fakeNode {
	for _, l := range labels {
		f.entries = append(f.entries, layer.LegendEntry{Label: l})
	}
	return f
}

func (f *fakeNode) withChildren(kids ...layer.Node) *fakeNode {
	f.children = kids
	return f
}

func (f *fakeNode) Key() layer.Key { return f.key }

func (f *fakeNode) Title() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.title
}

func (f *fakeNode) setTitle(title string) {
	f.mu.Lock()
	f.title = title
	f.mu.Unlock()
}

func (f *fakeNode) IsAggregate() bool { return f.aggregate }

func (f *fakeNode) IsVisible() bool { return f.visible }

func (f *fakeNode) ShowInLegend() bool { return f.inLegend }

func (f *fakeNode) VisibleAtScale(scale float64) bool { return f.scaleOK(scale) }

func (f *fakeNode) Load(done func(err error)) {
	gate := f.loadGate
	go func() {
		if gate != nil {
			<-gate
		}
		f.mu.Lock()
		f.loaded = true
		f.mu.Unlock()
		done(f.loadErr)
	}()
}

func (f *fakeNode) Children() []layer.Node {
	if f.loadErr != nil {
		// A failed load leaves the node with no resolvable children.
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.needsLoad && !f.loaded {
		return nil
	}
	out := make([]layer.Node, len(f.children))
	copy(out, f.children)
	return out
}

func (f *fakeNode) FetchLegend(done func(entries []layer.LegendEntry, err error)) {
	go func() {
		if f.fetchErr != nil {
			done(nil, f.fetchErr)
			return
		}
		f.mu.Lock()
		entries := make([]layer.LegendEntry, len(f.entries))
		copy(entries, f.entries)
		f.mu.Unlock()
		done(entries, nil)
	}()
}

func (f *fakeNode) OnChildrenChanged(fn func()) (cancel func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextObs
	f.nextObs++
	f.obs[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.obs, id)
	}
}

func (f *fakeNode) setChildren(kids ...layer.Node) {
	f.mu.Lock()
	f.children = kids
	if f.needsLoad {
		f.loaded = false
	}
	fns := make([]func(), 0, len(f.obs))
	for _, fn := range f.obs {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// rows flattens a list into comparable strings: "L:" for layer rows,
// "E:" for legend rows.
func rows(l layer.DisplayList) []string {
	out := make([]string, 0, l.Len())
	for _, it := range l.Items {
		switch it.Kind {
		case layer.ItemLayer:
			out = append(out, "L:"+it.Title)
		case layer.ItemLegend:
			out = append(out, "E:"+it.Entry.Label)
		}
	}
	return out
}

func eventually(t *testing.T, p *Projector, want []string) {
	t.Helper()
	require.Eventually(t, func() bool {
		got := rows(p.CurrentDisplayList())
		if len(got) != len(want) {
			return false
		}
		for i := range want {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond, "display list never converged to %v", want)
}

func TestProjector_ShowAllReversesRootOrder(t *testing.T) {
	a := &layer.Arena{}
	na := fake(a, "A").withEntries("a1")
	nb := fake(a, "B").withEntries("b1")
	nc := fake(a, "C").withEntries("c1")

	p := New()
	defer p.Close()
	p.SetSource([]layer.Node{na, nb, nc}, layer.DefaultConfig())

	eventually(t, p, []string{"L:C", "E:c1", "L:B", "E:b1", "L:A", "E:a1"})
}

func TestProjector_RespectInitialOrder(t *testing.T) {
	a := &layer.Arena{}
	na := fake(a, "A")
	nb := fake(a, "B")
	nc := fake(a, "C")

	cfg := layer.DefaultConfig()
	cfg.RespectInitialOrder = true

	p := New()
	defer p.Close()
	p.SetSource([]layer.Node{na, nb, nc}, cfg)

	eventually(t, p, []string{"L:A", "L:B", "L:C"})
}

func TestProjector_VisibilityAndShowInLegendFilter(t *testing.T) {
	a := &layer.Arena{}
	shown := fake(a, "shown")
	hidden := fake(a, "hidden")
	hidden.visible = false
	unlisted := fake(a, "unlisted")
	unlisted.inLegend = false

	cfg := layer.DefaultConfig()
	cfg.RespectInitialOrder = true

	p := New()
	defer p.Close()
	p.SetSource([]layer.Node{shown, hidden, unlisted}, cfg)
	eventually(t, p, []string{"L:shown"})

	// Dropping the show-in-legend filter admits the unlisted layer.
	cfg2 := cfg
	cfg2.RespectShowInLegend = false
	p.SetConfiguration(cfg2)
	eventually(t, p, []string{"L:shown", "L:unlisted"})
}

func TestProjector_ScaleFilterFailsClosedOnNaN(t *testing.T) {
	a := &layer.Arena{}
	n := fake(a, "scaled")

	cfg := layer.DefaultConfig()
	cfg.Style = layer.VisibleAtScaleOnly

	p := New()
	defer p.Close()
	p.SetSource([]layer.Node{n}, cfg)

	// No scale was ever supplied: the filter fails closed.
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rows(p.CurrentDisplayList()))

	p.SetCurrentScale(math.NaN())
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rows(p.CurrentDisplayList()))

	p.SetCurrentScale(5000)
	eventually(t, p, []string{"L:scaled"})
}

type staticScale struct {
	scale float64
	ok    bool
}

func (s staticScale) CurrentScale() (float64, bool) { return s.scale, s.ok }

func TestProjector_SetScaleFromProvider(t *testing.T) {
	a := &layer.Arena{}
	n := fake(a, "scaled")

	cfg := layer.DefaultConfig()
	cfg.Style = layer.VisibleAtScaleOnly

	p := New()
	defer p.Close()
	p.SetSource([]layer.Node{n}, cfg)

	p.SetScaleFrom(staticScale{scale: 5000, ok: true})
	eventually(t, p, []string{"L:scaled"})

	// A provider with nothing to report fails closed.
	p.SetScaleFrom(staticScale{})
	eventually(t, p, nil)
}

func TestProjector_BindScaleFollowsField(t *testing.T) {
	a := &layer.Arena{}
	coarse := fake(a, "coarse")
	coarse.scaleOK = func(s float64) bool { return s >= 1000 }

	cfg := layer.DefaultConfig()
	cfg.Style = layer.VisibleAtScaleOnly

	p := New()
	defer p.Close()
	p.SetSource([]layer.Node{coarse}, cfg)

	f := watch.NewField(5000.0)
	cancel := p.BindScale(f)
	eventually(t, p, []string{"L:coarse"})

	f.Set(500)
	eventually(t, p, nil)

	// After detaching, field updates no longer reach the projector.
	cancel()
	f.Set(5000)
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rows(p.CurrentDisplayList()))
}

func TestProjector_ScaleRefilterIsPure(t *testing.T) {
	a := &layer.Arena{}
	coarse := fake(a, "coarse")
	coarse.scaleOK = func(s float64) bool { return s >= 1000 }
	fine := fake(a, "fine")
	fine.scaleOK = func(s float64) bool { return s < 1000 }

	cfg := layer.DefaultConfig()
	cfg.Style = layer.VisibleAtScaleOnly
	cfg.RespectInitialOrder = true

	p := New()
	defer p.Close()
	p.SetSource([]layer.Node{coarse, fine}, cfg)

	p.SetCurrentScale(5000)
	eventually(t, p, []string{"L:coarse"})

	// Flipping scale reveals the other layer without any new loads:
	// its data was already resolved by the initial walk.
	p.SetCurrentScale(500)
	eventually(t, p, []string{"L:fine"})
}

func TestProjector_ScaleIsNoOpUnderShowAll(t *testing.T) {
	a := &layer.Arena{}
	n := fake(a, "plain")

	cfg := layer.DefaultConfig()
	cfg.RespectInitialOrder = true

	p := New()
	defer p.Close()
	p.SetSource([]layer.Node{n}, cfg)
	eventually(t, p, []string{"L:plain"})

	var count atomic.Int32
	cancel := p.OnDisplayListChanged(func(layer.DisplayList) { count.Add(1) })
	defer cancel()

	p.SetCurrentScale(1234)
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, count.Load(), "scale change under ShowAll must not renotify")
}

func TestProjector_AggregateSuppressedWithSingleChild(t *testing.T) {
	a := &layer.Arena{}
	only := fake(a, "only").withEntries("o1")
	agg := fake(a, "agg").withChildren(only)
	agg.aggregate = true

	cfg := layer.DefaultConfig()
	cfg.RespectInitialOrder = true

	p := New()
	defer p.Close()
	p.SetSource([]layer.Node{agg}, cfg)

	eventually(t, p, []string{"L:only", "E:o1"})
}

func TestProjector_AggregateKeptWithTwoChildren(t *testing.T) {
	a := &layer.Arena{}
	x := fake(a, "X")
	y := fake(a, "Y")
	agg := fake(a, "agg").withChildren(x, y)
	agg.aggregate = true

	cfg := layer.DefaultConfig()
	cfg.RespectInitialOrder = true

	p := New()
	defer p.Close()
	p.SetSource([]layer.Node{agg}, cfg)

	eventually(t, p, []string{"L:agg", "L:X", "L:Y"})
}

func TestProjector_GroupContainerContributesSelfAndChildren(t *testing.T) {
	a := &layer.Arena{}
	sub := fake(a, "sub").withEntries("s1")
	grp := fake(a, "grp").withChildren(sub)

	cfg := layer.DefaultConfig()
	cfg.RespectInitialOrder = true

	p := New()
	defer p.Close()
	p.SetSource([]layer.Node{grp}, cfg)

	eventually(t, p, []string{"L:grp", "L:sub", "E:s1"})

	list := p.CurrentDisplayList()
	assert.Equal(t, 0, list.Items[0].Depth)
	assert.Equal(t, 1, list.Items[1].Depth)
	assert.Equal(t, 2, list.Items[2].Depth)
}

func TestProjector_LegendFetchFailureToleratesSiblings(t *testing.T) {
	a := &layer.Arena{}
	bad := fake(a, "bad").withEntries("never")
	bad.fetchErr = errors.New("symbol service unavailable")
	good := fake(a, "good").withEntries("g1", "g2")

	cfg := layer.DefaultConfig()
	cfg.RespectInitialOrder = true

	p := New()
	defer p.Close()
	p.SetSource([]layer.Node{bad, good}, cfg)

	eventually(t, p, []string{"L:bad", "L:good", "E:g1", "E:g2"})
}

func TestProjector_LoadFailureDegradesToEmpty(t *testing.T) {
	a := &layer.Arena{}
	broken := fake(a, "broken").withChildren(fake(a, "ghost"))
	broken.loadErr = errors.New("service offline")
	ok := fake(a, "ok").withEntries("k1")

	cfg := layer.DefaultConfig()
	cfg.RespectInitialOrder = true

	p := New()
	defer p.Close()
	p.SetSource([]layer.Node{broken, ok}, cfg)

	// The broken layer still shows as a row; its subtree is treated as
	// empty and the walk continues for siblings.
	eventually(t, p, []string{"L:broken", "L:ok", "E:k1"})
}

func TestProjector_GenerationDiscardsSupersededSource(t *testing.T) {
	a := &layer.Arena{}
	gate := make(chan struct{})
	old := fake(a, "old").withEntries("stale")
	old.loadGate = gate
	fresh := fake(a, "fresh").withEntries("f1")

	cfg := layer.DefaultConfig()
	cfg.RespectInitialOrder = true

	p := New()
	defer p.Close()
	p.SetSource([]layer.Node{old}, cfg)
	p.SetSource([]layer.Node{fresh}, cfg)

	// Release the superseded walk's load only after the second source
	// is in place; its completion must be dropped.
	close(gate)

	eventually(t, p, []string{"L:fresh", "E:f1"})
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{"L:fresh", "E:f1"}, rows(p.CurrentDisplayList()))
}

func TestProjector_TitleChangeRenotifies(t *testing.T) {
	a := &layer.Arena{}
	n := fake(a, "Old")

	cfg := layer.DefaultConfig()
	cfg.RespectInitialOrder = true

	p := New()
	defer p.Close()
	p.SetSource([]layer.Node{n}, cfg)
	eventually(t, p, []string{"L:Old"})

	// A rename alone changes the rendered content, so replacing the
	// source with the same node set must still publish a new list.
	n.setTitle("New")
	p.SetSource([]layer.Node{n}, cfg)
	eventually(t, p, []string{"L:New"})
}

func TestProjector_SetConfigurationIdempotent(t *testing.T) {
	a := &layer.Arena{}
	n := fake(a, "n").withEntries("e")

	cfg := layer.DefaultConfig()
	cfg.RespectInitialOrder = true

	p := New()
	defer p.Close()
	p.SetSource([]layer.Node{n}, cfg)
	eventually(t, p, []string{"L:n", "E:e"})

	var count atomic.Int32
	cancel := p.OnDisplayListChanged(func(layer.DisplayList) { count.Add(1) })
	defer cancel()

	p.SetConfiguration(cfg)
	p.SetConfiguration(cfg)
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, count.Load(), "identical configuration must not renotify")
}

func TestProjector_ChildrenChangedRetriggersWalk(t *testing.T) {
	a := &layer.Arena{}
	x := fake(a, "X")
	parent := fake(a, "parent").withChildren(x)

	cfg := layer.DefaultConfig()
	cfg.RespectInitialOrder = true

	p := New()
	defer p.Close()
	p.SetSource([]layer.Node{parent}, cfg)
	eventually(t, p, []string{"L:parent", "L:X"})

	y := fake(a, "Y").withEntries("y1")
	parent.setChildren(x, y)

	eventually(t, p, []string{"L:parent", "L:X", "L:Y", "E:y1"})
}

func TestProjector_ChildrenChangedReloadsStructure(t *testing.T) {
	a := &layer.Arena{}
	x := fake(a, "X")
	parent := fake(a, "parent").withChildren(x)
	parent.needsLoad = true

	cfg := layer.DefaultConfig()
	cfg.RespectInitialOrder = true

	p := New()
	defer p.Close()
	p.SetSource([]layer.Node{parent}, cfg)
	eventually(t, p, []string{"L:parent", "L:X"})

	// The replacement subtree is resolvable only through a fresh Load;
	// existing rows must survive and the new one must appear.
	y := fake(a, "Y").withEntries("y1")
	parent.setChildren(x, y)

	eventually(t, p, []string{"L:parent", "L:X", "L:Y", "E:y1"})
}

func TestProjector_DebounceCoalescesBursts(t *testing.T) {
	a := &layer.Arena{}
	var nodes []layer.Node
	want := make([]string, 0, 8)
	for i := 0; i < 8; i++ {
		nodes = append(nodes, fake(a, fmt.Sprintf("n%d", i)))
		want = append(want, fmt.Sprintf("L:n%d", i))
	}

	cfg := layer.DefaultConfig()
	cfg.RespectInitialOrder = true

	p := New(WithDebounce(50 * time.Millisecond))
	defer p.Close()

	var count atomic.Int32
	cancel := p.OnDisplayListChanged(func(layer.DisplayList) { count.Add(1) })
	defer cancel()

	p.SetSource(nodes, cfg)
	eventually(t, p, want)

	// Eight load completions should have collapsed into far fewer
	// notifications than one per completion.
	assert.Less(t, count.Load(), int32(8))
}

func TestProjector_CurrentListIsSafeSnapshot(t *testing.T) {
	a := &layer.Arena{}
	n := fake(a, "snap").withEntries("s")

	p := New()
	defer p.Close()
	p.SetSource([]layer.Node{n}, layer.DefaultConfig())
	eventually(t, p, []string{"L:snap", "E:s"})

	list := p.CurrentDisplayList()
	p.SetSource(nil, layer.DefaultConfig())
	// The earlier snapshot is unaffected by the replacement.
	assert.Equal(t, []string{"L:snap", "E:s"}, rows(list))
}

func TestProjector_ContributingLayers(t *testing.T) {
	a := &layer.Arena{}
	n1 := fake(a, "one")
	n2 := fake(a, "two")
	n2.visible = false

	cfg := layer.DefaultConfig()
	cfg.RespectInitialOrder = true

	p := New()
	defer p.Close()
	p.SetSource([]layer.Node{n1, n2}, cfg)
	eventually(t, p, []string{"L:one"})

	bm := p.ContributingLayers()
	assert.True(t, bm.Contains(n1.Key().Uint32()))
	assert.False(t, bm.Contains(n2.Key().Uint32()))
}
