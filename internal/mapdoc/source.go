// Package mapdoc implements a layer content source backed by a JSON map
// document. Nodes resolve sublayers and legend entries asynchronously;
// an optional fsnotify watcher reloads the document in place and raises
// structural-change notifications on affected nodes.
package mapdoc

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
	"go.uber.org/zap"

	"github.com/cartokit/layerlens/api"
	"github.com/cartokit/layerlens/internal/layer"
	"github.com/cartokit/layerlens/internal/legendstore"
)

// Source is a layer.Source reading from a map document on disk.
type Source struct {
	log        *zap.Logger
	id         string
	path       string
	selectExpr string
	legends    *legendstore.Store
	arena      *layer.Arena

	mu      sync.Mutex
	doc     api.MapDocument
	roots   []*node
	byID    map[string]*node
	chgObs  map[int]func()
	nextObs int

	watch *watcher
}

// Option configures a Source.
type Option func(*Source)

// WithLogger sets the source logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Source) { s.log = log }
}

// WithLegendStore resolves legend_ref defs against store.
func WithLegendStore(store *legendstore.Store) Option {
	return func(s *Source) { s.legends = store }
}

// WithSelect restricts roots to layer defs matched by the JSONPath
// expression. Matches are resolved to layer ids: either string results
// or objects carrying an "id" field.
func WithSelect(expr string) Option {
	return func(s *Source) { s.selectExpr = expr }
}

// WithArena shares a key arena with other sources.
func WithArena(a *layer.Arena) Option {
	return func(s *Source) { s.arena = a }
}

// Open reads and parses the document at path.
func Open(path string, opts ...Option) (*Source, error) {
	s := &Source{
		log:    zap.NewNop(),
		id:     uuid.NewString(),
		path:   path,
		arena:  &layer.Arena{},
		byID:   make(map[string]*node),
		chgObs: make(map[int]func()),
	}
	for _, opt := range opts {
		opt(s)
	}
	doc, err := s.parse()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.doc = doc
	s.roots = s.nodesForLocked(doc.Layers)
	s.mu.Unlock()
	s.log.Debug("map document opened",
		zap.String("source", s.id),
		zap.String("path", path),
		zap.Int("roots", len(doc.Layers)))
	return s, nil
}

// Title returns the document title.
func (s *Source) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Title
}

// RootNodes implements layer.Source.
func (s *Source) RootNodes() []layer.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]layer.Node, len(s.roots))
	for i, n := range s.roots {
		out[i] = n
	}
	return out
}

// OnChanged registers fn to run after any reload that changed the
// document. The returned cancel func unregisters.
func (s *Source) OnChanged(fn func()) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextObs
	s.nextObs++
	s.chgObs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.chgObs, id)
	}
}

// Close stops watching, if a watcher was started.
func (s *Source) Close() error {
	if s.watch != nil {
		return s.watch.stop()
	}
	return nil
}

// parse reads the document and applies the select expression, if any.
func (s *Source) parse() (api.MapDocument, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return api.MapDocument{}, fmt.Errorf("read map document: %w", err)
	}
	var doc api.MapDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return api.MapDocument{}, fmt.Errorf("parse map document %s: %w", s.path, err)
	}
	if s.selectExpr == "" {
		return doc, nil
	}
	keep, err := selectIDs(raw, s.selectExpr)
	if err != nil {
		return api.MapDocument{}, err
	}
	filtered := doc.Layers[:0:0]
	for _, def := range doc.Layers {
		if keep[def.ID] {
			filtered = append(filtered, def)
		}
	}
	doc.Layers = filtered
	return doc, nil
}

// selectIDs evaluates a JSONPath expression over the raw document and
// collects the layer ids it matches.
func selectIDs(raw []byte, expr string) (map[string]bool, error) {
	x, err := jp.ParseString(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid jsonpath %q: %w", expr, err)
	}
	data, err := oj.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse document for selection: %w", err)
	}
	ids := make(map[string]bool)
	for _, r := range x.Get(data) {
		switch v := r.(type) {
		case string:
			ids[v] = true
		case map[string]any:
			if id, ok := v["id"].(string); ok {
				ids[id] = true
			}
		}
	}
	return ids, nil
}

// nodeFor returns the node for def, creating it on first sight.
// Existing nodes keep their key and resolved state; the definition is
// refreshed.
func (s *Source) nodeFor(def api.LayerDef) *node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodeForLocked(def)
}

func (s *Source) nodeForLocked(def api.LayerDef) *node {
	if n, ok := s.byID[def.ID]; ok {
		return n
	}
	n := &node{src: s, key: s.arena.Next(), def: def}
	s.byID[def.ID] = n
	return n
}

func (s *Source) nodesForLocked(defs []api.LayerDef) []*node {
	nodes := make([]*node, len(defs))
	for i, def := range defs {
		nodes[i] = s.nodeForLocked(def)
	}
	return nodes
}

// childNodes resolves sublayer defs to nodes. Called from node.Load.
func (s *Source) childNodes(defs []api.LayerDef) []layer.Node {
	out := make([]layer.Node, len(defs))
	for i, def := range defs {
		out[i] = s.nodeFor(def)
	}
	return out
}

// Reload reparses the document and merges it over the existing node
// set. Nodes keep their identity across reloads; structural changes
// reset resolved state and raise children-changed notifications.
func (s *Source) Reload() error {
	doc, err := s.parse()
	if err != nil {
		return err
	}

	flat := make(map[string]api.LayerDef)
	flattenDefs(doc.Layers, flat)

	type pending struct {
		n   *node
		def api.LayerDef
	}

	s.mu.Lock()
	changed := !sameDoc(s.doc, doc)
	var updates []pending
	for id, def := range flat {
		if n, ok := s.byID[id]; ok {
			updates = append(updates, pending{n: n, def: def})
		}
	}
	s.doc = doc
	s.roots = s.nodesForLocked(doc.Layers)
	fns := make([]func(), 0, len(s.chgObs))
	if changed {
		for _, fn := range s.chgObs {
			fns = append(fns, fn)
		}
	}
	s.mu.Unlock()

	// Apply defs outside s.mu: applyDef takes each node's own lock.
	for _, u := range updates {
		if u.n.applyDef(u.def) {
			u.n.notifyChildrenChanged()
		}
	}
	for _, fn := range fns {
		fn()
	}

	if changed {
		s.log.Debug("map document reloaded",
			zap.String("source", s.id),
			zap.Int("layers", len(flat)))
	}
	return nil
}

func flattenDefs(defs []api.LayerDef, out map[string]api.LayerDef) {
	for _, def := range defs {
		out[def.ID] = def
		flattenDefs(def.Sublayers, out)
	}
}

// sameDoc compares documents by serialized form.
func sameDoc(a, b api.MapDocument) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}
