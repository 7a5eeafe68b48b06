// Package index holds the live index: the concurrent path to record table
// of every materialized directory. It owns the materialization lifecycle
// and reports each insertion and removal to its observers.
package index

import (
	"sort"
	"sync"

	"github.com/jamesainslie/dirmon/pkg/dirmon/node"
	"github.com/jamesainslie/dirmon/pkg/dirmon/types"
)

// Options configures the index observers. All hooks are optional and are
// called without the index lock held.
type Options struct {
	// OnAdd is called for every record that becomes materialized.
	OnAdd func(n *node.Node)

	// OnRemove is called for every record removed from the index.
	OnRemove func(n *node.Node)

	// OnRootInsert is called when a scan root record is inserted.
	OnRootInsert func(n *node.Node)
}

// Index maps canonical directory paths to materialized records.
type Index struct {
	opts Options

	mu    sync.RWMutex
	nodes map[string]*node.Node
}

// New creates an empty index.
func New(opts Options) *Index {
	return &Index{
		opts:  opts,
		nodes: make(map[string]*node.Node),
	}
}

// Len returns the number of materialized records.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.nodes)
}

// Lookup returns the record materialized at path.
func (x *Index) Lookup(path string) (*node.Node, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	n, ok := x.nodes[path]
	return n, ok
}

// InsertIfAbsent materializes n unless a record is already indexed at its
// path, and reports whether n was inserted.
func (x *Index) InsertIfAbsent(n *node.Node) bool {
	x.mu.Lock()
	inserted := x.insertLocked(n)
	x.mu.Unlock()

	if inserted {
		x.added(n)
	}
	return inserted
}

// Remove drops n from the index and reports whether it was present.
func (x *Index) Remove(n *node.Node) bool {
	x.mu.Lock()
	removed := x.removeLocked(n)
	x.mu.Unlock()

	if removed && x.opts.OnRemove != nil {
		x.opts.OnRemove(n)
	}
	return removed
}

// NearestAncestor returns the closest materialized strict ancestor of
// path, climbing until the volume root.
func (x *Index) NearestAncestor(path string) (*node.Node, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	for p, ok := types.ParentPath(path); ok; p, ok = types.ParentPath(p) {
		if n, found := x.nodes[p]; found {
			return n, true
		}
	}
	return nil, false
}

// Resolve returns the record at path when materialized, otherwise its
// nearest materialized ancestor.
func (x *Index) Resolve(path string) (*node.Node, bool) {
	if n, ok := x.Lookup(path); ok {
		return n, true
	}
	return x.NearestAncestor(path)
}

// Materialize inserts n and every not yet materialized ancestor. Adds are
// reported top-down so observers always learn of a parent first.
func (x *Index) Materialize(n *node.Node) int {
	x.mu.Lock()
	var chain []*node.Node
	for p := n; p != nil && !p.Materialized(); p = p.Parent() {
		chain = append(chain, p)
	}
	added := make([]*node.Node, 0, len(chain))
	for i := len(chain) - 1; i >= 0; i-- {
		if x.insertLocked(chain[i]) {
			added = append(added, chain[i])
		}
	}
	x.mu.Unlock()

	for _, p := range added {
		x.added(p)
	}
	return len(added)
}

// Dematerialize removes n if it no longer earns its place: it holds no
// large file, has no materialized child, and is not a scan root. The check
// then cascades to each ancestor. Removed records keep their place in the
// record tree. It returns the removed records.
func (x *Index) Dematerialize(n *node.Node) []*node.Node {
	x.mu.Lock()
	var removed []*node.Node
	for p := n; p != nil && !p.IsRoot(); p = p.Parent() {
		if !p.Materialized() || p.Qualifies() || p.HasMaterializedChild() {
			break
		}
		x.removeLocked(p)
		removed = append(removed, p)
	}
	x.mu.Unlock()

	x.removed(removed)
	return removed
}

// RemoveSubtree removes n and every materialized descendant. Descendants
// are reported before their ancestors.
func (x *Index) RemoveSubtree(n *node.Node) []*node.Node {
	x.mu.Lock()
	var removed []*node.Node
	var walk func(p *node.Node)
	walk = func(p *node.Node) {
		for _, c := range p.Children() {
			if c.Materialized() {
				walk(c)
			}
		}
		if x.removeLocked(p) {
			removed = append(removed, p)
		}
	}
	walk(n)
	x.mu.Unlock()

	x.removed(removed)
	return removed
}

// Nodes returns the materialized records sorted by path.
func (x *Index) Nodes() []*node.Node {
	x.mu.RLock()
	out := make([]*node.Node, 0, len(x.nodes))
	for _, n := range x.nodes {
		out = append(out, n)
	}
	x.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Path() < out[j].Path() })
	return out
}

func (x *Index) insertLocked(n *node.Node) bool {
	if _, exists := x.nodes[n.Path()]; exists {
		return false
	}
	x.nodes[n.Path()] = n
	n.SetMaterialized(true)
	return true
}

func (x *Index) removeLocked(n *node.Node) bool {
	cur, ok := x.nodes[n.Path()]
	if !ok || cur != n {
		return false
	}
	delete(x.nodes, n.Path())
	n.SetMaterialized(false)
	return true
}

func (x *Index) added(n *node.Node) {
	if n.IsRoot() && x.opts.OnRootInsert != nil {
		x.opts.OnRootInsert(n)
	}
	if x.opts.OnAdd != nil {
		x.opts.OnAdd(n)
	}
}

func (x *Index) removed(nodes []*node.Node) {
	if x.opts.OnRemove == nil {
		return
	}
	for _, n := range nodes {
		x.opts.OnRemove(n)
	}
}
