// Package node provides the directory aggregate record used by the dirmon
// index, and the lock-free aggregation engine that keeps running totals up
// to date along the parent chain.
//
// Every directory visited by a walk gets a record, kept for the life of the
// scan so a later re-scan of one directory can be diffed against it.
// Records of directories that directly hold a large file, and all of their
// ancestors, are materialized into the live index; the rest stay folded
// into their parent's totals and are never reported.
package node

import (
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
)

// Totals is a file count and byte size pair. Values are immutable once
// published through a Node so readers always see a consistent pair.
type Totals struct {
	Count int64 `json:"count" yaml:"count"`
	Size  int64 `json:"size" yaml:"size"`
}

// Plus returns the element-wise sum of t and o.
func (t Totals) Plus(o Totals) Totals {
	return Totals{Count: t.Count + o.Count, Size: t.Size + o.Size}
}

// Minus returns t with o subtracted.
func (t Totals) Minus(o Totals) Totals {
	return Totals{Count: t.Count - o.Count, Size: t.Size - o.Size}
}

// Neg returns the negated totals, used to retract a contribution.
func (t Totals) Neg() Totals {
	return Totals{Count: -t.Count, Size: -t.Size}
}

// IsZero reports whether both components are zero.
func (t Totals) IsZero() bool {
	return t.Count == 0 && t.Size == 0
}

var zero = &Totals{}

// Node is the aggregate record for one directory.
type Node struct {
	path   string
	parent *Node

	// total is only changed through Add.
	total atomic.Pointer[Totals]

	materialized atomic.Bool

	mu       sync.Mutex
	own      Totals
	bigFiles int
	subdirs  map[string]*Node
}

// New creates a record for path whose aggregates report into parent.
// A nil parent marks a scan root.
func New(path string, parent *Node) *Node {
	n := &Node{path: path, parent: parent}
	n.total.Store(zero)
	return n
}

// Path returns the canonical directory path.
func (n *Node) Path() string { return n.path }

// Name returns the final element of the path.
func (n *Node) Name() string { return filepath.Base(n.path) }

// Parent returns the parent directory's record, or nil at a scan root.
func (n *Node) Parent() *Node { return n.parent }

// IsRoot reports whether n is a scan root.
func (n *Node) IsRoot() bool { return n.parent == nil }

// Total returns the aggregate of the directory and every descendant.
func (n *Node) Total() Totals { return *n.total.Load() }

// Own returns the totals of the files directly inside the directory.
func (n *Node) Own() Totals {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.own
}

// BigFiles returns how many files directly inside the directory are at or
// above the threshold.
func (n *Node) BigFiles() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.bigFiles
}

// Qualifies reports whether the directory directly holds a large file.
func (n *Node) Qualifies() bool { return n.BigFiles() > 0 }

// SetOwn records the latest own totals and large-file count and returns
// the change relative to the previous own totals. The caller propagates
// the returned delta.
func (n *Node) SetOwn(own Totals, bigFiles int) Totals {
	n.mu.Lock()
	defer n.mu.Unlock()
	delta := own.Minus(n.own)
	n.own = own
	n.bigFiles = bigFiles
	return delta
}

// Materialized reports whether the record is currently in the live index.
func (n *Node) Materialized() bool { return n.materialized.Load() }

// SetMaterialized flips the materialized flag and reports whether it
// changed. Only the index calls this, while holding its own lock.
func (n *Node) SetMaterialized(v bool) bool {
	return n.materialized.CompareAndSwap(!v, v)
}

// Child returns the record of the direct subdirectory name, if known.
func (n *Node) Child(name string) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.subdirs[name]
}

// AttachChild registers c as a direct subdirectory record, replacing any
// previous record with the same name.
func (n *Node) AttachChild(c *Node) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subdirs == nil {
		n.subdirs = make(map[string]*Node)
	}
	n.subdirs[c.Name()] = c
}

// DetachChild removes and returns the record of subdirectory name.
func (n *Node) DetachChild(name string) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.subdirs[name]
	if !ok {
		return nil
	}
	delete(n.subdirs, name)
	return c
}

// Children returns the known child records sorted by path.
func (n *Node) Children() []*Node {
	n.mu.Lock()
	kids := make([]*Node, 0, len(n.subdirs))
	for _, c := range n.subdirs {
		kids = append(kids, c)
	}
	n.mu.Unlock()

	sort.Slice(kids, func(i, j int) bool { return kids[i].path < kids[j].path })
	return kids
}

// HasMaterializedChild reports whether any known child record is
// materialized.
func (n *Node) HasMaterializedChild() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range n.subdirs {
		if c.Materialized() {
			return true
		}
	}
	return false
}

// DropChildren forgets every child record. The totals they contributed
// stay folded into n.
func (n *Node) DropChildren() {
	n.mu.Lock()
	n.subdirs = nil
	n.mu.Unlock()
}
