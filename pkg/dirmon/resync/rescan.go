package resync

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/jamesainslie/dirmon/pkg/dirmon/index"
	"github.com/jamesainslie/dirmon/pkg/dirmon/node"
	"github.com/jamesainslie/dirmon/pkg/dirmon/types"
	"github.com/jamesainslie/dirmon/pkg/dirmon/walker"
)

// rescan brings the index in line with the directory dir.
//
// Every walked directory keeps its record, so the record of dir is
// refreshed in place: one listing of dir, plus a walk of subdirectories
// that appeared since. A directory without a record is new, and the
// refresh of its deepest known ancestor picks it up.
func (e *Engine) rescan(ctx context.Context, dir string) error {
	existing, err := e.existingDir(dir)
	if errors.Is(err, errRootGone) {
		e.EnqueueDelete(e.rootPath)
		return nil
	}
	if err != nil {
		return err
	}

	rec, _ := e.recordAt(existing)
	return e.refresh(ctx, rec)
}

// recordAt returns the deepest record on the way from the scan root to
// path, and whether it is the record of path itself.
func (e *Engine) recordAt(path string) (*node.Node, bool) {
	cur, ok := e.index.Resolve(path)
	if !ok {
		cur = e.root
	}
	for cur.Path() != path {
		childPath, ok := types.ChildToward(cur.Path(), path)
		if !ok {
			return cur, false
		}
		next := cur.Child(filepath.Base(childPath))
		if next == nil {
			return cur, false
		}
		cur = next
	}
	return cur, true
}

// refresh re-reads a record's own files, walks subdirectories it has no
// record for, and retracts records of subdirectories that vanished.
func (e *Engine) refresh(ctx context.Context, k *node.Node) error {
	listing, err := e.lister.List(k.Path())
	if err != nil {
		if errors.Is(err, walker.ErrNotFound) {
			e.EnqueueDelete(k.Path())
			return nil
		}
		return err
	}

	own, big := index.Tally(listing.Files, e.builder.Threshold)
	node.Propagate(k, k.SetOwn(own, big))

	present := make(map[string]bool, len(listing.Subdirs))
	var fresh []walker.Iteration
	for _, sub := range listing.Subdirs {
		name := filepath.Base(sub)
		present[name] = true
		if k.Child(name) == nil {
			fresh = append(fresh, walker.Iteration{Path: sub, Parent: k})
		}
	}

	for _, c := range k.Children() {
		if present[c.Name()] {
			continue
		}
		if c.Materialized() {
			e.EnqueueDelete(c.Path())
			continue
		}
		k.DetachChild(c.Name())
		node.Propagate(k, c.Total().Neg())
	}

	if big > 0 && !k.Materialized() {
		e.index.Materialize(k)
	}

	if err := e.walk(ctx, fresh); err != nil {
		return err
	}

	e.index.Dematerialize(k)
	return nil
}

// walk visits roots with a scoped walker. Their parent records already
// exist.
func (e *Engine) walk(ctx context.Context, roots []walker.Iteration) error {
	if len(roots) == 0 {
		return nil
	}

	w := walker.New(walker.Options{
		Workers:    e.workers,
		Classifier: e.medium,
		Lister:     e.lister,
		OnError:    e.onError,
	})
	return w.ScanFrom(ctx, e.builder.Visit, roots...)
}

// deletePath handles a deletion notification for path.
func (e *Engine) deletePath(path string) {
	if !e.within(path) {
		return
	}

	if n, ok := e.index.Lookup(path); ok {
		removed := e.index.RemoveSubtree(n)
		if parent := n.Parent(); parent != nil {
			parent.DetachChild(n.Name())
			node.Propagate(parent, n.Total().Neg())
			e.index.Dematerialize(parent)
		} else {
			e.resetRoot()
		}
		e.logger.Debug("deleted directory", "path", path, "removed", len(removed))
		return
	}

	if path == e.rootPath {
		e.resetRoot()
		return
	}

	parentPath := filepath.Dir(path)
	if p, ok := e.recordAt(parentPath); ok {
		if c := p.DetachChild(filepath.Base(path)); c != nil {
			node.Propagate(p, c.Total().Neg())
		}
	}
	e.Enqueue(parentPath)
}

// resetRoot clears the scan root record after the root itself vanished.
func (e *Engine) resetRoot() {
	r := e.root
	node.Propagate(r, r.SetOwn(node.Totals{}, 0))
	r.DropChildren()
	node.Propagate(r, r.Total().Neg())
}
