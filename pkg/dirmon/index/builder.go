package index

import (
	"github.com/jamesainslie/dirmon/pkg/dirmon/node"
	"github.com/jamesainslie/dirmon/pkg/dirmon/walker"
)

// Builder folds walked directories into the record tree of one scan root.
type Builder struct {
	Index     *Index
	Root      *node.Node
	Threshold int64
}

// Tally sums the files of a listing and counts those at or above the
// threshold.
func Tally(files []walker.File, threshold int64) (node.Totals, int) {
	var own node.Totals
	big := 0
	for _, f := range files {
		own.Count++
		own.Size += f.Size
		if f.Size >= threshold {
			big++
		}
	}
	return own, big
}

// Visit is the walker.VisitFunc used for scans and re-scans. It creates a
// record under the iteration's parent (reusing the scan root record at the
// top), propagates the directory's own totals up the chain, and
// materializes the record when it qualifies.
func (b *Builder) Visit(dir *walker.Directory, it walker.Iteration) (*node.Node, error) {
	var rec *node.Node
	if it.Parent == nil {
		rec = b.Root
	} else {
		rec = node.New(dir.Path, it.Parent)
		it.Parent.AttachChild(rec)
	}

	own, big := Tally(dir.Files, b.Threshold)
	node.Propagate(rec, rec.SetOwn(own, big))

	if big > 0 {
		b.Index.Materialize(rec)
	}
	return rec, nil
}
