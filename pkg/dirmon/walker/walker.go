// Package walker implements the adaptive tree walker: a pre-order,
// parallel directory traversal whose degree of parallelism is derived once
// from the storage medium of the walk root. A walk can be suspended into a
// snapshot of pending directories and later resumed from it, or stopped
// for good.
package walker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jamesainslie/dirmon/pkg/dirmon/logging"
	"github.com/jamesainslie/dirmon/pkg/dirmon/node"
	"github.com/jamesainslie/dirmon/pkg/dirmon/tuner"
)

// Iteration is one pending directory visit: the directory to list and the
// record its aggregates report into (nil at a scan root).
type Iteration struct {
	Path   string
	Parent *node.Node
}

// VisitFunc folds a listed directory into the aggregate tree and returns
// the record that becomes the parent of every subdirectory still present
// in dir.Subdirs.
type VisitFunc func(dir *Directory, it Iteration) (*node.Node, error)

// Options configures a Walker.
type Options struct {
	// Workers overrides the medium-derived parallelism when positive.
	Workers int

	// Classifier decides the medium of the walk root. Nil uses
	// tuner.Default.
	Classifier tuner.Classifier

	// Lister enumerates directories. Nil lists the OS filesystem.
	Lister Lister

	// OnError is called for every directory that could not be visited.
	OnError func(path string, err error)
}

// Stats is a point-in-time view of walk progress.
type Stats struct {
	Workers int
	Medium  tuner.Medium
	Visited int64
	Failed  int64
	Drained int64
	Pending int64
}

// Walker runs one walk at a time. It is not reusable after Stop.
type Walker struct {
	lister     Lister
	classifier tuner.Classifier
	override   int
	onError    func(string, error)
	logger     *logging.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []Iteration
	running   bool
	started   bool
	finished  bool
	stopped   bool
	suspended bool
	workers   int
	medium    tuner.Medium
	visit     VisitFunc
	done      chan struct{}
	idle      chan struct{}

	// pending counts queued plus in-flight items of the current run.
	pending  atomic.Int64
	draining atomic.Bool
	halted   atomic.Bool

	snapMu   sync.Mutex
	snapshot []Iteration

	visited atomic.Int64
	failed  atomic.Int64
	drained atomic.Int64
}

// New creates a walker.
func New(opts Options) *Walker {
	lister := opts.Lister
	if lister == nil {
		lister = NewLister(nil)
	}
	classifier := opts.Classifier
	if classifier == nil {
		classifier = tuner.Default
	}

	idle := make(chan struct{})
	close(idle)

	w := &Walker{
		lister:     lister,
		classifier: classifier,
		override:   opts.Workers,
		onError:    opts.OnError,
		logger:     logging.Get("walker"),
		idle:       idle,
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Scan walks the tree rooted at root and blocks until every directory has
// been visited, the walk has drained after Suspend, or it was stopped.
func (w *Walker) Scan(ctx context.Context, root string, visit VisitFunc) error {
	if err := w.Prepare(visit, Iteration{Path: root}); err != nil {
		return err
	}
	return w.Run(ctx)
}

// ScanFrom walks from one or more iterations whose parent records already
// exist. Re-sync uses it to walk directories that appeared under a known
// record.
func (w *Walker) ScanFrom(ctx context.Context, visit VisitFunc, roots ...Iteration) error {
	if len(roots) == 0 {
		return nil
	}
	if err := w.Prepare(visit, roots...); err != nil {
		return err
	}
	return w.Run(ctx)
}

// Prepare queues roots for the next Run. From here on the walk counts as
// running: Suspend and Stop apply to it even before Run starts workers.
func (w *Walker) Prepare(visit VisitFunc, roots ...Iteration) error {
	for _, it := range roots {
		if it.Path == "" {
			return ErrInvalidRoot
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.prepareLocked(visit, roots)
}

// Suspend makes the running walk drain: every item dequeued from now on
// goes to the snapshot instead of being visited. Visits already in flight
// complete. The blocked Run returns once the queue has drained.
func (w *Walker) Suspend() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return ErrStopped
	}
	if !w.running || w.finished {
		return ErrNotRunning
	}
	w.suspended = true
	w.draining.Store(true)
	w.logger.Info("walk suspending", "pending", w.pending.Load())
	return nil
}

// Resume waits for a suspended walk to finish draining and then walks the
// snapshot with the same parallelism. It blocks like Scan.
func (w *Walker) Resume(ctx context.Context) error {
	if _, err := w.PrepareResume(ctx); err != nil {
		return err
	}
	return w.Run(ctx)
}

// PrepareResume waits for a suspended walk to finish draining and queues
// its snapshot for the next Run. It returns the number of directories
// queued.
func (w *Walker) PrepareResume(ctx context.Context) (int, error) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return 0, ErrStopped
	}
	if !w.suspended {
		w.mu.Unlock()
		return 0, ErrNothingToResume
	}
	idle := w.idle
	w.mu.Unlock()

	select {
	case <-idle:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return 0, ErrStopped
	}
	if !w.suspended || w.running {
		return 0, ErrNothingToResume
	}
	w.suspended = false
	w.draining.Store(false)
	roots := w.takeSnapshot()
	if err := w.prepareLocked(w.visit, roots); err != nil {
		return 0, err
	}

	w.logger.Info("walk resuming", "directories", len(roots))
	return len(roots), nil
}

// Stop halts the walk for good. Queued items are dropped, in-flight visits
// complete, and the snapshot is discarded. Safe to call repeatedly.
func (w *Walker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	w.stopped = true
	w.halted.Store(true)

	if n := len(w.queue); n > 0 {
		w.queue = nil
		if w.pending.Add(-int64(n)) == 0 {
			w.finishLocked()
		}
	}
	w.takeSnapshot()
	w.cond.Broadcast()
	w.logger.Debug("walk stopped")
}

// IsFinished reports whether no work is outstanding.
func (w *Walker) IsFinished() bool {
	return w.pending.Load() == 0
}

// Suspended reports whether the walk was suspended and not yet resumed.
func (w *Walker) Suspended() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.suspended
}

// Stopped reports whether Stop was called.
func (w *Walker) Stopped() bool {
	return w.halted.Load()
}

// Snapshot returns a copy of the directories drained so far.
func (w *Walker) Snapshot() []Iteration {
	w.snapMu.Lock()
	defer w.snapMu.Unlock()
	return append([]Iteration(nil), w.snapshot...)
}

// Stats returns walk progress.
func (w *Walker) Stats() Stats {
	w.mu.Lock()
	workers, medium := w.workers, w.medium
	w.mu.Unlock()

	return Stats{
		Workers: workers,
		Medium:  medium,
		Visited: w.visited.Load(),
		Failed:  w.failed.Load(),
		Drained: w.drained.Load(),
		Pending: w.pending.Load(),
	}
}

// prepareLocked must be called with w.mu held.
func (w *Walker) prepareLocked(visit VisitFunc, roots []Iteration) error {
	if w.stopped {
		return ErrStopped
	}
	if w.running {
		return ErrRunning
	}
	if w.workers == 0 {
		path := ""
		if len(roots) > 0 {
			path = roots[0].Path
		}
		w.workers, w.medium = tuner.Workers(w.classifier, path, w.override)
	}

	w.running = true
	w.started = false
	w.finished = false
	w.visit = visit
	w.done = make(chan struct{})
	w.idle = make(chan struct{})
	w.queue = append(w.queue[:0], roots...)
	w.pending.Store(int64(len(roots)))
	if len(roots) == 0 {
		w.finishLocked()
	}
	return nil
}

// Run executes the prepared walk and blocks until every queued directory
// has been visited or drained, or the walk was stopped. Cancelling ctx
// stops the walk.
func (w *Walker) Run(ctx context.Context) error {
	w.mu.Lock()
	if !w.running || w.started {
		w.mu.Unlock()
		return ErrNotRunning
	}
	w.started = true
	done, idle := w.done, w.idle
	visit, workers, medium := w.visit, w.workers, w.medium
	roots := len(w.queue)
	w.mu.Unlock()

	w.logger.Debug("walk started", "roots", roots, "workers", workers, "medium", medium)

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.work(visit)
		}()
	}

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		w.Stop()
		<-done
		err = ctx.Err()
	}
	wg.Wait()

	w.mu.Lock()
	w.running = false
	w.started = false
	close(idle)
	w.mu.Unlock()

	w.logger.Debug("walk finished",
		"visited", w.visited.Load(),
		"failed", w.failed.Load(),
		"drained", w.drained.Load())
	return err
}

func (w *Walker) work(visit VisitFunc) {
	for {
		it, ok := w.next()
		if !ok {
			return
		}
		w.process(it, visit)
	}
}

// next pops the most recently queued item, blocking while the queue is
// empty and the run is neither finished nor stopped.
func (w *Walker) next() (Iteration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for len(w.queue) == 0 && !w.finished && !w.stopped {
		w.cond.Wait()
	}
	if w.stopped || len(w.queue) == 0 {
		return Iteration{}, false
	}

	last := len(w.queue) - 1
	it := w.queue[last]
	w.queue[last] = Iteration{}
	w.queue = w.queue[:last]
	return it, true
}

func (w *Walker) process(it Iteration, visit VisitFunc) {
	defer w.release()

	if w.draining.Load() {
		w.snapMu.Lock()
		w.snapshot = append(w.snapshot, it)
		w.snapMu.Unlock()
		w.drained.Add(1)
		return
	}
	if w.halted.Load() {
		return
	}

	dir, err := w.lister.List(it.Path)
	if err != nil {
		w.fail(it.Path, err)
		return
	}

	rec, err := visit(dir, it)
	if err != nil {
		w.fail(it.Path, fmt.Errorf("visit %s: %w", it.Path, err))
		return
	}
	w.visited.Add(1)

	if len(dir.Subdirs) == 0 {
		return
	}
	items := make([]Iteration, len(dir.Subdirs))
	for i, sub := range dir.Subdirs {
		items[i] = Iteration{Path: sub, Parent: rec}
	}
	w.push(items)
}

func (w *Walker) push(items []Iteration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	w.pending.Add(int64(len(items)))
	w.queue = append(w.queue, items...)
	w.cond.Broadcast()
}

func (w *Walker) release() {
	if w.pending.Add(-1) == 0 {
		w.mu.Lock()
		w.finishLocked()
		w.mu.Unlock()
	}
}

// finishLocked must be called with w.mu held.
func (w *Walker) finishLocked() {
	if w.finished {
		return
	}
	w.finished = true
	close(w.done)
	w.cond.Broadcast()
}

// takeSnapshot must be called with w.mu held.
func (w *Walker) takeSnapshot() []Iteration {
	w.snapMu.Lock()
	defer w.snapMu.Unlock()
	roots := w.snapshot
	w.snapshot = nil
	return roots
}

func (w *Walker) fail(path string, err error) {
	w.failed.Add(1)
	w.logger.Warn("skipping directory", "path", path, "err", err)
	if w.onError != nil {
		w.onError(path, err)
	}
}
