// Package resync keeps the index in step with a live tree. Change
// notifications are normalized to directories and queued with
// deduplication; a background worker re-scans the smallest affected
// subtree and applies the signed difference, while a second worker
// processes deletions serially. Both share an apply lock so a deletion
// never interleaves with a re-scan.
package resync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/jamesainslie/dirmon/pkg/dirmon/index"
	"github.com/jamesainslie/dirmon/pkg/dirmon/logging"
	"github.com/jamesainslie/dirmon/pkg/dirmon/node"
	"github.com/jamesainslie/dirmon/pkg/dirmon/tuner"
	"github.com/jamesainslie/dirmon/pkg/dirmon/types"
	"github.com/jamesainslie/dirmon/pkg/dirmon/walker"
	"github.com/jamesainslie/dirmon/pkg/dirmon/watcher"
)

// State is the processing state of a queued path.
type State int

const (
	// Queued means the path waits for the re-scan worker.
	Queued State = iota
	// Processing means the path is being re-scanned.
	Processing
	// Applied means the re-scan finished and its difference was applied.
	Applied
	// DiscardedDuplicate means the path was already queued.
	DiscardedDuplicate
	// Failed means the re-scan failed and the path was dropped.
	Failed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case Processing:
		return "processing"
	case Applied:
		return "applied"
	case DiscardedDuplicate:
		return "duplicate"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	errOutsideRoot = errors.New("path outside scan root")
	errRootGone    = errors.New("scan root vanished")
)

// Options configures an Engine.
type Options struct {
	// Builder carries the index, the scan root record and the threshold.
	Builder *index.Builder

	// Fs is used to normalize changed paths. Nil uses the OS filesystem.
	Fs afero.Fs

	// Lister enumerates directories. Nil lists Fs.
	Lister walker.Lister

	// Workers is the parallelism of re-scan walks. Zero lets each walk
	// classify its root.
	Workers int

	// Classifier is used by re-scan walks when Workers is zero.
	Classifier tuner.Classifier

	// Rate limits re-scans per second. Zero means unlimited.
	Rate float64

	// StartPaused keeps both workers idle until Unpause.
	StartPaused bool

	// OnState observes every state transition of queued paths.
	OnState func(path string, s State)

	// OnError is called for directories a re-scan walk could not visit.
	OnError func(path string, err error)
}

// Stats counts engine activity.
type Stats struct {
	Queued     int64
	Applied    int64
	Duplicates int64
	Failed     int64
	Deletes    int64
	Pending    int
}

// Engine is the change re-sync engine for one scan root.
type Engine struct {
	builder  *index.Builder
	index    *index.Index
	root     *node.Node
	rootPath string
	fs       afero.Fs
	lister   walker.Lister
	workers  int
	medium   tuner.Classifier
	onState  func(string, State)
	onError  func(string, error)
	limiter  *rate.Limiter
	logger   *logging.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []string
	queued  map[string]struct{}
	deletes []string
	paused  bool
	closed  bool
	busy    int

	apply sync.Mutex

	nQueued     atomic.Int64
	nApplied    atomic.Int64
	nDuplicates atomic.Int64
	nFailed     atomic.Int64
	nDeletes    atomic.Int64
}

// New creates an engine for the scan root held by opts.Builder.
func New(opts Options) *Engine {
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	lister := opts.Lister
	if lister == nil {
		lister = walker.NewLister(fs)
	}

	e := &Engine{
		builder:  opts.Builder,
		index:    opts.Builder.Index,
		root:     opts.Builder.Root,
		rootPath: opts.Builder.Root.Path(),
		fs:       fs,
		lister:   lister,
		workers:  opts.Workers,
		medium:   opts.Classifier,
		onState:  opts.OnState,
		onError:  opts.OnError,
		logger:   logging.Get("resync"),
		queued:   make(map[string]struct{}),
		paused:   opts.StartPaused,
	}
	if opts.Rate > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(opts.Rate), 1)
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Run processes both queues until ctx is done or Close is called.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	stop := context.AfterFunc(gctx, e.wake)
	defer stop()

	g.Go(func() error { return e.rescanLoop(gctx) })
	g.Go(func() error { return e.deleteLoop(gctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Notify feeds one change notification into the engine.
func (e *Engine) Notify(c watcher.Change) {
	path := filepath.Clean(c.Path)
	if !e.within(path) {
		return
	}
	if c.Kind == watcher.Deleted {
		e.EnqueueDelete(path)
		return
	}
	e.Enqueue(e.normalize(path))
}

// Enqueue queues a directory for re-scan unless it is already queued, and
// reports whether it was added.
func (e *Engine) Enqueue(dir string) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	if _, dup := e.queued[dir]; dup {
		e.mu.Unlock()
		e.nDuplicates.Add(1)
		e.state(dir, DiscardedDuplicate)
		return false
	}
	e.queued[dir] = struct{}{}
	e.queue = append(e.queue, dir)
	e.cond.Broadcast()
	e.mu.Unlock()

	e.nQueued.Add(1)
	e.state(dir, Queued)
	return true
}

// EnqueueDelete pushes path to the delete pipeline.
func (e *Engine) EnqueueDelete(path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.deletes = append(e.deletes, path)
	e.cond.Broadcast()
}

// Pause holds both workers after their current item.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
}

// Unpause releases the workers.
func (e *Engine) Unpause() {
	e.mu.Lock()
	e.paused = false
	e.cond.Broadcast()
	e.mu.Unlock()
}

// Close stops the workers. Pending paths are dropped.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.cond.Broadcast()
	e.mu.Unlock()
}

// WaitIdle blocks until both queues are empty and nothing is being
// processed, or the engine is closed.
func (e *Engine) WaitIdle(ctx context.Context) error {
	stop := context.AfterFunc(ctx, e.wake)
	defer stop()

	e.mu.Lock()
	defer e.mu.Unlock()
	for !e.closed && (len(e.queue) > 0 || len(e.deletes) > 0 || e.busy > 0) {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.cond.Wait()
	}
	return nil
}

// Stats returns engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	pending := len(e.queue) + len(e.deletes) + e.busy
	e.mu.Unlock()

	return Stats{
		Queued:     e.nQueued.Load(),
		Applied:    e.nApplied.Load(),
		Duplicates: e.nDuplicates.Load(),
		Failed:     e.nFailed.Load(),
		Deletes:    e.nDeletes.Load(),
		Pending:    pending,
	}
}

func (e *Engine) wake() {
	e.mu.Lock()
	e.cond.Broadcast()
	e.mu.Unlock()
}

func (e *Engine) rescanLoop(ctx context.Context) error {
	for {
		dir, ok := e.take(ctx, &e.queue, true)
		if !ok {
			return ctx.Err()
		}
		e.state(dir, Processing)

		err := e.limit(ctx)
		if err == nil {
			e.apply.Lock()
			err = e.rescan(ctx, dir)
			e.apply.Unlock()
		}

		if err != nil {
			e.nFailed.Add(1)
			e.logger.Warn("re-sync failed", "path", dir, "error", err)
			e.state(dir, Failed)
		} else {
			e.nApplied.Add(1)
			e.state(dir, Applied)
		}
		e.done()
	}
}

func (e *Engine) deleteLoop(ctx context.Context) error {
	for {
		path, ok := e.take(ctx, &e.deletes, false)
		if !ok {
			return ctx.Err()
		}

		e.apply.Lock()
		e.deletePath(path)
		e.apply.Unlock()

		e.nDeletes.Add(1)
		e.done()
	}
}

// take pops the head of q, blocking while q is empty or the engine is
// paused. Re-scan paths leave the dedup set as soon as they are taken so
// a change arriving mid-scan queues them again.
func (e *Engine) take(ctx context.Context, q *[]string, dedup bool) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for !e.closed && ctx.Err() == nil && (e.paused || len(*q) == 0) {
		e.cond.Wait()
	}
	if e.closed || ctx.Err() != nil {
		return "", false
	}

	path := (*q)[0]
	(*q)[0] = ""
	*q = (*q)[1:]
	if dedup {
		delete(e.queued, path)
	}
	e.busy++
	return path, true
}

func (e *Engine) done() {
	e.mu.Lock()
	e.busy--
	e.cond.Broadcast()
	e.mu.Unlock()
}

func (e *Engine) limit(ctx context.Context) error {
	if e.limiter == nil {
		return nil
	}
	return e.limiter.Wait(ctx)
}

func (e *Engine) state(path string, s State) {
	if e.onState != nil {
		e.onState(path, s)
	}
}

func (e *Engine) within(path string) bool {
	return path == e.rootPath || types.IsSubPath(path, e.rootPath)
}

// normalize maps a changed path to the directory to re-scan: the path
// itself when it is a directory, otherwise its parent.
func (e *Engine) normalize(path string) string {
	if path == e.rootPath {
		return path
	}
	if info, err := e.fs.Stat(path); err == nil && info.IsDir() {
		return path
	}
	return filepath.Dir(path)
}

// existingDir climbs from path to the nearest directory that still exists
// without leaving the scan root.
func (e *Engine) existingDir(path string) (string, error) {
	for p := path; ; p = filepath.Dir(p) {
		if !e.within(p) {
			return "", fmt.Errorf("%w: %s", errOutsideRoot, path)
		}
		if info, err := e.fs.Stat(p); err == nil && info.IsDir() {
			return p, nil
		}
		if p == e.rootPath {
			return "", errRootGone
		}
	}
}
