package monitor

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jamesainslie/dirmon/pkg/dirmon/broadcaster"
	"github.com/jamesainslie/dirmon/pkg/dirmon/index"
	"github.com/jamesainslie/dirmon/pkg/dirmon/node"
	"github.com/jamesainslie/dirmon/pkg/dirmon/resync"
	"github.com/jamesainslie/dirmon/pkg/dirmon/types"
	"github.com/jamesainslie/dirmon/pkg/dirmon/walker"
)

// session is everything built for one scan root: the index, the walker,
// the re-sync engine and the change subscription. Its background
// goroutines all run in group.
type session struct {
	m       *Monitor
	root    string
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	index   *index.Index
	builder *index.Builder
	record  *node.Node
	walker  *walker.Walker
	engine  *resync.Engine

	// job is guarded by m.mu.
	job *Job

	watchOnce sync.Once
	stopOnce  sync.Once

	mu     sync.Mutex
	sub    Subscription
	closed bool
}

func (m *Monitor) newSession(parent context.Context, root string) *session {
	ctx, cancel := context.WithCancel(parent)
	g, gctx := errgroup.WithContext(ctx)

	s := &session{
		m:      m,
		root:   root,
		ctx:    gctx,
		cancel: cancel,
		group:  g,
		record: node.New(root, nil),
	}
	s.index = index.New(index.Options{
		OnAdd:        m.emit(broadcaster.EventAdd),
		OnRemove:     m.emit(broadcaster.EventDelete),
		OnRootInsert: s.watch,
	})
	s.builder = &index.Builder{
		Index:     s.index,
		Root:      s.record,
		Threshold: m.opts.Threshold,
	}
	s.walker = walker.New(walker.Options{
		Workers:    m.opts.Workers,
		Classifier: m.opts.Classifier,
		Lister:     m.opts.Lister,
		OnError:    m.opts.OnError,
	})
	s.engine = resync.New(resync.Options{
		Builder:     s.builder,
		Fs:          m.opts.Fs,
		Lister:      m.opts.Lister,
		Workers:     m.opts.Workers,
		Classifier:  m.opts.Classifier,
		Rate:        m.opts.ResyncRate,
		StartPaused: true,
		OnError:     m.opts.OnError,
	})

	g.Go(func() error { return s.engine.Run(gctx) })
	context.AfterFunc(gctx, s.closeSubscription)
	return s
}

// startWalk runs walk in the background and settles job with its outcome.
func (s *session) startWalk(job *Job, walk func() error) {
	s.group.Go(func() error {
		err := walk()
		s.finish(job, err)
		return nil
	})
}

func (s *session) finish(job *Job, err error) {
	logger := s.m.logger

	switch {
	case err != nil || s.walker.Stopped():
		s.cancel()
		s.m.setState(s, Stopped)
		logger.Info("scan stopped", "root", s.root, "error", err)
		job.finish(JobStopped, err)

	case s.walker.Suspended():
		logger.Info("scan drained", "root", s.root, "snapshot", len(s.walker.Snapshot()))
		job.finish(JobSuspended, nil)

	default:
		s.watch(s.record)
		s.engine.Unpause()

		s.m.mu.Lock()
		if s.m.cur == s && s.m.state == Scanning {
			s.m.state = Watching
		}
		s.m.mu.Unlock()

		total := s.record.Total()
		logger.Info("scan completed",
			"root", s.root,
			"indexed", s.index.Len(),
			"files", types.FormatCount(total.Count),
			"size", types.FormatSize(total.Size))
		job.finish(JobCompleted, nil)
	}
}

// watch registers the change subscription of the scan root once. It runs
// when the root record is first materialized and again when the walk
// completes, for roots that never qualify.
func (s *session) watch(*node.Node) {
	s.watchOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		s.group.Go(s.pump)
	})
}

// pump opens the subscription and forwards its changes to the engine.
func (s *session) pump() error {
	logger := s.m.logger

	sub, err := s.m.opts.Subscribe(s.root)
	if err != nil {
		logger.Warn("change subscription failed", "root", s.root, "error", err)
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = sub.Close()
		return nil
	}
	s.sub = sub
	s.mu.Unlock()
	logger.Info("watching for changes", "root", s.root)

	changes := sub.Changes()
	for {
		select {
		case c, ok := <-changes:
			if !ok {
				return nil
			}
			s.engine.Notify(c)
		case <-s.ctx.Done():
			return nil
		}
	}
}

func (s *session) closeSubscription() {
	s.mu.Lock()
	s.closed = true
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub == nil {
		return
	}
	if err := sub.Close(); err != nil {
		s.m.logger.Warn("closing change subscription", "root", s.root, "error", err)
	}
}

// shutdown stops every worker of the session and waits for them.
func (s *session) shutdown() {
	s.stopOnce.Do(func() {
		s.walker.Stop()
		s.engine.Close()
		s.closeSubscription()
		s.cancel()
		if err := s.group.Wait(); err != nil {
			s.m.logger.Warn("session ended with error", "root", s.root, "error", err)
		}
	})
}
