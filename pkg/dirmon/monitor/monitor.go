// Package monitor is the host-facing engine. It builds the index of one
// scan root with the adaptive walker, keeps it in step with the tree
// through the re-sync engine once the walk completes, and publishes every
// Add and Delete to subscribed observers.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/spf13/afero"

	"github.com/jamesainslie/dirmon/pkg/dirmon/broadcaster"
	"github.com/jamesainslie/dirmon/pkg/dirmon/logging"
	"github.com/jamesainslie/dirmon/pkg/dirmon/node"
	"github.com/jamesainslie/dirmon/pkg/dirmon/resync"
	"github.com/jamesainslie/dirmon/pkg/dirmon/tuner"
	"github.com/jamesainslie/dirmon/pkg/dirmon/types"
	"github.com/jamesainslie/dirmon/pkg/dirmon/walker"
	"github.com/jamesainslie/dirmon/pkg/dirmon/watcher"
)

// Sentinel errors returned by the monitor.
var (
	// ErrInvalidRoot is returned by Scan for a root that is not an
	// existing directory.
	ErrInvalidRoot = walker.ErrInvalidRoot

	// ErrState is the class of operations invalid in the current state.
	ErrState = errors.New("invalid monitor state")

	// ErrNotScanning is returned by Suspend without an active walk.
	ErrNotScanning = fmt.Errorf("%w: no scan in progress", ErrState)

	// ErrNoSnapshot is returned by Resume without a suspended walk.
	ErrNoSnapshot = fmt.Errorf("%w: no suspended scan", ErrState)

	// ErrStopped is returned by Suspend and Resume after Stop.
	ErrStopped = fmt.Errorf("%w: monitor stopped", ErrState)
)

// State is the lifecycle state of a Monitor.
type State int

const (
	// Idle means no scan was started.
	Idle State = iota
	// Scanning means the initial walk is running.
	Scanning
	// Suspended means the walk drained into a snapshot.
	Suspended
	// Watching means the walk completed and changes are re-synced.
	Watching
	// Stopped means every worker and subscription was shut down.
	Stopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scanning:
		return "scanning"
	case Suspended:
		return "suspended"
	case Watching:
		return "watching"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Subscription is a stream of change notifications for one scan root.
type Subscription interface {
	Changes() <-chan watcher.Change
	Close() error
}

// SubscribeFunc opens the change subscription of a scan root.
type SubscribeFunc func(root string) (Subscription, error)

// Watch is the default SubscribeFunc, backed by fsnotify.
func Watch(root string) (Subscription, error) {
	return watcher.New(root)
}

// Options configures a Monitor.
type Options struct {
	// Threshold is the size at which a file qualifies its directory.
	// Zero uses types.DefaultThreshold.
	Threshold int64

	// Workers overrides the medium-derived walk parallelism when positive.
	Workers int

	// Fs is the filesystem to index. Nil uses the OS filesystem.
	Fs afero.Fs

	// Lister enumerates directories. Nil lists Fs.
	Lister walker.Lister

	// Classifier decides the storage medium. Nil uses tuner.Default.
	Classifier tuner.Classifier

	// Subscribe opens the change subscription. Nil uses Watch.
	Subscribe SubscribeFunc

	// ResyncRate limits re-scans per second. Zero means unlimited.
	ResyncRate float64

	// EventBuffer is the default observer channel capacity.
	EventBuffer int

	// OnError is called for every directory a walk could not visit.
	OnError func(path string, err error)
}

// Stats is a point-in-time view of the monitor.
type Stats struct {
	State       State
	Root        string
	Walk        walker.Stats
	Resync      resync.Stats
	Indexed     int
	Totals      node.Totals
	Dropped     uint64
	Subscribers int
}

// Monitor indexes one scan root at a time.
type Monitor struct {
	opts   Options
	events *broadcaster.Broadcaster
	logger *logging.Logger

	// ops serializes Scan, Suspend, Resume and Stop.
	ops sync.Mutex

	mu    sync.Mutex
	state State
	cur   *session
}

// New creates a monitor.
func New(opts Options) *Monitor {
	if opts.Threshold <= 0 {
		opts.Threshold = types.DefaultThreshold
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Lister == nil {
		opts.Lister = walker.NewLister(opts.Fs)
	}
	if opts.Classifier == nil {
		opts.Classifier = tuner.Default
	}
	if opts.Subscribe == nil {
		opts.Subscribe = Watch
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = broadcaster.DefaultBuffer
	}

	return &Monitor{
		opts:   opts,
		events: broadcaster.New(),
		logger: logging.Get("monitor"),
	}
}

// Scan starts indexing root and returns immediately. A scan already in
// progress is stopped first.
func (m *Monitor) Scan(ctx context.Context, root string) (*Job, error) {
	path, err := m.validate(root)
	if err != nil {
		return nil, err
	}

	m.ops.Lock()
	defer m.ops.Unlock()

	m.mu.Lock()
	prev := m.cur
	m.mu.Unlock()
	if prev != nil {
		m.logger.Info("restarting scan", "previous", prev.root, "root", path)
		prev.shutdown()
	}

	s := m.newSession(ctx, path)
	if err := s.walker.Prepare(s.builder.Visit, walker.Iteration{Path: path}); err != nil {
		s.shutdown()
		return nil, err
	}
	job := newJob()

	m.mu.Lock()
	m.cur = s
	m.state = Scanning
	s.job = job
	m.mu.Unlock()

	m.logger.Info("scan started", "root", path, "threshold", types.FormatSize(m.opts.Threshold))
	s.startWalk(job, func() error {
		return s.walker.Run(s.ctx)
	})
	return job, nil
}

// Suspend makes the running walk drain into a snapshot.
func (m *Monitor) Suspend() error {
	m.ops.Lock()
	defer m.ops.Unlock()

	m.mu.Lock()
	s, state := m.cur, m.state
	m.mu.Unlock()

	switch {
	case state == Stopped:
		return ErrStopped
	case state != Scanning:
		return ErrNotScanning
	}

	if err := s.walker.Suspend(); err != nil {
		if errors.Is(err, walker.ErrStopped) {
			return ErrStopped
		}
		return fmt.Errorf("%w: %v", ErrNotScanning, err)
	}
	s.engine.Pause()
	m.setState(s, Suspended)
	m.logger.Info("scan suspended", "root", s.root)
	return nil
}

// Resume continues a suspended walk from its snapshot and returns
// immediately.
func (m *Monitor) Resume(ctx context.Context) (*Job, error) {
	m.ops.Lock()
	defer m.ops.Unlock()

	m.mu.Lock()
	s, state := m.cur, m.state
	m.mu.Unlock()

	switch {
	case state == Stopped:
		return nil, ErrStopped
	case state != Suspended:
		return nil, ErrNoSnapshot
	}

	m.mu.Lock()
	prev := s.job
	m.mu.Unlock()

	// The suspended walk settles its outcome before the next one starts.
	select {
	case <-prev.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	n, err := s.walker.PrepareResume(ctx)
	switch {
	case errors.Is(err, walker.ErrStopped):
		return nil, ErrStopped
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrNoSnapshot, err)
	}

	job := newJob()
	m.mu.Lock()
	s.job = job
	m.state = Scanning
	m.mu.Unlock()

	m.logger.Info("scan resuming", "root", s.root, "directories", n)
	s.startWalk(job, func() error {
		return s.walker.Run(s.ctx)
	})
	return job, nil
}

// Stop shuts down the walk, the re-sync workers and the change
// subscription. The index stays readable. Safe to call repeatedly.
func (m *Monitor) Stop() {
	m.ops.Lock()
	defer m.ops.Unlock()

	m.mu.Lock()
	s := m.cur
	m.mu.Unlock()
	if s == nil {
		return
	}

	s.shutdown()
	m.setState(s, Stopped)
}

// Close stops the monitor and closes every observer channel.
func (m *Monitor) Close() {
	m.Stop()
	m.events.Close()
}

// Subscribe registers an observer for Add and Delete events at or below
// root. A non-positive buffer uses Options.EventBuffer.
func (m *Monitor) Subscribe(root string, buffer int) *broadcaster.Subscriber {
	if buffer <= 0 {
		buffer = m.opts.EventBuffer
	}
	return m.events.Subscribe(root, buffer)
}

// Unsubscribe removes an observer and closes its channel.
func (m *Monitor) Unsubscribe(id string) {
	m.events.Unsubscribe(id)
}

// Notify feeds a change notification to the re-sync engine directly.
func (m *Monitor) Notify(c watcher.Change) {
	if s := m.session(); s != nil {
		s.engine.Notify(c)
	}
}

// WaitIdle blocks until the current walk has ended and the re-sync queues
// are drained. It only returns early while watching; a suspended monitor
// holds its queues until ctx is done.
func (m *Monitor) WaitIdle(ctx context.Context) error {
	s := m.session()
	if s == nil {
		return nil
	}

	m.mu.Lock()
	job := s.job
	m.mu.Unlock()
	if _, err := job.Wait(ctx); err != nil && ctx.Err() != nil {
		return err
	}
	return s.engine.WaitIdle(ctx)
}

// Lookup returns the materialized record at path.
func (m *Monitor) Lookup(path string) (*node.Node, bool) {
	s := m.session()
	if s == nil {
		return nil, false
	}
	if p, err := types.Canonical(path); err == nil {
		path = p
	}
	return s.index.Lookup(path)
}

// Nodes returns the materialized records sorted by path.
func (m *Monitor) Nodes() []*node.Node {
	s := m.session()
	if s == nil {
		return nil
	}
	return s.index.Nodes()
}

// Root returns the scan root record, or nil before the first Scan.
func (m *Monitor) Root() *node.Node {
	s := m.session()
	if s == nil {
		return nil
	}
	return s.record
}

// State returns the lifecycle state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats returns progress and counters of the current session.
func (m *Monitor) Stats() Stats {
	st := Stats{
		State:       m.State(),
		Dropped:     m.events.Dropped(),
		Subscribers: m.events.SubscriberCount(),
	}
	s := m.session()
	if s == nil {
		return st
	}
	st.Root = s.root
	st.Walk = s.walker.Stats()
	st.Resync = s.engine.Stats()
	st.Indexed = s.index.Len()
	st.Totals = s.record.Total()
	return st
}

func (m *Monitor) session() *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

// setState moves the monitor to state unless s was replaced meanwhile.
func (m *Monitor) setState(s *session, state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == s {
		m.state = state
	}
}

func (m *Monitor) validate(root string) (string, error) {
	if root == "" {
		return "", ErrInvalidRoot
	}
	path, err := types.Canonical(root)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidRoot, root, err)
	}
	info, err := m.opts.Fs.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidRoot, path, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s: not a directory", ErrInvalidRoot, path)
	}
	return path, nil
}

func (m *Monitor) emit(t broadcaster.EventType) func(*node.Node) {
	return func(n *node.Node) {
		m.logger.Debug("index event", "type", t, "path", n.Path())
		m.events.Notify(broadcaster.NewEvent(t, n))
	}
}
