package resync

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/dirmon/pkg/dirmon/index"
	"github.com/jamesainslie/dirmon/pkg/dirmon/node"
	"github.com/jamesainslie/dirmon/pkg/dirmon/types"
	"github.com/jamesainslie/dirmon/pkg/dirmon/walker"
	"github.com/jamesainslie/dirmon/pkg/dirmon/watcher"
)

const testThreshold = 1000

// denyLister fails with access denied for selected directories and
// remembers every listing.
type denyLister struct {
	walker.Lister
	mu     sync.Mutex
	deny   map[string]bool
	listed []string
}

func (l *denyLister) List(path string) (*walker.Directory, error) {
	l.mu.Lock()
	denied := l.deny[path]
	l.listed = append(l.listed, path)
	l.mu.Unlock()
	if denied {
		return nil, fmt.Errorf("%w: %s", walker.ErrAccessDenied, path)
	}
	return l.Lister.List(path)
}

func (l *denyLister) set(path string, denied bool) {
	l.mu.Lock()
	l.deny[path] = denied
	l.mu.Unlock()
}

// listings returns and forgets the directories listed so far.
func (l *denyLister) listings() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.listed
	l.listed = nil
	sort.Strings(out)
	return out
}

type fixture struct {
	fs        afero.Fs
	lister    *denyLister
	idx       *index.Index
	root      *node.Node
	threshold int64
	engine    *Engine

	mu     sync.Mutex
	events []string
	states []string
}

type fixtureOption func(*Options)

func paused(o *Options) { o.StartPaused = true }

// newFixture writes files (path to size) into a memory filesystem, runs an
// initial scan of /root and starts an engine over the result.
func newFixture(t *testing.T, threshold int64, files map[string]int, opts ...fixtureOption) *fixture {
	t.Helper()

	f := &fixture{
		fs:        afero.NewMemMapFs(),
		threshold: threshold,
	}
	require.NoError(t, f.fs.MkdirAll("/root", 0o755))
	for path, size := range files {
		f.write(t, path, size)
	}
	f.lister = &denyLister{Lister: walker.NewLister(f.fs), deny: map[string]bool{}}

	f.idx = index.New(index.Options{
		OnAdd:    func(n *node.Node) { f.record("add " + n.Path()) },
		OnRemove: func(n *node.Node) { f.record("delete " + n.Path()) },
	})
	f.root = node.New("/root", nil)
	builder := &index.Builder{Index: f.idx, Root: f.root, Threshold: threshold}

	w := walker.New(walker.Options{Workers: 2, Lister: f.lister})
	require.NoError(t, w.Scan(context.Background(), "/root", builder.Visit))
	f.clearEvents()
	f.lister.listings()

	o := Options{
		Builder: builder,
		Fs:      f.fs,
		Lister:  f.lister,
		Workers: 2,
		OnState: func(path string, s State) {
			f.mu.Lock()
			f.states = append(f.states, s.String()+" "+path)
			f.mu.Unlock()
		},
	}
	for _, opt := range opts {
		opt(&o)
	}
	f.engine = New(o)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- f.engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		f.engine.Close()
		assert.NoError(t, <-errc)
	})
	return f
}

func (f *fixture) write(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, f.fs.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, afero.WriteFile(f.fs, path, make([]byte, size), 0o644))
}

func (f *fixture) record(e string) {
	f.mu.Lock()
	f.events = append(f.events, e)
	f.mu.Unlock()
}

func (f *fixture) clearEvents() {
	f.mu.Lock()
	f.events = nil
	f.mu.Unlock()
}

func (f *fixture) eventList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.events...)
	sort.Strings(out)
	return out
}

func (f *fixture) notify(path string, kind watcher.Kind) {
	f.engine.Notify(watcher.Change{Path: path, Kind: kind})
}

func (f *fixture) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, f.engine.WaitIdle(ctx))
}

func (f *fixture) paths() []string {
	var out []string
	for _, n := range f.idx.Nodes() {
		out = append(out, n.Path())
	}
	return out
}

func (f *fixture) total(t *testing.T, path string) node.Totals {
	t.Helper()
	n, ok := f.idx.Lookup(path)
	require.True(t, ok, "no node for %s", path)
	return n.Total()
}

// assertMatchesFreshScan compares the live index with a scan of the
// current tree from scratch. The scan root itself is compared by totals
// only, since it stays materialized once a scan has materialized it.
func (f *fixture) assertMatchesFreshScan(t *testing.T) {
	t.Helper()

	fresh := index.New(index.Options{})
	root := node.New("/root", nil)
	b := &index.Builder{Index: fresh, Root: root, Threshold: f.threshold}
	w := walker.New(walker.Options{Workers: 1, Lister: walker.NewLister(f.fs)})
	require.NoError(t, w.Scan(context.Background(), "/root", b.Visit))

	assert.Equal(t, root.Total(), f.root.Total(), "root totals")
	assert.Equal(t, snapshot(fresh), snapshot(f.idx))
}

func snapshot(x *index.Index) map[string]node.Totals {
	out := map[string]node.Totals{}
	for _, n := range x.Nodes() {
		if n.IsRoot() {
			continue
		}
		out[n.Path()] = n.Total()
	}
	return out
}

func TestScenarioDeleteBigFile(t *testing.T) {
	bigSize := int(20 * types.MiB)
	smallSize := int(types.KiB)
	f := newFixture(t, types.DefaultThreshold, map[string]int{
		"/root/A/bigfile": bigSize,
		"/root/B/small":   smallSize,
	})

	assert.Equal(t, []string{"/root", "/root/A"}, f.paths())
	assert.Equal(t, node.Totals{Count: 2, Size: int64(bigSize + smallSize)}, f.total(t, "/root"))
	assert.Equal(t, node.Totals{Count: 1, Size: int64(bigSize)}, f.total(t, "/root/A"))

	require.NoError(t, f.fs.Remove("/root/A/bigfile"))
	f.notify("/root/A/bigfile", watcher.Deleted)
	f.settle(t)

	assert.Equal(t, []string{"delete /root/A"}, f.eventList())
	assert.Equal(t, []string{"/root"}, f.paths())
	assert.Equal(t, node.Totals{Count: 1, Size: int64(smallSize)}, f.total(t, "/root"))
	f.assertMatchesFreshScan(t)
}

func TestNewlyQualifyingDirectory(t *testing.T) {
	f := newFixture(t, testThreshold, map[string]int{
		"/root/A/big":         2000,
		"/root/B/sub/small":   10,
		"/root/B/sub/d/other": 20,
	})
	assert.Equal(t, []string{"/root", "/root/A"}, f.paths())

	f.write(t, "/root/B/sub/huge", 5000)
	f.notify("/root/B/sub/huge", watcher.Created)
	f.settle(t)

	assert.Equal(t, []string{"add /root/B", "add /root/B/sub"}, f.eventList())
	assert.Equal(t, node.Totals{Count: 4, Size: 7030}, f.total(t, "/root"))
	assert.Equal(t, node.Totals{Count: 3, Size: 5030}, f.total(t, "/root/B"))
	f.assertMatchesFreshScan(t)
}

func TestDeleteQualifyingDirectory(t *testing.T) {
	f := newFixture(t, testThreshold, map[string]int{
		"/root/A/big":     2000,
		"/root/A/x/small": 10,
		"/root/A/y/big":   3000,
		"/root/B/s":       5,
	})
	assert.Equal(t, []string{"/root", "/root/A", "/root/A/y"}, f.paths())

	require.NoError(t, f.fs.RemoveAll("/root/A"))
	// Notifications arrive children first, with the directory reported twice.
	for _, p := range []string{
		"/root/A/y/big", "/root/A/y", "/root/A/big",
		"/root/A/x/small", "/root/A/x", "/root/A", "/root/A",
	} {
		f.notify(p, watcher.Deleted)
	}
	f.settle(t)

	events := f.eventList()
	assert.Equal(t, 1, count(events, "delete /root/A"))
	assert.Equal(t, 1, count(events, "delete /root/A/y"))
	assert.Equal(t, 2, len(events))
	assert.Equal(t, []string{"/root"}, f.paths())
	assert.Equal(t, node.Totals{Count: 1, Size: 5}, f.root.Total())
	f.assertMatchesFreshScan(t)
}

func TestDeleteSingleNotification(t *testing.T) {
	f := newFixture(t, testThreshold, map[string]int{
		"/root/A/big": 2000,
		"/root/B/s":   5,
	})

	require.NoError(t, f.fs.RemoveAll("/root/A"))
	f.notify("/root/A", watcher.Deleted)
	f.settle(t)

	assert.Equal(t, []string{"delete /root/A"}, f.eventList())
	_, ok := f.idx.Lookup("/root/A")
	assert.False(t, ok)
	assert.Nil(t, f.root.Child("A"))
	assert.Equal(t, node.Totals{Count: 1, Size: 5}, f.root.Total())
}

func TestCascadeAndRequalify(t *testing.T) {
	f := newFixture(t, testThreshold, map[string]int{
		"/root/A/B/big": 2000,
		"/root/A/s":     7,
		"/root/C/s":     5,
	})
	assert.Equal(t, []string{"/root", "/root/A", "/root/A/B"}, f.paths())

	require.NoError(t, f.fs.Remove("/root/A/B/big"))
	f.notify("/root/A/B/big", watcher.Deleted)
	f.settle(t)

	assert.Equal(t, []string{"delete /root/A", "delete /root/A/B"}, f.eventList())
	assert.Equal(t, []string{"/root"}, f.paths())
	assert.Equal(t, node.Totals{Count: 2, Size: 12}, f.root.Total())
	f.assertMatchesFreshScan(t)

	f.clearEvents()
	f.write(t, "/root/A/B/again", 3000)
	f.notify("/root/A/B/again", watcher.Created)
	f.settle(t)

	assert.Equal(t, []string{"add /root/A", "add /root/A/B"}, f.eventList())
	assert.Equal(t, node.Totals{Count: 3, Size: 3012}, f.root.Total())
	f.assertMatchesFreshScan(t)
}

func TestNeverMaterializedEmitsNoEvents(t *testing.T) {
	f := newFixture(t, testThreshold, map[string]int{
		"/root/A/big": 2000,
		"/root/B/s":   5,
	})

	f.write(t, "/root/B/s", 50)
	f.notify("/root/B/s", watcher.Modified)
	f.settle(t)
	assert.Equal(t, node.Totals{Count: 2, Size: 2050}, f.root.Total())

	require.NoError(t, f.fs.Remove("/root/B/s"))
	f.notify("/root/B/s", watcher.Deleted)
	f.settle(t)

	assert.Empty(t, f.eventList())
	assert.Equal(t, node.Totals{Count: 1, Size: 2000}, f.root.Total())
	f.assertMatchesFreshScan(t)
}

func TestNewDirectoryUnderRoot(t *testing.T) {
	f := newFixture(t, testThreshold, map[string]int{
		"/root/A/big": 2000,
	})

	f.write(t, "/root/N/big", 4000)
	f.write(t, "/root/N/deep/s", 3)
	f.notify("/root/N", watcher.Created)
	f.settle(t)

	assert.Equal(t, []string{"add /root/N"}, f.eventList())
	assert.Equal(t, node.Totals{Count: 2, Size: 4003}, f.total(t, "/root/N"))
	assert.Equal(t, node.Totals{Count: 3, Size: 6003}, f.root.Total())
	f.assertMatchesFreshScan(t)
}

// deepFoldedTree has one qualifying directory and a large folded region
// under /root/H.
func deepFoldedTree() map[string]int {
	files := map[string]int{"/root/A/big": 2000}
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			for k := 0; k < 6; k++ {
				files[fmt.Sprintf("/root/H/d%d/e%d/f%d/file", i, j, k)] = 10
			}
		}
	}
	return files
}

func TestChangeInFoldedRegionListsOnlyThatDirectory(t *testing.T) {
	f := newFixture(t, testThreshold, deepFoldedTree())

	f.write(t, "/root/H/d3/e4/f2/more", 25)
	f.notify("/root/H/d3/e4/f2/more", watcher.Created)
	f.settle(t)

	assert.Equal(t, []string{"/root/H/d3/e4/f2"}, f.lister.listings())
	assert.Empty(t, f.eventList())
	assert.Equal(t, node.Totals{Count: 218, Size: 4185}, f.root.Total())
	f.assertMatchesFreshScan(t)
}

func TestNewQualifyingDirectoryInFoldedRegion(t *testing.T) {
	f := newFixture(t, testThreshold, deepFoldedTree())

	f.write(t, "/root/H/d1/e2/new/big", 5000)
	f.write(t, "/root/H/d1/e2/new/sub/s", 5)
	f.notify("/root/H/d1/e2/new", watcher.Created)
	f.settle(t)

	assert.Equal(t, []string{
		"/root/H/d1/e2",
		"/root/H/d1/e2/new",
		"/root/H/d1/e2/new/sub",
	}, f.lister.listings())
	assert.Equal(t, []string{
		"add /root/H",
		"add /root/H/d1",
		"add /root/H/d1/e2",
		"add /root/H/d1/e2/new",
	}, f.eventList())
	assert.Equal(t, node.Totals{Count: 2, Size: 5005}, f.total(t, "/root/H/d1/e2/new"))
	f.assertMatchesFreshScan(t)

	f.clearEvents()
	require.NoError(t, f.fs.Remove("/root/H/d1/e2/new/big"))
	f.notify("/root/H/d1/e2/new/big", watcher.Deleted)
	f.settle(t)

	assert.Equal(t, []string{"/root/H/d1/e2/new"}, f.lister.listings())
	assert.Equal(t, []string{
		"delete /root/H",
		"delete /root/H/d1",
		"delete /root/H/d1/e2",
		"delete /root/H/d1/e2/new",
	}, f.eventList())
	f.assertMatchesFreshScan(t)
}

func TestDeleteInFoldedRegion(t *testing.T) {
	f := newFixture(t, testThreshold, deepFoldedTree())

	require.NoError(t, f.fs.RemoveAll("/root/H/d0/e0"))
	f.notify("/root/H/d0/e0", watcher.Deleted)
	f.settle(t)

	assert.Equal(t, []string{"/root/H/d0"}, f.lister.listings())
	assert.Empty(t, f.eventList())
	assert.Equal(t, node.Totals{Count: 211, Size: 4100}, f.root.Total())
	assert.Nil(t, f.root.Child("H").Child("d0").Child("e0"))
	f.assertMatchesFreshScan(t)
}

func TestOwnFilesOfMaterializedDirectory(t *testing.T) {
	f := newFixture(t, testThreshold, map[string]int{
		"/root/A/big":     2000,
		"/root/A/s":       10,
		"/root/A/sub/s":   10,
		"/root/A/sub/t/u": 10,
	})

	f.write(t, "/root/A/s2", 20)
	require.NoError(t, f.fs.RemoveAll("/root/A/sub"))
	f.notify("/root/A/s2", watcher.Created)
	f.settle(t)

	assert.Empty(t, f.eventList())
	a, ok := f.idx.Lookup("/root/A")
	require.True(t, ok)
	assert.Equal(t, node.Totals{Count: 3, Size: 2030}, a.Own())
	assert.Equal(t, node.Totals{Count: 3, Size: 2030}, a.Total())
	assert.Nil(t, a.Child("sub"))
	f.assertMatchesFreshScan(t)
}

func TestBigFileShrinksInPlace(t *testing.T) {
	f := newFixture(t, testThreshold, map[string]int{
		"/root/A/big": 2000,
		"/root/A/B/x": 1500,
	})
	assert.Equal(t, []string{"/root", "/root/A", "/root/A/B"}, f.paths())

	f.write(t, "/root/A/big", 100)
	f.notify("/root/A/big", watcher.Modified)
	f.settle(t)

	assert.Empty(t, f.eventList(), "A keeps a materialized child")
	assert.Equal(t, node.Totals{Count: 2, Size: 1600}, f.root.Total())
	f.assertMatchesFreshScan(t)
}

func TestDeduplication(t *testing.T) {
	f := newFixture(t, testThreshold, map[string]int{"/root/A/big": 2000}, paused)

	assert.True(t, f.engine.Enqueue("/root/A"))
	assert.False(t, f.engine.Enqueue("/root/A"))
	f.notify("/root/A/big", watcher.Modified)

	stats := f.engine.Stats()
	assert.Equal(t, int64(1), stats.Queued)
	assert.Equal(t, int64(2), stats.Duplicates)
	assert.Equal(t, 1, stats.Pending)

	f.engine.Unpause()
	f.settle(t)

	assert.Equal(t, int64(1), f.engine.Stats().Applied)
	f.mu.Lock()
	assert.Equal(t, []string{
		"queued /root/A",
		"duplicate /root/A",
		"duplicate /root/A",
		"processing /root/A",
		"applied /root/A",
	}, f.states)
	f.mu.Unlock()
}

func TestFailedRescanIsDropped(t *testing.T) {
	f := newFixture(t, testThreshold, map[string]int{
		"/root/A/big": 2000,
	})

	f.lister.set("/root/A", true)
	f.write(t, "/root/A/more", 10)
	f.notify("/root/A/more", watcher.Created)
	f.settle(t)
	assert.Equal(t, int64(1), f.engine.Stats().Failed)

	f.lister.set("/root/A", false)
	f.notify("/root/A/more", watcher.Modified)
	f.settle(t)

	stats := f.engine.Stats()
	assert.Equal(t, int64(1), stats.Applied)
	assert.Equal(t, node.Totals{Count: 2, Size: 2010}, f.root.Total())
}

func TestOutsideRootIgnored(t *testing.T) {
	f := newFixture(t, testThreshold, map[string]int{"/root/A/big": 2000})

	f.notify("/rooted/x", watcher.Created)
	f.notify("/other/x", watcher.Deleted)
	f.settle(t)

	stats := f.engine.Stats()
	assert.Zero(t, stats.Queued)
	assert.Zero(t, stats.Deletes)
}

func TestVanishedPathClimbs(t *testing.T) {
	f := newFixture(t, testThreshold, map[string]int{"/root/A/big": 2000})

	f.notify("/root/A/gone/deeper/file", watcher.Modified)
	f.settle(t)

	stats := f.engine.Stats()
	assert.Equal(t, int64(1), stats.Applied)
	assert.Zero(t, stats.Failed)
	f.assertMatchesFreshScan(t)
}

func TestRootDeleted(t *testing.T) {
	f := newFixture(t, testThreshold, map[string]int{
		"/root/A/big": 2000,
		"/root/B/s":   5,
	})

	require.NoError(t, f.fs.RemoveAll("/root"))
	f.notify("/root", watcher.Deleted)
	f.settle(t)

	assert.Equal(t, []string{"delete /root", "delete /root/A"}, f.eventList())
	assert.Zero(t, f.idx.Len())
	assert.Equal(t, node.Totals{}, f.root.Total())
}

func TestBurstOfChangesConverges(t *testing.T) {
	files := map[string]int{"/root/keep/big": 5000}
	for i := 0; i < 5; i++ {
		for j := 0; j < 5; j++ {
			files[fmt.Sprintf("/root/d%d/e%d/f", i, j)] = 10
		}
	}
	f := newFixture(t, testThreshold, files)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				path := fmt.Sprintf("/root/d%d/e%d/g", i, j)
				size := 100
				if (i+j)%4 == 0 {
					size = 3000
				}
				assert.NoError(t, afero.WriteFile(f.fs, path, make([]byte, size), 0o644))
				f.notify(path, watcher.Created)
				f.notify(path, watcher.Modified)
			}
		}(i)
	}
	wg.Wait()
	f.settle(t)

	f.assertMatchesFreshScan(t)
}

func TestRateLimitedEngine(t *testing.T) {
	f := newFixture(t, testThreshold, map[string]int{"/root/A/big": 2000}, func(o *Options) {
		o.Rate = 1000
	})

	f.write(t, "/root/B/big", 2000)
	f.notify("/root/B/big", watcher.Created)
	f.settle(t)

	assert.Equal(t, []string{"add /root/B"}, f.eventList())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "queued", Queued.String())
	assert.Equal(t, "duplicate", DiscardedDuplicate.String())
	assert.Equal(t, "failed", Failed.String())
}

func count(list []string, s string) int {
	n := 0
	for _, v := range list {
		if v == s {
			n++
		}
	}
	return n
}
