package walker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/dirmon/pkg/dirmon/node"
	"github.com/jamesainslie/dirmon/pkg/dirmon/tuner"
)

// buildTree creates a tree of the given depth and fan-out under root, with
// one small file per directory, and returns every directory path.
func buildTree(t *testing.T, fs afero.Fs, root string, depth, fanout int) []string {
	t.Helper()

	var dirs []string
	var mk func(path string, level int)
	mk = func(path string, level int) {
		require.NoError(t, fs.MkdirAll(path, 0o755))
		require.NoError(t, afero.WriteFile(fs, filepath.Join(path, "file.txt"), []byte("data"), 0o644))
		dirs = append(dirs, path)
		if level == depth {
			return
		}
		for i := 0; i < fanout; i++ {
			mk(filepath.Join(path, fmt.Sprintf("d%d", i)), level+1)
		}
	}
	mk(root, 0)
	sort.Strings(dirs)
	return dirs
}

// recorder is a visit function that remembers every visit.
type recorder struct {
	mu      sync.Mutex
	visits  map[string]int
	parents map[string]string
	hook    func(dir *Directory, it Iteration)
}

func newRecorder() *recorder {
	return &recorder{visits: map[string]int{}, parents: map[string]string{}}
}

func (r *recorder) visit(dir *Directory, it Iteration) (*node.Node, error) {
	if r.hook != nil {
		r.hook(dir, it)
	}
	r.mu.Lock()
	r.visits[dir.Path]++
	if it.Parent != nil {
		r.parents[dir.Path] = it.Parent.Path()
	}
	r.mu.Unlock()
	return node.New(dir.Path, it.Parent), nil
}

func (r *recorder) paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for p, n := range r.visits {
		if n != 1 {
			out = append(out, fmt.Sprintf("%s x%d", p, n))
			continue
		}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func solidState() tuner.Classifier {
	return tuner.ClassifierFunc(func(string) tuner.Medium { return tuner.SolidState })
}

func TestScanVisitsEveryDirectoryOnce(t *testing.T) {
	for _, workers := range []int{1, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			fs := afero.NewMemMapFs()
			dirs := buildTree(t, fs, "/root", 3, 3)

			rec := newRecorder()
			w := New(Options{Workers: workers, Lister: NewLister(fs)})
			require.NoError(t, w.Scan(context.Background(), "/root", rec.visit))

			assert.Equal(t, dirs, rec.paths())
			assert.True(t, w.IsFinished())
			assert.Equal(t, "/root", rec.parents["/root/d0"])
			assert.Equal(t, "/root/d1/d2", rec.parents["/root/d1/d2/d0"])

			stats := w.Stats()
			assert.Equal(t, int64(len(dirs)), stats.Visited)
			assert.Equal(t, workers, stats.Workers)
			assert.Zero(t, stats.Pending)
		})
	}
}

func TestParallelismFromMedium(t *testing.T) {
	fs := afero.NewMemMapFs()
	buildTree(t, fs, "/root", 1, 2)

	w := New(Options{Lister: NewLister(fs), Classifier: solidState()})
	require.NoError(t, w.Scan(context.Background(), "/root", newRecorder().visit))
	assert.Equal(t, max(1, runtime.NumCPU()/2), w.Stats().Workers)
	assert.Equal(t, tuner.SolidState, w.Stats().Medium)

	rotational := tuner.ClassifierFunc(func(string) tuner.Medium { return tuner.Rotational })
	w = New(Options{Lister: NewLister(fs), Classifier: rotational})
	require.NoError(t, w.Scan(context.Background(), "/root", newRecorder().visit))
	assert.Equal(t, 1, w.Stats().Workers)
}

func TestScanInvalidRoot(t *testing.T) {
	w := New(Options{Lister: NewLister(afero.NewMemMapFs())})
	assert.ErrorIs(t, w.Scan(context.Background(), "", newRecorder().visit), ErrInvalidRoot)
}

func TestFailuresSkipSubtree(t *testing.T) {
	fs := afero.NewMemMapFs()
	buildTree(t, fs, "/root", 2, 2)

	var mu sync.Mutex
	var failed []string
	rec := newRecorder()
	visit := func(dir *Directory, it Iteration) (*node.Node, error) {
		if dir.Path == "/root/d1" {
			return nil, errors.New("boom")
		}
		return rec.visit(dir, it)
	}

	w := New(Options{
		Workers: 3,
		Lister:  NewLister(fs),
		OnError: func(path string, err error) {
			mu.Lock()
			failed = append(failed, path)
			mu.Unlock()
		},
	})
	require.NoError(t, w.Scan(context.Background(), "/root", visit))

	assert.Equal(t, []string{"/root/d1"}, failed)
	assert.NotContains(t, rec.paths(), "/root/d1/d0")
	assert.Contains(t, rec.paths(), "/root/d0/d1")
	assert.Equal(t, int64(1), w.Stats().Failed)
	assert.True(t, w.IsFinished())
}

func TestMissingRootCompletes(t *testing.T) {
	var got error
	w := New(Options{
		Workers: 2,
		Lister:  NewLister(afero.NewMemMapFs()),
		OnError: func(_ string, err error) { got = err },
	})
	require.NoError(t, w.Scan(context.Background(), "/nope", newRecorder().visit))
	assert.ErrorIs(t, got, ErrNotFound)
	assert.ErrorIs(t, got, ErrDirectoryUnavailable)
	assert.True(t, w.IsFinished())
}

func TestVisitPrunesRecursion(t *testing.T) {
	fs := afero.NewMemMapFs()
	buildTree(t, fs, "/root", 2, 2)

	rec := newRecorder()
	rec.hook = func(dir *Directory, _ Iteration) {
		if dir.Path == "/root" {
			dir.Subdirs = []string{"/root/d1"}
		}
	}
	w := New(Options{Workers: 2, Lister: NewLister(fs)})
	require.NoError(t, w.Scan(context.Background(), "/root", rec.visit))

	assert.Equal(t, []string{"/root", "/root/d1", "/root/d1/d0", "/root/d1/d1"}, rec.paths())
}

func TestSuspendResume(t *testing.T) {
	for _, workers := range []int{1, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			fs := afero.NewMemMapFs()
			dirs := buildTree(t, fs, "/root", 3, 3)

			rec := newRecorder()
			var w *Walker
			var once sync.Once
			rec.hook = func(dir *Directory, _ Iteration) {
				if dir.Path == "/root" {
					once.Do(func() { assert.NoError(t, w.Suspend()) })
				}
			}
			w = New(Options{Workers: workers, Lister: NewLister(fs)})

			require.NoError(t, w.Scan(context.Background(), "/root", rec.visit))
			assert.True(t, w.Suspended())
			assert.Equal(t, []string{"/root"}, rec.paths())
			assert.Len(t, w.Snapshot(), 3)
			assert.True(t, w.IsFinished())

			require.NoError(t, w.Resume(context.Background()))
			assert.False(t, w.Suspended())
			assert.Equal(t, dirs, rec.paths())
			assert.Empty(t, w.Snapshot())
			assert.Equal(t, "/root/d2", rec.parents["/root/d2/d0"])
		})
	}
}

func TestSuspendMidWalk(t *testing.T) {
	fs := afero.NewMemMapFs()
	dirs := buildTree(t, fs, "/root", 4, 3)

	rec := newRecorder()
	var w *Walker
	var mu sync.Mutex
	seen := 0
	rec.hook = func(*Directory, Iteration) {
		mu.Lock()
		seen++
		n := seen
		mu.Unlock()
		if n == 20 {
			_ = w.Suspend()
		}
	}
	w = New(Options{Workers: 4, Lister: NewLister(fs)})

	require.NoError(t, w.Scan(context.Background(), "/root", rec.visit))
	require.True(t, w.Suspended())
	assert.Less(t, len(rec.paths()), len(dirs))

	require.NoError(t, w.Resume(context.Background()))
	assert.Equal(t, dirs, rec.paths(), "no directory lost or visited twice")
}

func TestSuspendRightAfterPrepare(t *testing.T) {
	fs := afero.NewMemMapFs()
	dirs := buildTree(t, fs, "/root", 2, 3)
	ctx := context.Background()

	rec := newRecorder()
	w := New(Options{Workers: 4, Lister: NewLister(fs)})

	require.NoError(t, w.Prepare(rec.visit, Iteration{Path: "/root"}))
	require.NoError(t, w.Suspend())
	require.NoError(t, w.Run(ctx))
	assert.True(t, w.Suspended())
	assert.Empty(t, rec.paths())
	assert.Equal(t, []Iteration{{Path: "/root"}}, w.Snapshot())

	// Suspending a resumed walk before it runs must work every time.
	for range 3 {
		n, err := w.PrepareResume(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		require.NoError(t, w.Suspend())
		require.NoError(t, w.Run(ctx))
		assert.True(t, w.Suspended())
		assert.Empty(t, rec.paths())
	}

	require.NoError(t, w.Resume(ctx))
	assert.Equal(t, dirs, rec.paths())
}

func TestStopBeforeRun(t *testing.T) {
	fs := afero.NewMemMapFs()
	buildTree(t, fs, "/root", 2, 2)

	rec := newRecorder()
	w := New(Options{Workers: 2, Lister: NewLister(fs)})
	assert.ErrorIs(t, w.Run(context.Background()), ErrNotRunning)

	require.NoError(t, w.Prepare(rec.visit, Iteration{Path: "/root"}))
	assert.ErrorIs(t, w.Prepare(rec.visit, Iteration{Path: "/root"}), ErrRunning)
	w.Stop()

	require.NoError(t, w.Run(context.Background()))
	assert.Empty(t, rec.paths())
	assert.True(t, w.Stopped())
	assert.True(t, w.IsFinished())
	assert.ErrorIs(t, w.Run(context.Background()), ErrNotRunning)
}

func TestSuspendStateErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	buildTree(t, fs, "/root", 1, 1)

	w := New(Options{Workers: 1, Lister: NewLister(fs)})
	assert.ErrorIs(t, w.Suspend(), ErrNotRunning)
	assert.ErrorIs(t, w.Resume(context.Background()), ErrNothingToResume)

	require.NoError(t, w.Scan(context.Background(), "/root", newRecorder().visit))
	assert.ErrorIs(t, w.Suspend(), ErrNotRunning)
}

func TestStop(t *testing.T) {
	fs := afero.NewMemMapFs()
	buildTree(t, fs, "/root", 3, 3)

	rec := newRecorder()
	var w *Walker
	rec.hook = func(dir *Directory, _ Iteration) {
		if dir.Path == "/root" {
			w.Stop()
		}
	}
	w = New(Options{Workers: 2, Lister: NewLister(fs)})

	require.NoError(t, w.Scan(context.Background(), "/root", rec.visit))
	assert.Equal(t, []string{"/root"}, rec.paths())
	assert.True(t, w.Stopped())
	assert.True(t, w.IsFinished())

	assert.ErrorIs(t, w.Scan(context.Background(), "/root", rec.visit), ErrStopped)
	assert.ErrorIs(t, w.Suspend(), ErrStopped)
	assert.ErrorIs(t, w.Resume(context.Background()), ErrStopped)
	w.Stop()
}

func TestContextCancelStopsWalk(t *testing.T) {
	fs := afero.NewMemMapFs()
	buildTree(t, fs, "/root", 3, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := newRecorder()
	var w *Walker
	rec.hook = func(dir *Directory, _ Iteration) {
		if dir.Path == "/root" {
			cancel()
			// Hold the visit until the walk reacts to the cancellation.
			for !w.Stopped() {
				time.Sleep(time.Millisecond)
			}
		}
	}
	w = New(Options{Workers: 1, Lister: NewLister(fs)})

	err := w.Scan(ctx, "/root", rec.visit)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"/root"}, rec.paths())
	assert.True(t, w.Stopped())
	assert.True(t, w.IsFinished())
}

func TestScanFromKeepsParent(t *testing.T) {
	fs := afero.NewMemMapFs()
	buildTree(t, fs, "/root", 2, 2)

	parent := node.New("/root", nil)
	rec := newRecorder()
	w := New(Options{Workers: 2, Lister: NewLister(fs)})
	require.NoError(t, w.ScanFrom(context.Background(), rec.visit,
		Iteration{Path: "/root/d0", Parent: parent},
		Iteration{Path: "/root/d1", Parent: parent},
	))

	assert.Len(t, rec.paths(), 6)
	assert.Equal(t, "/root", rec.parents["/root/d0"])
	assert.Equal(t, "/root", rec.parents["/root/d1"])
	assert.NoError(t, w.ScanFrom(context.Background(), rec.visit))
}
