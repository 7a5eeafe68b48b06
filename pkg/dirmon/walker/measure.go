package walker

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"sync/atomic"

	"github.com/charlievieth/fastwalk"

	"github.com/jamesainslie/dirmon/pkg/dirmon/node"
)

// Measure computes the size and count of every regular file below root in
// one independent pass on the OS filesystem. It follows the same rules as
// FsLister (no symlinks, no other devices) and is used to cross-check the
// aggregates held by the index.
func Measure(ctx context.Context, root string) (node.Totals, error) {
	info, err := os.Stat(root)
	if err != nil {
		return node.Totals{}, fmt.Errorf("%w: %w", ErrInvalidRoot, err)
	}
	rootDev, haveDev := DeviceOf(info)

	var count, size atomic.Int64
	conf := fastwalk.Config{
		Follow: false,
	}

	err = fastwalk.Walk(&conf, root, func(path string, d fs.DirEntry, walkErr error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if walkErr != nil {
			return nil //nolint:nilerr // unreadable entries are skipped like in a walk
		}

		if d.IsDir() {
			if path == root || !haveDev {
				return nil
			}
			di, err := d.Info()
			if err != nil {
				return fastwalk.SkipDir
			}
			if dev, ok := DeviceOf(di); ok && dev != rootDev {
				return fastwalk.SkipDir
			}
			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil //nolint:nilerr // vanished between readdir and stat
		}
		count.Add(1)
		size.Add(fi.Size())
		return nil
	})
	if err != nil {
		return node.Totals{}, err
	}

	return node.Totals{Count: count.Load(), Size: size.Load()}, nil
}
