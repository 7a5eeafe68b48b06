package walker

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// File is a regular file found directly inside a directory.
type File struct {
	Name string
	Size int64
}

// Directory is the listing of one directory.
type Directory struct {
	// Path is the canonical directory path.
	Path string

	// Files holds the regular files directly inside the directory.
	Files []File

	// Subdirs holds the full paths of the subdirectories to descend into.
	// A visit may shrink it to prune recursion.
	Subdirs []string
}

// Lister enumerates a single directory.
type Lister interface {
	List(path string) (*Directory, error)
}

// FsLister lists directories through an afero filesystem.
// Symbolic links are ignored and subdirectories on another device than
// their parent (mount points) are not descended into.
type FsLister struct {
	fs afero.Fs
}

// NewLister returns a lister over fs. A nil fs uses the OS filesystem.
func NewLister(fs afero.Fs) *FsLister {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &FsLister{fs: fs}
}

// Fs returns the underlying filesystem.
func (l *FsLister) Fs() afero.Fs { return l.fs }

// List reads path and returns its files and subdirectories.
func (l *FsLister) List(path string) (*Directory, error) {
	info, err := l.fs.Stat(path)
	if err != nil {
		return nil, classify(path, err)
	}
	if !info.IsDir() {
		return nil, classify(path, fmt.Errorf("not a directory: %w", os.ErrNotExist))
	}
	parentDev, haveDev := DeviceOf(info)

	entries, err := afero.ReadDir(l.fs, path)
	if err != nil {
		return nil, classify(path, err)
	}

	dir := &Directory{Path: path}
	for _, entry := range entries {
		mode := entry.Mode()
		switch {
		case mode&os.ModeSymlink != 0:
			continue
		case entry.IsDir():
			if haveDev {
				if dev, ok := DeviceOf(entry); ok && dev != parentDev {
					continue
				}
			}
			dir.Subdirs = append(dir.Subdirs, filepath.Join(path, entry.Name()))
		case mode.IsRegular():
			dir.Files = append(dir.Files, File{Name: entry.Name(), Size: entry.Size()})
		}
	}
	return dir, nil
}
