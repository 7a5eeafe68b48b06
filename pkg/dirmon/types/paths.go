package types

import (
	"path/filepath"
	"strings"
)

// Canonical returns the absolute, cleaned form of path. It is the identity
// used for index keys and watch registrations.
func Canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// IsSubPath reports whether path is strictly below parent.
func IsSubPath(path, parent string) bool {
	if parent == string(filepath.Separator) {
		return len(path) > 1 && strings.HasPrefix(path, parent)
	}
	return len(path) > len(parent) && path[:len(parent)+1] == parent+string(filepath.Separator)
}

// ParentPath returns the parent directory of path and false when path is
// already a volume root.
func ParentPath(path string) (string, bool) {
	parent := filepath.Dir(path)
	if parent == path || parent == "." {
		return "", false
	}
	return parent, true
}

// ChildToward returns the direct child of ancestor that lies on the way to
// path. It returns false when path is not below ancestor.
func ChildToward(ancestor, path string) (string, bool) {
	if !IsSubPath(path, ancestor) {
		return "", false
	}
	rest := strings.TrimPrefix(path, ancestor)
	rest = strings.TrimPrefix(rest, string(filepath.Separator))
	if i := strings.IndexRune(rest, filepath.Separator); i >= 0 {
		rest = rest[:i]
	}
	return filepath.Join(ancestor, rest), true
}
