//go:build unix

package walker

import (
	"os"
	"syscall"
)

// DeviceOf returns the device id holding the entry, when the filesystem
// exposes one.
func DeviceOf(info os.FileInfo) (uint64, bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok || st == nil {
		return 0, false
	}
	return uint64(st.Dev), true //nolint:unconvert // Dev width differs across platforms
}
