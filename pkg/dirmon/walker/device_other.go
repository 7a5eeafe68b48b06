//go:build !unix

package walker

import "os"

// DeviceOf reports no device where the platform does not expose one.
func DeviceOf(os.FileInfo) (uint64, bool) {
	return 0, false
}
