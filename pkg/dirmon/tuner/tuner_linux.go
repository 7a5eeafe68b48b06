//go:build linux

package tuner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// sysfsRoot is where the block device tree is mounted.
var sysfsRoot = "/sys"

// detect reads the rotational flag of the block device holding path.
func detect(path string) Medium {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return Unknown
	}
	dev := uint64(st.Dev) //nolint:unconvert // Dev width differs across architectures
	return classifyDevice(sysfsRoot, unix.Major(dev), unix.Minor(dev))
}

// classifyDevice looks up queue/rotational for the device. Partitions have
// no queue directory of their own, so the parent disk is consulted.
func classifyDevice(sysRoot string, major, minor uint32) Medium {
	devDir := filepath.Join(sysRoot, "dev", "block", fmt.Sprintf("%d:%d", major, minor))

	if m, ok := readRotational(filepath.Join(devDir, "queue", "rotational")); ok {
		return m
	}

	resolved, err := filepath.EvalSymlinks(devDir)
	if err != nil {
		return Unknown
	}
	if m, ok := readRotational(filepath.Join(filepath.Dir(resolved), "queue", "rotational")); ok {
		return m
	}
	return Unknown
}

func readRotational(path string) (Medium, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Unknown, false
	}
	switch strings.TrimSpace(string(data)) {
	case "0":
		return SolidState, true
	case "1":
		return Rotational, true
	default:
		return Unknown, false
	}
}
