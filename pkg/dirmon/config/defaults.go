// Package config provides configuration management for dirmon.
package config

// Default configuration values.
const (
	// DefaultThreshold is the size at which a file qualifies its directory.
	DefaultThreshold = "10MiB"

	// DefaultPath is the scan root used when none is given.
	DefaultPath = "."

	// DefaultWorkers lets the storage medium decide the walk parallelism.
	DefaultWorkers = 0

	// DefaultEventBuffer is the capacity of each observer channel.
	DefaultEventBuffer = 256
)

// DefaultComponents holds the per-component log levels.
var DefaultComponents = map[string]string{
	"walker":  "info",
	"resync":  "info",
	"monitor": "info",
	"watcher": "warn",
	"tuner":   "info",
	"cli":     "info",
}
