// Package tuner classifies the storage medium behind a path and derives the
// walker's degree of parallelism from it. Solid-state media are walked with
// several concurrent directory visits; rotational or unclassified media are
// walked strictly one directory at a time to avoid seek thrashing.
package tuner

import (
	"runtime"

	"github.com/jamesainslie/dirmon/pkg/dirmon/logging"
)

// Medium is the storage medium class of a path.
type Medium int

const (
	// Unknown means the medium could not be classified.
	Unknown Medium = iota
	// SolidState media have no seek penalty.
	SolidState
	// Rotational media have a seek penalty.
	Rotational
)

// String returns the medium name.
func (m Medium) String() string {
	switch m {
	case SolidState:
		return "solid-state"
	case Rotational:
		return "rotational"
	default:
		return "unknown"
	}
}

// Classifier maps a path to the medium it lives on. Implementations must
// not fail: any internal error yields Unknown.
type Classifier interface {
	Classify(path string) Medium
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(path string) Medium

// Classify calls f(path).
func (f ClassifierFunc) Classify(path string) Medium { return f(path) }

// Default classifies paths using the platform probe.
var Default Classifier = ClassifierFunc(Detect)

// Detect classifies the medium behind path using the platform probe.
func Detect(path string) Medium {
	m := detect(path)
	logging.Get("tuner").Debug("classified storage medium", "path", path, "medium", m)
	return m
}

// Parallelism returns the number of concurrent directory visits for a walk
// on medium m with cpus logical processors.
func Parallelism(m Medium, cpus int) int {
	if m != SolidState {
		return 1
	}
	return max(1, cpus/2)
}

// Workers resolves the worker count for a walk rooted at path. A positive
// override replaces the medium policy.
func Workers(c Classifier, path string, override int) (int, Medium) {
	if override > 0 {
		return override, Unknown
	}
	if c == nil {
		c = Default
	}
	m := c.Classify(path)
	return Parallelism(m, runtime.NumCPU()), m
}
