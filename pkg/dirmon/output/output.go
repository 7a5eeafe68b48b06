// Package output renders index reports of a scan root in several formats
// (pretty, plain, json, yaml, tsv, csv, paths, template).
//
// Formatters are registered by name and selected at runtime:
//
//	formatter, err := output.Get("pretty")
//	if err != nil {
//	    return err
//	}
//	var buf bytes.Buffer
//	if err := formatter.Format(&buf, result); err != nil {
//	    return err
//	}
package output

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jamesainslie/dirmon/pkg/dirmon/node"
	"github.com/jamesainslie/dirmon/pkg/dirmon/types"
)

// DirInfo is one materialized directory of a report.
type DirInfo struct {
	// Path is the absolute canonical path.
	Path string `json:"path" yaml:"path"`

	// Depth is the number of path elements below the scan root.
	Depth int `json:"depth" yaml:"depth"`

	// Files is the number of files in the whole subtree.
	Files int64 `json:"files" yaml:"files"`

	// Size is the byte size of the whole subtree.
	Size int64 `json:"size" yaml:"size"`

	// SizeHuman is Size formatted for display (e.g. "1.5 GiB").
	SizeHuman string `json:"size_human" yaml:"size_human"`

	// OwnFiles and OwnSize cover files directly inside the directory.
	OwnFiles int64 `json:"own_files" yaml:"own_files"`
	OwnSize  int64 `json:"own_size" yaml:"own_size"`

	// BigFiles counts direct files at or above the threshold.
	BigFiles int `json:"big_files" yaml:"big_files"`
}

// ScanStats describes the walk that built the index.
type ScanStats struct {
	Visited  int64         `json:"visited" yaml:"visited"`
	Failed   int64         `json:"failed" yaml:"failed"`
	Workers  int           `json:"workers" yaml:"workers"`
	Medium   string        `json:"medium" yaml:"medium"`
	Resyncs  int64         `json:"resyncs" yaml:"resyncs"`
	Duration time.Duration `json:"duration" yaml:"duration"`
}

// Verification compares the root aggregate with an independent measurement.
type Verification struct {
	Files int64 `json:"files" yaml:"files"`
	Size  int64 `json:"size" yaml:"size"`
	Match bool  `json:"match" yaml:"match"`
}

// Result is everything a formatter renders.
type Result struct {
	// Source is the scan root.
	Source string `json:"source" yaml:"source"`

	// Threshold is the qualifying file size in bytes.
	Threshold int64 `json:"threshold" yaml:"threshold"`

	// State is the monitor state when the report was taken.
	State string `json:"state" yaml:"state"`

	// Dirs holds the materialized directories sorted by path.
	Dirs []DirInfo `json:"dirs" yaml:"dirs"`

	// TotalFiles and TotalSize are the scan root aggregates.
	TotalFiles int64 `json:"total_files" yaml:"total_files"`
	TotalSize  int64 `json:"total_size" yaml:"total_size"`

	Stats ScanStats `json:"stats" yaml:"stats"`

	// Verified is set when the root aggregate was checked.
	Verified *Verification `json:"verified,omitempty" yaml:"verified,omitempty"`

	Warnings []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`

	// Interrupted indicates the scan was stopped before it completed.
	Interrupted bool `json:"interrupted" yaml:"interrupted"`
}

// NewResult builds a report from the scan root record and the materialized
// records.
func NewResult(source string, threshold int64, root *node.Node, nodes []*node.Node) *Result {
	r := &Result{
		Source:    source,
		Threshold: threshold,
		Dirs:      make([]DirInfo, 0, len(nodes)),
	}
	if root != nil {
		total := root.Total()
		r.TotalFiles, r.TotalSize = total.Count, total.Size
	}

	for _, n := range nodes {
		total, own := n.Total(), n.Own()
		r.Dirs = append(r.Dirs, DirInfo{
			Path:      n.Path(),
			Depth:     depth(source, n.Path()),
			Files:     total.Count,
			Size:      total.Size,
			SizeHuman: types.FormatSize(total.Size),
			OwnFiles:  own.Count,
			OwnSize:   own.Size,
			BigFiles:  n.BigFiles(),
		})
	}
	sort.Slice(r.Dirs, func(i, j int) bool { return r.Dirs[i].Path < r.Dirs[j].Path })
	return r
}

// Verify records a measurement of the tree and whether it matches the
// root aggregate.
func (r *Result) Verify(measured node.Totals) {
	r.Verified = &Verification{
		Files: measured.Count,
		Size:  measured.Size,
		Match: measured.Count == r.TotalFiles && measured.Size == r.TotalSize,
	}
}

func depth(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return 0
	}
	return strings.Count(rel, string(filepath.Separator)) + 1
}

// Formatter renders a Result.
type Formatter interface {
	// Format writes the rendered result to the buffer.
	Format(w *bytes.Buffer, r *Result) error
}

// FormatterFactory creates a new Formatter instance.
type FormatterFactory func() Formatter

// Registry manages formatter registration and lookup.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]FormatterFactory
}

// NewRegistry creates an empty formatter registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]FormatterFactory),
	}
}

// Register adds a formatter factory, replacing any with the same name.
func (r *Registry) Register(name string, factory FormatterFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Get returns a new formatter instance by name.
func (r *Registry) Get(name string) (Formatter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown formatter: %s", name)
	}
	return factory(), nil
}

// Available returns the sorted names of all registered formatters.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry is the global formatter registry.
var DefaultRegistry = NewRegistry()

// Register adds a formatter factory to the default registry.
func Register(name string, factory FormatterFactory) {
	DefaultRegistry.Register(name, factory)
}

// Get returns a new formatter instance from the default registry.
func Get(name string) (Formatter, error) {
	return DefaultRegistry.Get(name)
}

// Available returns all formatter names from the default registry.
func Available() []string {
	return DefaultRegistry.Available()
}

func formatDurationString(d time.Duration) string {
	if d == 0 {
		return ""
	}
	return d.String()
}
