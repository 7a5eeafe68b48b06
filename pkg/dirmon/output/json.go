package output

import (
	"bytes"
	"encoding/json"

	"github.com/jamesainslie/dirmon/pkg/dirmon/types"
)

// document is the serialized report shared by the json and yaml formats.
type document struct {
	Dirs  []DirInfo `json:"dirs" yaml:"dirs"`
	Stats docStats  `json:"stats" yaml:"stats"`
	Meta  docMeta   `json:"meta" yaml:"meta"`
}

type docStats struct {
	Visited  int64  `json:"visited" yaml:"visited"`
	Failed   int64  `json:"failed" yaml:"failed"`
	Workers  int    `json:"workers" yaml:"workers"`
	Medium   string `json:"medium,omitempty" yaml:"medium,omitempty"`
	Resyncs  int64  `json:"resyncs" yaml:"resyncs"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

type docMeta struct {
	Source         string        `json:"source" yaml:"source"`
	Threshold      int64         `json:"threshold" yaml:"threshold"`
	ThresholdHuman string        `json:"threshold_human" yaml:"threshold_human"`
	State          string        `json:"state,omitempty" yaml:"state,omitempty"`
	TotalFiles     int64         `json:"total_files" yaml:"total_files"`
	TotalSize      int64         `json:"total_size" yaml:"total_size"`
	Verified       *Verification `json:"verified,omitempty" yaml:"verified,omitempty"`
	Warnings       []string      `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Interrupted    bool          `json:"interrupted" yaml:"interrupted"`
}

func buildDocument(r *Result) document {
	dirs := r.Dirs
	if dirs == nil {
		dirs = []DirInfo{}
	}
	return document{
		Dirs: dirs,
		Stats: docStats{
			Visited:  r.Stats.Visited,
			Failed:   r.Stats.Failed,
			Workers:  r.Stats.Workers,
			Medium:   r.Stats.Medium,
			Resyncs:  r.Stats.Resyncs,
			Duration: formatDurationString(r.Stats.Duration),
		},
		Meta: docMeta{
			Source:         r.Source,
			Threshold:      r.Threshold,
			ThresholdHuman: types.FormatSize(r.Threshold),
			State:          r.State,
			TotalFiles:     r.TotalFiles,
			TotalSize:      r.TotalSize,
			Verified:       r.Verified,
			Warnings:       r.Warnings,
			Interrupted:    r.Interrupted,
		},
	}
}

// JSONFormatter writes the report as one indented JSON document.
type JSONFormatter struct{}

// Format writes the formatted output to the buffer.
func (f *JSONFormatter) Format(w *bytes.Buffer, r *Result) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(buildDocument(r))
}

func init() {
	Register("json", func() Formatter {
		return &JSONFormatter{}
	})
}

var _ Formatter = (*JSONFormatter)(nil)
