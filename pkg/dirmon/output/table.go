package output

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
)

// TSVFormatter writes tab-separated values with a header row.
type TSVFormatter struct{}

// Format writes the formatted output to the buffer.
func (f *TSVFormatter) Format(w *bytes.Buffer, r *Result) error {
	w.WriteString("SIZE\tFILES\tBIG\tPATH\n")
	for _, d := range r.Dirs {
		fmt.Fprintf(w, "%d\t%d\t%d\t%s\n", d.Size, d.Files, d.BigFiles, d.Path)
	}
	return nil
}

func init() {
	Register("tsv", func() Formatter {
		return &TSVFormatter{}
	})
}

// CSVFormatter writes RFC 4180 comma-separated values.
type CSVFormatter struct{}

// Format writes the formatted output to the buffer.
func (f *CSVFormatter) Format(w *bytes.Buffer, r *Result) error {
	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"size", "files", "big_files", "path"}); err != nil {
		return err
	}
	for _, d := range r.Dirs {
		row := []string{
			strconv.FormatInt(d.Size, 10),
			strconv.FormatInt(d.Files, 10),
			strconv.Itoa(d.BigFiles),
			d.Path,
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func init() {
	Register("csv", func() Formatter {
		return &CSVFormatter{}
	})
}

// PathsFormatter writes one directory path per line.
type PathsFormatter struct{}

// Format writes the formatted output to the buffer.
func (f *PathsFormatter) Format(w *bytes.Buffer, r *Result) error {
	for _, d := range r.Dirs {
		w.WriteString(d.Path)
		w.WriteByte('\n')
	}
	return nil
}

func init() {
	Register("paths", func() Formatter {
		return &PathsFormatter{}
	})
}

var (
	_ Formatter = (*TSVFormatter)(nil)
	_ Formatter = (*CSVFormatter)(nil)
	_ Formatter = (*PathsFormatter)(nil)
)
