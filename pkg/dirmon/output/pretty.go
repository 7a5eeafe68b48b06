package output

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/jamesainslie/dirmon/pkg/dirmon/types"
)

// PrettyFormatter renders a styled terminal report with lipgloss. The
// directory table is indented by depth below the scan root.
type PrettyFormatter struct{}

// Format writes the formatted output to the buffer.
func (f *PrettyFormatter) Format(w *bytes.Buffer, r *Result) error {
	w.WriteString(f.formatHeader(r))
	w.WriteString("\n")
	w.WriteString(f.formatTable(r))
	w.WriteString(f.formatFooter(r))
	w.WriteString("\n")

	if len(r.Warnings) > 0 {
		w.WriteString(f.formatWarnings(r.Warnings))
	}
	return nil
}

func (f *PrettyFormatter) formatHeader(r *Result) string {
	var lines []string

	lines = append(lines, fmt.Sprintf("%s %s  %s %s",
		LabelStyle.Render("Source:"), ValueStyle.Render(r.Source),
		LabelStyle.Render("Threshold:"), ValueStyle.Render(types.FormatSize(r.Threshold))))

	walk := fmt.Sprintf("%s dirs in %s", types.FormatCount(r.Stats.Visited), formatDuration(r.Stats.Duration.Seconds()))
	info := []string{fmt.Sprintf("%s %s", LabelStyle.Render("Walked:"), ValueStyle.Render(walk))}
	if r.Stats.Workers > 0 {
		info = append(info, MutedStyle.Render(fmt.Sprintf("%d workers, %s", r.Stats.Workers, r.Stats.Medium)))
	}
	if r.Stats.Failed > 0 {
		info = append(info, WarningStyle.Render(fmt.Sprintf("%d unreadable", r.Stats.Failed)))
	}
	if r.State != "" {
		info = append(info, f.formatState(r.State))
	}
	lines = append(lines, strings.Join(info, "  "))

	if r.Verified != nil {
		lines = append(lines, f.formatVerified(r))
	}
	if r.Interrupted {
		lines = append(lines, WarningStyle.Bold(true).Render("Scan interrupted"))
	}

	return HeaderBox.Render(strings.Join(lines, "\n"))
}

func (f *PrettyFormatter) formatState(state string) string {
	switch state {
	case "watching":
		return SuccessStyle.Render("state: watching")
	case "suspended", "stopped":
		return WarningStyle.Render("state: " + state)
	default:
		return LabelStyle.Render("state: ") + ValueStyle.Render(state)
	}
}

func (f *PrettyFormatter) formatVerified(r *Result) string {
	v := r.Verified
	measured := fmt.Sprintf("%s files, %s", types.FormatCount(v.Files), types.FormatSize(v.Size))
	if v.Match {
		return LabelStyle.Render("Verified:") + " " + SuccessStyle.Render(measured)
	}
	return LabelStyle.Render("Verified:") + " " + ErrorStyle.Render("mismatch, measured "+measured)
}

func (f *PrettyFormatter) formatTable(r *Result) string {
	if len(r.Dirs) == 0 {
		return MutedStyle.Render("  No directory holds a file at or above the threshold") + "\n"
	}

	sizeWidth, countWidth := 8, 5
	counts := make([]string, len(r.Dirs))
	for i, d := range r.Dirs {
		sizeWidth = max(sizeWidth, len(d.SizeHuman))
		counts[i] = types.FormatCount(d.Files)
		countWidth = max(countWidth, len(counts[i]))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "  %s%s%s\n",
		TableHeaderStyle.Render(padLeft("SIZE", sizeWidth)),
		TableHeaderStyle.Render(padLeft("FILES", countWidth)),
		TableHeaderStyle.Render("PATH"))

	for i, d := range r.Dirs {
		path := d.Path
		if d.Depth > 0 {
			path = strings.Repeat("  ", d.Depth-1) + lastElem(d.Path)
		}
		pathStr := PathStyle.Render(path)
		if d.BigFiles > 0 {
			pathStr += " " + BigStyle.Render(fmt.Sprintf("(%d big)", d.BigFiles))
		}
		fmt.Fprintf(&sb, "  %s  %s  %s\n",
			SizeStyle.Render(padLeft(d.SizeHuman, sizeWidth)),
			ValueStyle.Render(padLeft(counts[i], countWidth)),
			pathStr)
	}
	return sb.String()
}

func (f *PrettyFormatter) formatFooter(r *Result) string {
	parts := []string{
		fmt.Sprintf("%s %s", LabelStyle.Render("Indexed:"), ValueStyle.Render(fmt.Sprintf("%d dirs", len(r.Dirs)))),
		fmt.Sprintf("%s %s", LabelStyle.Render("Files:"), ValueStyle.Render(types.FormatCount(r.TotalFiles))),
		fmt.Sprintf("%s %s", LabelStyle.Render("Total:"), SizeStyle.Render(types.FormatSize(r.TotalSize))),
		MutedStyle.Render("Use --format plain for unformatted output"),
	}
	return FooterBox.Render(strings.Join(parts, "  "))
}

func (f *PrettyFormatter) formatWarnings(warnings []string) string {
	var sb strings.Builder
	sb.WriteString(WarningStyle.Bold(true).Render("Warnings:"))
	sb.WriteString("\n")
	for _, warning := range warnings {
		sb.WriteString(WarningStyle.Render("  " + warning))
		sb.WriteString("\n")
	}
	return sb.String()
}

func padLeft(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat(" ", width-len(s)) + s
}

func lastElem(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 && i < len(path)-1 {
		return path[i+1:]
	}
	return path
}

// formatDuration renders seconds for humans.
func formatDuration(sec float64) string {
	if sec < 1 {
		return fmt.Sprintf("%.0fms", sec*1000)
	}
	if sec < 60 {
		return fmt.Sprintf("%.1fs", sec)
	}
	minutes := int(sec) / 60
	seconds := int(sec) % 60
	if minutes < 60 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%dh %dm", minutes/60, minutes%60)
}

func init() {
	Register("pretty", func() Formatter {
		return &PrettyFormatter{}
	})
}

var _ Formatter = (*PrettyFormatter)(nil)
