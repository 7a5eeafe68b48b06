package output

import (
	"fmt"

	"github.com/jamesainslie/dirmon/pkg/dirmon/broadcaster"
	"github.com/jamesainslie/dirmon/pkg/dirmon/types"
)

// EventLine renders one index event for a live log. Styled lines use the
// report palette.
func EventLine(e *broadcaster.Event, styled bool) string {
	mark, kind := "+", "add"
	if e.Type == broadcaster.EventDelete {
		mark, kind = "-", "delete"
	}
	stamp := e.Time.Format("15:04:05")
	size := types.FormatSize(e.Totals.Size)
	files := types.FormatCount(e.Totals.Count) + " files"

	if !styled {
		return fmt.Sprintf("%s %s %-6s %s %s (%s)", stamp, mark, kind, e.Path, size, files)
	}

	style := SuccessStyle
	if e.Type == broadcaster.EventDelete {
		style = ErrorStyle
	}
	return fmt.Sprintf("%s %s %s %s (%s)",
		MutedStyle.Render(stamp),
		style.Bold(true).Render(mark+" "+fmt.Sprintf("%-6s", kind)),
		PathStyle.Render(e.Path),
		SizeStyle.Render(size),
		MutedStyle.Render(files))
}
