package dexsync

import (
	"io"

	"github.com/olekukonko/tablewriter"
)

// RenderPlan writes a human-readable table of the planned mutations to
// w, for the orchestrator's dry-run mode.
func RenderPlan(w io.Writer, p Plan) {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetRowLine(true)
	table.SetHeader([]string{"Action", "Install Path"})

	if p.NoOpReason != "" {
		table.Append([]string{"no-op", p.NoOpReason})
		table.Render()
		return
	}
	for _, path := range p.ToDelete {
		table.Append([]string{"delete", path})
	}
	for _, path := range p.ToUpload {
		table.Append([]string{"upload", path})
	}
	table.Render()
}
