package datasource

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
)

// WriteTable renders up to maxRows rows of the result as a text table. Zero
// maxRows renders every row.
func (r Result) WriteTable(w io.Writer, maxRows int) {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetHeader(r.ColumnNames())

	rows := r.Rows
	if maxRows > 0 && len(rows) > maxRows {
		rows = rows[:maxRows]
	}
	for _, row := range rows {
		cells := make([]string, len(r.Columns))
		for i := range cells {
			if i < len(row) {
				cells[i] = FormatValue(row[i])
			}
		}
		table.Append(cells)
	}
	table.Render()
}

// FormatValue renders a result cell for display.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}
