package pipeline

import (
	"fmt"
	"strings"

	"github.com/malbeclabs/querypilot/pkg/conversation"
	"github.com/malbeclabs/querypilot/pkg/datasource"
	"github.com/malbeclabs/querypilot/pkg/sqlcheck"
)

func clarificationText(candidates []conversation.TableCandidate) string {
	var sb strings.Builder
	sb.WriteString("Several tables could answer this. Which one should I use?")
	for i, c := range candidates {
		fmt.Fprintf(&sb, "\n%d. %s", i+1, c.TableID)
		if c.Reason != "" {
			fmt.Fprintf(&sb, ": %s", c.Reason)
		}
	}
	return sb.String()
}

func thinkingText(sel conversation.Selection, feedback []sqlcheck.Violation) string {
	if len(feedback) > 0 {
		return fmt.Sprintf("The previous query was rejected (%s). Writing a corrected query.", feedback[0].Rule)
	}
	return fmt.Sprintf("Writing a query over %s.", strings.Join(sel.Tables, ", "))
}

func sqlMessage(cand SqlCandidate) string {
	if cand.Rationale != "" {
		return cand.Rationale
	}
	return "Here is the query I'll run."
}

func rawResultText(res datasource.Result) string {
	switch n := res.RowCount(); {
	case n == 0:
		return "The query returned no rows."
	case n == 1:
		return "The query returned 1 row."
	case res.Truncated:
		return fmt.Sprintf("The query returned more than %d rows; showing the first %d.", n, n)
	default:
		return fmt.Sprintf("The query returned %d rows.", n)
	}
}
