package stages

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/malbeclabs/querypilot/pkg/datasource"
	"github.com/malbeclabs/querypilot/pkg/pipeline"
)

const (
	// relative change over the series below which there is no clear slope
	flatThreshold = 0.1
	// coefficient of variation above which a series without slope is volatile
	volatileCV = 0.5
	anomalyZ   = 2.5
	// a single outlier among n points scores at most sqrt(n-1) standard
	// deviations, so fewer than 8 points can never reach anomalyZ
	anomalyMinPoints = 8
	pieMaxRows       = 6
	maxFollowUps     = 3
)

// RuleInsights computes the trend and anomalies of the last numeric column,
// in row order. It returns nil when the result has no numeric series.
func RuleInsights(res datasource.Result) *pipeline.Insight {
	numeric := numericColumns(res)
	if len(numeric) == 0 || res.RowCount() < 2 {
		return nil
	}
	col := numeric[len(numeric)-1]
	values := make([]float64, 0, res.RowCount())
	rows := make([]int, 0, res.RowCount())
	for i, row := range res.Rows {
		if col >= len(row) {
			continue
		}
		if f, ok := toFloat(row[col]); ok {
			values = append(values, f)
			rows = append(rows, i)
		}
	}
	if len(values) < 2 {
		return nil
	}

	mean, std := meanStd(values)
	insight := &pipeline.Insight{Trend: trend(values, mean, std)}
	name := res.Columns[col].Name
	if len(values) >= anomalyMinPoints && std > 0 {
		for i, v := range values {
			z := (v - mean) / std
			if math.Abs(z) < anomalyZ {
				continue
			}
			dir := "above"
			if z < 0 {
				dir = "below"
			}
			insight.Anomalies = append(insight.Anomalies, pipeline.Anomaly{
				Row:    rows[i],
				Reason: fmt.Sprintf("%s %s is %.1f standard deviations %s the mean %s", name, formatNumber(v), math.Abs(z), dir, formatNumber(mean)),
			})
		}
	}
	insight.Narrative = fmt.Sprintf("%s is %s across %d rows", name, trendWords[insight.Trend], len(values))
	if n := len(insight.Anomalies); n > 0 {
		insight.Narrative += fmt.Sprintf(", with %d outlier", n)
		if n > 1 {
			insight.Narrative += "s"
		}
	}
	insight.Narrative += "."
	return insight
}

var trendWords = map[pipeline.Trend]string{
	pipeline.TrendUp:       "trending up",
	pipeline.TrendDown:     "trending down",
	pipeline.TrendFlat:     "flat",
	pipeline.TrendVolatile: "volatile",
}

// trend classifies the least-squares slope over the row index, relative to
// the mean.
func trend(values []float64, mean, std float64) pipeline.Trend {
	n := float64(len(values))
	var sxy, sxx float64
	xMean := (n - 1) / 2
	for i, v := range values {
		dx := float64(i) - xMean
		sxy += dx * (v - mean)
		sxx += dx * dx
	}
	slope := sxy / sxx
	scale := math.Abs(mean)
	if scale == 0 {
		scale = std
	}
	if scale == 0 {
		return pipeline.TrendFlat
	}
	change := slope * (n - 1) / scale
	if math.Abs(change) < flatThreshold {
		if std/scale > volatileCV {
			return pipeline.TrendVolatile
		}
		return pipeline.TrendFlat
	}
	if change > 0 {
		return pipeline.TrendUp
	}
	return pipeline.TrendDown
}

func meanStd(values []float64) (float64, float64) {
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}

// SuggestChart picks a chart for the shape of a result.
func SuggestChart(res datasource.Result) pipeline.ChartHint {
	if len(res.Columns) == 0 || res.RowCount() == 0 {
		return pipeline.ChartHint{Type: pipeline.ChartTable}
	}
	numeric := numericColumns(res)
	if res.RowCount() == 1 && len(numeric) == 1 {
		return pipeline.ChartHint{Type: pipeline.ChartNumber, Y: []string{res.Columns[numeric[0]].Name}}
	}

	var y []string
	for _, i := range numeric {
		if i != 0 {
			y = append(y, res.Columns[i].Name)
		}
	}
	if len(y) == 0 {
		return pipeline.ChartHint{Type: pipeline.ChartTable}
	}

	x := res.Columns[0].Name
	switch {
	case temporalColumn(res, 0):
		return pipeline.ChartHint{Type: pipeline.ChartLine, X: x, Y: y}
	case !isNumericColumn(res, 0):
		if res.RowCount() <= pieMaxRows && len(y) == 1 {
			return pipeline.ChartHint{Type: pipeline.ChartPie, X: x, Y: y}
		}
		return pipeline.ChartHint{Type: pipeline.ChartBar, X: x, Y: y}
	}
	return pipeline.ChartHint{Type: pipeline.ChartTable}
}

// SuggestFollowUps proposes questions for the chart a result got.
func SuggestFollowUps(chart pipeline.ChartHint, res datasource.Result) []string {
	var out []string
	y := ""
	if len(chart.Y) > 0 {
		y = chart.Y[0]
	}
	switch chart.Type {
	case pipeline.ChartLine:
		out = append(out,
			fmt.Sprintf("Which %s had the highest %s?", chart.X, y),
			fmt.Sprintf("How does %s compare with the previous period?", y),
		)
	case pipeline.ChartBar, pipeline.ChartPie:
		out = append(out,
			fmt.Sprintf("How has %s changed over time?", y),
			fmt.Sprintf("Which %s grew the most?", chart.X),
		)
	case pipeline.ChartNumber:
		out = append(out, fmt.Sprintf("How has %s changed over time?", y))
	case pipeline.ChartTable:
	}
	if res.Truncated {
		out = append(out, "Can you summarize this instead of listing every row?")
	}
	if len(out) > maxFollowUps {
		out = out[:maxFollowUps]
	}
	return out
}

func numericColumns(res datasource.Result) []int {
	var out []int
	for i := range res.Columns {
		if isNumericColumn(res, i) {
			out = append(out, i)
		}
	}
	return out
}

var numericTypeMarkers = []string{"int", "float", "double", "decimal", "numeric", "real", "number"}

func isNumericColumn(res datasource.Result, col int) bool {
	typ := strings.ToLower(res.Columns[col].Type)
	byType := false
	for _, m := range numericTypeMarkers {
		if strings.Contains(typ, m) && !strings.Contains(typ, "interval") {
			byType = true
			break
		}
	}
	seen := false
	for _, row := range res.Rows {
		if col >= len(row) || row[col] == nil {
			continue
		}
		seen = true
		if _, ok := toFloat(row[col]); !ok {
			return false
		}
	}
	return seen || byType
}

var temporalNameMarkers = []string{"date", "time", "day", "week", "month", "quarter", "year", "hour", "period"}

var temporalLayouts = []string{time.RFC3339Nano, time.RFC3339, time.DateTime, time.DateOnly, "2006-01"}

func temporalColumn(res datasource.Result, col int) bool {
	typ := strings.ToLower(res.Columns[col].Type)
	if strings.Contains(typ, "date") || strings.Contains(typ, "time") {
		return true
	}
	parsed := 0
	for _, row := range res.Rows {
		if col >= len(row) {
			continue
		}
		s, ok := row[col].(string)
		if !ok {
			continue
		}
		for _, layout := range temporalLayouts {
			if _, err := time.Parse(layout, s); err == nil {
				parsed++
				break
			}
		}
	}
	if parsed > 0 && parsed == res.RowCount() {
		return true
	}
	name := strings.ToLower(res.Columns[col].Name)
	for _, m := range temporalNameMarkers {
		if strings.Contains(name, m) {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func formatNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatFloat(f, 'f', 0, 64)
	}
	return strconv.FormatFloat(f, 'f', 2, 64)
}
