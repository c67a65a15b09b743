// Package prompts holds the system prompts of the model-backed stages. Each
// prompt is a text/template rendered once per configuration.
package prompts

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

const (
	Classify = "CLASSIFY.md"
	Select   = "SELECT.md"
	Generate = "GENERATE.md"
	Analyze  = "ANALYZE.md"
)

// seq generates a sequence of integers from start to end (inclusive)
func seq(start, end int) []int {
	if start > end {
		return []int{}
	}
	result := make([]int, end-start+1)
	for i := range result {
		result[i] = start + i
	}
	return result
}

var templateFuncs = template.FuncMap{
	"seq":   seq,
	"add":   func(a, b int) int { return a + b },
	"join":  strings.Join,
	"upper": strings.ToUpper,
}

// RenderTemplate renders a template string with the given data.
func RenderTemplate(templateContent string, data any) (string, error) {
	var buf bytes.Buffer
	tmpl := template.New("").Funcs(templateFuncs).Option("missingkey=error")
	tmpl, err := tmpl.Parse(templateContent)
	if err != nil {
		return "", err
	}
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

// Render loads an embedded prompt and renders it with the given data.
func Render(name string, data any) (string, error) {
	content, err := PromptsFS.ReadFile(name)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", name, err)
	}
	out, err := RenderTemplate(string(content), data)
	if err != nil {
		return "", fmt.Errorf("failed to render %s: %w", name, err)
	}
	return out, nil
}
