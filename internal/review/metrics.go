package review

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"path"
	"strings"
)

// Metrics summarizes the size and shape of the collected code.
type Metrics struct {
	Files       int
	GoFiles     int
	Lines       int
	Functions   int
	AvgFuncLen  float64
	MaxFuncLen  int
	MaxFuncName string
	ByExt       map[string]int
}

// computeMetrics counts lines for every section and measures Go functions
// from the syntax tree. Files that do not parse only count lines.
func computeMetrics(sections []Section) Metrics {
	m := Metrics{Files: len(sections), ByExt: make(map[string]int)}
	total := 0
	for _, s := range sections {
		m.Lines += strings.Count(s.Content, "\n") + 1
		ext := path.Ext(s.Path)
		if ext == "" {
			ext = "(none)"
		}
		m.ByExt[ext]++
		if ext != ".go" {
			continue
		}
		m.GoFiles++

		fset := token.NewFileSet()
		file, err := parser.ParseFile(fset, s.Path, s.Content, parser.SkipObjectResolution)
		if err != nil {
			continue
		}
		ast.Inspect(file, func(n ast.Node) bool {
			fn, ok := n.(*ast.FuncDecl)
			if !ok || fn.Body == nil {
				return true
			}
			length := fset.Position(fn.End()).Line - fset.Position(fn.Pos()).Line + 1
			m.Functions++
			total += length
			if length > m.MaxFuncLen {
				m.MaxFuncLen = length
				m.MaxFuncName = s.Path + ":" + fn.Name.Name
			}
			return false
		})
	}
	if m.Functions > 0 {
		m.AvgFuncLen = float64(total) / float64(m.Functions)
	}
	return m
}

// String renders the metrics block that heads every report.
func (m Metrics) String() string {
	var sb strings.Builder
	sb.WriteString("Complexity metrics:\n")
	fmt.Fprintf(&sb, "  Files: %d (Go: %d)\n", m.Files, m.GoFiles)
	fmt.Fprintf(&sb, "  Lines: %d\n", m.Lines)
	fmt.Fprintf(&sb, "  Functions: %d\n", m.Functions)
	fmt.Fprintf(&sb, "  Avg function length: %.1f lines\n", m.AvgFuncLen)
	fmt.Fprintf(&sb, "  Max function length: %d lines", m.MaxFuncLen)
	if m.MaxFuncName != "" {
		fmt.Fprintf(&sb, " (%s)", m.MaxFuncName)
	}
	if len(m.ByExt) > 0 {
		parts := make([]string, 0, len(m.ByExt))
		for _, ext := range sortedKeys(m.ByExt) {
			parts = append(parts, fmt.Sprintf("%s=%d", ext, m.ByExt[ext]))
		}
		sb.WriteString("\n  By extension: " + strings.Join(parts, " "))
	}
	return sb.String()
}
