// Package diff renders line diffs between two versions of a mirrored file.
package diff

import (
	"bytes"
	"fmt"
)

// Line represents a single line in a diff with its type and content
type Line struct {
	Type    LineType
	Content string
	OldNum  int
	NewNum  int
}

// LineType indicates whether a line was added, removed, or is context
type LineType int

const (
	Context LineType = iota
	Addition
	Deletion
)

type Stats struct {
	Additions int
	Deletions int
}

// DiffResult contains the complete diff information
type DiffResult struct {
	Hunks  []Hunk
	Stats  Stats
	Binary bool
	// TooLarge is set when either side exceeds the engine's line limit;
	// Hunks is empty and Stats counts whole files.
	TooLarge bool
}

// Hunk represents a continuous section of changes
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Lines    []Line
}

// Engine provides diffing capabilities
type Engine struct {
	contextLines int
	maxLines     int
}

const DefaultMaxLines = 4000

// NewEngine creates a new diff engine with specified context lines
func NewEngine(contextLines int) *Engine {
	return &Engine{
		contextLines: contextLines,
		maxLines:     DefaultMaxLines,
	}
}

// WithMaxLines bounds the quadratic LCS table.
func (e *Engine) WithMaxLines(n int) *Engine {
	e.maxLines = n
	return e
}

func splitLines(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}
	return bytes.Split(bytes.TrimSuffix(data, []byte{'\n'}), []byte{'\n'})
}

func isBinary(data []byte) bool {
	if len(data) > 8000 {
		data = data[:8000]
	}
	return bytes.IndexByte(data, 0) >= 0
}

// Diff generates a line-by-line diff between two contents
func (e *Engine) Diff(oldContent, newContent []byte) *DiffResult {
	result := &DiffResult{}
	if isBinary(oldContent) || isBinary(newContent) {
		result.Binary = true
		return result
	}

	oldLines := splitLines(oldContent)
	newLines := splitLines(newContent)

	if e.maxLines > 0 && (len(oldLines) > e.maxLines || len(newLines) > e.maxLines) {
		result.TooLarge = true
		result.Stats = Stats{Additions: len(newLines), Deletions: len(oldLines)}
		return result
	}

	script := e.editScript(oldLines, newLines)
	result.Hunks = e.group(script)
	for _, line := range script {
		switch line.Type {
		case Addition:
			result.Stats.Additions++
		case Deletion:
			result.Stats.Deletions++
		}
	}
	return result
}

// editScript walks the LCS table forward, emitting every line of both
// files once with its line numbers.
func (e *Engine) editScript(oldLines, newLines [][]byte) []Line {
	n, m := len(oldLines), len(newLines)

	// lcs[i][j] is the LCS length of oldLines[i:] and newLines[j:]
	lcs := make([][]int, n+1)
	for i := range lcs {
		lcs[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if bytes.Equal(oldLines[i], newLines[j]) {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else {
				lcs[i][j] = max(lcs[i+1][j], lcs[i][j+1])
			}
		}
	}

	script := make([]Line, 0, n+m)
	i, j := 0, 0
	for i < n || j < m {
		switch {
		case i < n && j < m && bytes.Equal(oldLines[i], newLines[j]):
			script = append(script, Line{Type: Context, Content: string(oldLines[i]), OldNum: i + 1, NewNum: j + 1})
			i++
			j++
		case i < n && (j == m || lcs[i+1][j] >= lcs[i][j+1]):
			script = append(script, Line{Type: Deletion, Content: string(oldLines[i]), OldNum: i + 1})
			i++
		default:
			script = append(script, Line{Type: Addition, Content: string(newLines[j]), NewNum: j + 1})
			j++
		}
	}
	return script
}

// group cuts the script into hunks, keeping contextLines of unchanged
// lines around each change and merging hunks whose context overlaps.
func (e *Engine) group(script []Line) []Hunk {
	var hunks []Hunk
	ctx := e.contextLines

	for idx := 0; idx < len(script); {
		if script[idx].Type == Context {
			idx++
			continue
		}

		start := max(0, idx-ctx)
		end := idx
		for end < len(script) {
			if script[end].Type != Context {
				end++
				continue
			}
			run := end
			for run < len(script) && script[run].Type == Context {
				run++
			}
			if run == len(script) || run-end > 2*ctx {
				end = min(end+ctx, len(script))
				break
			}
			end = run
		}

		hunks = append(hunks, newHunk(script[start:end]))
		idx = end
	}
	return hunks
}

func newHunk(lines []Line) Hunk {
	h := Hunk{Lines: append([]Line(nil), lines...)}
	for _, l := range lines {
		if l.Type != Addition {
			if h.OldStart == 0 {
				h.OldStart = l.OldNum
			}
			h.OldLines++
		}
		if l.Type != Deletion {
			if h.NewStart == 0 {
				h.NewStart = l.NewNum
			}
			h.NewLines++
		}
	}
	return h
}

// Format returns a string representation of the diff
func (r *DiffResult) Format() string {
	switch {
	case r.Binary:
		return "binary content differs\n"
	case r.TooLarge:
		return fmt.Sprintf("diff too large: -%d +%d lines\n", r.Stats.Deletions, r.Stats.Additions)
	}

	var buf bytes.Buffer
	for _, hunk := range r.Hunks {
		fmt.Fprintf(&buf, "@@ -%d,%d +%d,%d @@\n",
			hunk.OldStart, hunk.OldLines,
			hunk.NewStart, hunk.NewLines)

		for _, line := range hunk.Lines {
			buf.WriteString(line.Type.Prefix())
			buf.WriteString(line.Content)
			buf.WriteString("\n")
		}
	}
	return buf.String()
}

func (t LineType) Prefix() string {
	switch t {
	case Addition:
		return "+ "
	case Deletion:
		return "- "
	default:
		return "  "
	}
}
