package diff

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiffSingleChange(t *testing.T) {
	result := NewEngine(1).Diff([]byte("a\nb\nc\n"), []byte("a\nB\nc\n"))

	assert.Equal(t, Stats{Additions: 1, Deletions: 1}, result.Stats)
	require.Len(t, result.Hunks, 1)
	assert.Equal(t, "@@ -1,3 +1,3 @@\n  a\n- b\n+ B\n  c\n", result.Format())
}

func TestDiffSeparateHunks(t *testing.T) {
	var oldLines, newLines []string
	for i := 0; i < 20; i++ {
		line := strings.Repeat("x", i+1)
		oldLines = append(oldLines, line)
		newLines = append(newLines, line)
	}
	newLines[2] = "changed near top"
	newLines[17] = "changed near bottom"

	result := NewEngine(2).Diff(
		[]byte(strings.Join(oldLines, "\n")),
		[]byte(strings.Join(newLines, "\n")))

	require.Len(t, result.Hunks, 2)
	assert.Equal(t, 1, result.Hunks[0].OldStart)
	assert.Equal(t, 5, result.Hunks[0].OldLines)
	assert.Equal(t, 16, result.Hunks[1].OldStart)
	assert.Equal(t, Stats{Additions: 2, Deletions: 2}, result.Stats)
}

func TestDiffCloseChangesMerge(t *testing.T) {
	result := NewEngine(2).Diff(
		[]byte("1\n2\n3\n4\n5\n6\n"),
		[]byte("1\nX\n3\n4\nY\n6\n"))
	require.Len(t, result.Hunks, 1)
}

func TestDiffEdgeCases(t *testing.T) {
	tests := []struct {
		name     string
		old, new string
		hunks    int
		stats    Stats
	}{
		{"identical", "a\nb\n", "a\nb\n", 0, Stats{}},
		{"from empty", "", "a\nb\n", 1, Stats{Additions: 2}},
		{"to empty", "a\nb\n", "", 1, Stats{Deletions: 2}},
		{"append", "a\n", "a\nb\n", 1, Stats{Additions: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := NewEngine(3).Diff([]byte(tt.old), []byte(tt.new))
			assert.Len(t, result.Hunks, tt.hunks)
			assert.Equal(t, tt.stats, result.Stats)
		})
	}
}

func TestDiffBinaryAndTooLarge(t *testing.T) {
	result := NewEngine(3).Diff([]byte{0x00, 0x01}, []byte("text"))
	assert.True(t, result.Binary)
	assert.Equal(t, "binary content differs\n", result.Format())

	result = NewEngine(3).WithMaxLines(2).Diff([]byte("a\nb\nc\n"), []byte("a\n"))
	assert.True(t, result.TooLarge)
	assert.Equal(t, "diff too large: -3 +1 lines\n", result.Format())
}
