package github

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePatch_BasicHunk(t *testing.T) {
	f := ChangedFile{
		Filename: "u.py",
		Status:   StatusModified,
		Patch:    "@@ -10,2 +10,3 @@\n ctx\n-old\n+new1\n+new2",
	}
	f.ParsePatch()

	assert.Equal(t, []DiffLine{{11, "new1"}, {12, "new2"}}, f.AddedLines)
	assert.Equal(t, []DiffLine{{11, "old"}}, f.RemovedLines)
	assert.Equal(t, []ContextLine{{OldNumber: 10, NewNumber: 10, Content: "ctx"}}, f.ContextLines)
}

func TestParsePatch_MultipleHunksResetCounters(t *testing.T) {
	f := ChangedFile{
		Patch: "@@ -1,2 +1,2 @@\n a\n-b\n+B\n@@ -20,1 +20,2 @@\n c\n+d",
	}
	f.ParsePatch()

	require.Len(t, f.AddedLines, 2)
	assert.Equal(t, DiffLine{2, "B"}, f.AddedLines[0])
	assert.Equal(t, DiffLine{21, "d"}, f.AddedLines[1])
	require.Len(t, f.ContextLines, 2)
	assert.Equal(t, 20, f.ContextLines[1].OldNumber)
	assert.Equal(t, 20, f.ContextLines[1].NewNumber)
}

func TestParsePatch_ContextLinesStrictlyIncreasing(t *testing.T) {
	f := ChangedFile{
		Patch: "@@ -5,4 +5,5 @@\n one\n two\n+added\n three\n four",
	}
	f.ParsePatch()

	prevOld, prevNew := 0, 0
	for _, c := range f.ContextLines {
		assert.Greater(t, c.OldNumber, prevOld)
		assert.Greater(t, c.NewNumber, prevNew)
		prevOld, prevNew = c.OldNumber, c.NewNumber
	}
	assert.Equal(t, []DiffLine{{7, "added"}}, f.AddedLines)
}

func TestParsePatch_HeaderLinesIgnored(t *testing.T) {
	f := ChangedFile{
		Patch: "--- a/u.py\n+++ b/u.py\n@@ -1,1 +1,1 @@\n-x\n+y",
	}
	f.ParsePatch()

	assert.Equal(t, []DiffLine{{1, "y"}}, f.AddedLines)
	assert.Equal(t, []DiffLine{{1, "x"}}, f.RemovedLines)
}

func TestParsePatch_EmptyPatchBinaryFile(t *testing.T) {
	f := ChangedFile{Filename: "logo.png", Status: StatusModified}
	f.ParsePatch()

	assert.Empty(t, f.AddedLines)
	assert.Empty(t, f.RemovedLines)
	assert.Empty(t, f.ContextLines)
}

func TestParsePatch_NoNewlineMarker(t *testing.T) {
	f := ChangedFile{
		Patch: "@@ -1,1 +1,1 @@\n-x\n+y\n\\ No newline at end of file",
	}
	f.ParsePatch()

	assert.Equal(t, []DiffLine{{1, "y"}}, f.AddedLines)
}

func TestChangedLineNumbers(t *testing.T) {
	f := ChangedFile{
		Patch: "@@ -10,2 +10,3 @@\n ctx\n-old\n+new1\n+new2",
	}
	f.ParsePatch()

	assert.Equal(t, []int{11, 12}, f.ChangedLineNumbers())
}
