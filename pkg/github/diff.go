package github

import (
	"regexp"
	"strconv"
	"strings"
)

// FileStatus classifies how a file changed in a pull request.
type FileStatus string

const (
	StatusAdded    FileStatus = "added"
	StatusModified FileStatus = "modified"
	StatusRemoved  FileStatus = "removed"
)

// DiffLine is one line of a parsed patch on a single side of the diff.
type DiffLine struct {
	// Number is the line number on the relevant side: new-file numbering
	// for added lines, old-file numbering for removed lines.
	Number int `json:"line"`
	// Content is the line text without the leading +/- marker.
	Content string `json:"content"`
}

// ContextLine is an unchanged line present on both sides of the diff.
type ContextLine struct {
	OldNumber int    `json:"old_line"`
	NewNumber int    `json:"new_line"`
	Content   string `json:"content"`
}

// ChangedFile is one file of a pull request diff with its parsed line
// projections. For added/modified text files ParsePatch populates the
// projections; removed and binary files have no added lines.
type ChangedFile struct {
	Filename  string     `json:"filename"`
	Status    FileStatus `json:"status"`
	Additions int        `json:"additions"`
	Deletions int        `json:"deletions"`
	// Patch is the raw unified-diff hunk text. Empty for binary files.
	Patch string `json:"patch,omitempty"`

	AddedLines   []DiffLine    `json:"added_lines"`
	RemovedLines []DiffLine    `json:"removed_lines"`
	ContextLines []ContextLine `json:"context_lines"`
}

// DiffResult is the full parsed diff of a pull request.
type DiffResult struct {
	PR             *PullRequest  `json:"pr"`
	Files          []ChangedFile `json:"files"`
	TotalAdditions int           `json:"total_additions"`
	TotalDeletions int           `json:"total_deletions"`
}

// hunkHeader matches "@@ -a,b +c,d @@" with optional counts.
var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// ParsePatch fills the three line projections from the raw Patch text.
// Hunk headers reset both line counters; "+" lines (not "+++") advance the
// new counter, "-" lines (not "---") advance the old counter, anything else
// inside a hunk is context and advances both.
func (f *ChangedFile) ParsePatch() {
	f.AddedLines = nil
	f.RemovedLines = nil
	f.ContextLines = nil
	if f.Patch == "" {
		return
	}

	oldLine, newLine := 0, 0
	inHunk := false

	for _, raw := range strings.Split(f.Patch, "\n") {
		if m := hunkHeader.FindStringSubmatch(raw); m != nil {
			oldLine, _ = strconv.Atoi(m[1])
			newLine, _ = strconv.Atoi(m[3])
			inHunk = true
			continue
		}
		if !inHunk {
			continue
		}

		switch {
		case strings.HasPrefix(raw, "+++"), strings.HasPrefix(raw, "---"):
			// File headers, not content.
		case strings.HasPrefix(raw, "+"):
			f.AddedLines = append(f.AddedLines, DiffLine{Number: newLine, Content: raw[1:]})
			newLine++
		case strings.HasPrefix(raw, "-"):
			f.RemovedLines = append(f.RemovedLines, DiffLine{Number: oldLine, Content: raw[1:]})
			oldLine++
		case strings.HasPrefix(raw, `\`):
			// "\ No newline at end of file" markers carry no line.
		default:
			content := raw
			if strings.HasPrefix(raw, " ") {
				content = raw[1:]
			}
			f.ContextLines = append(f.ContextLines, ContextLine{
				OldNumber: oldLine,
				NewNumber: newLine,
				Content:   content,
			})
			oldLine++
			newLine++
		}
	}
}

// ChangedLineNumbers returns the new-file line numbers touched by this file's
// diff. The test agent intersects these with function spans.
func (f *ChangedFile) ChangedLineNumbers() []int {
	out := make([]int, 0, len(f.AddedLines))
	for _, l := range f.AddedLines {
		out = append(out, l.Number)
	}
	return out
}
