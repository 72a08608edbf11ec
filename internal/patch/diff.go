package patch

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sergi/go-diff/diffmatchpatch"
)

type ChangeKind string

const (
	Added    ChangeKind = "added"
	Modified ChangeKind = "modified"
	Deleted  ChangeKind = "deleted"
)

type LineOp string

const (
	LineContext LineOp = "context"
	LineAdded   LineOp = "added"
	LineRemoved LineOp = "removed"
)

type SegmentOp string

const (
	SegmentEqual  SegmentOp = "equal"
	SegmentInsert SegmentOp = "insert"
	SegmentDelete SegmentOp = "delete"
)

// FileDiff is one changed path of a patch relative to its parent.
type FileDiff struct {
	Path string     `json:"path"`
	Kind ChangeKind `json:"kind"`
	// Binary and Oversize mean no line diff was attempted.
	Binary   bool   `json:"binary,omitempty"`
	Oversize bool   `json:"oversize,omitempty"`
	Hunks    []Hunk `json:"hunks,omitempty"`
	Unified  string `json:"unified,omitempty"`
}

// Hunk line numbers are 1-based, like a unified diff header.
type Hunk struct {
	OldStart int    `json:"oldStart"`
	OldLines int    `json:"oldLines"`
	NewStart int    `json:"newStart"`
	NewLines int    `json:"newLines"`
	Lines    []Line `json:"lines"`
}

type Line struct {
	Op    LineOp `json:"op"`
	Text  string `json:"text"`
	OldNo int    `json:"oldNo,omitempty"`
	NewNo int    `json:"newNo,omitempty"`
	// NoNewline marks the last line of a file that does not end in "\n".
	NoNewline bool `json:"noNewline,omitempty"`
	// Segments is set on lines of a replaced block: the parts of this line
	// that survived and the parts that changed.
	Segments []Segment `json:"segments,omitempty"`
}

type Segment struct {
	Op   SegmentOp `json:"op"`
	Text string    `json:"text"`
}

// GetDiff lists the paths whose overlay entry at id actually changes what
// the parent shows, sorted by path.
func (t *Tree) GetDiff(ctx context.Context, id string) ([]FileDiff, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, err := t.node(id)
	if err != nil {
		return nil, &OpError{Op: "diff", ID: id, Err: err}
	}
	if state := n.state(); !Allows(state, ActionDiff) {
		return nil, &OpError{Op: "diff", ID: id, Err: denial(state, ActionDiff)}
	}
	ids, err := t.chain(id)
	if err != nil {
		return nil, &OpError{Op: "diff", ID: id, Err: err}
	}
	entries, err := t.store.Entries(ctx, id)
	if err != nil {
		return nil, &OpError{Op: "diff", ID: id, Err: err}
	}

	paths := make([]string, 0, len(entries))
	for path := range entries {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	out := make([]FileDiff, 0, len(paths))
	for _, path := range paths {
		entry := entries[path]
		base, err := t.resolve(ctx, ids[1:], path)
		if err != nil {
			return nil, &OpError{Op: "diff", ID: id, Path: path, Err: err}
		}
		var fd FileDiff
		switch {
		case entry.Deleted && base.Exists():
			fd = t.fileDiff(path, Deleted, base.Content, nil)
		case entry.Deleted:
			continue
		case !base.Exists():
			fd = t.fileDiff(path, Added, nil, entry.Content)
		case bytes.Equal(base.Content, entry.Content):
			continue
		default:
			fd = t.fileDiff(path, Modified, base.Content, entry.Content)
		}
		out = append(out, fd)
	}
	return out, nil
}

func (t *Tree) fileDiff(path string, kind ChangeKind, old, cur []byte) FileDiff {
	fd := FileDiff{Path: path, Kind: kind}
	if !isText(old) || !isText(cur) {
		fd.Binary = true
		return fd
	}
	if len(old)+len(cur) > t.opts.MaxDiffBytes {
		fd.Oversize = true
		return fd
	}

	from, to := "a/"+path, "b/"+path
	switch kind {
	case Added:
		from = "/dev/null"
	case Deleted:
		to = "/dev/null"
	}
	fd.Unified = unified(from, to, old, cur, t.opts.DiffContext)
	if kind == Modified {
		fd.Hunks = hunks(splitLinesKeepNL(old), splitLinesKeepNL(cur), t.opts.DiffContext)
	}
	return fd
}

func isText(b []byte) bool {
	return utf8.Valid(b) && bytes.IndexByte(b, 0) < 0
}

// splitLinesKeepNL keeps each line's terminator, so a file that only gains
// or loses its final newline still differs line by line.
func splitLinesKeepNL(b []byte) []string {
	if len(b) == 0 {
		return []string{}
	}
	lines := strings.SplitAfter(string(b), "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func unified(from, to string, old, cur []byte, n int) string {
	s, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        splitLinesKeepNL(old),
		B:        splitLinesKeepNL(cur),
		FromFile: from,
		ToFile:   to,
		Context:  n,
	})
	if err != nil {
		return ""
	}
	return s
}

// newLine builds a diff line from a line that still carries its terminator.
func newLine(op LineOp, raw string) Line {
	text, terminated := strings.CutSuffix(raw, "\n")
	return Line{Op: op, Text: text, NoNewline: !terminated}
}

func hunks(a, b []string, n int) []Hunk {
	groups := difflib.NewMatcher(a, b).GetGroupedOpCodes(n)
	out := make([]Hunk, 0, len(groups))
	for _, group := range groups {
		first, last := group[0], group[len(group)-1]
		h := Hunk{
			OldStart: first.I1 + 1,
			OldLines: last.I2 - first.I1,
			NewStart: first.J1 + 1,
			NewLines: last.J2 - first.J1,
		}
		for _, op := range group {
			switch op.Tag {
			case 'e':
				for k := 0; k < op.I2-op.I1; k++ {
					l := newLine(LineContext, a[op.I1+k])
					l.OldNo, l.NewNo = op.I1+k+1, op.J1+k+1
					h.Lines = append(h.Lines, l)
				}
			case 'd':
				h.Lines = append(h.Lines, removedLines(a, op.I1, op.I2)...)
			case 'i':
				h.Lines = append(h.Lines, addedLines(b, op.J1, op.J2)...)
			case 'r':
				removed := removedLines(a, op.I1, op.I2)
				added := addedLines(b, op.J1, op.J2)
				pairSegments(removed, added)
				h.Lines = append(h.Lines, removed...)
				h.Lines = append(h.Lines, added...)
			}
		}
		out = append(out, h)
	}
	return out
}

func removedLines(a []string, i1, i2 int) []Line {
	lines := make([]Line, 0, i2-i1)
	for i := i1; i < i2; i++ {
		l := newLine(LineRemoved, a[i])
		l.OldNo = i + 1
		lines = append(lines, l)
	}
	return lines
}

func addedLines(b []string, j1, j2 int) []Line {
	lines := make([]Line, 0, j2-j1)
	for j := j1; j < j2; j++ {
		l := newLine(LineAdded, b[j])
		l.NewNo = j + 1
		lines = append(lines, l)
	}
	return lines
}

// pairSegments lines up the k-th removed line with the k-th added line of a
// replaced block and records a character diff on both.
func pairSegments(removed, added []Line) {
	dmp := diffmatchpatch.New()
	for k := 0; k < len(removed) && k < len(added); k++ {
		diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(removed[k].Text, added[k].Text, false))
		for _, d := range diffs {
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				removed[k].Segments = append(removed[k].Segments, Segment{Op: SegmentEqual, Text: d.Text})
				added[k].Segments = append(added[k].Segments, Segment{Op: SegmentEqual, Text: d.Text})
			case diffmatchpatch.DiffDelete:
				removed[k].Segments = append(removed[k].Segments, Segment{Op: SegmentDelete, Text: d.Text})
			case diffmatchpatch.DiffInsert:
				added[k].Segments = append(added[k].Segments, Segment{Op: SegmentInsert, Text: d.Text})
			}
		}
	}
}
