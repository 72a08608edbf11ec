package search

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"unicode/utf8"
)

const snippetRadius = 40

// Scanner searches a patch's effective view in process. It is the fallback
// when no index is configured or the index is down.
type Scanner struct {
	tree Tree
}

func NewScanner(tree Tree) *Scanner {
	return &Scanner{tree: tree}
}

// Search matches q.Text case-insensitively against every existing path and
// text body visible from q.PatchID, in path order.
func (s *Scanner) Search(ctx context.Context, q Query) ([]Result, error) {
	files, err := s.tree.Files(ctx, q.PatchID)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(strings.TrimSpace(q.Text))
	if needle == "" {
		return nil, nil
	}

	var results []Result
	for path, view := range files {
		snippet, ok := "", strings.Contains(strings.ToLower(path), needle)
		if textual(view.Content) {
			if s, found := snippetAround(string(view.Content), needle); found {
				snippet, ok = s, true
			}
		}
		if ok {
			results = append(results, Result{PatchID: q.PatchID, Path: path, Source: view.Source, Snippet: snippet})
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Path < results[j].Path })
	return results, nil
}

// snippetAround returns the text near the first match with the match wrapped
// in <mark> tags.
func snippetAround(body, needle string) (string, bool) {
	i := strings.Index(strings.ToLower(body), needle)
	if i < 0 {
		return "", false
	}
	// ToLower can change byte lengths outside ASCII; fall back to the raw
	// offsets only when they line up.
	if len(strings.ToLower(body)) != len(body) {
		return "", true
	}
	end := i + len(needle)
	from := max(0, i-snippetRadius)
	to := min(len(body), end+snippetRadius)
	for from > 0 && !utf8.RuneStart(body[from]) {
		from--
	}
	for to < len(body) && !utf8.RuneStart(body[to]) {
		to++
	}
	var b strings.Builder
	if from > 0 {
		b.WriteString("…")
	}
	b.WriteString(body[from:i])
	b.WriteString("<mark>")
	b.WriteString(body[i:end])
	b.WriteString("</mark>")
	b.WriteString(body[end:to])
	if to < len(body) {
		b.WriteString("…")
	}
	return strings.Join(strings.Fields(b.String()), " "), true
}

func textual(b []byte) bool {
	return utf8.Valid(b) && bytes.IndexByte(b, 0) < 0
}
