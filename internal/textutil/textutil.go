// Package textutil converts file text between its stored form and the form
// shown in the editor.
package textutil

import (
	"bytes"
	"strings"
)

// IndentWidth is the number of stored spaces shown as one tab.
const IndentWidth = 2

var indentUnit = strings.Repeat(" ", IndentWidth)

// SpacesToTabs replaces each pair of leading spaces on a line with a tab.
// A trailing odd space stays a space.
func SpacesToTabs(s string) string {
	return mapIndent(s, func(indent string) string {
		n := strings.Count(indent, indentUnit)
		return strings.Repeat("\t", n) + indent[n*IndentWidth:]
	}, ' ')
}

// TabsToSpaces undoes SpacesToTabs before text is written back.
func TabsToSpaces(s string) string {
	return mapIndent(s, func(indent string) string {
		return strings.Repeat(indentUnit, len(indent))
	}, '\t')
}

// mapIndent rewrites the run of c at the start of every line.
func mapIndent(s string, fn func(string) string, c byte) string {
	var b strings.Builder
	b.Grow(len(s))
	for len(s) > 0 {
		line := s
		rest := ""
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			line, rest = s[:i+1], s[i+1:]
		}
		j := 0
		for j < len(line) && line[j] == c {
			j++
		}
		if j > 0 {
			b.WriteString(fn(line[:j]))
		}
		b.WriteString(line[j:])
		s = rest
	}
	return b.String()
}

// NormalizeUTF8LF converts CRLF and lone CR to LF and replaces invalid UTF-8
// with U+FFFD.
func NormalizeUTF8LF(b []byte) []byte {
	b = bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
	b = bytes.ReplaceAll(b, []byte("\r"), []byte("\n"))
	return bytes.ToValidUTF8(b, []byte("�"))
}

// EnsureTrailingLF appends a single \n if not already present.
func EnsureTrailingLF(b []byte) []byte {
	if len(b) == 0 || b[len(b)-1] == '\n' {
		return b
	}
	return append(b, '\n')
}
