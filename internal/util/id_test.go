package util

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	id := NewID("p")
	if !strings.HasPrefix(id, "p-") || len(id) != len("p-")+12 {
		t.Fatalf("NewID(p) = %q", id)
	}
	if !ValidID(id) {
		t.Fatalf("NewID produced invalid id %q", id)
	}
	if NewID("p") == id {
		t.Fatal("NewID returned the same id twice")
	}
	if got := NewID(""); len(got) != 12 {
		t.Fatalf("NewID(\"\") = %q", got)
	}
}

func TestValidID(t *testing.T) {
	cases := map[string]bool{
		"root":                    true,
		"fix-typo_2024.v1~draft":  false,
		"fix-typo.2024~draft":     true,
		"":                        false,
		".":                       false,
		"..":                      false,
		"a/b":                     false,
		"with space":              false,
		strings.Repeat("x", 128): true,
		strings.Repeat("x", 129): false,
	}
	for in, want := range cases {
		if got := ValidID(in); got != want {
			t.Errorf("ValidID(%q) = %v, want %v", in, got, want)
		}
	}
}
