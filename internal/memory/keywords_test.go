package memory

import (
	"reflect"
	"testing"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"The quick brown fox", []string{"quick", "brown", "fox"}},
		{"Delete the folder, then re-create it!", []string{"delete", "folder", "re", "create"}},
		{"a an the", nil},
		{"duplicate Duplicate DUPLICATE", []string{"duplicate"}},
	}
	for _, tt := range tests {
		got := Tokenize(tt.in)
		if len(got) == 0 && len(tt.want) == 0 {
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Tokenize(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestStripStopwords(t *testing.T) {
	got := StripStopwords("what is the status of my deploy")
	if got != "status deploy" {
		t.Fatalf("StripStopwords = %q", got)
	}
}

func TestExpandSynonyms(t *testing.T) {
	got := ExpandSynonyms("delete folder")
	for _, want := range []string{"delete", "folder", "remove", "directory"} {
		found := false
		for _, tok := range Tokenize(got) {
			if tok == want {
				found = true
			}
		}
		if !found {
			t.Errorf("expansion missing %q: %q", want, got)
		}
	}
}

func TestJaccard(t *testing.T) {
	tests := []struct {
		a, b []string
		want float64
	}{
		{[]string{"a", "b"}, []string{"a", "b"}, 1},
		{[]string{"a", "b"}, []string{"c", "d"}, 0},
		{[]string{"a", "b", "c"}, []string{"b", "c", "d"}, 0.5},
		{nil, []string{"a"}, 0},
	}
	for _, tt := range tests {
		if got := jaccard(tt.a, tt.b); got != tt.want {
			t.Errorf("jaccard(%v, %v) = %f, want %f", tt.a, tt.b, got, tt.want)
		}
	}
}
