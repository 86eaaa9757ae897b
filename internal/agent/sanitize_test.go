package agent

import "testing"

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "thinking block removed",
			in:   "<thinking>secret reasoning</thinking>The answer is 4.",
			want: "The answer is 4.",
		},
		{
			name: "think block removed",
			in:   "<think>hmm</think>Done.",
			want: "Done.",
		},
		{
			name: "unclosed thinking swallows tail",
			in:   "Sure.<thinking>I should call a tool",
			want: "Sure.",
		},
		{
			name: "invoke wrapper removed",
			in:   `Before <invoke name="shell">{"command":"ls"}</invoke> after`,
			want: "Before  after",
		},
		{
			name: "xml declaration at head removed",
			in:   `<?xml version="1.0"?>Hello`,
			want: "Hello",
		},
		{
			name: "plain text untouched",
			in:   "Nothing to strip here.",
			want: "Nothing to strip here.",
		},
		{
			name: "math comparison untouched",
			in:   "3 < 4 and 5 > 2",
			want: "3 < 4 and 5 > 2",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.in); got != tt.want {
				t.Fatalf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizeIdempotent(t *testing.T) {
	inputs := []string{
		"<thinking>a</thinking>text",
		"plain",
		"<invoke x>y</invoke>z",
		"a\n\n\n\n\nb",
	}
	for _, in := range inputs {
		once := Sanitize(in)
		twice := Sanitize(once)
		if once != twice {
			t.Fatalf("not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}
