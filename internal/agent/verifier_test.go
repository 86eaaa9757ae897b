package agent

import (
	"context"
	"errors"
	"testing"
)

type stubVerifierBrain struct {
	answer string
	err    error
	calls  int
}

func (b *stubVerifierBrain) Summarize(ctx context.Context, prompt, content string, maxTokens int) (string, error) {
	b.calls++
	return b.answer, b.err
}

func TestCheckDeterministic(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		toolOK  bool
		verdict deterministicVerdict
	}{
		{"plain answer", "The capital is Lisbon.", false, verdictComplete},
		{"delivery claim with tool success", "I created the folder.", true, verdictComplete},
		{"delivery claim without tools", "I created the folder.", false, verdictIncomplete},
		{"pending checklist", "- [ ] send the email\n- [x] draft it", true, verdictIncomplete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := checkDeterministic(tt.text, tt.toolOK); got != tt.verdict {
				t.Fatalf("verdict = %d, want %d", got, tt.verdict)
			}
		})
	}
}

func TestVerifierAutoSkipsLLMWhenConclusive(t *testing.T) {
	brain := &stubVerifierBrain{answer: "no"}
	v := NewVerifier(brain, VerifierAuto, nil)

	if !v.IsComplete(context.Background(), "All set.", "say hello", false) {
		t.Fatal("conclusive completion rejected")
	}
	if brain.calls != 0 {
		t.Fatalf("LLM consulted %d times on a conclusive check", brain.calls)
	}
}

func TestVerifierAlwaysAsksLLM(t *testing.T) {
	brain := &stubVerifierBrain{answer: "no - user asked for a file"}
	v := NewVerifier(brain, VerifierAlways, nil)

	if v.IsComplete(context.Background(), "All set.", "save it to a file", true) {
		t.Fatal("LLM no-verdict ignored")
	}
	if brain.calls != 1 {
		t.Fatalf("LLM calls = %d", brain.calls)
	}
}

func TestVerifierLLMFailureAssumesComplete(t *testing.T) {
	brain := &stubVerifierBrain{err: errors.New("offline")}
	v := NewVerifier(brain, VerifierAlways, nil)

	if !v.IsComplete(context.Background(), "Answer.", "question", false) {
		t.Fatal("broken verifier must not spin the loop")
	}
}

func TestVerifierNeverMode(t *testing.T) {
	brain := &stubVerifierBrain{answer: "no"}
	v := NewVerifier(brain, VerifierNever, nil)

	if !v.IsComplete(context.Background(), "Done.", "anything", true) {
		t.Fatal("never mode must trust the deterministic check")
	}
	if brain.calls != 0 {
		t.Fatal("never mode consulted the LLM")
	}
}
