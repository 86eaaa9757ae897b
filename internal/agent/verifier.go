package agent

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
)

const verifierPrompt = `You check whether an assistant reply completed the user's request.
Answer with "yes" or "no" on the first line, then one short reason.`

// deliveryClaims matches text asserting a side effect took place.
var deliveryClaims = regexp.MustCompile(`(?i)\bI(?:'ve| have)?\s+(?:created|deleted|saved|written|wrote|sent|moved|copied|downloaded|updated|installed)\b`)

// pendingSteps matches an unchecked item in an inline plan.
var pendingSteps = regexp.MustCompile(`(?m)^\s*[-*]\s*\[ \]`)

// VerifierMode selects when the LLM check runs.
type VerifierMode string

const (
	// VerifierAuto runs the LLM check only when the deterministic check is
	// inconclusive.
	VerifierAuto VerifierMode = "auto"
	// VerifierAlways runs the LLM check on every completion candidate.
	VerifierAlways VerifierMode = "always"
	// VerifierNever relies on the deterministic check alone.
	VerifierNever VerifierMode = "never"
)

// Verifier decides whether the turn's final assistant message satisfies the
// user's request. A deterministic predicate runs first; a bounded LLM call
// covers the inconclusive cases.
type Verifier struct {
	brain  Brain
	mode   VerifierMode
	logger *slog.Logger
}

// NewVerifier creates a verifier.
func NewVerifier(brain Brain, mode VerifierMode, logger *slog.Logger) *Verifier {
	if mode == "" {
		mode = VerifierAuto
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{brain: brain, mode: mode, logger: logger}
}

// deterministicVerdict is the outcome of the cheap check.
type deterministicVerdict int

const (
	verdictIncomplete deterministicVerdict = iota
	verdictComplete
	verdictInconclusive
)

// checkDeterministic flags responses that claim delivery without any
// successful tool execution, or that carry pending plan steps.
func checkDeterministic(text string, anyToolSucceeded bool) deterministicVerdict {
	if pendingSteps.MatchString(text) {
		return verdictIncomplete
	}
	if deliveryClaims.MatchString(text) && !anyToolSucceeded {
		return verdictIncomplete
	}
	if anyToolSucceeded || !deliveryClaims.MatchString(text) {
		return verdictComplete
	}
	return verdictInconclusive
}

// IsComplete reports whether the response finishes the request.
func (v *Verifier) IsComplete(ctx context.Context, responseText, userText string, anyToolSucceeded bool) bool {
	verdict := checkDeterministic(responseText, anyToolSucceeded)

	switch v.mode {
	case VerifierNever:
		return verdict != verdictIncomplete
	case VerifierAuto:
		if verdict != verdictInconclusive {
			return verdict == verdictComplete
		}
	}

	if verdict == verdictIncomplete && v.mode != VerifierAlways {
		return false
	}

	return v.askLLM(ctx, responseText, userText)
}

// askLLM runs the bounded completion check. Failures default to complete so
// a broken verifier cannot spin the loop.
func (v *Verifier) askLLM(ctx context.Context, responseText, userText string) bool {
	content := "User request:\n" + userText + "\n\nAssistant reply:\n" + responseText
	answer, err := v.brain.Summarize(ctx, verifierPrompt, content, 64)
	if err != nil {
		v.logger.Debug("completion verifier unavailable, assuming complete", "error", err)
		return true
	}
	first := strings.ToLower(strings.TrimSpace(answer))
	return !strings.HasPrefix(first, "no")
}
