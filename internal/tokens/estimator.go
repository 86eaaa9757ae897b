// Package tokens provides heuristic token estimation for budgeting prompt
// assembly and context compaction. Estimates are budget inputs, never
// authoritative counts.
package tokens

import (
	"unicode"

	"github.com/quillhq/quill/pkg/models"
)

const (
	// CharsPerToken approximates Latin text density.
	CharsPerToken = 4

	// MessageOverhead accounts for role and separator framing per message.
	MessageOverhead = 4
)

// Estimate returns the estimated token count of a string. CJK characters
// count one token each; Latin and whitespace runs count roughly one token
// per four bytes with a minimum of one token per word.
func Estimate(s string) int {
	if s == "" {
		return 0
	}

	total := 0
	latinBytes := 0
	words := 0
	inWord := false

	flush := func() {
		if latinBytes == 0 {
			return
		}
		t := (latinBytes + CharsPerToken - 1) / CharsPerToken
		if t < words {
			t = words
		}
		total += t
		latinBytes = 0
		words = 0
		inWord = false
	}

	for _, r := range s {
		if isCJK(r) {
			flush()
			total++
			continue
		}
		if unicode.IsSpace(r) {
			inWord = false
			latinBytes++
			continue
		}
		if !inWord {
			words++
			inWord = true
		}
		latinBytes += runeLen(r)
	}
	flush()

	return total
}

// EstimateMessage estimates a message including serialized tool calls and
// per-message framing overhead. The estimate is cached on first use.
func EstimateMessage(msg *models.Message) int {
	if msg == nil {
		return 0
	}
	if msg.TokenEstimate > 0 {
		return msg.TokenEstimate
	}

	n := Estimate(msg.Content) + MessageOverhead
	for _, call := range msg.ToolCalls {
		n += Estimate(call.Name) + Estimate(string(call.RawArguments()))
	}
	msg.TokenEstimate = n
	return n
}

// EstimateMessages estimates the total across a message sequence.
func EstimateMessages(msgs []models.Message) int {
	total := 0
	for i := range msgs {
		total += EstimateMessage(&msgs[i])
	}
	return total
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}

func runeLen(r rune) int {
	switch {
	case r < 0x80:
		return 1
	case r < 0x800:
		return 2
	case r < 0x10000:
		return 3
	default:
		return 4
	}
}
