package agent

import (
	"regexp"
	"strings"
)

// Sanitization patterns stripped from assistant text before persistence and
// emission: thinking/reasoning blocks, stray invoke wrappers outside
// structured tool calls, vendor tool-call section markers, and XML
// declarations at the message head. The set is fixed.
var sanitizePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?s)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?s)<think>.*?</think>`),
	regexp.MustCompile(`(?s)<invoke\b[^>]*>.*?</invoke>`),
	regexp.MustCompile(`(?s)<function_calls>.*?</function_calls>`),
	regexp.MustCompile(`(?s)<tool_call>.*?</tool_call>`),
	// Unclosed thinking/invoke blocks swallow the rest of the message.
	regexp.MustCompile(`(?s)<thinking>.*$`),
	regexp.MustCompile(`(?s)<think>.*$`),
	regexp.MustCompile(`(?s)<invoke\b[^>]*>.*$`),
	regexp.MustCompile(`^\s*<\?xml[^>]*\?>`),
}

// Sanitize removes internal thinking markers and simulated tool-call text
// from assistant content. Idempotent: sanitize(sanitize(x)) == sanitize(x).
func Sanitize(text string) string {
	for _, pattern := range sanitizePatterns {
		text = pattern.ReplaceAllString(text, "")
	}
	// Collapse the whitespace runs the removals leave behind.
	text = regexp.MustCompile(`\n{3,}`).ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
