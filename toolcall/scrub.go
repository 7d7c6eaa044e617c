package toolcall

import (
	"regexp"
	"strings"
)

var (
	// A tool call immediately followed by a fabricated result marker. The
	// model must stop after the Input line; anything it "returns" itself is a
	// hallucination and everything from the call onward is untrustworthy.
	hallucinatedResultRE = regexp.MustCompile(
		`(?s)\[Calling tool:\s*([^\]]+)\]\s*Input:\s*\{[^}]*\}\s*\[Tool Result\]`)

	// Anchored to the end of the whole text: a marker followed by an Input
	// line is a complete call, not a dangling one.
	incompleteTailRE = regexp.MustCompile(`\[Calling tool:\s*([^\]]+)\]\s*$`)
)

// ScrubHallucinatedResult detects a fabricated "[Tool Result]" section after
// an inline tool call and returns the text truncated before the offending
// call. When no hallucination is found it also trims a dangling incomplete
// marker within the final 600 characters. The second return reports whether a
// hallucination was removed; reason describes what happened.
func ScrubHallucinatedResult(text string) (cleaned string, hallucinated bool, reason string) {
	if m := hallucinatedResultRE.FindStringSubmatchIndex(text); m != nil {
		name := strings.TrimSpace(text[m[2]:m[3]])
		return strings.TrimRight(text[:m[0]], " \t\n"), true, "hallucinated tool result: " + name
	}

	tail := text
	if len(tail) > 500 {
		tail = tail[len(tail)-500:]
	}
	if incompleteTailRE.MatchString(tail) {
		if m := incompleteTailRE.FindStringSubmatchIndex(text); m != nil && m[0] > len(text)-600 {
			name := strings.TrimSpace(text[m[2]:m[3]])
			return strings.TrimRight(text[:m[0]], " \t\n"), false, "trimmed incomplete tool call: " + name
		}
	}
	return text, false, ""
}
