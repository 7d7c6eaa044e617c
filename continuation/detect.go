// Package continuation detects truncated completions, rebuilds resume
// requests containing the partial output, and stitches resumed segments into
// one logical response per client request. Attempts are strictly bounded and
// an abort guard prevents resume loops on empty output.
package continuation

import (
	"regexp"
	"strings"

	"goa.design/relay/model"
	"goa.design/relay/toolcall"
)

type (
	// TruncationInfo is the outcome of truncation detection. When several
	// signals fire the highest-confidence one wins.
	TruncationInfo struct {
		Truncated  bool
		Reason     string
		Confidence float64
		Ending     string
	}

	// Detector checks a finished segment for truncation signals.
	Detector struct {
		// EndingChars bounds the extracted truncated ending.
		EndingChars int
	}
)

var (
	sentenceEndRE = regexp.MustCompile(`[.!?。！？]\s*$`)
	listItemRE    = regexp.MustCompile(`^\s*[-*\d]+[.)\s]`)
)

// Detect inspects the segment text and terminal stop reason.
func (d *Detector) Detect(text string, stopReason model.StopReason) TruncationInfo {
	if text == "" && stopReason != model.StopMaxTokens {
		return TruncationInfo{}
	}
	checks := []TruncationInfo{
		checkStopReason(stopReason),
		checkCodeBlocks(text),
		checkToolCalls(text),
		checkBrackets(text),
		checkSentence(text),
	}
	best := TruncationInfo{}
	for _, c := range checks {
		if c.Truncated && c.Confidence > best.Confidence {
			best = c
		}
	}
	if best.Truncated {
		best.Ending = d.extractEnding(text)
	}
	return best
}

func checkStopReason(stop model.StopReason) TruncationInfo {
	if stop == model.StopMaxTokens {
		return TruncationInfo{Truncated: true, Reason: "max_tokens", Confidence: 1.0}
	}
	return TruncationInfo{}
}

func checkCodeBlocks(text string) TruncationInfo {
	if strings.Count(text, "```")%2 == 1 {
		return TruncationInfo{Truncated: true, Reason: "unclosed_code_block", Confidence: 0.95}
	}
	return TruncationInfo{}
}

func checkToolCalls(text string) TruncationInfo {
	if toolcall.HasIncompleteCall(text) {
		return TruncationInfo{Truncated: true, Reason: "incomplete_tool_call", Confidence: 0.9}
	}
	return TruncationInfo{}
}

// checkBrackets scans the final 1000 characters for unclosed brackets outside
// string literals.
func checkBrackets(text string) TruncationInfo {
	check := text
	if len(check) > 1000 {
		check = check[len(check)-1000:]
	}
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(check); i++ {
		c := check[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			stack = append(stack, '}')
		case c == '[':
			stack = append(stack, ']')
		case c == '(':
			stack = append(stack, ')')
		case c == '}' || c == ']' || c == ')':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if len(stack) > 0 {
		return TruncationInfo{Truncated: true, Reason: "unclosed_brackets", Confidence: 0.7}
	}
	return TruncationInfo{}
}

// checkSentence is the conservative mid-word signal: the last line neither
// looks like code or a list item nor ends with sentence punctuation.
func checkSentence(text string) TruncationInfo {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return TruncationInfo{}
	}
	lines := strings.Split(trimmed, "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" || strings.HasPrefix(last, "```") || listItemRE.MatchString(last) {
		return TruncationInfo{}
	}
	if !sentenceEndRE.MatchString(last) {
		r := rune(last[len(last)-1])
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return TruncationInfo{Truncated: true, Reason: "incomplete_sentence", Confidence: 0.5}
		}
	}
	return TruncationInfo{}
}

// extractEnding returns the tail used as resume context, preferring to start
// at a line boundary.
func (d *Detector) extractEnding(text string) string {
	max := d.EndingChars
	if max <= 0 {
		max = 800
	}
	if len(text) <= max {
		return text
	}
	ending := text[len(text)-max:]
	if nl := strings.Index(ending, "\n"); nl > 0 && nl < max/2 {
		ending = ending[nl+1:]
	}
	return ending
}
