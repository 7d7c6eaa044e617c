package model

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
)

// DefaultCharsPerToken is the budget ratio used when a dialect does not
// report usage. CJK text is denser and counted separately.
const DefaultCharsPerToken = 3.0

// EstimateTokens approximates the token count of a text. CJK runes count at
// roughly 1.5 characters per token, everything else at charsPerToken. A zero
// charsPerToken selects the default ratio.
func EstimateTokens(text string, charsPerToken float64) int {
	if text == "" {
		return 0
	}
	if charsPerToken <= 0 {
		charsPerToken = DefaultCharsPerToken
	}
	var cjk, other int
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	return int(float64(cjk)/1.5 + float64(other)/charsPerToken)
}

// EstimateMessagesTokens approximates the token count of a history plus an
// optional system prompt, adding a small per-message overhead.
func EstimateMessagesTokens(msgs []Message, system string, charsPerToken float64) int {
	total := EstimateTokens(system, charsPerToken)
	for _, m := range msgs {
		total += EstimateTokens(messageChars(m), charsPerToken) + 4
	}
	return total
}

// MessageChars returns the character count of a message's serializable
// content, counting tool inputs and results.
func MessageChars(m Message) int {
	return len([]rune(messageChars(m)))
}

// HistoryChars sums MessageChars over a history.
func HistoryChars(msgs []Message) int {
	var total int
	for _, m := range msgs {
		total += MessageChars(m)
	}
	return total
}

func messageChars(m Message) string {
	var out string
	for _, p := range m.Parts {
		switch v := p.(type) {
		case TextPart:
			out += v.Text
		case ToolUsePart:
			out += v.Name + string(v.Input)
		case ToolResultPart:
			out += v.Content
		case ThinkingPart:
			out += v.Text
		}
	}
	return out
}

// SessionKey derives a stable cache key from the first messages of a history.
// It hashes the role and the first 100 content characters of up to three
// messages so follow-up requests in the same conversation map to the same
// summary entry. Not an identity concept.
func SessionKey(msgs []Message) string {
	h := md5.New()
	n := len(msgs)
	if n > 3 {
		n = 3
	}
	for _, m := range msgs[:n] {
		content := messageChars(m)
		if runes := []rune(content); len(runes) > 100 {
			content = string(runes[:100])
		}
		h.Write([]byte(string(m.Role)))
		h.Write([]byte(content))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// SerializedChars measures the history as it would travel on the wire, used
// by the pre-estimation strategy.
func SerializedChars(msgs []Message) int {
	data, err := json.Marshal(msgs)
	if err != nil {
		return HistoryChars(msgs)
	}
	return len(data)
}

func isCJK(r rune) bool {
	switch {
	case r >= 0x4E00 && r <= 0x9FFF: // CJK unified
		return true
	case r >= 0x3400 && r <= 0x4DBF: // extension A
		return true
	case r >= 0x3000 && r <= 0x303F: // punctuation
		return true
	case r >= 0xFF00 && r <= 0xFFEF: // fullwidth forms
		return true
	default:
		return false
	}
}
