package toolcall

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Tolerant JSON recovery for model-emitted tool arguments. Models routinely
// produce raw newlines inside string literals, trailing commas and truncated
// objects; the parser applies progressively stricter repairs before giving up.

var trailingCommaRE = regexp.MustCompile(`,\s*([}\]])`)

// ExtractJSONObject scans s from start for a balanced JSON object. It counts
// brace depth while tracking string state and backslash escapes and returns
// the candidate object along with the index just past it.
func ExtractJSONObject(s string, start int) (string, int, bool) {
	i := strings.Index(s[start:], "{")
	if i < 0 {
		return "", 0, false
	}
	begin := start + i
	depth := 0
	inString := false
	escaped := false
	for pos := begin; pos < len(s); pos++ {
		c := s[pos]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[begin : pos+1], pos + 1, true
			}
		}
	}
	// Unbalanced: return the open tail so the caller can attempt repair.
	return s[begin:], len(s), false
}

// ParseTolerant parses a candidate JSON object using a ladder of repairs:
// direct parse, trailing-comma removal, in-string control character escaping,
// both combined, smart closing of unbalanced brackets, then progressive tail
// trimming. It returns the first variant that parses.
func ParseTolerant(raw string) (json.RawMessage, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("toolcall: empty JSON candidate")
	}
	candidates := []string{
		raw,
		trailingCommaRE.ReplaceAllString(raw, "$1"),
		escapeControlChars(raw),
		trailingCommaRE.ReplaceAllString(escapeControlChars(raw), "$1"),
		smartClose(escapeControlChars(raw)),
	}
	for _, c := range candidates {
		if m, ok := validObject(c); ok {
			return m, nil
		}
	}
	// Progressive trim: drop trailing characters and re-close. Bounded to keep
	// pathological inputs cheap.
	trimmed := escapeControlChars(raw)
	for n := 0; n < 200 && len(trimmed) > 2; n++ {
		trimmed = trimmed[:len(trimmed)-1]
		if m, ok := validObject(smartClose(trimmed)); ok {
			return m, nil
		}
	}
	return nil, fmt.Errorf("toolcall: unparseable JSON candidate")
}

func validObject(s string) (json.RawMessage, bool) {
	s = strings.TrimSpace(s)
	if s == "" || s[0] != '{' {
		return nil, false
	}
	var probe map[string]any
	if err := json.Unmarshal([]byte(s), &probe); err != nil {
		return nil, false
	}
	return json.RawMessage(s), true
}

// escapeControlChars escapes raw control bytes (0x00-0x1F) that appear inside
// string literals, where the JSON grammar forbids them.
func escapeControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			b.WriteByte(c)
			escaped = false
			continue
		}
		if c == '\\' && inString {
			b.WriteByte(c)
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			b.WriteByte(c)
			continue
		}
		if inString && c < 0x20 {
			switch c {
			case '\n':
				b.WriteString(`\n`)
			case '\r':
				b.WriteString(`\r`)
			case '\t':
				b.WriteString(`\t`)
			default:
				fmt.Fprintf(&b, `\u%04x`, c)
			}
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// smartClose appends the closers required to balance an unterminated object:
// a closing quote when the scan ends inside a string, then the bracket stack
// in reverse. A trailing comma or colon is patched first.
func smartClose(s string) string {
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			stack = append(stack, '}')
		case c == '[':
			stack = append(stack, ']')
		case c == '}' || c == ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}
	out := s
	if inString {
		out += `"`
	}
	trimmed := strings.TrimRight(out, " \t\n\r")
	if strings.HasSuffix(trimmed, ",") {
		out = strings.TrimSuffix(trimmed, ",")
	} else if strings.HasSuffix(trimmed, ":") {
		out = trimmed + "null"
	}
	for i := len(stack) - 1; i >= 0; i-- {
		out += string(stack[i])
	}
	return out
}
