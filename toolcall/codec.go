// Package toolcall implements the inline tool-block codec: rendering and
// parsing of the legacy "[Calling tool: name]" text protocol used when the
// upstream channel lacks native tool support, including tolerant recovery of
// the JSON arguments the model emits.
package toolcall

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"goa.design/relay/model"
)

// Marker is the prefix that opens an inline tool invocation.
const Marker = "[Calling tool:"

var (
	callRE       = regexp.MustCompile(`\[Calling tool:\s*([^\]]+)\]`)
	inputRE      = regexp.MustCompile(`(?s)\s*Input:\s*`)
	danglingCall = regexp.MustCompile(`\[Calling tool:\s*([^\]]*)$`)
)

// NewToolID generates an opaque tool-call identifier.
func NewToolID() string {
	return "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// RenderInline emits the legacy inline form of a tool invocation.
func RenderInline(name string, input json.RawMessage) string {
	args := string(input)
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	return fmt.Sprintf("[Calling tool: %s]\nInput: %s", name, args)
}

// ExtractBlocks parses model output containing inline tool markers into an
// ordered list of text and tool_use parts. Prose around the markers is
// preserved as text parts. Arguments that resist every repair strategy are
// recorded under "_raw"/"_parse_error" keys so the invocation is still
// surfaced instead of silently dropped.
func ExtractBlocks(text string) []model.Part {
	var parts []model.Part
	rest := text
	for {
		loc := callRE.FindStringSubmatchIndex(rest)
		if loc == nil {
			break
		}
		prefix := rest[:loc[0]]
		if strings.TrimSpace(prefix) != "" {
			parts = append(parts, model.TextPart{Text: strings.TrimRight(prefix, " \t")})
		}
		name := strings.TrimSpace(rest[loc[2]:loc[3]])
		after := rest[loc[1]:]

		inputLoc := inputRE.FindStringIndex(after)
		if inputLoc == nil || inputLoc[0] != 0 {
			// Marker without an Input line: keep it as text.
			parts = append(parts, model.TextPart{Text: rest[loc[0]:loc[1]]})
			rest = after
			continue
		}
		body := after[inputLoc[1]:]
		raw, end, balanced := ExtractJSONObject(body, 0)
		if raw == "" {
			parts = append(parts, model.TextPart{Text: rest[loc[0]:loc[1]]})
			rest = body
			continue
		}
		input, err := ParseTolerant(raw)
		if err != nil {
			fallback := raw
			if len(fallback) > 2000 {
				fallback = fallback[:2000]
			}
			enc, _ := json.Marshal(map[string]string{
				"_raw":        fallback,
				"_parse_error": "Invalid JSON",
			})
			input = enc
		}
		parts = append(parts, model.ToolUsePart{ID: NewToolID(), Name: name, Input: input})
		if !balanced {
			rest = ""
			break
		}
		rest = body[end:]
	}
	if strings.TrimSpace(rest) != "" {
		parts = append(parts, model.TextPart{Text: rest})
	}
	return parts
}

// HasCall reports whether the text contains an inline tool marker.
func HasCall(text string) bool {
	return strings.Contains(text, Marker)
}

// HasIncompleteCall reports whether the text ends in an unfinished tool
// invocation: a dangling marker, or a marker whose JSON never balances.
func HasIncompleteCall(text string) bool {
	if danglingCall.MatchString(text) {
		return true
	}
	loc := callRE.FindAllStringIndex(text, -1)
	if len(loc) == 0 {
		return false
	}
	last := loc[len(loc)-1]
	after := text[last[1]:]
	inputLoc := inputRE.FindStringIndex(after)
	if inputLoc == nil || inputLoc[0] != 0 {
		// Marker present but no Input yet.
		return strings.TrimSpace(after) == ""
	}
	_, _, balanced := ExtractJSONObject(after[inputLoc[1]:], 0)
	return !balanced
}

// Instruction renders the system-prompt snippet teaching the model the inline
// protocol, listing the provided tool specs. Used only when native tools are
// disabled.
func Instruction(specs []model.ToolSpec) string {
	var b strings.Builder
	b.WriteString("# Tool Call Format\n\n")
	b.WriteString("When you need to call a tool, output exactly:\n\n")
	b.WriteString("[Calling tool: tool_name]\nInput: {\"param\": \"value\"}\n\n")
	b.WriteString("Rules:\n")
	b.WriteString("- The Input value must be a single valid JSON object.\n")
	b.WriteString("- Do not fabricate tool results; stop after the Input line and wait.\n")
	b.WriteString("- One tool call per block; repeat the block for multiple calls.\n\n")
	b.WriteString("# Available Tools\n\n")
	for _, s := range specs {
		fmt.Fprintf(&b, "## %s\n", s.Name)
		if s.Description != "" {
			b.WriteString(s.Description)
			b.WriteString("\n")
		}
		if len(s.InputSchema) > 0 {
			fmt.Fprintf(&b, "Input schema: %s\n", string(s.InputSchema))
		}
		b.WriteString("\n")
	}
	return b.String()
}
