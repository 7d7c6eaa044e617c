package model

import (
	"fmt"
)

type (
	// NormalizeOptions tune the normalization pipeline. The zero value applies
	// every step with merging enabled.
	NormalizeOptions struct {
		// MergeSameRole merges consecutive same-role messages by concatenating
		// their parts. On by default; set SkipMerge to disable.
		SkipMerge bool

		// Continuation relaxes the trailing-user requirement: continuation
		// requests legitimately end with the synthetic resume prompt pair.
		Continuation bool
	}

	// ValidationError reports a request the pipeline cannot repair, such as a
	// tool pairing violation that dropping would not fix.
	ValidationError struct {
		Reason string

		// OffendingTool names the tool block whose removal left the
		// conversation unusable.
		OffendingTool string
	}
)

func (e *ValidationError) Error() string { return "model: " + e.Reason }

// Normalize applies the message-list normalization pipeline in place on a
// copy: merge consecutive same-role messages, drop unpaired tool blocks, drop
// empty messages, and verify the history ends with a user turn. System
// content is expected to have been extracted by the dialect decoder already.
func Normalize(msgs []Message, opts NormalizeOptions) ([]Message, error) {
	out := CloneMessages(msgs)
	if !opts.SkipMerge {
		out = mergeSameRole(out)
	}
	out, dropped := pairToolBlocks(out)
	out = dropEmpty(out)
	if !opts.SkipMerge {
		// Dropping can make previously separated same-role turns adjacent.
		out = mergeSameRole(out)
	}
	if len(out) == 0 {
		if len(dropped) > 0 {
			return nil, &ValidationError{
				Reason:        fmt.Sprintf("conversation is empty after dropping unpairable tool block %q", dropped[0]),
				OffendingTool: dropped[0],
			}
		}
		return nil, &ValidationError{Reason: "no messages after normalization"}
	}
	if !opts.Continuation && out[len(out)-1].Role != RoleUser {
		if len(dropped) > 0 && msgs[len(msgs)-1].Role == RoleUser {
			// The trailing user turn existed but held only unpairable blocks.
			id := dropped[len(dropped)-1]
			return nil, &ValidationError{
				Reason:        fmt.Sprintf("trailing user turn held only unpairable tool block %q", id),
				OffendingTool: id,
			}
		}
		return nil, &ValidationError{Reason: "history must end with a user message"}
	}
	return out, nil
}

// VerifyToolPairing checks tool pairing on a normalized history: every
// assistant tool_use id is answered exactly once by a tool_result in the
// immediately following user message and no orphan results remain.
func VerifyToolPairing(msgs []Message) error {
	for i, m := range msgs {
		if m.Role == RoleAssistant {
			uses := m.ToolUses()
			if len(uses) == 0 {
				continue
			}
			answered := map[string]int{}
			if i+1 < len(msgs) && msgs[i+1].Role == RoleUser {
				for _, tr := range msgs[i+1].ToolResults() {
					answered[tr.ToolUseID]++
				}
			}
			for _, tu := range uses {
				if answered[tu.ID] != 1 {
					return fmt.Errorf("model: tool_use %q answered %d times", tu.ID, answered[tu.ID])
				}
			}
		}
		if m.Role == RoleUser {
			for _, tr := range m.ToolResults() {
				if i == 0 || !hasToolUse(msgs[i-1], tr.ToolUseID) {
					return fmt.Errorf("model: orphan tool_result %q", tr.ToolUseID)
				}
			}
		}
	}
	return nil
}

// DropUnpairedToolBlocks applies the tolerant pairing repair without the rest
// of the normalization pipeline: unmatched tool blocks are dropped and
// messages left empty are removed. History truncation uses it to mend the cut
// edge, where retained results can answer calls that went with the prefix.
// The input is not modified.
func DropUnpairedToolBlocks(msgs []Message) []Message {
	out, _ := pairToolBlocks(msgs)
	return dropEmpty(out)
}

func hasToolUse(m Message, id string) bool {
	if m.Role != RoleAssistant {
		return false
	}
	for _, tu := range m.ToolUses() {
		if tu.ID == id {
			return true
		}
	}
	return false
}

func mergeSameRole(msgs []Message) []Message {
	if len(msgs) < 2 {
		return msgs
	}
	out := msgs[:1]
	for _, m := range msgs[1:] {
		last := &out[len(out)-1]
		if m.Role == last.Role {
			last.Parts = append(last.Parts, m.Parts...)
			continue
		}
		out = append(out, m)
	}
	return out
}

// pairToolBlocks enforces T1 by dropping unmatched blocks and reports the
// dropped ids in order. Synthesizing placeholder results would fabricate
// conversation; dropping keeps the history truthful and lets the model
// re-issue the call.
func pairToolBlocks(msgs []Message) ([]Message, []string) {
	out := make([]Message, 0, len(msgs))
	var dropped []string
	for i, m := range msgs {
		switch m.Role {
		case RoleAssistant:
			answered := map[string]bool{}
			if i+1 < len(msgs) && msgs[i+1].Role == RoleUser {
				for _, tr := range msgs[i+1].ToolResults() {
					answered[tr.ToolUseID] = true
				}
			}
			kept := make([]Part, 0, len(m.Parts))
			for _, p := range m.Parts {
				if tu, ok := p.(ToolUsePart); ok && !answered[tu.ID] {
					dropped = append(dropped, tu.ID)
					continue
				}
				kept = append(kept, p)
			}
			out = append(out, Message{Role: m.Role, Parts: kept})
		case RoleUser:
			issued := map[string]bool{}
			if i > 0 && msgs[i-1].Role == RoleAssistant {
				for _, tu := range msgs[i-1].ToolUses() {
					issued[tu.ID] = true
				}
			}
			kept := make([]Part, 0, len(m.Parts))
			seen := map[string]bool{}
			for _, p := range m.Parts {
				if tr, ok := p.(ToolResultPart); ok {
					if !issued[tr.ToolUseID] {
						dropped = append(dropped, tr.ToolUseID)
						continue
					}
					if seen[tr.ToolUseID] {
						continue
					}
					seen[tr.ToolUseID] = true
				}
				kept = append(kept, p)
			}
			out = append(out, Message{Role: m.Role, Parts: kept})
		default:
			out = append(out, m)
		}
	}
	return out, dropped
}

func dropEmpty(msgs []Message) []Message {
	out := msgs[:0]
	for _, m := range msgs {
		if m.IsEmpty() {
			continue
		}
		out = append(out, m)
	}
	return out
}
