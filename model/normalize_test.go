package model

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestNormalizeMergesSameRole(t *testing.T) {
	msgs := []Message{
		UserText("first"),
		UserText("second"),
		AssistantText("reply"),
		UserText("third"),
	}
	out, err := Normalize(msgs, NormalizeOptions{})
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.Equal(t, "firstsecond", out[0].Text())
}

func TestNormalizeDropsUnansweredToolUse(t *testing.T) {
	msgs := []Message{
		UserText("run it"),
		{Role: RoleAssistant, Parts: []Part{
			TextPart{Text: "running"},
			ToolUsePart{ID: "toolu_1", Name: "bash", Input: json.RawMessage(`{}`)},
		}},
		UserText("next question"),
	}
	out, err := Normalize(msgs, NormalizeOptions{})
	require.NoError(t, err)
	require.NoError(t, VerifyToolPairing(out))
	for _, m := range out {
		require.Empty(t, m.ToolUses())
	}
}

func TestNormalizeDropsOrphanToolResult(t *testing.T) {
	msgs := []Message{
		UserText("hello"),
		AssistantText("hi"),
		{Role: RoleUser, Parts: []Part{
			ToolResultPart{ToolUseID: "toolu_ghost", Content: "out"},
			TextPart{Text: "and my question"},
		}},
	}
	out, err := Normalize(msgs, NormalizeOptions{})
	require.NoError(t, err)
	require.NoError(t, VerifyToolPairing(out))
	require.Equal(t, "and my question", out[len(out)-1].Text())
}

func TestNormalizeReportsUndroppableToolBlock(t *testing.T) {
	// The only turn is an orphan tool_result: dropping it empties the
	// conversation, so the offending id is reported instead.
	msgs := []Message{{
		Role:  RoleUser,
		Parts: []Part{ToolResultPart{ToolUseID: "toolu_ghost", Content: "out"}},
	}}
	_, err := Normalize(msgs, NormalizeOptions{})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "toolu_ghost", verr.OffendingTool)

	// Same when the trailing user turn evaporates.
	msgs = []Message{
		UserText("run it"),
		AssistantText("done"),
		{Role: RoleUser, Parts: []Part{ToolResultPart{ToolUseID: "toolu_late", Content: "out"}}},
	}
	_, err = Normalize(msgs, NormalizeOptions{})
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "toolu_late", verr.OffendingTool)
}

func TestNormalizeDeduplicatesToolResults(t *testing.T) {
	msgs := []Message{
		UserText("go"),
		{Role: RoleAssistant, Parts: []Part{
			ToolUsePart{ID: "toolu_1", Name: "bash", Input: json.RawMessage(`{}`)},
		}},
		{Role: RoleUser, Parts: []Part{
			ToolResultPart{ToolUseID: "toolu_1", Content: "a"},
			ToolResultPart{ToolUseID: "toolu_1", Content: "b"},
			TextPart{Text: "done"},
		}},
	}
	out, err := Normalize(msgs, NormalizeOptions{})
	require.NoError(t, err)
	require.NoError(t, VerifyToolPairing(out))
}

func TestNormalizeRejectsTrailingAssistant(t *testing.T) {
	msgs := []Message{
		UserText("hello"),
		AssistantText("hi"),
	}
	_, err := Normalize(msgs, NormalizeOptions{})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	// Continuation requests may end with a synthetic pair.
	out, err := Normalize(msgs, NormalizeOptions{Continuation: true})
	require.NoError(t, err)
	require.Len(t, out, 2)
}

func TestNormalizeRejectsEmptyHistory(t *testing.T) {
	_, err := Normalize([]Message{{Role: RoleUser}}, NormalizeOptions{})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestNormalizeProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	genMessage := gen.OneGenOf(
		gen.AlphaString().Map(func(s string) Message { return UserText(s) }),
		gen.AlphaString().Map(func(s string) Message { return AssistantText(s) }),
		gen.AlphaString().Map(func(s string) Message {
			return Message{Role: RoleAssistant, Parts: []Part{
				ToolUsePart{ID: "toolu_" + s, Name: "t", Input: json.RawMessage(`{}`)},
			}}
		}),
		gen.AlphaString().Map(func(s string) Message {
			return Message{Role: RoleUser, Parts: []Part{
				ToolResultPart{ToolUseID: "toolu_" + s, Content: "r"},
			}}
		}),
	)

	properties.Property("normalized histories satisfy tool pairing, alternate roles and end with a user turn", prop.ForAll(
		func(msgs []Message) bool {
			out, err := Normalize(append(msgs, UserText("tail")), NormalizeOptions{})
			if err != nil {
				return false
			}
			if VerifyToolPairing(out) != nil {
				return false
			}
			for i, m := range out {
				if m.IsEmpty() {
					return false
				}
				if i > 0 && m.Role == out[i-1].Role {
					return false
				}
			}
			return out[len(out)-1].Role == RoleUser
		},
		gen.SliceOf(genMessage),
	))

	properties.Property("normalization is idempotent", prop.ForAll(
		func(msgs []Message) bool {
			first, err := Normalize(append(msgs, UserText("tail")), NormalizeOptions{})
			if err != nil {
				return false
			}
			second, err := Normalize(first, NormalizeOptions{})
			if err != nil {
				return false
			}
			if len(first) != len(second) {
				return false
			}
			for i := range first {
				if first[i].Role != second[i].Role || first[i].Text() != second[i].Text() {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genMessage),
	))

	properties.TestingRun(t)
}
