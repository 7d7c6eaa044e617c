package continuation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"goa.design/relay/model"
)

func TestDetectStopReason(t *testing.T) {
	var d Detector
	info := d.Detect("a complete sentence.", model.StopMaxTokens)
	assert.True(t, info.Truncated)
	assert.Equal(t, "max_tokens", info.Reason)
	assert.Equal(t, 1.0, info.Confidence)
}

func TestDetectUnclosedCodeBlock(t *testing.T) {
	var d Detector
	info := d.Detect("Here is the fix:\n```go\nfunc main() {", model.StopEndTurn)
	assert.True(t, info.Truncated)
	assert.Equal(t, "unclosed_code_block", info.Reason)
	assert.Equal(t, 0.95, info.Confidence)

	info = d.Detect("```go\nfunc main() {}\n```\nDone.", model.StopEndTurn)
	assert.False(t, info.Truncated)
}

func TestDetectIncompleteToolCall(t *testing.T) {
	var d Detector
	info := d.Detect("Let me check.\n[Calling tool: read_file]\nInput: {\"path\": \"ma", model.StopEndTurn)
	assert.True(t, info.Truncated)
	// Unbalanced JSON also fires the bracket check; the tool signal is
	// stronger and wins.
	assert.Equal(t, "incomplete_tool_call", info.Reason)
	assert.Equal(t, 0.9, info.Confidence)
}

func TestDetectUnclosedBrackets(t *testing.T) {
	var d Detector
	info := d.Detect("The config is (see below.", model.StopEndTurn)
	assert.True(t, info.Truncated)
	assert.Equal(t, "unclosed_brackets", info.Reason)
	assert.Equal(t, 0.7, info.Confidence)
}

func TestDetectBracketsIgnoreStrings(t *testing.T) {
	var d Detector
	info := d.Detect(`The value is "(" here.`, model.StopEndTurn)
	assert.False(t, info.Truncated)
}

func TestDetectBracketsOnlyScanTail(t *testing.T) {
	var d Detector
	// The unclosed bracket is more than 1000 characters from the end.
	text := "(" + strings.Repeat("x", 1100) + " done."
	info := d.Detect(text, model.StopEndTurn)
	assert.False(t, info.Truncated)
}

func TestDetectMidSentence(t *testing.T) {
	var d Detector
	info := d.Detect("The problem is that the serv", model.StopEndTurn)
	assert.True(t, info.Truncated)
	assert.Equal(t, "incomplete_sentence", info.Reason)
	assert.Equal(t, 0.5, info.Confidence)

	info = d.Detect("All done.", model.StopEndTurn)
	assert.False(t, info.Truncated)

	// List items do not count as dangling sentences.
	info = d.Detect("Steps:\n- first\n- second", model.StopEndTurn)
	assert.False(t, info.Truncated)
}

func TestDetectHighestConfidenceWins(t *testing.T) {
	var d Detector
	// Unclosed code block (0.95) and mid-sentence (0.5) both fire.
	info := d.Detect("```go\nfunc main", model.StopEndTurn)
	assert.Equal(t, "unclosed_code_block", info.Reason)
}

func TestExtractEndingPrefersLineBoundary(t *testing.T) {
	d := Detector{EndingChars: 40}
	text := strings.Repeat("a", 100) + "\nlast line of the truncated output"
	info := d.Detect(text+" continu", model.StopMaxTokens)
	assert.True(t, info.Truncated)
	assert.LessOrEqual(t, len(info.Ending), 40)
	assert.False(t, strings.HasPrefix(info.Ending, "a"))
}

func TestExtractEndingShortTextReturnedWhole(t *testing.T) {
	d := Detector{EndingChars: 500}
	info := d.Detect("short truncated outpu", model.StopMaxTokens)
	assert.Equal(t, "short truncated outpu", info.Ending)
}
