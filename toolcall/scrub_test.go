package toolcall

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScrubHallucinatedResult(t *testing.T) {
	text := "Let me run that.\n[Calling tool: bash]\nInput: {\"command\": \"ls\"}\n[Tool Result]\nfile1.go\nfile2.go\nThe files are listed above."
	cleaned, hallucinated, reason := ScrubHallucinatedResult(text)
	require.True(t, hallucinated)
	assert.Contains(t, reason, "bash")
	assert.Equal(t, "Let me run that.", cleaned)
	assert.NotContains(t, cleaned, "[Tool Result]")
}

func TestScrubTrimsDanglingMarker(t *testing.T) {
	text := "Here is my analysis of the problem.\n[Calling tool: read_file]"
	cleaned, hallucinated, reason := ScrubHallucinatedResult(text)
	assert.False(t, hallucinated)
	assert.Contains(t, reason, "read_file")
	assert.Equal(t, "Here is my analysis of the problem.", cleaned)
}

func TestScrubKeepsDistantMarker(t *testing.T) {
	// A marker far from the end is not a dangling tail.
	text := "[Calling tool: early]\n" + strings.Repeat("x", 700)
	cleaned, hallucinated, _ := ScrubHallucinatedResult(text)
	assert.False(t, hallucinated)
	assert.Equal(t, text, cleaned)
}

func TestScrubLeavesCleanTextAlone(t *testing.T) {
	text := "A complete answer with a proper call.\n[Calling tool: bash]\nInput: {\"command\": \"ls\"}"
	cleaned, hallucinated, reason := ScrubHallucinatedResult(text)
	assert.False(t, hallucinated)
	assert.Empty(t, reason)
	assert.Equal(t, text, cleaned)
}
