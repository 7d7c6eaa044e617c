package route

import (
	"context"
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"goa.design/relay/model"
)

func opusRequest(msgs ...model.Message) *model.Request {
	return &model.Request{Model: "claude-opus-4-5", Messages: msgs}
}

func multiTurn(userText string) []model.Message {
	return []model.Message{
		model.UserText("earlier question"),
		model.AssistantText("earlier answer"),
		model.UserText("another question"),
		model.AssistantText("another answer"),
		model.UserText(userText),
	}
}

func TestRouteWhitelistHeader(t *testing.T) {
	r := New(DefaultConfig(), rand.NewSource(1))
	d := r.Route(context.Background(), opusRequest(model.UserText("show files")), "opus")
	assert.Equal(t, DefaultConfig().OpusModel, d.Model)
	assert.Equal(t, 0, d.Priority)
}

func TestRouteWhitelistMarker(t *testing.T) {
	r := New(DefaultConfig(), rand.NewSource(1))
	d := r.Route(context.Background(), opusRequest(multiTurn("[FORCE_OPUS] show files")...), "")
	assert.Equal(t, DefaultConfig().OpusModel, d.Model)
	assert.Equal(t, 0, d.Priority)
}

func TestRouteNonOpusPassthrough(t *testing.T) {
	r := New(DefaultConfig(), rand.NewSource(1))
	req := &model.Request{Model: "claude-haiku-3-5", Messages: multiTurn("design a system")}
	d := r.Route(context.Background(), req, "")
	assert.Equal(t, "claude-haiku-3-5", d.Model)
	assert.Equal(t, -1, d.Priority)
}

func TestRouteThinkingForcesOpus(t *testing.T) {
	r := New(DefaultConfig(), rand.NewSource(1))
	req := opusRequest(multiTurn("show files")...)
	req.Thinking = true
	d := r.Route(context.Background(), req, "")
	assert.Equal(t, DefaultConfig().OpusModel, d.Model)
	assert.Equal(t, "extended thinking", d.Reason)
}

func TestRouteKeywordPriority(t *testing.T) {
	r := New(DefaultConfig(), rand.NewSource(1))

	// "design" forces Opus even on an otherwise trivial request.
	d := r.Route(context.Background(), opusRequest(multiTurn("design the architecture")...), "")
	assert.Equal(t, DefaultConfig().OpusModel, d.Model)
	assert.Equal(t, 2, d.Priority)

	// Both keyword sets present: the Opus set is evaluated first.
	d = r.Route(context.Background(), opusRequest(multiTurn("design it, then run the tests")...), "")
	assert.Equal(t, DefaultConfig().OpusModel, d.Model)
	assert.Equal(t, 2, d.Priority)

	// Only a Sonnet keyword.
	d = r.Route(context.Background(), opusRequest(multiTurn("just show the file")...), "")
	assert.Equal(t, DefaultConfig().SonnetModel, d.Model)
	assert.Equal(t, 3, d.Priority)
}

func TestRouteExecutionPhase(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExecutionPhaseSonnetProbability = 100
	cfg.OpusKeywords = nil
	cfg.SonnetKeywords = nil
	r := New(cfg, rand.NewSource(1))

	msgs := []model.Message{model.UserText("go"), model.AssistantText("ok")}
	assistant := model.Message{Role: model.RoleAssistant}
	for i := 0; i < 5; i++ {
		assistant.Parts = append(assistant.Parts, model.ToolUsePart{ID: "t", Name: "bash", Input: json.RawMessage(`{}`)})
	}
	msgs = append(msgs, assistant,
		model.UserText("keep going"),
		model.AssistantText("on it"),
		model.UserText("and more"))

	d := r.Route(context.Background(), opusRequest(msgs...), "")
	assert.Equal(t, cfg.SonnetModel, d.Model)
	assert.Equal(t, 4, d.Priority)
}

func TestRouteFirstTurnProbability(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FirstTurnOpusProbability = 100
	r := New(cfg, rand.NewSource(1))
	d := r.Route(context.Background(), opusRequest(model.UserText("hello there friend")), "")
	assert.Equal(t, cfg.OpusModel, d.Model)
	assert.Equal(t, "first turn", d.Reason)

	cfg.FirstTurnOpusProbability = 0
	r = New(cfg, rand.NewSource(1))
	d = r.Route(context.Background(), opusRequest(model.UserText("hello there friend")), "")
	assert.Equal(t, cfg.SonnetModel, d.Model)
}

func TestRouteDeterministicUnderSeededSource(t *testing.T) {
	run := func() []string {
		r := New(DefaultConfig(), rand.NewSource(42))
		var out []string
		for i := 0; i < 50; i++ {
			d := r.Route(context.Background(), opusRequest(multiTurn("talk to me about weather patterns")...), "")
			out = append(out, d.Model)
		}
		return out
	}
	assert.Equal(t, run(), run())
}

func TestRouteStats(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseOpusProbability = 100
	cfg.OpusKeywords = nil
	cfg.SonnetKeywords = nil
	r := New(cfg, rand.NewSource(1))

	for i := 0; i < 3; i++ {
		r.Route(context.Background(), opusRequest(multiTurn("anything at all")...), "")
	}
	stats := r.Stats()
	assert.Equal(t, int64(3), stats.Opus)

	r.Reset()
	assert.Equal(t, Stats{}, r.Stats())
}

func TestRouteAlwaysPicksATier(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	cfg := DefaultConfig()
	r := New(cfg, rand.NewSource(7))

	properties.Property("opus-family requests always resolve to a configured tier", prop.ForAll(
		func(text string, turns int) bool {
			msgs := []model.Message{model.UserText(text)}
			for i := 0; i < turns; i++ {
				msgs = append(msgs, model.AssistantText("ok"), model.UserText(text))
			}
			d := r.Route(context.Background(), opusRequest(msgs...), "")
			return d.Model == cfg.OpusModel || d.Model == cfg.SonnetModel
		},
		gen.AlphaString(),
		gen.IntRange(0, 6),
	))

	properties.TestingRun(t)
}

func TestRoutePriorityOrdering(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	cfg := DefaultConfig()
	r := New(cfg, rand.NewSource(11))

	// Build a request matching every enabled rule at once and check that the
	// highest-priority one decided.
	properties.Property("the highest-priority matching rule wins", prop.ForAll(
		func(marker, thinking, opusKW, sonnetKW, execPhase bool) bool {
			text := "talk about the weather"
			if opusKW {
				text += " design"
			}
			if sonnetKW {
				text += " run"
			}
			if marker {
				text += " " + cfg.WhitelistMarker
			}
			msgs := multiTurn(text)
			if execPhase {
				assistant := model.Message{Role: model.RoleAssistant}
				for i := 0; i < cfg.ExecutionPhaseToolCalls; i++ {
					assistant.Parts = append(assistant.Parts, model.ToolUsePart{
						ID: "t", Name: "bash", Input: json.RawMessage(`{}`),
					})
				}
				msgs = append(msgs, assistant, model.UserText(text))
			}
			req := opusRequest(msgs...)
			req.Thinking = thinking

			d := r.Route(context.Background(), req, "")
			switch {
			case marker:
				return d.Priority == 0 && d.Model == cfg.OpusModel
			case thinking:
				return d.Priority == 1 && d.Model == cfg.OpusModel
			case opusKW:
				return d.Priority == 2 && d.Model == cfg.OpusModel
			case sonnetKW:
				return d.Priority == 3 && d.Model == cfg.SonnetModel
			case execPhase:
				return d.Priority == 4
			default:
				return d.Priority == 5
			}
		},
		gen.Bool(), gen.Bool(), gen.Bool(), gen.Bool(), gen.Bool(),
	))

	properties.TestingRun(t)
}
