package proxy

import (
	"bytes"
	"context"
	"encoding/json"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"goa.design/clue/log"

	"goa.design/relay/model"
)

// toolSchemas holds the compiled input schemas of the advertised tools.
// Validation is advisory: a malformed schema or a non-conforming invocation is
// logged and the request proceeds, since rejecting would break clients whose
// tools the upstream accepts anyway.
type toolSchemas map[string]*jsonschema.Schema

// compileToolSchemas compiles each advertised input schema, skipping any that
// fail with a warning.
func compileToolSchemas(ctx context.Context, tools []model.ToolSpec) toolSchemas {
	if len(tools) == 0 {
		return nil
	}
	out := make(toolSchemas, len(tools))
	for _, t := range tools {
		if len(t.InputSchema) == 0 {
			continue
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(t.InputSchema))
		if err != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "tool schema is not valid JSON"},
				log.KV{K: "tool", V: t.Name}, log.KV{K: "err", V: err.Error()})
			continue
		}
		c := jsonschema.NewCompiler()
		url := "relay://tools/" + t.Name + ".json"
		if err := c.AddResource(url, doc); err != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "tool schema rejected"},
				log.KV{K: "tool", V: t.Name}, log.KV{K: "err", V: err.Error()})
			continue
		}
		schema, err := c.Compile(url)
		if err != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "tool schema does not compile"},
				log.KV{K: "tool", V: t.Name}, log.KV{K: "err", V: err.Error()})
			continue
		}
		out[t.Name] = schema
	}
	return out
}

// check validates one tool invocation against its advertised schema.
func (s toolSchemas) check(ctx context.Context, name string, input json.RawMessage) {
	schema, ok := s[name]
	if !ok || len(input) == 0 {
		return
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(input))
	if err != nil {
		return
	}
	if err := schema.Validate(instance); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "tool input does not match schema"},
			log.KV{K: "tool", V: name}, log.KV{K: "err", V: err.Error()})
	}
}
