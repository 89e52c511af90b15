package agent

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/uratmangun/arbitrum-vibekit-sub002/a2a"
)

// extractInput derives the workflow resume input from a protocol message.
// A structured data part wins; otherwise the text is taken as JSON, run
// through repair if malformed (models love trailing commas and bare keys),
// and finally wrapped as a JSON string so schema validation gets something
// to chew on either way.
func extractInput(msg a2a.Message) json.RawMessage {
	for _, p := range msg.Parts {
		if p.Data != nil {
			if raw, err := json.Marshal(p.Data); err == nil {
				return raw
			}
		}
	}

	text := strings.TrimSpace(msg.Text())
	if text == "" {
		return json.RawMessage("null")
	}
	if json.Valid([]byte(text)) {
		return json.RawMessage(text)
	}
	if repaired, err := jsonrepair.JSONRepair(text); err == nil && json.Valid([]byte(repaired)) {
		return json.RawMessage(repaired)
	}

	raw, _ := json.Marshal(text)
	return raw
}

// repairArgs normalizes model tool-call arguments before validation. Empty
// arguments become the empty object; malformed JSON gets one repair attempt
// and is otherwise returned as-is for schema validation to reject.
func repairArgs(args json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(args))
	if trimmed == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	if repaired, err := jsonrepair.JSONRepair(trimmed); err == nil && json.Valid([]byte(repaired)) {
		return json.RawMessage(repaired)
	}
	return args
}
