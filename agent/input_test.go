package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/uratmangun/arbitrum-vibekit-sub002/a2a"
)

func TestExtractInputDataPartWins(t *testing.T) {
	msg := a2a.Message{Parts: []a2a.Part{
		a2a.TextPart("ignore me"),
		a2a.DataPart(map[string]any{"name": "Ada"}),
	}}
	assert.JSONEq(t, `{"name":"Ada"}`, string(extractInput(msg)))
}

func TestExtractInputValidJSONTextPassesThrough(t *testing.T) {
	msg := a2a.Message{Parts: []a2a.Part{a2a.TextPart(` {"approved": true} `)}}
	assert.JSONEq(t, `{"approved":true}`, string(extractInput(msg)))
}

func TestExtractInputRepairsSloppyJSON(t *testing.T) {
	// Single quotes and a trailing comma, the way models tend to write it.
	msg := a2a.Message{Parts: []a2a.Part{a2a.TextPart(`{name: 'Ada', approved: true,}`)}}
	assert.JSONEq(t, `{"name":"Ada","approved":true}`, string(extractInput(msg)))
}

func TestExtractInputWrapsProse(t *testing.T) {
	msg := a2a.Message{Parts: []a2a.Part{a2a.TextPart("approved")}}
	assert.JSONEq(t, `"approved"`, string(extractInput(msg)))
}

func TestExtractInputEmptyMessage(t *testing.T) {
	assert.Equal(t, "null", string(extractInput(a2a.Message{})))
}

func TestRepairArgs(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty becomes object", "", `{}`},
		{"valid passes through", `{"q":"weather"}`, `{"q":"weather"}`},
		{"sloppy gets repaired", `{q: 'weather',}`, `{"q":"weather"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.JSONEq(t, tt.want, string(repairArgs([]byte(tt.in))))
		})
	}
}
