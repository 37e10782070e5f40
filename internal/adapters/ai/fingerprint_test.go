package ai

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePrompt(t *testing.T) {
	tests := []struct {
		name string
		a, b string
	}{
		{"iso timestamps", "as of 2025-06-01T10:00:00Z", "as of 2025-06-01T10:07:31.123Z"},
		{"epoch millis", "ts 1717236000000 now", "ts 1717236060000 now"},
		{"volatile json keys", `{"minutes_elapsed":12,"price":1}`, `{"minutes_elapsed": 13,"price":1}`},
		{"prose counters", "Invocation #41 of the loop", "Invocation #42 of the loop"},
		{"long floats", "atr 2.3456789", "atr 2.34571"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, NormalizePrompt(tt.a), NormalizePrompt(tt.b))
		})
	}
}

func TestNormalizePrompt_KeepsMeaningfulDifferences(t *testing.T) {
	assert.NotEqual(t, NormalizePrompt(`{"price":101.5}`), NormalizePrompt(`{"price":101.6}`))
	assert.NotEqual(t, NormalizePrompt("atr 2.34561"), NormalizePrompt("atr 2.34571"))
	assert.Equal(t, "x 0", NormalizePrompt("x -0.000001"))
}

func TestFingerprint(t *testing.T) {
	base := Request{System: "sys", Prompt: "p", Schema: testSchema, Temperature: 0.2, MaxTokens: 100}
	key := Fingerprint(base, ProviderClaude, "m")

	assert.Len(t, key, 64)
	assert.Equal(t, key, Fingerprint(base, ProviderClaude, "m"))

	changed := []Request{
		{System: "sys", Prompt: "p2", Schema: testSchema, Temperature: 0.2, MaxTokens: 100},
		{System: "sys", Prompt: "p", Schema: testSchema.Optional("confidence"), Temperature: 0.2, MaxTokens: 100},
		{System: "sys", Prompt: "p", Schema: testSchema, Temperature: 0.3, MaxTokens: 100},
		{System: "sys", Prompt: "p", Schema: testSchema, Temperature: 0.2, MaxTokens: 101},
		{System: "other", Prompt: "p", Schema: testSchema, Temperature: 0.2, MaxTokens: 100},
	}
	for i, req := range changed {
		assert.NotEqual(t, key, Fingerprint(req, ProviderClaude, "m"), "case %d", i)
	}

	assert.NotEqual(t, key, Fingerprint(base, ProviderOpenAI, "m"))
	assert.NotEqual(t, key, Fingerprint(base, ProviderClaude, "m2"))

	// Label and cache flags are not part of the key.
	labelled := base
	labelled.Label = "analyst:swing"
	assert.Equal(t, key, Fingerprint(labelled, ProviderClaude, "m"))
}
