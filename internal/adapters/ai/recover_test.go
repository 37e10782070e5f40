package ai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selivandex/decision-engine/pkg/errs"
)

func TestRecoverJSON(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "plain object",
			input:    `{"action":"HOLD"}`,
			expected: `{"action":"HOLD"}`,
		},
		{
			name:     "think block then fenced json",
			input:    "<think>price is falling, {maybe} short</think>\n```json\n{\"action\":\"SELL\"}\n```",
			expected: `{"action":"SELL"}`,
		},
		{
			name:     "nested reasoning tags",
			input:    "<reasoning>a</reasoning><thinking>b</thinking>{\"a\":1}",
			expected: `{"a":1}`,
		},
		{
			name:     "fence without language tag",
			input:    "```\n[1,2,3]\n```",
			expected: `[1,2,3]`,
		},
		{
			name:     "fence inside a string value",
			input:    "{\"rationale\":\"wrap output in ```json``` blocks\",\"ok\":true}",
			expected: "{\"rationale\":\"wrap output in ```json``` blocks\",\"ok\":true}",
		},
		{
			name:     "prose then object quoting a fence",
			input:    "Answer: {\"note\":\"see ```code```\"} done",
			expected: "{\"note\":\"see ```code```\"}",
		},
		{
			name:     "prose around object",
			input:    `Here is my answer: {"a":{"b":[1,2]}} hope that helps {x}`,
			expected: `{"a":{"b":[1,2]}}`,
		},
		{
			name:     "brackets inside strings",
			input:    `Result: {"note":"use } and ] carefully \" {","ok":true} trailing`,
			expected: `{"note":"use } and ] carefully \" {","ok":true}`,
		},
		{
			name:     "line comments outside strings",
			input:    "{\n  \"a\": 1, // first\n  \"url\": \"http://x\" // second\n}",
			expected: "{\n  \"a\": 1, \n  \"url\": \"http://x\" \n}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RecoverJSON(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestRecoverJSON_Unrecoverable(t *testing.T) {
	for _, input := range []string{
		"",
		"<think>only thoughts</think>",
		"I would buy BTC now.",
		`{"a": 1`,
		`{"a": tru}`,
	} {
		_, err := RecoverJSON(input)
		require.Error(t, err, "input %q", input)
		assert.Equal(t, errs.KindParse, errs.KindOf(err))
	}
}
