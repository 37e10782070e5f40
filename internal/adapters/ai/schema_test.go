package ai

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selivandex/decision-engine/pkg/errs"
)

func recommendationSchema() *Schema {
	return ObjectSchema(
		Field("action", EnumSchema("BUY", "SELL", "HOLD")),
		Field("symbol", StringSchema().OrNull()),
		Field("stop_loss", NumberSchema().OrNull().Describe("price")),
		Field("tags", ArraySchema(ObjectSchema(Field("name", StringSchema())))),
	)
}

func TestStrictJSONSchema(t *testing.T) {
	out := StrictJSONSchema(recommendationSchema())

	assert.Equal(t, "object", out["type"])
	assert.Equal(t, false, out["additionalProperties"])
	assert.Equal(t, []any{"action", "symbol", "stop_loss", "tags"}, out["required"])

	props := out["properties"].(map[string]any)

	symbol := props["symbol"].(map[string]any)
	assert.Equal(t, []any{
		map[string]any{"type": "string"},
		map[string]any{"type": "null"},
	}, symbol["anyOf"])

	stop := props["stop_loss"].(map[string]any)
	branches := stop["anyOf"].([]any)
	assert.Equal(t, "price", branches[0].(map[string]any)["description"])

	tags := props["tags"].(map[string]any)
	item := tags["items"].(map[string]any)
	assert.Equal(t, false, item["additionalProperties"])
	assert.Equal(t, []any{"name"}, item["required"])
}

func TestToolInputSchema(t *testing.T) {
	s := ObjectSchema(
		Field("side", EnumSchema("LONG", "SHORT").OrNull()),
		Field("size", NumberSchema()),
	)
	out := ToolInputSchema(s)
	side := out["properties"].(map[string]any)["side"].(map[string]any)

	assert.Equal(t, []any{"string", "null"}, side["type"])
	assert.Equal(t, []any{"LONG", "SHORT", nil}, side["enum"])
}

func TestSchemaValidate(t *testing.T) {
	require.NoError(t, recommendationSchema().Validate())

	bad := []*Schema{
		{Type: "map"},
		ArraySchema(nil),
		{Type: TypeNumber, Enum: []string{"1"}},
		EnumSchema("A", ""),
		ObjectSchema(Field("a", StringSchema()), Field("a", NumberSchema())),
		{Type: TypeObject, Properties: []*Property{Field("a", StringSchema())}, Required: []string{"b"}},
		ObjectSchema(Field("nested", ObjectSchema(Field("x", nil)))),
	}
	for i, s := range bad {
		err := s.Validate()
		require.Error(t, err, "case %d", i)
		assert.Equal(t, errs.KindSchema, errs.KindOf(err))
	}
}

func TestSchemaFullyRequired(t *testing.T) {
	s := recommendationSchema()
	assert.True(t, s.FullyRequired())
	assert.False(t, s.Optional("symbol").FullyRequired())
	assert.True(t, s.FullyRequired(), "Optional must not mutate the receiver")
}

func TestMarshalStrictIsStable(t *testing.T) {
	a, err := MarshalStrict(recommendationSchema())
	require.NoError(t, err)
	b, err := MarshalStrict(recommendationSchema())
	require.NoError(t, err)

	assert.Equal(t, string(a), string(b))
	assert.True(t, json.Valid(a))
}

func TestSchemaValidatorCheck(t *testing.T) {
	v := newSchemaValidator()
	s := recommendationSchema()

	require.NoError(t, v.check(s, `{"action":"BUY","symbol":"BTC/USDT","stop_loss":null,"tags":[{"name":"breakout"}]}`))
	require.NoError(t, v.check(s, `{"action":"HOLD","symbol":null,"stop_loss":61000.5,"tags":[]}`))

	err := v.check(s, `{"action":"BUY","symbol":1,"stop_loss":null,"tags":[]}`)
	assert.Equal(t, errs.KindSchema, errs.KindOf(err))

	err = v.check(s, `{"action":`)
	assert.Equal(t, errs.KindParse, errs.KindOf(err))
}
