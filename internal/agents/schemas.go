package agents

import (
	"github.com/selivandex/decision-engine/internal/adapters/ai"
	"github.com/selivandex/decision-engine/pkg/models"
)

func actionNames() []string {
	names := make([]string, len(models.Actions))
	for i, a := range models.Actions {
		names[i] = string(a)
	}
	return names
}

func recommendationSchema() *ai.Schema {
	return ai.ObjectSchema(
		ai.Field("action", ai.EnumSchema(actionNames()...)),
		ai.Field("symbol", ai.StringSchema().OrNull().Describe("market symbol, null for HOLD")),
		ai.Field("allocation", ai.NumberSchema().Describe("percent of equity, 0-100")),
		ai.Field("leverage", ai.NumberSchema().Describe("0 for HOLD, CLOSE and REDUCE")),
		ai.Field("take_profit", ai.NumberSchema().OrNull()),
		ai.Field("stop_loss", ai.NumberSchema().OrNull()),
		ai.Field("exit_plan", ai.StringSchema()),
		ai.Field("confidence", ai.NumberSchema().Describe("0-100")),
		ai.Field("rationale", ai.StringSchema()),
	)
}

// AnalystSchema is the output schema of a single analyst call
func AnalystSchema() *ai.Schema {
	return ai.ObjectSchema(
		ai.Field("reasoning", ai.StringSchema()),
		ai.Field("recommendation", recommendationSchema()),
		ai.Field("scores", ai.ArraySchema(ai.ObjectSchema(
			ai.Field("name", ai.StringSchema()),
			ai.Field("value", ai.NumberSchema()),
		)).OrNull().Describe("optional auxiliary scores")),
	)
}

// CombinedSchema requests every persona's output in one call. Each member is
// nullable so a partial answer still validates and only the gaps are retried.
func CombinedSchema(personas []Persona) *ai.Schema {
	props := make([]*ai.Property, len(personas))
	for i, p := range personas {
		props[i] = ai.Field(p.ID, AnalystSchema().OrNull())
	}
	return ai.ObjectSchema(props...)
}

// VerdictSchema is the judge's output schema. winners lists the analysts that
// may be chosen; NONE is always allowed.
func VerdictSchema(winners []string) *ai.Schema {
	choices := append(append([]string{}, winners...), models.NoWinner)
	return ai.ObjectSchema(
		ai.Field("winner", ai.EnumSchema(choices...)),
		ai.Field("reasoning", ai.StringSchema()),
		ai.Field("adjustments", ai.ObjectSchema(
			ai.Field("leverage", ai.NumberSchema().OrNull()),
			ai.Field("allocation", ai.NumberSchema().OrNull()),
			ai.Field("stop_loss", ai.NumberSchema().OrNull()),
			ai.Field("take_profit", ai.NumberSchema().OrNull()),
		).OrNull()),
		ai.Field("warnings", ai.ArraySchema(ai.StringSchema())),
		ai.Field("final_action", ai.EnumSchema(actionNames()...)),
		ai.Field("final_recommendation", recommendationSchema().OrNull()),
	)
}
