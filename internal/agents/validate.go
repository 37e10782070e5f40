package agents

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/selivandex/decision-engine/pkg/errs"
	"github.com/selivandex/decision-engine/pkg/models"
)

// DecodeAnalystOutput checks required fields, enumerated actions and numeric
// ranges before decoding. Failures are KindValidation.
func DecodeAnalystOutput(raw string) (*models.AnalystOutput, error) {
	const op = "analyst.validate"

	node, err := parseObject(op, raw)
	if err != nil {
		return nil, err
	}
	if r := node.Get("reasoning"); r.Type != gjson.String {
		return nil, errs.Validation(op, "reasoning must be a string")
	}
	rec := node.Get("recommendation")
	if !rec.IsObject() {
		return nil, errs.Validation(op, "recommendation is missing")
	}
	if err := validateRecommendation(op, "recommendation", rec); err != nil {
		return nil, err
	}

	var wire struct {
		Reasoning      string                 `json:"reasoning"`
		Recommendation *models.Recommendation `json:"recommendation"`
		Scores         []struct {
			Name  string  `json:"name"`
			Value float64 `json:"value"`
		} `json:"scores"`
	}
	if err := json.Unmarshal([]byte(node.Raw), &wire); err != nil {
		return nil, errs.Validation(op, "decode: %v", err)
	}

	out := &models.AnalystOutput{
		Reasoning:      wire.Reasoning,
		Recommendation: wire.Recommendation,
	}
	if len(wire.Scores) > 0 {
		out.Scores = make(map[string]float64, len(wire.Scores))
		for _, s := range wire.Scores {
			if s.Name != "" {
				out.Scores[s.Name] = s.Value
			}
		}
	}
	return out, nil
}

// DecodeVerdict validates and decodes the judge's answer. winners are the analyst
// ids the judge may name.
func DecodeVerdict(raw string, winners map[string]bool) (*models.Verdict, error) {
	const op = "judge.validate"

	node, err := parseObject(op, raw)
	if err != nil {
		return nil, err
	}

	winner := node.Get("winner")
	if winner.Type != gjson.String || winner.String() == "" {
		return nil, errs.Validation(op, "winner is missing")
	}
	if w := winner.String(); w != models.NoWinner && !winners[w] {
		return nil, errs.Validation(op, "winner %q did not produce an output", w)
	}
	if action := node.Get("final_action"); !models.Action(action.String()).Valid() {
		return nil, errs.Validation(op, "final_action %q is not a valid action", action.String())
	}
	if w := node.Get("warnings"); w.Exists() && w.Type != gjson.Null {
		if !w.IsArray() {
			return nil, errs.Validation(op, "warnings must be an array")
		}
		for i, item := range w.Array() {
			if item.Type != gjson.String {
				return nil, errs.Validation(op, "warnings[%d] must be a string", i)
			}
		}
	}
	if adj := node.Get("adjustments"); adj.Exists() && adj.Type != gjson.Null {
		if !adj.IsObject() {
			return nil, errs.Validation(op, "adjustments must be an object or null")
		}
		for _, field := range []string{"leverage", "allocation", "stop_loss", "take_profit"} {
			if v := adj.Get(field); v.Exists() && v.Type != gjson.Null && v.Type != gjson.Number {
				return nil, errs.Validation(op, "adjustments.%s must be a number or null", field)
			}
		}
	}
	if rec := node.Get("final_recommendation"); rec.Exists() && rec.Type != gjson.Null {
		if !rec.IsObject() {
			return nil, errs.Validation(op, "final_recommendation must be an object or null")
		}
		if err := validateRecommendation(op, "final_recommendation", rec); err != nil {
			return nil, err
		}
	}

	var v models.Verdict
	if err := json.Unmarshal([]byte(node.Raw), &v); err != nil {
		return nil, errs.Validation(op, "decode: %v", err)
	}
	return &v, nil
}

func parseObject(op, raw string) (gjson.Result, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return gjson.Result{}, errs.Validation(op, "empty output")
	}
	if !gjson.Valid(raw) {
		return gjson.Result{}, errs.Validation(op, "output is not valid JSON")
	}
	node := gjson.Parse(raw)
	if !node.IsObject() {
		return gjson.Result{}, errs.Validation(op, "output must be a JSON object")
	}
	return node, nil
}

func validateRecommendation(op, path string, rec gjson.Result) error {
	action := models.Action(rec.Get("action").String())
	if !action.Valid() {
		return errs.Validation(op, "%s.action %q is not one of %v", path, action, models.Actions)
	}

	symbol := rec.Get("symbol")
	switch symbol.Type {
	case gjson.String, gjson.Null:
	default:
		if symbol.Exists() {
			return errs.Validation(op, "%s.symbol must be a string or null", path)
		}
	}
	if action != models.ActionHold && strings.TrimSpace(symbol.String()) == "" {
		return errs.Validation(op, "%s.symbol is required for %s", path, action)
	}

	if err := numberIn(op, path, rec, "confidence", 0, 100); err != nil {
		return err
	}
	if err := numberIn(op, path, rec, "allocation", 0, 100); err != nil {
		return err
	}
	if err := numberIn(op, path, rec, "leverage", 0, 1000); err != nil {
		return err
	}
	for _, field := range []string{"take_profit", "stop_loss"} {
		v := rec.Get(field)
		if !v.Exists() || v.Type == gjson.Null {
			continue
		}
		if v.Type != gjson.Number || v.Float() <= 0 {
			return errs.Validation(op, "%s.%s must be a positive price or null", path, field)
		}
	}
	return nil
}

func numberIn(op, path string, rec gjson.Result, field string, lo, hi float64) error {
	v := rec.Get(field)
	if v.Type != gjson.Number {
		return errs.Validation(op, "%s.%s must be a number", path, field)
	}
	if f := v.Float(); f < lo || f > hi {
		return errs.Validation(op, "%s.%s %g outside [%g, %g]", path, field, f, lo, hi)
	}
	return nil
}
