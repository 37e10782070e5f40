package agents

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/selivandex/decision-engine/pkg/models"
)

func analystPrompt(cc *models.CycleContext) string {
	var b strings.Builder
	b.WriteString("Market and account snapshot:\n")
	b.WriteString(cc.Document)
	b.WriteString("\n\nRecommend exactly one action for the portfolio. ")
	b.WriteString("Use a symbol from the snapshot; use HOLD with a null symbol when nothing qualifies.")
	return b.String()
}

func combinedPrompt(cc *models.CycleContext, personas []Persona) string {
	var b strings.Builder
	b.WriteString("Answer independently as each of the following analysts. ")
	b.WriteString("Do not let one analyst's view influence another.\n\n")
	for _, p := range personas {
		fmt.Fprintf(&b, "### %s\n%s\n\n", p.ID, p.SystemPrompt())
	}
	b.WriteString("Return one object keyed by analyst id.\n\n")
	b.WriteString(analystPrompt(cc))
	return b.String()
}

const judgeSystemPrompt = `You are the head trader arbitrating between independent analysts.
Pick the single best recommendation, or NONE when no recommendation is sound.
You may override leverage, allocation, stop loss or take profit of the winner through adjustments; leave a field null to keep the analyst's value.
Prefer HOLD when the analysts disagree strongly or the evidence is weak.
Answer with JSON only.`

func judgePrompt(cc *models.CycleContext, outputs map[string]*models.AnalystOutput, failures []AnalystError, tr *models.TournamentResult) string {
	var b strings.Builder
	b.WriteString("Market and account snapshot:\n")
	b.WriteString(cc.Document)

	b.WriteString("\n\nAnalyst recommendations:\n")
	for _, id := range sortedKeys(outputs) {
		raw, err := json.Marshal(outputs[id])
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "- %s", id)
		if w, ok := cc.Weights[id]; ok {
			fmt.Fprintf(&b, " (historical weight %.2f)", w)
		}
		fmt.Fprintf(&b, ": %s\n", raw)
	}

	if len(failures) > 0 {
		b.WriteString("\nAnalysts without output this cycle:\n")
		for _, f := range failures {
			fmt.Fprintf(&b, "- %s\n", f.Analyst)
		}
	}

	if tr != nil {
		fmt.Fprintf(&b, "\nDebate ranking: %s\n", strings.Join(tr.Ranking, " > "))
		if tr.Summary != "" {
			fmt.Fprintf(&b, "Debate summary: %s\n", tr.Summary)
		}
	}
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
