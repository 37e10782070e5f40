package agents

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/selivandex/decision-engine/pkg/models"
)

// Tournament runs the optional debate phase between analysts. The engine bounds
// it with a hard timeout and skips it when it does not finish.
type Tournament interface {
	Run(ctx context.Context, cc *models.CycleContext, outputs map[string]*models.AnalystOutput) (*models.TournamentResult, error)
}

// AnalystScore is one row of a tournament leaderboard
type AnalystScore struct {
	Analyst    string
	Action     models.Action
	Confidence float64
	Weight     float64
	Score      float64
}

// WeightedTournament ranks analysts by confidence scaled by their historical
// weight. It is the built-in, model-free debate.
type WeightedTournament struct {
	// DefaultWeight applies to analysts without a recorded weight
	DefaultWeight float64
}

// NewWeightedTournament creates a tournament where unknown analysts weigh 1
func NewWeightedTournament() *WeightedTournament {
	return &WeightedTournament{DefaultWeight: 1}
}

// Run scores every analyst and summarizes the consensus
func (t *WeightedTournament) Run(ctx context.Context, cc *models.CycleContext, outputs map[string]*models.AnalystOutput) (*models.TournamentResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("tournament needs at least one analyst")
	}

	scores := t.calculateScores(cc, outputs)

	result := &models.TournamentResult{
		Ranking: make([]string, len(scores)),
		Scores:  make(map[string]float64, len(scores)),
		Summary: summarize(scores),
	}
	for i, s := range scores {
		result.Ranking[i] = s.Analyst
		result.Scores[s.Analyst] = s.Score
	}
	return result, nil
}

// calculateScores scores and sorts analysts, best first. Ties break by id.
func (t *WeightedTournament) calculateScores(cc *models.CycleContext, outputs map[string]*models.AnalystOutput) []AnalystScore {
	var weights map[string]float64
	if cc != nil {
		weights = cc.Weights
	}

	scores := make([]AnalystScore, 0, len(outputs))
	for id, out := range outputs {
		if out == nil || out.Recommendation == nil {
			continue
		}
		weight := t.DefaultWeight
		if w, ok := weights[id]; ok && models.IsFinite(w) && w >= 0 {
			weight = w
		}
		conf := out.Recommendation.Confidence
		if !models.IsFinite(conf) {
			conf = 0
		}
		scores = append(scores, AnalystScore{
			Analyst:    id,
			Action:     out.Recommendation.Action,
			Confidence: conf,
			Weight:     weight,
			Score:      conf * weight,
		})
	}

	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].Analyst < scores[j].Analyst
	})
	return scores
}

// summarize reports the weighted vote per action
func summarize(scores []AnalystScore) string {
	votes := make(map[models.Action]float64)
	var total float64
	for _, s := range scores {
		votes[s.Action] += s.Score
		total += s.Score
	}
	if total == 0 {
		return "no weighted conviction"
	}

	parts := make([]string, 0, len(votes))
	for _, a := range models.Actions {
		if v, ok := votes[a]; ok {
			parts = append(parts, fmt.Sprintf("%s %.0f%%", a, v/total*100))
		}
	}
	return "weighted vote: " + strings.Join(parts, ", ")
}

// FormatLeaderboard formats a ranking for operator alerts
func FormatLeaderboard(result *models.TournamentResult) string {
	if result == nil || len(result.Ranking) == 0 {
		return "no tournament this cycle"
	}
	var b strings.Builder
	b.WriteString("Analyst leaderboard\n")
	for i, id := range result.Ranking {
		fmt.Fprintf(&b, "%d. %s (%.1f)\n", i+1, id, result.Scores[id])
	}
	if result.Summary != "" {
		b.WriteString(result.Summary)
	}
	return b.String()
}
