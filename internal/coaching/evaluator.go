package coaching

import (
	"context"
	"fmt"
	"strings"

	"github.com/courseloom/courseloom-backend/internal/pkg/logger"
)

// StructuredGenerator is the slice of the generation capability evaluation
// needs: a single schema-constrained JSON result.
type StructuredGenerator interface {
	GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, error)
}

// TurnEvaluation scores one learner turn against the rubric.
type TurnEvaluation struct {
	Level           RubricLevel    `json:"rubric_level"`
	CriterionScores map[string]int `json:"per_criterion_scores"`
	Strengths       []string       `json:"strengths"`
	Improvements    []string       `json:"improvements"`
	Summary         string         `json:"summary_text"`
}

// SessionEvaluation is the deterministic aggregate of all per-turn
// evaluations.
type SessionEvaluation struct {
	OverallLevel      RubricLevel        `json:"rubric_level"`
	CriterionAverages map[string]float64 `json:"per_criterion_scores"`
	Strengths         []string           `json:"strengths"`
	Improvements      []string           `json:"improvements"`
	Summary           string             `json:"summary_text"`
	Recommendations   []string           `json:"recommendations"`
}

// Evaluator scores turns via the generation capability. Scoring always runs
// against the same context view the coach replied over, never a different
// representation of the dialogue.
type Evaluator struct {
	gen StructuredGenerator
	log *logger.Logger
}

func NewEvaluator(gen StructuredGenerator, log *logger.Logger) *Evaluator {
	if log != nil {
		log = log.With("component", "CoachEvaluator")
	}
	return &Evaluator{gen: gen, log: log}
}

const evaluatorSystemPrompt = "You are an assessment assistant. Score the learner's most recent " +
	"contribution in the conversation below against the rubric. Score only the learner, not the coach."

// EvaluateTurn classifies the latest learner contribution. Any failure of the
// underlying call yields ErrEvaluationUnavailable; the coaching turn itself
// is unaffected.
func (e *Evaluator) EvaluateTurn(ctx context.Context, contextView []ContextEntry, rubric []RubricCriterion) (*TurnEvaluation, error) {
	if e.gen == nil {
		return nil, fmt.Errorf("%w: no generator configured", ErrEvaluationUnavailable)
	}
	if len(rubric) == 0 {
		return nil, fmt.Errorf("%w: empty rubric", ErrEvaluationUnavailable)
	}

	raw, err := e.gen.GenerateJSON(ctx, evaluatorSystemPrompt, renderEvaluationInput(contextView, rubric),
		"turn_evaluation", evaluationSchema(rubric))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEvaluationUnavailable, err)
	}

	eval, err := mapTurnEvaluation(raw, rubric)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEvaluationUnavailable, err)
	}
	return eval, nil
}

func renderEvaluationInput(contextView []ContextEntry, rubric []RubricCriterion) string {
	var b strings.Builder
	b.WriteString("Rubric criteria (score each 0-3):\n")
	for _, c := range rubric {
		b.WriteString("- ")
		b.WriteString(c.ID)
		b.WriteString(": ")
		b.WriteString(c.Label)
		if c.Description != "" {
			b.WriteString(" - ")
			b.WriteString(strings.TrimSpace(c.Description))
		}
		b.WriteByte('\n')
	}
	b.WriteString("\nConversation:\n")
	for _, entry := range contextView {
		b.WriteString(entry.Role)
		b.WriteString(": ")
		b.WriteString(entry.Text)
		b.WriteByte('\n')
	}
	return b.String()
}

func evaluationSchema(rubric []RubricCriterion) map[string]any {
	scoreProps := map[string]any{}
	required := make([]string, 0, len(rubric))
	for _, c := range rubric {
		scoreProps[c.ID] = map[string]any{"type": "integer", "minimum": 0, "maximum": MaxCriterionScore}
		required = append(required, c.ID)
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"rubric_level": map[string]any{
				"type": "string",
				"enum": []string{string(LevelDeveloping), string(LevelProficient), string(LevelExemplary)},
			},
			"scores": map[string]any{
				"type":                 "object",
				"properties":           scoreProps,
				"required":             required,
				"additionalProperties": false,
			},
			"strengths":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"improvements": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"summary":      map[string]any{"type": "string"},
		},
		"required":             []string{"rubric_level", "scores", "strengths", "improvements", "summary"},
		"additionalProperties": false,
	}
}

func mapTurnEvaluation(raw map[string]any, rubric []RubricCriterion) (*TurnEvaluation, error) {
	level := RubricLevel(stringField(raw, "rubric_level"))
	if LevelRank(level) == 0 {
		return nil, fmt.Errorf("unrecognized rubric level %q", level)
	}

	scores := map[string]int{}
	if m, ok := raw["scores"].(map[string]any); ok {
		for _, c := range rubric {
			v, ok := m[c.ID]
			if !ok {
				return nil, fmt.Errorf("missing score for criterion %q", c.ID)
			}
			n, ok := intValue(v)
			if !ok || n < 0 || n > MaxCriterionScore {
				return nil, fmt.Errorf("score for %q out of range", c.ID)
			}
			scores[c.ID] = n
		}
	} else {
		return nil, fmt.Errorf("missing scores object")
	}

	return &TurnEvaluation{
		Level:           level,
		CriterionScores: scores,
		Strengths:       stringSlice(raw, "strengths"),
		Improvements:    stringSlice(raw, "improvements"),
		Summary:         stringField(raw, "summary"),
	}, nil
}

// AggregateSession folds per-turn evaluations into a session-level result.
// Aggregation rule: the overall level is the mode of per-turn levels, ties
// broken toward the level of the most recent turn; per-criterion scores are
// averaged. No generation call is involved, so the result is reproducible.
func AggregateSession(evals []TurnEvaluation) SessionEvaluation {
	out := SessionEvaluation{
		OverallLevel:      LevelDeveloping,
		CriterionAverages: map[string]float64{},
	}
	if len(evals) == 0 {
		out.Summary = "No learner turns were evaluated in this session."
		return out
	}

	counts := map[RubricLevel]int{}
	maxCount := 0
	for _, e := range evals {
		counts[e.Level]++
		if counts[e.Level] > maxCount {
			maxCount = counts[e.Level]
		}
	}
	// Mode of per-turn levels; when tied, the most recent turn's level wins if
	// it is part of the tie, otherwise the higher level does.
	best := evals[len(evals)-1].Level
	if counts[best] < maxCount {
		for _, level := range []RubricLevel{LevelExemplary, LevelProficient, LevelDeveloping} {
			if counts[level] == maxCount {
				best = level
				break
			}
		}
	}
	out.OverallLevel = best

	sums := map[string]int{}
	seen := map[string]int{}
	for _, e := range evals {
		for id, score := range e.CriterionScores {
			sums[id] += score
			seen[id]++
		}
		out.Strengths = appendUnique(out.Strengths, e.Strengths...)
		out.Improvements = appendUnique(out.Improvements, e.Improvements...)
	}
	for id, total := range sums {
		out.CriterionAverages[id] = float64(total) / float64(seen[id])
	}

	out.Summary = fmt.Sprintf("Across %d evaluated turns the learner performed at the %q level.",
		len(evals), out.OverallLevel)
	out.Recommendations = recommendationsFor(out.OverallLevel, out.Improvements)
	return out
}

func recommendationsFor(level RubricLevel, improvements []string) []string {
	recs := make([]string, 0, len(improvements)+1)
	for _, imp := range improvements {
		recs = append(recs, "Work on: "+imp)
	}
	if level != LevelExemplary {
		recs = append(recs, "Revisit the activity material and retry the coaching session.")
	}
	return recs
}

func appendUnique(dst []string, items ...string) []string {
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		dup := false
		for _, existing := range dst {
			if existing == item {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, item)
		}
	}
	return dst
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

func stringSlice(m map[string]any, key string) []string {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}

func intValue(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	default:
		return 0, false
	}
}
