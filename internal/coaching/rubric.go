package coaching

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

// RubricLevel is a fixed ordinal scale of response quality.
type RubricLevel string

const (
	LevelDeveloping RubricLevel = "developing"
	LevelProficient RubricLevel = "proficient"
	LevelExemplary  RubricLevel = "exemplary"
)

// LevelRank orders levels for aggregation. Unknown levels sink below
// developing so a malformed score can never win a tie.
func LevelRank(l RubricLevel) int {
	switch l {
	case LevelDeveloping:
		return 1
	case LevelProficient:
		return 2
	case LevelExemplary:
		return 3
	default:
		return 0
	}
}

// RubricCriterion is one instructor-defined scoring dimension. Per-criterion
// scores are ordinal 0–3.
type RubricCriterion struct {
	ID          string `json:"id" yaml:"id"`
	Label       string `json:"label" yaml:"label"`
	Description string `json:"description" yaml:"description"`
}

const MaxCriterionScore = 3

//go:embed default_rubric.yaml
var defaultRubricYAML []byte

var (
	defaultRubricOnce sync.Once
	defaultRubric     []RubricCriterion
	defaultRubricErr  error
)

// DefaultRubric returns the built-in rubric used when an activity defines no
// criteria of its own.
func DefaultRubric() ([]RubricCriterion, error) {
	defaultRubricOnce.Do(func() {
		var doc struct {
			Criteria []RubricCriterion `yaml:"criteria"`
		}
		if err := yaml.Unmarshal(defaultRubricYAML, &doc); err != nil {
			defaultRubricErr = fmt.Errorf("parse default rubric: %w", err)
			return
		}
		if len(doc.Criteria) == 0 {
			defaultRubricErr = fmt.Errorf("default rubric has no criteria")
			return
		}
		defaultRubric = doc.Criteria
	})
	if defaultRubricErr != nil {
		return nil, defaultRubricErr
	}
	out := make([]RubricCriterion, len(defaultRubric))
	copy(out, defaultRubric)
	return out, nil
}
