package coaching

import (
	"math"
	"strings"
)

// TokenEstimator is a pluggable sizing strategy. The engine only ever needs a
// consistent estimate, not an exact tokenizer; tests inject a unit-cost
// estimator to make budgets arithmetic.
type TokenEstimator interface {
	Estimate(text string) int
}

// WordCountEstimator approximates tokens as words times a constant factor.
// English prose runs just above one token per word on common tokenizers.
type WordCountEstimator struct {
	Factor float64
}

const defaultTokenFactor = 1.3

func NewWordCountEstimator() WordCountEstimator {
	return WordCountEstimator{Factor: defaultTokenFactor}
}

func (e WordCountEstimator) Estimate(text string) int {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	factor := e.Factor
	if factor <= 0 {
		factor = defaultTokenFactor
	}
	return int(math.Ceil(float64(words) * factor))
}
