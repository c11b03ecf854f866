// Package scoring holds the pure point computation so it can be tested
// without the channel or the state machine.
package scoring

import (
	"math"

	"quizlink/internal/domain"
)

// Multiplier returns the difficulty multiplier. Unknown difficulties score
// like medium.
func Multiplier(difficulty string) float64 {
	switch difficulty {
	case domain.DifficultyHard:
		return 1.5
	case domain.DifficultyEasy:
		return 0.8
	default:
		return 1.0
	}
}

// Score maps an answer outcome to a point value. Incorrect answers score
// zero; correct answers score round(secondsRemaining) scaled by the
// difficulty multiplier, with secondsRemaining clamped to
// [0, timePerQuestion].
func Score(correct bool, secondsRemaining float64, difficulty string, timePerQuestion int) int {
	if !correct {
		return 0
	}
	remaining := secondsRemaining
	if remaining < 0 {
		remaining = 0
	}
	if limit := float64(timePerQuestion); remaining > limit {
		remaining = limit
	}
	return int(math.Round(math.Round(remaining) * Multiplier(difficulty)))
}
