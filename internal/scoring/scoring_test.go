package scoring

import (
	"testing"

	"quizlink/internal/domain"
)

func TestIncorrectScoresZero(t *testing.T) {
	for _, difficulty := range []string{domain.DifficultyEasy, domain.DifficultyMedium, domain.DifficultyHard, "weird"} {
		if got := Score(false, 12, difficulty, 15); got != 0 {
			t.Fatalf("incorrect answer with difficulty %q scored %d", difficulty, got)
		}
	}
}

func TestCorrectScoring(t *testing.T) {
	cases := []struct {
		name       string
		remaining  float64
		difficulty string
		perQ       int
		want       int
	}{
		{"medium full seconds", 10, domain.DifficultyMedium, 15, 10},
		{"medium rounds up", 9.6, domain.DifficultyMedium, 15, 10},
		{"hard multiplier", 10, domain.DifficultyHard, 15, 15},
		{"easy multiplier", 10, domain.DifficultyEasy, 15, 8},
		{"clamped above limit", 40, domain.DifficultyMedium, 15, 15},
		{"clamped below zero", -3, domain.DifficultyHard, 15, 0},
		{"zero remaining", 0, domain.DifficultyMedium, 15, 0},
		{"unknown difficulty acts like medium", 7, "extreme", 15, 7},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Score(true, tc.remaining, tc.difficulty, tc.perQ); got != tc.want {
				t.Fatalf("Score(true, %v, %q, %d) = %d, want %d", tc.remaining, tc.difficulty, tc.perQ, got, tc.want)
			}
		})
	}
}

func TestScoreIsDeterministic(t *testing.T) {
	first := Score(true, 11.2, domain.DifficultyHard, 20)
	for i := 0; i < 100; i++ {
		if got := Score(true, 11.2, domain.DifficultyHard, 20); got != first {
			t.Fatalf("score changed between calls: %d vs %d", first, got)
		}
	}
}
