package state

import (
	"testing"

	"github.com/moonlight-project/moonlight/internal/models"
)

func lbEntry(modified, missed, bad, good, combo int) models.LeaderboardEntry {
	return models.LeaderboardEntry{
		ModifiedScore: modified,
		NotesMissed:   missed,
		BadCuts:       bad,
		GoodCuts:      good,
		MaxCombo:      combo,
	}
}

var allSortModes = []models.LeaderboardSort{
	models.SortModifiedScore, models.SortModifiedScoreAscending, models.SortModifiedScoreTarget,
	models.SortNotesMissed, models.SortNotesMissedAscending, models.SortNotesMissedTarget,
	models.SortBadCuts, models.SortBadCutsAscending, models.SortBadCutsTarget,
	models.SortGoodCuts, models.SortGoodCutsAscending, models.SortGoodCutsTarget,
	models.SortMaxCombo, models.SortMaxComboAscending, models.SortMaxComboTarget,
}

func TestScoreValue(t *testing.T) {
	score := lbEntry(9000, 3, 2, 500, 120)

	tests := []struct {
		name   string
		mode   models.LeaderboardSort
		target int
		want   int
	}{
		{"modified score raw", models.SortModifiedScore, 0, 9000},
		{"modified score target", models.SortModifiedScoreTarget, 9100, 100},
		{"notes missed raw", models.SortNotesMissed, 0, 3},
		{"notes missed target", models.SortNotesMissedTarget, 5, 2},
		{"bad cuts", models.SortBadCuts, 0, 2},
		{"good cuts target overshoot", models.SortGoodCutsTarget, 450, 50},
		{"max combo", models.SortMaxCombo, 0, 120},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ScoreValue(&score, tt.mode, tt.target); got != tt.want {
				t.Fatalf("ScoreValue = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestIsNewScoreBetter(t *testing.T) {
	tests := []struct {
		name     string
		mode     models.LeaderboardSort
		target   int
		old, new models.LeaderboardEntry
		want     bool
	}{
		{"higher score wins descending", models.SortModifiedScore, 0, lbEntry(9000, 0, 0, 0, 0), lbEntry(9500, 0, 0, 0, 0), true},
		{"lower score loses descending", models.SortModifiedScore, 0, lbEntry(9000, 0, 0, 0, 0), lbEntry(8000, 0, 0, 0, 0), false},
		{"equal score does not replace", models.SortModifiedScore, 0, lbEntry(9000, 0, 0, 0, 0), lbEntry(9000, 0, 0, 0, 0), false},
		{"fewer misses wins ascending", models.SortNotesMissedAscending, 0, lbEntry(0, 5, 0, 0, 0), lbEntry(0, 2, 0, 0, 0), true},
		{"more misses loses ascending", models.SortNotesMissedAscending, 0, lbEntry(0, 2, 0, 0, 0), lbEntry(0, 5, 0, 0, 0), false},
		{"closer to target wins", models.SortModifiedScoreTarget, 9000, lbEntry(8800, 0, 0, 0, 0), lbEntry(9050, 0, 0, 0, 0), true},
		{"overshoot measured by distance", models.SortModifiedScoreTarget, 9000, lbEntry(9050, 0, 0, 0, 0), lbEntry(9200, 0, 0, 0, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNewScoreBetter(&tt.old, &tt.new, tt.mode, tt.target); got != tt.want {
				t.Fatalf("IsNewScoreBetter = %v, want %v", got, tt.want)
			}
		})
	}
}

// The ordering and replacement rules must agree for every sort mode:
// A ranked strictly above B implies A would replace B, and vice versa.
func TestOrderingReplacementSymmetry(t *testing.T) {
	a := lbEntry(9000, 3, 2, 480, 110)
	b := lbEntry(8500, 1, 5, 500, 130)

	for _, mode := range allSortModes {
		for _, target := range []int{0, 2, 9000} {
			ordered := OrderScores([]models.LeaderboardEntry{b, a}, mode, target, false)

			aFirst := ordered[0] == a
			equal := ScoreValue(&a, mode, target) == ScoreValue(&b, mode, target)
			if equal {
				continue // ties keep submission order; replacement rejects both ways
			}

			if aFirst != IsNewScoreBetter(&b, &a, mode, target) {
				t.Errorf("mode=%d target=%d: ordering says aFirst=%v but replacement disagrees", mode, target, aFirst)
			}
			if aFirst == IsNewScoreBetter(&a, &b, mode, target) {
				t.Errorf("mode=%d target=%d: replacement accepts both directions", mode, target)
			}
		}
	}
}

func TestOrderScoresInvert(t *testing.T) {
	scores := []models.LeaderboardEntry{
		lbEntry(7000, 0, 0, 0, 0),
		lbEntry(9000, 0, 0, 0, 0),
		lbEntry(8000, 0, 0, 0, 0),
	}

	best := OrderScores(scores, models.SortModifiedScore, 0, false)
	if best[0].ModifiedScore != 9000 || best[2].ModifiedScore != 7000 {
		t.Fatalf("best-first order wrong: %+v", best)
	}

	worst := OrderScores(scores, models.SortModifiedScore, 0, true)
	if worst[0].ModifiedScore != 7000 || worst[2].ModifiedScore != 9000 {
		t.Fatalf("worst-first order wrong: %+v", worst)
	}

	// Input must not be mutated.
	if scores[0].ModifiedScore != 7000 {
		t.Fatal("OrderScores mutated its input")
	}
}

func TestOrderScoresStableOnTies(t *testing.T) {
	first := lbEntry(9000, 0, 0, 0, 0)
	first.Username = "first"
	second := lbEntry(9000, 0, 0, 0, 0)
	second.Username = "second"

	ordered := OrderScores([]models.LeaderboardEntry{first, second}, models.SortModifiedScore, 0, false)
	if ordered[0].Username != "first" {
		t.Fatalf("tie broke submission order: %+v", ordered)
	}
}
