// Package state holds the canonical in-memory tournament tree and the
// leaderboard ordering rules that qualifier score handling is built on.
package state

import (
	"sort"

	"github.com/moonlight-project/moonlight/internal/models"
)

// abs on ints; the scalar computation below is all integer math.
func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// ScoreValue computes the comparison scalar for a score under the given
// sort mode. Target-distance, ascending and plain modes of one family
// all share the same |target - field| form; plain descending modes pass
// target zero, so the scalar degrades to the raw field value.
func ScoreValue(score *models.LeaderboardEntry, sortMode models.LeaderboardSort, target int) int {
	switch sortMode {
	case models.SortNotesMissed, models.SortNotesMissedAscending, models.SortNotesMissedTarget:
		return abs(target - score.NotesMissed)
	case models.SortBadCuts, models.SortBadCutsAscending, models.SortBadCutsTarget:
		return abs(target - score.BadCuts)
	case models.SortGoodCuts, models.SortGoodCutsAscending, models.SortGoodCutsTarget:
		return abs(target - score.GoodCuts)
	case models.SortMaxCombo, models.SortMaxComboAscending, models.SortMaxComboTarget:
		return abs(target - score.MaxCombo)
	default:
		return abs(target - score.ModifiedScore)
	}
}

// ascendingIsBetter reports whether a smaller scalar wins under the sort
// mode (the ascending and target families; fewest notes missed, closest
// to target, and so on).
func ascendingIsBetter(sortMode models.LeaderboardSort) bool {
	switch sortMode {
	case models.SortModifiedScoreAscending, models.SortModifiedScoreTarget,
		models.SortNotesMissedAscending, models.SortNotesMissedTarget,
		models.SortBadCutsAscending, models.SortBadCutsTarget,
		models.SortGoodCutsAscending, models.SortGoodCutsTarget,
		models.SortMaxComboAscending, models.SortMaxComboTarget:
		return true
	default:
		return false
	}
}

// IsNewScoreBetter reports whether newScore should replace oldScore.
// This is the single source of truth for score replacement: OrderScores
// uses the identical scalar and direction, so replacement decisions and
// leaderboard display can never disagree.
func IsNewScoreBetter(oldScore, newScore *models.LeaderboardEntry, sortMode models.LeaderboardSort, target int) bool {
	oldValue := ScoreValue(oldScore, sortMode, target)
	newValue := ScoreValue(newScore, sortMode, target)
	if ascendingIsBetter(sortMode) {
		return oldValue > newValue
	}
	return oldValue < newValue
}

// OrderScores sorts scores best-first under the sort mode. With invert
// set the worst score comes first, which score submission uses to find
// the row a new attempt may supersede. The sort is stable so equal
// scalars keep submission order.
func OrderScores(scores []models.LeaderboardEntry, sortMode models.LeaderboardSort, target int, invert bool) []models.LeaderboardEntry {
	ordered := make([]models.LeaderboardEntry, len(scores))
	copy(ordered, scores)

	ascending := ascendingIsBetter(sortMode)
	if invert {
		ascending = !ascending
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		a := ScoreValue(&ordered[i], sortMode, target)
		b := ScoreValue(&ordered[j], sortMode, target)
		if ascending {
			return a < b
		}
		return a > b
	})
	return ordered
}
