package state

import (
	"context"
	"fmt"

	"github.com/moonlight-project/moonlight/internal/db"
	"github.com/moonlight-project/moonlight/internal/events"
	"github.com/moonlight-project/moonlight/internal/models"
)

// SubmitResult reports what RecordScore did with a submission.
type SubmitResult struct {
	// Accepted is false when the map's attempt limit was already spent.
	Accepted bool
	// Improved is true when the submission became the player's best.
	Improved bool
	// Leaderboard is the ordered map leaderboard after the submission.
	Leaderboard []models.LeaderboardEntry
}

// RecordScore applies one score submission to a qualifier map.
//
// Placeholder scores reserve a row before an attempt starts; the first
// real score a player lands replaces their placeholder in place, so the
// row id (and with it submission order) is stable. After every real
// submission all of the player's rows except their best are marked old,
// which keeps the leaderboard query trivial: best row per player is the
// only live one. A worse attempt is still recorded (it spends an
// attempt and stays in history) but is superseded immediately.
func (m *Manager) RecordScore(ctx context.Context, tournamentID string, submission *models.LeaderboardEntry) (*SubmitResult, error) {
	event, qualifierMap, err := m.FindQualifierMap(tournamentID, submission.EventID, submission.MapID)
	if err != nil {
		return nil, err
	}

	if qualifierMap.AttemptLimit > 0 && !submission.IsPlaceholder {
		used, err := m.qualifiers.CountAttempts(submission.MapID, submission.PlatformID)
		if err != nil {
			return nil, err
		}
		if used >= qualifierMap.AttemptLimit {
			leaderboard, err := m.Leaderboard(tournamentID, submission.EventID, submission.MapID)
			if err != nil {
				return nil, err
			}
			return &SubmitResult{Accepted: false, Leaderboard: leaderboard}, nil
		}
	}

	current, err := m.qualifiers.CurrentScoresForPlayer(submission.MapID, submission.PlatformID)
	if err != nil {
		return nil, err
	}

	row := &db.Score{
		Entry:         *submission,
		IsPlaceholder: submission.IsPlaceholder,
	}

	var placeholder *db.Score
	var best *db.Score
	for _, sc := range current {
		if sc.IsPlaceholder {
			placeholder = sc
			continue
		}
		if best == nil || IsNewScoreBetter(&best.Entry, &sc.Entry, event.Sort, qualifierMap.Target) {
			best = sc
		}
	}

	if submission.IsPlaceholder {
		// A placeholder only matters while the player has no rows at
		// all; once any row exists it carries nothing new.
		if len(current) == 0 {
			if _, err := m.qualifiers.InsertScore(row); err != nil {
				return nil, err
			}
		}
		leaderboard, err := m.Leaderboard(tournamentID, submission.EventID, submission.MapID)
		if err != nil {
			return nil, err
		}
		return &SubmitResult{Accepted: true, Leaderboard: leaderboard}, nil
	}

	var rowID int64
	if placeholder != nil {
		rowID = placeholder.ID
		if err := m.qualifiers.ReplaceScore(rowID, row); err != nil {
			return nil, err
		}
	} else {
		rowID, err = m.qualifiers.InsertScore(row)
		if err != nil {
			return nil, err
		}
	}

	improved := best == nil || IsNewScoreBetter(&best.Entry, submission, event.Sort, qualifierMap.Target)
	keepID := rowID
	if !improved {
		keepID = best.ID
	}
	if err := m.qualifiers.SupersedeAllExcept(submission.MapID, submission.PlatformID, keepID); err != nil {
		return nil, err
	}

	leaderboard, err := m.Leaderboard(tournamentID, submission.EventID, submission.MapID)
	if err != nil {
		return nil, err
	}

	m.bus.Emit(ctx, events.Event{
		Type:   events.EventScoreSubmitted,
		Source: "state",
		Payload: events.ScoreSubmittedPayload{
			TournamentID: tournamentID,
			EventID:      submission.EventID,
			Map:          qualifierMap,
			Score:        submission,
			Improved:     improved,
		},
	})

	return &SubmitResult{Accepted: true, Improved: improved, Leaderboard: leaderboard}, nil
}

// Leaderboard returns the ordered live scores for a qualifier map.
func (m *Manager) Leaderboard(tournamentID, eventGuid, mapGuid string) ([]models.LeaderboardEntry, error) {
	event, qualifierMap, err := m.FindQualifierMap(tournamentID, eventGuid, mapGuid)
	if err != nil {
		return nil, err
	}

	rows, err := m.qualifiers.CurrentScores(mapGuid)
	if err != nil {
		return nil, err
	}
	entries := make([]models.LeaderboardEntry, 0, len(rows))
	for _, sc := range rows {
		entries = append(entries, sc.Entry)
	}
	return OrderScores(entries, event.Sort, qualifierMap.Target, false), nil
}

// RemainingAttempts reports how many attempts a player has left on a
// map. Maps without a limit report -1.
func (m *Manager) RemainingAttempts(tournamentID, eventGuid, mapGuid, platformID string) (int, error) {
	_, qualifierMap, err := m.FindQualifierMap(tournamentID, eventGuid, mapGuid)
	if err != nil {
		return 0, err
	}
	if qualifierMap.AttemptLimit <= 0 {
		return -1, nil
	}

	used, err := m.qualifiers.CountAttempts(mapGuid, platformID)
	if err != nil {
		return 0, err
	}
	remaining := qualifierMap.AttemptLimit - used
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// RefundAttempts gives a player back up to count spent attempts on a
// map.
func (m *Manager) RefundAttempts(tournamentID, eventGuid, mapGuid, platformID string, count int) error {
	if count <= 0 {
		return fmt.Errorf("refund count must be positive, got %d", count)
	}
	if _, _, err := m.FindQualifierMap(tournamentID, eventGuid, mapGuid); err != nil {
		return err
	}
	return m.qualifiers.RefundAttempts(mapGuid, platformID, count)
}
