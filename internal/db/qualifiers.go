package db

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/moonlight-project/moonlight/internal/models"
	"github.com/moonlight-project/moonlight/internal/util"
)

// Score is the persistence model of one leaderboard row. Unlike
// models.LeaderboardEntry it carries the row id and the soft-delete
// bookkeeping needed to supersede rows in place.
type Score struct {
	ID            int64
	Entry         models.LeaderboardEntry
	IsPlaceholder bool
	Refunded      bool
	Old           bool
}

// QualifierStore persists qualifier events, their map pools and scores.
type QualifierStore struct {
	db     *Database
	logger zerolog.Logger
}

// NewQualifierStore creates a QualifierStore on the shared database.
func NewQualifierStore(database *Database) *QualifierStore {
	return &QualifierStore{
		db:     database,
		logger: util.ComponentLogger("qualifier_store"),
	}
}

// SaveQualifier persists a qualifier event and its map pool, superseding
// previous rows for the same guids.
func (s *QualifierStore) SaveQualifier(tournamentGuid string, event *models.QualifierEvent) error {
	return s.db.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE qualifiers SET old = 1 WHERE guid = ? AND old = 0`, event.Guid); err != nil {
			return fmt.Errorf("failed to supersede qualifier: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO qualifiers (guid, tournament_guid, name, sort, flags, info_channel_id) VALUES (?, ?, ?, ?, ?, ?)`,
			event.Guid, tournamentGuid, event.Name, int(event.Sort), int(event.Flags), event.InfoChannelID,
		); err != nil {
			return fmt.Errorf("failed to insert qualifier: %w", err)
		}

		if _, err := tx.Exec(`UPDATE qualifier_maps SET old = 1 WHERE event_guid = ? AND old = 0`, event.Guid); err != nil {
			return fmt.Errorf("failed to supersede qualifier maps: %w", err)
		}
		for _, m := range event.Maps {
			params, err := json.Marshal(m.GameplayParameters)
			if err != nil {
				return fmt.Errorf("failed to marshal map parameters: %w", err)
			}
			if _, err := tx.Exec(
				`INSERT INTO qualifier_maps (guid, event_guid, parameters_json, target, attempt_limit, leaderboard_message_id)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				m.Guid, event.Guid, string(params), m.Target, m.AttemptLimit, m.LeaderboardMessage,
			); err != nil {
				return fmt.Errorf("failed to insert qualifier map: %w", err)
			}
		}
		return nil
	})
}

// LoadQualifiers returns all current qualifier events for a tournament,
// map pools included.
func (s *QualifierStore) LoadQualifiers(tournamentGuid string) ([]*models.QualifierEvent, error) {
	rows, err := s.db.Query(
		`SELECT guid, name, sort, flags, info_channel_id FROM qualifiers WHERE tournament_guid = ? AND old = 0`,
		tournamentGuid,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query qualifiers: %w", err)
	}
	defer rows.Close()

	var events []*models.QualifierEvent
	for rows.Next() {
		var event models.QualifierEvent
		var sortMode, flags int
		if err := rows.Scan(&event.Guid, &event.Name, &sortMode, &flags, &event.InfoChannelID); err != nil {
			return nil, fmt.Errorf("failed to scan qualifier row: %w", err)
		}
		event.Sort = models.LeaderboardSort(sortMode)
		event.Flags = models.EventFlags(flags)
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, event := range events {
		maps, err := s.loadMaps(event.Guid)
		if err != nil {
			return nil, err
		}
		event.Maps = maps
	}
	return events, nil
}

func (s *QualifierStore) loadMaps(eventGuid string) ([]*models.QualifierMap, error) {
	rows, err := s.db.Query(
		`SELECT guid, parameters_json, target, attempt_limit, leaderboard_message_id
		 FROM qualifier_maps WHERE event_guid = ? AND old = 0`,
		eventGuid,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query qualifier maps: %w", err)
	}
	defer rows.Close()

	var maps []*models.QualifierMap
	for rows.Next() {
		var m models.QualifierMap
		var params string
		if err := rows.Scan(&m.Guid, &params, &m.Target, &m.AttemptLimit, &m.LeaderboardMessage); err != nil {
			return nil, fmt.Errorf("failed to scan qualifier map: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &m.GameplayParameters); err != nil {
			s.logger.Warn().Err(err).Str("map", m.Guid).Msg("skipping map with corrupt parameters")
			continue
		}
		maps = append(maps, &m)
	}
	return maps, rows.Err()
}

// DeleteQualifier soft-deletes a qualifier event and its maps. Scores
// are kept as history.
func (s *QualifierStore) DeleteQualifier(eventGuid string) error {
	return s.db.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE qualifiers SET old = 1 WHERE guid = ?`, eventGuid); err != nil {
			return fmt.Errorf("failed to delete qualifier: %w", err)
		}
		if _, err := tx.Exec(`UPDATE qualifier_maps SET old = 1 WHERE event_guid = ?`, eventGuid); err != nil {
			return fmt.Errorf("failed to delete qualifier maps: %w", err)
		}
		return nil
	})
}

const scoreColumns = `id, event_guid, map_guid, platform_id, username, multiplied_score, modified_score,
	max_possible_score, accuracy, notes_missed, bad_cuts, good_cuts, max_combo, full_combo, is_placeholder, refunded, old`

func scanScore(rows *sql.Rows) (*Score, error) {
	var sc Score
	var fullCombo, placeholder, refunded, old int
	err := rows.Scan(
		&sc.ID, &sc.Entry.EventID, &sc.Entry.MapID, &sc.Entry.PlatformID, &sc.Entry.Username,
		&sc.Entry.MultipliedScore, &sc.Entry.ModifiedScore, &sc.Entry.MaxPossibleScore, &sc.Entry.Accuracy,
		&sc.Entry.NotesMissed, &sc.Entry.BadCuts, &sc.Entry.GoodCuts, &sc.Entry.MaxCombo,
		&fullCombo, &placeholder, &refunded, &old,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan score: %w", err)
	}
	sc.Entry.FullCombo = fullCombo == 1
	sc.IsPlaceholder = placeholder == 1
	sc.Entry.IsPlaceholder = sc.IsPlaceholder
	sc.Refunded = refunded == 1
	sc.Old = old == 1
	return &sc, nil
}

func (s *QualifierStore) queryScores(query string, args ...interface{}) ([]*Score, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query scores: %w", err)
	}
	defer rows.Close()

	var scores []*Score
	for rows.Next() {
		sc, err := scanScore(rows)
		if err != nil {
			return nil, err
		}
		scores = append(scores, sc)
	}
	return scores, rows.Err()
}

// CurrentScoresForPlayer returns the non-superseded scores a player
// holds on a map, placeholders included.
func (s *QualifierStore) CurrentScoresForPlayer(mapGuid, platformID string) ([]*Score, error) {
	return s.queryScores(
		`SELECT `+scoreColumns+` FROM scores WHERE map_guid = ? AND platform_id = ? AND old = 0`,
		mapGuid, platformID,
	)
}

// CurrentScores returns the non-superseded, non-placeholder scores of
// all players on a map.
func (s *QualifierStore) CurrentScores(mapGuid string) ([]*Score, error) {
	return s.queryScores(
		`SELECT `+scoreColumns+` FROM scores WHERE map_guid = ? AND is_placeholder = 0 AND old = 0`,
		mapGuid,
	)
}

// InsertScore adds a new score row and returns its id.
func (s *QualifierStore) InsertScore(sc *Score) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO scores (event_guid, map_guid, platform_id, username, multiplied_score, modified_score,
			max_possible_score, accuracy, notes_missed, bad_cuts, good_cuts, max_combo, full_combo, is_placeholder)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.Entry.EventID, sc.Entry.MapID, sc.Entry.PlatformID, sc.Entry.Username,
		sc.Entry.MultipliedScore, sc.Entry.ModifiedScore, sc.Entry.MaxPossibleScore, sc.Entry.Accuracy,
		sc.Entry.NotesMissed, sc.Entry.BadCuts, sc.Entry.GoodCuts, sc.Entry.MaxCombo,
		boolToInt(sc.Entry.FullCombo), boolToInt(sc.IsPlaceholder),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert score: %w", err)
	}
	return res.LastInsertId()
}

// ReplaceScore overwrites an existing row in place, keeping its id.
// Used when a real attempt supersedes a placeholder stub.
func (s *QualifierStore) ReplaceScore(id int64, sc *Score) error {
	_, err := s.db.Exec(
		`UPDATE scores SET username = ?, multiplied_score = ?, modified_score = ?, max_possible_score = ?,
			accuracy = ?, notes_missed = ?, bad_cuts = ?, good_cuts = ?, max_combo = ?, full_combo = ?,
			is_placeholder = ?, old = 0
		 WHERE id = ?`,
		sc.Entry.Username, sc.Entry.MultipliedScore, sc.Entry.ModifiedScore, sc.Entry.MaxPossibleScore,
		sc.Entry.Accuracy, sc.Entry.NotesMissed, sc.Entry.BadCuts, sc.Entry.GoodCuts, sc.Entry.MaxCombo,
		boolToInt(sc.Entry.FullCombo), boolToInt(sc.IsPlaceholder), id,
	)
	if err != nil {
		return fmt.Errorf("failed to replace score: %w", err)
	}
	return nil
}

// SupersedeAllExcept marks every non-old score a player holds on a map
// as old, except the given row.
func (s *QualifierStore) SupersedeAllExcept(mapGuid, platformID string, keepID int64) error {
	_, err := s.db.Exec(
		`UPDATE scores SET old = 1 WHERE map_guid = ? AND platform_id = ? AND id != ? AND old = 0`,
		mapGuid, platformID, keepID,
	)
	if err != nil {
		return fmt.Errorf("failed to supersede scores: %w", err)
	}
	return nil
}

// CountAttempts counts the real (non-placeholder, non-refunded)
// attempts a player has used on a map, superseded rows included.
func (s *QualifierStore) CountAttempts(mapGuid, platformID string) (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM scores WHERE map_guid = ? AND platform_id = ? AND is_placeholder = 0 AND refunded = 0`,
		mapGuid, platformID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count attempts: %w", err)
	}
	return count, nil
}

// RefundAttempts marks up to count of a player's oldest used attempts
// as refunded so they no longer count against the map's limit.
func (s *QualifierStore) RefundAttempts(mapGuid, platformID string, count int) error {
	_, err := s.db.Exec(
		`UPDATE scores SET refunded = 1 WHERE id IN (
			SELECT id FROM scores WHERE map_guid = ? AND platform_id = ? AND is_placeholder = 0 AND refunded = 0
			ORDER BY id ASC LIMIT ?
		)`,
		mapGuid, platformID, count,
	)
	if err != nil {
		return fmt.Errorf("failed to refund attempts: %w", err)
	}
	return nil
}

// SetLeaderboardMessageID records the Discord message id used for
// in-place leaderboard embed edits.
func (s *QualifierStore) SetLeaderboardMessageID(mapGuid, messageID string) error {
	_, err := s.db.Exec(
		`UPDATE qualifier_maps SET leaderboard_message_id = ? WHERE guid = ? AND old = 0`,
		messageID, mapGuid,
	)
	if err != nil {
		return fmt.Errorf("failed to store leaderboard message id: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
