package db

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/moonlight-project/moonlight/internal/models"
	"github.com/moonlight-project/moonlight/internal/util"
)

// Permission flags scoped to a tournament. A user holds any number of
// these in the authorized_users table; PermissionAdmin implies all.
const (
	PermissionView             = "view"
	PermissionJoin             = "join"
	PermissionGetScores        = "get_scores"
	PermissionSubmitScores     = "submit_scores"
	PermissionManageMatches    = "manage_matches"
	PermissionPlay             = "play"
	PermissionManageQualifiers = "manage_qualifiers"
	PermissionManageUsers      = "manage_users"
	PermissionAdmin            = "admin"
)

// TournamentStore persists tournaments and their role table.
type TournamentStore struct {
	db     *Database
	logger zerolog.Logger
}

// NewTournamentStore creates a TournamentStore on the shared database.
func NewTournamentStore(database *Database) *TournamentStore {
	return &TournamentStore{
		db:     database,
		logger: util.ComponentLogger("tournament_store"),
	}
}

// SaveTournament persists the current tournament row, superseding any
// previous row for the same guid.
func (s *TournamentStore) SaveTournament(t *models.Tournament) error {
	settings, err := json.Marshal(t.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal tournament settings: %w", err)
	}
	server, err := json.Marshal(t.Server)
	if err != nil {
		return fmt.Errorf("failed to marshal server info: %w", err)
	}

	return s.db.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE tournaments SET old = 1 WHERE guid = ? AND old = 0`, t.Guid); err != nil {
			return fmt.Errorf("failed to supersede tournament: %w", err)
		}
		_, err := tx.Exec(
			`INSERT INTO tournaments (guid, name, settings_json, server_json, password_hash) VALUES (?, ?, ?, ?, ?)`,
			t.Guid, t.Settings.TournamentName, string(settings), string(server), t.Settings.PasswordHash,
		)
		if err != nil {
			return fmt.Errorf("failed to insert tournament: %w", err)
		}
		return nil
	})
}

// LoadTournaments returns all current (non-superseded) tournaments.
func (s *TournamentStore) LoadTournaments() ([]*models.Tournament, error) {
	rows, err := s.db.Query(`SELECT guid, settings_json, server_json, password_hash FROM tournaments WHERE old = 0`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tournaments: %w", err)
	}
	defer rows.Close()

	var tournaments []*models.Tournament
	for rows.Next() {
		var guid, settingsJSON, serverJSON, passwordHash string
		if err := rows.Scan(&guid, &settingsJSON, &serverJSON, &passwordHash); err != nil {
			return nil, fmt.Errorf("failed to scan tournament row: %w", err)
		}

		t := &models.Tournament{Guid: guid}
		if err := json.Unmarshal([]byte(settingsJSON), &t.Settings); err != nil {
			s.logger.Warn().Err(err).Str("guid", guid).Msg("skipping tournament with corrupt settings")
			continue
		}
		if err := json.Unmarshal([]byte(serverJSON), &t.Server); err != nil {
			s.logger.Warn().Err(err).Str("guid", guid).Msg("skipping tournament with corrupt server info")
			continue
		}
		t.Settings.PasswordHash = passwordHash
		tournaments = append(tournaments, t)
	}
	return tournaments, rows.Err()
}

// DeleteTournament soft-deletes a tournament and its role table.
func (s *TournamentStore) DeleteTournament(guid string) error {
	return s.db.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE tournaments SET old = 1 WHERE guid = ?`, guid); err != nil {
			return fmt.Errorf("failed to delete tournament: %w", err)
		}
		if _, err := tx.Exec(`UPDATE authorized_users SET old = 1 WHERE tournament_guid = ?`, guid); err != nil {
			return fmt.Errorf("failed to delete authorized users: %w", err)
		}
		return nil
	})
}

// AddAuthorizedUser grants permissions to a user on a tournament. Grants
// already present are kept, not duplicated.
func (s *TournamentStore) AddAuthorizedUser(tournamentGuid, userID string, permissions ...string) error {
	for _, perm := range permissions {
		var count int
		err := s.db.QueryRow(
			`SELECT COUNT(*) FROM authorized_users WHERE tournament_guid = ? AND user_id = ? AND permission = ? AND old = 0`,
			tournamentGuid, userID, perm,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("failed to check existing grant: %w", err)
		}
		if count > 0 {
			continue
		}
		if _, err := s.db.Exec(
			`INSERT INTO authorized_users (tournament_guid, user_id, permission) VALUES (?, ?, ?)`,
			tournamentGuid, userID, perm,
		); err != nil {
			return fmt.Errorf("failed to add authorized user: %w", err)
		}
	}

	s.logger.Debug().
		Str("tournament", tournamentGuid).
		Str("user", userID).
		Strs("permissions", permissions).
		Msg("authorized user updated")
	return nil
}

// RemoveAuthorizedUser soft-deletes all grants for a user.
func (s *TournamentStore) RemoveAuthorizedUser(tournamentGuid, userID string) error {
	if _, err := s.db.Exec(
		`UPDATE authorized_users SET old = 1 WHERE tournament_guid = ? AND user_id = ? AND old = 0`,
		tournamentGuid, userID,
	); err != nil {
		return fmt.Errorf("failed to remove authorized user: %w", err)
	}
	return nil
}

// GetUserPermissions returns the current permission flags a user holds
// on a tournament.
func (s *TournamentStore) GetUserPermissions(tournamentGuid, userID string) ([]string, error) {
	if userID == "" {
		return nil, nil
	}

	rows, err := s.db.Query(
		`SELECT permission FROM authorized_users WHERE tournament_guid = ? AND user_id = ? AND old = 0`,
		tournamentGuid, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query permissions: %w", err)
	}
	defer rows.Close()

	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// IsUserAuthorized reports whether either of the given platform or
// discord ids holds the permission (or admin) on the tournament.
func (s *TournamentStore) IsUserAuthorized(tournamentGuid string, userIDs []string, permission string) bool {
	for _, id := range userIDs {
		perms, err := s.GetUserPermissions(tournamentGuid, id)
		if err != nil {
			s.logger.Warn().Err(err).Str("user", id).Msg("permission lookup failed")
			continue
		}
		for _, p := range perms {
			if p == permission || p == PermissionAdmin {
				return true
			}
		}
	}
	return false
}

// GetAuthorizedUsers lists all current grants on a tournament, grouped
// by user.
func (s *TournamentStore) GetAuthorizedUsers(tournamentGuid string) (map[string][]string, error) {
	rows, err := s.db.Query(
		`SELECT user_id, permission FROM authorized_users WHERE tournament_guid = ? AND old = 0`,
		tournamentGuid,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query authorized users: %w", err)
	}
	defer rows.Close()

	grants := make(map[string][]string)
	for rows.Next() {
		var userID, perm string
		if err := rows.Scan(&userID, &perm); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		grants[userID] = append(grants[userID], perm)
	}
	return grants, rows.Err()
}

// HashPassword hashes a tournament password for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyHashedPassword reports whether the plaintext matches the hash.
func VerifyHashedPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
