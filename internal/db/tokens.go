package db

import (
	"fmt"
)

// BotToken is one issued long-lived token. The token string itself is
// never stored; possession of the signed JWT plus a non-revoked row here
// is what grants access.
type BotToken struct {
	TokenID  string
	OwnerID  string
	Username string
	Revoked  bool
}

// TokenStore tracks issued bot tokens and their revocation state.
type TokenStore struct {
	db *Database
}

// NewTokenStore creates a TokenStore on the shared database.
func NewTokenStore(database *Database) *TokenStore {
	return &TokenStore{db: database}
}

// SaveToken records a newly issued token.
func (s *TokenStore) SaveToken(tokenID, ownerID, username string) error {
	if _, err := s.db.Exec(
		`INSERT INTO bot_tokens (token_id, owner_id, username) VALUES (?, ?, ?)`,
		tokenID, ownerID, username,
	); err != nil {
		return fmt.Errorf("failed to save bot token: %w", err)
	}
	return nil
}

// RevokeToken marks a token revoked; verification rejects it afterward.
func (s *TokenStore) RevokeToken(tokenID string) error {
	if _, err := s.db.Exec(`UPDATE bot_tokens SET revoked = 1 WHERE token_id = ?`, tokenID); err != nil {
		return fmt.Errorf("failed to revoke bot token: %w", err)
	}
	return nil
}

// IsRevoked reports whether a token id has been revoked. Unknown ids
// are treated as revoked.
func (s *TokenStore) IsRevoked(tokenID string) bool {
	var revoked int
	err := s.db.QueryRow(`SELECT revoked FROM bot_tokens WHERE token_id = ?`, tokenID).Scan(&revoked)
	if err != nil {
		return true
	}
	return revoked == 1
}

// TokensForOwner lists the tokens a user has issued.
func (s *TokenStore) TokensForOwner(ownerID string) ([]BotToken, error) {
	rows, err := s.db.Query(
		`SELECT token_id, owner_id, username, revoked FROM bot_tokens WHERE owner_id = ?`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query bot tokens: %w", err)
	}
	defer rows.Close()

	var tokens []BotToken
	for rows.Next() {
		var t BotToken
		var revoked int
		if err := rows.Scan(&t.TokenID, &t.OwnerID, &t.Username, &revoked); err != nil {
			return nil, fmt.Errorf("failed to scan bot token: %w", err)
		}
		t.Revoked = revoked == 1
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}
