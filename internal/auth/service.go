// Package auth handles token issuance and verification for game
// clients, websocket clients, and bots. Every authenticated sender
// carries a signed JWT: game clients receive a player token during the
// connect handshake, websocket clients present a user or bot token (or
// the readonly sentinel).
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/moonlight-project/moonlight/internal/db"
	"github.com/moonlight-project/moonlight/internal/models"
	"github.com/moonlight-project/moonlight/internal/util"
)

// ReadonlyToken is the sentinel clients send to request a read-only
// session without authenticating.
const ReadonlyToken = "readonly"

// IdentityKind classifies how a connection authenticated.
type IdentityKind int

const (
	// IdentityUnauthorized is a connection that presented no token or
	// an invalid one.
	IdentityUnauthorized IdentityKind = iota
	// IdentityPlayer is a game client on the TCP socket with a valid
	// player token.
	IdentityPlayer
	// IdentityUser is a websocket client with a valid user token.
	IdentityUser
	// IdentityBot is a websocket client with a valid bot token.
	IdentityBot
	// IdentityReadonly is a websocket client using the readonly sentinel.
	IdentityReadonly
)

// Identity describes who a verified token belongs to.
type Identity struct {
	Kind       IdentityKind
	Guid       string
	Name       string
	DiscordID  string
	PlatformID string
	AvatarURL  string
}

// CanMutate reports whether this identity may perform state-changing
// operations at all. Readonly and unauthorized identities never can.
func (id Identity) CanMutate() bool {
	switch id.Kind {
	case IdentityPlayer, IdentityUser, IdentityBot:
		return true
	default:
		return false
	}
}

// UserIDs returns the identifiers to check against a tournament's
// authorized user list.
func (id Identity) UserIDs() []string {
	var ids []string
	if id.DiscordID != "" {
		ids = append(ids, id.DiscordID)
	}
	if id.Guid != "" && id.Guid != id.DiscordID {
		ids = append(ids, id.Guid)
	}
	if id.PlatformID != "" {
		ids = append(ids, id.PlatformID)
	}
	return ids
}

type claims struct {
	Name       string `json:"name,omitempty"`
	DiscordID  string `json:"discord_id,omitempty"`
	PlatformID string `json:"platform_id,omitempty"`
	AvatarURL  string `json:"avatar_url,omitempty"`
	Bot        bool   `json:"bot,omitempty"`
	Player     bool   `json:"player,omitempty"`
	jwt.RegisteredClaims
}

// Service issues and verifies signed tokens.
type Service struct {
	signingKey []byte
	issuer     string
	tokens     *db.TokenStore
	logger     zerolog.Logger
}

// NewService creates an auth Service. The signing key must be non-empty.
func NewService(signingKey []byte, issuer string, tokens *db.TokenStore) (*Service, error) {
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("auth: signing key must not be empty")
	}
	return &Service{
		signingKey: signingKey,
		issuer:     issuer,
		tokens:     tokens,
		logger:     util.ComponentLogger("auth"),
	}, nil
}

// GenerateSigningKey returns a fresh random signing key, hex encoded so
// it can live in the config file.
func GenerateSigningKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate signing key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// IssueUserToken mints a token for a websocket user, typically after an
// OAuth callback.
func (s *Service) IssueUserToken(user *models.User, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		Name:       user.Name,
		PlatformID: user.PlatformID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   user.Guid,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if user.Discord != nil {
		c.DiscordID = user.Discord.UserID
		c.AvatarURL = user.Discord.AvatarURL
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign user token: %w", err)
	}
	return token, nil
}

// IssuePlayerToken mints a token for a game client, handed back during
// the connect handshake so subsequent packets on the socket can be
// attributed to the player.
func (s *Service) IssuePlayerToken(user *models.User, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		Name:       user.Name,
		PlatformID: user.PlatformID,
		Player:     true,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   user.Guid,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign player token: %w", err)
	}
	return token, nil
}

// IssueBotToken mints a long-lived bot token for ownerID and records it
// so it can be revoked later. Returns the token and its id.
func (s *Service) IssueBotToken(ownerID, username string) (string, string, error) {
	tokenID := uuid.NewString()
	now := time.Now()
	c := claims{
		Name: username,
		Bot:  true,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   s.issuer,
			Subject:  ownerID,
			ID:       tokenID,
			IssuedAt: jwt.NewNumericDate(now),
			// Bot tokens do not expire; they are revoked explicitly.
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.signingKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to sign bot token: %w", err)
	}
	if err := s.tokens.SaveToken(tokenID, ownerID, username); err != nil {
		return "", "", fmt.Errorf("failed to record bot token: %w", err)
	}

	s.logger.Info().Str("owner", ownerID).Str("token_id", tokenID).Msg("bot token issued")
	return token, tokenID, nil
}

// RevokeBotToken marks a bot token as revoked. Only the owner may revoke.
func (s *Service) RevokeBotToken(tokenID, ownerID string) error {
	tokens, err := s.tokens.TokensForOwner(ownerID)
	if err != nil {
		return err
	}
	for _, t := range tokens {
		if t.TokenID == tokenID {
			return s.tokens.RevokeToken(tokenID)
		}
	}
	return fmt.Errorf("token %s is not owned by %s", tokenID, ownerID)
}

// Verify checks a token string and returns the identity it represents.
// Invalid, expired, or revoked tokens come back as IdentityUnauthorized
// with no error: an unauthenticated connection is a normal state, not a
// failure.
func (s *Service) Verify(token string) Identity {
	if token == "" {
		return Identity{Kind: IdentityUnauthorized}
	}
	if token == ReadonlyToken {
		return Identity{Kind: IdentityReadonly, Name: "readonly"}
	}

	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.signingKey, nil
	}, jwt.WithIssuer(s.issuer))
	if err != nil || !parsed.Valid {
		s.logger.Debug().Err(err).Msg("token verification failed")
		return Identity{Kind: IdentityUnauthorized}
	}

	kind := IdentityUser
	if c.Player {
		kind = IdentityPlayer
	}
	if c.Bot {
		if s.tokens.IsRevoked(c.ID) {
			s.logger.Debug().Str("token_id", c.ID).Msg("rejected revoked bot token")
			return Identity{Kind: IdentityUnauthorized}
		}
		kind = IdentityBot
	}

	return Identity{
		Kind:       kind,
		Guid:       c.Subject,
		Name:       c.Name,
		DiscordID:  c.DiscordID,
		PlatformID: c.PlatformID,
		AvatarURL:  c.AvatarURL,
	}
}

// stateClaims carries the connection id through an OAuth round trip.
type stateClaims struct {
	ConnectionID string `json:"cid"`
	jwt.RegisteredClaims
}

// SignState produces a signed OAuth state parameter binding the flow to
// a specific connection.
func (s *Service) SignState(connectionID uuid.UUID) (string, error) {
	now := time.Now()
	c := stateClaims{
		ConnectionID: connectionID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
		},
	}
	state, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign oauth state: %w", err)
	}
	return state, nil
}

// VerifyState validates an OAuth state parameter and returns the
// connection id it was issued for.
func (s *Service) VerifyState(state string) (uuid.UUID, error) {
	var c stateClaims
	parsed, err := jwt.ParseWithClaims(state, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.signingKey, nil
	}, jwt.WithIssuer(s.issuer))
	if err != nil || !parsed.Valid {
		return uuid.Nil, fmt.Errorf("invalid oauth state: %w", err)
	}
	id, err := uuid.Parse(c.ConnectionID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid connection id in oauth state: %w", err)
	}
	return id, nil
}
