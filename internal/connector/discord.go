// Package connector bridges the server to Discord: OAuth identity for
// websocket clients, score feed messages, and live leaderboard embeds.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/moonlight-project/moonlight/internal/events"
	"github.com/moonlight-project/moonlight/internal/models"
	"github.com/moonlight-project/moonlight/internal/state"
	"github.com/moonlight-project/moonlight/internal/util"
)

const (
	discordAPIURL     = "https://discord.com/api/v10"
	discordTokenCache = 20 * time.Minute
)

// DiscordConfig is the slice of configuration the connector needs.
type DiscordConfig struct {
	Enabled      bool
	BotToken     string
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// DiscordUser is the identity Discord reports for an OAuth token.
type DiscordUser struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Discriminator string `json:"discriminator"`
	Avatar        string `json:"avatar"`
}

// AvatarURL builds the CDN URL for the user's avatar.
func (u *DiscordUser) AvatarURL() string {
	if u.Avatar == "" {
		return ""
	}
	return fmt.Sprintf("https://cdn.discordapp.com/avatars/%s/%s.png", u.ID, u.Avatar)
}

// DiscordConnector talks to the Discord API on behalf of the server.
type DiscordConnector struct {
	mu sync.RWMutex

	cfg     DiscordConfig
	manager *state.Manager
	client  *http.Client
	logger  zerolog.Logger

	tokenCache map[string]*cachedToken
}

type cachedToken struct {
	user      DiscordUser
	expiresAt time.Time
}

// NewDiscordConnector creates the connector and subscribes it to the
// notification and score events it renders into Discord messages.
func NewDiscordConnector(cfg DiscordConfig, bus *events.EventBus, manager *state.Manager) *DiscordConnector {
	dc := &DiscordConnector{
		cfg:        cfg,
		manager:    manager,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     util.ComponentLogger("discord"),
		tokenCache: make(map[string]*cachedToken),
	}

	bus.Subscribe(events.EventNotifyDiscord, "discord.notify", dc.onNotify)
	bus.Subscribe(events.EventScoreSubmitted, "discord.scores", dc.onScoreSubmitted)

	return dc
}

// AuthorizeURL builds the OAuth authorize URL carrying a signed state.
func (dc *DiscordConnector) AuthorizeURL(state string) string {
	q := url.Values{}
	q.Set("client_id", dc.cfg.ClientID)
	q.Set("redirect_uri", dc.cfg.RedirectURI)
	q.Set("response_type", "code")
	q.Set("scope", "identify")
	q.Set("state", state)
	return discordAPIURL + "/oauth2/authorize?" + q.Encode()
}

// ExchangeCode trades an OAuth authorization code for an access token.
func (dc *DiscordConnector) ExchangeCode(ctx context.Context, code string) (string, error) {
	form := url.Values{}
	form.Set("client_id", dc.cfg.ClientID)
	form.Set("client_secret", dc.cfg.ClientSecret)
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", dc.cfg.RedirectURI)

	req, err := http.NewRequestWithContext(ctx, "POST", discordAPIURL+"/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := dc.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("token exchange returned status %d: %s", resp.StatusCode, string(body))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	return payload.AccessToken, nil
}

// VerifyToken resolves an OAuth access token to the Discord user it
// belongs to. Results are cached for 20 minutes.
func (dc *DiscordConnector) VerifyToken(ctx context.Context, token string) (*DiscordUser, error) {
	dc.mu.RLock()
	cached, ok := dc.tokenCache[token]
	dc.mu.RUnlock()
	if ok && time.Now().Before(cached.expiresAt) {
		user := cached.user
		return &user, nil
	}

	req, err := http.NewRequestWithContext(ctx, "GET", discordAPIURL+"/users/@me", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord API request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := dc.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Discord API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		dc.mu.Lock()
		delete(dc.tokenCache, token)
		dc.mu.Unlock()
		return nil, fmt.Errorf("invalid or expired Discord token")
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("Discord API returned status %d: %s", resp.StatusCode, string(body))
	}

	var user DiscordUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("failed to decode Discord user: %w", err)
	}

	dc.mu.Lock()
	dc.tokenCache[token] = &cachedToken{user: user, expiresAt: time.Now().Add(discordTokenCache)}
	dc.mu.Unlock()

	return &user, nil
}

// SendMessage posts an embed to a channel and returns the message id.
func (dc *DiscordConnector) SendMessage(ctx context.Context, channelID, title, description string, color int) (string, error) {
	return dc.postMessage(ctx, "POST", fmt.Sprintf("%s/channels/%s/messages", discordAPIURL, channelID), title, description, color)
}

// EditMessage replaces an existing embed in place.
func (dc *DiscordConnector) EditMessage(ctx context.Context, channelID, messageID, title, description string, color int) error {
	_, err := dc.postMessage(ctx, "PATCH",
		fmt.Sprintf("%s/channels/%s/messages/%s", discordAPIURL, channelID, messageID), title, description, color)
	return err
}

func (dc *DiscordConnector) postMessage(ctx context.Context, method, endpoint, title, description string, color int) (string, error) {
	if !dc.cfg.Enabled || dc.cfg.BotToken == "" {
		return "", fmt.Errorf("discord bridge is not configured")
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{{
			"title":       title,
			"description": description,
			"color":       color,
			"timestamp":   time.Now().Format(time.RFC3339),
		}},
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create message request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bot "+dc.cfg.BotToken)

	resp, err := dc.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("message request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("Discord returned status %d: %s", resp.StatusCode, string(body))
	}

	var msg struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return "", fmt.Errorf("failed to decode message response: %w", err)
	}
	return msg.ID, nil
}

// onNotify renders generic notification events into the event channel
// configured on the payload.
func (dc *DiscordConnector) onNotify(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.NotifyDiscordPayload)
	if !ok || payload.ChannelID == "" {
		return nil
	}

	var color int
	switch payload.Level {
	case "error":
		color = 0xFF0000
	case "warning":
		color = 0xFFAA00
	default:
		color = 0x00FF00
	}

	_, err := dc.SendMessage(ctx, payload.ChannelID, payload.Title, payload.Message, color)
	return err
}

// onScoreSubmitted feeds improved scores into the qualifier's info
// channel and keeps its leaderboard embed current.
func (dc *DiscordConnector) onScoreSubmitted(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.ScoreSubmittedPayload)
	if !ok || !dc.cfg.Enabled {
		return nil
	}

	qualifier := dc.findQualifier(payload.TournamentID, payload.EventID)
	if qualifier == nil || qualifier.InfoChannelID == "" {
		return nil
	}

	if qualifier.Flags.Has(models.EventDiscordScoreFeed) && payload.Improved {
		description := fmt.Sprintf("**%s** scored %d on %s",
			payload.Score.Username, payload.Score.ModifiedScore, payload.Map.GameplayParameters.Beatmap.Name)
		if _, err := dc.SendMessage(ctx, qualifier.InfoChannelID, "New score", description, 0x00AAFF); err != nil {
			return err
		}
	}

	if qualifier.Flags.Has(models.EventDiscordLeaderboard) {
		return dc.updateLeaderboardEmbed(ctx, payload.TournamentID, qualifier, payload.Map)
	}
	return nil
}

func (dc *DiscordConnector) findQualifier(tournamentID, eventID string) *models.QualifierEvent {
	t, err := dc.manager.GetTournament(tournamentID)
	if err != nil {
		return nil
	}
	for _, q := range t.Qualifiers {
		if q.Guid == eventID {
			return q
		}
	}
	return nil
}

// updateLeaderboardEmbed edits the map's pinned leaderboard message,
// creating it on first use and remembering its id.
func (dc *DiscordConnector) updateLeaderboardEmbed(ctx context.Context, tournamentID string, qualifier *models.QualifierEvent, qualifierMap *models.QualifierMap) error {
	leaderboard, err := dc.manager.Leaderboard(tournamentID, qualifier.Guid, qualifierMap.Guid)
	if err != nil {
		return err
	}

	var b strings.Builder
	for i, entry := range leaderboard {
		if i >= 10 {
			break
		}
		fmt.Fprintf(&b, "%d. **%s** — %d\n", i+1, entry.Username, entry.ModifiedScore)
	}
	if b.Len() == 0 {
		b.WriteString("No scores yet.")
	}
	title := fmt.Sprintf("Leaderboard: %s", qualifierMap.GameplayParameters.Beatmap.Name)

	if qualifierMap.LeaderboardMessage != "" {
		if err := dc.EditMessage(ctx, qualifier.InfoChannelID, qualifierMap.LeaderboardMessage, title, b.String(), 0xFFD700); err == nil {
			return nil
		}
		// Message may have been deleted; fall through and repost.
	}

	messageID, err := dc.SendMessage(ctx, qualifier.InfoChannelID, title, b.String(), 0xFFD700)
	if err != nil {
		return err
	}
	return dc.manager.SetLeaderboardMessage(tournamentID, qualifier.Guid, qualifierMap.Guid, messageID)
}

// CleanExpiredCache removes expired token cache entries.
func (dc *DiscordConnector) CleanExpiredCache() {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	now := time.Now()
	for token, cached := range dc.tokenCache {
		if now.After(cached.expiresAt) {
			delete(dc.tokenCache, token)
		}
	}
}
