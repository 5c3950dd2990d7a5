package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/moonlight-project/moonlight/internal/models"
	"github.com/moonlight-project/moonlight/internal/protocol"
)

// userTokenTTL is how long an OAuth-minted websocket token stays valid.
const userTokenTTL = 24 * time.Hour

const oauthResultPage = `<!DOCTYPE html>
<html>
<head><title>Moonlight</title></head>
<body style="font-family: sans-serif; text-align: center; padding-top: 4em;">
<h2>%s</h2>
<p>%s</p>
</body>
</html>`

// renderResult writes the closing page shown in the user's browser.
// Titles and details are server-controlled strings, never user input.
func (s *Server) renderResult(c *gin.Context, status int, title, detail string) {
	c.Data(status, "text/html; charset=utf-8",
		[]byte(fmt.Sprintf(oauthResultPage, title, detail)))
}

// handleOAuthAuthorize redirects the browser to Discord's consent page.
// The state query parameter is the signed connection id minted by the
// socket server when it issued the authorize directive.
func (s *Server) handleOAuthAuthorize(c *gin.Context) {
	state := c.Query("state")
	if state == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing state"})
		return
	}
	if _, err := s.auth.VerifyState(state); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid state"})
		return
	}

	c.Redirect(http.StatusFound, s.discord.AuthorizeURL(state))
}

// handleOAuthCallback completes the round-trip: exchanges the code,
// resolves the Discord identity, mints a websocket token and pushes it
// to the connection that started the flow.
func (s *Server) handleOAuthCallback(c *gin.Context) {
	state := c.Query("state")
	code := c.Query("code")
	if state == "" || code == "" {
		s.renderResult(c, http.StatusBadRequest, "Authorization failed",
			"The authorization response was incomplete. Close this window and try again.")
		return
	}

	connID, err := s.auth.VerifyState(state)
	if err != nil {
		s.renderResult(c, http.StatusBadRequest, "Authorization failed",
			"This authorization link has expired. Close this window and try again.")
		return
	}

	accessToken, err := s.discord.ExchangeCode(c.Request.Context(), code)
	if err != nil {
		log.Warn().Err(err).Msg("oauth code exchange failed")
		s.renderResult(c, http.StatusBadGateway, "Authorization failed",
			"Discord rejected the authorization code. Close this window and try again.")
		return
	}

	discordUser, err := s.discord.VerifyToken(c.Request.Context(), accessToken)
	if err != nil {
		log.Warn().Err(err).Msg("oauth identity lookup failed")
		s.renderResult(c, http.StatusBadGateway, "Authorization failed",
			"Could not resolve your Discord identity. Close this window and try again.")
		return
	}

	user := &models.User{
		Guid: connID.String(),
		Name: discordUser.Username,
		Discord: &models.DiscordInfo{
			UserID:    discordUser.ID,
			Username:  discordUser.Username,
			AvatarURL: discordUser.AvatarURL(),
		},
	}

	token, err := s.auth.IssueUserToken(user, userTokenTTL)
	if err != nil {
		log.Error().Err(err).Msg("failed to issue user token")
		s.renderResult(c, http.StatusInternalServerError, "Authorization failed",
			"The server could not issue a session token.")
		return
	}

	// Deliver the token over the websocket that asked for it. If the
	// socket went away mid-flow there is nobody to give the token to.
	push := &protocol.Packet{
		Push: &protocol.Push{
			Type: protocol.PushDiscordAuthorized,
			DiscordAuthorized: &protocol.DiscordAuthorizedPush{
				Token: token,
				User:  *user,
			},
		},
	}
	if err := s.coord.Send(connID, push); err != nil {
		log.Warn().Err(err).Str("connection", connID.String()).
			Msg("oauth completed but requesting connection is gone")
		s.renderResult(c, http.StatusGone, "Authorization failed",
			"The client that requested authorization is no longer connected.")
		return
	}

	log.Info().Str("discord_user", discordUser.Username).
		Str("connection", connID.String()).Msg("oauth authorization completed")
	s.renderResult(c, http.StatusOK, "Authorization complete",
		"You can close this window and return to the game.")
}
