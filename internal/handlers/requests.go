package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/moonlight-project/moonlight/internal/auth"
	"github.com/moonlight-project/moonlight/internal/db"
	"github.com/moonlight-project/moonlight/internal/dispatch"
	"github.com/moonlight-project/moonlight/internal/models"
	"github.com/moonlight-project/moonlight/internal/network"
	"github.com/moonlight-project/moonlight/internal/protocol"
)

// playerTokenTTL bounds how long a game session's token stays valid.
const playerTokenTTL = 24 * time.Hour

// requestModule routes every Request sub-type. Connect is the only
// route open to unauthorized senders; the administrative requests sit
// behind tournament permissions.
func (c *Coordinator) requestModule() dispatch.Module {
	return dispatch.Module{
		Name:       "requests",
		PacketType: protocol.TypeRequest,
		SwitchType: func(p *protocol.Packet) int { return int(p.Request.Type) },
		TournamentID: func(p *protocol.Packet) string {
			return p.Request.TournamentID
		},
		Handlers: []dispatch.Handler{
			{
				Name:   "connect",
				Switch: []int{int(protocol.RequestConnect)},
				Access: dispatch.FromPlayer | dispatch.FromWebsocket | dispatch.FromReadonly | dispatch.FromUnauthorized,
				Handle: c.handleConnect,
			},
			{
				Name:   "join",
				Switch: []int{int(protocol.RequestJoin)},
				Access: dispatch.FromPlayer | dispatch.FromWebsocket | dispatch.FromReadonly,
				Handle: c.handleJoin,
			},
			{
				Name:       "load_song",
				Switch:     []int{int(protocol.RequestLoadSong)},
				Access:     dispatch.FromWebsocket,
				Permission: db.PermissionManageMatches,
				Handle:     c.handleLoadSong,
			},
			{
				Name:   "qualifier_scores",
				Switch: []int{int(protocol.RequestQualifierScores)},
				Access: dispatch.FromPlayer | dispatch.FromWebsocket | dispatch.FromReadonly,
				Handle: c.handleQualifierScores,
			},
			{
				Name:   "submit_qualifier_score",
				Switch: []int{int(protocol.RequestSubmitQualifierScore)},
				Access: dispatch.FromPlayer,
				Handle: c.handleSubmitQualifierScore,
			},
			{
				Name:   "remaining_attempts",
				Switch: []int{int(protocol.RequestRemainingAttempts)},
				Access: dispatch.FromPlayer | dispatch.FromWebsocket,
				Handle: c.handleRemainingAttempts,
			},
			{
				Name:       "refund_attempts",
				Switch:     []int{int(protocol.RequestRefundAttempts)},
				Access:     dispatch.FromWebsocket,
				Permission: db.PermissionManageQualifiers,
				Handle:     c.handleRefundAttempts,
			},
			{
				Name:       "add_authorized_user",
				Switch:     []int{int(protocol.RequestAddAuthorizedUser)},
				Access:     dispatch.FromWebsocket,
				Permission: db.PermissionManageUsers,
				Handle:     c.handleAddAuthorizedUser,
			},
			{
				Name:       "remove_authorized_user",
				Switch:     []int{int(protocol.RequestRemoveAuthorizedUser)},
				Access:     dispatch.FromWebsocket,
				Permission: db.PermissionManageUsers,
				Handle:     c.handleRemoveAuthorizedUser,
			},
			{
				Name:       "get_authorized_users",
				Switch:     []int{int(protocol.RequestGetAuthorizedUsers)},
				Access:     dispatch.FromWebsocket | dispatch.FromReadonly,
				Permission: db.PermissionManageUsers,
				Handle:     c.handleGetAuthorizedUsers,
			},
			{
				Name:   "generate_bot_token",
				Switch: []int{int(protocol.RequestGenerateBotToken)},
				Access: dispatch.FromWebsocket,
				Handle: c.handleGenerateBotToken,
			},
			{
				Name:   "revoke_bot_token",
				Switch: []int{int(protocol.RequestRevokeBotToken)},
				Access: dispatch.FromWebsocket,
				Handle: c.handleRevokeBotToken,
			},
		},
	}
}

// handleConnect answers the first packet of a session with the full
// state snapshot, or rejects the client on a version mismatch.
func (c *Coordinator) handleConnect(ctx context.Context, req *dispatch.Request) error {
	connect := req.Envelope.Payload.Request.Connect
	if connect == nil {
		return c.respondFail(req.Conn.ID, req.Envelope, "connect request missing body")
	}

	if connect.ClientVersion != c.opts.ServerVersion {
		c.logger.Info().
			Int("client_version", connect.ClientVersion).
			Int("server_version", c.opts.ServerVersion).
			Str("name", connect.Name).
			Msg("rejecting client with mismatched version")
		return c.respond(req.Conn.ID, req.Envelope, &protocol.Response{
			Type:    protocol.ResponseFail,
			Message: fmt.Sprintf("version mismatch: server speaks %d, update your client", c.opts.ServerVersion),
			Connect: &protocol.ConnectResponse{
				ServerVersion: c.opts.ServerVersion,
				Reason:        protocol.ConnectFailIncorrectVersion,
			},
		})
	}

	self := &models.User{
		Guid:       req.Conn.ID.String(),
		Name:       connect.Name,
		ClientType: connect.ClientType,
		PlatformID: connect.UserID,
		ModList:    connect.ModList,
	}

	connectResp := &protocol.ConnectResponse{
		Self:          self,
		State:         c.manager.State(c.serverInfo()),
		ServerVersion: c.opts.ServerVersion,
	}
	if req.Conn.Kind == network.TransportTCP && req.Identity.Kind == auth.IdentityUnauthorized {
		token, err := c.auth.IssuePlayerToken(self, playerTokenTTL)
		if err != nil {
			return fmt.Errorf("failed to issue player token: %w", err)
		}
		connectResp.Token = token
	}

	c.logger.Info().
		Str("id", self.Guid).
		Str("name", self.Name).
		Str("client_type", self.ClientType.String()).
		Msg("client completed handshake")

	return c.respond(req.Conn.ID, req.Envelope, &protocol.Response{
		Type:    protocol.ResponseSuccess,
		Connect: connectResp,
	})
}

// handleJoin enters the sender into a tournament after the password
// check, then announces them to everyone already there.
func (c *Coordinator) handleJoin(ctx context.Context, req *dispatch.Request) error {
	join := req.Envelope.Payload.Request.Join
	if join == nil {
		return c.respondFail(req.Conn.ID, req.Envelope, "join request missing body")
	}

	tournament, err := c.manager.GetTournament(join.TournamentID)
	if err != nil {
		return c.respondFail(req.Conn.ID, req.Envelope, "tournament not found")
	}

	if tournament.Settings.RequiresPassword {
		if !db.VerifyHashedPassword(tournament.Settings.PasswordHash, join.Password) {
			c.logger.Info().
				Str("tournament", join.TournamentID).
				Str("conn", req.Conn.ID.String()).
				Msg("join rejected: wrong password")
			return c.respondFail(req.Conn.ID, req.Envelope, "incorrect password")
		}
	}

	clientType := models.ClientTypeWebsocket
	if req.Identity.Kind == auth.IdentityPlayer {
		clientType = models.ClientTypePlayer
	}
	user := &models.User{
		Guid:       req.Conn.ID.String(),
		Name:       req.Identity.Name,
		ClientType: clientType,
		PlatformID: req.Identity.PlatformID,
	}
	if req.Identity.DiscordID != "" {
		user.Discord = &models.DiscordInfo{
			UserID:    req.Identity.DiscordID,
			Username:  req.Identity.Name,
			AvatarURL: req.Identity.AvatarURL,
		}
	}

	if err := c.manager.AddUser(ctx, join.TournamentID, user); err != nil {
		return c.respondFail(req.Conn.ID, req.Envelope, err.Error())
	}

	// Re-fetch so the response roster includes the joiner.
	tournament, err = c.manager.GetTournament(join.TournamentID)
	if err != nil {
		return c.respondFail(req.Conn.ID, req.Envelope, err.Error())
	}
	return c.respond(req.Conn.ID, req.Envelope, &protocol.Response{
		Type: protocol.ResponseSuccess,
		Join: &protocol.JoinResponse{
			Tournament: tournament,
			State:      c.manager.State(c.serverInfo()),
		},
	})
}

// handleLoadSong forwards a load request to the targeted players and
// answers the coordinator once they are assumed loading.
func (c *Coordinator) handleLoadSong(ctx context.Context, req *dispatch.Request) error {
	load := req.Envelope.Payload.Request.LoadSong
	if load == nil {
		return c.respondFail(req.Conn.ID, req.Envelope, "load song request missing body")
	}

	targets, err := parseIDs(load.ForwardTo)
	if err != nil {
		return c.respondFail(req.Conn.ID, req.Envelope, err.Error())
	}
	params := &models.GameplayParameters{Beatmap: models.Beatmap{LevelID: load.LevelID}}

	if err := c.srv.Multicast(ctx, targets, &protocol.Packet{Request: &protocol.Request{
		Type:         protocol.RequestLoadSong,
		TournamentID: req.Envelope.Payload.Request.TournamentID,
		LoadSong:     &protocol.LoadSongRequest{LevelID: load.LevelID},
	}}); err != nil {
		return c.respondFail(req.Conn.ID, req.Envelope, err.Error())
	}

	return c.respond(req.Conn.ID, req.Envelope, &protocol.Response{
		Type:       protocol.ResponseSuccess,
		LoadedSong: params,
	})
}

// handleQualifierScores returns a map's ordered leaderboard. When the
// event hides scores from players, player senders get an empty board.
func (c *Coordinator) handleQualifierScores(ctx context.Context, req *dispatch.Request) error {
	scores := req.Envelope.Payload.Request.Scores
	if scores == nil {
		return c.respondFail(req.Conn.ID, req.Envelope, "scores request missing body")
	}
	tournamentID := req.Envelope.Payload.Request.TournamentID

	event, _, err := c.manager.FindQualifierMap(tournamentID, scores.EventID, scores.MapID)
	if err != nil {
		return c.respondFail(req.Conn.ID, req.Envelope, err.Error())
	}

	if event.Flags.Has(models.EventHideScoresFromPlayers) && req.Identity.Kind == auth.IdentityPlayer {
		return c.respond(req.Conn.ID, req.Envelope, &protocol.Response{
			Type:        protocol.ResponseSuccess,
			Leaderboard: []models.LeaderboardEntry{},
		})
	}

	leaderboard, err := c.manager.Leaderboard(tournamentID, scores.EventID, scores.MapID)
	if err != nil {
		return c.respondFail(req.Conn.ID, req.Envelope, err.Error())
	}
	return c.respond(req.Conn.ID, req.Envelope, &protocol.Response{
		Type:        protocol.ResponseSuccess,
		Leaderboard: leaderboard,
	})
}

// handleSubmitQualifierScore records an attempt and pushes the result
// to the tournament's websocket audience.
func (c *Coordinator) handleSubmitQualifierScore(ctx context.Context, req *dispatch.Request) error {
	submit := req.Envelope.Payload.Request.SubmitScore
	if submit == nil {
		return c.respondFail(req.Conn.ID, req.Envelope, "submit score request missing body")
	}
	tournamentID := req.Envelope.Payload.Request.TournamentID

	result, err := c.manager.RecordScore(ctx, tournamentID, &submit.QualifierScore)
	if err != nil {
		return c.respondFail(req.Conn.ID, req.Envelope, err.Error())
	}
	if !result.Accepted {
		return c.respond(req.Conn.ID, req.Envelope, &protocol.Response{
			Type:        protocol.ResponseFail,
			Message:     "no attempts remaining on this map",
			Leaderboard: result.Leaderboard,
		})
	}

	if !submit.QualifierScore.IsPlaceholder {
		c.broadcastToTournament(ctx, tournamentID, &protocol.Packet{Push: &protocol.Push{
			Type:         protocol.PushQualifierScoreSubmitted,
			TournamentID: tournamentID,
			EventID:      submit.QualifierScore.EventID,
			Score:        &submit.QualifierScore,
			Map:          &submit.Map,
		}})
	}

	return c.respond(req.Conn.ID, req.Envelope, &protocol.Response{
		Type:        protocol.ResponseSuccess,
		Leaderboard: result.Leaderboard,
	})
}

// handleRemainingAttempts reports attempts left. Players may only ask
// about themselves.
func (c *Coordinator) handleRemainingAttempts(ctx context.Context, req *dispatch.Request) error {
	attempts := req.Envelope.Payload.Request.Attempts
	if attempts == nil {
		return c.respondFail(req.Conn.ID, req.Envelope, "attempts request missing body")
	}
	tournamentID := req.Envelope.Payload.Request.TournamentID

	platformID := attempts.PlatformID
	if req.Identity.Kind == auth.IdentityPlayer {
		platformID = c.platformIDFor(tournamentID, req.Conn.ID.String(), platformID)
	}

	remaining, err := c.manager.RemainingAttempts(tournamentID, attempts.EventID, attempts.MapID, platformID)
	if err != nil {
		return c.respondFail(req.Conn.ID, req.Envelope, err.Error())
	}
	return c.respond(req.Conn.ID, req.Envelope, &protocol.Response{
		Type:     protocol.ResponseSuccess,
		Attempts: &protocol.AttemptsResponse{Remaining: remaining},
	})
}

// platformIDFor resolves a player connection to its platform id via the
// tournament roster, falling back to the claimed id.
func (c *Coordinator) platformIDFor(tournamentID, connGuid, claimed string) string {
	t, err := c.manager.GetTournament(tournamentID)
	if err != nil {
		return claimed
	}
	for _, u := range t.Users {
		if u.Guid == connGuid && u.PlatformID != "" {
			return u.PlatformID
		}
	}
	return claimed
}

// handleRefundAttempts gives a player back spent attempts.
func (c *Coordinator) handleRefundAttempts(ctx context.Context, req *dispatch.Request) error {
	attempts := req.Envelope.Payload.Request.Attempts
	if attempts == nil {
		return c.respondFail(req.Conn.ID, req.Envelope, "attempts request missing body")
	}
	tournamentID := req.Envelope.Payload.Request.TournamentID

	if err := c.manager.RefundAttempts(tournamentID, attempts.EventID, attempts.MapID, attempts.PlatformID, attempts.Count); err != nil {
		return c.respondFail(req.Conn.ID, req.Envelope, err.Error())
	}

	remaining, err := c.manager.RemainingAttempts(tournamentID, attempts.EventID, attempts.MapID, attempts.PlatformID)
	if err != nil {
		return c.respondFail(req.Conn.ID, req.Envelope, err.Error())
	}
	return c.respond(req.Conn.ID, req.Envelope, &protocol.Response{
		Type:     protocol.ResponseSuccess,
		Attempts: &protocol.AttemptsResponse{Remaining: remaining},
	})
}

func (c *Coordinator) handleAddAuthorizedUser(ctx context.Context, req *dispatch.Request) error {
	op := req.Envelope.Payload.Request.Authorized
	if op == nil || op.UserID == "" {
		return c.respondFail(req.Conn.ID, req.Envelope, "authorized user request missing user id")
	}
	tournamentID := req.Envelope.Payload.Request.TournamentID

	if err := c.tournaments.AddAuthorizedUser(tournamentID, op.UserID, op.Permissions...); err != nil {
		return c.respondFail(req.Conn.ID, req.Envelope, err.Error())
	}
	return c.respondAuthorizedUsers(req, tournamentID)
}

func (c *Coordinator) handleRemoveAuthorizedUser(ctx context.Context, req *dispatch.Request) error {
	op := req.Envelope.Payload.Request.Authorized
	if op == nil || op.UserID == "" {
		return c.respondFail(req.Conn.ID, req.Envelope, "authorized user request missing user id")
	}
	tournamentID := req.Envelope.Payload.Request.TournamentID

	if err := c.tournaments.RemoveAuthorizedUser(tournamentID, op.UserID); err != nil {
		return c.respondFail(req.Conn.ID, req.Envelope, err.Error())
	}
	return c.respondAuthorizedUsers(req, tournamentID)
}

func (c *Coordinator) handleGetAuthorizedUsers(ctx context.Context, req *dispatch.Request) error {
	return c.respondAuthorizedUsers(req, req.Envelope.Payload.Request.TournamentID)
}

func (c *Coordinator) respondAuthorizedUsers(req *dispatch.Request, tournamentID string) error {
	grants, err := c.tournaments.GetAuthorizedUsers(tournamentID)
	if err != nil {
		return c.respondFail(req.Conn.ID, req.Envelope, err.Error())
	}

	authorized := make([]protocol.AuthorizedUserGrant, 0, len(grants))
	for userID, permissions := range grants {
		authorized = append(authorized, protocol.AuthorizedUserGrant{
			UserID:      userID,
			Permissions: permissions,
		})
	}
	return c.respond(req.Conn.ID, req.Envelope, &protocol.Response{
		Type:       protocol.ResponseSuccess,
		Authorized: authorized,
	})
}

// handleGenerateBotToken mints a bot token owned by the requesting
// user. The token value appears only in this response.
func (c *Coordinator) handleGenerateBotToken(ctx context.Context, req *dispatch.Request) error {
	op := req.Envelope.Payload.Request.BotToken
	if op == nil || op.Username == "" {
		return c.respondFail(req.Conn.ID, req.Envelope, "bot token request missing username")
	}
	ownerID := c.tokenOwner(req.Identity)
	if ownerID == "" {
		return c.respondFail(req.Conn.ID, req.Envelope, "cannot issue bot tokens for anonymous identities")
	}

	token, tokenID, err := c.auth.IssueBotToken(ownerID, op.Username)
	if err != nil {
		return c.respondFail(req.Conn.ID, req.Envelope, err.Error())
	}
	return c.respond(req.Conn.ID, req.Envelope, &protocol.Response{
		Type: protocol.ResponseSuccess,
		BotTokens: []protocol.BotTokenInfo{{
			TokenID:  tokenID,
			Username: op.Username,
			Token:    token,
		}},
	})
}

func (c *Coordinator) handleRevokeBotToken(ctx context.Context, req *dispatch.Request) error {
	op := req.Envelope.Payload.Request.BotToken
	if op == nil || op.TokenID == "" {
		return c.respondFail(req.Conn.ID, req.Envelope, "bot token request missing token id")
	}
	ownerID := c.tokenOwner(req.Identity)

	if err := c.auth.RevokeBotToken(op.TokenID, ownerID); err != nil {
		return c.respondFail(req.Conn.ID, req.Envelope, err.Error())
	}
	return c.respond(req.Conn.ID, req.Envelope, &protocol.Response{
		Type: protocol.ResponseSuccess,
	})
}

// tokenOwner picks the stable identifier bot tokens are owned by.
func (c *Coordinator) tokenOwner(id auth.Identity) string {
	if id.DiscordID != "" {
		return id.DiscordID
	}
	return id.PlatformID
}
