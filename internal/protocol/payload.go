package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/moonlight-project/moonlight/internal/models"
)

// SchemaVersion gates payload compatibility. Bump on breaking changes to
// any payload structure.
const SchemaVersion = 1

// PacketType is the envelope header discriminant selecting which branch
// of the Packet union the payload carries.
type PacketType uint32

const (
	TypeAcknowledgement PacketType = iota
	TypeCommand
	TypeEvent
	TypeRequest
	TypeResponse
	TypePush
	TypeForwarding
)

func (t PacketType) String() string {
	switch t {
	case TypeAcknowledgement:
		return "acknowledgement"
	case TypeCommand:
		return "command"
	case TypeEvent:
		return "event"
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	case TypePush:
		return "push"
	case TypeForwarding:
		return "forwarding"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(t))
	}
}

// Packet is the tagged union of all payload kinds. Exactly one branch is
// non-nil; Type() derives the envelope discriminant from it. Token is
// the in-band credential carried on every packet.
type Packet struct {
	SchemaVersion int    `json:"schema_version"`
	Token         string `json:"token,omitempty"`

	Acknowledgement *Acknowledgement  `json:"acknowledgement,omitempty"`
	Command         *Command          `json:"command,omitempty"`
	Event           *Event            `json:"event,omitempty"`
	Request         *Request          `json:"request,omitempty"`
	Response        *Response         `json:"response,omitempty"`
	Push            *Push             `json:"push,omitempty"`
	Forwarding      *ForwardingPacket `json:"forwarding,omitempty"`
}

// Type returns the discriminant for the populated branch.
func (p *Packet) Type() PacketType {
	switch {
	case p.Command != nil:
		return TypeCommand
	case p.Event != nil:
		return TypeEvent
	case p.Request != nil:
		return TypeRequest
	case p.Response != nil:
		return TypeResponse
	case p.Push != nil:
		return TypePush
	case p.Forwarding != nil:
		return TypeForwarding
	default:
		return TypeAcknowledgement
	}
}

// RespondingTo returns the correlation id this packet echoes, when its
// kind carries one. Responses and acknowledgements both answer an
// earlier envelope; every other kind returns "".
func (p *Packet) RespondingTo() string {
	switch {
	case p.Response != nil:
		return p.Response.RespondingToPacketID
	case p.Acknowledgement != nil:
		return p.Acknowledgement.PacketID
	default:
		return ""
	}
}

// Marshal serializes the packet body. The schema version is stamped on
// a copy so the packet itself is never mutated by serialization.
func (p *Packet) Marshal() ([]byte, error) {
	body := *p
	body.SchemaVersion = SchemaVersion
	return json.Marshal(&body)
}

// UnmarshalPacket decodes a payload body and verifies that the populated
// union branch matches the envelope's type discriminant.
func UnmarshalPacket(typ PacketType, body []byte) (*Packet, error) {
	var p Packet
	if len(body) > 0 {
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("malformed packet body: %w", err)
		}
	}
	if got := p.Type(); got != typ {
		return nil, fmt.Errorf("payload branch %s does not match header type %s", got, typ)
	}
	return &p, nil
}

// AckType reports the outcome an acknowledgement conveys.
type AckType int

const (
	AckMessageReceived AckType = iota
	AckForwardingError
)

// Acknowledgement echoes a previously received packet's correlation id.
type Acknowledgement struct {
	PacketID string  `json:"packet_id"`
	Type     AckType `json:"type"`
}

// CommandType selects the command sub-handler.
type CommandType int

const (
	CommandHeartbeat CommandType = iota
	CommandPlaySong
	CommandReturnToMenu
	CommandStreamSyncShowImage
	CommandDelayTestFinish
	CommandDiscordAuthorize
)

// Command instructs one or more clients to do something immediately.
type Command struct {
	Type         CommandType                `json:"type"`
	TournamentID string                     `json:"tournament_id,omitempty"`
	ForwardTo    []string                   `json:"forward_to,omitempty"`
	PlaySong     *models.GameplayParameters `json:"play_song,omitempty"`
	AuthorizeURL string                     `json:"authorize_url,omitempty"`
}

// EventType selects the state-change an Event announces.
type EventType int

const (
	EventUserAdded EventType = iota
	EventUserUpdated
	EventUserLeft
	EventMatchCreated
	EventMatchUpdated
	EventMatchDeleted
	EventQualifierCreated
	EventQualifierUpdated
	EventQualifierDeleted
	EventTournamentCreated
	EventTournamentUpdated
	EventTournamentDeleted
)

// Event carries a state mutation, either inbound (a client asking the
// server to apply it) or outbound (the server broadcasting the applied
// change to subscribers).
type Event struct {
	Type         EventType              `json:"type"`
	TournamentID string                 `json:"tournament_id"`
	User         *models.User           `json:"user,omitempty"`
	Match        *models.Match          `json:"match,omitempty"`
	Qualifier    *models.QualifierEvent `json:"qualifier,omitempty"`
	Tournament   *models.Tournament     `json:"tournament,omitempty"`
}

// RequestType selects the request sub-handler.
type RequestType int

const (
	RequestConnect RequestType = iota
	RequestJoin
	RequestLoadSong
	RequestQualifierScores
	RequestSubmitQualifierScore
	RequestRemainingAttempts
	RequestRefundAttempts
	RequestAddAuthorizedUser
	RequestRemoveAuthorizedUser
	RequestGetAuthorizedUsers
	RequestGenerateBotToken
	RequestRevokeBotToken
)

// Request asks the server (or a forwarded peer) for data or an action
// whose Response is correlated by the envelope id.
type Request struct {
	Type         RequestType `json:"type"`
	TournamentID string      `json:"tournament_id,omitempty"`

	Connect     *ConnectRequest     `json:"connect,omitempty"`
	Join        *JoinRequest        `json:"join,omitempty"`
	LoadSong    *LoadSongRequest    `json:"load_song,omitempty"`
	Scores      *ScoresRequest      `json:"scores,omitempty"`
	SubmitScore *SubmitScoreRequest `json:"submit_score,omitempty"`
	Attempts    *AttemptsRequest    `json:"attempts,omitempty"`
	Authorized  *AuthorizedUserOp   `json:"authorized,omitempty"`
	BotToken    *BotTokenOp         `json:"bot_token,omitempty"`
}

// ConnectRequest is the first packet a client sends.
type ConnectRequest struct {
	ClientVersion int               `json:"client_version"`
	Name          string            `json:"name"`
	UserID        string            `json:"user_id"`
	ClientType    models.ClientType `json:"client_type"`
	ModList       []string          `json:"mod_list,omitempty"`
}

// JoinRequest asks to enter a tournament, optionally with its password.
type JoinRequest struct {
	TournamentID string `json:"tournament_id"`
	Password     string `json:"password,omitempty"`
}

// LoadSongRequest asks players to download and load a level.
type LoadSongRequest struct {
	LevelID   string   `json:"level_id"`
	ForwardTo []string `json:"forward_to,omitempty"`
}

// ScoresRequest fetches a qualifier map's leaderboard.
type ScoresRequest struct {
	EventID string `json:"event_id"`
	MapID   string `json:"map_id"`
}

// SubmitScoreRequest submits a completed qualifier attempt.
type SubmitScoreRequest struct {
	QualifierScore models.LeaderboardEntry   `json:"qualifier_score"`
	Map            models.GameplayParameters `json:"map"`
}

// AttemptsRequest queries or refunds qualifier attempts for a player.
type AttemptsRequest struct {
	EventID    string `json:"event_id"`
	MapID      string `json:"map_id"`
	PlatformID string `json:"platform_id,omitempty"`
	Count      int    `json:"count,omitempty"`
}

// AuthorizedUserOp adds, removes or lists per-tournament role grants.
type AuthorizedUserOp struct {
	UserID      string   `json:"user_id,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// BotTokenOp issues or revokes a long-lived bot token.
type BotTokenOp struct {
	Username string `json:"username,omitempty"`
	TokenID  string `json:"token_id,omitempty"`
}

// ResponseType reports whether the correlated request succeeded.
type ResponseType int

const (
	ResponseFail ResponseType = iota
	ResponseSuccess
)

// ConnectFailReason explains a rejected Connect.
type ConnectFailReason int

const (
	ConnectFailNone ConnectFailReason = iota
	ConnectFailIncorrectVersion
)

// Response answers a Request; RespondingToPacketID echoes the request
// envelope's correlation id so the correlator can match it.
type Response struct {
	Type                 ResponseType `json:"result"`
	RespondingToPacketID string       `json:"responding_to_packet_id"`
	Message              string       `json:"message,omitempty"`

	Connect     *ConnectResponse            `json:"connect,omitempty"`
	Join        *JoinResponse               `json:"join,omitempty"`
	Leaderboard []models.LeaderboardEntry   `json:"leaderboard,omitempty"`
	Attempts    *AttemptsResponse           `json:"attempts,omitempty"`
	Authorized  []AuthorizedUserGrant       `json:"authorized,omitempty"`
	BotTokens   []BotTokenInfo              `json:"bot_tokens,omitempty"`
	LoadedSong  *models.GameplayParameters  `json:"loaded_song,omitempty"`
}

// ConnectResponse carries the sanitized state snapshot.
type ConnectResponse struct {
	Self          *models.User      `json:"self,omitempty"`
	State         *models.State     `json:"state,omitempty"`
	ServerVersion int               `json:"server_version"`
	Reason        ConnectFailReason `json:"reason,omitempty"`
	// Token authenticates the client's subsequent packets on this
	// socket.
	Token string `json:"token,omitempty"`
}

// JoinResponse carries the joined tournament's full view.
type JoinResponse struct {
	Tournament *models.Tournament `json:"tournament,omitempty"`
	State      *models.State      `json:"state,omitempty"`
}

// AttemptsResponse reports how many attempts remain on a map.
type AttemptsResponse struct {
	Remaining int `json:"remaining"`
}

// AuthorizedUserGrant is one row of a tournament's role table.
type AuthorizedUserGrant struct {
	UserID      string   `json:"user_id"`
	Permissions []string `json:"permissions"`
}

// BotTokenInfo describes an issued bot token (never the token itself,
// except at generation time).
type BotTokenInfo struct {
	TokenID  string `json:"token_id"`
	Username string `json:"username"`
	Token    string `json:"token,omitempty"`
}

// PushType selects the push sub-kind.
type PushType int

const (
	PushSongFinished PushType = iota
	PushQualifierScoreSubmitted
	PushDiscordAuthorized
)

// Push is a server-originated notification that is not a response to any
// request.
type Push struct {
	Type         PushType `json:"type"`
	TournamentID string   `json:"tournament_id,omitempty"`

	SongFinished      *SongFinishedPush          `json:"song_finished,omitempty"`
	Score             *models.LeaderboardEntry   `json:"score,omitempty"`
	Map               *models.GameplayParameters `json:"map,omitempty"`
	EventID           string                     `json:"event_id,omitempty"`
	DiscordAuthorized *DiscordAuthorizedPush     `json:"discord_authorized,omitempty"`
}

// DiscordAuthorizedPush delivers the bearer token minted after a
// completed OAuth round-trip back over the socket that requested it.
type DiscordAuthorizedPush struct {
	Token string      `json:"token"`
	User  models.User `json:"user"`
}

// SongFinishedPush announces a completed play.
type SongFinishedPush struct {
	Player  models.User    `json:"player"`
	Beatmap models.Beatmap `json:"beatmap"`
	Score   int            `json:"score"`
	MatchID string         `json:"match_id,omitempty"`
}

// ForwardingPacket relays an inner packet to a set of target connection
// ids with the sender id rewritten to the originator.
type ForwardingPacket struct {
	TargetIDs []string `json:"target_ids"`
	Packet    *Packet  `json:"packet"`
}
