// Package models defines the shared domain entities for Moonlight:
// tournaments, the users and matches inside them, and qualifier events
// with their maps and leaderboard scores. These types travel both over
// the wire (as packet payload fields) and through the in-memory state
// tree, so they carry JSON tags and no behavior beyond small helpers.
package models

// ClientType identifies what kind of client a connected user is.
type ClientType int

const (
	ClientTypePlayer ClientType = iota
	ClientTypeWebsocket
	ClientTypeTemporaryConnection
)

func (c ClientType) String() string {
	switch c {
	case ClientTypePlayer:
		return "player"
	case ClientTypeWebsocket:
		return "websocket"
	case ClientTypeTemporaryConnection:
		return "temporary"
	default:
		return "unknown"
	}
}

// DownloadState tracks a player's progress downloading the selected song.
type DownloadState int

const (
	DownloadNone DownloadState = iota
	DownloadInProgress
	DownloadComplete
	DownloadError
)

// PlayState tracks whether a player is currently in gameplay.
type PlayState int

const (
	PlayStateWaiting PlayState = iota
	PlayStateInGame
)

// DiscordInfo is the Discord identity associated with a user, populated
// after the OAuth round-trip completes.
type DiscordInfo struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url"`
}

// User is a connected participant in a tournament. It covers players,
// coordinators and readonly observers; ClientType discriminates.
// Equality is by Guid only: two User records with the same Guid refer to
// the same entity regardless of other field drift.
type User struct {
	Guid          string        `json:"guid"`
	Name          string        `json:"name"`
	ClientType    ClientType    `json:"client_type"`
	PlatformID    string        `json:"platform_id,omitempty"`
	DownloadState DownloadState `json:"download_state"`
	PlayState     PlayState     `json:"play_state"`
	Score         int           `json:"score"`
	Combo         int           `json:"combo"`
	Accuracy      float64       `json:"accuracy"`
	StreamDelayMs int           `json:"stream_delay_ms,omitempty"`
	ModList       []string      `json:"mod_list,omitempty"`
	Discord       *DiscordInfo  `json:"discord,omitempty"`
}

// Equals reports whether two users refer to the same entity.
func (u *User) Equals(other *User) bool {
	return other != nil && u.Guid == other.Guid
}

// Clone returns a deep copy of the user.
func (u *User) Clone() *User {
	out := *u
	out.ModList = append([]string(nil), u.ModList...)
	if u.Discord != nil {
		discord := *u.Discord
		out.Discord = &discord
	}
	return &out
}

// Beatmap identifies a playable map at a specific difficulty.
type Beatmap struct {
	Name           string `json:"name"`
	LevelID        string `json:"level_id"`
	Characteristic string `json:"characteristic"`
	Difficulty     int    `json:"difficulty"`
}

// GameplayParameters is everything a client needs to start a song.
type GameplayParameters struct {
	Beatmap       Beatmap  `json:"beatmap"`
	GameOptions   int      `json:"game_options"`
	PlayerOptions int      `json:"player_options"`
	Attempts      int      `json:"attempts,omitempty"`
	DisabledMods  []string `json:"disabled_mods,omitempty"`
}

// Clone returns a deep copy of the parameters.
func (g *GameplayParameters) Clone() GameplayParameters {
	out := *g
	out.DisabledMods = append([]string(nil), g.DisabledMods...)
	return out
}

// Match is a head-to-head session inside a tournament. Matches are
// created and mutated by coordinators, never by players directly.
type Match struct {
	Guid              string              `json:"guid"`
	AssociatedUsers   []string            `json:"associated_users"`
	Leader            string              `json:"leader"`
	SelectedMap       *GameplayParameters `json:"selected_map,omitempty"`
	StartTime         string              `json:"start_time,omitempty"`
}

// HasUser reports whether the given user guid participates in the match.
func (m *Match) HasUser(guid string) bool {
	for _, id := range m.AssociatedUsers {
		if id == guid {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the match.
func (m *Match) Clone() *Match {
	out := *m
	out.AssociatedUsers = append([]string(nil), m.AssociatedUsers...)
	if m.SelectedMap != nil {
		params := m.SelectedMap.Clone()
		out.SelectedMap = &params
	}
	return &out
}

// Team is a named group of players within a tournament.
type Team struct {
	Guid string `json:"guid"`
	Name string `json:"name"`
}

// TournamentSettings carries the coordinator-editable settings of a
// tournament. The password is stored hashed; the plaintext only ever
// appears in a Join request.
type TournamentSettings struct {
	TournamentName       string   `json:"tournament_name"`
	TournamentImage      string   `json:"tournament_image,omitempty"`
	PasswordHash         string   `json:"-"`
	RequiresPassword     bool     `json:"requires_password"`
	Teams                []Team   `json:"teams,omitempty"`
	BannedMods           []string `json:"banned_mods,omitempty"`
	ScoreUpdateFrequency int      `json:"score_update_frequency"`
	EnableTeams          bool     `json:"enable_teams"`
	MyPermissions        []string `json:"my_permissions,omitempty"`
}

// ServerInfo describes the server hosting a tournament so clients can
// advertise or reconnect to it.
type ServerInfo struct {
	Address       string `json:"address"`
	Name          string `json:"name"`
	Port          int    `json:"port"`
	WebsocketPort int    `json:"websocket_port"`
}

// Tournament is the root of the state tree.
type Tournament struct {
	Guid       string             `json:"guid"`
	Settings   TournamentSettings `json:"settings"`
	Server     ServerInfo         `json:"server"`
	Users      []*User            `json:"users,omitempty"`
	Matches    []*Match           `json:"matches,omitempty"`
	Qualifiers []*QualifierEvent  `json:"qualifiers,omitempty"`
}

// Clone returns a deep copy of the tournament: settings, users, matches
// and qualifiers. Callers may read or mutate the copy freely without
// touching the live tree.
func (t *Tournament) Clone() *Tournament {
	out := *t
	out.Settings.Teams = append([]Team(nil), t.Settings.Teams...)
	out.Settings.BannedMods = append([]string(nil), t.Settings.BannedMods...)
	out.Settings.MyPermissions = append([]string(nil), t.Settings.MyPermissions...)

	if t.Users != nil {
		out.Users = make([]*User, len(t.Users))
		for i, u := range t.Users {
			out.Users[i] = u.Clone()
		}
	}
	if t.Matches != nil {
		out.Matches = make([]*Match, len(t.Matches))
		for i, m := range t.Matches {
			out.Matches[i] = m.Clone()
		}
	}
	if t.Qualifiers != nil {
		out.Qualifiers = make([]*QualifierEvent, len(t.Qualifiers))
		for i, q := range t.Qualifiers {
			out.Qualifiers[i] = q.Clone()
		}
	}
	return &out
}

// QualifierEvent is a time-boxed leaderboard competition over an ordered
// list of maps, independent of live matches.
type QualifierEvent struct {
	Guid           string          `json:"guid"`
	Name           string          `json:"name"`
	InfoChannelID  string          `json:"info_channel_id,omitempty"`
	Sort           LeaderboardSort `json:"sort"`
	Flags          EventFlags      `json:"flags"`
	Maps           []*QualifierMap `json:"maps,omitempty"`
}

// Clone returns a deep copy of the qualifier event and its maps.
func (q *QualifierEvent) Clone() *QualifierEvent {
	out := *q
	if q.Maps != nil {
		out.Maps = make([]*QualifierMap, len(q.Maps))
		for i, qm := range q.Maps {
			out.Maps[i] = qm.Clone()
		}
	}
	return &out
}

// LeaderboardSort selects how a qualifier's scores are ranked. Each
// field family comes in three variants: plain (descending, higher is
// better), Ascending (lower is better) and Target (closest to a
// configured numeric target is better).
type LeaderboardSort int

const (
	SortModifiedScore LeaderboardSort = iota
	SortModifiedScoreAscending
	SortModifiedScoreTarget
	SortNotesMissed
	SortNotesMissedAscending
	SortNotesMissedTarget
	SortBadCuts
	SortBadCutsAscending
	SortBadCutsTarget
	SortGoodCuts
	SortGoodCutsAscending
	SortGoodCutsTarget
	SortMaxCombo
	SortMaxComboAscending
	SortMaxComboTarget
)

// EventFlags toggle optional qualifier behaviors.
type EventFlags int

const (
	EventHideScoresFromPlayers EventFlags = 1 << iota
	EventDiscordScoreFeed
	EventDiscordLeaderboard
)

// Has reports whether the flag set contains f.
func (e EventFlags) Has(f EventFlags) bool { return e&f != 0 }

// QualifierMap is one entry in a qualifier's map pool.
type QualifierMap struct {
	Guid               string             `json:"guid"`
	GameplayParameters GameplayParameters `json:"gameplay_parameters"`
	Target             int                `json:"target,omitempty"`
	AttemptLimit       int                `json:"attempt_limit,omitempty"`
	LeaderboardMessage string             `json:"-"`
}

// Clone returns a deep copy of the qualifier map.
func (q *QualifierMap) Clone() *QualifierMap {
	out := *q
	out.GameplayParameters = q.GameplayParameters.Clone()
	return &out
}

// LeaderboardEntry is one row of a qualifier leaderboard as exposed to
// clients. Score (the persistence model) mirrors these fields plus the
// soft-delete bookkeeping.
type LeaderboardEntry struct {
	EventID          string  `json:"event_id"`
	MapID            string  `json:"map_id"`
	PlatformID       string  `json:"platform_id"`
	Username         string  `json:"username"`
	MultipliedScore  int     `json:"multiplied_score"`
	ModifiedScore    int     `json:"modified_score"`
	MaxPossibleScore int     `json:"max_possible_score"`
	Accuracy         float64 `json:"accuracy"`
	NotesMissed      int     `json:"notes_missed"`
	BadCuts          int     `json:"bad_cuts"`
	GoodCuts         int     `json:"good_cuts"`
	MaxCombo         int     `json:"max_combo"`
	FullCombo        bool    `json:"full_combo"`
	IsPlaceholder    bool    `json:"is_placeholder,omitempty"`
	Color            string  `json:"color,omitempty"`
}

// State is the snapshot handed to a freshly connected client.
type State struct {
	Tournaments  []*Tournament `json:"tournaments"`
	KnownServers []ServerInfo  `json:"known_servers"`
}
