// Package events defines event types and enumerations for the Moonlight event system.
package events

import (
	"github.com/google/uuid"

	"github.com/moonlight-project/moonlight/internal/models"
)

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Tournament state events
	EventTournamentCreated EventType = "tournament_created"
	EventTournamentUpdated EventType = "tournament_updated"
	EventTournamentDeleted EventType = "tournament_deleted"
	EventUserAdded         EventType = "user_added"
	EventUserUpdated       EventType = "user_updated"
	EventUserLeft          EventType = "user_left"
	EventMatchCreated      EventType = "match_created"
	EventMatchUpdated      EventType = "match_updated"
	EventMatchDeleted      EventType = "match_deleted"
	EventQualifierCreated  EventType = "qualifier_created"
	EventQualifierUpdated  EventType = "qualifier_updated"
	EventQualifierDeleted  EventType = "qualifier_deleted"

	// Qualifier scoring events
	EventScoreSubmitted EventType = "score_submitted"

	// Connection lifecycle events
	EventClientConnected    EventType = "client_connected"
	EventClientDisconnected EventType = "client_disconnected"

	// Notification events
	EventNotifyDiscord EventType = "notify_discord"
	EventNotifyMQTT    EventType = "notify_mqtt"

	// System events
	EventConfigChanged EventType = "config_changed"
	EventShutdown      EventType = "shutdown"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// TournamentPayload accompanies tournament create/update/delete events.
type TournamentPayload struct {
	Tournament *models.Tournament
}

// UserPayload accompanies user add/update/leave events.
type UserPayload struct {
	TournamentID string
	User         *models.User
}

// MatchPayload accompanies match create/update/delete events.
type MatchPayload struct {
	TournamentID string
	Match        *models.Match
}

// QualifierPayload accompanies qualifier create/update/delete events.
type QualifierPayload struct {
	TournamentID string
	Qualifier    *models.QualifierEvent
}

// ScoreSubmittedPayload accompanies a qualifier score submission.
type ScoreSubmittedPayload struct {
	TournamentID string
	EventID      string
	Map          *models.QualifierMap
	Score        *models.LeaderboardEntry
	// Improved is true when the submission beat the player's previous
	// best on this map.
	Improved bool
}

// ConnectionPayload accompanies client connect/disconnect events.
type ConnectionPayload struct {
	ConnectionID uuid.UUID
	ClientType   models.ClientType
	Name         string
	RemoteAddr   string
}

// NotifyDiscordPayload is used for sending Discord notifications.
type NotifyDiscordPayload struct {
	ChannelID string
	Title     string
	Message   string
	Level     string // "info", "warning", "error"
}

// ConfigChangedPayload is emitted when configuration changes occur.
type ConfigChangedPayload struct {
	Section string
	Key     string
	Value   interface{}
}
