// Package state holds the in-memory tournament tree and the qualifier
// scoring rules. The tree is the source of truth while the server runs;
// tournaments and qualifiers are mirrored to sqlite so they survive
// restarts, while users and matches are session-scoped and are not.
package state

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/moonlight-project/moonlight/internal/db"
	"github.com/moonlight-project/moonlight/internal/events"
	"github.com/moonlight-project/moonlight/internal/models"
	"github.com/moonlight-project/moonlight/internal/util"
)

// Manager owns the tournament tree. All mutations go through it; every
// mutation emits a change event on the bus so the broadcast layer and
// the Discord bridge can react without the manager knowing about them.
type Manager struct {
	mu          sync.RWMutex
	tournaments []*models.Tournament

	bus        *events.EventBus
	store      *db.TournamentStore
	qualifiers *db.QualifierStore
	logger     zerolog.Logger
}

// NewManager creates a Manager and loads the persisted tournaments and
// qualifiers back into the tree.
func NewManager(bus *events.EventBus, store *db.TournamentStore, qualifiers *db.QualifierStore) (*Manager, error) {
	m := &Manager{
		bus:        bus,
		store:      store,
		qualifiers: qualifiers,
		logger:     util.ComponentLogger("state"),
	}

	tournaments, err := store.LoadTournaments()
	if err != nil {
		return nil, fmt.Errorf("failed to load tournaments: %w", err)
	}
	for _, t := range tournaments {
		quals, err := qualifiers.LoadQualifiers(t.Guid)
		if err != nil {
			return nil, fmt.Errorf("failed to load qualifiers for %s: %w", t.Guid, err)
		}
		t.Qualifiers = quals
	}
	m.tournaments = tournaments

	m.logger.Info().Int("tournaments", len(tournaments)).Msg("state restored")
	return m, nil
}

// State returns a snapshot of the whole tree for a freshly connected
// client. Everything is deep-copied: the live tree is only ever touched
// under the manager's lock, never through a handed-out pointer.
func (m *Manager) State(self models.ServerInfo) *models.State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := &models.State{
		Tournaments:  make([]*models.Tournament, len(m.tournaments)),
		KnownServers: []models.ServerInfo{self},
	}
	for i, t := range m.tournaments {
		s.Tournaments[i] = t.Clone()
	}
	return s
}

// Tournaments returns a deep-copied snapshot of the tournament list.
func (m *Manager) Tournaments() []*models.Tournament {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Tournament, len(m.tournaments))
	for i, t := range m.tournaments {
		out[i] = t.Clone()
	}
	return out
}

// GetTournament returns a deep-copied snapshot of the tournament with
// the given guid.
func (m *Manager) GetTournament(guid string) (*models.Tournament, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, err := m.findTournament(guid)
	if err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// UserGuids returns the guids of everyone currently in a tournament.
// Cheaper than cloning the whole tournament for broadcast fan-out.
func (m *Manager) UserGuids(tournamentID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, err := m.findTournament(tournamentID)
	if err != nil {
		return nil
	}
	guids := make([]string, len(t.Users))
	for i, u := range t.Users {
		guids[i] = u.Guid
	}
	return guids
}

// findTournament requires the caller to hold at least a read lock.
func (m *Manager) findTournament(guid string) (*models.Tournament, error) {
	for _, t := range m.tournaments {
		if t.Guid == guid {
			return t, nil
		}
	}
	return nil, fmt.Errorf("no tournament with guid %s", guid)
}

// CreateTournament adds a tournament, persists it, and announces it.
// The guid is assigned here when the caller leaves it empty.
func (m *Manager) CreateTournament(ctx context.Context, t *models.Tournament) error {
	if t.Guid == "" {
		t.Guid = uuid.NewString()
	}

	m.mu.Lock()
	if _, err := m.findTournament(t.Guid); err == nil {
		m.mu.Unlock()
		return fmt.Errorf("tournament %s already exists", t.Guid)
	}
	m.tournaments = append(m.tournaments, t.Clone())
	m.mu.Unlock()

	if err := m.store.SaveTournament(t); err != nil {
		return fmt.Errorf("failed to persist tournament: %w", err)
	}

	m.logger.Info().Str("guid", t.Guid).Str("name", t.Settings.TournamentName).Msg("tournament created")
	m.bus.Emit(ctx, events.Event{
		Type:    events.EventTournamentCreated,
		Source:  "state",
		Payload: events.TournamentPayload{Tournament: t.Clone()},
	})
	return nil
}

// UpdateTournament replaces a tournament's settings and server info.
// Users, matches, and qualifiers are owned by their own operations and
// survive the update untouched.
func (m *Manager) UpdateTournament(ctx context.Context, update *models.Tournament) error {
	m.mu.Lock()
	t, err := m.findTournament(update.Guid)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if update.Settings.PasswordHash == "" {
		update.Settings.PasswordHash = t.Settings.PasswordHash
	}
	snapshot := update.Clone()
	t.Settings = snapshot.Settings
	t.Server = snapshot.Server
	saved := t.Clone()
	m.mu.Unlock()

	if err := m.store.SaveTournament(saved); err != nil {
		return fmt.Errorf("failed to persist tournament: %w", err)
	}

	m.bus.Emit(ctx, events.Event{
		Type:    events.EventTournamentUpdated,
		Source:  "state",
		Payload: events.TournamentPayload{Tournament: saved},
	})
	return nil
}

// DeleteTournament removes a tournament from the tree and soft-deletes
// it in the database.
func (m *Manager) DeleteTournament(ctx context.Context, guid string) error {
	m.mu.Lock()
	var removed *models.Tournament
	for i, t := range m.tournaments {
		if t.Guid == guid {
			removed = t
			m.tournaments = append(m.tournaments[:i], m.tournaments[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if removed == nil {
		return fmt.Errorf("no tournament with guid %s", guid)
	}
	if err := m.store.DeleteTournament(guid); err != nil {
		return fmt.Errorf("failed to delete tournament: %w", err)
	}

	m.logger.Info().Str("guid", guid).Msg("tournament deleted")
	m.bus.Emit(ctx, events.Event{
		Type:    events.EventTournamentDeleted,
		Source:  "state",
		Payload: events.TournamentPayload{Tournament: removed},
	})
	return nil
}

// AddUser joins a user to a tournament. The user's guid is the
// connection id of its socket, assigned at accept time.
func (m *Manager) AddUser(ctx context.Context, tournamentID string, user *models.User) error {
	m.mu.Lock()
	t, err := m.findTournament(tournamentID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	for _, existing := range t.Users {
		if existing.Equals(user) {
			m.mu.Unlock()
			return fmt.Errorf("user %s already in tournament %s", user.Guid, tournamentID)
		}
	}
	t.Users = append(t.Users, user.Clone())
	m.mu.Unlock()

	m.bus.Emit(ctx, events.Event{
		Type:    events.EventUserAdded,
		Source:  "state",
		Payload: events.UserPayload{TournamentID: tournamentID, User: user.Clone()},
	})
	return nil
}

// UpdateUser replaces a user's record wholesale. Concurrent updates are
// last-writer-wins; play state changes stream often enough that merging
// field-by-field buys nothing.
func (m *Manager) UpdateUser(ctx context.Context, tournamentID string, user *models.User) error {
	m.mu.Lock()
	t, err := m.findTournament(tournamentID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	found := false
	for i, existing := range t.Users {
		if existing.Equals(user) {
			t.Users[i] = user.Clone()
			found = true
			break
		}
	}
	m.mu.Unlock()

	if !found {
		return fmt.Errorf("user %s not in tournament %s", user.Guid, tournamentID)
	}

	m.bus.Emit(ctx, events.Event{
		Type:    events.EventUserUpdated,
		Source:  "state",
		Payload: events.UserPayload{TournamentID: tournamentID, User: user.Clone()},
	})
	return nil
}

// RemoveUser takes a user out of a tournament and out of any matches
// they were in, emitting match updates for the affected matches.
func (m *Manager) RemoveUser(ctx context.Context, tournamentID, userGuid string) error {
	m.mu.Lock()
	t, err := m.findTournament(tournamentID)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	var removed *models.User
	for i, u := range t.Users {
		if u.Guid == userGuid {
			removed = u
			t.Users = append(t.Users[:i], t.Users[i+1:]...)
			break
		}
	}

	var touched []*models.Match
	if removed != nil {
		for _, match := range t.Matches {
			for i, id := range match.AssociatedUsers {
				if id == userGuid {
					match.AssociatedUsers = append(match.AssociatedUsers[:i], match.AssociatedUsers[i+1:]...)
					touched = append(touched, match.Clone())
					break
				}
			}
		}
	}
	m.mu.Unlock()

	if removed == nil {
		return fmt.Errorf("user %s not in tournament %s", userGuid, tournamentID)
	}

	m.bus.Emit(ctx, events.Event{
		Type:    events.EventUserLeft,
		Source:  "state",
		Payload: events.UserPayload{TournamentID: tournamentID, User: removed},
	})
	for _, match := range touched {
		m.bus.Emit(ctx, events.Event{
			Type:    events.EventMatchUpdated,
			Source:  "state",
			Payload: events.MatchPayload{TournamentID: tournamentID, Match: match},
		})
	}
	return nil
}

// RemoveUserEverywhere drops a user from every tournament they joined.
// Used on disconnect, when only the connection id is known.
func (m *Manager) RemoveUserEverywhere(ctx context.Context, userGuid string) {
	m.mu.RLock()
	var memberships []string
	for _, t := range m.tournaments {
		for _, u := range t.Users {
			if u.Guid == userGuid {
				memberships = append(memberships, t.Guid)
				break
			}
		}
	}
	m.mu.RUnlock()

	for _, tournamentID := range memberships {
		if err := m.RemoveUser(ctx, tournamentID, userGuid); err != nil {
			m.logger.Warn().Err(err).Str("user", userGuid).Str("tournament", tournamentID).Msg("failed to remove user on disconnect")
		}
	}
}

// CreateMatch adds a match to a tournament. Matches are session-scoped
// and never persisted.
func (m *Manager) CreateMatch(ctx context.Context, tournamentID string, match *models.Match) error {
	if match.Guid == "" {
		match.Guid = uuid.NewString()
	}

	m.mu.Lock()
	t, err := m.findTournament(tournamentID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	for _, existing := range t.Matches {
		if existing.Guid == match.Guid {
			m.mu.Unlock()
			return fmt.Errorf("match %s already exists", match.Guid)
		}
	}
	t.Matches = append(t.Matches, match.Clone())
	m.mu.Unlock()

	m.bus.Emit(ctx, events.Event{
		Type:    events.EventMatchCreated,
		Source:  "state",
		Payload: events.MatchPayload{TournamentID: tournamentID, Match: match.Clone()},
	})
	return nil
}

// UpdateMatch replaces a match by guid.
func (m *Manager) UpdateMatch(ctx context.Context, tournamentID string, match *models.Match) error {
	m.mu.Lock()
	t, err := m.findTournament(tournamentID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	found := false
	for i, existing := range t.Matches {
		if existing.Guid == match.Guid {
			t.Matches[i] = match.Clone()
			found = true
			break
		}
	}
	m.mu.Unlock()

	if !found {
		return fmt.Errorf("match %s not in tournament %s", match.Guid, tournamentID)
	}

	m.bus.Emit(ctx, events.Event{
		Type:    events.EventMatchUpdated,
		Source:  "state",
		Payload: events.MatchPayload{TournamentID: tournamentID, Match: match.Clone()},
	})
	return nil
}

// DeleteMatch removes a match.
func (m *Manager) DeleteMatch(ctx context.Context, tournamentID, matchGuid string) error {
	m.mu.Lock()
	t, err := m.findTournament(tournamentID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	var removed *models.Match
	for i, match := range t.Matches {
		if match.Guid == matchGuid {
			removed = match
			t.Matches = append(t.Matches[:i], t.Matches[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if removed == nil {
		return fmt.Errorf("match %s not in tournament %s", matchGuid, tournamentID)
	}

	m.bus.Emit(ctx, events.Event{
		Type:    events.EventMatchDeleted,
		Source:  "state",
		Payload: events.MatchPayload{TournamentID: tournamentID, Match: removed},
	})
	return nil
}

// CreateQualifier adds a qualifier event and persists it.
func (m *Manager) CreateQualifier(ctx context.Context, tournamentID string, event *models.QualifierEvent) error {
	if event.Guid == "" {
		event.Guid = uuid.NewString()
	}
	for _, qm := range event.Maps {
		if qm.Guid == "" {
			qm.Guid = uuid.NewString()
		}
	}

	m.mu.Lock()
	t, err := m.findTournament(tournamentID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	for _, existing := range t.Qualifiers {
		if existing.Guid == event.Guid {
			m.mu.Unlock()
			return fmt.Errorf("qualifier %s already exists", event.Guid)
		}
	}
	t.Qualifiers = append(t.Qualifiers, event.Clone())
	m.mu.Unlock()

	if err := m.qualifiers.SaveQualifier(tournamentID, event); err != nil {
		return fmt.Errorf("failed to persist qualifier: %w", err)
	}

	m.bus.Emit(ctx, events.Event{
		Type:    events.EventQualifierCreated,
		Source:  "state",
		Payload: events.QualifierPayload{TournamentID: tournamentID, Qualifier: event.Clone()},
	})
	return nil
}

// UpdateQualifier replaces a qualifier event by guid and persists it.
func (m *Manager) UpdateQualifier(ctx context.Context, tournamentID string, event *models.QualifierEvent) error {
	for _, qm := range event.Maps {
		if qm.Guid == "" {
			qm.Guid = uuid.NewString()
		}
	}

	m.mu.Lock()
	t, err := m.findTournament(tournamentID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	found := false
	for i, existing := range t.Qualifiers {
		if existing.Guid == event.Guid {
			t.Qualifiers[i] = event.Clone()
			found = true
			break
		}
	}
	m.mu.Unlock()

	if !found {
		return fmt.Errorf("qualifier %s not in tournament %s", event.Guid, tournamentID)
	}
	if err := m.qualifiers.SaveQualifier(tournamentID, event); err != nil {
		return fmt.Errorf("failed to persist qualifier: %w", err)
	}

	m.bus.Emit(ctx, events.Event{
		Type:    events.EventQualifierUpdated,
		Source:  "state",
		Payload: events.QualifierPayload{TournamentID: tournamentID, Qualifier: event.Clone()},
	})
	return nil
}

// DeleteQualifier removes a qualifier and soft-deletes it.
func (m *Manager) DeleteQualifier(ctx context.Context, tournamentID, eventGuid string) error {
	m.mu.Lock()
	t, err := m.findTournament(tournamentID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	var removed *models.QualifierEvent
	for i, q := range t.Qualifiers {
		if q.Guid == eventGuid {
			removed = q
			t.Qualifiers = append(t.Qualifiers[:i], t.Qualifiers[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if removed == nil {
		return fmt.Errorf("qualifier %s not in tournament %s", eventGuid, tournamentID)
	}
	if err := m.qualifiers.DeleteQualifier(eventGuid); err != nil {
		return fmt.Errorf("failed to delete qualifier: %w", err)
	}

	m.bus.Emit(ctx, events.Event{
		Type:    events.EventQualifierDeleted,
		Source:  "state",
		Payload: events.QualifierPayload{TournamentID: tournamentID, Qualifier: removed},
	})
	return nil
}

// FindQualifierMap resolves a map guid inside a qualifier event. Both
// returns are deep-copied snapshots.
func (m *Manager) FindQualifierMap(tournamentID, eventGuid, mapGuid string) (*models.QualifierEvent, *models.QualifierMap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, err := m.findTournament(tournamentID)
	if err != nil {
		return nil, nil, err
	}
	for _, q := range t.Qualifiers {
		if q.Guid != eventGuid {
			continue
		}
		for _, qm := range q.Maps {
			if qm.Guid == mapGuid {
				return q.Clone(), qm.Clone(), nil
			}
		}
		return nil, nil, fmt.Errorf("map %s not in qualifier %s", mapGuid, eventGuid)
	}
	return nil, nil, fmt.Errorf("qualifier %s not in tournament %s", eventGuid, tournamentID)
}

// SetLeaderboardMessage records the Discord message id pinned to a
// qualifier map, in the tree and in the database.
func (m *Manager) SetLeaderboardMessage(tournamentID, eventGuid, mapGuid, messageID string) error {
	m.mu.Lock()
	found := false
	if t, err := m.findTournament(tournamentID); err == nil {
	search:
		for _, q := range t.Qualifiers {
			if q.Guid != eventGuid {
				continue
			}
			for _, qm := range q.Maps {
				if qm.Guid == mapGuid {
					qm.LeaderboardMessage = messageID
					found = true
					break search
				}
			}
		}
	}
	m.mu.Unlock()

	if !found {
		return fmt.Errorf("map %s not in qualifier %s", mapGuid, eventGuid)
	}
	return m.qualifiers.SetLeaderboardMessageID(mapGuid, messageID)
}
