package auth

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/moonlight-project/moonlight/internal/db"
	"github.com/moonlight-project/moonlight/internal/models"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	database, err := db.NewDatabase(filepath.Join(t.TempDir(), "auth_test.db"))
	if err != nil {
		t.Fatalf("NewDatabase: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	svc, err := NewService([]byte("test-signing-key"), "moonlight-test", db.NewTokenStore(database))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestUserTokenRoundTrip(t *testing.T) {
	svc := newTestService(t)

	user := &models.User{
		Guid:       "guid-1",
		Name:       "Moon",
		PlatformID: "76561198000000001",
		Discord:    &models.DiscordInfo{UserID: "discord-1", AvatarURL: "https://example.invalid/a.png"},
	}

	token, err := svc.IssueUserToken(user, time.Hour)
	if err != nil {
		t.Fatalf("IssueUserToken: %v", err)
	}

	id := svc.Verify(token)
	if id.Kind != IdentityUser {
		t.Fatalf("Kind = %v, want IdentityUser", id.Kind)
	}
	if id.Guid != "guid-1" || id.Name != "Moon" || id.DiscordID != "discord-1" || id.PlatformID != "76561198000000001" {
		t.Errorf("unexpected identity: %+v", id)
	}
	if !id.CanMutate() {
		t.Error("user identity should be able to mutate")
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	svc := newTestService(t)

	for _, token := range []string{"", "not-a-jwt", "a.b.c"} {
		if id := svc.Verify(token); id.Kind != IdentityUnauthorized {
			t.Errorf("Verify(%q).Kind = %v, want IdentityUnauthorized", token, id.Kind)
		}
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	svc := newTestService(t)

	other, err := NewService([]byte("different-key"), "moonlight-test", svc.tokens)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	token, err := other.IssueUserToken(&models.User{Guid: "g", Name: "n"}, time.Hour)
	if err != nil {
		t.Fatalf("IssueUserToken: %v", err)
	}
	if id := svc.Verify(token); id.Kind != IdentityUnauthorized {
		t.Errorf("token signed with wrong key verified as %v", id.Kind)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	svc := newTestService(t)

	token, err := svc.IssueUserToken(&models.User{Guid: "g", Name: "n"}, -time.Minute)
	if err != nil {
		t.Fatalf("IssueUserToken: %v", err)
	}
	if id := svc.Verify(token); id.Kind != IdentityUnauthorized {
		t.Errorf("expired token verified as %v", id.Kind)
	}
}

func TestReadonlySentinel(t *testing.T) {
	svc := newTestService(t)

	id := svc.Verify(ReadonlyToken)
	if id.Kind != IdentityReadonly {
		t.Fatalf("Kind = %v, want IdentityReadonly", id.Kind)
	}
	if id.CanMutate() {
		t.Error("readonly identity must not be able to mutate")
	}
}

func TestBotTokenRevocation(t *testing.T) {
	svc := newTestService(t)

	token, tokenID, err := svc.IssueBotToken("owner-1", "scorebot")
	if err != nil {
		t.Fatalf("IssueBotToken: %v", err)
	}

	id := svc.Verify(token)
	if id.Kind != IdentityBot {
		t.Fatalf("Kind = %v, want IdentityBot", id.Kind)
	}
	if id.Guid != "owner-1" || id.Name != "scorebot" {
		t.Errorf("unexpected bot identity: %+v", id)
	}

	// Only the owner may revoke.
	if err := svc.RevokeBotToken(tokenID, "someone-else"); err == nil {
		t.Error("revocation by non-owner should fail")
	}
	if err := svc.RevokeBotToken(tokenID, "owner-1"); err != nil {
		t.Fatalf("RevokeBotToken: %v", err)
	}
	if id := svc.Verify(token); id.Kind != IdentityUnauthorized {
		t.Errorf("revoked bot token verified as %v", id.Kind)
	}
}

func TestOAuthStateRoundTrip(t *testing.T) {
	svc := newTestService(t)

	connID := uuid.New()
	state, err := svc.SignState(connID)
	if err != nil {
		t.Fatalf("SignState: %v", err)
	}

	got, err := svc.VerifyState(state)
	if err != nil {
		t.Fatalf("VerifyState: %v", err)
	}
	if got != connID {
		t.Errorf("VerifyState = %s, want %s", got, connID)
	}

	if _, err := svc.VerifyState("bogus"); err == nil {
		t.Error("bogus state should not verify")
	}
}

func TestUserIDs(t *testing.T) {
	id := Identity{Guid: "g", DiscordID: "d", PlatformID: "p"}
	got := id.UserIDs()
	want := []string{"d", "g", "p"}
	if len(got) != len(want) {
		t.Fatalf("UserIDs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("UserIDs[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestPlayerTokenRoundTrip(t *testing.T) {
	svc := newTestService(t)

	user := &models.User{
		Guid:       "conn-guid-1",
		Name:       "Luna",
		PlatformID: "76561198000000002",
	}

	token, err := svc.IssuePlayerToken(user, time.Hour)
	if err != nil {
		t.Fatalf("IssuePlayerToken: %v", err)
	}

	id := svc.Verify(token)
	if id.Kind != IdentityPlayer {
		t.Fatalf("Kind = %v, want IdentityPlayer", id.Kind)
	}
	if id.Guid != "conn-guid-1" || id.Name != "Luna" || id.PlatformID != "76561198000000002" {
		t.Errorf("unexpected identity: %+v", id)
	}
	if !id.CanMutate() {
		t.Error("player identity should be able to mutate")
	}
}
