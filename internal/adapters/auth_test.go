package adapters

import (
	"context"
	"errors"
	"testing"

	"slotauction/internal/store/memstore"
)

func TestJWTAuthIssueAndValidate(t *testing.T) {
	auth := NewJWTAuth("a-test-secret-long-enough", 1)
	token, err := auth.Issue("user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	userID, ok := auth.Validate(token)
	if !ok || userID != "user-1" {
		t.Fatalf("expected valid token resolving to user-1, got userID=%q ok=%v", userID, ok)
	}
}

func TestJWTAuthRejectsForeignSecret(t *testing.T) {
	a := NewJWTAuth("secret-one-is-long-enough", 1)
	b := NewJWTAuth("secret-two-is-long-enough", 1)
	token, err := a.Issue("user-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := b.Validate(token); ok {
		t.Fatal("expected a token signed with a different secret to be rejected")
	}
}

func TestJWTAuthRejectsGarbage(t *testing.T) {
	auth := NewJWTAuth("a-test-secret-long-enough", 1)
	if _, ok := auth.Validate("not-a-token"); ok {
		t.Fatal("expected garbage input to be rejected")
	}
}

func TestCredentialsRegisterAndLogin(t *testing.T) {
	st := memstore.New()
	auth := NewJWTAuth("a-test-secret-long-enough", 1)
	creds := NewCredentials(st, auth, 10000)

	u, token, err := creds.Register(context.Background(), "alice", "correct-password", "alice@example.com")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if u.Balance != 10000 {
		t.Fatalf("expected the configured initial balance, got %d", u.Balance)
	}
	if userID, ok := auth.Validate(token); !ok || userID != u.ID {
		t.Fatalf("expected the issued token to resolve to the new user, got %q ok=%v", userID, ok)
	}

	_, _, err = creds.Login(context.Background(), "alice", "wrong-password")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for a wrong password, got %v", err)
	}

	loggedIn, _, err := creds.Login(context.Background(), "alice", "correct-password")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if loggedIn.ID != u.ID {
		t.Fatalf("expected login to resolve the same user, got %s vs %s", loggedIn.ID, u.ID)
	}
}

func TestCredentialsRegisterRejectsDuplicateUsername(t *testing.T) {
	st := memstore.New()
	auth := NewJWTAuth("a-test-secret-long-enough", 1)
	creds := NewCredentials(st, auth, 10000)

	if _, _, err := creds.Register(context.Background(), "alice", "password1", "a@example.com"); err != nil {
		t.Fatal(err)
	}
	_, _, err := creds.Register(context.Background(), "alice", "password2", "b@example.com")
	if !errors.Is(err, ErrDuplicateUser) {
		t.Fatalf("expected ErrDuplicateUser, got %v", err)
	}
}
