package auth

import (
	"database/sql"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"

	"github.com/mqttcore/broker/pkg/er"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite3: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return New(db)
}

func TestCreateUserAndAuthenticate(t *testing.T) {
	store := newTestStore(t)

	if err := store.CreateUser("alice", "hunter2", bcrypt.MinCost); err != nil {
		t.Fatalf("create user: %v", err)
	}

	if err := store.Authenticate("alice", "hunter2"); err != nil {
		t.Fatalf("expected successful auth, got %v", err)
	}
}

func TestAuthenticateRejectsWrongPassword(t *testing.T) {
	store := newTestStore(t)
	store.CreateUser("alice", "hunter2", bcrypt.MinCost)

	err := store.Authenticate("alice", "wrong-password")
	if err == nil {
		t.Fatalf("expected an error for a wrong password")
	}
	var authErr *er.Err
	if !errors.As(err, &authErr) || !errors.Is(authErr.Message, er.ErrInvalidPassword) {
		t.Fatalf("expected ErrInvalidPassword, got %v", err)
	}
}

func TestAuthenticateUnknownUser(t *testing.T) {
	store := newTestStore(t)

	err := store.Authenticate("nobody", "whatever")
	if err == nil {
		t.Fatalf("expected an error for an unknown user")
	}
	var authErr *er.Err
	if !errors.As(err, &authErr) || !errors.Is(authErr.Message, er.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestCreateUserUpsertsOnConflict(t *testing.T) {
	store := newTestStore(t)

	store.CreateUser("alice", "first-password", bcrypt.MinCost)
	store.CreateUser("alice", "second-password", bcrypt.MinCost)

	if err := store.Authenticate("alice", "first-password"); err == nil {
		t.Fatalf("expected the old password to no longer work")
	}
	if err := store.Authenticate("alice", "second-password"); err != nil {
		t.Fatalf("expected the new password to work, got %v", err)
	}
}
